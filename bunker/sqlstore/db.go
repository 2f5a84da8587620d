// Package sqlstore keeps apps, permissions, sessions and the audit log in sqlite.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nbd-wtf/go-nostr-bunker/bunker/permissions"
	"github.com/nbd-wtf/go-nostr-bunker/bunker/sessions"
	_ "modernc.org/sqlite"
)

var (
	_ permissions.Store = (*Store)(nil)
	_ sessions.Store    = (*Store)(nil)
)

type Store struct {
	*sqlx.DB
}

// Open opens (creating if needed) the sqlite database at path and brings its schema up
// to date.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	// sqlite has a single writer anyway, this avoids SQLITE_BUSY between our own connections
	db.SetMaxOpenConns(1)

	return New(db)
}

// New wraps an already open sqlite connection.
func New(db *sql.DB) (*Store, error) {
	s := &Store{DB: sqlx.NewDb(db, "sqlite")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	txn, err := s.Beginx()
	if err != nil {
		return err
	}
	defer txn.Rollback()

	if _, err := txn.Exec(`CREATE TABLE IF NOT EXISTS bunker_db_version (version int)`); err != nil {
		return err
	}
	var version int
	if err := txn.Get(&version, `SELECT version FROM bunker_db_version`); err == sql.ErrNoRows {
		if _, err := txn.Exec(`INSERT INTO bunker_db_version VALUES (0)`); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if version == 0 {
		version = 1
		if err := execAll(txn,
			`CREATE TABLE apps (`+
				`pubkey text PRIMARY KEY, `+
				`name text NOT NULL DEFAULT '', `+
				`nip05 text NOT NULL DEFAULT '', `+
				`url text NOT NULL DEFAULT '', `+
				`created_at integer NOT NULL, `+
				`last_seen integer NOT NULL`+
				`)`,
			`CREATE TABLE permissions (`+
				`app text NOT NULL, `+
				`permission_id text NOT NULL, `+
				`action text NOT NULL, `+
				`updated_at integer NOT NULL`+
				`)`,
			`CREATE UNIQUE INDEX permissions_app_permission ON permissions (app, permission_id)`,
			`CREATE TABLE sessions (`+
				`id integer PRIMARY KEY AUTOINCREMENT, `+
				`app text NOT NULL, `+
				`started_at integer NOT NULL, `+
				`ended_at integer, `+
				`active_relay_count integer NOT NULL DEFAULT 0, `+
				`session_type text NOT NULL, `+
				`state text NOT NULL`+
				`)`,
			`CREATE INDEX sessions_app ON sessions (app)`,
			`CREATE INDEX sessions_open ON sessions (app) WHERE ended_at IS NULL`,
			`CREATE TABLE session_events (`+
				`id integer PRIMARY KEY AUTOINCREMENT, `+
				`session_id integer NOT NULL REFERENCES sessions (id), `+
				`client_pubkey text NOT NULL, `+
				`method text NOT NULL, `+
				`event_kind integer, `+
				`success integer NOT NULL, `+
				`request text NOT NULL, `+
				`response text NOT NULL, `+
				`requested_at integer NOT NULL, `+
				`completed_at integer NOT NULL`+
				`)`,
			`CREATE INDEX session_events_session ON session_events (session_id)`,
		); err != nil {
			return err
		}
	}

	if _, err := txn.Exec(`UPDATE bunker_db_version SET version = ?`, version); err != nil {
		return err
	}
	return txn.Commit()
}

func execAll(txn *sqlx.Tx, statements ...string) error {
	for _, stmt := range statements {
		if _, err := txn.Exec(stmt); err != nil {
			return fmt.Errorf("'%s': %w", stmt, err)
		}
	}
	return nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

// withTx runs fn inside a transaction, committing only if it succeeds.
func (s *Store) withTx(ctx context.Context, fn func(txn *sqlx.Tx) error) error {
	txn, err := s.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}
