package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nbd-wtf/go-nostr-bunker/bunker/permissions"
)

type appRow struct {
	PubKey    string `db:"pubkey"`
	Name      string `db:"name"`
	NIP05     string `db:"nip05"`
	URL       string `db:"url"`
	CreatedAt int64  `db:"created_at"`
	LastSeen  int64  `db:"last_seen"`
}

func (r appRow) app() permissions.App {
	return permissions.App{
		PubKey:    r.PubKey,
		Name:      r.Name,
		NIP05:     r.NIP05,
		URL:       r.URL,
		CreatedAt: fromMillis(r.CreatedAt),
		LastSeen:  fromMillis(r.LastSeen),
	}
}

type permissionRow struct {
	App          string `db:"app"`
	PermissionID string `db:"permission_id"`
	Action       string `db:"action"`
	UpdatedAt    int64  `db:"updated_at"`
}

func (s *Store) UpsertApp(ctx context.Context, app permissions.App) error {
	_, err := s.ExecContext(ctx,
		`INSERT INTO apps (pubkey, name, nip05, url, created_at, last_seen) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (pubkey) DO UPDATE SET
		   name = excluded.name, nip05 = excluded.nip05, url = excluded.url, last_seen = excluded.last_seen`,
		app.PubKey, app.Name, app.NIP05, app.URL, toMillis(app.CreatedAt), toMillis(app.LastSeen),
	)
	return err
}

func (s *Store) GetApp(ctx context.Context, pubkey string) (permissions.App, error) {
	var row appRow
	err := s.GetContext(ctx, &row, `SELECT * FROM apps WHERE pubkey = ?`, pubkey)
	if errors.Is(err, sql.ErrNoRows) {
		return permissions.App{}, permissions.ErrUnknownApp
	} else if err != nil {
		return permissions.App{}, err
	}
	return row.app(), nil
}

func (s *Store) ListApps(ctx context.Context) ([]permissions.App, error) {
	var rows []appRow
	if err := s.SelectContext(ctx, &rows, `SELECT * FROM apps ORDER BY created_at`); err != nil {
		return nil, err
	}
	apps := make([]permissions.App, len(rows))
	for i, r := range rows {
		apps[i] = r.app()
	}
	return apps, nil
}

func (s *Store) TouchApp(ctx context.Context, pubkey string, at time.Time) error {
	_, err := s.ExecContext(ctx, `UPDATE apps SET last_seen = ? WHERE pubkey = ?`, toMillis(at), pubkey)
	return err
}

func (s *Store) DeleteApp(ctx context.Context, pubkey string) error {
	_, err := s.ExecContext(ctx, `DELETE FROM apps WHERE pubkey = ?`, pubkey)
	return err
}

func (s *Store) GetPermission(ctx context.Context, app string, permissionID string) (permissions.Action, bool, error) {
	var action string
	err := s.GetContext(ctx, &action,
		`SELECT action FROM permissions WHERE app = ? AND permission_id = ?`, app, permissionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return permissions.Action(action), true, nil
}

func (s *Store) PutPermissions(ctx context.Context, app string, actions map[string]permissions.Action, at time.Time) error {
	return s.withTx(ctx, func(txn *sqlx.Tx) error {
		stmt, err := txn.PreparexContext(ctx,
			`INSERT INTO permissions (app, permission_id, action, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (app, permission_id) DO UPDATE SET action = excluded.action, updated_at = excluded.updated_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for id, action := range actions {
			if _, err := stmt.ExecContext(ctx, app, id, string(action), toMillis(at)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListPermissions(ctx context.Context, app string) ([]permissions.Permission, error) {
	var rows []permissionRow
	if err := s.SelectContext(ctx, &rows, `SELECT * FROM permissions WHERE app = ?`, app); err != nil {
		return nil, err
	}
	perms := make([]permissions.Permission, len(rows))
	for i, r := range rows {
		perms[i] = permissions.Permission{
			App:          r.App,
			PermissionID: r.PermissionID,
			Action:       permissions.Action(r.Action),
			UpdatedAt:    fromMillis(r.UpdatedAt),
		}
	}
	return perms, nil
}

func (s *Store) DeletePermissions(ctx context.Context, app string) error {
	_, err := s.ExecContext(ctx, `DELETE FROM permissions WHERE app = ?`, app)
	return err
}
