package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var _ Ledger = (*BadgerLedger)(nil)

// BadgerLedger keeps claims on disk, so they survive restarts. Badger expires the
// entries by itself.
type BadgerLedger struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenBadger opens a ledger at path. An empty path gives an in-memory ledger.
func OpenBadger(path string, ttl time.Duration, log *slog.Logger) (*BadgerLedger, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	if log == nil {
		log = slog.Default()
	}
	opts = opts.WithLogger(badgerLogger{log.With("component", "ledger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at '%s': %w", path, err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &BadgerLedger{db: db, ttl: ttl}, nil
}

func (l *BadgerLedger) Claim(ctx context.Context, client string, id string) (bool, error) {
	k := key(client, id)

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		claimed := false
		err := l.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(k)
			if err == nil {
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			claimed = true
			return txn.SetEntry(badger.NewEntry(k, []byte{1}).WithTTL(l.ttl))
		})
		if errors.Is(err, badger.ErrConflict) {
			// someone else wrote the same key concurrently, try again and we'll see it
			continue
		}
		if err != nil {
			return false, err
		}
		return claimed, nil
	}
}

func (l *BadgerLedger) Release(ctx context.Context, client string, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(client, id))
	})
}

func (l *BadgerLedger) Close() error {
	return l.db.Close()
}

type badgerLogger struct{ log *slog.Logger }

func (b badgerLogger) Errorf(f string, v ...any)   { b.log.Error(fmt.Sprintf(f, v...)) }
func (b badgerLogger) Warningf(f string, v ...any) { b.log.Warn(fmt.Sprintf(f, v...)) }
func (b badgerLogger) Infof(f string, v ...any)    { b.log.Debug(fmt.Sprintf(f, v...)) }
func (b badgerLogger) Debugf(f string, v ...any)   { b.log.Debug(fmt.Sprintf(f, v...)) }
