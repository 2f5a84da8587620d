package ledger

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

var _ Ledger = (*MemoryLedger)(nil)

// MemoryLedger forgets everything on restart.
type MemoryLedger struct {
	claims    *xsync.MapOf[string, time.Time]
	ttl       time.Duration
	lastSweep atomic.Int64
}

func NewMemory(ttl time.Duration) *MemoryLedger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryLedger{
		claims: xsync.NewMapOf[string, time.Time](),
		ttl:    ttl,
	}
}

func (l *MemoryLedger) Claim(ctx context.Context, client string, id string) (bool, error) {
	now := time.Now()
	l.sweep(now)

	claimed := false
	l.claims.Compute(string(key(client, id)), func(expiry time.Time, loaded bool) (time.Time, bool) {
		if loaded && expiry.After(now) {
			return expiry, false
		}
		claimed = true
		return now.Add(l.ttl), false
	})
	return claimed, nil
}

func (l *MemoryLedger) sweep(now time.Time) {
	last := l.lastSweep.Load()
	if now.Sub(time.Unix(0, last)) < time.Minute || !l.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	l.claims.Range(func(k string, expiry time.Time) bool {
		if !expiry.After(now) {
			l.claims.Delete(k)
		}
		return true
	})
}

func (l *MemoryLedger) Release(_ context.Context, client string, id string) error {
	l.claims.Delete(string(key(client, id)))
	return nil
}

func (l *MemoryLedger) Close() error { return nil }
