package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ledgers(t *testing.T) map[string]Ledger {
	bl, err := OpenBadger("", time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(func() { bl.Close() })

	return map[string]Ledger{
		"badger": bl,
		"memory": NewMemory(time.Hour),
	}
}

func TestClaimOnce(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := l.Claim(ctx, "alice", "1")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = l.Claim(ctx, "alice", "1")
			require.NoError(t, err)
			assert.False(t, ok)

			// same id from another client is a different request
			ok, err = l.Claim(ctx, "bob", "1")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			var winners atomic.Int32
			wg := sync.WaitGroup{}
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := l.Claim(ctx, "carol", "dup")
					assert.NoError(t, err)
					if ok {
						winners.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), winners.Load())
		})
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	l := NewMemory(time.Millisecond)

	ok, _ := l.Claim(ctx, "dave", "1")
	require.True(t, ok)
	time.Sleep(5 * time.Millisecond)

	ok, _ = l.Claim(ctx, "dave", "1")
	assert.True(t, ok, "expired claims can be taken again")
}

func TestBadgerPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, err := OpenBadger(dir, time.Hour, nil)
	require.NoError(t, err)
	ok, err := l.Claim(ctx, "erin", "7")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.Close())

	l, err = OpenBadger(dir, time.Hour, nil)
	require.NoError(t, err)
	defer l.Close()
	ok, err = l.Claim(ctx, "erin", "7")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseAllowsAnotherClaim(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := l.Claim(ctx, "frank", "9")
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, l.Release(ctx, "frank", "9"))
			ok, err = l.Claim(ctx, "frank", "9")
			require.NoError(t, err)
			assert.True(t, ok)

			// releasing what was never claimed is fine
			assert.NoError(t, l.Release(ctx, "frank", "nope"))
		})
	}
}
