// Package ledger remembers which requests were already taken by a worker, so that the
// same request delivered twice (by two relays, or again after a restart) is answered once.
package ledger

import (
	"context"
	"time"
)

const DefaultTTL = 24 * time.Hour

type Ledger interface {
	// Claim returns true for the first caller with a given (client, id) pair within the
	// ledger's retention window, false for everyone after it.
	Claim(ctx context.Context, client string, id string) (bool, error)

	// Release gives up a claim, for requests that were claimed but never answered, so
	// that a later delivery of the same request can be claimed again.
	Release(ctx context.Context, client string, id string) error

	Close() error
}

func key(client, id string) []byte {
	k := make([]byte, 0, 4+len(client)+1+len(id))
	k = append(k, "req:"...)
	k = append(k, client...)
	k = append(k, ':')
	k = append(k, id...)
	return k
}
