package bunker

import (
	"errors"

	"github.com/nbd-wtf/go-nostr-bunker/bunker/transport"
	"github.com/nbd-wtf/go-nostr-bunker/keyer"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrApprovalTimeout  = errors.New("approval timed out")
	ErrNotConnected     = errors.New("not connected, send connect first")
	ErrInvalidSecret    = errors.New("invalid secret")
	ErrRateLimited      = errors.New("too many requests")

	ErrRelayDisconnected = transport.ErrRelayDisconnected
	ErrPublishFailure    = transport.ErrPublishFailure
)

// errorMessage turns an error into the text sent back to the client. Key storage
// details stay on our side.
func errorMessage(err error) string {
	for _, known := range []error{
		ErrPermissionDenied, ErrApprovalTimeout, ErrNotConnected, ErrInvalidSecret, ErrRateLimited,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}

	var derr *keyer.DecryptError
	switch {
	case errors.Is(err, keyer.ErrSigningRejected):
		return "rejected by signer"
	case errors.Is(err, keyer.ErrSigningKeyNotFound):
		return "signing key unavailable"
	case errors.As(err, &derr):
		return "failed to decrypt"
	default:
		return err.Error()
	}
}
