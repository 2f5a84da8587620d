package keyer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr-bunker"
	"github.com/nbd-wtf/go-nostr-bunker/keyring"
	"github.com/nbd-wtf/go-nostr-bunker/nip04"
	"github.com/nbd-wtf/go-nostr-bunker/nip44"
)

var (
	// ErrSigningKeyNotFound means the key provider had no key to give.
	ErrSigningKeyNotFound = errors.New("signing key not found")

	// ErrSigningRejected means the Guard refused the operation.
	ErrSigningRejected = errors.New("signing rejected")
)

var (
	_ nostr.Keyer        = (*KeySigner)(nil)
	_ nostr.LegacyCipher = (*KeySigner)(nil)
)

// DecryptError is returned when a ciphertext can't be decrypted, either because it is
// malformed or because it wasn't meant for us.
type DecryptError struct {
	Scheme string
	Err    error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("%s decryption failed: %s", e.Scheme, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// Operation describes what a KeySigner is about to do, for the Guard to judge.
type Operation struct {
	Name         string
	Counterparty string
	Event        *nostr.Event
}

// KeySigner fetches the secret key from its provider for every operation and wipes it
// right after, so the key only lives in memory for the duration of one call.
type KeySigner struct {
	provider keyring.Provider

	// Guard, when set, is called before every operation that touches the key. Returning an
	// error aborts the operation with ErrSigningRejected.
	Guard func(ctx context.Context, op Operation) error

	pk atomic.Pointer[string]
}

func New(provider keyring.Provider) *KeySigner {
	return &KeySigner{provider: provider}
}

func (ks *KeySigner) withKey(ctx context.Context, op Operation, fn func(sk []byte) error) error {
	if ks.Guard != nil {
		if err := ks.Guard(ctx, op); err != nil {
			if errors.Is(err, ErrSigningRejected) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrSigningRejected, err)
		}
	}

	sk, err := ks.provider.GetOrCreateKey(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSigningKeyNotFound, err)
	}
	defer clear(sk)

	if len(sk) != 32 {
		return fmt.Errorf("%w: key has %d bytes", ErrSigningKeyNotFound, len(sk))
	}

	return fn(sk)
}

// GetPublicKey derives the public key once and remembers it.
func (ks *KeySigner) GetPublicKey(ctx context.Context) (string, error) {
	if pk := ks.pk.Load(); pk != nil {
		return *pk, nil
	}

	sk, err := ks.provider.GetOrCreateKey(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSigningKeyNotFound, err)
	}
	defer clear(sk)
	if len(sk) != 32 {
		return "", fmt.Errorf("%w: key has %d bytes", ErrSigningKeyNotFound, len(sk))
	}

	priv, pub := btcec.PrivKeyFromBytes(sk)
	priv.Zero()

	pk := hex.EncodeToString(schnorr.SerializePubKey(pub))
	ks.pk.Store(&pk)
	return pk, nil
}

// SignEvent sets the event's pubkey, id and signature. Anything already there is overwritten.
func (ks *KeySigner) SignEvent(ctx context.Context, evt *nostr.Event) error {
	return ks.withKey(ctx, Operation{Name: "sign_event", Event: evt}, func(sk []byte) error {
		if err := evt.SignWithKey(sk); err != nil {
			return fmt.Errorf("failed to sign event: %w", err)
		}
		return nil
	})
}

// Encrypt encrypts a plaintext for recipient with NIP-44.
func (ks *KeySigner) Encrypt(ctx context.Context, plaintext string, recipient string) (ciphertext string, err error) {
	err = ks.withKey(ctx, Operation{Name: "nip44_encrypt", Counterparty: recipient}, func(sk []byte) error {
		ck, err := nip44.GenerateConversationKeyWithKey(recipient, sk)
		if err != nil {
			return err
		}
		defer clear(ck[:])
		ciphertext, err = nip44.Encrypt(plaintext, ck)
		return err
	})
	return ciphertext, err
}

// Decrypt decrypts a NIP-44 payload from sender.
func (ks *KeySigner) Decrypt(ctx context.Context, ciphertext string, sender string) (plaintext string, err error) {
	err = ks.withKey(ctx, Operation{Name: "nip44_decrypt", Counterparty: sender}, func(sk []byte) error {
		ck, err := nip44.GenerateConversationKeyWithKey(sender, sk)
		if err != nil {
			return err
		}
		defer clear(ck[:])
		plaintext, err = nip44.Decrypt(ciphertext, ck)
		if err != nil {
			return &DecryptError{Scheme: "nip44", Err: err}
		}
		return nil
	})
	return plaintext, err
}

func (ks *KeySigner) EncryptNIP04(ctx context.Context, plaintext string, recipient string) (ciphertext string, err error) {
	err = ks.withKey(ctx, Operation{Name: "nip04_encrypt", Counterparty: recipient}, func(sk []byte) error {
		shared, err := nip04.ComputeSharedSecretWithKey(recipient, sk)
		if err != nil {
			return err
		}
		defer clear(shared)
		ciphertext, err = nip04.Encrypt(plaintext, shared)
		return err
	})
	return ciphertext, err
}

func (ks *KeySigner) DecryptNIP04(ctx context.Context, ciphertext string, sender string) (plaintext string, err error) {
	err = ks.withKey(ctx, Operation{Name: "nip04_decrypt", Counterparty: sender}, func(sk []byte) error {
		shared, err := nip04.ComputeSharedSecretWithKey(sender, sk)
		if err != nil {
			return err
		}
		defer clear(shared)
		plaintext, err = nip04.Decrypt(ciphertext, shared)
		if err != nil {
			return &DecryptError{Scheme: "nip04", Err: err}
		}
		return nil
	})
	return plaintext, err
}
