package nostr

import (
	"context"
)

// Keyer is an interface for signing events and performing cryptographic operations.
// It abstracts away the details of key management, so the same code can run against
// in-memory keys or keys held by the operating system keychain.
type Keyer interface {
	Signer
	Cipher
}

// User is an entity that has a public key (although they can't sign anything).
type User interface {
	// GetPublicKey returns the public key associated with this user.
	GetPublicKey(ctx context.Context) (string, error)
}

// Signer is a User that can also sign events.
type Signer interface {
	User

	// SignEvent signs the provided event, setting its ID, PubKey, and Sig fields.
	SignEvent(ctx context.Context, evt *Event) error
}

// Cipher is an interface for encrypting and decrypting messages with NIP-44
type Cipher interface {
	// Encrypt encrypts a plaintext message for a recipient.
	// Returns the encrypted message as a base64-encoded string.
	Encrypt(ctx context.Context, plaintext string, recipientPublicKey string) (base64ciphertext string, err error)

	// Decrypt decrypts a base64-encoded ciphertext from a sender.
	// Returns the decrypted plaintext.
	Decrypt(ctx context.Context, base64ciphertext string, senderPublicKey string) (plaintext string, err error)
}

// LegacyCipher does the same as Cipher but with the deprecated NIP-04 scheme,
// which some clients still use.
type LegacyCipher interface {
	EncryptNIP04(ctx context.Context, plaintext string, recipientPublicKey string) (string, error)
	DecryptNIP04(ctx context.Context, ciphertext string, senderPublicKey string) (string, error)
}
