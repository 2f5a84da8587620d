package keyring

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
	"github.com/nbd-wtf/go-nostr-bunker"
)

// OSProvider keeps the key in the operating system secret store (keychain, secret
// service, wincred, or an encrypted file as a last resort).
type OSProvider struct {
	ring   keyring.Keyring
	item   string
	create bool

	mu sync.Mutex
}

// OSConfig is what OpenOS needs to find the secret store.
type OSConfig struct {
	ServiceName string
	Item        string

	// FileDir and FilePassword are only used by the encrypted file backend, which is
	// picked when no OS store is available.
	FileDir      string
	FilePassword func(prompt string) (string, error)

	// Create makes GetOrCreateKey generate and store a new key when there is none.
	Create bool
}

func OpenOS(cfg OSConfig) (*OSProvider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "nostr-bunker"
	}

	kc := keyring.Config{
		ServiceName:              cfg.ServiceName,
		KeychainTrustApplication: true,
		FileDir:                  cfg.FileDir,
	}
	if cfg.FilePassword != nil {
		kc.FilePasswordFunc = keyring.PromptFunc(cfg.FilePassword)
	}

	ring, err := keyring.Open(kc)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}

	return NewOSProvider(ring, cfg.Item, cfg.Create), nil
}

// NewOSProvider wraps an already opened keyring. Item data returned by ring.Get is wiped
// once read, so ring must hand out a fresh copy on each call as the OS backends do.
func NewOSProvider(ring keyring.Keyring, item string, create bool) *OSProvider {
	if item == "" {
		item = "nostr-secret-key"
	}
	return &OSProvider{ring: ring, item: item, create: create}
}

func (op *OSProvider) GetOrCreateKey(ctx context.Context) ([]byte, error) {
	op.mu.Lock()
	defer op.mu.Unlock()

	it, err := op.ring.Get(op.item)
	if err == nil {
		defer clear(it.Data)
		sk := make([]byte, 32)
		if len(it.Data) != 64 {
			return nil, fmt.Errorf("keyring item '%s' doesn't hold a valid key", op.item)
		}
		if _, err := hex.Decode(sk, it.Data); err != nil {
			clear(sk)
			return nil, fmt.Errorf("keyring item '%s' doesn't hold a valid key", op.item)
		}
		return sk, nil
	}
	if !errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("failed to read keyring: %w", err)
	}
	if !op.create {
		return nil, ErrNoKey
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	skHex := nostr.GeneratePrivateKey()
	if skHex == "" {
		return nil, errors.New("failed to generate a key")
	}
	if err := op.ring.Set(keyring.Item{
		Key:         op.item,
		Data:        []byte(skHex),
		Label:       "nostr bunker secret key",
		Description: "secret key used to sign nostr events on behalf of connected apps",
	}); err != nil {
		return nil, fmt.Errorf("failed to store new key: %w", err)
	}

	sk, _ := hex.DecodeString(skHex)
	return sk, nil
}

// Delete removes the key from the store.
func (op *OSProvider) Delete() error {
	op.mu.Lock()
	defer op.mu.Unlock()

	if err := op.ring.Remove(op.item); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return err
	}
	return nil
}
