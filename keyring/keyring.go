package keyring

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr-bunker"
	"github.com/nbd-wtf/go-nostr-bunker/nip06"
	"github.com/nbd-wtf/go-nostr-bunker/nip19"
)

// ErrNoKey is returned by providers that are not allowed to create a key when there is none.
var ErrNoKey = errors.New("no key stored")

// Provider hands out the raw 32-byte secret key of the signer.
// Every call returns a fresh slice that the caller owns and must clear after use.
type Provider interface {
	GetOrCreateKey(ctx context.Context) ([]byte, error)
}

var (
	_ Provider = StaticProvider{}
	_ Provider = MnemonicProvider{}
	_ Provider = (*OSProvider)(nil)
)

// StaticProvider keeps the key in memory for the whole life of the process.
// Meant for tests and ephemeral bunkers.
type StaticProvider struct {
	key [32]byte
}

// NewStaticProvider takes a hex or nsec secret key.
func NewStaticProvider(input string) (StaticProvider, error) {
	var sp StaticProvider

	if strings.HasPrefix(input, "nsec1") {
		prefix, value, err := nip19.Decode(input)
		if err != nil || prefix != "nsec" {
			return sp, fmt.Errorf("invalid nsec: %w", err)
		}
		input = value.(string)
	}
	if !nostr.IsValidSecretKey(input) {
		return sp, fmt.Errorf("invalid secret key")
	}

	hex.Decode(sp.key[:], []byte(strings.ToLower(input)))
	return sp, nil
}

func (sp StaticProvider) GetOrCreateKey(context.Context) ([]byte, error) {
	sk := make([]byte, 32)
	copy(sk, sp.key[:])
	return sk, nil
}

// MnemonicProvider derives the key from NIP-06 seed words on every call.
type MnemonicProvider struct {
	words string
}

func NewMnemonicProvider(words string) (MnemonicProvider, error) {
	words = strings.Join(strings.Fields(words), " ")
	if !nip06.ValidateWords(words) {
		return MnemonicProvider{}, nip06.ErrInvalidMnemonic
	}
	return MnemonicProvider{words}, nil
}

func (mp MnemonicProvider) GetOrCreateKey(context.Context) ([]byte, error) {
	return nip06.PrivateKeyFromWords(mp.words)
}
