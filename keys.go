package nostr

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// GeneratePrivateKey returns a new random secret key as 64 lowercase hex characters.
func GeneratePrivateKey() string {
	params := btcec.S256().Params()
	one := new(big.Int).SetInt64(1)

	b := make([]byte, params.BitSize/8+8)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return ""
	}

	k := new(big.Int).SetBytes(b)
	n := new(big.Int).Sub(params.N, one)
	k.Mod(k, n)
	k.Add(k, one)

	return fmt.Sprintf("%064x", k.Bytes())
}

// GetPublicKey derives the x-only public key for the given hex secret key.
func GetPublicKey(sk string) (string, error) {
	b, err := hex.DecodeString(sk)
	if err != nil {
		return "", err
	}
	if len(b) != 32 {
		return "", fmt.Errorf("secret key must be 32 bytes, got %d", len(b))
	}

	_, pk := btcec.PrivKeyFromBytes(b)
	return hex.EncodeToString(schnorr.SerializePubKey(pk)), nil
}

// IsValidPublicKey checks that the given string is a hex x-only key that lies on the curve.
func IsValidPublicKey(pk string) bool {
	if !IsValid32ByteHex(pk) {
		return false
	}
	v, _ := hex.DecodeString(pk)
	_, err := schnorr.ParsePubKey(v)
	return err == nil
}

// IsValidSecretKey checks that the given string is a 32-byte hex scalar in the curve order.
func IsValidSecretKey(sk string) bool {
	if len(sk) != 64 {
		return false
	}
	b, err := hex.DecodeString(strings.ToLower(sk))
	if err != nil {
		return false
	}
	k := new(big.Int).SetBytes(b)
	return k.Sign() > 0 && k.Cmp(btcec.S256().Params().N) < 0
}
