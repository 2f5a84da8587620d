package nip04

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var ErrInvalidPayload = errors.New("invalid nip04 payload")

// ComputeSharedSecret returns the x coordinate of the ECDH point between the given
// x-only public key and secret key, both hex-encoded.
func ComputeSharedSecret(pub string, sk string) (sharedSecret []byte, err error) {
	privKeyBytes, err := hex.DecodeString(sk)
	if err != nil {
		return nil, fmt.Errorf("error decoding sender private key: %w", err)
	}
	defer clear(privKeyBytes)

	return ComputeSharedSecretWithKey(pub, privKeyBytes)
}

// ComputeSharedSecretWithKey is like ComputeSharedSecret but takes the raw secret key.
func ComputeSharedSecretWithKey(pub string, sk []byte) ([]byte, error) {
	if len(sk) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(sk))
	}
	privKey := secp256k1.PrivKeyFromBytes(sk)
	defer privKey.Zero()

	// adding 02 to signal that this is a compressed public key (33 bytes)
	pubKey, err := secp256k1.ParsePubKey(append([]byte{2}, mustHex(pub)...))
	if err != nil {
		return nil, fmt.Errorf("error parsing receiver public key '%s': %w", "02"+pub, err)
	}

	return secp256k1.GenerateSharedSecret(privKey, pubKey), nil
}

func mustHex(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}

// Encrypt encrypts message with key using aes-256-cbc.
// key should be the shared secret generated by ComputeSharedSecret.
// Returns: base64(encrypted_bytes) + "?iv=" + base64(initialization_vector).
func Encrypt(message string, key []byte) (string, error) {
	// block size is 16 bytes
	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("error creating initialization vector: %w", err)
	}

	// automatically picks aes-256 based on key length (32 bytes)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("error creating block cipher: %w", err)
	}
	mode := cipher.NewCBCEncrypter(block, iv)

	plaintext := []byte(message)

	// add padding
	base := len(plaintext)

	// this will be a number between 1 and 16 (inclusive), never 0
	bs := block.BlockSize()
	padding := bs - base%bs

	// encode the padding in all the padding bytes themselves
	padtext := bytes.Repeat([]byte{byte(padding)}, padding)

	paddedMsgBytes := append(plaintext, padtext...)

	ciphertext := make([]byte, len(paddedMsgBytes))
	mode.CryptBlocks(ciphertext, paddedMsgBytes)

	return base64.StdEncoding.EncodeToString(ciphertext) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

// Decrypt decrypts a content string using the shared secret key.
// The inverse operation to message -> Encrypt(message, key).
func Decrypt(content string, key []byte) (string, error) {
	parts := strings.Split(content, "?iv=")
	if len(parts) < 2 {
		return "", fmt.Errorf("%w: missing iv", ErrInvalidPayload)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: failed to decode ciphertext: %w", ErrInvalidPayload, err)
	}

	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: failed to decode iv: %w", ErrInvalidPayload, err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: iv must have %d bytes", ErrInvalidPayload, aes.BlockSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("error creating block cipher: %w", err)
	}

	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return "", fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrInvalidPayload)
	}

	mode := cipher.NewCBCDecrypter(block, iv)
	message := make([]byte, len(ciphertext))
	mode.CryptBlocks(message, ciphertext)

	// remove padding
	padding := int(message[len(message)-1])
	if padding < 1 || padding > block.BlockSize() {
		return "", fmt.Errorf("%w: invalid padding", ErrInvalidPayload)
	}
	for _, b := range message[len(message)-padding:] {
		if int(b) != padding {
			return "", fmt.Errorf("%w: invalid padding", ErrInvalidPayload)
		}
	}

	return string(message[0 : len(message)-padding]), nil
}
