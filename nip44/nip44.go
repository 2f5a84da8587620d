package nip44

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/bits"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nbd-wtf/go-nostr-bunker/nip04"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const version byte = 2

const (
	MinPlaintextSize = 0x0001 // 1b msg => padded to 32b
	MaxPlaintextSize = 0xffff // 65535 (64kb-1) => padded to 64kb
)

type encryptOptions struct {
	err   error
	nonce []byte
}

type EncryptOption func(opts *encryptOptions)

// WithCustomNonce makes Encrypt use the given 32-byte nonce instead of a random one.
// Only useful for testing.
func WithCustomNonce(nonce []byte) EncryptOption {
	return func(opts *encryptOptions) {
		if len(nonce) != 32 {
			opts.err = errors.New("nonce must be 32 bytes")
		}
		opts.nonce = nonce
	}
}

func Encrypt(plaintext string, conversationKey [32]byte, applyOptions ...EncryptOption) (string, error) {
	var opts encryptOptions
	for _, apply := range applyOptions {
		apply(&opts)
	}
	if opts.err != nil {
		return "", opts.err
	}

	nonce := opts.nonce
	if nonce == nil {
		nonce = make([]byte, 32)
		if _, err := rand.Read(nonce); err != nil {
			return "", err
		}
	}

	enc, cc20nonce, auth, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}

	padded, err := pad(plaintext)
	if err != nil {
		return "", err
	}

	ciphertext, err := chacha(enc, cc20nonce, padded)
	if err != nil {
		return "", err
	}

	mac := sha256Hmac(auth, ciphertext, nonce)

	concat := make([]byte, 0, 1+32+len(ciphertext)+32)
	concat = append(concat, version)
	concat = append(concat, nonce...)
	concat = append(concat, ciphertext...)
	concat = append(concat, mac...)
	return base64.StdEncoding.EncodeToString(concat), nil
}

func Decrypt(b64ciphertextWrapped string, conversationKey [32]byte) (string, error) {
	cLen := len(b64ciphertextWrapped)
	if cLen < 132 || cLen > 87472 {
		return "", fmt.Errorf("invalid payload length: %d", cLen)
	}
	if b64ciphertextWrapped[0] == '#' {
		return "", errors.New("unknown version")
	}

	decoded, err := base64.StdEncoding.DecodeString(b64ciphertextWrapped)
	if err != nil {
		return "", errors.New("invalid base64")
	}
	if decoded[0] != version {
		return "", fmt.Errorf("unknown version %d", decoded[0])
	}

	dLen := len(decoded)
	if dLen < 99 || dLen > 65603 {
		return "", fmt.Errorf("invalid data length: %d", dLen)
	}

	nonce, ciphertext, givenMac := decoded[1:33], decoded[33:dLen-32], decoded[dLen-32:]
	enc, cc20nonce, auth, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}

	if !hmac.Equal(givenMac, sha256Hmac(auth, ciphertext, nonce)) {
		return "", errors.New("invalid hmac")
	}

	padded, err := chacha(enc, cc20nonce, ciphertext)
	if err != nil {
		return "", err
	}

	unpaddedLen := int(binary.BigEndian.Uint16(padded[0:2]))
	if unpaddedLen < MinPlaintextSize || unpaddedLen > MaxPlaintextSize || len(padded) != 2+calcPadding(unpaddedLen) {
		return "", errors.New("invalid padding")
	}

	return string(padded[2 : unpaddedLen+2]), nil
}

// GenerateConversationKey derives the NIP-44 conversation key between a hex public key
// and a hex secret key.
func GenerateConversationKey(pub string, sk string) ([32]byte, error) {
	skb, err := hex.DecodeString(sk)
	if err != nil || len(skb) != 32 {
		return [32]byte{}, fmt.Errorf("invalid private key: x coordinate %s is not on the secp256k1 curve", sk)
	}
	defer clear(skb)

	return GenerateConversationKeyWithKey(pub, skb)
}

// GenerateConversationKeyWithKey is like GenerateConversationKey but takes the raw secret key.
func GenerateConversationKeyWithKey(pub string, sk []byte) ([32]byte, error) {
	var ck [32]byte

	var scalar secp256k1.ModNScalar
	overflow := len(sk) != 32 || scalar.SetByteSlice(sk)
	isZero := scalar.IsZero()
	scalar.Zero()
	if overflow || isZero {
		return ck, fmt.Errorf("invalid private key: x coordinate %s is not on the secp256k1 curve", hex.EncodeToString(sk))
	}

	shared, err := nip04.ComputeSharedSecretWithKey(pub, sk)
	if err != nil {
		return ck, err
	}
	defer clear(shared)

	copy(ck[:], hkdf.Extract(sha256.New, shared, []byte("nip44-v2")))
	return ck, nil
}

func chacha(key []byte, nonce []byte, message []byte) ([]byte, error) {
	cipher, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, err
	}
	dst := make([]byte, len(message))
	cipher.XORKeyStream(dst, message)
	return dst, nil
}

func sha256Hmac(key []byte, ciphertext []byte, nonce []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(nonce)
	h.Write(ciphertext)
	return h.Sum(nil)
}

func messageKeys(conversationKey [32]byte, nonce []byte) (enc []byte, cc20nonce []byte, auth []byte, err error) {
	if len(nonce) != 32 {
		return nil, nil, nil, errors.New("nonce must be 32 bytes")
	}

	r := hkdf.Expand(sha256.New, conversationKey[:], nonce)
	enc = make([]byte, 32)
	if _, err := io.ReadFull(r, enc); err != nil {
		return nil, nil, nil, err
	}
	cc20nonce = make([]byte, 12)
	if _, err := io.ReadFull(r, cc20nonce); err != nil {
		return nil, nil, nil, err
	}
	auth = make([]byte, 32)
	if _, err := io.ReadFull(r, auth); err != nil {
		return nil, nil, nil, err
	}

	return enc, cc20nonce, auth, nil
}

func pad(s string) ([]byte, error) {
	sLen := len(s)
	if sLen < MinPlaintextSize || sLen > MaxPlaintextSize {
		return nil, errors.New("plaintext should be between 1b and 64kB")
	}

	padded := make([]byte, 2+calcPadding(sLen))
	binary.BigEndian.PutUint16(padded, uint16(sLen))
	copy(padded[2:], s)
	return padded, nil
}

func calcPadding(sLen int) int {
	if sLen <= 32 {
		return 32
	}
	nextPower := 1 << bits.Len(uint(sLen-1))
	chunk := max(32, nextPower/8)
	return chunk * ((sLen-1)/chunk + 1)
}
