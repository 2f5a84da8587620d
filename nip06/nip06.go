package nip06

import (
	"encoding/hex"
	"errors"

	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

func GenerateSeedWords() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}

	words, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", err
	}

	return words, nil
}

func SeedFromWords(words string) []byte {
	return bip39.NewSeed(words, "")
}

// PrivateKeyBytesFromSeed derives the key at m/44'/1237'/0'/0/0.
func PrivateKeyBytesFromSeed(seed []byte) ([]byte, error) {
	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}

	derivationPath := []uint32{
		bip32.FirstHardenedChild + 44,
		bip32.FirstHardenedChild + 1237,
		bip32.FirstHardenedChild + 0,
		0,
		0,
	}

	next := key
	for _, idx := range derivationPath {
		var err error
		if next, err = next.NewChildKey(idx); err != nil {
			return nil, err
		}
	}

	// bip32 can hand out keys shorter than 32 bytes when they have leading zeros
	sk := make([]byte, 32)
	copy(sk[32-len(next.Key):], next.Key)
	return sk, nil
}

func PrivateKeyFromSeed(seed []byte) (string, error) {
	key, err := PrivateKeyBytesFromSeed(seed)
	if err != nil {
		return "", err
	}
	defer clear(key)
	return hex.EncodeToString(key), nil
}

// PrivateKeyFromWords validates the mnemonic and derives its key.
func PrivateKeyFromWords(words string) ([]byte, error) {
	if !ValidateWords(words) {
		return nil, ErrInvalidMnemonic
	}
	seed := SeedFromWords(words)
	defer clear(seed)
	return PrivateKeyBytesFromSeed(seed)
}

func ValidateWords(words string) bool {
	return bip39.IsMnemonicValid(words)
}
