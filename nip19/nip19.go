package nip19

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

const (
	TLVDefault uint8 = 0
	TLVRelay   uint8 = 1
)

// ProfilePointer is what an nprofile decodes to.
type ProfilePointer struct {
	PublicKey string
	Relays    []string
}

// Decode decodes a bech32 entity and returns its prefix and value. npub, nsec and note
// values are returned as hex strings, nprofile as a ProfilePointer.
func Decode(bech32string string) (prefix string, value any, err error) {
	prefix, bits5, err := bech32.DecodeNoLimit(bech32string)
	if err != nil {
		return "", nil, err
	}

	data, err := bech32.ConvertBits(bits5, 5, 8, false)
	if err != nil {
		return prefix, nil, fmt.Errorf("failed to translate data into 8 bits: %s", err.Error())
	}

	switch prefix {
	case "npub", "nsec", "note":
		if len(data) != 32 {
			return prefix, nil, fmt.Errorf("data should be 32 bytes (%d)", len(data))
		}
		return prefix, hex.EncodeToString(data), nil
	case "nprofile":
		var result ProfilePointer
		for len(data) > 0 {
			t, v := readTLVEntry(data)
			if v == nil {
				return prefix, nil, errors.New("invalid TLV entry")
			}
			data = data[2+len(v):]

			switch t {
			case TLVDefault:
				if len(v) != 32 {
					return prefix, nil, fmt.Errorf("pubkey should be 32 bytes (%d)", len(v))
				}
				result.PublicKey = hex.EncodeToString(v)
			case TLVRelay:
				result.Relays = append(result.Relays, string(v))
			default:
				// ignore unknown TLV entries
			}
		}
		if result.PublicKey == "" {
			return prefix, result, errors.New("no pubkey found for nprofile")
		}
		return prefix, result, nil
	}

	return prefix, nil, fmt.Errorf("unknown tag %s", prefix)
}

func EncodePrivateKey(privateKeyHex string) (string, error) {
	return encodeHex32("nsec", privateKeyHex)
}

func EncodePublicKey(publicKeyHex string) (string, error) {
	return encodeHex32("npub", publicKeyHex)
}

func EncodeNote(eventIDHex string) (string, error) {
	return encodeHex32("note", eventIDHex)
}

// EncodeProfile encodes a public key along with hints of relays where it can be reached.
func EncodeProfile(publicKeyHex string, relays []string) (string, error) {
	buf := &bytes.Buffer{}
	pubkey, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pubkey) != 32 {
		return "", fmt.Errorf("invalid pubkey '%s'", publicKeyHex)
	}
	writeTLVEntry(buf, TLVDefault, pubkey)

	for _, url := range relays {
		writeTLVEntry(buf, TLVRelay, []byte(url))
	}

	bits5, err := bech32.ConvertBits(buf.Bytes(), 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("failed to convert bits: %w", err)
	}

	return bech32.Encode("nprofile", bits5)
}

// TranslatePublicKey turns a hex or npub public key into always hex.
func TranslatePublicKey(bech32orHexKey string) (string, error) {
	if len(bech32orHexKey) == 64 {
		if _, err := hex.DecodeString(bech32orHexKey); err != nil {
			return "", fmt.Errorf("invalid hex key: %w", err)
		}
		return bech32orHexKey, nil
	}

	prefix, value, err := Decode(bech32orHexKey)
	if err != nil {
		return "", err
	}
	switch prefix {
	case "npub":
		return value.(string), nil
	case "nprofile":
		return value.(ProfilePointer).PublicKey, nil
	default:
		return "", fmt.Errorf("expected a public key, got %s", prefix)
	}
}

func encodeHex32(prefix string, hexString string) (string, error) {
	b, err := hex.DecodeString(hexString)
	if err != nil {
		return "", fmt.Errorf("failed to decode %s hex: %w", prefix, err)
	}
	if len(b) != 32 {
		return "", fmt.Errorf("%s should be 32 bytes (%d)", prefix, len(b))
	}

	bits5, err := bech32.ConvertBits(b, 8, 5, true)
	if err != nil {
		return "", err
	}

	return bech32.Encode(prefix, bits5)
}

func readTLVEntry(data []byte) (typ uint8, value []byte) {
	if len(data) < 2 {
		return 0, nil
	}

	typ = data[0]
	length := int(data[1])
	if len(data) < 2+length {
		return typ, nil
	}

	return typ, data[2 : 2+length]
}

func writeTLVEntry(buf *bytes.Buffer, typ uint8, value []byte) {
	length := len(value)
	buf.WriteByte(typ)
	buf.WriteByte(uint8(length))
	buf.Write(value)
}
