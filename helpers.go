package nostr

import (
	"encoding/hex"
	"strings"
)

const hexDigits = "0123456789abcdef"

// escapeString appends the JSON string representation of s to dst following
// the NIP-01 rules: quotes, backslashes and control characters are escaped,
// everything else (including non-ASCII and HTML characters) goes in raw.
func escapeString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 0x20 && c != '"' && c != '\\' {
			continue
		}

		dst = append(dst, s[start:i]...)
		switch c {
		case '"', '\\':
			dst = append(dst, '\\', c)
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		case '\t':
			dst = append(dst, '\\', 't')
		case '\b':
			dst = append(dst, '\\', 'b')
		case '\f':
			dst = append(dst, '\\', 'f')
		default:
			dst = append(dst, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
		}
		start = i + 1
	}
	dst = append(dst, s[start:]...)
	dst = append(dst, '"')
	return dst
}

// IsValid32ByteHex checks if a string is a valid lowercase 64-character hex string.
func IsValid32ByteHex(thing string) bool {
	if len(thing) != 64 {
		return false
	}
	if strings.ToLower(thing) != thing {
		return false
	}
	_, err := hex.DecodeString(thing)
	return err == nil
}
