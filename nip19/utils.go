package nip19

import "strings"

// IsBech32Key tells if the given string looks like a bech32-encoded key.
func IsBech32Key(s string) bool {
	return strings.HasPrefix(s, "npub1") || strings.HasPrefix(s, "nsec1") || strings.HasPrefix(s, "nprofile1")
}
