package nostr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEscapeStringControlCharacters(t *testing.T) {
	raw := "\x00\x01\b\t\n\x1f"
	got := string(escapeString(nil, raw))
	require.Equal(t, `"\u0000\u0001\b\t\n\u001f"`, got)
}

func TestEscapeStringKeepsHTMLAndUnicode(t *testing.T) {
	raw := `<a href="x">&amp;</a> ünïcødé ⚡`
	got := escapeString(nil, raw)
	require.Equal(t, `"<a href=\"x\">&amp;</a> ünïcødé ⚡"`, string(got))

	var back string
	require.NoError(t, json.Unmarshal(got, &back))
	require.Equal(t, raw, back)
}

func TestIsValid32ByteHex(t *testing.T) {
	require.True(t, IsValid32ByteHex("79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"))
	require.False(t, IsValid32ByteHex("79BE667EF9DCBBAC55A06295CE870B07029BFCDB2DCE28D959F2815B16F81798"))
	require.False(t, IsValid32ByteHex("79be667e"))
	require.False(t, IsValid32ByteHex("zzbe667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"))
}
