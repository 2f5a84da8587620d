package nostr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTagsContainsAny(t *testing.T) {
	tags := Tags{
		Tag{"p"},
		Tag{"p", "abcdef", "wss://x.com"},
		Tag{"e", "ffffff"},
	}

	require.True(t, tags.ContainsAny("e", []string{"ffffff", "zzz"}))
	require.True(t, tags.ContainsAny("p", []string{"abcdef"}))
	require.False(t, tags.ContainsAny("q", []string{"ffffff"}))
	require.False(t, Tags{{"p"}}.ContainsAny("p", []string{""}))
}

func TestTagsMarshal(t *testing.T) {
	tags := Tags{{"p", "a\"b"}, {}}
	require.Equal(t, `[["p","a\"b"],[]]`, string(tags.marshalTo(nil)))
	require.Equal(t, `[]`, string(Tags(nil).marshalTo(nil)))
}
