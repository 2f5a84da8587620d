package nip06

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDerivation(t *testing.T) {
	words := "leader monkey parrot ring guide accident before fence cannon height naive bean"
	require.True(t, ValidateWords(words))

	sk, err := PrivateKeyFromSeed(SeedFromWords(words))
	require.NoError(t, err)
	require.Equal(t, "7f7ff03d123792d6ac594bfa67bf6d0c0ab55b6b1fdb6249303fe861f1ccba9a", sk)

	skb, err := PrivateKeyFromWords(words)
	require.NoError(t, err)
	require.Equal(t, sk, hex.EncodeToString(skb))
}

func TestGenerateSeedWords(t *testing.T) {
	words, err := GenerateSeedWords()
	require.NoError(t, err)
	require.Len(t, strings.Fields(words), 24)
	require.True(t, ValidateWords(words))
}

func TestInvalidWords(t *testing.T) {
	_, err := PrivateKeyFromWords("leader monkey parrot ring guide accident before fence cannon height naive naive")
	require.ErrorIs(t, err, ErrInvalidMnemonic)
}
