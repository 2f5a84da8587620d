package nip19

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeNpub(t *testing.T) {
	npub, err := EncodePublicKey("3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d")
	assert.NoError(t, err)
	assert.Equal(t, "npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6", npub, "produced an unexpected npub string")
}

func TestEncodeNsec(t *testing.T) {
	nsec, err := EncodePrivateKey("3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d")
	assert.NoError(t, err)
	assert.Equal(t, "nsec180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsgyumg0", nsec, "produced an unexpected nsec string")
}

func TestDecodeNpub(t *testing.T) {
	prefix, pubkey, err := Decode("npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6")
	assert.NoError(t, err)
	assert.Equal(t, "npub", prefix, "returned invalid prefix")
	assert.Equal(t, "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d", pubkey.(string), "returned wrong pubkey")
}

func TestFailDecodeBadChecksumNpub(t *testing.T) {
	_, _, err := Decode("npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w4")
	assert.Error(t, err)
}

func TestDecodeNprofile(t *testing.T) {
	t.Run("first", func(t *testing.T) {
		prefix, data, err := Decode("nprofile1qqsrhuxx8l9ex335q7he0f09aej04zpazpl0ne2cgukyawd24mayt8gpp4mhxue69uhhytnc9e3k7mgpz4mhxue69uhkg6nzv9ejuumpv34kytnrdaksjlyr9p")
		assert.NoError(t, err)
		assert.Equal(t, "nprofile", prefix)

		pp, ok := data.(ProfilePointer)
		assert.True(t, ok, "value returned of wrong type")
		assert.Equal(t, "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d", pp.PublicKey)
		assert.Equal(t, 2, len(pp.Relays), "decoded wrong number of relays")

		assert.Equal(t, "wss://r.x.com", pp.Relays[0], "decoded relay URLs wrongly")
		assert.Equal(t, "wss://djbas.sadkb.com", pp.Relays[1], "decoded relay URLs wrongly")
	})

	t.Run("second", func(t *testing.T) {
		prefix, data, err := Decode("nprofile1qqsw3dy8cpumpanud9dwd3xz254y0uu2m739x0x9jf4a9sgzjshaedcpr4mhxue69uhkummnw3ez6ur4vgh8wetvd3hhyer9wghxuet5qyw8wumn8ghj7mn0wd68yttjv4kxz7fww4h8get5dpezumt9qyvhwumn8ghj7un9d3shjetj9enxjct5dfskvtnrdakstl69hg")
		assert.NoError(t, err)
		assert.Equal(t, "nprofile", prefix)

		pp, ok := data.(ProfilePointer)
		assert.True(t, ok, "value returned of wrong type")
		assert.Equal(t, "e8b487c079b0f67c695ae6c4c2552a47f38adfa2533cc5926bd2c102942fdcb7", pp.PublicKey)
		assert.Equal(t, 3, len(pp.Relays), "decoded wrong number of relays")

		assert.Equal(t, "wss://nostr-pub.wellorder.net", pp.Relays[0], "decoded relay URLs wrongly")
		assert.Equal(t, "wss://nostr-relay.untethr.me", pp.Relays[1], "decoded relay URLs wrongly")
	})
}

func TestEncodeNprofile(t *testing.T) {
	nprofile, err := EncodeProfile("3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d", []string{
		"wss://r.x.com",
		"wss://djbas.sadkb.com",
	})

	assert.NoError(t, err)
	assert.Equal(t,
		"nprofile1qqsrhuxx8l9ex335q7he0f09aej04zpazpl0ne2cgukyawd24mayt8gpp4mhxue69uhhytnc9e3k7mgpz4mhxue69uhkg6nzv9ejuumpv34kytnrdaksjlyr9p",
		nprofile, "produced an unexpected nprofile string: %s", nprofile)
}

func TestTranslatePublicKey(t *testing.T) {
	hex := "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"

	pk, err := TranslatePublicKey("npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6")
	require.NoError(t, err)
	require.Equal(t, hex, pk)

	pk, err = TranslatePublicKey(hex)
	require.NoError(t, err)
	require.Equal(t, hex, pk)

	pk, err = TranslatePublicKey("nprofile1qqsrhuxx8l9ex335q7he0f09aej04zpazpl0ne2cgukyawd24mayt8gpp4mhxue69uhhytnc9e3k7mgpz4mhxue69uhkg6nzv9ejuumpv34kytnrdaksjlyr9p")
	require.NoError(t, err)
	require.Equal(t, hex, pk)

	_, err = TranslatePublicKey("nsec180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsgyumg0")
	require.Error(t, err)
}

func TestNsecRoundtrip(t *testing.T) {
	prefix, value, err := Decode("nsec180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsgyumg0")
	require.NoError(t, err)
	require.Equal(t, "nsec", prefix)
	require.Equal(t, "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d", value)
	require.True(t, IsBech32Key("nsec180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsgyumg0"))
}

func TestEncodeRejectsWrongLength(t *testing.T) {
	_, err := EncodePublicKey("3bf0c63f")
	require.Error(t, err)
	_, err = EncodeProfile("zz", nil)
	require.Error(t, err)
}
