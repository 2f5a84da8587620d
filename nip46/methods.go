package nip46

import (
	"github.com/nbd-wtf/go-nostr-bunker"
)

const (
	MethodConnect      = "connect"
	MethodSignEvent    = "sign_event"
	MethodPing         = "ping"
	MethodGetPublicKey = "get_public_key"
	MethodNip04Encrypt = "nip04_encrypt"
	MethodNip04Decrypt = "nip04_decrypt"
	MethodNip44Encrypt = "nip44_encrypt"
	MethodNip44Decrypt = "nip44_decrypt"
	MethodGetRelays    = "get_relays"
	MethodSwitchRelays = "switch_relays"
)

// Method is one decoded remote signer request. The set of implementations is closed,
// callers are expected to type-switch over all of them.
type Method interface {
	// Tag is the method name as it appears on the wire.
	Tag() string
	RequestID() string
	Client() string

	method()
}

// Meta is the part every request has in common.
type Meta struct {
	ID           string
	ClientPubKey string
}

func (m Meta) RequestID() string { return m.ID }
func (m Meta) Client() string    { return m.ClientPubKey }

type Connect struct {
	Meta
	RemoteSignerPubKey   string
	Secret               string
	RequestedPermissions []string
}

type SignEvent struct {
	Meta
	Event nostr.Event
}

type Ping struct{ Meta }

type GetPublicKey struct{ Meta }

// Nip04Encrypt and the three types below carry the counterparty key and the text to
// transform: plaintext for encryption, ciphertext for decryption.
type Nip04Encrypt struct {
	Meta
	ThirdPartyPubKey string
	Text             string
}

type Nip04Decrypt struct {
	Meta
	ThirdPartyPubKey string
	Text             string
}

type Nip44Encrypt struct {
	Meta
	ThirdPartyPubKey string
	Text             string
}

type Nip44Decrypt struct {
	Meta
	ThirdPartyPubKey string
	Text             string
}

type GetRelays struct{ Meta }

type SwitchRelays struct{ Meta }

func (Connect) Tag() string      { return MethodConnect }
func (SignEvent) Tag() string    { return MethodSignEvent }
func (Ping) Tag() string         { return MethodPing }
func (GetPublicKey) Tag() string { return MethodGetPublicKey }
func (Nip04Encrypt) Tag() string { return MethodNip04Encrypt }
func (Nip04Decrypt) Tag() string { return MethodNip04Decrypt }
func (Nip44Encrypt) Tag() string { return MethodNip44Encrypt }
func (Nip44Decrypt) Tag() string { return MethodNip44Decrypt }
func (GetRelays) Tag() string    { return MethodGetRelays }
func (SwitchRelays) Tag() string { return MethodSwitchRelays }

func (Connect) method()      {}
func (SignEvent) method()    {}
func (Ping) method()         {}
func (GetPublicKey) method() {}
func (Nip04Encrypt) method() {}
func (Nip04Decrypt) method() {}
func (Nip44Encrypt) method() {}
func (Nip44Decrypt) method() {}
func (GetRelays) method()    {}
func (SwitchRelays) method() {}

var (
	_ Method = Connect{}
	_ Method = SignEvent{}
	_ Method = Ping{}
	_ Method = GetPublicKey{}
	_ Method = Nip04Encrypt{}
	_ Method = Nip04Decrypt{}
	_ Method = Nip44Encrypt{}
	_ Method = Nip44Decrypt{}
	_ Method = GetRelays{}
	_ Method = SwitchRelays{}
)

// IsHarmless reports whether a method discloses nothing that the client couldn't
// learn from the bunker url itself.
func IsHarmless(m Method) bool {
	switch m.(type) {
	case Connect, Ping, GetPublicKey, GetRelays:
		return true
	default:
		return false
	}
}
