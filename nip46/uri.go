package nip46

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/nbd-wtf/go-nostr-bunker"
)

var BUNKER_REGEX = regexp.MustCompile(`^bunker:\/\/([0-9a-f]{64})\??([?\/\w:.=&%-]*)$`)

func IsValidBunkerURL(input string) bool {
	return BUNKER_REGEX.MatchString(input)
}

// BunkerURL is what the signer hands to a client so it can connect.
type BunkerURL struct {
	PubKey string
	Relays []string
	Secret string
}

func (b BunkerURL) String() string {
	q := url.Values{}
	for _, r := range b.Relays {
		q.Add("relay", r)
	}
	if b.Secret != "" {
		q.Set("secret", b.Secret)
	}
	u := url.URL{Scheme: "bunker", Host: b.PubKey, RawQuery: q.Encode()}
	return u.String()
}

func ParseBunkerURL(input string) (BunkerURL, error) {
	var b BunkerURL
	if !IsValidBunkerURL(input) {
		return b, fmt.Errorf("'%s' is not a valid bunker url", input)
	}

	parsed, err := url.Parse(input)
	if err != nil {
		return b, fmt.Errorf("invalid url: %w", err)
	}
	if !nostr.IsValidPublicKey(parsed.Host) {
		return b, fmt.Errorf("'%s' is not a valid public key hex", parsed.Host)
	}

	b.PubKey = parsed.Host
	b.Secret = parsed.Query().Get("secret")
	for _, r := range parsed.Query()["relay"] {
		if nostr.IsValidRelayURL(r) {
			b.Relays = append(b.Relays, nostr.NormalizeURL(r))
		}
	}
	if len(b.Relays) == 0 {
		return b, fmt.Errorf("bunker url has no valid relays")
	}
	return b, nil
}

// ConnectionRequest is a client-initiated connection, read from a nostrconnect:// uri
// the user pasted into the signer.
type ConnectionRequest struct {
	ClientPubKey string
	Relays       []string
	Secret       string
	Permissions  []string
	Name         string
	URL          string
	Image        string
}

func ParseNostrConnectURI(input string) (ConnectionRequest, error) {
	var cr ConnectionRequest

	parsed, err := url.Parse(input)
	if err != nil {
		return cr, fmt.Errorf("invalid uri: %w", err)
	}
	if parsed.Scheme != "nostrconnect" {
		return cr, fmt.Errorf("wrong scheme '%s', must be nostrconnect://", parsed.Scheme)
	}
	if !nostr.IsValidPublicKey(parsed.Host) {
		return cr, fmt.Errorf("'%s' is not a valid public key hex", parsed.Host)
	}

	q := parsed.Query()
	cr.ClientPubKey = parsed.Host
	for _, r := range q["relay"] {
		if nostr.IsValidRelayURL(r) {
			cr.Relays = append(cr.Relays, nostr.NormalizeURL(r))
		}
	}
	if len(cr.Relays) == 0 {
		return cr, fmt.Errorf("nostrconnect uri has no valid relays")
	}

	cr.Secret = q.Get("secret")
	if cr.Secret == "" {
		return cr, fmt.Errorf("nostrconnect uri has no secret")
	}

	cr.Permissions = ParsePermissions(q.Get("perms"))
	cr.Name = q.Get("name")
	cr.URL = q.Get("url")
	cr.Image = q.Get("image")

	return cr, nil
}
