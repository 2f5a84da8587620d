package nip05

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr-bunker"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"
)

var NIP05_REGEX = regexp.MustCompile(`^(?:([\w.+-]+)@)?([\w_-]+(\.[\w_-]+)+(:\d+)?)$`)

var ErrNotFound = errors.New("name not found in nostr.json")

type WellKnownResponse struct {
	Names  map[string]string   `json:"names"`
	Relays map[string][]string `json:"relays,omitempty"`
	NIP46  map[string][]string `json:"nip46,omitempty"`
}

// Pointer is what a NIP-05 identifier resolves to.
type Pointer struct {
	PublicKey string
	Relays    []string
}

func IsValidIdentifier(input string) bool {
	return NIP05_REGEX.MatchString(input)
}

// ParseIdentifier splits name@domain, defaulting the name to "_".
func ParseIdentifier(fullname string) (name string, domain string, err error) {
	res := NIP05_REGEX.FindStringSubmatch(fullname)
	if len(res) == 0 {
		return "", "", fmt.Errorf("invalid identifier")
	}
	if res[1] == "" {
		res[1] = "_"
	}
	return res[1], res[2], nil
}

func NormalizeIdentifier(fullname string) string {
	if strings.HasPrefix(fullname, "_@") {
		return fullname[2:]
	}

	return fullname
}

type cachedPointer struct {
	pointer Pointer
	err     error
	expires time.Time
}

// Resolver looks up NIP-05 identifiers, deduplicating concurrent lookups of the
// same identifier and caching results for a while.
type Resolver struct {
	client *http.Client
	ttl    time.Duration
	group  singleflight.Group
	cache  *xsync.MapOf[string, cachedPointer]
}

type ResolverOption func(*Resolver)

// WithHTTPClient replaces the client used for fetching nostr.json.
// Redirects are never followed regardless of the client configuration.
func WithHTTPClient(client *http.Client) ResolverOption {
	return func(r *Resolver) {
		c := *client
		c.CheckRedirect = noRedirects
		r.client = &c
	}
}

// WithTTL sets how long results (including failures) are kept.
func WithTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) { r.ttl = ttl }
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		client: &http.Client{
			Timeout:       10 * time.Second,
			CheckRedirect: noRedirects,
		},
		ttl:   time.Hour,
		cache: xsync.NewMapOf[string, cachedPointer](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func noRedirects(req *http.Request, via []*http.Request) error {
	return http.ErrUseLastResponse
}

// Resolve returns the public key and relays for the given identifier.
func (r *Resolver) Resolve(ctx context.Context, fullname string) (Pointer, error) {
	key := strings.ToLower(NormalizeIdentifier(fullname))

	if c, ok := r.cache.Load(key); ok && time.Now().Before(c.expires) {
		return c.pointer, c.err
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		if c, ok := r.cache.Load(key); ok && time.Now().Before(c.expires) {
			return c.pointer, c.err
		}

		pointer, err := r.query(ctx, fullname)
		// context errors belong to the caller and are not cached
		if err == nil || !errors.Is(err, ctx.Err()) {
			r.cache.Store(key, cachedPointer{pointer: pointer, err: err, expires: time.Now().Add(r.ttl)})
		}
		return pointer, err
	})
	if err != nil {
		return Pointer{}, err
	}
	return v.(Pointer), nil
}

// Verify checks that the identifier resolves to the given public key.
func (r *Resolver) Verify(ctx context.Context, fullname string, pubkey string) (bool, error) {
	pointer, err := r.Resolve(ctx, fullname)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return pointer.PublicKey == pubkey, nil
}

// QueryIdentifier does a single uncached lookup with the default client.
func QueryIdentifier(ctx context.Context, fullname string) (Pointer, error) {
	return NewResolver().query(ctx, fullname)
}

func (r *Resolver) query(ctx context.Context, fullname string) (Pointer, error) {
	name, domain, err := ParseIdentifier(fullname)
	if err != nil {
		return Pointer{}, fmt.Errorf("failed to parse '%s': %w", fullname, err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("https://%s/.well-known/nostr.json?name=%s", domain, name), nil)
	if err != nil {
		return Pointer{}, fmt.Errorf("failed to create a request: %w", err)
	}

	res, err := r.client.Do(req)
	if err != nil {
		return Pointer{}, fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return Pointer{}, fmt.Errorf("unexpected status %d from %s", res.StatusCode, domain)
	}

	var result WellKnownResponse
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return Pointer{}, fmt.Errorf("failed to decode json response: %w", err)
	}

	pubkey, ok := result.Names[name]
	if !ok || !nostr.IsValidPublicKey(pubkey) {
		return Pointer{}, ErrNotFound
	}

	return Pointer{
		PublicKey: pubkey,
		Relays:    result.Relays[pubkey],
	}, nil
}
