// Package transport moves NIP-46 requests and responses between the signer and the
// relays: it subscribes to kind 24133 events addressed to the signer, decrypts them, and
// encrypts, signs and publishes the answers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr-bunker"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	// ErrRelayDisconnected means none of the configured relays could be reached.
	ErrRelayDisconnected = errors.New("no relay connected")

	// ErrPublishFailure means a response didn't make it to any relay.
	ErrPublishFailure = errors.New("failed to publish to any relay")
)

// Scheme is the encryption used on a given conversation.
type Scheme string

const (
	NIP44 Scheme = "nip44"
	NIP04 Scheme = "nip04"
)

// Keyer is what the transport needs from the signer identity: signing, and both
// encryption schemes.
type Keyer interface {
	nostr.Keyer
	nostr.LegacyCipher
}

// Command is a decrypted request, still undecoded.
type Command struct {
	Event        *nostr.Event
	ClientPubKey string
	Plaintext    []byte
	Scheme       Scheme
	Relay        string
}

type RelayTransport struct {
	keyer  Keyer
	relays []string
	pool   *nostr.SimplePool
	log    *slog.Logger

	pubkey   atomic.Pointer[string]
	status   *xsync.MapOf[string, bool]
	onStatus func(url string, up bool)
	statusMu sync.Mutex

	backoff  nostr.WithReconnectBackoff
	lookback time.Duration
}

type Option func(*RelayTransport)

func WithLogger(log *slog.Logger) Option {
	return func(t *RelayTransport) { t.log = log }
}

// WithStatusHandler is called once for every relay that goes up or down. Repeated
// reports of the same state for the same relay are filtered out.
func WithStatusHandler(fn func(url string, up bool)) Option {
	return func(t *RelayTransport) { t.onStatus = fn }
}

// WithBackoff bounds the delay between reconnection attempts.
func WithBackoff(min, max time.Duration) Option {
	return func(t *RelayTransport) { t.backoff = nostr.WithReconnectBackoff{Min: min, Max: max} }
}

// WithLookback makes the subscription also deliver requests created up to d ago, so
// requests sent while the signer was restarting are not lost.
func WithLookback(d time.Duration) Option {
	return func(t *RelayTransport) { t.lookback = d }
}

func New(keyer Keyer, relays []string, opts ...Option) *RelayTransport {
	t := &RelayTransport{
		keyer:   keyer,
		relays:  nostr.NormalizeRelayList(relays),
		log:    slog.Default(),
		status: xsync.NewMapOf[string, bool](),
	}
	for _, opt := range opts {
		opt(t)
	}

	poolOpts := []nostr.PoolOption{nostr.WithRelayStatusHandler(t.statusChanged)}
	if t.backoff.Min > 0 {
		poolOpts = append(poolOpts, t.backoff)
	}
	t.pool = nostr.NewSimplePool(context.Background(), poolOpts...)
	return t
}

func (t *RelayTransport) statusChanged(url string, up bool) {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()

	prev, loaded := t.status.LoadAndStore(url, up)
	if loaded && prev == up {
		return
	}
	if !loaded && !up {
		return
	}

	if up {
		t.log.Info("relay connected", "relay", url)
	} else {
		t.log.Warn("relay disconnected", "relay", url)
	}
	if t.onStatus != nil {
		t.onStatus(url, up)
	}
}

// Connect dials every relay once. It only fails if all of them fail, the ones that
// failed will be retried by the subscription.
func (t *RelayTransport) Connect(ctx context.Context) error {
	pk, err := t.keyer.GetPublicKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to get signer public key: %w", err)
	}
	t.pubkey.Store(&pk)

	if len(t.relays) == 0 {
		return fmt.Errorf("%w: no relays configured", ErrRelayDisconnected)
	}

	var connected atomic.Int32
	wg := sync.WaitGroup{}
	for _, url := range t.relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			if _, err := t.pool.EnsureRelay(url); err != nil {
				t.log.Warn("failed to connect to relay", "relay", url, "err", err)
				return
			}
			connected.Add(1)
		}(url)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if connected.Load() == 0 {
		return fmt.Errorf("%w: tried %s", ErrRelayDisconnected, strings.Join(t.relays, ", "))
	}
	return nil
}

// SubscribeToCommands listens for requests addressed to the signer until ctx is canceled.
// The second channel is closed when the first relay has confirmed the subscription.
// Events that can't be decrypted are logged and skipped.
func (t *RelayTransport) SubscribeToCommands(ctx context.Context) (<-chan Command, <-chan struct{}) {
	out := make(chan Command)
	ready := make(chan struct{})

	pk := t.pubkey.Load()
	if pk == nil {
		t.log.Error("subscribing before connect")
		close(out)
		return out, ready
	}

	since := nostr.Ago(t.lookback)
	filters := nostr.Filters{{
		Kinds: []int{nostr.KindNostrConnect},
		Tags:  nostr.TagMap{"p": {*pk}},
		Since: &since,
	}}

	events := t.pool.SubManyNotifyEOSE(ctx, t.relays, filters, ready)
	go func() {
		defer close(out)
		for ie := range events {
			cmd, err := t.open(ctx, ie)
			if err != nil {
				t.log.Warn("dropping event", "event", ie.ID, "from", ie.PubKey, "relay", ie.Relay.URL, "err", err)
				continue
			}
			select {
			case out <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, ready
}

func (t *RelayTransport) open(ctx context.Context, ie nostr.RelayEvent) (Command, error) {
	if ok, err := ie.CheckSignature(); !ok {
		return Command{}, fmt.Errorf("bad signature: %w", err)
	}

	var (
		plaintext string
		err       error
		scheme    = NIP44
	)
	if strings.Contains(ie.Content, "?iv=") {
		scheme = NIP04
		plaintext, err = t.keyer.DecryptNIP04(ctx, ie.Content, ie.PubKey)
	} else {
		plaintext, err = t.keyer.Decrypt(ctx, ie.Content, ie.PubKey)
	}
	if err != nil {
		return Command{}, err
	}

	return Command{
		Event:        ie.Event,
		ClientPubKey: ie.PubKey,
		Plaintext:    []byte(plaintext),
		Scheme:       scheme,
		Relay:        ie.Relay.URL,
	}, nil
}

// PublishResponse sends payload to client on all relays. scheme must be the one of the
// request being answered, an empty scheme means NIP-44.
func (t *RelayTransport) PublishResponse(ctx context.Context, client string, scheme Scheme, payload []byte) error {
	return t.PublishResponseTo(ctx, t.relays, client, scheme, payload)
}

// PublishResponseTo is like PublishResponse but to a chosen set of relays, for answering
// clients that told us where they listen.
func (t *RelayTransport) PublishResponseTo(ctx context.Context, relays []string, client string, scheme Scheme, payload []byte) error {
	var (
		content string
		err     error
	)
	switch scheme {
	case NIP04:
		content, err = t.keyer.EncryptNIP04(ctx, string(payload), client)
	default:
		content, err = t.keyer.Encrypt(ctx, string(payload), client)
	}
	if err != nil {
		return fmt.Errorf("failed to encrypt response: %w", err)
	}

	evt := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindNostrConnect,
		Tags:      nostr.Tags{{"p", client}},
		Content:   content,
	}
	if err := t.keyer.SignEvent(ctx, &evt); err != nil {
		return fmt.Errorf("failed to sign response: %w", err)
	}

	var (
		errs []error
		ok   int
	)
	for res := range t.pool.PublishMany(ctx, relays, evt) {
		if res.Error != nil {
			t.log.Debug("publish failed", "relay", res.RelayURL, "err", res.Error)
			errs = append(errs, fmt.Errorf("%s: %w", res.RelayURL, res.Error))
			continue
		}
		ok++
	}
	if ok == 0 {
		return fmt.Errorf("%w: %w", ErrPublishFailure, errors.Join(errs...))
	}
	return nil
}

// ActiveRelayCount is how many relays are connected right now.
func (t *RelayTransport) ActiveRelayCount() int {
	n := 0
	t.status.Range(func(_ string, up bool) bool {
		if up {
			n++
		}
		return true
	})
	return n
}

func (t *RelayTransport) Relays() []string {
	return slices.Clone(t.relays)
}

func (t *RelayTransport) Close() {
	t.pool.Close("transport closed")
}
