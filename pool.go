package nostr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

const (
	seenAlreadyDropTick = time.Minute
)

type SimplePool struct {
	Relays  *xsync.MapOf[string, *Relay]
	Context context.Context

	authHandler   func(context.Context, *Event) error
	statusHandler func(url string, connected bool)
	cancel        context.CancelCauseFunc

	minBackoff time.Duration
	maxBackoff time.Duration
}

// RelayEvent is an event along with the relay it came from.
type RelayEvent struct {
	*Event
	Relay *Relay
}

func (ie RelayEvent) String() string { return fmt.Sprintf("[%s] >> %s", ie.Relay.URL, ie.Event) }

// PublishResult is emitted once per relay by PublishMany.
type PublishResult struct {
	Error    error
	RelayURL string
	Relay    *Relay
}

// PoolOption is an interface for options that can be applied to a SimplePool.
type PoolOption interface {
	ApplyPoolOption(*SimplePool)
}

func NewSimplePool(ctx context.Context, opts ...PoolOption) *SimplePool {
	ctx, cancel := context.WithCancelCause(ctx)

	pool := &SimplePool{
		Relays: xsync.NewMapOf[string, *Relay](),

		Context: ctx,
		cancel:  cancel,

		minBackoff: 3 * time.Second,
		maxBackoff: 5 * time.Minute,
	}

	for _, opt := range opts {
		opt.ApplyPoolOption(pool)
	}

	return pool
}

// WithAuthHandler must be a function that signs the auth event when called.
// it will be called whenever any relay in the pool returns a `CLOSED` or `OK` message
// with the "auth-required:" prefix, only once for each relay
type WithAuthHandler func(ctx context.Context, authEvent *Event) error

func (h WithAuthHandler) ApplyPoolOption(pool *SimplePool) {
	pool.authHandler = h
}

// WithRelayStatusHandler is called every time a relay connection in the pool
// goes up or down.
type WithRelayStatusHandler func(url string, connected bool)

func (h WithRelayStatusHandler) ApplyPoolOption(pool *SimplePool) {
	pool.statusHandler = h
}

// WithReconnectBackoff sets the bounds of the delay between reconnection attempts
// made by SubMany. The delay starts at Min and grows by 1.7x up to Max.
type WithReconnectBackoff struct {
	Min time.Duration
	Max time.Duration
}

func (b WithReconnectBackoff) ApplyPoolOption(pool *SimplePool) {
	if b.Min > 0 {
		pool.minBackoff = b.Min
	}
	if b.Max >= pool.minBackoff {
		pool.maxBackoff = b.Max
	}
}

var (
	_ PoolOption = (WithAuthHandler)(nil)
	_ PoolOption = (WithRelayStatusHandler)(nil)
	_ PoolOption = WithReconnectBackoff{}
)

// EnsureRelay returns a connected relay for the given url, reusing the pool's existing
// connection when there is one.
func (pool *SimplePool) EnsureRelay(url string) (*Relay, error) {
	nm := NormalizeURL(url)
	defer namedLock(nm)()

	relay, ok := pool.Relays.Load(nm)
	if ok && relay.IsConnected() {
		// already connected, unlock and return
		return relay, nil
	}

	// we use this ctx here so when the pool dies everything dies
	relay = NewRelay(pool.Context, nm)
	ctx, cancel := context.WithTimeoutCause(pool.Context, time.Second*15, errors.New("connecting to the relay took too long"))
	defer cancel()
	if err := relay.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool.Relays.Store(nm, relay)

	if pool.statusHandler != nil {
		pool.statusHandler(nm, true)
		go func() {
			<-relay.Context().Done()
			pool.statusHandler(nm, false)
		}()
	}

	return relay, nil
}

// PublishMany publishes an event to multiple relays and returns a channel that emits one
// result per relay and is closed when all of them are done.
func (pool *SimplePool) PublishMany(ctx context.Context, urls []string, evt Event) chan PublishResult {
	ch := make(chan PublishResult, len(urls))

	wg := sync.WaitGroup{}
	wg.Add(len(urls))
	go func() {
		wg.Wait()
		close(ch)
	}()

	for _, url := range urls {
		go func(nm string) {
			defer wg.Done()

			relay, err := pool.EnsureRelay(nm)
			if err != nil {
				ch <- PublishResult{err, nm, nil}
				return
			}

			err = relay.Publish(ctx, evt)
			if err != nil && strings.Contains(err.Error(), "auth-required:") && pool.authHandler != nil {
				// try to authenticate if we can
				if authErr := relay.Auth(ctx, func(event *Event) error {
					return pool.authHandler(ctx, event)
				}); authErr == nil {
					err = relay.Publish(ctx, evt)
				}
			}

			ch <- PublishResult{err, nm, relay}
		}(NormalizeURL(url))
	}

	return ch
}

// SubMany opens a subscription with the given filters to multiple relays
// the subscriptions only end when the context is canceled
func (pool *SimplePool) SubMany(ctx context.Context, urls []string, filters Filters) chan RelayEvent {
	return pool.subMany(ctx, urls, filters, nil)
}

// SubManyNotifyEOSE is like SubMany, but takes a channel that is closed the first time
// any of the relays sends an EOSE.
func (pool *SimplePool) SubManyNotifyEOSE(ctx context.Context, urls []string, filters Filters, eoseChan chan struct{}) chan RelayEvent {
	return pool.subMany(ctx, urls, filters, eoseChan)
}

func (pool *SimplePool) subMany(ctx context.Context, urls []string, filters Filters, eoseChan chan struct{}) chan RelayEvent {
	ctx, cancel := context.WithCancel(ctx)
	_ = cancel // do this so `go vet` will stop complaining
	events := make(chan RelayEvent)
	seenAlready := xsync.NewMapOf[string, Timestamp]()
	ticker := time.NewTicker(seenAlreadyDropTick)

	var eoseOnce sync.Once
	notifyEose := func() {
		if eoseChan != nil {
			eoseOnce.Do(func() { close(eoseChan) })
		}
	}

	pending := xsync.NewCounter()
	pending.Add(int64(len(urls)))
	for _, url := range urls {
		// each relay gets its own copy since we mutate "since" on reconnection
		filters := cloneFilters(filters)

		go func(nm string) {
			defer func() {
				pending.Dec()
				if pending.Value() == 0 {
					ticker.Stop()
					close(events)
				}
			}()

			hasAuthed := false
			interval := pool.minBackoff
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				var sub *Subscription

				relay, err := pool.EnsureRelay(nm)
				if err != nil {
					debugLogf("error connecting to %s: %s", nm, err)
					goto reconnect
				}
				hasAuthed = false

			subscribe:
				sub, err = relay.Subscribe(ctx, filters)
				if err != nil {
					debugLogf("error subscribing to %s with %v: %s", relay, filters, err)
					goto reconnect
				}

				// reset interval when we get a good subscription
				interval = pool.minBackoff

				for {
					select {
					case evt, more := <-sub.Events:
						if !more {
							// this means the connection was closed for weird reasons, like the server shut down
							// so we will update the filters here to include only events seem from now on
							// and try to reconnect until we succeed
							now := Now()
							for i := range filters {
								filters[i].Since = &now
							}
							goto reconnect
						}
						if _, seen := seenAlready.LoadOrStore(evt.ID, evt.CreatedAt); seen {
							continue
						}
						select {
						case events <- RelayEvent{Event: evt, Relay: relay}:
						case <-ctx.Done():
							sub.Unsub()
							return
						}
					case <-sub.EndOfStoredEvents:
						notifyEose()
					case <-ticker.C:
						old := Ago(seenAlreadyDropTick)
						seenAlready.Range(func(id string, value Timestamp) bool {
							if value < old {
								seenAlready.Delete(id)
							}
							return true
						})
					case reason := <-sub.ClosedReason:
						if strings.HasPrefix(reason, "auth-required:") && pool.authHandler != nil && !hasAuthed {
							// relay is requesting auth. if we can we will perform auth and try again
							err := relay.Auth(ctx, func(event *Event) error {
								return pool.authHandler(ctx, event)
							})
							hasAuthed = true // so we don't keep doing AUTH again and again
							if err == nil {
								goto subscribe
							}
						}
						InfoLogger.Printf("CLOSED from %s: '%s'\n", nm, reason)
						return
					case <-ctx.Done():
						return
					}
				}

			reconnect:
				// we will go back to the beginning of the loop and try to connect again and again
				// until the context is canceled
				select {
				case <-time.After(interval):
				case <-ctx.Done():
					return
				}
				interval = interval * 17 / 10 // the next time we try we will wait longer
				if interval > pool.maxBackoff {
					interval = pool.maxBackoff
				}
			}
		}(NormalizeURL(url))
	}

	return events
}

// Close closes the pool with the given reason.
func (pool *SimplePool) Close(reason string) {
	pool.cancel(fmt.Errorf("pool closed with reason: '%s'", reason))
}

func cloneFilters(filters Filters) Filters {
	c := make(Filters, len(filters))
	copy(c, filters)
	return c
}
