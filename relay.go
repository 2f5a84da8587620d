package nostr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

var ErrNotConnected = errors.New("relay not connected")

type Relay struct {
	closeMutex sync.Mutex

	URL           string
	requestHeader http.Header // e.g. for origin header

	Connection    *Connection
	Subscriptions *xsync.MapOf[int64, *Subscription]

	connectionContext       context.Context // will be canceled when the connection closes
	connectionContextCancel context.CancelCauseFunc
	connected               atomic.Bool

	challenge     atomic.Pointer[string] // NIP-42 challenge, we only keep the last
	noticeHandler func(string)           // NIP-01 NOTICEs
	okCallbacks   *xsync.MapOf[string, func(bool, string)]
	writeQueue    chan writeRequest

	subscriptionIDCounter atomic.Int64
}

type writeRequest struct {
	msg    []byte
	answer chan error
}

// NewRelay returns a new relay. The relay connection will be closed when the context is canceled.
func NewRelay(ctx context.Context, url string, opts ...RelayOption) *Relay {
	ctx, cancel := context.WithCancelCause(ctx)
	r := &Relay{
		URL:                     NormalizeURL(url),
		connectionContext:       ctx,
		connectionContextCancel: cancel,
		Subscriptions:           xsync.NewMapOf[int64, *Subscription](),
		okCallbacks:             xsync.NewMapOf[string, func(bool, string)](),
		writeQueue:              make(chan writeRequest),
	}

	for _, opt := range opts {
		opt.ApplyRelayOption(r)
	}

	return r
}

// RelayConnect returns a relay object connected to url.
// Once successfully connected, cancelling ctx has no effect.
// To close the connection, call r.Close().
func RelayConnect(ctx context.Context, url string, opts ...RelayOption) (*Relay, error) {
	r := NewRelay(context.Background(), url, opts...)
	err := r.Connect(ctx)
	return r, err
}

// RelayOption is the type of the argument passed for that.
type RelayOption interface {
	ApplyRelayOption(*Relay)
}

var (
	_ RelayOption = (WithNoticeHandler)(nil)
	_ RelayOption = (WithRequestHeader)(nil)
)

// WithNoticeHandler just takes notices and is expected to do something with them.
// when not given, defaults to logging the notices.
type WithNoticeHandler func(notice string)

func (nh WithNoticeHandler) ApplyRelayOption(r *Relay) {
	r.noticeHandler = nh
}

// WithRequestHeader sets the HTTP request header of the websocket preflight request.
type WithRequestHeader http.Header

func (ch WithRequestHeader) ApplyRelayOption(r *Relay) {
	r.requestHeader = http.Header(ch)
}

// String just returns the relay URL.
func (r *Relay) String() string {
	return r.URL
}

// Context retrieves the context that is associated with this relay connection.
// It will be closed when the relay is disconnected.
func (r *Relay) Context() context.Context { return r.connectionContext }

// IsConnected returns true if the connection to this relay seems to be active.
func (r *Relay) IsConnected() bool {
	return r.connected.Load() && r.connectionContext.Err() == nil
}

// Connect tries to establish a websocket connection to r.URL.
// If the context expires before the connection is complete, an error is returned.
// Once successfully connected, context expiration has no effect: call r.Close
// to close the connection.
//
// The underlying relay connection will use a background context. If you want to
// pass a custom context to the underlying relay connection, use NewRelay() and
// then Relay.Connect().
func (r *Relay) Connect(ctx context.Context) error {
	if r.connectionContext == nil || r.Subscriptions == nil {
		return fmt.Errorf("relay must be initialized with a call to NewRelay()")
	}

	if r.URL == "" {
		return fmt.Errorf("invalid relay URL '%s'", r.URL)
	}

	if _, ok := ctx.Deadline(); !ok {
		// if no timeout is set, force it to 7 seconds
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, 7*time.Second, errors.New("connection took too long"))
		defer cancel()
	}

	conn, err := NewConnection(ctx, r.URL, r.requestHeader)
	if err != nil {
		return fmt.Errorf("error opening websocket to '%s': %w", r.URL, err)
	}
	r.Connection = conn
	r.connected.Store(true)

	// ping every 29 seconds
	ticker := time.NewTicker(29 * time.Second)

	// queue all write operations here so we don't do mutex spaghetti
	go func() {
		for {
			select {
			case <-r.connectionContext.Done():
				ticker.Stop()
				r.connected.Store(false)
				cause := context.Cause(r.connectionContext)
				r.Subscriptions.Range(func(_ int64, sub *Subscription) bool {
					sub.unsub(fmt.Errorf("relay connection closed: %w", cause))
					return true
				})
				return

			case <-ticker.C:
				pingCtx, cancel := context.WithTimeoutCause(r.connectionContext, 800*time.Millisecond, errors.New("ping took too long"))
				err := conn.Ping(pingCtx)
				cancel()
				if err != nil {
					InfoLogger.Printf("{%s} error writing ping: %v; closing websocket", r.URL, err)
					r.close(fmt.Errorf("ping failed: %w", err))
					return
				}

			case wr := <-r.writeQueue:
				debugLogf("{%s} sending %s\n", r.URL, wr.msg)
				err := conn.WriteMessage(r.connectionContext, wr.msg)
				if wr.answer != nil {
					wr.answer <- err
				}
			}
		}
	}()

	// general message reader loop
	go func() {
		buf := new(bytes.Buffer)

		for {
			buf.Reset()

			if err := conn.ReadMessage(r.connectionContext, buf); err != nil {
				r.close(err)
				break
			}

			message := buf.Bytes()
			debugLogf("{%s} received %s\n", r.URL, message)

			envelope := ParseMessage(message)
			if envelope == nil {
				continue
			}

			switch env := envelope.(type) {
			case *NoticeEnvelope:
				// see WithNoticeHandler
				if r.noticeHandler != nil {
					go r.noticeHandler(string(*env))
				} else {
					InfoLogger.Printf("NOTICE from %s: '%s'\n", r.URL, string(*env))
				}
			case *AuthEnvelope:
				if env.Challenge == nil {
					continue
				}
				challenge := *env.Challenge
				r.challenge.Store(&challenge)
			case *EventEnvelope:
				if env.SubscriptionID == nil {
					continue
				}
				subscription, ok := r.Subscriptions.Load(subIdToSerial(*env.SubscriptionID))
				if !ok {
					continue
				}

				// check if the event matches the desired filter, ignore otherwise
				if !subscription.Filters.Match(&env.Event) {
					InfoLogger.Printf("{%s} filter does not match: %v ~ %s\n", r.URL, subscription.Filters, env.Event.ID)
					continue
				}

				// check signature, ignore invalid
				if ok, _ := env.Event.CheckSignature(); !ok {
					InfoLogger.Printf("{%s} bad signature on %s\n", r.URL, env.Event.ID)
					continue
				}

				subscription.dispatchEvent(&env.Event)
			case *EOSEEnvelope:
				if subscription, ok := r.Subscriptions.Load(subIdToSerial(string(*env))); ok {
					subscription.dispatchEose()
				}
			case *ClosedEnvelope:
				if subscription, ok := r.Subscriptions.Load(subIdToSerial(env.SubscriptionID)); ok {
					subscription.handleClosed(env.Reason)
				}
			case *OKEnvelope:
				if okCallback, exist := r.okCallbacks.Load(env.EventID); exist {
					okCallback(env.OK, env.Reason)
				} else {
					InfoLogger.Printf("{%s} got an unexpected OK message for event %s", r.URL, env.EventID)
				}
			}
		}
	}()

	return nil
}

// Write queues a message to be sent to the relay.
func (r *Relay) Write(msg []byte) <-chan error {
	ch := make(chan error, 1)
	select {
	case r.writeQueue <- writeRequest{msg: msg, answer: ch}:
	case <-r.connectionContext.Done():
		ch <- fmt.Errorf("%w: %w", ErrNotConnected, context.Cause(r.connectionContext))
	}
	return ch
}

// Publish sends an "EVENT" command to the relay r as in NIP-01 and waits for an OK response.
func (r *Relay) Publish(ctx context.Context, event Event) error {
	return r.publish(ctx, event.ID, &EventEnvelope{Event: event})
}

// Auth sends an "AUTH" command client->relay as in NIP-42 and waits for an OK response.
//
// You don't have to build the AUTH event yourself, this function takes a function to which the
// event that must be signed will be passed, so it's only necessary to sign that.
func (r *Relay) Auth(ctx context.Context, sign func(event *Event) error) error {
	challenge := r.challenge.Load()
	if challenge == nil {
		return fmt.Errorf("relay %s has not sent an auth challenge", r.URL)
	}

	authEvent := Event{
		CreatedAt: Now(),
		Kind:      KindClientAuthentication,
		Tags: Tags{
			Tag{"relay", r.URL},
			Tag{"challenge", *challenge},
		},
		Content: "",
	}
	if err := sign(&authEvent); err != nil {
		return fmt.Errorf("error signing auth event: %w", err)
	}

	return r.publish(ctx, authEvent.ID, &AuthEnvelope{Event: authEvent})
}

func (r *Relay) publish(ctx context.Context, id string, env Envelope) error {
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); !ok {
		// if no timeout is set, force it to 7 seconds
		ctx, cancel = context.WithTimeoutCause(ctx, 7*time.Second, errors.New("given up waiting for an OK"))
	} else {
		// otherwise make it cancellable so we can stop everything upon receiving an "OK"
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// listen for an OK callback
	result := make(chan error, 1)
	r.okCallbacks.Store(id, func(ok bool, reason string) {
		var err error
		if !ok {
			err = fmt.Errorf("msg: %s", reason)
		}
		select {
		case result <- err:
		default:
		}
	})
	defer r.okCallbacks.Delete(id)

	// publish event
	envb, _ := env.MarshalJSON()
	if err := <-r.Write(envb); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		// this will be called when we get an OK or when the context has been canceled
		return context.Cause(ctx)
	case <-r.connectionContext.Done():
		// this is caused when we lose connectivity
		return fmt.Errorf("%w: %w", ErrNotConnected, context.Cause(r.connectionContext))
	}
}

// Subscribe sends a "REQ" command to the relay r as in NIP-01.
// Events are returned through the channel sub.Events.
// The subscription is closed when context ctx is cancelled ("CLOSE" in NIP-01).
//
// Remember to cancel subscriptions, either by calling `.Unsub()` on them or ensuring their `context.Context` will be canceled at some point.
// Failure to do that will result in a huge number of halted goroutines being created.
func (r *Relay) Subscribe(ctx context.Context, filters Filters, opts ...SubscriptionOption) (*Subscription, error) {
	sub := r.PrepareSubscription(ctx, filters, opts...)

	if !r.IsConnected() {
		sub.unsub(ErrNotConnected)
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, r.URL)
	}

	if err := sub.Fire(); err != nil {
		return nil, fmt.Errorf("couldn't subscribe to %v at %s: %w", filters, r.URL, err)
	}

	return sub, nil
}

// PrepareSubscription creates a subscription, but doesn't fire it.
//
// Remember to cancel subscriptions, either by calling `.Unsub()` on them or ensuring their `context.Context` will be canceled at some point.
// Failure to do that will result in a huge number of halted goroutines being created.
func (r *Relay) PrepareSubscription(ctx context.Context, filters Filters, opts ...SubscriptionOption) *Subscription {
	current := r.subscriptionIDCounter.Add(1)
	ctx, cancel := context.WithCancelCause(ctx)

	sub := &Subscription{
		Relay:             r,
		Context:           ctx,
		cancel:            cancel,
		counter:           current,
		Events:            make(chan *Event),
		EndOfStoredEvents: make(chan struct{}, 1),
		ClosedReason:      make(chan string, 1),
		Filters:           filters,
	}

	label := ""
	for _, opt := range opts {
		switch o := opt.(type) {
		case WithLabel:
			label = string(o)
		}
	}

	// subscription id computation
	sub.id = strconv.FormatInt(current, 10) + ":" + label
	r.Subscriptions.Store(current, sub)

	// start handling events, eose, unsub etc:
	go func() {
		<-sub.Context.Done()
		sub.unsub(context.Cause(sub.Context))
	}()

	return sub
}

// Close closes the relay connection.
func (r *Relay) Close() error {
	return r.close(errors.New("Close() called"))
}

func (r *Relay) close(reason error) error {
	r.closeMutex.Lock()
	defer r.closeMutex.Unlock()

	if r.connectionContextCancel == nil {
		return fmt.Errorf("relay already closed")
	}
	r.connectionContextCancel(reason)
	r.connectionContextCancel = nil
	r.connected.Store(false)

	if r.Connection == nil {
		return ErrNotConnected
	}

	return r.Connection.Close()
}

func subIdToSerial(subId string) int64 {
	n := strings.Index(subId, ":")
	if n < 0 {
		return -1
	}
	serialId, _ := strconv.ParseInt(subId[0:n], 10, 64)
	return serialId
}
