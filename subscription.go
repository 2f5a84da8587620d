package nostr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

type Subscription struct {
	counter int64
	id      string

	Relay   *Relay
	Filters Filters

	// the Events channel emits all EVENTs that come in a Subscription
	// will be closed when the subscription ends
	Events chan *Event
	mu     sync.Mutex

	// the EndOfStoredEvents channel gets closed when an EOSE comes for that subscription
	EndOfStoredEvents chan struct{}

	// the ClosedReason channel emits the reason when a CLOSED message is received
	ClosedReason chan string

	// Context will be .Done() when the subscription ends
	Context context.Context

	eosed        atomic.Bool
	closed       atomic.Bool
	eventsClosed bool
	cancel       context.CancelCauseFunc
}

type SubscriptionOption interface {
	IsSubscriptionOption()
}

// WithLabel puts a label on the subscription (it is prepended to the automatic id) that is sent to relays.
type WithLabel string

func (_ WithLabel) IsSubscriptionOption() {}

var _ SubscriptionOption = (WithLabel)("")

// GetID returns the subscription ID as sent to the relay.
func (sub *Subscription) GetID() string { return sub.id }

func (sub *Subscription) dispatchEvent(evt *Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.eventsClosed {
		return
	}

	select {
	case sub.Events <- evt:
	case <-sub.Context.Done():
	}
}

func (sub *Subscription) dispatchEose() {
	if sub.eosed.CompareAndSwap(false, true) {
		select {
		case sub.EndOfStoredEvents <- struct{}{}:
		default:
		}
	}
}

func (sub *Subscription) handleClosed(reason string) {
	// the relay already considers this subscription dead, so we don't send a CLOSE back
	sub.closed.Store(true)
	select {
	case sub.ClosedReason <- reason:
	default:
	}
	sub.cancel(fmt.Errorf("CLOSED received: %s", reason))
}

// Unsub closes the subscription, sending "CLOSE" to relay as in NIP-01.
// Unsub() also closes the channel sub.Events and makes a new one.
func (sub *Subscription) Unsub() {
	sub.unsub(errors.New("Unsub() called"))
}

func (sub *Subscription) unsub(err error) {
	// cancel the context (if it's not canceled already)
	sub.cancel(err)

	// mark subscription as closed and send a CLOSE to the relay
	if sub.closed.CompareAndSwap(false, true) {
		sub.Close()
	}

	sub.mu.Lock()
	if !sub.eventsClosed {
		sub.eventsClosed = true
		close(sub.Events)
	}
	sub.mu.Unlock()

	// remove subscription from our map
	sub.Relay.Subscriptions.Delete(sub.counter)
}

// Close just sends a CLOSE message. You probably want Unsub() instead.
func (sub *Subscription) Close() {
	if sub.Relay.IsConnected() {
		closeMsg := CloseEnvelope(sub.id)
		closeb, _ := (&closeMsg).MarshalJSON()
		sub.Relay.Write(closeb)
	}
}

// Fire sends the "REQ" command to the relay.
func (sub *Subscription) Fire() error {
	if err := sub.Context.Err(); err != nil {
		return context.Cause(sub.Context)
	}

	reqb, _ := ReqEnvelope{sub.id, sub.Filters}.MarshalJSON()
	debugLogf("{%s} sending %s", sub.Relay.URL, reqb)

	if err := <-sub.Relay.Write(reqb); err != nil {
		sub.cancel(err)
		return fmt.Errorf("failed to write: %w", err)
	}

	return nil
}
