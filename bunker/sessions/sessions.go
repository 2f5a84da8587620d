// Package sessions keeps track of the relationship between each connected app and the
// signer, and of every request served inside it.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr-bunker/bunker/internal/keyed"
)

type State string

const (
	// Opening sessions exist but the relay subscription hasn't confirmed delivery yet.
	Opening State = "opening"
	Active  State = "active"
	Ended   State = "ended"
)

const (
	TypeBunker       = "bunker"
	TypeNostrConnect = "nostrconnect"
)

var ErrNotFound = errors.New("session not found")

type Session struct {
	ID               int64
	App              string
	StartedAt        time.Time
	EndedAt          *time.Time
	ActiveRelayCount int
	Type             string
	State            State
}

func (s Session) IsOpen() bool { return s.EndedAt == nil }

// Event is the audit record of one request and the response it got.
type Event struct {
	ID           int64
	SessionID    int64
	ClientPubKey string
	Method       string
	EventKind    *int
	Success      bool
	Request      string
	Response     string
	RequestedAt  time.Time
	CompletedAt  time.Time
}

// Store persists sessions and their audit log. Events are append-only.
type Store interface {
	CreateSession(ctx context.Context, s Session) (int64, error)
	UpdateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id int64) (Session, error)
	// OpenSessions returns the sessions without an end time, for one app or for all when app is "".
	OpenSessions(ctx context.Context, app string) ([]Session, error)
	ListSessions(ctx context.Context, app string) ([]Session, error)

	AppendEvent(ctx context.Context, evt Event) (int64, error)
	ListEvents(ctx context.Context, sessionID int64) ([]Event, error)
}

// Tracker is the only writer of the session store.
type Tracker struct {
	store Store
	locks *keyed.Mutex
	hub   *keyed.Hub[[]Session]
	log   *slog.Logger

	// serializes operations that touch every open session
	bulk sync.Mutex

	relayCount atomic.Int64
	delivering atomic.Bool
	onEnd      atomic.Pointer[func(s Session)]
}

type Option func(*Tracker)

func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store: store,
		locks: keyed.NewMutex(),
		hub:   keyed.NewHub[[]Session](),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnEnd registers a function called once for every session that gets ended.
func (t *Tracker) OnEnd(fn func(s Session)) {
	t.onEnd.Store(&fn)
}

// StartSession returns the open session of an app, creating one if there is none.
// If a race left more than one open session behind, all but the newest are ended.
func (t *Tracker) StartSession(ctx context.Context, app string, typ string) (Session, error) {
	// most requests land in a session that needs no change, those don't take any lock
	open, err := t.store.OpenSessions(ctx, app)
	if err != nil {
		return Session{}, fmt.Errorf("failed to load open sessions: %w", err)
	}
	if len(open) == 1 && (open[0].State == Active || !t.delivering.Load()) {
		return open[0], nil
	}

	t.bulk.Lock()
	defer t.bulk.Unlock()
	unlock := t.locks.Lock(app)
	defer unlock()

	open, err = t.store.OpenSessions(ctx, app)
	if err != nil {
		return Session{}, fmt.Errorf("failed to load open sessions: %w", err)
	}

	if len(open) > 0 {
		sort.Slice(open, func(i, j int) bool { return open[i].ID > open[j].ID })
		for _, extra := range open[1:] {
			t.log.Warn("ending duplicate open session", "app", app, "session", extra.ID)
			if err := t.end(ctx, extra); err != nil {
				return Session{}, err
			}
		}
		current := open[0]
		if current.State == Opening && t.delivering.Load() {
			current.State = Active
			if err := t.store.UpdateSession(ctx, current); err != nil {
				return Session{}, err
			}
		}
		t.notify(ctx, app)
		return current, nil
	}

	s := Session{
		App:              app,
		StartedAt:        time.Now(),
		ActiveRelayCount: int(t.relayCount.Load()),
		Type:             typ,
		State:            Opening,
	}
	if t.delivering.Load() {
		s.State = Active
	}

	s.ID, err = t.store.CreateSession(ctx, s)
	if err != nil {
		return Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	t.log.Info("session started", "app", app, "session", s.ID, "type", typ, "state", s.State)

	t.notify(ctx, app)
	return s, nil
}

// Current returns the open session of an app, if any, without creating one.
func (t *Tracker) Current(ctx context.Context, app string) (Session, bool, error) {
	open, err := t.store.OpenSessions(ctx, app)
	if err != nil || len(open) == 0 {
		return Session{}, false, err
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID > open[j].ID })
	return open[0], true, nil
}

// SubscriptionConfirmed moves every Opening session to Active. From now on new sessions
// start Active, until SubscriptionLost is called.
func (t *Tracker) SubscriptionConfirmed(ctx context.Context) error {
	t.bulk.Lock()
	defer t.bulk.Unlock()

	t.delivering.Store(true)
	return t.forEachOpen(ctx, func(s *Session) bool {
		if s.State != Opening {
			return false
		}
		s.State = Active
		return true
	})
}

// SubscriptionLost makes sessions started from now on wait for a new confirmation.
func (t *Tracker) SubscriptionLost() {
	t.delivering.Store(false)
}

// AdjustRelayCount is called when a relay connection goes up (+1) or down (-1).
// Every open session gets the new count.
func (t *Tracker) AdjustRelayCount(ctx context.Context, delta int) error {
	t.bulk.Lock()
	defer t.bulk.Unlock()

	n := t.relayCount.Add(int64(delta))
	if n < 0 {
		t.relayCount.Store(0)
	}
	return t.forEachOpen(ctx, func(s *Session) bool {
		s.ActiveRelayCount = max(0, s.ActiveRelayCount+delta)
		return true
	})
}

func (t *Tracker) forEachOpen(ctx context.Context, fn func(s *Session) bool) error {
	open, err := t.store.OpenSessions(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to load open sessions: %w", err)
	}

	changed := make(map[string]struct{})
	for _, s := range open {
		unlock := t.locks.Lock(s.App)
		if fn(&s) {
			if err := t.store.UpdateSession(ctx, s); err != nil {
				unlock()
				return fmt.Errorf("failed to update session %d: %w", s.ID, err)
			}
			changed[s.App] = struct{}{}
		}
		unlock()
	}

	for app := range changed {
		t.notify(ctx, app)
	}
	return nil
}

// EndSessions ends the given sessions. Unknown or already ended ones are skipped.
func (t *Tracker) EndSessions(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		s, err := t.store.GetSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		} else if err != nil {
			return err
		}

		unlock := t.locks.Lock(s.App)
		err = t.end(ctx, s)
		unlock()
		if err != nil {
			return err
		}
		t.notify(ctx, s.App)
	}
	return nil
}

// EndApp ends whatever session an app has open.
func (t *Tracker) EndApp(ctx context.Context, app string) error {
	unlock := t.locks.Lock(app)
	open, err := t.store.OpenSessions(ctx, app)
	if err != nil {
		unlock()
		return err
	}
	for _, s := range open {
		if err := t.end(ctx, s); err != nil {
			unlock()
			return err
		}
	}
	unlock()

	if len(open) > 0 {
		t.notify(ctx, app)
	}
	return nil
}

// EndAllActive ends every open session. It runs at startup, since no session can
// survive a restart, and at shutdown.
func (t *Tracker) EndAllActive(ctx context.Context) error {
	t.bulk.Lock()
	defer t.bulk.Unlock()

	t.delivering.Store(false)

	open, err := t.store.OpenSessions(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to load open sessions: %w", err)
	}

	apps := make(map[string]struct{})
	for _, s := range open {
		unlock := t.locks.Lock(s.App)
		err := t.end(ctx, s)
		unlock()
		if err != nil {
			return err
		}
		apps[s.App] = struct{}{}
	}
	if len(open) > 0 {
		t.log.Info("ended open sessions", "count", len(open))
	}

	for app := range apps {
		t.notify(ctx, app)
	}
	return nil
}

// end must be called with the app lock held.
func (t *Tracker) end(ctx context.Context, s Session) error {
	if !s.IsOpen() {
		return nil
	}
	now := time.Now()
	s.EndedAt = &now
	s.State = Ended
	s.ActiveRelayCount = 0
	if err := t.store.UpdateSession(ctx, s); err != nil {
		return fmt.Errorf("failed to end session %d: %w", s.ID, err)
	}
	t.log.Info("session ended", "app", s.App, "session", s.ID)

	if fn := t.onEnd.Load(); fn != nil {
		(*fn)(s)
	}
	return nil
}

// LogEvent appends a request/response pair to the audit log of a session.
func (t *Tracker) LogEvent(ctx context.Context, evt Event) error {
	if evt.SessionID == 0 {
		return fmt.Errorf("event without session")
	}
	if _, err := t.store.AppendEvent(ctx, evt); err != nil {
		return fmt.Errorf("failed to append session event: %w", err)
	}
	return nil
}

func (t *Tracker) Sessions(ctx context.Context, app string) ([]Session, error) {
	return t.store.ListSessions(ctx, app)
}

func (t *Tracker) Events(ctx context.Context, sessionID int64) ([]Event, error) {
	return t.store.ListEvents(ctx, sessionID)
}

// Observe streams the sessions of an app, starting with the current list.
func (t *Tracker) Observe(ctx context.Context, app string) (<-chan []Session, error) {
	list, err := t.store.ListSessions(ctx, app)
	if err != nil {
		return nil, err
	}
	return t.hub.Watch(ctx, app, list), nil
}

func (t *Tracker) notify(ctx context.Context, app string) {
	if !t.hub.Watching(app) {
		return
	}
	list, err := t.store.ListSessions(ctx, app)
	if err != nil {
		t.log.Warn("failed to reload sessions for watchers", "app", app, "err", err)
		return
	}
	t.hub.Publish(app, list)
}
