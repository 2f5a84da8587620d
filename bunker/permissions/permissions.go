// Package permissions decides, per connected app, whether a request may be served
// right away, must be refused, or needs the user to look at it.
package permissions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr-bunker/bunker/internal/keyed"
	"github.com/nbd-wtf/go-nostr-bunker/nip46"
)

type Action string

const (
	Allow Action = "allow"
	Deny  Action = "deny"
	Ask   Action = "ask"
)

func (a Action) IsValid() bool { return a == Allow || a == Deny || a == Ask }

func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.IsValid() {
		return "", fmt.Errorf("invalid action '%s', must be allow, deny or ask", s)
	}
	return a, nil
}

var (
	ErrUnknownApp        = errors.New("unknown app")
	ErrInvalidPermission = errors.New("invalid permission")
)

// App is a client that went through connect at least once.
type App struct {
	PubKey    string
	Name      string
	NIP05     string
	URL       string
	CreatedAt time.Time
	LastSeen  time.Time
}

type Permission struct {
	App          string
	PermissionID string
	Action       Action
	UpdatedAt    time.Time
}

// Store persists apps and their permissions. PutPermissions must write the whole batch
// atomically, replacing any existing row for the same (app, permission id).
type Store interface {
	UpsertApp(ctx context.Context, app App) error
	GetApp(ctx context.Context, pubkey string) (App, error)
	ListApps(ctx context.Context) ([]App, error)
	TouchApp(ctx context.Context, pubkey string, at time.Time) error
	DeleteApp(ctx context.Context, pubkey string) error

	GetPermission(ctx context.Context, app string, permissionID string) (Action, bool, error)
	PutPermissions(ctx context.Context, app string, actions map[string]Action, at time.Time) error
	ListPermissions(ctx context.Context, app string) ([]Permission, error)
	DeletePermissions(ctx context.Context, app string) error
}

// Engine is the only writer of the permission store. Writes for the same app are
// serialized, watchers get the full permission list of an app after every change.
type Engine struct {
	store Store
	locks *keyed.Mutex
	hub   *keyed.Hub[[]Permission]
	log   *slog.Logger

	onRevoke atomic.Pointer[func(ctx context.Context, app string)]
}

type Option func(*Engine)

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		locks: keyed.NewMutex(),
		hub:   keyed.NewHub[[]Permission](),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnRevoke registers a function to be called after an app is revoked.
func (e *Engine) OnRevoke(fn func(ctx context.Context, app string)) {
	e.onRevoke.Store(&fn)
}

// Evaluate returns the stored action for the permission this method needs.
// No stored row means Ask.
func (e *Engine) Evaluate(ctx context.Context, app string, m nip46.Method) (Action, error) {
	action, ok, err := e.store.GetPermission(ctx, app, nip46.PermissionID(m))
	if err != nil {
		return "", fmt.Errorf("failed to read permission: %w", err)
	}
	if !ok {
		return Ask, nil
	}
	return action, nil
}

// RecordDecision stores an action for one permission, replacing the previous one.
func (e *Engine) RecordDecision(ctx context.Context, app string, permissionID string, action Action) error {
	return e.RecordDecisions(ctx, app, []string{permissionID}, action)
}

// RecordDecisions stores the same action for a batch of permissions in a single write.
// This is what connect uses to seed the permissions an app asked for.
func (e *Engine) RecordDecisions(ctx context.Context, app string, permissionIDs []string, action Action) error {
	if !action.IsValid() {
		return fmt.Errorf("invalid action '%s'", action)
	}
	if len(permissionIDs) == 0 {
		return nil
	}

	actions := make(map[string]Action, len(permissionIDs))
	for _, id := range permissionIDs {
		if !nip46.IsValidPermission(id) {
			return fmt.Errorf("%w: '%s'", ErrInvalidPermission, id)
		}
		actions[id] = action
	}

	unlock := e.locks.Lock(app)
	defer unlock()

	if err := e.store.PutPermissions(ctx, app, actions, time.Now()); err != nil {
		return fmt.Errorf("failed to store permissions: %w", err)
	}
	e.log.Debug("permissions recorded", "app", app, "permissions", permissionIDs, "action", action)

	e.notify(ctx, app)
	return nil
}

// SeedFromConnect records the action picked at connect time for every permission the
// app asked for. Entries we don't understand are skipped instead of failing the connect.
func (e *Engine) SeedFromConnect(ctx context.Context, app string, requested []string, action Action) error {
	valid := make([]string, 0, len(requested))
	for _, p := range requested {
		if nip46.IsValidPermission(p) {
			valid = append(valid, p)
		} else {
			e.log.Warn("ignoring invalid requested permission", "app", app, "permission", p)
		}
	}
	return e.RecordDecisions(ctx, app, valid, action)
}

func (e *Engine) List(ctx context.Context, app string) ([]Permission, error) {
	perms, err := e.store.ListPermissions(ctx, app)
	if err != nil {
		return nil, err
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].PermissionID < perms[j].PermissionID })
	return perms, nil
}

// Observe streams the permission list of an app, starting with the current one.
func (e *Engine) Observe(ctx context.Context, app string) (<-chan []Permission, error) {
	perms, err := e.List(ctx, app)
	if err != nil {
		return nil, err
	}
	return e.hub.Watch(ctx, app, perms), nil
}

func (e *Engine) notify(ctx context.Context, app string) {
	if !e.hub.Watching(app) {
		return
	}
	perms, err := e.List(ctx, app)
	if err != nil {
		e.log.Warn("failed to reload permissions for watchers", "app", app, "err", err)
		return
	}
	e.hub.Publish(app, perms)
}

// RegisterApp creates the app on its first connect and refreshes its labels afterwards.
// The creation time of an existing app is kept.
func (e *Engine) RegisterApp(ctx context.Context, app App) (App, error) {
	unlock := e.locks.Lock(app.PubKey)
	defer unlock()

	now := time.Now()
	existing, err := e.store.GetApp(ctx, app.PubKey)
	switch {
	case err == nil:
		app.CreatedAt = existing.CreatedAt
		if app.Name == "" {
			app.Name = existing.Name
		}
		if app.NIP05 == "" {
			app.NIP05 = existing.NIP05
		}
		if app.URL == "" {
			app.URL = existing.URL
		}
	case errors.Is(err, ErrUnknownApp):
		app.CreatedAt = now
	default:
		return app, err
	}
	app.LastSeen = now

	if err := e.store.UpsertApp(ctx, app); err != nil {
		return app, fmt.Errorf("failed to store app: %w", err)
	}
	return app, nil
}

// App returns a known app or ErrUnknownApp.
func (e *Engine) App(ctx context.Context, pubkey string) (App, error) {
	return e.store.GetApp(ctx, pubkey)
}

func (e *Engine) Apps(ctx context.Context) ([]App, error) {
	return e.store.ListApps(ctx)
}

func (e *Engine) Touch(ctx context.Context, app string) error {
	return e.store.TouchApp(ctx, app, time.Now())
}

// Revoke forgets an app and every decision about it. The app will have to connect
// again, and be approved again, before anything else it sends is served.
func (e *Engine) Revoke(ctx context.Context, app string) error {
	unlock := e.locks.Lock(app)
	if err := e.store.DeletePermissions(ctx, app); err != nil {
		unlock()
		return fmt.Errorf("failed to delete permissions: %w", err)
	}
	if err := e.store.DeleteApp(ctx, app); err != nil {
		unlock()
		return fmt.Errorf("failed to delete app: %w", err)
	}
	e.notify(ctx, app)
	unlock()

	e.log.Info("app revoked", "app", app)
	if fn := e.onRevoke.Load(); fn != nil {
		(*fn)(ctx, app)
	}
	return nil
}
