package bunker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mailru/easyjson"
	"github.com/nbd-wtf/go-nostr-bunker/bunker/permissions"
	"github.com/nbd-wtf/go-nostr-bunker/bunker/sessions"
	"github.com/nbd-wtf/go-nostr-bunker/nip05"
	"github.com/nbd-wtf/go-nostr-bunker/nip46"
)

func (s *Signer) dispatch(ctx context.Context, m nip46.Method) (string, error) {
	switch m := m.(type) {
	case nip46.Connect:
		return s.connect(ctx, m)
	case nip46.Ping:
		return "pong", nil
	case nip46.GetPublicKey:
		if _, err := s.authorized(ctx, m); err != nil {
			return "", err
		}
		return s.keyer.GetPublicKey(ctx)
	case nip46.GetRelays:
		if _, err := s.authorized(ctx, m); err != nil {
			return "", err
		}
		relays := make(map[string]nip46.RelayReadWrite)
		for _, url := range s.transport.Relays() {
			relays[url] = nip46.RelayReadWrite{Read: true, Write: true}
		}
		j, err := json.Marshal(relays)
		return string(j), err
	case nip46.SwitchRelays:
		if _, err := s.authorized(ctx, m); err != nil {
			return "", err
		}
		// we don't move, tell the client to keep using the relays it has
		return "null", nil
	case nip46.SignEvent:
		if _, err := s.authorized(ctx, m); err != nil {
			return "", err
		}
		evt := m.Event
		if err := s.keyer.SignEvent(ctx, &evt); err != nil {
			return "", fmt.Errorf("failed to sign: %w", err)
		}
		j, err := easyjson.Marshal(evt)
		return string(j), err
	case nip46.Nip04Encrypt:
		if _, err := s.authorized(ctx, m); err != nil {
			return "", err
		}
		return s.keyer.EncryptNIP04(ctx, m.Text, m.ThirdPartyPubKey)
	case nip46.Nip04Decrypt:
		if _, err := s.authorized(ctx, m); err != nil {
			return "", err
		}
		return s.keyer.DecryptNIP04(ctx, m.Text, m.ThirdPartyPubKey)
	case nip46.Nip44Encrypt:
		if _, err := s.authorized(ctx, m); err != nil {
			return "", err
		}
		return s.keyer.Encrypt(ctx, m.Text, m.ThirdPartyPubKey)
	case nip46.Nip44Decrypt:
		if _, err := s.authorized(ctx, m); err != nil {
			return "", err
		}
		return s.keyer.Decrypt(ctx, m.Text, m.ThirdPartyPubKey)
	default:
		return "", fmt.Errorf("unsupported method '%s'", m.Tag())
	}
}

func (s *Signer) connect(ctx context.Context, m nip46.Connect) (string, error) {
	client := m.Client()

	if pk, err := s.keyer.GetPublicKey(ctx); err == nil && pk != m.RemoteSignerPubKey {
		s.log.Debug("connect names another signer key", "client", client, "key", m.RemoteSignerPubKey)
	}

	_, err := s.perms.App(ctx, client)
	known := err == nil
	if err != nil && !errors.Is(err, permissions.ErrUnknownApp) {
		return "", err
	}

	var (
		seed  bool
		grant permissions.Action
		label string
	)
	switch {
	case m.Secret != "" && s.useSecret(m.Secret):
		seed, grant = true, s.secretAction
	case known:
		// a client we already approved, reconnecting
	case m.Secret != "":
		return "", ErrInvalidSecret
	default:
		d, err := s.askUser(ctx, permissions.App{PubKey: client}, m)
		if err != nil {
			return "", err
		}
		if d.Action != permissions.Allow {
			return "", ErrPermissionDenied
		}
		seed, grant, label = true, permissions.Ask, d.Label
		if d.Remember {
			grant = permissions.Allow
		}
	}

	if _, err := s.registerApp(ctx, permissions.App{PubKey: client, Name: label}); err != nil {
		return "", err
	}
	if seed {
		if err := s.perms.SeedFromConnect(ctx, client, m.RequestedPermissions, grant); err != nil {
			return "", err
		}
	}
	if _, err := s.sessions.StartSession(ctx, client, sessions.TypeBunker); err != nil {
		return "", err
	}

	s.log.Info("app connected", "client", client, "new", !known)
	return "ack", nil
}

// registerApp stores the app, keeping a NIP-05 label only if it resolves to the app's key.
func (s *Signer) registerApp(ctx context.Context, app permissions.App) (permissions.App, error) {
	if s.resolver != nil && nip05.IsValidIdentifier(app.Name) {
		ok, err := s.resolver.Verify(ctx, app.Name, app.PubKey)
		if err != nil {
			s.log.Debug("failed to verify app nip05", "client", app.PubKey, "nip05", app.Name, "err", err)
		}
		if ok {
			app.NIP05 = nip05.NormalizeIdentifier(app.Name)
		}
	}
	return s.perms.RegisterApp(ctx, app)
}

// knownApp returns the app if it went through connect. If it has no open session, for
// example because we restarted, a new one is started.
func (s *Signer) knownApp(ctx context.Context, client string) (permissions.App, error) {
	app, err := s.perms.App(ctx, client)
	if errors.Is(err, permissions.ErrUnknownApp) {
		return app, ErrNotConnected
	}
	if err != nil {
		return app, err
	}
	if _, err := s.sessions.StartSession(ctx, client, sessions.TypeBunker); err != nil {
		return app, err
	}
	return app, nil
}

// authorized checks the stored permission for m, asking the user when there is none.
// Harmless methods are allowed without asking unless the user denied them.
func (s *Signer) authorized(ctx context.Context, m nip46.Method) (permissions.App, error) {
	app, err := s.knownApp(ctx, m.Client())
	if err != nil {
		return app, err
	}

	action, err := s.perms.Evaluate(ctx, app.PubKey, m)
	if err != nil {
		return app, err
	}
	switch action {
	case permissions.Allow:
		return app, nil
	case permissions.Deny:
		return app, ErrPermissionDenied
	}
	if nip46.IsHarmless(m) {
		return app, nil
	}

	d, err := s.askUser(ctx, app, m)
	if err != nil {
		return app, err
	}
	if d.Remember && d.Action.IsValid() {
		if err := s.perms.RecordDecision(ctx, app.PubKey, nip46.PermissionID(m), d.Action); err != nil {
			s.log.Warn("failed to remember decision", "client", app.PubKey, "method", m.Tag(), "err", err)
		}
	}
	if d.Action != permissions.Allow {
		return app, ErrPermissionDenied
	}
	return app, nil
}

// askUser blocks this request, and only this one, until the user answers, the approval
// timeout expires or the app's session ends.
func (s *Signer) askUser(ctx context.Context, app permissions.App, m nip46.Method) (Decision, error) {
	if s.prompt == nil {
		return Decision{}, fmt.Errorf("%w: nobody to ask", ErrPermissionDenied)
	}

	ctx, cancelTimeout := context.WithTimeoutCause(ctx, s.approvalTimeout, ErrApprovalTimeout)
	defer cancelTimeout()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	defer s.asks.add(app.PubKey, cancel)()

	type answer struct {
		d   Decision
		err error
	}
	answers := make(chan answer, 1)
	start := time.Now()
	go func() {
		d, err := s.prompt.Ask(ctx, app, m)
		answers <- answer{d, err}
	}()

	select {
	case a := <-answers:
		s.metrics.ApprovalLatency.Observe(time.Since(start).Seconds())
		if ctx.Err() != nil {
			return Decision{}, context.Cause(ctx)
		}
		if a.err != nil {
			return Decision{}, fmt.Errorf("%w: %w", ErrPermissionDenied, a.err)
		}
		return a.d, nil
	case <-ctx.Done():
		return Decision{}, context.Cause(ctx)
	}
}

// askRegistry lets us cancel every pending approval of an app at once.
type askRegistry struct {
	mu     sync.Mutex
	serial uint64
	byApp  map[string]map[uint64]context.CancelCauseFunc
}

func newAskRegistry() *askRegistry {
	return &askRegistry{byApp: make(map[string]map[uint64]context.CancelCauseFunc)}
}

func (r *askRegistry) add(app string, cancel context.CancelCauseFunc) (remove func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.serial++
	n := r.serial
	if r.byApp[app] == nil {
		r.byApp[app] = make(map[uint64]context.CancelCauseFunc)
	}
	r.byApp[app][n] = cancel

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.byApp[app], n)
		if len(r.byApp[app]) == 0 {
			delete(r.byApp, app)
		}
	}
}

func (r *askRegistry) cancelApp(app string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.byApp[app] {
		cancel(cause)
	}
}

func (r *askRegistry) pending(app string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byApp[app])
}
