// Package bunker is a NIP-46 remote signer: it listens for requests addressed to the
// user's key, checks what each connected app is allowed to do, signs or encrypts on
// its behalf and sends the results back through the relays.
package bunker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr-bunker/bunker/ledger"
	"github.com/nbd-wtf/go-nostr-bunker/bunker/permissions"
	"github.com/nbd-wtf/go-nostr-bunker/bunker/sessions"
	"github.com/nbd-wtf/go-nostr-bunker/bunker/transport"
	"github.com/nbd-wtf/go-nostr-bunker/nip05"
	"github.com/nbd-wtf/go-nostr-bunker/nip46"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

// Transport is how the signer reaches its clients. *transport.RelayTransport implements it.
type Transport interface {
	Connect(ctx context.Context) error
	SubscribeToCommands(ctx context.Context) (<-chan transport.Command, <-chan struct{})
	PublishResponse(ctx context.Context, client string, scheme transport.Scheme, payload []byte) error
	PublishResponseTo(ctx context.Context, relays []string, client string, scheme transport.Scheme, payload []byte) error
	Relays() []string
	Close()
}

var _ Transport = (*transport.RelayTransport)(nil)

// ApprovalPrompt asks the user about a request that no stored permission covers.
// Ask must return when ctx is done.
type ApprovalPrompt interface {
	Ask(ctx context.Context, app permissions.App, m nip46.Method) (Decision, error)
}

// Decision is the user's answer to an ApprovalPrompt.
type Decision struct {
	Action permissions.Action

	// Remember stores Action for this kind of request so the user is not asked again.
	// On connect it grants the requested permissions.
	Remember bool

	// Label names the app, only looked at on connect. A NIP-05 identifier is verified
	// against the app's key before being kept as such.
	Label string
}

// Components are the services a Signer is built from.
type Components struct {
	Keyer       transport.Keyer
	Transport   Transport
	Permissions *permissions.Engine
	Sessions    *sessions.Tracker
	Ledger      ledger.Ledger
	Prompt      ApprovalPrompt
}

type Options struct {
	Logger *slog.Logger

	// ApprovalTimeout bounds how long a request waits for the user. Defaults to 2 minutes.
	ApprovalTimeout time.Duration

	// RateLimit is the number of requests per second allowed to each client, with bursts
	// of up to RateBurst. Zero disables rate limiting.
	RateLimit rate.Limit
	RateBurst int

	// Secrets are accepted once each on connect, in place of asking the user.
	Secrets []string

	// SecretAction is what a connect with a valid secret grants for the permissions it
	// requested. Defaults to Ask.
	SecretAction permissions.Action

	// PublishAttempts is how many times a response is tried before giving up. Defaults to 3.
	PublishAttempts int

	Metrics  *Metrics
	Resolver *nip05.Resolver
}

type Signer struct {
	keyer     transport.Keyer
	transport Transport
	perms     *permissions.Engine
	sessions  *sessions.Tracker
	ledger    ledger.Ledger
	prompt    ApprovalPrompt

	log             *slog.Logger
	metrics         *Metrics
	resolver        *nip05.Resolver
	limiter         *clientLimiter
	approvalTimeout time.Duration
	secretAction    permissions.Action
	publishAttempts int

	secrets *xsync.MapOf[string, struct{}]
	asks    *askRegistry
	wg      sync.WaitGroup
}

func New(c Components, opts Options) *Signer {
	s := &Signer{
		keyer:     c.Keyer,
		transport: c.Transport,
		perms:     c.Permissions,
		sessions:  c.Sessions,
		ledger:    c.Ledger,
		prompt:    c.Prompt,

		log:             opts.Logger,
		metrics:         opts.Metrics,
		resolver:        opts.Resolver,
		limiter:         newClientLimiter(opts.RateLimit, opts.RateBurst),
		approvalTimeout: opts.ApprovalTimeout,
		secretAction:    opts.SecretAction,
		publishAttempts: opts.PublishAttempts,

		secrets: xsync.NewMapOf[string, struct{}](),
		asks:    newAskRegistry(),
	}

	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.approvalTimeout <= 0 {
		s.approvalTimeout = 2 * time.Minute
	}
	if !s.secretAction.IsValid() {
		s.secretAction = permissions.Ask
	}
	if s.publishAttempts <= 0 {
		s.publishAttempts = 3
	}
	for _, secret := range opts.Secrets {
		s.AddSecret(secret)
	}

	s.perms.OnRevoke(func(ctx context.Context, app string) {
		if err := s.sessions.EndApp(ctx, app); err != nil {
			s.log.Warn("failed to end sessions of revoked app", "app", app, "err", err)
		}
	})
	s.sessions.OnEnd(func(session sessions.Session) {
		s.asks.cancelApp(session.App, errSessionEnded)
	})

	return s
}

var errSessionEnded = errors.New("session ended")

// publishTimeout bounds all attempts at publishing one response.
const publishTimeout = 15 * time.Second

// AddSecret makes secret valid for one connect.
func (s *Signer) AddSecret(secret string) {
	if secret != "" {
		s.secrets.Store(secret, struct{}{})
	}
}

func (s *Signer) useSecret(secret string) bool {
	_, ok := s.secrets.LoadAndDelete(secret)
	return ok
}

// Run serves requests until ctx is canceled. Sessions left open by a previous run are
// ended before starting and the ones opened during this run are ended when it returns.
func (s *Signer) Run(ctx context.Context) error {
	if err := s.sessions.EndAllActive(ctx); err != nil {
		return fmt.Errorf("failed to end stale sessions: %w", err)
	}
	if err := s.transport.Connect(ctx); err != nil {
		return err
	}

	commands, ready := s.transport.SubscribeToCommands(ctx)
	go func() {
		select {
		case <-ready:
			s.log.Info("listening for requests", "relays", s.transport.Relays())
			if err := s.sessions.SubscriptionConfirmed(ctx); err != nil {
				s.log.Warn("failed to activate sessions", "err", err)
			}
		case <-ctx.Done():
		}
	}()

	for cmd := range commands {
		s.wg.Add(1)
		go func(cmd transport.Command) {
			defer s.wg.Done()
			s.handle(ctx, cmd)
		}(cmd)
	}
	s.wg.Wait()

	s.sessions.SubscriptionLost()
	tctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.sessions.EndAllActive(tctx); err != nil {
		s.log.Warn("failed to end sessions on shutdown", "err", err)
	}

	return ctx.Err()
}

// RelayStatusChanged must be called by the transport when a relay goes up or down.
func (s *Signer) RelayStatusChanged(url string, up bool) {
	delta := -1
	if up {
		delta = 1
		s.metrics.ActiveRelays.Inc()
	} else {
		s.metrics.ActiveRelays.Dec()
	}
	if err := s.sessions.AdjustRelayCount(context.Background(), delta); err != nil {
		s.log.Warn("failed to update relay count", "relay", url, "err", err)
	}
}

func (s *Signer) handle(ctx context.Context, cmd transport.Command) {
	requestedAt := time.Now()
	client := cmd.ClientPubKey

	m, perr := nip46.Decode(client, cmd.Plaintext)
	if perr != nil {
		if !perr.Recoverable() {
			s.log.Warn("dropping unreadable request", "client", client, "event", cmd.Event.ID, "err", perr)
			s.metrics.Dropped.WithLabelValues("unreadable").Inc()
			return
		}
		if !s.claim(ctx, client, perr.ID) {
			return
		}
		s.log.Info("invalid request", "client", client, "id", perr.ID, "err", perr)
		s.respond(ctx, cmd, "invalid", nil, nip46.Failure(perr.ID, client, perr.Reason), requestedAt)
		return
	}

	id := m.RequestID()
	if !s.claim(ctx, client, id) {
		return
	}

	var resp nip46.Response
	if !s.limiter.allow(client, requestedAt) {
		resp = nip46.Failure(id, client, errorMessage(ErrRateLimited))
	} else if result, err := s.dispatch(ctx, m); err != nil {
		s.log.Info("request failed", "client", client, "id", id, "method", m.Tag(), "err", err)
		resp = nip46.Failure(id, client, errorMessage(err))
	} else {
		s.log.Debug("request served", "client", client, "id", id, "method", m.Tag())
		resp = nip46.Success(id, client, result)
	}

	var kind *int
	if se, ok := m.(nip46.SignEvent); ok {
		kind = &se.Event.Kind
	}
	s.respond(ctx, cmd, m.Tag(), kind, resp, requestedAt)
}

// claim makes sure only one worker ever answers a given request.
func (s *Signer) claim(ctx context.Context, client, id string) bool {
	ok, err := s.ledger.Claim(ctx, client, id)
	if err != nil {
		s.log.Error("failed to claim request", "client", client, "id", id, "err", err)
		s.metrics.Dropped.WithLabelValues("ledger").Inc()
		return false
	}
	if !ok {
		s.log.Debug("duplicate request", "client", client, "id", id)
		s.metrics.Dropped.WithLabelValues("duplicate").Inc()
	}
	return ok
}

func (s *Signer) respond(
	ctx context.Context,
	cmd transport.Command,
	method string,
	kind *int,
	resp nip46.Response,
	requestedAt time.Time,
) {
	payload := nip46.Encode(resp)

	// the request is already claimed, so the answer goes out even while shutting down
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	var err error
	delay := 500 * time.Millisecond
	for attempt := 0; attempt < s.publishAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
			}
		}
		if err = s.transport.PublishResponse(ctx, cmd.ClientPubKey, cmd.Scheme, payload); err == nil || ctx.Err() != nil {
			break
		}
	}

	outcome := "success"
	if resp.IsError() {
		outcome = "error"
	}
	if err != nil {
		s.log.Error("failed to publish response", "client", cmd.ClientPubKey, "id", resp.ID, "method", method, "err", err)
		outcome = "unpublished"
		if rerr := s.ledger.Release(ctx, cmd.ClientPubKey, resp.ID); rerr != nil {
			s.log.Warn("failed to release claim", "client", cmd.ClientPubKey, "id", resp.ID, "err", rerr)
		}
	}
	s.metrics.Requests.WithLabelValues(method, outcome).Inc()

	s.audit(ctx, sessions.Event{
		ClientPubKey: cmd.ClientPubKey,
		Method:       method,
		EventKind:    kind,
		Success:      err == nil && !resp.IsError(),
		Request:      string(cmd.Plaintext),
		Response:     string(payload),
		RequestedAt:  requestedAt,
		CompletedAt:  time.Now(),
	})
}

// audit records the request in the app's open session. Requests from apps without one
// are only logged.
func (s *Signer) audit(ctx context.Context, evt sessions.Event) {
	session, ok, err := s.sessions.Current(ctx, evt.ClientPubKey)
	if err != nil {
		s.log.Warn("failed to load session", "client", evt.ClientPubKey, "err", err)
		return
	}
	if !ok {
		return
	}

	evt.SessionID = session.ID
	if err := s.sessions.LogEvent(ctx, evt); err != nil {
		s.log.Warn("failed to log session event", "client", evt.ClientPubKey, "err", err)
	}
	if err := s.perms.Touch(ctx, evt.ClientPubKey); err != nil {
		s.log.Debug("failed to touch app", "client", evt.ClientPubKey, "err", err)
	}
}
