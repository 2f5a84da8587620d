package bunker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/nbd-wtf/go-nostr-bunker/bunker/permissions"
	"github.com/nbd-wtf/go-nostr-bunker/bunker/sessions"
	"github.com/nbd-wtf/go-nostr-bunker/bunker/transport"
	"github.com/nbd-wtf/go-nostr-bunker/nip46"
)

// AcceptNostrConnect answers a nostrconnect:// uri the user got from a client. The app
// is registered, its requested permissions get grant, and the client is told who we are
// by echoing its secret on the relays it listens to.
func (s *Signer) AcceptNostrConnect(ctx context.Context, uri string, grant permissions.Action) (permissions.App, error) {
	req, err := nip46.ParseNostrConnectURI(uri)
	if err != nil {
		return permissions.App{}, err
	}
	if !grant.IsValid() {
		return permissions.App{}, fmt.Errorf("invalid action '%s'", grant)
	}

	ours := s.transport.Relays()
	if !slices.ContainsFunc(req.Relays, func(r string) bool { return slices.Contains(ours, r) }) {
		s.log.Warn("client relays don't overlap with ours, it won't reach us",
			"client", req.ClientPubKey, "theirs", req.Relays, "ours", ours)
	}

	app, err := s.registerApp(ctx, permissions.App{PubKey: req.ClientPubKey, Name: req.Name, URL: req.URL})
	if err != nil {
		return app, err
	}
	if err := s.perms.SeedFromConnect(ctx, app.PubKey, req.Permissions, grant); err != nil {
		return app, err
	}
	if _, err := s.sessions.StartSession(ctx, app.PubKey, sessions.TypeNostrConnect); err != nil {
		return app, err
	}

	idb := make([]byte, 8)
	rand.Read(idb)
	resp := nip46.Success(hex.EncodeToString(idb), app.PubKey, req.Secret)
	if err := s.transport.PublishResponseTo(ctx, req.Relays, app.PubKey, transport.NIP44, nip46.Encode(resp)); err != nil {
		return app, err
	}

	s.log.Info("accepted nostrconnect", "client", app.PubKey, "name", app.Name)
	return app, nil
}
