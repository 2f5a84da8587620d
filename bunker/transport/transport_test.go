package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr-bunker"
	"github.com/nbd-wtf/go-nostr-bunker/keyer"
	"github.com/nbd-wtf/go-nostr-bunker/keyring"
	"github.com/nbd-wtf/go-nostr-bunker/nip04"
	"github.com/nbd-wtf/go-nostr-bunker/nip44"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(khatru.NewRelay())
	t.Cleanup(srv.Close)
	return nostr.NormalizeURL(srv.URL)
}

func deadRelay(t *testing.T) string {
	srv := httptest.NewServer(khatru.NewRelay())
	url := nostr.NormalizeURL(srv.URL)
	srv.Close()
	return url
}

func newTransport(t *testing.T, relays []string, opts ...Option) (*RelayTransport, string) {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	provider, err := keyring.NewStaticProvider(sk)
	require.NoError(t, err)
	tr := New(keyer.New(provider), relays, opts...)
	t.Cleanup(tr.Close)
	pk, _ := nostr.GetPublicKey(sk)
	return tr, pk
}

type client struct {
	sk, pk string
	relay  *nostr.Relay
}

func newClient(t *testing.T, url string) client {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	relay, err := nostr.RelayConnect(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { relay.Close() })
	return client{sk, pk, relay}
}

func (c client) send(t *testing.T, signer string, content string) {
	evt := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindNostrConnect,
		Tags:      nostr.Tags{{"p", signer}},
		Content:   content,
	}
	require.NoError(t, evt.Sign(c.sk))
	require.NoError(t, c.relay.Publish(context.Background(), evt))
}

func (c client) listen(t *testing.T, signer string) *nostr.Subscription {
	sub, err := c.relay.Subscribe(context.Background(), nostr.Filters{{
		Kinds:   []int{nostr.KindNostrConnect},
		Authors: []string{signer},
		Tags:    nostr.TagMap{"p": {c.pk}},
	}})
	require.NoError(t, err)
	<-sub.EndOfStoredEvents
	time.Sleep(50 * time.Millisecond)
	return sub
}

func subscribe(t *testing.T, ctx context.Context, tr *RelayTransport) <-chan Command {
	commands, ready := tr.SubscribeToCommands(ctx)
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("subscription never confirmed")
	}
	time.Sleep(50 * time.Millisecond)
	return commands
}

func nextCommand(t *testing.T, commands <-chan Command) Command {
	select {
	case cmd := <-commands:
		return cmd
	case <-time.After(5 * time.Second):
		t.Fatal("no command")
		return Command{}
	}
}

func TestRoundtripNIP44(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url := startRelay(t)
	tr, signer := newTransport(t, []string{url})
	require.NoError(t, tr.Connect(ctx))
	commands := subscribe(t, ctx, tr)

	c := newClient(t, url)
	ck, err := nip44.GenerateConversationKey(signer, c.sk)
	require.NoError(t, err)

	request := `{"id":"1","method":"ping","params":[]}`
	ciphertext, err := nip44.Encrypt(request, ck)
	require.NoError(t, err)
	responses := c.listen(t, signer)
	c.send(t, signer, ciphertext)

	cmd := nextCommand(t, commands)
	assert.Equal(t, c.pk, cmd.ClientPubKey)
	assert.Equal(t, request, string(cmd.Plaintext))
	assert.Equal(t, NIP44, cmd.Scheme)
	assert.Equal(t, url, cmd.Relay)

	require.NoError(t, tr.PublishResponse(ctx, c.pk, cmd.Scheme, []byte(`{"id":"1","result":"pong"}`)))

	select {
	case evt := <-responses.Events:
		assert.Equal(t, signer, evt.PubKey)
		plaintext, err := nip44.Decrypt(evt.Content, ck)
		require.NoError(t, err)
		assert.Equal(t, `{"id":"1","result":"pong"}`, plaintext)
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
	}
}

func TestLegacyClientGetsLegacyResponse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url := startRelay(t)
	tr, signer := newTransport(t, []string{url})
	require.NoError(t, tr.Connect(ctx))
	commands := subscribe(t, ctx, tr)

	c := newClient(t, url)
	shared, err := nip04.ComputeSharedSecret(signer, c.sk)
	require.NoError(t, err)

	ciphertext, err := nip04.Encrypt(`{"id":"2","method":"get_public_key","params":[]}`, shared)
	require.NoError(t, err)
	responses := c.listen(t, signer)
	c.send(t, signer, ciphertext)

	cmd := nextCommand(t, commands)
	assert.Equal(t, NIP04, cmd.Scheme)

	require.NoError(t, tr.PublishResponse(ctx, c.pk, cmd.Scheme, []byte(`{"id":"2","result":"x"}`)))
	select {
	case evt := <-responses.Events:
		assert.Contains(t, evt.Content, "?iv=")
		plaintext, err := nip04.Decrypt(evt.Content, shared)
		require.NoError(t, err)
		assert.Equal(t, `{"id":"2","result":"x"}`, plaintext)
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
	}
}

func TestEachResponseUsesItsRequestScheme(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url := startRelay(t)
	tr, signer := newTransport(t, []string{url})
	require.NoError(t, tr.Connect(ctx))
	commands := subscribe(t, ctx, tr)

	c := newClient(t, url)
	shared, err := nip04.ComputeSharedSecret(signer, c.sk)
	require.NoError(t, err)
	ck, err := nip44.GenerateConversationKey(signer, c.sk)
	require.NoError(t, err)
	responses := c.listen(t, signer)

	legacy, err := nip04.Encrypt(`{"id":"old","method":"ping","params":[]}`, shared)
	require.NoError(t, err)
	c.send(t, signer, legacy)
	old := nextCommand(t, commands)
	require.Equal(t, NIP04, old.Scheme)

	// the same client switches to nip44 while the legacy request is still pending
	current, err := nip44.Encrypt(`{"id":"new","method":"ping","params":[]}`, ck)
	require.NoError(t, err)
	c.send(t, signer, current)
	recent := nextCommand(t, commands)
	require.Equal(t, NIP44, recent.Scheme)

	require.NoError(t, tr.PublishResponse(ctx, c.pk, old.Scheme, []byte(`{"id":"old","result":"pong"}`)))
	select {
	case evt := <-responses.Events:
		plaintext, err := nip04.Decrypt(evt.Content, shared)
		require.NoError(t, err)
		assert.Equal(t, `{"id":"old","result":"pong"}`, plaintext)
	case <-time.After(5 * time.Second):
		t.Fatal("no response to the legacy request")
	}

	require.NoError(t, tr.PublishResponse(ctx, c.pk, recent.Scheme, []byte(`{"id":"new","result":"pong"}`)))
	select {
	case evt := <-responses.Events:
		plaintext, err := nip44.Decrypt(evt.Content, ck)
		require.NoError(t, err)
		assert.Equal(t, `{"id":"new","result":"pong"}`, plaintext)
	case <-time.After(5 * time.Second):
		t.Fatal("no response to the nip44 request")
	}
}

func TestUndecryptableEventIsSkipped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url := startRelay(t)
	tr, signer := newTransport(t, []string{url})
	require.NoError(t, tr.Connect(ctx))
	commands := subscribe(t, ctx, tr)

	c := newClient(t, url)
	c.send(t, signer, "this is not a ciphertext")

	ck, _ := nip44.GenerateConversationKey(signer, c.sk)
	ciphertext, _ := nip44.Encrypt(`{"id":"3","method":"ping","params":[]}`, ck)
	c.send(t, signer, ciphertext)

	cmd := nextCommand(t, commands)
	assert.Equal(t, `{"id":"3","method":"ping","params":[]}`, string(cmd.Plaintext))
}

func TestConnectFailsWithoutRelays(t *testing.T) {
	tr, _ := newTransport(t, []string{deadRelay(t)})
	err := tr.Connect(context.Background())
	assert.ErrorIs(t, err, ErrRelayDisconnected)
}

func TestPublishFailure(t *testing.T) {
	tr, _ := newTransport(t, []string{deadRelay(t)})
	client, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	err := tr.PublishResponse(context.Background(), client, NIP44, []byte(`{"id":"4","result":"pong"}`))
	assert.ErrorIs(t, err, ErrPublishFailure)
}

func TestRelayStatus(t *testing.T) {
	ctx := context.Background()
	url := startRelay(t)

	mu := sync.Mutex{}
	var changes []string
	tr, _ := newTransport(t, []string{url, deadRelay(t)}, WithStatusHandler(func(url string, up bool) {
		mu.Lock()
		defer mu.Unlock()
		if up {
			changes = append(changes, "up "+url)
		} else {
			changes = append(changes, "down "+url)
		}
	}))

	require.NoError(t, tr.Connect(ctx))
	assert.Equal(t, 1, tr.ActiveRelayCount())

	mu.Lock()
	assert.Equal(t, []string{"up " + url}, changes)
	mu.Unlock()

	// reporting the same state twice is not a change
	tr.statusChanged(url, true)
	tr.statusChanged(url, false)
	tr.statusChanged(url, false)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.True(t, strings.HasPrefix(changes[1], "down "))
	assert.Equal(t, 0, tr.ActiveRelayCount())
}
