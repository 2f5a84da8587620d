package nostr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

// newRelayServer starts a fake relay that hands every accepted websocket to handler.
func newRelayServer(t *testing.T, handler func(ctx context.Context, conn *ws.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readEnvelope(ctx context.Context, t *testing.T, conn *ws.Conn) Envelope {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil
	}
	env := ParseMessage(data)
	require.NotNil(t, env, "couldn't parse %s", data)
	return env
}

func writeEnvelope(ctx context.Context, conn *ws.Conn, env Envelope) error {
	b, _ := env.MarshalJSON()
	return conn.Write(ctx, ws.MessageText, b)
}

func makeSignedEvent(t *testing.T, sk string, content string) Event {
	evt := Event{
		CreatedAt: Timestamp(1672068534),
		Kind:      KindNostrConnect,
		Tags:      Tags{{"p", "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"}},
		Content:   content,
	}
	require.NoError(t, evt.Sign(sk))
	return evt
}

func TestPublish(t *testing.T) {
	sk := GeneratePrivateKey()
	textNote := makeSignedEvent(t, sk, "hello")

	var published atomic.Bool
	srv := newRelayServer(t, func(ctx context.Context, conn *ws.Conn) {
		env := readEnvelope(ctx, t, conn)
		evt, ok := env.(*EventEnvelope)
		require.True(t, ok)
		require.Equal(t, textNote.Serialize(), evt.Event.Serialize())
		published.Store(true)

		writeEnvelope(ctx, conn, &OKEnvelope{EventID: textNote.ID, OK: true})
		conn.Read(ctx) // wait for the client to go away
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relay, err := RelayConnect(ctx, srv.URL)
	require.NoError(t, err)
	defer relay.Close()

	require.True(t, relay.IsConnected())
	require.NoError(t, relay.Publish(ctx, textNote))
	require.True(t, published.Load())
}

func TestPublishBlocked(t *testing.T) {
	sk := GeneratePrivateKey()
	textNote := makeSignedEvent(t, sk, "hello")

	srv := newRelayServer(t, func(ctx context.Context, conn *ws.Conn) {
		readEnvelope(ctx, t, conn)
		writeEnvelope(ctx, conn, &OKEnvelope{EventID: textNote.ID, OK: false, Reason: "blocked: no thanks"})
		conn.Read(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relay, err := RelayConnect(ctx, srv.URL)
	require.NoError(t, err)
	defer relay.Close()

	err = relay.Publish(ctx, textNote)
	require.ErrorContains(t, err, "blocked: no thanks")
}

func TestPublishTimeout(t *testing.T) {
	sk := GeneratePrivateKey()
	textNote := makeSignedEvent(t, sk, "hello")

	srv := newRelayServer(t, func(ctx context.Context, conn *ws.Conn) {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	relay, err := RelayConnect(context.Background(), srv.URL)
	require.NoError(t, err)
	defer relay.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err = relay.Publish(ctx, textNote)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	relay, err := RelayConnect(ctx, url)
	require.Error(t, err)
	require.False(t, relay.IsConnected())
}

func TestSubscribe(t *testing.T) {
	sk := GeneratePrivateKey()
	good := makeSignedEvent(t, sk, "good")
	forged := makeSignedEvent(t, sk, "forged")
	forged.Content = "tampered"
	otherKind := makeSignedEvent(t, sk, "other")
	otherKind.Kind = 1
	otherKind.Sign(sk)

	srv := newRelayServer(t, func(ctx context.Context, conn *ws.Conn) {
		env := readEnvelope(ctx, t, conn)
		req, ok := env.(*ReqEnvelope)
		require.True(t, ok)
		subID := req.SubscriptionID

		// events that don't match or have bad signatures are dropped by the client
		writeEnvelope(ctx, conn, &EventEnvelope{SubscriptionID: &subID, Event: otherKind})
		writeEnvelope(ctx, conn, &EventEnvelope{SubscriptionID: &subID, Event: forged})
		writeEnvelope(ctx, conn, &EventEnvelope{SubscriptionID: &subID, Event: good})
		eose := EOSEEnvelope(subID)
		writeEnvelope(ctx, conn, &eose)

		// next we should get a CLOSE
		env = readEnvelope(ctx, t, conn)
		if env != nil {
			closeEnv, ok := env.(*CloseEnvelope)
			require.True(t, ok)
			require.Equal(t, subID, string(*closeEnv))
		}
		conn.Read(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relay, err := RelayConnect(ctx, srv.URL)
	require.NoError(t, err)
	defer relay.Close()

	sub, err := relay.Subscribe(ctx, Filters{{Kinds: []int{KindNostrConnect}}}, WithLabel("test"))
	require.NoError(t, err)
	require.Contains(t, sub.GetID(), ":test")

	select {
	case evt := <-sub.Events:
		require.Equal(t, good.ID, evt.ID)
	case <-ctx.Done():
		t.Fatal("didn't get the event")
	}

	select {
	case <-sub.EndOfStoredEvents:
	case <-ctx.Done():
		t.Fatal("didn't get EOSE")
	}

	sub.Unsub()
	_, more := <-sub.Events
	require.False(t, more)
}

func TestSubscriptionClosedByRelay(t *testing.T) {
	srv := newRelayServer(t, func(ctx context.Context, conn *ws.Conn) {
		env := readEnvelope(ctx, t, conn)
		req := env.(*ReqEnvelope)
		writeEnvelope(ctx, conn, &ClosedEnvelope{SubscriptionID: req.SubscriptionID, Reason: "error: go away"})
		conn.Read(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relay, err := RelayConnect(ctx, srv.URL)
	require.NoError(t, err)
	defer relay.Close()

	sub, err := relay.Subscribe(ctx, Filters{{Kinds: []int{KindNostrConnect}}})
	require.NoError(t, err)

	select {
	case reason := <-sub.ClosedReason:
		require.Equal(t, "error: go away", reason)
	case <-ctx.Done():
		t.Fatal("didn't get CLOSED")
	}

	<-sub.Context.Done()
	for range sub.Events {
	}
}

func TestRelayDisconnectEndsSubscriptions(t *testing.T) {
	srv := newRelayServer(t, func(ctx context.Context, conn *ws.Conn) {
		readEnvelope(ctx, t, conn)
		conn.Close(ws.StatusGoingAway, "shutting down")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relay, err := RelayConnect(ctx, srv.URL)
	require.NoError(t, err)

	sub, err := relay.Subscribe(ctx, Filters{{Kinds: []int{KindNostrConnect}}})
	require.NoError(t, err)

	select {
	case _, more := <-sub.Events:
		require.False(t, more)
	case <-ctx.Done():
		t.Fatal("subscription wasn't closed")
	}

	select {
	case <-relay.Context().Done():
	case <-ctx.Done():
		t.Fatal("relay context wasn't canceled")
	}
	require.False(t, relay.IsConnected())
}
