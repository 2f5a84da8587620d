package nip46

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync/atomic"

	"github.com/mailru/easyjson"
	"github.com/nbd-wtf/go-nostr-bunker"
	"github.com/nbd-wtf/go-nostr-bunker/nip44"
	"github.com/puzpuzpuz/xsync/v3"
)

// BunkerClient talks to a remote signer. It is the other side of the protocol and is
// mostly useful for checking that a bunker is reachable and answering.
type BunkerClient struct {
	serial          atomic.Uint64
	clientSecretKey string
	clientPubKey    string
	pool            *nostr.SimplePool
	target          string
	relays          []string
	conversationKey [32]byte
	listeners       *xsync.MapOf[string, chan Response]
	idPrefix        string
	ready           chan struct{}

	getPublicKeyResponse atomic.Pointer[string]
}

// ConnectBunker establishes an RPC connection to a NIP-46 signer using the relays and secret
// provided in the bunkerURL. pool can be passed to reuse an existing pool, otherwise a new
// pool will be created.
func ConnectBunker(
	ctx context.Context,
	clientSecretKey string,
	bunkerURL string,
	pool *nostr.SimplePool,
	perms ...string,
) (*BunkerClient, error) {
	parsed, err := ParseBunkerURL(bunkerURL)
	if err != nil {
		return nil, err
	}

	bunker, err := NewBunkerClient(ctx, clientSecretKey, parsed.PubKey, parsed.Relays, pool)
	if err != nil {
		return nil, err
	}

	_, err = bunker.RPC(ctx, MethodConnect, parsed.PubKey, parsed.Secret, FormatPermissions(perms))
	return bunker, err
}

// NewBunkerClient starts listening for responses from targetPublicKey without sending
// a connect request.
func NewBunkerClient(
	ctx context.Context,
	clientSecretKey string,
	targetPublicKey string,
	relays []string,
	pool *nostr.SimplePool,
) (*BunkerClient, error) {
	clientPubKey, err := nostr.GetPublicKey(clientSecretKey)
	if err != nil {
		return nil, fmt.Errorf("invalid client secret key: %w", err)
	}

	ck, err := nip44.GenerateConversationKey(targetPublicKey, clientSecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute conversation key: %w", err)
	}

	if pool == nil {
		pool = nostr.NewSimplePool(ctx)
	}

	bunker := &BunkerClient{
		clientSecretKey: clientSecretKey,
		clientPubKey:    clientPubKey,
		pool:            pool,
		target:          targetPublicKey,
		relays:          relays,
		conversationKey: ck,
		listeners:       xsync.NewMapOf[string, chan Response](),
		idPrefix:        "gnb-" + strconv.Itoa(rand.IntN(65536)),
		ready:           make(chan struct{}),
	}

	now := nostr.Now()
	events := pool.SubManyNotifyEOSE(ctx, relays, nostr.Filters{
		{
			Tags:    nostr.TagMap{"p": []string{clientPubKey}},
			Kinds:   []int{nostr.KindNostrConnect},
			Authors: []string{targetPublicKey},
			Since:   &now,
		},
	}, bunker.ready)

	go func() {
		for ie := range events {
			plain, err := nip44.Decrypt(ie.Content, ck)
			if err != nil {
				continue
			}

			resp, err := DecodeResponse([]byte(plain))
			if err != nil {
				continue
			}

			if dispatcher, ok := bunker.listeners.LoadAndDelete(resp.ID); ok {
				dispatcher <- resp
			}
		}
	}()

	select {
	case <-bunker.ready:
	case <-ctx.Done():
		return nil, fmt.Errorf("no relay answered: %w", context.Cause(ctx))
	}

	return bunker, nil
}

func (bunker *BunkerClient) Ping(ctx context.Context) error {
	_, err := bunker.RPC(ctx, MethodPing)
	return err
}

func (bunker *BunkerClient) GetPublicKey(ctx context.Context) (string, error) {
	if pk := bunker.getPublicKeyResponse.Load(); pk != nil {
		return *pk, nil
	}
	resp, err := bunker.RPC(ctx, MethodGetPublicKey)
	if err != nil {
		return "", err
	}
	bunker.getPublicKeyResponse.Store(&resp)
	return resp, nil
}

func (bunker *BunkerClient) SignEvent(ctx context.Context, evt *nostr.Event) error {
	resp, err := bunker.RPC(ctx, MethodSignEvent, evt.String())
	if err == nil {
		err = easyjson.Unmarshal([]byte(resp), evt)
	}
	return err
}

func (bunker *BunkerClient) NIP44Encrypt(ctx context.Context, targetPublicKey string, plaintext string) (string, error) {
	return bunker.RPC(ctx, MethodNip44Encrypt, targetPublicKey, plaintext)
}

func (bunker *BunkerClient) NIP44Decrypt(ctx context.Context, targetPublicKey string, ciphertext string) (string, error) {
	return bunker.RPC(ctx, MethodNip44Decrypt, targetPublicKey, ciphertext)
}

// RPC sends a request and waits for the matching response or for ctx to end.
func (bunker *BunkerClient) RPC(ctx context.Context, method string, params ...string) (string, error) {
	id := bunker.idPrefix + "-" + strconv.FormatUint(bunker.serial.Add(1), 10)

	content, err := nip44.Encrypt(string(EncodeRequest(id, method, params...)), bunker.conversationKey)
	if err != nil {
		return "", fmt.Errorf("error encrypting request: %w", err)
	}

	evt := nostr.Event{
		Content:   content,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindNostrConnect,
		Tags:      nostr.Tags{{"p", bunker.target}},
	}
	if err := evt.Sign(bunker.clientSecretKey); err != nil {
		return "", fmt.Errorf("failed to sign request event: %w", err)
	}

	respWaiter := make(chan Response, 1)
	bunker.listeners.Store(id, respWaiter)
	defer bunker.listeners.Delete(id)

	hasWorked := false
	for res := range bunker.pool.PublishMany(ctx, bunker.relays, evt) {
		if res.Error == nil {
			hasWorked = true
		}
	}
	if !hasWorked {
		return "", errors.New("couldn't publish to any relay")
	}

	select {
	case resp := <-respWaiter:
		if resp.IsError() {
			return "", fmt.Errorf("response error: %s", resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return "", fmt.Errorf("no response to '%s': %w", method, context.Cause(ctx))
	}
}
