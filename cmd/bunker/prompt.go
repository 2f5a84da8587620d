package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr-bunker"
	"github.com/nbd-wtf/go-nostr-bunker/bunker"
	"github.com/nbd-wtf/go-nostr-bunker/bunker/permissions"
	"github.com/nbd-wtf/go-nostr-bunker/nip19"
	"github.com/nbd-wtf/go-nostr-bunker/nip46"
)

var _ bunker.ApprovalPrompt = (*terminalPrompt)(nil)

// terminalPrompt asks on the terminal, one question at a time.
type terminalPrompt struct {
	out   io.Writer
	lines chan string
	mu    sync.Mutex
}

func newTerminalPrompt(in io.Reader, out io.Writer) *terminalPrompt {
	p := &terminalPrompt{out: out, lines: make(chan string)}
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			p.lines <- strings.TrimSpace(scanner.Text())
		}
		close(p.lines)
	}()
	return p
}

func (p *terminalPrompt) Ask(ctx context.Context, app permissions.App, m nip46.Method) (bunker.Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := m.(nip46.Connect); ok {
		fmt.Fprintf(p.out, "\n%s wants to connect.\n", describeApp(app))
		fmt.Fprint(p.out, "[y]es, [t]rust it with what it asked for, [n]o; optionally followed by a name: ")
	} else {
		fmt.Fprintf(p.out, "\n%s wants to %s.\n", describeApp(app), describeMethod(m))
		fmt.Fprint(p.out, "[y]es once, [a]lways, [n]o once, n[e]ver: ")
	}

	select {
	case line, ok := <-p.lines:
		if !ok {
			return bunker.Decision{}, io.EOF
		}
		answer, label, _ := strings.Cut(line, " ")
		d := parseAnswer(strings.ToLower(answer))
		d.Label = strings.TrimSpace(label)
		return d, nil
	case <-ctx.Done():
		fmt.Fprintln(p.out, "\n(too late)")
		return bunker.Decision{}, ctx.Err()
	}
}

func parseAnswer(answer string) bunker.Decision {
	switch answer {
	case "y", "yes":
		return bunker.Decision{Action: permissions.Allow}
	case "a", "always", "t", "trust":
		return bunker.Decision{Action: permissions.Allow, Remember: true}
	case "e", "never":
		return bunker.Decision{Action: permissions.Deny, Remember: true}
	default:
		return bunker.Decision{Action: permissions.Deny}
	}
}

func describeApp(app permissions.App) string {
	npub, _ := nip19.EncodePublicKey(app.PubKey)
	switch {
	case app.NIP05 != "":
		return fmt.Sprintf("%s (%s)", app.NIP05, npub)
	case app.Name != "":
		return fmt.Sprintf("%s (%s)", app.Name, npub)
	default:
		return npub
	}
}

func describeMethod(m nip46.Method) string {
	switch m := m.(type) {
	case nip46.SignEvent:
		content := m.Event.Content
		if len(content) > 120 {
			content = content[:120] + "…"
		}
		return fmt.Sprintf("sign a %s: %q", nostr.KindName(m.Event.Kind), content)
	case nip46.Nip04Encrypt, nip46.Nip44Encrypt:
		return "encrypt a message"
	case nip46.Nip04Decrypt, nip46.Nip44Decrypt:
		return "decrypt a message"
	case nip46.SwitchRelays:
		return "ask which relays to use"
	default:
		return m.Tag()
	}
}
