package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nbd-wtf/go-nostr-bunker"
	"github.com/nbd-wtf/go-nostr-bunker/bunker"
	"github.com/nbd-wtf/go-nostr-bunker/bunker/ledger"
	"github.com/nbd-wtf/go-nostr-bunker/bunker/permissions"
	"github.com/nbd-wtf/go-nostr-bunker/bunker/sessions"
	"github.com/nbd-wtf/go-nostr-bunker/bunker/sqlstore"
	"github.com/nbd-wtf/go-nostr-bunker/bunker/transport"
	"github.com/nbd-wtf/go-nostr-bunker/keyer"
	"github.com/nbd-wtf/go-nostr-bunker/keyring"
	"github.com/nbd-wtf/go-nostr-bunker/nip05"
	"github.com/nbd-wtf/go-nostr-bunker/nip19"
	"github.com/nbd-wtf/go-nostr-bunker/nip46"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "bunker",
		Short:        "NIP-46 remote signer",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the yaml config file")

	root.AddCommand(
		runCmd(),
		acceptCmd(),
		appsCmd(),
		revokeCmd(),
		sessionsCmd(),
		decisionCmd("allow", permissions.Allow),
		decisionCmd("deny", permissions.Deny),
		pingCmd(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// env is what every command needs: config, logger and the engine services.
type env struct {
	cfg      Config
	log      *slog.Logger
	store    *sqlstore.Store
	perms    *permissions.Engine
	sessions *sessions.Tracker
}

func openEnv() (*env, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	log := setupLogger(cfg.Log)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := sqlstore.Open(filepath.Join(cfg.DataDir, "bunker.sqlite"))
	if err != nil {
		return nil, err
	}

	return &env{
		cfg:      cfg,
		log:      log,
		store:    store,
		perms:    permissions.NewEngine(store, permissions.WithLogger(log)),
		sessions: sessions.NewTracker(store, sessions.WithLogger(log)),
	}, nil
}

func (e *env) Close() { e.store.Close() }

func (e *env) keyProvider() (keyring.Provider, error) {
	switch e.cfg.Key.Provider {
	case "static":
		return keyring.NewStaticProvider(e.cfg.Key.Secret)
	case "mnemonic":
		return keyring.NewMnemonicProvider(e.cfg.Key.Mnemonic)
	default:
		return keyring.OpenOS(keyring.OSConfig{
			ServiceName: e.cfg.Key.Service,
			Item:        e.cfg.Key.Item,
			FileDir:     filepath.Join(e.cfg.DataDir, "keys"),
			Create:      e.cfg.Key.Create != nil && *e.cfg.Key.Create,
		})
	}
}

// signer wires a Signer together with its transport and keyer.
func (e *env) signer(led ledger.Ledger, prompt bunker.ApprovalPrompt, reg prometheus.Registerer) (*bunker.Signer, *transport.RelayTransport, *keyer.KeySigner, error) {
	provider, err := e.keyProvider()
	if err != nil {
		return nil, nil, nil, err
	}
	ks := keyer.New(provider)

	var s *bunker.Signer
	tr := transport.New(ks, e.cfg.Relays,
		transport.WithLogger(e.log),
		transport.WithLookback(e.cfg.Lookback),
		transport.WithStatusHandler(func(url string, up bool) { s.RelayStatusChanged(url, up) }),
	)

	s = bunker.New(bunker.Components{
		Keyer:       ks,
		Transport:   tr,
		Permissions: e.perms,
		Sessions:    e.sessions,
		Ledger:      led,
		Prompt:      prompt,
	}, bunker.Options{
		Logger:          e.log,
		ApprovalTimeout: e.cfg.ApprovalTimeout,
		RateLimit:       rate.Limit(e.cfg.RateLimit),
		RateBurst:       e.cfg.RateBurst,
		SecretAction:    permissions.Action(e.cfg.SecretAction),
		Metrics:         bunker.NewMetrics(reg),
		Resolver:        nip05.NewResolver(),
	})
	return s, tr, ks, nil
}

func randomSecret() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the signer and print a bunker url for clients to connect with",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			led, err := ledger.OpenBadger(filepath.Join(e.cfg.DataDir, "ledger"), e.cfg.LedgerTTL, e.log)
			if err != nil {
				return err
			}
			defer led.Close()

			s, tr, ks, err := e.signer(led, newTerminalPrompt(os.Stdin, os.Stdout), prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			defer tr.Close()

			if e.cfg.MetricsAddr != "" {
				srv := &http.Server{Addr: e.cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						e.log.Error("metrics server failed", "err", err)
					}
				}()
				defer srv.Close()
			}

			pubkey, err := ks.GetPublicKey(cmd.Context())
			if err != nil {
				return err
			}

			secret := randomSecret()
			s.AddSecret(secret)
			url := nip46.BunkerURL{PubKey: pubkey, Relays: tr.Relays(), Secret: secret}
			npub, _ := nip19.EncodePublicKey(pubkey)
			fmt.Fprintf(cmd.OutOrStdout(), "signing as %s\nconnect with:\n\n  %s\n\n", npub, url)

			err = s.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func acceptCmd() *cobra.Command {
	var grant string
	cmd := &cobra.Command{
		Use:   "accept <nostrconnect-uri>",
		Short: "Answer a nostrconnect:// uri shown by a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := permissions.ParseAction(grant)
			if err != nil {
				return err
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			s, tr, _, err := e.signer(ledger.NewMemory(0), nil, nil)
			if err != nil {
				return err
			}
			defer tr.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			app, err := s.AcceptNostrConnect(ctx, args[0], action)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "accepted %s, run the signer to serve its requests\n", describeApp(app))
			return nil
		},
	}
	cmd.Flags().StringVar(&grant, "grant", string(permissions.Ask), "what to do with the permissions the client asked for: allow, deny or ask")
	return cmd
}

func appsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apps",
		Short: "List connected apps and their permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			apps, err := e.perms.Apps(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()
			for _, app := range apps {
				fmt.Fprintf(w, "%s\t%s\tlast seen %s\n", app.PubKey, describeApp(app), app.LastSeen.Format(time.DateTime))
				perms, err := e.perms.List(cmd.Context(), app.PubKey)
				if err != nil {
					return err
				}
				for _, p := range perms {
					fmt.Fprintf(w, "\t%s\t%s\n", p.PermissionID, p.Action)
				}
			}
			return nil
		},
	}
}

func appArg(arg string) (string, error) {
	pk, err := nip19.TranslatePublicKey(arg)
	if err != nil || !nostr.IsValidPublicKey(pk) {
		return "", fmt.Errorf("'%s' is not an npub or hex public key", arg)
	}
	return pk, nil
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <app>",
		Short: "Forget an app and everything it was allowed to do",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appArg(args[0])
			if err != nil {
				return err
			}
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			e.perms.OnRevoke(func(ctx context.Context, app string) {
				if err := e.sessions.EndApp(ctx, app); err != nil {
					e.log.Warn("failed to end sessions", "app", app, "err", err)
				}
			})
			return e.perms.Revoke(cmd.Context(), app)
		},
	}
}

func sessionsCmd() *cobra.Command {
	var events bool
	cmd := &cobra.Command{
		Use:   "sessions <app>",
		Short: "Show the sessions of an app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appArg(args[0])
			if err != nil {
				return err
			}
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			list, err := e.sessions.Sessions(cmd.Context(), app)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()
			for _, s := range list {
				ended := "-"
				if s.EndedAt != nil {
					ended = s.EndedAt.Format(time.DateTime)
				}
				fmt.Fprintf(w, "#%d\t%s\t%s\t%s\t%s\t%d relays\n",
					s.ID, s.Type, s.State, s.StartedAt.Format(time.DateTime), ended, s.ActiveRelayCount)

				if !events {
					continue
				}
				evts, err := e.sessions.Events(cmd.Context(), s.ID)
				if err != nil {
					return err
				}
				for _, evt := range evts {
					outcome := "ok"
					if !evt.Success {
						outcome = "failed"
					}
					fmt.Fprintf(w, "\t%s\t%s\t%s\n", evt.RequestedAt.Format(time.DateTime), evt.Method, outcome)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&events, "events", false, "also list the requests served in each session")
	return cmd
}

func decisionCmd(name string, action permissions.Action) *cobra.Command {
	return &cobra.Command{
		Use:     name + " <app> <permission>...",
		Short:   fmt.Sprintf("Always %s the given permissions to an app", name),
		Example: fmt.Sprintf("  bunker %s npub1... sign_event:1 nip44_encrypt", name),
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appArg(args[0])
			if err != nil {
				return err
			}
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if _, err := e.perms.App(cmd.Context(), app); err != nil {
				return err
			}
			return e.perms.RecordDecisions(cmd.Context(), app, args[1:], action)
		},
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping <bunker-url>",
		Short: "Connect to a bunker as a throwaway client and check that it answers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			start := time.Now()
			client, err := nip46.ConnectBunker(ctx, nostr.GeneratePrivateKey(), args[0], nil)
			if err != nil {
				return err
			}
			if err := client.Ping(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pong after %s\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}
