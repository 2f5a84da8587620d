package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr-bunker"
	"github.com/nbd-wtf/go-nostr-bunker/bunker/permissions"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Relays  []string `yaml:"relays"`
	DataDir string   `yaml:"dataDir"`

	Key KeyConfig `yaml:"key"`

	ApprovalTimeout time.Duration `yaml:"approvalTimeout"`
	RateLimit       float64       `yaml:"rateLimit"`
	RateBurst       int           `yaml:"rateBurst"`
	SecretAction    string        `yaml:"secretAction"`
	Lookback        time.Duration `yaml:"lookback"`
	LedgerTTL       time.Duration `yaml:"ledgerTTL"`

	MetricsAddr string    `yaml:"metricsAddr"`
	Log         LogConfig `yaml:"log"`
}

type KeyConfig struct {
	// Provider is one of "os", "mnemonic" or "static".
	Provider string `yaml:"provider"`

	Service string `yaml:"service"`
	Item    string `yaml:"item"`
	Create  *bool  `yaml:"create"`

	Mnemonic string `yaml:"mnemonic"`
	Secret   string `yaml:"secret"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	create := true
	return Config{
		Relays:          []string{"wss://relay.nsec.app"},
		DataDir:         filepath.Join(home, ".nostr-bunker"),
		Key:             KeyConfig{Provider: "os", Service: "nostr-bunker", Create: &create},
		ApprovalTimeout: 2 * time.Minute,
		RateLimit:       5,
		RateBurst:       20,
		SecretAction:    string(permissions.Ask),
		LedgerTTL:       24 * time.Hour,
		Log:             LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads the yaml file at path over the defaults, then applies the BUNKER_*
// environment variables. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return cfg, fmt.Errorf("failed to parse config '%s': %w", path, err)
		}
		Merge(&cfg, parsed)
	}

	ApplyEnvOverrides(&cfg)
	return cfg, cfg.Validate()
}

// Merge copies every field set in src over dst.
func Merge(dst *Config, src Config) {
	if src.Relays != nil {
		dst.Relays = src.Relays
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.Key.Provider != "" {
		dst.Key.Provider = src.Key.Provider
	}
	if src.Key.Service != "" {
		dst.Key.Service = src.Key.Service
	}
	if src.Key.Item != "" {
		dst.Key.Item = src.Key.Item
	}
	if src.Key.Create != nil {
		dst.Key.Create = src.Key.Create
	}
	if src.Key.Mnemonic != "" {
		dst.Key.Mnemonic = src.Key.Mnemonic
	}
	if src.Key.Secret != "" {
		dst.Key.Secret = src.Key.Secret
	}
	if src.ApprovalTimeout != 0 {
		dst.ApprovalTimeout = src.ApprovalTimeout
	}
	if src.RateLimit != 0 {
		dst.RateLimit = src.RateLimit
	}
	if src.RateBurst != 0 {
		dst.RateBurst = src.RateBurst
	}
	if src.SecretAction != "" {
		dst.SecretAction = src.SecretAction
	}
	if src.Lookback != 0 {
		dst.Lookback = src.Lookback
	}
	if src.LedgerTTL != 0 {
		dst.LedgerTTL = src.LedgerTTL
	}
	if src.MetricsAddr != "" {
		dst.MetricsAddr = src.MetricsAddr
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}
}

func ApplyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}

	if v := strings.TrimSpace(os.Getenv("BUNKER_RELAYS")); v != "" {
		cfg.Relays = strings.Split(v, ",")
	}
	str("BUNKER_DATA_DIR", &cfg.DataDir)
	str("BUNKER_KEY_PROVIDER", &cfg.Key.Provider)
	str("BUNKER_MNEMONIC", &cfg.Key.Mnemonic)
	str("BUNKER_SECRET_KEY", &cfg.Key.Secret)
	str("BUNKER_SECRET_ACTION", &cfg.SecretAction)
	str("BUNKER_METRICS_ADDR", &cfg.MetricsAddr)
	str("BUNKER_LOG_LEVEL", &cfg.Log.Level)
	str("BUNKER_LOG_FORMAT", &cfg.Log.Format)

	if v, err := time.ParseDuration(strings.TrimSpace(os.Getenv("BUNKER_APPROVAL_TIMEOUT"))); err == nil {
		cfg.ApprovalTimeout = v
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv("BUNKER_RATE_LIMIT")), 64); err == nil {
		cfg.RateLimit = v
	}
}

func (cfg Config) Validate() error {
	var errs []error

	cfg.Relays = nostr.NormalizeRelayList(cfg.Relays)
	if len(cfg.Relays) == 0 {
		errs = append(errs, errors.New("at least one relay is needed"))
	}
	for _, r := range cfg.Relays {
		if !nostr.IsValidRelayURL(r) {
			errs = append(errs, fmt.Errorf("invalid relay url '%s'", r))
		}
	}

	switch cfg.Key.Provider {
	case "os":
	case "mnemonic":
		if cfg.Key.Mnemonic == "" {
			errs = append(errs, errors.New("key provider 'mnemonic' needs key.mnemonic"))
		}
	case "static":
		if cfg.Key.Secret == "" {
			errs = append(errs, errors.New("key provider 'static' needs key.secret"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown key provider '%s'", cfg.Key.Provider))
	}

	if _, err := permissions.ParseAction(cfg.SecretAction); err != nil {
		errs = append(errs, fmt.Errorf("secretAction: %w", err))
	}
	if _, err := parseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log format must be text or json, not '%s'", cfg.Log.Format))
	}

	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level '%s'", s)
	}
}

// setupLogger makes the configured handler the default one and returns it.
func setupLogger(cfg LogConfig) *slog.Logger {
	level, _ := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	if level == slog.LevelDebug {
		nostr.InfoLogger.SetOutput(os.Stderr)
		nostr.DebugLogger.SetOutput(os.Stderr)
	}
	return logger
}
