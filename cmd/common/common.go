// Package common provides shared configuration loading for the pairsync
// binaries.
package common

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tandemnet/pairsync/protocol"
)

// Config is the full backend configuration, loadable from a YAML file with
// individual fields overridable by flags.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	DataDir  string `yaml:"data_dir"`

	// Kind is "local" or "hosted".
	Kind string `yaml:"kind"`

	// PeerURL is the paired backend's base URL. Empty means this backend
	// only accepts inbound pairing.
	PeerURL string `yaml:"peer_url"`

	Capabilities []string `yaml:"capabilities"`

	// PairingSecretFile points at the out-of-band pairing secret both
	// backends of a pair are provisioned with. Registration is refused
	// without it.
	PairingSecretFile string `yaml:"pairing_secret_file"`

	// AdminToken authorizes the revocation endpoint. Empty disables it.
	AdminToken string `yaml:"admin_token"`

	// PostgresDSN enables the Postgres peer store; empty keeps trust state
	// in memory.
	PostgresDSN string `yaml:"postgres_dsn"`

	// RedisAddr enables the shared rate limiter; empty keeps it in-process.
	RedisAddr string `yaml:"redis_addr"`

	LogLevel string `yaml:"log_level"`

	Protocol protocol.Config `yaml:"protocol"`
}

// DefaultConfig returns a runnable single-node configuration.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:     ":8420",
		DataDir:      "./pairsync-data",
		Kind:         "local",
		Capabilities: []string{"sync", "telemetry"},
		LogLevel:     "info",
		Protocol:     *protocol.DefaultConfig(),
	}
}

// LoadConfig reads a YAML config file, filling unset fields with defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if !protocol.BackendKind(c.Kind).Valid() {
		return fmt.Errorf("invalid kind %q, want local or hosted", c.Kind)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.Protocol.SyncInterval <= 0 {
		return fmt.Errorf("protocol.sync_interval must be positive, got %s", c.Protocol.SyncInterval)
	}
	if c.Protocol.QueueBudgetBytes <= 0 {
		return fmt.Errorf("protocol.queue_budget_bytes must be positive")
	}
	return nil
}

// NewLogger builds the process logger at the configured level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ShutdownTimeout bounds graceful HTTP shutdown.
const ShutdownTimeout = 10 * time.Second
