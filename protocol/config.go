package protocol

import "time"

// Config provides the protocol parameters shared by both backends of a pair.
type Config struct {
	// SyncInterval is the period of the outbound sync loop.
	SyncInterval time.Duration `json:"sync_interval" yaml:"sync_interval"`

	// ProbeInterval is the period of the peer reachability probe.
	ProbeInterval time.Duration `json:"probe_interval" yaml:"probe_interval"`

	// TokenTTL is the session binding token lifetime.
	TokenTTL time.Duration `json:"token_ttl" yaml:"token_ttl"`

	// RotationGrace is how long a rotated-out public key is still accepted
	// for signature verification.
	RotationGrace time.Duration `json:"rotation_grace" yaml:"rotation_grace"`

	// RateBudget is the number of calls a peer may make per RatePeriod.
	RateBudget int `json:"rate_budget" yaml:"rate_budget"`

	// RatePeriod is the rate limiting window.
	RatePeriod time.Duration `json:"rate_period" yaml:"rate_period"`

	// QueueBudgetBytes bounds the on-disk size of the offline queue.
	QueueBudgetBytes int64 `json:"queue_budget_bytes" yaml:"queue_budget_bytes"`

	// RetryBaseDelay is the first retry backoff step.
	RetryBaseDelay time.Duration `json:"retry_base_delay" yaml:"retry_base_delay"`

	// MaxRetries caps retry attempts before the failure propagates.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     5 * time.Second,
		ProbeInterval:    10 * time.Second,
		TokenTTL:         8 * time.Hour,
		RotationGrace:    7 * 24 * time.Hour,
		RateBudget:       60,
		RatePeriod:       time.Minute,
		QueueBudgetBytes: 50 << 20,
		RetryBaseDelay:   time.Second,
		MaxRetries:       5,
	}
}
