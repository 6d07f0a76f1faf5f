// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

// Package config defines the TradeBridge configuration model and its
// layered loader (defaults -> YAML file -> environment variables).
package config

import (
	"fmt"
	"net"
	"net/url"
	"time"
)

// Config is the root configuration for both the broker and the
// producer-side relay. Each binary uses the sections it needs.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Storage  StorageConfig  `koanf:"storage"`
	Queue    QueueConfig    `koanf:"queue"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
	Producer ProducerConfig `koanf:"producer"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// ListenAddress is the host:port the broker binds to.
	ListenAddress string `koanf:"listen_address"`

	// ReadTimeout / WriteTimeout bound each HTTP exchange.
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// MaxBodyBytes caps request body size.
	MaxBodyBytes int64 `koanf:"max_body_bytes"`

	// MaxPayloadDepth bounds JSON nesting to prevent stack exhaustion.
	MaxPayloadDepth int `koanf:"max_payload_depth"`
}

// StorageConfig holds the embedded database settings.
type StorageConfig struct {
	// Path is the BadgerDB directory.
	Path string `koanf:"path"`

	// SyncWrites forces fsync on every commit. Required for the
	// durable-ack guarantee; disable only in tests.
	SyncWrites bool `koanf:"sync_writes"`

	// CloseTimeout bounds the database close on shutdown.
	CloseTimeout time.Duration `koanf:"close_timeout"`
}

// QueueConfig holds queue semantics: leases, retries and retention.
type QueueConfig struct {
	// LeaseDuration is how long a claim remains exclusive without an ack.
	LeaseDuration time.Duration `koanf:"lease_duration"`

	// ReaperInterval is how often stale claims are swept.
	ReaperInterval time.Duration `koanf:"reaper_interval"`

	// MaxRetries bounds re-enqueues; events at or beyond it go fallow.
	MaxRetries int `koanf:"max_retries"`

	// ShortBackoff is the retry delay applied by the reaper.
	ShortBackoff time.Duration `koanf:"short_backoff"`

	// InitialRetryDelay and MaxRetryDelay shape the backoff curve for
	// consumer-requested retries.
	InitialRetryDelay time.Duration `koanf:"initial_retry_delay"`
	MaxRetryDelay     time.Duration `koanf:"max_retry_delay"`

	// MaxOrderAge is the retention window for done events.
	MaxOrderAge time.Duration `koanf:"max_order_age"`

	// CleanupInterval is how often retention GC runs.
	CleanupInterval time.Duration `koanf:"cleanup_interval"`

	// SamplerInterval is how often the queue gauges are refreshed.
	SamplerInterval time.Duration `koanf:"sampler_interval"`

	// MaxClaimBatch is the hard ceiling on a single claim.
	MaxClaimBatch int `koanf:"max_claim_batch"`
}

// SecurityConfig holds the configurable pre-filters in front of the
// HTTP surface: shared-secret auth, rate limiting and CORS.
type SecurityConfig struct {
	// APIKey enables the shared-secret header check when non-empty.
	APIKey string `koanf:"api_key"`

	// Rate limiting (token bucket per client IP).
	RateLimitEnabled   bool     `koanf:"rate_limit_enabled"`
	RateLimitPerMinute int      `koanf:"rate_limit_per_minute"`
	RateLimitWhitelist []string `koanf:"rate_limit_whitelist"`

	// CORSOrigins lists allowed origins. Empty disables CORS headers.
	CORSOrigins []string `koanf:"cors_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// ProducerConfig holds the producer-side outbox settings.
type ProducerConfig struct {
	// BridgeURL is the broker base URL, e.g. http://127.0.0.1:5000.
	BridgeURL string `koanf:"bridge_url"`

	// APIKey is sent as the shared-secret header when non-empty.
	APIKey string `koanf:"api_key"`

	// OutboxPath is the durable append log location.
	OutboxPath string `koanf:"outbox_path"`

	// MaxQueueSize bounds the in-memory FIFO; overflow drops oldest.
	MaxQueueSize int `koanf:"max_queue_size"`

	// MaxFileSizeMB triggers rotation of the append log.
	MaxFileSizeMB int `koanf:"max_file_size_mb"`

	// RetainedBackups is how many rotated .bak files are kept.
	RetainedBackups int `koanf:"retained_backups"`

	// SendTimeout is the per-request deadline on broker calls.
	SendTimeout time.Duration `koanf:"send_timeout"`

	// RetryInterval is the drain timer period.
	RetryInterval time.Duration `koanf:"retry_interval"`

	// CircuitFailureThreshold consecutive failures open the breaker.
	CircuitFailureThreshold int `koanf:"circuit_failure_threshold"`

	// CircuitCooldown is the open-state window before a half-open probe.
	CircuitCooldown time.Duration `koanf:"circuit_cooldown"`
}

// DefaultConfig returns a Config with all documented defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:   "0.0.0.0:5000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			MaxBodyBytes:    1 << 20, // 1MB
			MaxPayloadDepth: 32,
		},
		Storage: StorageConfig{
			Path:         "bridge.db",
			SyncWrites:   true,
			CloseTimeout: 30 * time.Second,
		},
		Queue: QueueConfig{
			LeaseDuration:     5 * time.Minute,
			ReaperInterval:    30 * time.Second,
			MaxRetries:        3,
			ShortBackoff:      30 * time.Second,
			InitialRetryDelay: 10 * time.Second,
			MaxRetryDelay:     5 * time.Minute,
			MaxOrderAge:       1 * time.Hour,
			CleanupInterval:   10 * time.Minute,
			SamplerInterval:   15 * time.Second,
			MaxClaimBatch:     100,
		},
		Security: SecurityConfig{
			APIKey:             "",
			RateLimitEnabled:   false,
			RateLimitPerMinute: 60,
			RateLimitWhitelist: []string{},
			CORSOrigins:        []string{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Producer: ProducerConfig{
			BridgeURL:               "http://127.0.0.1:5000",
			APIKey:                  "",
			OutboxPath:              "outbox.log",
			MaxQueueSize:            10000,
			MaxFileSizeMB:           100,
			RetainedBackups:         10,
			SendTimeout:             5 * time.Second,
			RetryInterval:           60 * time.Second,
			CircuitFailureThreshold: 10,
			CircuitCooldown:         5 * time.Minute,
		},
	}
}

// ConfigError describes an invalid configuration value.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Validate checks the configuration for internal consistency.
// It returns the first violation found as a *ConfigError.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return &ConfigError{Field: "server.listen_address", Message: "must be host:port"}
	}
	if c.Server.MaxBodyBytes <= 0 {
		return &ConfigError{Field: "server.max_body_bytes", Message: "must be positive"}
	}
	if c.Server.MaxPayloadDepth < 1 {
		return &ConfigError{Field: "server.max_payload_depth", Message: "must be at least 1"}
	}

	if c.Storage.Path == "" {
		return &ConfigError{Field: "storage.path", Message: "must not be empty"}
	}

	if c.Queue.LeaseDuration <= 0 {
		return &ConfigError{Field: "queue.lease_duration", Message: "must be positive"}
	}
	if c.Queue.ReaperInterval <= 0 {
		return &ConfigError{Field: "queue.reaper_interval", Message: "must be positive"}
	}
	if c.Queue.MaxRetries < 1 {
		return &ConfigError{Field: "queue.max_retries", Message: "must be at least 1"}
	}
	if c.Queue.MaxClaimBatch < 1 {
		return &ConfigError{Field: "queue.max_claim_batch", Message: "must be at least 1"}
	}
	if c.Queue.MaxRetryDelay < c.Queue.InitialRetryDelay {
		return &ConfigError{Field: "queue.max_retry_delay", Message: "must be >= initial_retry_delay"}
	}
	if c.Queue.MaxOrderAge <= 0 {
		return &ConfigError{Field: "queue.max_order_age", Message: "must be positive"}
	}
	if c.Queue.CleanupInterval <= 0 {
		return &ConfigError{Field: "queue.cleanup_interval", Message: "must be positive"}
	}

	if c.Security.RateLimitEnabled && c.Security.RateLimitPerMinute < 1 {
		return &ConfigError{Field: "security.rate_limit_per_minute", Message: "must be at least 1"}
	}

	if c.Producer.BridgeURL != "" {
		u, err := url.Parse(c.Producer.BridgeURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &ConfigError{Field: "producer.bridge_url", Message: "must be an absolute URL"}
		}
	}
	if c.Producer.MaxQueueSize < 1 {
		return &ConfigError{Field: "producer.max_queue_size", Message: "must be at least 1"}
	}
	if c.Producer.MaxFileSizeMB < 1 {
		return &ConfigError{Field: "producer.max_file_size_mb", Message: "must be at least 1"}
	}
	if c.Producer.RetainedBackups < 0 {
		return &ConfigError{Field: "producer.retained_backups", Message: "must not be negative"}
	}
	if c.Producer.SendTimeout <= 0 {
		return &ConfigError{Field: "producer.send_timeout", Message: "must be positive"}
	}
	if c.Producer.CircuitFailureThreshold < 1 {
		return &ConfigError{Field: "producer.circuit_failure_threshold", Message: "must be at least 1"}
	}

	return nil
}
