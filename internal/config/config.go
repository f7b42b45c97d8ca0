// Package config provides configuration loading for handoffd.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the handoffd runtime.
type Config struct {
	Logging LoggingConfig `koanf:"logging"`
	Runtime RuntimeConfig `koanf:"runtime"`
	Events  EventsConfig  `koanf:"events"`
	Server  ServerConfig  `koanf:"server"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// RuntimeConfig bounds the supervisor's retry and deflect behavior.
type RuntimeConfig struct {
	// MaxAttempts is the per-stage chain retry budget for schema-invalid
	// results. A stage attempt that exhausts providers operationally is
	// terminal and not governed by this budget.
	MaxAttempts int `koanf:"max_attempts"`

	// MaxDeflects caps consecutive guardrail deflects before the task is
	// failed with a cycle diagnostic.
	MaxDeflects int `koanf:"max_deflects"`

	// AttemptTimeout bounds a single provider invocation.
	AttemptTimeout Duration `koanf:"attempt_timeout"`

	// ChainDeadline bounds one whole fallback chain execution.
	ChainDeadline Duration `koanf:"chain_deadline"`
}

// EventsConfig configures the NATS event publisher.
type EventsConfig struct {
	URL            string   `koanf:"url"`
	Domain         string   `koanf:"domain"`
	PublishTimeout Duration `koanf:"publish_timeout"`

	// QueueSize bounds the durable publish queue. When full, new durable
	// publishes are downgraded to best-effort instead of blocking.
	QueueSize int `koanf:"queue_size"`
}

// ServerConfig configures the ops HTTP server (/health, /metrics).
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Validate checks configuration consistency before the runtime starts.
func (c *Config) Validate() error {
	if c.Runtime.MaxAttempts < 1 {
		return fmt.Errorf("runtime.max_attempts must be >= 1, got %d", c.Runtime.MaxAttempts)
	}
	if c.Runtime.MaxDeflects < 1 {
		return fmt.Errorf("runtime.max_deflects must be >= 1, got %d", c.Runtime.MaxDeflects)
	}
	if c.Runtime.AttemptTimeout.Duration() <= 0 {
		return fmt.Errorf("runtime.attempt_timeout must be positive")
	}
	if c.Runtime.ChainDeadline.Duration() < c.Runtime.AttemptTimeout.Duration() {
		return fmt.Errorf("runtime.chain_deadline %s is shorter than runtime.attempt_timeout %s",
			c.Runtime.ChainDeadline.Duration(), c.Runtime.AttemptTimeout.Duration())
	}
	if c.Events.Domain == "" {
		return fmt.Errorf("events.domain must not be empty")
	}
	if c.Events.PublishTimeout.Duration() <= 0 {
		return fmt.Errorf("events.publish_timeout must be positive")
	}
	if c.Events.QueueSize < 1 {
		return fmt.Errorf("events.queue_size must be >= 1, got %d", c.Events.QueueSize)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Runtime.MaxAttempts == 0 {
		cfg.Runtime.MaxAttempts = 2
	}
	if cfg.Runtime.MaxDeflects == 0 {
		cfg.Runtime.MaxDeflects = 4
	}
	if cfg.Runtime.AttemptTimeout == 0 {
		cfg.Runtime.AttemptTimeout = Duration(30 * time.Second)
	}
	if cfg.Runtime.ChainDeadline == 0 {
		cfg.Runtime.ChainDeadline = Duration(2 * time.Minute)
	}

	if cfg.Events.URL == "" {
		cfg.Events.URL = "nats://localhost:4222"
	}
	if cfg.Events.Domain == "" {
		cfg.Events.Domain = "tasks"
	}
	if cfg.Events.PublishTimeout == 0 {
		cfg.Events.PublishTimeout = Duration(2 * time.Second)
	}
	if cfg.Events.QueueSize == 0 {
		cfg.Events.QueueSize = 256
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}
