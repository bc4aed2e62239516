// Package config loads Chronicle settings from KDL files with
// environment overrides. Precedence: defaults, then the workspace
// .chronicle.kdl, then CHRONICLE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the complete Chronicle configuration.
type Config struct {
	// Version is the config file version.
	Version string `json:"version"`

	// Server configures the host's control channel endpoint.
	Server ServerConfig `json:"server"`

	// Bridge configures the agent-side connection behavior.
	Bridge BridgeConfig `json:"bridge"`

	// Session configures editing session tracking.
	Session SessionConfig `json:"session"`

	// AI configures the note processing provider.
	AI AIConfig `json:"ai"`
}

// ServerConfig holds the host endpoint settings.
type ServerConfig struct {
	// Port is the loopback port the host listens on.
	Port int `json:"port"`
}

// BridgeConfig holds connection lifecycle settings.
type BridgeConfig struct {
	// RequestTimeout bounds each request/response exchange.
	RequestTimeout time.Duration `json:"request_timeout"`
	// IdleTimeout is the inactivity window before the watchdog
	// closes the connection.
	IdleTimeout time.Duration `json:"idle_timeout"`
	// BackoffBase is the first reconnect delay.
	BackoffBase time.Duration `json:"backoff_base"`
	// BackoffMax caps the reconnect delay.
	BackoffMax time.Duration `json:"backoff_max"`
	// QueueLimit bounds the pending push queue.
	QueueLimit int `json:"queue_limit"`
}

// SessionConfig holds editing session timeouts.
type SessionConfig struct {
	InactivityTimeout time.Duration `json:"inactivity_timeout"`
	MaxDuration       time.Duration `json:"max_duration"`
}

// AIConfig selects and tunes the processing provider.
type AIConfig struct {
	// Provider is one of "cli", "anthropic", "langchain".
	Provider string `json:"provider"`
	// Model names the model for API providers.
	Model string `json:"model"`
	// Command is the CLI binary for the "cli" provider.
	Command string `json:"command"`
}

// DefaultPort is where the host listens when nothing overrides it.
const DefaultPort = 9847

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		Server: ServerConfig{
			Port: DefaultPort,
		},
		Bridge: BridgeConfig{
			RequestTimeout: 30 * time.Second,
			IdleTimeout:    60 * time.Second,
			BackoffBase:    1 * time.Second,
			BackoffMax:     60 * time.Second,
			QueueLimit:     1024,
		},
		Session: SessionConfig{
			InactivityTimeout: 15 * time.Minute,
			MaxDuration:       120 * time.Minute,
		},
		AI: AIConfig{
			Provider: "cli",
			Command:  "claude",
		},
	}
}

// Validate checks the configuration, repairing recoverable fields.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Bridge.RequestTimeout <= 0 {
		c.Bridge.RequestTimeout = 30 * time.Second
	}
	if c.Bridge.IdleTimeout <= 0 {
		c.Bridge.IdleTimeout = 60 * time.Second
	}
	if c.Bridge.BackoffBase <= 0 {
		c.Bridge.BackoffBase = 1 * time.Second
	}
	if c.Bridge.BackoffMax < c.Bridge.BackoffBase {
		c.Bridge.BackoffMax = 60 * time.Second
	}
	switch c.AI.Provider {
	case "cli", "anthropic", "langchain":
	default:
		return fmt.Errorf("unknown ai provider %q", c.AI.Provider)
	}
	return nil
}

// ApplyEnv overlays CHRONICLE_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("CHRONICLE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHRONICLE_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("CHRONICLE_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CHRONICLE_REQUEST_TIMEOUT: %w", err)
		}
		c.Bridge.RequestTimeout = d
	}
	if v := os.Getenv("CHRONICLE_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CHRONICLE_IDLE_TIMEOUT: %w", err)
		}
		c.Bridge.IdleTimeout = d
	}
	if v := os.Getenv("CHRONICLE_AI_PROVIDER"); v != "" {
		c.AI.Provider = v
	}
	if v := os.Getenv("CHRONICLE_AI_MODEL"); v != "" {
		c.AI.Model = v
	}
	if v := os.Getenv("CHRONICLE_AI_COMMAND"); v != "" {
		c.AI.Command = v
	}
	return nil
}
