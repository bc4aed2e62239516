package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	kdl "github.com/sblinch/kdl-go"
)

// WorkspaceConfigFile is the per-workspace config file name.
const WorkspaceConfigFile = ".chronicle.kdl"

// KDLConfig mirrors the KDL file structure. Durations are written as
// integer seconds (minutes for session blocks) to keep the file plain.
type KDLConfig struct {
	Version string      `kdl:"version"`
	Server  KDLServer   `kdl:"server"`
	Bridge  KDLBridge   `kdl:"bridge"`
	Session KDLSession  `kdl:"session"`
	AI      *KDLAIBlock `kdl:"ai"`
}

type KDLServer struct {
	Port int `kdl:"port"`
}

type KDLBridge struct {
	RequestTimeout int `kdl:"request-timeout"`
	IdleTimeout    int `kdl:"idle-timeout"`
	BackoffBase    int `kdl:"backoff-base"`
	BackoffMax     int `kdl:"backoff-max"`
	QueueLimit     int `kdl:"queue-limit"`
}

type KDLSession struct {
	InactivityMinutes int `kdl:"inactivity-minutes"`
	MaxMinutes        int `kdl:"max-minutes"`
}

type KDLAIBlock struct {
	Provider string `kdl:"provider"`
	Model    string `kdl:"model"`
	Command  string `kdl:"command"`
}

// Load resolves the effective config for a workspace: defaults, then
// the workspace .chronicle.kdl if present, then environment overrides.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(workspace, WorkspaceConfigFile)
	if _, err := os.Stat(path); err == nil {
		loaded, err := LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile loads configuration from a specific file path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseKDLConfig(string(data))
}

// ParseKDLConfig parses KDL configuration data over the defaults.
func ParseKDLConfig(data string) (*Config, error) {
	var kdlCfg KDLConfig
	if err := kdl.Unmarshal([]byte(data), &kdlCfg); err != nil {
		return nil, err
	}
	return kdlConfigToConfig(&kdlCfg), nil
}

func kdlConfigToConfig(kdlCfg *KDLConfig) *Config {
	cfg := DefaultConfig()

	if kdlCfg.Version != "" {
		cfg.Version = kdlCfg.Version
	}
	if kdlCfg.Server.Port > 0 {
		cfg.Server.Port = kdlCfg.Server.Port
	}
	if kdlCfg.Bridge.RequestTimeout > 0 {
		cfg.Bridge.RequestTimeout = time.Duration(kdlCfg.Bridge.RequestTimeout) * time.Second
	}
	if kdlCfg.Bridge.IdleTimeout > 0 {
		cfg.Bridge.IdleTimeout = time.Duration(kdlCfg.Bridge.IdleTimeout) * time.Second
	}
	if kdlCfg.Bridge.BackoffBase > 0 {
		cfg.Bridge.BackoffBase = time.Duration(kdlCfg.Bridge.BackoffBase) * time.Second
	}
	if kdlCfg.Bridge.BackoffMax > 0 {
		cfg.Bridge.BackoffMax = time.Duration(kdlCfg.Bridge.BackoffMax) * time.Second
	}
	if kdlCfg.Bridge.QueueLimit > 0 {
		cfg.Bridge.QueueLimit = kdlCfg.Bridge.QueueLimit
	}
	if kdlCfg.Session.InactivityMinutes > 0 {
		cfg.Session.InactivityTimeout = time.Duration(kdlCfg.Session.InactivityMinutes) * time.Minute
	}
	if kdlCfg.Session.MaxMinutes > 0 {
		cfg.Session.MaxDuration = time.Duration(kdlCfg.Session.MaxMinutes) * time.Minute
	}
	if kdlCfg.AI != nil {
		if kdlCfg.AI.Provider != "" {
			cfg.AI.Provider = kdlCfg.AI.Provider
		}
		if kdlCfg.AI.Model != "" {
			cfg.AI.Model = kdlCfg.AI.Model
		}
		if kdlCfg.AI.Command != "" {
			cfg.AI.Command = kdlCfg.AI.Command
		}
	}
	return cfg
}

// WriteDefaultConfig writes a documented starter config file.
func WriteDefaultConfig(path string) error {
	defaultKDL := `// Chronicle Configuration

version "1.0"

server {
    // Loopback port for the control channel
    port 9847
}

bridge {
    // Seconds before an in-flight request times out
    request-timeout 30
    // Seconds of silence before the connection is recycled
    idle-timeout 60
    // Reconnect backoff in seconds: base doubles up to max
    backoff-base 1
    backoff-max 60
    // Pending push queue size while disconnected
    queue-limit 1024
}

session {
    // Minutes of inactivity before a session ends
    inactivity-minutes 15
    // Maximum session length in minutes
    max-minutes 120
}

ai {
    // Provider: "cli", "anthropic", or "langchain"
    provider "cli"
    command "claude"
}
`
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.TrimSpace(defaultKDL)+"\n"), 0644)
}
