// Package aichannel runs note-processing prompts against an AI
// backend: the claude CLI working inside the workspace, the Anthropic
// API, or any langchaingo-supported provider.
package aichannel

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoAPIKey     = errors.New("API key not configured")
	ErrNotAvailable = errors.New("AI backend not available")
	ErrTimeout      = errors.New("request timed out")
)

// Response is the outcome of one completion run.
type Response struct {
	// Result is the text the backend produced.
	Result string `json:"result"`
	// Duration is how long the run took.
	Duration time.Duration `json:"duration"`
	// Tokens is the total token usage when the backend reports it.
	Tokens int `json:"tokens,omitempty"`
}

// Provider runs a prompt and returns the completion. The CLI provider
// additionally reads and writes workspace files as the prompt directs;
// API providers only return text.
type Provider interface {
	// Name identifies the backend ("cli", "anthropic", ...).
	Name() string

	// Complete runs userPrompt under systemPrompt.
	Complete(ctx context.Context, systemPrompt, userPrompt string) (*Response, error)

	// IsConfigured reports whether the backend can actually run.
	IsConfigured() bool
}

// Config selects and tunes a provider.
type Config struct {
	// Provider is "cli", "anthropic", or "langchain".
	Provider string
	// Command is the CLI binary for the cli provider.
	Command string
	// Model overrides the backend's default model.
	Model string
	// APIKey overrides environment lookup for API providers.
	APIKey string
	// MaxTokens limits API response length.
	MaxTokens int
	// Workspace is the directory CLI runs execute in.
	Workspace string
	// Timeout bounds each completion run.
	Timeout time.Duration
}

// New builds the provider named by cfg.Provider.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "cli", "":
		return NewCLIProvider(cfg), nil
	case "anthropic":
		return NewAnthropicProvider(cfg), nil
	case "langchain":
		return NewLangChainProvider(cfg)
	default:
		return nil, errors.New("unknown provider: " + cfg.Provider)
	}
}
