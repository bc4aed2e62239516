package aichannel

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
)

// langchainBackend describes one langchaingo-backed model family.
type langchainBackend struct {
	envKeys      []string
	defaultModel string
	openAIStyle  bool
}

var langchainBackends = map[string]langchainBackend{
	"openai": {
		envKeys:      []string{"OPENAI_API_KEY", "OPENAI_KEY"},
		defaultModel: "gpt-4o-mini",
		openAIStyle:  true,
	},
	"anthropic": {
		envKeys:      []string{"ANTHROPIC_API_KEY", "CLAUDE_KEY"},
		defaultModel: defaultAnthropicModel,
	},
}

// LangChainProvider implements Provider on top of langchaingo, which
// lets Chronicle run processing against OpenAI-compatible endpoints.
type LangChainProvider struct {
	llm     llms.Model
	backend string
	model   string
	hasKey  bool
}

// NewLangChainProvider picks the first configured backend, with OpenAI
// preferred.
func NewLangChainProvider(cfg Config) (*LangChainProvider, error) {
	for _, name := range []string{"openai", "anthropic"} {
		backend := langchainBackends[name]
		apiKey := cfg.APIKey
		if apiKey == "" {
			for _, env := range backend.envKeys {
				if apiKey = os.Getenv(env); apiKey != "" {
					break
				}
			}
		}
		if apiKey == "" {
			continue
		}

		model := cfg.Model
		if model == "" {
			model = backend.defaultModel
		}

		var llm llms.Model
		var err error
		if backend.openAIStyle {
			llm, err = openai.New(openai.WithToken(apiKey), openai.WithModel(model))
		} else {
			llm, err = anthropic.New(anthropic.WithToken(apiKey), anthropic.WithModel(model))
		}
		if err != nil {
			return nil, fmt.Errorf("create %s LLM: %w", name, err)
		}

		return &LangChainProvider{llm: llm, backend: name, model: model, hasKey: true}, nil
	}
	return nil, fmt.Errorf("%w: no langchain backend has an API key", ErrNoAPIKey)
}

func (p *LangChainProvider) Name() string { return "langchain/" + p.backend }

func (p *LangChainProvider) IsConfigured() bool { return p.hasKey }

func (p *LangChainProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (*Response, error) {
	var messages []llms.MessageContent
	if systemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, userPrompt))

	start := time.Now()
	resp, err := p.llm.GenerateContent(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("langchain %s: %w", p.backend, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("langchain %s: no response choices", p.backend)
	}

	return &Response{
		Result:   resp.Choices[0].Content,
		Duration: time.Since(start),
	}, nil
}
