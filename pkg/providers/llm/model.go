// Package llm implements the understanding and synthesis providers on a
// langchaingo model.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/jdziat/durable-research/pkg/core"
)

// Supported providers.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config selects and configures the model.
type Config struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	ServerURL   string  `yaml:"server_url"` // Ollama only
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// NewModel creates the langchaingo model named by cfg.
func NewModel(cfg Config) (llms.Model, error) {
	switch cfg.Provider {
	case ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.ServerURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.ServerURL))
		}
		m, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}
		return m, nil

	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("openai api key required")
		}
		m, err := openai.New(openai.WithToken(cfg.APIKey), openai.WithModel(cfg.Model))
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		return m, nil

	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, errors.New("anthropic api key required")
		}
		m, err := anthropic.New(anthropic.WithToken(cfg.APIKey), anthropic.WithModel(cfg.Model))
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}
		return m, nil

	default:
		return nil, fmt.Errorf("unsupported llm provider: %q", cfg.Provider)
	}
}

// Provider answers understanding and synthesis requests with a model.
type Provider struct {
	model       llms.Model
	temperature float64
	maxTokens   int
}

// New creates a provider over model.
func New(model llms.Model, cfg Config) *Provider {
	p := &Provider{model: model, temperature: cfg.Temperature, maxTokens: cfg.MaxTokens}
	if p.temperature <= 0 {
		p.temperature = 0.2
	}
	if p.maxTokens <= 0 {
		p.maxTokens = 4096
	}
	return p
}

var (
	_ core.Understander = (*Provider)(nil)
	_ core.Synthesizer  = (*Provider)(nil)
)

func (p *Provider) generate(ctx context.Context, system, user string) (string, error) {
	resp, err := p.model.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}, llms.WithTemperature(p.temperature), llms.WithMaxTokens(p.maxTokens))
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return "", errors.New("llm: empty response")
	}
	return resp.Choices[0].Content, nil
}

var fatalMarkers = []string{
	"invalid api key",
	"unauthorized",
	"authentication",
	"credit balance",
	"billing",
	"401",
	"403",
}

// classify marks errors that retrying cannot fix.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return core.NoRetry(fmt.Errorf("llm: %w", err))
		}
	}
	return fmt.Errorf("llm: %w", err)
}
