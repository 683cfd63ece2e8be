package llm

import (
	"context"
	"fmt"

	"github.com/ncolesummers/deep-research-agent/pkg/config"
	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/observability"
)

// Clients holds one client per logical LLM role
type Clients struct {
	BaseChat      domain.LLMClient
	SearchKeyword domain.LLMClient
	Evaluate      domain.LLMClient
	Compress      domain.LLMClient
	Summary       domain.LLMClient
}

// HealthChecker is implemented by clients that can probe their endpoint
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// CheckHealth probes client when it supports it; other clients are assumed healthy
func CheckHealth(ctx context.Context, client domain.LLMClient) error {
	if hc, ok := client.(HealthChecker); ok {
		return hc.CheckHealth(ctx)
	}
	return nil
}

// NewClient builds the client for one role, wrapped with tracing and metrics
// when telemetry is given.
func NewClient(role string, cfg config.ModelConfig, telemetry *observability.Telemetry) (domain.LLMClient, error) {
	keys := NewKeyPool(cfg.Keys()...)

	var (
		client   domain.LLMClient
		provider string
	)
	switch cfg.Type {
	case config.APITypeGemini:
		gc, err := NewGeminiClient(cfg.Model, keys, cfg.Temperature)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", role, err)
		}
		client, provider = gc, "gemini"
	case config.APITypeOpenAI, "":
		client = NewOpenAIClient(cfg.URL, cfg.Model, keys, &OpenAIOptions{
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		})
		provider = "openai"
	default:
		return nil, fmt.Errorf("%s: unsupported api type %q", role, cfg.Type)
	}

	if telemetry == nil {
		return client, nil
	}
	instrumented, err := NewInstrumentedLLMClient(client, telemetry, role, provider, cfg.Model)
	if err != nil {
		return nil, err
	}
	return instrumented, nil
}

// NewClients builds every role client from the model configuration
func NewClients(cfg config.ModelsConfig, telemetry *observability.Telemetry) (*Clients, error) {
	c := &Clients{}
	roles := []struct {
		name string
		cfg  config.ModelConfig
		dst  *domain.LLMClient
	}{
		{"base_chat", cfg.BaseChat, &c.BaseChat},
		{"search_keyword", cfg.SearchKeyword, &c.SearchKeyword},
		{"evaluate", cfg.Evaluate, &c.Evaluate},
		{"compress", cfg.Compress, &c.Compress},
		{"summary", cfg.Summary, &c.Summary},
	}

	for _, r := range roles {
		client, err := NewClient(r.name, r.cfg, telemetry)
		if err != nil {
			return nil, err
		}
		*r.dst = client
	}
	return c, nil
}
