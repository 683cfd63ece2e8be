package llm

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/observability"
)

// InstrumentedLLMClient traces and meters every call a model role makes
type InstrumentedLLMClient struct {
	client    domain.LLMClient
	telemetry *observability.Telemetry
	role      string
	provider  string
	model     string
}

// NewInstrumentedLLMClient wraps client for one role
func NewInstrumentedLLMClient(client domain.LLMClient, telemetry *observability.Telemetry, role, provider, model string) (*InstrumentedLLMClient, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if telemetry == nil {
		return nil, fmt.Errorf("telemetry is required")
	}

	return &InstrumentedLLMClient{
		client:    client,
		telemetry: telemetry,
		role:      role,
		provider:  provider,
		model:     model,
	}, nil
}

func (c *InstrumentedLLMClient) start(ctx context.Context, name string, messages []domain.Message, opts domain.ChatOptions) (context.Context, trace.Span) {
	return c.telemetry.StartSpan(ctx, name, trace.WithAttributes(
		attribute.String("llm.role", c.role),
		attribute.String("llm.model", c.model),
		attribute.String("llm.provider", c.provider),
		attribute.Float64("llm.temperature", opts.Temperature),
		attribute.Int("llm.message_count", len(messages)),
		attribute.Int("llm.tool_count", len(opts.Tools)),
	))
}

// finish closes span with the outcome of one call and records token usage
func (c *InstrumentedLLMClient) finish(ctx context.Context, span trace.Span, start time.Time, usage domain.TokenUsage, err error) {
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", usage.PromptTokens),
		attribute.Int("llm.completion_tokens", usage.CompletionTokens),
		attribute.Int("llm.total_tokens", usage.TotalTokens),
	)
	c.telemetry.Metrics().RecordLLMRequest(ctx, c.model,
		int64(usage.PromptTokens), int64(usage.CompletionTokens), time.Since(start))
}

// Chat implements domain.LLMClient
func (c *InstrumentedLLMClient) Chat(ctx context.Context, messages []domain.Message, opts domain.ChatOptions) (*domain.ChatResponse, error) {
	ctx, span := c.start(ctx, "llm.chat", messages, opts)
	start := time.Now()

	response, err := c.client.Chat(ctx, messages, opts)
	if err != nil {
		c.finish(ctx, span, start, domain.TokenUsage{}, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("llm.finish_reason", response.FinishReason),
		attribute.Int("llm.tool_calls", len(response.ToolCalls)),
	)
	c.finish(ctx, span, start, response.Usage, nil)
	return response, nil
}

// Stream implements domain.LLMClient. The span stays open until the stream
// ends, so its duration covers the whole answer.
func (c *InstrumentedLLMClient) Stream(ctx context.Context, messages []domain.Message, opts domain.ChatOptions) (<-chan domain.ChatStreamResponse, error) {
	ctx, span := c.start(ctx, "llm.stream", messages, opts)
	start := time.Now()

	inner, err := c.client.Stream(ctx, messages, opts)
	if err != nil {
		c.finish(ctx, span, start, domain.TokenUsage{}, err)
		return nil, err
	}

	out := make(chan domain.ChatStreamResponse)
	go func() {
		defer close(out)

		var usage domain.TokenUsage
		var streamErr error
		defer func() { c.finish(ctx, span, start, usage, streamErr) }()

		for chunk := range inner {
			if chunk.Usage != nil {
				usage.PromptTokens += chunk.Usage.PromptTokens
				usage.CompletionTokens += chunk.Usage.CompletionTokens
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			}
			if chunk.Error != nil {
				streamErr = chunk.Error
			}

			select {
			case out <- chunk:
			case <-ctx.Done():
				streamErr = ctx.Err()
				// drain so the inner producer can exit
				for range inner {
				}
				return
			}
		}
	}()

	return out, nil
}

// CheckHealth probes the wrapped client inside an llm.health span
func (c *InstrumentedLLMClient) CheckHealth(ctx context.Context) error {
	ctx, span := c.telemetry.StartSpan(ctx, "llm.health", trace.WithAttributes(
		attribute.String("llm.role", c.role),
		attribute.String("llm.provider", c.provider),
	))
	defer span.End()

	err := CheckHealth(ctx, c.client)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
