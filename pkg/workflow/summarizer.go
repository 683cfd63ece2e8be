package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/observability"
	"github.com/ncolesummers/deep-research-agent/pkg/retry"
)

// SummaryPolicy retries opening the summary stream
var SummaryPolicy = retry.Policy{Attempts: 3, Delay: time.Second}

// Summarizer streams the final answer from the summary model
type Summarizer struct {
	client domain.LLMClient
	policy retry.Policy
	logger observability.Logger
}

// NewSummarizer creates a summarizer streaming from client
func NewSummarizer(client domain.LLMClient, logger observability.Logger) (*Summarizer, error) {
	if client == nil {
		return nil, fmt.Errorf("summarizer: llm client is required")
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Summarizer{client: client, policy: SummaryPolicy, logger: logger}, nil
}

// Stream opens the summary stream for messages. Opening is retried; once
// chunks flow, errors arrive on the channel.
func (s *Summarizer) Stream(ctx context.Context, messages []domain.Message) (<-chan domain.ChatStreamResponse, error) {
	attempt := 0
	ch, err := retry.DoValue(ctx, s.policy, func(ctx context.Context) (<-chan domain.ChatStreamResponse, error) {
		attempt++
		ch, err := s.client.Stream(ctx, messages, domain.ChatOptions{})
		if err != nil {
			s.logger.Warn(ctx, "summary stream failed to open", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
		}
		return ch, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stream summary: %w", err)
	}
	return ch, nil
}
