package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/llm"
	"github.com/ncolesummers/deep-research-agent/pkg/observability"
)

// DefaultLanguage is used for query keys the model leaves without a language
const DefaultLanguage = "zh_CN"

// PlanResult is the outcome of parsing a planner reply. An empty Steps with a
// nil Err is a valid "nothing left to search" answer.
type PlanResult struct {
	Steps []domain.PlanStep
	Err   error
}

// rawStep is the JSON shape the models are asked to produce
type rawStep struct {
	Purpose      string            `json:"search_purpose"`
	Restrictions string            `json:"search_restrictions"`
	TimePage     json.RawMessage   `json:"time_page"`
	Data         []domain.QueryKey `json:"data"`
}

func (r rawStep) toPlanStep(language string) domain.PlanStep {
	step := domain.PlanStep{
		Purpose:      strings.TrimSpace(r.Purpose),
		Restrictions: strings.TrimSpace(r.Restrictions),
		Recency:      parseTimePage(r.TimePage),
	}
	for _, key := range r.Data {
		key.Text = strings.TrimSpace(key.Text)
		key.Language = strings.TrimSpace(key.Language)
		if key.Text == "" {
			continue
		}
		if key.Language == "" {
			key.Language = language
		}
		step.QueryKeys = append(step.QueryKeys, key)
	}
	return step
}

// parseTimePage accepts [d, m, y] as numbers; anything else means no window
func parseTimePage(raw json.RawMessage) domain.RecencyWindow {
	if len(raw) == 0 {
		return domain.RecencyWindow{}
	}
	var page []int
	if err := json.Unmarshal(raw, &page); err != nil {
		return domain.RecencyWindow{}
	}
	return domain.NewRecencyWindow(page)
}

// ParsePlan decodes a planner reply of the form {"steps": [...]}. Steps
// without keywords are dropped. language fills keys that omit one.
func ParsePlan(text, language string) PlanResult {
	var reply struct {
		Steps *[]rawStep `json:"steps"`
	}
	if err := llm.DecodeJSON(text, &reply); err != nil {
		return PlanResult{Err: err}
	}
	if reply.Steps == nil {
		return PlanResult{Err: fmt.Errorf("%w: missing steps", domain.ErrMalformedResponse)}
	}

	var steps []domain.PlanStep
	for _, raw := range *reply.Steps {
		step := raw.toPlanStep(language)
		if len(step.QueryKeys) == 0 {
			continue
		}
		steps = append(steps, step)
	}
	return PlanResult{Steps: steps}
}

// ParseSearchRequest decodes a single search request reply from the keyword
// model. A request without any usable key is malformed.
func ParseSearchRequest(text, language string, maxResults int) (domain.SearchRequest, error) {
	var raw rawStep
	if err := llm.DecodeJSON(text, &raw); err != nil {
		return domain.SearchRequest{}, err
	}
	step := raw.toPlanStep(language)
	if len(step.QueryKeys) == 0 {
		return domain.SearchRequest{}, fmt.Errorf("%w: no search keys", domain.ErrMalformedResponse)
	}
	return step.ToSearchRequest(maxResults), nil
}

// Planner produces search plans with the keyword model
type Planner struct {
	client   domain.LLMClient
	language string
	logger   observability.Logger
	now      func() time.Time
}

// NewPlanner creates a planner. An empty language falls back to DefaultLanguage.
func NewPlanner(client domain.LLMClient, language string, logger observability.Logger) (*Planner, error) {
	if client == nil {
		return nil, fmt.Errorf("planner: llm client is required")
	}
	if language == "" {
		language = DefaultLanguage
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Planner{client: client, language: language, logger: logger, now: time.Now}, nil
}

// First plans the research from the conversation and a reference corpus
func (p *Planner) First(ctx context.Context, conversation, reference string, remaining int) PlanResult {
	return p.plan(ctx, "first", firstPlanPrompt(p.now(), conversation, reference, remaining, p.language))
}

// Next plans the following steps given what has been executed and gathered
func (p *Planner) Next(ctx context.Context, conversation string, purposes []string, accumulated string, remaining int) PlanResult {
	return p.plan(ctx, "next", nextPlanPrompt(p.now(), conversation, purposes, accumulated, remaining, p.language))
}

func (p *Planner) plan(ctx context.Context, kind, prompt string) PlanResult {
	resp, err := p.client.Chat(ctx, []domain.Message{{Role: "user", Content: prompt}}, domain.ChatOptions{Temperature: 0.3})
	if err != nil {
		p.logger.Error(ctx, "plan generation failed", err, map[string]interface{}{
			"plan": kind,
		})
		return PlanResult{Err: fmt.Errorf("failed to generate %s plan: %w", kind, err)}
	}

	result := ParsePlan(resp.Content, p.language)
	if result.Err != nil {
		p.logger.Warn(ctx, "plan reply unreadable", map[string]interface{}{
			"plan":  kind,
			"error": result.Err.Error(),
		})
		return result
	}

	p.logger.Info(ctx, "plan generated", map[string]interface{}{
		"plan":  kind,
		"steps": len(result.Steps),
	})
	return result
}
