// Package evaluate scores search candidates against a research purpose and
// curates the subset worth fetching in full.
package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/llm"
	"github.com/ncolesummers/deep-research-agent/pkg/observability"
	"github.com/ncolesummers/deep-research-agent/pkg/retry"
)

// DefaultBatchSize is the number of results scored per LLM call
const DefaultBatchSize = 15

// DefaultPolicy gives each batch three immediate attempts
var DefaultPolicy = retry.Policy{Attempts: 3}

// ScoreResult is the parse of one scoring reply: either a score per batch
// index, or the reason the reply could not be used.
type ScoreResult struct {
	Scores map[int]float64
	Err    error
}

// ParseScores decodes a reply mapping batch indices to scores. The reply must
// score exactly batchLen distinct indices in [0, batchLen).
func ParseScores(text string, batchLen int) ScoreResult {
	var raw map[string]json.RawMessage
	if err := llm.DecodeJSON(text, &raw); err != nil {
		return ScoreResult{Err: err}
	}
	if len(raw) != batchLen {
		return ScoreResult{Err: fmt.Errorf("%w: %d scores for %d results", domain.ErrMalformedResponse, len(raw), batchLen)}
	}

	scores := make(map[int]float64, len(raw))
	for key, value := range raw {
		idx, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil || idx < 0 || idx >= batchLen {
			return ScoreResult{Err: fmt.Errorf("%w: bad index %q", domain.ErrMalformedResponse, key)}
		}
		if _, dup := scores[idx]; dup {
			return ScoreResult{Err: fmt.Errorf("%w: index %d scored twice", domain.ErrMalformedResponse, idx)}
		}
		score, err := parseScore(value)
		if err != nil {
			return ScoreResult{Err: fmt.Errorf("%w: index %d: %v", domain.ErrMalformedResponse, idx, err)}
		}
		scores[idx] = score
	}
	return ScoreResult{Scores: scores}
}

// parseScore accepts a JSON number or a numeric string
func parseScore(value json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(value, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return 0, fmt.Errorf("score is neither number nor string")
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) {
		return 0, fmt.Errorf("score %q is not numeric", s)
	}
	return f, nil
}

// Options configures an Evaluator
type Options struct {
	BatchSize   int
	Concurrency int
	Policy      *retry.Policy
	Logger      observability.Logger
	Telemetry   *observability.Telemetry
}

// Evaluator is the batched relevance scorer
type Evaluator struct {
	client      domain.LLMClient
	batchSize   int
	concurrency int
	policy      retry.Policy
	logger      observability.Logger
	telemetry   *observability.Telemetry
	now         func() time.Time
}

// NewEvaluator creates an evaluator that scores with client
func NewEvaluator(client domain.LLMClient, opts Options) (*Evaluator, error) {
	if client == nil {
		return nil, fmt.Errorf("evaluate: llm client is required")
	}
	e := &Evaluator{
		client:      client,
		batchSize:   opts.BatchSize,
		concurrency: opts.Concurrency,
		policy:      DefaultPolicy,
		logger:      opts.Logger,
		telemetry:   opts.Telemetry,
		now:         time.Now,
	}
	if e.batchSize < 1 {
		e.batchSize = DefaultBatchSize
	}
	if e.concurrency < 1 {
		e.concurrency = 5
	}
	if opts.Policy != nil {
		e.policy = *opts.Policy
	}
	if e.logger == nil {
		e.logger = observability.NewNopLogger()
	}
	if e.telemetry == nil {
		e.telemetry = observability.NewNopTelemetry()
	}
	return e, nil
}

// Score sets RelevanceScore on every result, in place. Batches are scored
// concurrently; a batch that cannot be scored falls back to each result's own
// Score.
func (e *Evaluator) Score(ctx context.Context, purpose string, results []*domain.SearchResult) {
	if len(results) == 0 {
		return
	}

	var batches [][]*domain.SearchResult
	for start := 0; start < len(results); start += e.batchSize {
		end := min(start+e.batchSize, len(results))
		batches = append(batches, results[start:end])
	}

	e.logger.Info(ctx, "scoring search results", map[string]interface{}{
		"results": len(results),
		"batches": len(batches),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(e.concurrency, len(batches)))
	for i, batch := range batches {
		g.Go(func() error {
			e.scoreBatch(gctx, i, purpose, batch)
			return nil
		})
	}
	_ = g.Wait()
}

// Rank scores results, orders them by relevance (ties keep discovery order)
// and keeps at most maxResults.
func (e *Evaluator) Rank(ctx context.Context, purpose string, results []*domain.SearchResult, maxResults int) []*domain.SearchResult {
	e.Score(ctx, purpose, results)

	ranked := make([]*domain.SearchResult, len(results))
	copy(ranked, results)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].RelevanceScore > ranked[j].RelevanceScore
	})
	if maxResults > 0 && len(ranked) > maxResults {
		ranked = ranked[:maxResults]
	}
	return ranked
}

// scoreBatch sets RelevanceScore on one batch. Any failure, panics included,
// leaves each result with its own Score.
func (e *Evaluator) scoreBatch(ctx context.Context, idx int, purpose string, batch []*domain.SearchResult) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error(ctx, "relevance scoring panicked, using default scores", fmt.Errorf("%v", rec), map[string]interface{}{
				"batch": idx,
				"stack": string(debug.Stack()),
			})
			e.telemetry.Metrics().RecordRelevanceBatch(ctx, "fallback")
			for _, r := range batch {
				r.RelevanceScore = r.Score
			}
		}
	}()

	prompt := relevancePrompt(e.now(), purpose, batch)

	scores, err := retry.DoValue(ctx, e.policy, func(ctx context.Context) (map[int]float64, error) {
		resp, err := e.client.Chat(ctx, []domain.Message{{Role: "user", Content: prompt}}, domain.ChatOptions{Temperature: 0.1})
		if err != nil {
			return nil, err
		}
		parsed := ParseScores(resp.Content, len(batch))
		if parsed.Err != nil {
			e.logger.Warn(ctx, "relevance reply rejected", map[string]interface{}{
				"batch": idx,
				"error": parsed.Err.Error(),
			})
			return nil, parsed.Err
		}
		return parsed.Scores, nil
	})

	if err != nil {
		e.logger.Warn(ctx, "relevance scoring failed, using default scores", map[string]interface{}{
			"batch": idx,
			"error": err.Error(),
		})
		e.telemetry.Metrics().RecordRelevanceBatch(ctx, "fallback")
		for _, r := range batch {
			r.RelevanceScore = r.Score
		}
		return
	}

	e.telemetry.Metrics().RecordRelevanceBatch(ctx, "success")
	for i, r := range batch {
		r.RelevanceScore = scores[i]
	}
}
