package workflow

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/ncolesummers/deep-research-agent/pkg/acquire"
	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/evaluate"
	"github.com/ncolesummers/deep-research-agent/pkg/observability"
	"github.com/ncolesummers/deep-research-agent/pkg/search"
)

// QuickSearchOptions configures a QuickSearch
type QuickSearchOptions struct {
	MaxResults int
	Language   string
	Logger     observability.Logger
	Telemetry  *observability.Telemetry
}

// QuickSearch is the single-request search: keywords from the keyword model,
// one federated search, relevance ranking and an optional deep scan.
type QuickSearch struct {
	keywords   domain.LLMClient
	executor   *search.Executor
	evaluator  *evaluate.Evaluator
	acquirer   *acquire.Acquirer
	maxResults int
	language   string
	logger     observability.Logger
	telemetry  *observability.Telemetry
	now        func() time.Time
}

// NewQuickSearch wires a QuickSearch. acquirer may be nil when only shallow
// searches are run.
func NewQuickSearch(keywords domain.LLMClient, executor *search.Executor, evaluator *evaluate.Evaluator, acquirer *acquire.Acquirer, opts QuickSearchOptions) (*QuickSearch, error) {
	if keywords == nil {
		return nil, fmt.Errorf("quick search: keyword client is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("quick search: search executor is required")
	}
	if evaluator == nil {
		return nil, fmt.Errorf("quick search: evaluator is required")
	}

	q := &QuickSearch{
		keywords:   keywords,
		executor:   executor,
		evaluator:  evaluator,
		acquirer:   acquirer,
		maxResults: opts.MaxResults,
		language:   opts.Language,
		logger:     opts.Logger,
		telemetry:  opts.Telemetry,
		now:        time.Now,
	}
	if q.maxResults < 1 {
		q.maxResults = domain.DefaultMaxResults
	}
	if q.language == "" {
		q.language = DefaultLanguage
	}
	if q.logger == nil {
		q.logger = observability.NewNopLogger()
	}
	if q.telemetry == nil {
		q.telemetry = observability.NewNopTelemetry()
	}
	return q, nil
}

// GenerateRequest asks the keyword model for a search request covering the
// conversation
func (q *QuickSearch) GenerateRequest(ctx context.Context, conversation string) (domain.SearchRequest, error) {
	prompt := keywordPrompt(q.now(), conversation, q.language)
	resp, err := q.keywords.Chat(ctx, []domain.Message{{Role: "user", Content: prompt}}, domain.ChatOptions{Temperature: 0.3})
	if err != nil {
		return domain.SearchRequest{}, fmt.Errorf("failed to generate search keywords: %w", err)
	}

	req, err := ParseSearchRequest(resp.Content, q.language, q.maxResults)
	if err != nil {
		q.logger.Warn(ctx, "keyword reply unreadable", map[string]interface{}{
			"error": err.Error(),
		})
		return domain.SearchRequest{}, err
	}
	return req, nil
}

// Run searches for req, ranks the candidates and keeps the top results. With
// deep, each kept result is replaced by its acquired page content.
func (q *QuickSearch) Run(ctx context.Context, req domain.SearchRequest, deep bool) *domain.SearchResults {
	out := domain.NewSearchResults(req)

	candidates := q.executor.Search(ctx, req, nil)
	if candidates.Len() == 0 {
		q.logger.Warn(ctx, "search returned no candidates", map[string]interface{}{
			"purpose": req.Purpose,
		})
		return out
	}

	top := q.evaluator.Rank(ctx, req.Purpose, candidates.Results, req.EffectiveMaxResults())
	if deep && q.acquirer != nil {
		return q.acquirer.DeepScan(ctx, req, top)
	}

	for _, r := range top {
		r.Score = r.RelevanceScore
		out.Add(r)
	}
	return out
}

// Reference runs the shallow search used to seed the first research plan. It
// returns the serialized results, or "" when nothing could be found.
func (q *QuickSearch) Reference(ctx context.Context, conversation string) string {
	req, err := q.GenerateRequest(ctx, conversation)
	if err != nil {
		q.logger.Warn(ctx, "reference search skipped", map[string]interface{}{
			"error": err.Error(),
		})
		return ""
	}
	results := q.Run(ctx, req, false)
	if results.Len() == 0 {
		return ""
	}
	return results.String()
}

// Stream runs a deep quick search for the conversation and reports progress.
// The last event is always the results event.
func (q *QuickSearch) Stream(ctx context.Context, conversation string) iter.Seq[string] {
	return func(yield func(string) bool) {
		ctx, span := q.telemetry.StartResearchRequest(ctx, "", "search", conversation)
		defer span.End()

		start := time.Now()
		reason := string(domain.ReasonContextCanceled)
		q.telemetry.Metrics().RecordResearchRequest(ctx, "search")
		defer func() {
			q.telemetry.Metrics().RecordResearchComplete(ctx, time.Since(start), reason)
		}()

		req, err := q.GenerateRequest(ctx, conversation)
		if err != nil {
			q.logger.Error(ctx, "keyword generation failed", err)
			reason = "keyword generation failed"
			if !yield("Keyword generation failed\n") {
				return
			}
			yield(ResultsEvent(domain.NewSearchResults(domain.SearchRequest{})))
			return
		}

		step := domain.PlanStep{Purpose: req.Purpose, Restrictions: req.Restrictions, QueryKeys: req.QueryKeys, Recency: req.Recency}
		for _, line := range FormatPlan(step) {
			if !yield(line) {
				return
			}
		}
		if !yield("Searching...\n") {
			return
		}

		results := q.Run(ctx, req, true)
		reason = "done"

		if !yield(fmt.Sprintf("Search done, %d results\n", results.Len())) {
			return
		}
		yield(ResultsEvent(results))
	}
}
