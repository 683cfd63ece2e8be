// Package search runs federated web searches: one logical request fanned out
// as several keyword/language queries against the configured backend, folded
// into a deduplicated candidate set.
package search

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ncolesummers/deep-research-agent/pkg/config"
	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/observability"
	"github.com/ncolesummers/deep-research-agent/pkg/retry"
)

// DefaultMaxCandidates bounds the raw candidates handed to relevance scoring
const DefaultMaxCandidates = 50

// DefaultPolicy retries transport and status failures three times, one second apart
var DefaultPolicy = retry.Policy{
	Attempts:  3,
	Delay:     time.Second,
	Retryable: Retryable,
}

// Retryable reports whether a backend error is transient
func Retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return true
	}
	return retry.IsNetworkError(err)
}

// Options configures an Executor
type Options struct {
	Concurrency   int
	MaxCandidates int
	Blacklist     *Blacklist
	Policy        *retry.Policy
	Logger        observability.Logger
	Telemetry     *observability.Telemetry
}

// Executor is the federated search executor
type Executor struct {
	backend       domain.SearchBackend
	concurrency   int
	maxCandidates int
	blacklist     *Blacklist
	policy        retry.Policy
	logger        observability.Logger
	telemetry     *observability.Telemetry
}

// NewExecutor creates an executor over a single backend
func NewExecutor(backend domain.SearchBackend, opts Options) (*Executor, error) {
	if backend == nil {
		return nil, domain.ErrNoBackend
	}

	e := &Executor{
		backend:       backend,
		concurrency:   opts.Concurrency,
		maxCandidates: opts.MaxCandidates,
		blacklist:     opts.Blacklist,
		policy:        DefaultPolicy,
		logger:        opts.Logger,
		telemetry:     opts.Telemetry,
	}
	if e.concurrency < 1 {
		e.concurrency = 5
	}
	if e.maxCandidates < 1 {
		e.maxCandidates = DefaultMaxCandidates
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

// NewBackend selects the search backend from configuration once at startup:
// SearxNG when a URL is configured, otherwise Tavily.
func NewBackend(cfg config.SearchConfig) (domain.SearchBackend, error) {
	var backend domain.SearchBackend
	switch {
	case cfg.SearxngURL != "":
		backend = NewSearxNG(cfg.SearxngURL, cfg.SearxngEngines, cfg.Timeout)
	case cfg.TavilyKey != "":
		backend = NewTavily("", cfg.TavilyKey, cfg.TavilyMaxResults, cfg.Timeout)
	default:
		return nil, fmt.Errorf("search: %w", domain.ErrNoBackend)
	}
	return RateLimited(backend, cfg.RequestsPerSec), nil
}

// Search runs every valid query key of req concurrently and returns the folded
// candidates. Results whose URL is in excluded are dropped. A failing key
// contributes nothing; the result is empty only when every key came back empty.
func (e *Executor) Search(ctx context.Context, req domain.SearchRequest, excluded []string) *domain.SearchResults {
	var keys []domain.QueryKey
	for _, k := range req.QueryKeys {
		if k.Valid() {
			keys = append(keys, k)
		}
	}

	perKey := make([][]domain.SearchResult, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			perKey[i] = e.query(gctx, key, req.Recency)
			return nil
		})
	}
	_ = g.Wait()

	return e.fold(ctx, req, perKey, excluded)
}

// query runs one key with retries. Failures, panics included, are logged and
// yield no results.
func (e *Executor) query(ctx context.Context, key domain.QueryKey, window domain.RecencyWindow) (results []domain.SearchResult) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error(ctx, "search query panicked", fmt.Errorf("%v", rec), map[string]interface{}{
				"backend": e.backend.Name(),
				"query":   key.Text,
				"stack":   string(debug.Stack()),
			})
			results = nil
		}
	}()

	err := e.telemetry.InstrumentBackendCall(ctx, "search", e.backend.Name(), func(ctx context.Context) error {
		var err error
		results, err = retry.DoValue(ctx, e.policy, func(ctx context.Context) ([]domain.SearchResult, error) {
			return e.backend.Search(ctx, key, window)
		})
		return err
	})
	e.telemetry.Metrics().RecordSearchQuery(ctx, e.backend.Name(), len(results), err)

	if err != nil {
		e.logger.Error(ctx, "search query failed", err, map[string]interface{}{
			"backend":  e.backend.Name(),
			"query":    key.Text,
			"language": key.Language,
		})
		return nil
	}

	e.logger.Debug(ctx, "search query finished", map[string]interface{}{
		"backend": e.backend.Name(),
		"query":   key.Text,
		"results": len(results),
	})
	return results
}

// fold merges per-key results in key order: title and URL duplicates are
// suppressed (first seen wins), then the blacklist and exclusions apply, then
// the candidate cap.
func (e *Executor) fold(ctx context.Context, req domain.SearchRequest, perKey [][]domain.SearchResult, excluded []string) *domain.SearchResults {
	skip := make(map[string]struct{}, len(excluded))
	for _, u := range excluded {
		skip[u] = struct{}{}
	}

	folded := domain.NewSearchResults(req)
	var total, blocked, seen int
	for _, results := range perKey {
		for i := range results {
			total++
			r := results[i]
			if e.blacklist.Blocked(r.URL) {
				blocked++
				continue
			}
			if _, ok := skip[r.URL]; ok {
				seen++
				continue
			}
			folded.Add(&r)
		}
	}

	if folded.Len() > e.maxCandidates {
		folded.Results = folded.Results[:e.maxCandidates]
	}

	e.logger.Info(ctx, "federated search finished", map[string]interface{}{
		"purpose":     req.Purpose,
		"raw_results": total,
		"blacklisted": blocked,
		"excluded":    seen,
		"candidates":  folded.Len(),
	})
	if folded.Len() == 0 {
		e.logger.Warn(ctx, "federated search found no results", map[string]interface{}{
			"purpose": req.Purpose,
		})
	}
	return folded
}
