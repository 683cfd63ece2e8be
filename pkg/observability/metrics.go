package observability

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics
type Metrics struct {
	meter metric.Meter

	// Counters
	researchRequestsTotal   metric.Int64Counter
	researchIterationsTotal metric.Int64Counter
	searchQueriesTotal      metric.Int64Counter
	searchResultsTotal      metric.Int64Counter
	relevanceBatchesTotal   metric.Int64Counter
	contentFetchTotal       metric.Int64Counter
	contentCompressTotal    metric.Int64Counter
	llmRequestsTotal        metric.Int64Counter
	llmTokensUsedTotal      metric.Int64Counter
	heartbeatsTotal         metric.Int64Counter

	// Histograms
	researchDuration   metric.Float64Histogram
	llmRequestDuration metric.Float64Histogram

	// Gauges (using async instruments)
	activeResearchRequests metric.Int64ObservableGauge

	activeResearchCount atomic.Int64
}

// NewMetrics creates and initializes all metrics
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{
		meter: meter,
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.researchRequestsTotal, "research_requests_total", "Total number of research requests"},
		{&m.researchIterationsTotal, "research_iterations_total", "Total number of executed research plans"},
		{&m.searchQueriesTotal, "search_queries_total", "Total number of search backend queries"},
		{&m.searchResultsTotal, "search_results_total", "Total number of raw search results received"},
		{&m.relevanceBatchesTotal, "relevance_batches_total", "Total number of relevance scoring batches"},
		{&m.contentFetchTotal, "content_fetch_total", "Total number of crawler backend fetches"},
		{&m.contentCompressTotal, "content_compress_total", "Total number of content compression calls"},
		{&m.llmRequestsTotal, "llm_requests_total", "Total number of LLM requests"},
		{&m.llmTokensUsedTotal, "llm_tokens_used_total", "Total number of LLM tokens used"},
		{&m.heartbeatsTotal, "heartbeats_total", "Total number of stream heartbeats sent"},
	}

	var err error
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit("1"),
		)
		if err != nil {
			return nil, err
		}
	}

	m.researchDuration, err = meter.Float64Histogram(
		"research_duration_seconds",
		metric.WithDescription("Duration of research requests in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.llmRequestDuration, err = meter.Float64Histogram(
		"llm_request_duration_seconds",
		metric.WithDescription("Duration of LLM requests in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.activeResearchRequests, err = meter.Int64ObservableGauge(
		"active_research_requests",
		metric.WithDescription("Number of active research requests"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.activeResearchCount.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordResearchRequest records a new research request. mode is "search" or "deep_research".
func (m *Metrics) RecordResearchRequest(ctx context.Context, mode string) {
	m.researchRequestsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
		),
	)
	m.activeResearchCount.Add(1)
}

// RecordResearchComplete records completion of a research request
func (m *Metrics) RecordResearchComplete(ctx context.Context, duration time.Duration, reason string) {
	m.researchDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("reason", reason),
		),
	)
	m.activeResearchCount.Add(-1)
}

// RecordResearchIteration records one executed plan
func (m *Metrics) RecordResearchIteration(ctx context.Context) {
	m.researchIterationsTotal.Add(ctx, 1)
}

// RecordSearchQuery records one backend query and how many results it returned
func (m *Metrics) RecordSearchQuery(ctx context.Context, backend string, results int, err error) {
	m.searchQueriesTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", statusOf(err)),
		),
	)
	if results > 0 {
		m.searchResultsTotal.Add(ctx, int64(results),
			metric.WithAttributes(
				attribute.String("backend", backend),
			),
		)
	}
}

// RecordRelevanceBatch records a scoring batch; status is "success" or "fallback"
func (m *Metrics) RecordRelevanceBatch(ctx context.Context, status string) {
	m.relevanceBatchesTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", status),
		),
	)
}

// RecordContentFetch records one crawler attempt; status is "accepted", "short", "error" or "skipped"
func (m *Metrics) RecordContentFetch(ctx context.Context, backend, status string) {
	m.contentFetchTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
}

// RecordContentCompress records one compression outcome
func (m *Metrics) RecordContentCompress(ctx context.Context, status string) {
	m.contentCompressTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", status),
		),
	)
}

// RecordLLMRequest records an LLM request
func (m *Metrics) RecordLLMRequest(ctx context.Context, model string, promptTokens, completionTokens int64, duration time.Duration) {
	m.llmRequestsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model", model),
		),
	)

	m.llmTokensUsedTotal.Add(ctx, promptTokens+completionTokens,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("type", "total"),
		),
	)

	m.llmRequestDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("model", model),
		),
	)
}

// RecordHeartbeat records a keep-alive sent to a stream consumer
func (m *Metrics) RecordHeartbeat(ctx context.Context) {
	m.heartbeatsTotal.Add(ctx, 1)
}

// GetActiveResearchCount returns the current number of active research requests
func (m *Metrics) GetActiveResearchCount() int64 {
	return m.activeResearchCount.Load()
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
