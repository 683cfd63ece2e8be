package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/observability"
)

// TestTimeout provides a standard timeout for test contexts
const TestTimeout = 5 * time.Second

// NewTestContext creates a context with standard test timeout
func NewTestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	t.Cleanup(cancel)
	return ctx
}

// NewTestResult creates a search result whose URL and title derive from id
func NewTestResult(id int, content string) *domain.SearchResult {
	return &domain.SearchResult{
		URL:     fmt.Sprintf("https://example.com/%d", id),
		Title:   fmt.Sprintf("Result %d", id),
		Content: content,
		Score:   3,
	}
}

// NewTestResults creates a collection of n distinct results
func NewTestResults(n int) *domain.SearchResults {
	results := domain.NewSearchResults(domain.SearchRequest{Purpose: "test purpose"})
	for i := 1; i <= n; i++ {
		results.Add(NewTestResult(i, fmt.Sprintf("snippet %d", i)))
	}
	return results
}

// SetupTestTelemetry creates test telemetry with span recorder and metric reader
func SetupTestTelemetry(spanRecorder *tracetest.SpanRecorder, metricReader metric.Reader) *observability.Telemetry {
	tracerProvider := trace.NewTracerProvider(
		trace.WithSpanProcessor(spanRecorder),
	)
	meterProvider := metric.NewMeterProvider(
		metric.WithReader(metricReader),
	)

	config := &observability.TelemetryConfig{
		ServiceName:    "test-service",
		ServiceVersion: "test",
		Environment:    "test",
		EnableTracing:  true,
		EnableMetrics:  true,
		SamplingRate:   1.0,
	}

	telemetry, err := observability.NewTelemetryWithProviders(config, tracerProvider, meterProvider)
	if err != nil {
		panic(err)
	}
	return telemetry
}
