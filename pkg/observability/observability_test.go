package observability_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ncolesummers/deep-research-agent/pkg/observability"
)

func TestStructuredLogger_AddsComponentAndAttributes(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := observability.NewStructuredLogger(zap.New(core), "search")

	logger.Info(context.Background(), "query done", map[string]interface{}{"results": 4})
	logger.Error(context.Background(), "query failed", errors.New("boom"))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "search", entries[0].LoggerName)
	assert.Equal(t, int64(4), entries[0].ContextMap()["results"])
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
}

func TestStructuredLogger_TraceCorrelation(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := observability.NewStructuredLogger(zap.New(core), "loop")

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	logger.Info(ctx, "inside span")
	span.End()

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, span.SpanContext().TraceID().String(), fields["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), fields["span_id"])
}

func TestStructuredLogger_DebugFiltered(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := observability.NewStructuredLogger(zap.New(core), "x")
	logger.Debug(context.Background(), "hidden")
	assert.Zero(t, logs.Len())
}

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	_, err := observability.NewLogger("loud", "json")
	assert.Error(t, err)

	l, err := observability.NewLogger("debug", "console")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestInstrumentWorkflowNode_RecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	tel, err := observability.NewTelemetryWithProviders(nil, tp, mp)
	require.NoError(t, err)

	err = tel.InstrumentWorkflowNode(context.Background(), "planning", "planning", func(context.Context) error {
		return errors.New("planner down")
	})
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "workflow.node.planning", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestMetrics_ActiveResearchGauge(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := observability.NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordResearchRequest(ctx, "deep_research")
	m.RecordResearchRequest(ctx, "search")
	m.RecordResearchComplete(ctx, 0, "no further plan")
	m.RecordSearchQuery(ctx, "searxng", 7, nil)

	assert.Equal(t, int64(1), m.GetActiveResearchCount())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			names[md.Name] = true
		}
	}
	assert.True(t, names["research_requests_total"])
	assert.True(t, names["search_results_total"])
	assert.True(t, names["active_research_requests"])
}

func TestMetricsHandler(t *testing.T) {
	tel, err := observability.NewTelemetry(&observability.TelemetryConfig{
		ServiceName:   "test",
		EnableMetrics: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	tel.Metrics().RecordResearchRequest(context.Background(), "search")

	rec := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "research_requests_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	off, err := observability.NewTelemetry(&observability.TelemetryConfig{ServiceName: "test"})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	off.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
