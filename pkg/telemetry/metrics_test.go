package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/polis-incident/pkg/domain"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestRecordOutcome(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()

	RecordOutcome(ctx, Outcome{FeatureID: "short-text", Kind: "failure", Scenario: "OutOfMemoryException", Duration: 150 * time.Millisecond})
	RecordOutcome(ctx, Outcome{FeatureID: "short-text", Kind: "failure", Scenario: "OutOfMemoryException"})

	metrics := collect(t, reader)

	counter, ok := metrics["incident.outcomes_total"]
	require.True(t, ok, "missing incident.outcomes_total")
	sum, ok := counter.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(2), sum.DataPoints[0].Value)
	value, ok := sum.DataPoints[0].Attributes.Value(attribute.Key("scenario.name"))
	require.True(t, ok)
	assert.Equal(t, "OutOfMemoryException", value.AsString())

	hist, ok := metrics["incident.analysis.duration_ms"]
	require.True(t, ok)
	histData := hist.Data.(metricdata.Histogram[float64])
	require.Len(t, histData.DataPoints, 1)
	assert.Equal(t, uint64(1), histData.DataPoints[0].Count)
}

func TestOTelBackend_Signals(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	backend := NewOTelBackend(tp, mp, []Redaction{{Attribute: "clientIP", Strategy: RedactMask}})
	ctx := context.Background()

	props := domain.NewProperties(map[string]string{
		"correlationId": "req_x_1",
		"clientIP":      "10.0.147.23",
		"featureId":     "short-text",
	})

	require.NoError(t, backend.Send(ctx, domain.DiagnosticRecord{Kind: domain.KindEvent, Name: "AI_Analysis_Completed", Properties: props}))
	require.NoError(t, backend.Send(ctx, domain.DiagnosticRecord{Kind: domain.KindTrace, Severity: domain.SeverityWarning, Name: "CPUSaturationWarning", Message: "slow", Properties: props}))
	require.NoError(t, backend.Send(ctx, domain.DiagnosticRecord{Kind: domain.KindException, Severity: domain.SeverityError, Name: "OutOfMemoryException", Message: "heap", Stack: "OutOfMemoryException: heap\n    at a (b.cs:1:2)", Properties: props}))
	require.NoError(t, backend.Send(ctx, domain.DiagnosticRecord{Kind: domain.KindMetric, Name: "AnalysisDuration", Value: 42, Properties: props}))
	require.NoError(t, backend.Flush(ctx))

	spans := recorder.Ended()
	require.Len(t, spans, 3)

	event := spans[0]
	assert.Equal(t, "AI_Analysis_Completed", event.Name())
	require.Len(t, event.Events(), 1)
	for _, kv := range event.Attributes() {
		if kv.Key == "clientIP" {
			assert.Equal(t, "10.0***7.23", kv.Value.AsString())
		}
	}

	trace := spans[1]
	require.Len(t, trace.Events(), 1)
	assert.Equal(t, "slow", trace.Events()[0].Name)

	exc := spans[2]
	assert.Equal(t, codes.Error, exc.Status().Code)
	require.Len(t, exc.Events(), 1)
	assert.Equal(t, "exception", exc.Events()[0].Name)

	metrics := collect(t, reader)
	hist, ok := metrics["AnalysisDuration"]
	require.True(t, ok)
	data := hist.Data.(metricdata.Histogram[float64])
	require.Len(t, data.DataPoints, 1)
	assert.Equal(t, 42.0, data.DataPoints[0].Sum)
	_, hasCorrelation := data.DataPoints[0].Attributes.Value("correlationId")
	assert.False(t, hasCorrelation)
}

func TestOTelBackend_RejectsUnknownKindAndCancelled(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	backend := NewOTelBackend(tp, sdkmetric.NewMeterProvider(), nil)

	assert.Error(t, backend.Send(context.Background(), domain.DiagnosticRecord{Kind: "log"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, backend.Send(ctx, domain.DiagnosticRecord{Kind: domain.KindEvent}), context.Canceled)
}

func TestMetrics_HandlerExposesDeliveries(t *testing.T) {
	m := NewMetrics()
	m.recordDelivery(domain.KindEvent, StateDelivered)
	m.ObserveHTTP(http.MethodPost, "/api/analyze", http.StatusOK, 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("POST", "/api/analyze", "200")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `incident_telemetry_deliveries_total{kind="event",state="delivered"} 1`)

	var nilMetrics *Metrics
	nilMetrics.ObserveHTTP("GET", "/", 200, time.Millisecond)
	nilMetrics.recordRetry(domain.KindEvent)
}

func TestSetupProvider(t *testing.T) {
	ctx := context.Background()
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := SetupProvider(ctx, Config{ServiceName: "incident-test"})
	require.NoError(t, err)
	require.NoError(t, shutdown(ctx))

	var out bytes.Buffer
	shutdown, err = SetupProvider(ctx, Config{ServiceName: "incident-test", Exporter: ExporterStdout, Writer: &out})
	require.NoError(t, err)
	_, span := otel.Tracer("test").Start(ctx, "stdout-span")
	span.End()
	require.NoError(t, shutdown(ctx))
	assert.True(t, strings.Contains(out.String(), `"stdout-span"`))

	_, err = SetupProvider(ctx, Config{Exporter: "kafka"})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	_, err = SetupProvider(ctx, Config{Exporter: ExporterOTLP})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestParseConnectionString(t *testing.T) {
	info, err := ParseConnectionString("InstrumentationKey=abc-123;IngestionEndpoint=https://westus2-0.in.applicationinsights.azure.com/;LiveEndpoint=https://westus2.livediagnostics.monitor.azure.com/")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", info.InstrumentationKey)
	assert.Equal(t, "westus2-0.in.applicationinsights.azure.com:443", info.Endpoint)
	assert.Equal(t, map[string]string{"x-instrumentation-key": "abc-123"}, info.Headers)

	info, err = ParseConnectionString("instrumentationkey=k; OtlpEndpoint=collector:4317; IngestionEndpoint=https://ignored")
	require.NoError(t, err)
	assert.Equal(t, "collector:4317", info.Endpoint)

	for _, bad := range []string{"", "IngestionEndpoint=https://x", "InstrumentationKey=k;garbage", "=v;InstrumentationKey=k"} {
		_, err := ParseConnectionString(bad)
		assert.ErrorIs(t, err, domain.ErrConfigInvalid, bad)
	}
}
