package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-incident/pkg/correlation"
	"github.com/polisai/polis-incident/pkg/diagnostics"
	"github.com/polisai/polis-incident/pkg/domain"
	"github.com/polisai/polis-incident/pkg/scenario"
	"github.com/polisai/polis-incident/pkg/telemetry"
)

var testNow = time.Date(2025, 11, 5, 10, 30, 0, 0, time.UTC)

// always returns a policy that sends every feature to one outcome.
func always(kind scenario.OutcomeKind, groups ...string) *scenario.Policy {
	return &scenario.Policy{Default: []scenario.Bucket{{Threshold: 1, Outcome: kind, Groups: groups}}}
}

type fixture struct {
	svc     *Service
	backend *telemetry.MemoryBackend
}

func newFixture(t *testing.T, policy *scenario.Policy) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := &telemetry.MemoryBackend{}
	clock := func() time.Time { return testNow }
	src := scenario.NewSeededSource(11)

	svc, err := NewService(Options{
		Logger:    logger,
		Policy:    policy,
		Source:    src,
		Generator: correlation.NewGenerator(correlation.WithClock(clock)),
		Builder:   diagnostics.NewBuilder(diagnostics.Options{Logger: logger, Now: clock, Source: scenario.NewSeededSource(12)}),
		Pipeline:  telemetry.NewPipeline(backend, telemetry.Options{Logger: logger, RetryDelay: time.Millisecond}),
	})
	require.NoError(t, err)
	return &fixture{svc: svc, backend: backend}
}

// records closes the service and returns what reached the backend.
func (f *fixture) records(t *testing.T) []domain.DiagnosticRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Close(ctx))
	return f.backend.Records()
}

func byName(recs []domain.DiagnosticRecord, name string) (domain.DiagnosticRecord, bool) {
	for _, r := range recs {
		if r.Name == name {
			return r, true
		}
	}
	return domain.DiagnosticRecord{}, false
}

func TestAnalyzeBuffer_OversizedBuffer(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.AnalyzeBuffer(context.Background(), make([]byte, 600*1024), Metadata{FileName: "big.png"})

	var violation *domain.BufferIntegrityViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, domain.RuleSizeLimitExceeded, violation.Rule)
	assert.Equal(t, 524288, violation.Limit)
	assert.Equal(t, 614400, violation.Actual)
	assert.NotEmpty(t, violation.CorrelationID)
	assert.ErrorIs(t, err, domain.ErrBufferIntegrity)

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.KindException, recs[0].Kind)
	assert.Equal(t, domain.SeverityError, recs[0].Severity)
	assert.Equal(t, violation.CorrelationID, recs[0].CorrelationID())
	assert.Equal(t, "big.png", recs[0].Properties.Value("imageFileName"))
}

func TestAnalyzeBuffer_Signature(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.AnalyzeBuffer(context.Background(), []byte("header...OVERFLOW"), Metadata{FileName: "tail.bin"})

	var violation *domain.BufferIntegrityViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, domain.RuleForbiddenSignatureDetected, violation.Rule)
}

func TestAnalyzeBuffer_RejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.AnalyzeBuffer(context.Background(), nil, Metadata{FileName: "empty.png"})
	assert.ErrorIs(t, err, domain.ErrEmptyBuffer)

	_, err = f.svc.AnalyzeBuffer(context.Background(), []byte("x"), Metadata{FeatureID: "telepathy"})
	assert.ErrorIs(t, err, domain.ErrUnknownFeature)

	assert.Empty(t, f.records(t))
}

func TestAnalyzeBuffer_Success(t *testing.T) {
	f := newFixture(t, &scenario.Policy{})
	buf := append([]byte("STOP sign at the corner of Main Street"), make([]byte, 40*1024)...)

	out, err := f.svc.AnalyzeBuffer(context.Background(), buf, Metadata{FileName: "sign.png", ContentType: "image/png", FeatureID: "Short-Text"})
	require.NoError(t, err)

	assert.Equal(t, "short-text", out.FeatureID)
	assert.Equal(t, "Short Text", out.FeatureName)
	assert.False(t, out.Degraded)
	assert.Contains(t, features[0].results, out.Result)
	assert.True(t, strings.HasPrefix(out.ExtractedText, "Simulated OCR output for sign.png: STOP sign"))
	assert.Equal(t, confidence(len(buf)), out.Confidence)
	assert.Equal(t, "524288", out.Diagnostics["bufferLimitBytes"])
	assert.Equal(t, "53-54-4F-50-20-73-69-67", out.Diagnostics["hashPrefix"])
	assert.Equal(t, out.CorrelationID, out.Diagnostics["correlationId"])

	recs := f.records(t)
	require.Len(t, recs, 3)
	started, ok := byName(recs, EventAnalysisStarted)
	require.True(t, ok)
	assert.Equal(t, "true", started.Properties.Value("hasImage"))

	completed, ok := byName(recs, diagnostics.EventAnalysisCompleted)
	require.True(t, ok)
	assert.Equal(t, "Short Text", completed.Properties.Value(diagnostics.KeyFeature))

	metric, ok := byName(recs, diagnostics.MetricAnalysisDuration)
	require.True(t, ok)
	assert.Equal(t, domain.KindMetric, metric.Kind)
	for _, r := range recs {
		assert.Equal(t, out.CorrelationID, r.CorrelationID())
	}
}

func TestAnalyzeBuffer_SimulatedFailure(t *testing.T) {
	f := newFixture(t, always(scenario.OutcomeFailure, scenario.GroupConnectivity))

	_, err := f.svc.AnalyzeBuffer(context.Background(), []byte("image"), Metadata{FileName: "a.png"})

	var failure *domain.SimulatedFailure
	require.ErrorAs(t, err, &failure)
	assert.ErrorIs(t, err, domain.ErrSimulatedFailure)
	assert.Equal(t, scenario.ConnectionPoolExhausted, failure.Name)
	assert.Equal(t, domain.SeverityError, failure.Severity)
	assert.NotEmpty(t, failure.CorrelationID)
	assert.Equal(t, "Database Connectivity", failure.Properties.Value("issueType"))

	resp := domain.NewErrorResponse(err)
	assert.Equal(t, domain.KindSimulatedFailure, resp.Code)
	assert.Equal(t, failure.CorrelationID, resp.CorrelationID)

	recs := f.records(t)
	exc, ok := byName(recs, scenario.ConnectionPoolExhausted)
	require.True(t, ok)
	assert.Equal(t, "DbConnection.cs", exc.Properties.Value(diagnostics.KeyFileName))
	_, ok = byName(recs, diagnostics.EventAnalysisCompleted)
	assert.False(t, ok)
}

func TestAnalyzeFeature_Degraded(t *testing.T) {
	f := newFixture(t, always(scenario.OutcomeDegraded, scenario.GroupPerformanceDegradation))

	out, err := f.svc.AnalyzeFeature(context.Background(), "scene")
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.NotEmpty(t, out.Warning)
	assert.Contains(t, features[4].results, out.Result)

	recs := f.records(t)
	perf, ok := byName(recs, diagnostics.EventPerformance)
	require.True(t, ok)
	assert.Equal(t, domain.SeverityWarning, perf.Severity)

	var traces int
	for _, r := range recs {
		if r.Kind == domain.KindTrace {
			traces++
			assert.True(t, strings.HasPrefix(r.Message, "Performance degradation detected: "))
		}
	}
	assert.Equal(t, 1, traces)
	_, ok = byName(recs, diagnostics.EventAnalysisCompleted)
	assert.True(t, ok)
}

func TestTriggerIncident_Default(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.svc.TriggerIncident(context.Background(), "")
	require.NoError(t, err)

	props := out.Record.Properties
	assert.Equal(t, "Database Connectivity", props.Value("issueType"))
	assert.Equal(t, props.Value("maxConnections"), props.Value("activeConnections"))
	assert.Equal(t, domain.SeverityCritical, out.Record.Severity)
	assert.Equal(t, scenario.ConnectionPoolExhausted, out.ErrorType)
	assert.Equal(t, DefaultIncidentContext, out.Scenario)
	assert.Equal(t, 3285, out.EstimatedAffectedUsers)
	assert.Equal(t, "Critical", out.ImpactLevel)
	assert.Equal(t, "Recycle the connection pool and scale out the SQL database tier.", out.SuggestedFix)
	assert.Equal(t, testNow, out.OccurredAt)

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, out.CorrelationID, recs[0].CorrelationID())
	assert.Equal(t, "P0", recs[0].Properties.Value("severity"))

	assert.Empty(t, out.Record.Stack)
	assert.Nil(t, out.Record.Origin)
	assert.NotEmpty(t, recs[0].Stack)
	assert.NotEmpty(t, recs[0].Origin)
}

func TestTriggerIncident_Hints(t *testing.T) {
	tests := []struct {
		hint      string
		errorType string
		context   string
		fix       string
	}{
		{hint: "RateLimitExceededException", errorType: scenario.RateLimitExceeded, context: "RateLimitExceededException", fix: "Implement exponential backoff and request queuing"},
		{hint: "resource-exhaustion", errorType: scenario.OutOfMemory, context: "resource-exhaustion", fix: "Cap batch size and stream images instead of buffering the whole batch."},
		{hint: "  checkout outage ", errorType: scenario.ConnectionPoolExhausted, context: "checkout outage", fix: "Recycle the connection pool and scale out the SQL database tier."},
		{hint: "networkerror", errorType: "NetworkError", context: "networkerror", fix: "Investigate the failing component and roll back recent deployments."},
	}

	for _, tt := range tests {
		t.Run(tt.hint, func(t *testing.T) {
			f := newFixture(t, nil)
			out, err := f.svc.TriggerIncident(context.Background(), tt.hint)
			require.NoError(t, err)

			assert.Equal(t, tt.errorType, out.ErrorType)
			assert.Equal(t, tt.context, out.Scenario)
			assert.Equal(t, tt.context, out.Record.Properties.Value(diagnostics.KeyContext))
			assert.Equal(t, tt.fix, out.SuggestedFix)
		})
	}
}

func TestDeliveryFailureDoesNotChangeResults(t *testing.T) {
	f := newFixture(t, &scenario.Policy{})
	f.backend.SendHook = func(domain.DiagnosticRecord) error { return errors.New("ingestion endpoint unavailable") }

	out, err := f.svc.AnalyzeBuffer(context.Background(), []byte("hello"), Metadata{FileName: "hello.txt", FeatureID: "document"})
	require.NoError(t, err)
	assert.Equal(t, "document", out.FeatureID)

	incident, err := f.svc.TriggerIncident(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 3285, incident.EstimatedAffectedUsers)

	// Three analysis records and one incident, each tried twice.
	require.Eventually(t, func() bool { return f.backend.Sends() == 8 }, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.records(t))
}

// runSequence drives f through analyses and incidents and returns the results
// without correlation ids and timing.
func runSequence(t *testing.T, f *fixture) []any {
	t.Helper()
	ctx := context.Background()
	var results []any

	record := func(out any, err error) {
		var failure *domain.SimulatedFailure
		if errors.As(err, &failure) {
			cp := *failure
			cp.CorrelationID = ""
			cp.Properties = withoutIDs(cp.Properties)
			results = append(results, cp)
			return
		}
		require.NoError(t, err)
		switch o := out.(type) {
		case AnalysisOutcome:
			o.CorrelationID = ""
			o.ProcessingMs = 0
			delete(o.Diagnostics, "correlationId")
			delete(o.Diagnostics, "processingMs")
			results = append(results, o)
		case IncidentOutcome:
			o.CorrelationID = ""
			o.Record.Properties = withoutIDs(o.Record.Properties)
			results = append(results, o)
		}
	}

	out, err := f.svc.AnalyzeBuffer(ctx, []byte("hello"), Metadata{FileName: "hello.txt", FeatureID: "document"})
	record(out, err)
	for range 3 {
		for _, feature := range Features() {
			out, err := f.svc.AnalyzeFeature(ctx, feature.ID)
			record(out, err)
		}
	}
	for _, hint := range []string{"", "rate-limit"} {
		incident, err := f.svc.TriggerIncident(ctx, hint)
		record(incident, err)
	}
	return results
}

func withoutIDs(p domain.Properties) domain.Properties {
	m := p.Map()
	for _, key := range []string{diagnostics.KeyCorrelationID, diagnostics.KeySessionID, diagnostics.KeyInstanceID} {
		delete(m, key)
	}
	return domain.NewProperties(m)
}

func TestDeliveryFailureLeavesOutcomesUnchanged(t *testing.T) {
	accepting := newFixture(t, nil)
	failing := newFixture(t, nil)
	failing.backend.SendHook = func(domain.DiagnosticRecord) error { return errors.New("ingestion endpoint unavailable") }

	want := runSequence(t, accepting)
	got := runSequence(t, failing)

	propsAsMap := cmp.Transformer("properties", func(p domain.Properties) map[string]string { return p.Map() })
	if diff := cmp.Diff(want, got, propsAsMap); diff != "" {
		t.Errorf("outcomes differ with failing delivery (-accepting +failing):\n%s", diff)
	}
	assert.NotEmpty(t, accepting.records(t))
	assert.Empty(t, failing.records(t))
}

func TestTriggerCriticalAndWarning(t *testing.T) {
	f := newFixture(t, nil)

	err := f.svc.TriggerCritical(context.Background())
	var failure *domain.SimulatedFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "CriticalSystemError", failure.Name)
	assert.Equal(t, domain.SeverityCritical, failure.Severity)

	id := f.svc.TriggerWarning(context.Background())
	assert.True(t, strings.HasPrefix(id, "req_"))

	recs := f.records(t)
	require.Len(t, recs, 3)

	exc, ok := byName(recs, "CriticalSystemError")
	require.True(t, ok)
	assert.Equal(t, telemetry.Unknown, exc.Properties.Value(diagnostics.KeyFileName))
	assert.Equal(t, "Manual Error Trigger", exc.Properties.Value(diagnostics.KeyContext))

	event, ok := byName(recs, "System_Warning")
	require.True(t, ok)
	assert.Equal(t, "LowMemory", event.Properties.Value("type"))
	assert.Equal(t, id, event.CorrelationID())
}

func TestUpdatePolicy(t *testing.T) {
	f := newFixture(t, &scenario.Policy{})

	err := f.svc.UpdatePolicy(scenario.Policy{Default: []scenario.Bucket{{Threshold: 0.5, Outcome: scenario.OutcomeFailure, Groups: []string{"unknown"}}}})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.Empty(t, f.svc.Policy().Default)

	require.NoError(t, f.svc.UpdatePolicy(*always(scenario.OutcomeFailure, scenario.GroupGeneric)))
	_, err = f.svc.AnalyzeFeature(context.Background(), "color")
	assert.ErrorIs(t, err, domain.ErrSimulatedFailure)
}

func TestNewService_RejectsInvalidPolicy(t *testing.T) {
	_, err := NewService(Options{Policy: &scenario.Policy{Default: []scenario.Bucket{{Threshold: 2, Outcome: scenario.OutcomeSuccess}}}})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestNewService_WithoutPipelineSkipsDelivery(t *testing.T) {
	svc, err := NewService(Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Policy: &scenario.Policy{}})
	require.NoError(t, err)

	out, err := svc.AnalyzeFeature(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, DefaultFeature, out.FeatureID)
	require.NoError(t, svc.Close(context.Background()))
}

func TestFeatures(t *testing.T) {
	all := Features()
	require.Len(t, all, 8)
	ids := make([]string, len(all))
	for i, f := range all {
		ids[i] = f.ID
	}
	assert.Equal(t, []string{"short-text", "document", "product", "person", "scene", "color", "currency", "handwriting"}, ids)

	f, err := LookupFeature(" HANDWRITING ")
	require.NoError(t, err)
	assert.Equal(t, "Handwriting", f.Name)

	_, err = LookupFeature("sonar")
	assert.ErrorIs(t, err, domain.ErrUnknownFeature)
}

func TestSimulationHelpers(t *testing.T) {
	assert.Equal(t, 98.0, confidence(0))
	assert.Equal(t, 97.76, confidence(1000))
	assert.Equal(t, 35.0, confidence(1<<20))

	assert.Equal(t, "Simulated OCR output for a.txt: hi", simulateOCR("a.txt", []byte("hi")))
	long := bytes.Repeat([]byte("a"), 200)
	assert.Equal(t, "Simulated OCR output for b.txt: "+strings.Repeat("a", 60)+"...", simulateOCR("b.txt", long))

	assert.Equal(t, "4F-56", hashPrefix([]byte("OV")))
}
