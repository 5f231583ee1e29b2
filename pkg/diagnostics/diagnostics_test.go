package diagnostics

import (
	"bytes"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-incident/pkg/correlation"
	"github.com/polisai/polis-incident/pkg/domain"
	"github.com/polisai/polis-incident/pkg/scenario"
)

var fixedNow = time.Date(2025, 11, 5, 1, 2, 3, 456_000_000, time.UTC)

func testBuilder(t *testing.T, seed uint64) (*Builder, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	b := NewBuilder(Options{
		Logger: slog.New(slog.NewTextHandler(&logs, nil)),
		Now:    func() time.Time { return fixedNow },
		Source: scenario.NewSeededSource(seed),
	})
	return b, &logs
}

func testContext(feature string) correlation.Context {
	gen := correlation.NewGenerator(correlation.WithClock(func() time.Time { return fixedNow }))
	return gen.Begin(feature)
}

func TestPropertyBag_CoercesAndFlagsCollisions(t *testing.T) {
	bag := NewPropertyBag()
	bag.String("issueType", "Memory").Int("count", 42).Bool("flag", true).Float("ratio", 0.126, 2)
	bag.Stage(StageContext).Any("issueType", 7)
	bag.Stage(StageScenario) // moving backwards is ignored
	bag.Time("at", fixedNow)

	props := bag.Properties()
	assert.Equal(t, "7", props.Value("issueType"))
	assert.Equal(t, "42", props.Value("count"))
	assert.Equal(t, "true", props.Value("flag"))
	assert.Equal(t, "0.13", props.Value("ratio"))
	assert.Equal(t, "2025-11-05T01:02:03.456Z", props.Value("at"))

	cols := bag.Collisions()
	require.Len(t, cols, 1)
	assert.Equal(t, Collision{Key: "issueType", First: StageScenario, Second: StageContext, Previous: "Memory", Value: "7"}, cols[0])
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"x", "x"},
		{false, "false"},
		{12, "12"},
		{int64(-3), "-3"},
		{uint32(9), "9"},
		{1.5, "1.5"},
		{1500 * time.Millisecond, "1500"},
		{domain.SeverityCritical, "Critical"},
		{[]int{1, 2}, "[1 2]"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Coerce(tt.in), "%#v", tt.in)
	}
}

func TestBuildFailure_ConnectionPool(t *testing.T) {
	b, logs := testBuilder(t, 1)
	sc, ok := scenario.DefaultCatalog().Lookup(scenario.ConnectionPoolExhausted)
	require.True(t, ok)
	ctx := testContext("short-text").WithBuffer(2048)

	rec := b.BuildFailure(ctx, sc, "Short Text")

	assert.Equal(t, domain.KindException, rec.Kind)
	assert.Equal(t, domain.SeverityError, rec.Severity)
	assert.Equal(t, scenario.ConnectionPoolExhausted, rec.Name)
	p := rec.Properties
	assert.Equal(t, ctx.CorrelationID, p.Value(KeyCorrelationID))
	assert.Equal(t, "2025-11-05T01:02:03.456Z", p.Value(KeyTimestamp))
	assert.Equal(t, "Database Connectivity", p.Value("issueType"))
	assert.Equal(t, sc.Name, p.Value(KeyErrorName))
	assert.Equal(t, rec.Message, p.Value(KeyErrorMessage))
	assert.Equal(t, "DbConnection.cs", p.Value(KeyFileName))
	assert.Equal(t, "298", p.Value(KeyLineNumber))
	assert.Equal(t, "21", p.Value(KeyColumnNumber))
	assert.Equal(t, "2048", p.Value(KeyBufferSize))
	assert.Equal(t, "Production Issue", p.Value(KeyContext))
	assert.Equal(t, "short-text", p.Value(KeyFeatureID))

	active, err := strconv.Atoi(p.Value("activeConnections"))
	require.NoError(t, err)
	limit, err := strconv.Atoi(p.Value("maxConnections"))
	require.NoError(t, err)
	assert.LessOrEqual(t, active, limit)

	assert.Contains(t, rec.Stack, "ConnectionPoolExhaustedException: Database connection pool exhausted")
	assert.NotContains(t, logs.String(), "collision")
}

func TestBuildFailure_GenericRendersFeature(t *testing.T) {
	b, _ := testBuilder(t, 1)
	sc, ok := scenario.DefaultCatalog().Lookup("ModelError")
	require.True(t, ok)

	rec := b.BuildFailure(testContext("scene"), sc, "Scene Description")

	assert.Equal(t, "AI model for Scene Description is currently unavailable", rec.Message)
	assert.Equal(t, "Image Analysis", rec.Properties.Value(KeyContext))
	assert.False(t, rec.Properties.Has("currentCPU"))
}

func TestBuildDegraded(t *testing.T) {
	b, logs := testBuilder(t, 1)
	sc := scenario.DefaultCatalog().Group(scenario.GroupPerformanceDegradation)[0]

	recs := b.BuildDegraded(testContext("short-text"), sc, "Short Text")

	require.Len(t, recs, 2)
	assert.Equal(t, domain.KindTrace, recs[0].Kind)
	assert.Equal(t, domain.SeverityWarning, recs[0].Severity)
	assert.Equal(t, domain.KindEvent, recs[1].Kind)
	assert.Equal(t, EventPerformance, recs[1].Name)
	assert.Equal(t, sc.Name, recs[1].Properties.Value("warningType"))
	assert.Equal(t, recs[0].CorrelationID(), recs[1].CorrelationID())
	assert.NotContains(t, logs.String(), "collision")
}

func TestBuildIncident_KeepsScenarioSuggestedFix(t *testing.T) {
	b, logs := testBuilder(t, 1)
	sc, ok := scenario.DefaultCatalog().Lookup(scenario.RateLimitExceeded)
	require.True(t, ok)

	rec := b.BuildIncident(testContext("incident"), sc, Incident{Context: "SRE drill", SuggestedFix: "overridden", AffectedUsers: 10})

	assert.Equal(t, domain.SeverityCritical, rec.Severity)
	assert.Equal(t, sc.Properties["suggestedFix"], rec.Properties.Value("suggestedFix"))
	assert.Equal(t, "10", rec.Properties.Value("estimatedAffectedUsers"))
	assert.NotContains(t, logs.String(), "collision")
}

func TestBuildException_HasUnknownOriginStack(t *testing.T) {
	b, _ := testBuilder(t, 1)
	rec := b.BuildException(testContext("manual"), "CriticalSystemError", "Critical system failure", domain.SeverityCritical, map[string]any{"context": "Manual Error Trigger"})

	assert.Equal(t, "CriticalSystemError: Critical system failure", rec.Stack)
	assert.Equal(t, "Manual Error Trigger", rec.Properties.Value(KeyContext))
	assert.False(t, rec.Properties.Has(KeyFileName))
}

func TestBuildTrace(t *testing.T) {
	b, _ := testBuilder(t, 1)
	rec := b.BuildTrace(testContext("manual"), "Low memory warning", domain.SeverityWarning, nil)

	assert.Equal(t, domain.KindTrace, rec.Kind)
	assert.Equal(t, "Low memory warning", rec.Message)
	assert.Equal(t, "manual", rec.Properties.Value(KeyFeatureID))
	assert.Equal(t, "2025-11-05T01:02:03.456Z", rec.Properties.Value(KeyTimestamp))
}

func TestBuildViolation(t *testing.T) {
	b, _ := testBuilder(t, 1)
	v := &domain.BufferIntegrityViolation{Rule: domain.RuleSizeLimitExceeded, Limit: 524288, Actual: 614400}

	rec := b.BuildViolation(testContext("short-text").WithBuffer(614400), v, map[string]any{"imageFileName": "big.png"})

	assert.Equal(t, "524288", rec.Properties.Value("bufferLimitBytes"))
	assert.Equal(t, "614400", rec.Properties.Value(KeyBufferSize))
	assert.Equal(t, "ImageAnalysisService.cs", rec.Properties.Value(KeyFileName))
}

func TestBuildFailure_LoggedCollision(t *testing.T) {
	b, logs := testBuilder(t, 1)
	sc := domain.ErrorScenario{
		Name:       "Clash",
		Group:      scenario.GroupGeneric,
		Message:    "clash",
		Properties: map[string]string{KeyFeatureID: "from-scenario"},
	}

	rec := b.BuildFailure(testContext("scene"), sc, "")

	assert.Equal(t, "scene", rec.Properties.Value(KeyFeatureID))
	assert.Contains(t, logs.String(), "diagnostic property collision")
	assert.Contains(t, logs.String(), "key=featureId")
}

// Property: every failure record carries correlationId and timestamp, and the
// simulated load stays within its bounds with affected users never above active users.
func TestBuildFailureProperties(t *testing.T) {
	catalog := scenario.DefaultCatalog()
	var all []domain.ErrorScenario
	for _, g := range catalog.Groups() {
		all = append(all, catalog.Group(g)...)
	}

	rapid.Check(t, func(t *rapid.T) {
		seed := rapid.Uint64().Draw(t, "seed")
		sc := rapid.SampledFrom(all).Draw(t, "scenario")
		b := NewBuilder(Options{
			Logger: slog.New(slog.DiscardHandler),
			Now:    func() time.Time { return fixedNow },
			Source: scenario.NewSeededSource(seed),
		})

		rec := b.BuildFailure(testContext("short-text"), sc, "Short Text")

		if rec.CorrelationID() == "" || !rec.Properties.Has(KeyTimestamp) {
			t.Fatalf("missing identifiers: %v", rec.Properties.Keys())
		}
		if sc.Group == scenario.GroupGeneric {
			return
		}
		active, _ := strconv.Atoi(rec.Properties.Value("currentActiveUsers"))
		affected, _ := strconv.Atoi(rec.Properties.Value("estimatedAffectedUsers"))
		if affected > active || active < 150 || active > 250 || affected < 50 {
			t.Fatalf("inconsistent users: active=%d affected=%d", active, affected)
		}
		iops, _ := strconv.Atoi(rec.Properties.Value("diskIOPS"))
		if iops < 400 || iops > 600 {
			t.Fatalf("iops out of range: %d", iops)
		}
	})
}
