package diagnostics

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/polisai/polis-incident/pkg/correlation"
	"github.com/polisai/polis-incident/pkg/domain"
	"github.com/polisai/polis-incident/pkg/scenario"
	"github.com/polisai/polis-incident/pkg/telemetry"
)

// Well-known record names.
const (
	EventAnalysisCompleted = "AI_Analysis_Completed"
	EventPerformance       = "PerformanceDegradation"
	MetricAnalysisDuration = "AnalysisDuration"
)

// Reserved property keys written by the builder or the delivery pipeline.
const (
	KeyCorrelationID = "correlationId"
	KeySessionID     = "sessionId"
	KeyInstanceID    = "instanceId"
	KeyTimestamp     = "timestamp"
	KeyErrorType     = "errorType"
	KeyErrorName     = "errorName"
	KeyErrorMessage  = "errorMessage"
	KeyFileName      = telemetry.KeyFileName
	KeyLineNumber    = telemetry.KeyLineNumber
	KeyColumnNumber  = telemetry.KeyColumnNumber
	KeyFeature       = "feature"
	KeyFeatureID     = "featureId"
	KeyContext       = "context"
	KeyDurationMs    = "durationMs"
	KeyBufferSize    = "bufferSizeBytes"
)

// Options configures a Builder.
type Options struct {
	Logger        *slog.Logger
	Now           func() time.Time
	Source        scenario.Source
	Environment   string
	Region        string
	ServerVersion string
}

// Builder assembles diagnostic records. It is safe for concurrent use when its
// Source is.
type Builder struct {
	logger        *slog.Logger
	now           func() time.Time
	source        scenario.Source
	environment   string
	region        string
	serverVersion string
}

// NewBuilder returns a builder with defaults for unset options.
func NewBuilder(opts Options) *Builder {
	b := &Builder{
		logger:        opts.Logger,
		now:           opts.Now,
		source:        opts.Source,
		environment:   opts.Environment,
		region:        opts.Region,
		serverVersion: opts.ServerVersion,
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.source == nil {
		b.source = scenario.RuntimeSource()
	}
	if b.environment == "" {
		b.environment = "Production"
	}
	if b.region == "" {
		b.region = "West US 2"
	}
	if b.serverVersion == "" {
		b.serverVersion = "2.4.1"
	}
	return b
}

// Summary describes a successful operation.
type Summary struct {
	// Event defaults to EventAnalysisCompleted.
	Event       string
	FeatureName string
	Fields      map[string]any
}

// BuildSuccess returns an information event for a completed operation.
func (b *Builder) BuildSuccess(ctx correlation.Context, s Summary) domain.DiagnosticRecord {
	name := s.Event
	if name == "" {
		name = EventAnalysisCompleted
	}
	bag := NewPropertyBag().Stage(StageContext)
	b.featureContext(bag, ctx, s.FeatureName)
	bag.MergeAny(s.Fields)
	return b.finish(bag, ctx, domain.DiagnosticRecord{
		Severity: domain.SeverityInformation,
		Kind:     domain.KindEvent,
		Name:     name,
	})
}

// BuildFailure returns the exception record for a surfaced scenario. Server-side
// scenarios carry the infrastructure and business context; generic ones only the
// request context.
func (b *Builder) BuildFailure(ctx correlation.Context, sc domain.ErrorScenario, featureName string) domain.DiagnosticRecord {
	message := sc.RenderMessage(featureName)
	bag := NewPropertyBag()
	stack := b.scenarioStage(bag, sc, message)

	bag.Stage(StageContext)
	b.featureContext(bag, ctx, featureName)
	if sc.Group == scenario.GroupGeneric {
		bag.String(KeyContext, "Image Analysis")
	} else {
		bag.String(KeyContext, "Production Issue")
		b.infra(bag)
		b.business(bag)
	}
	bag.Int(KeyDurationMs, ctx.Elapsed().Milliseconds())

	return b.finish(bag, ctx, domain.DiagnosticRecord{
		Severity: domain.SeverityError,
		Kind:     domain.KindException,
		Name:     sc.Name,
		Message:  message,
		Origin:   sc.Origin,
		Stack:    stack,
	})
}

// BuildDegraded returns a warning trace and a performance event for a degraded
// operation, in that order.
func (b *Builder) BuildDegraded(ctx correlation.Context, sc domain.ErrorScenario, featureName string) []domain.DiagnosticRecord {
	message := sc.RenderMessage(featureName)

	trace := NewPropertyBag()
	trace.Merge(sc.Properties)
	trace.Stage(StageContext)
	b.featureContext(trace, ctx, featureName)
	trace.String("environment", b.environment)

	event := NewPropertyBag()
	event.Merge(sc.Properties)
	event.String("warningType", sc.Name)
	event.Stage(StageContext)
	b.featureContext(event, ctx, featureName)
	event.String("environment", b.environment)
	event.Int(KeyDurationMs, ctx.Elapsed().Milliseconds())

	return []domain.DiagnosticRecord{
		b.finish(trace, ctx, domain.DiagnosticRecord{
			Severity: domain.SeverityWarning,
			Kind:     domain.KindTrace,
			Name:     sc.Name,
			Message:  "Performance degradation detected: " + message,
		}),
		b.finish(event, ctx, domain.DiagnosticRecord{
			Severity: domain.SeverityWarning,
			Kind:     domain.KindEvent,
			Name:     EventPerformance,
			Message:  message,
		}),
	}
}

// BuildMetric returns a metric record with the given average value.
func (b *Builder) BuildMetric(ctx correlation.Context, name string, value float64, fields map[string]any) domain.DiagnosticRecord {
	bag := NewPropertyBag().Stage(StageContext)
	if ctx.FeatureID != "" {
		bag.String(KeyFeatureID, ctx.FeatureID)
	}
	bag.MergeAny(fields)
	return b.finish(bag, ctx, domain.DiagnosticRecord{
		Severity: domain.SeverityInformation,
		Kind:     domain.KindMetric,
		Name:     name,
		Value:    value,
	})
}

// BuildEvent returns a named event with free-form fields.
func (b *Builder) BuildEvent(ctx correlation.Context, name string, severity domain.Severity, fields map[string]any) domain.DiagnosticRecord {
	bag := NewPropertyBag().Stage(StageContext)
	if ctx.FeatureID != "" {
		bag.String(KeyFeatureID, ctx.FeatureID)
	}
	bag.MergeAny(fields)
	return b.finish(bag, ctx, domain.DiagnosticRecord{
		Severity: severity,
		Kind:     domain.KindEvent,
		Name:     name,
	})
}

// BuildTrace returns a trace record carrying message.
func (b *Builder) BuildTrace(ctx correlation.Context, message string, severity domain.Severity, fields map[string]any) domain.DiagnosticRecord {
	bag := NewPropertyBag().Stage(StageContext)
	if ctx.FeatureID != "" {
		bag.String(KeyFeatureID, ctx.FeatureID)
	}
	bag.MergeAny(fields)
	return b.finish(bag, ctx, domain.DiagnosticRecord{
		Severity: severity,
		Kind:     domain.KindTrace,
		Name:     "trace",
		Message:  message,
	})
}

// Incident is the SRE overlay added on top of an incident scenario.
type Incident struct {
	Context           string
	RootCauseCategory string
	CustomerImpact    string
	BusinessFunction  string
	AffectedUsers     int
	SuggestedFix      string
	RunbookLink       string
	EscalationPath    string
	DashboardLink     string
	AlertTriggered    string
}

// BuildIncident returns a critical exception for a manually triggered incident.
// A scenario that defines its own suggestedFix keeps it.
func (b *Builder) BuildIncident(ctx correlation.Context, sc domain.ErrorScenario, in Incident) domain.DiagnosticRecord {
	message := sc.RenderMessage("")
	bag := NewPropertyBag()
	stack := b.scenarioStage(bag, sc, message)

	bag.Stage(StageContext)
	bag.String(KeyContext, in.Context)
	bag.String("severity", "P0")
	bag.String("rootCauseCategory", in.RootCauseCategory)
	bag.String("customerImpact", in.CustomerImpact)
	bag.String("businessFunction", in.BusinessFunction)
	bag.Int("estimatedAffectedUsers", int64(in.AffectedUsers))
	if _, ok := sc.Properties["suggestedFix"]; !ok && in.SuggestedFix != "" {
		bag.String("suggestedFix", in.SuggestedFix)
	}
	bag.String("runbookLink", in.RunbookLink)
	bag.String("escalationPath", in.EscalationPath)
	bag.String("dashboardLink", in.DashboardLink)
	bag.String("alertTriggered", in.AlertTriggered)
	bag.Bool("requiresImmediateAttention", true)
	bag.String("serverVersion", b.serverVersion)
	bag.String("environment", b.environment)
	bag.String("region", b.region)
	bag.Time("incidentStartTime", ctx.StartedAt)

	return b.finish(bag, ctx, domain.DiagnosticRecord{
		Severity: domain.SeverityCritical,
		Kind:     domain.KindException,
		Name:     sc.Name,
		Message:  message,
		Origin:   sc.Origin,
		Stack:    stack,
	})
}

// BuildException returns an exception record that has no catalog scenario behind it.
// Its stack is the summary line only, so the delivery pipeline reports an unknown origin.
func (b *Builder) BuildException(ctx correlation.Context, name, message string, severity domain.Severity, fields map[string]any) domain.DiagnosticRecord {
	bag := NewPropertyBag()
	bag.String(KeyErrorType, name)
	bag.String(KeyErrorName, name)
	bag.String(KeyErrorMessage, message)
	bag.Stage(StageContext)
	if ctx.FeatureID != "" {
		bag.String(KeyFeatureID, ctx.FeatureID)
	}
	bag.MergeAny(fields)
	return b.finish(bag, ctx, domain.DiagnosticRecord{
		Severity: severity,
		Kind:     domain.KindException,
		Name:     name,
		Message:  message,
		Stack:    name + ": " + message,
	})
}

// BuildViolation returns the exception record for a rejected buffer.
func (b *Builder) BuildViolation(ctx correlation.Context, v *domain.BufferIntegrityViolation, fields map[string]any) domain.DiagnosticRecord {
	sc := domain.ErrorScenario{
		Name:    "BufferIntegrityViolation",
		Message: v.Error(),
		Origin: []domain.Frame{
			{Component: "SeeingAI.WebApp.Services.ImageAnalysisService.AnalyzeAsync", File: "src/SeeingAI.WebApp/Services/ImageAnalysisService.cs", Line: 71, Column: 13},
			{Component: "SeeingAI.WebApp.Controllers.AnalysisController.Analyze", File: "src/SeeingAI.WebApp/Controllers/AnalysisController.cs", Line: 44, Column: 9},
		},
		Properties: map[string]string{
			"rule":             v.Rule,
			"bufferLimitBytes": fmt.Sprint(v.Limit),
			"actualBytes":      fmt.Sprint(v.Actual),
			"issueType":        "Input Validation",
		},
	}
	bag := NewPropertyBag()
	stack := b.scenarioStage(bag, sc, sc.Message)
	bag.Stage(StageContext)
	b.featureContext(bag, ctx, "")
	bag.String(KeyContext, "Image Upload")
	bag.MergeAny(fields)
	return b.finish(bag, ctx, domain.DiagnosticRecord{
		Severity: domain.SeverityError,
		Kind:     domain.KindException,
		Name:     sc.Name,
		Message:  sc.Message,
		Origin:   sc.Origin,
		Stack:    stack,
	})
}

// scenarioStage writes the scenario's properties, error identity and parsed origin.
func (b *Builder) scenarioStage(bag *PropertyBag, sc domain.ErrorScenario, message string) string {
	stack := sc.RenderOrigin(message)
	origin := telemetry.ParseOrigin(stack)

	bag.Stage(StageScenario)
	bag.Merge(sc.Properties)
	bag.String(KeyErrorType, sc.Name)
	bag.String(KeyErrorName, sc.Name)
	bag.String(KeyErrorMessage, message)
	bag.String(KeyFileName, origin.File)
	bag.String(KeyLineNumber, origin.Line)
	bag.String(KeyColumnNumber, origin.Column)
	return stack
}

func (b *Builder) featureContext(bag *PropertyBag, ctx correlation.Context, featureName string) {
	if featureName != "" {
		bag.String(KeyFeature, featureName)
	}
	if ctx.FeatureID != "" {
		bag.String(KeyFeatureID, ctx.FeatureID)
	}
	if ctx.HasBuffer {
		bag.Int(KeyBufferSize, int64(ctx.BufferSizeBytes))
	}
}

// infra adds simulated host metrics. Ranges: CPU 60-95 %, memory 70-95 %,
// IOPS 400-600, load balancer node 1-4.
func (b *Builder) infra(bag *PropertyBag) {
	bag.String("serverVersion", b.serverVersion)
	bag.String("environment", b.environment)
	bag.String("region", b.region)
	bag.String("loadBalancerNode", fmt.Sprintf("lb-node-%d", b.source.IntN(4)+1))
	bag.String("clientIP", fmt.Sprintf("10.0.%d.%d", b.source.IntN(256), b.source.IntN(254)+1))
	bag.String("currentCPU", percent(60+b.source.Float64()*35))
	bag.String("currentMemory", percent(70+b.source.Float64()*25))
	bag.Int("diskIOPS", int64(400+b.source.IntN(201)))
}

// business adds simulated load figures. Affected users never exceed active users.
func (b *Builder) business(bag *PropertyBag) {
	active := 150 + b.source.IntN(101)
	affected := 50 + b.source.IntN(active-50+1)
	bag.Int("dailyRequestCount", int64(50000+b.source.IntN(20001)))
	bag.Int("currentActiveUsers", int64(active))
	bag.Int("estimatedAffectedUsers", int64(affected))
	bag.Bool("peakHourIndicator", isPeakHour(b.now()))
	bag.Bool("reproducible", true)
	bag.String("severity", "P1")
	bag.Bool("needsImmediateAttention", true)
	bag.Bool("potentialDataLoss", false)
	bag.String("customerImpact", "Users unable to complete analysis")
}

// finish writes identifiers and timestamp, freezes the bag and reports collisions.
func (b *Builder) finish(bag *PropertyBag, ctx correlation.Context, rec domain.DiagnosticRecord) domain.DiagnosticRecord {
	bag.Stage(StageIdentifiers)
	bag.String(KeyCorrelationID, ctx.CorrelationID)
	if ctx.SessionID != "" {
		bag.String(KeySessionID, ctx.SessionID)
	}
	if ctx.InstanceID != "" {
		bag.String(KeyInstanceID, ctx.InstanceID)
	}
	bag.Stage(StageTimestamp)
	bag.Time(KeyTimestamp, b.now())

	for _, c := range bag.Collisions() {
		b.logger.Warn("diagnostic property collision",
			"record", rec.Name,
			"key", c.Key,
			"first_stage", c.First.String(),
			"second_stage", c.Second.String(),
			"correlation_id", ctx.CorrelationID,
		)
	}

	rec.Properties = bag.Properties()
	return rec
}

func percent(v float64) string {
	return fmt.Sprintf("%.1f%%", v)
}

// isPeakHour reports whether t falls in 09:00-17:59 UTC.
func isPeakHour(t time.Time) bool {
	h := t.UTC().Hour()
	return h >= 9 && h < 18
}
