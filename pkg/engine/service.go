package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/polisai/polis-incident/pkg/correlation"
	"github.com/polisai/polis-incident/pkg/diagnostics"
	"github.com/polisai/polis-incident/pkg/domain"
	"github.com/polisai/polis-incident/pkg/integrity"
	"github.com/polisai/polis-incident/pkg/scenario"
	"github.com/polisai/polis-incident/pkg/telemetry"
)

// EventAnalysisStarted marks the start of an analysis.
const EventAnalysisStarted = "AI_Analysis_Started"

// Outcome kinds reported to RecordOutcome.
const (
	outcomeSuccess  = "success"
	outcomeDegraded = "degraded"
	outcomeFailure  = "failure"
	outcomeRejected = "rejected"
)

// Options configures a Service. Unset fields get production defaults.
type Options struct {
	Logger    *slog.Logger
	Catalog   *scenario.Catalog
	Policy    *scenario.Policy
	Source    scenario.Source
	Checker   *integrity.Checker
	Generator *correlation.Generator
	Builder   *diagnostics.Builder
	// Pipeline receives every record. A nil pipeline skips delivery.
	Pipeline *telemetry.Pipeline
}

// Service runs simulated analyses and incidents and emits their telemetry.
// It is safe for concurrent use.
type Service struct {
	logger    *slog.Logger
	catalog   *scenario.Catalog
	selector  *scenario.Selector
	source    scenario.Source
	checker   *integrity.Checker
	generator *correlation.Generator
	builder   *diagnostics.Builder
	pipeline  *telemetry.Pipeline
	policy    atomic.Pointer[scenario.Policy]
}

// NewService validates the policy against the catalog and returns a service.
func NewService(opts Options) (*Service, error) {
	s := &Service{
		logger:    opts.Logger,
		catalog:   opts.Catalog,
		source:    opts.Source,
		checker:   opts.Checker,
		generator: opts.Generator,
		builder:   opts.Builder,
		pipeline:  opts.Pipeline,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.catalog == nil {
		s.catalog = scenario.DefaultCatalog()
	}
	if s.source == nil {
		s.source = scenario.RuntimeSource()
	}
	s.source = scenario.Synchronized(s.source)
	if s.checker == nil {
		s.checker = integrity.NewChecker(0, nil)
	}
	if s.generator == nil {
		s.generator = correlation.NewGenerator()
	}
	if s.builder == nil {
		s.builder = diagnostics.NewBuilder(diagnostics.Options{Logger: s.logger, Source: s.source})
	}
	if s.pipeline == nil {
		s.pipeline = telemetry.NewPipeline(nil, telemetry.Options{Logger: s.logger})
	}
	s.selector = scenario.NewSelector(s.catalog, s.source)

	policy := scenario.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	if err := s.UpdatePolicy(policy); err != nil {
		return nil, err
	}
	return s, nil
}

// Policy returns the selection policy currently in effect.
func (s *Service) Policy() scenario.Policy {
	return s.policy.Load().Clone()
}

// UpdatePolicy swaps the selection policy. Requests already selecting keep the old one.
func (s *Service) UpdatePolicy(p scenario.Policy) error {
	if err := p.Validate(s.catalog); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
	}
	p = p.Clone()
	s.policy.Store(&p)
	return nil
}

// Features returns the feature catalog.
func (s *Service) Features() []Feature {
	return Features()
}

// Metadata describes an uploaded buffer.
type Metadata struct {
	FileName    string
	ContentType string
	// FeatureID defaults to DefaultFeature.
	FeatureID string
}

// AnalysisOutcome is the result of a successful or degraded analysis.
type AnalysisOutcome struct {
	FeatureID     string            `json:"feature_id"`
	FeatureName   string            `json:"feature_name"`
	Result        string            `json:"result"`
	FileName      string            `json:"file_name,omitempty"`
	ContentType   string            `json:"content_type,omitempty"`
	FileSizeBytes int               `json:"file_size_bytes,omitempty"`
	ExtractedText string            `json:"extracted_text,omitempty"`
	Confidence    float64           `json:"confidence,omitempty"`
	CorrelationID string            `json:"correlation_id"`
	ProcessingMs  int64             `json:"processing_ms"`
	Degraded      bool              `json:"degraded"`
	Warning       string            `json:"warning,omitempty"`
	Diagnostics   map[string]string `json:"diagnostics,omitempty"`
}

// AnalyzeBuffer checks buf, selects an outcome for the feature and simulates the
// analysis. It returns *domain.BufferIntegrityViolation for unsafe buffers and
// *domain.SimulatedFailure when the selector picks a failure. Telemetry delivery
// never changes the result.
func (s *Service) AnalyzeBuffer(ctx context.Context, buf []byte, md Metadata) (AnalysisOutcome, error) {
	feature, err := LookupFeature(md.FeatureID)
	if err != nil {
		return AnalysisOutcome{}, err
	}
	if len(buf) == 0 {
		return AnalysisOutcome{}, fmt.Errorf("%w: %s", domain.ErrEmptyBuffer, md.FileName)
	}

	cc := s.generator.Begin(feature.ID).WithBuffer(len(buf))
	logger := s.logger.With("correlation_id", cc.CorrelationID, "feature_id", feature.ID)

	if err := s.checker.Check(buf); err != nil {
		var violation *domain.BufferIntegrityViolation
		if !errors.As(err, &violation) {
			return AnalysisOutcome{}, err
		}
		violation.CorrelationID = cc.CorrelationID
		s.emit(ctx, s.builder.BuildViolation(cc, violation, map[string]any{
			"imageFileName": md.FileName,
			"contentType":   md.ContentType,
		}))
		logger.Error("buffer integrity violation",
			"file_name", md.FileName, "rule", violation.Rule, "limit", violation.Limit, "actual", violation.Actual)
		telemetry.RecordOutcome(ctx, telemetry.Outcome{FeatureID: feature.ID, Kind: outcomeRejected, Scenario: violation.Rule})
		return AnalysisOutcome{}, violation
	}

	out, err := s.analyze(ctx, cc, feature, logger)
	if err != nil {
		return AnalysisOutcome{}, err
	}

	out.FileName = md.FileName
	out.ContentType = md.ContentType
	out.FileSizeBytes = len(buf)
	out.ExtractedText = simulateOCR(md.FileName, buf)
	out.Confidence = confidence(len(buf))
	out.Diagnostics = map[string]string{
		"bufferLimitBytes": fmt.Sprint(s.checker.Limit()),
		"hashPrefix":       hashPrefix(buf),
		"correlationId":    cc.CorrelationID,
		"processingMs":     fmt.Sprint(out.ProcessingMs),
	}
	logger.Info("image analysis completed", "file_name", md.FileName, "confidence", out.Confidence)
	return out, nil
}

// AnalyzeFeature runs the feature without an input buffer.
func (s *Service) AnalyzeFeature(ctx context.Context, featureID string) (AnalysisOutcome, error) {
	feature, err := LookupFeature(featureID)
	if err != nil {
		return AnalysisOutcome{}, err
	}
	cc := s.generator.Begin(feature.ID)
	return s.analyze(ctx, cc, feature, s.logger.With("correlation_id", cc.CorrelationID, "feature_id", feature.ID))
}

// analyze selects and applies an outcome, emitting the start event, any failure or
// degradation records and, on success, the completion event and duration metric.
func (s *Service) analyze(ctx context.Context, cc correlation.Context, feature Feature, logger *slog.Logger) (AnalysisOutcome, error) {
	s.emit(ctx, s.builder.BuildEvent(cc, EventAnalysisStarted, domain.SeverityInformation, map[string]any{
		diagnostics.KeyFeature: feature.Name,
		"hasImage":             cc.HasBuffer,
	}))

	selected := s.selector.Select(feature.ID, *s.policy.Load())
	out := AnalysisOutcome{
		FeatureID:     feature.ID,
		FeatureName:   feature.Name,
		CorrelationID: cc.CorrelationID,
	}

	switch selected.Kind {
	case scenario.OutcomeFailure:
		return AnalysisOutcome{}, s.fail(ctx, cc, feature, selected.Scenario, logger)
	case scenario.OutcomeDegraded:
		for _, rec := range s.builder.BuildDegraded(cc, selected.Scenario, feature.Name) {
			s.emit(ctx, rec)
		}
		out.Degraded = true
		out.Warning = selected.Scenario.RenderMessage(feature.Name)
		logger.Warn("performance degradation simulated", "scenario", selected.Scenario.Name)
	}

	out.Result = feature.result(s.source)
	elapsed := cc.Elapsed()
	out.ProcessingMs = elapsed.Milliseconds()

	s.emit(ctx, s.builder.BuildSuccess(cc, diagnostics.Summary{
		FeatureName: feature.Name,
		Fields:      map[string]any{"resultLength": utf8.RuneCountInString(out.Result)},
	}))
	s.emit(ctx, s.builder.BuildMetric(cc, diagnostics.MetricAnalysisDuration, float64(out.ProcessingMs), map[string]any{
		diagnostics.KeyFeature: feature.Name,
	}))

	kind, name := outcomeSuccess, ""
	if out.Degraded {
		kind, name = outcomeDegraded, selected.Scenario.Name
	}
	telemetry.RecordOutcome(ctx, telemetry.Outcome{FeatureID: feature.ID, Kind: kind, Scenario: name, Duration: elapsed})
	return out, nil
}

func (s *Service) fail(ctx context.Context, cc correlation.Context, feature Feature, sc domain.ErrorScenario, logger *slog.Logger) error {
	rec := s.builder.BuildFailure(cc, sc, feature.Name)
	s.emit(ctx, rec)
	logger.Error("simulated failure", "scenario", sc.Name, "group", sc.Group, "error_message", rec.Message)
	telemetry.RecordOutcome(ctx, telemetry.Outcome{FeatureID: feature.ID, Kind: outcomeFailure, Scenario: sc.Name, Duration: cc.Elapsed()})
	return &domain.SimulatedFailure{
		Name:          sc.Name,
		Message:       rec.Message,
		Scenario:      sc.Group,
		Severity:      rec.Severity,
		CorrelationID: cc.CorrelationID,
		Properties:    rec.Properties,
	}
}

// TriggerCritical emits a critical exception without a catalog scenario and returns it.
func (s *Service) TriggerCritical(ctx context.Context) error {
	const (
		name    = "CriticalSystemError"
		message = "Critical system failure: Memory allocation error"
	)
	cc := s.generator.Begin("manual")
	rec := s.builder.BuildException(cc, name, message, domain.SeverityCritical, map[string]any{
		diagnostics.KeyContext:       "Manual Error Trigger",
		"severity":                   "Critical",
		"requiresImmediateAttention": true,
	})
	s.emit(ctx, rec)
	s.logger.Error("critical error triggered", "correlation_id", cc.CorrelationID, "error_name", name)
	return &domain.SimulatedFailure{
		Name:          name,
		Message:       message,
		Scenario:      "manual",
		Severity:      domain.SeverityCritical,
		CorrelationID: cc.CorrelationID,
		Properties:    rec.Properties,
	}
}

// TriggerWarning emits a low memory warning trace and event and returns their correlation id.
func (s *Service) TriggerWarning(ctx context.Context) string {
	cc := s.generator.Begin("manual")
	s.emit(ctx, s.builder.BuildTrace(cc, "Low memory warning: System performance may be degraded", domain.SeverityWarning, nil))
	s.emit(ctx, s.builder.BuildEvent(cc, "System_Warning", domain.SeverityWarning, map[string]any{"type": "LowMemory"}))
	s.logger.Warn("warning triggered", "correlation_id", cc.CorrelationID)
	return cc.CorrelationID
}

// Close drains pending telemetry.
func (s *Service) Close(ctx context.Context) error {
	return s.pipeline.Close(ctx)
}

func (s *Service) emit(ctx context.Context, rec domain.DiagnosticRecord) {
	s.pipeline.Emit(ctx, rec)
}

// simulateOCR echoes up to the first 60 characters of the buffer's leading 160 bytes.
func simulateOCR(fileName string, buf []byte) string {
	head := buf[:min(len(buf), 160)]
	snippet := []rune(strings.ToValidUTF8(string(head), "�"))
	switch {
	case len(snippet) == 0:
		return "❓ Unable to detect text."
	case len(snippet) < 60:
		return fmt.Sprintf("Simulated OCR output for %s: %s", fileName, string(snippet))
	default:
		return fmt.Sprintf("Simulated OCR output for %s: %s...", fileName, string(snippet[:60]))
	}
}

// confidence falls by one point per 4 KiB from 98, floored at 35, rounded to 2 places.
func confidence(size int) float64 {
	c := math.Max(35, 98-float64(size)/4096)
	return math.Round(c*100) / 100
}

// hashPrefix renders the first eight bytes as dash-separated upper-case hex.
func hashPrefix(buf []byte) string {
	head := buf[:min(len(buf), 8)]
	parts := make([]string, len(head))
	for i, b := range head {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, "-")
}
