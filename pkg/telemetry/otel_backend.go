package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-incident/pkg/domain"
)

const instrumentationName = "github.com/polisai/polis-incident/pkg/telemetry"

// Identifier keys are kept off metric data points to bound cardinality.
var metricExcludedKeys = map[string]struct{}{
	"correlationId": {},
	"sessionId":     {},
	"instanceId":    {},
	"timestamp":     {},
}

// OTelBackend maps diagnostic records onto OpenTelemetry signals: events and
// traces become span events, exceptions become error spans and metrics are
// recorded on per-name histograms.
type OTelBackend struct {
	tp         trace.TracerProvider
	tracer     trace.Tracer
	meter      metric.Meter
	redactions []Redaction

	mu         sync.Mutex
	histograms map[string]metric.Float64Histogram
}

// NewOTelBackend returns a backend over the given providers.
func NewOTelBackend(tp trace.TracerProvider, mp metric.MeterProvider, redactions []Redaction) *OTelBackend {
	return &OTelBackend{
		tp:         tp,
		tracer:     tp.Tracer(instrumentationName),
		meter:      mp.Meter(instrumentationName),
		redactions: redactions,
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// Send exports rec.
func (b *OTelBackend) Send(ctx context.Context, rec domain.DiagnosticRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	attrs := RedactAttributes(b.redactions, recordAttributes(rec))

	switch rec.Kind {
	case domain.KindMetric:
		h, err := b.histogram(rec.Name)
		if err != nil {
			return err
		}
		h.Record(ctx, rec.Value, metric.WithAttributes(metricAttributes(attrs)...))
		return nil

	case domain.KindEvent:
		_, span := b.tracer.Start(ctx, rec.Name, trace.WithAttributes(attrs...))
		span.AddEvent(rec.Name, trace.WithAttributes(attrs...))
		span.End()
		return nil

	case domain.KindTrace:
		_, span := b.tracer.Start(ctx, "trace."+rec.Severity.String(), trace.WithAttributes(attrs...))
		span.AddEvent(rec.Message, trace.WithAttributes(attribute.String("severity", rec.Severity.String())))
		span.End()
		return nil

	case domain.KindException:
		_, span := b.tracer.Start(ctx, rec.Name, trace.WithAttributes(attrs...))
		span.AddEvent(semconv.ExceptionEventName, trace.WithAttributes(
			semconv.ExceptionTypeKey.String(rec.Name),
			semconv.ExceptionMessageKey.String(rec.Message),
			semconv.ExceptionStacktraceKey.String(rec.Stack),
		))
		span.SetStatus(codes.Error, rec.Message)
		span.End()
		return nil

	default:
		return fmt.Errorf("unsupported record kind %q", rec.Kind)
	}
}

// Flush forces the tracer provider to export buffered spans when it supports it.
func (b *OTelBackend) Flush(ctx context.Context) error {
	if f, ok := b.tp.(interface{ ForceFlush(context.Context) error }); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (b *OTelBackend) histogram(name string) (metric.Float64Histogram, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.histograms[name]; ok {
		return h, nil
	}
	h, err := b.meter.Float64Histogram(name, metric.WithDescription("Diagnostic metric "+name))
	if err != nil {
		return nil, fmt.Errorf("create histogram %s: %w", name, err)
	}
	b.histograms[name] = h
	return h, nil
}

func recordAttributes(rec domain.DiagnosticRecord) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, rec.Properties.Len()+2)
	attrs = append(attrs,
		attribute.String("record.kind", string(rec.Kind)),
		attribute.String("record.severity", rec.Severity.String()),
	)
	for _, k := range rec.Properties.Keys() {
		attrs = append(attrs, attribute.String(k, rec.Properties.Value(k)))
	}
	return attrs
}

func metricAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		if _, skip := metricExcludedKeys[string(kv.Key)]; skip {
			continue
		}
		out = append(out, kv)
	}
	return out
}
