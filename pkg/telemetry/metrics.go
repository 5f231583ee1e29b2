package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/polisai/polis-incident/pkg/domain"
)

// Metrics holds the Prometheus metrics for delivery and the HTTP surface. A nil
// *Metrics records nothing.
type Metrics struct {
	deliveriesTotal *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	attemptLatency  *prometheus.HistogramVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance on its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "incident_telemetry_deliveries_total",
				Help: "Telemetry records that reached a terminal delivery state",
			},
			[]string{"kind", "state"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "incident_telemetry_retries_total",
				Help: "Telemetry deliveries that scheduled a retry",
			},
			[]string{"kind"},
		),
		attemptLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "incident_telemetry_attempt_duration_seconds",
				Help:    "Latency of individual backend send attempts",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind", "result"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "incident_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "incident_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.deliveriesTotal,
		m.retriesTotal,
		m.attemptLatency,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) recordDelivery(kind domain.RecordKind, state DeliveryState) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(string(kind), string(state)).Inc()
}

func (m *Metrics) recordRetry(kind domain.RecordKind) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeAttempt(kind domain.RecordKind, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	m.attemptLatency.WithLabelValues(string(kind), result).Observe(d.Seconds())
}

var (
	metricsOnce       sync.Once
	metricsInitErr    error
	outcomeCounter    metric.Int64Counter
	analysisHistogram metric.Float64Histogram
)

// Outcome describes one simulated operation for the outcome instruments.
type Outcome struct {
	FeatureID string
	// Kind is success, degraded, failure or rejected.
	Kind     string
	Scenario string
	Duration time.Duration
}

// RecordOutcome counts simulated outcomes on the global meter provider.
func RecordOutcome(ctx context.Context, o Outcome) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("feature.id", o.FeatureID),
		attribute.String("outcome.kind", o.Kind),
	}
	if o.Scenario != "" {
		attrs = append(attrs, attribute.String("scenario.name", o.Scenario))
	}

	outcomeCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if o.Duration > 0 {
		analysisHistogram.Record(ctx, float64(o.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("incident.engine")

		outcomeCounter, metricsInitErr = meter.Int64Counter(
			"incident.outcomes_total",
			metric.WithDescription("Simulated operation outcomes partitioned by feature and kind"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		analysisHistogram, metricsInitErr = meter.Float64Histogram(
			"incident.analysis.duration_ms",
			metric.WithDescription("Observed simulated analysis latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
