package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/polisai/polis-incident/pkg/config"
	"github.com/polisai/polis-incident/pkg/correlation"
	"github.com/polisai/polis-incident/pkg/diagnostics"
	"github.com/polisai/polis-incident/pkg/engine"
	"github.com/polisai/polis-incident/pkg/integrity"
	"github.com/polisai/polis-incident/pkg/scenario"
	"github.com/polisai/polis-incident/pkg/telemetry"
)

const (
	exporterLog              = "log"
	telemetryShutdownTimeout = 5 * time.Second
)

// runtime is the wired engine plus the resources that must be released with it.
type runtime struct {
	service           *engine.Service
	metrics           *telemetry.Metrics
	shutdownTelemetry func(context.Context) error
	logger            *slog.Logger
}

// newRuntime bootstraps telemetry and builds the engine from cfg. Span exporter
// output goes to traceOut.
func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, traceOut io.Writer) (*runtime, error) {
	exporter := strings.ToLower(cfg.Telemetry.Exporter)
	providerExporter := exporter
	if exporter == exporterLog {
		providerExporter = telemetry.ExporterNone
	}

	shutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ServiceVersion:   cfg.Engine.ServerVersion,
		Exporter:         providerExporter,
		Endpoint:         cfg.Telemetry.OTLPEndpoint,
		ConnectionString: cfg.Telemetry.ConnectionString,
		Environment:      cfg.Engine.Environment,
		Insecure:         cfg.Telemetry.Insecure,
		ResourceTags:     map[string]string{"cloud.region": cfg.Engine.Region},
		Writer:           traceOut,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry initialization failed: %w", err)
	}

	var backend telemetry.Backend
	switch {
	case exporter == exporterLog:
		backend = telemetry.NewLogBackend(logger)
	case exporter == telemetry.ExporterStdout, exporter == telemetry.ExporterOTLP, cfg.Telemetry.ConnectionString != "":
		backend = telemetry.NewOTelBackend(otel.GetTracerProvider(), otel.GetMeterProvider(), cfg.Telemetry.Redactions)
	}

	metrics := telemetry.NewMetrics()
	pipeline := telemetry.NewPipeline(backend, telemetry.Options{
		Logger:         logger,
		RetryDelay:     cfg.Telemetry.RetryDelay,
		AttemptTimeout: cfg.Telemetry.SendTimeout,
		Metrics:        metrics,
	})

	policy, err := cfg.Policy.ToPolicy()
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	var source scenario.Source
	if cfg.Engine.Seed != 0 {
		source = scenario.Synchronized(scenario.NewSeededSource(cfg.Engine.Seed))
		logger.Info("scenario selection is seeded", "seed", cfg.Engine.Seed)
	}

	svc, err := engine.NewService(engine.Options{
		Logger:    logger,
		Policy:    &policy,
		Source:    source,
		Checker:   integrity.NewChecker(cfg.Engine.BufferLimitBytes, []byte(cfg.Engine.Signature)),
		Generator: correlation.NewGenerator(correlation.WithInstancePrefix(cfg.Engine.InstancePrefix)),
		Builder: diagnostics.NewBuilder(diagnostics.Options{
			Logger:        logger,
			Source:        source,
			Environment:   cfg.Engine.Environment,
			Region:        cfg.Engine.Region,
			ServerVersion: cfg.Engine.ServerVersion,
		}),
		Pipeline: pipeline,
	})
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	return &runtime{service: svc, metrics: metrics, shutdownTelemetry: shutdown, logger: logger}, nil
}

// Close drains pending telemetry and shuts the tracer provider down.
func (r *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := r.service.Close(ctx); err != nil {
		r.logger.Warn("telemetry drain incomplete", "error", err)
	}
	if err := r.shutdownTelemetry(ctx); err != nil {
		r.logger.Warn("telemetry shutdown error", "error", err)
	}
}
