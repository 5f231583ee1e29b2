package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/polisai/polis-incident/pkg/domain"
)

// Exporter names accepted by SetupProvider.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config describes the telemetry bootstrap options.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Exporter       string
	Endpoint       string
	// ConnectionString, when set, supplies Endpoint and Headers.
	ConnectionString string
	Environment      string
	Insecure         bool
	Headers          map[string]string
	ResourceTags     map[string]string
	// Writer receives stdout exporter output; defaults to os.Stdout.
	Writer io.Writer
}

// SetupProvider initialises the process-wide OpenTelemetry tracer provider using
// the supplied configuration and returns a shutdown function that callers must
// invoke during graceful termination to flush buffered spans.
func SetupProvider(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	if cfg.ConnectionString != "" {
		info, err := ParseConnectionString(cfg.ConnectionString)
		if err != nil {
			return nil, err
		}
		if cfg.Endpoint == "" {
			cfg.Endpoint = info.Endpoint
		}
		headers := make(map[string]string, len(cfg.Headers)+len(info.Headers))
		for k, v := range info.Headers {
			headers[k] = v
		}
		for k, v := range cfg.Headers {
			headers[k] = v
		}
		cfg.Headers = headers
		if cfg.Exporter == "" {
			cfg.Exporter = ExporterOTLP
		}
	}

	exporter := strings.ToLower(cfg.Exporter)
	if exporter == "" && cfg.Endpoint != "" {
		exporter = ExporterOTLP
	}

	var (
		spanExporter sdktrace.SpanExporter
		err          error
	)
	switch exporter {
	case "", ExporterNone:
		return noop, nil
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		spanExporter, err = stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
	case ExporterOTLP:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("%w: otlp exporter requires an endpoint", domain.ErrConfigInvalid)
		}
		spanExporter, err = newOTLPExporter(ctx, cfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown exporter %q", domain.ErrConfigInvalid, cfg.Exporter)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter, sdktrace.WithMaxExportBatchSize(100), sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

func newOTLPExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	clientOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	} else {
		clientOpts = append(clientOpts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if len(cfg.Headers) > 0 {
		clientOpts = append(clientOpts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	clientOpts = append(clientOpts, otlptracegrpc.WithDialOption(
		grpc.WithReturnConnectionError(), //nolint:staticcheck // Requested alternative to grpc.WithBlock for connection errors.
	))

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exporter, err := otlptrace.New(dialCtx, otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}
	return exporter, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
	}
	for k, v := range cfg.ResourceTags {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

// ConnectionInfo is the parsed form of a backend connection string.
type ConnectionInfo struct {
	InstrumentationKey string
	// Endpoint is host:port for the OTLP gRPC client.
	Endpoint string
	Headers  map[string]string
}

// ParseConnectionString reads a "Key=Value;Key=Value" descriptor. InstrumentationKey
// is required; OtlpEndpoint takes precedence over IngestionEndpoint. Keys are
// matched case-insensitively and URLs without a port default to 443.
func ParseConnectionString(s string) (ConnectionInfo, error) {
	fields := map[string]string{}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return ConnectionInfo{}, fmt.Errorf("%w: malformed connection string segment %q", domain.ErrConfigInvalid, part)
		}
		fields[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	info := ConnectionInfo{InstrumentationKey: fields["instrumentationkey"]}
	if info.InstrumentationKey == "" {
		return ConnectionInfo{}, fmt.Errorf("%w: connection string has no InstrumentationKey", domain.ErrConfigInvalid)
	}

	raw := fields["otlpendpoint"]
	if raw == "" {
		raw = fields["ingestionendpoint"]
	}
	if raw != "" {
		endpoint, err := hostPort(raw)
		if err != nil {
			return ConnectionInfo{}, err
		}
		info.Endpoint = endpoint
	}
	info.Headers = map[string]string{"x-instrumentation-key": info.InstrumentationKey}
	return info, nil
}

func hostPort(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("%w: invalid endpoint %q", domain.ErrConfigInvalid, raw)
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Redaction strategies.
const (
	RedactDrop    = "drop"
	RedactMask    = "mask"
	RedactHash    = "hash"
	RedactReplace = "replace"
)

// Redaction applies Strategy to the attribute named Attribute.
type Redaction struct {
	Attribute string `yaml:"attribute"`
	Strategy  string `yaml:"strategy"`
}

// RedactAttributes applies redaction directives to telemetry attributes before
// export. An empty strategy drops the attribute; "redact" is an alias of replace.
func RedactAttributes(redactions []Redaction, attrs []attribute.KeyValue) []attribute.KeyValue {
	if len(attrs) == 0 || len(redactions) == 0 {
		return attrs
	}

	strategies := make(map[string]string, len(redactions))
	for _, r := range redactions {
		strategy := strings.ToLower(r.Strategy)
		if strategy == "" {
			strategy = RedactDrop
		}
		strategies[r.Attribute] = strategy
	}

	redacted := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		key := string(kv.Key)
		switch strategies[key] {
		case RedactDrop:
			continue
		case RedactMask:
			redacted = append(redacted, attribute.String(key, maskValue(kv.Value.Emit())))
		case RedactHash:
			redacted = append(redacted, attribute.String(key, hashValue(kv.Value.Emit())))
		case RedactReplace, "redact":
			redacted = append(redacted, attribute.String(key, "[REDACTED]"))
		default:
			redacted = append(redacted, kv)
		}
	}

	return redacted
}

// maskValue shows the first and last four characters (e.g., "1234***6789").
func maskValue(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}

// hashValue produces a deterministic hash for correlation without exposing data.
func hashValue(s string) string {
	if s == "" {
		return "[REDACTED:empty]"
	}
	sum := sha256.Sum256([]byte(s))
	return "[REDACTED:hash:" + hex.EncodeToString(sum[:4]) + "]"
}
