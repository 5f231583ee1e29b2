package telemetry

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/polisai/polis-incident/pkg/domain"
)

// Backend receives diagnostic records. Implementations must be safe for
// concurrent use.
type Backend interface {
	Send(ctx context.Context, rec domain.DiagnosticRecord) error
	Flush(ctx context.Context) error
}

// LogBackend writes every record to a structured logger.
type LogBackend struct {
	logger *slog.Logger
}

// NewLogBackend returns a backend that logs records through logger.
func NewLogBackend(logger *slog.Logger) *LogBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogBackend{logger: logger}
}

// Send logs rec at the level matching its severity.
func (b *LogBackend) Send(ctx context.Context, rec domain.DiagnosticRecord) error {
	attrs := make([]any, 0, rec.Properties.Len())
	for _, k := range rec.Properties.Keys() {
		attrs = append(attrs, slog.String(k, rec.Properties.Value(k)))
	}
	args := []any{
		"kind", string(rec.Kind),
		"name", rec.Name,
		"severity", rec.Severity.String(),
		slog.Group("properties", attrs...),
	}
	if rec.Message != "" {
		args = append(args, "message", rec.Message)
	}
	if rec.Kind == domain.KindMetric {
		args = append(args, "value", rec.Value)
	}
	b.logger.Log(ctx, severityLevel(rec.Severity), "telemetry record", args...)
	return nil
}

// Flush is a no-op.
func (b *LogBackend) Flush(context.Context) error { return nil }

func severityLevel(s domain.Severity) slog.Level {
	switch s {
	case domain.SeverityWarning:
		return slog.LevelWarn
	case domain.SeverityError, domain.SeverityCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MemoryBackend keeps accepted records in memory. SendHook, when set, is consulted
// before a record is accepted; a non-nil error rejects it.
type MemoryBackend struct {
	SendHook func(rec domain.DiagnosticRecord) error

	mu      sync.Mutex
	records []domain.DiagnosticRecord
	sends   int
	flushes int
}

// Send stores rec unless SendHook rejects it.
func (b *MemoryBackend) Send(ctx context.Context, rec domain.DiagnosticRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.sends++
	hook := b.SendHook
	b.mu.Unlock()

	if hook != nil {
		if err := hook(rec); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.records = append(b.records, rec)
	b.mu.Unlock()
	return nil
}

// Flush counts flush calls.
func (b *MemoryBackend) Flush(context.Context) error {
	b.mu.Lock()
	b.flushes++
	b.mu.Unlock()
	return nil
}

// Records returns the accepted records in arrival order.
func (b *MemoryBackend) Records() []domain.DiagnosticRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.records)
}

// Sends returns the number of Send calls, accepted or not.
func (b *MemoryBackend) Sends() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sends
}

// Flushes returns the number of Flush calls.
func (b *MemoryBackend) Flushes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushes
}
