package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/polis-incident/internal/governance"
	"github.com/polisai/polis-incident/pkg/domain"
)

// Property keys written by the pipeline.
const (
	KeyRetryAttempt = "retryAttempt"
	KeyFileName     = "fileName"
	KeyLineNumber   = "lineNumber"
	KeyColumnNumber = "columnNumber"
)

// ErrPipelineClosed is reported for deliveries cut short by Close.
var ErrPipelineClosed = errors.New("telemetry pipeline closed")

// DeliveryState is the lifecycle position of one emitted record.
type DeliveryState string

// Delivery states. Delivered, Abandoned and Skipped are terminal.
const (
	StatePending        DeliveryState = "pending"
	StateRetryScheduled DeliveryState = "retry_scheduled"
	StateDelivered      DeliveryState = "delivered"
	StateAbandoned      DeliveryState = "abandoned"
	StateSkipped        DeliveryState = "skipped"
)

// Terminal reports whether no further transitions can happen.
func (s DeliveryState) Terminal() bool {
	return s == StateDelivered || s == StateAbandoned || s == StateSkipped
}

// DeliveryResult is the terminal outcome of a delivery.
type DeliveryResult struct {
	State DeliveryState
	// Record is the last version sent, including retryAttempt when retried.
	Record   domain.DiagnosticRecord
	Attempts int
	Err      error
}

// Delivery tracks one emitted record. Callers may ignore it.
type Delivery struct {
	mu     sync.Mutex
	state  DeliveryState
	done   chan struct{}
	result DeliveryResult
}

func newDelivery(rec domain.DiagnosticRecord) *Delivery {
	return &Delivery{
		state:  StatePending,
		done:   make(chan struct{}),
		result: DeliveryResult{State: StatePending, Record: rec},
	}
}

// State returns the current state.
func (d *Delivery) State() DeliveryState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Done is closed when the delivery reaches a terminal state.
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Wait blocks until the delivery is terminal or ctx ends.
func (d *Delivery) Wait(ctx context.Context) (DeliveryResult, error) {
	select {
	case <-d.done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.result, nil
	case <-ctx.Done():
		return DeliveryResult{State: d.State()}, ctx.Err()
	}
}

func (d *Delivery) transition(s DeliveryState) {
	d.mu.Lock()
	d.state = s
	d.result.State = s
	d.mu.Unlock()
}

func (d *Delivery) finish(res DeliveryResult) {
	d.mu.Lock()
	d.state = res.State
	d.result = res
	d.mu.Unlock()
	close(d.done)
}

// Options configures a Pipeline.
type Options struct {
	Logger *slog.Logger
	// RetryDelay is the wait before the single retry. Zero uses governance.DefaultRetryDelay.
	RetryDelay time.Duration
	// AttemptTimeout bounds each Send call.
	AttemptTimeout time.Duration
	Metrics        *Metrics
}

// Pipeline delivers records to a backend without ever failing the caller. A failed
// first attempt is retried once after RetryDelay with retryAttempt=true; a failed
// retry is abandoned.
type Pipeline struct {
	backend  Backend
	logger   *slog.Logger
	retry    *governance.RetryPolicy
	timeouts *governance.TimeoutManager
	metrics  *Metrics

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	// closeCtx is cancelled by Close to end pending retry waits.
	closeCtx    context.Context
	cancelClose context.CancelFunc
}

// NewPipeline returns a pipeline over backend. A nil backend yields Skipped deliveries.
func NewPipeline(backend Backend, opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	closeCtx, cancelClose := context.WithCancel(context.Background())
	return &Pipeline{
		backend:  backend,
		logger:   logger,
		retry:    governance.NewRetryPolicy(governance.DeliveryRetryConfig(opts.RetryDelay)),
		timeouts: governance.NewTimeoutManager(governance.TimeoutConfig{AttemptTimeout: opts.AttemptTimeout}),
		metrics:  opts.Metrics,

		closeCtx:    closeCtx,
		cancelClose: cancelClose,
	}
}

// Emit hands rec to the backend asynchronously. The returned delivery is already
// Pending; cancelling ctx does not cancel the delivery.
func (p *Pipeline) Emit(ctx context.Context, rec domain.DiagnosticRecord) *Delivery {
	rec = withOrigin(rec)
	d := newDelivery(rec)

	if p.backend == nil {
		p.logger.Warn("telemetry backend not initialised; record skipped",
			"kind", string(rec.Kind), "name", rec.Name, "correlation_id", rec.CorrelationID())
		p.metrics.recordDelivery(rec.Kind, StateSkipped)
		d.finish(DeliveryResult{State: StateSkipped, Record: rec})
		return d
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.metrics.recordDelivery(rec.Kind, StateAbandoned)
		d.finish(DeliveryResult{State: StateAbandoned, Record: rec, Err: ErrPipelineClosed})
		return d
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.deliver(context.WithoutCancel(ctx), d, rec)
	return d
}

// deliver runs the attempts for one record. Sends use the detached ctx; the retry
// wait ends early when Close cancels closeCtx.
func (p *Pipeline) deliver(ctx context.Context, d *Delivery, rec domain.DiagnosticRecord) {
	defer p.wg.Done()

	var (
		attempts int
		failure  *domain.DeliveryFailure
	)
	err := p.retry.ExecuteWithRetry(p.closeCtx, func(_ context.Context, attempt int) error {
		if attempt > 0 {
			rec = rec.WithProperty(KeyRetryAttempt, "true")
		}
		attempts = attempt + 1

		start := time.Now()
		err := p.timeouts.Run(ctx, func(actx context.Context) error {
			return p.backend.Send(actx, rec)
		})
		p.metrics.observeAttempt(rec.Kind, err == nil, time.Since(start))
		if err == nil {
			return nil
		}

		failure = &domain.DeliveryFailure{Kind: rec.Kind, Attempt: attempts, Err: err}
		if p.retry.ShouldRetry(err, attempt) {
			d.transition(StateRetryScheduled)
			p.metrics.recordRetry(rec.Kind)
			p.logger.Debug("telemetry delivery failed; retry scheduled",
				"kind", string(rec.Kind), "name", rec.Name, "correlation_id", rec.CorrelationID(), "error", err)
		}
		return failure
	})

	res := DeliveryResult{State: StateAbandoned, Record: rec, Attempts: attempts}
	switch {
	case err == nil:
		res.State = StateDelivered
	case errors.Is(err, governance.ErrMaxRetriesExceeded):
		res.Err = failure
	default:
		res.Err = errors.Join(failure, ErrPipelineClosed)
	}
	p.complete(d, res)
}

func (p *Pipeline) complete(d *Delivery, res DeliveryResult) {
	if res.State == StateAbandoned {
		p.logger.Debug("telemetry delivery abandoned",
			"kind", string(res.Record.Kind), "name", res.Record.Name,
			"correlation_id", res.Record.CorrelationID(), "attempts", res.Attempts, "error", res.Err)
	}
	p.metrics.recordDelivery(res.Record.Kind, res.State)
	d.finish(res)
}

// Flush asks the backend to push out buffered records. It is safe to call
// repeatedly and with no backend.
func (p *Pipeline) Flush(ctx context.Context) error {
	if p.backend == nil {
		return nil
	}
	return p.backend.Flush(ctx)
}

// Close stops accepting records, abandons scheduled retries, waits for in-flight
// attempts and flushes the backend. It is safe to call more than once.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.cancelClose()
	}
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.Flush(ctx)
}

// withOrigin fills fileName, lineNumber and columnNumber on exceptions that lack them.
func withOrigin(rec domain.DiagnosticRecord) domain.DiagnosticRecord {
	if rec.Kind != domain.KindException || rec.Properties.Has(KeyFileName) {
		return rec
	}
	o := ParseOrigin(rec.Stack)
	return rec.WithProperty(KeyFileName, o.File).
		WithProperty(KeyLineNumber, o.Line).
		WithProperty(KeyColumnNumber, o.Column)
}
