package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/jacentio/twinstore/store"

// RetryPolicy bounds how transient failures are retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default: 3 (4 attempts in total)
	MaxRetries int

	// InitialBackoff is the wait before the first retry.
	// Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff caps every wait.
	// Default: 5s
	MaxBackoff time.Duration

	// Multiplier grows the wait after each retry.
	// Default: 2
	Multiplier float64
}

// DefaultRetryPolicy returns 3 retries at 100ms, 200ms, 400ms, capped at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
	}
}

func (p *RetryPolicy) validate() {
	d := DefaultRetryPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
}

// exponential returns an unjittered schedule with no elapsed-time limit.
func (p RetryPolicy) exponential() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Delays returns the wait before each retry, in order.
func (p RetryPolicy) Delays() []time.Duration {
	p.validate()
	b := p.exponential()
	delays := make([]time.Duration, 0, p.MaxRetries)
	for i := 0; i < p.MaxRetries; i++ {
		delays = append(delays, b.NextBackOff())
	}
	return delays
}

// Executor runs storage operations with bounded, classified retries.
// It is safe for concurrent use.
type Executor struct {
	policy   RetryPolicy
	logger   *slog.Logger
	tracer   trace.Tracer
	classify func(error) (Kind, bool)
	retries  metric.Int64Counter
	failures metric.Int64Counter
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTracer sets the tracer used for per-operation spans.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithClassifier replaces Classify for engines other than DynamoDB.
func WithClassifier(c func(error) (Kind, bool)) ExecutorOption {
	return func(e *Executor) { e.classify = c }
}

// WithMeter sets the meter used for retry and failure counters.
func WithMeter(m metric.Meter) ExecutorOption {
	return func(e *Executor) { e.initMetrics(m) }
}

// NewExecutor creates an Executor. A nil logger uses slog.Default().
func NewExecutor(policy RetryPolicy, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	policy.validate()
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		policy:   policy,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		classify: Classify,
	}
	e.initMetrics(otel.Meter(instrumentationName))
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) initMetrics(m metric.Meter) {
	// Instrument creation only fails on invalid names; the counters stay nil
	// in that case and are skipped.
	e.retries, _ = m.Int64Counter("twinstore.storage.retries",
		metric.WithDescription("Storage operation retries after a transient failure"))
	e.failures, _ = m.Int64Counter("twinstore.storage.failures",
		metric.WithDescription("Storage operations that failed terminally"))
}

// Policy returns the retry policy in effect.
func (e *Executor) Policy() RetryPolicy { return e.policy }

// Do runs fn until it succeeds, fails with a non-retryable error, exhausts
// the retry budget, or ctx ends during a backoff wait. Any failure is
// returned as an *Error naming op and the number of attempts made.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var (
		attempts int
		lastErr  error
		lastKind Kind
	)

	operation := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		var retryable bool
		lastKind, retryable = e.classify(err)
		if !retryable {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		e.logger.Warn("retrying storage operation",
			"operation", op,
			"attempt", attempts,
			"kind", lastKind.String(),
			"backoff", wait,
			"error", err,
		)
		if e.retries != nil {
			e.retries.Add(ctx, 1, metric.WithAttributes(
				attribute.String("operation", op),
				attribute.String("kind", lastKind.String()),
			))
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(e.policy.exponential(), uint64(e.policy.MaxRetries)), ctx)
	err := backoff.RetryNotify(operation, b, notify)
	span.SetAttributes(attribute.Int("storage.attempts", attempts))
	if err == nil {
		return nil
	}

	final := &Error{Kind: lastKind, Op: op, Attempts: attempts, Err: lastErr}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		final.Kind = KindInterrupted
		final.Err = err
	}

	span.SetAttributes(attribute.String("storage.error_kind", final.Kind.String()))
	span.RecordError(final)
	span.SetStatus(codes.Error, final.Error())
	if e.failures != nil {
		e.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("kind", final.Kind.String()),
		))
	}

	switch final.Kind {
	case KindConflict:
		e.logger.Warn("storage precondition failed", "operation", op, "error", lastErr)
	case KindNotFound:
		e.logger.Debug("storage item not found", "operation", op, "error", lastErr)
	default:
		e.logger.Error("storage operation failed",
			"operation", op,
			"attempts", attempts,
			"kind", final.Kind.String(),
			"error", final.Err,
		)
	}
	return final
}

// Run is Do for operations that produce a value.
func Run[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
