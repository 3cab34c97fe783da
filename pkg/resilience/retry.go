package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/grantpulse/sentinel/pkg/logging"
	"github.com/grantpulse/sentinel/pkg/metrics"
	"github.com/grantpulse/sentinel/pkg/scraperr"
)

// RetryPolicy holds configuration for the retry executor
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt,
	// so an operation runs at most MaxRetries+1 times
	MaxRetries int
	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration
	// MaxDelay caps every computed delay, jitter included
	MaxDelay time.Duration
	// Multiplier is the exponential backoff factor
	Multiplier float64
	// Jitter adds a uniform random component to each delay to avoid
	// synchronized retries against the same source
	Jitter bool
	// RetryCondition decides per error kind whether another attempt is
	// worth making. Returning false fails the operation immediately.
	RetryCondition func(kind scraperr.Kind) bool
	// OnRetry is called before each retry wait
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryPolicy returns the policy used for scrape operations.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		BaseDelay:      1 * time.Second,
		MaxDelay:       5 * time.Minute,
		Multiplier:     2.0,
		Jitter:         true,
		RetryCondition: func(kind scraperr.Kind) bool { return kind.Retryable() },
	}
}

// RetryRecorder receives the terminal outcome of every retried operation.
// The error history implements it to maintain per-kind retry metrics.
type RetryRecorder interface {
	// RetrySucceeded is called when an operation recovers after at least
	// one failure. resolution is the time from the first failure to the
	// eventual success, kind the classification of the first failure.
	RetrySucceeded(kind scraperr.Kind, resolution time.Duration)
	// RetryFailed is called when an operation is given up on, whether
	// because retries were exhausted or the error was not retryable.
	RetryFailed(kind scraperr.Kind)
}

// Outcome describes how an Execute call went, including the attempts that
// failed along the way.
type Outcome struct {
	// Result is the operation's return value on success
	Result interface{}
	// Attempts is the number of times the operation was invoked
	Attempts int
	// Errors holds one entry per failed attempt, oldest first
	Errors []error
}

// Retrier executes operations with classification-aware retry and
// exponential backoff.
type Retrier struct {
	policy     RetryPolicy
	classifier *scraperr.Classifier
	recorder   RetryRecorder
	metrics    *metrics.Metrics
	logger     *logging.Logger
}

// NewRetrier creates a retrier with the given policy. Zero or negative
// policy fields fall back to the defaults.
func NewRetrier(policy RetryPolicy) *Retrier {
	def := DefaultRetryPolicy()
	if policy.MaxRetries < 0 {
		policy.MaxRetries = def.MaxRetries
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = def.Multiplier
	}
	if policy.RetryCondition == nil {
		policy.RetryCondition = def.RetryCondition
	}

	return &Retrier{
		policy:     policy,
		classifier: scraperr.Default(),
		logger:     logging.GetLogger(),
	}
}

// WithClassifier replaces the classifier used to kind failed attempts.
func (r *Retrier) WithClassifier(c *scraperr.Classifier) *Retrier {
	if c != nil {
		r.classifier = c
	}
	return r
}

// WithRecorder attaches a recorder for terminal retry outcomes.
func (r *Retrier) WithRecorder(rec RetryRecorder) *Retrier {
	r.recorder = rec
	return r
}

// WithMetrics attaches Prometheus instrumentation.
func (r *Retrier) WithMetrics(m *metrics.Metrics) *Retrier {
	r.metrics = m
	return r
}

// Execute runs the operation, retrying classified-retryable failures with
// exponential backoff until it succeeds, the retry budget is exhausted, or
// the context is cancelled. The returned Outcome is valid in every case.
func (r *Retrier) Execute(ctx context.Context, operation func(ctx context.Context) (interface{}, error)) (Outcome, error) {
	var (
		errs         []error
		firstKind    scraperr.Kind
		firstFailure time.Time
	)

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Attempts: attempt, Errors: errs}, err
		}

		result, err := operation(ctx)
		if err == nil {
			out := Outcome{Result: result, Attempts: attempt + 1, Errors: errs}
			if attempt > 0 {
				resolution := time.Since(firstFailure)
				if r.recorder != nil {
					r.recorder.RetrySucceeded(firstKind, resolution)
				}
				r.metrics.RecordRetryOutcome(firstKind.String(), "recovered")
				r.logger.Info("Operation recovered after retry",
					"attempts", out.Attempts,
					"kind", firstKind.String(),
					"resolution", resolution.String(),
				)
			}
			return out, nil
		}

		errs = append(errs, err)
		kind := r.classifier.ClassifyError(err)
		if len(errs) == 1 {
			firstKind = kind
			firstFailure = time.Now()
		}

		// A breaker rejection means the resource is deliberately fenced
		// off; hammering it with retries would defeat the breaker.
		if IsCircuitOpen(err) {
			return r.giveUp(kind, "circuit_open", attempt+1, errs)
		}

		if !r.policy.RetryCondition(kind) {
			return r.giveUp(kind, "not_retryable", attempt+1, errs)
		}

		if attempt >= r.policy.MaxRetries {
			return r.giveUp(kind, "exhausted", attempt+1, errs)
		}

		delay := r.delay(attempt)
		if r.policy.OnRetry != nil {
			r.policy.OnRetry(attempt+1, err, delay)
		}
		r.metrics.ObserveRetryDelay(kind.String(), delay)
		r.logger.Debug("Operation failed, retrying",
			"attempt", attempt+1,
			"max_retries", r.policy.MaxRetries,
			"kind", kind.String(),
			"delay", delay.String(),
			"error", err.Error(),
		)

		select {
		case <-ctx.Done():
			return Outcome{Attempts: attempt + 1, Errors: errs}, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (r *Retrier) giveUp(kind scraperr.Kind, reason string, attempts int, errs []error) (Outcome, error) {
	if r.recorder != nil {
		r.recorder.RetryFailed(kind)
	}
	r.metrics.RecordRetryOutcome(kind.String(), reason)
	r.logger.Warn("Operation failed permanently",
		"attempts", attempts,
		"kind", kind.String(),
		"reason", reason,
	)
	return Outcome{Attempts: attempts, Errors: errs}, &RetryError{Attempts: attempts, Errors: errs}
}

// delay computes the wait before the retry following the given attempt
// (0-based). The result never exceeds MaxDelay.
func (r *Retrier) delay(attempt int) time.Duration {
	delay := time.Duration(float64(r.policy.BaseDelay) * math.Pow(r.policy.Multiplier, float64(attempt)))
	if delay > r.policy.MaxDelay || delay <= 0 {
		delay = r.policy.MaxDelay
	}

	if r.policy.Jitter {
		delay += time.Duration(rand.Float64() * float64(delay))
		if delay > r.policy.MaxDelay {
			delay = r.policy.MaxDelay
		}
	}

	return delay
}

// RetryError aggregates every failed attempt of an abandoned operation.
type RetryError struct {
	Attempts int
	Errors   []error
}

func (e *RetryError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("operation failed after %d attempts", e.Attempts)
	}
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("operation failed after %d attempts: %s", e.Attempts, strings.Join(msgs, "; "))
}

// Unwrap exposes the individual attempt errors to errors.Is and errors.As.
func (e *RetryError) Unwrap() []error {
	return e.Errors
}

// Last returns the error from the final attempt.
func (e *RetryError) Last() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[len(e.Errors)-1]
}

// RetryableBreaker combines a circuit breaker with retry logic: every
// attempt passes through the breaker, and a breaker rejection ends the
// retry loop immediately.
type RetryableBreaker struct {
	breaker *CircuitBreaker
	retrier *Retrier
}

// NewRetryableBreaker wires a retrier around the given breaker.
func NewRetryableBreaker(breaker *CircuitBreaker, retrier *Retrier) *RetryableBreaker {
	return &RetryableBreaker{breaker: breaker, retrier: retrier}
}

// Execute runs the operation with both retry and circuit breaker protection.
func (rb *RetryableBreaker) Execute(ctx context.Context, operation func(ctx context.Context) (interface{}, error)) (Outcome, error) {
	return rb.retrier.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return rb.breaker.Execute(ctx, operation)
	})
}
