// Package resilience provides circuit breaking and classification-aware
// retry for scrape operations against external grant sources.
//
// # Circuit Breaker Pattern
//
// A circuit breaker fences off a failing source after a configurable number
// of failures inside a monitoring window. While open it rejects requests
// with *CircuitOpenError; after the reset timeout a single trial request is
// admitted, and its outcome decides whether the breaker closes again.
//
//	cb := resilience.NewCircuitBreaker(resilience.Config{
//		Name:             "grants.gov",
//		FailureThreshold: 5,
//		ResetTimeout:     60 * time.Second,
//		MonitoringPeriod: 60 * time.Second,
//	})
//
//	result, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return fetchPage(ctx, url)
//	})
//
// # Retry with Exponential Backoff
//
// The retrier classifies each failure (see pkg/scraperr) and keeps retrying
// while the policy's RetryCondition accepts the kind. Delays grow
// exponentially with optional jitter and are capped by MaxDelay. Every
// failed attempt is preserved in the returned Outcome.
//
//	retrier := resilience.NewRetrier(resilience.DefaultRetryPolicy())
//	out, err := retrier.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return scrapeSource(ctx, source)
//	})
//
// # Per-Resource Registry
//
// A Registry lazily creates one breaker per source so newly discovered
// sources are protected without registration:
//
//	reg := resilience.NewRegistry(resilience.DefaultConfig(""))
//	cb := reg.Get(source.ID)
//
// # Combined Usage
//
// RetryableBreaker runs every attempt through the breaker; a breaker
// rejection ends the retry loop immediately instead of burning the
// retry budget against a fenced-off source:
//
//	op := resilience.NewRetryableBreaker(reg.Get(source.ID), retrier)
//	out, err := op.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return scrapeSource(ctx, source)
//	})
//
// All types are safe for concurrent use.
package resilience
