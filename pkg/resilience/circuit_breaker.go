package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/grantpulse/sentinel/pkg/logging"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed allows all requests through
	StateClosed State = iota
	// StateOpen rejects all requests until the reset timeout elapses
	StateOpen
	// StateHalfOpen admits a single trial request to probe recovery
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// GaugeValue maps the state onto the scale exported to Prometheus
// (0=closed, 1=half-open, 2=open).
func (s State) GaugeValue() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies the protected resource (source ID, database, proxy pool)
	Name string
	// FailureThreshold is the number of failures within MonitoringPeriod
	// that trips the breaker open
	FailureThreshold int
	// ResetTimeout is the period of the open state, after which a single
	// half-open trial is admitted
	ResetTimeout time.Duration
	// MonitoringPeriod bounds the window in which failures are counted;
	// a failure arriving after the window expired starts a fresh count
	MonitoringPeriod time.Duration
	// OnStateChange is called synchronously on every transition while the
	// breaker lock is held; it must not call back into the breaker
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns breaker defaults tuned for scrape targets.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		MonitoringPeriod: 60 * time.Second,
	}
}

// CircuitBreaker guards a single resource against repeated failures.
// All state is serialized through one mutex; the generation counter
// discards completions from requests admitted before the last transition,
// so a stale result can neither double-trip nor falsely close the breaker.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	monitoringPeriod time.Duration
	onStateChange    func(name string, from, to State)
	logger           *logging.Logger

	mu            sync.Mutex
	state         State
	generation    uint64
	failureCount  int
	windowStart   time.Time
	lastFailure   time.Time
	trialInFlight bool
}

// NewCircuitBreaker creates a circuit breaker for the named resource.
func NewCircuitBreaker(config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.MonitoringPeriod <= 0 {
		config.MonitoringPeriod = 60 * time.Second
	}

	return &CircuitBreaker{
		name:             config.Name,
		failureThreshold: config.FailureThreshold,
		resetTimeout:     config.ResetTimeout,
		monitoringPeriod: config.MonitoringPeriod,
		onStateChange:    config.OnStateChange,
		logger:           logging.GetLogger(),
	}
}

// Execute runs the operation if the circuit breaker allows it.
func (cb *CircuitBreaker) Execute(ctx context.Context, operation func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	result, err := operation(ctx)
	cb.afterRequest(generation, err == nil)
	return result, err
}

// beforeRequest decides whether the call may proceed and returns the
// generation it was admitted in.
func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.state {
	case StateOpen:
		remaining := cb.resetTimeout - now.Sub(cb.lastFailure)
		if remaining > 0 {
			return 0, &CircuitOpenError{Resource: cb.name, State: StateOpen, RetryAfter: remaining}
		}
		cb.setState(StateHalfOpen, now)
		cb.trialInFlight = true
	case StateHalfOpen:
		if cb.trialInFlight {
			return 0, &CircuitOpenError{Resource: cb.name, State: StateHalfOpen}
		}
		cb.trialInFlight = true
	}

	return cb.generation, nil
}

// afterRequest records the outcome of a call admitted in the given
// generation. Results from a previous generation are ignored.
func (cb *CircuitBreaker) afterRequest(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if generation != cb.generation {
		return
	}

	now := time.Now()
	switch cb.state {
	case StateClosed:
		if success {
			cb.failureCount = 0
			cb.windowStart = time.Time{}
			return
		}
		if cb.windowStart.IsZero() || now.Sub(cb.windowStart) > cb.monitoringPeriod {
			cb.windowStart = now
			cb.failureCount = 1
		} else {
			cb.failureCount++
		}
		cb.lastFailure = now
		if cb.failureCount >= cb.failureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.trialInFlight = false
		if success {
			cb.setState(StateClosed, now)
		} else {
			cb.lastFailure = now
			cb.setState(StateOpen, now)
		}
	}
}

// setState transitions to the new state. Must be called with the lock held.
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.generation++

	switch state {
	case StateClosed:
		cb.failureCount = 0
		cb.windowStart = time.Time{}
		cb.trialInFlight = false
	case StateOpen:
		cb.lastFailure = now
		cb.trialInFlight = false
	}

	cb.logger.Info("Circuit breaker state changed",
		"resource", cb.name,
		"from", prev.String(),
		"to", state.String(),
	)

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}
}

// State returns the effective state. An open breaker whose reset timeout
// has elapsed is reported as half-open: the next call will be admitted.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Name returns the resource this breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats is a point-in-time snapshot of a breaker for observability.
type Stats struct {
	Resource     string    `json:"resource"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() Stats {
	state := cb.State()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Resource:     cb.name,
		State:        state.String(),
		FailureCount: cb.failureCount,
		LastFailure:  cb.lastFailure,
	}
}

// Reset forces the breaker back to closed and clears its counters.
// In-flight requests admitted before the reset are discarded.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed, time.Now())
	cb.generation++
	cb.failureCount = 0
	cb.windowStart = time.Time{}
	cb.lastFailure = time.Time{}
	cb.trialInFlight = false
}

// CircuitOpenError is returned when a request is rejected because the
// breaker is open, or because a half-open trial is already in flight.
type CircuitOpenError struct {
	Resource   string
	State      State
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker for %q is half-open with a trial in flight", e.Resource)
	}
	return fmt.Sprintf("circuit breaker for %q is open, retry in %s", e.Resource, e.RetryAfter.Round(time.Millisecond))
}

// IsCircuitOpen reports whether err is a circuit breaker rejection.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}
