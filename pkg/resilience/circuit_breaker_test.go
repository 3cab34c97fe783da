package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_DefaultBehavior(t *testing.T) {
	cb := NewCircuitBreaker(Config{
		Name:             "test-cb",
		FailureThreshold: 3,
		ResetTimeout:     time.Second,
		MonitoringPeriod: time.Second,
	})

	// Initially closed
	assert.Equal(t, StateClosed, cb.State())

	// Successful requests should keep it closed
	for i := 0; i < 5; i++ {
		result, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return "success", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "success", result)
		assert.Equal(t, StateClosed, cb.State())
	}
}

func TestCircuitBreaker_TripsAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(Config{
		Name:             "test-cb",
		FailureThreshold: 3,
		ResetTimeout:     time.Second,
		MonitoringPeriod: time.Second,
	})

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("test error")
		})
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, cb.State())

	// The 4th call must be rejected without invoking the operation
	invoked := false
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		invoked = true
		return "should not execute", nil
	})
	require.Error(t, err)
	assert.False(t, invoked)
	assert.True(t, IsCircuitOpen(err))

	var coe *CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.Equal(t, "test-cb", coe.Resource)
	assert.Greater(t, coe.RetryAfter, time.Duration(0))
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(Config{
		Name:             "test-cb",
		FailureThreshold: 3,
		ResetTimeout:     time.Second,
		MonitoringPeriod: time.Second,
	})

	fail := func(ctx context.Context) (interface{}, error) { return nil, errors.New("boom") }
	ok := func(ctx context.Context) (interface{}, error) { return "ok", nil }

	cb.Execute(context.Background(), fail)
	cb.Execute(context.Background(), fail)
	cb.Execute(context.Background(), ok)
	cb.Execute(context.Background(), fail)
	cb.Execute(context.Background(), fail)

	// Two failures after the success: still below the threshold
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 2, cb.Stats().FailureCount)
}

func TestCircuitBreaker_MonitoringPeriodExpiry(t *testing.T) {
	cb := NewCircuitBreaker(Config{
		Name:             "test-cb",
		FailureThreshold: 3,
		ResetTimeout:     time.Second,
		MonitoringPeriod: 50 * time.Millisecond,
	})

	fail := func(ctx context.Context) (interface{}, error) { return nil, errors.New("boom") }

	cb.Execute(context.Background(), fail)
	cb.Execute(context.Background(), fail)

	// Let the monitoring window lapse; the next failure starts a new count
	time.Sleep(60 * time.Millisecond)

	cb.Execute(context.Background(), fail)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Stats().FailureCount)
}

func TestCircuitBreaker_HalfOpenTrialSuccess(t *testing.T) {
	cb := NewCircuitBreaker(Config{
		Name:             "test-cb",
		FailureThreshold: 2,
		ResetTimeout:     50 * time.Millisecond,
		MonitoringPeriod: time.Second,
	})

	for i := 0; i < 2; i++ {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("test error")
		})
	}
	assert.Equal(t, StateOpen, cb.State())

	// Wait for the reset timeout
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// A successful trial closes the breaker and clears the counters
	result, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().FailureCount)
}

func TestCircuitBreaker_HalfOpenTrialFailure(t *testing.T) {
	cb := NewCircuitBreaker(Config{
		Name:             "test-cb",
		FailureThreshold: 2,
		ResetTimeout:     50 * time.Millisecond,
		MonitoringPeriod: time.Second,
	})

	for i := 0; i < 2; i++ {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("test error")
		})
	}
	time.Sleep(60 * time.Millisecond)

	// A failed trial reopens the breaker for another full reset timeout
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("still broken")
	})
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())

	_, err = cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "should not execute", nil
	})
	assert.True(t, IsCircuitOpen(err))
}

func TestCircuitBreaker_HalfOpenSingleTrial(t *testing.T) {
	cb := NewCircuitBreaker(Config{
		Name:             "test-cb",
		FailureThreshold: 1,
		ResetTimeout:     50 * time.Millisecond,
		MonitoringPeriod: time.Second,
	})

	cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("test error")
	})
	time.Sleep(60 * time.Millisecond)

	trialStarted := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			close(trialStarted)
			<-release
			return "trial", nil
		})
	}()

	// While the trial is in flight, other callers must be rejected
	<-trialStarted
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "concurrent", nil
	})
	require.Error(t, err)
	assert.True(t, IsCircuitOpen(err))

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	cb := NewCircuitBreaker(Config{
		Name:             "test-cb",
		FailureThreshold: 1,
		ResetTimeout:     50 * time.Millisecond,
		MonitoringPeriod: time.Second,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
		},
	})

	cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("test error")
	})
	time.Sleep(60 * time.Millisecond)
	cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "recovered", nil
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker(Config{
		Name:             "test-cb",
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		MonitoringPeriod: time.Second,
	})

	assert.Panics(t, func() {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			panic("test panic")
		})
	})

	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(Config{
		Name:             "test-cb",
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		MonitoringPeriod: time.Second,
	})

	cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("test error")
	})
	assert.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().FailureCount)

	result, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestIsCircuitOpen(t *testing.T) {
	assert.True(t, IsCircuitOpen(&CircuitOpenError{Resource: "x", State: StateOpen}))
	assert.False(t, IsCircuitOpen(errors.New("regular error")))
	assert.False(t, IsCircuitOpen(nil))
}

func TestRegistry_PerResourceBreakers(t *testing.T) {
	reg := NewRegistry(Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		MonitoringPeriod: time.Second,
	})

	a := reg.Get("source-a")
	b := reg.Get("source-b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, reg.Get("source-a"))

	// Tripping one source must not affect the other
	a.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("boom")
	})
	assert.Equal(t, StateOpen, a.State())
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{"source-a", "source-b"}, reg.Names())

	snapshot := reg.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "source-a", snapshot[0].Resource)
	assert.Equal(t, "open", snapshot[0].State)
	assert.Equal(t, "closed", snapshot[1].State)

	assert.True(t, reg.Reset("source-a"))
	assert.Equal(t, StateClosed, a.State())
	assert.False(t, reg.Reset("missing"))
}
