package scraperr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrapeError_Error(t *testing.T) {
	err := New(KindRateLimit, "Rate limit exceeded")
	assert.Equal(t, "rate_limit: Rate limit exceeded", err.Error())

	cause := errors.New("HTTP 429")
	err = err.WithCause(cause)
	assert.Contains(t, err.Error(), "caused by: HTTP 429")
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestScrapeError_Builders(t *testing.T) {
	err := New(KindParsing, "selector matched nothing").
		WithSource("grants-gov", "https://grants.example.gov/search").
		WithJob("job-7").
		WithAttempt(2).
		WithStatusCode(200)

	assert.Equal(t, "grants-gov", err.SourceID)
	assert.Equal(t, "https://grants.example.gov/search", err.SourceURL)
	assert.Equal(t, "job-7", err.JobID)
	assert.Equal(t, 2, err.Attempt)
	assert.Equal(t, 200, err.StatusCode)
	assert.False(t, err.Timestamp.IsZero())
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil))

	plain := errors.New("connect ECONNREFUSED 10.0.0.2:443")
	wrapped := Wrap(plain)
	require.NotNil(t, wrapped)
	assert.Equal(t, KindNetwork, wrapped.Kind)
	assert.Equal(t, plain, wrapped.Cause)

	// Wrapping a ScrapeError is a no-op
	se := New(KindCaptcha, "blocked").WithRetryAfter(time.Minute)
	assert.Same(t, se, Wrap(se))

	// Even when nested inside another error
	nested := fmt.Errorf("job failed: %w", se)
	assert.Same(t, se, Wrap(nested))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, KindTimeout, KindOf(errors.New("connection timeout")))
	assert.Equal(t, KindAuth, KindOf(New(KindAuth, "401 Unauthorized")))

	wrapped := fmt.Errorf("scrape: %w", New(KindProxy, "tunnel failed"))
	assert.Equal(t, KindProxy, KindOf(wrapped))

	assert.True(t, IsKind(wrapped, KindProxy))
	assert.False(t, IsKind(wrapped, KindNetwork))
}

func TestKind_Retryable(t *testing.T) {
	retryable := []Kind{KindNetwork, KindTimeout, KindRateLimit, KindProxy, KindParsing, KindUnknown}
	for _, k := range retryable {
		assert.True(t, k.Retryable(), "expected %s to be retryable", k)
	}

	final := []Kind{KindAuth, KindCaptcha, KindDatabase, KindValidation}
	for _, k := range final {
		assert.False(t, k.Retryable(), "expected %s to be final", k)
	}
}

func TestKinds_Stable(t *testing.T) {
	assert.Equal(t, Kinds(), Kinds())
	assert.Len(t, Kinds(), 10)
}
