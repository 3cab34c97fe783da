package resolution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantpulse/sentinel/internal/history"
	"github.com/grantpulse/sentinel/pkg/alerting"
	"github.com/grantpulse/sentinel/pkg/scraperr"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []alerting.Notification
}

func (f *fakeNotifier) Send(_ context.Context, n alerting.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) byType(t alerting.Type) []alerting.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []alerting.Notification
	for _, n := range f.sent {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func newTestPolicy(t *testing.T) (*Policy, *history.History, *fakeNotifier) {
	t.Helper()
	hist := history.New(100)
	notifier := &fakeNotifier{}
	return NewPolicy(DefaultConfig(), hist, notifier, nil), hist, notifier
}

func sctx(attempt int) ScrapeContext {
	return ScrapeContext{SourceID: "grants-gov", JobID: "job-1", AttemptNumber: attempt}
}

func TestPolicy_RateLimitParsesRetryAfterFromMessage(t *testing.T) {
	p, _, _ := newTestPolicy(t)

	res := p.Decide(context.Background(), errors.New("Rate limit exceeded, retry-after: 60"), sctx(1))

	assert.Equal(t, ActionRetry, res.Action)
	assert.Equal(t, 60*time.Second, res.Delay)
}

func TestPolicy_RateLimitHonorsStructuredHint(t *testing.T) {
	p, _, _ := newTestPolicy(t)

	err := scraperr.New(scraperr.KindRateLimit, "429 too many requests").
		WithRetryAfter(30 * time.Second)
	res := p.Decide(context.Background(), err, sctx(0))

	assert.Equal(t, ActionRetry, res.Action)
	assert.Equal(t, 30*time.Second, res.Delay)
}

func TestPolicy_RateLimitFallsBackToDefaultDelay(t *testing.T) {
	p, _, _ := newTestPolicy(t)

	res := p.Decide(context.Background(), errors.New("429 Too Many Requests"), sctx(0))

	assert.Equal(t, ActionRetry, res.Action)
	assert.Equal(t, DefaultConfig().RateLimitDelay, res.Delay)
}

func TestPolicy_AuthGoesToManualReview(t *testing.T) {
	p, _, _ := newTestPolicy(t)

	res := p.Decide(context.Background(), errors.New("401 Unauthorized"), sctx(1))

	assert.Equal(t, ActionManualReview, res.Action)
	assert.Zero(t, res.Delay)
}

func TestPolicy_CaptchaGoesToManualReview(t *testing.T) {
	p, _, _ := newTestPolicy(t)

	res := p.Decide(context.Background(), errors.New("reCAPTCHA challenge presented"), sctx(0))

	assert.Equal(t, ActionManualReview, res.Action)
}

func TestPolicy_SingleParsingErrorRetries(t *testing.T) {
	p, _, _ := newTestPolicy(t)

	res := p.Decide(context.Background(), errors.New("selector .grant-list matched nothing"), sctx(0))

	assert.Equal(t, ActionRetry, res.Action, "one bad fetch is worth a retry")
}

func TestPolicy_RecurringParsingEscalates(t *testing.T) {
	p, _, _ := newTestPolicy(t)
	parseErr := errors.New("selector .grant-list matched nothing")

	first := p.Decide(context.Background(), parseErr, sctx(0))
	second := p.Decide(context.Background(), parseErr, sctx(0))
	third := p.Decide(context.Background(), parseErr, sctx(0))

	assert.Equal(t, ActionRetry, first.Action)
	assert.Equal(t, ActionRetry, second.Action)
	assert.Equal(t, ActionManualReview, third.Action, "three parsing errors in the window mean the layout changed")
	assert.Contains(t, third.Reason, "parsing")
}

func TestPolicy_RecurringParsingIsPerSource(t *testing.T) {
	p, _, _ := newTestPolicy(t)
	parseErr := errors.New("unexpected token < in JSON")

	for i := 0; i < 3; i++ {
		p.Decide(context.Background(), parseErr, ScrapeContext{SourceID: "grants-gov", AttemptNumber: 0})
	}
	res := p.Decide(context.Background(), parseErr, ScrapeContext{SourceID: "sam-gov", AttemptNumber: 0})

	assert.Equal(t, ActionRetry, res.Action, "another source's parse errors must not taint this one")
}

func TestPolicy_DatabaseManualReviewAndCriticalNotification(t *testing.T) {
	p, _, notifier := newTestPolicy(t)

	res := p.Decide(context.Background(), errors.New("pq: deadlock detected"), sctx(0))

	assert.Equal(t, ActionManualReview, res.Action)

	critical := notifier.byType(alerting.TypeCriticalError)
	require.Len(t, critical, 1)
	assert.Equal(t, alerting.SeverityCritical, critical[0].Severity)
	assert.Equal(t, "critical-error:database:grants-gov", critical[0].Key)
	assert.Equal(t, "grants-gov", critical[0].SourceID)
}

func TestPolicy_TransientBackoffGrowth(t *testing.T) {
	p, _, _ := newTestPolicy(t)
	timeout := errors.New("connect ETIMEDOUT 93.184.216.34:443")

	first := p.Decide(context.Background(), timeout, sctx(0))
	third := p.Decide(context.Background(), timeout, sctx(2))

	require.Equal(t, ActionRetry, first.Action)
	require.Equal(t, ActionRetry, third.Action)
	assert.Equal(t, time.Second, first.Delay)
	assert.Equal(t, 4*time.Second, third.Delay)
}

func TestPolicy_SkipAfterMaxRetries(t *testing.T) {
	p, _, _ := newTestPolicy(t)

	res := p.Decide(context.Background(), errors.New("connect ETIMEDOUT"), sctx(4))

	assert.Equal(t, ActionSkip, res.Action)
	assert.Equal(t, "Max retries exceeded", res.Reason)
}

func TestPolicy_UnknownErrorRetriesWithinBudget(t *testing.T) {
	p, _, _ := newTestPolicy(t)

	res := p.Decide(context.Background(), errors.New("something inexplicable happened"), sctx(1))

	assert.Equal(t, ActionRetry, res.Action)
}

func TestPolicy_HighErrorRateNotification(t *testing.T) {
	p, hist, notifier := newTestPolicy(t)
	hist.RecordSuccess("grants-gov")

	netErr := errors.New("ECONNREFUSED")
	p.Decide(context.Background(), netErr, sctx(0))
	p.Decide(context.Background(), netErr, sctx(1))

	rate := notifier.byType(alerting.TypeHighErrorRate)
	require.NotEmpty(t, rate, "two failures against one success crosses the 50%% threshold")
	assert.Equal(t, "high-error-rate:grants-gov", rate[0].Key)
	assert.Equal(t, "grants-gov", rate[0].SourceID)
}

func TestPolicy_ConsecutiveFailuresNotification(t *testing.T) {
	p, _, notifier := newTestPolicy(t)

	netErr := errors.New("ECONNREFUSED")
	for i := 0; i < 5; i++ {
		p.Decide(context.Background(), netErr, sctx(i))
	}

	streak := notifier.byType(alerting.TypeConsecutiveFailures)
	require.Len(t, streak, 1, "the fifth straight failure raises the notification")
	assert.Equal(t, "consecutive-failures:grants-gov", streak[0].Key)
}

func TestPolicy_RecordsClassifiedHistory(t *testing.T) {
	p, hist, _ := newTestPolicy(t)

	p.Decide(context.Background(), errors.New("connect ETIMEDOUT"), sctx(2))

	require.Equal(t, 1, hist.Size("grants-gov"))
	entries := hist.Recent("grants-gov", 1)
	require.Len(t, entries, 1)
	assert.Equal(t, scraperr.KindTimeout, entries[0].Kind)
	assert.Equal(t, "job-1", entries[0].JobID)
	assert.Equal(t, 2, entries[0].Attempt)
}

func TestPolicy_NilError(t *testing.T) {
	p, hist, _ := newTestPolicy(t)

	res := p.Decide(context.Background(), nil, sctx(0))

	assert.Equal(t, ActionSkip, res.Action)
	assert.Zero(t, hist.Size("grants-gov"))
}

func TestRetryAfterHint(t *testing.T) {
	tests := []struct {
		message string
		want    time.Duration
	}{
		{"Rate limit exceeded, retry-after: 60", 60 * time.Second},
		{"Retry-After: 30", 30 * time.Second},
		{"throttled, retry_after=45", 45 * time.Second},
		{"slow down, retry after 120 please", 120 * time.Second},
		{"429 too many requests", 0},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			got := retryAfterHint(scraperr.New(scraperr.KindRateLimit, tt.message))
			assert.Equal(t, tt.want, got)
		})
	}
}
