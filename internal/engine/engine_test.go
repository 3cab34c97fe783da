package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/grantpulse/sentinel/internal/cooldown"
	"github.com/grantpulse/sentinel/internal/history"
	"github.com/grantpulse/sentinel/internal/resolution"
	"github.com/grantpulse/sentinel/pkg/alerting"
	"github.com/grantpulse/sentinel/pkg/resilience"
	"github.com/grantpulse/sentinel/pkg/scraperr"
)

type fakeChannel struct {
	mu   sync.Mutex
	sent []alerting.Notification
}

func (c *fakeChannel) Name() string { return "console" }

func (c *fakeChannel) Send(_ context.Context, n alerting.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeChannel) byType(t alerting.Type) []alerting.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []alerting.Notification
	for _, n := range c.sent {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeChannel) {
	t.Helper()

	ch := &fakeChannel{}
	dispatcher := alerting.NewDispatcher(cooldown.NewMemoryStore(), zaptest.NewLogger(t), nil, nil)
	dispatcher.AddChannel(ch)

	hist := history.New(100)
	policy := resolution.NewPolicy(resolution.DefaultConfig(), hist, dispatcher, nil)
	rules := alerting.NewRuleEngine(dispatcher, alerting.EngineConfig{}, nil)

	eng, err := New(cfg, Deps{
		Dispatcher: dispatcher,
		History:    hist,
		Policy:     policy,
		Rules:      rules,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return eng, ch
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatcher is required")
}

func TestExecuteWithRetry_RecoversAfterFailures(t *testing.T) {
	eng, _ := newTestEngine(t, Config{
		Retry: resilience.RetryPolicy{
			MaxRetries: 3,
			BaseDelay:  time.Millisecond,
			MaxDelay:   5 * time.Millisecond,
			Multiplier: 2.0,
		},
	})

	calls := 0
	outcome, err := eng.ExecuteWithRetry(context.Background(), "grants-gov", func(ctx context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, fmt.Errorf("connection reset by peer")
		}
		return "scraped", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "scraped", outcome.Result)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Len(t, outcome.Errors, 2)
}

func TestExecuteWithRetry_BreakerPerSource(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultConfig())

	_, err := eng.ExecuteWithRetry(context.Background(), "grants-gov", func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	_, err = eng.ExecuteWithRetry(context.Background(), "state-portal", func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	stats := eng.Breakers()
	require.Len(t, stats, 2)
	resources := []string{stats[0].Resource, stats[1].Resource}
	assert.ElementsMatch(t, []string{"grants-gov", "state-portal"}, resources)
}

func TestExecuteWithRetry_OpenBreakerRejectsWithoutInvoking(t *testing.T) {
	eng, _ := newTestEngine(t, Config{
		Retry: resilience.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond},
		Breaker: resilience.Config{
			FailureThreshold: 2,
			ResetTimeout:     time.Minute,
			MonitoringPeriod: time.Minute,
		},
	})

	boom := func(ctx context.Context) (interface{}, error) {
		return nil, fmt.Errorf("503 service unavailable")
	}
	for i := 0; i < 2; i++ {
		_, err := eng.ExecuteWithRetry(context.Background(), "grants-gov", boom)
		require.Error(t, err)
	}

	invoked := false
	_, err := eng.ExecuteWithRetry(context.Background(), "grants-gov", func(ctx context.Context) (interface{}, error) {
		invoked = true
		return "ok", nil
	})

	require.Error(t, err)
	assert.True(t, resilience.IsCircuitOpen(err))
	assert.False(t, invoked, "operation must not run while the breaker is open")
}

func TestBreakerRecoveryNotification(t *testing.T) {
	eng, ch := newTestEngine(t, Config{
		Retry: resilience.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond},
		Breaker: resilience.Config{
			FailureThreshold: 1,
			ResetTimeout:     20 * time.Millisecond,
			MonitoringPeriod: time.Minute,
		},
	})

	_, err := eng.ExecuteWithRetry(context.Background(), "grants-gov", func(ctx context.Context) (interface{}, error) {
		return nil, fmt.Errorf("connection refused")
	})
	require.Error(t, err)

	time.Sleep(30 * time.Millisecond)

	// Half-open trial succeeds and closes the breaker.
	_, err = eng.ExecuteWithRetry(context.Background(), "grants-gov", func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(ch.byType(alerting.TypeRecovery)) == 1
	}, time.Second, 5*time.Millisecond)

	recovery := ch.byType(alerting.TypeRecovery)[0]
	assert.Equal(t, "recovery:grants-gov", recovery.Key)
	assert.Contains(t, recovery.Title, "Circuit for grants-gov closed")
}

func TestRecordSuccess_AnnouncesEndedStreak(t *testing.T) {
	eng, ch := newTestEngine(t, DefaultConfig())

	hist := eng.history
	for i := 0; i < 5; i++ {
		hist.Record(history.Entry{SourceID: "grants-gov", Kind: scraperr.KindNetwork, Message: "connection refused"})
	}

	sctx := resolution.ScrapeContext{SourceID: "grants-gov", JobID: "job-9"}
	eng.RecordSuccess(context.Background(), sctx, 2*time.Second)

	recoveries := ch.byType(alerting.TypeRecovery)
	require.Len(t, recoveries, 1)
	assert.Equal(t, "recovery:grants-gov", recoveries[0].Key)
	assert.Contains(t, recoveries[0].Body, "after 5 consecutive failures")

	// The streak is spent; further successes stay quiet.
	eng.RecordSuccess(context.Background(), sctx, time.Second)
	assert.Len(t, ch.byType(alerting.TypeRecovery), 1)
}

func TestRecordSuccess_ShortStreakStaysQuiet(t *testing.T) {
	eng, ch := newTestEngine(t, DefaultConfig())

	eng.history.Record(history.Entry{SourceID: "grants-gov", Kind: scraperr.KindTimeout, Message: "timeout"})
	eng.RecordSuccess(context.Background(), resolution.ScrapeContext{SourceID: "grants-gov"}, time.Second)

	assert.Empty(t, ch.byType(alerting.TypeRecovery))
}

func TestHandleError_DelegatesToPolicy(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultConfig())

	res := eng.HandleError(context.Background(),
		fmt.Errorf("Rate limit exceeded, retry-after: 60"),
		resolution.ScrapeContext{SourceID: "grants-gov", AttemptNumber: 1})

	assert.Equal(t, resolution.ActionRetry, res.Action)
	assert.Equal(t, 60*time.Second, res.Delay)
}

func TestDailySummary(t *testing.T) {
	eng, ch := newTestEngine(t, DefaultConfig())

	eng.history.Record(history.Entry{SourceID: "grants-gov", Kind: scraperr.KindTimeout, Message: "timeout"})
	eng.history.RetrySucceeded(scraperr.KindTimeout, 2*time.Second)

	err := eng.DailySummary(context.Background())
	require.NoError(t, err)

	summaries := ch.byType(alerting.TypeDailySummary)
	require.Len(t, summaries, 1)

	summary := summaries[0]
	assert.True(t, strings.HasPrefix(summary.Key, "daily-summary:"))
	assert.Equal(t, alerting.SeverityLow, summary.Severity)
	assert.Contains(t, summary.Body, "Errors by kind")
	assert.Contains(t, summary.Body, "timeout")
	require.Len(t, summary.Attachments, 1)
	assert.Equal(t, "application/pdf", summary.Attachments[0].MIME)
	assert.Equal(t, "%PDF", string(summary.Attachments[0].Data[:4]))
}

func TestDailySummary_ExemptFromCooldown(t *testing.T) {
	eng, ch := newTestEngine(t, DefaultConfig())

	require.NoError(t, eng.DailySummary(context.Background()))
	require.NoError(t, eng.DailySummary(context.Background()))

	assert.Len(t, ch.byType(alerting.TypeDailySummary), 2)
}

func TestResetBreaker(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultConfig())

	_, _ = eng.ExecuteWithRetry(context.Background(), "grants-gov", func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})

	assert.True(t, eng.ResetBreaker("grants-gov"))
	assert.False(t, eng.ResetBreaker("never-seen"))
}
