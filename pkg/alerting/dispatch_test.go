package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/grantpulse/sentinel/internal/cooldown"
)

// fakeChannel records every notification it delivers.
type fakeChannel struct {
	name string
	err  error

	mu   sync.Mutex
	sent []Notification
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Send(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, n)
	return nil
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeChannel) last() Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[len(c.sent)-1]
}

// brokenStore simulates a cooldown backend outage.
type brokenStore struct{}

func (brokenStore) Acquire(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("store down")
}
func (brokenStore) Remaining(context.Context, string) (time.Duration, error) { return 0, nil }
func (brokenStore) Clear(context.Context, string) error                      { return nil }

type recordingAudit struct {
	mu      sync.Mutex
	entries []string
}

func (a *recordingAudit) NotificationSent(_ context.Context, _ Notification, channel, status string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, channel+":"+status)
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return NewDispatcher(cooldown.NewMemoryStore(), zaptest.NewLogger(t), nil, nil)
}

func TestDispatcher_FansOutToAllChannels(t *testing.T) {
	d := newTestDispatcher(t)
	slack := &fakeChannel{name: "slack"}
	email := &fakeChannel{name: "email"}
	d.AddChannel(slack)
	d.AddChannel(email)

	err := d.Send(context.Background(), Notification{
		Key:      "fanout-test",
		Type:     TypeCriticalError,
		Severity: SeverityCritical,
		Title:    "database unreachable",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, slack.count())
	assert.Equal(t, 1, email.count())
	assert.ElementsMatch(t, []string{"slack", "email"}, d.ChannelNames())
}

func TestDispatcher_NormalizesNotification(t *testing.T) {
	d := newTestDispatcher(t)
	ch := &fakeChannel{name: "console"}
	d.AddChannel(ch)

	err := d.Send(context.Background(), Notification{
		Type:  TypeSystemHealth,
		Title: "something",
	})
	require.NoError(t, err)
	require.Equal(t, 1, ch.count())

	got := ch.last()
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, string(TypeSystemHealth), got.Key)
	assert.Equal(t, SeverityMedium, got.Severity)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestDispatcher_CooldownSuppressesDuplicates(t *testing.T) {
	d := newTestDispatcher(t)
	ch := &fakeChannel{name: "console"}
	d.AddChannel(ch)

	n := Notification{Key: "source:grants-gov", Type: TypeCriticalError, Title: "boom"}

	require.NoError(t, d.Send(context.Background(), n))
	err := d.Send(context.Background(), n)
	require.ErrorIs(t, err, ErrCooldownActive)

	assert.Equal(t, 1, ch.count())
}

func TestDispatcher_ExemptTypesSkipCooldown(t *testing.T) {
	d := newTestDispatcher(t)
	ch := &fakeChannel{name: "console"}
	d.AddChannel(ch)

	n := Notification{Key: "source:grants-gov:recovery", Type: TypeRecovery, Title: "back up"}

	require.NoError(t, d.Send(context.Background(), n))
	require.NoError(t, d.Send(context.Background(), n))

	assert.Equal(t, 2, ch.count())
}

func TestDispatcher_ExplicitCooldownWins(t *testing.T) {
	d := newTestDispatcher(t)
	ch := &fakeChannel{name: "console"}
	d.AddChannel(ch)

	n := Notification{
		Key:      "short-window",
		Type:     TypeCriticalError,
		Title:    "boom",
		Cooldown: 20 * time.Millisecond,
	}

	require.NoError(t, d.Send(context.Background(), n))
	require.ErrorIs(t, d.Send(context.Background(), n), ErrCooldownActive)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, d.Send(context.Background(), n))
	assert.Equal(t, 2, ch.count())
}

func TestDispatcher_ChannelFilter(t *testing.T) {
	d := newTestDispatcher(t)
	slack := &fakeChannel{name: "slack"}
	email := &fakeChannel{name: "email"}
	d.AddChannel(slack)
	d.AddChannel(email)

	err := d.Send(context.Background(), Notification{
		Key:      "filtered",
		Type:     TypeAlertRule,
		Title:    "rule fired",
		Channels: []string{"email"},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, slack.count())
	assert.Equal(t, 1, email.count())
}

func TestDispatcher_UnknownChannelFilterDeliversNothing(t *testing.T) {
	d := newTestDispatcher(t)
	ch := &fakeChannel{name: "console"}
	d.AddChannel(ch)

	err := d.Send(context.Background(), Notification{
		Key:      "nowhere",
		Type:     TypeAlertRule,
		Title:    "rule fired",
		Channels: []string{"pagerduty"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, ch.count())
}

func TestDispatcher_OneChannelFailingIsNotAnError(t *testing.T) {
	d := newTestDispatcher(t)
	ok := &fakeChannel{name: "console"}
	bad := &fakeChannel{name: "slack", err: errors.New("webhook 500")}
	d.AddChannel(ok)
	d.AddChannel(bad)

	err := d.Send(context.Background(), Notification{Key: "partial", Type: TypeCriticalError, Title: "boom"})
	require.NoError(t, err)
	assert.Equal(t, 1, ok.count())
}

func TestDispatcher_AllChannelsFailing(t *testing.T) {
	d := newTestDispatcher(t)
	d.AddChannel(&fakeChannel{name: "slack", err: errors.New("webhook 500")})
	d.AddChannel(&fakeChannel{name: "email", err: errors.New("smtp refused")})

	err := d.Send(context.Background(), Notification{Key: "total-failure", Type: TypeCriticalError, Title: "boom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all notification channels failed")
}

func TestDispatcher_BrokenStoreStillDispatches(t *testing.T) {
	d := NewDispatcher(brokenStore{}, zaptest.NewLogger(t), nil, nil)
	ch := &fakeChannel{name: "console"}
	d.AddChannel(ch)

	// A cooldown store outage must never silence alerts.
	err := d.Send(context.Background(), Notification{Key: "store-down", Type: TypeCriticalError, Title: "boom"})
	require.NoError(t, err)
	assert.Equal(t, 1, ch.count())
}

func TestDispatcher_ConcurrentSendsSingleWinner(t *testing.T) {
	d := newTestDispatcher(t)
	ch := &fakeChannel{name: "console"}
	d.AddChannel(ch)

	const senders = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	suppressed := 0

	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.Send(context.Background(), Notification{Key: "contended", Type: TypeCriticalError, Title: "boom"})
			if errors.Is(err, ErrCooldownActive) {
				mu.Lock()
				suppressed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ch.count())
	assert.Equal(t, senders-1, suppressed)
}

func TestDispatcher_AuditReceivesPerChannelOutcome(t *testing.T) {
	d := newTestDispatcher(t)
	d.AddChannel(&fakeChannel{name: "console"})
	d.AddChannel(&fakeChannel{name: "slack", err: errors.New("webhook 500")})
	audit := &recordingAudit{}
	d.SetAudit(audit)

	err := d.Send(context.Background(), Notification{Key: "audited", Type: TypeCriticalError, Title: "boom"})
	require.NoError(t, err)

	audit.mu.Lock()
	defer audit.mu.Unlock()
	assert.ElementsMatch(t, []string{"console:sent", "slack:failed"}, audit.entries)
}

func TestDefaultDispatcherConfig_ExemptTypes(t *testing.T) {
	cfg := DefaultDispatcherConfig()

	for _, typ := range []Type{TypeRecovery, TypeEscalation, TypeDailySummary, TypeTest} {
		window, ok := cfg.Windows[typ]
		require.True(t, ok, "type %s should have an explicit window", typ)
		assert.Zero(t, window, "type %s should be exempt", typ)
	}
	assert.Equal(t, 60*time.Minute, cfg.Windows[TypeConsecutiveFailures])
	assert.Equal(t, 15*time.Minute, cfg.DefaultCooldown)
}
