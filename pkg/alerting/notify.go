package alerting

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grantpulse/sentinel/internal/cooldown"
	apperrors "github.com/grantpulse/sentinel/pkg/errors"
	"github.com/grantpulse/sentinel/pkg/metrics"
)

// Severity represents alert severity levels
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight orders severities for comparisons; higher is worse.
func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Weight() > 0
}

// Type categorizes a notification for cooldown and routing purposes.
type Type string

const (
	TypeCriticalError       Type = "critical-error"
	TypeHighErrorRate       Type = "high-error-rate"
	TypeConsecutiveFailures Type = "consecutive-failures"
	TypeRecovery            Type = "recovery"
	TypeAlertRule           Type = "alert-rule"
	TypeEscalation          Type = "escalation"
	TypeErrorPattern        Type = "error-pattern"
	TypeSystemHealth        Type = "system-health"
	TypeSourcePerformance   Type = "source-performance"
	TypeDailySummary        Type = "daily-summary"
	TypeTest                Type = "test"
)

// Attachment is a file carried with a notification, used by the daily
// summary to attach its PDF report.
type Attachment struct {
	Filename string `json:"filename"`
	MIME     string `json:"mime"`
	Data     []byte `json:"-"`
}

// Notification is one message bound for the configured channels. Key is
// its cooldown identity: two notifications with the same key inside the
// cooldown window collapse into one.
type Notification struct {
	ID          string                 `json:"id"`
	Key         string                 `json:"key"`
	Type        Type                   `json:"type"`
	Severity    Severity               `json:"severity"`
	Title       string                 `json:"title"`
	Body        string                 `json:"body"`
	SourceID    string                 `json:"source_id,omitempty"`
	RuleID      string                 `json:"rule_id,omitempty"`
	Channels    []string               `json:"channels,omitempty"`
	Cooldown    time.Duration          `json:"-"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Attachments []Attachment           `json:"attachments,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Channel delivers notifications to one destination (Slack, email, ...).
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// NotificationAudit receives the per-channel outcome of every dispatch,
// best effort. The database sink implements it for the send log.
type NotificationAudit interface {
	NotificationSent(ctx context.Context, n Notification, channel, status string)
}

// ErrCooldownActive is returned by Send when the notification's key is
// still cooling down. Callers treat it as a non-failure.
var ErrCooldownActive = errors.New("notification suppressed: cooldown active")

// DispatcherConfig tunes cooldown windows per notification type.
type DispatcherConfig struct {
	// DefaultCooldown applies to types without an explicit window.
	DefaultCooldown time.Duration
	// Windows overrides the per-type cooldown. A zero window makes the
	// type exempt from cooldown entirely.
	Windows map[Type]time.Duration
}

// DefaultDispatcherConfig returns the stock cooldown windows. Recoveries,
// escalations, daily summaries, and test sends are never suppressed.
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		DefaultCooldown: 15 * time.Minute,
		Windows: map[Type]time.Duration{
			TypeCriticalError:       15 * time.Minute,
			TypeHighErrorRate:       30 * time.Minute,
			TypeConsecutiveFailures: 60 * time.Minute,
			TypeErrorPattern:        30 * time.Minute,
			TypeSystemHealth:        15 * time.Minute,
			TypeSourcePerformance:   30 * time.Minute,
			TypeAlertRule:           15 * time.Minute,
			TypeRecovery:            0,
			TypeEscalation:          0,
			TypeDailySummary:        0,
			TypeTest:                0,
		},
	}
}

// Dispatcher fans notifications out to every configured channel, gated by
// the cooldown store. The cooldown check-and-mark is a single atomic step,
// so concurrent sends of the same key produce exactly one notification.
type Dispatcher struct {
	store   cooldown.Store
	config  *DispatcherConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	channels []Channel
	audit    NotificationAudit
}

// NewDispatcher creates a dispatcher on top of the given cooldown store.
func NewDispatcher(store cooldown.Store, logger *zap.Logger, m *metrics.Metrics, config *DispatcherConfig) *Dispatcher {
	if config == nil {
		config = DefaultDispatcherConfig()
	}
	if config.DefaultCooldown <= 0 {
		config.DefaultCooldown = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:   store,
		config:  config,
		logger:  logger,
		metrics: m,
	}
}

// AddChannel registers a delivery channel.
func (d *Dispatcher) AddChannel(channel Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, channel)
}

// SetAudit installs the notification send log sink.
func (d *Dispatcher) SetAudit(audit NotificationAudit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.audit = audit
}

// ChannelNames lists the registered channels.
func (d *Dispatcher) ChannelNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	return names
}

// window resolves the cooldown for a notification: an explicit per-message
// cooldown wins, then the per-type window, then the default.
func (d *Dispatcher) window(n Notification) time.Duration {
	if n.Cooldown > 0 {
		return n.Cooldown
	}
	if w, ok := d.config.Windows[n.Type]; ok {
		return w
	}
	return d.config.DefaultCooldown
}

// targets returns the channels the notification should go to. An empty
// Channels list means all of them.
func (d *Dispatcher) targets(n Notification) []Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(n.Channels) == 0 {
		out := make([]Channel, len(d.channels))
		copy(out, d.channels)
		return out
	}

	wanted := make(map[string]bool, len(n.Channels))
	for _, name := range n.Channels {
		wanted[name] = true
	}
	var out []Channel
	for _, ch := range d.channels {
		if wanted[ch.Name()] {
			out = append(out, ch)
		}
	}
	return out
}

// Send dispatches the notification to its channels unless the key is
// cooling down. It blocks until every channel has finished; one channel
// failing never stops the others, and Send only reports an error when
// the cooldown suppressed the message or every channel failed.
func (d *Dispatcher) Send(ctx context.Context, n Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.Key == "" {
		n.Key = string(n.Type)
	}
	if !n.Severity.Valid() {
		n.Severity = SeverityMedium
	}

	if window := d.window(n); window > 0 {
		ok, err := d.store.Acquire(ctx, n.Key, window)
		if err != nil {
			// A broken store must not silence alerts: a duplicate
			// notification is cheaper than a missed one.
			d.logger.Warn("cooldown store unavailable, dispatching anyway",
				zap.String("key", n.Key),
				zap.Error(err),
			)
		} else if !ok {
			d.metrics.RecordSuppressed(string(n.Type))
			d.logger.Debug("notification suppressed by cooldown",
				zap.String("key", n.Key),
				zap.String("type", string(n.Type)),
			)
			return ErrCooldownActive
		}
	}

	channels := d.targets(n)
	if len(channels) == 0 {
		d.logger.Warn("no channels registered for notification",
			zap.String("key", n.Key),
			zap.Strings("requested", n.Channels),
		)
		return nil
	}

	d.mu.RLock()
	audit := d.audit
	d.mu.RUnlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed []string
	succeeded := 0

	for _, channel := range channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()

			start := time.Now()
			err := ch.Send(ctx, n)
			duration := time.Since(start)

			status := "sent"
			if err != nil {
				status = "failed"
			}
			d.metrics.RecordNotification(ch.Name(), status, duration)
			if audit != nil {
				audit.NotificationSent(ctx, n, ch.Name(), status)
			}

			if err != nil {
				d.logger.Error("notification channel failed",
					zap.String("channel", ch.Name()),
					zap.String("key", n.Key),
					zap.Duration("duration", duration),
					zap.Error(err),
				)
				mu.Lock()
				failed = append(failed, ch.Name())
				mu.Unlock()
				return
			}

			d.logger.Info("notification sent",
				zap.String("channel", ch.Name()),
				zap.String("key", n.Key),
				zap.String("type", string(n.Type)),
				zap.String("severity", string(n.Severity)),
				zap.Duration("duration", duration),
			)
			mu.Lock()
			succeeded++
			mu.Unlock()
		}(channel)
	}
	wg.Wait()

	if succeeded == 0 && len(failed) > 0 {
		return apperrors.NewDispatchError(strings.Join(failed, ","), "all notification channels failed")
	}
	return nil
}
