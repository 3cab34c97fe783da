// Package resolution decides what the scraping pipeline should do with a
// classified failure: retry it, skip the job, or park it for a human. The
// policy also feeds the error history and raises threshold notifications
// (error rate, consecutive failures) as side effects of every decision.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/grantpulse/sentinel/internal/history"
	"github.com/grantpulse/sentinel/pkg/alerting"
	"github.com/grantpulse/sentinel/pkg/logging"
	"github.com/grantpulse/sentinel/pkg/metrics"
	"github.com/grantpulse/sentinel/pkg/scraperr"
)

// Action is what the caller should do with the failed operation.
type Action string

const (
	ActionRetry        Action = "retry"
	ActionSkip         Action = "skip"
	ActionManualReview Action = "manual_review"
)

// ScrapeContext identifies where a failure happened.
type ScrapeContext struct {
	SourceID      string
	SourceURL     string
	JobID         string
	AttemptNumber int
	StartTime     time.Time
}

// Resolution is the policy's verdict for one failure.
type Resolution struct {
	Action Action        `json:"action"`
	Delay  time.Duration `json:"delay,omitempty"`
	Reason string        `json:"reason"`
}

// Notifier is the slice of the dispatcher the policy needs.
type Notifier interface {
	Send(ctx context.Context, n alerting.Notification) error
}

// Config tunes the decision table and the threshold side effects.
type Config struct {
	// MaxRetries bounds the transient retry budget; attempts beyond it
	// are skipped.
	MaxRetries int
	// BaseDelay, MaxDelay, and BackoffMultiplier shape the retry delay
	// suggested for transient failures.
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// RateLimitDelay applies when a rate-limited response carries no
	// Retry-After hint.
	RateLimitDelay time.Duration
	// RateWindow is the lookback for the error-rate threshold check.
	RateWindow time.Duration
	// RecurringWindow is the lookback for recurring-parsing detection.
	RecurringWindow time.Duration
	// ErrorRateThreshold raises a high-error-rate notification when a
	// source's failure ratio exceeds it.
	ErrorRateThreshold float64
	// ConsecutiveFailures raises a notification when a source fails
	// this many times in a row.
	ConsecutiveFailures int
}

// DefaultConfig returns the stock policy thresholds.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		BaseDelay:           time.Second,
		MaxDelay:            5 * time.Minute,
		BackoffMultiplier:   2.0,
		RateLimitDelay:      time.Minute,
		RateWindow:          time.Hour,
		RecurringWindow:     time.Hour,
		ErrorRateThreshold:  0.5,
		ConsecutiveFailures: 5,
	}
}

// retryAfterPattern pulls a retry-after hint out of a failure message,
// covering the phrasings sources actually produce: "retry-after: 60",
// "Retry_After=30", "retry after 120".
var retryAfterPattern = regexp.MustCompile(`(?i)retry[-_ ]?after[:=]?\s*(\d+)`)

// Policy maps classified failures to actions and raises threshold
// notifications. Safe for concurrent use.
type Policy struct {
	config   Config
	history  *history.History
	notifier Notifier
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// NewPolicy creates a policy recording into hist and notifying through n.
// n may be nil when the caller only wants decisions.
func NewPolicy(config Config, hist *history.History, n Notifier, m *metrics.Metrics) *Policy {
	def := DefaultConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = def.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	if config.RateLimitDelay <= 0 {
		config.RateLimitDelay = def.RateLimitDelay
	}
	if config.RateWindow <= 0 {
		config.RateWindow = def.RateWindow
	}
	if config.RecurringWindow <= 0 {
		config.RecurringWindow = def.RecurringWindow
	}
	if config.ErrorRateThreshold <= 0 {
		config.ErrorRateThreshold = def.ErrorRateThreshold
	}
	if config.ConsecutiveFailures <= 0 {
		config.ConsecutiveFailures = def.ConsecutiveFailures
	}

	return &Policy{
		config:   config,
		history:  hist,
		notifier: n,
		logger:   logging.GetLogger(),
		metrics:  m,
	}
}

// Decide classifies the failure, records it, and returns what to do with
// it. Threshold notifications fire as side effects; their outcome never
// changes the decision.
func (p *Policy) Decide(ctx context.Context, err error, sctx ScrapeContext) Resolution {
	se := scraperr.Wrap(err)
	if se == nil {
		return Resolution{Action: ActionSkip, Reason: "no error"}
	}
	if se.SourceID == "" {
		se.SourceID = sctx.SourceID
	}
	if se.SourceURL == "" {
		se.SourceURL = sctx.SourceURL
	}
	if se.JobID == "" {
		se.JobID = sctx.JobID
	}
	if se.Attempt == 0 {
		se.Attempt = sctx.AttemptNumber
	}

	p.metrics.RecordClassification(string(se.Kind))
	p.history.Record(history.EntryFromError(se))

	res := p.decide(ctx, se, sctx)

	p.metrics.RecordResolution(string(res.Action), string(se.Kind))
	p.logger.LogScrapeEvent(ctx, "error_resolved", sctx.JobID, sctx.SourceID, logging.Fields{
		"kind":    string(se.Kind),
		"action":  string(res.Action),
		"attempt": sctx.AttemptNumber,
		"delay":   res.Delay.String(),
	})

	p.checkThresholds(ctx, sctx.SourceID)
	return res
}

// decide is the priority table. First match wins.
func (p *Policy) decide(ctx context.Context, se *scraperr.ScrapeError, sctx ScrapeContext) Resolution {
	switch se.Kind {
	case scraperr.KindRateLimit:
		delay := p.config.RateLimitDelay
		if hint := retryAfterHint(se); hint > 0 {
			delay = hint
		}
		return Resolution{Action: ActionRetry, Delay: delay, Reason: "rate limited, waiting out the window"}

	case scraperr.KindAuth:
		return Resolution{Action: ActionManualReview, Reason: "authentication failure, credentials need review"}

	case scraperr.KindCaptcha:
		return Resolution{Action: ActionManualReview, Reason: "captcha challenge, needs manual intervention"}

	case scraperr.KindParsing:
		if p.history.HasRecurring(sctx.SourceID, scraperr.KindParsing, p.config.RecurringWindow) {
			return Resolution{Action: ActionManualReview, Reason: "recurring parsing errors, page layout likely changed"}
		}
		// A lone parse error is treated as one bad fetch and retried.

	case scraperr.KindDatabase:
		p.notify(ctx, alerting.Notification{
			Key:      "critical-error:database:" + sctx.SourceID,
			Type:     alerting.TypeCriticalError,
			Severity: alerting.SeverityCritical,
			Title:    "Database failure during scrape processing",
			Body:     fmt.Sprintf("Job %s (source %s) hit a database error:\n%s", sctx.JobID, sctx.SourceID, se.Message),
			SourceID: sctx.SourceID,
			Metadata: map[string]interface{}{"job_id": sctx.JobID, "kind": string(se.Kind)},
		})
		return Resolution{Action: ActionManualReview, Reason: "database failure, never retried"}
	}

	if sctx.AttemptNumber > p.config.MaxRetries {
		return Resolution{Action: ActionSkip, Reason: "Max retries exceeded"}
	}
	return Resolution{
		Action: ActionRetry,
		Delay:  p.backoffDelay(sctx.AttemptNumber),
		Reason: fmt.Sprintf("transient %s failure, retrying with backoff", se.Kind),
	}
}

// checkThresholds raises the per-source health notifications. The
// dispatcher's cooldown keeps sustained failures from flooding channels.
func (p *Policy) checkThresholds(ctx context.Context, sourceID string) {
	if sourceID == "" {
		return
	}

	if rate := p.history.ErrorRate(sourceID, p.config.RateWindow); rate > p.config.ErrorRateThreshold {
		p.notify(ctx, alerting.Notification{
			Key:      "high-error-rate:" + sourceID,
			Type:     alerting.TypeHighErrorRate,
			Severity: alerting.SeverityHigh,
			Title:    fmt.Sprintf("High error rate on source %s", sourceID),
			Body:     fmt.Sprintf("%.0f%% of recent scrape attempts against %s failed (threshold %.0f%%).", rate*100, sourceID, p.config.ErrorRateThreshold*100),
			SourceID: sourceID,
			Metadata: map[string]interface{}{"error_rate": rate},
		})
	}

	if streak := p.history.ConsecutiveFailures(sourceID); streak >= p.config.ConsecutiveFailures {
		p.notify(ctx, alerting.Notification{
			Key:      "consecutive-failures:" + sourceID,
			Type:     alerting.TypeConsecutiveFailures,
			Severity: alerting.SeverityHigh,
			Title:    fmt.Sprintf("Source %s failing repeatedly", sourceID),
			Body:     fmt.Sprintf("%d consecutive scrape failures against %s and counting.", streak, sourceID),
			SourceID: sourceID,
			Metadata: map[string]interface{}{"streak": streak},
		})
	}
}

// notify sends best effort: a suppressed or failed notification never
// changes a resolution.
func (p *Policy) notify(ctx context.Context, n alerting.Notification) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Send(ctx, n); err != nil && !errors.Is(err, alerting.ErrCooldownActive) {
		p.logger.LogError(ctx, err, "Threshold notification failed", logging.Fields{"key": n.Key})
	}
}

// backoffDelay mirrors the retry executor's schedule so a caller honoring
// the suggested delay lands on the same cadence.
func (p *Policy) backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.config.BaseDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempt))
	if capped := float64(p.config.MaxDelay); delay > capped {
		delay = capped
	}
	return time.Duration(delay)
}

// retryAfterHint extracts a server-provided wait: the structured field
// when the error carries one, otherwise a best-effort parse of the message.
func retryAfterHint(se *scraperr.ScrapeError) time.Duration {
	if se.RetryAfter > 0 {
		return se.RetryAfter
	}
	if m := retryAfterPattern.FindStringSubmatch(se.Message); m != nil {
		if secs, err := strconv.Atoi(m[1]); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
