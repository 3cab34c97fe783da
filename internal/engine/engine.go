// Package engine composes the sentinel's pieces into the facade the
// daemon and admin API drive: breaker-guarded scrape execution, failure
// handling through the resolution policy, success bookkeeping with
// recovery notifications, alert check cycles, and the daily summary.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grantpulse/sentinel/internal/history"
	"github.com/grantpulse/sentinel/internal/report"
	"github.com/grantpulse/sentinel/internal/resolution"
	"github.com/grantpulse/sentinel/pkg/alerting"
	apperrors "github.com/grantpulse/sentinel/pkg/errors"
	"github.com/grantpulse/sentinel/pkg/logging"
	"github.com/grantpulse/sentinel/pkg/metrics"
	"github.com/grantpulse/sentinel/pkg/resilience"
)

// Config tunes the resilience behavior the engine builds internally.
type Config struct {
	// Retry is the policy template shared by every source.
	Retry resilience.RetryPolicy
	// Breaker holds the per-source breaker defaults. Name is ignored;
	// the registry names breakers after their source.
	Breaker resilience.Config
	// RecoveryStreak is the failure-streak length whose end is worth a
	// recovery notification.
	RecoveryStreak int
	// SummaryWindow is the history lookback for the daily summary.
	SummaryWindow time.Duration
}

// DefaultConfig returns the engine defaults used by the daemon.
func DefaultConfig() Config {
	return Config{
		Retry:          resilience.DefaultRetryPolicy(),
		Breaker:        resilience.DefaultConfig(""),
		RecoveryStreak: 5,
		SummaryWindow:  24 * time.Hour,
	}
}

// Deps are the engine's collaborators. Dispatcher, History, Policy and
// Rules are required; Snapshots, Logger and Metrics are optional.
type Deps struct {
	Dispatcher *alerting.Dispatcher
	History    *history.History
	Policy     *resolution.Policy
	Rules      *alerting.RuleEngine
	Snapshots  alerting.SnapshotProvider
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
}

// Engine is the sentinel's composition root. It owns the breaker
// registry and the retrier so the cross-wiring invariants — history as
// the retry recorder, metrics on every transition, recovery dispatch
// when a breaker closes — hold no matter who constructs it.
type Engine struct {
	cfg        Config
	registry   *resilience.Registry
	retrier    *resilience.Retrier
	dispatcher *alerting.Dispatcher
	history    *history.History
	policy     *resolution.Policy
	rules      *alerting.RuleEngine
	snapshots  alerting.SnapshotProvider
	logger     *logging.Logger
	metrics    *metrics.Metrics
}

// New builds an engine from its collaborators.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Dispatcher == nil {
		return nil, apperrors.NewValidationError("dispatcher is required")
	}
	if deps.History == nil {
		return nil, apperrors.NewValidationError("history is required")
	}
	if deps.Policy == nil {
		return nil, apperrors.NewValidationError("resolution policy is required")
	}
	if deps.Rules == nil {
		return nil, apperrors.NewValidationError("rule engine is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.GetLogger()
	}
	if cfg.RecoveryStreak <= 0 {
		cfg.RecoveryStreak = 5
	}
	if cfg.SummaryWindow <= 0 {
		cfg.SummaryWindow = 24 * time.Hour
	}

	e := &Engine{
		cfg:        cfg,
		dispatcher: deps.Dispatcher,
		history:    deps.History,
		policy:     deps.Policy,
		rules:      deps.Rules,
		snapshots:  deps.Snapshots,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
	}

	e.retrier = resilience.NewRetrier(cfg.Retry).
		WithRecorder(deps.History).
		WithMetrics(deps.Metrics)

	breakerCfg := cfg.Breaker
	userHook := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(name string, from, to resilience.State) {
		e.onBreakerTransition(name, from, to)
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	e.registry = resilience.NewRegistry(breakerCfg)

	if deps.Snapshots != nil {
		e.rules.SetSnapshotProvider(deps.Snapshots)
	}
	e.rules.SetPatternSource(deps.History)

	return e, nil
}

// ExecuteWithRetry runs op for the given source behind its circuit
// breaker, with classification-aware retries inside the breaker's
// single admission.
func (e *Engine) ExecuteWithRetry(ctx context.Context, sourceID string, op func(context.Context) (interface{}, error)) (resilience.Outcome, error) {
	breaker := e.registry.Get(sourceID)
	return resilience.NewRetryableBreaker(breaker, e.retrier).Execute(ctx, op)
}

// HandleError classifies a scrape failure, records it, and returns what
// the caller should do next.
func (e *Engine) HandleError(ctx context.Context, err error, sctx resolution.ScrapeContext) resolution.Resolution {
	return e.policy.Decide(ctx, err, sctx)
}

// RecordSuccess books a successful scrape. Ending a failure streak of
// RecoveryStreak or more announces the recovery.
func (e *Engine) RecordSuccess(ctx context.Context, sctx resolution.ScrapeContext, duration time.Duration) {
	ended := e.history.RecordSuccess(sctx.SourceID)

	e.logger.LogScrapeEvent(ctx, "scrape_succeeded", sctx.JobID, sctx.SourceID, logging.Fields{
		"duration_ms":  duration.Milliseconds(),
		"ended_streak": ended,
	})

	if ended >= e.cfg.RecoveryStreak {
		e.sendRecovery(ctx, sctx.SourceID,
			fmt.Sprintf("%s recovered", sctx.SourceID),
			fmt.Sprintf("Scraping succeeded after %d consecutive failures.", ended))
	}
}

// RunAlertChecks triggers one rule-engine check cycle.
func (e *Engine) RunAlertChecks(ctx context.Context) error {
	return e.rules.RunChecks(ctx)
}

// DailySummary assembles and dispatches the daily operations report.
// The PDF attachment is best effort; a render failure still sends the
// text summary.
func (e *Engine) DailySummary(ctx context.Context) error {
	data := report.Data{
		Date:       time.Now(),
		Kinds:      e.history.MetricsSnapshot(),
		Sources:    e.history.Summaries(e.cfg.SummaryWindow),
		OpenAlerts: e.rules.ActiveAlerts(),
	}

	if e.snapshots != nil {
		snap, err := e.snapshots.Snapshot(ctx)
		if err != nil {
			e.logger.WithError(err).Warn("Daily summary proceeding without platform snapshot")
		} else {
			data.Snapshot = snap
		}
	}

	n := alerting.Notification{
		Key:      "daily-summary:" + data.Date.Format("2006-01-02"),
		Type:     alerting.TypeDailySummary,
		Severity: alerting.SeverityLow,
		Title:    data.Title(),
		Body:     report.Text(data),
	}

	pdf, err := report.PDF(data)
	if err != nil {
		e.logger.WithError(err).Warn("Daily summary PDF render failed, sending text only")
	} else {
		n.Attachments = []alerting.Attachment{{
			Filename: data.Filename(),
			MIME:     "application/pdf",
			Data:     pdf,
		}}
	}

	return e.dispatcher.Send(ctx, n)
}

// Breakers reports every registered breaker's state for the admin API.
func (e *Engine) Breakers() []resilience.Stats {
	return e.registry.Snapshot()
}

// ResetBreaker force-closes the named breaker. It reports whether the
// breaker existed.
func (e *Engine) ResetBreaker(resource string) bool {
	ok := e.registry.Reset(resource)
	if ok {
		e.logger.WithFields(logging.Fields{"resource": resource}).Warn("Circuit breaker manually reset")
	}
	return ok
}

// Close stops the rule engine's escalation timers. The engine must not
// be used afterwards.
func (e *Engine) Close() {
	e.rules.Close()
}

// onBreakerTransition runs inside the breaker lock: record, log, and
// hand anything further to a goroutine.
func (e *Engine) onBreakerTransition(name string, from, to resilience.State) {
	e.metrics.RecordCircuitTransition(name, to.String(), to.GaugeValue())

	entry := e.logger.WithFields(logging.Fields{
		"resource": name,
		"from":     from.String(),
		"to":       to.String(),
	})
	if to == resilience.StateOpen {
		entry.Warn("Circuit breaker opened")
	} else {
		entry.Info("Circuit breaker state changed")
	}

	if from == resilience.StateHalfOpen && to == resilience.StateClosed {
		go e.sendBreakerRecovery(name)
	}
}

func (e *Engine) sendBreakerRecovery(resource string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	e.sendRecovery(ctx, resource,
		fmt.Sprintf("Circuit for %s closed", resource),
		"The half-open trial succeeded; traffic to the source has resumed.")
}

func (e *Engine) sendRecovery(ctx context.Context, sourceID, title, body string) {
	n := alerting.Notification{
		Key:      "recovery:" + sourceID,
		Type:     alerting.TypeRecovery,
		Severity: alerting.SeverityLow,
		Title:    title,
		Body:     body,
		SourceID: sourceID,
	}
	if err := e.dispatcher.Send(ctx, n); err != nil && !errors.Is(err, alerting.ErrCooldownActive) {
		e.logger.WithError(err).WithFields(logging.Fields{
			"source_id": sourceID,
		}).Warn("Failed to send recovery notification")
	}
}
