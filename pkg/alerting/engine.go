package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/grantpulse/sentinel/pkg/logging"
	"github.com/grantpulse/sentinel/pkg/metrics"
	"github.com/grantpulse/sentinel/pkg/scraperr"
	apperrors "github.com/grantpulse/sentinel/pkg/errors"
)

// InstanceStatus is the lifecycle state of a triggered alert.
type InstanceStatus string

const (
	StatusActive       InstanceStatus = "active"
	StatusAcknowledged InstanceStatus = "acknowledged"
	StatusResolved     InstanceStatus = "resolved"
)

// Instance is one triggered alert. It stays addressable through the admin
// API until it is resolved and aged out.
type Instance struct {
	ID             string                 `json:"id"`
	Key            string                 `json:"key"`
	RuleID         string                 `json:"rule_id"`
	RuleName       string                 `json:"rule_name"`
	SourceID       string                 `json:"source_id,omitempty"`
	Severity       Severity               `json:"severity"`
	Status         InstanceStatus         `json:"status"`
	Title          string                 `json:"title"`
	Body           string                 `json:"body"`
	Value          float64                `json:"value"`
	Threshold      float64                `json:"threshold"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	TriggeredAt    time.Time              `json:"triggered_at"`
	LastSeenAt     time.Time              `json:"last_seen_at"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string                 `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time             `json:"resolved_at,omitempty"`
	ResolvedBy     string                 `json:"resolved_by,omitempty"`
	EscalatedAt    *time.Time             `json:"escalated_at,omitempty"`

	escalation *Escalation
}

// SnapshotProvider supplies the platform metrics a check cycle runs
// against. The database implementation queries the scraping platform's
// job and grant tables.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// PatternSource exposes recent error counts per source and kind. The
// error history implements it.
type PatternSource interface {
	KindCountsBySource(window time.Duration) map[string]map[scraperr.Kind]int
}

// AuditSink persists alert lifecycle events, best effort.
type AuditSink interface {
	AlertOpened(ctx context.Context, inst Instance)
	AlertUpdated(ctx context.Context, inst Instance)
}

// EngineConfig tunes the always-on checks and instance retention.
type EngineConfig struct {
	// PatternWindow is the lookback for repeating-error detection.
	PatternWindow time.Duration
	// PatternThreshold is how many same-kind errors from one source
	// within PatternWindow raise an error-pattern alert.
	PatternThreshold int
	// MinSuccessRate is the platform-wide success rate floor.
	MinSuccessRate float64
	// MaxActiveJobs is the job backlog ceiling.
	MaxActiveJobs int
	// ZeroGrantsAfterHour suppresses the no-grants-today check before
	// this hour, so the first minutes of a day don't page anyone.
	ZeroGrantsAfterHour int
	// SourceMinAttempts is the minimum sample size before a source's
	// success rate is judged.
	SourceMinAttempts int
	// SourceMinSuccessRate is the per-source success rate floor.
	SourceMinSuccessRate float64
	// SourceMaxAvgDuration flags sources whose scrapes run slow.
	SourceMaxAvgDuration time.Duration
	// ResolvedRetention is how long resolved instances stay queryable.
	ResolvedRetention time.Duration
	// MaxActive caps concurrently open instances.
	MaxActive int
}

// DefaultEngineConfig returns the stock check thresholds.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PatternWindow:        time.Hour,
		PatternThreshold:     10,
		MinSuccessRate:       0.7,
		MaxActiveJobs:        50,
		ZeroGrantsAfterHour:  12,
		SourceMinAttempts:    5,
		SourceMinSuccessRate: 0.5,
		SourceMaxAvgDuration: 2 * time.Minute,
		ResolvedRetention:    24 * time.Hour,
		MaxActive:            1000,
	}
}

// Built-in checks are modeled as rules so they flow through the same
// trigger path (instances, cooldowns, audit) as user-defined ones.
var (
	builtinSourcePerformance = &Rule{ID: "builtin:source-performance", Name: "Source performance degraded", Severity: SeverityMedium, CooldownMinutes: 30, Enabled: true}
	builtinSlowSource        = &Rule{ID: "builtin:source-slow", Name: "Source scraping slowly", Severity: SeverityLow, CooldownMinutes: 60, Enabled: true}
	builtinErrorPattern      = &Rule{ID: "builtin:error-pattern", Name: "Repeating error pattern", Severity: SeverityHigh, CooldownMinutes: 30, Enabled: true}
	builtinLowSuccessRate    = &Rule{ID: "builtin:system-success-rate", Name: "Platform success rate low", Severity: SeverityHigh, CooldownMinutes: 15, Enabled: true}
	builtinJobBacklog        = &Rule{ID: "builtin:system-job-backlog", Name: "Scrape job backlog growing", Severity: SeverityMedium, CooldownMinutes: 15, Enabled: true}
	builtinNoGrants          = &Rule{ID: "builtin:system-no-grants", Name: "No grants scraped today", Severity: SeverityCritical, CooldownMinutes: 15, Enabled: true}
)

// RuleEngine evaluates alert rules and the always-on health checks on a
// fixed tick, manages the resulting alert instances, and escalates the
// ones nobody acknowledges.
type RuleEngine struct {
	config     EngineConfig
	dispatcher *Dispatcher
	logger     *logging.Logger
	metrics    *metrics.Metrics

	provider SnapshotProvider
	patterns PatternSource
	audit    AuditSink

	// running guards against overlapping check cycles: a tick arriving
	// while the previous one still runs is skipped, not queued.
	running int32

	mu          sync.RWMutex
	rules       map[string]*Rule
	lastFired   map[string]time.Time
	instances   map[string]*Instance
	byKey       map[string]string
	escalations map[string]*time.Timer
	closed      bool
}

// NewRuleEngine creates an engine dispatching through the given dispatcher.
func NewRuleEngine(dispatcher *Dispatcher, config EngineConfig, m *metrics.Metrics) *RuleEngine {
	def := DefaultEngineConfig()
	if config.PatternWindow <= 0 {
		config.PatternWindow = def.PatternWindow
	}
	if config.PatternThreshold <= 0 {
		config.PatternThreshold = def.PatternThreshold
	}
	if config.MinSuccessRate <= 0 {
		config.MinSuccessRate = def.MinSuccessRate
	}
	if config.MaxActiveJobs <= 0 {
		config.MaxActiveJobs = def.MaxActiveJobs
	}
	if config.ZeroGrantsAfterHour <= 0 {
		config.ZeroGrantsAfterHour = def.ZeroGrantsAfterHour
	}
	if config.SourceMaxAvgDuration <= 0 {
		config.SourceMaxAvgDuration = def.SourceMaxAvgDuration
	}
	if config.SourceMinAttempts <= 0 {
		config.SourceMinAttempts = def.SourceMinAttempts
	}
	if config.SourceMinSuccessRate <= 0 {
		config.SourceMinSuccessRate = def.SourceMinSuccessRate
	}
	if config.ResolvedRetention <= 0 {
		config.ResolvedRetention = def.ResolvedRetention
	}
	if config.MaxActive <= 0 {
		config.MaxActive = def.MaxActive
	}

	return &RuleEngine{
		config:      config,
		dispatcher:  dispatcher,
		logger:      logging.GetLogger(),
		metrics:     m,
		rules:       make(map[string]*Rule),
		lastFired:   make(map[string]time.Time),
		instances:   make(map[string]*Instance),
		byKey:       make(map[string]string),
		escalations: make(map[string]*time.Timer),
	}
}

// SetSnapshotProvider installs the metrics collaborator. Without one the
// engine still runs error-pattern checks but skips rule evaluation.
func (e *RuleEngine) SetSnapshotProvider(p SnapshotProvider) {
	e.provider = p
}

// SetPatternSource installs the error history used for pattern checks.
func (e *RuleEngine) SetPatternSource(p PatternSource) {
	e.patterns = p
}

// SetAudit installs the alert audit sink.
func (e *RuleEngine) SetAudit(a AuditSink) {
	e.audit = a
}

// LoadRules validates and installs the rule set, replacing any previous one.
func (e *RuleEngine) LoadRules(rules []*Rule) error {
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = make(map[string]*Rule, len(rules))
	for _, rule := range rules {
		e.rules[rule.ID] = rule
	}
	return nil
}

// AddRule validates and adds a single rule.
func (e *RuleEngine) AddRule(rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[rule.ID]; exists {
		return apperrors.NewConflictError(fmt.Sprintf("rule %q already exists", rule.ID))
	}
	e.rules[rule.ID] = rule
	return nil
}

// RemoveRule removes a rule by ID.
func (e *RuleEngine) RemoveRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.rules[id]
	delete(e.rules, id)
	return ok
}

// Rules returns the installed rules sorted by ID.
func (e *RuleEngine) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Rule, 0, len(e.rules))
	for _, rule := range e.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunChecks executes one check cycle: rule evaluation, source performance,
// error patterns, and system health. Overlapping invocations are skipped.
func (e *RuleEngine) RunChecks(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		e.metrics.RecordCheckCycle("skipped", 0)
		e.logger.Warn("Check cycle still running, skipping tick")
		return nil
	}
	defer atomic.StoreInt32(&e.running, 0)

	start := time.Now()
	status := "ok"

	var snap *Snapshot
	var snapErr error
	if e.provider != nil {
		snap, snapErr = e.provider.Snapshot(ctx)
		if snapErr != nil {
			status = "error"
			e.logger.LogError(ctx, snapErr, "Failed to collect metrics snapshot", nil)
			snap = nil
		}
	}

	if snap != nil {
		e.evaluateRules(ctx, snap)
		e.checkSourcePerformance(ctx, snap)
		e.checkSystemHealth(ctx, snap)
	}
	if e.patterns != nil {
		e.checkErrorPatterns(ctx)
	}

	e.pruneResolved()
	e.metrics.SetActiveAlerts(e.activeCount())
	e.metrics.RecordCheckCycle(status, time.Since(start))
	return snapErr
}

// evaluateRules runs every enabled rule not in cooldown against the snapshot.
func (e *RuleEngine) evaluateRules(ctx context.Context, snap *Snapshot) {
	rules := e.Rules()
	now := time.Now()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if e.inCooldown(rule.ID, rule.CooldownWindow(), now) {
			continue
		}

		result, err := rule.Evaluate(snap)
		if err != nil {
			e.logger.LogError(ctx, err, "Rule evaluation failed", logging.Fields{"rule_id": rule.ID})
			continue
		}
		if !result.Satisfied {
			continue
		}

		e.markFired(rule.ID, now)
		e.trigger(ctx, trigger{
			rule:      rule,
			key:       "rule:" + rule.ID,
			ntype:     TypeAlertRule,
			title:     rule.Name,
			body:      ruleBody(rule, result),
			value:     result.Value,
			threshold: result.Threshold,
			metadata: map[string]interface{}{
				"metric":   rule.Metric,
				"operator": string(rule.Operator),
			},
		})
	}
}

// checkSourcePerformance flags sources failing most of their scrapes and
// sources whose scrapes run slow.
func (e *RuleEngine) checkSourcePerformance(ctx context.Context, snap *Snapshot) {
	for _, src := range snap.Sources {
		if src.Attempts < e.config.SourceMinAttempts {
			continue
		}

		if src.SuccessRate < e.config.SourceMinSuccessRate {
			e.trigger(ctx, trigger{
				rule:      builtinSourcePerformance,
				key:       "source-performance:" + src.SourceID,
				ntype:     TypeSourcePerformance,
				sourceID:  src.SourceID,
				title:     fmt.Sprintf("Source %s is failing most scrapes", src.SourceID),
				body:      fmt.Sprintf("%d of %d scrape attempts succeeded (%.0f%% success rate).", src.Successes, src.Attempts, src.SuccessRate*100),
				value:     src.SuccessRate,
				threshold: e.config.SourceMinSuccessRate,
				metadata: map[string]interface{}{
					"attempts":  src.Attempts,
					"successes": src.Successes,
				},
			})
		}

		if e.config.SourceMaxAvgDuration > 0 && src.AvgDuration > e.config.SourceMaxAvgDuration {
			e.trigger(ctx, trigger{
				rule:      builtinSlowSource,
				key:       "source-performance:" + src.SourceID + ":slow",
				ntype:     TypeSourcePerformance,
				sourceID:  src.SourceID,
				title:     fmt.Sprintf("Source %s scrapes are running slow", src.SourceID),
				body:      fmt.Sprintf("Average scrape takes %s, above the %s ceiling.", src.AvgDuration.Round(time.Second), e.config.SourceMaxAvgDuration),
				value:     src.AvgDuration.Seconds(),
				threshold: e.config.SourceMaxAvgDuration.Seconds(),
			})
		}
	}
}

// checkErrorPatterns flags sources hitting the same kind of error
// repeatedly inside the pattern window.
func (e *RuleEngine) checkErrorPatterns(ctx context.Context) {
	counts := e.patterns.KindCountsBySource(e.config.PatternWindow)
	for sourceID, kinds := range counts {
		for kind, count := range kinds {
			if count < e.config.PatternThreshold {
				continue
			}
			e.trigger(ctx, trigger{
				rule:      builtinErrorPattern,
				key:       fmt.Sprintf("error-pattern:%s:%s", sourceID, kind),
				ntype:     TypeErrorPattern,
				sourceID:  sourceID,
				title:     fmt.Sprintf("Source %s keeps hitting %s errors", sourceID, kind),
				body:      fmt.Sprintf("%d %s errors in the last %s.", count, kind, e.config.PatternWindow),
				value:     float64(count),
				threshold: float64(e.config.PatternThreshold),
				metadata: map[string]interface{}{
					"kind": string(kind),
				},
			})
		}
	}
}

// checkSystemHealth runs the platform-wide checks.
func (e *RuleEngine) checkSystemHealth(ctx context.Context, snap *Snapshot) {
	if snap.SuccessRate < e.config.MinSuccessRate {
		e.trigger(ctx, trigger{
			rule:      builtinLowSuccessRate,
			key:       "system-health:success-rate",
			ntype:     TypeSystemHealth,
			title:     "Platform scrape success rate is low",
			body:      fmt.Sprintf("Success rate %.0f%% is below the %.0f%% floor.", snap.SuccessRate*100, e.config.MinSuccessRate*100),
			value:     snap.SuccessRate,
			threshold: e.config.MinSuccessRate,
		})
	}

	if snap.ActiveJobs > e.config.MaxActiveJobs {
		e.trigger(ctx, trigger{
			rule:      builtinJobBacklog,
			key:       "system-health:job-backlog",
			ntype:     TypeSystemHealth,
			title:     "Scrape job backlog is growing",
			body:      fmt.Sprintf("%d jobs active, above the %d ceiling.", snap.ActiveJobs, e.config.MaxActiveJobs),
			value:     float64(snap.ActiveJobs),
			threshold: float64(e.config.MaxActiveJobs),
		})
	}

	at := snap.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	if snap.GrantsScrapedToday == 0 && at.Hour() >= e.config.ZeroGrantsAfterHour {
		e.trigger(ctx, trigger{
			rule:      builtinNoGrants,
			key:       "system-health:no-grants",
			ntype:     TypeSystemHealth,
			title:     "No grants scraped today",
			body:      "Not a single grant has been scraped so far today. The pipeline may be stalled.",
			value:     0,
			threshold: 1,
		})
	}
}

// CheckRule evaluates one rule against a fresh snapshot, outside the tick
// cadence and outside the rule cooldown. The rule only fires (creates an
// instance and notifies) when fire is true.
func (e *RuleEngine) CheckRule(ctx context.Context, rule *Rule, fire bool) (EvalResult, error) {
	if err := rule.Validate(); err != nil {
		return EvalResult{}, err
	}
	if e.provider == nil {
		return EvalResult{}, apperrors.NewUnavailableError("metrics snapshot provider")
	}

	snap, err := e.provider.Snapshot(ctx)
	if err != nil {
		return EvalResult{}, err
	}
	result, err := rule.Evaluate(snap)
	if err != nil {
		return result, err
	}

	if result.Satisfied && fire {
		e.trigger(ctx, trigger{
			rule:      rule,
			key:       "rule:" + rule.ID,
			ntype:     TypeAlertRule,
			title:     rule.Name,
			body:      ruleBody(rule, result),
			value:     result.Value,
			threshold: result.Threshold,
		})
	}
	return result, nil
}

// trigger carries everything needed to open or refresh an alert instance.
type trigger struct {
	rule      *Rule
	key       string
	ntype     Type
	title     string
	body      string
	sourceID  string
	value     float64
	threshold float64
	metadata  map[string]interface{}
}

// trigger opens a new instance for the key, or refreshes the open one.
// Either way the notification goes through the dispatcher, whose cooldown
// decides whether anything actually reaches a channel.
func (e *RuleEngine) trigger(ctx context.Context, t trigger) {
	now := time.Now()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	if id, ok := e.byKey[t.key]; ok {
		if inst, live := e.instances[id]; live && inst.Status != StatusResolved {
			inst.Value = t.value
			inst.LastSeenAt = now
			e.mu.Unlock()
			e.dispatch(ctx, t, id)
			return
		}
	}

	if e.activeCountLocked() >= e.config.MaxActive {
		e.mu.Unlock()
		e.logger.Warn("Maximum number of active alerts reached, dropping alert",
			"rule_id", t.rule.ID,
			"key", t.key,
		)
		return
	}

	inst := &Instance{
		ID:          uuid.New().String(),
		Key:         t.key,
		RuleID:      t.rule.ID,
		RuleName:    t.rule.Name,
		SourceID:    t.sourceID,
		Severity:    t.rule.Severity,
		Status:      StatusActive,
		Title:       t.title,
		Body:        t.body,
		Value:       t.value,
		Threshold:   t.threshold,
		Metadata:    t.metadata,
		TriggeredAt: now,
		LastSeenAt:  now,
		escalation:  t.rule.Escalation,
	}
	e.instances[inst.ID] = inst
	e.byKey[t.key] = inst.ID

	if esc := t.rule.Escalation; esc != nil && esc.Delay() > 0 && t.rule.Severity.Weight() >= SeverityHigh.Weight() {
		id := inst.ID
		e.escalations[id] = time.AfterFunc(esc.Delay(), func() { e.escalate(id) })
	}
	snapshot := *inst
	e.mu.Unlock()

	e.metrics.RecordAlert(t.rule.ID, string(t.rule.Severity))
	e.logger.LogAlertEvent(ctx, "alert_triggered", t.rule.ID, string(t.rule.Severity), logging.Fields{
		"alert_id": snapshot.ID,
		"key":      snapshot.Key,
		"source":   snapshot.SourceID,
	})
	if e.audit != nil {
		e.audit.AlertOpened(ctx, snapshot)
	}
	e.dispatch(ctx, t, snapshot.ID)
}

// dispatch hands the trigger's notification to the dispatcher.
func (e *RuleEngine) dispatch(ctx context.Context, t trigger, instanceID string) {
	metadata := map[string]interface{}{
		"alert_id":  instanceID,
		"value":     t.value,
		"threshold": t.threshold,
	}
	for k, v := range t.metadata {
		metadata[k] = v
	}

	err := e.dispatcher.Send(ctx, Notification{
		Key:      t.key,
		Type:     t.ntype,
		Severity: t.rule.Severity,
		Title:    t.title,
		Body:     t.body,
		SourceID: t.sourceID,
		RuleID:   t.rule.ID,
		Channels: t.rule.Channels,
		Cooldown: t.rule.CooldownWindow(),
		Metadata: metadata,
	})
	if err != nil && !errors.Is(err, ErrCooldownActive) {
		e.logger.LogError(ctx, err, "Alert notification dispatch failed", logging.Fields{"rule_id": t.rule.ID})
	}
}

// escalate fires when an instance's escalation timer expires. Instances
// acknowledged or resolved in the meantime are left alone.
func (e *RuleEngine) escalate(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e.mu.Lock()
	delete(e.escalations, id)
	inst, ok := e.instances[id]
	if !ok || inst.Status != StatusActive || e.closed {
		e.mu.Unlock()
		return
	}
	now := time.Now()
	inst.EscalatedAt = &now
	snapshot := *inst
	var channels []string
	if inst.escalation != nil {
		channels = inst.escalation.Channels
	}
	e.mu.Unlock()

	e.metrics.RecordEscalation(snapshot.RuleID)
	e.logger.LogAlertEvent(ctx, "alert_escalated", snapshot.RuleID, string(snapshot.Severity), logging.Fields{
		"alert_id": id,
		"age":      now.Sub(snapshot.TriggeredAt).String(),
	})
	if e.audit != nil {
		e.audit.AlertUpdated(ctx, snapshot)
	}

	err := e.dispatcher.Send(ctx, Notification{
		Key:      "escalation:" + id,
		Type:     TypeEscalation,
		Severity: SeverityCritical,
		Title:    "[ESCALATED] " + snapshot.Title,
		Body: fmt.Sprintf("Alert %q has been active without acknowledgement for %s.\n\n%s",
			snapshot.RuleName, now.Sub(snapshot.TriggeredAt).Round(time.Second), snapshot.Body),
		SourceID: snapshot.SourceID,
		RuleID:   snapshot.RuleID,
		Channels: channels,
		Metadata: map[string]interface{}{"alert_id": id},
	})
	if err != nil && !errors.Is(err, ErrCooldownActive) {
		e.logger.LogError(ctx, err, "Escalation dispatch failed", logging.Fields{"alert_id": id})
	}
}

// Acknowledge marks an active alert as acknowledged and cancels its
// pending escalation.
func (e *RuleEngine) Acknowledge(ctx context.Context, id, by string) (*Instance, error) {
	e.mu.Lock()
	inst, ok := e.instances[id]
	if !ok {
		e.mu.Unlock()
		return nil, apperrors.NewNotFoundError("alert")
	}
	if inst.Status != StatusActive {
		e.mu.Unlock()
		return nil, apperrors.NewConflictError(fmt.Sprintf("alert is %s", inst.Status))
	}

	now := time.Now()
	inst.Status = StatusAcknowledged
	inst.AcknowledgedAt = &now
	inst.AcknowledgedBy = by
	if timer, pending := e.escalations[id]; pending {
		timer.Stop()
		delete(e.escalations, id)
	}
	snapshot := *inst
	e.mu.Unlock()

	e.logger.LogAlertEvent(ctx, "alert_acknowledged", snapshot.RuleID, string(snapshot.Severity), logging.Fields{
		"alert_id": id,
		"by":       by,
	})
	if e.audit != nil {
		e.audit.AlertUpdated(ctx, snapshot)
	}
	return &snapshot, nil
}

// Resolve closes an alert. Its key is released, so the same condition
// firing again opens a fresh instance.
func (e *RuleEngine) Resolve(ctx context.Context, id, by string) (*Instance, error) {
	e.mu.Lock()
	inst, ok := e.instances[id]
	if !ok {
		e.mu.Unlock()
		return nil, apperrors.NewNotFoundError("alert")
	}
	if inst.Status == StatusResolved {
		e.mu.Unlock()
		return nil, apperrors.NewConflictError("alert is already resolved")
	}

	now := time.Now()
	inst.Status = StatusResolved
	inst.ResolvedAt = &now
	inst.ResolvedBy = by
	if timer, pending := e.escalations[id]; pending {
		timer.Stop()
		delete(e.escalations, id)
	}
	if e.byKey[inst.Key] == id {
		delete(e.byKey, inst.Key)
	}
	snapshot := *inst
	e.mu.Unlock()

	e.logger.LogAlertEvent(ctx, "alert_resolved", snapshot.RuleID, string(snapshot.Severity), logging.Fields{
		"alert_id": id,
		"by":       by,
		"duration": now.Sub(snapshot.TriggeredAt).String(),
	})
	if e.audit != nil {
		e.audit.AlertUpdated(ctx, snapshot)
	}
	e.metrics.SetActiveAlerts(e.activeCount())
	return &snapshot, nil
}

// ActiveAlerts returns the unresolved instances, newest first.
func (e *RuleEngine) ActiveAlerts() []Instance {
	return e.Instances(func(inst *Instance) bool { return inst.Status != StatusResolved })
}

// Instances returns copies of the instances matching the filter (nil
// matches everything), newest first.
func (e *RuleEngine) Instances(match func(*Instance) bool) []Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		if match == nil || match(inst) {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	return out
}

// Instance returns a copy of one instance by ID.
func (e *RuleEngine) Instance(id string) (Instance, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	inst, ok := e.instances[id]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// Close stops all pending escalation timers. The engine refuses new
// triggers afterwards.
func (e *RuleEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	for id, timer := range e.escalations {
		timer.Stop()
		delete(e.escalations, id)
	}
}

func (e *RuleEngine) inCooldown(ruleID string, window time.Duration, now time.Time) bool {
	if window <= 0 {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	fired, ok := e.lastFired[ruleID]
	return ok && now.Sub(fired) < window
}

func (e *RuleEngine) markFired(ruleID string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastFired[ruleID] = now
}

func (e *RuleEngine) activeCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.activeCountLocked()
}

func (e *RuleEngine) activeCountLocked() int {
	count := 0
	for _, inst := range e.instances {
		if inst.Status != StatusResolved {
			count++
		}
	}
	return count
}

// pruneResolved drops resolved instances past the retention period.
func (e *RuleEngine) pruneResolved() {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().Add(-e.config.ResolvedRetention)
	for id, inst := range e.instances {
		if inst.Status == StatusResolved && inst.ResolvedAt != nil && inst.ResolvedAt.Before(cutoff) {
			delete(e.instances, id)
		}
	}
}

// ruleBody renders the human-readable explanation of a fired rule.
func ruleBody(rule *Rule, result EvalResult) string {
	var current string
	if rule.Operator.numeric() {
		current = strconv.FormatFloat(result.Value, 'f', -1, 64)
		return fmt.Sprintf("%s\n\nMetric %s is %s (threshold: %s %s).",
			rule.Description, rule.Metric, current, rule.Operator, strconv.FormatFloat(rule.Value, 'f', -1, 64))
	}
	return fmt.Sprintf("%s\n\nLabel %s is %q (%s %q).",
		rule.Description, rule.Metric, result.ValueText, rule.Operator, rule.Pattern)
}
