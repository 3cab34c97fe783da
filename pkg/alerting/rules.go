package alerting

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/grantpulse/sentinel/pkg/errors"
)

// Operator compares a snapshot metric against a rule's threshold.
type Operator string

const (
	OpGreaterThan    Operator = "gt"
	OpLessThan       Operator = "lt"
	OpGreaterOrEqual Operator = "gte"
	OpLessOrEqual    Operator = "lte"
	OpEqual          Operator = "eq"
	OpContains       Operator = "contains"
	OpMatches        Operator = "matches"
)

// numeric reports whether the operator compares numbers (as opposed to
// matching text labels).
func (o Operator) numeric() bool {
	switch o {
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual, OpEqual:
		return true
	default:
		return false
	}
}

// Escalation describes what happens when an alert stays unacknowledged.
type Escalation struct {
	// AfterMinutes is the escalation delay.
	AfterMinutes int `yaml:"after_minutes" json:"after_minutes"`
	// Channels receives the escalated notification; empty means all.
	Channels []string `yaml:"channels,omitempty" json:"channels,omitempty"`
	// After overrides AfterMinutes when non-zero. Not exposed in YAML.
	After time.Duration `yaml:"-" json:"-"`
}

// Delay returns the effective escalation delay.
func (e *Escalation) Delay() time.Duration {
	if e == nil {
		return 0
	}
	if e.After > 0 {
		return e.After
	}
	return time.Duration(e.AfterMinutes) * time.Minute
}

// Rule is one user-defined health condition evaluated every check cycle.
type Rule struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Metric      string   `yaml:"metric" json:"metric"`
	Operator    Operator `yaml:"operator" json:"operator"`
	// Value is the threshold for numeric operators.
	Value float64 `yaml:"value,omitempty" json:"value,omitempty"`
	// Pattern is the needle for contains, or the regular expression for
	// matches.
	Pattern  string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Severity Severity `yaml:"severity" json:"severity"`
	// CooldownMinutes keeps the rule from re-firing after a trigger.
	CooldownMinutes int         `yaml:"cooldown_minutes" json:"cooldown_minutes"`
	Channels        []string    `yaml:"channels,omitempty" json:"channels,omitempty"`
	Escalation      *Escalation `yaml:"escalation,omitempty" json:"escalation,omitempty"`
	Enabled         bool        `yaml:"enabled" json:"enabled"`

	re *regexp.Regexp
}

// Validate checks the rule and compiles its pattern. Rules are validated
// once at load time so evaluation never hits a bad regex.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return apperrors.NewRuleError(r.ID, "rule id is required")
	}
	if r.Name == "" {
		return apperrors.NewRuleError(r.ID, "rule name is required")
	}
	if r.Metric == "" {
		return apperrors.NewRuleError(r.ID, "rule metric is required")
	}
	if !r.Severity.Valid() {
		return apperrors.NewRuleError(r.ID, fmt.Sprintf("unknown severity %q", r.Severity))
	}
	if r.CooldownMinutes < 0 {
		return apperrors.NewRuleError(r.ID, "cooldown_minutes must not be negative")
	}
	if r.Escalation != nil && r.Escalation.AfterMinutes < 0 {
		return apperrors.NewRuleError(r.ID, "escalation after_minutes must not be negative")
	}

	switch r.Operator {
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual, OpEqual:
	case OpContains:
		if r.Pattern == "" {
			return apperrors.NewRuleError(r.ID, "contains operator requires a pattern")
		}
	case OpMatches:
		if r.Pattern == "" {
			return apperrors.NewRuleError(r.ID, "matches operator requires a pattern")
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return apperrors.NewRuleError(r.ID, fmt.Sprintf("invalid pattern: %v", err))
		}
		r.re = re
	default:
		return apperrors.NewRuleError(r.ID, fmt.Sprintf("unknown operator %q", r.Operator))
	}
	return nil
}

// CooldownWindow returns the rule's cooldown as a duration.
func (r *Rule) CooldownWindow() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// EvalResult is the outcome of evaluating one rule against a snapshot.
type EvalResult struct {
	Satisfied bool    `json:"satisfied"`
	Value     float64 `json:"value"`
	ValueText string  `json:"value_text,omitempty"`
	Threshold float64 `json:"threshold"`
}

// Evaluate checks the rule against the snapshot. A metric missing from
// the snapshot is an error, not a non-match, so misconfigured rules are
// loud instead of silently green.
func (r *Rule) Evaluate(snap *Snapshot) (EvalResult, error) {
	if r.Operator.numeric() {
		value, ok := snap.Metric(r.Metric)
		if !ok {
			return EvalResult{}, apperrors.NewRuleError(r.ID, fmt.Sprintf("metric %q not in snapshot", r.Metric))
		}
		result := EvalResult{Value: value, Threshold: r.Value}
		switch r.Operator {
		case OpGreaterThan:
			result.Satisfied = value > r.Value
		case OpLessThan:
			result.Satisfied = value < r.Value
		case OpGreaterOrEqual:
			result.Satisfied = value >= r.Value
		case OpLessOrEqual:
			result.Satisfied = value <= r.Value
		case OpEqual:
			result.Satisfied = value == r.Value
		}
		return result, nil
	}

	text, ok := snap.Label(r.Metric)
	if !ok {
		return EvalResult{}, apperrors.NewRuleError(r.ID, fmt.Sprintf("label %q not in snapshot", r.Metric))
	}
	result := EvalResult{ValueText: text}
	switch r.Operator {
	case OpContains:
		result.Satisfied = strings.Contains(text, r.Pattern)
	case OpMatches:
		re := r.re
		if re == nil {
			var err error
			re, err = regexp.Compile(r.Pattern)
			if err != nil {
				return EvalResult{}, apperrors.NewRuleError(r.ID, fmt.Sprintf("invalid pattern: %v", err))
			}
			r.re = re
		}
		result.Satisfied = re.MatchString(text)
	}
	return result, nil
}

// SourceStats is the per-source slice of a metrics snapshot.
type SourceStats struct {
	SourceID      string        `json:"source_id"`
	Attempts      int           `json:"attempts"`
	Successes     int           `json:"successes"`
	SuccessRate   float64       `json:"success_rate"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastScrapedAt time.Time     `json:"last_scraped_at,omitempty"`
}

// Snapshot is the platform state a check cycle evaluates rules against.
// Built-in fields cover the stock metrics; Values and Labels carry
// anything else the provider wants rules to see.
type Snapshot struct {
	Timestamp          time.Time          `json:"timestamp"`
	SuccessRate        float64            `json:"success_rate"`
	ActiveJobs         int                `json:"active_jobs"`
	GrantsScrapedToday int                `json:"grants_scraped_today"`
	FailedJobsToday    int                `json:"failed_jobs_today"`
	AvgJobDuration     time.Duration      `json:"avg_job_duration"`
	Values             map[string]float64 `json:"values,omitempty"`
	Labels             map[string]string  `json:"labels,omitempty"`
	Sources            []SourceStats      `json:"sources,omitempty"`
}

// Metric resolves a numeric metric by name: explicit Values first, then
// the built-in fields.
func (s *Snapshot) Metric(name string) (float64, bool) {
	if v, ok := s.Values[name]; ok {
		return v, true
	}
	switch name {
	case "success_rate":
		return s.SuccessRate, true
	case "active_jobs":
		return float64(s.ActiveJobs), true
	case "grants_scraped_today":
		return float64(s.GrantsScrapedToday), true
	case "failed_jobs_today":
		return float64(s.FailedJobsToday), true
	case "avg_job_duration_seconds":
		return s.AvgJobDuration.Seconds(), true
	}
	return 0, false
}

// Label resolves a text metric by name.
func (s *Snapshot) Label(name string) (string, bool) {
	v, ok := s.Labels[name]
	return v, ok
}

// rulesFile is the on-disk YAML layout.
type rulesFile struct {
	Rules []*Rule `yaml:"rules"`
}

// LoadRules reads and validates alert rules from a YAML file.
func LoadRules(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewRuleError("", fmt.Sprintf("failed to read rules file %s", path)).WithCause(err)
	}
	return ParseRules(data)
}

// ParseRules parses and validates alert rules from YAML bytes.
func ParseRules(data []byte) ([]*Rule, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, apperrors.NewRuleError("", "failed to parse rules file").WithCause(err)
	}

	seen := make(map[string]bool, len(file.Rules))
	for _, rule := range file.Rules {
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		if seen[rule.ID] {
			return nil, apperrors.NewRuleError(rule.ID, "duplicate rule id")
		}
		seen[rule.ID] = true
	}
	return file.Rules, nil
}

// DefaultRules returns the rules used when no rules file is configured.
// They complement the always-on health checks rather than repeating them.
func DefaultRules() []*Rule {
	rules := []*Rule{
		{
			ID:              "failed-jobs-spike",
			Name:            "Failed jobs spiking",
			Description:     "More than 20 scrape jobs failed today",
			Metric:          "failed_jobs_today",
			Operator:        OpGreaterThan,
			Value:           20,
			Severity:        SeverityHigh,
			CooldownMinutes: 30,
			Escalation:      &Escalation{AfterMinutes: 15},
			Enabled:         true,
		},
		{
			ID:              "job-backlog-severe",
			Name:            "Severe job backlog",
			Description:     "Active job count has grown past the point the workers can drain",
			Metric:          "active_jobs",
			Operator:        OpGreaterThan,
			Value:           100,
			Severity:        SeverityHigh,
			CooldownMinutes: 30,
			Enabled:         true,
		},
		{
			ID:              "slow-scrapes",
			Name:            "Scrape jobs running slow",
			Description:     "Average job duration above two minutes",
			Metric:          "avg_job_duration_seconds",
			Operator:        OpGreaterThan,
			Value:           120,
			Severity:        SeverityLow,
			CooldownMinutes: 60,
			Enabled:         true,
		},
	}
	for _, rule := range rules {
		// Stock rules must always pass their own validation.
		if err := rule.Validate(); err != nil {
			panic(err)
		}
	}
	return rules
}
