package scraperr

import (
	"errors"
	"strings"
)

// Rule maps a set of lowercase message fragments to a kind. Rules are
// evaluated in order and the first fragment hit wins, so narrower rules must
// precede broader ones (timeouts before generic connection errors, HTTP 429
// before the auth codes).
type Rule struct {
	Kind      Kind
	Fragments []string
}

// Classifier turns raw failure messages into kinds using an ordered rule
// table. The zero value is not usable; construct with NewClassifier or use
// Default.
type Classifier struct {
	rules []Rule
}

// defaultRules is the ordered classification table. Order is part of the
// contract: a message matching several rules gets the first one.
var defaultRules = []Rule{
	{KindTimeout, []string{"timeout", "etimedout", "timed out", "deadline exceeded"}},
	{KindNetwork, []string{"connection", "enotfound", "econnrefused", "econnreset", "socket hang up", "network", "no such host", "dns"}},
	{KindRateLimit, []string{"rate limit", "429", "too many requests", "throttl"}},
	{KindAuth, []string{"401", "403", "unauthorized", "forbidden", "authentication", "access denied"}},
	{KindCaptcha, []string{"captcha", "recaptcha", "bot detection", "cloudflare challenge", "are you a robot"}},
	{KindParsing, []string{"parse", "selector", "element not found", "unexpected token", "invalid html", "no matches for"}},
	{KindDatabase, []string{"database", "sql", "pq:", "pgx", "constraint", "deadlock", "relation"}},
	{KindProxy, []string{"proxy", "tunnel", "socks"}},
	{KindValidation, []string{"validation", "invalid url", "malformed", "schema"}},
}

var defaultClassifier = &Classifier{rules: defaultRules}

// Default returns the classifier with the built-in rule table.
func Default() *Classifier {
	return defaultClassifier
}

// NewClassifier creates a classifier that consults the given rules before
// the built-in table, so callers can pin source-specific phrasings to a kind.
func NewClassifier(rules ...Rule) *Classifier {
	combined := make([]Rule, 0, len(rules)+len(defaultRules))
	combined = append(combined, rules...)
	combined = append(combined, defaultRules...)
	return &Classifier{rules: combined}
}

// Classify maps a failure message to a kind. Matching is case-insensitive,
// deterministic, and first-match-wins; unmatched messages are KindUnknown.
func (c *Classifier) Classify(message string) Kind {
	lower := strings.ToLower(message)
	for _, rule := range c.rules {
		for _, fragment := range rule.Fragments {
			if strings.Contains(lower, fragment) {
				return rule.Kind
			}
		}
	}
	return KindUnknown
}

// ClassifyError classifies an error by its message. A *ScrapeError keeps the
// kind it was built with.
func (c *Classifier) ClassifyError(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *ScrapeError
	if errors.As(err, &se) && se.Kind != "" {
		return se.Kind
	}
	return c.Classify(err.Error())
}

// Rules returns a copy of the classifier's rule table, for introspection.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}
