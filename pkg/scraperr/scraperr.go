package scraperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind categorizes a scrape failure for retry and alerting decisions.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindRateLimit  Kind = "rate_limit"
	KindAuth       Kind = "auth"
	KindCaptcha    Kind = "captcha"
	KindParsing    Kind = "parsing"
	KindDatabase   Kind = "database"
	KindProxy      Kind = "proxy"
	KindValidation Kind = "validation"
	KindUnknown    Kind = "unknown"
)

// Retryable reports whether failures of this kind are worth retrying at all.
// Structural failures (auth walls, captchas) and database errors are not:
// repeating the request cannot fix them. Unknown is treated like a transient
// network failure.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimit, KindProxy, KindParsing, KindUnknown:
		return true
	default:
		return false
	}
}

// Transient reports whether the kind represents an infrastructure-level
// failure (as opposed to a content- or access-level one).
func (k Kind) Transient() bool {
	switch k {
	case KindNetwork, KindTimeout, KindProxy, KindUnknown:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer
func (k Kind) String() string {
	return string(k)
}

// Kinds returns every known kind, in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindNetwork, KindTimeout, KindRateLimit, KindAuth, KindCaptcha,
		KindParsing, KindDatabase, KindProxy, KindValidation, KindUnknown,
	}
}

// ScrapeError is a classified scrape failure with its source context.
type ScrapeError struct {
	Kind       Kind          `json:"kind"`
	Message    string        `json:"message"`
	SourceID   string        `json:"source_id,omitempty"`
	SourceURL  string        `json:"source_url,omitempty"`
	JobID      string        `json:"job_id,omitempty"`
	Attempt    int           `json:"attempt"`
	StatusCode int           `json:"status_code,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Cause      error         `json:"-"`
}

// Error implements the error interface
func (e *ScrapeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause
func (e *ScrapeError) Unwrap() error {
	return e.Cause
}

// New creates a new scrape error of the given kind.
func New(kind Kind, message string) *ScrapeError {
	return &ScrapeError{
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap classifies cause with the default classifier and wraps it.
func Wrap(cause error) *ScrapeError {
	if cause == nil {
		return nil
	}
	var se *ScrapeError
	if errors.As(cause, &se) {
		return se
	}
	return &ScrapeError{
		Kind:      Default().Classify(cause.Error()),
		Message:   cause.Error(),
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// WithSource attaches the source the failure came from.
func (e *ScrapeError) WithSource(sourceID, sourceURL string) *ScrapeError {
	e.SourceID = sourceID
	e.SourceURL = sourceURL
	return e
}

// WithJob attaches the job the failure belongs to.
func (e *ScrapeError) WithJob(jobID string) *ScrapeError {
	e.JobID = jobID
	return e
}

// WithAttempt records which attempt produced the failure.
func (e *ScrapeError) WithAttempt(attempt int) *ScrapeError {
	e.Attempt = attempt
	return e
}

// WithStatusCode records the HTTP status, when the failure came from a response.
func (e *ScrapeError) WithStatusCode(code int) *ScrapeError {
	e.StatusCode = code
	return e
}

// WithRetryAfter records a server-provided retry hint (Retry-After header).
func (e *ScrapeError) WithRetryAfter(d time.Duration) *ScrapeError {
	e.RetryAfter = d
	return e
}

// WithCause adds a cause to the error
func (e *ScrapeError) WithCause(cause error) *ScrapeError {
	e.Cause = cause
	return e
}

// KindOf returns the kind of err. A *ScrapeError reports its own kind;
// anything else is classified from its message.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *ScrapeError
	if errors.As(err, &se) {
		return se.Kind
	}
	return Default().Classify(err.Error())
}

// IsKind checks whether err classifies to the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
