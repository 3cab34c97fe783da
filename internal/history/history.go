// Package history keeps a bounded in-memory record of scrape failures and
// successes per source. It backs recurring-error detection, error-rate
// calculations, and the per-kind retry metrics exposed by the admin API.
package history

import (
	"sort"
	"sync"
	"time"

	"github.com/grantpulse/sentinel/pkg/scraperr"
)

const (
	// DefaultCapacity bounds the number of errors retained per source.
	DefaultCapacity = 1000

	// recurringThreshold is how many same-kind errors inside the lookback
	// window count as a recurring problem.
	recurringThreshold = 3
)

// Entry is one recorded scrape failure.
type Entry struct {
	Kind      scraperr.Kind `json:"kind"`
	Message   string        `json:"message"`
	SourceID  string        `json:"source_id"`
	JobID     string        `json:"job_id,omitempty"`
	URL       string        `json:"url,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// EntryFromError builds an Entry from a classified scrape error.
func EntryFromError(err *scraperr.ScrapeError) Entry {
	return Entry{
		Kind:      err.Kind,
		Message:   err.Message,
		SourceID:  err.SourceID,
		JobID:     err.JobID,
		URL:       err.SourceURL,
		Attempt:   err.Attempt,
		Timestamp: err.Timestamp,
	}
}

// KindMetrics aggregates retry outcomes per error kind.
type KindMetrics struct {
	Count                 int64         `json:"count"`
	LastOccurrence        time.Time     `json:"last_occurrence"`
	SuccessfulRetries     int64         `json:"successful_retries"`
	FailedRetries         int64         `json:"failed_retries"`
	AverageResolutionTime time.Duration `json:"average_resolution_time"`
}

// sourceLog is the per-source state: a fixed circular buffer of failures,
// a matching buffer of success timestamps, and the current failure streak.
type sourceLog struct {
	entries []Entry
	head    int // next write position
	size    int

	successes []time.Time
	sHead     int
	sSize     int

	streak      int
	lastSuccess time.Time
}

func (s *sourceLog) record(e Entry) {
	s.entries[s.head] = e
	s.head = (s.head + 1) % len(s.entries)
	if s.size < len(s.entries) {
		s.size++
	}
	s.streak++
}

func (s *sourceLog) recordSuccess(at time.Time) int {
	s.successes[s.sHead] = at
	s.sHead = (s.sHead + 1) % len(s.successes)
	if s.sSize < len(s.successes) {
		s.sSize++
	}
	ended := s.streak
	s.streak = 0
	s.lastSuccess = at
	return ended
}

// each visits the recorded entries oldest first.
func (s *sourceLog) each(fn func(Entry)) {
	start := (s.head - s.size + len(s.entries)) % len(s.entries)
	for i := 0; i < s.size; i++ {
		fn(s.entries[(start+i)%len(s.entries)])
	}
}

// Option configures a History.
type Option func(*History)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *History) {
		h.now = now
	}
}

// History tracks recent failures for every source the platform scrapes.
// When a source's buffer is full the oldest entry is evicted, so memory
// stays bounded no matter how long a source keeps failing.
type History struct {
	mu       sync.RWMutex
	capacity int
	sources  map[string]*sourceLog
	kinds    map[scraperr.Kind]*KindMetrics
	now      func() time.Time
}

// New creates a History retaining up to capacity errors per source.
// A non-positive capacity falls back to DefaultCapacity.
func New(capacity int, opts ...Option) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	h := &History{
		capacity: capacity,
		sources:  make(map[string]*sourceLog),
		kinds:    make(map[scraperr.Kind]*KindMetrics),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// source returns the log for the given ID, creating it on first use.
// Must be called with the write lock held.
func (h *History) source(id string) *sourceLog {
	sl, ok := h.sources[id]
	if !ok {
		sl = &sourceLog{
			entries:   make([]Entry, h.capacity),
			successes: make([]time.Time, h.capacity),
		}
		h.sources[id] = sl
	}
	return sl
}

// Record stores a failure. A zero Timestamp is stamped with the current
// time. Recording also extends the source's consecutive-failure streak.
func (h *History) Record(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = h.now()
	}
	if e.Kind == "" {
		e.Kind = scraperr.KindUnknown
	}

	h.source(e.SourceID).record(e)

	km, ok := h.kinds[e.Kind]
	if !ok {
		km = &KindMetrics{}
		h.kinds[e.Kind] = km
	}
	km.Count++
	if e.Timestamp.After(km.LastOccurrence) {
		km.LastOccurrence = e.Timestamp
	}
}

// RecordSuccess stores a successful scrape for the source and resets its
// failure streak. It returns the length of the streak that just ended,
// which callers use to decide whether a recovery is worth announcing.
func (h *History) RecordSuccess(sourceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.source(sourceID).recordSuccess(h.now())
}

// Recent returns up to limit entries for the source, newest first.
func (h *History) Recent(sourceID string, limit int) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sl, ok := h.sources[sourceID]
	if !ok {
		return nil
	}

	out := make([]Entry, 0, sl.size)
	sl.each(func(e Entry) { out = append(out, e) })
	reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AllRecent returns up to limit entries across every source, newest first.
func (h *History) AllRecent(limit int) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Entry
	for _, sl := range h.sources {
		sl.each(func(e Entry) { out = append(out, e) })
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CountRecent counts entries of the given kind for the source inside the
// lookback window.
func (h *History) CountRecent(sourceID string, kind scraperr.Kind, window time.Duration) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sl, ok := h.sources[sourceID]
	if !ok {
		return 0
	}

	cutoff := h.now().Add(-window)
	count := 0
	sl.each(func(e Entry) {
		if e.Kind == kind && !e.Timestamp.Before(cutoff) {
			count++
		}
	})
	return count
}

// HasRecurring reports whether the source has hit the same kind of error
// at least three times inside the window.
func (h *History) HasRecurring(sourceID string, kind scraperr.Kind, window time.Duration) bool {
	return h.CountRecent(sourceID, kind, window) >= recurringThreshold
}

// ErrorRate estimates the source's failure rate over the window. When
// successes have been recorded the rate is failures/(failures+successes);
// without any success data the rate degrades to a 0.5 estimate so a source
// that only ever reported failures still registers as unhealthy rather
// than dividing by zero.
func (h *History) ErrorRate(sourceID string, window time.Duration) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sl, ok := h.sources[sourceID]
	if !ok {
		return 0
	}
	return errorRate(sl, h.now().Add(-window))
}

func errorRate(sl *sourceLog, cutoff time.Time) float64 {
	failures := 0
	sl.each(func(e Entry) {
		if !e.Timestamp.Before(cutoff) {
			failures++
		}
	})
	if failures == 0 {
		return 0
	}

	successes := 0
	start := (sl.sHead - sl.sSize + len(sl.successes)) % len(sl.successes)
	for i := 0; i < sl.sSize; i++ {
		if !sl.successes[(start+i)%len(sl.successes)].Before(cutoff) {
			successes++
		}
	}
	if successes == 0 {
		return float64(failures) / float64(2*failures)
	}
	return float64(failures) / float64(failures+successes)
}

// ConsecutiveFailures returns the source's current failure streak.
func (h *History) ConsecutiveFailures(sourceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if sl, ok := h.sources[sourceID]; ok {
		return sl.streak
	}
	return 0
}

// KindCountsBySource counts entries per source and kind inside the window.
// The alert engine uses it to spot repeating error patterns.
func (h *History) KindCountsBySource(window time.Duration) map[string]map[scraperr.Kind]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cutoff := h.now().Add(-window)
	out := make(map[string]map[scraperr.Kind]int)
	for id, sl := range h.sources {
		sl.each(func(e Entry) {
			if e.Timestamp.Before(cutoff) {
				return
			}
			kinds, ok := out[id]
			if !ok {
				kinds = make(map[scraperr.Kind]int)
				out[id] = kinds
			}
			kinds[e.Kind]++
		})
	}
	return out
}

// SourceSummary is a per-source health digest for the admin API.
type SourceSummary struct {
	SourceID            string    `json:"source_id"`
	Errors              int       `json:"errors"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ErrorRate           float64   `json:"error_rate"`
	LastError           time.Time `json:"last_error,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
}

// Summaries digests every tracked source over the window, sorted by ID.
func (h *History) Summaries(window time.Duration) []SourceSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cutoff := h.now().Add(-window)
	out := make([]SourceSummary, 0, len(h.sources))
	for id, sl := range h.sources {
		summary := SourceSummary{
			SourceID:            id,
			Errors:              sl.size,
			ConsecutiveFailures: sl.streak,
			ErrorRate:           errorRate(sl, cutoff),
			LastSuccess:         sl.lastSuccess,
		}
		if sl.size > 0 {
			last := (sl.head - 1 + len(sl.entries)) % len(sl.entries)
			summary.LastError = sl.entries[last].Timestamp
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Size returns how many entries are currently retained for the source.
func (h *History) Size(sourceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if sl, ok := h.sources[sourceID]; ok {
		return sl.size
	}
	return 0
}

// Clear drops all state for one source.
func (h *History) Clear(sourceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sources, sourceID)
}

// ClearAll drops all per-source state. Kind metrics are kept: they are
// lifetime counters, not a window.
func (h *History) ClearAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources = make(map[string]*sourceLog)
}

// RetrySucceeded records a retry that eventually recovered, updating the
// running average time-to-resolution for the kind. Implements the retry
// executor's recorder hook.
func (h *History) RetrySucceeded(kind scraperr.Kind, resolution time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	km, ok := h.kinds[kind]
	if !ok {
		km = &KindMetrics{}
		h.kinds[kind] = km
	}
	km.SuccessfulRetries++
	km.AverageResolutionTime += (resolution - km.AverageResolutionTime) / time.Duration(km.SuccessfulRetries)
}

// RetryFailed records a retry sequence that was given up on.
func (h *History) RetryFailed(kind scraperr.Kind) {
	h.mu.Lock()
	defer h.mu.Unlock()

	km, ok := h.kinds[kind]
	if !ok {
		km = &KindMetrics{}
		h.kinds[kind] = km
	}
	km.FailedRetries++
}

// MetricsSnapshot returns a copy of the per-kind metrics.
func (h *History) MetricsSnapshot() map[scraperr.Kind]KindMetrics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[scraperr.Kind]KindMetrics, len(h.kinds))
	for kind, km := range h.kinds {
		out[kind] = *km
	}
	return out
}

func reverse(entries []Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
