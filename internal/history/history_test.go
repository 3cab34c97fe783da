package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantpulse/sentinel/pkg/scraperr"
)

func TestHistory_RecordAndRecent(t *testing.T) {
	h := New(10)

	h.Record(Entry{SourceID: "grants.gov", Kind: scraperr.KindTimeout, Message: "first"})
	h.Record(Entry{SourceID: "grants.gov", Kind: scraperr.KindNetwork, Message: "second"})
	h.Record(Entry{SourceID: "other.org", Kind: scraperr.KindParsing, Message: "elsewhere"})

	recent := h.Recent("grants.gov", 10)
	require.Len(t, recent, 2)
	// Newest first
	assert.Equal(t, "second", recent[0].Message)
	assert.Equal(t, "first", recent[1].Message)
	assert.False(t, recent[0].Timestamp.IsZero())

	assert.Empty(t, h.Recent("unknown-source", 10))
	assert.Len(t, h.Recent("grants.gov", 1), 1)
}

func TestHistory_CapacityEviction(t *testing.T) {
	h := New(1000)

	for i := 0; i < 1000; i++ {
		h.Record(Entry{SourceID: "grants.gov", Kind: scraperr.KindNetwork, Message: fmt.Sprintf("err-%d", i)})
	}
	assert.Equal(t, 1000, h.Size("grants.gov"))

	// The 1001st record evicts the oldest entry, not the newest
	h.Record(Entry{SourceID: "grants.gov", Kind: scraperr.KindNetwork, Message: "err-1000"})
	assert.Equal(t, 1000, h.Size("grants.gov"))

	recent := h.Recent("grants.gov", 1000)
	require.Len(t, recent, 1000)
	assert.Equal(t, "err-1000", recent[0].Message)
	assert.Equal(t, "err-1", recent[999].Message)
}

func TestHistory_HasRecurring(t *testing.T) {
	now := time.Now()
	h := New(100)

	h.Record(Entry{SourceID: "grants.gov", Kind: scraperr.KindParsing, Timestamp: now.Add(-10 * time.Minute)})
	h.Record(Entry{SourceID: "grants.gov", Kind: scraperr.KindParsing, Timestamp: now.Add(-5 * time.Minute)})
	assert.False(t, h.HasRecurring("grants.gov", scraperr.KindParsing, time.Hour))

	h.Record(Entry{SourceID: "grants.gov", Kind: scraperr.KindParsing, Timestamp: now.Add(-time.Minute)})
	assert.True(t, h.HasRecurring("grants.gov", scraperr.KindParsing, time.Hour))

	// Different kind or different source does not count
	assert.False(t, h.HasRecurring("grants.gov", scraperr.KindNetwork, time.Hour))
	assert.False(t, h.HasRecurring("other.org", scraperr.KindParsing, time.Hour))
}

func TestHistory_RecurringIgnoresEntriesOutsideWindow(t *testing.T) {
	now := time.Now()
	h := New(100)

	// Two recent, one stale: not recurring within the hour
	h.Record(Entry{SourceID: "grants.gov", Kind: scraperr.KindParsing, Timestamp: now.Add(-2 * time.Hour)})
	h.Record(Entry{SourceID: "grants.gov", Kind: scraperr.KindParsing, Timestamp: now.Add(-10 * time.Minute)})
	h.Record(Entry{SourceID: "grants.gov", Kind: scraperr.KindParsing, Timestamp: now.Add(-5 * time.Minute)})

	assert.False(t, h.HasRecurring("grants.gov", scraperr.KindParsing, time.Hour))
	assert.Equal(t, 2, h.CountRecent("grants.gov", scraperr.KindParsing, time.Hour))
}

func TestHistory_ErrorRate(t *testing.T) {
	h := New(100)

	assert.Equal(t, 0.0, h.ErrorRate("grants.gov", time.Hour))

	// Only failures on record: degrade to the 0.5 estimate
	h.Record(Entry{SourceID: "grants.gov", Kind: scraperr.KindNetwork})
	h.Record(Entry{SourceID: "grants.gov", Kind: scraperr.KindNetwork})
	assert.InDelta(t, 0.5, h.ErrorRate("grants.gov", time.Hour), 0.001)

	// With successes recorded the rate becomes failures/(failures+successes)
	h.RecordSuccess("grants.gov")
	h.RecordSuccess("grants.gov")
	h.RecordSuccess("grants.gov")
	h.Record(Entry{SourceID: "grants.gov", Kind: scraperr.KindNetwork})
	assert.InDelta(t, 0.5, h.ErrorRate("grants.gov", time.Hour), 0.001)

	h.RecordSuccess("grants.gov")
	h.RecordSuccess("grants.gov")
	h.RecordSuccess("grants.gov")
	assert.InDelta(t, 1.0/3.0, h.ErrorRate("grants.gov", time.Hour), 0.001)
}

func TestHistory_ErrorRateWindowed(t *testing.T) {
	base := time.Now()
	current := base
	h := New(100, WithClock(func() time.Time { return current }))

	// Old failures fall outside the window
	h.Record(Entry{SourceID: "grants.gov", Kind: scraperr.KindNetwork, Timestamp: base.Add(-2 * time.Hour)})
	h.Record(Entry{SourceID: "grants.gov", Kind: scraperr.KindNetwork, Timestamp: base.Add(-90 * time.Minute)})
	assert.Equal(t, 0.0, h.ErrorRate("grants.gov", time.Hour))
}

func TestHistory_ConsecutiveFailures(t *testing.T) {
	h := New(100)

	assert.Equal(t, 0, h.ConsecutiveFailures("grants.gov"))

	for i := 0; i < 5; i++ {
		h.Record(Entry{SourceID: "grants.gov", Kind: scraperr.KindTimeout})
	}
	assert.Equal(t, 5, h.ConsecutiveFailures("grants.gov"))

	ended := h.RecordSuccess("grants.gov")
	assert.Equal(t, 5, ended)
	assert.Equal(t, 0, h.ConsecutiveFailures("grants.gov"))

	h.Record(Entry{SourceID: "grants.gov", Kind: scraperr.KindTimeout})
	assert.Equal(t, 1, h.ConsecutiveFailures("grants.gov"))
}

func TestHistory_AllRecentOrdersAcrossSources(t *testing.T) {
	now := time.Now()
	h := New(100)

	h.Record(Entry{SourceID: "a", Kind: scraperr.KindNetwork, Message: "oldest", Timestamp: now.Add(-3 * time.Minute)})
	h.Record(Entry{SourceID: "b", Kind: scraperr.KindTimeout, Message: "newest", Timestamp: now.Add(-time.Minute)})
	h.Record(Entry{SourceID: "a", Kind: scraperr.KindNetwork, Message: "middle", Timestamp: now.Add(-2 * time.Minute)})

	all := h.AllRecent(0)
	require.Len(t, all, 3)
	assert.Equal(t, "newest", all[0].Message)
	assert.Equal(t, "middle", all[1].Message)
	assert.Equal(t, "oldest", all[2].Message)

	assert.Len(t, h.AllRecent(2), 2)
}

func TestHistory_KindCountsBySource(t *testing.T) {
	h := New(100)

	for i := 0; i < 3; i++ {
		h.Record(Entry{SourceID: "grants.gov", Kind: scraperr.KindRateLimit})
	}
	h.Record(Entry{SourceID: "grants.gov", Kind: scraperr.KindTimeout})
	h.Record(Entry{SourceID: "other.org", Kind: scraperr.KindCaptcha})

	counts := h.KindCountsBySource(time.Hour)
	assert.Equal(t, 3, counts["grants.gov"][scraperr.KindRateLimit])
	assert.Equal(t, 1, counts["grants.gov"][scraperr.KindTimeout])
	assert.Equal(t, 1, counts["other.org"][scraperr.KindCaptcha])
}

func TestHistory_RetryMetrics(t *testing.T) {
	h := New(100)

	h.RetrySucceeded(scraperr.KindNetwork, 2*time.Second)
	h.RetrySucceeded(scraperr.KindNetwork, 4*time.Second)
	h.RetryFailed(scraperr.KindNetwork)
	h.RetryFailed(scraperr.KindAuth)

	snapshot := h.MetricsSnapshot()
	network := snapshot[scraperr.KindNetwork]
	assert.Equal(t, int64(2), network.SuccessfulRetries)
	assert.Equal(t, int64(1), network.FailedRetries)
	assert.Equal(t, 3*time.Second, network.AverageResolutionTime)

	auth := snapshot[scraperr.KindAuth]
	assert.Equal(t, int64(1), auth.FailedRetries)
	assert.Equal(t, int64(0), auth.SuccessfulRetries)
}

func TestHistory_KindMetricsFromRecord(t *testing.T) {
	h := New(100)

	h.Record(Entry{SourceID: "grants.gov", Kind: scraperr.KindDatabase})
	h.Record(Entry{SourceID: "other.org", Kind: scraperr.KindDatabase})

	snapshot := h.MetricsSnapshot()
	assert.Equal(t, int64(2), snapshot[scraperr.KindDatabase].Count)
	assert.False(t, snapshot[scraperr.KindDatabase].LastOccurrence.IsZero())
}

func TestHistory_Summaries(t *testing.T) {
	h := New(100)

	h.Record(Entry{SourceID: "b.org", Kind: scraperr.KindNetwork})
	h.Record(Entry{SourceID: "a.org", Kind: scraperr.KindTimeout})
	h.Record(Entry{SourceID: "a.org", Kind: scraperr.KindTimeout})
	h.RecordSuccess("b.org")

	summaries := h.Summaries(time.Hour)
	require.Len(t, summaries, 2)
	assert.Equal(t, "a.org", summaries[0].SourceID)
	assert.Equal(t, 2, summaries[0].ConsecutiveFailures)
	assert.Equal(t, "b.org", summaries[1].SourceID)
	assert.Equal(t, 0, summaries[1].ConsecutiveFailures)
	assert.False(t, summaries[1].LastSuccess.IsZero())
}

func TestHistory_Clear(t *testing.T) {
	h := New(100)

	h.Record(Entry{SourceID: "a.org", Kind: scraperr.KindNetwork})
	h.Record(Entry{SourceID: "b.org", Kind: scraperr.KindNetwork})

	h.Clear("a.org")
	assert.Equal(t, 0, h.Size("a.org"))
	assert.Equal(t, 1, h.Size("b.org"))

	h.ClearAll()
	assert.Equal(t, 0, h.Size("b.org"))
	assert.Empty(t, h.AllRecent(0))
}

func TestEntryFromError(t *testing.T) {
	err := scraperr.New(scraperr.KindRateLimit, "429 too many requests").
		WithSource("grants.gov", "https://grants.gov/search").
		WithJob("job-42").
		WithAttempt(2)

	e := EntryFromError(err)
	assert.Equal(t, scraperr.KindRateLimit, e.Kind)
	assert.Equal(t, "grants.gov", e.SourceID)
	assert.Equal(t, "https://grants.gov/search", e.URL)
	assert.Equal(t, "job-42", e.JobID)
	assert.Equal(t, 2, e.Attempt)
}
