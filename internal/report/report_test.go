package report

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantpulse/sentinel/internal/history"
	"github.com/grantpulse/sentinel/pkg/alerting"
	"github.com/grantpulse/sentinel/pkg/scraperr"
)

func sampleData() Data {
	date := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	return Data{
		Date: date,
		Snapshot: &alerting.Snapshot{
			Timestamp:          date,
			SuccessRate:        0.95,
			ActiveJobs:         3,
			GrantsScrapedToday: 42,
			FailedJobsToday:    1,
			AvgJobDuration:     30 * time.Second,
		},
		Kinds: map[scraperr.Kind]history.KindMetrics{
			scraperr.KindTimeout: {
				Count:                 12,
				SuccessfulRetries:     8,
				FailedRetries:         1,
				AverageResolutionTime: 2500 * time.Millisecond,
			},
			scraperr.KindRateLimit: {Count: 4, SuccessfulRetries: 4},
		},
		Sources: []history.SourceSummary{
			{SourceID: "grants-gov", Errors: 5, ConsecutiveFailures: 2, ErrorRate: 0.4},
		},
		OpenAlerts: []alerting.Instance{
			{
				Severity:    alerting.SeverityHigh,
				Title:       "High error rate on grants-gov",
				TriggeredAt: date.Add(-2 * time.Hour),
			},
		},
	}
}

func TestText(t *testing.T) {
	text := Text(sampleData())

	assert.Contains(t, text, "daily summary for 2025-06-02")
	assert.Contains(t, text, "Grants scraped today: 42")
	assert.Contains(t, text, "Success rate: 95.0%")
	assert.Contains(t, text, "timeout")
	assert.Contains(t, text, "12 recorded, 8 retries recovered, 1 abandoned")
	assert.Contains(t, text, "avg resolution 2.5s")
	assert.Contains(t, text, "grants-gov: 5 errors, streak 2, error rate 40.0%")
	assert.Contains(t, text, "Open alerts: 1")
	assert.Contains(t, text, "[high] High error rate on grants-gov")
}

func TestText_NoSnapshot(t *testing.T) {
	data := sampleData()
	data.Snapshot = nil

	text := Text(data)

	assert.NotContains(t, text, "Pipeline")
	assert.Contains(t, text, "Errors by kind")
}

func TestText_KindsSortedByCount(t *testing.T) {
	text := Text(sampleData())

	timeoutAt := strings.Index(text, "timeout")
	rateLimitAt := strings.Index(text, "rate_limit")
	require.GreaterOrEqual(t, timeoutAt, 0)
	require.GreaterOrEqual(t, rateLimitAt, 0)
	assert.Less(t, timeoutAt, rateLimitAt, "noisiest kind should lead the table")
}

func TestPDF(t *testing.T) {
	data, err := PDF(sampleData())

	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.True(t, len(data) > 500, "PDF should not be trivially small")
	assert.Equal(t, "%PDF", string(data[:4]))
}

func TestPDF_EmptyData(t *testing.T) {
	data, err := PDF(Data{Date: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)})

	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(data[:4]))
}

func TestFilename(t *testing.T) {
	d := Data{Date: time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)}
	assert.Equal(t, "daily-summary-20250602.pdf", d.Filename())
	assert.Equal(t, "Daily summary for 2025-06-02", d.Title())
}
