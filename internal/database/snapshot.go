package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/grantpulse/sentinel/pkg/alerting"
	"github.com/grantpulse/sentinel/pkg/errors"
	"github.com/grantpulse/sentinel/pkg/metrics"
)

// DefaultSnapshotWindow is the lookback for success-rate and per-source
// aggregates when none is configured.
const DefaultSnapshotWindow = 24 * time.Hour

// SnapshotSource builds rule-engine snapshots from the platform's
// scrape_jobs and grants tables. All queries are read-only.
type SnapshotSource struct {
	db      *DB
	window  time.Duration
	metrics *metrics.Metrics
}

// NewSnapshotSource creates a provider reading platform state from db.
func NewSnapshotSource(db *DB, window time.Duration) (*SnapshotSource, error) {
	if db == nil {
		return nil, errors.NewValidationError("database handle is required")
	}
	if window <= 0 {
		window = DefaultSnapshotWindow
	}
	return &SnapshotSource{db: db, window: window}, nil
}

// WithMetrics instruments the snapshot queries.
func (s *SnapshotSource) WithMetrics(m *metrics.Metrics) *SnapshotSource {
	s.metrics = m
	return s
}

// timedGet runs a single-row query and records its duration.
func (s *SnapshotSource) timedGet(ctx context.Context, dest interface{}, name, table, query string, args ...interface{}) error {
	start := time.Now()
	err := s.db.GetContext(ctx, dest, query, args...)
	s.metrics.RecordDatabaseQuery(name, table, time.Since(start))
	return err
}

// Snapshot implements alerting.SnapshotProvider.
func (s *SnapshotSource) Snapshot(ctx context.Context) (*alerting.Snapshot, error) {
	snap := &alerting.Snapshot{Timestamp: time.Now()}
	since := snap.Timestamp.Add(-s.window)

	var jobs struct {
		Total      int             `db:"total"`
		Completed  int             `db:"completed"`
		Active     int             `db:"active"`
		AvgSeconds sql.NullFloat64 `db:"avg_seconds"`
	}
	const jobsQuery = `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('completed', 'failed'))                              AS total,
			COUNT(*) FILTER (WHERE status = 'completed')                                           AS completed,
			COUNT(*) FILTER (WHERE status IN ('pending', 'running'))                               AS active,
			EXTRACT(EPOCH FROM AVG(completed_at - started_at) FILTER (WHERE status = 'completed')) AS avg_seconds
		FROM scrape_jobs
		WHERE created_at >= $1`
	if err := s.timedGet(ctx, &jobs, "job_stats", "scrape_jobs", jobsQuery, since); err != nil {
		return nil, errors.NewInternalError("failed to query job stats").WithCause(err)
	}

	snap.ActiveJobs = jobs.Active
	if jobs.Total > 0 {
		snap.SuccessRate = float64(jobs.Completed) / float64(jobs.Total)
	} else {
		// No finished jobs in the window means nothing has failed either.
		snap.SuccessRate = 1.0
	}
	if jobs.AvgSeconds.Valid {
		snap.AvgJobDuration = time.Duration(jobs.AvgSeconds.Float64 * float64(time.Second))
	}

	const todayQuery = `
		SELECT
			(SELECT COUNT(*) FROM grants WHERE scraped_at >= date_trunc('day', now())) AS grants,
			(SELECT COUNT(*) FROM scrape_jobs
			   WHERE status = 'failed' AND completed_at >= date_trunc('day', now()))   AS failed`
	var today struct {
		Grants int `db:"grants"`
		Failed int `db:"failed"`
	}
	if err := s.timedGet(ctx, &today, "daily_counters", "grants", todayQuery); err != nil {
		return nil, errors.NewInternalError("failed to query daily counters").WithCause(err)
	}
	snap.GrantsScrapedToday = today.Grants
	snap.FailedJobsToday = today.Failed

	sources, err := s.sourceStats(ctx, since)
	if err != nil {
		return nil, err
	}
	snap.Sources = sources

	return snap, nil
}

func (s *SnapshotSource) sourceStats(ctx context.Context, since time.Time) ([]alerting.SourceStats, error) {
	const query = `
		SELECT
			source_id,
			COUNT(*) FILTER (WHERE status IN ('completed', 'failed'))                              AS attempts,
			COUNT(*) FILTER (WHERE status = 'completed')                                           AS successes,
			EXTRACT(EPOCH FROM AVG(completed_at - started_at) FILTER (WHERE status = 'completed')) AS avg_seconds,
			MAX(completed_at)                                                                      AS last_scraped
		FROM scrape_jobs
		WHERE created_at >= $1
		GROUP BY source_id
		ORDER BY source_id`

	var rows []struct {
		SourceID    string          `db:"source_id"`
		Attempts    int             `db:"attempts"`
		Successes   int             `db:"successes"`
		AvgSeconds  sql.NullFloat64 `db:"avg_seconds"`
		LastScraped sql.NullTime    `db:"last_scraped"`
	}
	start := time.Now()
	err := s.db.SelectContext(ctx, &rows, query, since)
	s.metrics.RecordDatabaseQuery("source_stats", "scrape_jobs", time.Since(start))
	if err != nil {
		return nil, errors.NewInternalError("failed to query source stats").WithCause(err)
	}

	stats := make([]alerting.SourceStats, 0, len(rows))
	for _, row := range rows {
		st := alerting.SourceStats{
			SourceID:  row.SourceID,
			Attempts:  row.Attempts,
			Successes: row.Successes,
		}
		if row.Attempts > 0 {
			st.SuccessRate = float64(row.Successes) / float64(row.Attempts)
		}
		if row.AvgSeconds.Valid {
			st.AvgDuration = time.Duration(row.AvgSeconds.Float64 * float64(time.Second))
		}
		if row.LastScraped.Valid {
			st.LastScrapedAt = row.LastScraped.Time
		}
		stats = append(stats, st)
	}
	return stats, nil
}
