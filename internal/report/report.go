// Package report renders the daily operations summary: a plain-text body
// for every channel and a one-page PDF the email channel attaches.
package report

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/grantpulse/sentinel/internal/history"
	"github.com/grantpulse/sentinel/pkg/alerting"
	"github.com/grantpulse/sentinel/pkg/scraperr"
)

// Data is everything one daily summary renders. Snapshot is nil when the
// platform database is not wired; the report degrades to history-only.
type Data struct {
	Date       time.Time
	Snapshot   *alerting.Snapshot
	Kinds      map[scraperr.Kind]history.KindMetrics
	Sources    []history.SourceSummary
	OpenAlerts []alerting.Instance
}

// Filename is the canonical attachment name for the report date.
func (d Data) Filename() string {
	return fmt.Sprintf("daily-summary-%s.pdf", d.Date.Format("20060102"))
}

// Title is the notification subject line.
func (d Data) Title() string {
	return fmt.Sprintf("Daily summary for %s", d.Date.Format("2006-01-02"))
}

type kindRow struct {
	kind    scraperr.Kind
	metrics history.KindMetrics
}

// sortedKinds orders kinds by occurrence count descending so the noisiest
// failure modes lead the table.
func sortedKinds(kinds map[scraperr.Kind]history.KindMetrics) []kindRow {
	rows := make([]kindRow, 0, len(kinds))
	for kind, m := range kinds {
		rows = append(rows, kindRow{kind: kind, metrics: m})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].metrics.Count != rows[j].metrics.Count {
			return rows[i].metrics.Count > rows[j].metrics.Count
		}
		return rows[i].kind < rows[j].kind
	})
	return rows
}

// Text renders the plain-text summary body.
func Text(d Data) string {
	var b strings.Builder
	fmt.Fprintf(&b, "GrantPulse Sentinel daily summary for %s\n", d.Date.Format("2006-01-02"))

	if snap := d.Snapshot; snap != nil {
		b.WriteString("\nPipeline\n")
		fmt.Fprintf(&b, "  Grants scraped today: %d\n", snap.GrantsScrapedToday)
		fmt.Fprintf(&b, "  Success rate: %.1f%%\n", snap.SuccessRate*100)
		fmt.Fprintf(&b, "  Failed jobs today: %d\n", snap.FailedJobsToday)
		fmt.Fprintf(&b, "  Active jobs: %d\n", snap.ActiveJobs)
		if snap.AvgJobDuration > 0 {
			fmt.Fprintf(&b, "  Avg job duration: %s\n", snap.AvgJobDuration.Round(time.Second))
		}
	}

	if rows := sortedKinds(d.Kinds); len(rows) > 0 {
		b.WriteString("\nErrors by kind\n")
		for _, row := range rows {
			fmt.Fprintf(&b, "  %-12s %d recorded, %d retries recovered, %d abandoned",
				row.kind, row.metrics.Count, row.metrics.SuccessfulRetries, row.metrics.FailedRetries)
			if row.metrics.AverageResolutionTime > 0 {
				fmt.Fprintf(&b, ", avg resolution %s", row.metrics.AverageResolutionTime.Round(time.Millisecond))
			}
			b.WriteString("\n")
		}
	}

	if len(d.Sources) > 0 {
		b.WriteString("\nSources with recorded failures\n")
		for _, src := range d.Sources {
			fmt.Fprintf(&b, "  %s: %d errors, streak %d, error rate %.1f%%\n",
				src.SourceID, src.Errors, src.ConsecutiveFailures, src.ErrorRate*100)
		}
	}

	fmt.Fprintf(&b, "\nOpen alerts: %d\n", len(d.OpenAlerts))
	for _, alert := range d.OpenAlerts {
		fmt.Fprintf(&b, "  [%s] %s (since %s)\n",
			alert.Severity, alert.Title, alert.TriggeredAt.Format(time.RFC3339))
	}

	return b.String()
}

// PDF renders the one-page report attached to the summary email.
func PDF(d Data) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(40, 10, "GrantPulse Sentinel Daily Summary")
	pdf.Ln(8)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(40, 6, d.Date.Format("Monday, 2 January 2006"))
	pdf.Ln(12)

	if snap := d.Snapshot; snap != nil {
		pdf.SetFont("Arial", "B", 12)
		pdf.Cell(40, 10, "Pipeline")
		pdf.Ln(8)

		pdf.SetFont("Arial", "", 10)
		pdf.Cell(40, 6, fmt.Sprintf("Grants scraped today: %d", snap.GrantsScrapedToday))
		pdf.Ln(6)
		pdf.Cell(40, 6, fmt.Sprintf("Success rate: %.1f%%", snap.SuccessRate*100))
		pdf.Ln(6)
		pdf.Cell(40, 6, fmt.Sprintf("Failed jobs today: %d", snap.FailedJobsToday))
		pdf.Ln(6)
		pdf.Cell(40, 6, fmt.Sprintf("Active jobs: %d", snap.ActiveJobs))
		pdf.Ln(12)
	}

	if rows := sortedKinds(d.Kinds); len(rows) > 0 {
		pdf.SetFont("Arial", "B", 12)
		pdf.Cell(40, 10, "Errors by Kind")
		pdf.Ln(8)

		pdf.SetFont("Arial", "B", 9)
		pdf.Cell(35, 6, "Kind")
		pdf.Cell(25, 6, "Count")
		pdf.Cell(35, 6, "Recovered")
		pdf.Cell(35, 6, "Abandoned")
		pdf.Cell(40, 6, "Avg Resolution")
		pdf.Ln(6)

		pdf.SetFont("Arial", "", 9)
		for _, row := range rows {
			pdf.Cell(35, 5, string(row.kind))
			pdf.Cell(25, 5, fmt.Sprintf("%d", row.metrics.Count))
			pdf.Cell(35, 5, fmt.Sprintf("%d", row.metrics.SuccessfulRetries))
			pdf.Cell(35, 5, fmt.Sprintf("%d", row.metrics.FailedRetries))
			resolution := "-"
			if row.metrics.AverageResolutionTime > 0 {
				resolution = row.metrics.AverageResolutionTime.Round(time.Millisecond).String()
			}
			pdf.Cell(40, 5, resolution)
			pdf.Ln(5)

			if pdf.GetY() > 250 {
				pdf.AddPage()
			}
		}
		pdf.Ln(7)
	}

	if len(d.Sources) > 0 {
		pdf.SetFont("Arial", "B", 12)
		pdf.Cell(40, 10, "Sources with Recorded Failures")
		pdf.Ln(8)

		pdf.SetFont("Arial", "", 9)
		for _, src := range d.Sources {
			pdf.Cell(40, 5, fmt.Sprintf("%s: %d errors, streak %d, error rate %.1f%%",
				src.SourceID, src.Errors, src.ConsecutiveFailures, src.ErrorRate*100))
			pdf.Ln(5)

			if pdf.GetY() > 250 {
				pdf.AddPage()
			}
		}
		pdf.Ln(7)
	}

	pdf.SetFont("Arial", "B", 12)
	pdf.Cell(40, 10, fmt.Sprintf("Open Alerts: %d", len(d.OpenAlerts)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "", 9)
	for _, alert := range d.OpenAlerts {
		pdf.MultiCell(0, 5, fmt.Sprintf("[%s] %s (since %s)",
			alert.Severity, alert.Title, alert.TriggeredAt.Format(time.RFC3339)), "", "", false)

		if pdf.GetY() > 250 {
			pdf.AddPage()
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}
	return buf.Bytes(), nil
}
