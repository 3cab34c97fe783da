package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Scrape resilience metrics
	ErrorsClassified  *prometheus.CounterVec
	RetriesTotal      *prometheus.CounterVec
	RetryDelaySeconds *prometheus.HistogramVec
	ResolutionsTotal  *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitTransitions *prometheus.CounterVec
	CircuitState       *prometheus.GaugeVec

	// Alerting metrics
	AlertsTriggered    *prometheus.CounterVec
	AlertsEscalated    *prometheus.CounterVec
	ActiveAlerts       prometheus.Gauge
	CheckCyclesTotal   *prometheus.CounterVec
	CheckCycleDuration prometheus.Histogram

	// Notification metrics
	NotificationsSent       *prometheus.CounterVec
	NotificationsSuppressed *prometheus.CounterVec
	NotificationDuration    *prometheus.HistogramVec

	// Database metrics
	DatabaseQueryDuration *prometheus.HistogramVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "sentinel",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates all Prometheus metrics on a private registry. Disabled
// metrics produce a no-op Metrics whose record methods are safe to call.
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		// Scrape resilience metrics
		ErrorsClassified: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_classified_total",
				Help:      "Total number of scrape errors by classified kind",
			},
			[]string{"kind"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retries_total",
				Help:      "Total number of retry executions by final outcome",
			},
			[]string{"kind", "outcome"},
		),
		RetryDelaySeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_delay_seconds",
				Help:      "Backoff delay applied between retry attempts",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"kind"},
		),
		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "resolutions_total",
				Help:      "Total number of error resolution decisions by action",
			},
			[]string{"action", "kind"},
		),

		// Circuit breaker metrics
		CircuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"resource", "to_state"},
		),
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"resource"},
		),

		// Alerting metrics
		AlertsTriggered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "alerts_triggered_total",
				Help:      "Total number of alerts triggered",
			},
			[]string{"rule", "severity"},
		),
		AlertsEscalated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "alerts_escalated_total",
				Help:      "Total number of alerts escalated",
			},
			[]string{"rule"},
		),
		ActiveAlerts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "active_alerts",
				Help:      "Number of currently active alert instances",
			},
		),
		CheckCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "check_cycles_total",
				Help:      "Total number of alert check cycles by status",
			},
			[]string{"status"},
		),
		CheckCycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "check_cycle_duration_seconds",
				Help:      "Alert check cycle duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
		),

		// Notification metrics
		NotificationsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "notifications_sent_total",
				Help:      "Total number of notifications sent by channel",
			},
			[]string{"channel", "status"},
		),
		NotificationsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "notifications_suppressed_total",
				Help:      "Total number of notifications suppressed by cooldown",
			},
			[]string{"type"},
		),
		NotificationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "notification_duration_seconds",
				Help:      "Notification send duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"channel"},
		),

		// Database metrics
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "database_query_duration_seconds",
				Help:      "Database query duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"operation", "table"},
		),
	}

	// Register all metrics
	m.registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.ErrorsClassified,
		m.RetriesTotal,
		m.RetryDelaySeconds,
		m.ResolutionsTotal,
		m.CircuitTransitions,
		m.CircuitState,
		m.AlertsTriggered,
		m.AlertsEscalated,
		m.ActiveAlerts,
		m.CheckCyclesTotal,
		m.CheckCycleDuration,
		m.NotificationsSent,
		m.NotificationsSuppressed,
		m.NotificationDuration,
		m.DatabaseQueryDuration,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordClassification records a classified scrape error
func (m *Metrics) RecordClassification(kind string) {
	if m == nil || m.ErrorsClassified == nil {
		return
	}

	m.ErrorsClassified.WithLabelValues(kind).Inc()
}

// RecordRetryOutcome records the final outcome of a retry execution
func (m *Metrics) RecordRetryOutcome(kind, outcome string) {
	if m == nil || m.RetriesTotal == nil {
		return
	}

	m.RetriesTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveRetryDelay records a backoff delay applied before a retry
func (m *Metrics) ObserveRetryDelay(kind string, delay time.Duration) {
	if m == nil || m.RetryDelaySeconds == nil {
		return
	}

	m.RetryDelaySeconds.WithLabelValues(kind).Observe(delay.Seconds())
}

// RecordResolution records a resolution policy decision
func (m *Metrics) RecordResolution(action, kind string) {
	if m == nil || m.ResolutionsTotal == nil {
		return
	}

	m.ResolutionsTotal.WithLabelValues(action, kind).Inc()
}

// RecordCircuitTransition records a breaker transition and updates the state gauge
func (m *Metrics) RecordCircuitTransition(resource, toState string, stateValue float64) {
	if m == nil || m.CircuitTransitions == nil {
		return
	}

	m.CircuitTransitions.WithLabelValues(resource, toState).Inc()
	m.CircuitState.WithLabelValues(resource).Set(stateValue)
}

// RecordAlert records a triggered alert
func (m *Metrics) RecordAlert(rule, severity string) {
	if m == nil || m.AlertsTriggered == nil {
		return
	}

	m.AlertsTriggered.WithLabelValues(rule, severity).Inc()
}

// RecordEscalation records an escalated alert
func (m *Metrics) RecordEscalation(rule string) {
	if m == nil || m.AlertsEscalated == nil {
		return
	}

	m.AlertsEscalated.WithLabelValues(rule).Inc()
}

// SetActiveAlerts updates the active alert gauge
func (m *Metrics) SetActiveAlerts(count int) {
	if m == nil || m.ActiveAlerts == nil {
		return
	}

	m.ActiveAlerts.Set(float64(count))
}

// RecordCheckCycle records an alert check cycle
func (m *Metrics) RecordCheckCycle(status string, duration time.Duration) {
	if m == nil || m.CheckCyclesTotal == nil {
		return
	}

	m.CheckCyclesTotal.WithLabelValues(status).Inc()
	if status == "completed" {
		m.CheckCycleDuration.Observe(duration.Seconds())
	}
}

// RecordNotification records a notification send attempt
func (m *Metrics) RecordNotification(channel, status string, duration time.Duration) {
	if m == nil || m.NotificationsSent == nil {
		return
	}

	m.NotificationsSent.WithLabelValues(channel, status).Inc()
	m.NotificationDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordSuppressed records a cooldown-suppressed notification
func (m *Metrics) RecordSuppressed(notificationType string) {
	if m == nil || m.NotificationsSuppressed == nil {
		return
	}

	m.NotificationsSuppressed.WithLabelValues(notificationType).Inc()
}

// RecordDatabaseQuery records database query metrics
func (m *Metrics) RecordDatabaseQuery(operation, table string, duration time.Duration) {
	if m == nil || m.DatabaseQueryDuration == nil {
		return
	}

	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
