package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Retry    RetryConfig    `json:"retry"`
	Breaker  BreakerConfig  `json:"breaker"`
	History  HistoryConfig  `json:"history"`
	Alerting AlertingConfig `json:"alerting"`
	Notify   NotifyConfig   `json:"notify"`
	Auth     AuthConfig     `json:"auth"`
	Logging  LoggingConfig  `json:"logging"`
	Tracing  TracingConfig  `json:"tracing"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// DatabaseConfig contains database connection configuration. The database is
// the scraping platform's Postgres; sentinel reads job statistics from it and
// writes its alert audit trail. Disabled by default so the engine can run
// without it.
type DatabaseConfig struct {
	Enabled         bool          `json:"enabled"`
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// RedisConfig contains Redis connection configuration. Redis backs the
// notification cooldown store when several sentinel replicas share state.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// RetryConfig contains the default scrape retry policy
type RetryConfig struct {
	MaxRetries        int           `json:"max_retries"`
	BaseDelay         time.Duration `json:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	Jitter            bool          `json:"jitter"`
}

// BreakerConfig contains the per-source circuit breaker defaults
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
	MonitoringPeriod time.Duration `json:"monitoring_period"`
}

// HistoryConfig contains error history sizing and window defaults
type HistoryConfig struct {
	Capacity         int           `json:"capacity"`
	RateWindow       time.Duration `json:"rate_window"`
	RecurringWindow  time.Duration `json:"recurring_window"`
	PatternWindow    time.Duration `json:"pattern_window"`
	PatternThreshold int           `json:"pattern_threshold"`
}

// AlertingConfig contains rule engine configuration
type AlertingConfig struct {
	CheckInterval        time.Duration `json:"check_interval"`
	RulesFile            string        `json:"rules_file"`
	ErrorRateThreshold   float64       `json:"error_rate_threshold"`
	MinSuccessRate       float64       `json:"min_success_rate"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	DefaultEscalateAfter time.Duration `json:"default_escalate_after"`
	DailySummaryHour     int           `json:"daily_summary_hour"`
	ResolvedRetention    time.Duration `json:"resolved_retention"`
}

// NotifyConfig contains notification dispatch configuration
type NotifyConfig struct {
	Channels            []string      `json:"channels"`
	CooldownBackend     string        `json:"cooldown_backend"`
	DefaultCooldown     time.Duration `json:"default_cooldown"`
	ErrorRateCooldown   time.Duration `json:"error_rate_cooldown"`
	ConsecutiveCooldown time.Duration `json:"consecutive_cooldown"`
	SlackWebhookURL     string        `json:"slack_webhook_url"`
	SlackChannel        string        `json:"slack_channel"`
	SlackUsername       string        `json:"slack_username"`
	SMTPHost            string        `json:"smtp_host"`
	SMTPPort            int           `json:"smtp_port"`
	SMTPUsername        string        `json:"smtp_username"`
	SMTPPassword        string        `json:"smtp_password"`
	EmailFrom           string        `json:"email_from"`
	EmailRecipients     []string      `json:"email_recipients"`
	WebhookURL          string        `json:"webhook_url"`
}

// AuthConfig contains admin API authentication configuration
type AuthConfig struct {
	Enabled       bool          `json:"enabled"`
	JWTSecret     string        `json:"jwt_secret"`
	JWTExpiration time.Duration `json:"jwt_expiration"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8085),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			Enabled:         getEnvBool("DB_ENABLED", false),
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "grantpulse"),
			User:            getEnvString("DB_USER", "grantpulse"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Retry: RetryConfig{
			MaxRetries:        getEnvInt("RETRY_MAX_RETRIES", 3),
			BaseDelay:         getEnvDuration("RETRY_BASE_DELAY", 1*time.Second),
			MaxDelay:          getEnvDuration("RETRY_MAX_DELAY", 5*time.Minute),
			BackoffMultiplier: getEnvFloat("RETRY_BACKOFF_MULTIPLIER", 2.0),
			Jitter:            getEnvBool("RETRY_JITTER", true),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			ResetTimeout:     getEnvDuration("BREAKER_RESET_TIMEOUT", 60*time.Second),
			MonitoringPeriod: getEnvDuration("BREAKER_MONITORING_PERIOD", 60*time.Second),
		},
		History: HistoryConfig{
			Capacity:         getEnvInt("HISTORY_CAPACITY", 1000),
			RateWindow:       getEnvDuration("HISTORY_RATE_WINDOW", time.Hour),
			RecurringWindow:  getEnvDuration("HISTORY_RECURRING_WINDOW", time.Hour),
			PatternWindow:    getEnvDuration("HISTORY_PATTERN_WINDOW", time.Hour),
			PatternThreshold: getEnvInt("HISTORY_PATTERN_THRESHOLD", 10),
		},
		Alerting: AlertingConfig{
			CheckInterval:        getEnvDuration("ALERT_CHECK_INTERVAL", 60*time.Second),
			RulesFile:            getEnvString("ALERT_RULES_FILE", ""),
			ErrorRateThreshold:   getEnvFloat("ALERT_ERROR_RATE_THRESHOLD", 0.5),
			MinSuccessRate:       getEnvFloat("ALERT_MIN_SUCCESS_RATE", 0.7),
			ConsecutiveFailures:  getEnvInt("ALERT_CONSECUTIVE_FAILURES", 5),
			DefaultEscalateAfter: getEnvDuration("ALERT_DEFAULT_ESCALATE_AFTER", 15*time.Minute),
			DailySummaryHour:     getEnvInt("ALERT_DAILY_SUMMARY_HOUR", 8),
			ResolvedRetention:    getEnvDuration("ALERT_RESOLVED_RETENTION", 24*time.Hour),
		},
		Notify: NotifyConfig{
			Channels:            getEnvStringSlice("NOTIFY_CHANNELS", []string{"console"}),
			CooldownBackend:     getEnvString("NOTIFY_COOLDOWN_BACKEND", "memory"),
			DefaultCooldown:     getEnvDuration("NOTIFY_DEFAULT_COOLDOWN", 15*time.Minute),
			ErrorRateCooldown:   getEnvDuration("NOTIFY_ERROR_RATE_COOLDOWN", 30*time.Minute),
			ConsecutiveCooldown: getEnvDuration("NOTIFY_CONSECUTIVE_COOLDOWN", 60*time.Minute),
			SlackWebhookURL:     getEnvString("NOTIFY_SLACK_WEBHOOK_URL", ""),
			SlackChannel:        getEnvString("NOTIFY_SLACK_CHANNEL", "#scraper-alerts"),
			SlackUsername:       getEnvString("NOTIFY_SLACK_USERNAME", "GrantPulse Sentinel"),
			SMTPHost:            getEnvString("NOTIFY_SMTP_HOST", ""),
			SMTPPort:            getEnvInt("NOTIFY_SMTP_PORT", 587),
			SMTPUsername:        getEnvString("NOTIFY_SMTP_USERNAME", ""),
			SMTPPassword:        getEnvString("NOTIFY_SMTP_PASSWORD", ""),
			EmailFrom:           getEnvString("NOTIFY_EMAIL_FROM", ""),
			EmailRecipients:     getEnvStringSlice("NOTIFY_EMAIL_RECIPIENTS", nil),
			WebhookURL:          getEnvString("NOTIFY_WEBHOOK_URL", ""),
		},
		Auth: AuthConfig{
			Enabled:       getEnvBool("AUTH_ENABLED", false),
			JWTSecret:     getEnvString("JWT_SECRET", ""),
			JWTExpiration: getEnvDuration("JWT_EXPIRATION", 24*time.Hour),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("TRACING_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SampleRate:     getEnvFloat("TRACING_SAMPLE_RATE", 0.1),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Enabled && c.Database.Password == "" {
		return fmt.Errorf("database password is required when the database is enabled")
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required when auth is enabled")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max retries must not be negative")
	}

	if c.Retry.BackoffMultiplier < 1.0 {
		return fmt.Errorf("retry backoff multiplier must be at least 1.0")
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be at least 1")
	}

	if c.History.Capacity < 1 {
		return fmt.Errorf("history capacity must be at least 1")
	}

	if c.Alerting.CheckInterval <= 0 {
		return fmt.Errorf("alert check interval must be positive")
	}

	if c.Alerting.ErrorRateThreshold <= 0 || c.Alerting.ErrorRateThreshold > 1 {
		return fmt.Errorf("alert error rate threshold must be in (0, 1]")
	}

	if c.Alerting.MinSuccessRate <= 0 || c.Alerting.MinSuccessRate > 1 {
		return fmt.Errorf("alert minimum success rate must be in (0, 1]")
	}

	switch c.Notify.CooldownBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cooldown backend: %s", c.Notify.CooldownBackend)
	}

	if c.Notify.CooldownBackend == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("redis cooldown backend requires redis to be enabled")
	}

	for _, ch := range c.Notify.Channels {
		switch ch {
		case "console", "slack", "email", "webhook":
		default:
			return fmt.Errorf("unknown notification channel: %s", ch)
		}
	}

	return nil
}

// DatabaseURL returns the database connection URL
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// RedisURL returns the Redis connection URL
func (c *Config) RedisURL() string {
	if c.Redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d",
			c.Redis.Password,
			c.Redis.Host,
			c.Redis.Port,
			c.Redis.DB,
		)
	}
	return fmt.Sprintf("redis://%s:%d/%d",
		c.Redis.Host,
		c.Redis.Port,
		c.Redis.DB,
	)
}

// ChannelEnabled reports whether a notification channel is configured on.
func (c *Config) ChannelEnabled(name string) bool {
	for _, ch := range c.Notify.Channels {
		if ch == name {
			return true
		}
	}
	return false
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
