package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/grantpulse/sentinel/internal/api"
	"github.com/grantpulse/sentinel/internal/channels"
	"github.com/grantpulse/sentinel/internal/cooldown"
	"github.com/grantpulse/sentinel/internal/database"
	"github.com/grantpulse/sentinel/internal/engine"
	"github.com/grantpulse/sentinel/internal/history"
	"github.com/grantpulse/sentinel/internal/resolution"
	"github.com/grantpulse/sentinel/pkg/alerting"
	"github.com/grantpulse/sentinel/pkg/config"
	"github.com/grantpulse/sentinel/pkg/health"
	"github.com/grantpulse/sentinel/pkg/logging"
	"github.com/grantpulse/sentinel/pkg/metrics"
	"github.com/grantpulse/sentinel/pkg/resilience"
	"github.com/grantpulse/sentinel/pkg/tracing"
)

const serviceVersion = "1.0.0"

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "sentinel",
		Version:     serviceVersion,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	// The dispatcher and its channels log through zap
	zapLogger, err := newZapLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to initialize dispatch logger: %v", err)
	}
	defer zapLogger.Sync()

	m := metrics.NewMetrics(metrics.DefaultConfig())

	// Initialize distributed tracing
	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "sentinel",
		ServiceVersion: serviceVersion,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	healthService := health.NewService(logger, health.DefaultConfig())

	// The platform database is optional. Without it the sentinel runs on
	// in-memory state: no snapshot-based checks, no audit trail.
	var audit *database.AuditLog
	var snapshots alerting.SnapshotProvider
	if cfg.Database.Enabled {
		db, err := database.New(&cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.Health(ctx); err != nil {
			log.Fatalf("Database health check failed: %v", err)
		}
		cancel()
		log.Println("Database connection established")

		source, err := database.NewSnapshotSource(db, cfg.History.RateWindow)
		if err != nil {
			log.Fatalf("Failed to build snapshot source: %v", err)
		}
		snapshots = source.WithMetrics(m)
		audit = database.NewAuditLog(db, logger)
		healthService.RegisterChecker("database", health.NewDatabaseChecker(db, "database"))
	}

	// Cooldown store: Redis when configured, otherwise process-local memory.
	store, err := buildCooldownStore(cfg, healthService)
	if err != nil {
		log.Fatalf("Failed to initialize cooldown store: %v", err)
	}

	// Notification dispatch
	dispatcher := alerting.NewDispatcher(store, zapLogger, m, dispatcherConfig(cfg))
	if audit != nil {
		dispatcher.SetAudit(audit)
	}
	if err := registerChannels(dispatcher, cfg, zapLogger); err != nil {
		log.Fatalf("Failed to register notification channels: %v", err)
	}

	// Error history and resolution policy
	hist := history.New(cfg.History.Capacity)
	policy := resolution.NewPolicy(resolution.Config{
		MaxRetries:          cfg.Retry.MaxRetries,
		BaseDelay:           cfg.Retry.BaseDelay,
		MaxDelay:            cfg.Retry.MaxDelay,
		BackoffMultiplier:   cfg.Retry.BackoffMultiplier,
		RateWindow:          cfg.History.RateWindow,
		RecurringWindow:     cfg.History.RecurringWindow,
		ErrorRateThreshold:  cfg.Alerting.ErrorRateThreshold,
		ConsecutiveFailures: cfg.Alerting.ConsecutiveFailures,
	}, hist, dispatcher, m)

	// Rule engine
	rules := alerting.NewRuleEngine(dispatcher, alerting.EngineConfig{
		PatternWindow:     cfg.History.PatternWindow,
		PatternThreshold:  cfg.History.PatternThreshold,
		MinSuccessRate:    cfg.Alerting.MinSuccessRate,
		ResolvedRetention: cfg.Alerting.ResolvedRetention,
	}, m)
	if audit != nil {
		rules.SetAudit(audit)
	}
	if err := loadAlertRules(rules, cfg); err != nil {
		log.Fatalf("Failed to load alert rules: %v", err)
	}

	// Resilience engine
	engineCfg := engine.DefaultConfig()
	engineCfg.Retry.MaxRetries = cfg.Retry.MaxRetries
	engineCfg.Retry.BaseDelay = cfg.Retry.BaseDelay
	engineCfg.Retry.MaxDelay = cfg.Retry.MaxDelay
	engineCfg.Retry.Multiplier = cfg.Retry.BackoffMultiplier
	engineCfg.Retry.Jitter = cfg.Retry.Jitter
	engineCfg.Breaker = resilience.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		MonitoringPeriod: cfg.Breaker.MonitoringPeriod,
	}
	engineCfg.RecoveryStreak = cfg.Alerting.ConsecutiveFailures

	eng, err := engine.New(engineCfg, engine.Deps{
		Dispatcher: dispatcher,
		History:    hist,
		Policy:     policy,
		Rules:      rules,
		Snapshots:  snapshots,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}
	defer eng.Close()

	healthService.RegisterChecker("breakers", health.NewCustomChecker("breakers", func(ctx context.Context) (health.Status, string, error) {
		open := 0
		for _, stats := range eng.Breakers() {
			if stats.State == "open" {
				open++
			}
		}
		if open > 0 {
			return health.StatusDegraded, fmt.Sprintf("%d circuit breaker(s) open", open), nil
		}
		return health.StatusHealthy, "all circuit breakers closed", nil
	}))

	// Create the admin API router with all dependencies
	router := api.NewRouter(cfg, api.Deps{
		Engine:     eng,
		Rules:      rules,
		Dispatcher: dispatcher,
		History:    hist,
		Health:     healthService,
		Metrics:    m,
		Audit:      audit,
		Logger:     logger,
		Tracing:    tracer,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Background loops stop when this context is cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runAlertChecks(ctx, eng, cfg.Alerting.CheckInterval, logger)
	go runDailySummaries(ctx, eng, cfg.Alerting.DailySummaryHour, logger)

	// Start server in a goroutine
	go func() {
		log.Printf("Starting sentinel on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down sentinel...")

	// Stop the check and summary loops first so nothing dispatches into a
	// closing server window
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Tracer shutdown failed: %v", err)
	}

	log.Println("Sentinel exited")
}

// newZapLogger builds the logger used by the notification path.
func newZapLogger(level string) (*zap.Logger, error) {
	if strings.EqualFold(level, "debug") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// buildCooldownStore selects the cooldown backend. Redis keeps cooldowns
// shared across replicas; the in-memory store covers the single-process
// deployment.
func buildCooldownStore(cfg *config.Config, healthService *health.Service) (cooldown.Store, error) {
	if cfg.Notify.CooldownBackend != "redis" {
		return cooldown.NewMemoryStore(), nil
	}

	client, err := cooldown.NewRedisClient(&cfg.Redis)
	if err != nil {
		return nil, err
	}
	log.Println("Redis connection established")
	healthService.RegisterChecker("redis", health.NewRedisChecker(client, "redis"))
	return cooldown.NewRedisStore(client, cooldown.DefaultKeyPrefix), nil
}

// dispatcherConfig maps the notify configuration onto cooldown windows.
func dispatcherConfig(cfg *config.Config) *alerting.DispatcherConfig {
	dc := alerting.DefaultDispatcherConfig()
	if cfg.Notify.DefaultCooldown > 0 {
		dc.DefaultCooldown = cfg.Notify.DefaultCooldown
	}
	if cfg.Notify.ErrorRateCooldown > 0 {
		dc.Windows[alerting.TypeHighErrorRate] = cfg.Notify.ErrorRateCooldown
	}
	if cfg.Notify.ConsecutiveCooldown > 0 {
		dc.Windows[alerting.TypeConsecutiveFailures] = cfg.Notify.ConsecutiveCooldown
	}
	return dc
}

// registerChannels adds every configured notification channel to the
// dispatcher.
func registerChannels(dispatcher *alerting.Dispatcher, cfg *config.Config, zapLogger *zap.Logger) error {
	for _, name := range cfg.Notify.Channels {
		switch name {
		case "console":
			dispatcher.AddChannel(channels.NewConsole(zapLogger))
		case "slack":
			if cfg.Notify.SlackWebhookURL == "" {
				return fmt.Errorf("slack channel enabled but SLACK_WEBHOOK_URL is not set")
			}
			dispatcher.AddChannel(channels.NewSlack(channels.SlackConfig{
				WebhookURL: cfg.Notify.SlackWebhookURL,
				Channel:    cfg.Notify.SlackChannel,
				Username:   cfg.Notify.SlackUsername,
			}, zapLogger))
		case "email":
			if cfg.Notify.SMTPHost == "" || len(cfg.Notify.EmailRecipients) == 0 {
				return fmt.Errorf("email channel enabled but SMTP host or recipients are not set")
			}
			dispatcher.AddChannel(channels.NewEmail(channels.EmailConfig{
				Host:       cfg.Notify.SMTPHost,
				Port:       cfg.Notify.SMTPPort,
				Username:   cfg.Notify.SMTPUsername,
				Password:   cfg.Notify.SMTPPassword,
				From:       cfg.Notify.EmailFrom,
				Recipients: cfg.Notify.EmailRecipients,
			}, zapLogger))
		case "webhook":
			if cfg.Notify.WebhookURL == "" {
				return fmt.Errorf("webhook channel enabled but WEBHOOK_URL is not set")
			}
			dispatcher.AddChannel(channels.NewWebhook(channels.WebhookConfig{
				URL: cfg.Notify.WebhookURL,
			}, zapLogger))
		default:
			return fmt.Errorf("unknown notification channel %q", name)
		}
		log.Printf("Registered %s notification channel", name)
	}
	return nil
}

// loadAlertRules installs the configured rules file, or the built-in
// defaults when none is configured. Rules with an escalation stanza but no
// explicit delay inherit the configured default.
func loadAlertRules(ruleEngine *alerting.RuleEngine, cfg *config.Config) error {
	var rules []*alerting.Rule
	if cfg.Alerting.RulesFile != "" {
		loaded, err := alerting.LoadRules(cfg.Alerting.RulesFile)
		if err != nil {
			return err
		}
		rules = loaded
		log.Printf("Loaded %d alert rules from %s", len(rules), cfg.Alerting.RulesFile)
	} else {
		rules = alerting.DefaultRules()
		log.Printf("Using %d built-in alert rules", len(rules))
	}

	for _, rule := range rules {
		if rule.Escalation != nil && rule.Escalation.Delay() == 0 {
			rule.Escalation.After = cfg.Alerting.DefaultEscalateAfter
		}
		for _, ch := range rule.Channels {
			if !cfg.ChannelEnabled(ch) {
				log.Printf("Rule %s targets channel %q which is not enabled", rule.ID, ch)
			}
		}
	}
	return ruleEngine.LoadRules(rules)
}

// runAlertChecks drives the rule engine on a fixed interval until the
// context is cancelled.
func runAlertChecks(ctx context.Context, eng *engine.Engine, interval time.Duration, logger *logging.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, interval)
			if err := eng.RunAlertChecks(checkCtx); err != nil {
				logger.LogError(checkCtx, err, "Alert check cycle failed", logging.Fields{})
			}
			cancel()
		}
	}
}

// runDailySummaries fires the daily summary at the configured local hour.
func runDailySummaries(ctx context.Context, eng *engine.Engine, hour int, logger *logging.Logger) {
	if hour < 0 || hour > 23 {
		hour = 8
	}
	for {
		next := nextSummaryTime(time.Now(), hour)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			summaryCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			if err := eng.DailySummary(summaryCtx); err != nil {
				logger.LogError(summaryCtx, err, "Daily summary failed", logging.Fields{})
			}
			cancel()
		}
	}
}

// nextSummaryTime returns the next occurrence of the given hour, which is
// tomorrow when today's has already passed.
func nextSummaryTime(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
