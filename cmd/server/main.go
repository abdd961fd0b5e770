package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/api"
	"github.com/exportd-io/exportd/internal/audit"
	"github.com/exportd-io/exportd/internal/auth"
	"github.com/exportd-io/exportd/internal/broker"
	"github.com/exportd-io/exportd/internal/db"
	"github.com/exportd-io/exportd/internal/exporter"
	"github.com/exportd-io/exportd/internal/metrics"
	"github.com/exportd-io/exportd/internal/notification"
	"github.com/exportd-io/exportd/internal/ratelimit"
	"github.com/exportd-io/exportd/internal/repositories"
	"github.com/exportd-io/exportd/internal/retention"
	"github.com/exportd-io/exportd/internal/schedule"
	"github.com/exportd-io/exportd/internal/storage"
	"github.com/exportd-io/exportd/internal/websocket"
	"github.com/exportd-io/exportd/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const shutdownGrace = 30 * time.Second

type config struct {
	httpAddr    string
	metricsAddr string

	dbDriver string
	dbDSN    string

	redisAddr     string
	redisPassword string
	redisDB       int

	s3Bucket    string
	s3Region    string
	s3Endpoint  string
	s3AccessKey string
	s3SecretKey string

	smtpHost     string
	smtpPort     int
	smtpUsername string
	smtpPassword string
	smtpFrom     string
	smtpTLS      bool

	secretKey       string
	dashboardSecret string

	exportConcurrency  int
	webhookConcurrency int

	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "exportd",
		Short: "exportd — multi-tenant asynchronous data export service",
		Long: `exportd accepts export requests over an authenticated HTTP API, streams
the data from the relational store into CSV, JSON, or XLSX files on
S3-compatible object storage, and notifies tenants via webhooks and email.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(cfg))

	f := root.PersistentFlags()
	f.StringVar(&cfg.httpAddr, "http-addr", envOrDefault("EXPORTD_HTTP_ADDR", ":8080"), "HTTP API listen address")
	f.StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("EXPORTD_METRICS_ADDR", ":9090"), "Prometheus metrics listen address (empty disables)")
	f.StringVar(&cfg.dbDriver, "db-driver", envOrDefault("EXPORTD_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	f.StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("EXPORTD_DB_DSN", "./exportd.db"), "Database DSN or file path for SQLite")
	f.StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("EXPORTD_REDIS_ADDR", "localhost:6379"), "Redis address for the job broker")
	f.StringVar(&cfg.redisPassword, "redis-password", envOrDefault("EXPORTD_REDIS_PASSWORD", ""), "Redis password")
	f.IntVar(&cfg.redisDB, "redis-db", envIntOrDefault("EXPORTD_REDIS_DB", 0), "Redis database number")
	f.StringVar(&cfg.s3Bucket, "s3-bucket", envOrDefault("EXPORTD_S3_BUCKET", ""), "Object storage bucket for export files (required)")
	f.StringVar(&cfg.s3Region, "s3-region", envOrDefault("EXPORTD_S3_REGION", "auto"), "Object storage region")
	f.StringVar(&cfg.s3Endpoint, "s3-endpoint", envOrDefault("EXPORTD_S3_ENDPOINT", ""), "Custom S3-compatible endpoint (R2, MinIO)")
	f.StringVar(&cfg.s3AccessKey, "s3-access-key", envOrDefault("EXPORTD_S3_ACCESS_KEY", ""), "Object storage access key id")
	f.StringVar(&cfg.s3SecretKey, "s3-secret-key", envOrDefault("EXPORTD_S3_SECRET_KEY", ""), "Object storage secret access key")
	f.StringVar(&cfg.smtpHost, "smtp-host", envOrDefault("EXPORTD_SMTP_HOST", ""), "SMTP host for outbound email (empty disables email)")
	f.IntVar(&cfg.smtpPort, "smtp-port", envIntOrDefault("EXPORTD_SMTP_PORT", 587), "SMTP port")
	f.StringVar(&cfg.smtpUsername, "smtp-username", envOrDefault("EXPORTD_SMTP_USERNAME", ""), "SMTP username")
	f.StringVar(&cfg.smtpPassword, "smtp-password", envOrDefault("EXPORTD_SMTP_PASSWORD", ""), "SMTP password")
	f.StringVar(&cfg.smtpFrom, "smtp-from", envOrDefault("EXPORTD_SMTP_FROM", ""), "From address for outbound email")
	f.BoolVar(&cfg.smtpTLS, "smtp-tls", envOrDefault("EXPORTD_SMTP_TLS", "") == "true", "Use implicit TLS for SMTP (port 465)")
	f.StringVar(&cfg.secretKey, "secret-key", envOrDefault("EXPORTD_SECRET_KEY", ""), "Master secret for encrypting webhook secrets at rest (required)")
	f.StringVar(&cfg.dashboardSecret, "dashboard-secret", envOrDefault("EXPORTD_DASHBOARD_SECRET", ""), "HMAC secret for internal dashboard tokens")
	f.IntVar(&cfg.exportConcurrency, "export-workers", envIntOrDefault("EXPORTD_EXPORT_WORKERS", worker.ExportConcurrency), "Export worker pool size")
	f.IntVar(&cfg.webhookConcurrency, "webhook-workers", envIntOrDefault("EXPORTD_WEBHOOK_WORKERS", worker.WebhookConcurrency), "Webhook delivery pool size")
	f.StringVar(&cfg.logLevel, "log-level", envOrDefault("EXPORTD_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("exportd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			if err := initEncryption(cfg.secretKey); err != nil {
				return err
			}
			// db.New applies pending migrations on open.
			_, err = db.New(db.Config{Driver: cfg.dbDriver, DSN: cfg.dbDSN, Logger: logger})
			return err
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or EXPORTD_SECRET_KEY")
	}
	if cfg.s3Bucket == "" {
		return fmt.Errorf("object storage bucket is required — set --s3-bucket or EXPORTD_S3_BUCKET")
	}

	logger.Info("starting exportd",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	if err := initEncryption(cfg.secretKey); err != nil {
		return err
	}

	database, err := db.New(db.Config{Driver: cfg.dbDriver, DSN: cfg.dbDSN, Logger: logger})
	if err != nil {
		return err
	}

	tenants := repositories.NewTenantRepository(database)
	keys := repositories.NewAPIKeyRepository(database)
	jobs := repositories.NewJobRepository(database)
	schedules := repositories.NewScheduleRepository(database)
	usage := repositories.NewUsageRepository(database)
	deliveries := repositories.NewDeliveryRepository(database)
	audits := repositories.NewAuditRepository(database)
	accounts := repositories.NewAccountRepository(database)

	b := broker.New(broker.Config{
		Addr:     cfg.redisAddr,
		Password: cfg.redisPassword,
		DB:       cfg.redisDB,
	}, logger)
	defer b.Close() //nolint:errcheck

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := b.Ping(pingCtx); err != nil {
		pingCancel()
		return fmt.Errorf("broker unreachable: %w", err)
	}
	pingCancel()

	store, err := storage.New(ctx, storage.Config{
		Bucket:    cfg.s3Bucket,
		Region:    cfg.s3Region,
		Endpoint:  cfg.s3Endpoint,
		AccessKey: cfg.s3AccessKey,
		SecretKey: cfg.s3SecretKey,
	}, logger)
	if err != nil {
		return err
	}

	notifier := notification.NewService(notification.SMTPConfig{
		Host:     cfg.smtpHost,
		Port:     cfg.smtpPort,
		Username: cfg.smtpUsername,
		Password: cfg.smtpPassword,
		From:     cfg.smtpFrom,
		TLS:      cfg.smtpTLS,
	}, tenants, logger)

	// Everything below shares one lifecycle context; cancelling it begins the
	// drain.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	hub := websocket.NewHub()
	go hub.Run(runCtx)

	engine := exporter.NewEngine(database, store, logger)

	exportWorker := worker.NewExportWorker(b, jobs, engine, cfg.exportConcurrency, logger)
	webhookWorker := worker.NewWebhookWorker(b, deliveries, tenants, cfg.webhookConcurrency, logger)
	noticeWorker := worker.NewNoticeWorker(b, notifier, logger)
	exportWorker.Start(runCtx)
	webhookWorker.Start(runCtx)
	noticeWorker.Start(runCtx)

	listener := worker.NewListener(worker.ListenerConfig{
		Broker:     b,
		Jobs:       jobs,
		Tenants:    tenants,
		Usage:      usage,
		Deliveries: deliveries,
		Store:      store,
		Notifier:   notifier,
		Hub:        hub,
		Logger:     logger,
	})
	listenerDone := make(chan error, 1)
	go func() { listenerDone <- listener.Run(runCtx) }()

	materializer, err := schedule.NewMaterializer(schedules, jobs, tenants, b, logger)
	if err != nil {
		return err
	}
	if err := materializer.Start(); err != nil {
		return err
	}

	retainer, err := retention.New(retention.Config{
		Jobs:       jobs,
		Keys:       keys,
		Audits:     audits,
		Deliveries: deliveries,
		Accounts:   accounts,
		Store:      store,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if err := retainer.Start(); err != nil {
		return err
	}

	recorder := audit.NewRecorder(audits, logger)

	authSvc := auth.NewService(keys, tenants, logger)
	dashboard := auth.NewDashboard(cfg.dashboardSecret, tenants)
	limiter := ratelimit.New(b, logger)
	loopGuard := ratelimit.NewLoopGuard(b, logger)
	auditor := api.NewAuditor(recorder)

	router := api.NewRouter(api.RouterConfig{
		Auth:      authSvc,
		Dashboard: dashboard,
		Limiter:   limiter,
		Jobs:      api.NewJobHandler(jobs, b, store, loopGuard, auditor, logger),
		Keys:      api.NewKeyHandler(keys, jobs, auditor, logger),
		Schedules: api.NewScheduleHandler(schedules, auditor, logger),
		AuditLogs: api.NewAuditLogHandler(audits, logger),
		Account: api.NewAccountHandler(api.AccountHandlerConfig{
			Tenants:   tenants,
			Keys:      keys,
			Schedules: schedules,
			Accounts:  accounts,
			Audits:    audits,
			Store:     store,
			Notifier:  notifier,
			Audit:     auditor,
			Logger:    logger,
		}),
		Health: api.NewHealthHandler(database, b, store),
		WS:     api.NewWSHandler(hub, jobs, logger),
		Logger: logger,
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var metricsServer *http.Server
	if cfg.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		go metrics.Poll(runCtx, b, hub, logger)
	}

	// First signal starts the drain; further signals are swallowed so an
	// impatient second Ctrl-C cannot cut the cleanup short.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		go func() {
			for range sigCh {
			}
		}()
	case err := <-serverErr:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	return shutdown(logger, server, metricsServer, cancelRun, func() {
		exportWorker.Wait()
		webhookWorker.Wait()
		noticeWorker.Wait()
	}, materializer, retainer, recorder, listenerDone)
}

// shutdown drains in dependency order: stop intake (HTTP), stop the repeating
// engines, then cancel the workers and wait for in-flight tasks. Any cleanup
// error makes the process exit non-zero.
func shutdown(
	logger *zap.Logger,
	server, metricsServer *http.Server,
	cancelRun context.CancelFunc,
	waitWorkers func(),
	materializer *schedule.Materializer,
	retainer *retention.Engine,
	recorder *audit.Recorder,
	listenerDone <-chan error,
) error {
	shCtx, shCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shCancel()

	var failed bool

	if err := server.Shutdown(shCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
		failed = true
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shCtx); err != nil {
			logger.Error("metrics server shutdown failed", zap.Error(err))
			failed = true
		}
	}
	if err := materializer.Stop(); err != nil {
		logger.Error("materializer shutdown failed", zap.Error(err))
		failed = true
	}
	if err := retainer.Stop(); err != nil {
		logger.Error("retention shutdown failed", zap.Error(err))
		failed = true
	}

	cancelRun()
	waitWorkers()

	select {
	case err := <-listenerDone:
		if err != nil {
			logger.Error("event listener exited with error", zap.Error(err))
			failed = true
		}
	case <-shCtx.Done():
		logger.Error("event listener did not exit in time")
		failed = true
	}

	recorder.Close()

	if failed {
		return fmt.Errorf("shutdown completed with errors")
	}
	logger.Info("exportd stopped")
	return nil
}

// initEncryption derives the AES-256 key for at-rest encryption from the
// configured secret.
func initEncryption(secret string) error {
	if secret == "" {
		return fmt.Errorf("secret key is required — set --secret-key or EXPORTD_SECRET_KEY")
	}
	key := sha256.Sum256([]byte(secret))
	return db.InitEncryption(key[:])
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
