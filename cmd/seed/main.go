// Package main implements a one-shot seed command that creates a tenant, its
// first API key, and a demo schedule directly in the exportd database. It
// lives inside the server module so it can access internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --name "Acme Inc" \
//	  --email ops@acme.test \
//	  --plan PRO \
//	  --scope ADMIN
//
// Environment variables:
//
//	EXPORTD_DB_DRIVER   sqlite or postgres (default: sqlite)
//	EXPORTD_DB_DSN      SQLite file path or Postgres DSN (default: ./exportd.db)
//	EXPORTD_SECRET_KEY  Master encryption key — must match the value used by the server
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/exportd-io/exportd/internal/auth"
	"github.com/exportd-io/exportd/internal/db"
	"github.com/exportd-io/exportd/internal/notification"
	"github.com/exportd-io/exportd/internal/repositories"
	"github.com/exportd-io/exportd/internal/schedule"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	name := flag.String("name", "", "Tenant name (required)")
	email := flag.String("email", "", "Tenant contact email (required)")
	plan := flag.String("plan", db.PlanFree, "Plan: FREE, PRO, or SCALE")
	scope := flag.String("scope", db.ScopeAdmin, "Scope of the first API key: READ, WRITE, or ADMIN")
	marketing := flag.Bool("marketing-emails", false, "Opt the tenant into marketing email (welcome, usage alerts)")
	flag.Parse()

	if *name == "" {
		return fmt.Errorf("--name is required")
	}
	if *email == "" {
		return fmt.Errorf("--email is required")
	}
	switch *plan {
	case db.PlanFree, db.PlanPro, db.PlanScale:
	default:
		return fmt.Errorf("--plan must be FREE, PRO, or SCALE")
	}
	switch *scope {
	case db.ScopeRead, db.ScopeWrite, db.ScopeAdmin:
	default:
		return fmt.Errorf("--scope must be READ, WRITE, or ADMIN")
	}

	secretKey := os.Getenv("EXPORTD_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"EXPORTD_SECRET_KEY is not set\n" +
				"  Set it to the same value used by the server, otherwise the\n" +
				"  encrypted webhook secrets will be unreadable later.",
		)
	}

	// InitEncryption must run before any DB operation so EncryptedString
	// fields encode correctly on write.
	derived := sha256.Sum256([]byte(secretKey))
	if err := db.InitEncryption(derived[:]); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   envOrDefault("EXPORTD_DB_DRIVER", "sqlite"),
		DSN:      envOrDefault("EXPORTD_DB_DSN", "./exportd.db"),
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	ctx := context.Background()
	tenants := repositories.NewTenantRepository(database)
	keys := repositories.NewAPIKeyRepository(database)

	if _, err := tenants.GetByEmail(ctx, *email); err == nil {
		return fmt.Errorf("a tenant with email %q already exists", *email)
	}

	tenant := &db.Tenant{
		Name:            *name,
		ContactEmail:    *email,
		Plan:            *plan,
		MarketingEmails: *marketing,
	}
	if err := tenants.Create(ctx, tenant); err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}

	secret, prefix, digest, err := auth.GenerateSecret()
	if err != nil {
		return fmt.Errorf("generate api key: %w", err)
	}
	key := &db.APIKey{
		TenantID: tenant.ID,
		Name:     "seed key",
		Prefix:   prefix,
		Digest:   digest,
		Scope:    *scope,
	}
	if err := keys.Create(ctx, key); err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	// A demo nightly schedule so the materializer has something to pick up.
	next, err := schedule.NextRun("0 3 * * *", time.Now().UTC())
	if err != nil {
		return fmt.Errorf("compute schedule next run: %w", err)
	}
	sched := &db.Schedule{
		TenantID:  tenant.ID,
		Name:      "nightly audit export",
		Cron:      "0 3 * * *",
		Type:      db.FormatCSV,
		Payload:   []byte(`{"dataset":"audit_logs"}`),
		Active:    true,
		NextRunAt: &next,
	}
	if err := repositories.NewScheduleRepository(database).Create(ctx, sched); err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}

	// The welcome email goes through the same consent-checked service the
	// server uses; without SMTP config or the marketing opt-in it is a no-op.
	notifier := notification.NewService(notification.SMTPConfig{
		Host:     envOrDefault("EXPORTD_SMTP_HOST", ""),
		Port:     envInt("EXPORTD_SMTP_PORT", 587),
		Username: envOrDefault("EXPORTD_SMTP_USERNAME", ""),
		Password: envOrDefault("EXPORTD_SMTP_PASSWORD", ""),
		From:     envOrDefault("EXPORTD_SMTP_FROM", ""),
		TLS:      os.Getenv("EXPORTD_SMTP_TLS") == "true",
	}, tenants, logger)
	if err := notifier.Welcome(ctx, tenant.ID); err != nil {
		fmt.Fprintf(os.Stderr, "warning: welcome email failed: %v\n", err)
	}

	fmt.Printf("✓ Tenant created\n")
	fmt.Printf("  ID:    %s\n", tenant.ID)
	fmt.Printf("  Name:  %s\n", tenant.Name)
	fmt.Printf("  Email: %s\n", tenant.ContactEmail)
	fmt.Printf("  Plan:  %s\n", tenant.Plan)
	fmt.Printf("✓ API key created (shown once, store it now)\n")
	fmt.Printf("  ID:     %s\n", key.ID)
	fmt.Printf("  Scope:  %s\n", key.Scope)
	fmt.Printf("  Secret: %s\n", secret)
	fmt.Printf("✓ Schedule created\n")
	fmt.Printf("  Name:     %s\n", sched.Name)
	fmt.Printf("  Cron:     %s\n", sched.Cron)
	fmt.Printf("  Next run: %s\n", next.Format(time.RFC3339))

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
