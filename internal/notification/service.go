package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/db"
	"github.com/exportd-io/exportd/internal/repositories"
)

// Service is the single entry point for tenant email. Callers use the typed
// methods rather than composing messages so content stays consistent across
// the codebase.
type Service struct {
	tenants repositories.TenantRepository
	email   *emailSender
	logger  *zap.Logger
}

// NewService creates the notification service.
func NewService(cfg SMTPConfig, tenants repositories.TenantRepository, logger *zap.Logger) *Service {
	return &Service{
		tenants: tenants,
		email:   newEmailSender(cfg),
		logger:  logger.Named("notification"),
	}
}

// -----------------------------------------------------------------------------
// Typed messages
// -----------------------------------------------------------------------------

// ExportCompleted mails the long-lived download link for a finished job.
// The URL carries the 24h expiry, distinct from the 1h URL the API download
// endpoint hands out.
func (s *Service) ExportCompleted(ctx context.Context, tenantID uuid.UUID, jobID, format, url string, expiresAt time.Time) error {
	return s.send(ctx, tenantID, ClassTransactional,
		"Your export is ready",
		fmt.Sprintf("Export %s (%s) has completed.\n\nDownload: %s\n\nThe link expires at %s.",
			jobID, format, url, expiresAt.UTC().Format(time.RFC1123)),
	)
}

// ExportFailed mails the terminal failure of a job after its retries are
// exhausted.
func (s *Service) ExportFailed(ctx context.Context, tenantID uuid.UUID, jobID, errMsg string) error {
	return s.send(ctx, tenantID, ClassTransactional,
		"Your export failed",
		fmt.Sprintf("Export %s failed after all retries.\n\nReason: %s\n\nYou can submit the export again at any time.", jobID, errMsg),
	)
}

// PreDeletionNotice warns that a file will expire soon. Only sent to tenants
// who opted into the notice.
func (s *Service) PreDeletionNotice(ctx context.Context, tenantID uuid.UUID, jobID string, expiresAt time.Time) error {
	tenant, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("notification: load tenant: %w", err)
	}
	if !tenant.PreDeletionNotice {
		return nil
	}
	return s.sendTo(tenant, ClassTransactional,
		"Export file expiring soon",
		fmt.Sprintf("The file for export %s expires at %s and will then be deleted.\n\nDownload it before expiry if you still need it.",
			jobID, expiresAt.UTC().Format(time.RFC1123)),
	)
}

// DataExportReady mails the GDPR archive link (24h expiry).
func (s *Service) DataExportReady(ctx context.Context, tenantID uuid.UUID, url string, expiresAt time.Time) error {
	return s.send(ctx, tenantID, ClassTransactional,
		"Your account data export is ready",
		fmt.Sprintf("The archive of your account data is ready.\n\nDownload: %s\n\nThe link expires at %s.",
			url, expiresAt.UTC().Format(time.RFC1123)),
	)
}

// DeletionConfirmation is the last transactional email a tenant receives;
// the tenant row is gone, so it addresses the email directly.
func (s *Service) DeletionConfirmation(email, name string) error {
	if email == "" {
		return nil
	}
	err := s.email.Send(email, "Your account has been deleted",
		fmt.Sprintf("The account %q and all associated data have been deleted as requested.", name))
	if errors.Is(err, ErrNotConfigured) {
		return nil
	}
	return err
}

// UsageAlert is marketing-class: sent only to tenants with the marketing
// opt-in, typically when monthly exported rows approach the plan limit.
func (s *Service) UsageAlert(ctx context.Context, tenantID uuid.UUID, period string, rows int64) error {
	return s.send(ctx, tenantID, ClassMarketing,
		"Export usage update",
		fmt.Sprintf("You exported %d rows in %s. Review your plan if you expect this to grow.", rows, period),
	)
}

// Welcome greets a new tenant. Marketing-class.
func (s *Service) Welcome(ctx context.Context, tenantID uuid.UUID) error {
	return s.send(ctx, tenantID, ClassMarketing,
		"Welcome to exportd",
		"Your account is ready. Create an API key in the dashboard to start exporting.",
	)
}

// -----------------------------------------------------------------------------
// Dispatch
// -----------------------------------------------------------------------------

// send re-reads the tenant and applies consent before delivering. Re-reading
// at send time (not enqueue time) honors consent withdrawals that happened
// while the message sat in the queue.
func (s *Service) send(ctx context.Context, tenantID uuid.UUID, class Class, subject, body string) error {
	tenant, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Tenant erased while the message was queued.
			return nil
		}
		return fmt.Errorf("notification: load tenant: %w", err)
	}
	return s.sendTo(tenant, class, subject, body)
}

func (s *Service) sendTo(tenant *db.Tenant, class Class, subject, body string) error {
	if tenant.ContactEmail == "" {
		return nil
	}
	switch class {
	case ClassTransactional:
		if !tenant.TransactionalEmails {
			return nil
		}
	case ClassMarketing:
		if !tenant.MarketingEmails {
			return nil
		}
	}

	if tenant.BrandFooter != "" {
		body = body + "\n\n--\n" + tenant.BrandFooter
	}

	err := s.email.Send(tenant.ContactEmail, subject, body)
	if errors.Is(err, ErrNotConfigured) {
		return nil
	}
	if err != nil {
		s.logger.Warn("email delivery failed",
			zap.String("tenant_id", tenant.ID.String()),
			zap.String("subject", subject),
			zap.Error(err),
		)
		return err
	}
	return nil
}
