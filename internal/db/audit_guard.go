package db

import (
	"errors"

	"gorm.io/gorm"
)

// ErrAuditImmutable is returned when an update or delete is attempted on the
// audit_logs table through a normal session.
var ErrAuditImmutable = errors.New("db: audit logs are insert-only")

// privilegedKey is the gorm instance-settings key that marks a session as
// allowed to mutate audit rows. Only Privileged sets it.
const privilegedKey = "exportd:audit_privileged"

// Privileged returns a session that bypasses the insert-only audit guard.
// It exists for exactly two callers: tenant erasure (anonymization) and the
// retention engine's 365-day purge. Every use is itself written to the audit
// log by the caller, so the bypass leaves a trace.
func Privileged(database *gorm.DB) *gorm.DB {
	return database.Session(&gorm.Session{NewDB: true}).Set(privilegedKey, true)
}

// auditGuard rejects the operation unless the session carries the privileged
// marker. Wired into AuditLog's BeforeUpdate and BeforeDelete hooks.
func auditGuard(tx *gorm.DB) error {
	if v, ok := tx.Get(privilegedKey); ok {
		if allowed, _ := v.(bool); allowed {
			return nil
		}
	}
	return ErrAuditImmutable
}
