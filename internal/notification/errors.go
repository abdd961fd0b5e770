package notification

import "errors"

// Sentinel errors returned by the notification service. Callers should use
// errors.Is for comparison.
var (
	// ErrSendFailed is returned when an email could not be delivered. It
	// wraps the underlying cause and is non-fatal to job processing — the
	// terminal state has already been committed when fan-out runs.
	ErrSendFailed = errors.New("notification: send failed")

	// ErrNotConfigured is returned when SMTP settings are absent. Email is
	// optional; the caller logs and moves on.
	ErrNotConfigured = errors.New("notification: smtp not configured")
)
