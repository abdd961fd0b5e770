// Package notification maps job lifecycle outcomes and account events to
// tenant emails, filtered by consent. It is the only component that sends
// email; consent is re-read from the tenant row at send time so a withdrawal
// takes effect immediately, including for messages enqueued earlier.
package notification

// SMTPConfig holds the configuration needed to send emails via SMTP.
// An empty Host disables email entirely.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      bool // true = implicit TLS (port 465); false = plaintext/STARTTLS
}

// Configured reports whether SMTP is usable.
func (c *SMTPConfig) Configured() bool {
	return c.Host != "" && c.Port > 0 && c.From != ""
}

// Class divides emails by the consent flag that gates them.
type Class int

const (
	// ClassTransactional emails (completion, failure, verification, deletion
	// confirmation, team invite, sub-processor change) are sent unless the
	// tenant disabled transactional notifications.
	ClassTransactional Class = iota
	// ClassMarketing emails (usage alert, welcome) require the explicit
	// marketing opt-in.
	ClassMarketing
)
