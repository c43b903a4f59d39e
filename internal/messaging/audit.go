package messaging

import (
	"github.com/rs/zerolog"

	"github.com/whisper/lounge/internal/moderation"
)

// AuditPublisher is where the coordinator reports administrative actions.
type AuditPublisher interface {
	PublishAudit(ev moderation.AuditEvent) error
}

// LogAuditor writes audit events to the log. It is used when NATS is not
// configured, and wraps a NATS publisher so events are always logged.
type LogAuditor struct {
	next AuditPublisher
	log  zerolog.Logger
}

// NewLogAuditor returns an auditor that logs every event and forwards it to
// next when next is non-nil.
func NewLogAuditor(next AuditPublisher, log zerolog.Logger) *LogAuditor {
	return &LogAuditor{next: next, log: log}
}

// PublishAudit logs ev and forwards it. Forwarding errors are logged and
// returned.
func (a *LogAuditor) PublishAudit(ev moderation.AuditEvent) error {
	a.log.Info().
		Str("action", ev.Action).
		Str("actor", ev.Actor).
		Str("target", ev.Target).
		Str("addr", ev.Address).
		Str("reason", ev.Reason).
		Int("affected", ev.Affected).
		Msg("moderation audit")

	if a.next == nil {
		return nil
	}
	if err := a.next.PublishAudit(ev); err != nil {
		a.log.Warn().Err(err).Str("action", ev.Action).Msg("audit publish failed")
		return err
	}
	return nil
}
