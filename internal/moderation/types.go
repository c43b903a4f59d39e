package moderation

import "time"

// Audit actions.
const (
	ActionMute         = "mute"
	ActionUnmute       = "unmute"
	ActionBan          = "ban"
	ActionUnban        = "unban"
	ActionClearHistory = "clear_history"
	ActionSetNotice    = "set_notice"
	ActionWhisperBlock = "whisper_blocked"
)

// AuditEvent is published to moderation.audit after every administrative
// action, and for whisper attempts refused by the recipient's preference.
type AuditEvent struct {
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`            // logical id, or "admin-api"
	Target    string    `json:"target,omitempty"` // logical id or ban id
	Address   string    `json:"address,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Content   string    `json:"content,omitempty"`  // refused whisper text
	Affected  int       `json:"affected,omitempty"` // sessions disconnected, messages archived
	Timestamp time.Time `json:"ts"`
}
