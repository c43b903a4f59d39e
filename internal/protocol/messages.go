// Package protocol defines the WebSocket event types and payloads exchanged
// between chat clients and the coordinator. Every frame is a JSON object with a
// "type" discriminator; the remaining fields depend on the type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoin           = "join"
	TypeChatMessage    = "chat_message"
	TypeWhisper        = "whisper"
	TypeCall           = "call"
	TypeUpdateSettings = "update_settings"
	TypeMute           = "mute"
	TypeUnmute         = "unmute"
	TypeGetIPForBan    = "get_ip_for_ban"
	TypeBan            = "ban"
	TypeClearHistory   = "clear_history"
	TypeSetNotice      = "set_notice"
	TypePing           = "ping"
)

// Server -> Client event types. TypeChatMessage, TypeWhisper and
// TypeClearHistory are reused in this direction.
const (
	TypeJoined        = "joined"
	TypeAdminAck      = "admin_ack"
	TypeCallAlert     = "call_alert"
	TypeSystemMessage = "system_message"
	TypeRoster        = "roster"
	TypeOpenBanPage   = "open_ban_page"
	TypeNotice        = "notice"
	TypeEvicted       = "evicted"
	TypeBanned        = "banned"
	TypeRateLimited   = "rate_limited"
	TypeError         = "error"
	TypePong          = "pong"
)

// Message kinds carried by chat_message and stored in history.
const (
	KindText    = "text"
	KindImage   = "image"
	KindWhisper = "whisper"
	KindSystem  = "system"
)

// ErrInvalidPayload wraps every validation failure returned by
// ParseClientMessage so callers can tell malformed input from bad JSON.
var ErrInvalidPayload = errors.New("protocol: invalid payload")

var validate = validator.New(validator.WithRequiredStructEnabled())

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field so
// the rest of the payload can be decoded into the concrete struct later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// JoinMsg binds the connection to a client-asserted logical identity.
type JoinMsg struct {
	Type       string `json:"type"`
	LogicalID  string `json:"logical_id" validate:"required,max=64"`
	Nickname   string `json:"nickname" validate:"required,max=64"`
	AdminToken string `json:"admin_token,omitempty" validate:"max=256"`
	// Settings restores the client's saved preferences; nil keeps the defaults.
	Settings *Settings `json:"settings,omitempty"`
}

// ChatMessageMsg is a broadcast chat line or attachment reference.
type ChatMessageMsg struct {
	Type    string `json:"type"`
	Kind    string `json:"kind" validate:"omitempty,oneof=text image"`
	Content string `json:"content" validate:"required"`
}

// WhisperMsg is a private message addressed by nickname.
type WhisperMsg struct {
	Type           string `json:"type"`
	TargetNickname string `json:"target_nickname" validate:"required,max=80"`
	Content        string `json:"content" validate:"required"`
}

// CallMsg asks the coordinator to alert another participant.
type CallMsg struct {
	Type           string `json:"type"`
	TargetNickname string `json:"target_nickname" validate:"required,max=80"`
}

// UpdateSettingsMsg replaces the sender's delivery preferences.
type UpdateSettingsMsg struct {
	Type      string `json:"type"`
	Notify    bool   `json:"notify"`
	Whisper   bool   `json:"whisper"`
	AutoClear bool   `json:"auto_clear"`
}

// TargetMsg is the payload of mute, unmute and get_ip_for_ban.
type TargetMsg struct {
	Type     string `json:"type"`
	TargetID string `json:"target_id" validate:"required,max=64"`
}

// BanMsg asks the coordinator to ban the origin address of a participant.
type BanMsg struct {
	Type     string `json:"type"`
	TargetID string `json:"target_id" validate:"required,max=64"`
	Reason   string `json:"reason" validate:"max=512"`
}

// ClearHistoryMsg archives and truncates the active history window.
type ClearHistoryMsg struct {
	Type string `json:"type"`
}

// SetNoticeMsg replaces the notice shown to joiners.
type SetNoticeMsg struct {
	Type    string `json:"type"`
	Content string `json:"content" validate:"max=4096"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// Settings mirrors the identity's delivery preferences on the wire.
type Settings struct {
	Notify    bool `json:"notify"`
	Whisper   bool `json:"whisper"`
	AutoClear bool `json:"auto_clear"`
}

// Sender is the public snapshot of an identity attached to messages.
type Sender struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Admin    bool   `json:"admin,omitempty"`
}

// HistoryEntry is one message replayed on join or exported to admins.
type HistoryEntry struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Sender    Sender `json:"sender"`
	Recipient string `json:"recipient,omitempty"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// JoinedMsg acknowledges a successful join.
type JoinedMsg struct {
	Type     string         `json:"type"`
	Nickname string         `json:"nickname"`
	Admin    bool           `json:"admin"`
	Settings Settings       `json:"settings"`
	History  []HistoryEntry `json:"history"`
	Notice   string         `json:"notice,omitempty"`
}

// AdminAckMsg confirms that the joiner was elevated to administrator.
type AdminAckMsg struct {
	Type string `json:"type"`
}

// ServerChatMsg is a broadcast chat line.
type ServerChatMsg struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Sender    Sender `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// ServerWhisperMsg is delivered to the whisper's target and echoed to its sender.
type ServerWhisperMsg struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Sender    Sender `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// CallAlertMsg tells the target that someone is calling for attention.
type CallAlertMsg struct {
	Type   string `json:"type"`
	Sender string `json:"sender"`
}

// SystemMsg is a unicast moderation or validation notice.
type SystemMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// RosterUser is one entry in the roster broadcast.
type RosterUser struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Admin    bool   `json:"admin"`
}

// RosterMsg lists every live participant.
type RosterMsg struct {
	Type  string       `json:"type"`
	Users []RosterUser `json:"users"`
}

// OpenBanPageMsg answers get_ip_for_ban for administrators.
type OpenBanPageMsg struct {
	Type string `json:"type"`
	IP   string `json:"ip"`
	ID   string `json:"id"`
	Nick string `json:"nick"`
}

// NoticeMsg carries the current notice.
type NoticeMsg struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// EvictedMsg is the last frame a session superseded by a newer join receives.
type EvictedMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// BannedMsg is the last frame a banned session receives.
type BannedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// RateLimitedMsg is sent when the client exceeded the chat rate limit.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ClearHistoryNotice tells clients to drop their local history.
type ClearHistoryNotice struct {
	Type string `json:"type"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event and
// validates it. It returns the event type, the decoded struct and any error.
// Unknown and server-only types are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var msg interface{}
	switch env.Type {
	case TypeJoin:
		msg = &JoinMsg{}
	case TypeChatMessage:
		msg = &ChatMessageMsg{}
	case TypeWhisper:
		msg = &WhisperMsg{}
	case TypeCall:
		msg = &CallMsg{}
	case TypeUpdateSettings:
		msg = &UpdateSettingsMsg{}
	case TypeMute, TypeUnmute, TypeGetIPForBan:
		msg = &TargetMsg{}
	case TypeBan:
		msg = &BanMsg{}
	case TypeClearHistory:
		msg = &ClearHistoryMsg{}
	case TypeSetNotice:
		msg = &SetNoticeMsg{}
	case TypePing:
		msg = &PingMsg{}
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err := json.Unmarshal(env.Raw, msg); err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	if err := validate.Struct(msg); err != nil {
		return env.Type, nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
	}
	return env.Type, deref(msg), nil
}

// deref hands handlers value types, matching how they type-switch.
func deref(msg interface{}) interface{} {
	switch m := msg.(type) {
	case *JoinMsg:
		return *m
	case *ChatMessageMsg:
		if m.Kind == "" {
			m.Kind = KindText
		}
		return *m
	case *WhisperMsg:
		return *m
	case *CallMsg:
		return *m
	case *UpdateSettingsMsg:
		return *m
	case *TargetMsg:
		return *m
	case *BanMsg:
		return *m
	case *ClearHistoryMsg:
		return *m
	case *SetNoticeMsg:
		return *m
	case *PingMsg:
		return *m
	}
	return msg
}

// NewServerMessage creates a JSON-encoded server event. The msgType is
// injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads built from the structs
// in this package, which always marshal.
func MustServerMessage(msgType string, payload interface{}) []byte {
	out, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return out
}
