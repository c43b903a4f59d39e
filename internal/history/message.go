// Package history keeps the bounded active window of recent chat messages,
// moves overflow into append-only archive storage, and answers replay queries
// that merge both.
//
// Moves are archive-then-delete: a message leaves the active window only
// after the archive accepted it, so a failed archive write never loses data.
// The archive must treat a repeated message id as a no-op.
package history

import (
	"context"
	"time"
)

// Message kinds with visibility rules.
const (
	KindText    = "text"
	KindImage   = "image"
	KindWhisper = "whisper"
	KindSystem  = "system"
)

// Sender is the identity snapshot stored with a message.
type Sender struct {
	LogicalID string `json:"logical_id"`
	Nickname  string `json:"nickname"`
	Admin     bool   `json:"admin,omitempty"`
}

// Message is one history record. Content is stored unredacted.
type Message struct {
	ID                string    `json:"id"`
	Kind              string    `json:"kind"`
	Sender            Sender    `json:"sender"`
	OriginAddress     string    `json:"origin_address,omitempty"`
	RecipientNickname string    `json:"recipient_nickname,omitempty"`
	RecipientID       string    `json:"recipient_id,omitempty"`
	Content           string    `json:"content"`
	Timestamp         time.Time `json:"timestamp"`
	Archived          bool      `json:"archived"`
}

// Viewer identifies who a replay is for. All bypasses whisper visibility
// and is used for administrator exports.
type Viewer struct {
	LogicalID string
	Nickname  string
	All       bool
}

// CanSee reports whether v may see m. Whispers are visible to their sender
// and recipient, matched by logical id or nickname; everything else is public.
func (v Viewer) CanSee(m Message) bool {
	if v.All || m.Kind != KindWhisper {
		return true
	}
	if v.LogicalID != "" && (m.Sender.LogicalID == v.LogicalID || m.RecipientID == v.LogicalID) {
		return true
	}
	return v.Nickname != "" && (m.Sender.Nickname == v.Nickname || m.RecipientNickname == v.Nickname)
}

// isRecipient reports whether m is a whisper addressed to v.
func (v Viewer) isRecipient(m Message) bool {
	if m.Kind != KindWhisper {
		return false
	}
	return (v.LogicalID != "" && m.RecipientID == v.LogicalID) ||
		(v.Nickname != "" && m.RecipientNickname == v.Nickname)
}

// Archive is append-only cold storage.
type Archive interface {
	// Archive stores msgs. Ids already present are skipped.
	Archive(ctx context.Context, msgs []Message) error
	// Query returns up to limit messages visible to v, newest first.
	Query(ctx context.Context, v Viewer, limit int) ([]Message, error)
}

// Journal is the durable copy of the active window, written behind the
// window by a single goroutine.
type Journal interface {
	Insert(ctx context.Context, m Message) error
	Delete(ctx context.Context, ids []string) error
	// Recent returns up to limit journaled messages, oldest first. A limit
	// of zero or less returns every row.
	Recent(ctx context.Context, limit int) ([]Message, error)
}
