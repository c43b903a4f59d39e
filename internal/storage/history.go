package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/whisper/lounge/internal/history"
)

const messageColumns = `id, kind, sender_id, sender_nickname, sender_admin,
	origin_address, recipient_nickname, recipient_id, content, created_at`

// History is the PostgreSQL journal and archive for chat history. It
// implements history.Journal and history.Archive.
type History struct {
	db *sql.DB
}

// NewHistory creates a history store backed by db.
func NewHistory(db *sql.DB) *History {
	return &History{db: db}
}

// Insert journals one active-window message.
func (h *History) Insert(ctx context.Context, m history.Message) error {
	const query = `INSERT INTO chat_journal (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	if _, err := h.db.ExecContext(ctx, query, messageArgs(m)...); err != nil {
		return fmt.Errorf("storage: journal insert: %w", err)
	}
	return nil
}

// Delete removes archived messages from the journal.
func (h *History) Delete(ctx context.Context, ids []string) error {
	const query = `DELETE FROM chat_journal WHERE id = ANY($1)`
	if _, err := h.db.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("storage: journal delete: %w", err)
	}
	return nil
}

// Recent returns the newest limit journaled messages, oldest first. A
// non-positive limit returns the whole journal.
func (h *History) Recent(ctx context.Context, limit int) ([]history.Message, error) {
	const query = `SELECT ` + messageColumns + ` FROM (
			SELECT * FROM chat_journal ORDER BY created_at DESC LIMIT $1
		) recent ORDER BY created_at ASC`

	// LIMIT NULL is no limit.
	rows, err := h.db.QueryContext(ctx, query, sql.NullInt64{Int64: int64(limit), Valid: limit > 0})
	if err != nil {
		return nil, fmt.Errorf("storage: journal recent: %w", err)
	}
	msgs, err := scanMessages(rows, false)
	if err != nil {
		return nil, fmt.Errorf("storage: journal recent: %w", err)
	}
	return msgs, nil
}

// Archive copies msgs into the archive in one transaction. Ids already
// archived are skipped.
func (h *History) Archive(ctx context.Context, msgs []history.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: archive begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chat_archive (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("storage: archive prepare: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, messageArgs(m)...); err != nil {
			return fmt.Errorf("storage: archive insert %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: archive commit: %w", err)
	}
	return nil
}

// Query returns up to limit archived messages visible to v, newest first.
// A limit of zero returns everything.
func (h *History) Query(ctx context.Context, v history.Viewer, limit int) ([]history.Message, error) {
	const query = `SELECT ` + messageColumns + ` FROM chat_archive
		WHERE $1
		   OR kind <> 'whisper'
		   OR ($2 <> '' AND (sender_id = $2 OR recipient_id = $2))
		   OR ($3 <> '' AND (sender_nickname = $3 OR recipient_nickname = $3))
		ORDER BY created_at DESC
		LIMIT NULLIF($4, 0)`

	rows, err := h.db.QueryContext(ctx, query, v.All, v.LogicalID, v.Nickname, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: archive query: %w", err)
	}
	msgs, err := scanMessages(rows, true)
	if err != nil {
		return nil, fmt.Errorf("storage: archive query: %w", err)
	}
	return msgs, nil
}

func messageArgs(m history.Message) []interface{} {
	return []interface{}{
		m.ID, m.Kind, m.Sender.LogicalID, m.Sender.Nickname, m.Sender.Admin,
		m.OriginAddress, m.RecipientNickname, m.RecipientID, m.Content, m.Timestamp,
	}
}

func scanMessages(rows *sql.Rows, archived bool) ([]history.Message, error) {
	defer rows.Close()
	var out []history.Message
	for rows.Next() {
		var m history.Message
		if err := rows.Scan(
			&m.ID, &m.Kind, &m.Sender.LogicalID, &m.Sender.Nickname, &m.Sender.Admin,
			&m.OriginAddress, &m.RecipientNickname, &m.RecipientID, &m.Content, &m.Timestamp,
		); err != nil {
			return nil, err
		}
		m.Archived = archived
		out = append(out, m)
	}
	return out, rows.Err()
}
