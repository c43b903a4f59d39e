package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Notices persists the single room notice.
type Notices struct {
	db *sql.DB
}

// NewNotices creates a notice store backed by db.
func NewNotices(db *sql.DB) *Notices {
	return &Notices{db: db}
}

// Load returns the current notice, or "" when none was ever set.
func (n *Notices) Load(ctx context.Context) (string, error) {
	var content string
	err := n.db.QueryRowContext(ctx, `SELECT content FROM chat_notice WHERE id = 1`).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: load notice: %w", err)
	}
	return content, nil
}

// Save replaces the notice.
func (n *Notices) Save(ctx context.Context, content, updatedBy string) error {
	const query = `
		INSERT INTO chat_notice (id, content, updated_by, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE
		SET content = EXCLUDED.content, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`

	if _, err := n.db.ExecContext(ctx, query, content, updatedBy); err != nil {
		return fmt.Errorf("storage: save notice: %w", err)
	}
	return nil
}
