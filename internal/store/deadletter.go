package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	perrors "github.com/p-blackswan/chatwarden/internal/errors"
)

// FailedDeletion records a message the bot gave up deleting.
type FailedDeletion struct {
	ID         string
	ChatID     int64
	MessageID  int
	Attempts   int
	CreatedAt  time.Time
	ResolvedAt time.Time // zero = unresolved
}

// SaveFailedDeletion stores a failed deletion, assigning an ID if empty.
func (s *Store) SaveFailedDeletion(ctx context.Context, fd *FailedDeletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fd.ID == "" {
		fd.ID = uuid.New().String()
	}
	if fd.CreatedAt.IsZero() {
		fd.CreatedAt = time.Now()
	}

	resolved := sql.NullInt64{Int64: fd.ResolvedAt.UnixMilli(), Valid: !fd.ResolvedAt.IsZero()}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO failed_deletions (id, chat_id, message_id, attempts, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		fd.ID, fd.ChatID, fd.MessageID, fd.Attempts, fd.CreatedAt.UnixMilli(), resolved,
	)
	if err != nil {
		return fmt.Errorf("failed to save failed deletion: %w", err)
	}
	return nil
}

// ListFailedDeletions returns unresolved failures, oldest first.
func (s *Store) ListFailedDeletions(ctx context.Context, limit int) ([]FailedDeletion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, chat_id, message_id, attempts, created_at
	FROM failed_deletions
	WHERE resolved_at IS NULL
	ORDER BY created_at ASC
	`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed deletions: %w", err)
	}
	defer rows.Close()

	var out []FailedDeletion
	for rows.Next() {
		var fd FailedDeletion
		var created int64
		if err := rows.Scan(&fd.ID, &fd.ChatID, &fd.MessageID, &fd.Attempts, &created); err != nil {
			return nil, fmt.Errorf("failed to scan failed deletion: %w", err)
		}
		fd.CreatedAt = time.UnixMilli(created)
		out = append(out, fd)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed deletions: %w", err)
	}
	return out, nil
}

// ResolveFailedDeletion marks a failure as handled, e.g. after a manual delete.
func (s *Store) ResolveFailedDeletion(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE failed_deletions SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve failed deletion: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("failed deletion %s: %w", id, perrors.ErrNotFound)
	}
	return nil
}
