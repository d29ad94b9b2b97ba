package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Action is one entry of the moderation log.
type Action struct {
	ChatID    int64
	UserID    int64
	ActorID   int64
	Action    string
	Details   string
	CreatedAt time.Time
}

// AddWarning increments the warning count for a user in a chat and returns the new count.
func (s *Store) AddWarning(ctx context.Context, chatID, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO warnings (chat_id, user_id, count, updated_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(chat_id, user_id) DO UPDATE SET count = count + 1, updated_at = excluded.updated_at
		RETURNING count`,
		chatID, userID, time.Now().UnixMilli(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("add warning: %w", err)
	}
	return count, nil
}

// Warnings returns the current warning count for a user in a chat.
func (s *Store) Warnings(ctx context.Context, chatID, userID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM warnings WHERE chat_id = ? AND user_id = ?`, chatID, userID,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get warnings: %w", err)
	}
	return count, nil
}

// ResetWarnings clears the warning count for a user in a chat.
func (s *Store) ResetWarnings(ctx context.Context, chatID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM warnings WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	if err != nil {
		return fmt.Errorf("reset warnings: %w", err)
	}
	return nil
}

// LogAction appends an entry to the moderation log.
func (s *Store) LogAction(ctx context.Context, a Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO moderation_log (chat_id, user_id, actor_id, action, details, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ChatID, a.UserID, a.ActorID, a.Action, a.Details, a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("log action: %w", err)
	}
	return nil
}

// RecentActions returns the latest moderation log entries for a chat, newest first.
func (s *Store) RecentActions(ctx context.Context, chatID int64, limit int) ([]Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, user_id, actor_id, action, details, created_at
		FROM moderation_log WHERE chat_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent actions: %w", err)
	}
	defer rows.Close()

	var actions []Action
	for rows.Next() {
		var a Action
		var created int64
		if err := rows.Scan(&a.ChatID, &a.UserID, &a.ActorID, &a.Action, &a.Details, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = time.UnixMilli(created)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
