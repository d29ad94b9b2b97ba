package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS warnings (
		chat_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (chat_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS moderation_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		actor_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_modlog_chat ON moderation_log(chat_id, created_at);

	CREATE TABLE IF NOT EXISTS failed_deletions (
		id TEXT PRIMARY KEY,
		chat_id INTEGER NOT NULL,
		message_id INTEGER NOT NULL,
		attempts INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		resolved_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_failed_unresolved ON failed_deletions(resolved_at, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
