package store

import (
	"context"
	"fmt"
	"time"
)

// RunRetention deletes moderation log entries and resolved failed deletions
// older than maxAge. Warning counts are kept.
func (s *Store) RunRetention(ctx context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge).UnixMilli()

	res, err := s.db.ExecContext(ctx, "DELETE FROM moderation_log WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old moderation log: %w", err)
	}
	removed, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		"DELETE FROM failed_deletions WHERE resolved_at IS NOT NULL AND resolved_at < ?",
		cutoff,
	)
	if err != nil {
		return removed, fmt.Errorf("failed to delete resolved failures: %w", err)
	}
	n, _ := res.RowsAffected()
	return removed + n, nil
}

// StartRetention runs RunRetention every interval until ctx is cancelled.
func (s *Store) StartRetention(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.RunRetention(ctx, maxAge)
				if err != nil {
					s.logger.Warn().Err(err).Msg("retention sweep failed")
					continue
				}
				if n > 0 {
					s.logger.Info().Int64("removed", n).Msg("retention sweep complete")
				}
			}
		}
	}()
}

// DBSizeBytes returns the database size in bytes
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount int64
	var pageSize int64

	err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}

	err = s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}

	return pageCount * pageSize, nil
}
