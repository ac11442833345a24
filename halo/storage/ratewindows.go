package storage

import (
	"context"
	"fmt"
	"time"
)

// IncrementWindow counts one hit against key. The first hit of a window
// sets its expiry to now+window; a hit after expiry starts a new window.
func (s *Store) IncrementWindow(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, ErrStoreClosed
	}
	nowMs := now.UnixMilli()
	expires := now.Add(window).UnixMilli()

	var hits int64
	err := s.queryRow(ctx, `
		INSERT INTO rate_windows(window_key, hits, expires_at) VALUES(?, 1, ?)
		ON CONFLICT(window_key) DO UPDATE SET
			hits = CASE WHEN rate_windows.expires_at <= ? THEN 1 ELSE rate_windows.hits + 1 END,
			expires_at = CASE WHEN rate_windows.expires_at <= ? THEN excluded.expires_at ELSE rate_windows.expires_at END
		RETURNING hits
	`, key, expires, nowMs, nowMs).Scan(&hits)
	if err != nil {
		return 0, fmt.Errorf("increment window %s: %w", key, err)
	}
	return hits, nil
}

// PruneRateWindows deletes expired windows and reports how many were removed.
func (s *Store) PruneRateWindows(ctx context.Context, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, ErrStoreClosed
	}
	res, err := s.exec(ctx, `DELETE FROM rate_windows WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
