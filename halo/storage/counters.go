package storage

import (
	"context"
	"fmt"
)

// NextSequence atomically increments and returns the named counter. The
// first call for a name returns 1. Values are never reused.
func (s *Store) NextSequence(ctx context.Context, name string) (uint64, error) {
	if s.db == nil {
		return 0, ErrStoreClosed
	}
	var v int64
	err := s.queryRow(ctx, `
		INSERT INTO counters(name, value) VALUES(?, 1)
		ON CONFLICT(name) DO UPDATE SET value = counters.value + 1
		RETURNING value
	`, name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("next sequence %s: %w", name, err)
	}
	return uint64(v), nil
}

// CurrentSequence returns the last value handed out, or 0.
func (s *Store) CurrentSequence(ctx context.Context, name string) (uint64, error) {
	if s.db == nil {
		return 0, ErrStoreClosed
	}
	var v int64
	err := s.queryRow(ctx, `SELECT value FROM counters WHERE name = ?`, name).Scan(&v)
	if err != nil {
		if isNoRows(err) {
			return 0, nil
		}
		return 0, err
	}
	return uint64(v), nil
}
