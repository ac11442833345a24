package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"halo-indexer/halo/types"
)

const batchColumns = `
	batch_number, batch_code, owner, status, merkle_root, ipfs_hash, anchor_tx_id,
	block_height, attempts, last_error, created_at, sealed_at, anchored_at`

// OpenBatch registers a new open batch owned by the given instance.
func (s *Store) OpenBatch(ctx context.Context, number int64, code, owner string, now int64) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.exec(ctx, `
		INSERT INTO batches(batch_number, batch_code, owner, status, created_at)
		VALUES(?, ?, ?, ?, ?)
	`, number, code, owner, types.BatchOpen, now)
	if err != nil {
		return fmt.Errorf("open batch %s: %w", code, err)
	}
	return nil
}

// AppendBatchPost adds a post to an open batch and returns the batch size.
// Appending a post that already belongs to a batch is a no-op.
func (s *Store) AppendBatchPost(ctx context.Context, number int64, code, contentHash string) (int, error) {
	var count int
	err := s.withTx(ctx, func(tx *txExec) error {
		if err := tx.lockOpenBatch(ctx, number); err != nil {
			return err
		}

		if err := tx.queryRow(ctx, `SELECT COUNT(*) FROM batch_posts WHERE batch_number = ?`, number).Scan(&count); err != nil {
			return err
		}
		res, err := tx.exec(ctx, `
			INSERT INTO batch_posts(batch_number, pos, code, content_hash) VALUES(?, ?, ?, ?)
			ON CONFLICT(code) DO NOTHING
		`, number, count, code, contentHash)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		count++
		_, err = tx.exec(ctx, `UPDATE posts SET batch_number = ? WHERE code = ?`, number, code)
		return err
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// SealBatch freezes an open batch. The leaves are read and rootFn applied
// under the same row lock that appends take, so the stored root covers
// exactly the sealed members. Sealing a batch that is no longer open
// returns ErrNotFound.
func (s *Store) SealBatch(ctx context.Context, number int64, now int64, rootFn func([]types.BatchLeaf) string) ([]types.BatchLeaf, string, error) {
	var (
		leaves []types.BatchLeaf
		root   string
	)
	err := s.withTx(ctx, func(tx *txExec) error {
		if err := tx.lockOpenBatch(ctx, number); err != nil {
			if errors.Is(err, ErrBatchClosed) {
				return ErrNotFound
			}
			return err
		}
		var err error
		leaves, err = readLeaves(tx.query(ctx, `
			SELECT code, content_hash FROM batch_posts WHERE batch_number = ? ORDER BY pos ASC
		`, number))
		if err != nil {
			return err
		}
		root = rootFn(leaves)
		_, err = tx.exec(ctx, `
			UPDATE batches SET status = ?, merkle_root = ?, sealed_at = ?
			WHERE batch_number = ?
		`, types.BatchSealed, root, now, number)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return leaves, root, nil
}

// BatchLeaves returns the batch members in append order.
func (s *Store) BatchLeaves(ctx context.Context, number int64) ([]types.BatchLeaf, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	return readLeaves(s.query(ctx, `
		SELECT code, content_hash FROM batch_posts WHERE batch_number = ? ORDER BY pos ASC
	`, number))
}

func readLeaves(rows *sql.Rows, err error) ([]types.BatchLeaf, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.BatchLeaf
	for rows.Next() {
		var l types.BatchLeaf
		if err := rows.Scan(&l.Code, &l.ContentHash); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// lockOpenBatch takes the batch row lock (postgres FOR UPDATE; sqlite
// transactions are already exclusive) and checks the batch is open.
func (t *txExec) lockOpenBatch(ctx context.Context, number int64) error {
	q := `SELECT status FROM batches WHERE batch_number = ?`
	if t.s.driver == DriverPostgres {
		q += ` FOR UPDATE`
	}
	var status string
	if err := t.queryRow(ctx, q, number).Scan(&status); err != nil {
		if isNoRows(err) {
			return fmt.Errorf("batch %d: %w", number, ErrBatchClosed)
		}
		return err
	}
	if status != types.BatchOpen {
		return fmt.Errorf("batch %d is %s: %w", number, status, ErrBatchClosed)
	}
	return nil
}

// GetBatch returns the batch with its post codes, or nil when absent.
func (s *Store) GetBatch(ctx context.Context, number int64) (*types.Batch, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	b, err := scanBatch(s.queryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE batch_number = ?`, number))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	if err := s.fillBatchCodes(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// PendingBatches lists sealed, not yet anchored batches, oldest first.
func (s *Store) PendingBatches(ctx context.Context, limit int) ([]types.Batch, error) {
	return s.listBatches(ctx, `
		SELECT `+batchColumns+` FROM batches WHERE status = ?
		ORDER BY batch_number ASC LIMIT ?
	`, types.BatchSealed, limit)
}

// StaleOpenBatches lists open batches created before cutoff by an owner
// other than self; their owner is presumed gone.
func (s *Store) StaleOpenBatches(ctx context.Context, self string, cutoff int64) ([]types.Batch, error) {
	return s.listBatches(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE status = ? AND owner <> ? AND created_at < ?
		ORDER BY batch_number ASC
	`, types.BatchOpen, self, cutoff)
}

// RecordAnchorAttempt stores a failed anchoring attempt.
func (s *Store) RecordAnchorAttempt(ctx context.Context, number int64, ipfsHash, lastErr string) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.exec(ctx, `
		UPDATE batches SET attempts = attempts + 1, last_error = ?, ipfs_hash = COALESCE(CAST(? AS TEXT), ipfs_hash)
		WHERE batch_number = ?
	`, nullIfEmpty(lastErr), nullIfEmpty(ipfsHash), number)
	return err
}

// MarkBatchAnchored records the anchor transaction on the batch and on
// every member post.
func (s *Store) MarkBatchAnchored(ctx context.Context, number int64, ipfsHash, txID string, height, now int64) error {
	return s.withTx(ctx, func(tx *txExec) error {
		res, err := tx.exec(ctx, `
			UPDATE batches SET status = ?, ipfs_hash = ?, anchor_tx_id = ?, block_height = ?, anchored_at = ?, last_error = NULL
			WHERE batch_number = ? AND status = ?
		`, types.BatchAnchored, nullIfEmpty(ipfsHash), txID, height, now, number, types.BatchSealed)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		_, err = tx.exec(ctx, `
			UPDATE posts SET block_height = ?, anchor_tx_id = ?
			WHERE code IN (SELECT code FROM batch_posts WHERE batch_number = ?)
		`, height, txID, number)
		return err
	})
}

func (s *Store) listBatches(ctx context.Context, q string, args ...any) ([]types.Batch, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var out []types.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range out {
		if err := s.fillBatchCodes(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) fillBatchCodes(ctx context.Context, b *types.Batch) error {
	leaves, err := s.BatchLeaves(ctx, b.BatchNumber)
	if err != nil {
		return err
	}
	b.PostCodes = make([]string, 0, len(leaves))
	for _, l := range leaves {
		b.PostCodes = append(b.PostCodes, l.Code)
	}
	return nil
}

func scanBatch(sc scanner) (*types.Batch, error) {
	var (
		b    types.Batch
		root sql.NullString
	)
	err := sc.Scan(
		&b.BatchNumber, &b.BatchCode, &b.Owner, &b.Status, &root, &b.IPFSHash, &b.AnchorTxID,
		&b.BlockHeight, &b.Attempts, &b.LastError, &b.CreatedAt, &b.SealedAt, &b.AnchoredAt,
	)
	if err != nil {
		return nil, err
	}
	b.MerkleRoot = root.String
	return &b, nil
}
