package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"halo-indexer/halo/types"
)

const postColumns = `
	p.code, p.seq, p.content, p.content_hash, p.user_address, p.signature, p.pubkey,
	p.ts, p.post_type, p.live_flag, p.flag_reason, p.flagged_by, p.flagged_at,
	p.parent_code, p.parent_ipfs, p.block_height, p.anchor_tx_id, p.batch_number,
	p.signature_status, p.moderation_action, p.moderation_categories, p.charter_version,
	p.created_at`

// CreatePost stores a post and its index entries in one transaction. Replies
// are indexed under their parent keys and never enter the feed index.
func (s *Store) CreatePost(ctx context.Context, p *types.Post) error {
	if p == nil || p.SequentialCode == "" {
		return fmt.Errorf("post code is required")
	}
	return s.withTx(ctx, func(tx *txExec) error {
		_, err := tx.exec(ctx, `
			INSERT INTO posts(
				code, seq, content, content_hash, user_address, signature, pubkey,
				ts, post_type, live_flag, flag_reason, flagged_by, flagged_at,
				parent_code, parent_ipfs, block_height, anchor_tx_id, batch_number,
				signature_status, moderation_action, moderation_categories, charter_version,
				created_at
			) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			p.SequentialCode, int64(p.Sequence), p.Content, p.ContentHash, p.UserAddress, p.Signature, nullIfEmpty(p.PubKey),
			p.Timestamp, p.PostType, p.LiveFlag, nullable(p.FlagReason), nullable(p.FlaggedBy), nullable(p.FlaggedAt),
			emptyToNil(p.ParentSequentialCode), emptyToNil(p.ParentIPFSHash), nullable(p.BlockHeight), nullable(p.AnchorTxID), nullable(p.BatchNumber),
			p.SignatureStatus, p.Moderation.Action, strings.Join(p.Moderation.Categories, ","), p.Moderation.CharterVersion,
			p.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert post %s: %w", p.SequentialCode, err)
		}

		if _, err := tx.exec(ctx, `INSERT INTO author_index(user_address, seq, code) VALUES(?, ?, ?)`,
			p.UserAddress, int64(p.Sequence), p.SequentialCode); err != nil {
			return fmt.Errorf("index author: %w", err)
		}

		if p.IsReply() {
			for _, key := range p.ReplyKeys() {
				if _, err := tx.exec(ctx, `INSERT INTO reply_index(parent_key, seq, code) VALUES(?, ?, ?)`,
					key, int64(p.Sequence), p.SequentialCode); err != nil {
					return fmt.Errorf("index reply: %w", err)
				}
			}
			if _, err := tx.exec(ctx, `DELETE FROM feed_index WHERE code = ?`, p.SequentialCode); err != nil {
				return fmt.Errorf("suppress reply: %w", err)
			}
			return nil
		}

		if _, err := tx.exec(ctx, `INSERT INTO feed_index(seq, code) VALUES(?, ?)`,
			int64(p.Sequence), p.SequentialCode); err != nil {
			return fmt.Errorf("index feed: %w", err)
		}
		return nil
	})
}

// GetPost returns the post stored under code, or nil when absent.
func (s *Store) GetPost(ctx context.Context, code string) (*types.Post, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	row := s.queryRow(ctx, `SELECT `+postColumns+` FROM posts p WHERE p.code = ?`, code)
	p, err := scanPost(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// ChronologicalFeed lists live top-level posts, newest first. It returns
// one page plus whether more rows follow.
func (s *Store) ChronologicalFeed(ctx context.Context, offset, limit int) ([]types.Post, bool, error) {
	offset, limit = normalizePage(offset, limit)
	return s.listPosts(ctx, `
		SELECT `+postColumns+`
		FROM feed_index f
		JOIN posts p ON p.code = f.code
		WHERE p.live_flag = ? AND p.parent_code IS NULL AND p.parent_ipfs IS NULL
		ORDER BY f.seq DESC
		LIMIT ? OFFSET ?
	`, limit, types.LiveFlagLive, limit+1, offset)
}

// UserPosts lists an author's live posts, replies included, newest first.
func (s *Store) UserPosts(ctx context.Context, address string, offset, limit int) ([]types.Post, bool, error) {
	offset, limit = normalizePage(offset, limit)
	return s.listPosts(ctx, `
		SELECT `+postColumns+`
		FROM author_index a
		JOIN posts p ON p.code = a.code
		WHERE a.user_address = ? AND p.live_flag = ?
		ORDER BY a.seq DESC
		LIMIT ? OFFSET ?
	`, limit, address, types.LiveFlagLive, limit+1, offset)
}

// RepliesOf lists live replies indexed under parentKey (see
// types.ParentCodeKey and types.ParentIPFSKey), newest first.
func (s *Store) RepliesOf(ctx context.Context, parentKey string, offset, limit int) ([]types.Post, bool, error) {
	offset, limit = normalizePage(offset, limit)
	return s.listPosts(ctx, `
		SELECT `+postColumns+`
		FROM reply_index r
		JOIN posts p ON p.code = r.code
		WHERE r.parent_key = ? AND p.live_flag = ?
		ORDER BY r.seq DESC
		LIMIT ? OFFSET ?
	`, limit, parentKey, types.LiveFlagLive, limit+1, offset)
}

// UnbatchedPosts lists posts created before the cutoff (unix millis) that
// belong to no batch yet, oldest first.
func (s *Store) UnbatchedPosts(ctx context.Context, before int64, limit int) ([]types.Post, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	posts, _, err := s.listPosts(ctx, `
		SELECT `+postColumns+`
		FROM posts p
		WHERE p.batch_number IS NULL AND p.created_at < ?
		ORDER BY p.seq ASC
		LIMIT ?
	`, limit, before, limit+1)
	return posts, err
}

func (s *Store) listPosts(ctx context.Context, q string, limit int, args ...any) ([]types.Post, bool, error) {
	if s.db == nil {
		return nil, false, ErrStoreClosed
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	out := make([]types.Post, 0, limit)
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, false, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

type FlagEvent struct {
	Code      string  `json:"sequentialCode"`
	LiveFlag  string  `json:"liveFlag"`
	Reason    *string `json:"reason,omitempty"`
	Moderator *string `json:"moderator,omitempty"`
	CreatedAt int64   `json:"createdAt"`
}

// SetLiveFlag records a moderator flag change and returns the updated post.
// Each call is an independent event; the last write wins.
func (s *Store) SetLiveFlag(ctx context.Context, code, flag, reason, moderator string, at int64) (*types.Post, error) {
	if flag != types.LiveFlagLive && flag != types.LiveFlagNotLive {
		return nil, fmt.Errorf("invalid live flag %q", flag)
	}
	err := s.withTx(ctx, func(tx *txExec) error {
		res, err := tx.exec(ctx, `
			UPDATE posts SET live_flag = ?, flag_reason = ?, flagged_by = ?, flagged_at = ?
			WHERE code = ?
		`, flag, nullIfEmpty(reason), nullIfEmpty(moderator), at, code)
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
		// The post row update above serializes writers for this code.
		var next int64
		if err := tx.queryRow(ctx, `SELECT COALESCE(MAX(event_seq), 0) + 1 FROM flag_events WHERE code = ?`, code).Scan(&next); err != nil {
			return err
		}
		_, err = tx.exec(ctx, `
			INSERT INTO flag_events(code, event_seq, live_flag, reason, moderator, created_at) VALUES(?, ?, ?, ?, ?, ?)
		`, code, next, flag, nullIfEmpty(reason), nullIfEmpty(moderator), at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetPost(ctx, code)
}

// FlagEvents returns the flag history of a post in the order it was written.
func (s *Store) FlagEvents(ctx context.Context, code string) ([]FlagEvent, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.query(ctx, `
		SELECT code, live_flag, reason, moderator, created_at
		FROM flag_events WHERE code = ?
		ORDER BY event_seq ASC
	`, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FlagEvent
	for rows.Next() {
		var e FlagEvent
		if err := rows.Scan(&e.Code, &e.LiveFlag, &e.Reason, &e.Moderator, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(sc scanner) (*types.Post, error) {
	var (
		p          types.Post
		seq        int64
		pubkey     sql.NullString
		categories string
	)
	err := sc.Scan(
		&p.SequentialCode, &seq, &p.Content, &p.ContentHash, &p.UserAddress, &p.Signature, &pubkey,
		&p.Timestamp, &p.PostType, &p.LiveFlag, &p.FlagReason, &p.FlaggedBy, &p.FlaggedAt,
		&p.ParentSequentialCode, &p.ParentIPFSHash, &p.BlockHeight, &p.AnchorTxID, &p.BatchNumber,
		&p.SignatureStatus, &p.Moderation.Action, &categories, &p.Moderation.CharterVersion,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Sequence = uint64(seq)
	p.PubKey = pubkey.String
	p.Moderation.Categories = []string{}
	if categories != "" {
		p.Moderation.Categories = strings.Split(categories, ",")
	}
	return &p, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func emptyToNil(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}
