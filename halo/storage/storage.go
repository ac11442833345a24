package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultPageSize = 20
	MaxPageSize     = 100
)

var (
	ErrStoreClosed = errors.New("store closed")
	ErrNotFound    = errors.New("not found")
	ErrBatchClosed = errors.New("batch is not open")
)

// Store is the state shared by every indexer instance: counters, rate
// windows, posts with their indexes, and anchoring batches.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the store. For sqlite, dsn is a file path or ":memory:";
// for postgres it is a lib/pq connection string.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite, "":
		return openSQLite(dsn)
	case DriverPostgres:
		return openPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

func openSQLite(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, driver: DriverSQLite}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func openPostgres(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)

	s := &Store{db: db, driver: DriverPostgres}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Driver() string { return s.driver }

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS counters (
			name TEXT PRIMARY KEY,
			value BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS rate_windows (
			window_key TEXT PRIMARY KEY,
			hits BIGINT NOT NULL,
			expires_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS posts (
			code TEXT PRIMARY KEY,
			seq BIGINT NOT NULL UNIQUE,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			user_address TEXT NOT NULL,
			signature TEXT NOT NULL,
			pubkey TEXT,
			ts BIGINT NOT NULL,
			post_type TEXT NOT NULL,
			live_flag TEXT NOT NULL,
			flag_reason TEXT,
			flagged_by TEXT,
			flagged_at BIGINT,
			parent_code TEXT,
			parent_ipfs TEXT,
			block_height BIGINT,
			anchor_tx_id TEXT,
			batch_number BIGINT,
			signature_status TEXT NOT NULL,
			moderation_action TEXT NOT NULL,
			moderation_categories TEXT NOT NULL,
			charter_version TEXT NOT NULL,
			created_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS feed_index (
			seq BIGINT PRIMARY KEY,
			code TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS author_index (
			user_address TEXT NOT NULL,
			seq BIGINT NOT NULL,
			code TEXT NOT NULL,
			PRIMARY KEY(user_address, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS reply_index (
			parent_key TEXT NOT NULL,
			seq BIGINT NOT NULL,
			code TEXT NOT NULL,
			PRIMARY KEY(parent_key, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS flag_events (
			code TEXT NOT NULL,
			event_seq BIGINT NOT NULL,
			live_flag TEXT NOT NULL,
			reason TEXT,
			moderator TEXT,
			created_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS batches (
			batch_number BIGINT PRIMARY KEY,
			batch_code TEXT NOT NULL,
			owner TEXT NOT NULL,
			status TEXT NOT NULL,
			merkle_root TEXT,
			ipfs_hash TEXT,
			anchor_tx_id TEXT,
			block_height BIGINT,
			attempts BIGINT NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at BIGINT NOT NULL,
			sealed_at BIGINT,
			anchored_at BIGINT
		);`,
		`CREATE TABLE IF NOT EXISTS batch_posts (
			batch_number BIGINT NOT NULL,
			pos BIGINT NOT NULL,
			code TEXT NOT NULL UNIQUE,
			content_hash TEXT NOT NULL,
			PRIMARY KEY(batch_number, pos)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_flag_events_code ON flag_events(code);`,
		`CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);`,
		`CREATE INDEX IF NOT EXISTS idx_posts_batch ON posts(batch_number);`,
		`CREATE INDEX IF NOT EXISTS idx_rate_windows_expiry ON rate_windows(expires_at);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var sb strings.Builder
	sb.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *Store) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *Store) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

// withTx runs fn inside a transaction; fn receives a rebinding executor.
func (s *Store) withTx(ctx context.Context, fn func(tx *txExec) error) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&txExec{tx: tx, s: s}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type txExec struct {
	tx *sql.Tx
	s  *Store
}

func (t *txExec) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.s.rebind(q), args...)
}

func (t *txExec) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.s.rebind(q), args...)
}

func (t *txExec) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.s.rebind(q), args...)
}

func normalizePage(offset, limit int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return offset, limit
}
