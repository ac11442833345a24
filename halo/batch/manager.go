package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"halo-indexer/halo/metrics"
	"halo-indexer/halo/storage"
	"halo-indexer/halo/types"
)

const (
	DefaultMaxPosts      = 100
	DefaultFlushInterval = 5 * time.Minute
	DefaultQueueSize     = 1024
	DefaultAddRetries    = 5
	DefaultAnchorRetries = 3
	DefaultReconcileAge  = time.Minute
	pendingPageSize      = 10
	reconcilePageSize    = 200
)

var ErrNotConfirmed = errors.New("anchor transaction not confirmed")

// Store persists batches and their membership.
type Store interface {
	OpenBatch(ctx context.Context, number int64, code, owner string, now int64) error
	AppendBatchPost(ctx context.Context, number int64, code, contentHash string) (int, error)
	SealBatch(ctx context.Context, number int64, now int64, rootFn func([]types.BatchLeaf) string) ([]types.BatchLeaf, string, error)
	BatchLeaves(ctx context.Context, number int64) ([]types.BatchLeaf, error)
	PendingBatches(ctx context.Context, limit int) ([]types.Batch, error)
	StaleOpenBatches(ctx context.Context, self string, cutoff int64) ([]types.Batch, error)
	RecordAnchorAttempt(ctx context.Context, number int64, ipfsHash, lastErr string) error
	MarkBatchAnchored(ctx context.Context, number int64, ipfsHash, txID string, height, now int64) error
	UnbatchedPosts(ctx context.Context, before int64, limit int) ([]types.Post, error)
}

// Sequencer issues batch numbers from the shared counter.
type Sequencer interface {
	GenerateBatch(ctx context.Context) (string, uint64, error)
}

// Manifest is the sealed batch content handed to the anchoring service.
type Manifest struct {
	Version     int               `json:"version"`
	BatchNumber int64             `json:"batchNumber"`
	BatchCode   string            `json:"batchCode"`
	MerkleRoot  string            `json:"merkleRoot"`
	Leaves      []types.BatchLeaf `json:"leaves"`
	SealedAt    int64             `json:"sealedAt"`
}

type AnchorResult struct {
	IPFSHash    string
	TxID        string
	BlockHeight int64
}

// Anchorer publishes a manifest on chain. A zero BlockHeight means the
// transaction is not confirmed yet.
type Anchorer interface {
	Anchor(ctx context.Context, m Manifest) (AnchorResult, error)
}

type Receipt struct {
	BatchNumber int64  `json:"batchNumber"`
	BatchCode   string `json:"batchCode"`
	PostCount   int    `json:"postCount"`
	Sealed      bool   `json:"sealed"`
}

type Config struct {
	MaxPosts      int
	FlushInterval time.Duration
	QueueSize     int
	AddRetries    uint64
	AnchorRetries uint64
	ReconcileAge  time.Duration // minimum age of an unbatched post before Reconcile takes it
}

func (c Config) withDefaults() Config {
	if c.MaxPosts <= 0 {
		c.MaxPosts = DefaultMaxPosts
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.AddRetries == 0 {
		c.AddRetries = DefaultAddRetries
	}
	if c.AnchorRetries == 0 {
		c.AnchorRetries = DefaultAnchorRetries
	}
	if c.ReconcileAge <= 0 {
		c.ReconcileAge = DefaultReconcileAge
	}
	return c
}

type openBatch struct {
	number    int64
	code      string
	count     int
	createdAt time.Time
}

// Manager groups accepted posts into batches for anchoring. Adding a post
// is best effort: failures are retried in the background and never reach
// the submitter.
type Manager struct {
	store    Store
	seq      Sequencer
	anchorer Anchorer
	cfg      Config
	owner    string
	logger   *zap.Logger
	metrics  *metrics.Metrics

	// Now and NewBackOff are replaceable for tests.
	Now        func() time.Time
	NewBackOff func() backoff.BackOff

	mu   sync.Mutex
	open *openBatch

	queue chan *types.Post
}

func NewManager(store Store, seq Sequencer, anchorer Anchorer, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		store:    store,
		seq:      seq,
		anchorer: anchorer,
		cfg:      cfg,
		owner:    uuid.NewString(),
		logger:   logger,
		metrics:  m,
		Now:      time.Now,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 2 * time.Minute
			return b
		},
		queue: make(chan *types.Post, cfg.QueueSize),
	}
}

// Owner is the instance id recorded on batches opened by this manager.
func (m *Manager) Owner() string { return m.owner }

// Submit enqueues p without blocking. It reports false when the queue is
// full; the post stays stored and is picked up later by Reconcile.
func (m *Manager) Submit(p *types.Post) bool {
	select {
	case m.queue <- p:
		m.metrics.SetQueueDepth(len(m.queue))
		return true
	default:
		m.logger.Warn("batch queue full, post not batched", zap.String("code", p.SequentialCode))
		return false
	}
}

// AddPostToBatch appends p to this instance's open batch, opening one if
// needed, and seals the batch once it reaches the size limit.
func (m *Manager) AddPostToBatch(ctx context.Context, p *types.Post) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count, err := m.appendLocked(ctx, p)
	if errors.Is(err, storage.ErrBatchClosed) {
		// Sealed by another instance's sweep; start a fresh batch.
		m.open = nil
		count, err = m.appendLocked(ctx, p)
	}
	if err != nil {
		return Receipt{}, err
	}

	r := Receipt{BatchNumber: m.open.number, BatchCode: m.open.code, PostCount: count}
	m.open.count = count
	if count >= m.cfg.MaxPosts {
		if err := m.sealLocked(ctx); err != nil {
			return r, err
		}
		r.Sealed = true
	}
	return r, nil
}

func (m *Manager) appendLocked(ctx context.Context, p *types.Post) (int, error) {
	if m.open == nil {
		code, n, err := m.seq.GenerateBatch(ctx)
		if err != nil {
			return 0, err
		}
		now := m.Now()
		if err := m.store.OpenBatch(ctx, int64(n), code, m.owner, now.UnixMilli()); err != nil {
			return 0, err
		}
		m.open = &openBatch{number: int64(n), code: code, createdAt: now}
		m.logger.Debug("batch opened", zap.String("batch", code))
	}
	return m.store.AppendBatchPost(ctx, m.open.number, p.SequentialCode, p.ContentHash)
}

// Flush seals the open batch if it holds any posts.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open == nil || m.open.count == 0 {
		return nil
	}
	return m.sealLocked(ctx)
}

func (m *Manager) flushIfDue(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open == nil || m.open.count == 0 {
		return nil
	}
	if m.Now().Sub(m.open.createdAt) < m.cfg.FlushInterval {
		return nil
	}
	return m.sealLocked(ctx)
}

func (m *Manager) sealLocked(ctx context.Context) error {
	b := m.open
	if err := m.seal(ctx, b.number, b.code); err != nil {
		return err
	}
	m.open = nil
	return nil
}

func (m *Manager) seal(ctx context.Context, number int64, code string) error {
	leaves, root, err := m.store.SealBatch(ctx, number, m.Now().UnixMilli(), MerkleRoot)
	if err != nil {
		return fmt.Errorf("seal %s: %w", code, err)
	}
	m.metrics.BatchSealed()
	m.logger.Info("batch sealed",
		zap.String("batch", code),
		zap.Int("posts", len(leaves)),
		zap.String("merkleRoot", root),
	)
	return nil
}

// SweepStale seals non-empty open batches left behind by other instances.
func (m *Manager) SweepStale(ctx context.Context) error {
	cutoff := m.Now().Add(-2 * m.cfg.FlushInterval).UnixMilli()
	stale, err := m.store.StaleOpenBatches(ctx, m.owner, cutoff)
	if err != nil {
		return err
	}
	for _, b := range stale {
		if len(b.PostCodes) == 0 {
			continue
		}
		if err := m.seal(ctx, b.BatchNumber, b.BatchCode); err != nil {
			m.logger.Warn("stale batch seal failed", zap.String("batch", b.BatchCode), zap.Error(err))
			continue
		}
		m.logger.Info("sealed stale batch", zap.String("batch", b.BatchCode), zap.String("owner", b.Owner))
	}
	return nil
}

// Reconcile batches stored posts that never reached a batch: dropped on a
// full queue, out of add retries, or still queued when an instance stopped.
// Posts already batched elsewhere are skipped by the store.
func (m *Manager) Reconcile(ctx context.Context) error {
	cutoff := m.Now().Add(-m.cfg.ReconcileAge).UnixMilli()
	posts, err := m.store.UnbatchedPosts(ctx, cutoff, reconcilePageSize)
	if err != nil {
		return err
	}
	for i := range posts {
		if _, err := m.AddPostToBatch(ctx, &posts[i]); err != nil {
			return fmt.Errorf("reconcile %s: %w", posts[i].SequentialCode, err)
		}
	}
	if len(posts) > 0 {
		m.logger.Info("reconciled unbatched posts", zap.Int("count", len(posts)))
	}
	return nil
}

// AnchorPending submits sealed batches to the anchorer, retrying each with
// backoff. Failures are recorded and retried on the next call.
func (m *Manager) AnchorPending(ctx context.Context) error {
	if m.anchorer == nil {
		return nil
	}
	pending, err := m.store.PendingBatches(ctx, pendingPageSize)
	if err != nil {
		return err
	}
	for _, b := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.anchorOne(ctx, b)
	}
	return nil
}

func (m *Manager) anchorOne(ctx context.Context, b types.Batch) {
	leaves, err := m.store.BatchLeaves(ctx, b.BatchNumber)
	if err != nil {
		m.logger.Warn("load batch leaves", zap.String("batch", b.BatchCode), zap.Error(err))
		return
	}
	manifest := Manifest{
		Version:     types.Version1,
		BatchNumber: b.BatchNumber,
		BatchCode:   b.BatchCode,
		MerkleRoot:  b.MerkleRoot,
		Leaves:      leaves,
		SealedAt:    derefInt64(b.SealedAt),
	}

	var res AnchorResult
	op := func() error {
		r, err := m.anchorer.Anchor(ctx, manifest)
		res = r
		if err != nil {
			return err
		}
		if r.BlockHeight <= 0 {
			return ErrNotConfirmed
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Debug("anchor retry", zap.String("batch", b.BatchCode), zap.Duration("wait", wait), zap.Error(err))
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(m.NewBackOff(), m.cfg.AnchorRetries), ctx)
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		m.metrics.AnchorFailure()
		m.logger.Warn("anchor failed", zap.String("batch", b.BatchCode), zap.Error(err))
		if rerr := m.store.RecordAnchorAttempt(ctx, b.BatchNumber, res.IPFSHash, err.Error()); rerr != nil {
			m.logger.Warn("record anchor attempt", zap.String("batch", b.BatchCode), zap.Error(rerr))
		}
		return
	}

	if err := m.store.MarkBatchAnchored(ctx, b.BatchNumber, res.IPFSHash, res.TxID, res.BlockHeight, m.Now().UnixMilli()); err != nil {
		m.logger.Warn("mark batch anchored", zap.String("batch", b.BatchCode), zap.Error(err))
		return
	}
	m.metrics.BatchAnchored()
	m.logger.Info("batch anchored",
		zap.String("batch", b.BatchCode),
		zap.String("tx", res.TxID),
		zap.Int64("blockHeight", res.BlockHeight),
	)
}

// Run processes the submit queue and the flush/sweep/anchor ticker until
// ctx is done, then drains the queue and seals the open batch.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.work(ctx)
	}()

	tick := m.cfg.FlushInterval / 5
	if tick < time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			m.shutdown()
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one round of periodic work.
func (m *Manager) Tick(ctx context.Context) {
	if err := m.flushIfDue(ctx); err != nil {
		m.logger.Warn("batch flush failed", zap.Error(err))
	}
	if err := m.Reconcile(ctx); err != nil {
		m.logger.Warn("batch reconcile failed", zap.Error(err))
	}
	if err := m.SweepStale(ctx); err != nil {
		m.logger.Warn("stale batch sweep failed", zap.Error(err))
	}
	if err := m.AnchorPending(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("anchor pass failed", zap.Error(err))
	}
}

func (m *Manager) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-m.queue:
			m.metrics.SetQueueDepth(len(m.queue))
			m.addWithRetry(ctx, p)
		}
	}
}

func (m *Manager) addWithRetry(ctx context.Context, p *types.Post) {
	op := func() error {
		_, err := m.AddPostToBatch(ctx, p)
		return err
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Debug("batch add retry", zap.String("code", p.SequentialCode), zap.Duration("wait", wait), zap.Error(err))
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(m.NewBackOff(), m.cfg.AddRetries), ctx)
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		m.logger.Error("post not batched, left for reconcile", zap.String("code", p.SequentialCode), zap.Error(err))
	}
}

func (m *Manager) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case p := <-m.queue:
			if _, err := m.AddPostToBatch(ctx, p); err != nil {
				m.logger.Warn("drain batch queue", zap.String("code", p.SequentialCode), zap.Error(err))
			}
			continue
		default:
		}
		break
	}
	m.metrics.SetQueueDepth(0)
	if err := m.Flush(ctx); err != nil {
		m.logger.Warn("final batch flush failed", zap.Error(err))
	}
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
