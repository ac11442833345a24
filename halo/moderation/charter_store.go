package moderation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	SourceRemote = "remote"
	SourceFile   = "file"

	DefaultRefreshInterval = 90 * time.Second
	maxCharterBytes        = 1 << 20
)

var ErrNoCharter = errors.New("no charter loaded")

// Snapshot is one published charter version. It is never modified after
// being stored.
type Snapshot struct {
	Charter  *Charter  `json:"charter"`
	ETag     string    `json:"etag,omitempty"`
	Source   string    `json:"source"`
	LoadedAt time.Time `json:"loadedAt"`
}

// CharterStore keeps the active charter, refreshed from a remote URL with
// a local file fallback. Readers always observe a complete snapshot.
type CharterStore struct {
	URL        string
	FilePath   string
	Interval   time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
	// OnRefresh, if set, receives "updated", "not_modified", "file" or "error".
	OnRefresh func(result string)

	current atomic.Pointer[Snapshot]
	group   singleflight.Group
}

func NewCharterStore(url, filePath string, interval time.Duration, logger *zap.Logger) *CharterStore {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CharterStore{
		URL:        url,
		FilePath:   filePath,
		Interval:   interval,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Logger:     logger,
	}
}

// Current returns the active snapshot, or nil if no charter was ever loaded.
func (s *CharterStore) Current() *Snapshot {
	return s.current.Load()
}

// Charter returns the active charter, or nil.
func (s *CharterStore) Charter() *Charter {
	if s == nil {
		return nil
	}
	if snap := s.current.Load(); snap != nil {
		return snap.Charter
	}
	return nil
}

// Refresh fetches the remote charter, falling back to the local file when
// nothing remote was ever loaded. Concurrent calls share one fetch.
func (s *CharterStore) Refresh(ctx context.Context) error {
	_, err, _ := s.group.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	return err
}

func (s *CharterStore) refresh(ctx context.Context) error {
	if s.URL != "" {
		result, err := s.fetchRemote(ctx)
		if err == nil {
			s.report(result)
			return nil
		}
		s.Logger.Warn("charter fetch failed", zap.String("url", s.URL), zap.Error(err))
		if cur := s.Current(); cur != nil && cur.Source == SourceRemote {
			s.report("error")
			return err
		}
	}
	if s.FilePath == "" {
		s.report("error")
		if s.URL == "" {
			return fmt.Errorf("%w: no charter source configured", ErrNoCharter)
		}
		return ErrNoCharter
	}
	if err := s.LoadFile(); err != nil {
		s.report("error")
		return err
	}
	s.report("file")
	return nil
}

func (s *CharterStore) fetchRemote(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	if cur := s.Current(); cur != nil && cur.Source == SourceRemote && cur.ETag != "" {
		req.Header.Set("If-None-Match", cur.ETag)
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return "not_modified", nil
	case http.StatusOK:
	default:
		return "", fmt.Errorf("charter fetch: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCharterBytes))
	if err != nil {
		return "", err
	}
	c, err := ParseCharter(body)
	if err != nil {
		return "", err
	}
	s.publish(&Snapshot{Charter: c, ETag: resp.Header.Get("ETag"), Source: SourceRemote, LoadedAt: time.Now().UTC()})
	return "updated", nil
}

// LoadFile loads and publishes the local charter file.
func (s *CharterStore) LoadFile() error {
	c, err := LoadCharterFile(s.FilePath)
	if err != nil {
		return fmt.Errorf("load charter file %s: %w", s.FilePath, err)
	}
	s.publish(&Snapshot{Charter: c, Source: SourceFile, LoadedAt: time.Now().UTC()})
	return nil
}

func (s *CharterStore) publish(snap *Snapshot) {
	prev := s.current.Swap(snap)
	if prev == nil || prev.Charter.Version != snap.Charter.Version {
		s.Logger.Info("charter loaded",
			zap.String("version", snap.Charter.Version),
			zap.String("source", snap.Source),
		)
	}
}

func (s *CharterStore) report(result string) {
	if s.OnRefresh != nil {
		s.OnRefresh(result)
	}
}

// Run refreshes immediately and then on every interval until ctx is done.
// While the active charter came from the local file, edits to that file
// are picked up without waiting for the next tick.
func (s *CharterStore) Run(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		s.Logger.Warn("initial charter load failed", zap.Error(err))
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	if s.FilePath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.watchFile(ctx)
		}()
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.Logger.Debug("charter refresh", zap.Error(err))
			}
		}
	}
}

func (s *CharterStore) watchFile(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.Logger.Warn("charter watch unavailable", zap.Error(err))
		return
	}
	defer watcher.Close()

	target := filepath.Clean(s.FilePath)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		s.Logger.Warn("charter watch failed", zap.String("path", target), zap.Error(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if cur := s.Current(); cur != nil && cur.Source == SourceRemote {
				continue
			}
			if err := s.LoadFile(); err != nil {
				s.Logger.Warn("charter file reload failed", zap.Error(err))
				continue
			}
			s.report("file")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.Logger.Warn("charter watch error", zap.Error(err))
		}
	}
}
