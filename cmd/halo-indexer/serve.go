package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"halo-indexer/halo/anchor"
	"halo-indexer/halo/api"
	"halo-indexer/halo/archive"
	"halo-indexer/halo/batch"
	"halo-indexer/halo/config"
	"halo-indexer/halo/ipfs"
	"halo-indexer/halo/metrics"
	"halo-indexer/halo/moderation"
	"halo-indexer/halo/ratelimit"
	"halo-indexer/halo/seqcode"
	"halo-indexer/halo/signature"
	"halo-indexer/halo/storage"
)

func serve(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := storage.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	charters := moderation.NewCharterStore(cfg.CharterURL, cfg.CharterFile, cfg.CharterRefreshInterval, logger.Named("charter"))
	charters.OnRefresh = m.CharterRefresh

	var provider moderation.Provider
	if cfg.ModerationProvider == config.ProviderOpenAI {
		provider = moderation.NewOpenAIProvider(cfg.ModerationProviderURL, cfg.ModerationProviderKey)
	}
	engine := moderation.NewEngine(charters, provider, logger.Named("moderation"))
	codes := seqcode.New(st, cfg.SeqcodeMinWidth)

	batches := batch.NewManager(st, codes, newAnchorer(cfg, logger), batch.Config{
		MaxPosts:      cfg.BatchMaxPosts,
		FlushInterval: cfg.BatchFlushInterval,
		QueueSize:     cfg.BatchQueueSize,
	}, logger.Named("batch"), m)

	srv := &api.Server{
		Role:       programName,
		Store:      st,
		Codes:      codes,
		Verifier:   &signature.Verifier{Enforce: cfg.SignatureEnforce, BundleID: cfg.BundleID, AddressVersion: cfg.AddressVersion},
		Limiter:    ratelimit.New(st),
		Moderation: engine,
		Charters:   charters,
		Batches:    batches,
		Auth:       &api.Authenticator{Secret: []byte(cfg.JWTSecret), Required: cfg.AuthRequired},
		Metrics:    m,
		Logger:     logger.Named("api"),
		Options: api.Options{
			RateLimit:        cfg.RateLimitPerMinute,
			RateWindow:       cfg.RateLimitWindow,
			MaxContentLength: cfg.MaxContentLength,
			TimestampSkew:    cfg.TimestampSkew,
			TrustProxy:       cfg.TrustProxy,
			CodeWidth:        cfg.SeqcodeMinWidth,
		},
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.MDNSEnabled {
		stopMdns, err := advertiseMdns(cfg.HTTPAddr, cfg.MDNSService, logger)
		if err != nil {
			logger.Warn("mdns advertise failed", zap.Error(err))
		} else {
			defer stopMdns()
		}
	}
	if !cfg.SignatureEnforce {
		logger.Warn("signature enforcement disabled; mock signatures are accepted")
	}
	if !cfg.AuthRequired {
		logger.Warn("bearer token checks disabled")
	}

	logger.Info("halo-indexer starting",
		zap.String("http", cfg.HTTPAddr),
		zap.String("store", st.Driver()),
		zap.String("instance", batches.Owner()),
		zap.Bool("anchoring", cfg.AnchorURL != ""),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return charters.Run(gctx) })
	g.Go(func() error { return batches.Run(gctx) })
	g.Go(func() error {
		runRateWindowJanitor(gctx, st, cfg.RateLimitWindow, logger)
		return nil
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("halo-indexer stopped", zap.Error(err))
	return err
}

// newAnchorer wires the anchoring pipeline. Without an anchoring service
// sealed batches are left for a later run.
func newAnchorer(cfg *config.Config, logger *zap.Logger) batch.Anchorer {
	if cfg.AnchorURL == "" {
		return nil
	}
	p := &anchor.Pipeline{
		Service: anchor.NewClient(cfg.AnchorURL),
		Logger:  logger.Named("anchor"),
	}
	if cfg.ArchiveDir != "" {
		p.Journal = archive.New(cfg.ArchiveDir)
	}
	if cfg.IPFSAPIURL != "" {
		p.Pinner = ipfs.New(cfg.IPFSAPIURL)
	}
	return p
}

func runRateWindowJanitor(ctx context.Context, st *storage.Store, interval time.Duration, logger *zap.Logger) {
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.PruneRateWindows(ctx, time.Now())
			if err != nil {
				logger.Warn("prune rate windows", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("pruned rate windows", zap.Int64("count", n))
			}
		}
	}
}
