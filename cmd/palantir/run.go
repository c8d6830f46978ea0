package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/app"
	"github.com/eugener/palantir/internal/auth"
	"github.com/eugener/palantir/internal/cachemeta"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/contextstore"
	"github.com/eugener/palantir/internal/keypool"
	"github.com/eugener/palantir/internal/limits"
	"github.com/eugener/palantir/internal/ratelimit"
	"github.com/eugener/palantir/internal/server"
	"github.com/eugener/palantir/internal/storage/sqlite"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/upstream"
	"github.com/eugener/palantir/internal/usage"
	"github.com/eugener/palantir/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	slog.Info("starting palantir", "version", version, "addr", cfg.Server.Addr)

	loc, err := cfg.QuotaLocation()
	if err != nil {
		return err
	}

	registry, err := limits.Load(cfg.Limits.CatalogPath, cfg.Limits.FallbackInputTokenLimit)
	if err != nil {
		return err
	}

	// One store serves every component in database mode; all-memory configs
	// run without a database file.
	var store *sqlite.Store
	if cfg.NeedsDatabase() {
		store, err = sqlite.New(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	// Usage tracker and key pool
	tracker := usage.New(registry, loc)

	poolCfg := keypool.Config{
		Tracker:        tracker,
		Registry:       registry,
		Location:       loc,
		StickySessions: cfg.Upstream.StickySessions,
		TopBandPercent: cfg.Upstream.TopBandPercent,
		ScoreTTL:       cfg.Cache.RefreshInterval,
	}
	if cfg.Upstream.KeyStorage == config.ModeDatabase {
		poolCfg.Store = store
	}
	pool, err := keypool.New(poolCfg)
	if err != nil {
		return err
	}
	if err := config.SeedKeys(ctx, cfg, pool, poolCfg.Store); err != nil {
		return err
	}

	// Proxy-facing authentication
	var authenticator proxy.Authenticator
	switch cfg.Auth.Mode {
	case config.ModeDatabase:
		dbAuth, err := auth.NewDatabase(store, cfg.Auth.CacheSize, cfg.Auth.CacheTTL)
		if err != nil {
			return err
		}
		authenticator = dbAuth
		secret, err := auth.EnsureAdmin(ctx, store)
		if err != nil {
			return err
		}
		if secret != "" {
			// Printed exactly once; only the hash is stored.
			slog.Info("generated admin credential", "credential", secret)
		}
	default:
		authenticator = auth.NewMemory(cfg.Auth.Credentials, cfg.Auth.AdminCredential)
	}

	// Upstream adapter with cached DNS
	resolver := &dnscache.Resolver{}
	go refreshDNS(ctx, resolver)

	upstreamClient := upstream.New(upstream.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		APIVersion:     cfg.Upstream.APIVersion,
		Resolver:       resolver,
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
		ReadTimeout:    cfg.Upstream.ReadTimeout,
	})

	// Context store
	var contexts contextstore.Store
	switch cfg.Context.Storage {
	case config.ModeDatabase:
		contexts = contextstore.NewDatabase(store, cfg.ContextTTL())
	case config.ModeRedis:
		contexts, err = contextstore.NewRedis(contextstore.RedisConfig{
			Addr:     cfg.Context.Redis.Addr,
			Password: cfg.Context.Redis.Password,
			DB:       cfg.Context.Redis.DB,
			TTL:      cfg.ContextTTL(),
		})
		if err != nil {
			return err
		}
	default:
		contexts = contextstore.NewMemory(cfg.ContextTTL(), cfg.Context.MaxRecords)
	}

	// Cache handle index
	var caches cachemeta.Index
	if cfg.Cache.Enabled {
		deleter := &app.CacheDeleter{Pool: pool, Upstream: upstreamClient}
		if store != nil {
			caches = cachemeta.NewDatabase(store, deleter)
		} else {
			caches = cachemeta.NewMemory(deleter)
		}
	}

	// Metrics
	var metrics *telemetry.Metrics
	var gatherer prometheus.Gatherer
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		gatherer = reg
	}

	// Dispatch pipeline
	dispatcher, err := app.New(app.Config{
		Pool:                 pool,
		Tracker:              tracker,
		Registry:             registry,
		Upstream:             upstreamClient,
		Contexts:             contexts,
		Caches:               caches,
		Metrics:              metrics,
		MaxAttempts:          cfg.Upstream.MaxAttempts,
		SafetyMargin:         cfg.Limits.SafetyMargin,
		CacheEnabled:         cfg.Cache.Enabled,
		CacheMinPrefixTokens: cfg.Cache.MinPrefixTokens,
		CacheTTL:             cfg.Cache.TTL,
		StreamSaveReply:      cfg.Context.StreamSaveReply,
		DisableSafety:        cfg.Safety.DisableFiltering,
	})
	if err != nil {
		return err
	}

	// Per-IP rate limiting
	var limiter *ratelimit.Limiter
	if cfg.RateLimits.PerIPPerMinute > 0 || cfg.RateLimits.PerIPPerDay > 0 {
		limiter = ratelimit.New(ratelimit.Limits{
			PerMinute: cfg.RateLimits.PerIPPerMinute,
			PerDay:    cfg.RateLimits.PerIPPerDay,
		}, loc)
	}

	// HTTP server
	var readyCheck server.ReadyChecker
	if store != nil {
		readyCheck = store.Ping
	}
	handler := server.New(server.Deps{
		Auth:        authenticator,
		Dispatcher:  dispatcher,
		Pool:        pool,
		Usage:       tracker,
		Limits:      registry,
		RateLimiter: limiter,
		Metrics:     metrics,
		Gatherer:    gatherer,
		ReadyCheck:  readyCheck,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers
	workers := []worker.Worker{
		worker.NewDailyResetWorker(tracker, pool),
		worker.NewScoreRefreshWorker(pool, registry, cfg.Cache.RefreshInterval),
		worker.NewUsageReportWorker(pool, tracker, registry, limiter, metrics,
			cfg.Scheduler.UsageReportInterval, cfg.ReportLevel()),
	}
	if cfg.Context.Storage != config.ModeRedis {
		// Redis expires records server-side; the other backends sweep.
		workers = append(workers, worker.NewContextSweepWorker(contexts, cfg.Context.CleanupInterval))
	}
	if caches != nil {
		workers = append(workers, worker.NewCacheSweepWorker(caches, keyUsable(pool), cfg.Cache.TTL/2))
	}

	runner := worker.NewRunner(workers...)
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("palantir ready",
		"addr", cfg.Server.Addr,
		"keys", pool.Len(),
		"auth_mode", cfg.Auth.Mode,
		"context_storage", cfg.Context.Storage,
		"cache_enabled", cfg.Cache.Enabled,
		"quota_timezone", cfg.Scheduler.QuotaTimezone,
	)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		stop()
		<-workerDone
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Workers stop on the cancelled signal context; wait for acknowledgement.
	if err := <-workerDone; err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	slog.Info("palantir stopped")
	return nil
}

// keyUsable reports whether a cache handle's owning key can still serve it.
// Disabled and hard-expired keys orphan their handles; cooldown and daily
// exhaustion are temporary and do not.
func keyUsable(pool *keypool.Pool) func(keyID string) bool {
	return func(keyID string) bool {
		key, err := pool.Get(keyID)
		if err != nil {
			return false
		}
		return key.Enabled && !key.Expired(time.Now())
	}
}

// setupLogging installs the process-wide slog handler from config.
func setupLogging(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	var h slog.Handler
	if cfg.Logging.Format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

// refreshDNS re-resolves cached upstream hosts so long-lived processes track
// DNS changes.
func refreshDNS(ctx context.Context, resolver *dnscache.Resolver) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			resolver.Refresh(true)
		case <-ctx.Done():
			return
		}
	}
}
