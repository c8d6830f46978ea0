package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/palantir/internal/cachemeta"
	"github.com/eugener/palantir/internal/contextstore"
)

// ContextSweepWorker evicts stored conversations idle past their TTL.
type ContextSweepWorker struct {
	store    contextstore.Store
	interval time.Duration
}

// NewContextSweepWorker creates a ContextSweepWorker.
func NewContextSweepWorker(store contextstore.Store, interval time.Duration) *ContextSweepWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &ContextSweepWorker{store: store, interval: interval}
}

// Name returns the worker identifier.
func (w *ContextSweepWorker) Name() string { return "context_sweep" }

// Run sweeps expired conversations on a fixed interval until ctx is
// cancelled.
func (w *ContextSweepWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := w.store.SweepExpired(ctx)
			if err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "context sweep failed",
					slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				slog.LogAttrs(ctx, slog.LevelDebug, "context sweep",
					slog.Int("removed", n))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// CacheSweepWorker drops cache handles past their expiry. Each tick first
// expires live handles whose owning key is no longer usable (per ownerUsable),
// so a disabled key's cached content is reclaimed on the next sweep rather
// than lingering until a request trips over it. Upstream deletion is
// best-effort inside the index.
type CacheSweepWorker struct {
	index       cachemeta.Index
	ownerUsable func(keyID string) bool // may be nil
	interval    time.Duration
}

// NewCacheSweepWorker creates a CacheSweepWorker. ownerUsable may be nil, in
// which case only time-based expiry applies.
func NewCacheSweepWorker(index cachemeta.Index, ownerUsable func(keyID string) bool, interval time.Duration) *CacheSweepWorker {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &CacheSweepWorker{index: index, ownerUsable: ownerUsable, interval: interval}
}

// Name returns the worker identifier.
func (w *CacheSweepWorker) Name() string { return "cache_sweep" }

// Run sweeps expired handles on a fixed interval until ctx is cancelled.
func (w *CacheSweepWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *CacheSweepWorker) sweep(ctx context.Context) {
	if w.ownerUsable != nil {
		n, err := w.index.ExpireOrphans(ctx, w.ownerUsable)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "cache orphan expiry failed",
				slog.String("error", err.Error()))
		} else if n > 0 {
			slog.LogAttrs(ctx, slog.LevelDebug, "cache handles orphaned",
				slog.Int("orphaned", n))
		}
	}

	n, err := w.index.SweepExpired(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "cache sweep failed",
			slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		slog.LogAttrs(ctx, slog.LevelDebug, "cache sweep",
			slog.Int("removed", n))
	}
}
