package worker

import (
	"context"
	"time"

	"github.com/eugener/palantir/internal/keypool"
	"github.com/eugener/palantir/internal/limits"
)

// ScoreRefreshWorker periodically recomputes every key's selection scores
// for all cataloged models, so ranking decay does not depend on request
// traffic alone.
type ScoreRefreshWorker struct {
	pool     *keypool.Pool
	registry *limits.Registry
	interval time.Duration
}

// NewScoreRefreshWorker creates a ScoreRefreshWorker.
func NewScoreRefreshWorker(pool *keypool.Pool, registry *limits.Registry, interval time.Duration) *ScoreRefreshWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ScoreRefreshWorker{pool: pool, registry: registry, interval: interval}
}

// Name returns the worker identifier.
func (w *ScoreRefreshWorker) Name() string { return "score_refresh" }

// Run refreshes scores on a fixed interval until ctx is cancelled.
func (w *ScoreRefreshWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.pool.RefreshScores(w.registry.Known())
		case <-ctx.Done():
			return nil
		}
	}
}
