package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/palantir/internal/keypool"
	"github.com/eugener/palantir/internal/usage"
)

// resetCheckInterval is how often the worker checks for a day boundary. The
// tracker also rolls counters lazily on access, so a late tick never serves
// stale daily totals; this worker exists to clear exhaustion marks promptly
// and log the rollover.
const resetCheckInterval = time.Minute

// DailyResetWorker clears calendar-day quota state when the day changes in
// the quota timezone.
type DailyResetWorker struct {
	tracker *usage.Tracker
	pool    *keypool.Pool

	now func() time.Time // test hook
}

// NewDailyResetWorker creates a DailyResetWorker.
func NewDailyResetWorker(tracker *usage.Tracker, pool *keypool.Pool) *DailyResetWorker {
	return &DailyResetWorker{tracker: tracker, pool: pool, now: time.Now}
}

// Name returns the worker identifier.
func (w *DailyResetWorker) Name() string { return "daily_reset" }

// Run checks for the day boundary once a minute until ctx is cancelled.
func (w *DailyResetWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(resetCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.maybeReset(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// maybeReset performs the rollover when due. ResetDue makes the check
// idempotent: restarts and repeated ticks inside one day are no-ops.
func (w *DailyResetWorker) maybeReset(ctx context.Context) {
	now := w.now()
	if !w.tracker.ResetDue(now) {
		return
	}
	w.tracker.DailyReset()
	w.pool.ResetDaily()
	slog.LogAttrs(ctx, slog.LevelInfo, "daily quota reset",
		slog.String("timezone", w.tracker.Location().String()),
		slog.String("day", now.In(w.tracker.Location()).Format("2006-01-02")),
	)
}
