package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/eugener/palantir/internal/keypool"
	"github.com/eugener/palantir/internal/limits"
	"github.com/eugener/palantir/internal/ratelimit"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/usage"
)

// topIPCount bounds the client addresses named in each report.
const topIPCount = 5

// UsageReportWorker periodically logs a pool-wide usage digest: daily totals,
// per-key consumption, screening counters, top client addresses, remaining
// daily headroom, and a pool sizing suggestion. It is the only caller of
// Pool.Screening and Limiter.DrainTop, both of which drain their counters.
type UsageReportWorker struct {
	pool     *keypool.Pool
	tracker  *usage.Tracker
	registry *limits.Registry
	limiter  *ratelimit.Limiter // may be nil
	metrics  *telemetry.Metrics // may be nil

	interval time.Duration
	level    slog.Level
}

// NewUsageReportWorker creates a UsageReportWorker logging at the given
// level.
func NewUsageReportWorker(pool *keypool.Pool, tracker *usage.Tracker, registry *limits.Registry,
	limiter *ratelimit.Limiter, metrics *telemetry.Metrics,
	interval time.Duration, level slog.Level) *UsageReportWorker {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &UsageReportWorker{
		pool:     pool,
		tracker:  tracker,
		registry: registry,
		limiter:  limiter,
		metrics:  metrics,
		interval: interval,
		level:    level,
	}
}

// Name returns the worker identifier.
func (w *UsageReportWorker) Name() string { return "usage_report" }

// Run emits a report on a fixed interval until ctx is cancelled.
func (w *UsageReportWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.report(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *UsageReportWorker) report(ctx context.Context) {
	statuses := w.pool.Status()

	var totalRequests, totalInput, totalOutput int
	var capacity, cappedUsed int
	states := make(map[string]int, 4)
	for _, st := range statuses {
		states[st.State]++
	}

	// Report samples only the (key, model) pairs that saw traffic, so idle
	// keys and untouched models cost nothing here.
	rows := w.tracker.Report()
	perKey := make(map[string][]usage.Row, len(statuses))
	for _, row := range rows {
		if row.RPDUsed == 0 && row.TPDUsed == 0 {
			continue
		}
		perKey[row.KeyID] = append(perKey[row.KeyID], row)
		totalRequests += row.RPDUsed
		totalInput += row.TPDUsed
		totalOutput += row.OutputDay
		if lim, ok := w.registry.Lookup(row.Model); ok && lim.RPD > 0 {
			cappedUsed += row.RPDUsed
		}
	}
	for _, m := range w.registry.Known() {
		if lim, ok := w.registry.Lookup(m); ok && lim.RPD > 0 {
			capacity += lim.RPD * len(statuses)
		}
	}

	w.syncMetrics(states)
	screened := w.pool.Screening()
	w.recordScreened(screened)

	attrs := []slog.Attr{
		slog.Int("pool_size", len(statuses)),
		slog.Int("requests_today", totalRequests),
		slog.Int("input_tokens_today", totalInput),
		slog.Int("output_tokens_today", totalOutput),
		slog.String("key_states", formatCounts(states)),
		slog.String("sizing", sizingSuggestion(cappedUsed, capacity, len(statuses))),
	}
	if capacity > 0 {
		attrs = append(attrs, slog.Int("daily_headroom_requests", capacity-cappedUsed))
	}
	if len(screened) > 0 {
		attrs = append(attrs, slog.String("screened", formatScreened(screened)))
	}
	if w.limiter != nil {
		if top := w.limiter.DrainTop(topIPCount); len(top) > 0 {
			attrs = append(attrs, slog.String("top_ips", formatTopIPs(top)))
		}
	}
	slog.LogAttrs(ctx, w.level, "usage report", attrs...)

	for _, st := range statuses {
		rows := perKey[st.ID]
		if len(rows) == 0 {
			continue
		}
		keyAttrs := []slog.Attr{
			slog.String("key_id", st.ID),
			slog.String("key", st.SecretPrefix),
			slog.String("state", st.State),
		}
		for _, row := range rows {
			keyAttrs = append(keyAttrs, slog.Group(row.Model,
				slog.Int("rpd", row.RPDUsed),
				slog.Int("tpd_input", row.TPDUsed),
				slog.Int("output", row.OutputDay),
			))
		}
		slog.LogAttrs(ctx, w.level, "key usage", keyAttrs...)
	}
}

// syncMetrics publishes pool state gauges and drained screening counters.
func (w *UsageReportWorker) syncMetrics(states map[string]int) {
	if w.metrics == nil {
		return
	}
	for _, state := range []string{"active", "disabled", "cooldown", "exhausted_today"} {
		w.metrics.KeysByState.WithLabelValues(state).Set(float64(states[state]))
	}
}

// sizingSuggestion turns the day's request total against the pool's daily
// request capacity into operator guidance.
func sizingSuggestion(used, capacity, poolSize int) string {
	if capacity <= 0 || poolSize == 0 {
		return "no daily request caps configured"
	}
	util := float64(used) / float64(capacity)
	perKey := float64(capacity) / float64(poolSize)
	switch {
	case util >= 0.8:
		// Target 60% utilization so bursts keep headroom.
		want := int(math.Ceil(float64(used) / 0.6 / perKey))
		return fmt.Sprintf("pool at %.0f%% of daily request capacity, consider growing to %d keys", util*100, want)
	case util <= 0.1 && poolSize > 1:
		return fmt.Sprintf("pool at %.0f%% of daily request capacity, %d keys may be more than needed", util*100, poolSize)
	default:
		return fmt.Sprintf("pool at %.0f%% of daily request capacity", util*100)
	}
}

func formatCounts(states map[string]int) string {
	out := ""
	for _, s := range sortedKeys(states) {
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("%s=%d", s, states[s])
	}
	return out
}

func (w *UsageReportWorker) recordScreened(screened map[keypool.Reason]int64) {
	if w.metrics == nil {
		return
	}
	for reason, n := range screened {
		w.metrics.ScreenedKeys.WithLabelValues(string(reason)).Add(float64(n))
	}
}

func formatScreened(screened map[keypool.Reason]int64) string {
	reasons := make([]string, 0, len(screened))
	for r := range screened {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	out := ""
	for _, r := range reasons {
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("%s=%d", r, screened[keypool.Reason(r)])
	}
	return out
}

func formatTopIPs(top []ratelimit.IPCount) string {
	out := ""
	for _, t := range top {
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("%s=%d", t.IP, t.Count)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
