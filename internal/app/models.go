package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/maypok86/otter/v2"

	proxy "github.com/eugener/palantir/internal"
)

// modelProbeTTL is how long one upstream model-list probe is served before
// re-asking. Short enough to notice newly granted models, long enough to keep
// /v1/models off the upstream hot path.
const modelProbeTTL = 5 * time.Minute

const probeCacheKey = "models"

// modelProbe caches the upstream model list.
type modelProbe struct {
	cache *otter.Cache[string, []string]
}

func newModelProbe() *modelProbe {
	return &modelProbe{
		cache: otter.Must(&otter.Options[string, []string]{
			MaximumSize:      4,
			ExpiryCalculator: otter.ExpiryWriting[string, []string](modelProbeTTL),
		}),
	}
}

// Models returns the ids to advertise: the catalog intersected with what the
// upstream actually serves for this pool's keys. The catalog alone is the
// fallback when no key is available or the probe fails.
func (d *Dispatcher) Models(ctx context.Context) []string {
	known := d.registry.Known()

	upstreamIDs, ok := d.probe.cache.GetIfPresent(probeCacheKey)
	if !ok {
		key := d.anyEnabledKey()
		if key == nil {
			return known
		}
		ids, err := d.upstream.ListModels(ctx, key)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "model probe failed, serving catalog",
				slog.String("key_id", key.ID),
				slog.String("error", err.Error()))
			return known
		}
		d.probe.cache.Set(probeCacheKey, ids)
		upstreamIDs = ids
	}

	available := make(map[string]bool, len(upstreamIDs))
	for _, id := range upstreamIDs {
		available[id] = true
	}
	var out []string
	for _, id := range known {
		if available[id] {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return known
	}
	return out
}

// anyEnabledKey picks a key for non-quota probe calls.
func (d *Dispatcher) anyEnabledKey() *proxy.UpstreamKey {
	for _, k := range d.pool.List() {
		if k.Enabled && !k.Expired(d.now()) {
			return k
		}
	}
	return nil
}
