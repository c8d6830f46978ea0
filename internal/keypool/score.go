package keypool

import (
	"math"
	"sort"
	"time"
)

// Score weights favor the daily dimensions: burning a day's quota hurts far
// longer than grazing a per-minute window.
const (
	weightRPD = 0.40
	weightTPD = 0.30
	weightRPM = 0.15
	weightTPM = 0.15
)

type scoreKey struct {
	keyID string
	model string
}

type cachedScore struct {
	value float64
	at    time.Time
}

// quotaScore computes the weighted remaining-capacity score for a key/model,
// using the cached value when it is still fresh. State (disabled, cooldown,
// exhausted) is deliberately not part of the cached value; Select and Score
// check state fresh on every call.
func (p *Pool) quotaScore(keyID, model string, now time.Time) float64 {
	sk := scoreKey{keyID: keyID, model: model}

	p.scoreMu.RLock()
	cached, ok := p.scores[sk]
	p.scoreMu.RUnlock()
	if ok && now.Sub(cached.at) < p.scoreTTL {
		return cached.value
	}

	value := p.computeQuotaScore(keyID, model)
	p.scoreMu.Lock()
	p.scores[sk] = cachedScore{value: value, at: now}
	p.scoreMu.Unlock()
	return value
}

// computeQuotaScore derives the score from live usage counters. Models
// without catalog limits score a flat 1.0 so recency alone decides ordering.
// Any dimension already at zero remaining sinks the key to -Inf.
func (p *Pool) computeQuotaScore(keyID, model string) float64 {
	lim, known := p.registry.Lookup(model)
	if !known {
		return 1.0
	}
	snap := p.tracker.Snapshot(keyID, model)

	ratio := func(used, limit int) float64 {
		if limit <= 0 {
			return 1.0
		}
		return 1.0 - float64(used)/float64(limit)
	}

	rRPM := ratio(snap.RPMUsed, lim.RPM)
	rRPD := ratio(snap.RPDUsed, lim.RPD)
	rTPM := ratio(snap.TPMInputUsed, lim.TPMInput)
	rTPD := ratio(snap.TPDInputUsed, lim.TPDInput)

	if rRPM <= 0 || rRPD <= 0 || rTPM <= 0 || rTPD <= 0 {
		return math.Inf(-1)
	}
	return weightRPD*rRPD + weightTPD*rTPD + weightRPM*rRPM + weightTPM*rTPM
}

// Score is the externally visible health score: -Inf for any key that is
// currently ineligible, the weighted quota score otherwise.
func (p *Pool) Score(keyID, model string) float64 {
	rec, err := p.record(keyID)
	if err != nil {
		return math.Inf(-1)
	}
	now := p.now()
	rec.mu.Lock()
	ok, _ := p.eligibleLocked(rec, now)
	rec.mu.Unlock()
	if !ok {
		return math.Inf(-1)
	}
	return p.quotaScore(keyID, model, now)
}

// invalidateScores drops all cached scores for one key so the next selection
// recomputes from live counters.
func (p *Pool) invalidateScores(keyID string) {
	p.scoreMu.Lock()
	for sk := range p.scores {
		if sk.keyID == keyID {
			delete(p.scores, sk)
		}
	}
	p.scoreMu.Unlock()
}

// RefreshScores recomputes every key x model score in bulk and swaps the
// cache wholesale. The scheduler runs this so request-path selections mostly
// hit fresh entries.
func (p *Pool) RefreshScores(models []string) {
	if len(models) == 0 {
		models = p.registry.Known()
	}
	now := p.now()

	p.mu.RLock()
	ids := make([]string, 0, len(p.records))
	for id := range p.records {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)

	next := make(map[scoreKey]cachedScore, len(ids)*len(models))
	for _, id := range ids {
		for _, model := range models {
			next[scoreKey{keyID: id, model: model}] = cachedScore{
				value: p.computeQuotaScore(id, model),
				at:    now,
			}
		}
	}

	p.scoreMu.Lock()
	p.scores = next
	p.scoreMu.Unlock()
}
