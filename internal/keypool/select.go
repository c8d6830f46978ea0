package keypool

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	proxy "github.com/eugener/palantir/internal"
)

// Request carries everything selection needs to pick a key.
type Request struct {
	Model      string
	Credential string
	// EstimatedInputTokens feeds the pre-flight TPM/TPD check.
	EstimatedInputTokens int
	// CacheOwnerID pins selection to the key owning a cached-content handle.
	// When set, no other key is considered.
	CacheOwnerID string
}

// Selection is a successful pick.
type Selection struct {
	Key        *proxy.UpstreamKey
	Sticky     bool
	CacheOwner bool
	// Screened lists candidates passed over before this pick, bounded to
	// the first maxScreenedPerRequest.
	Screened []Screened
}

// NoKeyError reports that every key was screened out. RetryAfter hints when
// capacity may return, derived from the nearest cooldown expiry.
type NoKeyError struct {
	RetryAfter time.Duration
	Screened   []Screened
}

func (e *NoKeyError) Error() string {
	return fmt.Sprintf("no upstream key available, retry after %s", e.RetryAfter)
}

func (e *NoKeyError) Unwrap() error { return proxy.ErrNoCapacity }

// CacheOwnerError reports that the pinned cache-owning key cannot serve the
// request. The caller drops the cache handle and reselects without pinning.
type CacheOwnerError struct {
	KeyID  string
	Reason Reason
}

func (e *CacheOwnerError) Error() string {
	return fmt.Sprintf("cache owner %s unavailable: %s", e.KeyID, e.Reason)
}

// defaultRetryAfter is the Retry-After hint when no cooldown expiry gives a
// better one.
const defaultRetryAfter = 30 * time.Second

// candidate is one key snapshot taken during selection.
type candidate struct {
	id       string
	score    float64
	lastUsed time.Time // zero = never used, sorts oldest
}

// Select picks the healthiest key for the request, preferring the cache
// owner when pinned, then the credential's sticky key, then the scored
// ranking. Pre-flight quota checks run fresh for every candidate tried.
func (p *Pool) Select(req Request) (*Selection, error) {
	now := p.now()

	if req.CacheOwnerID != "" {
		return p.selectCacheOwner(req, now)
	}

	var screened []Screened
	screen := func(id string, reason Reason) {
		p.screen.add(reason)
		if len(screened) < maxScreenedPerRequest {
			screened = append(screened, Screened{KeyID: id, Reason: reason})
		}
	}

	if p.stickyEnabled && req.Credential != "" {
		if id, ok := p.sticky.GetIfPresent(req.Credential); ok {
			sel, reason := p.tryCandidate(id, req, now)
			if sel != nil {
				sel.Sticky = true
				sel.Screened = screened
				return sel, nil
			}
			screen(id, reason)
		}
	}

	candidates := p.rankCandidates(req, now, screen)
	for _, cand := range candidates {
		sel, reason := p.tryCandidate(cand.id, req, now)
		if sel != nil {
			sel.Screened = screened
			return sel, nil
		}
		screen(cand.id, reason)
	}

	retryAfter := defaultRetryAfter
	if d, ok := p.NextCooldownExpiry(); ok && d < retryAfter {
		retryAfter = d
	}
	return nil, &NoKeyError{RetryAfter: retryAfter, Screened: screened}
}

// selectCacheOwner considers only the pinned key and converts any refusal
// into a CacheOwnerError so the caller can fall back to uncached dispatch.
func (p *Pool) selectCacheOwner(req Request, now time.Time) (*Selection, error) {
	sel, reason := p.tryCandidate(req.CacheOwnerID, req, now)
	if sel != nil {
		sel.CacheOwner = true
		return sel, nil
	}
	p.screen.add(reason)
	return nil, &CacheOwnerError{KeyID: req.CacheOwnerID, Reason: reason}
}

// tryCandidate runs the fresh state and pre-flight quota checks for one key.
// It returns either a selection or the screening reason.
func (p *Pool) tryCandidate(id string, req Request, now time.Time) (*Selection, Reason) {
	rec, err := p.record(id)
	if err != nil {
		return nil, ReasonNotFound
	}

	rec.mu.Lock()
	ok, reason := p.eligibleLocked(rec, now)
	key := rec.key
	rec.mu.Unlock()
	if !ok {
		return nil, reason
	}

	if breach := p.tracker.WouldExceed(id, req.Model, req.EstimatedInputTokens); breach.Any() {
		return nil, breachReason(breach)
	}
	return &Selection{Key: &key}, ""
}

// rankCandidates orders eligible keys for trial: the band of keys within
// topBandPercent of the best score goes first, least-recently-used first
// with a random tiebreak, followed by the rest in score order. Spreading
// load across near-equal keys keeps one key from absorbing every request
// between score refreshes.
func (p *Pool) rankCandidates(req Request, now time.Time, screen func(string, Reason)) []candidate {
	p.mu.RLock()
	recs := make(map[string]*record, len(p.records))
	for id, rec := range p.records {
		recs[id] = rec
	}
	p.mu.RUnlock()

	candidates := make([]candidate, 0, len(recs))
	for id, rec := range recs {
		rec.mu.Lock()
		ok, reason := p.eligibleLocked(rec, now)
		var lastUsed time.Time
		if rec.key.LastUsedAt != nil {
			lastUsed = *rec.key.LastUsedAt
		}
		rec.mu.Unlock()
		if !ok {
			screen(id, reason)
			continue
		}

		score := p.quotaScore(id, req.Model, now)
		if math.IsInf(score, -1) {
			screen(id, ReasonScoreTooLow)
			continue
		}
		candidates = append(candidates, candidate{id: id, score: score, lastUsed: lastUsed})
	}
	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0].score
	for _, cand := range candidates[1:] {
		if cand.score > best {
			best = cand.score
		}
	}
	floor := best * (1 - p.topBandPercent/100)

	var band, rest []candidate
	for _, cand := range candidates {
		if cand.score >= floor {
			band = append(band, cand)
		} else {
			rest = append(rest, cand)
		}
	}

	jitter := make(map[string]uint64, len(band))
	for _, cand := range band {
		jitter[cand.id] = rand.Uint64()
	}
	sort.Slice(band, func(i, j int) bool {
		if !band[i].lastUsed.Equal(band[j].lastUsed) {
			return band[i].lastUsed.Before(band[j].lastUsed)
		}
		return jitter[band[i].id] < jitter[band[j].id]
	})
	sort.Slice(rest, func(i, j int) bool { return rest[i].score > rest[j].score })

	return append(band, rest...)
}

func randDuration(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}
