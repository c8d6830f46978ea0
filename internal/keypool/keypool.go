// Package keypool owns the set of upstream keys and their derived health
// scores, and answers "give me the best key for model M and N estimated
// tokens". Selection reads a cached score snapshot; outcome updates lock only
// the affected key's record.
package keypool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/limits"
	"github.com/eugener/palantir/internal/storage"
	"github.com/eugener/palantir/internal/usage"
)

const (
	defaultTopBandPercent = 10.0
	defaultScoreTTL       = 60 * time.Second
	defaultCooldownMin    = 30 * time.Second
	defaultCooldownMax    = 60 * time.Second

	stickyTTL     = 30 * time.Minute
	stickyMaxSize = 10_000
)

// record pairs a key's durable fields with its runtime eligibility state.
// Each record has its own mutex; the pool map itself is guarded separately.
type record struct {
	mu            sync.Mutex
	key           proxy.UpstreamKey
	cooldownUntil time.Time
	exhaustedDay  int // civil day the key hit its daily quota; 0 = not exhausted
}

// Config wires the pool's collaborators and tuning knobs.
type Config struct {
	Tracker  *usage.Tracker
	Registry *limits.Registry
	Store    storage.KeyStore // optional write-through persistence
	Location *time.Location   // quota timezone

	StickySessions bool
	TopBandPercent float64       // selection band width, default 10
	ScoreTTL       time.Duration // score cache freshness, default 60s
	CooldownMin    time.Duration // default 30s
	CooldownMax    time.Duration // default 60s
}

// Pool manages upstream keys, scores, and selection.
type Pool struct {
	mu      sync.RWMutex
	records map[string]*record

	scoreMu sync.RWMutex
	scores  map[scoreKey]cachedScore

	tracker  *usage.Tracker
	registry *limits.Registry
	store    storage.KeyStore
	loc      *time.Location

	sticky         *otter.Cache[string, string] // credential -> key id
	stickyEnabled  bool
	topBandPercent float64
	scoreTTL       time.Duration
	cooldownMin    time.Duration
	cooldownMax    time.Duration

	screen *screenCounters

	now func() time.Time // test hook
}

// New creates an empty pool; keys are added from config or storage at startup.
func New(cfg Config) (*Pool, error) {
	if cfg.Tracker == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("keypool: tracker and registry are required")
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	sticky, err := otter.New(&otter.Options[string, string]{
		MaximumSize:      stickyMaxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, string](stickyTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create sticky cache: %w", err)
	}

	p := &Pool{
		records:        make(map[string]*record),
		scores:         make(map[scoreKey]cachedScore),
		tracker:        cfg.Tracker,
		registry:       cfg.Registry,
		store:          cfg.Store,
		loc:            loc,
		sticky:         sticky,
		stickyEnabled:  cfg.StickySessions,
		topBandPercent: cfg.TopBandPercent,
		scoreTTL:       cfg.ScoreTTL,
		cooldownMin:    cfg.CooldownMin,
		cooldownMax:    cfg.CooldownMax,
		screen:         newScreenCounters(),
		now:            time.Now,
	}
	if p.topBandPercent <= 0 {
		p.topBandPercent = defaultTopBandPercent
	}
	if p.scoreTTL <= 0 {
		p.scoreTTL = defaultScoreTTL
	}
	if p.cooldownMin <= 0 {
		p.cooldownMin = defaultCooldownMin
	}
	if p.cooldownMax < p.cooldownMin {
		p.cooldownMax = defaultCooldownMax
	}
	return p, nil
}

func (p *Pool) civilDay(at time.Time) int {
	y, m, d := at.In(p.loc).Date()
	return y*10_000 + int(m)*100 + d
}

// --- Admin surface ---

// Add registers a key, assigning id, creation time, and auth type defaults,
// and persists it when a store is configured.
func (p *Pool) Add(ctx context.Context, key *proxy.UpstreamKey) error {
	if key.Secret == "" {
		return fmt.Errorf("%w: key secret is required", proxy.ErrBadRequest)
	}
	if key.ID == "" {
		key.ID = uuid.Must(uuid.NewV7()).String()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = p.now()
	}
	if key.AuthType == "" {
		key.AuthType = proxy.AuthTypeAPIKey
	}

	p.mu.Lock()
	if _, exists := p.records[key.ID]; exists {
		p.mu.Unlock()
		return fmt.Errorf("%w: key %s", proxy.ErrConflict, key.ID)
	}
	p.records[key.ID] = &record{key: *key}
	p.mu.Unlock()

	if p.store != nil {
		if err := p.store.CreateKey(ctx, key); err != nil {
			p.mu.Lock()
			delete(p.records, key.ID)
			p.mu.Unlock()
			return fmt.Errorf("persist key: %w", err)
		}
	}
	return nil
}

// Hydrate inserts already-persisted keys into the pool without writing them
// back, used at startup to load the durable key set. Keys already present are
// skipped.
func (p *Pool) Hydrate(keys []*proxy.UpstreamKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range keys {
		if _, exists := p.records[key.ID]; exists {
			continue
		}
		p.records[key.ID] = &record{key: *key}
	}
}

// Update replaces a key's durable fields, preserving runtime state.
func (p *Pool) Update(ctx context.Context, key *proxy.UpstreamKey) error {
	rec, err := p.record(key.ID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	prev := rec.key
	if key.Secret == "" {
		key.Secret = prev.Secret
	}
	key.CreatedAt = prev.CreatedAt
	key.LastUsedAt = prev.LastUsedAt
	rec.key = *key
	rec.mu.Unlock()

	p.invalidateScores(key.ID)
	if p.store != nil {
		if err := p.store.UpdateKey(ctx, key); err != nil {
			return fmt.Errorf("persist key update: %w", err)
		}
	}
	return nil
}

// Remove deletes a key and forgets its usage counters.
func (p *Pool) Remove(ctx context.Context, id string) error {
	p.mu.Lock()
	_, ok := p.records[id]
	delete(p.records, id)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: key %s", proxy.ErrNotFound, id)
	}

	p.invalidateScores(id)
	p.tracker.Forget(id)
	if p.store != nil {
		if err := p.store.DeleteKey(ctx, id); err != nil {
			return fmt.Errorf("delete key: %w", err)
		}
	}
	return nil
}

// SetEnabled flips a key's enabled flag. Enabling clears the disabled reason
// and runtime penalties, giving the key a clean slate.
func (p *Pool) SetEnabled(ctx context.Context, id string, enabled bool, reason string) error {
	rec, err := p.record(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	rec.key.Enabled = enabled
	rec.key.DisabledReason = reason
	if enabled {
		rec.key.DisabledReason = ""
		rec.cooldownUntil = time.Time{}
		rec.exhaustedDay = 0
	}
	key := rec.key
	rec.mu.Unlock()

	p.invalidateScores(id)
	if p.store != nil {
		if err := p.store.UpdateKey(ctx, &key); err != nil {
			return fmt.Errorf("persist key state: %w", err)
		}
	}
	return nil
}

// Get returns a copy of a key, secret included; callers serialize through
// the UpstreamKey JSON tags which omit it.
func (p *Pool) Get(id string) (*proxy.UpstreamKey, error) {
	rec, err := p.record(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	key := rec.key
	rec.mu.Unlock()
	return &key, nil
}

// List returns copies of all keys sorted by creation time.
func (p *Pool) List() []*proxy.UpstreamKey {
	p.mu.RLock()
	recs := make([]*record, 0, len(p.records))
	for _, rec := range p.records {
		recs = append(recs, rec)
	}
	p.mu.RUnlock()

	keys := make([]*proxy.UpstreamKey, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		key := rec.key
		rec.mu.Unlock()
		keys = append(keys, &key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys
}

// Len reports the pool size.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records)
}

func (p *Pool) record(id string) (*record, error) {
	p.mu.RLock()
	rec, ok := p.records[id]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: key %s", proxy.ErrNotFound, id)
	}
	return rec, nil
}

// --- Outcome recording ---

// MarkSuccess advances last_used_at and records the sticky association.
func (p *Pool) MarkSuccess(ctx context.Context, id, credential string) {
	rec, err := p.record(id)
	if err != nil {
		return
	}
	at := p.now()
	rec.mu.Lock()
	rec.key.LastUsedAt = &at
	rec.mu.Unlock()

	if p.stickyEnabled && credential != "" {
		p.sticky.Set(credential, id)
	}
	if p.store != nil {
		// Touch asynchronously; last_used is advisory.
		go func() {
			tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := p.store.TouchKeyUsed(tctx, id, at); err != nil {
				slog.LogAttrs(tctx, slog.LevelWarn, "touch key failed",
					slog.String("key", id),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}

// MarkCooldown demotes a key for a randomized 30-60 s interval after a
// transient upstream failure.
func (p *Pool) MarkCooldown(id string) {
	rec, err := p.record(id)
	if err != nil {
		return
	}
	d := p.cooldownMin
	if spread := p.cooldownMax - p.cooldownMin; spread > 0 {
		d += randDuration(spread)
	}
	rec.mu.Lock()
	rec.cooldownUntil = p.now().Add(d)
	rec.mu.Unlock()
	p.invalidateScores(id)
}

// MarkExhausted takes a key out of rotation until the next daily reset.
func (p *Pool) MarkExhausted(id string) {
	rec, err := p.record(id)
	if err != nil {
		return
	}
	rec.mu.Lock()
	rec.exhaustedDay = p.civilDay(p.now())
	rec.mu.Unlock()
	p.invalidateScores(id)
}

// MarkDisabled permanently disables a key after a fatal upstream rejection.
// Only an admin re-enable brings it back.
func (p *Pool) MarkDisabled(ctx context.Context, id, reason string) {
	rec, err := p.record(id)
	if err != nil {
		return
	}
	rec.mu.Lock()
	rec.key.Enabled = false
	rec.key.DisabledReason = reason
	key := rec.key
	rec.mu.Unlock()

	p.invalidateScores(id)
	if p.store != nil {
		if err := p.store.UpdateKey(ctx, &key); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "persist disabled key failed",
				slog.String("key", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ResetDaily clears all quota-exhausted-today marks and drops cached scores.
// Called by the scheduler at the daily boundary.
func (p *Pool) ResetDaily() {
	p.mu.RLock()
	recs := make([]*record, 0, len(p.records))
	for _, rec := range p.records {
		recs = append(recs, rec)
	}
	p.mu.RUnlock()

	for _, rec := range recs {
		rec.mu.Lock()
		rec.exhaustedDay = 0
		rec.mu.Unlock()
	}

	p.scoreMu.Lock()
	clear(p.scores)
	p.scoreMu.Unlock()
}

// --- Eligibility ---

// eligibleLocked classifies the key's state. Caller holds rec.mu.
func (p *Pool) eligibleLocked(rec *record, now time.Time) (bool, Reason) {
	switch {
	case !rec.key.Enabled:
		return false, ReasonDisabled
	case rec.key.Expired(now):
		return false, ReasonDisabled
	case rec.cooldownUntil.After(now):
		return false, ReasonCooldown
	case rec.exhaustedDay != 0 && rec.exhaustedDay == p.civilDay(now):
		return false, ReasonRPDExceeded
	}
	return true, ""
}

// ContextCompletionFor reports whether conversation context should be kept
// for the credential: the sticky key's flag when one is recorded, otherwise
// whether any enabled key has context completion on.
func (p *Pool) ContextCompletionFor(credential string) bool {
	if p.stickyEnabled && credential != "" {
		if id, ok := p.sticky.GetIfPresent(credential); ok {
			if rec, err := p.record(id); err == nil {
				rec.mu.Lock()
				enabled := rec.key.ContextCompletion
				rec.mu.Unlock()
				return enabled
			}
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, rec := range p.records {
		rec.mu.Lock()
		ok := rec.key.Enabled && rec.key.ContextCompletion
		rec.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

// NextCooldownExpiry returns the time until the nearest cooldown ends, for
// Retry-After hints. ok is false when nothing is cooling down.
func (p *Pool) NextCooldownExpiry() (time.Duration, bool) {
	now := p.now()
	p.mu.RLock()
	defer p.mu.RUnlock()

	var nearest time.Duration
	found := false
	for _, rec := range p.records {
		rec.mu.Lock()
		until := rec.cooldownUntil
		rec.mu.Unlock()
		if until.After(now) {
			if d := until.Sub(now); !found || d < nearest {
				nearest = d
				found = true
			}
		}
	}
	return nearest, found
}

// --- Status reporting ---

// KeyStatus is a point-in-time view of one key for admin and reporting.
type KeyStatus struct {
	ID             string     `json:"id"`
	Description    string     `json:"description,omitempty"`
	SecretPrefix   string     `json:"secret_prefix"`
	State          string     `json:"state"` // active, cooldown, exhausted_today, disabled
	DisabledReason string     `json:"disabled_reason,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Status returns the state of every key, sorted by creation time.
func (p *Pool) Status() []KeyStatus {
	now := p.now()
	keys := p.List()
	out := make([]KeyStatus, 0, len(keys))
	for _, key := range keys {
		rec, err := p.record(key.ID)
		if err != nil {
			continue
		}
		rec.mu.Lock()
		state := "active"
		if ok, reason := p.eligibleLocked(rec, now); !ok {
			switch reason {
			case ReasonDisabled:
				state = "disabled"
			case ReasonCooldown:
				state = "cooldown"
			case ReasonRPDExceeded:
				state = "exhausted_today"
			}
		}
		rec.mu.Unlock()

		out = append(out, KeyStatus{
			ID:             key.ID,
			Description:    key.Description,
			SecretPrefix:   key.Redacted(),
			State:          state,
			DisabledReason: key.DisabledReason,
			LastUsedAt:     key.LastUsedAt,
			CreatedAt:      key.CreatedAt,
		})
	}
	return out
}

// Screening returns the pool-wide aggregated screening counters, clearing
// them for the next reporting period.
func (p *Pool) Screening() map[Reason]int64 {
	return p.screen.drain()
}
