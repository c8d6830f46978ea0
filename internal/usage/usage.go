// Package usage tracks per-(key, model) request and input-token consumption
// against published quotas: sliding 60-second windows for RPM/TPM and
// calendar-day totals for RPD/TPD with a timezone-aware daily reset.
package usage

import (
	"sync"
	"time"

	"github.com/eugener/palantir/internal/limits"
)

const window = 60 * time.Second

// Snapshot is a read-consistent sample of one (key, model) counter set.
type Snapshot struct {
	RPMUsed      int
	RPDUsed      int
	TPMInputUsed int
	TPDInputUsed int
	OutputDay    int       // completion tokens today, reporting only
	LastUsed     time.Time // zero if never used
}

// Breach reports which limits one more call would exceed.
type Breach struct {
	RPM bool
	RPD bool
	TPM bool
	TPD bool
}

// Any reports whether any dimension would be breached.
func (b Breach) Any() bool { return b.RPM || b.RPD || b.TPM || b.TPD }

type setKey struct {
	keyID string
	model string
}

type tokenSample struct {
	at     time.Time
	tokens int
}

// counterSet holds the counters for one (key, model) pair. All fields are
// guarded by mu; windows are pruned on every read and write so entries
// strictly older than 60 s never count.
type counterSet struct {
	mu           sync.Mutex
	requests     []time.Time
	tokens       []tokenSample
	windowTokens int // running sum of tokens, kept in step with the slice
	rpdCount     int
	tpdCount     int
	outputDay    int // completion tokens today, reporting only
	lastUsed     time.Time
	lastResetDay int // civil day (in the quota timezone) of the last reset
}

func (s *counterSet) pruneLocked(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(s.requests) && s.requests[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		s.requests = append(s.requests[:0], s.requests[i:]...)
	}
	j := 0
	for j < len(s.tokens) && s.tokens[j].at.Before(cutoff) {
		s.windowTokens -= s.tokens[j].tokens
		j++
	}
	if j > 0 {
		s.tokens = append(s.tokens[:0], s.tokens[j:]...)
	}
}

// rollLocked lazily applies the daily reset when the calendar day has
// advanced. This keeps counters correct even if the scheduler tick is late.
func (s *counterSet) rollLocked(day int) {
	if s.lastResetDay == day {
		return
	}
	s.rpdCount = 0
	s.tpdCount = 0
	s.outputDay = 0
	s.lastResetDay = day
}

// Tracker owns all counter sets. Individual sets are updated under their own
// mutex; the set map is guarded by an RWMutex with double-checked creation.
type Tracker struct {
	mu   sync.RWMutex
	sets map[setKey]*counterSet

	registry *limits.Registry
	loc      *time.Location

	resetMu      sync.Mutex
	lastResetDay int

	now func() time.Time // test hook
}

// New creates a Tracker. loc is the quota timezone: daily counters reset at
// midnight in this zone.
func New(registry *limits.Registry, loc *time.Location) *Tracker {
	t := &Tracker{
		sets:     make(map[setKey]*counterSet),
		registry: registry,
		loc:      loc,
		now:      time.Now,
	}
	t.lastResetDay = t.civilDay(t.now())
	return t
}

// civilDay collapses a time to an orderable yyyymmdd integer in the quota
// timezone.
func (t *Tracker) civilDay(at time.Time) int {
	y, m, d := at.In(t.loc).Date()
	return y*10_000 + int(m)*100 + d
}

func (t *Tracker) set(keyID, model string) *counterSet {
	k := setKey{keyID: keyID, model: model}
	t.mu.RLock()
	s, ok := t.sets[k]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Double-check after acquiring write lock.
	if s, ok := t.sets[k]; ok {
		return s
	}
	s = &counterSet{lastResetDay: t.civilDay(t.now())}
	t.sets[k] = s
	return s
}

// RecordRequest charges one request and its input tokens at the given time.
// Charges are never undone, even if the request later fails or its stream
// aborts.
func (t *Tracker) RecordRequest(keyID, model string, inputTokens int, when time.Time) {
	s := t.set(keyID, model)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked(t.civilDay(when))
	s.pruneLocked(when)
	s.requests = append(s.requests, when)
	if inputTokens > 0 {
		s.tokens = append(s.tokens, tokenSample{at: when, tokens: inputTokens})
		s.windowTokens += inputTokens
		s.tpdCount += inputTokens
	}
	s.rpdCount++
	s.lastUsed = when
}

// RecordOutput settles completion tokens after a response or stream finishes.
// Output tokens feed the usage report only; quota dimensions track input.
func (t *Tracker) RecordOutput(keyID, model string, outputTokens int) {
	if outputTokens <= 0 {
		return
	}
	s := t.set(keyID, model)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked(t.civilDay(t.now()))
	s.outputDay += outputTokens
}

// Snapshot samples the counters for one (key, model), evicting expired
// window entries as a side effect.
func (t *Tracker) Snapshot(keyID, model string) Snapshot {
	s := t.set(keyID, model)
	now := t.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked(t.civilDay(now))
	s.pruneLocked(now)
	return Snapshot{
		RPMUsed:      len(s.requests),
		RPDUsed:      s.rpdCount,
		TPMInputUsed: s.windowTokens,
		TPDInputUsed: s.tpdCount,
		OutputDay:    s.outputDay,
		LastUsed:     s.lastUsed,
	}
}

// WouldExceed reports which limits one more call with the given input size
// would breach. A request landing exactly on a limit is admissible; one
// token past it is not. Models absent from the catalog breach nothing.
func (t *Tracker) WouldExceed(keyID, model string, additionalInput int) Breach {
	lim, ok := t.registry.Lookup(model)
	if !ok {
		return Breach{}
	}
	snap := t.Snapshot(keyID, model)
	return Breach{
		RPM: lim.RPM > 0 && snap.RPMUsed+1 > lim.RPM,
		RPD: lim.RPD > 0 && snap.RPDUsed+1 > lim.RPD,
		TPM: lim.TPMInput > 0 && snap.TPMInputUsed+additionalInput > lim.TPMInput,
		TPD: lim.TPDInput > 0 && snap.TPDInputUsed+additionalInput > lim.TPDInput,
	}
}

// DailyReset zeroes all calendar-day counters. Idempotent: calling it twice
// on the same day is a no-op for sets already rolled.
func (t *Tracker) DailyReset() {
	day := t.civilDay(t.now())
	t.resetMu.Lock()
	t.lastResetDay = day
	t.resetMu.Unlock()

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.sets {
		s.mu.Lock()
		s.rollLocked(day)
		s.mu.Unlock()
	}
}

// ResetDue reports whether the calendar day in the quota timezone has
// advanced past the last reset.
func (t *Tracker) ResetDue(now time.Time) bool {
	t.resetMu.Lock()
	defer t.resetMu.Unlock()
	return t.civilDay(now) > t.lastResetDay
}

// Location returns the quota timezone.
func (t *Tracker) Location() *time.Location { return t.loc }

// Forget drops all counter sets for a key, e.g. after an admin delete.
func (t *Tracker) Forget(keyID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.sets {
		if k.keyID == keyID {
			delete(t.sets, k)
		}
	}
}
