package contextstore

import (
	"context"
	"sync"
	"time"

	proxy "github.com/eugener/palantir/internal"
)

type memoryRecord struct {
	turns    []proxy.Turn
	lastUsed time.Time
	created  time.Time
}

// Memory is the in-process store: one record per credential, bounded by
// maxRecords with oldest-last_used eviction on overflow.
type Memory struct {
	mu         sync.Mutex
	records    map[string]*memoryRecord
	ttl        time.Duration
	maxRecords int

	now func() time.Time // test hook
}

// NewMemory creates a Memory store. maxRecords <= 0 means unbounded.
func NewMemory(ttl time.Duration, maxRecords int) *Memory {
	return &Memory{
		records:    make(map[string]*memoryRecord),
		ttl:        ttl,
		maxRecords: maxRecords,
		now:        time.Now,
	}
}

// Load returns the stored turns and touches the record's last_used so active
// conversations stay out of the sweeper's reach.
func (m *Memory) Load(_ context.Context, credential string) ([]proxy.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[credential]
	if !ok {
		return nil, nil
	}
	rec.lastUsed = m.now()
	out := make([]proxy.Turn, len(rec.turns))
	copy(out, rec.turns)
	return out, nil
}

// Save merges, truncates, and stores under the caller's credential.
func (m *Memory) Save(_ context.Context, credential string, appended []proxy.Turn, tokenLimit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing []proxy.Turn
	if rec, ok := m.records[credential]; ok {
		existing = rec.turns
	}
	merged, err := merge(existing, appended, tokenLimit)
	if err != nil {
		return err
	}

	now := m.now()
	if rec, ok := m.records[credential]; ok {
		rec.turns = merged
		rec.lastUsed = now
		return nil
	}
	m.evictOverflowLocked()
	m.records[credential] = &memoryRecord{turns: merged, lastUsed: now, created: now}
	return nil
}

// evictOverflowLocked makes room for one insert by dropping the record with
// the oldest last_used.
func (m *Memory) evictOverflowLocked() {
	if m.maxRecords <= 0 || len(m.records) < m.maxRecords {
		return
	}
	var (
		victim string
		oldest time.Time
	)
	for cred, rec := range m.records {
		if victim == "" || rec.lastUsed.Before(oldest) {
			victim = cred
			oldest = rec.lastUsed
		}
	}
	delete(m.records, victim)
}

// Delete removes the credential's record.
func (m *Memory) Delete(_ context.Context, credential string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, credential)
	return nil
}

// SweepExpired removes records idle past the TTL and trims overflow beyond
// maxRecords, oldest first.
func (m *Memory) SweepExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	if m.ttl > 0 {
		for cred, rec := range m.records {
			if rec.lastUsed.Add(m.ttl).Before(now) {
				delete(m.records, cred)
				removed++
			}
		}
	}
	for m.maxRecords > 0 && len(m.records) > m.maxRecords {
		m.evictOverflowLocked()
		removed++
	}
	return removed, nil
}

// Len reports the number of live records, for gauges and tests.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
