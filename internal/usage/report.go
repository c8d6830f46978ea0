package usage

import "sort"

// Row is one (key, model) line of the periodic usage report.
type Row struct {
	KeyID     string
	Model     string
	RPMUsed   int
	RPDUsed   int
	TPMUsed   int
	TPDUsed   int
	OutputDay int
}

// Report samples every tracked counter set, sorted by key then model.
func (t *Tracker) Report() []Row {
	now := t.now()
	day := t.civilDay(now)

	t.mu.RLock()
	keys := make([]setKey, 0, len(t.sets))
	for k := range t.sets {
		keys = append(keys, k)
	}
	t.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].keyID != keys[j].keyID {
			return keys[i].keyID < keys[j].keyID
		}
		return keys[i].model < keys[j].model
	})

	rows := make([]Row, 0, len(keys))
	for _, k := range keys {
		t.mu.RLock()
		s, ok := t.sets[k]
		t.mu.RUnlock()
		if !ok {
			continue
		}
		s.mu.Lock()
		s.rollLocked(day)
		s.pruneLocked(now)
		rows = append(rows, Row{
			KeyID:     k.keyID,
			Model:     k.model,
			RPMUsed:   len(s.requests),
			RPDUsed:   s.rpdCount,
			TPMUsed:   s.windowTokens,
			TPDUsed:   s.tpdCount,
			OutputDay: s.outputDay,
		})
		s.mu.Unlock()
	}
	return rows
}
