package cachemeta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	proxy "github.com/eugener/palantir/internal"
)

// Memory is the in-process handle index.
type Memory struct {
	mu        sync.Mutex
	byID      map[string]*Handle
	byContent map[string]string // credential \x00 hash -> id

	deleter UpstreamDeleter // may be nil
	now     func() time.Time
}

// NewMemory creates a Memory index. deleter may be nil when upstream
// deletion is handled elsewhere (tests).
func NewMemory(deleter UpstreamDeleter) *Memory {
	return &Memory{
		byID:      make(map[string]*Handle),
		byContent: make(map[string]string),
		deleter:   deleter,
		now:       time.Now,
	}
}

func contentKey(credential, hash string) string {
	return credential + "\x00" + hash
}

// Register stores the handle, assigning a UUIDv7 id when absent.
func (m *Memory) Register(_ context.Context, h *Handle) error {
	if h.OwningKeyID == "" {
		return fmt.Errorf("%w: cache handle without owning key", proxy.ErrBadRequest)
	}
	if h.ID == "" {
		h.ID = uuid.Must(uuid.NewV7()).String()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *h
	m.byID[h.ID] = &cp
	m.byContent[contentKey(h.Credential, h.ContentHash)] = h.ID
	return nil
}

// FindByContent returns the live handle for (credential, hash), or nil.
func (m *Memory) FindByContent(_ context.Context, credential, contentHash string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byContent[contentKey(credential, contentHash)]
	if !ok {
		return nil, nil
	}
	h, ok := m.byID[id]
	if !ok || !h.Live(m.now()) {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

// Get returns the live handle by id, or nil.
func (m *Memory) Get(_ context.Context, localID string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byID[localID]
	if !ok || !h.Live(m.now()) {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

// OwningKey resolves the owning key id, or "" for unknown/expired handles.
func (m *Memory) OwningKey(ctx context.Context, localID string) (string, error) {
	h, err := m.Get(ctx, localID)
	if err != nil || h == nil {
		return "", err
	}
	return h.OwningKeyID, nil
}

// List returns the credential's live handles.
func (m *Memory) List(_ context.Context, credential string) ([]*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []*Handle
	for _, h := range m.byID {
		if h.Credential == credential && h.Live(now) {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Delete removes the handle and best-effort deletes the upstream entry.
func (m *Memory) Delete(ctx context.Context, localID string) error {
	m.mu.Lock()
	h, ok := m.byID[localID]
	if ok {
		delete(m.byID, localID)
		delete(m.byContent, contentKey(h.Credential, h.ContentHash))
	}
	m.mu.Unlock()
	if !ok {
		return proxy.ErrNotFound
	}
	m.deleteUpstream(ctx, h)
	return nil
}

// Expire orphans the handle; the sweeper removes it later.
func (m *Memory) Expire(_ context.Context, localID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byID[localID]
	if !ok {
		return proxy.ErrNotFound
	}
	h.ExpiresAt = m.now()
	return nil
}

// ExpireOrphans expires live handles whose owning key fails ownerUsable.
func (m *Memory) ExpireOrphans(_ context.Context, ownerUsable func(keyID string) bool) (int, error) {
	if ownerUsable == nil {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	orphaned := 0
	for _, h := range m.byID {
		if h.Live(now) && !ownerUsable(h.OwningKeyID) {
			h.ExpiresAt = now
			orphaned++
		}
	}
	return orphaned, nil
}

// SweepExpired drops expired handles, attempting upstream deletion for each.
func (m *Memory) SweepExpired(ctx context.Context) (int, error) {
	now := m.now()
	m.mu.Lock()
	var victims []*Handle
	for id, h := range m.byID {
		if !h.Live(now) {
			victims = append(victims, h)
			delete(m.byID, id)
			delete(m.byContent, contentKey(h.Credential, h.ContentHash))
		}
	}
	m.mu.Unlock()

	for _, h := range victims {
		m.deleteUpstream(ctx, h)
	}
	return len(victims), nil
}

func (m *Memory) deleteUpstream(ctx context.Context, h *Handle) {
	if m.deleter == nil || h.UpstreamID == "" {
		return
	}
	if err := m.deleter.DeleteUpstreamCache(ctx, h.OwningKeyID, h.UpstreamID); err != nil {
		slog.LogAttrs(ctx, slog.LevelDebug, "upstream cache delete failed",
			slog.String("handle", h.ID),
			slog.String("error", err.Error()),
		)
	}
}
