package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

// MemStore is an in-memory implementation of storage.Store for testing.
// Every call can be forced to fail by setting Err.
type MemStore struct {
	mu          sync.RWMutex
	keys        map[string]*proxy.UpstreamKey
	credentials map[string]*proxy.Credential
	contexts    map[string]*storage.ContextRecord
	handles     map[string]*storage.CacheHandleRecord
	settings    map[string]string

	// Err, when non-nil, is returned by every method.
	Err error
}

var _ storage.Store = (*MemStore)(nil)

// NewMemStore returns a MemStore with empty collections.
func NewMemStore() *MemStore {
	return &MemStore{
		keys:        make(map[string]*proxy.UpstreamKey),
		credentials: make(map[string]*proxy.Credential),
		contexts:    make(map[string]*storage.ContextRecord),
		handles:     make(map[string]*storage.CacheHandleRecord),
		settings:    make(map[string]string),
	}
}

// --- KeyStore ---

func (s *MemStore) CreateKey(_ context.Context, key *proxy.UpstreamKey) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return fmt.Errorf("%w: key %s", proxy.ErrConflict, key.ID)
	}
	k := *key
	s.keys[key.ID] = &k
	return nil
}

func (s *MemStore) GetKey(_ context.Context, id string) (*proxy.UpstreamKey, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: key %s", proxy.ErrNotFound, id)
	}
	k := *key
	return &k, nil
}

func (s *MemStore) ListKeys(context.Context) ([]*proxy.UpstreamKey, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*proxy.UpstreamKey, 0, len(s.keys))
	for _, key := range s.keys {
		k := *key
		out = append(out, &k)
	}
	return out, nil
}

func (s *MemStore) UpdateKey(_ context.Context, key *proxy.UpstreamKey) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return fmt.Errorf("%w: key %s", proxy.ErrNotFound, key.ID)
	}
	k := *key
	s.keys[key.ID] = &k
	return nil
}

func (s *MemStore) DeleteKey(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return fmt.Errorf("%w: key %s", proxy.ErrNotFound, id)
	}
	delete(s.keys, id)
	return nil
}

func (s *MemStore) TouchKeyUsed(_ context.Context, id string, at time.Time) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keys[id]; ok {
		t := at
		key.LastUsedAt = &t
	}
	return nil
}

// --- CredentialStore ---

func (s *MemStore) CreateCredential(_ context.Context, c *proxy.Credential) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[c.ID]; ok {
		return fmt.Errorf("%w: credential %s", proxy.ErrConflict, c.ID)
	}
	cc := *c
	s.credentials[c.ID] = &cc
	return nil
}

func (s *MemStore) GetCredentialByHash(_ context.Context, hash string) (*proxy.Credential, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.credentials {
		if c.SecretHash == hash {
			cc := *c
			return &cc, nil
		}
	}
	return nil, fmt.Errorf("%w: credential", proxy.ErrNotFound)
}

func (s *MemStore) ListCredentials(context.Context) ([]*proxy.Credential, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*proxy.Credential, 0, len(s.credentials))
	for _, c := range s.credentials {
		cc := *c
		out = append(out, &cc)
	}
	return out, nil
}

func (s *MemStore) DeleteCredential(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[id]; !ok {
		return fmt.Errorf("%w: credential %s", proxy.ErrNotFound, id)
	}
	delete(s.credentials, id)
	return nil
}

// --- ContextStore ---

func (s *MemStore) GetContext(_ context.Context, credential string) (*storage.ContextRecord, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.contexts[credential]
	if !ok {
		return nil, fmt.Errorf("%w: context", proxy.ErrNotFound)
	}
	r := *rec
	return &r, nil
}

func (s *MemStore) PutContext(_ context.Context, rec *storage.ContextRecord) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *rec
	s.contexts[rec.Credential] = &r
	return nil
}

func (s *MemStore) DeleteContext(_ context.Context, credential string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, credential)
	return nil
}

func (s *MemStore) DeleteExpiredContexts(_ context.Context, cutoff time.Time) (int64, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for cred, rec := range s.contexts {
		if rec.LastUsed.Before(cutoff) {
			delete(s.contexts, cred)
			n++
		}
	}
	return n, nil
}

// --- CacheHandleStore ---

func (s *MemStore) CreateCacheHandle(_ context.Context, h *storage.CacheHandleRecord) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hh := *h
	s.handles[h.ID] = &hh
	return nil
}

func (s *MemStore) GetCacheHandle(_ context.Context, id string) (*storage.CacheHandleRecord, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: cache handle %s", proxy.ErrNotFound, id)
	}
	hh := *h
	return &hh, nil
}

func (s *MemStore) FindCacheHandle(_ context.Context, credential, contentHash string) (*storage.CacheHandleRecord, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.handles {
		if h.Credential == credential && h.ContentHash == contentHash {
			hh := *h
			return &hh, nil
		}
	}
	return nil, fmt.Errorf("%w: cache handle", proxy.ErrNotFound)
}

func (s *MemStore) ListCacheHandles(_ context.Context, credential string) ([]*storage.CacheHandleRecord, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.CacheHandleRecord
	for _, h := range s.handles {
		if h.Credential == credential {
			hh := *h
			out = append(out, &hh)
		}
	}
	return out, nil
}

func (s *MemStore) DeleteCacheHandle(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[id]; !ok {
		return fmt.Errorf("%w: cache handle %s", proxy.ErrNotFound, id)
	}
	delete(s.handles, id)
	return nil
}

func (s *MemStore) ExpireCacheHandle(_ context.Context, id string, at time.Time) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return fmt.Errorf("%w: cache handle %s", proxy.ErrNotFound, id)
	}
	h.ExpiresAt = at
	return nil
}

func (s *MemStore) LiveCacheHandles(_ context.Context, cutoff time.Time) ([]*storage.CacheHandleRecord, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.CacheHandleRecord
	for _, h := range s.handles {
		if !h.ExpiresAt.Before(cutoff) {
			hh := *h
			out = append(out, &hh)
		}
	}
	return out, nil
}

func (s *MemStore) ExpiredCacheHandles(_ context.Context, cutoff time.Time) ([]*storage.CacheHandleRecord, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.CacheHandleRecord
	for _, h := range s.handles {
		if h.ExpiresAt.Before(cutoff) {
			hh := *h
			out = append(out, &hh)
		}
	}
	return out, nil
}

// --- SettingsStore ---

func (s *MemStore) GetSetting(_ context.Context, key string) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	if !ok {
		return "", fmt.Errorf("%w: setting %s", proxy.ErrNotFound, key)
	}
	return v, nil
}

func (s *MemStore) SetSetting(_ context.Context, key, value string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

// Close is a no-op.
func (s *MemStore) Close() error { return nil }
