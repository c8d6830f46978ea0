// Package storage defines persistence interfaces for the proxy.
package storage

import (
	"context"
	"time"

	proxy "github.com/eugener/palantir/internal"
)

// KeyStore manages upstream key persistence (database key mode).
type KeyStore interface {
	CreateKey(ctx context.Context, key *proxy.UpstreamKey) error
	GetKey(ctx context.Context, id string) (*proxy.UpstreamKey, error)
	ListKeys(ctx context.Context) ([]*proxy.UpstreamKey, error)
	UpdateKey(ctx context.Context, key *proxy.UpstreamKey) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string, at time.Time) error
}

// CredentialStore manages proxy-facing caller credentials (database auth mode).
type CredentialStore interface {
	CreateCredential(ctx context.Context, c *proxy.Credential) error
	GetCredentialByHash(ctx context.Context, hash string) (*proxy.Credential, error)
	ListCredentials(ctx context.Context) ([]*proxy.Credential, error)
	DeleteCredential(ctx context.Context, id string) error
}

// ContextRecord is a persisted conversation, turns serialized as JSON.
type ContextRecord struct {
	Credential string
	TurnsJSON  []byte
	LastUsed   time.Time
	Created    time.Time
}

// ContextStore manages durable conversation records.
type ContextStore interface {
	GetContext(ctx context.Context, credential string) (*ContextRecord, error)
	PutContext(ctx context.Context, rec *ContextRecord) error
	DeleteContext(ctx context.Context, credential string) error
	// DeleteExpiredContexts removes records with last_used before cutoff.
	DeleteExpiredContexts(ctx context.Context, cutoff time.Time) (int64, error)
}

// CacheHandleRecord mirrors one row of the cache_handles table.
type CacheHandleRecord struct {
	ID           string
	UpstreamID   string
	ContentHash  string
	OwningKeyID  string
	Credential   string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// CacheHandleStore manages durable cache handle metadata.
type CacheHandleStore interface {
	CreateCacheHandle(ctx context.Context, h *CacheHandleRecord) error
	GetCacheHandle(ctx context.Context, id string) (*CacheHandleRecord, error)
	FindCacheHandle(ctx context.Context, credential, contentHash string) (*CacheHandleRecord, error)
	ListCacheHandles(ctx context.Context, credential string) ([]*CacheHandleRecord, error)
	DeleteCacheHandle(ctx context.Context, id string) error
	// ExpireCacheHandle rewinds a handle's expiry, orphaning it for the sweeper.
	ExpireCacheHandle(ctx context.Context, id string, at time.Time) error
	// LiveCacheHandles returns handles not yet past cutoff, for owner
	// eligibility checks during sweeps.
	LiveCacheHandles(ctx context.Context, cutoff time.Time) ([]*CacheHandleRecord, error)
	// ExpiredCacheHandles returns handles past cutoff so the sweeper can
	// delete them upstream before removing the rows.
	ExpiredCacheHandles(ctx context.Context, cutoff time.Time) ([]*CacheHandleRecord, error)
}

// SettingsStore persists mutable runtime settings as key/value pairs.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Store combines all storage interfaces.
type Store interface {
	KeyStore
	CredentialStore
	ContextStore
	CacheHandleStore
	SettingsStore
	Close() error
}
