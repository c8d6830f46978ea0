// Package cachemeta maps content hashes to upstream cache handles and the
// keys that own them. The proxy never caches content itself; it only tracks
// which upstream cached-content entries exist, for which credential, and
// which key must be used to exercise them.
package cachemeta

import (
	"context"
	"time"
)

// Handle points to one upstream-managed cached content blob. OwningKeyID is
// never empty after registration: the upstream binds cached content to the
// key that created it, so every later use must go through that key.
type Handle struct {
	ID          string    `json:"id"`
	UpstreamID  string    `json:"upstream_id"`
	ContentHash string    `json:"content_hash"`
	OwningKeyID string    `json:"owning_key_id"`
	Credential  string    `json:"credential"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Live reports whether the handle is still usable at the given time.
func (h *Handle) Live(now time.Time) bool {
	return !h.ExpiresAt.IsZero() && now.Before(h.ExpiresAt)
}

// UpstreamDeleter removes the upstream cached content behind a handle.
// Implemented by the pipeline glue, which resolves the owning key and calls
// the provider adapter; deletion is always best-effort.
type UpstreamDeleter interface {
	DeleteUpstreamCache(ctx context.Context, owningKeyID, upstreamID string) error
}

// Index is the cache handle registry contract. FindByContent and Get never
// return expired handles.
type Index interface {
	FindByContent(ctx context.Context, credential, contentHash string) (*Handle, error)
	Register(ctx context.Context, h *Handle) error
	Get(ctx context.Context, localID string) (*Handle, error)
	// OwningKey resolves a handle to the key that must serve it; empty when
	// the handle is unknown or expired.
	OwningKey(ctx context.Context, localID string) (string, error)
	List(ctx context.Context, credential string) ([]*Handle, error)
	// Delete removes the handle and best-effort deletes the upstream entry.
	Delete(ctx context.Context, localID string) error
	// Expire orphans a handle (e.g. when its owning key was disabled); the
	// sweeper removes it later.
	Expire(ctx context.Context, localID string) error
	// ExpireOrphans expires live handles whose owning key fails ownerUsable,
	// returning how many were orphaned. The next sweep removes them.
	ExpireOrphans(ctx context.Context, ownerUsable func(keyID string) bool) (int, error)
	// SweepExpired drops handles past their expiry, attempting upstream
	// deletion for each, and returns how many rows were removed.
	SweepExpired(ctx context.Context) (int, error)
}
