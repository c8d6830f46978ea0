package cachemeta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

// Database is the durable index over the cache_handles table.
type Database struct {
	store   storage.CacheHandleStore
	deleter UpstreamDeleter // may be nil
	now     func() time.Time
}

// NewDatabase creates a Database index.
func NewDatabase(store storage.CacheHandleStore, deleter UpstreamDeleter) *Database {
	return &Database{store: store, deleter: deleter, now: time.Now}
}

func fromRecord(r *storage.CacheHandleRecord) *Handle {
	return &Handle{
		ID:          r.ID,
		UpstreamID:  r.UpstreamID,
		ContentHash: r.ContentHash,
		OwningKeyID: r.OwningKeyID,
		Credential:  r.Credential,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}

// Register stores the handle, assigning a UUIDv7 id when absent.
func (d *Database) Register(ctx context.Context, h *Handle) error {
	if h.OwningKeyID == "" {
		return fmt.Errorf("%w: cache handle without owning key", proxy.ErrBadRequest)
	}
	if h.ID == "" {
		h.ID = uuid.Must(uuid.NewV7()).String()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = d.now()
	}
	return d.store.CreateCacheHandle(ctx, &storage.CacheHandleRecord{
		ID:          h.ID,
		UpstreamID:  h.UpstreamID,
		ContentHash: h.ContentHash,
		OwningKeyID: h.OwningKeyID,
		Credential:  h.Credential,
		CreatedAt:   h.CreatedAt,
		ExpiresAt:   h.ExpiresAt,
	})
}

// FindByContent returns the live handle for (credential, hash), or nil.
func (d *Database) FindByContent(ctx context.Context, credential, contentHash string) (*Handle, error) {
	rec, err := d.store.FindCacheHandle(ctx, credential, contentHash)
	if errors.Is(err, proxy.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h := fromRecord(rec)
	if !h.Live(d.now()) {
		return nil, nil
	}
	return h, nil
}

// Get returns the live handle by id, or nil.
func (d *Database) Get(ctx context.Context, localID string) (*Handle, error) {
	rec, err := d.store.GetCacheHandle(ctx, localID)
	if errors.Is(err, proxy.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h := fromRecord(rec)
	if !h.Live(d.now()) {
		return nil, nil
	}
	return h, nil
}

// OwningKey resolves the owning key id, or "" for unknown/expired handles.
func (d *Database) OwningKey(ctx context.Context, localID string) (string, error) {
	h, err := d.Get(ctx, localID)
	if err != nil || h == nil {
		return "", err
	}
	return h.OwningKeyID, nil
}

// List returns the credential's live handles.
func (d *Database) List(ctx context.Context, credential string) ([]*Handle, error) {
	recs, err := d.store.ListCacheHandles(ctx, credential)
	if err != nil {
		return nil, err
	}
	now := d.now()
	out := make([]*Handle, 0, len(recs))
	for _, r := range recs {
		if h := fromRecord(r); h.Live(now) {
			out = append(out, h)
		}
	}
	return out, nil
}

// Delete removes the handle and best-effort deletes the upstream entry.
func (d *Database) Delete(ctx context.Context, localID string) error {
	rec, err := d.store.GetCacheHandle(ctx, localID)
	if err != nil {
		return err
	}
	if err := d.store.DeleteCacheHandle(ctx, localID); err != nil {
		return err
	}
	d.deleteUpstream(ctx, fromRecord(rec))
	return nil
}

// Expire orphans the handle; the sweeper removes it later.
func (d *Database) Expire(ctx context.Context, localID string) error {
	return d.store.ExpireCacheHandle(ctx, localID, d.now())
}

// ExpireOrphans expires live handles whose owning key fails ownerUsable.
func (d *Database) ExpireOrphans(ctx context.Context, ownerUsable func(keyID string) bool) (int, error) {
	if ownerUsable == nil {
		return 0, nil
	}
	now := d.now()
	recs, err := d.store.LiveCacheHandles(ctx, now)
	if err != nil {
		return 0, err
	}
	orphaned := 0
	for _, rec := range recs {
		if ownerUsable(rec.OwningKeyID) {
			continue
		}
		if err := d.store.ExpireCacheHandle(ctx, rec.ID, now); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "cache handle expire failed",
				slog.String("handle", rec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		orphaned++
	}
	return orphaned, nil
}

// SweepExpired drops expired handles, attempting upstream deletion for each.
func (d *Database) SweepExpired(ctx context.Context) (int, error) {
	recs, err := d.store.ExpiredCacheHandles(ctx, d.now())
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rec := range recs {
		if err := d.store.DeleteCacheHandle(ctx, rec.ID); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "cache handle delete failed",
				slog.String("handle", rec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
		d.deleteUpstream(ctx, fromRecord(rec))
	}
	return removed, nil
}

func (d *Database) deleteUpstream(ctx context.Context, h *Handle) {
	if d.deleter == nil || h.UpstreamID == "" {
		return
	}
	if err := d.deleter.DeleteUpstreamCache(ctx, h.OwningKeyID, h.UpstreamID); err != nil {
		slog.LogAttrs(ctx, slog.LevelDebug, "upstream cache delete failed",
			slog.String("handle", h.ID),
			slog.String("error", err.Error()),
		)
	}
}
