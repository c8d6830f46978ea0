package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cachemeta"
	"github.com/eugener/palantir/internal/keypool"
	"github.com/eugener/palantir/internal/tokencount"
	"github.com/eugener/palantir/internal/translate"
)

// maybeCreateCache registers this exchange upstream as cached content when
// the resulting conversation prefix is worth caching. Best-effort and
// asynchronous: the response has already been delivered.
func (d *Dispatcher) maybeCreateCache(ctx context.Context, p *plan, key *proxy.UpstreamKey, reply string) {
	if !p.cacheable || p.handle != nil || reply == "" {
		return
	}

	content := append(append([]translate.Content{}, p.req.Contents...),
		translate.Content{Role: proxy.RoleModel, Parts: []translate.NativePart{{Text: reply}}})
	if tokencount.EstimateJSON(translate.PrefixPayload(content)) < d.cfg.CacheMinPrefixTokens {
		return
	}

	go d.createCache(context.WithoutCancel(ctx), p.model, p.credential, key, content)
}

func (d *Dispatcher) createCache(ctx context.Context, model, credential string, key *proxy.UpstreamKey, content []translate.Content) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	body, err := translate.CachedContentBody(model, content, d.cfg.CacheTTL)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "cached content marshal failed",
			slog.String("error", err.Error()))
		return
	}
	upstreamID, expires, err := d.upstream.CreateCachedContent(ctx, key, body)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelDebug, "cached content create failed",
			slog.String("key_id", key.ID),
			slog.String("error", err.Error()))
		return
	}
	if expires.IsZero() {
		expires = d.now().Add(d.cfg.CacheTTL)
	}

	h := &cachemeta.Handle{
		ID:          uuid.Must(uuid.NewV7()).String(),
		UpstreamID:  upstreamID,
		ContentHash: cachePrefixHash(model, content),
		OwningKeyID: key.ID,
		Credential:  credential,
		CreatedAt:   d.now(),
		ExpiresAt:   expires,
	}
	if err := d.caches.Register(ctx, h); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "cache handle register failed",
			slog.String("handle", h.ID),
			slog.String("error", err.Error()))
		return
	}
	slog.LogAttrs(ctx, slog.LevelDebug, "cached content registered",
		slog.String("handle", h.ID),
		slog.String("key_id", key.ID),
		slog.String("model", model))
}

// ListCaches returns the caller's live cache handles.
func (d *Dispatcher) ListCaches(ctx context.Context, credential string) ([]*cachemeta.Handle, error) {
	if d.caches == nil {
		return nil, nil
	}
	return d.caches.List(ctx, credential)
}

// DeleteCache removes one of the caller's handles. Handles owned by other
// credentials are reported as not found, never as forbidden: their existence
// is not disclosed.
func (d *Dispatcher) DeleteCache(ctx context.Context, credential, id string) error {
	if d.caches == nil {
		return fmt.Errorf("%w: cache handle %s", proxy.ErrNotFound, id)
	}
	h, err := d.caches.Get(ctx, id)
	if err != nil {
		return err
	}
	if h == nil || h.Credential != credential {
		return fmt.Errorf("%w: cache handle %s", proxy.ErrNotFound, id)
	}
	return d.caches.Delete(ctx, id)
}

// CacheDeleter resolves a handle's owning key and deletes the upstream
// cached content through it. It backs the cache index and sweep worker.
type CacheDeleter struct {
	Pool     *keypool.Pool
	Upstream proxy.Upstream
}

var _ cachemeta.UpstreamDeleter = (*CacheDeleter)(nil)

// DeleteUpstreamCache implements cachemeta.UpstreamDeleter. A missing owning
// key is not an error: the upstream entry dies with its key's TTL.
func (cd *CacheDeleter) DeleteUpstreamCache(ctx context.Context, owningKeyID, upstreamID string) error {
	key, err := cd.Pool.Get(owningKeyID)
	if err != nil {
		return nil
	}
	return cd.Upstream.DeleteCachedContent(ctx, key, upstreamID)
}
