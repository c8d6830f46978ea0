package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

// Database is the durable store backed by the contexts table. The merge and
// truncation contract is identical to the memory backend; only persistence
// differs.
type Database struct {
	store storage.ContextStore
	ttl   time.Duration

	now func() time.Time // test hook
}

// NewDatabase creates a Database store over the given persistence layer.
func NewDatabase(store storage.ContextStore, ttl time.Duration) *Database {
	return &Database{store: store, ttl: ttl, now: time.Now}
}

// Load returns the stored turns for the credential, or (nil, nil) if absent.
func (d *Database) Load(ctx context.Context, credential string) ([]proxy.Turn, error) {
	rec, err := d.store.GetContext(ctx, credential)
	if errors.Is(err, proxy.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}
	var turns []proxy.Turn
	if err := json.Unmarshal(rec.TurnsJSON, &turns); err != nil {
		return nil, fmt.Errorf("decode context turns: %w", err)
	}
	return turns, nil
}

// Save merges, truncates, and upserts the record. Two concurrent saves for
// the same credential are last-write-wins.
func (d *Database) Save(ctx context.Context, credential string, appended []proxy.Turn, tokenLimit int) error {
	existing, err := d.Load(ctx, credential)
	if err != nil {
		return err
	}
	merged, err := merge(existing, appended, tokenLimit)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode context turns: %w", err)
	}
	now := d.now()
	rec := &storage.ContextRecord{
		Credential: credential,
		TurnsJSON:  raw,
		LastUsed:   now,
		Created:    now, // preserved by the upsert for existing rows
	}
	if err := d.store.PutContext(ctx, rec); err != nil {
		return fmt.Errorf("save context: %w", err)
	}
	return nil
}

// Delete removes the credential's record.
func (d *Database) Delete(ctx context.Context, credential string) error {
	if err := d.store.DeleteContext(ctx, credential); err != nil && !errors.Is(err, proxy.ErrNotFound) {
		return fmt.Errorf("delete context: %w", err)
	}
	return nil
}

// SweepExpired removes records idle past the TTL.
func (d *Database) SweepExpired(ctx context.Context) (int, error) {
	if d.ttl <= 0 {
		return 0, nil
	}
	n, err := d.store.DeleteExpiredContexts(ctx, d.now().Add(-d.ttl))
	if err != nil {
		return 0, fmt.Errorf("sweep contexts: %w", err)
	}
	return int(n), nil
}
