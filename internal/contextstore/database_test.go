package contextstore

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

// fakeContextStore is an in-memory storage.ContextStore for wrapper tests.
type fakeContextStore struct {
	mu   sync.Mutex
	rows map[string]*storage.ContextRecord
}

func newFakeContextStore() *fakeContextStore {
	return &fakeContextStore{rows: make(map[string]*storage.ContextRecord)}
}

func (f *fakeContextStore) GetContext(_ context.Context, credential string) (*storage.ContextRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[credential]
	if !ok {
		return nil, proxy.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeContextStore) PutContext(_ context.Context, rec *storage.ContextRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.rows[rec.Credential]; ok {
		rec.Created = prev.Created
	}
	cp := *rec
	f.rows[rec.Credential] = &cp
	return nil
}

func (f *fakeContextStore) DeleteContext(_ context.Context, credential string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[credential]; !ok {
		return proxy.ErrNotFound
	}
	delete(f.rows, credential)
	return nil
}

func (f *fakeContextStore) DeleteExpiredContexts(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for cred, rec := range f.rows {
		if rec.LastUsed.Before(cutoff) {
			delete(f.rows, cred)
			n++
		}
	}
	return n, nil
}

func TestDatabase_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	d := NewDatabase(newFakeContextStore(), time.Hour)
	ctx := context.Background()

	turns := []proxy.Turn{
		{Role: proxy.RoleUser, Parts: []proxy.Part{
			proxy.TextPart("describe"),
			proxy.BlobPart("image/png", "iVBORw0KGgo="),
		}},
		{Role: proxy.RoleModel, Parts: []proxy.Part{proxy.TextPart("a chart")}},
	}
	if err := d.Save(ctx, "cred-1", turns, 10_000); err != nil {
		t.Fatal(err)
	}

	got, err := d.Load(ctx, "cred-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d turns, want 2", len(got))
	}
	blob := got[0].Parts[1].InlineData
	if blob == nil || blob.MimeType != "image/png" || blob.Data != "iVBORw0KGgo=" {
		t.Errorf("inline data not preserved through JSON round trip: %+v", blob)
	}
}

func TestDatabase_LoadMissing(t *testing.T) {
	t.Parallel()
	d := NewDatabase(newFakeContextStore(), time.Hour)

	got, err := d.Load(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("missing record should not error: %v", err)
	}
	if got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestDatabase_TruncatesAtStoreTime(t *testing.T) {
	t.Parallel()
	d := NewDatabase(newFakeContextStore(), time.Hour)
	ctx := context.Background()

	for i := range 5 {
		marker := string(rune('a' + i))
		p := pair(strings.Repeat(marker, 780), strings.Repeat(marker, 780))
		if err := d.Save(ctx, "cred-1", p, 900); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	got, err := d.Load(ctx, "cred-1")
	if err != nil {
		t.Fatal(err)
	}
	// Each pair is ~400 tokens serialized; at most two pairs fit 900.
	if len(got) > 4 {
		t.Errorf("stored %d turns, truncation failed", len(got))
	}
	last := got[len(got)-1]
	if !strings.HasPrefix(last.Parts[0].Text, "e") {
		t.Errorf("newest pair must survive, last = %q...", last.Parts[0].Text[:1])
	}
}

func TestDatabase_SweepExpired(t *testing.T) {
	t.Parallel()
	fake := newFakeContextStore()
	d := NewDatabase(fake, 10*time.Minute)
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	if err := d.Save(ctx, "stale", pair("q", "a"), 10_000); err != nil {
		t.Fatal(err)
	}
	now = now.Add(11 * time.Minute)
	if err := d.Save(ctx, "fresh", pair("q", "a"), 10_000); err != nil {
		t.Fatal(err)
	}

	removed, err := d.SweepExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if got, _ := d.Load(ctx, "fresh"); got == nil {
		t.Error("fresh record should survive the sweep")
	}
}
