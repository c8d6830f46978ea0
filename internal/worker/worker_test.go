package worker

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cachemeta"
	"github.com/eugener/palantir/internal/contextstore"
	"github.com/eugener/palantir/internal/keypool"
	"github.com/eugener/palantir/internal/limits"
	"github.com/eugener/palantir/internal/ratelimit"
	"github.com/eugener/palantir/internal/usage"
)

type fakeWorker struct {
	runFn func(ctx context.Context) error
}

func (f *fakeWorker) Run(ctx context.Context) error {
	if f.runFn != nil {
		return f.runFn(ctx)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeWorker) Name() string { return "fake" }

func TestRunner_StopOnCancel(t *testing.T) {
	t.Parallel()
	r := NewRunner(&fakeWorker{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

func TestRunner_PropagateError(t *testing.T) {
	t.Parallel()
	testErr := errors.New("worker failed")
	r := NewRunner(
		&fakeWorker{runFn: func(context.Context) error { return testErr }},
		&fakeWorker{},
	)

	err := r.Run(t.Context())
	if !errors.Is(err, testErr) {
		t.Errorf("err = %v, want %v", err, testErr)
	}
}

func TestRunner_MultipleWorkers(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	run := func(ctx context.Context) error { count.Add(1); <-ctx.Done(); return nil }
	r := NewRunner(&fakeWorker{runFn: run}, &fakeWorker{runFn: run})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if count.Load() != 2 {
			t.Errorf("started workers = %d, want 2", count.Load())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func newResetFixture(t *testing.T) (*usage.Tracker, *keypool.Pool, string) {
	t.Helper()
	registry, err := limits.Load("", 1_000_000)
	if err != nil {
		t.Fatal(err)
	}
	tracker := usage.New(registry, time.UTC)
	pool, err := keypool.New(keypool.Config{Tracker: tracker, Registry: registry})
	if err != nil {
		t.Fatal(err)
	}
	key := &proxy.UpstreamKey{
		Secret:    "AIza-reset-test",
		Enabled:   true,
		AuthType:  proxy.AuthTypeAPIKey,
		CreatedAt: time.Now(),
	}
	if err := pool.Add(t.Context(), key); err != nil {
		t.Fatal(err)
	}
	return tracker, pool, key.ID
}

func keyState(t *testing.T, pool *keypool.Pool, id string) string {
	t.Helper()
	for _, st := range pool.Status() {
		if st.ID == id {
			return st.State
		}
	}
	t.Fatalf("key %s not in pool status", id)
	return ""
}

func TestDailyResetWorker_ResetsAtBoundary(t *testing.T) {
	t.Parallel()
	tracker, pool, id := newResetFixture(t)
	pool.MarkExhausted(id)
	if got := keyState(t, pool, id); got != "exhausted_today" {
		t.Fatalf("state before reset = %q, want exhausted_today", got)
	}

	w := NewDailyResetWorker(tracker, pool)
	w.now = func() time.Time { return time.Now().AddDate(0, 0, 1) }
	w.maybeReset(t.Context())

	if got := keyState(t, pool, id); got != "active" {
		t.Errorf("state after reset = %q, want active", got)
	}
}

func TestDailyResetWorker_NoopWithinDay(t *testing.T) {
	t.Parallel()
	tracker, pool, id := newResetFixture(t)
	pool.MarkExhausted(id)

	w := NewDailyResetWorker(tracker, pool)
	w.maybeReset(t.Context())

	if got := keyState(t, pool, id); got != "exhausted_today" {
		t.Errorf("state after same-day tick = %q, want exhausted_today", got)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		// The gap leaves room for several worker ticks between probes; Load
		// touches last_used, so tight polling could keep a record alive.
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestContextSweepWorker(t *testing.T) {
	t.Parallel()
	store := contextstore.NewMemory(time.Millisecond, 10)
	turns := []proxy.Turn{
		{Role: proxy.RoleUser, Parts: []proxy.Part{proxy.TextPart("hi")}},
		{Role: proxy.RoleModel, Parts: []proxy.Part{proxy.TextPart("hello")}},
	}
	if err := store.Save(t.Context(), "cred-1", turns, 1_000_000); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewContextSweepWorker(store, 5*time.Millisecond).Run(ctx)

	waitFor(t, func() bool {
		got, err := store.Load(context.Background(), "cred-1")
		return err == nil && got == nil
	}, "expired context was not swept")
}

func TestCacheSweepWorker(t *testing.T) {
	t.Parallel()
	index := cachemeta.NewMemory(nil)
	err := index.Register(t.Context(), &cachemeta.Handle{
		UpstreamID:  "cachedContents/abc",
		ContentHash: "hash",
		OwningKeyID: "key-1",
		Credential:  "cred-1",
		ExpiresAt:   time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewCacheSweepWorker(index, nil, 5*time.Millisecond).Run(ctx)

	waitFor(t, func() bool {
		handles, err := index.List(context.Background(), "cred-1")
		return err == nil && len(handles) == 0
	}, "expired cache handle was not swept")
}

func TestCacheSweepWorker_ReclaimsDisabledOwnerHandles(t *testing.T) {
	t.Parallel()
	index := cachemeta.NewMemory(nil)
	err := index.Register(t.Context(), &cachemeta.Handle{
		UpstreamID:  "cachedContents/def",
		ContentHash: "hash",
		OwningKeyID: "key-disabled",
		Credential:  "cred-1",
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	// The handle itself is nowhere near expiry; only its owner going away
	// makes it sweepable.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ownerUsable := func(keyID string) bool { return keyID != "key-disabled" }
	go NewCacheSweepWorker(index, ownerUsable, 5*time.Millisecond).Run(ctx)

	waitFor(t, func() bool {
		handles, err := index.List(context.Background(), "cred-1")
		return err == nil && len(handles) == 0
	}, "handle of disabled key was not reclaimed")
}

func TestSizingSuggestion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		used     int
		capacity int
		poolSize int
		want     string
	}{
		{"no caps", 0, 0, 3, "no daily request caps configured"},
		{"hot pool suggests growth", 900, 1000, 2, "consider growing"},
		{"cold pool flags excess", 50, 1000, 4, "more than needed"},
		{"steady state", 400, 1000, 2, "40% of daily request capacity"},
		{"single cold key not flagged", 50, 1000, 1, "5% of daily request capacity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := sizingSuggestion(tt.used, tt.capacity, tt.poolSize)
			if !strings.Contains(got, tt.want) {
				t.Errorf("sizingSuggestion(%d, %d, %d) = %q, want substring %q",
					tt.used, tt.capacity, tt.poolSize, got, tt.want)
			}
		})
	}
}

func TestReportFormatting(t *testing.T) {
	t.Parallel()

	states := map[string]int{"cooldown": 1, "active": 3}
	if got := formatCounts(states); got != "active=3 cooldown=1" {
		t.Errorf("formatCounts = %q", got)
	}

	screened := map[keypool.Reason]int64{
		keypool.ReasonCooldown:    2,
		keypool.ReasonRPDExceeded: 5,
	}
	if got := formatScreened(screened); got != "cooldown=2 rpd_exceeded=5" {
		t.Errorf("formatScreened = %q", got)
	}

	top := []ratelimit.IPCount{{IP: "10.0.0.1", Count: 9}, {IP: "10.0.0.2", Count: 4}}
	if got := formatTopIPs(top); got != "10.0.0.1=9 10.0.0.2=4" {
		t.Errorf("formatTopIPs = %q", got)
	}
}
