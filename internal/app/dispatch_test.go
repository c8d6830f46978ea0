package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cachemeta"
	"github.com/eugener/palantir/internal/contextstore"
	"github.com/eugener/palantir/internal/keypool"
	"github.com/eugener/palantir/internal/limits"
	"github.com/eugener/palantir/internal/testutil"
	"github.com/eugener/palantir/internal/usage"
)

// testRegistry loads a catalog where test-model has a 1000-token input window
// and no rate limits, so selection screening stays out of the way unless a
// test asks for it.
func testRegistry(t *testing.T) *limits.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	cat := `
models:
  test-model:
    input_token_limit: 1000
  tight-model:
    rpm: 1
    input_token_limit: 1000
`
	if err := os.WriteFile(path, []byte(cat), 0o600); err != nil {
		t.Fatal(err)
	}
	reg, err := limits.Load(path, 8_000)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

type harness struct {
	d        *Dispatcher
	pool     *keypool.Pool
	tracker  *usage.Tracker
	up       *testutil.FakeUpstream
	contexts contextstore.Store
	caches   cachemeta.Index
}

// newHarness builds a dispatcher over in-memory collaborators. The cache
// creation threshold defaults high so background cache registration never
// fires unless a test lowers it.
func newHarness(t *testing.T, mut func(*Config)) *harness {
	t.Helper()
	reg := testRegistry(t)
	tr := usage.New(reg, time.UTC)
	pool, err := keypool.New(keypool.Config{Tracker: tr, Registry: reg})
	if err != nil {
		t.Fatal(err)
	}
	up := &testutil.FakeUpstream{}
	cfg := Config{
		Pool:                 pool,
		Tracker:              tr,
		Registry:             reg,
		Upstream:             up,
		Contexts:             contextstore.NewMemory(time.Hour, 100),
		Caches:               cachemeta.NewMemory(nil),
		SafetyMargin:         100,
		CacheEnabled:         true,
		CacheMinPrefixTokens: 10_000,
	}
	if mut != nil {
		mut(&cfg)
	}
	d, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{d: d, pool: pool, tracker: tr, up: up, contexts: cfg.Contexts, caches: cfg.Caches}
}

func (h *harness) addKey(t *testing.T, id string) *proxy.UpstreamKey {
	t.Helper()
	key := &proxy.UpstreamKey{ID: id, Secret: "secret-" + id, Enabled: true}
	if err := h.pool.Add(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	return key
}

func (h *harness) addContextKey(t *testing.T, id string) *proxy.UpstreamKey {
	t.Helper()
	key := &proxy.UpstreamKey{ID: id, Secret: "secret-" + id, Enabled: true, ContextCompletion: true}
	if err := h.pool.Add(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	return key
}

// authCtx returns a context carrying an authenticated caller.
func authCtx(credential string) context.Context {
	return proxy.ContextWithIdentity(context.Background(), &proxy.Identity{
		Subject:      "caller",
		CredentialID: credential,
	})
}

func textMsg(role, text string) proxy.Message {
	return proxy.Message{Role: role, Content: json.RawMessage(strconv.Quote(text))}
}

func chatReq(model string, msgs ...proxy.Message) *proxy.ChatRequest {
	return &proxy.ChatRequest{Model: model, Messages: msgs}
}

func TestNew_RequiresDeps(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)
	tr := usage.New(reg, time.UTC)
	pool, err := keypool.New(keypool.Config{Tracker: tr, Registry: reg})
	if err != nil {
		t.Fatal(err)
	}
	up := &testutil.FakeUpstream{}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no pool", Config{Tracker: tr, Registry: reg, Upstream: up}},
		{"no tracker", Config{Pool: pool, Registry: reg, Upstream: up}},
		{"no registry", Config{Pool: pool, Tracker: tr, Upstream: up}},
		{"no upstream", Config{Pool: pool, Tracker: tr, Registry: reg}},
	}
	for _, tt := range tests {
		if _, err := New(tt.cfg); err == nil {
			t.Errorf("%s: New succeeded, want error", tt.name)
		}
	}
}

func TestDispatch_RotatesOnTransientError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addKey(t, "a")
	h.addKey(t, "b")

	var calls atomic.Int32
	h.up.GenerateFn = func(context.Context, *proxy.UpstreamKey, string, []byte) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("%w: upstream 503", proxy.ErrUpstreamTransient)
		}
		return []byte(testutil.DefaultNativeResponse), nil
	}

	resp, err := h.d.ChatCompletion(authCtx("cred-1"), chatReq("test-model", textMsg("user", "hi")))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Choices[0].Message.Content == nil {
		t.Fatal("empty response message")
	}

	ids := h.up.KeyIDs()
	if len(ids) != 2 {
		t.Fatalf("upstream calls = %d, want 2", len(ids))
	}
	if ids[0] == ids[1] {
		t.Errorf("retry reused key %s, want rotation", ids[0])
	}
}

func TestDispatch_ExhaustsKeyOnDailyQuota(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addKey(t, "a")
	h.addKey(t, "b")

	var calls atomic.Int32
	h.up.GenerateFn = func(context.Context, *proxy.UpstreamKey, string, []byte) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("%w: quota exceeded for metric per day", proxy.ErrQuotaExhausted)
		}
		return []byte(testutil.DefaultNativeResponse), nil
	}

	ctx := authCtx("cred-1")
	req := chatReq("test-model", textMsg("user", "hi"))
	if _, err := h.d.ChatCompletion(ctx, req); err != nil {
		t.Fatal(err)
	}
	// The exhausted key is out for the rest of the day; a fresh request must
	// land on the surviving key.
	if _, err := h.d.ChatCompletion(ctx, req); err != nil {
		t.Fatal(err)
	}

	ids := h.up.KeyIDs()
	if len(ids) != 3 {
		t.Fatalf("upstream calls = %d, want 3", len(ids))
	}
	if ids[0] == ids[1] {
		t.Errorf("rotation after quota error reused key %s", ids[0])
	}
	if ids[1] != ids[2] {
		t.Errorf("follow-up used %s, want surviving key %s", ids[2], ids[1])
	}
}

func TestDispatch_DisablesKeyOnRejection(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addKey(t, "a")
	h.addKey(t, "b")

	var calls atomic.Int32
	h.up.GenerateFn = func(context.Context, *proxy.UpstreamKey, string, []byte) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("%w: API key not valid", proxy.ErrKeyRejected)
		}
		return []byte(testutil.DefaultNativeResponse), nil
	}

	if _, err := h.d.ChatCompletion(authCtx("cred-1"), chatReq("test-model", textMsg("user", "hi"))); err != nil {
		t.Fatal(err)
	}

	ids := h.up.KeyIDs()
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("calls = %v, want rotation across two keys", ids)
	}
	bad, err := h.pool.Get(ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if bad.Enabled {
		t.Error("rejected key still enabled")
	}
	if bad.DisabledReason == "" {
		t.Error("rejected key has no disabled reason")
	}
}

func TestDispatch_SemanticErrorFailsWithoutPenalty(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addKey(t, "a")

	var calls atomic.Int32
	h.up.GenerateFn = func(context.Context, *proxy.UpstreamKey, string, []byte) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("%w: request schema invalid", proxy.ErrBadRequest)
		}
		return []byte(testutil.DefaultNativeResponse), nil
	}

	ctx := authCtx("cred-1")
	req := chatReq("test-model", textMsg("user", "hi"))
	_, err := h.d.ChatCompletion(ctx, req)
	if !errors.Is(err, proxy.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
	if n := len(h.up.Calls()); n != 1 {
		t.Fatalf("upstream calls = %d, want 1 (no rotation on semantic errors)", n)
	}

	// The key took no penalty: the next request must serve from it.
	if _, err := h.d.ChatCompletion(ctx, req); err != nil {
		t.Fatalf("follow-up after semantic error = %v", err)
	}
	if ids := h.up.KeyIDs(); ids[1] != "a" {
		t.Errorf("follow-up key = %s, want a", ids[1])
	}
}

func TestDispatch_AttemptsCapped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	for i := 0; i < 8; i++ {
		h.addKey(t, fmt.Sprintf("k%d", i))
	}
	h.up.GenerateFn = func(context.Context, *proxy.UpstreamKey, string, []byte) ([]byte, error) {
		return nil, fmt.Errorf("%w: upstream 503", proxy.ErrUpstreamTransient)
	}

	_, err := h.d.ChatCompletion(authCtx("cred-1"), chatReq("test-model", textMsg("user", "hi")))
	if !errors.Is(err, proxy.ErrUpstreamTransient) {
		t.Fatalf("err = %v, want last transient error", err)
	}

	ids := h.up.KeyIDs()
	if len(ids) != defaultMaxAttempts {
		t.Fatalf("upstream calls = %d, want %d", len(ids), defaultMaxAttempts)
	}
	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			t.Errorf("key %s tried twice; cooled keys must be screened", id)
		}
		seen[id] = true
	}
}

func TestDispatch_NoCapacity(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	_, err := h.d.ChatCompletion(authCtx("cred-1"), chatReq("test-model", textMsg("user", "hi")))
	if !errors.Is(err, proxy.ErrNoCapacity) {
		t.Fatalf("err = %v, want ErrNoCapacity", err)
	}
	var nke *keypool.NoKeyError
	if !errors.As(err, &nke) {
		t.Fatalf("err = %T, want *keypool.NoKeyError", err)
	}
	if nke.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive hint", nke.RetryAfter)
	}
	if n := len(h.up.Calls()); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

func TestDispatch_CancelChargesEstimateWithoutPenalty(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addKey(t, "a")

	var calls atomic.Int32
	h.up.GenerateFn = func(context.Context, *proxy.UpstreamKey, string, []byte) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, context.Canceled
		}
		return []byte(testutil.DefaultNativeResponse), nil
	}

	ctx := authCtx("cred-1")
	req := chatReq("test-model", textMsg("user", "tell me about the stones"))
	_, err := h.d.ChatCompletion(ctx, req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := len(h.up.Calls()); n != 1 {
		t.Fatalf("upstream calls = %d, want 1 (no rotation after cancel)", n)
	}

	// The upstream had begun processing: the input estimate is charged even
	// though the caller walked away.
	snap := h.tracker.Snapshot("a", "test-model")
	if snap.RPMUsed != 1 {
		t.Errorf("RPMUsed = %d, want 1", snap.RPMUsed)
	}
	if snap.TPMInputUsed == 0 {
		t.Error("TPMInputUsed = 0, want the input estimate charged")
	}

	// But the key took no penalty.
	if _, err := h.d.ChatCompletion(ctx, req); err != nil {
		t.Fatalf("follow-up after cancel = %v", err)
	}
}

func TestDispatch_SuccessRecordsActualUsage(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addKey(t, "a")

	if _, err := h.d.ChatCompletion(authCtx("cred-1"), chatReq("test-model", textMsg("user", "hi"))); err != nil {
		t.Fatal(err)
	}

	// The canned response reports promptTokenCount 10; the recorded input must
	// be that, not the pre-flight estimate.
	snap := h.tracker.Snapshot("a", "test-model")
	if snap.RPMUsed != 1 {
		t.Errorf("RPMUsed = %d, want 1", snap.RPMUsed)
	}
	if snap.TPMInputUsed != 10 {
		t.Errorf("TPMInputUsed = %d, want 10 from usageMetadata", snap.TPMInputUsed)
	}

	key, err := h.pool.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if key.LastUsedAt == nil {
		t.Error("LastUsedAt not set after success")
	}
}

func TestDispatch_CachedPrefixTokensNotCharged(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addKey(t, "a")

	h.up.GenerateFn = func(context.Context, *proxy.UpstreamKey, string, []byte) ([]byte, error) {
		return []byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}],"role":"model"},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":100,"candidatesTokenCount":5,"totalTokenCount":105,"cachedContentTokenCount":60}}`), nil
	}

	if _, err := h.d.ChatCompletion(authCtx("cred-1"), chatReq("test-model", textMsg("user", "hi"))); err != nil {
		t.Fatal(err)
	}

	snap := h.tracker.Snapshot("a", "test-model")
	if snap.TPMInputUsed != 40 {
		t.Errorf("TPMInputUsed = %d, want 40 (100 prompt minus 60 cached)", snap.TPMInputUsed)
	}
}

func TestDispatch_UnknownModelForwardedUntracked(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addKey(t, "a")

	if _, err := h.d.ChatCompletion(authCtx("cred-1"), chatReq("experimental-model", textMsg("user", "hi"))); err != nil {
		t.Fatal(err)
	}
	if calls := h.up.Calls(); len(calls) != 1 || calls[0].Model != "experimental-model" {
		t.Fatalf("calls = %+v, want one call for experimental-model", calls)
	}

	// Untracked models record no usage.
	snap := h.tracker.Snapshot("a", "experimental-model")
	if snap.RPMUsed != 0 || snap.TPMInputUsed != 0 {
		t.Errorf("usage recorded for untracked model: %+v", snap)
	}
}

func TestDispatch_Unauthenticated(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addKey(t, "a")

	_, err := h.d.ChatCompletion(context.Background(), chatReq("test-model", textMsg("user", "hi")))
	if !errors.Is(err, proxy.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if n := len(h.up.Calls()); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}
