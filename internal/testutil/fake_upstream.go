// Package testutil provides configurable test fakes for proxy interfaces.
package testutil

import (
	"context"
	"sync"
	"time"

	proxy "github.com/eugener/palantir/internal"
)

// Call records one upstream invocation: which method ran, with which pooled
// key, against which model.
type Call struct {
	Method string
	KeyID  string
	Model  string
}

// DefaultNativeResponse is the canned generateContent body returned when no
// GenerateFn is configured.
const DefaultNativeResponse = `{"candidates":[{"content":{"parts":[{"text":"hello"}],"role":"model"},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5,"totalTokenCount":15}}`

// FakeUpstream is a configurable proxy.Upstream. Every method logs a Call
// before delegating to its hook; unset hooks return sensible defaults.
type FakeUpstream struct {
	mu    sync.Mutex
	calls []Call

	GenerateFn    func(ctx context.Context, key *proxy.UpstreamKey, model string, body []byte) ([]byte, error)
	StreamFn      func(ctx context.Context, key *proxy.UpstreamKey, model string, body []byte) (<-chan proxy.StreamEvent, error)
	CountFn       func(ctx context.Context, key *proxy.UpstreamKey, model string, body []byte) (int, error)
	ModelsFn      func(ctx context.Context, key *proxy.UpstreamKey) ([]string, error)
	CreateCacheFn func(ctx context.Context, key *proxy.UpstreamKey, body []byte) (string, time.Time, error)
	DeleteCacheFn func(ctx context.Context, key *proxy.UpstreamKey, id string) error
}

var _ proxy.Upstream = (*FakeUpstream)(nil)

func (f *FakeUpstream) record(method, keyID, model string) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, KeyID: keyID, Model: model})
	f.mu.Unlock()
}

// Calls returns a copy of the recorded invocations in order.
func (f *FakeUpstream) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// KeyIDs returns the key id of every recorded call, in order.
func (f *FakeUpstream) KeyIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.KeyID
	}
	return out
}

// GenerateContent delegates to GenerateFn or returns DefaultNativeResponse.
func (f *FakeUpstream) GenerateContent(ctx context.Context, key *proxy.UpstreamKey, model string, body []byte) ([]byte, error) {
	f.record("generate", key.ID, model)
	if f.GenerateFn != nil {
		return f.GenerateFn(ctx, key, model, body)
	}
	return []byte(DefaultNativeResponse), nil
}

// StreamGenerateContent delegates to StreamFn or streams two canned events.
func (f *FakeUpstream) StreamGenerateContent(ctx context.Context, key *proxy.UpstreamKey, model string, body []byte) (<-chan proxy.StreamEvent, error) {
	f.record("stream", key.ID, model)
	if f.StreamFn != nil {
		return f.StreamFn(ctx, key, model, body)
	}
	return StreamEvents(
		[]byte(`{"candidates":[{"content":{"parts":[{"text":"hel"}],"role":"model"}}]}`),
		[]byte(`{"candidates":[{"content":{"parts":[{"text":"lo"}],"role":"model"},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5,"totalTokenCount":15}}`),
	), nil
}

// CountTokens delegates to CountFn or returns 42.
func (f *FakeUpstream) CountTokens(ctx context.Context, key *proxy.UpstreamKey, model string, body []byte) (int, error) {
	f.record("count", key.ID, model)
	if f.CountFn != nil {
		return f.CountFn(ctx, key, model, body)
	}
	return 42, nil
}

// ListModels delegates to ModelsFn or returns a static pair.
func (f *FakeUpstream) ListModels(ctx context.Context, key *proxy.UpstreamKey) ([]string, error) {
	f.record("models", key.ID, "")
	if f.ModelsFn != nil {
		return f.ModelsFn(ctx, key)
	}
	return []string{"gemini-2.5-pro", "gemini-2.5-flash"}, nil
}

// CreateCachedContent delegates to CreateCacheFn or returns a canned handle.
func (f *FakeUpstream) CreateCachedContent(ctx context.Context, key *proxy.UpstreamKey, body []byte) (string, time.Time, error) {
	f.record("create_cache", key.ID, "")
	if f.CreateCacheFn != nil {
		return f.CreateCacheFn(ctx, key, body)
	}
	return "cachedContents/fake", time.Now().Add(time.Hour), nil
}

// DeleteCachedContent delegates to DeleteCacheFn or succeeds.
func (f *FakeUpstream) DeleteCachedContent(ctx context.Context, key *proxy.UpstreamKey, id string) error {
	f.record("delete_cache", key.ID, "")
	if f.DeleteCacheFn != nil {
		return f.DeleteCacheFn(ctx, key, id)
	}
	return nil
}

// StreamEvents returns a closed channel pre-loaded with the given payloads.
func StreamEvents(payloads ...[]byte) <-chan proxy.StreamEvent {
	ch := make(chan proxy.StreamEvent, len(payloads))
	for _, p := range payloads {
		ch <- proxy.StreamEvent{Data: p}
	}
	close(ch)
	return ch
}

// StreamError returns a closed channel delivering the given payloads and
// then a terminal error event.
func StreamError(err error, payloads ...[]byte) <-chan proxy.StreamEvent {
	ch := make(chan proxy.StreamEvent, len(payloads)+1)
	for _, p := range payloads {
		ch <- proxy.StreamEvent{Data: p}
	}
	ch <- proxy.StreamEvent{Err: err}
	close(ch)
	return ch
}
