package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/testutil"
)

const streamChatBody = `{"model":"test-model","messages":[{"role":"user","content":"hi"}],"stream":true}`

// frames splits an SSE body into its data payloads.
func frames(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			out = append(out, rest)
		}
	}
	return out
}

func TestChatCompletionStream(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addKey(t, "a")

	rec := h.do(t, http.MethodPost, "/v1/chat/completions", callerSecret, streamChatBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	fs := frames(t, rec.Body.String())
	if len(fs) < 3 {
		t.Fatalf("frames = %v, want chunks plus [DONE]", fs)
	}
	if fs[len(fs)-1] != "[DONE]" {
		t.Errorf("last frame = %q, want [DONE]", fs[len(fs)-1])
	}

	var text strings.Builder
	for _, f := range fs[:len(fs)-1] {
		text.WriteString(gjson.Get(f, "choices.0.delta.content").String())
		if obj := gjson.Get(f, "object").String(); obj != "chat.completion.chunk" {
			t.Errorf("object = %q, want chat.completion.chunk", obj)
		}
	}
	if got := text.String(); got != "hello" {
		t.Errorf("assembled text = %q, want hello", got)
	}
}

func TestChatCompletionStream_OpenFailureKeepsStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t) // empty pool: selection fails before any output

	rec := h.do(t, http.MethodPost, "/v1/chat/completions", callerSecret, streamChatBody)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503; body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want plain JSON error", ct)
	}
	if typ := gjson.Get(rec.Body.String(), "error.type").String(); typ != "server_error" {
		t.Errorf("error.type = %q", typ)
	}
}

func TestChatCompletionStream_MidStreamError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addKey(t, "a")
	h.up.StreamFn = func(context.Context, *proxy.UpstreamKey, string, []byte) (<-chan proxy.StreamEvent, error) {
		return testutil.StreamError(
			fmt.Errorf("%w: upstream closed mid-reply", proxy.ErrStreamInterrupted),
			[]byte(`{"candidates":[{"content":{"parts":[{"text":"partial"}],"role":"model"}}]}`),
		), nil
	}

	rec := h.do(t, http.MethodPost, "/v1/chat/completions", callerSecret, streamChatBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (headers sent before the failure)", rec.Code)
	}

	fs := frames(t, rec.Body.String())
	if len(fs) < 2 {
		t.Fatalf("frames = %v, want content plus error frame", fs)
	}
	if got := gjson.Get(fs[0], "choices.0.delta.content").String(); got != "partial" {
		t.Errorf("first delta = %q, want partial", got)
	}
	last := fs[len(fs)-1]
	if last == "[DONE]" {
		t.Fatal("stream ended with [DONE] after an upstream failure")
	}
	if typ := gjson.Get(last, "error.type").String(); typ != "server_error" {
		t.Errorf("error frame type = %q, body %s", typ, last)
	}
}

const nativeBody = `{"contents":[{"parts":[{"text":"hi"}],"role":"user"}]}`

func TestNativeStream(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addKey(t, "a")

	rec := h.do(t, http.MethodPost, "/v2/models/test-model:streamGenerateContent", callerSecret, nativeBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	fs := frames(t, rec.Body.String())
	if len(fs) != 2 {
		t.Fatalf("frames = %d, want the two upstream chunks verbatim", len(fs))
	}
	if got := gjson.Get(fs[0], "candidates.0.content.parts.0.text").String(); got != "hel" {
		t.Errorf("first chunk text = %q, want hel", got)
	}
	if strings.Contains(rec.Body.String(), "[DONE]") {
		t.Error("native stream must not carry an OpenAI [DONE] sentinel")
	}
}

func TestNativeStream_OpenFailureEnvelope(t *testing.T) {
	t.Parallel()
	h := newHarness(t) // empty pool

	rec := h.do(t, http.MethodPost, "/v2/models/test-model:streamGenerateContent", callerSecret, nativeBody)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	body := rec.Body.String()
	if got := gjson.Get(body, "error.status").String(); got != "UNAVAILABLE" {
		t.Errorf("error.status = %q, body %s", got, body)
	}
	if got := gjson.Get(body, "error.code").Int(); got != 503 {
		t.Errorf("error.code = %d", got)
	}
}
