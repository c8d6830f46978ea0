package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/eugener/palantir/internal/testutil"
)

func TestNativeGenerate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addKey(t, "a")

	rec := h.do(t, http.MethodPost, "/v2/models/test-model:generateContent", callerSecret, nativeBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := rec.Body.String(); got != testutil.DefaultNativeResponse {
		t.Errorf("body = %s, want the upstream response verbatim", got)
	}
}

// TestNativeGenerate_GoogHeader authenticates with the provider-style api-key
// header instead of a bearer token.
func TestNativeGenerate_GoogHeader(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addKey(t, "a")

	req := httptest.NewRequest(http.MethodPost, "/v2/models/test-model:generateContent",
		strings.NewReader(nativeBody))
	req.Header.Set("X-Goog-Api-Key", callerSecret)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := gjson.Get(rec.Body.String(), "candidates.0.content.parts.0.text").String(); got != "hello" {
		t.Errorf("text = %q, want hello", got)
	}
}

func TestNative_Errors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addKey(t, "a")

	tests := []struct {
		name       string
		path       string
		body       string
		wantCode   int
		wantStatus string
	}{
		{
			name:       "invalid model name",
			path:       "/v2/models/bad$model:generateContent",
			body:       nativeBody,
			wantCode:   http.StatusBadRequest,
			wantStatus: "INVALID_ARGUMENT",
		},
		{
			name:       "unknown action",
			path:       "/v2/models/test-model:embedContent",
			body:       nativeBody,
			wantCode:   http.StatusNotFound,
			wantStatus: "NOT_FOUND",
		},
		{
			name:       "empty contents",
			path:       "/v2/models/test-model:generateContent",
			body:       `{"contents":[]}`,
			wantCode:   http.StatusBadRequest,
			wantStatus: "INVALID_ARGUMENT",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := h.do(t, http.MethodPost, tt.path, callerSecret, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d; body %s", rec.Code, tt.wantCode, rec.Body.String())
			}
			body := rec.Body.String()
			if got := gjson.Get(body, "error.status").String(); got != tt.wantStatus {
				t.Errorf("error.status = %q, want %q", got, tt.wantStatus)
			}
			if got := gjson.Get(body, "error.code").Int(); got != int64(tt.wantCode) {
				t.Errorf("error.code = %d, want %d", got, tt.wantCode)
			}
		})
	}
}

func TestNative_NoCapacityEnvelope(t *testing.T) {
	t.Parallel()
	h := newHarness(t) // empty pool

	rec := h.do(t, http.MethodPost, "/v2/models/test-model:generateContent", callerSecret, nativeBody)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503; body %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if got := gjson.Get(rec.Body.String(), "error.status").String(); got != "UNAVAILABLE" {
		t.Errorf("error.status = %q", got)
	}
}

func TestNative_UnauthenticatedEnvelope(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v2/models/test-model:generateContent", "", nativeBody)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "error.status").String(); got != "UNAUTHENTICATED" {
		t.Errorf("error.status = %q, body %s", got, rec.Body.String())
	}
}
