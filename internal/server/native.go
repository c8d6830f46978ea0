package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	proxy "github.com/eugener/palantir/internal"
)

// isValidParam checks that s is non-empty, bounded, and contains only
// [a-zA-Z0-9._-], rejecting hostile path params before they reach the
// upstream URL.
func isValidParam(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// handleNative serves the /v2/models/{model}:{action} passthrough surface.
func (s *server) handleNative(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	action := chi.URLParam(r, "action")
	if !isValidParam(model) {
		writeNativeError(w, http.StatusBadRequest, "invalid model name")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeNativeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	switch action {
	case "generateContent":
		s.nativeGenerate(w, r, model, body)
	case "streamGenerateContent":
		s.nativeStream(w, r, model, body)
	default:
		writeNativeError(w, http.StatusNotFound, "unknown action")
	}
}

func (s *server) nativeGenerate(w http.ResponseWriter, r *http.Request, model string, body []byte) {
	resp, err := s.deps.Dispatcher.NativeGenerateContent(r.Context(), model, body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

// nativeStream relays raw native events as SSE. Native streams end without a
// terminal sentinel; the connection close marks completion.
func (s *server) nativeStream(w http.ResponseWriter, r *http.Request, model string, body []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeNativeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var opened bool
	err := s.deps.Dispatcher.NativeStreamGenerateContent(r.Context(), model, body, lazySink(w, flusher, &opened))
	switch {
	case err == nil:
		if !opened {
			writeSSEHeaders(w)
		}
		flusher.Flush()
	case !opened:
		writeError(w, r, err)
	case errors.Is(err, context.Canceled):
	default:
		slog.LogAttrs(r.Context(), slog.LevelWarn, "native stream aborted",
			slog.String("error", err.Error()),
			slog.String("request_id", proxy.RequestIDFromContext(r.Context())),
		)
		writeSSEData(w, nativeErrorBody(errorStatus(err), err.Error()))
		flusher.Flush()
	}
}
