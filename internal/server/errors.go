package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/keypool"
)

// openAIError is the error envelope served on the OpenAI-compatible and
// admin surfaces.
type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string, status int) openAIError {
	var e openAIError
	e.Error.Message = msg
	e.Error.Type = openAIType(status)
	return e
}

func openAIType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

// nativeError is the provider-style error envelope served under /v2.
type nativeError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func nativeErrorBody(status int, msg string) []byte {
	var e nativeError
	e.Error.Code = status
	e.Error.Message = msg
	e.Error.Status = googleStatus(status)
	b, _ := json.Marshal(e)
	return b
}

func googleStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "DEADLINE_EXCEEDED"
	default:
		return "INTERNAL"
	}
}

func writeNativeError(w http.ResponseWriter, status int, msg string) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(nativeErrorBody(status, msg))
}

// errorStatus maps domain sentinels to HTTP status codes. Transient and
// key-rejection failures that survive the full selection loop surface as 503:
// the pool had no key able to complete the request right now.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, proxy.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, proxy.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, proxy.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, proxy.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, proxy.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, proxy.ErrRateLimited), errors.Is(err, proxy.ErrQuotaExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, proxy.ErrNoCapacity),
		errors.Is(err, proxy.ErrUpstreamTransient),
		errors.Is(err, proxy.ErrKeyRejected),
		errors.Is(err, proxy.ErrStreamInterrupted):
		return http.StatusServiceUnavailable
	case errors.Is(err, proxy.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err in the surface's wire format: native envelope under
// /v2, OpenAI envelope everywhere else. A Retry-After header is attached when
// the error carries a retry hint.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if ra := retryAfterFor(err); ra > 0 {
		w.Header()["Retry-After"] = []string{strconv.Itoa(ra)}
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("error", err.Error()),
			slog.String("path", r.URL.Path),
			slog.String("request_id", proxy.RequestIDFromContext(r.Context())),
		)
		msg = "internal server error"
	}

	if isNativeSurface(r) {
		writeNativeError(w, status, msg)
		return
	}
	writeJSON(w, status, errorResponse(msg, status))
}

func isNativeSurface(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/v2/")
}

// retryAfterFor extracts a whole-second retry hint, 0 when none applies.
func retryAfterFor(err error) int {
	var nk *keypool.NoKeyError
	if errors.As(err, &nk) && nk.RetryAfter > 0 {
		return ceilSeconds(nk.RetryAfter)
	}
	return 0
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
