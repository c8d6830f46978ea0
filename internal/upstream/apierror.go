package upstream

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
)

// APIError is a non-2xx response from the provider. It unwraps to the domain
// sentinel matching its class so the dispatch pipeline can pick a recovery
// with errors.Is alone.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
	kind       error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream: HTTP %d", e.StatusCode)
}

func (e *APIError) Unwrap() error { return e.kind }

// HTTPStatus returns the upstream status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// parseAPIError reads up to 4KB of the error body and classifies it.
func parseAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	e := &APIError{
		StatusCode: resp.StatusCode,
		Message:    gjson.GetBytes(body, "error.message").String(),
		Body:       string(body),
	}
	e.kind = classify(e.StatusCode, e.Body)
	return e
}

// keyRejectedMarkers are body fragments that identify a 400 as a credential
// problem rather than a malformed request.
var keyRejectedMarkers = []string{
	"API_KEY_INVALID",
	"API key not valid",
	"API key expired",
	"CONSUMER_SUSPENDED",
}

// dailyQuotaMarkers distinguish a calendar-day quota violation from ordinary
// per-minute rate limiting, matched case-insensitively. The provider names
// its daily quota metrics "...PerDay..." in the violation details.
var dailyQuotaMarkers = []string{
	"perday",
	"per day",
	"daily",
}

func classify(status int, body string) error {
	switch {
	case status == http.StatusBadRequest:
		for _, marker := range keyRejectedMarkers {
			if strings.Contains(body, marker) {
				return proxy.ErrKeyRejected
			}
		}
		return proxy.ErrBadRequest
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return proxy.ErrKeyRejected
	case status == http.StatusNotFound:
		return proxy.ErrNotFound
	case status == http.StatusRequestTimeout:
		return proxy.ErrUpstreamTimeout
	case status == http.StatusTooManyRequests:
		lower := strings.ToLower(body)
		for _, marker := range dailyQuotaMarkers {
			if strings.Contains(lower, marker) {
				return proxy.ErrQuotaExhausted
			}
		}
		return proxy.ErrUpstreamTransient
	case status >= 500:
		return proxy.ErrUpstreamTransient
	}
	return nil
}
