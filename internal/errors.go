package proxy

import "errors"

// Sentinel errors for the proxy domain. The dispatch pipeline recovers the
// upstream-attributable kinds by rotating keys; everything else propagates
// unchanged to the HTTP layer.
var (
	ErrBadRequest        = errors.New("bad request")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrNoCapacity        = errors.New("no upstream key available")
	ErrUpstreamTransient = errors.New("upstream transient failure")
	ErrQuotaExhausted    = errors.New("upstream daily quota exhausted")
	ErrKeyRejected       = errors.New("upstream rejected key")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrStreamInterrupted = errors.New("stream interrupted")
)
