// Package app implements the request dispatch pipeline: validate, translate,
// select an upstream key, call the provider, rotate keys on recoverable
// failures, and settle usage, context, and cache state after each attempt.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cachemeta"
	"github.com/eugener/palantir/internal/contextstore"
	"github.com/eugener/palantir/internal/keypool"
	"github.com/eugener/palantir/internal/limits"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/usage"
)

const (
	defaultMaxAttempts    = 5
	defaultCacheTTL       = time.Hour
	defaultMinCacheTokens = 2048
)

// Config wires the dispatcher's collaborators and tuning. Pool, Tracker,
// Registry, and Upstream are required; Contexts and Caches are optional and
// disable their feature when nil.
type Config struct {
	Pool     *keypool.Pool
	Tracker  *usage.Tracker
	Registry *limits.Registry
	Upstream proxy.Upstream
	Contexts contextstore.Store
	Caches   cachemeta.Index
	Metrics  *telemetry.Metrics

	// MaxAttempts caps the selection loop per request.
	MaxAttempts int
	// SafetyMargin is held back from the effective input token limit when
	// fitting conversation history.
	SafetyMargin int

	CacheEnabled         bool
	CacheMinPrefixTokens int
	CacheTTL             time.Duration

	// StreamSaveReply persists streamed replies to the context store.
	StreamSaveReply bool
	// DisableSafety sends BLOCK_NONE safety settings upstream.
	DisableSafety bool
}

// Dispatcher is the dispatch pipeline. One instance serves all requests.
type Dispatcher struct {
	pool     *keypool.Pool
	tracker  *usage.Tracker
	registry *limits.Registry
	upstream proxy.Upstream
	contexts contextstore.Store
	caches   cachemeta.Index
	metrics  *telemetry.Metrics
	cfg      Config

	probe *modelProbe

	now func() time.Time
}

// StreamSink receives one outbound stream payload. Returning an error aborts
// the stream; the dispatcher treats it as the client having gone away.
type StreamSink func(chunk []byte) error

// New validates the configuration and returns a ready Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.Pool == nil:
		return nil, errors.New("app: key pool is required")
	case cfg.Tracker == nil:
		return nil, errors.New("app: usage tracker is required")
	case cfg.Registry == nil:
		return nil, errors.New("app: limits registry is required")
	case cfg.Upstream == nil:
		return nil, errors.New("app: upstream adapter is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.CacheMinPrefixTokens <= 0 {
		cfg.CacheMinPrefixTokens = defaultMinCacheTokens
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics(prometheus.NewRegistry())
	}
	return &Dispatcher{
		pool:     cfg.Pool,
		tracker:  cfg.Tracker,
		registry: cfg.Registry,
		upstream: cfg.Upstream,
		contexts: cfg.Contexts,
		caches:   cfg.Caches,
		metrics:  metrics,
		cfg:      cfg,
		probe:    newModelProbe(),
		now:      time.Now,
	}, nil
}

// errKind names an error class for metrics and logs.
func errKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, proxy.ErrQuotaExhausted):
		return "quota_daily"
	case errors.Is(err, proxy.ErrKeyRejected):
		return "key_rejected"
	case errors.Is(err, proxy.ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, proxy.ErrUpstreamTransient):
		return "transient"
	case errors.Is(err, proxy.ErrBadRequest):
		return "bad_request"
	case errors.Is(err, proxy.ErrNotFound):
		return "not_found"
	case errors.Is(err, proxy.ErrNoCapacity):
		return "no_capacity"
	case errors.Is(err, proxy.ErrStreamInterrupted):
		return "stream_interrupted"
	default:
		return "other"
	}
}

// disableReason renders an upstream rejection as a stored disabled_reason,
// bounded so a large error body cannot bloat the key record.
func disableReason(err error) string {
	const maxLen = 200
	s := err.Error()
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// credentialFrom extracts the caller credential scoping all per-caller state.
func credentialFrom(ctx context.Context) (string, error) {
	id := proxy.IdentityFromContext(ctx)
	if id == nil || id.CredentialID == "" {
		return "", fmt.Errorf("%w: no authenticated credential", proxy.ErrUnauthorized)
	}
	return id.CredentialID, nil
}
