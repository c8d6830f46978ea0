// Package proxy defines domain types and interfaces for the Palantir proxy.
// This package has no project imports -- it is the dependency root.
package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// --- OpenAI-compatible wire shapes ---

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	N             int             `json:"n,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *StreamOptions  `json:"stream_options,omitempty"`
	Stop          json.RawMessage `json:"stop,omitempty"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	User          string          `json:"user,omitempty"`
	Tools         json.RawMessage `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message. Content is either a JSON string or an
// array of content parts; translation decodes it lazily.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens        int                  `json:"prompt_tokens"`
	CompletionTokens    int                  `json:"completion_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	PromptTokensDetails *PromptTokensDetails `json:"prompt_tokens_details,omitempty"`
}

// PromptTokensDetails breaks down prompt tokens. CachedTokens counts the
// prefix served from an upstream content cache; those are not re-billed and
// stay out of the TPM window.
type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// --- Upstream adapter ---

// StreamEvent is a single decoded SSE event from the upstream. The producer
// closes the channel after the final event; a non-nil Err is always the last
// event sent.
type StreamEvent struct {
	Data []byte // raw JSON payload of one event
	Err  error
}

// Upstream is the adapter for the generative-AI provider API. Implementations
// authenticate each call with the given key's secret and never retry on their
// own: retry policy belongs to the dispatch pipeline.
type Upstream interface {
	// GenerateContent sends a non-streaming native request and returns the
	// raw native response body.
	GenerateContent(ctx context.Context, key *UpstreamKey, model string, body []byte) ([]byte, error)
	// StreamGenerateContent sends a streaming native request. Events arrive
	// on the returned channel until it is closed.
	StreamGenerateContent(ctx context.Context, key *UpstreamKey, model string, body []byte) (<-chan StreamEvent, error)
	// CountTokens asks the provider for an exact input token count.
	CountTokens(ctx context.Context, key *UpstreamKey, model string, body []byte) (int, error)
	// ListModels returns the model IDs the key can access.
	ListModels(ctx context.Context, key *UpstreamKey) ([]string, error)
	// CreateCachedContent registers a cached-content blob upstream and
	// returns its server-assigned name and expiry.
	CreateCachedContent(ctx context.Context, key *UpstreamKey, body []byte) (string, time.Time, error)
	// DeleteCachedContent removes a cached-content blob upstream.
	DeleteCachedContent(ctx context.Context, key *UpstreamKey, id string) error
}

// --- Upstream key ---

// Key auth types.
const (
	AuthTypeAPIKey = "api_key"
	AuthTypeOAuth  = "oauth"
)

// UpstreamKey is a pooled credential for the upstream provider.
// Runtime eligibility state (cooldown, daily exhaustion) lives in the key
// pool, not here; this is the durable record.
type UpstreamKey struct {
	ID                string     `json:"id"`
	Secret            string     `json:"-"` // never serialized
	Description       string     `json:"description,omitempty"`
	Enabled           bool       `json:"enabled"`
	AuthType          string     `json:"auth_type"` // "api_key" or "oauth"
	ContextCompletion bool       `json:"context_completion_enabled"`
	DisabledReason    string     `json:"disabled_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
}

// Expired reports whether the key has a hard expiry in the past.
func (k *UpstreamKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Redacted returns a loggable form of the key secret: the first 8 characters.
func (k *UpstreamKey) Redacted() string { return SecretPrefix(k.Secret) }

// --- Caller identity ---

// Credential is a proxy-facing caller identity in database auth mode.
// Only the SHA-256 hash of the secret is persisted.
type Credential struct {
	ID          string     `json:"id"`
	SecretHash  string     `json:"-"`
	Description string     `json:"description,omitempty"`
	IsAdmin     bool       `json:"is_admin"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Identity is the authenticated caller attached to the request context.
// CredentialID scopes all per-caller state (contexts, cache handles, sticky
// sessions); it is stable across restarts in both auth modes.
type Identity struct {
	Subject      string `json:"subject"`       // display form, never the secret
	CredentialID string `json:"credential_id"` // row ID (database) or secret hash prefix (memory)
	IsAdmin      bool   `json:"is_admin"`
}

// Authenticator validates a bearer credential and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (*Identity, error)
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to creating
// new metadata if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared helpers ---

// HashSecret returns the hex-encoded SHA-256 hash of a raw credential secret.
func HashSecret(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// HashContent returns the hex-encoded SHA-256 hash of serialized content,
// used to match prompt prefixes against registered cache handles.
func HashContent(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// SecretPrefix returns the first 8 characters of a secret for display.
func SecretPrefix(secret string) string {
	if len(secret) <= 8 {
		return secret
	}
	return secret[:8]
}
