// Package upstream implements the native HTTP adapter for the provider API:
// content generation, streaming, token counting, model listing, and
// cached-content management. Every call authenticates with the pooled key it
// is given; the client never retries or rotates on its own.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cloudauth"
)

const (
	defaultHost           = "https://generativelanguage.googleapis.com"
	defaultAPIVersion     = "v1beta"
	defaultConnectTimeout = 10 * time.Second
	defaultReadTimeout    = 120 * time.Second

	apiKeyHeader     = "x-goog-api-key"
	oauthScope       = "https://www.googleapis.com/auth/generative-language"
	maxResponseBytes = 8 << 20
)

var _ proxy.Upstream = (*Client)(nil)

// Config tunes the upstream client. BaseURL, when set, must include the API
// version path segment and overrides APIVersion entirely.
type Config struct {
	BaseURL        string
	APIVersion     string
	Resolver       *dnscache.Resolver
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Client is the provider API adapter. One base transport is shared across
// keys; auth is layered per key as a RoundTripper decorator.
type Client struct {
	baseURL     string
	base        http.RoundTripper
	readTimeout time.Duration

	mu         sync.Mutex
	transports map[string]keyTransport
}

type keyTransport struct {
	secret string // rebuilt when the key secret rotates
	rt     http.RoundTripper
}

// New creates a Client. Zero config fields take defaults.
func New(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		version := cfg.APIVersion
		if version == "" {
			version = defaultAPIVersion
		}
		baseURL = defaultHost + "/" + version
	}
	connect := cfg.ConnectTimeout
	if connect <= 0 {
		connect = defaultConnectTimeout
	}
	read := cfg.ReadTimeout
	if read <= 0 {
		read = defaultReadTimeout
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		base:        newTransport(cfg.Resolver, connect),
		readTimeout: read,
		transports:  make(map[string]keyTransport),
	}
}

// transportFor returns the auth-decorated transport for a key, building and
// caching it on first use. A changed secret invalidates the cached decorator.
func (c *Client) transportFor(key *proxy.UpstreamKey) (http.RoundTripper, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if kt, ok := c.transports[key.ID]; ok && kt.secret == key.Secret {
		return kt.rt, nil
	}

	var rt http.RoundTripper
	switch key.AuthType {
	case proxy.AuthTypeOAuth:
		// The secret is a service-account JSON key.
		t, err := cloudauth.NewGCPOAuthTransportFromJSON(context.Background(), c.base, []byte(key.Secret), oauthScope)
		if err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", proxy.ErrKeyRejected, key.ID, err)
		}
		rt = t
	default:
		rt = &cloudauth.APIKeyTransport{Key: key.Secret, HeaderName: apiKeyHeader, Base: c.base}
	}
	c.transports[key.ID] = keyTransport{secret: key.Secret, rt: rt}
	return rt, nil
}

func (c *Client) clientFor(key *proxy.UpstreamKey, streaming bool) (*http.Client, error) {
	rt, err := c.transportFor(key)
	if err != nil {
		return nil, err
	}
	timeout := c.readTimeout
	if streaming {
		// Streams outlive the read timeout; cancellation comes via context.
		timeout = 0
	}
	return &http.Client{Transport: rt, Timeout: timeout}, nil
}

// do runs one JSON request and returns the response body on 200.
func (c *Client) do(ctx context.Context, key *proxy.UpstreamKey, method, url string, body []byte) ([]byte, error) {
	httpClient, err := c.clientFor(key, false)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp)
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return respBody, nil
}

// wrapTransportError classifies client-side failures. A done caller context
// passes through untouched so the dispatcher can tell an abandoned request
// from an upstream fault; the adapter's own read timeout becomes
// ErrUpstreamTimeout and anything else is transient.
func wrapTransportError(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if strings.Contains(err.Error(), "Client.Timeout") {
		return fmt.Errorf("%w: %v", proxy.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", proxy.ErrUpstreamTransient, err)
}

// GenerateContent sends a non-streaming generate request.
func (c *Client) GenerateContent(ctx context.Context, key *proxy.UpstreamKey, model string, body []byte) ([]byte, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	return c.do(ctx, key, http.MethodPost, url, body)
}

// StreamGenerateContent opens an SSE stream. Events arrive on the returned
// channel until it closes; a terminal error is the last event.
func (c *Client) StreamGenerateContent(ctx context.Context, key *proxy.UpstreamKey, model string, body []byte) (<-chan proxy.StreamEvent, error) {
	httpClient, err := c.clientFor(key, true)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportError(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseAPIError(resp)
	}

	ch := make(chan proxy.StreamEvent, 8)
	go readStream(ctx, resp.Body, ch)
	return ch, nil
}

// CountTokens asks the provider for an exact input token count.
func (c *Client) CountTokens(ctx context.Context, key *proxy.UpstreamKey, model string, body []byte) (int, error) {
	url := fmt.Sprintf("%s/models/%s:countTokens", c.baseURL, model)
	respBody, err := c.do(ctx, key, http.MethodPost, url, body)
	if err != nil {
		return 0, err
	}
	return int(gjson.GetBytes(respBody, "totalTokens").Int()), nil
}

// ListModels returns the model ids the key can access, without the
// "models/" prefix.
func (c *Client) ListModels(ctx context.Context, key *proxy.UpstreamKey) ([]string, error) {
	url := fmt.Sprintf("%s/models?pageSize=1000", c.baseURL)
	respBody, err := c.do(ctx, key, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var ids []string
	gjson.GetBytes(respBody, "models").ForEach(func(_, model gjson.Result) bool {
		name := model.Get("name").String()
		if after, ok := strings.CutPrefix(name, "models/"); ok {
			name = after
		}
		if name != "" {
			ids = append(ids, name)
		}
		return true
	})
	return ids, nil
}

// CreateCachedContent registers a cached-content blob and returns its
// server-assigned name and expiry.
func (c *Client) CreateCachedContent(ctx context.Context, key *proxy.UpstreamKey, body []byte) (string, time.Time, error) {
	url := fmt.Sprintf("%s/cachedContents", c.baseURL)
	respBody, err := c.do(ctx, key, http.MethodPost, url, body)
	if err != nil {
		return "", time.Time{}, err
	}

	name := gjson.GetBytes(respBody, "name").String()
	if name == "" {
		return "", time.Time{}, fmt.Errorf("%w: cached content response missing name", proxy.ErrUpstreamTransient)
	}
	var expires time.Time
	if raw := gjson.GetBytes(respBody, "expireTime").String(); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			expires = t
		}
	}
	return name, expires, nil
}

// DeleteCachedContent removes a cached-content blob.
func (c *Client) DeleteCachedContent(ctx context.Context, key *proxy.UpstreamKey, id string) error {
	path := id
	if !strings.HasPrefix(path, "cachedContents/") {
		path = "cachedContents/" + path
	}
	_, err := c.do(ctx, key, http.MethodDelete, fmt.Sprintf("%s/%s", c.baseURL, path), nil)
	return err
}

// ForgetKey drops the cached auth transport for a removed key.
func (c *Client) ForgetKey(id string) {
	c.mu.Lock()
	delete(c.transports, id)
	c.mu.Unlock()
}
