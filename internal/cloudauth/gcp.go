package cloudauth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GCPOAuthTransport is an http.RoundTripper that injects a GCP OAuth2
// bearer token on every outbound request. Tokens are cached and
// auto-refreshed.
type GCPOAuthTransport struct {
	base   http.RoundTripper
	source oauth2.TokenSource
}

// NewGCPOAuthTransport obtains credentials via Application Default
// Credentials (ADC) and injects an Authorization: Bearer header on each
// request. scopes specifies the required OAuth2 scopes.
func NewGCPOAuthTransport(ctx context.Context, base http.RoundTripper, scopes ...string) (*GCPOAuthTransport, error) {
	creds, err := google.FindDefaultCredentials(ctx, scopes...)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: find GCP credentials: %w", err)
	}
	return &GCPOAuthTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, creds.TokenSource),
	}, nil
}

// NewGCPOAuthTransportFromJSON builds a transport from a service-account
// JSON key, for pooled keys whose secret is the key file itself.
func NewGCPOAuthTransportFromJSON(ctx context.Context, base http.RoundTripper, jsonKey []byte, scopes ...string) (*GCPOAuthTransport, error) {
	creds, err := google.CredentialsFromJSON(ctx, jsonKey, scopes...)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: parse GCP credentials: %w", err)
	}
	return &GCPOAuthTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, creds.TokenSource),
	}, nil
}

// NewGCPOAuthTransportFromSource creates a transport around an explicit
// token source.
func NewGCPOAuthTransportFromSource(base http.RoundTripper, ts oauth2.TokenSource) *GCPOAuthTransport {
	return &GCPOAuthTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, ts),
	}
}

// RoundTrip obtains a token and injects it as a Bearer header.
func (t *GCPOAuthTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("cloudauth: obtain GCP token: %w", err)
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return t.getBase().RoundTrip(r2)
}

func (t *GCPOAuthTransport) getBase() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}
