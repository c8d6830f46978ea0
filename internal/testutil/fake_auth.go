package testutil

import (
	"context"

	proxy "github.com/eugener/palantir/internal"
)

// FakeAuth authenticates every bearer token. When Identity is nil it returns
// an admin identity with subject "test".
type FakeAuth struct {
	Identity *proxy.Identity
}

// Authenticate returns the configured identity, or a default admin one.
func (f FakeAuth) Authenticate(context.Context, string) (*proxy.Identity, error) {
	if f.Identity != nil {
		id := *f.Identity
		return &id, nil
	}
	return &proxy.Identity{
		Subject:      "test",
		CredentialID: "cred-test",
		IsAdmin:      true,
	}, nil
}

// RejectAuth rejects every bearer token.
type RejectAuth struct{}

// Authenticate always returns ErrUnauthorized.
func (RejectAuth) Authenticate(context.Context, string) (*proxy.Identity, error) {
	return nil, proxy.ErrUnauthorized
}
