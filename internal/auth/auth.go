// Package auth validates proxy-facing caller credentials. Two modes share the
// proxy.Authenticator contract: memory (a configured list of shared secrets)
// and database (hashed rows in the credentials table, cached in a W-TinyLFU
// cache).
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

const (
	defaultCacheTTL  = 30 * time.Second // short enough to pick up revocations promptly
	defaultCacheSize = 10_000

	// credentialIDLen is how much of the secret hash becomes the stable
	// caller id in memory mode.
	credentialIDLen = 16
)

// --- Memory mode ---

// Memory authenticates against a fixed credential list from configuration.
// The caller id is a prefix of the secret's hash, stable across restarts.
type Memory struct {
	entries []memEntry
}

type memEntry struct {
	hash    string
	isAdmin bool
}

// NewMemory builds a Memory authenticator from the configured secrets. The
// admin credential, when set, is accepted with admin rights; listing it in
// credentials too is harmless.
func NewMemory(credentials []string, adminCredential string) *Memory {
	m := &Memory{}
	for _, c := range credentials {
		if c == "" {
			continue
		}
		m.entries = append(m.entries, memEntry{hash: proxy.HashSecret(c)})
	}
	if adminCredential != "" {
		m.entries = append(m.entries, memEntry{hash: proxy.HashSecret(adminCredential), isAdmin: true})
	}
	return m
}

var _ proxy.Authenticator = (*Memory)(nil)

// Authenticate matches the bearer secret against the configured list. Every
// entry is compared in constant time; the list is small by construction.
func (m *Memory) Authenticate(_ context.Context, bearer string) (*proxy.Identity, error) {
	if bearer == "" {
		return nil, proxy.ErrUnauthorized
	}
	hash := proxy.HashSecret(bearer)
	matched := -1
	for i, e := range m.entries {
		if subtle.ConstantTimeCompare([]byte(e.hash), []byte(hash)) == 1 && matched < 0 {
			matched = i
		}
	}
	if matched < 0 {
		return nil, proxy.ErrUnauthorized
	}
	return &proxy.Identity{
		Subject:      proxy.SecretPrefix(bearer),
		CredentialID: hash[:credentialIDLen],
		IsAdmin:      m.entries[matched].isAdmin,
	}, nil
}

// --- Database mode ---

// Database authenticates against hashed credential rows, caching resolved
// rows briefly so the hot path stays off the store.
type Database struct {
	store storage.CredentialStore
	cache *otter.Cache[string, *proxy.Credential]
	now   func() time.Time
}

// NewDatabase returns a Database authenticator. cacheSize and cacheTTL fall
// back to defaults when zero.
func NewDatabase(store storage.CredentialStore, cacheSize int, cacheTTL time.Duration) (*Database, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	c, err := otter.New(&otter.Options[string, *proxy.Credential]{
		MaximumSize:      cacheSize,
		ExpiryCalculator: otter.ExpiryWriting[string, *proxy.Credential](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &Database{store: store, cache: c, now: time.Now}, nil
}

var _ proxy.Authenticator = (*Database)(nil)

// Authenticate resolves the bearer secret to a credential row.
func (d *Database) Authenticate(ctx context.Context, bearer string) (*proxy.Identity, error) {
	if bearer == "" {
		return nil, proxy.ErrUnauthorized
	}
	hash := proxy.HashSecret(bearer)

	if c, ok := d.cache.GetIfPresent(hash); ok {
		if expired(c, d.now()) {
			d.cache.Invalidate(hash)
			return nil, proxy.ErrUnauthorized
		}
		return identityFor(bearer, c), nil
	}

	c, err := d.store.GetCredentialByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, proxy.ErrNotFound) {
			return nil, proxy.ErrUnauthorized
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash
	// against the computed one, guarding against collation surprises in
	// the lookup.
	if subtle.ConstantTimeCompare([]byte(c.SecretHash), []byte(hash)) != 1 {
		return nil, proxy.ErrUnauthorized
	}
	if expired(c, d.now()) {
		return nil, proxy.ErrUnauthorized
	}

	d.cache.Set(hash, c)
	return identityFor(bearer, c), nil
}

func expired(c *proxy.Credential, now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

func identityFor(bearer string, c *proxy.Credential) *proxy.Identity {
	return &proxy.Identity{
		Subject:      proxy.SecretPrefix(bearer),
		CredentialID: c.ID,
		IsAdmin:      c.IsAdmin,
	}
}

// --- Bootstrap ---

// EnsureAdmin guarantees an admin credential exists in database mode. When
// none does, it generates one and returns the plaintext secret exactly once;
// only the hash is stored. An empty return means an admin already existed.
func EnsureAdmin(ctx context.Context, store storage.CredentialStore) (string, error) {
	creds, err := store.ListCredentials(ctx)
	if err != nil {
		return "", fmt.Errorf("list credentials: %w", err)
	}
	for _, c := range creds {
		if c.IsAdmin {
			return "", nil
		}
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate admin credential: %w", err)
	}
	secret := "plt_" + hex.EncodeToString(buf)

	c := &proxy.Credential{
		ID:          uuid.Must(uuid.NewV7()).String(),
		SecretHash:  proxy.HashSecret(secret),
		Description: "bootstrap admin",
		IsAdmin:     true,
		CreatedAt:   time.Now(),
	}
	if err := store.CreateCredential(ctx, c); err != nil {
		return "", fmt.Errorf("create admin credential: %w", err)
	}
	return secret, nil
}
