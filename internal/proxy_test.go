package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"
)

func TestHashSecret(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "typical credential", raw: "plt_abc123xyz"},
		{name: "long secret", raw: "AIzaSy" + "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HashSecret(tt.raw)
			h := sha256.Sum256([]byte(tt.raw))
			want := hex.EncodeToString(h[:])
			if got != want {
				t.Errorf("HashSecret(%q) = %q, want %q", tt.raw, got, want)
			}
			if len(got) != 64 {
				t.Errorf("HashSecret len = %d, want 64", len(got))
			}
		})
	}

	t.Run("distinct inputs produce distinct hashes", func(t *testing.T) {
		t.Parallel()
		if HashSecret("s1") == HashSecret("s2") {
			t.Error("distinct inputs produced same hash")
		}
	})
}

func TestSecretPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		secret string
		want   string
	}{
		{name: "long secret truncated", secret: "AIzaSyAbCdEfGh123456", want: "AIzaSyAb"},
		{name: "exactly eight", secret: "12345678", want: "12345678"},
		{name: "shorter than eight", secret: "abc", want: "abc"},
		{name: "empty", secret: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := SecretPrefix(tt.secret); got != tt.want {
				t.Errorf("SecretPrefix(%q) = %q, want %q", tt.secret, got, tt.want)
			}
		})
	}
}

func TestUpstreamKey_Expired(t *testing.T) {
	t.Parallel()
	now := time.Now()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		key  UpstreamKey
		want bool
	}{
		{name: "no expiry", key: UpstreamKey{}, want: false},
		{name: "future expiry", key: UpstreamKey{ExpiresAt: &future}, want: false},
		{name: "past expiry", key: UpstreamKey{ExpiresAt: &past}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.key.Expired(now); got != tt.want {
				t.Errorf("Expired = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAllowedImageMime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mime string
		want bool
	}{
		{mime: "image/jpeg", want: true},
		{mime: "image/png", want: true},
		{mime: "image/webp", want: true},
		{mime: "image/heic", want: true},
		{mime: "image/heif", want: true},
		{mime: "image/gif", want: false},
		{mime: "image/bmp", want: false},
		{mime: "application/pdf", want: false},
		{mime: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			t.Parallel()
			if got := AllowedImageMime(tt.mime); got != tt.want {
				t.Errorf("AllowedImageMime(%q) = %v, want %v", tt.mime, got, tt.want)
			}
		})
	}
}

func TestContextWithRequestID_RequestIDFromContext(t *testing.T) {
	t.Parallel()

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()
		ctx := ContextWithRequestID(context.Background(), "req-abc-123")
		if got := RequestIDFromContext(ctx); got != "req-abc-123" {
			t.Errorf("RequestIDFromContext = %q, want req-abc-123", got)
		}
	})

	t.Run("missing from context", func(t *testing.T) {
		t.Parallel()
		if got := RequestIDFromContext(context.Background()); got != "" {
			t.Errorf("RequestIDFromContext on bare ctx = %q, want empty", got)
		}
	})
}

func TestContextWithIdentity_IdentityFromContext(t *testing.T) {
	t.Parallel()

	t.Run("set on bare context", func(t *testing.T) {
		t.Parallel()
		id := &Identity{Subject: "tenant-1", CredentialID: "cred-1"}
		ctx := ContextWithIdentity(context.Background(), id)
		if got := IdentityFromContext(ctx); got != id {
			t.Errorf("IdentityFromContext = %v, want %v", got, id)
		}
	})

	t.Run("mutates existing meta", func(t *testing.T) {
		t.Parallel()
		// Simulate middleware: requestID set first, identity added later.
		ctx := ContextWithRequestID(context.Background(), "req-xyz")
		id := &Identity{Subject: "tenant-2"}
		ctx2 := ContextWithIdentity(ctx, id)
		// Same context pointer (no new WithValue).
		if ctx2 != ctx {
			t.Error("ContextWithIdentity should return same ctx when meta already present")
		}
		if got := IdentityFromContext(ctx2); got != id {
			t.Errorf("IdentityFromContext = %v, want %v", got, id)
		}
		if got := RequestIDFromContext(ctx2); got != "req-xyz" {
			t.Errorf("RequestIDFromContext after ContextWithIdentity = %q, want req-xyz", got)
		}
	})

	t.Run("missing from context", func(t *testing.T) {
		t.Parallel()
		if got := IdentityFromContext(context.Background()); got != nil {
			t.Errorf("IdentityFromContext on bare ctx = %v, want nil", got)
		}
	})
}
