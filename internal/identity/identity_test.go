package identity_test

import (
	"errors"
	"testing"
	"time"

	"podforge/internal/identity"
)

const testSecret = "test-secret"

func TestResolveValidToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	token, err := identity.Mint(testSecret, "user-1", "tenant-a", time.Hour, now)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	resolver := identity.NewResolver(testSecret).WithClock(func() time.Time { return now })
	actx, err := resolver.Resolve(token)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if actx.PrincipalID != "user-1" {
		t.Fatalf("expected principal user-1, got %s", actx.PrincipalID)
	}
	if actx.TenantID != "tenant-a" {
		t.Fatalf("expected tenant tenant-a, got %s", actx.TenantID)
	}
	if !actx.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", actx.ExpiresAt)
	}
}

func TestResolveMissingToken(t *testing.T) {
	resolver := identity.NewResolver(testSecret)
	if _, err := resolver.Resolve(""); !errors.Is(err, identity.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if _, err := resolver.Resolve("not-a-jwt"); !errors.Is(err, identity.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for malformed token, got %v", err)
	}
}

func TestResolveExpiredToken(t *testing.T) {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	token, err := identity.Mint(testSecret, "user-1", "tenant-a", time.Minute, issued)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	later := issued.Add(2 * time.Minute)
	resolver := identity.NewResolver(testSecret).WithClock(func() time.Time { return later })
	if _, err := resolver.Resolve(token); !errors.Is(err, identity.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestResolveWrongSecret(t *testing.T) {
	now := time.Now()
	token, err := identity.Mint("other-secret", "user-1", "tenant-a", time.Hour, now)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	resolver := identity.NewResolver(testSecret)
	if _, err := resolver.Resolve(token); !errors.Is(err, identity.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestResolveMissingTenant(t *testing.T) {
	now := time.Now()
	token, err := identity.Mint(testSecret, "user-1", "", time.Hour, now)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	resolver := identity.NewResolver(testSecret)
	if _, err := resolver.Resolve(token); !errors.Is(err, identity.ErrMissingTenant) {
		t.Fatalf("expected ErrMissingTenant, got %v", err)
	}
}

func TestResolveBearer(t *testing.T) {
	now := time.Now()
	token, err := identity.Mint(testSecret, "user-1", "tenant-a", time.Hour, now)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	resolver := identity.NewResolver(testSecret)
	if _, err := resolver.ResolveBearer("Bearer " + token); err != nil {
		t.Fatalf("ResolveBearer failed: %v", err)
	}
	if _, err := resolver.ResolveBearer(token); !errors.Is(err, identity.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated without prefix, got %v", err)
	}
	if _, err := resolver.ResolveBearer(""); !errors.Is(err, identity.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for empty header, got %v", err)
	}
}
