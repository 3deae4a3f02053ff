package testsupport

import (
	"path/filepath"
	"testing"
	"time"

	"podforge/internal/config"
	"podforge/internal/identity"
)

// TestSecret signs every token minted inside tests.
const TestSecret = "test-signing-secret"

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test
// and timings tightened so polling tests finish quickly.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Server.Bind = "127.0.0.1:0"
	cfg.Auth.JWTSecret = TestSecret
	cfg.Queue.DequeuePollMillis = 10
	cfg.Queue.ReapIntervalSeconds = 1
	cfg.Workflow.HeartbeatSeconds = 1
	cfg.Workflow.ProgressPollSeconds = 1
	cfg.Workflow.SubmitRetryBaseMilli = 5

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithLeaseSeconds overrides the task lease duration.
func WithLeaseSeconds(seconds int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Queue.LeaseSeconds = seconds
	}
}

// WithMaxAttempts overrides the per-task attempt budget.
func WithMaxAttempts(attempts int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Queue.MaxAttempts = attempts
	}
}

// Access returns an AccessContext for a tenant principal without going
// through token resolution.
func Access(tenantID, principalID string) identity.AccessContext {
	return identity.AccessContext{
		PrincipalID: principalID,
		TenantID:    tenantID,
		IssuedAt:    time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}
}

// Token mints a signed bearer token for a tenant principal using TestSecret.
func Token(t testing.TB, tenantID, principalID string) string {
	t.Helper()
	token, err := identity.Mint(TestSecret, principalID, tenantID, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}
