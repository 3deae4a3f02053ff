package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthenticated marks a missing or malformed credential.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidCredential marks a credential that fails signature or expiry checks.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrMissingTenant marks a valid credential that carries no tenant claim.
	ErrMissingTenant = errors.New("credential missing tenant")
)

// AccessContext is the request-scoped identity every data operation receives.
// It is derived per request and never persisted.
type AccessContext struct {
	PrincipalID string
	TenantID    string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

type claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// Resolver verifies bearer credentials and produces AccessContexts.
type Resolver struct {
	secret []byte
	now    func() time.Time
}

// NewResolver constructs a resolver for HS256 tokens signed with secret.
func NewResolver(secret string) *Resolver {
	return &Resolver{secret: []byte(secret), now: time.Now}
}

// WithClock overrides the resolver clock; used by tests.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve verifies a raw bearer token and returns the scoped access context.
func (r *Resolver) Resolve(token string) (AccessContext, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return AccessContext{}, ErrUnauthenticated
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return r.secret, nil
	}, jwt.WithTimeFunc(r.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return AccessContext{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		return AccessContext{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	payload, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return AccessContext{}, ErrInvalidCredential
	}
	if strings.TrimSpace(payload.Subject) == "" {
		return AccessContext{}, fmt.Errorf("%w: subject claim empty", ErrInvalidCredential)
	}
	if strings.TrimSpace(payload.TenantID) == "" {
		return AccessContext{}, ErrMissingTenant
	}

	actx := AccessContext{
		PrincipalID: payload.Subject,
		TenantID:    payload.TenantID,
	}
	if payload.IssuedAt != nil {
		actx.IssuedAt = payload.IssuedAt.Time
	}
	if payload.ExpiresAt != nil {
		actx.ExpiresAt = payload.ExpiresAt.Time
	}
	return actx, nil
}

// ResolveBearer strips a "Bearer " authorization header prefix before resolving.
func (r *Resolver) ResolveBearer(header string) (AccessContext, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return AccessContext{}, ErrUnauthenticated
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return AccessContext{}, fmt.Errorf("%w: authorization header is not a bearer credential", ErrUnauthenticated)
	}
	return r.Resolve(strings.TrimPrefix(header, prefix))
}

// Mint issues a signed token for principal within tenant. Used by the CLI
// token command and by tests; the daemon itself only verifies.
func Mint(secret, principalID, tenantID string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("signing secret must not be empty")
	}
	payload := claims{
		TenantID: strings.TrimSpace(tenantID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.TrimSpace(principalID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, payload)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
