// Package auth implements the gateway's admission credentials: HMAC-signed
// JWT access and refresh tokens, Argon2id password hashing, the in-memory
// user store, and the built-in /api/v1/auth endpoints.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/relaygate/relaygate/internal/rbac"
)

// ErrInvalidToken is returned for every verification failure. Callers cannot
// distinguish a bad signature from an expired or malformed token.
var ErrInvalidToken = errors.New("invalid_or_expired")

// Token types carried in the "type" claim.
const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims is the JWT payload for both access and refresh tokens. Refresh
// tokens carry only the subject and type.
type Claims struct {
	Username    string   `json:"username,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Type        string   `json:"type"`
	jwt.RegisteredClaims
}

// Tokens is an access/refresh token pair.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Verifier issues and validates gateway tokens. It is stateless apart from
// the signing secret.
type Verifier struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time // overridable in tests
}

// NewVerifier creates a token verifier/issuer with the given secret and
// lifetimes.
func NewVerifier(secret string, accessTTL, refreshTTL time.Duration) *Verifier {
	return &Verifier{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// Issue creates an access/refresh token pair for the user.
func (v *Verifier) Issue(u *User) (*Tokens, error) {
	now := v.now()

	roles := make([]string, len(u.Roles))
	for i, r := range u.Roles {
		roles[i] = string(r)
	}
	perms := make([]string, len(u.Permissions))
	for i, p := range u.Permissions {
		perms[i] = string(p)
	}

	access := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username:    u.Username,
		Email:       u.Email,
		Roles:       roles,
		Permissions: perms,
		Type:        tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.accessTTL)),
		},
	})
	accessStr, err := access.SignedString(v.secret)
	if err != nil {
		return nil, err
	}

	refresh := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Type: tokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.refreshTTL)),
		},
	})
	refreshStr, err := refresh.SignedString(v.secret)
	if err != nil {
		return nil, err
	}

	return &Tokens{AccessToken: accessStr, RefreshToken: refreshStr}, nil
}

// parse validates the signature and expiry and returns the claims.
func (v *Verifier) parse(token string) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// Verify validates an access token and constructs the authenticated
// principal. Refresh tokens are rejected here; they are only accepted by
// VerifyRefresh.
func (v *Verifier) Verify(token string) (*rbac.Principal, error) {
	claims, err := v.parse(token)
	if err != nil {
		return nil, err
	}
	if claims.Type != tokenTypeAccess {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.Username == "" {
		return nil, ErrInvalidToken
	}

	p := &rbac.Principal{
		ID:       claims.Subject,
		Username: claims.Username,
		Email:    claims.Email,
	}
	for _, r := range claims.Roles {
		p.Roles = append(p.Roles, rbac.Role(r))
	}
	for _, perm := range claims.Permissions {
		p.Permissions = append(p.Permissions, rbac.Permission(perm))
	}
	p.Permissions = rbac.EffectivePermissions(p)

	return p, nil
}

// VerifyRefresh validates a refresh token and returns its subject.
func (v *Verifier) VerifyRefresh(token string) (string, error) {
	claims, err := v.parse(token)
	if err != nil {
		return "", err
	}
	if claims.Type != tokenTypeRefresh || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// principalKey is the context key under which the authenticated principal
// travels with a request.
type principalKey struct{}

// WithPrincipal returns a context carrying the principal.
func WithPrincipal(ctx context.Context, p *rbac.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom extracts the principal from a context, if present.
func PrincipalFrom(ctx context.Context) (*rbac.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*rbac.Principal)
	return p, ok
}
