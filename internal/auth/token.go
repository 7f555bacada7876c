// Package auth issues and verifies the bearer tokens that attribute
// commands to a caller principal.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/celerix-dev/celerix-identity/internal/clock"
	"github.com/celerix-dev/celerix-identity/pkg/engine"
)

// DefaultTTL is the lifetime of an issued token.
const DefaultTTL = time.Hour

// minSecretSize is the shortest accepted HMAC secret.
const minSecretSize = 32

// Config defines how tokens are signed and checked.
type Config struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
	Clock  clock.Clock
}

// Claims are the validated contents of a token.
type Claims struct {
	Subject   engine.Principal
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	JWTID     string
}

type tokenClaims struct {
	jwt.RegisteredClaims
}

// Authority signs and verifies caller tokens with HS256.
type Authority struct {
	cfg Config
}

// NewAuthority validates cfg.
func NewAuthority(cfg Config) (*Authority, error) {
	if len(cfg.Secret) < minSecretSize {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minSecretSize)
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errors.New("token issuer is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Authority{cfg: cfg}, nil
}

// Issue mints a token whose subject is p.
func (a *Authority) Issue(p engine.Principal) (string, error) {
	if p.IsZero() {
		return "", engine.ErrInvalidPrincipal
	}
	now := a.cfg.Clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{jwt.RegisteredClaims{
		Issuer:    a.cfg.Issuer,
		Subject:   p.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TTL)),
		ID:        uuid.NewString(),
	}})
	return token.SignedString(a.cfg.Secret)
}

// Verify checks signature, issuer and lifetime and returns the claims.
// Every failure is an Unauthorized error.
func (a *Authority) Verify(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, unauthorized("token is required")
	}

	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return a.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer != a.cfg.Issuer {
		return Claims{}, unauthorized("token issuer mismatch")
	}
	if parsed.ID == "" {
		return Claims{}, unauthorized("token jti is required")
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, unauthorized("token exp is required")
	}

	// clock-driven so tests can expire tokens
	now := a.cfg.Clock.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Claims{}, unauthorized("token is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time) {
		return Claims{}, unauthorized("token not active yet")
	}

	subject, err := engine.ParsePrincipal(parsed.Subject)
	if err != nil {
		return Claims{}, unauthorized("token subject is not a principal")
	}

	claims := Claims{
		Subject:   subject,
		Issuer:    parsed.Issuer,
		ExpiresAt: exp,
		JWTID:     parsed.ID,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return unauthorized("token signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return unauthorized("token alg is invalid")
	}
	return engine.Wrap(engine.CodeUnauthorized, "token is invalid", err)
}

func unauthorized(msg string) error {
	return engine.New(engine.CodeUnauthorized, msg)
}
