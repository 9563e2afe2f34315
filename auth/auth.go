// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth validates session tokens at connection time. Token
// issuance belongs to the platform's auth service; the engine only
// verifies what it is handed and resolves (user, role) once per
// session.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aegis-security/aegis/aegiserr"
	"github.com/aegis-security/aegis/lib/clock"
	"github.com/aegis-security/aegis/ref"
)

// Identity is the result of a successful token validation. The role is
// resolved exactly once here and is immutable for the session's
// lifetime.
type Identity struct {
	UserID ref.UserID
	Role   ref.Role

	// AgentID is set for agent-role tokens; it names the field agent
	// the session may push samples for.
	AgentID ref.AgentID
}

// Validator checks a session token. Implementations must return an
// error of kind Authentication for any bad, expired, or malformed
// token.
type Validator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// Claims is the engine's JWT claim set.
type Claims struct {
	Role    string `json:"role"`
	AgentID string `json:"agent_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator validates HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
	issuer string
	clock  clock.Clock
}

var _ Validator = (*JWTValidator)(nil)

// NewJWTValidator creates a validator for tokens from the given
// issuer.
func NewJWTValidator(secret []byte, issuer string, clk clock.Clock) *JWTValidator {
	return &JWTValidator{secret: secret, issuer: issuer, clock: clk}
}

// Validate parses and verifies the token and maps its claims to an
// Identity.
func (v *JWTValidator) Validate(_ context.Context, token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{},
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithTimeFunc(v.clock.Now),
	)
	if err != nil {
		return Identity{}, aegiserr.Wrap(aegiserr.KindAuthentication, err, "invalid session token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, aegiserr.New(aegiserr.KindAuthentication, "invalid session token claims")
	}
	if claims.Subject == "" {
		return Identity{}, aegiserr.New(aegiserr.KindAuthentication, "session token missing subject")
	}
	role, err := ref.ParseRole(claims.Role)
	if err != nil {
		return Identity{}, aegiserr.Wrap(aegiserr.KindAuthentication, err, "session token role")
	}
	if role == ref.RoleAgent && claims.AgentID == "" {
		return Identity{}, aegiserr.New(aegiserr.KindAuthentication, "agent token missing agent_id")
	}
	return Identity{
		UserID:  ref.UserID(claims.Subject),
		Role:    role,
		AgentID: ref.AgentID(claims.AgentID),
	}, nil
}

// NewToken mints a signed token. The engine itself never issues
// tokens in production; this exists for tests and local development.
func NewToken(secret []byte, issuer string, identity Identity, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		Role:    string(identity.Role),
		AgentID: string(identity.AgentID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(identity.UserID),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}
