package service

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const sessionSubject = "session"

type sessionTokenKey struct{}

// WithSessionToken stores the caller's bearer token for the session gate.
func WithSessionToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, sessionTokenKey{}, token)
}

// SessionTokenFromContext returns the token stored by WithSessionToken.
func SessionTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(sessionTokenKey{}).(string)
	return token
}

// JWTSessionGate implements ports.SessionGate using HS256 unlock tokens.
// With no secret configured every session is locked.
type JWTSessionGate struct {
	secret []byte
	issuer string
}

// NewJWTSessionGate creates a new JWT session gate.
func NewJWTSessionGate(secret, issuer string) *JWTSessionGate {
	return &JWTSessionGate{
		secret: []byte(secret),
		issuer: issuer,
	}
}

// Issue signs an unlock token valid for ttl.
func (g *JWTSessionGate) Issue(ttl time.Duration) (string, time.Time, error) {
	if len(g.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("session secret is not configured")
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := jwt.MapClaims{
		"sub": sessionSubject,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
		"iss": g.issuer,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(g.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// Validate parses and checks an unlock token.
func (g *JWTSessionGate) Validate(tokenString string) error {
	if len(g.secret) == 0 {
		return fmt.Errorf("session secret is not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.secret, nil
	},
		jwt.WithIssuer(g.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("parsing token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("invalid token claims")
	}
	if sub, _ := claims["sub"].(string); sub != sessionSubject {
		return fmt.Errorf("unexpected subject %q", sub)
	}
	return nil
}

// IsSessionValid reports whether ctx carries a valid unlock token.
func (g *JWTSessionGate) IsSessionValid(ctx context.Context) bool {
	token := SessionTokenFromContext(ctx)
	if token == "" {
		return false
	}
	return g.Validate(token) == nil
}
