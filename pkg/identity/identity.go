// Package identity parses and issues the signed actor tokens the route layer
// authenticates with. The engine never sees raw tokens; it receives the actor
// ID and claimed role extracted here.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
)

const issuer = "puda-workflow-engine"

// ErrInvalidToken covers signature, expiry and shape failures.
var ErrInvalidToken = errors.New("identity: invalid token")

// Claims extends registered JWT claims with the workflow actor fields.
type Claims struct {
	jwt.RegisteredClaims
	ActorType contracts.ActorType `json:"actor_type"`
	Authority string              `json:"authority,omitempty"`
	Roles     []string            `json:"roles,omitempty"`
}

// HasRole reports whether the token claims the role. The engine still
// re-checks officer roles against the postings directory; token roles only
// gate the route layer.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenManager signs and validates actor tokens with a shared HMAC secret.
type TokenManager struct {
	secret []byte
}

// NewTokenManager creates a manager over the shared secret.
func NewTokenManager(secret []byte) *TokenManager {
	return &TokenManager{secret: secret}
}

// Generate issues a signed token for an actor.
func (tm *TokenManager) Generate(actorID string, actorType contracts.ActorType, authority string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ActorType: actorType,
		Authority: authority,
		Roles:     roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}

// Validate parses a token string and returns its claims.
func (tm *TokenManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return tm.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}
