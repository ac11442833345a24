package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleUser      = "user"
	RoleModerator = "moderator"

	SubscriptionActive = "active"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Claims are the HS256 token claims. Subject is the caller's address.
type Claims struct {
	Role         string `json:"role,omitempty"`
	Subscription string `json:"subscription,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates bearer tokens. With Required unset every
// request is treated as authorized.
type Authenticator struct {
	Secret   []byte
	Required bool
}

func (a *Authenticator) enabled() bool {
	return a != nil && a.Required
}

func (a *Authenticator) authenticate(r *http.Request) (*Claims, error) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	raw, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (any, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// IssueToken signs a token for subject. It backs the sign-post dev helper
// and tests.
func IssueToken(secret []byte, subject, role, subscription string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:         role,
		Subscription: subscription,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
