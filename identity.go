package chatsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated user as derived from the stored bearer token.
// ID is the email-equivalent key every other component uses to tell the user's own
// messages and requests apart from a counterpart's.
type Identity struct {
	ID        string
	Name      string
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the token expiry has passed at now.
func (id *Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && now.After(id.ExpiresAt)
}

type identityClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// ParseIdentity decodes token without verifying its signature; the backend verifies
// it on every call, the client only needs to know who it is.
func ParseIdentity(token string) (*Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	var claims identityClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id := claims.Email
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return nil, fmt.Errorf("%w: no email or subject claim", ErrInvalidToken)
	}

	ident := &Identity{ID: id, Name: claims.Name, Token: token}
	if claims.ExpiresAt != nil {
		ident.ExpiresAt = claims.ExpiresAt.Time
	}
	return ident, nil
}
