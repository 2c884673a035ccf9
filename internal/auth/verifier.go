package auth

import (
	"context"
	"strings"
)

// Identity is the authenticated principal attached to every real-time message.
type Identity struct {
	UserID string
	Name   string
	Email  string
}

// Verifier checks bearer credentials on the real-time hot path.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify rejects missing, malformed, tampered, and expired tokens uniformly
// with ErrInvalidToken or ErrExpiredToken.
func (v *Verifier) Verify(ctx context.Context, bearer string) (Identity, error) {
	token := StripBearer(strings.TrimSpace(bearer))
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	claims, err := ParseToken(v.secret, token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: claims.Sub, Name: claims.Name, Email: claims.Email}, nil
}
