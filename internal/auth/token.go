// Package auth verifies the access credentials presented at the WebSocket
// handshake. Credentials are HMAC-signed JWTs issued by the platform's auth
// service; this package only validates them and extracts the user identity.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when a credential is missing, malformed,
// expired, or signed with the wrong key. Handshakes failing with this error
// must not leave any session state behind.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Verifier validates JWT access tokens against a shared HMAC secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier using the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates the token and returns the user ID from the
// "sub" claim. Any validation failure is reported as ErrUnauthenticated so
// callers never need to distinguish the many ways a token can be bad.
func (v *Verifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrUnauthenticated
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrUnauthenticated
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrUnauthenticated
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrUnauthenticated
	}
	return sub, nil
}

// Issue creates a signed token for the given user ID. The realtime server
// never issues tokens in production (the auth service does); this exists for
// local tooling and tests.
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": time.Now().UTC().Unix(),
		"exp": time.Now().UTC().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
