// session.go - The service's own bearer credential.
//
// Sessions are stateless HS256 tokens carrying the user's Google subject id
// and an expiry; there is no server-side session table. The trade-off is that
// revocation before expiry is impossible without a deny-list, so lifetimes
// should stay short.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session verification failure modes. ErrUserVanished is kept distinct from
// the structural failures so operators can tell forged tokens from stale ones.
var (
	ErrInvalidSignature    = errors.New("session signature invalid")
	ErrSessionExpired      = errors.New("session expired")
	ErrMalformedCredential = errors.New("malformed session credential")
	ErrUserVanished        = errors.New("session subject no longer exists")
)

type sessionClaims struct {
	GoogleID string `json:"google_id"`
	jwt.RegisteredClaims
}

// SessionCodec mints and validates session credentials. The secret both signs
// and verifies; it must never reach clients or log output.
type SessionCodec struct {
	Secret []byte
	TTL    time.Duration
	Users  UserDirectory
}

func (c *SessionCodec) ttl() time.Duration {
	if c.TTL <= 0 {
		return 72 * time.Hour
	}
	return c.TTL
}

// Issue mints a credential for the user, returning the token and its expiry.
func (c *SessionCodec) Issue(u *User) (string, time.Time, error) {
	exp := time.Now().Add(c.ttl())
	claims := sessionClaims{
		GoogleID: u.GoogleID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Verify validates a credential and resolves it to the user it was issued
// for. A structurally valid, unexpired token whose subject no longer resolves
// fails ErrUserVanished.
func (c *SessionCodec) Verify(ctx context.Context, rawToken string) (*User, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(rawToken, &claims, func(t *jwt.Token) (any, error) {
		return c.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, classifySessionError(err)
	}

	if claims.GoogleID == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrMalformedCredential)
	}

	u, err := c.Users.FindByGoogleID(ctx, claims.GoogleID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, fmt.Errorf("%w: google_id %s", ErrUserVanished, claims.GoogleID)
		}
		return nil, err
	}
	return u, nil
}

func classifySessionError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrSessionExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
}
