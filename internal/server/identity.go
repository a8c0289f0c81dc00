// identity.go - Verification of inbound Google ID tokens.
//
// A Google ID token proves control of a Google account; verifying one is the
// only way an external identity enters the system. The verifier is pure
// validation apart from the key cache fetch it may trigger.
package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Identity verification failure modes, one per verification step.
var (
	ErrMalformedToken    = errors.New("malformed identity token")
	ErrUnknownSigningKey = errors.New("identity token signed with unknown key")
	ErrBadSignature      = errors.New("identity token signature invalid")
	ErrAudienceMismatch  = errors.New("identity token audience mismatch")
	ErrIdentityExpired   = errors.New("identity token expired")
)

// VerifiedIdentity is the trusted output of identity verification.
type VerifiedIdentity struct {
	GoogleID string
	Email    string
	FullName string
}

type googleClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// IdentityVerifier validates Google ID tokens against the cached provider
// keys and the configured OAuth client id.
type IdentityVerifier struct {
	Keys     *KeyCache
	Audience string
}

// Verify checks the token's signature, audience and expiry and extracts the
// verified subject. Google only signs ID tokens with RS256; any other declared
// algorithm is rejected rather than trusted from the token header.
func (v *IdentityVerifier) Verify(ctx context.Context, rawToken string) (VerifiedIdentity, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.Audience),
		jwt.WithExpirationRequired(),
	)

	var claims googleClaims
	_, err := parser.ParseWithClaims(rawToken, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: no kid in header", ErrMalformedToken)
		}
		key, err := v.Keys.Key(ctx, kid)
		if err != nil {
			if errors.Is(err, ErrUnknownKey) {
				return nil, fmt.Errorf("%w: %v", ErrUnknownSigningKey, err)
			}
			return nil, err
		}
		return key, nil
	})
	if err != nil {
		return VerifiedIdentity{}, classifyIdentityError(err)
	}

	if claims.Subject == "" {
		return VerifiedIdentity{}, fmt.Errorf("%w: empty subject", ErrMalformedToken)
	}

	return VerifiedIdentity{
		GoogleID: claims.Subject,
		Email:    claims.Email,
		FullName: claims.Name,
	}, nil
}

// classifyIdentityError collapses jwt library errors into the closed failure
// set. Keyfunc errors (our own sentinels) pass through untouched.
func classifyIdentityError(err error) error {
	switch {
	case errors.Is(err, ErrMalformedToken),
		errors.Is(err, ErrUnknownSigningKey),
		errors.Is(err, ErrFetchFailed),
		errors.Is(err, ErrMalformedKeySet):
		return err
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %v", ErrAudienceMismatch, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrIdentityExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}
