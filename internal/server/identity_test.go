package server

import (
	"context"
	"crypto/rsa"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAudience = "client-id.apps.googleusercontent.com"

func newTestVerifier(t *testing.T, keys map[string]*rsa.PublicKey, fetches *atomic.Int64) (*IdentityVerifier, func()) {
	t.Helper()
	srv := httptest.NewServer(jwksHandler(keys, fetches))
	return &IdentityVerifier{
		Keys:     NewKeyCache(srv.URL),
		Audience: testAudience,
	}, srv.Close
}

func TestIdentityVerifier_Success(t *testing.T) {
	key := newTestRSAKey(t)
	v, done := newTestVerifier(t, map[string]*rsa.PublicKey{"g1": &key.PublicKey}, nil)
	defer done()

	token := signIdentityToken(t, key, identityTokenOpts{
		kid:      "g1",
		subject:  "108234567890",
		email:    "ada@example.edu",
		name:     "Ada Lovelace",
		audience: testAudience,
	})

	ident, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "108234567890", ident.GoogleID)
	assert.Equal(t, "ada@example.edu", ident.Email)
	assert.Equal(t, "Ada Lovelace", ident.FullName)
}

func TestIdentityVerifier_MalformedToken(t *testing.T) {
	key := newTestRSAKey(t)
	v, done := newTestVerifier(t, map[string]*rsa.PublicKey{"g1": &key.PublicKey}, nil)
	defer done()

	_, err := v.Verify(context.Background(), "not.a.jwt")
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestIdentityVerifier_MissingKid(t *testing.T) {
	key := newTestRSAKey(t)
	v, done := newTestVerifier(t, map[string]*rsa.PublicKey{"g1": &key.PublicKey}, nil)
	defer done()

	token := signIdentityToken(t, key, identityTokenOpts{
		subject:  "108234567890",
		audience: testAudience,
	})

	_, err := v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestIdentityVerifier_UnknownKidRefreshesOnce(t *testing.T) {
	key := newTestRSAKey(t)
	var fetches atomic.Int64
	v, done := newTestVerifier(t, map[string]*rsa.PublicKey{"g1": &key.PublicKey}, &fetches)
	defer done()

	// Warm the cache with the known key.
	warm := signIdentityToken(t, key, identityTokenOpts{
		kid: "g1", subject: "s", audience: testAudience,
	})
	_, err := v.Verify(context.Background(), warm)
	require.NoError(t, err)
	require.Equal(t, int64(1), fetches.Load())

	stranger := newTestRSAKey(t)
	token := signIdentityToken(t, stranger, identityTokenOpts{
		kid: "g9", subject: "s", audience: testAudience,
	})

	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnknownSigningKey)
	// The miss forced a single re-fetch before giving up.
	assert.Equal(t, int64(2), fetches.Load())
}

func TestIdentityVerifier_BadSignature(t *testing.T) {
	key := newTestRSAKey(t)
	imposter := newTestRSAKey(t)
	v, done := newTestVerifier(t, map[string]*rsa.PublicKey{"g1": &key.PublicKey}, nil)
	defer done()

	// Signed by a different key but claiming the trusted kid.
	token := signIdentityToken(t, imposter, identityTokenOpts{
		kid: "g1", subject: "s", audience: testAudience,
	})

	_, err := v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestIdentityVerifier_RejectsHMACAlgorithm(t *testing.T) {
	key := newTestRSAKey(t)
	v, done := newTestVerifier(t, map[string]*rsa.PublicKey{"g1": &key.PublicKey}, nil)
	defer done()

	// Classic algorithm-confusion attempt: an HS256 token must never be
	// accepted no matter what the header claims.
	claims := googleClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "s",
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	hs.Header["kid"] = "g1"
	token, err := hs.SignedString([]byte("guessable"))
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestIdentityVerifier_AudienceMismatch(t *testing.T) {
	key := newTestRSAKey(t)
	v, done := newTestVerifier(t, map[string]*rsa.PublicKey{"g1": &key.PublicKey}, nil)
	defer done()

	token := signIdentityToken(t, key, identityTokenOpts{
		kid: "g1", subject: "s", audience: "someone-else.apps.googleusercontent.com",
	})

	_, err := v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrAudienceMismatch)
}

func TestIdentityVerifier_Expired(t *testing.T) {
	key := newTestRSAKey(t)
	v, done := newTestVerifier(t, map[string]*rsa.PublicKey{"g1": &key.PublicKey}, nil)
	defer done()

	token := signIdentityToken(t, key, identityTokenOpts{
		kid: "g1", subject: "s", audience: testAudience,
		expires: time.Now().Add(-time.Minute),
	})

	_, err := v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrIdentityExpired)
}

func TestIdentityVerifier_AudienceCheckedBeforeExpiry(t *testing.T) {
	key := newTestRSAKey(t)
	v, done := newTestVerifier(t, map[string]*rsa.PublicKey{"g1": &key.PublicKey}, nil)
	defer done()

	// Wrong audience and expired at once: the audience failure wins so the
	// caller never mistakes a foreign token for merely stale.
	token := signIdentityToken(t, key, identityTokenOpts{
		kid: "g1", subject: "s", audience: "someone-else",
		expires: time.Now().Add(-time.Minute),
	})

	_, err := v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrAudienceMismatch)
	assert.NotErrorIs(t, err, ErrIdentityExpired)
}

func TestIdentityVerifier_EmptySubject(t *testing.T) {
	key := newTestRSAKey(t)
	v, done := newTestVerifier(t, map[string]*rsa.PublicKey{"g1": &key.PublicKey}, nil)
	defer done()

	token := signIdentityToken(t, key, identityTokenOpts{
		kid: "g1", audience: testAudience,
	})

	_, err := v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrMalformedToken)
}
