package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newTestRSAKey generates a throwaway signing key for identity-token tests.
func newTestRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

// jwksHandler serves the given public keys in JWKS format, counting fetches.
func jwksHandler(keys map[string]*rsa.PublicKey, fetches *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fetches != nil {
			fetches.Add(1)
		}
		type entry struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		}
		doc := struct {
			Keys []entry `json:"keys"`
		}{}
		for kid, key := range keys {
			doc.Keys = append(doc.Keys, entry{
				Kid: kid,
				Kty: "RSA",
				N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}
}

type identityTokenOpts struct {
	kid      string
	subject  string
	email    string
	name     string
	audience string
	expires  time.Time
}

// signIdentityToken builds an RS256 token shaped like a Google ID token.
func signIdentityToken(t *testing.T, key *rsa.PrivateKey, opts identityTokenOpts) string {
	t.Helper()
	if opts.expires.IsZero() {
		opts.expires = time.Now().Add(time.Hour)
	}
	claims := googleClaims{
		Email: opts.email,
		Name:  opts.name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   opts.subject,
			Audience:  jwt.ClaimStrings{opts.audience},
			ExpiresAt: jwt.NewNumericDate(opts.expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = opts.kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

// stubDirectory is an in-memory UserDirectory for tests that do not need
// Postgres.
type stubDirectory struct {
	mu    sync.Mutex
	users map[string]*User
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{users: map[string]*User{}}
}

func (d *stubDirectory) add(googleID string) *User {
	d.mu.Lock()
	defer d.mu.Unlock()
	u := &User{
		ID:        uuid.New(),
		GoogleID:  googleID,
		Email:     googleID + "@example.com",
		FullName:  "Test User",
		CreatedAt: time.Now(),
	}
	d.users[googleID] = u
	return u
}

func (d *stubDirectory) remove(googleID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.users, googleID)
}

func (d *stubDirectory) FindByGoogleID(_ context.Context, googleID string) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[googleID]; ok {
		return u, nil
	}
	return nil, ErrUserNotFound
}

func (d *stubDirectory) FindOrCreate(_ context.Context, ident VerifiedIdentity) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[ident.GoogleID]; ok {
		return u, nil
	}
	u := &User{
		ID:        uuid.New(),
		GoogleID:  ident.GoogleID,
		Email:     ident.Email,
		FullName:  ident.FullName,
		CreatedAt: time.Now(),
	}
	d.users[ident.GoogleID] = u
	return u, nil
}

// recordingBlobStore counts writes and deletes and can be told to fail.
type recordingBlobStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	puts    int
	deletes int
	putErr  error
	// onPut runs inside Put before the write, for fault injection.
	onPut func()
}

func newRecordingBlobStore() *recordingBlobStore {
	return &recordingBlobStore{blobs: map[string][]byte{}}
}

func (s *recordingBlobStore) Put(_ context.Context, name, _ string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.onPut != nil {
		s.onPut()
	}
	if s.putErr != nil {
		return s.putErr
	}
	s.blobs[name] = append([]byte(nil), data...)
	return nil
}

func (s *recordingBlobStore) Get(_ context.Context, name string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[name]
	if !ok {
		return nil, 0, ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (s *recordingBlobStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	delete(s.blobs, name)
	return nil
}

func (s *recordingBlobStore) Stat(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[name]; !ok {
		return ErrBlobNotFound
	}
	return nil
}

func (s *recordingBlobStore) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[name]
	return ok
}
