// keycache.go - Cache of the identity provider's public signing keys.
//
// Google rotates the RSA keys behind its JWKS endpoint, so the set is fetched
// lazily and re-fetched once whenever a token names a key id we do not hold.
// Readers work against an immutable snapshot swapped atomically on refresh; a
// partially updated key set is never observable.
package server

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// googleJWKSURL is Google's published key set for ID token verification.
const googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

var (
	// ErrUnknownKey means the key id is absent even after a refresh.
	ErrUnknownKey = errors.New("unknown signing key id")
	// ErrFetchFailed means the outbound key set fetch errored or timed out.
	ErrFetchFailed = errors.New("key set fetch failed")
	// ErrMalformedKeySet means the provider response could not be parsed.
	ErrMalformedKeySet = errors.New("malformed key set")
)

type jwksDocument struct {
	Keys []jwksEntry `json:"keys"`
}

type jwksEntry struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type keySnapshot struct {
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// KeyCache holds the current provider key set. The snapshot pointer is the
// only shared mutable state in the process; refreshMu serialises writers while
// readers stay lock-free.
type KeyCache struct {
	URL    string
	Client *http.Client

	refreshMu sync.Mutex
	snapshot  atomic.Pointer[keySnapshot]
}

// NewKeyCache returns an empty cache for the given JWKS endpoint. The first
// Key call triggers the initial fetch.
func NewKeyCache(url string) *KeyCache {
	if url == "" {
		url = googleJWKSURL
	}
	return &KeyCache{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Key resolves a key id to its RSA public key. On a miss it refreshes the set
// once and retries the lookup; a second miss is ErrUnknownKey. Callers decide
// whether to retry the whole verification flow.
func (c *KeyCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	seen := c.snapshot.Load()
	if seen != nil {
		if key, ok := seen.keys[kid]; ok {
			return key, nil
		}
	}

	if err := c.refresh(ctx, seen); err != nil {
		return nil, err
	}

	if snap := c.snapshot.Load(); snap != nil {
		if key, ok := snap.keys[kid]; ok {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
}

// refresh fetches the key set and replaces the snapshot wholesale. seen is the
// snapshot the caller missed against; a concurrent caller that already swapped
// in a newer one satisfies the refresh without a second fetch.
func (c *KeyCache) refresh(ctx context.Context, seen *keySnapshot) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if snap := c.snapshot.Load(); snap != seen {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedKeySet, err)
	}
	if len(doc.Keys) == 0 {
		return fmt.Errorf("%w: empty key list", ErrMalformedKeySet)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, entry := range doc.Keys {
		if entry.Kty != "" && entry.Kty != "RSA" {
			continue
		}
		key, err := rsaKeyFromComponents(entry.N, entry.E)
		if err != nil {
			return fmt.Errorf("%w: key %q: %v", ErrMalformedKeySet, entry.Kid, err)
		}
		keys[entry.Kid] = key
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: no usable RSA keys", ErrMalformedKeySet)
	}

	c.snapshot.Store(&keySnapshot{keys: keys, fetchedAt: time.Now()})
	return nil
}

// rsaKeyFromComponents builds an RSA public key from the base64url modulus and
// exponent carried by a JWKS entry.
func rsaKeyFromComponents(n, e string) (*rsa.PublicKey, error) {
	if n == "" || e == "" {
		return nil, errors.New("missing modulus or exponent")
	}

	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %v", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %v", err)
	}

	exponent := new(big.Int).SetBytes(eBytes)
	if !exponent.IsInt64() || exponent.Int64() <= 0 {
		return nil, errors.New("invalid exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(exponent.Int64()),
	}, nil
}
