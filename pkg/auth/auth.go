// Package auth authenticates API callers by bearer key.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingKey = errors.New("missing API key")
	ErrInvalidKey = errors.New("invalid API key")
)

// KeySet holds the accepted API keys, either verbatim or as bcrypt hashes
type KeySet struct {
	plain  []string
	hashes [][]byte

	// verified caches digests of keys that matched a hash, so bcrypt runs
	// once per distinct key
	verified sync.Map
}

// NewKeySet builds a key set. Empty entries are ignored.
func NewKeySet(keys, hashes []string) (*KeySet, error) {
	ks := &KeySet{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			ks.plain = append(ks.plain, k)
		}
	}
	for _, h := range hashes {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("invalid API key hash: %w", err)
		}
		ks.hashes = append(ks.hashes, []byte(h))
	}
	return ks, nil
}

// Enabled reports whether any key is configured; an empty set accepts every request
func (ks *KeySet) Enabled() bool {
	return ks != nil && (len(ks.plain) > 0 || len(ks.hashes) > 0)
}

// Validate checks one presented key
func (ks *KeySet) Validate(key string) error {
	if key == "" {
		return ErrMissingKey
	}
	for _, k := range ks.plain {
		if SecureCompare(k, key) {
			return nil
		}
	}

	digest := sha256.Sum256([]byte(key))
	if _, ok := ks.verified.Load(digest); ok {
		return nil
	}
	for _, h := range ks.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			ks.verified.Store(digest, struct{}{})
			return nil
		}
	}
	return ErrInvalidKey
}

// Middleware rejects requests without a valid key. Paths in public skip the check.
func (ks *KeySet) Middleware(public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ks.Enabled() || open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if err := ks.Validate(KeyFromRequest(r)); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="media-pipeline"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// KeyFromRequest reads "Authorization: Bearer <key>" or X-API-Key
func KeyFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// GenerateKey returns a random URL-safe API key
func GenerateKey() (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(keyBytes), nil
}

// HashKey returns the bcrypt hash to put in server.api_key_hashes
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
