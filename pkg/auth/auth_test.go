package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestKeySetValidate(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	require.NoError(t, err)

	ks, err := NewKeySet([]string{"plain-key", " "}, []string{string(hash)})
	require.NoError(t, err)
	assert.True(t, ks.Enabled())

	assert.NoError(t, ks.Validate("plain-key"))
	assert.NoError(t, ks.Validate("hashed-key"))
	// second call hits the verified cache
	assert.NoError(t, ks.Validate("hashed-key"))
	assert.ErrorIs(t, ks.Validate("wrong"), ErrInvalidKey)
	assert.ErrorIs(t, ks.Validate(""), ErrMissingKey)
}

func TestNewKeySetRejectsBadHash(t *testing.T) {
	_, err := NewKeySet(nil, []string{"not-a-bcrypt-hash"})
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	ks, err := NewKeySet([]string{"secret"}, nil)
	require.NoError(t, err)

	handler := ks.Middleware("/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		path   string
		header string
		value  string
		want   int
	}{
		{"bearer", "/jobs", "Authorization", "Bearer secret", http.StatusOK},
		{"api key header", "/jobs", "X-API-Key", "secret", http.StatusOK},
		{"wrong key", "/jobs", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"basic scheme", "/jobs", "Authorization", "Basic secret", http.StatusUnauthorized},
		{"missing", "/jobs", "", "", http.StatusUnauthorized},
		{"public path", "/health", "", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestEmptyKeySetAllowsAll(t *testing.T) {
	ks, err := NewKeySet(nil, nil)
	require.NoError(t, err)
	assert.False(t, ks.Enabled())

	rr := httptest.NewRecorder()
	ks.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, httptest.NewRequest("GET", "/jobs", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestHashKeyRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	assert.Len(t, key, 43)

	hash, err := HashKey(key)
	require.NoError(t, err)

	ks, err := NewKeySet(nil, []string{hash})
	require.NoError(t, err)
	assert.NoError(t, ks.Validate(key))
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare("abc", "abc"))
	assert.False(t, SecureCompare("abc", "abd"))
	assert.False(t, SecureCompare("abc", "ab"))
}
