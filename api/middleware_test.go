package api

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestKeySet(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	require.NoError(t, err)

	ks := NewKeySet([]string{" plain-key ", "", string(hash)})
	assert.True(t, ks.Enabled())
	assert.True(t, ks.Valid("plain-key"))
	assert.True(t, ks.Valid("hashed-key"))
	assert.False(t, ks.Valid("plain"))
	assert.False(t, ks.Valid(""))
	assert.False(t, ks.Valid(string(hash)), "the hash itself is not a key")

	assert.False(t, NewKeySet(nil).Enabled())
	assert.False(t, NewKeySet([]string{" "}).Enabled())
}

func TestAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	require.NoError(t, err)
	env := newTestEnv(t, envOptions{apiKeys: []string{"secret", string(hash)}})

	tests := []struct {
		name   string
		target string
		header []string
		want   int
	}{
		{"missing key", "/models", nil, http.StatusUnauthorized},
		{"wrong key", "/models", []string{APIKeyHeader, "nope"}, http.StatusUnauthorized},
		{"header key", "/models", []string{APIKeyHeader, "secret"}, http.StatusOK},
		{"query key", "/models?apiKey=secret", nil, http.StatusOK},
		{"bcrypt key", "/benchmark", []string{APIKeyHeader, "hashed-key"}, http.StatusOK},
		{"health is open", "/health", nil, http.StatusOK},
		{"metrics is open", "/metrics", nil, http.StatusOK},
		{"images are open", "/images/missing_1_abcd1234.png", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.target, nil, tt.header...)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, CodeUnauthorized, decode[ErrorResponse](t, rec).Error.Code)
			}
		})
	}

	rec := env.do(t, http.MethodPost, "/generate", `{"prompt":"a red cube"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimiter_Window(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	ok, remaining, _ := l.Allow("10.0.0.1")
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)
	ok, remaining, _ = l.Allow("10.0.0.1")
	assert.True(t, ok)
	assert.Equal(t, 0, remaining)

	ok, _, reset := l.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, reset)

	ok, _, _ = l.Allow("10.0.0.2")
	assert.True(t, ok, "limits are per client")

	now = now.Add(time.Minute)
	ok, _, _ = l.Allow("10.0.0.1")
	assert.True(t, ok, "a new window starts after the period")

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, l.Cleanup())
	assert.Equal(t, 0, l.Count())
}

func TestRateLimiter_Disabled(t *testing.T) {
	l := NewRateLimiter(0, time.Minute)
	assert.False(t, l.Enabled())
	for i := 0; i < 10; i++ {
		ok, _, _ := l.Allow("10.0.0.1")
		require.True(t, ok)
	}

	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_GenerateRoute(t *testing.T) {
	env := newTestEnv(t, envOptions{rateLimit: 2})

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/generate", `{"prompt":""}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, strconv.Itoa(1-i), rec.Header().Get("X-RateLimit-Remaining"))
	}
	rec := env.do(t, http.MethodPost, "/generate", `{"prompt":"a red cube"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, CodeRateLimited, decode[ErrorResponse](t, rec).Error.Code)
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Positive(t, retry)

	// forwarding headers do not buy a new window
	for _, forwarded := range []string{"10.1.1.1", "10.1.1.2", "203.0.113.9"} {
		rec = env.do(t, http.MethodPost, "/generate", `{"prompt":""}`,
			"X-Forwarded-For", forwarded, "X-Real-IP", forwarded)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, forwarded)
	}

	// other peers and unlimited routes are unaffected
	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{"prompt":""}`))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "198.51.100.20:40000"
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/models", nil).Code)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.7:5555"
	assert.Equal(t, "192.0.2.7", clientIP(r))
	r.RemoteAddr = "192.0.2.8"
	assert.Equal(t, "192.0.2.8", clientIP(r))
}
