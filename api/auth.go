package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyHeader carries the key. The apiKey query parameter is accepted too,
// for clients such as browsers opening the job websocket.
const (
	APIKeyHeader = "X-API-Key"
	APIKeyQuery  = "apiKey"
)

// KeySet verifies API keys. Entries starting with "$2" are bcrypt hashes;
// anything else is compared in constant time.
type KeySet struct {
	plain  [][]byte
	hashed [][]byte
}

// NewKeySet builds a KeySet from configured entries. Blank entries are skipped.
func NewKeySet(entries []string) *KeySet {
	ks := &KeySet{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		switch {
		case e == "":
		case strings.HasPrefix(e, "$2"):
			ks.hashed = append(ks.hashed, []byte(e))
		default:
			ks.plain = append(ks.plain, []byte(e))
		}
	}
	return ks
}

// Enabled reports whether any key is configured.
func (ks *KeySet) Enabled() bool {
	return ks != nil && len(ks.plain)+len(ks.hashed) > 0
}

// Valid reports whether key matches a configured entry.
func (ks *KeySet) Valid(key string) bool {
	if key == "" {
		return false
	}
	k := []byte(key)
	match := 0
	for _, p := range ks.plain {
		match |= subtle.ConstantTimeCompare(p, k)
	}
	if match == 1 {
		return true
	}
	for _, h := range ks.hashed {
		if bcrypt.CompareHashAndPassword(h, k) == nil {
			return true
		}
	}
	return false
}

// requireAPIKey answers 401 unless the request carries a valid key.
func requireAPIKey(keys *KeySet, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !keys.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(APIKeyHeader)
			if key == "" {
				key = r.URL.Query().Get(APIKeyQuery)
			}
			if key == "" {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "API key required")
				return
			}
			if !keys.Valid(key) {
				logger.Warn("invalid API key",
					zap.String("path", r.URL.Path),
					zap.String("remote", clientIP(r)))
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
