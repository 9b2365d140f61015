package api

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

// unauthenticated paths skip the API key check
var unauthenticated = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// GenerateAPIKey returns a random URL-safe key
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashAPIKey returns the bcrypt hash to put in api.api_key_hash
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("api key is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return string(hash), nil
}

// ValidateAPIKeyHash rejects values that are not bcrypt hashes
func ValidateAPIKeyHash(hash string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("not a bcrypt hash: %w", err)
	}
	return nil
}

// AuthMiddleware requires "Authorization: Bearer <apiKey>" on every path
// except /health and /metrics
func AuthMiddleware(apiKey string) mux.MiddlewareFunc {
	expected := []byte(apiKey)
	return bearerAuth(func(token string) bool {
		return subtle.ConstantTimeCompare([]byte(token), expected) == 1
	})
}

// HashedAuthMiddleware is AuthMiddleware against a bcrypt hash of the key.
// Accepted keys are remembered by digest so bcrypt runs once per key.
func HashedAuthMiddleware(hash string) mux.MiddlewareFunc {
	var mu sync.Mutex
	accepted := make(map[[sha256.Size]byte]bool)
	return bearerAuth(func(token string) bool {
		digest := sha256.Sum256([]byte(token))
		mu.Lock()
		ok := accepted[digest]
		mu.Unlock()
		if ok {
			return true
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
			return false
		}
		mu.Lock()
		accepted[digest] = true
		mu.Unlock()
		return true
	})
}

func bearerAuth(valid func(token string) bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if unauthenticated[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || !valid(token) {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
