package guard

import (
	"context"
	"crypto/subtle"
	"net/http"
)

type authContextKey string

const apiKeyKey authContextKey = "api_key"

// APIKeyValidator validates an API key and returns true if valid.
//
// Validators are called concurrently and must be safe for concurrent use.
type APIKeyValidator func(key string) bool

type apiKeyConfig struct {
	header    string
	validator APIKeyValidator
}

// APIKeyOption configures APIKey middleware.
type APIKeyOption func(*apiKeyConfig)

// WithAPIKeyHeader sets the header to read the API key from.
// Default is "X-API-Key".
func WithAPIKeyHeader(header string) APIKeyOption {
	return func(c *apiKeyConfig) {
		c.header = header
	}
}

// StaticAPIKeys returns a validator accepting any of keys. Every configured
// key is compared in constant time. Empty keys are ignored, so an empty list
// rejects everything.
func StaticAPIKeys(keys ...string) APIKeyValidator {
	accepted := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			accepted = append(accepted, []byte(k))
		}
	}

	return func(key string) bool {
		candidate := []byte(key)
		match := 0
		for _, k := range accepted {
			match |= subtle.ConstantTimeCompare(candidate, k)
		}
		return match == 1
	}
}

// APIKey returns middleware that guards the admin routes. Missing or invalid
// keys get 401. The accepted key is stored in the request context and can be
// retrieved with APIKeyFromContext.
//
//	r.Use(guard.APIKey(guard.StaticAPIKeys(cfg.Admin.APIKeys...)))
func APIKey(validator APIKeyValidator, opts ...APIKeyOption) func(http.Handler) http.Handler {
	cfg := apiKeyConfig{
		header:    "X-API-Key",
		validator: validator,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(cfg.header)

			if key == "" {
				if HasState(r.Context()) {
					SetError(r, ErrUnauthorized.With("Missing API key"))
				} else {
					http.Error(w, "Missing API key", http.StatusUnauthorized)
				}
				return
			}

			if !cfg.validator(key) {
				if HasState(r.Context()) {
					SetError(r, ErrUnauthorized.With("Invalid API key"))
				} else {
					http.Error(w, "Invalid API key", http.StatusUnauthorized)
				}
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// APIKeyFromContext retrieves the validated API key from the request context.
func APIKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(apiKeyKey).(string)
	return key, ok
}
