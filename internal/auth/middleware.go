// Package auth authenticates API callers by key and carries the resolved key
// through the request context.
package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/pendergraft/contratweak/internal/storage"
)

var (
	ErrMissingKey = errors.New("API key required")
	ErrInvalidKey = errors.New("invalid API key")
)

// ErrorWriter renders an authentication failure in the server's error envelope.
type ErrorWriter func(w http.ResponseWriter, status int, code, message string)

type keyCtx struct{}

// KeyFromContext returns the authenticated key, or nil for anonymous requests.
func KeyFromContext(ctx context.Context) *storage.APIKey {
	key, _ := ctx.Value(keyCtx{}).(*storage.APIKey)
	return key
}

// OwnerFromContext returns the id recorded as owner of projects and runs
// created by this request. Anonymous requests own nothing.
func OwnerFromContext(ctx context.Context) string {
	if key := KeyFromContext(ctx); key != nil {
		return key.ID
	}
	return ""
}

// resolve looks up the key sent with r. Malformed keys are refused without a
// store round trip.
func resolve(store storage.APIKeyStore, r *http.Request) (*storage.APIKey, error) {
	raw := KeyFromRequest(r)
	switch {
	case raw == "":
		return nil, ErrMissingKey
	case !WellFormed(raw):
		return nil, ErrInvalidKey
	}
	key, err := store.ValidateAPIKey(r.Context(), raw)
	if err != nil || key == nil {
		return nil, ErrInvalidKey
	}
	return key, nil
}

func withKey(r *http.Request, key *storage.APIKey) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), keyCtx{}, key))
}

// Middleware rejects requests that do not carry a valid API key.
func Middleware(store storage.APIKeyStore, writeError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := resolve(store, r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
				return
			}
			next.ServeHTTP(w, withKey(r, key))
		})
	}
}

// OptionalMiddleware attaches the caller's key when one is valid and lets
// every request through.
func OptionalMiddleware(store storage.APIKeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key, err := resolve(store, r); err == nil {
				r = withKey(r, key)
			}
			next.ServeHTTP(w, r)
		})
	}
}
