// Package security rejects scanner traffic and oversized request bodies
// before they reach the API.
package security

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// exempt paths are served even when they would match a rule
var exempt = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// probePrefixes are paths no contratweak route starts with but scanners
// ask for constantly.
var probePrefixes = []string{
	"/.env",
	"/.git/",
	"/.htaccess",
	"/.htpasswd",
	"/.php",
	"/cgi-bin/",
	"/config.",
	"/phpinfo",
	"/phpmyadmin",
	"/server-status",
	"/shell",
	"/wp-",
	"/xmlrpc.php",
}

// traversal markers, matched against the lowercased path both raw and
// once decoded
var traversal = []string{"../", "..\\", "..%2f", "..%5c", "%2e%2e", "%00"}

func suspicious(u *url.URL) bool {
	path := strings.ToLower(u.Path)
	for _, p := range probePrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}

	candidates := []string{path, strings.ToLower(u.EscapedPath())}
	if decoded, err := url.PathUnescape(u.EscapedPath()); err == nil {
		candidates = append(candidates, strings.ToLower(decoded))
	}
	for _, c := range candidates {
		for _, marker := range traversal {
			if strings.Contains(c, marker) {
				return true
			}
		}
	}
	return false
}

// FilterMiddleware answers 400 to requests that look like probes or path
// traversal. The response does not say which rule matched.
func FilterMiddleware(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !exempt[r.URL.Path] && suspicious(r.URL) {
				writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBodySizeMiddleware caps request bodies at maxSizeMB megabytes. Requests
// that declare a larger Content-Length are refused up front; the rest fail
// when the handler reads past the limit. A non-positive size disables the cap.
func MaxBodySizeMiddleware(maxSizeMB int) func(http.Handler) http.Handler {
	limit := int64(maxSizeMB) << 20
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
