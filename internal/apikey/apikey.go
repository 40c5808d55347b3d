// Package apikey implements the shared-secret authentication the
// dashboard's read-only query endpoints and DLQ admin surfaces use: an
// X-API-Key header compared against a configured secret.
package apikey

import "net/http"

// Middleware rejects requests whose X-API-Key header does not match
// secret with 401 Unauthorized. An empty secret disables the check
// entirely (local development without a configured dashboard key).
func Middleware(secret string, next http.Handler) http.Handler {
	if secret == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != secret {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
