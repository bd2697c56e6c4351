package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth checks the local API token. The token normally arrives as an
// Authorization header; the dashboard's websocket upgrade cannot set headers
// from a browser, so an access_token query parameter is accepted too.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.URL.Query().Get("access_token")
			const prefix = "Bearer "
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
				presented = auth[len(prefix):]
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
