package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const InternalAPIKeyHeader = "X-Internal-API-Key"

// InternalAuthMiddleware validates the internal API key for server-to-server calls.
// An empty required key rejects every request rather than leaving the API open.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	requiredKey = strings.TrimSpace(requiredKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := strings.TrimSpace(r.Header.Get(InternalAPIKeyHeader))
			if requiredKey == "" || provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
