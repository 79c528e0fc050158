// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ExtractBearer returns the token of an "Authorization: Bearer <token>"
// header value. The scheme is case-insensitive and surrounding whitespace is
// ignored. It returns "" for any other form.
func ExtractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(strings.TrimSpace(scheme), "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// BearerToken returns middleware that validates the Authorization header
// carries a Bearer token matching the expected value. Comparison uses
// constant-time equality. An empty expected token rejects every request.
func BearerToken(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := ExtractBearer(r.Header.Get("Authorization"))

			if len(expected) == 0 || got == "" ||
				subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
