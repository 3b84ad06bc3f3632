package middleware

import (
	"net/http"
	"strings"

	"gitlab.tepseg.com/ai/account-pool/internal/util"
)

// AuthMiddleware guards the admin and internal surfaces with a static
// bearer token, compared in constant time against its stored hash.
type AuthMiddleware struct {
	tokenHash string
}

func NewAuthMiddleware(adminToken string) *AuthMiddleware {
	m := &AuthMiddleware{}
	if adminToken != "" {
		m.tokenHash = util.HashToken(adminToken)
	}
	return m
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No token configured means the surface is open (dev mode); the
		// config layer already warns loudly about this in production.
		if m.tokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}

		if !util.ConstantTimeEqual(util.HashToken(token), m.tokenHash) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}

		next.ServeHTTP(w, r)
	})
}
