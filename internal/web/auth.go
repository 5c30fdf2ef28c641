package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireToken rejects requests without the configured token. The token
// may come as a bearer header or, for EventSource and websocket clients
// that cannot set headers, a token query parameter.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" && secureEqual(tok, s.cfg.Token) {
		return true
	}
	if tok := bearerToken(r.Header.Get("Authorization")); tok != "" && secureEqual(tok, s.cfg.Token) {
		return true
	}
	return false
}

func bearerToken(authHeader string) string {
	const bearerPrefix = "Bearer "
	authHeader = strings.TrimSpace(authHeader)
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
