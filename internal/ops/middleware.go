package ops

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// withAuth enforces the configured bearer token on API handlers. An empty
// token hash disables auth, which is acceptable only because the server
// defaults to a loopback listener.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.TokenHash == "" {
			next(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.TokenHash), []byte(token)); err != nil {
			s.logger.WarnContext(r.Context(), "rejected api request",
				"remote", r.RemoteAddr,
				"path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}
