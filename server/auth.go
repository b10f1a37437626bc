package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authMiddleware requires a bearer token on the job control endpoints.
// Tile serving, health and metrics stay public. When no token is
// configured the middleware is a pass-through.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}
	token := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/jobs/") {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		presented, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), token) != 1 {
			unauthorizedResponse(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="jobs"`)
	writeJSONError(w, http.StatusUnauthorized, "missing or invalid bearer token")
}
