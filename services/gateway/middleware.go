package gateway

import (
	"log/slog"
	"net/http"
	"strings"
)

// requireToken validates downstream bearer tokens against the issued-token
// store.
func (s *Service) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || !s.tokens.Validate(parts[1]) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		err := s.tokens.Touch(parts[1])
		if err != nil {
			slog.WarnContext(r.Context(), "failed to touch token", "err", err)
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin gates operator endpoints on ADMIN_PASSWORD, accepted either
// as a cookie or as basic-auth password.
func (s *Service) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminPassword == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "admin access is not configured"})
			return
		}
		if cookie, err := r.Cookie("admin_password"); err == nil && cookie.Value == s.adminPassword {
			next.ServeHTTP(w, r)
			return
		}
		if _, password, ok := r.BasicAuth(); ok && password == s.adminPassword {
			next.ServeHTTP(w, r)
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
	})
}
