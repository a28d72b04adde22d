package handler

import (
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

const adminUser = "admin"

// HashPassword returns the bcrypt hash used by New to check admin credentials.
func HashPassword(password string, cost int) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), cost)
}

// isAdmin checks HTTP basic credentials against the admin password hash.
func (h *Handler) isAdmin(r *http.Request) bool {
	if len(h.adminHash) == 0 {
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok || user != adminUser {
		return false
	}
	return bcrypt.CompareHashAndPassword(h.adminHash, []byte(pass)) == nil
}

// requireAdmin rejects requests without valid admin credentials.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.isAdmin(r) {
			slog.Warn("admin access denied", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Basic realm="autograder"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
