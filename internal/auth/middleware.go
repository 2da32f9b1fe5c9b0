package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// respondError writes the same {"error","message"} JSON envelope as
// httpserver.RespondError; this package cannot import httpserver, which
// imports auth.
func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

// Middleware authenticates every request via the X-API-Key header and
// stores the resolved Identity in the request context. The gateway has no
// other caller population (spec.md §1: "does not authenticate end users"),
// so there is no precedence chain to fall through here.
func Middleware(authn *Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get("X-API-Key")
			if rawKey == "" {
				respondError(w, http.StatusUnauthorized, "unauthorized", "missing X-API-Key header")
				return
			}

			id, err := authn.Authenticate(r.Context(), rawKey)
			if err != nil {
				logger.Warn("api key authentication failed", "error", err)
				respondError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), id)))
		})
	}
}

// RequireAdmin rejects non-admin callers with 403. Mount behind Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromContext(r.Context())
		if id == nil || id.Role != RoleAdmin {
			respondError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
