package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
)

type claimsKey struct{}

// RequireRole rejects requests without a valid bearer token carrying role.
func RequireRole(requiredRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := extractClaims(r)
			switch {
			case errors.Is(err, ErrNoSecret):
				http.Error(w, "Admin API disabled", http.StatusServiceUnavailable)
				return
			case err != nil:
				log.Debug("Rejected request", "path", r.URL.Path, "error", err)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if claims.Role != requiredRole {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

func IsAdmin(next http.Handler) http.Handler {
	return RequireRole(RoleAdmin)(next)
}

// ClaimsFromContext returns the claims attached by RequireRole.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

func extractClaims(r *http.Request) (*Claims, error) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		if !Enabled() {
			return nil, ErrNoSecret
		}
		return nil, errors.New("missing or malformed Authorization header")
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return ValidateJWT(token)
}
