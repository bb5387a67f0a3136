package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/solobook/solobook/libs/auth"
	"github.com/solobook/solobook/libs/httpx"
)

type contextKey string

const ownerKey contextKey = "owner_id"

// WithAuth verifies the bearer token and stashes the authenticated owner id
// in the request context.
func WithAuth(secret string) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			if !strings.HasPrefix(header, "Bearer ") || token == "" {
				http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := auth.ParseAndVerifyHS256(token, secret)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ownerKey, claims.Sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OwnerFromContext returns the authenticated owner id set by WithAuth.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey).(string)
	return owner, ok && owner != ""
}
