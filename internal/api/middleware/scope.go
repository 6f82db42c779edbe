package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// ScopeKey is the context key for the caller's user scope.
const ScopeKey contextKey = "user_scope"

// ScopeExtractor reads the user scope from the X-User-Scope header or the
// user_id query parameter and stores it in the request context.
//
// There is deliberately no fallback value: an unset scope stays empty and
// handlers reject the request. A silently applied default scope previously
// caused cross-tenant data leakage, so the scope is mandatory everywhere.
func ScopeExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := strings.TrimSpace(r.Header.Get("X-User-Scope"))
		if scope == "" {
			scope = strings.TrimSpace(r.URL.Query().Get("user_id"))
		}

		ctx := context.WithValue(r.Context(), ScopeKey, scope)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetScope returns the user scope from the context, or "" when the caller
// supplied none.
func GetScope(ctx context.Context) string {
	scope, _ := ctx.Value(ScopeKey).(string)
	return scope
}
