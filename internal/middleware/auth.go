package myMiddleware

import (
	"context"
	"net/http"
	"strings"

	"go-chat/internal/identity"
)

type contextKey string

const UserKey contextKey = "user_id"

type AuthMiddleware struct {
	introspector identity.Introspector
}

func NewAuthMiddleware(i identity.Introspector) *AuthMiddleware {
	return &AuthMiddleware{introspector: i}
}

// Handle resolves the caller from a bearer token (or the token query
// parameter, for websocket upgrades) and rejects the request otherwise.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				tokenString = parts[1]
			}
		}

		// Browsers cannot set headers on websocket upgrades.
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		result := am.introspector.Introspect(r.Context(), tokenString)
		if !result.Valid {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), result.Subject)))
	})
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserKey, userID)
}

func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserKey).(string)
	return id, ok && id != ""
}
