package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"portal-backend/internal/apperr"
)

type contextKey string

const (
	userIDKey contextKey = "user_id"
	tokenKey  contextKey = "token"
)

// Authenticator resolves a bearer token to an account id
type Authenticator interface {
	CurrentAccount(ctx context.Context, token string) (string, error)
}

// AuthMiddleware creates a middleware for JWT authentication
func AuthMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondError(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				respondError(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			token := parts[1]
			userID, err := auth.CurrentAccount(r.Context(), token)
			if err != nil {
				if errors.Is(err, apperr.ErrStoreUnavailable) {
					respondError(w, "Authentication unavailable", http.StatusServiceUnavailable)
					return
				}
				respondError(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := WithAccount(r.Context(), userID, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithAccount stores the authenticated account in ctx.
func WithAccount(ctx context.Context, userID, token string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, tokenKey, token)
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	userID, ok := ctx.Value(userIDKey).(string)
	if !ok {
		return ""
	}
	return userID
}

// GetToken extracts the bearer token from context
func GetToken(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

// respondError sends an error response
func respondError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
