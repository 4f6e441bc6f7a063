package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authcore/server/internal/auth"
	"github.com/authcore/server/internal/model"
	"github.com/authcore/server/internal/repo"
)

type contextKey string

const (
	accountKey   contextKey = "account"
	accountIDKey contextKey = "account_id"
)

// TokenVerifier authorizes bearer tokens
type TokenVerifier interface {
	VerifyToken(token string) (auth.Claims, error)
}

// AuthMiddleware validates bearer tokens, loads the account, and attaches it to the context
func AuthMiddleware(verifier TokenVerifier, users repo.UserRepo, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := BearerToken(r)
			if !ok {
				respondWithError(w, http.StatusUnauthorized, "missing or malformed authorization header", "token_invalid")
				return
			}

			claims, err := verifier.VerifyToken(tokenString)
			if err != nil {
				if errors.Is(err, auth.ErrTokenExpired) {
					log.Debug("expired token rejected", zap.String("path", r.URL.Path))
					respondWithError(w, http.StatusUnauthorized, "token expired", "token_expired")
					return
				}
				log.Warn("invalid token rejected", zap.String("path", r.URL.Path), zap.Error(err))
				respondWithError(w, http.StatusUnauthorized, "invalid token", "token_invalid")
				return
			}

			account, err := users.GetByID(r.Context(), claims.AccountID)
			if err != nil {
				if !errors.Is(err, repo.ErrNotFound) {
					log.Error("load account for token", zap.Error(err))
				}
				respondWithError(w, http.StatusUnauthorized, "account not found", "token_invalid")
				return
			}

			ctx := context.WithValue(r.Context(), accountKey, &account)
			ctx = context.WithValue(ctx, accountIDKey, claims.AccountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// GetAccount returns the account attached to the request context (set by AuthMiddleware)
func GetAccount(ctx context.Context) (*model.Account, bool) {
	a, ok := ctx.Value(accountKey).(*model.Account)
	return a, ok
}

// GetAccountID extracts the authenticated account ID from context
func GetAccountID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(accountIDKey).(uuid.UUID)
	return id, ok
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message, "code": code}
	_ = json.NewEncoder(w).Encode(response)
}
