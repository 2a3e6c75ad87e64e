// Package middleware provides the token authentication layer placed in front
// of the protected routes.
package middleware

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/stockroom/inventory-api/app/api"
	"github.com/stockroom/inventory-api/models"
)

// TokenResolver looks up the user owning a bearer token.
type TokenResolver interface {
	GetUserByToken(ctx context.Context, key string) (*models.User, error)
}

type contextKey string

const contextKeyUser contextKey = "user"

// TokenAuth rejects requests without a valid token with 401 before the next
// handler runs. The resolved user is stored in the request context.
//
// Both "Bearer <key>" and "Token <key>" authorization schemes are accepted.
func TokenAuth(resolver TokenResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				api.WriteError(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
				return
			}

			key, ok := tokenFromHeader(header)
			if !ok {
				api.WriteError(w, http.StatusUnauthorized, "Invalid token header.")
				return
			}

			user, err := resolver.GetUserByToken(r.Context(), key)
			if err != nil {
				if !errors.Is(err, models.ErrUserNotFound) {
					log.Printf("resolve token: %v", err)
				}
				api.WriteError(w, http.StatusUnauthorized, "Invalid token.")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func tokenFromHeader(header string) (string, bool) {
	scheme, key, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found {
		return "", false
	}
	if !strings.EqualFold(scheme, "Bearer") && !strings.EqualFold(scheme, "Token") {
		return "", false
	}
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsRune(key, ' ') {
		return "", false
	}
	return key, true
}

// WithUser returns a copy of ctx carrying user.
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, contextKeyUser, user)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(contextKeyUser).(*models.User)
	return user, ok && user != nil
}
