/**
 * @description
 * This file contains custom middleware for the HTTP router: bearer-token authentication
 * for account routes and the shared-key check for operator routes.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and HMAC verification.
 */

package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/transfa/credit-gateway/internal/domain"
)

// ProfileContextKey is a custom type for the context key to avoid collisions.
type ProfileContextKey string

const accountProfileKey ProfileContextKey = "accountProfile"

var errSigningKeyMissing = errors.New("token verification is not configured")

// AccountAuthMiddleware validates HS256 tokens issued by the chat transport. The `sub` claim
// carries the account id and the optional `username` claim the current username.
func AccountAuthMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if len(key) == 0 {
					return nil, errSigningKeyMissing
				}
				return key, nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			profile, ok := profileFromClaims(claims)
			if !ok {
				writeError(w, http.StatusUnauthorized, "Account id not found in token")
				return
			}

			ctx := context.WithValue(r.Context(), accountProfileKey, profile)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func profileFromClaims(claims jwt.MapClaims) (domain.AccountProfile, bool) {
	subject, err := claims.GetSubject()
	if err != nil {
		return domain.AccountProfile{}, false
	}
	accountID, err := strconv.ParseInt(strings.TrimSpace(subject), 10, 64)
	if err != nil || accountID <= 0 {
		return domain.AccountProfile{}, false
	}

	username, _ := claims["username"].(string)
	return domain.AccountProfile{ID: accountID, Username: domain.NormalizeUsername(username)}, true
}

// GetAccountProfile retrieves the authenticated account from the request context.
func GetAccountProfile(ctx context.Context) (domain.AccountProfile, bool) {
	profile, ok := ctx.Value(accountProfileKey).(domain.AccountProfile)
	return profile, ok
}

// InternalAuthMiddleware guards operator routes with the shared internal API key.
// An empty key disables the operator routes entirely.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				writeError(w, http.StatusServiceUnavailable, "Admin API is not configured")
				return
			}

			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
