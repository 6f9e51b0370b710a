package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/runnerhub/runnerhub/lib/log"
)

type contextKey int

const identityContextKey contextKey = iota

// Identity is the authenticated caller attached to a request's context by
// Middleware, readable by handlers that need to log or audit who acted.
type Identity struct {
	Subject string
	Roles   []string
}

// IdentityFromContext returns the Identity Middleware attached to ctx, or
// the zero value if none is present (e.g. in a unit test calling a
// handler directly).
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityContextKey).(Identity)
	return id
}

// Middleware authenticates and authorizes Control API requests: it
// requires a `Bearer` JWT validated against secret, resolves the token's
// roles through enforcer, and requires one of them be allowed act on
// obj. secret is config.JWTSecret - validation only, this process never
// issues tokens, consistent with the authentication/authorization
// issuance surface being out of scope.
func Middleware(enforcer *Enforcer, secret []byte, obj, act string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := log.WithFunc("auth", "Middleware").With("path", r.URL.Path, "object", obj, "action", act)

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				logger.Debug("missing bearer token")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := ParseBearerToken(secret, strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				logger.Debug("token validation failed", "err", err)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if !enforcer.CheckPermission(claims.Roles, obj, act) {
				logger.Debug("permission denied", "subject", claims.Subject, "roles", claims.Roles)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), identityContextKey, Identity{Subject: claims.Subject, Roles: claims.Roles})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
