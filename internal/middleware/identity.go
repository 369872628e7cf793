package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/movie2book/backend/internal/identity"
)

type contextKey string

const ctxIdentityKey contextKey = "identity"

// Resolver is implemented by identity.Resolver.
type Resolver interface {
	Resolve(r *http.Request) (*identity.Identity, error)
}

// RequireIdentity resolves the caller and rejects anonymous requests with 401.
func RequireIdentity(resolver Resolver, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := resolver.Resolve(r)
			if err != nil {
				if errors.Is(err, identity.ErrUnauthorized) {
					http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
					return
				}
				log.Error("resolve identity", "error", err)
				http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// OptionalIdentity attaches the identity when there is one and never rejects.
func OptionalIdentity(resolver Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, err := resolver.Resolve(r); err == nil {
				r = r.WithContext(WithIdentity(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFromCtx returns the resolved identity or nil.
func IdentityFromCtx(ctx context.Context) *identity.Identity {
	id, _ := ctx.Value(ctxIdentityKey).(*identity.Identity)
	return id
}

// WithIdentity returns a context carrying the given identity.
func WithIdentity(ctx context.Context, id *identity.Identity) context.Context {
	return context.WithValue(ctx, ctxIdentityKey, id)
}
