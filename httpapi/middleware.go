package httpapi

import (
	"net/http"
	"strings"

	"github.com/hazyhaar/manifold/access"
	"github.com/hazyhaar/manifold/kit"
)

// MaxBody rejects request bodies larger than n bytes. Applied before any
// handler reads the body, so oversized placements are cut off at the
// transport instead of buffering.
func MaxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > n {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// BearerAuth extracts the bearer token into the request context for the
// access layer. Requests without a token pass through: read endpoints are
// public, and role-gated operations fail closed downstream.
func BearerAuth(authz *access.StaticAuthorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := kit.WithRemoteAddr(r.Context(), r.RemoteAddr)
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				token := strings.TrimPrefix(h, "Bearer ")
				ctx = kit.WithCallerToken(ctx, token)
				if label := authz.Label(token); label != "" {
					ctx = kit.WithCaller(ctx, label)
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
