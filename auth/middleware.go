package auth

import (
	"context"
	"net/http"
)

type contextKey string

const ClaimsKey contextKey = "claims"

// RequireBackend rejects requests without a valid backend token and injects
// the claims into the request context.
func RequireBackend(signer *Signer, unauthorized func(http.ResponseWriter, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := signer.FromHeader(r.Header.Get("Authorization"))
			if err != nil {
				unauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ClaimsKey, claims)))
		})
	}
}

// RequireAdmin protects the admin endpoints with basic auth.
func RequireAdmin(admin AdminCredentials, unauthorized func(http.ResponseWriter, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, password, ok := r.BasicAuth()
			if !ok || !admin.Check(user, password) {
				w.Header().Set("WWW-Authenticate", `Basic realm="channel-hub"`)
				unauthorized(w, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClaimsFrom returns the backend claims injected by RequireBackend.
func ClaimsFrom(ctx context.Context) (*BackendClaims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*BackendClaims)
	return claims, ok
}
