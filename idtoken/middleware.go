package idtoken

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type claimsKey struct{}

// RequireAuth rejects requests without a valid identity token in the
// Authorization header and attaches the verified claims to the context.
// Key set failures are reported as 503 so clients do not discard a good token.
func RequireAuth(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			parts := strings.SplitN(auth, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := v.Verify(r.Context(), parts[1])
			if err != nil {
				if keySetUnavailable(err) {
					v.logger.Error("idtoken.keyset_unavailable", "error", err)
					http.Error(w, "token verification unavailable", http.StatusServiceUnavailable)
					return
				}
				v.logger.Debug("idtoken.rejected", "error", err)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func keySetUnavailable(err error) bool {
	return errors.Is(err, ErrKeySetRequest) ||
		errors.Is(err, ErrInvalidResponseStatusCode) ||
		errors.Is(err, ErrKeySetDecode)
}

// ClaimsFromContext retrieves claims attached by RequireAuth.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}
