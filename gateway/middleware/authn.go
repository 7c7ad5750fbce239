package middleware

import (
	"context"
	"net/http"
	"strings"
)

type walletContextKey struct{}

// TokenVerifier validates a bearer token and resolves the wallet it binds.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Bearer authenticates requests with an Authorization bearer token and
// stores the bound wallet on the request context. Requests without a valid
// token are rejected with 401.
func Bearer(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			wallet, err := verifier.Verify(raw)
			if err != nil {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), walletContextKey{}, wallet)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WalletFromContext returns the wallet the bearer middleware authenticated.
func WalletFromContext(ctx context.Context) string {
	wallet, _ := ctx.Value(walletContextKey{}).(string)
	return wallet
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		// Browsers cannot set headers on websocket upgrades; accept the
		// token as a query parameter there.
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
