package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ethcentivize/issue-registry/internal/ledger"
	"github.com/ethereum/go-ethereum/common"
)

// CookieName is the HttpOnly cookie that carries the session JWT.
const CookieName = "token"

var errNoToken = errors.New("auth: no token")

// RequireAuth enforces authentication on protected routes.
//
// The validated address becomes the ledger caller for the rest of the
// request: handlers pass r.Context() straight to the registry and never
// handle identity themselves. A missing or invalid token stops the chain
// with 401.
//
// Chi applies middlewares in a chain: req → M1 → M2 → Handler → M2 → M1 → resp
func RequireAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr, err := extractCaller(r, tokens)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthenticated","message":"valid authentication required"}`))
				return
			}

			next.ServeHTTP(w, r.WithContext(ledger.WithCaller(r.Context(), addr)))
		})
	}
}

// OptionalAuth attaches the caller if a valid token is present, but does NOT
// block the request if it's missing or invalid. Used on read routes.
func OptionalAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if addr, err := extractCaller(r, tokens); err == nil {
				r = r.WithContext(ledger.WithCaller(r.Context(), addr))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CallerFromContext returns the authenticated address, or false for an
// anonymous request.
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	return ledger.CallerFrom(ctx)
}

// extractCaller reads the JWT from the "token" cookie (browsers) or an
// "Authorization: Bearer" header (CLI and scripts), in that order.
func extractCaller(r *http.Request, tokens *TokenService) (common.Address, error) {
	token := ""
	if cookie, err := r.Cookie(CookieName); err == nil {
		token = cookie.Value
	} else if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			token = strings.TrimSpace(value)
		}
	}
	if token == "" {
		return common.Address{}, errNoToken
	}

	return tokens.Validate(token)
}
