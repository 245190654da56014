package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"aegis/pkg/httpx"
)

// Principal identifies the authenticated caller for downstream handlers.
type Principal struct {
	Subject string
}

type contextKey string

const principalContextKey contextKey = "aegis.principal"

// Middleware enforces a static bearer token on the API surface. Mode "off"
// passes everything through as anonymous; any other mode requires the token.
func Middleware(mode, token string) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" || mode == "off" {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{Subject: "anonymous"})))
			})
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				httpx.Error(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			presented := strings.TrimSpace(header[len("Bearer "):])
			if token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				httpx.Error(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{Subject: "api-token"})))
		})
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
