package middleware

import (
	"net/http"
	"strings"

	"omnichannel-routing-system/shared/authx"
	"omnichannel-routing-system/shared/httpx"
)

// AuthMiddleware accepts a bearer token that any of the verifiers accepts.
// Service tokens (HMAC) are listed before agent tokens (OIDC).
type AuthMiddleware struct {
	Verifiers []authx.Verifier
	Skip      func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		if len(m.Verifiers) == 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "auth verifier not configured", nil)
			return
		}

		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		token := strings.TrimSpace(authHeader[len("bearer "):])
		for _, v := range m.Verifiers {
			if v == nil {
				continue
			}
			auth, err := v.Verify(r.Context(), token)
			if err != nil {
				continue
			}
			next.ServeHTTP(w, r.WithContext(authx.WithAuth(r.Context(), auth)))
			return
		}
		httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
	})
}
