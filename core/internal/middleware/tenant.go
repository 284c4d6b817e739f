package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"omnichannel-routing-system/shared/authx"
	"omnichannel-routing-system/shared/httpx"
	"omnichannel-routing-system/shared/tenantx"
)

// TenantMiddleware resolves the tenant from X-Tenant-ID, falling back to
// the tenant_id claim of an authenticated caller.
type TenantMiddleware struct {
	Skip func(*http.Request) bool
}

func (m TenantMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		auth, authed := authx.FromContext(r.Context())
		if tenantID == "" && authed {
			tenantID = strings.TrimSpace(auth.TenantID)
		}
		if tenantID == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant header", nil)
			return
		}

		if authed {
			if err := validateTenantClaims(auth.Claims, tenantID); err != nil {
				httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", err.Error(), nil)
				return
			}
		}

		ctx := tenantx.WithTenant(r.Context(), tenantx.TenantContext{
			ID:   tenantID,
			Slug: strings.TrimSpace(r.Header.Get("X-Tenant-Slug")),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validateTenantClaims rejects a tenant the token does not grant, either
// through tenant_id or the tenants list.
func validateTenantClaims(claims map[string]any, tenantID string) error {
	if claims == nil || tenantID == "" {
		return nil
	}
	if v, ok := claims["tenant_id"]; ok {
		claimTenantID := strings.TrimSpace(fmt.Sprint(v))
		if claimTenantID != "" && claimTenantID != tenantID {
			return errors.New("tenant claim mismatch")
		}
	}
	v, ok := claims["tenants"]
	if !ok {
		return nil
	}
	allowed := map[string]struct{}{}
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			allowed[s] = struct{}{}
		}
	}
	switch t := v.(type) {
	case []string:
		for _, item := range t {
			add(item)
		}
	case []any:
		for _, item := range t {
			add(fmt.Sprint(item))
		}
	case string:
		for _, item := range strings.Fields(t) {
			add(item)
		}
	default:
		add(fmt.Sprint(t))
	}
	if len(allowed) > 0 {
		if _, ok := allowed[tenantID]; !ok {
			return errors.New("tenant not allowed")
		}
	}
	return nil
}
