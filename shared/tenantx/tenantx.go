package tenantx

import (
	"context"
	"errors"
	"strings"
)

var ErrMissingTenant = errors.New("tenant context missing")

type contextKey struct{}

type TenantContext struct {
	ID   string
	Slug string
}

func WithTenant(ctx context.Context, tenant TenantContext) context.Context {
	tenant.ID = strings.TrimSpace(tenant.ID)
	return context.WithValue(ctx, contextKey{}, tenant)
}

// WithTenantID is shorthand for callers that only know the id, such as
// Kafka consumers reading the tenant from an envelope.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return WithTenant(ctx, TenantContext{ID: tenantID})
}

func FromContext(ctx context.Context) (TenantContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if t, ok := v.(TenantContext); ok {
			return t, true
		}
	}
	return TenantContext{}, false
}

func TenantIDFromContext(ctx context.Context) string {
	if t, ok := FromContext(ctx); ok {
		return t.ID
	}
	return ""
}

// Require returns the tenant id carried by ctx or ErrMissingTenant.
func Require(ctx context.Context) (string, error) {
	id := TenantIDFromContext(ctx)
	if id == "" {
		return "", ErrMissingTenant
	}
	return id, nil
}

// Check reports whether ctx may act on a resource owned by ownerID. A context
// without a tenant is trusted (internal callers such as the SLA sweep).
func Check(ctx context.Context, ownerID string) bool {
	id := TenantIDFromContext(ctx)
	return id == "" || id == ownerID
}
