package modelkit

import (
	"context"
	"errors"

	"github.com/uptrace/bun"
)

// TenantContextKey is the context key for tenant ID.
type TenantContextKey struct{}

// ErrNoTenant is returned when a model has a tenant column and the context
// carries no tenant ID.
var ErrNoTenant = errors.New("modelkit: tenant ID not found in context")

// WithTenant adds tenant ID to the context. Managers of models with the
// tenant Meta option scope every read and write to it.
//
// Usage:
//
//	ctx = modelkit.WithTenant(ctx, "tenant-123")
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantContextKey{}, tenantID)
}

// GetTenant extracts tenant ID from the context.
// Returns empty string if not found.
func GetTenant(ctx context.Context) string {
	if v := ctx.Value(TenantContextKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// RequireTenant extracts tenant ID from context or returns an error.
func RequireTenant(ctx context.Context) (string, error) {
	tenantID := GetTenant(ctx)
	if tenantID == "" {
		return "", ErrNoTenant
	}
	return tenantID, nil
}

// TenantScope returns a query modifier filtering column by the context
// tenant. It is a no-op when the context carries none.
//
// Usage:
//
//	db.NewSelect().Table("invoices").Apply(modelkit.TenantScope(ctx, "tenant_id")).Scan(ctx, &rows)
func TenantScope(ctx context.Context, column string) func(*bun.SelectQuery) *bun.SelectQuery {
	tenantID := GetTenant(ctx)
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		if tenantID != "" {
			return q.Where("? = ?", bun.Ident(column), tenantID)
		}
		return q
	}
}

// tenantFor returns the tenant a manager of m must scope to, "" when m has
// no tenant column.
func tenantFor(ctx context.Context, m *Model) (column, tenantID string, err error) {
	column = m.meta.Tenant()
	if column == "" || m.Column(column) == nil {
		return "", "", nil
	}
	tenantID, err = RequireTenant(ctx)
	if err != nil {
		return "", "", &Error{
			Code:    CodeValidation,
			Message: "tenant ID required",
			Op:      "Tenant",
			Model:   m.name,
			Column:  column,
			Cause:   err,
		}
	}
	return column, tenantID, nil
}
