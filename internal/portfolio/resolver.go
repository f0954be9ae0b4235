package portfolio

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mietwerk/mietwerk/internal/platform/db"
	"github.com/mietwerk/mietwerk/internal/shared"
)

// Resolver walks the ownership chain tenant -> unit -> property -> organization.
// Crediting and audit scoping need the organization that owns a tenant's unit.
type Resolver struct{}

// NewResolver returns a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// OrganizationForTenant resolves the owning organization of a tenant. A tenant
// without a resolvable organization is a hard error, never a silent skip.
func (r *Resolver) OrganizationForTenant(ctx context.Context, q db.Querier, tenantID int64) (int64, error) {
	const query = `
		SELECT p.organization_id
		FROM tenants t
		JOIN units u ON u.id = t.unit_id
		JOIN properties p ON p.id = u.property_id
		WHERE t.id = $1`

	var orgID int64
	if err := q.QueryRow(ctx, query, tenantID).Scan(&orgID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("portfolio: tenant %d: %w", tenantID, shared.ErrTenantNotFound)
		}
		return 0, fmt.Errorf("portfolio: resolve organization for tenant %d: %w", tenantID, err)
	}
	return orgID, nil
}
