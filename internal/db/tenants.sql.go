package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const tenantColumns = `id, slug, monthly_quota, created_at`

func scanTenant(row rowScanner) (Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Slug, &t.MonthlyQuota, &t.CreatedAt)
	return t, err
}

// GetTenant fetches a tenant by ID.
func (q *Queries) GetTenant(ctx context.Context, id uuid.UUID) (Tenant, error) {
	row := q.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	t, err := scanTenant(row)
	if err != nil {
		return Tenant{}, fmt.Errorf("getting tenant %s: %w", id, err)
	}
	return t, nil
}

// GetTenantMonthlyQuota returns only the monthly quota, the hot path used by
// the admission pipeline's quota gate (C3) on a cache miss.
func (q *Queries) GetTenantMonthlyQuota(ctx context.Context, id uuid.UUID) (int64, error) {
	var quota int64
	err := q.db.QueryRow(ctx, `SELECT monthly_quota FROM tenants WHERE id = $1`, id).Scan(&quota)
	if err != nil {
		return 0, fmt.Errorf("getting monthly quota for tenant %s: %w", id, err)
	}
	return quota, nil
}

// CreateTenant inserts a new tenant row.
func (q *Queries) CreateTenant(ctx context.Context, slug string, monthlyQuota int64) (Tenant, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO tenants (slug, monthly_quota)
		VALUES ($1, $2)
		RETURNING `+tenantColumns, slug, monthlyQuota)
	t, err := scanTenant(row)
	if err != nil {
		return Tenant{}, fmt.Errorf("creating tenant: %w", err)
	}
	return t, nil
}

// SetTenantMonthlyQuota updates a tenant's monthly quota.
func (q *Queries) SetTenantMonthlyQuota(ctx context.Context, id uuid.UUID, quota int64) error {
	tag, err := q.db.Exec(ctx, `UPDATE tenants SET monthly_quota = $2 WHERE id = $1`, id, quota)
	if err != nil {
		return fmt.Errorf("setting monthly quota for tenant %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
