package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const providerUsageColumns = `tenant_id, provider, total, last_used_at`

func scanProviderUsage(row rowScanner) (ProviderUsage, error) {
	var p ProviderUsage
	err := row.Scan(&p.TenantID, &p.Provider, &p.Total, &p.LastUsedAt)
	return p, err
}

// IncrProviderUsage adds delta to a tenant's lifetime per-provider counter,
// creating the row on first use. The rollup worker (C11) calls this
// alongside UpsertDailyRollup so operators can see provider mix without
// summing across daily_rollup history (§3 persisted layout: provider_usage).
func (q *Queries) IncrProviderUsage(ctx context.Context, tenantID uuid.UUID, provider string, delta int64, lastUsedAt time.Time) (ProviderUsage, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO provider_usage (tenant_id, provider, total, last_used_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
			total = provider_usage.total + EXCLUDED.total,
			last_used_at = GREATEST(provider_usage.last_used_at, EXCLUDED.last_used_at)
		RETURNING `+providerUsageColumns,
		tenantID, provider, delta, lastUsedAt,
	)
	p, err := scanProviderUsage(row)
	if err != nil {
		return ProviderUsage{}, fmt.Errorf("incrementing provider usage for tenant %s/%s: %w", tenantID, provider, err)
	}
	return p, nil
}

// ListProviderUsage returns lifetime provider counters for a tenant.
func (q *Queries) ListProviderUsage(ctx context.Context, tenantID uuid.UUID) ([]ProviderUsage, error) {
	rows, err := q.db.Query(ctx, `SELECT `+providerUsageColumns+` FROM provider_usage WHERE tenant_id = $1 ORDER BY total DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing provider usage: %w", err)
	}
	defer rows.Close()

	var items []ProviderUsage
	for rows.Next() {
		p, err := scanProviderUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning provider usage row: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating provider usage rows: %w", err)
	}
	return items, nil
}
