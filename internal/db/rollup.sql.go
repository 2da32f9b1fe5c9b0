package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const dailyRollupColumns = `api_key_id, date, total, providers, file_types, file_categories, last_used_at`

func scanDailyRollup(row rowScanner) (DailyRollup, error) {
	var r DailyRollup
	err := row.Scan(&r.ApiKeyID, &r.Date, &r.Total, &r.Providers, &r.FileTypes, &r.FileCategories, &r.LastUsedAt)
	return r, err
}

// UpsertDailyRollupParams holds the fields for UpsertDailyRollup.
type UpsertDailyRollupParams struct {
	ApiKeyID       uuid.UUID
	Date           time.Time
	Total          int64
	Providers      []byte
	FileTypes      []byte
	FileCategories []byte
	LastUsedAt     time.Time
}

// UpsertDailyRollup upserts one (apiKeyId, date) rollup row, overwriting the
// field maps wholesale — the aggregate is the source of truth for that day
// (spec.md §4.8 step 3).
func (q *Queries) UpsertDailyRollup(ctx context.Context, p UpsertDailyRollupParams) (DailyRollup, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO daily_rollup (api_key_id, date, total, providers, file_types, file_categories, last_used_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (api_key_id, date) DO UPDATE SET
			total = EXCLUDED.total,
			providers = EXCLUDED.providers,
			file_types = EXCLUDED.file_types,
			file_categories = EXCLUDED.file_categories,
			last_used_at = EXCLUDED.last_used_at
		RETURNING `+dailyRollupColumns,
		p.ApiKeyID, p.Date, p.Total, p.Providers, p.FileTypes, p.FileCategories, p.LastUsedAt,
	)
	r, err := scanDailyRollup(row)
	if err != nil {
		return DailyRollup{}, fmt.Errorf("upserting daily rollup for %s/%s: %w", p.ApiKeyID, p.Date.Format("2006-01-02"), err)
	}
	return r, nil
}

// GetDailyRollup fetches a single rollup row by (apiKeyId, date), used by
// tests verifying the round-trip law in spec.md §8.
func (q *Queries) GetDailyRollup(ctx context.Context, apiKeyID uuid.UUID, date time.Time) (DailyRollup, error) {
	row := q.db.QueryRow(ctx, `SELECT `+dailyRollupColumns+` FROM daily_rollup WHERE api_key_id = $1 AND date = $2`, apiKeyID, date)
	r, err := scanDailyRollup(row)
	if err != nil {
		return DailyRollup{}, fmt.Errorf("getting daily rollup for %s/%s: %w", apiKeyID, date.Format("2006-01-02"), err)
	}
	return r, nil
}

// ListDailyRollups returns rollup rows for an API key across a date range,
// used by dashboards reading C4's durable history.
func (q *Queries) ListDailyRollups(ctx context.Context, apiKeyID uuid.UUID, from, to time.Time) ([]DailyRollup, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+dailyRollupColumns+` FROM daily_rollup
		WHERE api_key_id = $1 AND date BETWEEN $2 AND $3
		ORDER BY date ASC`, apiKeyID, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing daily rollups: %w", err)
	}
	defer rows.Close()

	var items []DailyRollup
	for rows.Next() {
		r, err := scanDailyRollup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning daily rollup row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating daily rollup rows: %w", err)
	}
	return items, nil
}
