package db

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/jackc/pgx/v5/pgtype"
)

const auditLogColumns = `id, tenant_id, api_key_id, action, resource, resource_id, detail, ip_address, user_agent, created_at`

func scanAuditLogEntry(row rowScanner) (AuditLogEntry, error) {
	var e AuditLogEntry
	var ip *netip.Addr
	err := row.Scan(&e.ID, &e.TenantID, &e.ApiKeyID, &e.Action, &e.Resource, &e.ResourceID,
		&e.Detail, &ip, &e.UserAgent, &e.CreatedAt)
	e.IPAddress = ip
	return e, err
}

// CreateAuditLogEntryParams holds parameters for CreateAuditLogEntry.
type CreateAuditLogEntryParams struct {
	TenantID   pgtype.UUID
	ApiKeyID   pgtype.UUID
	Action     string
	Resource   string
	ResourceID pgtype.UUID
	Detail     []byte
	IPAddress  *netip.Addr
	UserAgent  *string
}

// CreateAuditLogEntry inserts one audit trail entry for an operator action
// (RetryWebhook / DeleteWebhook / Resolve(deadLetterId), per SPEC_FULL.md §4).
func (q *Queries) CreateAuditLogEntry(ctx context.Context, p CreateAuditLogEntryParams) (AuditLogEntry, error) {
	var userAgent pgtype.Text
	if p.UserAgent != nil {
		userAgent = pgtype.Text{String: *p.UserAgent, Valid: true}
	}
	row := q.db.QueryRow(ctx, `
		INSERT INTO audit_log (tenant_id, api_key_id, action, resource, resource_id, detail, ip_address, user_agent)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING `+auditLogColumns,
		p.TenantID, p.ApiKeyID, p.Action, p.Resource, p.ResourceID, p.Detail, p.IPAddress, userAgent,
	)
	e, err := scanAuditLogEntry(row)
	if err != nil {
		return AuditLogEntry{}, fmt.Errorf("creating audit log entry: %w", err)
	}
	return e, nil
}

// ListAuditLogParams holds pagination parameters for ListAuditLog.
type ListAuditLogParams struct {
	Limit  int32
	Offset int32
}

// ListAuditLog returns audit log entries newest first.
func (q *Queries) ListAuditLog(ctx context.Context, p ListAuditLogParams) ([]AuditLogEntry, error) {
	rows, err := q.db.Query(ctx, `SELECT `+auditLogColumns+` FROM audit_log ORDER BY created_at DESC LIMIT $1 OFFSET $2`, p.Limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	defer rows.Close()

	var items []AuditLogEntry
	for rows.Next() {
		e, err := scanAuditLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit log entry: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit log entries: %w", err)
	}
	return items, nil
}
