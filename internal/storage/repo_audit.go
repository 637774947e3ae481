package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type auditRepository struct {
	db *sql.DB
}

func (r *auditRepository) Append(ctx context.Context, event *AuditEvent) error {
	if event == nil {
		return fmt.Errorf("append audit event: event is nil")
	}
	if event.EventType == "" {
		return fmt.Errorf("append audit event: event type is required")
	}
	event.ID = ensureID(event.ID)
	if event.Timestamp.IsZero() {
		event.Timestamp = nowUTC()
	}
	if event.DetailsJSON == "" {
		event.DetailsJSON = "{}"
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events(
			id, timestamp, event_type, severity, source, user, action, resource, result, correlation_id, details_json, security
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, fmtTime(event.Timestamp), event.EventType, event.Severity, event.Source, event.User,
		event.Action, event.Resource, event.Result, event.CorrelationID, event.DetailsJSON, boolToInt(event.Security))
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (r *auditRepository) List(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	query := selectAuditColumns + ` WHERE 1=1 `
	args := make([]any, 0, 5)
	if filter.EventType != "" {
		query += ` AND event_type = ? `
		args = append(args, filter.EventType)
	}
	if filter.CorrelationID != "" {
		query += ` AND correlation_id = ? `
		args = append(args, filter.CorrelationID)
	}
	if filter.Since != nil {
		query += ` AND timestamp >= ? `
		args = append(args, fmtTime(*filter.Since))
	}
	if filter.Until != nil {
		query += ` AND timestamp <= ? `
		args = append(args, fmtTime(*filter.Until))
	}
	query += ` ORDER BY timestamp ASC, rowid ASC LIMIT ? `
	args = append(args, limit)

	return r.query(ctx, query, args...)
}

func (r *auditRepository) ListByCorrelation(ctx context.Context, correlationID string) ([]AuditEvent, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("list by correlation: correlation id is required")
	}
	return r.query(ctx, selectAuditColumns+` WHERE correlation_id = ? ORDER BY timestamp ASC, rowid ASC`, correlationID)
}

// PurgeBefore deletes operational rows older than cutoff and security rows
// older than securityCutoff. Security rows get the longer window.
func (r *auditRepository) PurgeBefore(ctx context.Context, cutoff, securityCutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM audit_events
		WHERE (security = 0 AND timestamp < ?)
		   OR (security = 1 AND timestamp < ?)
	`, fmtTime(cutoff), fmtTime(securityCutoff))
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge audit events: rows affected: %w", err)
	}
	return count, nil
}

const selectAuditColumns = `
	SELECT
		id,
		timestamp,
		event_type,
		COALESCE(severity, ''),
		COALESCE(source, ''),
		COALESCE(user, ''),
		COALESCE(action, ''),
		COALESCE(resource, ''),
		COALESCE(result, ''),
		COALESCE(correlation_id, ''),
		COALESCE(details_json, '{}'),
		security
	FROM audit_events
`

func (r *auditRepository) query(ctx context.Context, query string, args ...any) ([]AuditEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	events := []AuditEvent{}
	for rows.Next() {
		var (
			event    AuditEvent
			ts       string
			security int
		)
		if err := rows.Scan(
			&event.ID,
			&ts,
			&event.EventType,
			&event.Severity,
			&event.Source,
			&event.User,
			&event.Action,
			&event.Resource,
			&event.Result,
			&event.CorrelationID,
			&event.DetailsJSON,
			&security,
		); err != nil {
			return nil, fmt.Errorf("list audit events: scan row: %w", err)
		}
		event.Timestamp, err = parseTime(ts)
		if err != nil {
			return nil, err
		}
		event.Security = security != 0
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit events: iterate: %w", err)
	}
	return events, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
