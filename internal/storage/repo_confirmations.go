package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type confirmationRepository struct {
	db *sql.DB
}

func (r *confirmationRepository) Archive(ctx context.Context, record *ConsumedConfirmation) error {
	if record == nil {
		return fmt.Errorf("archive confirmation: record is nil")
	}
	if record.ActionID == "" {
		return fmt.Errorf("archive confirmation: action id is required")
	}
	if record.Operation == "" {
		return fmt.Errorf("archive confirmation: operation is required")
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO consumed_confirmations(
			action_id, operation, severity, state, correlation_id, requested_at, resolved_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, record.ActionID, record.Operation, record.Severity, record.State, record.CorrelationID,
		fmtTime(record.RequestedAt), fmtTime(record.ResolvedAt))
	if err != nil {
		return fmt.Errorf("archive confirmation: %w", err)
	}
	return nil
}

func (r *confirmationRepository) ListSince(ctx context.Context, since time.Time) ([]ConsumedConfirmation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT action_id, operation, severity, state, correlation_id, requested_at, resolved_at
		FROM consumed_confirmations
		WHERE resolved_at >= ?
		ORDER BY resolved_at ASC
	`, fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("list consumed confirmations: %w", err)
	}
	defer rows.Close()

	out := []ConsumedConfirmation{}
	for rows.Next() {
		var (
			record    ConsumedConfirmation
			requested string
			resolved  string
		)
		if err := rows.Scan(&record.ActionID, &record.Operation, &record.Severity, &record.State,
			&record.CorrelationID, &requested, &resolved); err != nil {
			return nil, fmt.Errorf("list consumed confirmations: scan row: %w", err)
		}
		record.RequestedAt, err = parseTime(requested)
		if err != nil {
			return nil, err
		}
		record.ResolvedAt, err = parseTime(resolved)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list consumed confirmations: iterate: %w", err)
	}
	return out, nil
}

var (
	_ ConfirmationRepository = (*confirmationRepository)(nil)
	_ AuditRepository        = (*auditRepository)(nil)
)
