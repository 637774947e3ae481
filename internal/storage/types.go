package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("storage: not found")
	ErrSchemaTooNew = errors.New("storage: schema version newer than code")
)

// AuditEvent is the persisted form of one audit record. Security marks rows
// routed to the long-retention security stream.
type AuditEvent struct {
	ID            string
	Timestamp     time.Time
	EventType     string
	Severity      string
	Source        string
	User          string
	Action        string
	Resource      string
	Result        string
	CorrelationID string
	DetailsJSON   string
	Security      bool
}

type AuditFilter struct {
	EventType     string
	CorrelationID string
	Since         *time.Time
	Until         *time.Time
	Limit         int
}

// ConsumedConfirmation archives a confirmation record once it reaches a
// terminal state, so incident reconstruction outlives the in-memory table.
type ConsumedConfirmation struct {
	ActionID      string
	Operation     string
	Severity      string
	State         string
	CorrelationID string
	RequestedAt   time.Time
	ResolvedAt    time.Time
}

type AuditRepository interface {
	Append(ctx context.Context, event *AuditEvent) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	ListByCorrelation(ctx context.Context, correlationID string) ([]AuditEvent, error)
	PurgeBefore(ctx context.Context, cutoff, securityCutoff time.Time) (int64, error)
}

type ConfirmationRepository interface {
	Archive(ctx context.Context, record *ConsumedConfirmation) error
	ListSince(ctx context.Context, since time.Time) ([]ConsumedConfirmation, error)
}
