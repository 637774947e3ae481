// Package guard gates irreversible operations behind an explicit,
// time-bounded, exactly-matched human confirmation.
//
// A pending record moves through None -> PendingConfirmation ->
// {Confirmed, Expired, Cancelled}. Consumption is a one-time transition;
// terminal records are archived and swept after a retention window.
package guard

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/audit"
	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/storage"
)

const (
	// DefaultTTL is the validity window of a pending confirmation.
	DefaultTTL = 5 * time.Minute
	// DefaultRetention is how long terminal records stay visible to Sweep.
	DefaultRetention = 24 * time.Hour
)

var (
	ErrMismatch         = errors.New("confirmation phrase mismatch")
	ErrExpired          = errors.New("confirmation expired")
	ErrAlreadyConfirmed = errors.New("confirmation already consumed")
	ErrCancelled        = errors.New("confirmation cancelled")
	ErrUnknownAction    = errors.New("unknown action id")
)

type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

// Challenge is handed back to the caller of a dangerous operation: it names
// the exact phrase that must be supplied before the expiry.
type Challenge struct {
	ActionID       string
	Operation      string
	Severity       Severity
	RequiredPhrase string
	CorrelationID  string
	RequestedAt    time.Time
	ExpiresAt      time.Time
}

// Confirmation reports a successful consumption.
type Confirmation struct {
	ActionID      string
	Operation     string
	Severity      Severity
	CorrelationID string
	ConfirmedAt   time.Time
}

type record struct {
	Challenge
	state      State
	resolvedAt time.Time
}

// Guard owns the pending-confirmation table. All state transitions for any
// action ID are serialized under one mutex so two concurrent Confirm calls
// cannot both consume the same record.
type Guard struct {
	mu      sync.Mutex
	pending map[string]*record

	clock     func() time.Time
	ttl       time.Duration
	retention time.Duration
	bypass    map[string]struct{}
	trail     audit.Recorder
	archive   storage.ConfirmationRepository
}

type Option func(*Guard)

// WithClock injects the time source so expiry is deterministically testable.
func WithClock(clock func() time.Time) Option {
	return func(g *Guard) { g.clock = clock }
}

func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

func WithRetention(retention time.Duration) Option {
	return func(g *Guard) {
		if retention > 0 {
			g.retention = retention
		}
	}
}

// WithBypassEnvironments sets the explicit allow-list of environment names
// permitted to skip phrase matching. There is no implicit default; an empty
// list disables bypass entirely.
func WithBypassEnvironments(environments []string) Option {
	return func(g *Guard) {
		for _, env := range environments {
			if env != "" {
				g.bypass[env] = struct{}{}
			}
		}
	}
}

// WithArchive mirrors terminal records into the store before they are purged
// from memory.
func WithArchive(archive storage.ConfirmationRepository) Option {
	return func(g *Guard) { g.archive = archive }
}

func New(trail audit.Recorder, opts ...Option) (*Guard, error) {
	if trail == nil {
		return nil, fmt.Errorf("new guard: audit recorder is nil")
	}
	g := &Guard{
		pending:   map[string]*record{},
		clock:     time.Now,
		ttl:       DefaultTTL,
		retention: DefaultRetention,
		bypass:    map[string]struct{}{},
		trail:     trail,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// RequestConfirmation opens a pending record and returns the challenge the
// caller must echo back. The phrase is deterministic per operation severity.
func (g *Guard) RequestConfirmation(ctx context.Context, operation string, severity Severity, correlationID string) (Challenge, error) {
	if operation == "" {
		return Challenge{}, fmt.Errorf("request confirmation: operation is required")
	}
	if err := validSeverity(severity); err != nil {
		return Challenge{}, fmt.Errorf("request confirmation: %w", err)
	}

	now := g.clock().UTC()
	challenge := Challenge{
		ActionID:       uuid.NewString(),
		Operation:      operation,
		Severity:       severity,
		RequiredPhrase: RequiredPhrase(severity),
		CorrelationID:  correlationID,
		RequestedAt:    now,
		ExpiresAt:      now.Add(g.ttl),
	}

	g.mu.Lock()
	g.pending[challenge.ActionID] = &record{Challenge: challenge, state: StatePending}
	g.mu.Unlock()

	g.trail.Record(ctx, audit.Event{
		EventType:     audit.EventConfirmationRequested,
		Severity:      auditSeverity(severity),
		Action:        operation,
		Resource:      challenge.ActionID,
		CorrelationID: correlationID,
		Details: map[string]any{
			"required_phrase": challenge.RequiredPhrase,
			"expires_at":      challenge.ExpiresAt.Format(time.RFC3339),
		},
	})
	return challenge, nil
}

// Confirm consumes the pending record if suppliedText exactly matches the
// required phrase. Expiry and consumption are checked under the same lock as
// the transition itself, so there is no gap between check and use.
func (g *Guard) Confirm(ctx context.Context, actionID, suppliedText string) (Confirmation, error) {
	now := g.clock().UTC()

	g.mu.Lock()
	rec, ok := g.pending[actionID]
	if !ok {
		g.mu.Unlock()
		g.recordDenied(ctx, audit.EventConfirmationMismatch, actionID, "", "", "unknown action id")
		return Confirmation{}, fmt.Errorf("confirm %s: %w", actionID, ErrUnknownAction)
	}

	switch rec.state {
	case StateConfirmed:
		op, corr := rec.Operation, rec.CorrelationID
		g.mu.Unlock()
		g.recordDenied(ctx, audit.EventConfirmationReplayed, actionID, op, corr, "record already consumed")
		return Confirmation{}, fmt.Errorf("confirm %s: %w", actionID, ErrAlreadyConfirmed)
	case StateCancelled:
		op, corr := rec.Operation, rec.CorrelationID
		g.mu.Unlock()
		g.recordDenied(ctx, audit.EventConfirmationMismatch, actionID, op, corr, "record cancelled")
		return Confirmation{}, fmt.Errorf("confirm %s: %w", actionID, ErrCancelled)
	case StateExpired:
		op, corr := rec.Operation, rec.CorrelationID
		g.mu.Unlock()
		g.recordDenied(ctx, audit.EventConfirmationExpired, actionID, op, corr, "record expired")
		return Confirmation{}, fmt.Errorf("confirm %s: %w", actionID, ErrExpired)
	}

	if now.After(rec.ExpiresAt) {
		rec.state = StateExpired
		rec.resolvedAt = now
		op, corr := rec.Operation, rec.CorrelationID
		g.archiveLocked(ctx, rec)
		g.mu.Unlock()
		g.recordDenied(ctx, audit.EventConfirmationExpired, actionID, op, corr, "ttl elapsed")
		return Confirmation{}, fmt.Errorf("confirm %s: %w", actionID, ErrExpired)
	}

	if subtle.ConstantTimeCompare([]byte(rec.RequiredPhrase), []byte(suppliedText)) != 1 {
		op, corr := rec.Operation, rec.CorrelationID
		g.mu.Unlock()
		g.recordDenied(ctx, audit.EventConfirmationMismatch, actionID, op, corr, "supplied text does not match required phrase")
		return Confirmation{}, fmt.Errorf("confirm %s: %w", actionID, ErrMismatch)
	}

	rec.state = StateConfirmed
	rec.resolvedAt = now
	confirmation := Confirmation{
		ActionID:      rec.ActionID,
		Operation:     rec.Operation,
		Severity:      rec.Severity,
		CorrelationID: rec.CorrelationID,
		ConfirmedAt:   now,
	}
	g.archiveLocked(ctx, rec)
	g.mu.Unlock()

	g.trail.Record(ctx, audit.Event{
		EventType:     audit.EventConfirmationConfirmed,
		Severity:      auditSeverity(confirmation.Severity),
		Action:        confirmation.Operation,
		Resource:      actionID,
		CorrelationID: confirmation.CorrelationID,
	})
	return confirmation, nil
}

// Cancel aborts a pending record before it is consumed.
func (g *Guard) Cancel(ctx context.Context, actionID string) error {
	now := g.clock().UTC()

	g.mu.Lock()
	rec, ok := g.pending[actionID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", actionID, ErrUnknownAction)
	}
	if rec.state != StatePending {
		state := rec.state
		g.mu.Unlock()
		return fmt.Errorf("cancel %s: record is %s", actionID, state)
	}
	rec.state = StateCancelled
	rec.resolvedAt = now
	op, corr := rec.Operation, rec.CorrelationID
	g.archiveLocked(ctx, rec)
	g.mu.Unlock()

	g.trail.Record(ctx, audit.Event{
		EventType:     audit.EventConfirmationCancelled,
		Action:        op,
		Resource:      actionID,
		CorrelationID: corr,
	})
	return nil
}

// BypassAllowed reports whether environment is on the explicit allow-list.
func (g *Guard) BypassAllowed(environment string) bool {
	_, ok := g.bypass[environment]
	return ok
}

// RecordBypass audits one use of the environment bypass. Callers must invoke
// it every time BypassAllowed short-circuits a confirmation.
func (g *Guard) RecordBypass(ctx context.Context, operation string, severity Severity, environment, correlationID string) {
	g.trail.Record(ctx, audit.Event{
		EventType:     audit.EventConfirmationBypassed,
		Severity:      audit.SeverityWarning,
		Action:        operation,
		CorrelationID: correlationID,
		Details: map[string]any{
			"environment": environment,
			"severity":    string(severity),
		},
	})
}

// Sweep expires overdue pending records and removes terminal records past
// the retention window. It returns the number of records purged.
func (g *Guard) Sweep(ctx context.Context) int {
	now := g.clock().UTC()

	g.mu.Lock()
	purged := 0
	for actionID, rec := range g.pending {
		if rec.state == StatePending && now.After(rec.ExpiresAt) {
			rec.state = StateExpired
			rec.resolvedAt = now
			g.archiveLocked(ctx, rec)
		}
		if rec.state != StatePending && now.Sub(rec.resolvedAt) > g.retention {
			delete(g.pending, actionID)
			purged++
		}
	}
	g.mu.Unlock()

	if purged > 0 {
		g.trail.Record(ctx, audit.Event{
			EventType: audit.EventConfirmationSwept,
			Details:   map[string]any{"purged": purged},
		})
	}
	return purged
}

// PendingCount reports live (non-terminal) records, for operational surfaces.
func (g *Guard) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	count := 0
	for _, rec := range g.pending {
		if rec.state == StatePending {
			count++
		}
	}
	return count
}

// archiveLocked mirrors a terminal record into the store. Archive failures
// are tolerated; the in-memory transition already happened.
func (g *Guard) archiveLocked(ctx context.Context, rec *record) {
	if g.archive == nil {
		return
	}
	_ = g.archive.Archive(ctx, &storage.ConsumedConfirmation{
		ActionID:      rec.ActionID,
		Operation:     rec.Operation,
		Severity:      string(rec.Severity),
		State:         string(rec.state),
		CorrelationID: rec.CorrelationID,
		RequestedAt:   rec.RequestedAt,
		ResolvedAt:    rec.resolvedAt,
	})
}

func (g *Guard) recordDenied(ctx context.Context, eventType, actionID, operation, correlationID, reason string) {
	g.trail.Record(ctx, audit.Event{
		EventType:     eventType,
		Severity:      audit.SeverityWarning,
		Action:        operation,
		Resource:      actionID,
		Result:        audit.ResultDenied,
		CorrelationID: correlationID,
		Details:       map[string]any{"reason": reason},
	})
}

// RequiredPhrase is deterministic per severity so callers can document the
// exact text operators must type.
func RequiredPhrase(severity Severity) string {
	switch severity {
	case SeverityCritical:
		return "destroy permanently"
	case SeverityHigh:
		return "delete permanently"
	case SeverityMedium:
		return "confirm change"
	default:
		return "confirm"
	}
}

func validSeverity(severity Severity) error {
	switch severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("unknown severity %q", severity)
	}
}

func auditSeverity(severity Severity) string {
	switch severity {
	case SeverityCritical, SeverityHigh:
		return audit.SeverityWarning
	default:
		return audit.SeverityInfo
	}
}
