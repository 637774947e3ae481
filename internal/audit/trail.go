// Package audit provides the append-only, correlation-tagged event trail
// shared by every gateway component.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/storage"
)

// Trail writes newline-delimited JSON records to the operational stream and
// mirrors them into the store for correlation queries. Security-relevant
// events additionally land on a distinguished stream with longer retention.
//
// Persistence failures degrade gracefully: they are logged and swallowed so
// an audit outage never aborts the caller's operation.
type Trail struct {
	mu          sync.Mutex
	out         io.Writer
	securityOut io.Writer
	repo        storage.AuditRepository
	logger      *slog.Logger
	clock       func() time.Time
}

type Options struct {
	// Out receives every record; required.
	Out io.Writer
	// SecurityOut receives security-relevant records in addition to Out.
	// Optional; falls back to Out.
	SecurityOut io.Writer
	// Repo mirrors records for Correlate queries. Optional.
	Repo storage.AuditRepository
	// Logger receives persistence failure notices. Required.
	Logger *slog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

func NewTrail(opts Options) (*Trail, error) {
	if opts.Out == nil {
		return nil, fmt.Errorf("new audit trail: output writer is nil")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("new audit trail: logger is nil")
	}
	securityOut := opts.SecurityOut
	if securityOut == nil {
		securityOut = opts.Out
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Trail{
		out:         opts.Out,
		securityOut: securityOut,
		repo:        opts.Repo,
		logger:      opts.Logger,
		clock:       clock,
	}, nil
}

// record is the wire form of one NDJSON line.
type record struct {
	Timestamp     int64          `json:"timestamp"`
	TimestampISO  string         `json:"timestamp_iso"`
	EventType     string         `json:"eventType"`
	Severity      string         `json:"severity"`
	Source        string         `json:"source"`
	User          string         `json:"user"`
	Action        string         `json:"action"`
	Resource      string         `json:"resource"`
	Result        string         `json:"result"`
	CorrelationID string         `json:"correlationId"`
	Details       map[string]any `json:"details"`
}

// Record appends event to the trail. It never returns an error and never
// panics the caller's operation.
func (t *Trail) Record(ctx context.Context, event Event) {
	if strings.TrimSpace(event.EventType) == "" {
		t.logger.Warn("audit event dropped: empty event type")
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = t.clock().UTC()
	} else {
		event.Timestamp = event.Timestamp.UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if event.Source == "" {
		event.Source = "gateway"
	}
	if event.Result == "" {
		event.Result = ResultSuccess
	}

	details := scrubDetails(event.Details)
	line, err := json.Marshal(record{
		Timestamp:     event.Timestamp.UnixMilli(),
		TimestampISO:  event.Timestamp.Format(time.RFC3339Nano),
		EventType:     event.EventType,
		Severity:      event.Severity,
		Source:        event.Source,
		User:          event.User,
		Action:        event.Action,
		Resource:      event.Resource,
		Result:        event.Result,
		CorrelationID: event.CorrelationID,
		Details:       details,
	})
	if err != nil {
		t.logger.Warn("audit event dropped: marshal failed", "event_type", event.EventType, "error", err.Error())
		return
	}
	line = append(line, '\n')

	security := isSecurityEvent(event.EventType)

	t.mu.Lock()
	if _, err := t.out.Write(line); err != nil {
		t.logger.Warn("audit stream write failed", "event_type", event.EventType, "error", err.Error())
	}
	if security && t.securityOut != t.out {
		if _, err := t.securityOut.Write(line); err != nil {
			t.logger.Warn("security audit stream write failed", "event_type", event.EventType, "error", err.Error())
		}
	}
	t.mu.Unlock()

	if t.repo == nil {
		return
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		detailsJSON = []byte("{}")
	}
	if err := t.repo.Append(ctx, &storage.AuditEvent{
		Timestamp:     event.Timestamp,
		EventType:     event.EventType,
		Severity:      event.Severity,
		Source:        event.Source,
		User:          event.User,
		Action:        event.Action,
		Resource:      event.Resource,
		Result:        event.Result,
		CorrelationID: event.CorrelationID,
		DetailsJSON:   string(detailsJSON),
		Security:      security,
	}); err != nil {
		t.logger.Warn("audit store append failed", "event_type", event.EventType, "error", err.Error())
	}
}

// Correlate returns every stored event for one correlation ID ordered by
// time, supporting incident reconstruction across a full operation lifecycle.
func (t *Trail) Correlate(ctx context.Context, correlationID string) ([]Event, error) {
	if t.repo == nil {
		return nil, fmt.Errorf("correlate: no audit store configured")
	}
	stored, err := t.repo.ListByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("correlate %s: %w", correlationID, err)
	}

	out := make([]Event, 0, len(stored))
	for _, row := range stored {
		details := map[string]any{}
		if row.DetailsJSON != "" {
			// Rows written by this trail always hold valid JSON; an
			// undecodable payload is preserved raw rather than dropped.
			if err := json.Unmarshal([]byte(row.DetailsJSON), &details); err != nil {
				details = map[string]any{"raw": row.DetailsJSON}
			}
		}
		out = append(out, Event{
			Timestamp:     row.Timestamp,
			EventType:     row.EventType,
			Severity:      row.Severity,
			Source:        row.Source,
			User:          row.User,
			Action:        row.Action,
			Resource:      row.Resource,
			Result:        row.Result,
			CorrelationID: row.CorrelationID,
			Details:       details,
		})
	}
	return out, nil
}

// PurgeBefore applies retention-driven rotation to the store. Security rows
// get the longer securityCutoff window.
func (t *Trail) PurgeBefore(ctx context.Context, cutoff, securityCutoff time.Time) (int64, error) {
	if t.repo == nil {
		return 0, nil
	}
	return t.repo.PurgeBefore(ctx, cutoff, securityCutoff)
}

var sensitiveDetailPatterns = []string{
	"secret", "passphrase", "password", "token",
	"credential", "api_key", "apikey", "secret_key",
	"secretkey", "access_token", "private_key", "signature",
}

func isSensitiveDetailKey(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	for _, pattern := range sensitiveDetailPatterns {
		if strings.Contains(normalized, pattern) {
			return true
		}
	}
	return false
}

// scrubDetails drops sensitive keys from the payload before it touches any
// sink. Nested maps and slices are walked; the input is never mutated.
func scrubDetails(details map[string]any) map[string]any {
	if details == nil {
		return map[string]any{}
	}
	clean, _ := scrubValue(details).(map[string]any)
	if clean == nil {
		return map[string]any{}
	}
	return clean
}

func scrubValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		clean := make(map[string]any, len(typed))
		for key, nested := range typed {
			if isSensitiveDetailKey(key) {
				continue
			}
			clean[key] = scrubValue(nested)
		}
		return clean
	case []any:
		out := make([]any, 0, len(typed))
		for _, nested := range typed {
			out = append(out, scrubValue(nested))
		}
		return out
	default:
		return value
	}
}
