package audit

import (
	"context"
	"time"
)

// Event types emitted across the gateway. Dotted "domain.verb" names keep the
// stream greppable.
const (
	EventValidationAccepted = "validation.accepted"
	EventValidationRejected = "validation.rejected"

	EventConfirmationRequested = "confirmation.requested"
	EventConfirmationConfirmed = "confirmation.confirmed"
	EventConfirmationMismatch  = "confirmation.mismatch"
	EventConfirmationExpired   = "confirmation.expired"
	EventConfirmationCancelled = "confirmation.cancelled"
	EventConfirmationReplayed  = "confirmation.replayed"
	EventConfirmationBypassed  = "confirmation.bypassed"
	EventConfirmationSwept     = "confirmation.swept"

	EventRequestSigned       = "request.signed"
	EventSigningFailed       = "request.signing-failed"
	EventCredentialLoaded    = "credential.loaded"
	EventCredentialRotated   = "credential.rotated"
	EventCredentialValidated = "credential.validated"
	EventAuthFailure         = "auth.failure"
	EventUpstreamRejected    = "upstream.rejected"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// Event is one audit record. CorrelationID links every event belonging to a
// single logical operation across validation, confirmation, and signing.
type Event struct {
	Timestamp     time.Time
	EventType     string
	Severity      string
	Source        string
	User          string
	Action        string
	Resource      string
	Result        string
	CorrelationID string
	Details       map[string]any
}

// Recorder is the sink interface the rest of the gateway emits through.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// securityEventTypes are routed to the distinguished long-retention stream.
var securityEventTypes = map[string]struct{}{
	EventValidationRejected:   {},
	EventConfirmationMismatch: {},
	EventConfirmationReplayed: {},
	EventConfirmationBypassed: {},
	EventAuthFailure:          {},
}

func isSecurityEvent(eventType string) bool {
	_, ok := securityEventTypes[eventType]
	return ok
}
