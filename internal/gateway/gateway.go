// Package gateway composes validation, confirmation, credential access, and
// request signing into the single surface callers use to reach the
// CloudStack API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/audit"
	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/guard"
	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/signer"
	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/validation"
	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/vault"
)

// Invoker delivers a signed request to the CloudStack endpoint. It returns
// nil on success, a *UpstreamAPIError for a semantic rejection, and an
// ErrNetwork-wrapped error for transport failures.
type Invoker interface {
	Invoke(ctx context.Context, creds vault.Credentials, req signer.SignedRequest) error
}

// Gateway is the secure operation facade. Every request passes validation,
// then the confirmation guard for dangerous verbs, then signing; each step
// lands on the audit trail under one correlation ID.
type Gateway struct {
	pipeline *validation.Pipeline
	guard    *guard.Guard
	trail    audit.Recorder
	vault    *vault.Vault
	invoker  Invoker
	sleep    func(time.Duration)
}

type Options struct {
	Pipeline *validation.Pipeline
	Guard    *guard.Guard
	Trail    audit.Recorder
	Vault    *vault.Vault
	// Invoker is optional; without one, Execute stops after signing.
	Invoker Invoker
	// Sleep overrides the retry backoff sleep, mainly for tests.
	Sleep func(time.Duration)
}

func New(opts Options) (*Gateway, error) {
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("new gateway: validation pipeline is nil")
	}
	if opts.Guard == nil {
		return nil, fmt.Errorf("new gateway: guard is nil")
	}
	if opts.Trail == nil {
		return nil, fmt.Errorf("new gateway: audit trail is nil")
	}
	if opts.Vault == nil {
		return nil, fmt.Errorf("new gateway: vault is nil")
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Gateway{
		pipeline: opts.Pipeline,
		guard:    opts.Guard,
		trail:    opts.Trail,
		vault:    opts.Vault,
		invoker:  opts.Invoker,
		sleep:    sleep,
	}, nil
}

// Request is one logical CloudStack operation moving through the gateway.
type Request struct {
	Operation   string
	Params      map[string]string
	Environment string
	User        string
	// CorrelationID links the request to an earlier challenge round trip.
	// Minted when empty.
	CorrelationID string
	// ActionID and ConfirmationPhrase answer a previously issued challenge.
	ActionID           string
	ConfirmationPhrase string
}

// Result is the outcome of Execute. At most one of Challenge and Signed is
// set: a non-nil Challenge accompanies ErrConfirmationRequired and tells the
// caller what to confirm before resubmitting.
type Result struct {
	CorrelationID string
	Severity      guard.Severity
	Challenge     *guard.Challenge
	Signed        *signer.SignedRequest
}

// Execute runs the full pipeline: validate, guard, sign, and, when an
// invoker is configured, deliver. Dangerous operations without a confirmed
// challenge stop with ErrConfirmationRequired; the Result carries the
// challenge the caller must answer on resubmission.
func (g *Gateway) Execute(ctx context.Context, req Request) (Result, error) {
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	result := Result{CorrelationID: correlationID}

	sanitized, err := g.Validate(ctx, req.Operation, req.Params, correlationID)
	if err != nil {
		return result, err
	}

	severity := Classify(req.Operation)
	result.Severity = severity

	if severity != guard.SeverityLow {
		switch {
		case g.guard.BypassAllowed(req.Environment):
			g.guard.RecordBypass(ctx, req.Operation, severity, req.Environment, correlationID)
		case req.ActionID == "":
			challenge, err := g.guard.RequestConfirmation(ctx, req.Operation, severity, correlationID)
			if err != nil {
				return result, fmt.Errorf("request confirmation for %s: %w", req.Operation, err)
			}
			result.Challenge = &challenge
			return result, fmt.Errorf("%w: %s is %s severity", ErrConfirmationRequired, req.Operation, severity)
		default:
			confirmation, err := g.guard.Confirm(ctx, req.ActionID, req.ConfirmationPhrase)
			if err != nil {
				return result, err
			}
			if confirmation.Operation != req.Operation {
				return result, fmt.Errorf("%w: confirmation was issued for %s", guard.ErrMismatch, confirmation.Operation)
			}
		}
	}

	signed, err := g.Sign(ctx, req.Operation, sanitized, req.Environment, req.User, correlationID)
	if err != nil {
		return result, err
	}
	result.Signed = &signed

	if g.invoker == nil {
		return result, nil
	}
	creds, err := g.vault.Credentials(req.Environment)
	if err != nil {
		return result, err
	}
	if err := g.invoke(ctx, creds, signed, req, correlationID); err != nil {
		return result, err
	}
	return result, nil
}

// Validate runs the pipeline and records the outcome. The returned map is
// the sanitized parameter set; free-text fields may have had threat content
// stripped, and it is what the signing path must use. The input is never
// mutated.
func (g *Gateway) Validate(ctx context.Context, operation string, params map[string]string, correlationID string) (map[string]string, error) {
	boxed := make(map[string]any, len(params))
	for key, value := range params {
		boxed[key] = value
	}

	sanitized, err := g.pipeline.Validate(operation, boxed)
	if err != nil {
		details := map[string]any{}
		var verr *validation.Error
		if errors.As(err, &verr) {
			reasons := make([]any, 0, len(verr.Fields))
			for _, field := range verr.Fields {
				reasons = append(reasons, map[string]any{"field": field.Field, "reason": field.Reason})
			}
			details["rejections"] = reasons
		}
		g.trail.Record(ctx, audit.Event{
			EventType:     audit.EventValidationRejected,
			Severity:      audit.SeverityWarning,
			Action:        operation,
			Result:        audit.ResultDenied,
			CorrelationID: correlationID,
			Details:       details,
		})
		return nil, err
	}

	g.trail.Record(ctx, audit.Event{
		EventType:     audit.EventValidationAccepted,
		Action:        operation,
		CorrelationID: correlationID,
	})

	out := make(map[string]string, len(sanitized))
	for key, value := range sanitized {
		if s, ok := value.(string); ok {
			out[key] = s
		} else {
			out[key] = params[key]
		}
	}
	return out, nil
}

// Guard classifies operation and either passes it through, records an
// authorized bypass, or issues a confirmation challenge.
func (g *Gateway) Guard(ctx context.Context, operation, environment, correlationID string) (Result, error) {
	severity := Classify(operation)
	result := Result{CorrelationID: correlationID, Severity: severity}
	if severity == guard.SeverityLow {
		return result, nil
	}
	if g.guard.BypassAllowed(environment) {
		g.guard.RecordBypass(ctx, operation, severity, environment, correlationID)
		return result, nil
	}
	challenge, err := g.guard.RequestConfirmation(ctx, operation, severity, correlationID)
	if err != nil {
		return result, fmt.Errorf("request confirmation for %s: %w", operation, err)
	}
	result.Challenge = &challenge
	return result, nil
}

// Confirm resolves a pending challenge.
func (g *Gateway) Confirm(ctx context.Context, actionID, phrase string) (guard.Confirmation, error) {
	return g.guard.Confirm(ctx, actionID, phrase)
}

// Cancel withdraws a pending challenge.
func (g *Gateway) Cancel(ctx context.Context, actionID string) error {
	return g.guard.Cancel(ctx, actionID)
}

// Credentials exposes the vault's per-environment snapshot.
func (g *Gateway) Credentials(environment string) (vault.Credentials, error) {
	return g.vault.Credentials(environment)
}

// Sign produces the signed request for operation. The api key and the json
// response marker are merged in before canonicalization, matching what the
// CloudStack endpoint expects to find under the signature.
func (g *Gateway) Sign(ctx context.Context, operation string, params map[string]string, environment, user, correlationID string) (signer.SignedRequest, error) {
	creds, err := g.vault.Credentials(environment)
	if err != nil {
		return signer.SignedRequest{}, err
	}

	merged := make(map[string]string, len(params)+2)
	for key, value := range params {
		merged[key] = value
	}
	merged["apikey"] = creds.APIKey
	merged["response"] = "json"

	signed, err := signer.Sign(operation, merged, creds.SecretKey())
	if err != nil {
		g.trail.Record(ctx, audit.Event{
			EventType:     audit.EventSigningFailed,
			Severity:      audit.SeverityWarning,
			User:          user,
			Action:        operation,
			Result:        audit.ResultFailure,
			CorrelationID: correlationID,
		})
		return signer.SignedRequest{}, fmt.Errorf("sign %s: %w", operation, err)
	}

	g.trail.Record(ctx, audit.Event{
		EventType:     audit.EventRequestSigned,
		User:          user,
		Action:        operation,
		CorrelationID: correlationID,
		Details:       map[string]any{"environment": creds.Environment, "key_prefix": creds.KeyPrefix()},
	})
	return signed, nil
}

// invoke delivers the signed request with bounded retry. Only transport
// failures are retried; an upstream rejection is final on the first answer.
func (g *Gateway) invoke(ctx context.Context, creds vault.Credentials, signed signer.SignedRequest, req Request, correlationID string) error {
	attempts := creds.Retries
	if attempts <= 0 {
		attempts = vault.DefaultRetries
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := g.invoker.Invoke(ctx, creds, signed)
		if err == nil {
			return nil
		}

		var upstream *UpstreamAPIError
		if errors.As(err, &upstream) {
			eventType := audit.EventUpstreamRejected
			if upstream.IsAuthFailure() {
				eventType = audit.EventAuthFailure
			}
			g.trail.Record(ctx, audit.Event{
				EventType:     eventType,
				Severity:      audit.SeverityWarning,
				User:          req.User,
				Action:        req.Operation,
				Result:        audit.ResultFailure,
				CorrelationID: correlationID,
				Details:       map[string]any{"code": upstream.Code, "message": upstream.Message},
			})
			return err
		}
		if !errors.Is(err, ErrNetwork) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrNetwork, ctx.Err())
		}
		lastErr = err
		if attempt < attempts {
			g.sleep(retryBackoff(attempt))
		}
	}
	return fmt.Errorf("invoke %s failed after %d attempts: %w", req.Operation, attempts, lastErr)
}

func retryBackoff(attempt int) time.Duration {
	d := 250 * time.Millisecond << (attempt - 1)
	if d > 5*time.Second {
		return 5 * time.Second
	}
	return d
}
