package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork marks a transient transport failure talking to the
	// CloudStack API. Eligible for bounded retry.
	ErrNetwork = errors.New("gateway: network failure")
	// ErrUpstreamAPI marks a semantic rejection by the CloudStack API.
	// Never retried.
	ErrUpstreamAPI = errors.New("gateway: upstream api error")
	// ErrConfirmationRequired is returned when a dangerous operation is
	// attempted without a confirmed challenge.
	ErrConfirmationRequired = errors.New("gateway: confirmation required")
)

// UpstreamAPIError carries a CloudStack error response verbatim. The code and
// message come from the API; retrying a semantic rejection would repeat the
// same answer, so callers surface it to the operator instead.
type UpstreamAPIError struct {
	Code    int
	Message string
}

func (e *UpstreamAPIError) Error() string {
	return fmt.Sprintf("%v: code %d: %s", ErrUpstreamAPI, e.Code, e.Message)
}

func (e *UpstreamAPIError) Unwrap() error { return ErrUpstreamAPI }

// IsAuthFailure reports whether the upstream rejection is an authentication
// or authorization failure.
func (e *UpstreamAPIError) IsAuthFailure() bool {
	return e.Code == 401 || e.Code == 403
}
