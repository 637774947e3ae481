package validation

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidRegistry = errors.New("validation: invalid schema registry")

// FieldType is the wire type a parameter must carry.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeBool   FieldType = "bool"
)

// Format is an optional well-known string format check.
type Format string

const (
	FormatNone Format = ""
	FormatUUID Format = "uuid"
	FormatIP   Format = "ip"
	FormatURL  Format = "url"
)

// Class drives the security-scan policy: identifier-like fields are rejected
// outright on a suspicious match, free-text fields are sanitized by stripping
// the offending substrings.
type Class string

const (
	ClassIdentifier Class = "identifier"
	ClassFreeText   Class = "free-text"
)

// Field describes one parameter of an operation schema.
type Field struct {
	Type     FieldType
	Required bool
	MinLen   int
	MaxLen   int
	Min      *int64
	Max      *int64
	Enum     []string
	Format   Format
	Class    Class
}

// Schema is the per-operation field map keyed by parameter name.
type Schema map[string]Field

// FieldError names one offending field and why it was rejected.
type FieldError struct {
	Field  string
	Reason string
}

// Error enumerates every offending field of a request, not just the first.
type Error struct {
	Operation string
	Fields    []FieldError
}

func (e *Error) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Reason))
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Operation, strings.Join(parts, "; "))
}

// IsValidationError reports whether err is a pipeline rejection.
func IsValidationError(err error) bool {
	var verr *Error
	return errors.As(err, &verr)
}
