// Package validation checks and sanitizes every inbound parameter set before
// it reaches the request signer or any logging sink.
//
// Validation runs in two stages. Stage one applies the per-operation schema:
// types, required fields, bounds, enum membership, and format checks. Stage
// two scans every string, including nested objects and arrays, for known
// injection classes. Identifier-like fields are rejected outright on a
// suspicious match; free-text fields are sanitized by stripping the offending
// substrings so a hazardous description does not fail the whole request.
package validation

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Pipeline validates raw operation parameters against the registry.
type Pipeline struct {
	registry *Registry
}

func NewPipeline(registry *Registry) (*Pipeline, error) {
	if registry == nil {
		return nil, fmt.Errorf("new validation pipeline: registry is nil")
	}
	if err := registry.Check(); err != nil {
		return nil, fmt.Errorf("new validation pipeline: %w", err)
	}
	return &Pipeline{registry: registry}, nil
}

// Validate returns the sanitized parameter set, or an *Error listing every
// offending field. The input map is never mutated.
func (p *Pipeline) Validate(operation string, raw map[string]any) (map[string]any, error) {
	if operation == "" {
		return nil, &Error{Operation: operation, Fields: []FieldError{{Field: "operation", Reason: "operation name is required"}}}
	}

	schema, hasSchema := p.registry.Schema(operation)

	var fieldErrors []FieldError
	sanitized := make(map[string]any, len(raw))

	if hasSchema {
		for _, name := range sortedFieldNames(schema) {
			field := schema[name]
			value, present := raw[name]
			if !present {
				if field.Required {
					fieldErrors = append(fieldErrors, FieldError{Field: name, Reason: "required field is missing"})
				}
				continue
			}
			clean, errs := checkValue(name, field, value)
			if len(errs) > 0 {
				fieldErrors = append(fieldErrors, errs...)
				continue
			}
			sanitized[name] = clean
		}
	}

	// Parameters outside the schema (or every parameter for scan-only
	// operations) are treated as identifiers: reject on any threat.
	for _, name := range sortedRawNames(raw) {
		if hasSchema {
			if _, known := schema[name]; known {
				continue
			}
		}
		value := raw[name]
		if reason := scanString(name); reason != "" {
			fieldErrors = append(fieldErrors, FieldError{Field: name, Reason: "suspicious parameter name: " + reason})
			continue
		}
		if reason := scanValue(value, 0); reason != "" {
			fieldErrors = append(fieldErrors, FieldError{Field: name, Reason: reason})
			continue
		}
		sanitized[name] = value
	}

	if len(fieldErrors) > 0 {
		return nil, &Error{Operation: operation, Fields: fieldErrors}
	}
	return sanitized, nil
}

func checkValue(name string, field Field, value any) (any, []FieldError) {
	switch field.Type {
	case TypeString:
		return checkStringValue(name, field, value)
	case TypeInt:
		return checkIntValue(name, field, value)
	case TypeBool:
		if _, ok := value.(bool); !ok {
			return nil, []FieldError{{Field: name, Reason: "expected bool"}}
		}
		return value, nil
	default:
		return nil, []FieldError{{Field: name, Reason: fmt.Sprintf("unsupported type %q", field.Type)}}
	}
}

func checkStringValue(name string, field Field, value any) (any, []FieldError) {
	str, ok := value.(string)
	if !ok {
		return nil, []FieldError{{Field: name, Reason: "expected string"}}
	}

	var errs []FieldError
	if field.MinLen > 0 && len(str) < field.MinLen {
		errs = append(errs, FieldError{Field: name, Reason: fmt.Sprintf("shorter than %d characters", field.MinLen)})
	}
	if field.MaxLen > 0 && len(str) > field.MaxLen {
		errs = append(errs, FieldError{Field: name, Reason: fmt.Sprintf("longer than %d characters", field.MaxLen)})
	}
	if len(field.Enum) > 0 && !containsString(field.Enum, str) {
		errs = append(errs, FieldError{Field: name, Reason: fmt.Sprintf("must be one of %s", strings.Join(field.Enum, ", "))})
	}
	if reason := checkFormat(field.Format, str); reason != "" {
		errs = append(errs, FieldError{Field: name, Reason: reason})
	}
	if len(errs) > 0 {
		return nil, errs
	}

	switch field.Class {
	case ClassFreeText:
		return stripString(str), nil
	default:
		if reason := scanString(str); reason != "" {
			return nil, []FieldError{{Field: name, Reason: reason}}
		}
		return str, nil
	}
}

func checkIntValue(name string, field Field, value any) (any, []FieldError) {
	parsed, ok := toInt64(value)
	if !ok {
		return nil, []FieldError{{Field: name, Reason: "expected integer"}}
	}

	var errs []FieldError
	if field.Min != nil && parsed < *field.Min {
		errs = append(errs, FieldError{Field: name, Reason: fmt.Sprintf("below minimum %d", *field.Min)})
	}
	if field.Max != nil && parsed > *field.Max {
		errs = append(errs, FieldError{Field: name, Reason: fmt.Sprintf("above maximum %d", *field.Max)})
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return parsed, nil
}

func checkFormat(format Format, value string) string {
	switch format {
	case FormatNone:
		return ""
	case FormatUUID:
		if _, err := uuid.Parse(value); err != nil {
			return "not a valid uuid"
		}
	case FormatIP:
		if net.ParseIP(value) == nil {
			return "not a valid ip address"
		}
	case FormatURL:
		parsed, err := url.ParseRequestURI(value)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return "not a valid http(s) url"
		}
	}
	return ""
}

func toInt64(value any) (int64, bool) {
	switch typed := value.(type) {
	case int:
		return int64(typed), true
	case int64:
		return typed, true
	case float64:
		if typed != float64(int64(typed)) {
			return 0, false
		}
		return int64(typed), true
	case string:
		parsed, err := strconv.ParseInt(typed, 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func sortedFieldNames(schema Schema) []string {
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedRawNames(raw map[string]any) []string {
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
