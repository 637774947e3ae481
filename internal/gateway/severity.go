package gateway

import (
	"strings"

	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/guard"
)

// severityByVerb classifies CloudStack operations by their verb prefix.
// Irreversible data loss is critical, reversible-but-disruptive is high or
// medium, and read or create verbs pass through unguarded.
var severityByVerb = []struct {
	prefix   string
	severity guard.Severity
}{
	{"destroy", guard.SeverityCritical},
	{"expunge", guard.SeverityCritical},
	{"purge", guard.SeverityCritical},
	{"delete", guard.SeverityHigh},
	{"remove", guard.SeverityHigh},
	{"revoke", guard.SeverityHigh},
	{"release", guard.SeverityHigh},
	{"stop", guard.SeverityMedium},
	{"reboot", guard.SeverityMedium},
	{"restart", guard.SeverityMedium},
	{"scale", guard.SeverityMedium},
	{"migrate", guard.SeverityMedium},
	{"restore", guard.SeverityMedium},
	{"detach", guard.SeverityMedium},
	{"disable", guard.SeverityMedium},
}

// Classify returns the confirmation severity for operation. Unrecognized
// verbs are low severity and bypass the guard entirely.
func Classify(operation string) guard.Severity {
	lowered := strings.ToLower(operation)
	for _, entry := range severityByVerb {
		if strings.HasPrefix(lowered, entry.prefix) {
			return entry.severity
		}
	}
	return guard.SeverityLow
}
