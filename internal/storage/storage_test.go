package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRunsMigrations(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	var version string
	err := store.DB().QueryRow(`SELECT value FROM gateway_meta WHERE key = 'schema_version'`).Scan(&version)
	require.NoError(t, err)
	require.Equal(t, "2", version)
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gateway.db")
	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestAuditAppendAndListByCorrelation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, eventType := range []string{"validation.accepted", "confirmation.requested", "confirmation.confirmed"} {
		require.NoError(t, store.Audit.Append(ctx, &AuditEvent{
			Timestamp:     base.Add(time.Duration(i) * time.Second),
			EventType:     eventType,
			Severity:      "info",
			Source:        "gateway",
			Action:        "destroyVirtualMachine",
			Resource:      "vm-1",
			Result:        "success",
			CorrelationID: "corr-1",
		}))
	}
	require.NoError(t, store.Audit.Append(ctx, &AuditEvent{
		EventType:     "validation.accepted",
		CorrelationID: "corr-other",
	}))

	events, err := store.Audit.ListByCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, "validation.accepted", events[0].EventType)
	require.Equal(t, "confirmation.requested", events[1].EventType)
	require.Equal(t, "confirmation.confirmed", events[2].EventType)
}

func TestAuditOrdersSubSecondTimestamps(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	// ".5001" vs ".5": trailing-zero-trimmed encodings would sort these
	// backwards in the TEXT column.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Audit.Append(ctx, &AuditEvent{
		Timestamp:     base.Add(500100 * time.Microsecond),
		EventType:     "confirmation.requested",
		CorrelationID: "corr-sub",
	}))
	require.NoError(t, store.Audit.Append(ctx, &AuditEvent{
		Timestamp:     base.Add(500 * time.Millisecond),
		EventType:     "validation.accepted",
		CorrelationID: "corr-sub",
	}))

	events, err := store.Audit.ListByCorrelation(ctx, "corr-sub")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "validation.accepted", events[0].EventType)
	require.Equal(t, "confirmation.requested", events[1].EventType)
	require.True(t, events[0].Timestamp.Before(events[1].Timestamp))
}

func TestAuditAppendRequiresEventType(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	err := store.Audit.Append(context.Background(), &AuditEvent{})
	require.Error(t, err)
}

func TestAuditListFiltersByEventType(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Audit.Append(ctx, &AuditEvent{EventType: "auth.failure", Security: true}))
	require.NoError(t, store.Audit.Append(ctx, &AuditEvent{EventType: "request.signed"}))

	events, err := store.Audit.List(ctx, AuditFilter{EventType: "auth.failure"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].Security)
}

func TestAuditPurgeKeepsSecurityRowsLonger(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.Audit.Append(ctx, &AuditEvent{Timestamp: old, EventType: "request.signed"}))
	require.NoError(t, store.Audit.Append(ctx, &AuditEvent{Timestamp: old, EventType: "auth.failure", Security: true}))

	// Operational cutoff removes the first row; the security cutoff is
	// further back, so the security row survives.
	purged, err := store.Audit.PurgeBefore(ctx, time.Now().UTC().Add(-24*time.Hour), time.Now().UTC().Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)

	events, err := store.Audit.List(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "auth.failure", events[0].EventType)
}

func TestConfirmationArchiveRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	requested := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Confirmations.Archive(ctx, &ConsumedConfirmation{
		ActionID:      "act-1",
		Operation:     "destroyVirtualMachine",
		Severity:      "Critical",
		State:         "confirmed",
		CorrelationID: "corr-1",
		RequestedAt:   requested,
		ResolvedAt:    requested.Add(time.Minute),
	}))

	records, err := store.Confirmations.ListSince(ctx, requested)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "act-1", records[0].ActionID)
	require.Equal(t, "confirmed", records[0].State)
}

func TestConfirmationArchiveRequiresActionID(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	err := store.Confirmations.Archive(context.Background(), &ConsumedConfirmation{Operation: "x"})
	require.Error(t, err)
}
