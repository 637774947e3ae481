package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/storage"
)

func newAuditCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail queries and retention",
		Example: "  cloudstack-gateway audit list --since 24h\n" +
			"  cloudstack-gateway audit correlate <correlation-id>\n" +
			"  cloudstack-gateway audit purge",
	}
	cmd.AddCommand(
		newAuditListCommand(deps),
		newAuditCorrelateCommand(deps),
		newAuditPurgeCommand(deps),
	)
	return cmd
}

func newAuditListCommand(deps commandDeps) *cobra.Command {
	var (
		since     time.Duration
		eventType string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored audit events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("audit list does not accept positional arguments")
			}

			cfg, err := deps.loadConfig()
			if err != nil {
				return mapCommandError(err)
			}
			store, err := deps.openAuditStore(cfg)
			if err != nil {
				return mapCommandError(err)
			}
			defer store.Close()

			filter := storage.AuditFilter{EventType: eventType, Limit: limit}
			if since > 0 {
				cutoff := time.Now().UTC().Add(-since)
				filter.Since = &cutoff
			}

			events, err := store.Audit.List(cmd.Context(), filter)
			if err != nil {
				return mapCommandError(err)
			}
			return writeEvents(deps, events)
		},
	}

	cmd.Flags().DurationVar(&since, "since", 0, "Only events newer than this age (e.g. 24h)")
	cmd.Flags().StringVar(&eventType, "type", "", "Filter by event type")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum events to print")
	return cmd
}

func newAuditCorrelateCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "correlate <correlation-id>",
		Short: "Reconstruct one operation's full event sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.loadConfig()
			if err != nil {
				return mapCommandError(err)
			}
			store, err := deps.openAuditStore(cfg)
			if err != nil {
				return mapCommandError(err)
			}
			defer store.Close()

			events, err := store.Audit.ListByCorrelation(cmd.Context(), args[0])
			if err != nil {
				return mapCommandError(err)
			}
			if len(events) == 0 {
				return mapCommandError(fmt.Errorf("%w: correlation id %q", storage.ErrNotFound, args[0]))
			}
			return writeEvents(deps, events)
		},
	}
}

func newAuditPurgeCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Apply the configured retention windows to the audit store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("audit purge does not accept positional arguments")
			}

			cfg, err := deps.loadConfig()
			if err != nil {
				return mapCommandError(err)
			}
			store, err := deps.openAuditStore(cfg)
			if err != nil {
				return mapCommandError(err)
			}
			defer store.Close()

			now := time.Now().UTC()
			purged, err := store.Audit.PurgeBefore(cmd.Context(),
				now.Add(-cfg.Audit.Retention),
				now.Add(-cfg.Audit.SecurityRetention))
			if err != nil {
				return mapCommandError(err)
			}

			if deps.globals.JSON {
				return printJSON(deps.out, map[string]any{"purged": purged})
			}
			_, err = fmt.Fprintf(deps.out, "purged %d audit events\n", purged)
			return err
		},
	}
}

func writeEvents(deps commandDeps, events []storage.AuditEvent) error {
	enc := json.NewEncoder(deps.out)
	for _, event := range events {
		details := map[string]any{}
		if event.DetailsJSON != "" {
			if err := json.Unmarshal([]byte(event.DetailsJSON), &details); err != nil {
				details = map[string]any{"raw": event.DetailsJSON}
			}
		}
		line := map[string]any{
			"timestamp":     event.Timestamp.UnixMilli(),
			"timestamp_iso": event.Timestamp.Format(time.RFC3339Nano),
			"eventType":     event.EventType,
			"severity":      event.Severity,
			"source":        event.Source,
			"user":          event.User,
			"action":        event.Action,
			"resource":      event.Resource,
			"result":        event.Result,
			"correlationId": event.CorrelationID,
			"details":       details,
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}
