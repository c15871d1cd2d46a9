package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"papergw/pkg/eventlog"
	"papergw/pkg/protocol"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail      int
	follow    bool
	eventType string
	interval  time.Duration
}

// newLogsCmd creates the "papergw logs" subcommand.
func newLogsCmd(flags *rootFlags) *cobra.Command {
	var lc logsConfig

	cmd := &cobra.Command{
		Use:   "logs [worker]",
		Short: "Query and tail the gateway event log",
		Long:  "Displays events from the gateway event log.\nOptionally filter by worker and event type, and follow new events.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := eventlog.QueryOpts{EventType: lc.eventType, Limit: lc.tail}
			if len(args) == 1 {
				kind, err := protocol.ParseKind(args[0])
				if err != nil {
					return err
				}
				opts.Kind = string(kind)
			}

			cfg, err := flags.load()
			if err != nil {
				return err
			}
			r, err := eventlog.NewReader(cfg.EventDB)
			if err != nil {
				return fmt.Errorf("open event log %s: %w", cfg.EventDB, err)
			}
			defer r.Close()

			w := cmd.OutOrStdout()
			if lc.follow {
				ctx, cleanup := setupSignalHandler(cmd.Context())
				defer cleanup()
				return followLogs(ctx, r, w, opts, lc.interval)
			}
			return printLogs(cmd.Context(), r, w, opts)
		},
	}

	cmd.Flags().IntVar(&lc.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&lc.follow, "follow", "f", false, "poll for new events")
	cmd.Flags().StringVar(&lc.eventType, "type", "", "only show events of this type (e.g. set_lot)")
	cmd.Flags().DurationVar(&lc.interval, "interval", time.Second, "poll interval for --follow")

	return cmd
}

// printLogs queries and displays the last N events.
func printLogs(ctx context.Context, r *eventlog.Reader, w io.Writer, opts eventlog.QueryOpts) error {
	events, err := r.Query(ctx, opts)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}

	for i := range events {
		formatEvent(w, &events[i])
	}
	return nil
}

// followLogs prints the last N events, then polls for newer ones until ctx
// is done.
func followLogs(ctx context.Context, r *eventlog.Reader, w io.Writer, opts eventlog.QueryOpts, interval time.Duration) error {
	events, err := r.Query(ctx, opts)
	if err != nil {
		return err
	}

	var lastID int64
	for i := range events {
		formatEvent(w, &events[i])
		lastID = events[i].ID
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			next := opts
			next.AfterID = lastID
			next.Limit = 100
			newEvents, err := r.Query(ctx, next)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			for i := range newEvents {
				formatEvent(w, &newEvents[i])
				lastID = newEvents[i].ID
			}
		}
	}
}

// formatEvent writes a single event in a human-readable format.
func formatEvent(w io.Writer, evt *eventlog.Event) {
	// Format: timestamp | kind | event_type | lot | source | payload
	fmt.Fprintf(w, "%s | %-8s | %-16s | %-12s | %-8s | %s\n",
		evt.CreatedAt.Format(time.DateTime), evt.Kind, evt.Type, evt.Lot, evt.Source, evt.Payload)
}
