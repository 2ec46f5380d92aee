package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"commonroom/pkg/eventlog"

	"github.com/spf13/cobra"
)

// eventsOptions holds the filters of "commonroom events".
type eventsOptions struct {
	subject   string
	eventType string
	since     time.Duration
	limit     int
	json      bool
}

// newEventsCmd creates the "commonroom events" subcommand.
func newEventsCmd(opts *rootOptions) *cobra.Command {
	var eo eventsOptions

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the event log",
		Long:  "Shows recorded process lifecycle and message handling events, newest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			r, err := eventlog.NewReader(cfg.EventDB)
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer r.Close()

			q := eventlog.QueryOpts{Subject: eo.subject, EventType: eo.eventType, Limit: eo.limit}
			if eo.since > 0 {
				after := time.Now().Add(-eo.since)
				q.After = &after
			}
			events, err := r.Query(cmd.Context(), q)
			if err != nil {
				return err
			}
			if eo.json {
				return printJSON(cmd.OutOrStdout(), events)
			}
			writeEventTable(cmd.OutOrStdout(), events)
			return nil
		},
	}

	cmd.Flags().StringVar(&eo.subject, "subject", "", "only events about this process id or agent")
	cmd.Flags().StringVar(&eo.eventType, "type", "", "only events of this type (e.g. process.start)")
	cmd.Flags().DurationVar(&eo.since, "since", 0, "only events newer than this (e.g. 1h)")
	cmd.Flags().IntVarP(&eo.limit, "limit", "n", 50, "maximum number of events (0 = all)")
	cmd.Flags().BoolVar(&eo.json, "json", false, "print JSON instead of a table")
	return cmd
}

func writeEventTable(w io.Writer, events []eventlog.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tSOURCE\tSUBJECT\tMESSAGE\tDETAIL")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Type, e.Source,
			dash(e.Subject), dash(e.MessageID), dash(e.Payload))
	}
	_ = tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
