package main

import (
	"fmt"
	"os"

	"commonroom/pkg/consumer"
	"commonroom/pkg/conversation"
	"commonroom/pkg/eventlog"
	"commonroom/pkg/generation"
	"commonroom/pkg/mailbox"

	"github.com/spf13/cobra"
)

// newConnectorCmd creates the "commonroom connector" subcommand.
func newConnectorCmd(opts *rootOptions) *cobra.Command {
	var (
		agent    string
		offline  bool
		noEvents bool
	)

	cmd := &cobra.Command{
		Use:   "connector",
		Short: "Run a polling helper that answers requests in its own inbox",
		Long: "Drains the helper's inbox on a fixed interval and answers each request\n" +
			"through the generator, keeping per-conversation history in memory.\n" +
			"This is the process the supervisor usually starts.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log := newLogger(os.Stderr, cfg.LogLevel)
			if agent == "" {
				agent = cfg.ConnectorAgent
			}
			if !cfg.IsPolled(agent) {
				log.Warn().Str("agent", agent).
					Msg("agent is not in polled_agents; the watcher may consume the same inbox")
			}

			gen, err := newGenerator(cfg, offline)
			if err != nil {
				return err
			}

			mb, err := mailbox.New(cfg.Room, mailbox.WithLogger(log))
			if err != nil {
				return err
			}

			var rec eventlog.Recorder = eventlog.Nop{}
			if !noEvents {
				store, err := eventlog.Open(cfg.EventDB)
				if err != nil {
					return fmt.Errorf("open event log: %w", err)
				}
				defer store.Close()
				rec = store
			}

			persona := generation.NewPersonas(cfg.HelpersDir, log).Lookup(agent)
			handler := conversation.NewHandler(conversation.NewStore(), gen, persona, log)

			c, err := consumer.New(mb, agent, handler,
				consumer.WithInterval(cfg.PollInterval.Duration),
				consumer.WithLogger(log),
				consumer.WithEventLog(rec),
			)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return c.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "inbox to consume (default: connector_agent from config)")
	cmd.Flags().BoolVar(&offline, "offline", false, "answer requests with an echo generator instead of Gemini")
	cmd.Flags().BoolVar(&noEvents, "no-events", false, "do not record to the event log")
	return cmd
}
