package main

import (
	"fmt"

	"commonroom/internal/config"
	"commonroom/internal/version"

	"github.com/spf13/cobra"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

// load resolves the configuration, applying the --log-level override.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

// newRootCmd creates the root commonroom command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "commonroom",
		Short:         "Common room for cooperating helper agents",
		Long:          "commonroom runs the helper mailbox, the mediator watcher and the process\nsupervisor, and offers direct utilities over helper inboxes.",
		Version:       fmt.Sprintf("commonroom %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: $COMMONROOM_HOME/commonroom.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	cmd.AddCommand(
		newServeCmd(opts),
		newConnectorCmd(opts),
		newStatusCmd(opts),
		newShutdownCmd(opts),
		newSendCmd(opts),
		newReadCmd(opts),
		newCheckCmd(opts),
		newDrainCmd(opts),
		newAgentCmd(opts),
		newProcCmd(opts),
		newEventsCmd(opts),
		newVersionCmd(),
	)

	return cmd
}

// newVersionCmd creates the "commonroom version" subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build commit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "commonroom %s\n", version.Full())
			return nil
		},
	}
}
