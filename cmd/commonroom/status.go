package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "commonroom status" subcommand.
func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether commonroom serve is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			status, pid, err := DaemonStatus(cfg.PIDPath)
			if err != nil {
				return err
			}
			switch status {
			case StatusRunning:
				fmt.Fprintf(w, "commonroom: running (pid %d, %s)\n", pid, cfg.Listen)
			case StatusStale:
				fmt.Fprintf(w, "commonroom: stale PID file (pid %d is gone)\n", pid)
				return nil
			default:
				fmt.Fprintln(w, "commonroom: stopped")
				return nil
			}

			var health struct {
				Status  string `json:"status"`
				Version string `json:"version"`
				Uptime  string `json:"uptime"`
			}
			if err := newAPIClient(cfg.Listen).do(cmd.Context(), http.MethodGet, "/health", &health); err != nil {
				fmt.Fprintf(w, "control API: unreachable (%v)\n", err)
				return nil
			}
			fmt.Fprintf(w, "control API: %s, version %s, up %s\n", health.Status, health.Version, health.Uptime)
			return nil
		},
	}
}

// newShutdownCmd creates the "commonroom shutdown" subcommand.
func newShutdownCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask a running commonroom serve to stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			pid, err := StopDaemon(cfg.PIDPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent SIGTERM to commonroom (pid %d).\n", pid)
			return nil
		},
	}
}
