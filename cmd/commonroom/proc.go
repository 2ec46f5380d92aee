package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"

	"commonroom/pkg/protocol"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

// statusStyles colours process statuses when writing to a terminal.
type statusStyles struct {
	enabled bool
	ok      lipgloss.Style
	idle    lipgloss.Style
	pending lipgloss.Style
	bad     lipgloss.Style
}

func newStatusStyles(w io.Writer) statusStyles {
	return statusStyles{
		enabled: isTerminal(w),
		ok:      lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true), // Green
		idle:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),           // Gray
		pending: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),            // Yellow
		bad:     lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),  // Red
	}
}

func (s statusStyles) render(st protocol.ProcessStatus) string {
	if !s.enabled {
		return string(st)
	}
	switch st {
	case protocol.StatusRunning:
		return s.ok.Render(string(st))
	case protocol.StatusStarting, protocol.StatusStopping:
		return s.pending.Render(string(st))
	case protocol.StatusFailedToStart, protocol.StatusFailedToStop, protocol.StatusUnknown:
		return s.bad.Render(string(st))
	default:
		return s.idle.Render(string(st))
	}
}

// processResult mirrors the control API's start/stop reply.
type processResult struct {
	protocol.ProcessInfo
	Outcome string `json:"outcome"`
}

// newProcCmd creates the "commonroom proc" command group.
func newProcCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "proc",
		Short: "Control helper processes through a running commonroom",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "control API address (default: listen from config)")

	client := func() (*apiClient, error) {
		if addr != "" {
			return newAPIClient(addr), nil
		}
		cfg, err := opts.load()
		if err != nil {
			return nil, err
		}
		return newAPIClient(cfg.Listen), nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "ls",
			Short: "List configured processes and their status",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				c, err := client()
				if err != nil {
					return err
				}
				var infos []protocol.ProcessInfo
				if err := c.do(cmd.Context(), http.MethodGet, "/api/processes", &infos); err != nil {
					return err
				}
				writeProcessTable(cmd.OutOrStdout(), infos)
				return nil
			},
		},
		&cobra.Command{
			Use:   "status <id>",
			Short: "Show one process",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := client()
				if err != nil {
					return err
				}
				var info protocol.ProcessInfo
				if err := c.do(cmd.Context(), http.MethodGet, "/api/processes/"+url.PathEscape(args[0]), &info); err != nil {
					return err
				}
				writeProcessTable(cmd.OutOrStdout(), []protocol.ProcessInfo{info})
				return nil
			},
		},
		newProcActionCmd("start", "Start a process unless it is already running", client),
		newProcActionCmd("stop", "Stop a process this commonroom started", client),
	)
	return cmd
}

func newProcActionCmd(action, short string, client func() (*apiClient, error)) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var res processResult
			path := "/api/processes/" + url.PathEscape(args[0]) + "/" + action
			if err := c.do(cmd.Context(), http.MethodPost, path, &res); err != nil {
				return err
			}
			st := newStatusStyles(cmd.OutOrStdout())
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", res.ID, st.render(res.Status), res.Outcome)
			return nil
		},
	}
}

// writeProcessTable prints processes as aligned columns.
func writeProcessTable(w io.Writer, infos []protocol.ProcessInfo) {
	st := newStatusStyles(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tPID")
	for _, p := range infos {
		pid := "-"
		if p.PID > 0 {
			pid = fmt.Sprint(p.PID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.Name, st.render(p.Status), pid)
	}
	_ = tw.Flush()
}
