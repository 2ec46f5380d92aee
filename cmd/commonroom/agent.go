package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newAgentCmd creates the "commonroom agent" command group.
func newAgentCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage helper inboxes in the room",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "ls",
			Short: "List helpers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				mb, err := openMailbox(opts)
				if err != nil {
					return err
				}
				agents, err := mb.Agents()
				if err != nil {
					return err
				}
				for _, a := range agents {
					fmt.Fprintln(cmd.OutOrStdout(), a)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "add <name>",
			Short: "Create a helper's inbox",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				mb, err := openMailbox(opts)
				if err != nil {
					return err
				}
				if err := mb.Register(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s.\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "rm <name>",
			Short: "Delete a helper with all of its messages",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				mb, err := openMailbox(opts)
				if err != nil {
					return err
				}
				if err := mb.Remove(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s.\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "mv <old> <new>",
			Short: "Rename a helper",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				mb, err := openMailbox(opts)
				if err != nil {
					return err
				}
				if err := mb.Rename(args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %s.\n", args[0], args[1])
				return nil
			},
		},
	)
	return cmd
}
