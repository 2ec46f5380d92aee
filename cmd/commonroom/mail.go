package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"commonroom/pkg/mailbox"
	"commonroom/pkg/protocol"

	"github.com/spf13/cobra"
)

// openMailbox resolves the config and opens the room it names.
func openMailbox(opts *rootOptions) (*mailbox.Mailbox, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, err
	}
	return mailbox.New(cfg.Room, mailbox.WithAutoCreate(cfg.AutoCreateInbox))
}

// sendOptions selects the payload shape written by "send".
type sendOptions struct {
	request        bool
	raw            bool
	conversationID string
	reset          bool
	returnAddress  string
}

func (o sendOptions) payload(text string) (protocol.Payload, error) {
	switch {
	case o.raw:
		var p protocol.Payload
		if err := json.Unmarshal([]byte(text), &p); err != nil {
			return protocol.Payload{}, fmt.Errorf("parse --json payload: %w", err)
		}
		return p, nil
	case o.request:
		return protocol.NewRequest(text, o.conversationID, o.reset, o.returnAddress), nil
	default:
		return protocol.NewText(text), nil
	}
}

// newSendCmd creates the "commonroom send" subcommand.
func newSendCmd(opts *rootOptions) *cobra.Command {
	var so sendOptions

	cmd := &cobra.Command{
		Use:   "send <sender> <recipient> <message>",
		Short: "Drop a message into a helper's inbox",
		Long: "Writes one message file into the recipient's inbox.\n" +
			"By default the message is free text; --request wraps it as a generation\n" +
			"request and --json takes a payload object verbatim.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			sender, recipient, text := args[0], args[1], args[2]
			if so.raw && so.request {
				return errors.New("--json and --request are mutually exclusive")
			}
			payload, err := so.payload(text)
			if err != nil {
				return err
			}
			mb, err := openMailbox(opts)
			if err != nil {
				return err
			}
			id, err := mb.Send(cmd.Context(), recipient, sender, payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Message sent to %s (%s).\n", recipient, id)
			return nil
		},
	}

	cmd.Flags().BoolVar(&so.request, "request", false, "send as a generation request")
	cmd.Flags().BoolVar(&so.raw, "json", false, "treat <message> as a JSON payload object")
	cmd.Flags().StringVar(&so.conversationID, "conversation", "", "conversation id for --request")
	cmd.Flags().BoolVar(&so.reset, "reset", false, "reset the conversation before answering (--request)")
	cmd.Flags().StringVar(&so.returnAddress, "reply-to", "", "deliver the reply here instead of to the sender (--request)")
	return cmd
}

// newReadCmd creates the "commonroom read" subcommand.
func newReadCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "read <agent> <message-id>",
		Short: "Print one pending message without consuming it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mb, err := openMailbox(opts)
			if err != nil {
				return err
			}
			msg, err := mb.Read(args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), msg)
		},
	}
}

// newCheckCmd creates the "commonroom check" subcommand.
func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <agent>",
		Short: "List the message files pending in an inbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent := args[0]
			mb, err := openMailbox(opts)
			if err != nil {
				return err
			}
			names, err := mb.Pending(agent)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(names) == 0 {
				fmt.Fprintf(w, "No new messages for %s.\n", agent)
				return nil
			}
			fmt.Fprintf(w, "New messages for %s:\n", agent)
			for _, name := range names {
				fmt.Fprintf(w, "- %s\n", name)
			}
			return nil
		},
	}
}

// newDrainCmd creates the "commonroom drain" subcommand.
func newDrainCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain <agent>",
		Short: "Consume every pending message in an inbox, printing one JSON object per line",
		Long: "Removes and prints each message in the agent's inbox, oldest first.\n" +
			"Do not drain an inbox the watcher or a connector owns.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mb, err := openMailbox(opts)
			if err != nil {
				return err
			}
			msgs, err := mb.Drain(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, msg := range msgs {
				if err := enc.Encode(msg); err != nil {
					return fmt.Errorf("write message: %w", err)
				}
			}
			return nil
		},
	}
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
