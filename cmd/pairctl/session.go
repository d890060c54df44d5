package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/onlyus/sync-server-go/internal/client"
	"github.com/onlyus/sync-server-go/internal/util"
)

func newTokenCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Print an identity token signed with --secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.secret == "" {
				return fmt.Errorf("--secret is required")
			}
			fmt.Fprintln(cmd.OutOrStdout(), util.SignIdentity(opts.secret, args[0]))
			return nil
		},
	}
}

func newCreateCmd(opts *globalOptions) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session and print its pairing code",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := opts.client()
			if err != nil {
				return err
			}
			created, err := c.CreateSession(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session  %s\n", created.SessionID)
			fmt.Fprintf(out, "code     %s (expires in %s)\n", created.PairingCode, time.Duration(created.ExpiresIn)*time.Second)
			if !wait {
				return nil
			}
			fmt.Fprintln(out, "waiting for partner...")
			return waitAndPrint(cmd, c, created.SessionID)
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "poll until a partner joins")
	return cmd
}

func newJoinCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "join <code>",
		Short: "Join a session with a pairing code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := opts.client()
			if err != nil {
				return err
			}
			joined, err := c.JoinSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session  %s\npartner  %s\nstate    %s\n", joined.SessionID, joined.PartnerID, joined.State)
			return nil
		},
	}
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := opts.client()
			if err != nil {
				return err
			}
			if wait {
				return waitAndPrint(cmd, c, args[0])
			}
			status, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printStatus(cmd, status)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "poll until a partner joins")
	return cmd
}

func newEndCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "end <session-id>",
		Short: "End or withdraw a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := opts.client()
			if err != nil {
				return err
			}
			state, err := c.EndSession(cmd.Context(), args[0], "")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "state    %s\n", state)
			return nil
		},
	}
}

func waitAndPrint(cmd *cobra.Command, c *client.Client, sessionID string) error {
	status, err := c.WaitForPartner(cmd.Context(), sessionID)
	if status != nil {
		printStatus(cmd, status)
	}
	return err
}

func printStatus(cmd *cobra.Command, status *client.Status) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session  %s\nstate    %s\n", status.SessionID, status.State)
	if status.PartnerID != "" {
		fmt.Fprintf(out, "partner  %s\n", status.PartnerID)
	}
	if status.Reason != nil {
		fmt.Fprintf(out, "reason   %s\n", *status.Reason)
	}
}
