package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kawsbot/a2a-pay/escrow"
	"github.com/kawsbot/a2a-pay/httpapi"
	"github.com/kawsbot/a2a-pay/identity"
)

func newPayCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pay <provider> <service> <amount>",
		Short: "Open an escrow payment to a provider",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := identity.Parse(args[0])
			if err != nil {
				return err
			}
			amount, err := parseAmount(args[2])
			if err != nil {
				return err
			}
			client, _, err := opts.session(cmd.Context())
			if err != nil {
				return err
			}
			res, err := client.Create(cmd.Context(), httpapi.CreateRequest{
				Provider:          provider,
				ServiceDescriptor: args[1],
				Amount:            amount,
			})
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintln(w, "Escrow created:")
				printRecord(w, res.Address, res.Escrow)
			})
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	var clientFlag string
	cmd := &cobra.Command{
		Use:   "status <provider> <service>",
		Short: "Show the escrow between you (or --client) and a provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := identity.Parse(args[0])
			if err != nil {
				return err
			}
			var clientID identity.Identity
			if clientFlag != "" {
				if clientID, err = identity.Parse(clientFlag); err != nil {
					return err
				}
			}
			client, _, err := opts.session(cmd.Context())
			if err != nil {
				return err
			}
			res, err := client.Find(cmd.Context(), clientID, provider, args[1])
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintln(w, "Escrow status:")
				printRecord(w, res.Address, res.Escrow)
			})
		},
	}
	cmd.Flags().StringVar(&clientFlag, "client", "", "client identity (defaults to you)")
	return cmd
}

func newListCmd(opts *options) *cobra.Command {
	var party string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escrows you (or --party) take part in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, me, err := opts.session(cmd.Context())
			if err != nil {
				return err
			}
			target := me
			if party != "" {
				if target, err = identity.Parse(party); err != nil {
					return err
				}
			}
			entries, err := client.List(cmd.Context(), target)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), entries, func(w io.Writer) {
				if len(entries) == 0 {
					fmt.Fprintln(w, "No escrows found.")
					return
				}
				fmt.Fprintf(w, "Found %d escrow(s):\n\n", len(entries))
				for _, e := range entries {
					printRecord(w, e.Address, e.Record)
					fmt.Fprintln(w)
				}
			})
		},
	}
	cmd.Flags().StringVar(&party, "party", "", "identity to list for (defaults to you)")
	return cmd
}

func newActionCmd(opts *options, action, short string) *cobra.Command {
	var counterparty string
	cmd := &cobra.Command{
		Use:   action + " <address>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := escrow.ParseAddress(args[0])
			if err != nil {
				return err
			}
			other, err := parseOptionalIdentity(counterparty)
			if err != nil {
				return err
			}
			client, _, err := opts.session(cmd.Context())
			if err != nil {
				return err
			}

			var res httpapi.RecordResponse
			switch action {
			case "complete":
				res, err = client.Complete(cmd.Context(), addr, other)
			case "release":
				res, err = client.Release(cmd.Context(), addr, other)
			default:
				res, err = client.Dispute(cmd.Context(), addr, other)
			}
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "Escrow %s is now %s.\n", res.Address, res.Escrow.Status)
			})
		},
	}
	cmd.Flags().StringVar(&counterparty, "counterparty", "", "expected other party of the record")
	return cmd
}

func newEventsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "events <address>",
		Short: "Show the event timeline of an escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := escrow.ParseAddress(args[0])
			if err != nil {
				return err
			}
			client, _, err := opts.session(cmd.Context())
			if err != nil {
				return err
			}
			res, err := client.Events(cmd.Context(), addr)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), res, func(w io.Writer) {
				for _, ev := range res.Events {
					fmt.Fprintf(w, "%3d  %s  %-17s  %s\n", ev.Seq, ev.CreatedAt.Format("2006-01-02T15:04:05Z"), ev.Type, ev.Actor)
				}
			})
		},
	}
}
