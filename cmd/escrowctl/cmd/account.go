package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kawsbot/a2a-pay/identity"
)

func newBalanceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "balance [identity]",
		Short: "Show a wallet balance (defaults to yours)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, me, err := opts.session(cmd.Context())
			if err != nil {
				return err
			}
			target := me
			if len(args) == 1 {
				if target, err = identity.Parse(args[0]); err != nil {
					return err
				}
			}
			bal, err := client.Balance(cmd.Context(), target)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), map[string]any{"identity": target, "balance": bal}, func(w io.Writer) {
				fmt.Fprintf(w, "Wallet:  %s\nBalance: %d\n", target, bal)
			})
		},
	}
}

func newDepositCmd(opts *options) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "deposit <amount>",
		Short: "Request a faucet deposit (when the server enables it)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			client, me, err := opts.session(cmd.Context())
			if err != nil {
				return err
			}
			target := me
			if to != "" {
				if target, err = identity.Parse(to); err != nil {
					return err
				}
			}
			bal, err := client.Deposit(cmd.Context(), target, amount)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), map[string]any{"identity": target, "balance": bal}, func(w io.Writer) {
				fmt.Fprintf(w, "Deposited %d. Balance: %d\n", amount, bal)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "wallet to credit (defaults to yours)")
	return cmd
}
