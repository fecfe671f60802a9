package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kawsbot/a2a-pay/escrow"
	"github.com/kawsbot/a2a-pay/identity"
)

func newKeygenCmd(opts *options) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new identity keyfile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if force {
				if err := os.Remove(opts.keyfile); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}
			id, err := identity.GenerateKeyfile(opts.keyfile)
			if errors.Is(err, identity.ErrKeyfileExists) {
				return fmt.Errorf("%s already exists (use --force to replace it)", opts.keyfile)
			}
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), map[string]any{"identity": id, "keyfile": opts.keyfile}, func(w io.Writer) {
				fmt.Fprintf(w, "Identity: %s\nKeyfile:  %s\n", id, opts.keyfile)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing keyfile")
	return cmd
}

func newWhoamiCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the identity of the keyfile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := opts.key()
			if err != nil {
				return err
			}
			id := identity.Of(key)
			return opts.emit(cmd.OutOrStdout(), map[string]any{"identity": id}, func(w io.Writer) {
				fmt.Fprintln(w, id)
			})
		},
	}
}

func newAddressCmd(opts *options) *cobra.Command {
	var client string
	cmd := &cobra.Command{
		Use:   "address <provider> <service>",
		Short: "Derive the escrow address for a provider and service",
		Long:  "Derives the address offline. The client defaults to the keyfile identity.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := identity.Parse(args[0])
			if err != nil {
				return err
			}
			var clientID identity.Identity
			if client != "" {
				if clientID, err = identity.Parse(client); err != nil {
					return err
				}
			} else {
				key, err := opts.key()
				if err != nil {
					return err
				}
				clientID = identity.Of(key)
			}
			addr, err := escrow.Derive(clientID, provider, args[1])
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), map[string]any{"address": addr}, func(w io.Writer) {
				fmt.Fprintln(w, addr)
			})
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "client identity (defaults to the keyfile identity)")
	return cmd
}
