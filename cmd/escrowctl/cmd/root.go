package cmd

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kawsbot/a2a-pay/escrow"
	"github.com/kawsbot/a2a-pay/httpapi"
	"github.com/kawsbot/a2a-pay/identity"
)

const (
	envKeyfile = "A2A_PAY_KEYFILE"
	envServer  = "A2A_PAY_SERVER"

	defaultServer = "http://localhost:8080"
)

// options are the persistent flags shared by every command.
type options struct {
	keyfile string
	server  string
	json    bool
}

func defaultKeyfile() string {
	if v := os.Getenv(envKeyfile); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "id.json"
	}
	return filepath.Join(home, ".config", "a2a-pay", "id.json")
}

func defaultServerURL() string {
	if v := os.Getenv(envServer); v != "" {
		return v
	}
	return defaultServer
}

// NewRootCmd builds the escrowctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "escrowctl",
		Short: "a2a-pay escrow CLI",
		Long: `escrowctl talks to an escrowd instance on behalf of the identity in the
keyfile: it opens escrow payments, confirms delivery, releases or disputes
them, and inspects records and balances.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.keyfile, "keyfile", defaultKeyfile(), "ed25519 keyfile (JSON array of 64 bytes)")
	root.PersistentFlags().StringVar(&opts.server, "server", defaultServerURL(), "escrowd base URL")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print JSON instead of text")

	root.AddCommand(
		newKeygenCmd(opts),
		newWhoamiCmd(opts),
		newAddressCmd(opts),
		newPayCmd(opts),
		newStatusCmd(opts),
		newListCmd(opts),
		newActionCmd(opts, "complete", "Confirm delivery of a service (provider)"),
		newActionCmd(opts, "release", "Release escrowed funds to the provider (client)"),
		newActionCmd(opts, "dispute", "Dispute an escrow and refund the client (client)"),
		newEventsCmd(opts),
		newBalanceCmd(opts),
		newDepositCmd(opts),
		newDemoCmd(),
	)
	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func (o *options) key() (ed25519.PrivateKey, error) {
	return identity.LoadKeyfile(o.keyfile)
}

// session loads the key and logs in to the server.
func (o *options) session(ctx context.Context) (*httpapi.Client, identity.Identity, error) {
	key, err := o.key()
	if err != nil {
		return nil, identity.Identity{}, err
	}
	client := httpapi.NewClient(o.server, nil)
	if _, err := client.Login(ctx, key); err != nil {
		return nil, identity.Identity{}, fmt.Errorf("login: %w", err)
	}
	return client, identity.Of(key), nil
}

func (o *options) emit(w io.Writer, v any, text func(io.Writer)) error {
	if o.json {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func printRecord(w io.Writer, addr escrow.Address, rec escrow.Record) {
	fmt.Fprintf(w, "  Address:  %s\n", addr)
	fmt.Fprintf(w, "  Client:   %s\n", rec.Client)
	fmt.Fprintf(w, "  Provider: %s\n", rec.Provider)
	fmt.Fprintf(w, "  Amount:   %d\n", rec.Amount)
	fmt.Fprintf(w, "  Status:   %s\n", rec.Status)
	fmt.Fprintf(w, "  Service:  %s\n", rec.ServiceDescriptor)
}

func parseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

func parseOptionalIdentity(s string) (*identity.Identity, error) {
	if s == "" {
		return nil, nil
	}
	id, err := identity.Parse(s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
