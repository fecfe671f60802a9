package cmd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kawsbot/a2a-pay/config"
	"github.com/kawsbot/a2a-pay/escrow"
	"github.com/kawsbot/a2a-pay/httpapi"
	"github.com/kawsbot/a2a-pay/identity"
	"github.com/kawsbot/a2a-pay/ledger/memory"
)

type demoParams struct {
	service string
	amount  uint64
	fund    uint64
}

func newDemoCmd() *cobra.Command {
	p := demoParams{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a full client/provider payment against an in-process server",
		Long: `demo starts an escrowd instance backed by an in-memory ledger, creates two
ephemeral agents and walks the lifecycle: fund, pay, complete, release.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDemo(cmd.Context(), cmd.OutOrStdout(), p)
		},
	}
	cmd.Flags().StringVar(&p.service, "service", "echo", "service descriptor")
	cmd.Flags().Uint64Var(&p.amount, "amount", 1000, "escrow amount")
	cmd.Flags().Uint64Var(&p.fund, "fund", 5000, "initial client balance")
	return cmd
}

func runDemo(ctx context.Context, w io.Writer, p demoParams) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return err
	}
	auth, err := identity.NewService(fmt.Sprintf("%x", secret), time.Hour, time.Minute)
	if err != nil {
		return err
	}
	svc := escrow.NewService(memory.New(), zerolog.Nop())
	api := httpapi.NewServer(svc, auth, zerolog.Nop(), httpapi.Options{Faucet: config.FaucetConfig{Enabled: true}})
	srv := &http.Server{Handler: api.Routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(w, "demo server: %v\n", err)
		}
	}()
	defer srv.Close()

	base := "http://" + ln.Addr().String()
	clientAgent, clientID, err := demoAgent(ctx, base)
	if err != nil {
		return err
	}
	providerAgent, providerID, err := demoAgent(ctx, base)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "========================================")
	fmt.Fprintln(w, "  A2A Pay - Agent Payment Demo")
	fmt.Fprintln(w, "========================================")
	fmt.Fprintf(w, "Client:   %s\nProvider: %s\n", clientID, providerID)

	if _, err := clientAgent.Deposit(ctx, clientID, p.fund); err != nil {
		return fmt.Errorf("fund client: %w", err)
	}
	fmt.Fprintf(w, "\nClient funded with %d\n", p.fund)

	fmt.Fprintln(w, "\n--- Step 1: Client pays into escrow ---")
	created, err := clientAgent.Create(ctx, httpapi.CreateRequest{Provider: providerID, ServiceDescriptor: p.service, Amount: p.amount})
	if err != nil {
		return fmt.Errorf("create escrow: %w", err)
	}
	printRecord(w, created.Address, created.Escrow)

	fmt.Fprintln(w, "\n--- Step 2: Provider finds the escrow and completes the service ---")
	incoming, err := providerAgent.List(ctx, providerID)
	if err != nil {
		return err
	}
	var target escrow.Address
	for _, e := range incoming {
		if e.Record.Client == clientID && e.Record.ServiceDescriptor == p.service && e.Record.Status == escrow.StatusCreated {
			target = e.Address
		}
	}
	if target != created.Address {
		return fmt.Errorf("provider did not see escrow %s", created.Address)
	}
	if _, err := providerAgent.Complete(ctx, target, &clientID); err != nil {
		return fmt.Errorf("complete service: %w", err)
	}
	fmt.Fprintln(w, "  Service marked delivered")

	fmt.Fprintln(w, "\n--- Step 3: Client releases payment ---")
	released, err := clientAgent.Release(ctx, target, &providerID)
	if err != nil {
		return fmt.Errorf("release payment: %w", err)
	}
	fmt.Fprintf(w, "  Escrow status: %s\n", released.Escrow.Status)

	clientBal, err := clientAgent.Balance(ctx, clientID)
	if err != nil {
		return err
	}
	providerBal, err := clientAgent.Balance(ctx, providerID)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "\n========================================")
	fmt.Fprintln(w, "  Demo Complete!")
	fmt.Fprintln(w, "========================================")
	fmt.Fprintf(w, "Client balance:   %d\nProvider balance: %d\n", clientBal, providerBal)
	return nil
}

func demoAgent(ctx context.Context, base string) (*httpapi.Client, identity.Identity, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, identity.Identity{}, err
	}
	client := httpapi.NewClient(base, nil)
	if _, err := client.Login(ctx, key); err != nil {
		return nil, identity.Identity{}, err
	}
	return client, identity.Of(key), nil
}
