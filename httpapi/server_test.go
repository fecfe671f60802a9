package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kawsbot/a2a-pay/config"
	"github.com/kawsbot/a2a-pay/escrow"
	"github.com/kawsbot/a2a-pay/identity"
	"github.com/kawsbot/a2a-pay/ledger/memory"
)

type fixture struct {
	srv      *httptest.Server
	svc      *escrow.Service
	client   *Client
	provider *Client
	clientID identity.Identity
	provID   identity.Identity
}

func key(seed byte) ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
}

func newFixture(t *testing.T, faucet config.FaucetConfig) *fixture {
	t.Helper()
	c := require.New(t)

	auth, err := identity.NewService("httpapi-test-secret-0123456789", time.Hour, time.Minute)
	c.NoError(err)
	svc := escrow.NewService(memory.New(), zerolog.Nop())
	server := NewServer(svc, auth, zerolog.Nop(), Options{
		Faucet:  faucet,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
	})
	srv := httptest.NewServer(server.Routes())
	t.Cleanup(srv.Close)

	clientKey, providerKey := key(1), key(2)
	f := &fixture{
		srv:      srv,
		svc:      svc,
		client:   NewClient(srv.URL, srv.Client()),
		provider: NewClient(srv.URL, srv.Client()),
		clientID: identity.Of(clientKey),
		provID:   identity.Of(providerKey),
	}
	_, err = f.client.Login(context.Background(), clientKey)
	c.NoError(err)
	_, err = f.provider.Login(context.Background(), providerKey)
	c.NoError(err)
	return f
}

func TestServer_HappyPath(t *testing.T) {
	c := require.New(t)
	ctx := context.Background()
	f := newFixture(t, config.FaucetConfig{Enabled: true})

	bal, err := f.client.Deposit(ctx, f.clientID, 5000)
	c.NoError(err)
	c.Equal(uint64(5000), bal)

	created, err := f.client.Create(ctx, CreateRequest{Provider: f.provID, ServiceDescriptor: "translation", Amount: 1000})
	c.NoError(err)
	c.Equal(escrow.StatusCreated, created.Escrow.Status)
	c.Equal(f.clientID, created.Escrow.Client)
	c.True(strings.HasPrefix(created.RequestID, "req_"))

	want, err := escrow.Derive(f.clientID, f.provID, "translation")
	c.NoError(err)
	c.Equal(want, created.Address)

	found, err := f.client.Find(ctx, identity.Identity{}, f.provID, "translation")
	c.NoError(err)
	c.Equal(created.Address, found.Address)

	incoming, err := f.provider.List(ctx, f.provID)
	c.NoError(err)
	c.Len(incoming, 1)

	_, err = f.provider.Complete(ctx, created.Address, &f.clientID)
	c.NoError(err)
	released, err := f.client.Release(ctx, created.Address, &f.provID)
	c.NoError(err)
	c.Equal(escrow.StatusReleased, released.Escrow.Status)

	bal, err = f.provider.Balance(ctx, f.provID)
	c.NoError(err)
	c.Equal(uint64(1000), bal)

	events, err := f.client.Events(ctx, created.Address)
	c.NoError(err)
	c.Len(events.Events, 3)
	c.Equal("escrow.released", events.Events[2].Type)
	c.Equal(int64(3), events.Events[2].Seq)
}

func TestServer_ErrorKindsMapToStatus(t *testing.T) {
	c := require.New(t)
	ctx := context.Background()
	f := newFixture(t, config.FaucetConfig{Enabled: true})

	_, err := f.client.Deposit(ctx, f.clientID, 500)
	c.NoError(err)

	cases := []struct {
		name   string
		call   func() error
		status int
		kind   error
	}{
		{
			name: "descriptor too long",
			call: func() error {
				_, err := f.client.Create(ctx, CreateRequest{Provider: f.provID, ServiceDescriptor: strings.Repeat("x", 33), Amount: 1})
				return err
			},
			status: http.StatusBadRequest,
			kind:   escrow.ErrServiceDescriptorTooLong,
		},
		{
			name: "zero amount",
			call: func() error {
				_, err := f.client.Create(ctx, CreateRequest{Provider: f.provID, ServiceDescriptor: "a", Amount: 0})
				return err
			},
			status: http.StatusBadRequest,
			kind:   escrow.ErrInvalidAmount,
		},
		{
			name: "insufficient funds",
			call: func() error {
				_, err := f.client.Create(ctx, CreateRequest{Provider: f.provID, ServiceDescriptor: "b", Amount: 501})
				return err
			},
			status: http.StatusPaymentRequired,
			kind:   escrow.ErrInsufficientFunds,
		},
		{
			name: "create on behalf of another client",
			call: func() error {
				_, err := f.provider.Create(ctx, CreateRequest{Client: &f.clientID, Provider: f.provID, ServiceDescriptor: "c", Amount: 1})
				return err
			},
			status: http.StatusForbidden,
			kind:   escrow.ErrUnauthorized,
		},
		{
			name: "missing record",
			call: func() error {
				addr, _ := escrow.Derive(f.clientID, f.provID, "nothing")
				_, err := f.client.Get(ctx, addr)
				return err
			},
			status: http.StatusNotFound,
			kind:   escrow.ErrRecordNotFound,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr), "got %v", err)
			require.Equal(t, tc.status, apiErr.Status)
			require.ErrorIs(t, err, tc.kind)
			require.NotEmpty(t, apiErr.RequestID)
		})
	}

	created, err := f.client.Create(ctx, CreateRequest{Provider: f.provID, ServiceDescriptor: "d", Amount: 100})
	c.NoError(err)

	_, err = f.client.Create(ctx, CreateRequest{Provider: f.provID, ServiceDescriptor: "d", Amount: 100})
	c.ErrorIs(err, escrow.ErrRecordAlreadyExists)

	_, err = f.client.Release(ctx, created.Address, nil)
	c.ErrorIs(err, escrow.ErrInvalidStatus)
	var apiErr *APIError
	c.True(errors.As(err, &apiErr))
	c.Equal(http.StatusConflict, apiErr.Status)

	_, err = f.client.Complete(ctx, created.Address, nil)
	c.ErrorIs(err, escrow.ErrUnauthorized)
}

func TestServer_BalanceOverflowIsUnprocessable(t *testing.T) {
	c := require.New(t)
	ctx := context.Background()
	f := newFixture(t, config.FaucetConfig{Enabled: true})

	_, err := f.provider.Deposit(ctx, f.provID, math.MaxUint64)
	c.NoError(err)

	_, err = f.provider.Deposit(ctx, f.provID, 1)
	c.ErrorIs(err, escrow.ErrBalanceOverflow)
	var apiErr *APIError
	c.True(errors.As(err, &apiErr))
	c.Equal(http.StatusUnprocessableEntity, apiErr.Status)
	c.Equal(escrow.TextBalanceOverflow, apiErr.Code)
}

func TestServer_RequiresBearerToken(t *testing.T) {
	c := require.New(t)
	f := newFixture(t, config.FaucetConfig{})

	anon := NewClient(f.srv.URL, f.srv.Client())
	_, err := anon.Balance(context.Background(), f.clientID)
	var apiErr *APIError
	c.True(errors.As(err, &apiErr))
	c.Equal(http.StatusUnauthorized, apiErr.Status)
	c.Equal(codeUnauthenticated, apiErr.Code)

	_, err = anon.WithToken("not-a-jwt").Balance(context.Background(), f.clientID)
	c.True(errors.As(err, &apiErr))
	c.Equal(http.StatusUnauthorized, apiErr.Status)

	resp, err := f.srv.Client().Get(f.srv.URL + "/health")
	c.NoError(err)
	resp.Body.Close()
	c.Equal(http.StatusOK, resp.StatusCode)

	resp, err = f.srv.Client().Get(f.srv.URL + "/metrics")
	c.NoError(err)
	resp.Body.Close()
	c.Equal(http.StatusOK, resp.StatusCode)
}

func TestServer_LoginRejectsForgedSignature(t *testing.T) {
	c := require.New(t)
	f := newFixture(t, config.FaucetConfig{})

	req, err := identity.SignLogin(key(3), time.Now())
	c.NoError(err)
	req.Identity = f.clientID

	body, _ := json.Marshal(req)
	resp, err := f.srv.Client().Post(f.srv.URL+"/v1/auth/token", "application/json", bytes.NewReader(body))
	c.NoError(err)
	defer resp.Body.Close()
	c.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_FaucetGate(t *testing.T) {
	c := require.New(t)
	ctx := context.Background()

	f := newFixture(t, config.FaucetConfig{})
	_, err := f.client.Deposit(ctx, f.clientID, 10)
	var apiErr *APIError
	c.True(errors.As(err, &apiErr))
	c.Equal(http.StatusForbidden, apiErr.Status)
	c.Equal(codeFaucetDisabled, apiErr.Code)

	capped := newFixture(t, config.FaucetConfig{Enabled: true, MaxAmount: 100})
	_, err = capped.client.Deposit(ctx, capped.clientID, 101)
	c.ErrorIs(err, escrow.ErrInvalidAmount)
	bal, err := capped.client.Deposit(ctx, capped.clientID, 100)
	c.NoError(err)
	c.Equal(uint64(100), bal)
}

func TestServer_RejectsUnknownFields(t *testing.T) {
	c := require.New(t)
	f := newFixture(t, config.FaucetConfig{Enabled: true})

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/escrows", strings.NewReader(`{"provider":"`+f.provID.String()+`","amount":1,"fee":2}`))
	c.NoError(err)
	req.Header.Set("Authorization", "Bearer "+f.client.token)
	resp, err := f.srv.Client().Do(req)
	c.NoError(err)
	defer resp.Body.Close()
	c.Equal(http.StatusBadRequest, resp.StatusCode)

	var body ErrorBody
	c.NoError(json.NewDecoder(resp.Body).Decode(&body))
	c.Equal(codeBadJSON, body.Error.Code)
	c.Equal(resp.Header.Get("X-Request-Id"), body.RequestID)
}
