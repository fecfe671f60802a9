package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kawsbot/a2a-pay/escrow"
	"github.com/kawsbot/a2a-pay/identity"
)

// APIError is a non-2xx response. It unwraps to the matching escrow error
// kind so callers can use errors.Is across the wire.
type APIError struct {
	Status    int
	RequestID string
	Code      string
	Message   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s [%s]", e.Code, e.Status, e.Message, e.RequestID)
}

var sentinels = map[string]error{
	escrow.TextServiceDescriptorTooLong: escrow.ErrServiceDescriptorTooLong,
	escrow.TextInvalidAmount:            escrow.ErrInvalidAmount,
	escrow.TextRecordAlreadyExists:      escrow.ErrRecordAlreadyExists,
	escrow.TextRecordNotFound:           escrow.ErrRecordNotFound,
	escrow.TextUnauthorized:             escrow.ErrUnauthorized,
	escrow.TextInvalidStatus:            escrow.ErrInvalidStatus,
	escrow.TextInsufficientFunds:        escrow.ErrInsufficientFunds,
	escrow.TextBalanceOverflow:          escrow.ErrBalanceOverflow,
}

func (e *APIError) Unwrap() error {
	return sentinels[e.Code]
}

// Client talks to an escrowd instance.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// WithToken sets the bearer token used for authenticated routes.
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

// Login signs a fresh login challenge with key and stores the issued token.
func (c *Client) Login(ctx context.Context, key ed25519.PrivateKey) (identity.LoginResult, error) {
	req, err := identity.SignLogin(key, time.Now())
	if err != nil {
		return identity.LoginResult{}, err
	}
	var res TokenResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth/token", req, &res); err != nil {
		return identity.LoginResult{}, err
	}
	c.token = res.Token
	return res.LoginResult, nil
}

func (c *Client) Create(ctx context.Context, req CreateRequest) (RecordResponse, error) {
	var res RecordResponse
	err := c.do(ctx, http.MethodPost, "/v1/escrows", req, &res)
	return res, err
}

func (c *Client) Get(ctx context.Context, addr escrow.Address) (RecordResponse, error) {
	var res RecordResponse
	err := c.do(ctx, http.MethodGet, "/v1/escrows/"+addr.String(), nil, &res)
	return res, err
}

// Find looks up the record for (client, provider, service). A zero client
// means the caller.
func (c *Client) Find(ctx context.Context, client, provider identity.Identity, service string) (RecordResponse, error) {
	q := url.Values{}
	q.Set("provider", provider.String())
	q.Set("service", service)
	if !client.IsZero() {
		q.Set("client", client.String())
	}
	var res RecordResponse
	err := c.do(ctx, http.MethodGet, "/v1/escrows?"+q.Encode(), nil, &res)
	return res, err
}

func (c *Client) List(ctx context.Context, party identity.Identity) ([]escrow.Entry, error) {
	var res ListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/escrows?party="+party.String(), nil, &res); err != nil {
		return nil, err
	}
	return res.Escrows, nil
}

func (c *Client) Complete(ctx context.Context, addr escrow.Address, counterparty *identity.Identity) (RecordResponse, error) {
	return c.act(ctx, addr, "complete", counterparty)
}

func (c *Client) Release(ctx context.Context, addr escrow.Address, counterparty *identity.Identity) (RecordResponse, error) {
	return c.act(ctx, addr, "release", counterparty)
}

func (c *Client) Dispute(ctx context.Context, addr escrow.Address, counterparty *identity.Identity) (RecordResponse, error) {
	return c.act(ctx, addr, "dispute", counterparty)
}

func (c *Client) act(ctx context.Context, addr escrow.Address, action string, counterparty *identity.Identity) (RecordResponse, error) {
	var res RecordResponse
	err := c.do(ctx, http.MethodPost, "/v1/escrows/"+addr.String()+"/"+action, ActionRequest{Counterparty: counterparty}, &res)
	return res, err
}

func (c *Client) Events(ctx context.Context, addr escrow.Address) (EventsResponse, error) {
	var res EventsResponse
	err := c.do(ctx, http.MethodGet, "/v1/escrows/"+addr.String()+"/events", nil, &res)
	return res, err
}

func (c *Client) Balance(ctx context.Context, id identity.Identity) (uint64, error) {
	var res BalanceResponse
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+id.String()+"/balance", nil, &res); err != nil {
		return 0, err
	}
	return res.Balance, nil
}

func (c *Client) Deposit(ctx context.Context, id identity.Identity, amount uint64) (uint64, error) {
	var res BalanceResponse
	if err := c.do(ctx, http.MethodPost, "/v1/accounts/"+id.String()+"/deposit", DepositRequest{Amount: amount}, &res); err != nil {
		return 0, err
	}
	return res.Balance, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("httpapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb ErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return &APIError{
			Status:    resp.StatusCode,
			RequestID: eb.RequestID,
			Code:      eb.Error.Code,
			Message:   eb.Error.Message,
		}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
