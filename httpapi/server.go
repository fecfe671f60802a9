// Package httpapi exposes the escrow engine over HTTP.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/kawsbot/a2a-pay/config"
	"github.com/kawsbot/a2a-pay/escrow"
	"github.com/kawsbot/a2a-pay/identity"
	"github.com/kawsbot/a2a-pay/ledger"
	"github.com/kawsbot/a2a-pay/outbox"
)

type Options struct {
	Faucet config.FaucetConfig
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type Server struct {
	escrow  *escrow.Service
	auth    *identity.Service
	options Options
	logger  zerolog.Logger
}

func NewServer(svc *escrow.Service, auth *identity.Service, logger zerolog.Logger, opts Options) *Server {
	return &Server{
		escrow:  svc,
		auth:    auth,
		options: opts,
		logger:  logger.With().Str("component", "http").Logger(),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestContext)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	if s.options.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.options.Metrics)
	}

	r.Route("/v1", func(api chi.Router) {
		api.Post("/auth/token", s.handleLogin)

		api.Group(func(authed chi.Router) {
			authed.Use(s.authenticate)

			authed.Route("/escrows", func(er chi.Router) {
				er.Post("/", s.handleCreate)
				er.Get("/", s.handleQuery)
				er.Route("/{address}", func(one chi.Router) {
					one.Get("/", s.handleGet)
					one.Get("/events", s.handleEvents)
					one.Post("/complete", s.handleAction(escrow.OpCompleteService))
					one.Post("/release", s.handleAction(escrow.OpReleasePayment))
					one.Post("/dispute", s.handleAction(escrow.OpDispute))
				})
			})

			authed.Get("/accounts/{identity}/balance", s.handleBalance)
			authed.Post("/accounts/{identity}/deposit", s.handleDeposit)
		})
	})
	return r
}

/* --------------------------------- Middleware -------------------------------- */

func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := NewRequestID()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		s.logger.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeFailure(w, r, http.StatusUnauthorized, codeUnauthenticated, "missing bearer token")
			return
		}
		caller, err := s.auth.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeFailure(w, r, http.StatusUnauthorized, codeUnauthenticated, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
	})
}

func callerFrom(ctx context.Context) identity.Identity {
	id, _ := ctx.Value(callerKey).(identity.Identity)
	return id
}

/* --------------------------------- Payloads -------------------------------- */

type (
	CreateRequest struct {
		// Client defaults to the caller.
		Client            *identity.Identity `json:"client,omitempty"`
		Provider          identity.Identity  `json:"provider"`
		ServiceDescriptor string             `json:"service_descriptor"`
		Amount            uint64             `json:"amount"`
	}

	ActionRequest struct {
		Counterparty *identity.Identity `json:"counterparty,omitempty"`
	}

	DepositRequest struct {
		Amount uint64 `json:"amount"`
	}

	RecordResponse struct {
		RequestID string         `json:"request_id"`
		Address   escrow.Address `json:"address"`
		Escrow    escrow.Record  `json:"escrow"`
	}

	ListResponse struct {
		RequestID string         `json:"request_id"`
		Escrows   []escrow.Entry `json:"escrows"`
	}

	EventsResponse struct {
		RequestID string           `json:"request_id"`
		Address   escrow.Address   `json:"address"`
		Events    []outbox.Message `json:"events"`
	}

	BalanceResponse struct {
		RequestID string            `json:"request_id"`
		Identity  identity.Identity `json:"identity"`
		Balance   uint64            `json:"balance"`
	}

	TokenResponse struct {
		RequestID string `json:"request_id"`
		identity.LoginResult
	}
)

/* --------------------------------- Handlers -------------------------------- */

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req identity.LoginRequest
	if err := readJSON(r, &req); err != nil {
		writeFailure(w, r, http.StatusBadRequest, codeBadJSON, err.Error())
		return
	}
	res, err := s.auth.Login(req)
	if err != nil {
		s.logger.Warn().Err(err).Str("identity", req.Identity.String()).Msg("login rejected")
		writeFailure(w, r, http.StatusUnauthorized, codeUnauthenticated, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{RequestID: requestID(r.Context()), LoginResult: res})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := readJSON(r, &req); err != nil {
		writeFailure(w, r, http.StatusBadRequest, codeBadJSON, err.Error())
		return
	}
	if req.Provider.IsZero() {
		writeFailure(w, r, http.StatusBadRequest, codeBadRequest, "provider is required")
		return
	}

	caller := callerFrom(r.Context())
	client := caller
	if req.Client != nil {
		client = *req.Client
	}
	addr, rec, err := s.escrow.CreateEscrow(r.Context(), caller, escrow.CreateParams{
		Client:            client,
		Provider:          req.Provider,
		ServiceDescriptor: req.ServiceDescriptor,
		Amount:            req.Amount,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordResponse{RequestID: requestID(r.Context()), Address: addr, Escrow: rec})
}

// handleQuery serves both lookups: by (client, provider, service) or by party.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if party := q.Get("party"); party != "" {
		id, err := identity.Parse(party)
		if err != nil {
			writeFailure(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
			return
		}
		entries, err := s.escrow.List(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ListResponse{RequestID: requestID(r.Context()), Escrows: entries})
		return
	}

	if q.Get("provider") == "" || !q.Has("service") {
		writeFailure(w, r, http.StatusBadRequest, codeBadRequest, "either party or provider and service are required")
		return
	}
	provider, err := identity.Parse(q.Get("provider"))
	if err != nil {
		writeFailure(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	client := callerFrom(r.Context())
	if c := q.Get("client"); c != "" {
		if client, err = identity.Parse(c); err != nil {
			writeFailure(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
			return
		}
	}
	addr, rec, err := s.escrow.Find(r.Context(), client, provider, q.Get("service"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RecordResponse{RequestID: requestID(r.Context()), Address: addr, Escrow: rec})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	rec, err := s.escrow.Get(r.Context(), addr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RecordResponse{RequestID: requestID(r.Context()), Address: addr, Escrow: rec})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	events, err := s.escrow.Events(r.Context(), addr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EventsResponse{RequestID: requestID(r.Context()), Address: addr, Events: messages(events)})
}

func (s *Server) handleAction(op escrow.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr, ok := addressParam(w, r)
		if !ok {
			return
		}
		var req ActionRequest
		if err := readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeFailure(w, r, http.StatusBadRequest, codeBadJSON, err.Error())
			return
		}
		params := escrow.ActionParams{Address: addr}
		if req.Counterparty != nil {
			params.Counterparty = *req.Counterparty
		}

		caller := callerFrom(r.Context())
		var (
			rec escrow.Record
			err error
		)
		switch op {
		case escrow.OpCompleteService:
			rec, err = s.escrow.CompleteService(r.Context(), caller, params)
		case escrow.OpReleasePayment:
			rec, err = s.escrow.ReleasePayment(r.Context(), caller, params)
		case escrow.OpDispute:
			rec, err = s.escrow.Dispute(r.Context(), caller, params)
		default:
			err = errors.New("unsupported operation " + string(op))
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, RecordResponse{RequestID: requestID(r.Context()), Address: addr, Escrow: rec})
	}
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}
	bal, err := s.escrow.Balance(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{RequestID: requestID(r.Context()), Identity: id, Balance: bal})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if !s.options.Faucet.Enabled {
		writeFailure(w, r, http.StatusForbidden, codeFaucetDisabled, "deposits are disabled")
		return
	}
	id, ok := identityParam(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if err := readJSON(r, &req); err != nil {
		writeFailure(w, r, http.StatusBadRequest, codeBadJSON, err.Error())
		return
	}
	if limit := s.options.Faucet.MaxAmount; limit > 0 && req.Amount > limit {
		writeFailure(w, r, http.StatusBadRequest, escrow.TextInvalidAmount, "amount exceeds faucet limit")
		return
	}
	bal, err := s.escrow.Fund(r.Context(), id, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{RequestID: requestID(r.Context()), Identity: id, Balance: bal})
}

/* --------------------------------- Helpers -------------------------------- */

func addressParam(w http.ResponseWriter, r *http.Request) (escrow.Address, bool) {
	addr, err := escrow.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeFailure(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		return escrow.Address{}, false
	}
	return addr, true
}

func identityParam(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	id, err := identity.Parse(chi.URLParam(r, "identity"))
	if err != nil {
		writeFailure(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		return identity.Identity{}, false
	}
	return id, true
}

func messages(events []ledger.Event) []outbox.Message {
	out := make([]outbox.Message, 0, len(events))
	for _, ev := range events {
		out = append(out, outbox.NewMessage(ev))
	}
	return out
}
