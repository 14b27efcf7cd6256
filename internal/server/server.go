package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"PaimonControl/internal/approval"
	"PaimonControl/internal/fault"
	"PaimonControl/internal/observability"
	"PaimonControl/internal/query"
	"PaimonControl/internal/state"
)

// Command-side dependencies, sliced down to what the handlers call.
type ticketCommands interface {
	ProcessAction(ctx context.Context, p approval.ActionParams) (*state.ApprovalTicket, error)
	Cancel(ctx context.Context, ticketID, actor, reason string) (*state.ApprovalTicket, error)
}

type planCommands interface {
	Preview(ctx context.Context, trigger state.PlanTrigger, reason, createdBy string) (*state.RebalancePlan, error)
	Trigger(ctx context.Context, trigger state.PlanTrigger, reason, createdBy string) (*state.RebalancePlan, error)
	Execute(ctx context.Context, planID string) (*state.RebalancePlan, error)
}

type forecastRunner interface {
	Run(ctx context.Context) error
}

type resyncer interface {
	Resync(ctx context.Context, contract common.Address, from uint64) error
}

type queries interface {
	Fund(ctx context.Context) (*query.FundView, error)
	Redemption(ctx context.Context, requestID uint64) (*query.RedemptionView, error)
	Ticket(ctx context.Context, id string) (*query.TicketView, error)
	Plan(ctx context.Context, id string) (*query.PlanView, error)
	RiskLatest(ctx context.Context) (*query.RiskView, error)
	ForecastLatest(ctx context.Context) (*query.ForecastView, error)
}

type Config struct {
	Addr  string
	Vault common.Address

	Tickets   ticketCommands
	Plans     planCommands
	Forecasts forecastRunner
	Ingest    resyncer
	Queries   queries

	Idempotency IdempotencyStore
	Health      *observability.HealthChecker
	Metrics     *observability.Metrics
	Log         zerolog.Logger

	ShutdownTimeout time.Duration
}

// Server is the HTTP/JSON command and query surface. Commands require an
// Idempotency-Key plus a requester identity; queries are plain reads.
type Server struct {
	cfg  Config
	http *http.Server
	log  zerolog.Logger
}

func New(cfg Config) *Server {
	s := &Server{
		cfg: cfg,
		log: cfg.Log.With().Str("component", "server").Logger(),
	}

	mux := http.NewServeMux()

	// Commands
	mux.HandleFunc("POST /v1/tickets/{id}/approve", s.command("ticket_approve", s.handleTicketApprove))
	mux.HandleFunc("POST /v1/tickets/{id}/reject", s.command("ticket_reject", s.handleTicketReject))
	mux.HandleFunc("POST /v1/tickets/{id}/cancel", s.command("ticket_cancel", s.handleTicketCancel))
	mux.HandleFunc("POST /v1/plans/preview", s.command("plan_preview", s.handlePlanPreview))
	mux.HandleFunc("POST /v1/plans/{id}/execute", s.command("plan_execute", s.handlePlanExecute))
	mux.HandleFunc("POST /v1/rebalance/trigger", s.command("rebalance_trigger", s.handleRebalanceTrigger))
	mux.HandleFunc("POST /v1/forecast/trigger", s.command("forecast_trigger", s.handleForecastTrigger))
	mux.HandleFunc("POST /v1/resync", s.command("resync", s.handleResync))

	// Queries
	mux.HandleFunc("GET /v1/fund", s.query("fund", s.handleFund))
	mux.HandleFunc("GET /v1/redemptions/{id}", s.query("redemption", s.handleRedemption))
	mux.HandleFunc("GET /v1/tickets/{id}", s.query("ticket", s.handleTicket))
	mux.HandleFunc("GET /v1/plans/{id}", s.query("plan", s.handlePlan))
	mux.HandleFunc("GET /v1/risk/latest", s.query("risk_latest", s.handleRiskLatest))
	mux.HandleFunc("GET /v1/forecast/latest", s.query("forecast_latest", s.handleForecastLatest))

	mux.HandleFunc("GET /healthz", cfg.Health.LivenessHandler)
	mux.HandleFunc("GET /readyz", cfg.Health.ReadinessHandler)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then drains within the
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// outcome is a handler result: the JSON body plus the HTTP status. The
// command wrapper records it against the idempotency key.
type outcome struct {
	Status int
	Body   interface{}
}

type commandHandler func(ctx context.Context, r *http.Request, requester string) (*outcome, error)

// command wraps a mutation: requester and Idempotency-Key are mandatory,
// replays within the retention window return the recorded outcome, and
// fresh outcomes (success or terminal refusal) are recorded.
func (s *Server) command(name string, h commandHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requester := r.Header.Get("X-Requester")
		if requester == "" {
			s.finishCommand(w, name, http.StatusBadRequest,
				errorBody("X-Requester header is required", "VALIDATION"))
			return
		}
		idemKey := r.Header.Get("Idempotency-Key")
		if idemKey == "" {
			s.finishCommand(w, name, http.StatusBadRequest,
				errorBody("Idempotency-Key header is required", "VALIDATION"))
			return
		}

		storeKey := name + ":" + requester + ":" + idemKey
		if rec, ok, err := s.cfg.Idempotency.Get(r.Context(), storeKey); err != nil {
			s.log.Warn().Err(err).Msg("idempotency lookup failed, executing anyway")
		} else if ok {
			s.cfg.Metrics.IdempotencyReplays.Inc()
			s.cfg.Metrics.CommandRequests.WithLabelValues(name, "replay").Inc()
			writeRaw(w, rec.Status, rec.Body)
			return
		}

		out, err := h(r.Context(), r, requester)
		if err != nil {
			status, body := errorOutcome(err)
			s.record(r.Context(), storeKey, status, body, err)
			s.finishCommand(w, name, status, body)
			return
		}
		s.record(r.Context(), storeKey, out.Status, out.Body, nil)
		s.finishCommand(w, name, out.Status, out.Body)
	}
}

// record stores the outcome for replay. Transient failures are not
// recorded: the caller should retry those with the same key.
func (s *Server) record(ctx context.Context, key string, status int, body interface{}, cmdErr error) {
	if cmdErr != nil && fault.Retryable(cmdErr) {
		return
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	if err := s.cfg.Idempotency.Put(ctx, key, Record{Status: status, Body: raw}); err != nil {
		s.log.Warn().Err(err).Msg("idempotency record failed")
	}
}

func (s *Server) finishCommand(w http.ResponseWriter, name string, status int, body interface{}) {
	code := "ok"
	if status >= 400 {
		if eb, isErr := body.(map[string]string); isErr {
			code = eb["code"]
		} else {
			code = "error"
		}
	}
	s.cfg.Metrics.CommandRequests.WithLabelValues(name, code).Inc()
	writeJSON(w, status, body)
}

type queryHandler func(ctx context.Context, r *http.Request) (interface{}, error)

// query wraps a read: nil result means 404, faults map to status codes.
func (s *Server) query(name string, h queryHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := h(r.Context(), r)
		status := http.StatusOK
		switch {
		case err != nil:
			var body interface{}
			status, body = errorOutcome(err)
			writeJSON(w, status, body)
		case v == nil:
			status = http.StatusNotFound
			writeJSON(w, status, errorBody("not found", "NOT_FOUND"))
		default:
			writeJSON(w, status, v)
		}
		s.cfg.Metrics.QueryRequests.WithLabelValues(name, statusClass(status)).Inc()
	}
}

// errorOutcome maps a fault kind to an HTTP status plus a JSON body
// carrying the stable code.
func errorOutcome(err error) (int, interface{}) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.KindValidation:
		status = http.StatusBadRequest
	case fault.KindRuleNotMatched, fault.KindUnsupportedReference:
		status = http.StatusUnprocessableEntity
	case fault.KindTransientRpc, fault.KindRpcTimeout, fault.KindRpcRateLimited,
		fault.KindSendTimeout, fault.KindDeadlineExceeded, fault.KindLeaseLost:
		status = http.StatusServiceUnavailable
	}
	return status, errorBody(err.Error(), fault.Code(err))
}

func errorBody(msg, code string) map[string]string {
	return map[string]string{"error": msg, "code": code}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func statusClass(status int) string {
	switch {
	case status < 400:
		return "ok"
	case status == http.StatusNotFound:
		return "not_found"
	case status < 500:
		return "client_error"
	default:
		return "server_error"
	}
}
