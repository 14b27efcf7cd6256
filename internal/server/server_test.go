package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"PaimonControl/internal/approval"
	"PaimonControl/internal/fault"
	"PaimonControl/internal/observability"
	"PaimonControl/internal/query"
	"PaimonControl/internal/state"
)

var testMetrics = observability.NewMetrics()

var testVault = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type fakeTickets struct {
	calls  int
	err    error
	ticket *state.ApprovalTicket
}

func (f *fakeTickets) ProcessAction(_ context.Context, _ approval.ActionParams) (*state.ApprovalTicket, error) {
	f.calls++
	return f.ticket, f.err
}

func (f *fakeTickets) Cancel(_ context.Context, _, _, _ string) (*state.ApprovalTicket, error) {
	f.calls++
	return f.ticket, f.err
}

type fakePlans struct {
	calls int
	err   error
	plan  *state.RebalancePlan
}

func (f *fakePlans) Preview(_ context.Context, _ state.PlanTrigger, _, _ string) (*state.RebalancePlan, error) {
	f.calls++
	return f.plan, f.err
}

func (f *fakePlans) Trigger(_ context.Context, _ state.PlanTrigger, _, _ string) (*state.RebalancePlan, error) {
	f.calls++
	return f.plan, f.err
}

func (f *fakePlans) Execute(_ context.Context, _ string) (*state.RebalancePlan, error) {
	f.calls++
	return f.plan, f.err
}

type fakeForecasts struct{ err error }

func (f *fakeForecasts) Run(context.Context) error { return f.err }

type fakeResync struct {
	contract common.Address
	from     uint64
}

func (f *fakeResync) Resync(_ context.Context, contract common.Address, from uint64) error {
	f.contract = contract
	f.from = from
	return nil
}

type fakeQueries struct {
	fund *query.FundView
}

func (f *fakeQueries) Fund(context.Context) (*query.FundView, error) { return f.fund, nil }
func (f *fakeQueries) Redemption(context.Context, uint64) (*query.RedemptionView, error) {
	return nil, nil
}
func (f *fakeQueries) Ticket(context.Context, string) (*query.TicketView, error) { return nil, nil }
func (f *fakeQueries) Plan(context.Context, string) (*query.PlanView, error)     { return nil, nil }
func (f *fakeQueries) RiskLatest(context.Context) (*query.RiskView, error)       { return nil, nil }
func (f *fakeQueries) ForecastLatest(context.Context) (*query.ForecastView, error) {
	return nil, nil
}

type memIdempotency struct {
	records map[string]Record
}

func (m *memIdempotency) Get(_ context.Context, key string) (Record, bool, error) {
	rec, ok := m.records[key]
	return rec, ok, nil
}

func (m *memIdempotency) Put(_ context.Context, key string, rec Record) error {
	if m.records == nil {
		m.records = make(map[string]Record)
	}
	m.records[key] = rec
	return nil
}

type env struct {
	srv     *Server
	tickets *fakeTickets
	plans   *fakePlans
	resync  *fakeResync
	idem    *memIdempotency
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		tickets: &fakeTickets{ticket: &state.ApprovalTicket{ID: "APR-00000001", Status: state.TicketStatusApproved}},
		plans:   &fakePlans{plan: &state.RebalancePlan{ID: "RBL-00000001", Status: state.PlanStatusApproved}},
		resync:  &fakeResync{},
		idem:    &memIdempotency{},
	}
	e.srv = New(Config{
		Addr:        ":0",
		Vault:       testVault,
		Tickets:     e.tickets,
		Plans:       e.plans,
		Forecasts:   &fakeForecasts{},
		Ingest:      e.resync,
		Queries:     &fakeQueries{},
		Idempotency: e.idem,
		Health:      observability.NewHealthChecker(),
		Metrics:     testMetrics,
		Log:         zerolog.Nop(),
	})
	return e
}

func do(t *testing.T, e *env, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func commandHeaders(key string) map[string]string {
	return map[string]string{"X-Requester": "ops@fund", "Idempotency-Key": key}
}

func TestCommandRequiresIdempotencyKey(t *testing.T) {
	e := newEnv(t)
	w := do(t, e, "POST", "/v1/tickets/APR-1/approve", "{}",
		map[string]string{"X-Requester": "ops@fund"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", w.Code)
	}
	if e.tickets.calls != 0 {
		t.Error("handler should not run without an idempotency key")
	}
}

func TestCommandRequiresRequester(t *testing.T) {
	e := newEnv(t)
	w := do(t, e, "POST", "/v1/tickets/APR-1/approve", "{}",
		map[string]string{"Idempotency-Key": "k1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", w.Code)
	}
}

func TestIdempotentReplay(t *testing.T) {
	e := newEnv(t)

	first := do(t, e, "POST", "/v1/tickets/APR-1/approve", "{}", commandHeaders("k1"))
	if first.Code != http.StatusOK {
		t.Fatalf("first call: got %d, want 200", first.Code)
	}
	second := do(t, e, "POST", "/v1/tickets/APR-1/approve", "{}", commandHeaders("k1"))
	if second.Code != http.StatusOK {
		t.Fatalf("replay: got %d, want 200", second.Code)
	}
	if e.tickets.calls != 1 {
		t.Errorf("engine calls: got %d, want 1 (replay must not re-execute)", e.tickets.calls)
	}
	if first.Body.String() != second.Body.String() {
		t.Error("replay body should match the recorded outcome")
	}
}

func TestDistinctKeysExecuteSeparately(t *testing.T) {
	e := newEnv(t)
	do(t, e, "POST", "/v1/tickets/APR-1/approve", "{}", commandHeaders("k1"))
	do(t, e, "POST", "/v1/tickets/APR-1/approve", "{}", commandHeaders("k2"))
	if e.tickets.calls != 2 {
		t.Errorf("engine calls: got %d, want 2", e.tickets.calls)
	}
}

func TestValidationMapsToBadRequest(t *testing.T) {
	e := newEnv(t)
	e.plans.err = fault.Newf(fault.KindValidation, "rebalance.Trigger", "no rebalancing needed")

	w := do(t, e, "POST", "/v1/rebalance/trigger", `{"reason":"drift"}`, commandHeaders("k1"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["code"] != "ValidationError" {
		t.Errorf("code: got %s, want ValidationError", body["code"])
	}
}

func TestTransientFailureNotRecorded(t *testing.T) {
	e := newEnv(t)
	e.plans.err = fault.Newf(fault.KindTransientRpc, "rebalance.Trigger", "rpc down")

	w := do(t, e, "POST", "/v1/rebalance/trigger", `{"reason":"drift"}`, commandHeaders("k1"))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503", w.Code)
	}
	if len(e.idem.records) != 0 {
		t.Error("transient failures must not be recorded; caller retries the same key")
	}

	// Retry with the same key succeeds once the dependency recovers.
	e.plans.err = nil
	retry := do(t, e, "POST", "/v1/rebalance/trigger", `{"reason":"drift"}`, commandHeaders("k1"))
	if retry.Code != http.StatusCreated {
		t.Fatalf("retry: got %d, want 201", retry.Code)
	}
}

func TestQueryNotFound(t *testing.T) {
	e := newEnv(t)
	w := do(t, e, "GET", "/v1/redemptions/42", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", w.Code)
	}
}

func TestRedemptionIDValidation(t *testing.T) {
	e := newEnv(t)
	w := do(t, e, "GET", "/v1/redemptions/not-a-number", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", w.Code)
	}
}

func TestResyncDefaultsToVault(t *testing.T) {
	e := newEnv(t)
	w := do(t, e, "POST", "/v1/resync", `{"from_block":4200000}`, commandHeaders("k1"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202", w.Code)
	}
	if e.resync.contract != testVault {
		t.Errorf("contract: got %s, want vault default", e.resync.contract.Hex())
	}
	if e.resync.from != 4_200_000 {
		t.Errorf("from: got %d, want 4200000", e.resync.from)
	}
}

func TestUnknownBodyFieldRejected(t *testing.T) {
	e := newEnv(t)
	w := do(t, e, "POST", "/v1/rebalance/trigger", `{"reson":"typo"}`, commandHeaders("k1"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", w.Code)
	}
}
