package rebalance_test

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"PaimonControl/internal/chain"
	"PaimonControl/internal/event"
	"PaimonControl/internal/fault"
	fpmath "PaimonControl/internal/math"
	"PaimonControl/internal/observability"
	"PaimonControl/internal/rebalance"
	"PaimonControl/internal/state"
)

var testMetrics = observability.NewMetrics()

var testVault = common.HexToAddress("0x5151515151515151515151515151515151515151")

type gatewayCall struct {
	contract common.Address
	signer   chain.SignerID
	call     chain.Call
}

// fakeGateway answers simulations and sends from canned hooks instead of a
// chain. Failed sends are counted but not recorded as sent.
type fakeGateway struct {
	mu        sync.Mutex
	simErr    func(c chain.Call) error
	sendErr   func(c chain.Call) error
	sendFails []error // consumed one per Send before sendErr applies
	simulated []gatewayCall
	sent      []gatewayCall
	sendCalls int
}

func (g *fakeGateway) Simulate(_ context.Context, contract common.Address, signer chain.SignerID, c chain.Call) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.simulated = append(g.simulated, gatewayCall{contract: contract, signer: signer, call: c})
	if g.simErr != nil {
		return g.simErr(c)
	}
	return nil
}

func (g *fakeGateway) Send(_ context.Context, contract common.Address, signer chain.SignerID, c chain.Call) (*types.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sendCalls++
	if len(g.sendFails) > 0 {
		err := g.sendFails[0]
		g.sendFails = g.sendFails[1:]
		if err != nil {
			return nil, err
		}
	} else if g.sendErr != nil {
		if err := g.sendErr(c); err != nil {
			return nil, err
		}
	}
	g.sent = append(g.sent, gatewayCall{contract: contract, signer: signer, call: c})
	return &types.Receipt{
		TxHash:  common.BigToHash(big.NewInt(int64(g.sendCalls))),
		GasUsed: 150_000,
	}, nil
}

func (g *fakeGateway) simulatedMethods() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.simulated))
	for i, gc := range g.simulated {
		out[i] = gc.call.Method
	}
	return out
}

func (g *fakeGateway) sentMethods() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.sent))
	for i, gc := range g.sent {
		out[i] = gc.call.Method
	}
	return out
}

func newSimulator(g *fakeGateway) *rebalance.Simulator {
	return rebalance.NewSimulator(g, testVault, testLimits(), testMetrics, zerolog.Nop())
}

// refillPlan is a one-transfer plan whose post-state lands exactly on
// target.
func refillPlan(t *testing.T) *state.RebalancePlan {
	t.Helper()
	funds := &fakeFunds{fund: fundWith(300_000, 200_000, 3_500_000, 6_000_000, 100_000)}
	p := newPlanner(funds, &fakeAssets{}, &fakeOutflows{})
	plan, err := p.Generate(context.Background(), state.TriggerDeviation, "drift", "monitor")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(plan.Actions) != 1 {
		t.Fatalf("fixture plan has %d actions, want 1", len(plan.Actions))
	}
	return plan
}

func balancedPlan(t *testing.T) *state.RebalancePlan {
	t.Helper()
	funds := &fakeFunds{fund: fundWith(1_000_000, 0, 3_000_000, 6_000_000, 100_000)}
	p := newPlanner(funds, &fakeAssets{}, &fakeOutflows{})
	plan, err := p.Generate(context.Background(), state.TriggerManual, "routine", "ops")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return plan
}

func TestGateAdmitsCleanPlan(t *testing.T) {
	g := &fakeGateway{}
	plan := refillPlan(t)

	if err := newSimulator(g).Gate(context.Background(), plan); err != nil {
		t.Fatalf("Gate: %v", err)
	}
	if got := g.simulatedMethods(); len(got) != 1 || got[0] != "rebalanceSwap" {
		t.Errorf("simulated %v, want [rebalanceSwap]", got)
	}
	if g.simulated[0].signer != chain.SignerRebalancer {
		t.Errorf("signer = %s, want REBALANCER", g.simulated[0].signer)
	}
	if g.simulated[0].contract != testVault {
		t.Errorf("contract = %s, want vault", g.simulated[0].contract)
	}
}

func TestGateRejectsOnRevert(t *testing.T) {
	g := &fakeGateway{simErr: func(chain.Call) error {
		return fault.Newf(fault.KindSimulationReverted, "chain.Simulate", "rebalanceSwap reverted: InsufficientL2Balance")
	}}
	plan := refillPlan(t)
	plan.Actions = append(plan.Actions, &state.RebalanceAction{
		Seq: 2, Type: state.ActionBuffer, Amount: fpmath.BaseUnits(20_000),
	})

	err := newSimulator(g).Gate(context.Background(), plan)
	if !fault.Is(err, fault.KindSimulationReverted) {
		t.Fatalf("Gate err = %v, want SIMULATION_REVERTED", err)
	}
	// The gate stops at the first revert.
	if got := len(g.simulatedMethods()); got != 1 {
		t.Errorf("simulated %d calls, want 1", got)
	}
}

func TestGateBubblesTransientErrors(t *testing.T) {
	g := &fakeGateway{simErr: func(chain.Call) error {
		return fault.Newf(fault.KindRpcTimeout, "chain.Simulate", "eth_call timed out")
	}}

	err := newSimulator(g).Gate(context.Background(), refillPlan(t))
	if err == nil {
		t.Fatal("Gate: want error")
	}
	if !fault.Retryable(err) {
		t.Errorf("err %v should be retryable", err)
	}
	if fault.Is(err, fault.KindSimulationReverted) {
		t.Error("a timed-out check is not a revert")
	}
}

func TestGateEnforcesSlippageBudget(t *testing.T) {
	g := &fakeGateway{}
	// A 3M move is 30% of the book: predicted 3bps against a 1bps budget.
	plan := balancedPlan(t)
	plan.Actions = []*state.RebalanceAction{{
		PlanID: plan.ID, Seq: 1, Type: state.ActionTransfer,
		FromTier: event.TierL2, ToTier: event.TierL1,
		Amount: fpmath.BaseUnits(3_000_000), MaxSlippageBps: 1,
		Status: state.ActionStatusPending,
	}}

	err := newSimulator(g).Gate(context.Background(), plan)
	if !fault.Is(err, fault.KindSlippageExceeded) {
		t.Fatalf("Gate err = %v, want SLIPPAGE_EXCEEDED", err)
	}
	if !strings.Contains(err.Error(), "predicted 3bps") {
		t.Errorf("err = %v, want predicted 3bps named", err)
	}
}

func TestGateRejectsProjectedDrift(t *testing.T) {
	g := &fakeGateway{}
	// A gratuitous 500k L2->L1 move on a balanced book lands 500bps off
	// target, past the 100bps tolerance.
	plan := balancedPlan(t)
	plan.Actions = []*state.RebalanceAction{{
		PlanID: plan.ID, Seq: 1, Type: state.ActionTransfer,
		FromTier: event.TierL2, ToTier: event.TierL1,
		Amount: fpmath.BaseUnits(500_000), MaxSlippageBps: 200,
		Status: state.ActionStatusPending,
	}}

	err := newSimulator(g).Gate(context.Background(), plan)
	if !fault.Is(err, fault.KindValidation) {
		t.Fatalf("Gate err = %v, want VALIDATION", err)
	}
	if !strings.Contains(err.Error(), "drift 500bps") {
		t.Errorf("err = %v, want the 500bps drift named", err)
	}
}

func TestGateSkipsDriftForWaterfall(t *testing.T) {
	g := &fakeGateway{}
	funds := &fakeFunds{fund: fundWith(1_000_000, 0, 3_000_000, 6_000_000, 100_000)}
	p := newPlanner(funds, &fakeAssets{}, &fakeOutflows{})

	// Raising 2M into L1 skews the book hard toward cash; the gate must
	// not hold that against a waterfall.
	plan, err := p.Waterfall(context.Background(), fpmath.BaseUnits(2_000_000), "quota breach", "risk-engine")
	if err != nil {
		t.Fatalf("Waterfall: %v", err)
	}
	if err := newSimulator(g).Gate(context.Background(), plan); err != nil {
		t.Fatalf("Gate: %v", err)
	}
}

func TestGateMapsActionsToVaultCalls(t *testing.T) {
	g := &fakeGateway{}
	asset := common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	plan := balancedPlan(t)
	amt := fpmath.BaseUnits(20_000)
	plan.Actions = []*state.RebalanceAction{
		{Seq: 1, Type: state.ActionTransfer, FromTier: event.TierL2, ToTier: event.TierL1, Amount: amt},
		{Seq: 2, Type: state.ActionPurchase, FromTier: event.TierL1, ToTier: event.TierL3, Asset: &asset, Amount: amt},
		{Seq: 3, Type: state.ActionRedeem, FromTier: event.TierL3, ToTier: event.TierL1, Asset: &asset, Amount: amt},
		{Seq: 4, Type: state.ActionRedeem, FromTier: event.TierL3, ToTier: event.TierL1, Amount: amt},
		{Seq: 5, Type: state.ActionWaterfall, Amount: amt, MaxTier: event.TierL3},
		{Seq: 6, Type: state.ActionBuffer, Amount: amt},
	}

	if err := newSimulator(g).Gate(context.Background(), plan); err != nil {
		t.Fatalf("Gate: %v", err)
	}
	want := []string{
		"rebalanceSwap",
		"purchaseAsset",
		"redeemAsset",
		"liquidateForL1",
		"executeWaterfallLiquidation",
		"rebalanceBuffer",
	}
	got := g.simulatedMethods()
	if len(got) != len(want) {
		t.Fatalf("simulated %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestGateRejectsPurchaseWithoutAsset(t *testing.T) {
	g := &fakeGateway{}
	plan := balancedPlan(t)
	plan.Actions = []*state.RebalanceAction{{
		Seq: 1, Type: state.ActionPurchase,
		FromTier: event.TierL1, ToTier: event.TierL3,
		Amount: fpmath.BaseUnits(20_000),
	}}

	err := newSimulator(g).Gate(context.Background(), plan)
	if !fault.Is(err, fault.KindValidation) {
		t.Fatalf("Gate err = %v, want VALIDATION", err)
	}
	if !strings.Contains(err.Error(), "no asset") {
		t.Errorf("err = %v, want the missing asset named", err)
	}
	if got := len(g.simulatedMethods()); got != 0 {
		t.Errorf("simulated %d calls, want none", got)
	}
}
