package state_test

import (
	"math/big"
	"regexp"
	"testing"

	"PaimonControl/internal/event"
	"PaimonControl/internal/state"
)

func TestRedemptionTransitions(t *testing.T) {
	cases := []struct {
		from, to state.RedemptionStatus
		want     bool
	}{
		{state.RedemptionStatusPending, state.RedemptionStatusSettled, true},
		{state.RedemptionStatusPending, state.RedemptionStatusApproved, false},
		{state.RedemptionStatusPendingApproval, state.RedemptionStatusApproved, true},
		{state.RedemptionStatusPendingApproval, state.RedemptionStatusRejected, true},
		{state.RedemptionStatusPendingApproval, state.RedemptionStatusExpired, true},
		{state.RedemptionStatusPendingApproval, state.RedemptionStatusCancelled, true},
		{state.RedemptionStatusPendingApproval, state.RedemptionStatusSettled, false},
		{state.RedemptionStatusApproved, state.RedemptionStatusSettled, true},
		{state.RedemptionStatusApproved, state.RedemptionStatusRejected, false},
		{state.RedemptionStatusSettled, state.RedemptionStatusPending, false},
		{state.RedemptionStatusRejected, state.RedemptionStatusApproved, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("%v -> %v: got %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	for from := state.RedemptionStatusPending; from <= state.RedemptionStatusCancelled; from++ {
		if !from.IsTerminal() {
			continue
		}
		for to := state.RedemptionStatusPending; to <= state.RedemptionStatusCancelled; to++ {
			if from.CanTransitionTo(to) {
				t.Errorf("redemption: terminal %v has edge to %v", from, to)
			}
		}
	}
	for from := state.TicketStatusPending; from <= state.TicketStatusCancelled; from++ {
		if !from.IsTerminal() {
			continue
		}
		for to := state.TicketStatusPending; to <= state.TicketStatusCancelled; to++ {
			if from.CanTransitionTo(to) {
				t.Errorf("ticket: terminal %v has edge to %v", from, to)
			}
		}
	}
	for from := state.PlanStatusDraft; from <= state.PlanStatusCancelled; from++ {
		if !from.IsTerminal() {
			continue
		}
		for to := state.PlanStatusDraft; to <= state.PlanStatusCancelled; to++ {
			if from.CanTransitionTo(to) {
				t.Errorf("plan: terminal %v has edge to %v", from, to)
			}
		}
	}
}

func TestTicketTransitions(t *testing.T) {
	cases := []struct {
		from, to state.TicketStatus
		want     bool
	}{
		{state.TicketStatusPending, state.TicketStatusPartiallyApproved, true},
		{state.TicketStatusPending, state.TicketStatusApproved, true},
		{state.TicketStatusPending, state.TicketStatusRejected, true},
		{state.TicketStatusPartiallyApproved, state.TicketStatusPartiallyApproved, true},
		{state.TicketStatusPartiallyApproved, state.TicketStatusApproved, true},
		{state.TicketStatusPartiallyApproved, state.TicketStatusExpired, true},
		{state.TicketStatusApproved, state.TicketStatusRejected, false},
		{state.TicketStatusExpired, state.TicketStatusApproved, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("%v -> %v: got %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTicketCancelWindow(t *testing.T) {
	if !state.TicketStatusPending.CanCancel() {
		t.Error("PENDING should be cancellable")
	}
	if !state.TicketStatusPartiallyApproved.CanCancel() {
		t.Error("PARTIALLY_APPROVED should be cancellable")
	}
	if state.TicketStatusApproved.CanCancel() {
		t.Error("APPROVED should not be cancellable")
	}
	if state.TicketStatusExpired.CanCancel() {
		t.Error("EXPIRED should not be cancellable")
	}
}

func TestPlanTransitions(t *testing.T) {
	cases := []struct {
		from, to state.PlanStatus
		want     bool
	}{
		{state.PlanStatusDraft, state.PlanStatusPendingApproval, true},
		{state.PlanStatusDraft, state.PlanStatusApproved, true},
		{state.PlanStatusDraft, state.PlanStatusFailed, true}, // simulation gate
		{state.PlanStatusDraft, state.PlanStatusExecuting, false},
		{state.PlanStatusPendingApproval, state.PlanStatusApproved, true},
		{state.PlanStatusPendingApproval, state.PlanStatusCancelled, true},
		{state.PlanStatusApproved, state.PlanStatusExecuting, true},
		{state.PlanStatusExecuting, state.PlanStatusCompleted, true},
		{state.PlanStatusExecuting, state.PlanStatusPartial, true},
		{state.PlanStatusExecuting, state.PlanStatusFailed, true},
		{state.PlanStatusExecuting, state.PlanStatusCancelled, false},
		{state.PlanStatusCompleted, state.PlanStatusExecuting, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("%v -> %v: got %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestRoleLadder(t *testing.T) {
	if !state.RoleAdmin.AtLeast(state.RoleManager) {
		t.Error("ADMIN should satisfy MANAGER")
	}
	if !state.RoleVipApprover.AtLeast(state.RoleVipApprover) {
		t.Error("VIP_APPROVER should satisfy itself")
	}
	if state.RoleOperator.AtLeast(state.RoleManager) {
		t.Error("OPERATOR should not satisfy MANAGER")
	}
	if state.Role("AUDITOR").AtLeast(state.RoleOperator) {
		t.Error("unknown role should satisfy nothing")
	}
	if got := state.RoleOperator.NextUp(); got != state.RoleManager {
		t.Errorf("OPERATOR escalates to %v, want MANAGER", got)
	}
	if got := state.RoleEmergencyApprover.NextUp(); got != state.RoleEmergencyApprover {
		t.Errorf("top role escalates to %v, want itself", got)
	}
}

func TestStatusForRequest(t *testing.T) {
	if got := state.StatusForRequest(true); got != state.RedemptionStatusPendingApproval {
		t.Errorf("requiresApproval=true: got %v, want PENDING_APPROVAL", got)
	}
	if got := state.StatusForRequest(false); got != state.RedemptionStatusPending {
		t.Errorf("requiresApproval=false: got %v, want PENDING", got)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	for st := state.RedemptionStatusPending; st <= state.RedemptionStatusCancelled; st++ {
		parsed, ok := state.ParseRedemptionStatus(st.String())
		if !ok || parsed != st {
			t.Errorf("redemption %v: round trip got (%v, %v)", st, parsed, ok)
		}
	}
	for st := state.TicketStatusPending; st <= state.TicketStatusCancelled; st++ {
		parsed, ok := state.ParseTicketStatus(st.String())
		if !ok || parsed != st {
			t.Errorf("ticket %v: round trip got (%v, %v)", st, parsed, ok)
		}
	}
	for st := state.PlanStatusDraft; st <= state.PlanStatusCancelled; st++ {
		parsed, ok := state.ParsePlanStatus(st.String())
		if !ok || parsed != st {
			t.Errorf("plan %v: round trip got (%v, %v)", st, parsed, ok)
		}
	}
	if _, ok := state.ParseRedemptionStatus("NOT_A_STATUS"); ok {
		t.Error("expected parse failure for unknown status")
	}
}

func TestActionOverlaps(t *testing.T) {
	transfer := &state.RebalanceAction{Type: state.ActionTransfer, FromTier: event.TierL2, ToTier: event.TierL1, Amount: big.NewInt(1)}
	purchase := &state.RebalanceAction{Type: state.ActionPurchase, FromTier: event.TierL1, ToTier: event.TierL3, Amount: big.NewInt(1)}
	waterfall := &state.RebalanceAction{Type: state.ActionWaterfall, Amount: big.NewInt(1)}
	buffer := &state.RebalanceAction{Type: state.ActionBuffer, Amount: big.NewInt(1)}
	l2l3 := &state.RebalanceAction{Type: state.ActionTransfer, FromTier: event.TierL2, ToTier: event.TierL3, Amount: big.NewInt(1)}

	if !transfer.Overlaps(purchase) {
		t.Error("TRANSFER(L2->L1) and PURCHASE(L1->L3) share L1, should overlap")
	}
	if buffer.Overlaps(l2l3) {
		t.Error("BUFFER(L1) and TRANSFER(L2->L3) are disjoint, should not overlap")
	}
	if !waterfall.Overlaps(transfer) {
		t.Error("WATERFALL should overlap everything")
	}
}

func TestPlanTotalAmount(t *testing.T) {
	plan := &state.RebalancePlan{
		Actions: []*state.RebalanceAction{
			{Type: state.ActionTransfer, Amount: big.NewInt(30_000)},
			{Type: state.ActionRedeem, Amount: big.NewInt(25_000)},
		},
	}
	if got := plan.TotalAmount(); got.Cmp(big.NewInt(55_000)) != 0 {
		t.Errorf("total: got %v, want 55000", got)
	}
}

func TestNewIDShape(t *testing.T) {
	re := regexp.MustCompile(`^RBL-[0-9A-F]{8}$`)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := state.NewID("RBL")
		if !re.MatchString(id) {
			t.Fatalf("id %q does not match RBL-XXXXXXXX uppercase hex", id)
		}
		if seen[id] {
			t.Fatalf("id %q repeated", id)
		}
		seen[id] = true
	}
}
