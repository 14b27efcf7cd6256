package state

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PaimonControl/internal/event"
	fpmath "PaimonControl/internal/math"
)

// PlanTrigger records what caused a rebalance plan to be generated.
type PlanTrigger string

const (
	TriggerManual    PlanTrigger = "MANUAL"
	TriggerDeviation PlanTrigger = "DEVIATION"
	TriggerLiquidity PlanTrigger = "LIQUIDITY"
	TriggerStrategic PlanTrigger = "STRATEGIC"
	TriggerEmergency PlanTrigger = "EMERGENCY"
	TriggerForecast  PlanTrigger = "FORECAST"
)

// ActionType is a rebalance action variant.
type ActionType string

const (
	ActionTransfer  ActionType = "TRANSFER"  // move liquidity between tiers
	ActionPurchase  ActionType = "PURCHASE"  // spend USDT on a tier asset
	ActionRedeem    ActionType = "REDEEM"    // liquidate a tier asset into USDT
	ActionWaterfall ActionType = "WATERFALL" // cascade liquidation up to a max tier
	ActionBuffer    ActionType = "BUFFER"    // top up / drain the settlement buffer
)

// PlanStatus tracks a rebalance plan end to end.
type PlanStatus int32

const (
	PlanStatusDraft PlanStatus = iota
	PlanStatusPendingApproval
	PlanStatusApproved
	PlanStatusExecuting
	PlanStatusCompleted
	PlanStatusPartial
	PlanStatusFailed
	PlanStatusCancelled
)

func (s PlanStatus) String() string {
	switch s {
	case PlanStatusDraft:
		return "DRAFT"
	case PlanStatusPendingApproval:
		return "PENDING_APPROVAL"
	case PlanStatusApproved:
		return "APPROVED"
	case PlanStatusExecuting:
		return "EXECUTING"
	case PlanStatusCompleted:
		return "COMPLETED"
	case PlanStatusPartial:
		return "PARTIAL"
	case PlanStatusFailed:
		return "FAILED"
	case PlanStatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// ParsePlanStatus maps the persisted text form back to the enum.
func ParsePlanStatus(s string) (PlanStatus, bool) {
	for st := PlanStatusDraft; st <= PlanStatusCancelled; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanStatusCompleted, PlanStatusPartial, PlanStatusFailed, PlanStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo validates plan status transitions. The simulation gate
// may fail a plan straight from DRAFT, before any approval or send.
func (s PlanStatus) CanTransitionTo(next PlanStatus) bool {
	validTransitions := map[PlanStatus][]PlanStatus{
		PlanStatusDraft: {
			PlanStatusPendingApproval,
			PlanStatusApproved,
			PlanStatusFailed,
			PlanStatusCancelled,
		},
		PlanStatusPendingApproval: {
			PlanStatusApproved,
			PlanStatusFailed,
			PlanStatusCancelled,
		},
		PlanStatusApproved: {
			PlanStatusExecuting,
			PlanStatusFailed,
			PlanStatusCancelled,
		},
		PlanStatusExecuting: {
			PlanStatusCompleted,
			PlanStatusPartial,
			PlanStatusFailed,
		},
	}

	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}

	for _, allowedStatus := range allowed {
		if next == allowedStatus {
			return true
		}
	}

	return false
}

// ActionStatus tracks a single plan action.
type ActionStatus int32

const (
	ActionStatusPending ActionStatus = iota
	ActionStatusExecuting
	ActionStatusCompleted
	ActionStatusFailed
	ActionStatusSkipped
)

func (s ActionStatus) String() string {
	switch s {
	case ActionStatusPending:
		return "PENDING"
	case ActionStatusExecuting:
		return "EXECUTING"
	case ActionStatusCompleted:
		return "COMPLETED"
	case ActionStatusFailed:
		return "FAILED"
	case ActionStatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// ParseActionStatus maps the persisted text form back to the enum.
func ParseActionStatus(s string) (ActionStatus, bool) {
	for st := ActionStatusPending; st <= ActionStatusSkipped; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

func (s ActionStatus) IsTerminal() bool {
	switch s {
	case ActionStatusCompleted, ActionStatusFailed, ActionStatusSkipped:
		return true
	}
	return false
}

// TierBalances is the liquidity broken out by tier plus the settlement
// buffer. L1 is split into instant cash and same-day yield positions.
type TierBalances struct {
	L1Cash  *big.Int
	L1Yield *big.Int
	L2      *big.Int
	L3      *big.Int
	Buffer  *big.Int
}

// L1 returns instant plus same-day liquidity.
func (b TierBalances) L1() *big.Int {
	return new(big.Int).Add(nz(b.L1Cash), nz(b.L1Yield))
}

// Total returns all tiers excluding the buffer.
func (b TierBalances) Total() *big.Int {
	t := b.L1()
	t.Add(t, nz(b.L2))
	return t.Add(t, nz(b.L3))
}

func nz(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// PlanSnapshot captures tier state at plan time, for before/after
// comparison and drift verification.
type PlanSnapshot struct {
	Balances    TierBalances
	Ratios      fpmath.TierRatios
	TotalAssets *big.Int
	TakenAt     time.Time
}

// RebalanceAction is one step of a plan. Field relevance depends on Type:
// TRANSFER uses FromTier/ToTier/Amount; PURCHASE uses Asset/FromTier/
// ToTier/Amount/Method; REDEEM uses Asset/FromTier/ToTier/Amount;
// WATERFALL uses Amount/MaxTier; BUFFER uses Amount.
type RebalanceAction struct {
	PlanID         string
	Seq            int // execution order within the plan
	Priority       int // 0 = most urgent
	Type           ActionType
	FromTier       event.Tier
	ToTier         event.Tier
	Asset          *common.Address
	Amount         *big.Int
	MaxTier        event.Tier
	Method         string
	MaxSlippageBps int64

	Status        ActionStatus
	Attempts      int
	TxHash        *common.Hash
	GasUsed       uint64
	FailureReason string
	ExecutedAt    *time.Time
}

// Overlaps reports whether two actions touch a common tier. Actions that
// do not overlap and share a priority may execute concurrently.
func (a *RebalanceAction) Overlaps(other *RebalanceAction) bool {
	if a.Type == ActionWaterfall || other.Type == ActionWaterfall {
		return true
	}
	for ta := range a.tierSet() {
		if other.tierSet()[ta] {
			return true
		}
	}
	return false
}

func (a *RebalanceAction) tierSet() map[event.Tier]bool {
	switch a.Type {
	case ActionBuffer:
		// The buffer refills from L1.
		return map[event.Tier]bool{event.TierL1: true}
	default:
		return map[event.Tier]bool{a.FromTier: true, a.ToTier: true}
	}
}

// RebalancePlan is an ordered set of actions moving the fund from
// PreState toward TargetState.
type RebalancePlan struct {
	ID               string // "RBL-" + 8 hex chars
	Trigger          PlanTrigger
	Reason           string
	PreState         PlanSnapshot
	TargetState      PlanSnapshot
	Actions          []*RebalanceAction
	EstimatedGas     *big.Int
	EstimatedSlipBps int64
	RequiresApproval bool
	TicketID         *string
	Status           PlanStatus
	FailureReason    string
	CreatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExecutedAt       *time.Time
	CompletedAt      *time.Time
	Version          int64 // Optimistic concurrency control
}

// TotalAmount sums the absolute amounts across actions; the approval
// threshold applies to this figure.
func (p *RebalancePlan) TotalAmount() *big.Int {
	total := new(big.Int)
	for _, a := range p.Actions {
		if a.Amount != nil {
			total.Add(total, new(big.Int).Abs(a.Amount))
		}
	}
	return total
}
