package state

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PaimonControl/internal/event"
)

// RedemptionStatus tracks a redemption request through its lifecycle.
// The chain is the source of truth: off-chain transitions mirror vault
// events, except CANCELLED and EXPIRED which are control-plane outcomes.
type RedemptionStatus int32

const (
	RedemptionStatusPending RedemptionStatus = iota
	RedemptionStatusPendingApproval
	RedemptionStatusApproved
	RedemptionStatusSettled
	RedemptionStatusRejected
	RedemptionStatusExpired
	RedemptionStatusCancelled
)

func (s RedemptionStatus) String() string {
	switch s {
	case RedemptionStatusPending:
		return "PENDING"
	case RedemptionStatusPendingApproval:
		return "PENDING_APPROVAL"
	case RedemptionStatusApproved:
		return "APPROVED"
	case RedemptionStatusSettled:
		return "SETTLED"
	case RedemptionStatusRejected:
		return "REJECTED"
	case RedemptionStatusExpired:
		return "EXPIRED"
	case RedemptionStatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// ParseRedemptionStatus maps the persisted text form back to the enum.
func ParseRedemptionStatus(s string) (RedemptionStatus, bool) {
	for st := RedemptionStatusPending; st <= RedemptionStatusCancelled; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

func (s RedemptionStatus) IsTerminal() bool {
	switch s {
	case RedemptionStatusSettled, RedemptionStatusRejected, RedemptionStatusExpired, RedemptionStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo validates status transitions. No edge leaves a terminal
// status.
func (s RedemptionStatus) CanTransitionTo(next RedemptionStatus) bool {
	validTransitions := map[RedemptionStatus][]RedemptionStatus{
		RedemptionStatusPending: {
			RedemptionStatusSettled,
		},
		RedemptionStatusPendingApproval: {
			RedemptionStatusApproved,
			RedemptionStatusRejected,
			RedemptionStatusExpired,
			RedemptionStatusCancelled,
		},
		RedemptionStatusApproved: {
			RedemptionStatusSettled,
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

// StatusForRequest picks the initial status of a freshly observed request.
func StatusForRequest(requiresApproval bool) RedemptionStatus {
	if requiresApproval {
		return RedemptionStatusPendingApproval
	}
	return RedemptionStatusPending
}

// RedemptionRequest mirrors one on-chain redemption plus the control-plane
// fields layered on top (approval linkage, settlement results).
type RedemptionRequest struct {
	RequestID        uint64
	Owner            common.Address
	Receiver         common.Address
	Shares           *big.Int
	GrossAmount      *big.Int // USDT locked at request time
	LockedNav        *big.Int // share price the gross was computed at
	EstimatedFee     *big.Int
	Channel          event.RedemptionChannel
	RequiresApproval bool
	WindowID         *int64
	VoucherTokenID   *big.Int
	Status           RedemptionStatus
	TicketID         *string

	// Settlement results, nil until a settlement event lands.
	SettledAmount *big.Int
	SettledFee    *big.Int
	SettledAt     *time.Time

	RequestTime    time.Time
	SettlementTime time.Time
	UpdatedAt      time.Time
	Version        int64 // Optimistic concurrency control
}

// Outstanding reports whether the request still counts toward pending
// liability (used by liquidity indicators and the outflow forecast).
func (r *RedemptionRequest) Outstanding() bool {
	return !r.Status.IsTerminal()
}
