package state

import (
	"encoding/json"
	"time"
)

// TicketType categorizes what an approval ticket gates. Values match the
// rule `type` field in the policy file.
type TicketType string

const (
	TicketTypeRedemption          TicketType = "REDEMPTION"
	TicketTypeEmergencyRedemption TicketType = "EMERGENCY_REDEMPTION"
	TicketTypeRebalance           TicketType = "REBALANCE"
	TicketTypeAssetAdd            TicketType = "ASSET_ADD"
	TicketTypeAssetRemove         TicketType = "ASSET_REMOVE"
	TicketTypeConfigChange        TicketType = "CONFIG_CHANGE"
)

// ReferenceType names the entity a ticket points at.
type ReferenceType string

const (
	ReferenceRedemption ReferenceType = "REDEMPTION_REQUEST"
	ReferencePlan       ReferenceType = "REBALANCE_PLAN"
	ReferenceAsset      ReferenceType = "ASSET"
	ReferenceConfig     ReferenceType = "CONFIG"
)

// Role is an approver role. Higher roles satisfy requirements for lower
// ones, so an ADMIN may act on a ticket that asks for MANAGER.
type Role string

const (
	RoleOperator          Role = "OPERATOR"
	RoleManager           Role = "MANAGER"
	RoleVipApprover       Role = "VIP_APPROVER"
	RoleAdmin             Role = "ADMIN"
	RoleEmergencyApprover Role = "EMERGENCY_APPROVER"
)

var roleRank = map[Role]int{
	RoleOperator:          1,
	RoleManager:           2,
	RoleVipApprover:       3,
	RoleAdmin:             4,
	RoleEmergencyApprover: 5,
}

func (r Role) Known() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r satisfies a requirement for `required`.
func (r Role) AtLeast(required Role) bool {
	return roleRank[r] >= roleRank[required] && roleRank[r] > 0
}

// NextUp returns the role one rank above r, for SLA escalation. The top
// rank escalates to itself.
func (r Role) NextUp() Role {
	switch r {
	case RoleOperator:
		return RoleManager
	case RoleManager:
		return RoleVipApprover
	case RoleVipApprover:
		return RoleAdmin
	default:
		return r
	}
}

// Decision is a single approver's action on a ticket.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// TicketStatus tracks an approval ticket. Any rejection is terminal;
// approvals accumulate until required_approvals is reached.
type TicketStatus int32

const (
	TicketStatusPending TicketStatus = iota
	TicketStatusPartiallyApproved
	TicketStatusApproved
	TicketStatusRejected
	TicketStatusExpired
	TicketStatusCancelled
)

func (s TicketStatus) String() string {
	switch s {
	case TicketStatusPending:
		return "PENDING"
	case TicketStatusPartiallyApproved:
		return "PARTIALLY_APPROVED"
	case TicketStatusApproved:
		return "APPROVED"
	case TicketStatusRejected:
		return "REJECTED"
	case TicketStatusExpired:
		return "EXPIRED"
	case TicketStatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// ParseTicketStatus maps the persisted text form back to the enum.
func ParseTicketStatus(s string) (TicketStatus, bool) {
	for st := TicketStatusPending; st <= TicketStatusCancelled; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

func (s TicketStatus) IsTerminal() bool {
	switch s {
	case TicketStatusApproved, TicketStatusRejected, TicketStatusExpired, TicketStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo validates ticket status transitions.
func (s TicketStatus) CanTransitionTo(next TicketStatus) bool {
	validTransitions := map[TicketStatus][]TicketStatus{
		TicketStatusPending: {
			TicketStatusPartiallyApproved,
			TicketStatusApproved,
			TicketStatusRejected,
			TicketStatusExpired,
			TicketStatusCancelled,
		},
		TicketStatusPartiallyApproved: {
			TicketStatusPartiallyApproved, // Further approvals below the requirement
			TicketStatusApproved,
			TicketStatusRejected,
			TicketStatusExpired,
			TicketStatusCancelled,
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

// CanCancel reports whether the requester may still withdraw the ticket.
func (s TicketStatus) CanCancel() bool {
	return s == TicketStatusPending || s == TicketStatusPartiallyApproved
}

// ApprovalTicket is a pending human decision with SLA timers. RuleSnapshot
// freezes the matched rule at creation so later policy edits cannot change
// an open ticket's requirements.
type ApprovalTicket struct {
	ID                string // "APR-" + 8 hex chars
	Type              TicketType
	ReferenceType     ReferenceType
	ReferenceID       string
	Requester         string
	RequestData       json.RawMessage
	RuleName          string
	RuleSnapshot      json.RawMessage
	RequiredRole      Role
	RequiredApprovals int
	CurrentApprovals  int
	CurrentRejections int
	Status            TicketStatus
	AutoApproved      bool

	SLAWarningAt  time.Time
	SLADeadlineAt time.Time
	EscalationAt  *time.Time
	EscalatedAt   *time.Time
	EscalatedTo   *Role
	AutoReject    bool

	ResolvedBy *string
	ResolvedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Version    int64 // Optimistic concurrency control
}

// ApprovalRecord is one approver's action, append-only.
type ApprovalRecord struct {
	ID        int64
	TicketID  string
	Actor     string
	ActorRole Role
	Decision  Decision
	Comment   string
	CreatedAt time.Time
}
