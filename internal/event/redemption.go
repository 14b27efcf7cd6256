package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RedemptionChannel mirrors the vault's uint8 channel discriminator.
type RedemptionChannel uint8

const (
	ChannelStandard  RedemptionChannel = 0
	ChannelEmergency RedemptionChannel = 1
	ChannelScheduled RedemptionChannel = 2
)

func (c RedemptionChannel) String() string {
	switch c {
	case ChannelEmergency:
		return "EMERGENCY"
	case ChannelScheduled:
		return "SCHEDULED"
	default:
		return "STANDARD"
	}
}

// ParseRedemptionChannel maps the persisted text form back to the enum.
func ParseRedemptionChannel(s string) (RedemptionChannel, bool) {
	switch s {
	case "STANDARD":
		return ChannelStandard, true
	case "EMERGENCY":
		return ChannelEmergency, true
	case "SCHEDULED":
		return ChannelScheduled, true
	}
	return 0, false
}

// RedemptionRequested is emitted when a holder locks shares for redemption.
// RedemptionRequested(uint256 indexed requestId, address indexed owner,
// address receiver, uint256 shares, uint256 lockedAmount,
// uint256 estimatedFee, uint8 channel, bool requiresApproval,
// uint256 settlementTime, uint256 windowId)
type RedemptionRequested struct {
	RequestID        *big.Int
	Owner            common.Address
	Receiver         common.Address
	Shares           *big.Int
	LockedAmount     *big.Int
	EstimatedFee     *big.Int
	Channel          RedemptionChannel
	RequiresApproval bool
	SettlementTime   *big.Int // unix seconds
	WindowID         *big.Int // zero when unscheduled
}

func (e *RedemptionRequested) EventType() EventType { return EventTypeRedemptionRequested }

// RedemptionApproved(uint256 indexed requestId, address indexed approver,
// uint256 settlementTime)
type RedemptionApproved struct {
	RequestID      *big.Int
	Approver       common.Address
	SettlementTime *big.Int
}

func (e *RedemptionApproved) EventType() EventType { return EventTypeRedemptionApproved }

// RedemptionRejected(uint256 indexed requestId, address indexed rejector,
// string reason)
type RedemptionRejected struct {
	RequestID *big.Int
	Rejector  common.Address
	Reason    string
}

func (e *RedemptionRejected) EventType() EventType { return EventTypeRedemptionRejected }

// RedemptionSettled(uint256 indexed requestId, address indexed receiver,
// uint256 netAmount, uint256 fee)
type RedemptionSettled struct {
	RequestID *big.Int
	Receiver  common.Address
	NetAmount *big.Int
	Fee       *big.Int
}

func (e *RedemptionSettled) EventType() EventType { return EventTypeRedemptionSettled }

// SharesLocked(uint256 indexed requestId, address indexed owner, uint256 shares)
type SharesLocked struct {
	RequestID *big.Int
	Owner     common.Address
	Shares    *big.Int
}

func (e *SharesLocked) EventType() EventType { return EventTypeSharesLocked }

// SharesUnlocked(uint256 indexed requestId, address indexed owner, uint256 shares)
type SharesUnlocked struct {
	RequestID *big.Int
	Owner     common.Address
	Shares    *big.Int
}

func (e *SharesUnlocked) EventType() EventType { return EventTypeSharesUnlocked }

// SharesBurned(uint256 indexed requestId, address indexed owner, uint256 shares)
type SharesBurned struct {
	RequestID *big.Int
	Owner     common.Address
	Shares    *big.Int
}

func (e *SharesBurned) EventType() EventType { return EventTypeSharesBurned }

// RedemptionFeeAdded(uint256 indexed requestId, uint256 fee)
type RedemptionFeeAdded struct {
	RequestID *big.Int
	Fee       *big.Int
}

func (e *RedemptionFeeAdded) EventType() EventType { return EventTypeRedemptionFeeAdded }

// RedemptionFeeReduced(uint256 indexed requestId, uint256 fee)
type RedemptionFeeReduced struct {
	RequestID *big.Int
	Fee       *big.Int
}

func (e *RedemptionFeeReduced) EventType() EventType { return EventTypeRedemptionFeeReduced }

// VoucherMinted(uint256 indexed requestId, uint256 tokenId, address owner)
// Minted when settlement is delayed past the voucher threshold; the token is
// a transferable claim on the pending redemption.
type VoucherMinted struct {
	RequestID *big.Int
	TokenID   *big.Int
	Owner     common.Address
}

func (e *VoucherMinted) EventType() EventType { return EventTypeVoucherMinted }

// DailyLiabilityAdded(uint256 indexed dayIndex, uint256 amount)
type DailyLiabilityAdded struct {
	DayIndex *big.Int
	Amount   *big.Int
}

func (e *DailyLiabilityAdded) EventType() EventType { return EventTypeDailyLiabilityAdded }

// LiabilityRemoved(uint256 indexed requestId, uint256 amount)
type LiabilityRemoved struct {
	RequestID *big.Int
	Amount    *big.Int
}

func (e *LiabilityRemoved) EventType() EventType { return EventTypeLiabilityRemoved }

// SettlementWaterfallTriggered(uint256 indexed requestId, uint256 shortfall,
// uint256 liquidated)
type SettlementWaterfallTriggered struct {
	RequestID  *big.Int
	Shortfall  *big.Int
	Liquidated *big.Int
}

func (e *SettlementWaterfallTriggered) EventType() EventType {
	return EventTypeSettlementWaterfallTriggered
}

// PendingApprovalSharesAdded(address indexed owner, uint256 shares)
type PendingApprovalSharesAdded struct {
	Owner  common.Address
	Shares *big.Int
}

func (e *PendingApprovalSharesAdded) EventType() EventType {
	return EventTypePendingApprovalSharesAdded
}

// PendingApprovalSharesRemoved(address indexed owner, uint256 shares)
type PendingApprovalSharesRemoved struct {
	Owner  common.Address
	Shares *big.Int
}

func (e *PendingApprovalSharesRemoved) EventType() EventType {
	return EventTypePendingApprovalSharesRemoved
}

// PendingApprovalSharesConverted(address indexed owner, uint256 shares,
// uint256 assets)
type PendingApprovalSharesConverted struct {
	Owner  common.Address
	Shares *big.Int
	Assets *big.Int
}

func (e *PendingApprovalSharesConverted) EventType() EventType {
	return EventTypePendingApprovalSharesConverted
}
