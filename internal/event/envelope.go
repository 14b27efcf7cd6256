package event

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for decoded chain events.
type EventType int32

const (
	EventTypeUnknown EventType = iota

	// Fund flows
	EventTypeDepositProcessed
	EventTypeNavUpdated
	EventTypeEmergencyModeChanged
	EventTypeLowLiquidityAlert
	EventTypeCriticalLiquidityAlert
	EventTypeManagementFeeCollected
	EventTypePerformanceFeeCollected
	EventTypeLockedMintAssetsReset

	// Redemption lifecycle
	EventTypeRedemptionRequested
	EventTypeRedemptionApproved
	EventTypeRedemptionRejected
	EventTypeRedemptionSettled
	EventTypeSharesLocked
	EventTypeSharesUnlocked
	EventTypeSharesBurned
	EventTypeRedemptionFeeAdded
	EventTypeRedemptionFeeReduced
	EventTypeVoucherMinted
	EventTypeDailyLiabilityAdded
	EventTypeLiabilityRemoved
	EventTypeSettlementWaterfallTriggered
	EventTypePendingApprovalSharesAdded
	EventTypePendingApprovalSharesRemoved
	EventTypePendingApprovalSharesConverted

	// Asset and tier management
	EventTypeAssetAdded
	EventTypeAssetRemoved
	EventTypeAssetAllocationUpdated
	EventTypeAssetPurchased
	EventTypeAssetRedeemed
	EventTypeWaterfallLiquidation
	EventTypeBufferPoolRebalanced

	// Parameter updates
	EventTypeBaseRedemptionFeeUpdated
	EventTypeEmergencyPenaltyFeeUpdated
	EventTypeVoucherThresholdUpdated
	EventTypeStandardQuotaRatioUpdated
	EventTypeEmergencyQuotaRefreshed
	EventTypeEmergencyQuotaRestored
)

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

var eventTypeNames = map[EventType]string{
	EventTypeDepositProcessed:               "DepositProcessed",
	EventTypeNavUpdated:                     "NavUpdated",
	EventTypeEmergencyModeChanged:           "EmergencyModeChanged",
	EventTypeLowLiquidityAlert:              "LowLiquidityAlert",
	EventTypeCriticalLiquidityAlert:         "CriticalLiquidityAlert",
	EventTypeManagementFeeCollected:         "ManagementFeeCollected",
	EventTypePerformanceFeeCollected:        "PerformanceFeeCollected",
	EventTypeLockedMintAssetsReset:          "LockedMintAssetsReset",
	EventTypeRedemptionRequested:            "RedemptionRequested",
	EventTypeRedemptionApproved:             "RedemptionApproved",
	EventTypeRedemptionRejected:             "RedemptionRejected",
	EventTypeRedemptionSettled:              "RedemptionSettled",
	EventTypeSharesLocked:                   "SharesLocked",
	EventTypeSharesUnlocked:                 "SharesUnlocked",
	EventTypeSharesBurned:                   "SharesBurned",
	EventTypeRedemptionFeeAdded:             "RedemptionFeeAdded",
	EventTypeRedemptionFeeReduced:           "RedemptionFeeReduced",
	EventTypeVoucherMinted:                  "VoucherMinted",
	EventTypeDailyLiabilityAdded:            "DailyLiabilityAdded",
	EventTypeLiabilityRemoved:               "LiabilityRemoved",
	EventTypeSettlementWaterfallTriggered:   "SettlementWaterfallTriggered",
	EventTypePendingApprovalSharesAdded:     "PendingApprovalSharesAdded",
	EventTypePendingApprovalSharesRemoved:   "PendingApprovalSharesRemoved",
	EventTypePendingApprovalSharesConverted: "PendingApprovalSharesConverted",
	EventTypeAssetAdded:                     "AssetAdded",
	EventTypeAssetRemoved:                   "AssetRemoved",
	EventTypeAssetAllocationUpdated:         "AssetAllocationUpdated",
	EventTypeAssetPurchased:                 "AssetPurchased",
	EventTypeAssetRedeemed:                  "AssetRedeemed",
	EventTypeWaterfallLiquidation:           "WaterfallLiquidation",
	EventTypeBufferPoolRebalanced:           "BufferPoolRebalanced",
	EventTypeBaseRedemptionFeeUpdated:       "BaseRedemptionFeeUpdated",
	EventTypeEmergencyPenaltyFeeUpdated:     "EmergencyPenaltyFeeUpdated",
	EventTypeVoucherThresholdUpdated:        "VoucherThresholdUpdated",
	EventTypeStandardQuotaRatioUpdated:      "StandardQuotaRatioUpdated",
	EventTypeEmergencyQuotaRefreshed:        "EmergencyQuotaRefreshed",
	EventTypeEmergencyQuotaRestored:         "EmergencyQuotaRestored",
}

// Priority buckets for the dispatch queue. Emergency and liquidity alarms
// preempt redemption traffic; bookkeeping events take the normal lane.
type Priority int32

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// PriorityFor maps an event type to its dispatch priority.
func PriorityFor(et EventType) Priority {
	switch et {
	case EventTypeEmergencyModeChanged,
		EventTypeCriticalLiquidityAlert,
		EventTypeLowLiquidityAlert:
		return PriorityCritical
	case EventTypeRedemptionRequested,
		EventTypeVoucherMinted,
		EventTypeSettlementWaterfallTriggered,
		EventTypeNavUpdated,
		EventTypeBaseRedemptionFeeUpdated,
		EventTypeEmergencyPenaltyFeeUpdated:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Event is implemented by every decoded payload.
type Event interface {
	EventType() EventType
}

// Envelope pairs a decoded event with its chain position. The
// (TxHash, LogIndex) pair is the dedup identity everywhere.
type Envelope struct {
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
	BlockHash   common.Hash
	BlockTime   time.Time
	Contract    common.Address
	Type        EventType
	Event       Event
}

// Key returns the canonical dedup key "txHash:logIndex".
func (e *Envelope) Key() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}
