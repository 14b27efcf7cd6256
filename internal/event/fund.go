package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DepositProcessed(address indexed sender, address indexed receiver,
// uint256 assets, uint256 shares)
type DepositProcessed struct {
	Sender   common.Address
	Receiver common.Address
	Assets   *big.Int
	Shares   *big.Int
}

func (e *DepositProcessed) EventType() EventType { return EventTypeDepositProcessed }

// NavUpdated(uint256 sharePrice, uint256 totalAssets, uint256 totalSupply)
type NavUpdated struct {
	SharePrice  *big.Int
	TotalAssets *big.Int
	TotalSupply *big.Int
}

func (e *NavUpdated) EventType() EventType { return EventTypeNavUpdated }

// EmergencyModeChanged(address indexed triggeredBy, bool enabled)
type EmergencyModeChanged struct {
	TriggeredBy common.Address
	Enabled     bool
}

func (e *EmergencyModeChanged) EventType() EventType { return EventTypeEmergencyModeChanged }

// LowLiquidityAlert(uint256 ratioBps, uint256 thresholdBps, uint256 available)
type LowLiquidityAlert struct {
	RatioBps     *big.Int
	ThresholdBps *big.Int
	Available    *big.Int
}

func (e *LowLiquidityAlert) EventType() EventType { return EventTypeLowLiquidityAlert }

// CriticalLiquidityAlert(uint256 ratioBps, uint256 thresholdBps, uint256 available)
type CriticalLiquidityAlert struct {
	RatioBps     *big.Int
	ThresholdBps *big.Int
	Available    *big.Int
}

func (e *CriticalLiquidityAlert) EventType() EventType { return EventTypeCriticalLiquidityAlert }

// ManagementFeeCollected(uint256 amount)
type ManagementFeeCollected struct {
	Amount *big.Int
}

func (e *ManagementFeeCollected) EventType() EventType { return EventTypeManagementFeeCollected }

// PerformanceFeeCollected(uint256 amount)
type PerformanceFeeCollected struct {
	Amount *big.Int
}

func (e *PerformanceFeeCollected) EventType() EventType { return EventTypePerformanceFeeCollected }

// LockedMintAssetsReset(uint256 amount)
type LockedMintAssetsReset struct {
	Amount *big.Int
}

func (e *LockedMintAssetsReset) EventType() EventType { return EventTypeLockedMintAssetsReset }

// BaseRedemptionFeeUpdated(uint256 oldFeeBps, uint256 newFeeBps)
type BaseRedemptionFeeUpdated struct {
	OldFeeBps *big.Int
	NewFeeBps *big.Int
}

func (e *BaseRedemptionFeeUpdated) EventType() EventType { return EventTypeBaseRedemptionFeeUpdated }

// EmergencyPenaltyFeeUpdated(uint256 oldFeeBps, uint256 newFeeBps)
type EmergencyPenaltyFeeUpdated struct {
	OldFeeBps *big.Int
	NewFeeBps *big.Int
}

func (e *EmergencyPenaltyFeeUpdated) EventType() EventType {
	return EventTypeEmergencyPenaltyFeeUpdated
}

// VoucherThresholdUpdated(uint256 oldThreshold, uint256 newThreshold)
type VoucherThresholdUpdated struct {
	OldThreshold *big.Int
	NewThreshold *big.Int
}

func (e *VoucherThresholdUpdated) EventType() EventType { return EventTypeVoucherThresholdUpdated }

// StandardQuotaRatioUpdated(uint256 oldRatioBps, uint256 newRatioBps)
type StandardQuotaRatioUpdated struct {
	OldRatioBps *big.Int
	NewRatioBps *big.Int
}

func (e *StandardQuotaRatioUpdated) EventType() EventType {
	return EventTypeStandardQuotaRatioUpdated
}

// EmergencyQuotaRefreshed(uint256 newQuota, uint256 epoch)
type EmergencyQuotaRefreshed struct {
	NewQuota *big.Int
	Epoch    *big.Int
}

func (e *EmergencyQuotaRefreshed) EventType() EventType { return EventTypeEmergencyQuotaRefreshed }

// EmergencyQuotaRestored(uint256 amount)
type EmergencyQuotaRestored struct {
	Amount *big.Int
}

func (e *EmergencyQuotaRestored) EventType() EventType { return EventTypeEmergencyQuotaRestored }
