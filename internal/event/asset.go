package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Tier identifies a liquidity tier as carried on the wire (uint8).
type Tier uint8

const (
	TierL1 Tier = 0
	TierL2 Tier = 1
	TierL3 Tier = 2
)

func (t Tier) String() string {
	switch t {
	case TierL1:
		return "L1"
	case TierL2:
		return "L2"
	case TierL3:
		return "L3"
	default:
		return "L?"
	}
}

// AssetAdded(address indexed asset, uint8 tier, uint256 targetRatioBps)
type AssetAdded struct {
	Asset          common.Address
	AssetTier      Tier
	TargetRatioBps *big.Int
}

func (e *AssetAdded) EventType() EventType { return EventTypeAssetAdded }

// AssetRemoved(address indexed asset)
type AssetRemoved struct {
	Asset common.Address
}

func (e *AssetRemoved) EventType() EventType { return EventTypeAssetRemoved }

// AssetAllocationUpdated(address indexed asset, uint256 targetRatioBps)
type AssetAllocationUpdated struct {
	Asset          common.Address
	TargetRatioBps *big.Int
}

func (e *AssetAllocationUpdated) EventType() EventType { return EventTypeAssetAllocationUpdated }

// AssetPurchased(address indexed asset, uint256 usdtAmount, uint256 assetAmount)
type AssetPurchased struct {
	Asset       common.Address
	UsdtAmount  *big.Int
	AssetAmount *big.Int
}

func (e *AssetPurchased) EventType() EventType { return EventTypeAssetPurchased }

// AssetRedeemed(address indexed asset, uint256 assetAmount, uint256 usdtReceived)
type AssetRedeemed struct {
	Asset        common.Address
	AssetAmount  *big.Int
	UsdtReceived *big.Int
}

func (e *AssetRedeemed) EventType() EventType { return EventTypeAssetRedeemed }

// WaterfallLiquidation(uint256 amountNeeded, uint8 maxTier, uint256 amountRaised)
type WaterfallLiquidation struct {
	AmountNeeded *big.Int
	MaxTier      Tier
	AmountRaised *big.Int
}

func (e *WaterfallLiquidation) EventType() EventType { return EventTypeWaterfallLiquidation }

// BufferPoolRebalanced(uint256 bufferBefore, uint256 bufferAfter)
type BufferPoolRebalanced struct {
	BufferBefore *big.Int
	BufferAfter  *big.Int
}

func (e *BufferPoolRebalanced) EventType() EventType { return EventTypeBufferPoolRebalanced }
