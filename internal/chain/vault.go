package chain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"PaimonControl/internal/event"
)

// Call is a prepared vault invocation: ABI-encoded calldata plus the
// business amount the signer policy meters. Amount is the value the call
// moves, which for approvals is not an argument of the call itself; nil
// means the call moves nothing.
type Call struct {
	Method string
	Data   []byte
	Amount *big.Int
}

// --- Redemption settlement ---

// ApproveRedemption settles a pending redemption at the locked NAV. gross
// is the payout the vault will release, metered against the signer budget.
func ApproveRedemption(requestID, gross *big.Int) Call {
	return Call{
		Method: "approveRedemption",
		Data:   pack("approveRedemption(uint256)", wordBig(requestID)),
		Amount: gross,
	}
}

// ApproveRedemptionWithDate settles with an explicit settlement date
// (unix seconds) instead of the vault clock.
func ApproveRedemptionWithDate(requestID *big.Int, settlement time.Time, gross *big.Int) Call {
	return Call{
		Method: "approveRedemptionWithDate",
		Data: pack("approveRedemptionWithDate(uint256,uint256)",
			wordBig(requestID), wordU64(uint64(settlement.Unix()))),
		Amount: gross,
	}
}

func RejectRedemption(requestID *big.Int, reason string) Call {
	// Dynamic string: two head words (id, offset), then length and padded
	// bytes. The offset counts from the start of the argument block.
	padded := make([]byte, (len(reason)+31)/32*32)
	copy(padded, reason)

	data := pack("rejectRedemption(uint256,string)",
		wordBig(requestID), wordU64(64), wordU64(uint64(len(reason))))
	data = append(data, padded...)

	return Call{Method: "rejectRedemption", Data: data}
}

// --- Emergency controls ---

func SetEmergencyMode(enabled bool) Call {
	return Call{
		Method: "setEmergencyMode",
		Data:   pack("setEmergencyMode(bool)", wordBool(enabled)),
	}
}

func Pause() Call {
	return Call{Method: "pause", Data: pack("pause()")}
}

func Unpause() Call {
	return Call{Method: "unpause", Data: pack("unpause()")}
}

// --- Tier movements ---

func RebalanceSwap(from, to event.Tier, amount *big.Int) Call {
	return Call{
		Method: "rebalanceSwap",
		Data: pack("rebalanceSwap(uint8,uint8,uint256)",
			wordU8(uint8(from)), wordU8(uint8(to)), wordBig(amount)),
		Amount: amount,
	}
}

// LiquidateForL1 raises cash into L1 by liquidating the given tier.
func LiquidateForL1(from event.Tier, amount *big.Int) Call {
	return Call{
		Method: "liquidateForL1",
		Data:   pack("liquidateForL1(uint8,uint256)", wordU8(uint8(from)), wordBig(amount)),
		Amount: amount,
	}
}

func DepositToTier(tier event.Tier, amount *big.Int) Call {
	return Call{
		Method: "depositToTier",
		Data:   pack("depositToTier(uint8,uint256)", wordU8(uint8(tier)), wordBig(amount)),
		Amount: amount,
	}
}

func WithdrawFromTier(tier event.Tier, amount *big.Int) Call {
	return Call{
		Method: "withdrawFromTier",
		Data:   pack("withdrawFromTier(uint8,uint256)", wordU8(uint8(tier)), wordBig(amount)),
		Amount: amount,
	}
}

// ExecuteWaterfallLiquidation liquidates tier by tier up to maxTier until
// amountNeeded is raised.
func ExecuteWaterfallLiquidation(amountNeeded *big.Int, maxTier event.Tier) Call {
	return Call{
		Method: "executeWaterfallLiquidation",
		Data: pack("executeWaterfallLiquidation(uint256,uint8)",
			wordBig(amountNeeded), wordU8(uint8(maxTier))),
		Amount: amountNeeded,
	}
}

// RebalanceBuffer tops the buffer pool back up to its target from L1 cash.
func RebalanceBuffer() Call {
	return Call{Method: "rebalanceBuffer", Data: pack("rebalanceBuffer()")}
}

// --- Asset operations ---

func PurchaseAsset(asset common.Address, usdtAmount *big.Int) Call {
	return Call{
		Method: "purchaseAsset",
		Data:   pack("purchaseAsset(address,uint256)", wordAddr(asset), wordBig(usdtAmount)),
		Amount: usdtAmount,
	}
}

func RedeemAsset(asset common.Address, assetAmount *big.Int) Call {
	return Call{
		Method: "redeemAsset",
		Data:   pack("redeemAsset(address,uint256)", wordAddr(asset), wordBig(assetAmount)),
		Amount: assetAmount,
	}
}

// --- Maintenance ---

// ProcessOverdueLiabilityBatch clears matured unclaimed liabilities going
// back the given number of days.
func ProcessOverdueLiabilityBatch(daysBack int64) Call {
	return Call{
		Method: "processOverdueLiabilityBatch",
		Data:   pack("processOverdueLiabilityBatch(uint256)", wordU64(uint64(daysBack))),
	}
}

// --- ABI packing ---

func pack(sig string, words ...[]byte) []byte {
	data := make([]byte, 0, 4+32*len(words))
	data = append(data, crypto.Keccak256([]byte(sig))[:4]...)
	for _, w := range words {
		data = append(data, w...)
	}
	return data
}

func wordBig(v *big.Int) []byte {
	return common.BigToHash(v).Bytes()
}

func wordU64(v uint64) []byte {
	return common.BigToHash(new(big.Int).SetUint64(v)).Bytes()
}

func wordU8(v uint8) []byte {
	return common.BigToHash(new(big.Int).SetUint64(uint64(v))).Bytes()
}

func wordBool(b bool) []byte {
	var h common.Hash
	if b {
		h[31] = 1
	}
	return h.Bytes()
}

func wordAddr(a common.Address) []byte {
	return common.BytesToHash(a.Bytes()).Bytes()
}
