package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"PaimonControl/internal/fault"
)

// Canonical vault event signatures. topic0 = keccak256(signature).
var signatures = map[EventType]string{
	EventTypeDepositProcessed:               "DepositProcessed(address,address,uint256,uint256)",
	EventTypeNavUpdated:                     "NavUpdated(uint256,uint256,uint256)",
	EventTypeEmergencyModeChanged:           "EmergencyModeChanged(bool,address)",
	EventTypeLowLiquidityAlert:              "LowLiquidityAlert(uint256,uint256,uint256)",
	EventTypeCriticalLiquidityAlert:         "CriticalLiquidityAlert(uint256,uint256,uint256)",
	EventTypeManagementFeeCollected:         "ManagementFeeCollected(uint256)",
	EventTypePerformanceFeeCollected:        "PerformanceFeeCollected(uint256)",
	EventTypeLockedMintAssetsReset:          "LockedMintAssetsReset(uint256)",
	EventTypeRedemptionRequested:            "RedemptionRequested(uint256,address,address,uint256,uint256,uint256,uint8,bool,uint256,uint256)",
	EventTypeRedemptionApproved:             "RedemptionApproved(uint256,address,uint256)",
	EventTypeRedemptionRejected:             "RedemptionRejected(uint256,address,string)",
	EventTypeRedemptionSettled:              "RedemptionSettled(uint256,address,uint256,uint256)",
	EventTypeSharesLocked:                   "SharesLocked(uint256,address,uint256)",
	EventTypeSharesUnlocked:                 "SharesUnlocked(uint256,address,uint256)",
	EventTypeSharesBurned:                   "SharesBurned(uint256,address,uint256)",
	EventTypeRedemptionFeeAdded:             "RedemptionFeeAdded(uint256,uint256)",
	EventTypeRedemptionFeeReduced:           "RedemptionFeeReduced(uint256,uint256)",
	EventTypeVoucherMinted:                  "VoucherMinted(uint256,uint256,address)",
	EventTypeDailyLiabilityAdded:            "DailyLiabilityAdded(uint256,uint256)",
	EventTypeLiabilityRemoved:               "LiabilityRemoved(uint256,uint256)",
	EventTypeSettlementWaterfallTriggered:   "SettlementWaterfallTriggered(uint256,uint256,uint256)",
	EventTypePendingApprovalSharesAdded:     "PendingApprovalSharesAdded(address,uint256)",
	EventTypePendingApprovalSharesRemoved:   "PendingApprovalSharesRemoved(address,uint256)",
	EventTypePendingApprovalSharesConverted: "PendingApprovalSharesConverted(address,uint256,uint256)",
	EventTypeAssetAdded:                     "AssetAdded(address,uint8,uint256)",
	EventTypeAssetRemoved:                   "AssetRemoved(address)",
	EventTypeAssetAllocationUpdated:         "AssetAllocationUpdated(address,uint256)",
	EventTypeAssetPurchased:                 "AssetPurchased(address,uint256,uint256)",
	EventTypeAssetRedeemed:                  "AssetRedeemed(address,uint256,uint256)",
	EventTypeWaterfallLiquidation:           "WaterfallLiquidation(uint256,uint8,uint256)",
	EventTypeBufferPoolRebalanced:           "BufferPoolRebalanced(uint256,uint256)",
	EventTypeBaseRedemptionFeeUpdated:       "BaseRedemptionFeeUpdated(uint256,uint256)",
	EventTypeEmergencyPenaltyFeeUpdated:     "EmergencyPenaltyFeeUpdated(uint256,uint256)",
	EventTypeVoucherThresholdUpdated:        "VoucherThresholdUpdated(uint256,uint256)",
	EventTypeStandardQuotaRatioUpdated:      "StandardQuotaRatioUpdated(uint256,uint256)",
	EventTypeEmergencyQuotaRefreshed:        "EmergencyQuotaRefreshed(uint256,uint256)",
	EventTypeEmergencyQuotaRestored:         "EmergencyQuotaRestored(uint256)",
}

var topicIndex = func() map[common.Hash]EventType {
	m := make(map[common.Hash]EventType, len(signatures))
	for et, sig := range signatures {
		m[crypto.Keccak256Hash([]byte(sig))] = et
	}
	return m
}()

// Topic0 returns the keccak topic for an event type.
func Topic0(et EventType) common.Hash {
	return crypto.Keccak256Hash([]byte(signatures[et]))
}

// TypeByTopic resolves a log's topic0 to an event type.
func TypeByTopic(topic common.Hash) (EventType, bool) {
	et, ok := topicIndex[topic]
	return et, ok
}

// DecodeLog decodes one raw log into an envelope. Unknown topics return a
// fault with KindUnknownEvent; malformed payloads return KindDecodeError.
// BlockTime is left zero for the caller to fill from the block header.
func DecodeLog(lg types.Log) (*Envelope, error) {
	const op = "event.DecodeLog"

	if len(lg.Topics) == 0 {
		return nil, fault.Newf(fault.KindDecodeError, op, "log %s:%d has no topics", lg.TxHash.Hex(), lg.Index)
	}
	et, ok := TypeByTopic(lg.Topics[0])
	if !ok {
		return nil, fault.Newf(fault.KindUnknownEvent, op, "unknown topic0 %s", lg.Topics[0].Hex())
	}

	r := &logReader{lg: lg}
	ev := decodePayload(et, r)
	if r.err != "" {
		return nil, fault.Newf(fault.KindDecodeError, op, "%s %s:%d: %s", et, lg.TxHash.Hex(), lg.Index, r.err)
	}

	return &Envelope{
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash,
		Contract:    lg.Address,
		Type:        et,
		Event:       ev,
	}, nil
}

func decodePayload(et EventType, r *logReader) Event {
	switch et {
	case EventTypeDepositProcessed:
		return &DepositProcessed{
			Sender:   r.topicAddr(1),
			Receiver: r.topicAddr(2),
			Assets:   r.wordBig(0),
			Shares:   r.wordBig(1),
		}
	case EventTypeNavUpdated:
		return &NavUpdated{
			SharePrice:  r.wordBig(0),
			TotalAssets: r.wordBig(1),
			TotalSupply: r.wordBig(2),
		}
	case EventTypeEmergencyModeChanged:
		return &EmergencyModeChanged{
			Enabled:     r.wordBool(0),
			TriggeredBy: r.topicAddr(1),
		}
	case EventTypeLowLiquidityAlert:
		return &LowLiquidityAlert{
			RatioBps:     r.wordBig(0),
			ThresholdBps: r.wordBig(1),
			Available:    r.wordBig(2),
		}
	case EventTypeCriticalLiquidityAlert:
		return &CriticalLiquidityAlert{
			RatioBps:     r.wordBig(0),
			ThresholdBps: r.wordBig(1),
			Available:    r.wordBig(2),
		}
	case EventTypeManagementFeeCollected:
		return &ManagementFeeCollected{Amount: r.wordBig(0)}
	case EventTypePerformanceFeeCollected:
		return &PerformanceFeeCollected{Amount: r.wordBig(0)}
	case EventTypeLockedMintAssetsReset:
		return &LockedMintAssetsReset{Amount: r.wordBig(0)}

	case EventTypeRedemptionRequested:
		return &RedemptionRequested{
			RequestID:        r.topicBig(1),
			Owner:            r.topicAddr(2),
			Receiver:         r.wordAddr(0),
			Shares:           r.wordBig(1),
			LockedAmount:     r.wordBig(2),
			EstimatedFee:     r.wordBig(3),
			Channel:          RedemptionChannel(r.wordU8(4)),
			RequiresApproval: r.wordBool(5),
			SettlementTime:   r.wordBig(6),
			WindowID:         r.wordBig(7),
		}
	case EventTypeRedemptionApproved:
		return &RedemptionApproved{
			RequestID:      r.topicBig(1),
			Approver:       r.topicAddr(2),
			SettlementTime: r.wordBig(0),
		}
	case EventTypeRedemptionRejected:
		return &RedemptionRejected{
			RequestID: r.topicBig(1),
			Rejector:  r.topicAddr(2),
			Reason:    r.wordString(0),
		}
	case EventTypeRedemptionSettled:
		return &RedemptionSettled{
			RequestID: r.topicBig(1),
			Receiver:  r.topicAddr(2),
			NetAmount: r.wordBig(0),
			Fee:       r.wordBig(1),
		}
	case EventTypeSharesLocked:
		return &SharesLocked{RequestID: r.topicBig(1), Owner: r.topicAddr(2), Shares: r.wordBig(0)}
	case EventTypeSharesUnlocked:
		return &SharesUnlocked{RequestID: r.topicBig(1), Owner: r.topicAddr(2), Shares: r.wordBig(0)}
	case EventTypeSharesBurned:
		return &SharesBurned{RequestID: r.topicBig(1), Owner: r.topicAddr(2), Shares: r.wordBig(0)}
	case EventTypeRedemptionFeeAdded:
		return &RedemptionFeeAdded{RequestID: r.topicBig(1), Fee: r.wordBig(0)}
	case EventTypeRedemptionFeeReduced:
		return &RedemptionFeeReduced{RequestID: r.topicBig(1), Fee: r.wordBig(0)}
	case EventTypeVoucherMinted:
		return &VoucherMinted{
			RequestID: r.topicBig(1),
			TokenID:   r.wordBig(0),
			Owner:     r.wordAddr(1),
		}
	case EventTypeDailyLiabilityAdded:
		return &DailyLiabilityAdded{DayIndex: r.topicBig(1), Amount: r.wordBig(0)}
	case EventTypeLiabilityRemoved:
		return &LiabilityRemoved{RequestID: r.topicBig(1), Amount: r.wordBig(0)}
	case EventTypeSettlementWaterfallTriggered:
		return &SettlementWaterfallTriggered{
			RequestID:  r.topicBig(1),
			Shortfall:  r.wordBig(0),
			Liquidated: r.wordBig(1),
		}
	case EventTypePendingApprovalSharesAdded:
		return &PendingApprovalSharesAdded{Owner: r.topicAddr(1), Shares: r.wordBig(0)}
	case EventTypePendingApprovalSharesRemoved:
		return &PendingApprovalSharesRemoved{Owner: r.topicAddr(1), Shares: r.wordBig(0)}
	case EventTypePendingApprovalSharesConverted:
		return &PendingApprovalSharesConverted{
			Owner:  r.topicAddr(1),
			Shares: r.wordBig(0),
			Assets: r.wordBig(1),
		}

	case EventTypeAssetAdded:
		return &AssetAdded{
			Asset:          r.topicAddr(1),
			AssetTier:      Tier(r.wordU8(0)),
			TargetRatioBps: r.wordBig(1),
		}
	case EventTypeAssetRemoved:
		return &AssetRemoved{Asset: r.topicAddr(1)}
	case EventTypeAssetAllocationUpdated:
		return &AssetAllocationUpdated{Asset: r.topicAddr(1), TargetRatioBps: r.wordBig(0)}
	case EventTypeAssetPurchased:
		return &AssetPurchased{
			Asset:       r.topicAddr(1),
			UsdtAmount:  r.wordBig(0),
			AssetAmount: r.wordBig(1),
		}
	case EventTypeAssetRedeemed:
		return &AssetRedeemed{
			Asset:        r.topicAddr(1),
			AssetAmount:  r.wordBig(0),
			UsdtReceived: r.wordBig(1),
		}
	case EventTypeWaterfallLiquidation:
		return &WaterfallLiquidation{
			AmountNeeded: r.wordBig(0),
			MaxTier:      Tier(r.wordU8(1)),
			AmountRaised: r.wordBig(2),
		}
	case EventTypeBufferPoolRebalanced:
		return &BufferPoolRebalanced{BufferBefore: r.wordBig(0), BufferAfter: r.wordBig(1)}

	case EventTypeBaseRedemptionFeeUpdated:
		return &BaseRedemptionFeeUpdated{OldFeeBps: r.wordBig(0), NewFeeBps: r.wordBig(1)}
	case EventTypeEmergencyPenaltyFeeUpdated:
		return &EmergencyPenaltyFeeUpdated{OldFeeBps: r.wordBig(0), NewFeeBps: r.wordBig(1)}
	case EventTypeVoucherThresholdUpdated:
		return &VoucherThresholdUpdated{OldThreshold: r.wordBig(0), NewThreshold: r.wordBig(1)}
	case EventTypeStandardQuotaRatioUpdated:
		return &StandardQuotaRatioUpdated{OldRatioBps: r.wordBig(0), NewRatioBps: r.wordBig(1)}
	case EventTypeEmergencyQuotaRefreshed:
		return &EmergencyQuotaRefreshed{NewQuota: r.wordBig(0), Epoch: r.wordBig(1)}
	case EventTypeEmergencyQuotaRestored:
		return &EmergencyQuotaRestored{Amount: r.wordBig(0)}

	default:
		r.fail("no decoder")
		return nil
	}
}

// logReader extracts ABI words from a log, accumulating the first failure
// instead of returning an error at every access.
type logReader struct {
	lg  types.Log
	err string
}

func (r *logReader) fail(msg string) {
	if r.err == "" {
		r.err = msg
	}
}

func (r *logReader) topic(i int) common.Hash {
	if i >= len(r.lg.Topics) {
		r.fail("missing indexed topic")
		return common.Hash{}
	}
	return r.lg.Topics[i]
}

func (r *logReader) topicBig(i int) *big.Int {
	h := r.topic(i)
	return new(big.Int).SetBytes(h[:])
}

func (r *logReader) topicAddr(i int) common.Address {
	h := r.topic(i)
	return common.BytesToAddress(h[12:])
}

func (r *logReader) word(i int) []byte {
	start := i * 32
	if start+32 > len(r.lg.Data) {
		r.fail("data too short")
		return make([]byte, 32)
	}
	return r.lg.Data[start : start+32]
}

func (r *logReader) wordBig(i int) *big.Int {
	return new(big.Int).SetBytes(r.word(i))
}

func (r *logReader) wordAddr(i int) common.Address {
	return common.BytesToAddress(r.word(i)[12:])
}

func (r *logReader) wordBool(i int) bool {
	w := r.word(i)
	return w[31] != 0
}

func (r *logReader) wordU8(i int) uint8 {
	w := r.word(i)
	return w[31]
}

// wordString decodes a dynamic string whose offset word sits at slot i.
func (r *logReader) wordString(i int) string {
	offset := r.wordBig(i)
	if !offset.IsInt64() {
		r.fail("string offset out of range")
		return ""
	}
	pos := offset.Int64()
	if pos+32 > int64(len(r.lg.Data)) {
		r.fail("string offset past data")
		return ""
	}
	length := new(big.Int).SetBytes(r.lg.Data[pos : pos+32])
	if !length.IsInt64() {
		r.fail("string length out of range")
		return ""
	}
	n := length.Int64()
	if pos+32+n > int64(len(r.lg.Data)) {
		r.fail("string body past data")
		return ""
	}
	return string(r.lg.Data[pos+32 : pos+32+n])
}
