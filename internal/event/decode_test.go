package event_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"PaimonControl/internal/event"
	"PaimonControl/internal/fault"
	fpmath "PaimonControl/internal/math"
)

var (
	testVault = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testOwner = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	testRecv  = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func u256(v int64) []byte {
	return common.BigToHash(big.NewInt(v)).Bytes()
}

func u256Big(v *big.Int) []byte {
	return common.BigToHash(v).Bytes()
}

func addrWord(a common.Address) []byte {
	return common.BytesToHash(a.Bytes()).Bytes()
}

func addrTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func u256Topic(v int64) common.Hash {
	return common.BigToHash(big.NewInt(v))
}

func makeLog(t *testing.T, et event.EventType, topics []common.Hash, data []byte) types.Log {
	t.Helper()
	return types.Log{
		Address:     testVault,
		Topics:      append([]common.Hash{event.Topic0(et)}, topics...),
		Data:        data,
		BlockNumber: 4_210_000,
		TxHash:      common.HexToHash("0x11"),
		BlockHash:   common.HexToHash("0x22"),
		Index:       3,
	}
}

func TestDecodeRedemptionRequested(t *testing.T) {
	var data []byte
	data = append(data, addrWord(testRecv)...)
	data = append(data, u256Big(fpmath.BaseUnits(150_000))...)
	data = append(data, u256Big(fpmath.BaseUnits(157_500))...)
	data = append(data, u256Big(fpmath.BaseUnits(15_750))...)
	data = append(data, u256(1)...) // channel = EMERGENCY
	data = append(data, u256(1)...) // requiresApproval = true
	data = append(data, u256(1_700_086_400)...)
	data = append(data, u256(7)...)

	lg := makeLog(t, event.EventTypeRedemptionRequested,
		[]common.Hash{u256Topic(42), addrTopic(testOwner)}, data)

	env, err := event.DecodeLog(lg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	rr, ok := env.Event.(*event.RedemptionRequested)
	if !ok {
		t.Fatalf("expected *event.RedemptionRequested, got %T", env.Event)
	}

	if rr.RequestID.Int64() != 42 {
		t.Errorf("requestId: got %v, want 42", rr.RequestID)
	}
	if rr.Owner != testOwner {
		t.Errorf("owner: got %s, want %s", rr.Owner.Hex(), testOwner.Hex())
	}
	if rr.Receiver != testRecv {
		t.Errorf("receiver: got %s, want %s", rr.Receiver.Hex(), testRecv.Hex())
	}
	if rr.Shares.Cmp(fpmath.BaseUnits(150_000)) != 0 {
		t.Errorf("shares: got %v, want 150000e18", rr.Shares)
	}
	if rr.Channel != event.ChannelEmergency {
		t.Errorf("channel: got %v, want EMERGENCY", rr.Channel)
	}
	if !rr.RequiresApproval {
		t.Error("requiresApproval: got false, want true")
	}
	if rr.WindowID.Int64() != 7 {
		t.Errorf("windowId: got %v, want 7", rr.WindowID)
	}
	if rr.EventType() != event.EventTypeRedemptionRequested {
		t.Errorf("event type: got %v, want RedemptionRequested", rr.EventType())
	}
}

func TestDecodeRedemptionRejected_DynamicReason(t *testing.T) {
	reason := "insufficient liquidity window"
	var data []byte
	data = append(data, u256(32)...) // offset of string
	data = append(data, u256(int64(len(reason)))...)
	body := make([]byte, 32)
	copy(body, reason)
	data = append(data, body...)

	lg := makeLog(t, event.EventTypeRedemptionRejected,
		[]common.Hash{u256Topic(9), addrTopic(testOwner)}, data)

	env, err := event.DecodeLog(lg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	rj, ok := env.Event.(*event.RedemptionRejected)
	if !ok {
		t.Fatalf("expected *event.RedemptionRejected, got %T", env.Event)
	}

	if rj.RequestID.Int64() != 9 {
		t.Errorf("requestId: got %v, want 9", rj.RequestID)
	}
	if rj.Rejector != testOwner {
		t.Errorf("rejector: got %s, want %s", rj.Rejector.Hex(), testOwner.Hex())
	}
	if rj.Reason != reason {
		t.Errorf("reason: got %q, want %q", rj.Reason, reason)
	}
}

func TestDecodeNavUpdated(t *testing.T) {
	var data []byte
	data = append(data, u256Big(fpmath.BaseUnits(1))...) // share price 1.0
	data = append(data, u256Big(fpmath.BaseUnits(10_000_000))...)
	data = append(data, u256Big(fpmath.BaseUnits(10_000_000))...)

	lg := makeLog(t, event.EventTypeNavUpdated, nil, data)

	env, err := event.DecodeLog(lg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	nav, ok := env.Event.(*event.NavUpdated)
	if !ok {
		t.Fatalf("expected *event.NavUpdated, got %T", env.Event)
	}

	if nav.SharePrice.Cmp(fpmath.BaseUnits(1)) != 0 {
		t.Errorf("sharePrice: got %v, want 1e18", nav.SharePrice)
	}
	if nav.TotalAssets.Cmp(fpmath.BaseUnits(10_000_000)) != 0 {
		t.Errorf("totalAssets: got %v, want 10000000e18", nav.TotalAssets)
	}
}

func TestDecodeEmergencyModeChanged(t *testing.T) {
	lg := makeLog(t, event.EventTypeEmergencyModeChanged,
		[]common.Hash{addrTopic(testOwner)}, u256(1))

	env, err := event.DecodeLog(lg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	em, ok := env.Event.(*event.EmergencyModeChanged)
	if !ok {
		t.Fatalf("expected *event.EmergencyModeChanged, got %T", env.Event)
	}

	if !em.Enabled {
		t.Error("enabled: got false, want true")
	}
	if em.TriggeredBy != testOwner {
		t.Errorf("triggeredBy: got %s, want %s", em.TriggeredBy.Hex(), testOwner.Hex())
	}
}

func TestDecodeDepositProcessed(t *testing.T) {
	var data []byte
	data = append(data, u256Big(fpmath.BaseUnits(5_000))...)
	data = append(data, u256Big(fpmath.BaseUnits(4_990))...)

	lg := makeLog(t, event.EventTypeDepositProcessed,
		[]common.Hash{addrTopic(testOwner), addrTopic(testRecv)}, data)

	env, err := event.DecodeLog(lg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	dp, ok := env.Event.(*event.DepositProcessed)
	if !ok {
		t.Fatalf("expected *event.DepositProcessed, got %T", env.Event)
	}

	if dp.Sender != testOwner {
		t.Errorf("sender: got %s, want %s", dp.Sender.Hex(), testOwner.Hex())
	}
	if dp.Receiver != testRecv {
		t.Errorf("receiver: got %s, want %s", dp.Receiver.Hex(), testRecv.Hex())
	}
	if dp.Assets.Cmp(fpmath.BaseUnits(5_000)) != 0 {
		t.Errorf("assets: got %v, want 5000e18", dp.Assets)
	}
}

func TestDecodeAssetAdded(t *testing.T) {
	var data []byte
	data = append(data, u256(2)...) // tier L3
	data = append(data, u256(6_000)...)

	lg := makeLog(t, event.EventTypeAssetAdded,
		[]common.Hash{addrTopic(testRecv)}, data)

	env, err := event.DecodeLog(lg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	aa, ok := env.Event.(*event.AssetAdded)
	if !ok {
		t.Fatalf("expected *event.AssetAdded, got %T", env.Event)
	}

	if aa.Asset != testRecv {
		t.Errorf("asset: got %s, want %s", aa.Asset.Hex(), testRecv.Hex())
	}
	if aa.AssetTier != event.TierL3 {
		t.Errorf("tier: got %v, want L3", aa.AssetTier)
	}
	if aa.TargetRatioBps.Int64() != 6_000 {
		t.Errorf("targetRatioBps: got %v, want 6000", aa.TargetRatioBps)
	}
}

func TestDecodeEnvelopeFields(t *testing.T) {
	lg := makeLog(t, event.EventTypeManagementFeeCollected, nil, u256(100))

	env, err := event.DecodeLog(lg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if env.TxHash != lg.TxHash {
		t.Errorf("txHash: got %s, want %s", env.TxHash.Hex(), lg.TxHash.Hex())
	}
	if env.LogIndex != 3 {
		t.Errorf("logIndex: got %d, want 3", env.LogIndex)
	}
	if env.BlockNumber != 4_210_000 {
		t.Errorf("blockNumber: got %d, want 4210000", env.BlockNumber)
	}
	if env.Contract != testVault {
		t.Errorf("contract: got %s, want %s", env.Contract.Hex(), testVault.Hex())
	}
	if env.Type != event.EventTypeManagementFeeCollected {
		t.Errorf("type: got %v, want ManagementFeeCollected", env.Type)
	}
	wantKey := lg.TxHash.Hex() + ":3"
	if env.Key() != wantKey {
		t.Errorf("key: got %s, want %s", env.Key(), wantKey)
	}
}

func TestDecodeUnknownTopic_Fails(t *testing.T) {
	lg := types.Log{
		Address: testVault,
		Topics:  []common.Hash{common.HexToHash("0xdeadbeef")},
	}
	_, err := event.DecodeLog(lg)
	if err == nil {
		t.Fatal("expected error for unknown topic0")
	}
	if fault.KindOf(err) != fault.KindUnknownEvent {
		t.Errorf("kind: got %v, want UnknownEvent", fault.KindOf(err))
	}
}

func TestDecodeNoTopics_Fails(t *testing.T) {
	_, err := event.DecodeLog(types.Log{Address: testVault})
	if err == nil {
		t.Fatal("expected error for log without topics")
	}
	if fault.KindOf(err) != fault.KindDecodeError {
		t.Errorf("kind: got %v, want DecodeError", fault.KindOf(err))
	}
}

func TestDecodeTruncatedData_Fails(t *testing.T) {
	lg := makeLog(t, event.EventTypeNavUpdated, nil, u256(1)) // needs 3 words
	_, err := event.DecodeLog(lg)
	if err == nil {
		t.Fatal("expected error for truncated data")
	}
	if fault.KindOf(err) != fault.KindDecodeError {
		t.Errorf("kind: got %v, want DecodeError", fault.KindOf(err))
	}
}

func TestDecodeMissingTopic_Fails(t *testing.T) {
	// RedemptionApproved carries two indexed params; supply only one.
	lg := makeLog(t, event.EventTypeRedemptionApproved,
		[]common.Hash{u256Topic(1)}, u256(1_700_000_000))
	_, err := event.DecodeLog(lg)
	if err == nil {
		t.Fatal("expected error for missing indexed topic")
	}
	if fault.KindOf(err) != fault.KindDecodeError {
		t.Errorf("kind: got %v, want DecodeError", fault.KindOf(err))
	}
}

func TestPriorityFor(t *testing.T) {
	cases := []struct {
		et   event.EventType
		want event.Priority
	}{
		{event.EventTypeEmergencyModeChanged, event.PriorityCritical},
		{event.EventTypeCriticalLiquidityAlert, event.PriorityCritical},
		{event.EventTypeRedemptionRequested, event.PriorityHigh},
		{event.EventTypeNavUpdated, event.PriorityHigh},
		{event.EventTypeSettlementWaterfallTriggered, event.PriorityHigh},
		{event.EventTypeDepositProcessed, event.PriorityNormal},
		{event.EventTypeManagementFeeCollected, event.PriorityNormal},
	}
	for _, c := range cases {
		if got := event.PriorityFor(c.et); got != c.want {
			t.Errorf("%v: got %v, want %v", c.et, got, c.want)
		}
	}
}

func TestTopicIndexCoversAllTypes(t *testing.T) {
	for et := event.EventTypeDepositProcessed; et <= event.EventTypeEmergencyQuotaRestored; et++ {
		topic := event.Topic0(et)
		got, ok := event.TypeByTopic(topic)
		if !ok {
			t.Errorf("%v: no topic registered", et)
			continue
		}
		if got != et {
			t.Errorf("%v: topic resolves to %v", et, got)
		}
	}
}
