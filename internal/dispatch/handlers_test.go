package dispatch_test

import (
	"context"
	"database/sql"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PaimonControl/internal/dispatch"
	"PaimonControl/internal/event"
	"PaimonControl/internal/fault"
	fpmath "PaimonControl/internal/math"
	"PaimonControl/internal/observability"
	"PaimonControl/internal/projection"
	"PaimonControl/internal/state"
	"PaimonControl/internal/testutil"
)

var testVault = common.HexToAddress("0x4242424242424242424242424242424242424242")

// recordingApprovalHook captures follow-up calls for assertions.
type recordingApprovalHook struct {
	mu       sync.Mutex
	tickets  []uint64
	resolved []resolution
}

type resolution struct {
	refID    string
	approved bool
	actor    string
}

func (h *recordingApprovalHook) TicketForRedemption(_ context.Context, req *state.RedemptionRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tickets = append(h.tickets, req.RequestID)
	return nil
}

func (h *recordingApprovalHook) ResolveReference(_ context.Context, _ state.ReferenceType, refID string, approved bool, actor string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resolved = append(h.resolved, resolution{refID: refID, approved: approved, actor: actor})
	return nil
}

type testEnv struct {
	handlers    *dispatch.Handlers
	fund        *projection.FundStore
	redemptions *projection.RedemptionStore
	flows       *projection.FlowStore
	assets      *projection.AssetStore
	processed   *dispatch.ProcessedStore
	approval    *recordingApprovalHook
}

func newTestEnv(t *testing.T, db *sql.DB) *testEnv {
	t.Helper()

	fund := projection.NewFundStore(db, testVault)
	if err := fund.EnsureRow(context.Background()); err != nil {
		t.Fatalf("EnsureRow: %v", err)
	}

	approval := &recordingApprovalHook{}
	processed := dispatch.NewProcessedStore(db)
	redemptions := projection.NewRedemptionStore(db)
	flows := projection.NewFlowStore(db)
	assets := projection.NewAssetStore(db)

	handlers := dispatch.NewHandlers(dispatch.HandlersConfig{
		DB:          db,
		Processed:   processed,
		Audit:       dispatch.NewAuditWriter(db),
		Fund:        fund,
		Redemptions: redemptions,
		Nav:         projection.NewNavStore(db),
		Liabilities: projection.NewDailyLiabilityStore(db),
		Assets:      assets,
		Flows:       flows,
		Approval:    approval,
		Metrics:     testMetrics,
		Log:         observability.NewLogger("dispatch-test"),
	})

	return &testEnv{
		handlers:    handlers,
		fund:        fund,
		redemptions: redemptions,
		flows:       flows,
		assets:      assets,
		processed:   processed,
		approval:    approval,
	}
}

func envelope(block uint64, logIndex uint, ev event.Event) *event.Envelope {
	seed := new(big.Int).SetUint64(block*1_000 + uint64(logIndex))
	return &event.Envelope{
		TxHash:      common.BigToHash(seed),
		LogIndex:    logIndex,
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		BlockTime:   time.Unix(1_700_000_000+int64(block)*12, 0).UTC(),
		Contract:    testVault,
		Type:        ev.EventType(),
		Event:       ev,
	}
}

func mustHandle(t *testing.T, h *dispatch.Handlers, env *event.Envelope) {
	t.Helper()
	if err := h.Handle(context.Background(), env); err != nil {
		t.Fatalf("Handle(%s at %s): %v", env.Type, env.Key(), err)
	}
}

func TestHandleDepositUpdatesProjection(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	te := newTestEnv(t, db)
	ctx := context.Background()

	assets := fpmath.BaseUnits(10_000)
	shares := fpmath.BaseUnits(9_950)
	mustHandle(t, te.handlers, envelope(100, 0, &event.DepositProcessed{
		Sender:   common.HexToAddress("0xa1"),
		Receiver: common.HexToAddress("0xa1"),
		Assets:   assets,
		Shares:   shares,
	}))

	fs, err := te.fund.Get(ctx)
	if err != nil {
		t.Fatalf("fund Get: %v", err)
	}
	if fs.TotalAssets.Cmp(assets) != 0 {
		t.Errorf("TotalAssets = %s, want %s", fs.TotalAssets, assets)
	}
	if fs.TotalSupply.Cmp(shares) != 0 {
		t.Errorf("TotalSupply = %s, want %s", fs.TotalSupply, shares)
	}
	if fs.L1Cash.Cmp(assets) != 0 {
		t.Errorf("L1Cash = %s, want %s", fs.L1Cash, assets)
	}
	if fs.LastEventBlock != 100 || fs.LastEventIndex != 0 {
		t.Errorf("last event = (%d, %d), want (100, 0)", fs.LastEventBlock, fs.LastEventIndex)
	}

	inflow, err := te.flows.SumSince(ctx, projection.FlowInflow, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("SumSince: %v", err)
	}
	if inflow.Cmp(assets) != 0 {
		t.Errorf("recorded inflow = %s, want %s", inflow, assets)
	}
}

func TestHandleReplayIsDeduped(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	te := newTestEnv(t, db)
	ctx := context.Background()

	env := envelope(200, 1, &event.DepositProcessed{
		Sender:   common.HexToAddress("0xb2"),
		Receiver: common.HexToAddress("0xb2"),
		Assets:   fpmath.BaseUnits(500),
		Shares:   fpmath.BaseUnits(500),
	})
	mustHandle(t, te.handlers, env)

	err := te.handlers.Handle(ctx, env)
	if !fault.Is(err, fault.KindDedupHit) {
		t.Fatalf("replay Handle = %v, want DEDUP_HIT", err)
	}

	fs, err := te.fund.Get(ctx)
	if err != nil {
		t.Fatalf("fund Get: %v", err)
	}
	if want := fpmath.BaseUnits(500); fs.TotalAssets.Cmp(want) != 0 {
		t.Errorf("TotalAssets after replay = %s, want %s (unchanged)", fs.TotalAssets, want)
	}
}

func TestRedemptionLifecycle(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	te := newTestEnv(t, db)
	ctx := context.Background()

	// Seed liquidity so the settlement has something to draw down.
	mustHandle(t, te.handlers, envelope(300, 0, &event.DepositProcessed{
		Sender:   common.HexToAddress("0xc3"),
		Receiver: common.HexToAddress("0xc3"),
		Assets:   fpmath.BaseUnits(100_000),
		Shares:   fpmath.BaseUnits(100_000),
	}))

	gross := fpmath.BaseUnits(50_000)
	owner := common.HexToAddress("0xc3")
	mustHandle(t, te.handlers, envelope(301, 0, &event.RedemptionRequested{
		RequestID:        big.NewInt(7),
		Owner:            owner,
		Receiver:         owner,
		Shares:           fpmath.BaseUnits(50_000),
		LockedAmount:     gross,
		EstimatedFee:     fpmath.BaseUnits(250),
		Channel:          event.ChannelStandard,
		RequiresApproval: true,
		SettlementTime:   big.NewInt(1_700_100_000),
		WindowID:         big.NewInt(0),
	}))

	req, err := te.redemptions.Get(ctx, 7)
	if err != nil {
		t.Fatalf("redemptions Get: %v", err)
	}
	if req == nil {
		t.Fatal("request 7 not persisted")
	}
	if req.Status != state.RedemptionStatusPendingApproval {
		t.Errorf("status = %s, want PENDING_APPROVAL", req.Status)
	}
	if len(te.approval.tickets) != 1 || te.approval.tickets[0] != 7 {
		t.Errorf("approval tickets = %v, want [7]", te.approval.tickets)
	}

	fs, _ := te.fund.Get(ctx)
	if fs.PendingRedemptionGross.Cmp(gross) != 0 {
		t.Errorf("PendingRedemptionGross = %s, want %s", fs.PendingRedemptionGross, gross)
	}

	approver := common.HexToAddress("0xd4")
	mustHandle(t, te.handlers, envelope(302, 0, &event.RedemptionApproved{
		RequestID:      big.NewInt(7),
		Approver:       approver,
		SettlementTime: big.NewInt(1_700_100_000),
	}))

	req, _ = te.redemptions.Get(ctx, 7)
	if req.Status != state.RedemptionStatusApproved {
		t.Errorf("status after approval = %s, want APPROVED", req.Status)
	}
	if len(te.approval.resolved) != 1 || !te.approval.resolved[0].approved {
		t.Errorf("resolutions = %+v, want one approved", te.approval.resolved)
	}
	if got := te.approval.resolved[0].actor; got != approver.Hex() {
		t.Errorf("resolution actor = %s, want %s", got, approver.Hex())
	}

	net := fpmath.BaseUnits(49_750)
	fee := fpmath.BaseUnits(250)
	mustHandle(t, te.handlers, envelope(303, 0, &event.RedemptionSettled{
		RequestID: big.NewInt(7),
		Receiver:  owner,
		NetAmount: net,
		Fee:       fee,
	}))

	req, _ = te.redemptions.Get(ctx, 7)
	if req.Status != state.RedemptionStatusSettled {
		t.Errorf("status after settlement = %s, want SETTLED", req.Status)
	}

	fs, _ = te.fund.Get(ctx)
	if fs.PendingRedemptionGross.Sign() != 0 {
		t.Errorf("PendingRedemptionGross = %s, want 0", fs.PendingRedemptionGross)
	}
	if want := fpmath.BaseUnits(100_000 - 49_750); fs.TotalAssets.Cmp(want) != 0 {
		t.Errorf("TotalAssets = %s, want %s", fs.TotalAssets, want)
	}
	if fs.RedemptionFees.Cmp(fee) != 0 {
		t.Errorf("RedemptionFees = %s, want %s", fs.RedemptionFees, fee)
	}

	outflow, err := te.flows.SumSince(ctx, projection.FlowOutflow, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("SumSince: %v", err)
	}
	if outflow.Cmp(net) != 0 {
		t.Errorf("recorded outflow = %s, want %s", outflow, net)
	}
}

func TestSettlementForUnknownRequestRollsBack(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	te := newTestEnv(t, db)
	ctx := context.Background()

	env := envelope(400, 2, &event.RedemptionSettled{
		RequestID: big.NewInt(999),
		Receiver:  common.HexToAddress("0xe5"),
		NetAmount: fpmath.BaseUnits(10),
		Fee:       big.NewInt(0),
	})

	err := te.handlers.Handle(ctx, env)
	if !fault.Is(err, fault.KindValidation) {
		t.Fatalf("Handle = %v, want VALIDATION", err)
	}

	// The whole transaction rolled back, including the dedup row, so a
	// resync can deliver the event again once the request exists.
	seen, err := te.processed.IsProcessed(ctx, env.Key())
	if err != nil {
		t.Fatalf("IsProcessed: %v", err)
	}
	if seen {
		t.Error("event_processed row survived a rolled-back handle")
	}
}

func TestAssetPurchaseMovesBetweenTiers(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	te := newTestEnv(t, db)
	ctx := context.Background()

	mustHandle(t, te.handlers, envelope(500, 0, &event.DepositProcessed{
		Sender:   common.HexToAddress("0xf6"),
		Receiver: common.HexToAddress("0xf6"),
		Assets:   fpmath.BaseUnits(30_000),
		Shares:   fpmath.BaseUnits(30_000),
	}))

	bond := common.HexToAddress("0xb07d")
	mustHandle(t, te.handlers, envelope(501, 0, &event.AssetAdded{
		Asset:          bond,
		AssetTier:      event.TierL2,
		TargetRatioBps: big.NewInt(3_000),
	}))

	usdt := fpmath.BaseUnits(12_000)
	mustHandle(t, te.handlers, envelope(502, 0, &event.AssetPurchased{
		Asset:       bond,
		UsdtAmount:  usdt,
		AssetAmount: fpmath.BaseUnits(11_900),
	}))

	fs, err := te.fund.Get(ctx)
	if err != nil {
		t.Fatalf("fund Get: %v", err)
	}
	if want := fpmath.BaseUnits(30_000 - 12_000); fs.L1Cash.Cmp(want) != 0 {
		t.Errorf("L1Cash = %s, want %s", fs.L1Cash, want)
	}
	if fs.L2Assets.Cmp(usdt) != 0 {
		t.Errorf("L2Assets = %s, want %s", fs.L2Assets, usdt)
	}

	// Selling moves value back into instant liquidity.
	back := fpmath.BaseUnits(5_000)
	mustHandle(t, te.handlers, envelope(503, 0, &event.AssetRedeemed{
		Asset:        bond,
		AssetAmount:  fpmath.BaseUnits(4_950),
		UsdtReceived: back,
	}))

	fs, _ = te.fund.Get(ctx)
	if want := fpmath.BaseUnits(30_000 - 12_000 + 5_000); fs.L1Cash.Cmp(want) != 0 {
		t.Errorf("L1Cash after redeem = %s, want %s", fs.L1Cash, want)
	}
	if want := fpmath.BaseUnits(12_000 - 5_000); fs.L2Assets.Cmp(want) != 0 {
		t.Errorf("L2Assets after redeem = %s, want %s", fs.L2Assets, want)
	}
}

func TestConfigEventsOverwriteProjection(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	te := newTestEnv(t, db)
	ctx := context.Background()

	mustHandle(t, te.handlers, envelope(600, 0, &event.BaseRedemptionFeeUpdated{
		OldFeeBps: big.NewInt(50),
		NewFeeBps: big.NewInt(75),
	}))
	mustHandle(t, te.handlers, envelope(600, 1, &event.StandardQuotaRatioUpdated{
		OldRatioBps: big.NewInt(1_000),
		NewRatioBps: big.NewInt(1_500),
	}))
	mustHandle(t, te.handlers, envelope(600, 2, &event.EmergencyQuotaRefreshed{
		NewQuota: fpmath.BaseUnits(250_000),
		Epoch:    big.NewInt(42),
	}))

	fs, err := te.fund.Get(ctx)
	if err != nil {
		t.Fatalf("fund Get: %v", err)
	}
	if fs.BaseRedemptionFeeBps != 75 {
		t.Errorf("BaseRedemptionFeeBps = %d, want 75", fs.BaseRedemptionFeeBps)
	}
	if fs.StandardQuotaBps != 1_500 {
		t.Errorf("StandardQuotaBps = %d, want 1500", fs.StandardQuotaBps)
	}
	if want := fpmath.BaseUnits(250_000); fs.EmergencyQuota.Cmp(want) != 0 {
		t.Errorf("EmergencyQuota = %s, want %s", fs.EmergencyQuota, want)
	}
	if fs.EmergencyQuotaEpoch != 42 {
		t.Errorf("EmergencyQuotaEpoch = %d, want 42", fs.EmergencyQuotaEpoch)
	}
}
