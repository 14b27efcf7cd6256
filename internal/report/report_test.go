package report

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"PaimonControl/internal/alert"
	"PaimonControl/internal/chain"
	"PaimonControl/internal/projection"
	"PaimonControl/internal/risk"
	"PaimonControl/internal/state"
)

var testVault = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type fakeFunds struct{ state *projection.FundState }

func (f *fakeFunds) Get(context.Context) (*projection.FundState, error) { return f.state, nil }

type fakeLiabilities struct {
	stats   *projection.LiabilityStats
	overdue []*state.RedemptionRequest
}

func (f *fakeLiabilities) Stats(context.Context, time.Time) (*projection.LiabilityStats, error) {
	return f.stats, nil
}

func (f *fakeLiabilities) OverdueAt(context.Context, time.Time, int) ([]*state.RedemptionRequest, error) {
	return f.overdue, nil
}

type fakeTickets struct{ open int64 }

func (f *fakeTickets) CountOpen(context.Context) (int64, error) { return f.open, nil }

type fakeSnapshots struct{ snap *risk.Snapshot }

func (f *fakeSnapshots) Latest(context.Context) (*risk.Snapshot, error) { return f.snap, nil }

type fakeFlows struct {
	inflow  *big.Int
	outflow *big.Int
	since   []time.Time
}

func (f *fakeFlows) SumSince(_ context.Context, dir projection.FlowDirection, since time.Time) (*big.Int, error) {
	f.since = append(f.since, since)
	if dir == projection.FlowInflow {
		return f.inflow, nil
	}
	return f.outflow, nil
}

type fakeNavs struct{ points []*projection.NavPoint }

func (f *fakeNavs) Window(context.Context, time.Time) ([]*projection.NavPoint, error) {
	return f.points, nil
}

type fakeSender struct {
	sends []chain.Call
	err   error
}

func (f *fakeSender) Send(_ context.Context, _ common.Address, _ chain.SignerID, call chain.Call) (*types.Receipt, error) {
	f.sends = append(f.sends, call)
	if f.err != nil {
		return nil, f.err
	}
	return &types.Receipt{TxHash: common.HexToHash("0x11"), Status: types.ReceiptStatusSuccessful}, nil
}

type fakePruner struct {
	pruned []time.Time
	err    error
}

func (f *fakePruner) Prune(_ context.Context, before time.Time) (int64, error) {
	f.pruned = append(f.pruned, before)
	return 3, f.err
}

type captureAlerts struct{ alerts []alert.Alert }

func (c *captureAlerts) Publish(_ context.Context, a alert.Alert) error {
	c.alerts = append(c.alerts, a)
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestDailyReportPublishesSummary(t *testing.T) {
	alerts := &captureAlerts{}
	h := New(Config{
		Vault: testVault,
		Funds: &fakeFunds{state: &projection.FundState{
			TotalAssets: big.NewInt(2_000_000),
			SharePrice:  big.NewInt(1_050_000),
			L1Cash:      big.NewInt(150_000),
			L1Yield:     big.NewInt(50_000),
			L2Assets:    big.NewInt(600_000),
			L3Assets:    big.NewInt(1_200_000),
			BufferPool:  big.NewInt(20_000),
		}},
		Liabilities: &fakeLiabilities{stats: &projection.LiabilityStats{
			OpenCount:       4,
			OpenGross:       big.NewInt(80_000),
			SettledGross24h: big.NewInt(10_000),
			SettledGross7d:  big.NewInt(55_000),
		}},
		Tickets:   &fakeTickets{open: 2},
		Snapshots: &fakeSnapshots{snap: &risk.Snapshot{Level: risk.LevelElevated, Score: 34}},
		Alerts:    alerts,
		Log:       zerolog.Nop(),
	})

	if err := h.HandleDaily(context.Background(), nil); err != nil {
		t.Fatalf("daily report failed: %v", err)
	}
	if len(alerts.alerts) != 1 {
		t.Fatalf("alerts: got %d, want 1", len(alerts.alerts))
	}
	a := alerts.alerts[0]
	if a.Kind != "report.daily" || a.Severity != alert.SeverityInfo {
		t.Errorf("alert: got %s/%s", a.Kind, a.Severity)
	}
	if a.Fields["l1"] != "200000" {
		t.Errorf("l1: got %s, want 200000", a.Fields["l1"])
	}
	if a.Fields["risk_level"] != "ELEVATED" {
		t.Errorf("risk_level: got %s", a.Fields["risk_level"])
	}
	if a.Fields["open_redemptions"] != "4" {
		t.Errorf("open_redemptions: got %s", a.Fields["open_redemptions"])
	}
}

func TestWeeklyReportAggregatesFlows(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 15, 0, 0, time.UTC)
	alerts := &captureAlerts{}
	flows := &fakeFlows{inflow: big.NewInt(90_000), outflow: big.NewInt(40_000)}
	h := New(Config{
		Vault: testVault,
		Funds: &fakeFunds{state: &projection.FundState{
			TotalAssets: big.NewInt(2_000_000),
			SharePrice:  big.NewInt(1_060_000),
		}},
		Liabilities: &fakeLiabilities{stats: &projection.LiabilityStats{
			OpenCount: 3,
			OpenGross: big.NewInt(60_000),
		}},
		Snapshots: &fakeSnapshots{snap: &risk.Snapshot{Level: risk.LevelNormal, Score: 10}},
		Flows:     flows,
		Navs: &fakeNavs{points: []*projection.NavPoint{
			{SharePrice: big.NewInt(1_000_000)},
			{SharePrice: big.NewInt(1_060_000)},
		}},
		Alerts: alerts,
		Log:    zerolog.Nop(),
		Clock:  fixedClock(now),
	})

	if err := h.HandleWeekly(context.Background(), nil); err != nil {
		t.Fatalf("weekly report failed: %v", err)
	}
	if len(alerts.alerts) != 1 {
		t.Fatalf("alerts: got %d, want 1", len(alerts.alerts))
	}
	a := alerts.alerts[0]
	if a.Kind != "report.weekly" || a.Severity != alert.SeverityInfo {
		t.Errorf("alert: got %s/%s", a.Kind, a.Severity)
	}
	if a.Fields["window_days"] != "7" {
		t.Errorf("window_days: got %s, want 7", a.Fields["window_days"])
	}
	if a.Fields["net_flow"] != "50000" {
		t.Errorf("net_flow: got %s, want 50000", a.Fields["net_flow"])
	}
	if a.Fields["share_price_change_bps"] != "600" {
		t.Errorf("share_price_change_bps: got %s, want 600", a.Fields["share_price_change_bps"])
	}
	want := now.Add(-7 * 24 * time.Hour)
	if len(flows.since) != 2 || !flows.since[0].Equal(want) {
		t.Errorf("flow window start: got %v, want %v", flows.since, want)
	}
}

func TestMonthlyReportUsesThirtyDayWindow(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC)
	alerts := &captureAlerts{}
	flows := &fakeFlows{inflow: big.NewInt(400_000), outflow: big.NewInt(410_000)}
	h := New(Config{
		Vault: testVault,
		Funds: &fakeFunds{state: &projection.FundState{
			TotalAssets: big.NewInt(2_000_000),
			SharePrice:  big.NewInt(1_050_000),
		}},
		Liabilities: &fakeLiabilities{stats: &projection.LiabilityStats{OpenGross: big.NewInt(0)}},
		Snapshots:   &fakeSnapshots{},
		Flows:       flows,
		Navs:        &fakeNavs{},
		Alerts:      alerts,
		Log:         zerolog.Nop(),
		Clock:       fixedClock(now),
	})

	if err := h.HandleMonthly(context.Background(), nil); err != nil {
		t.Fatalf("monthly report failed: %v", err)
	}
	a := alerts.alerts[0]
	if a.Kind != "report.monthly" {
		t.Errorf("kind: got %s", a.Kind)
	}
	if a.Fields["window_days"] != "30" {
		t.Errorf("window_days: got %s, want 30", a.Fields["window_days"])
	}
	if a.Fields["net_flow"] != "-10000" {
		t.Errorf("net_flow: got %s, want -10000", a.Fields["net_flow"])
	}
	if _, ok := a.Fields["share_price_change_bps"]; ok {
		t.Error("price change should be absent without nav history")
	}
}

func TestOverdueBatchSkipsWhenClean(t *testing.T) {
	sender := &fakeSender{}
	h := New(Config{
		Vault:           testVault,
		Liabilities:     &fakeLiabilities{},
		Sender:          sender,
		OverdueDaysBack: 30,
		Log:             zerolog.Nop(),
	})

	if err := h.HandleOverdueBatch(context.Background(), nil); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(sender.sends) != 0 {
		t.Error("no transaction should be sent when nothing is overdue")
	}
}

func TestOverdueBatchSendsOneTransaction(t *testing.T) {
	sender := &fakeSender{}
	h := New(Config{
		Vault: testVault,
		Liabilities: &fakeLiabilities{overdue: []*state.RedemptionRequest{
			{RequestID: 7},
		}},
		Sender:          sender,
		OverdueDaysBack: 30,
		Log:             zerolog.Nop(),
	})

	if err := h.HandleOverdueBatch(context.Background(), nil); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(sender.sends) != 1 {
		t.Fatalf("sends: got %d, want 1", len(sender.sends))
	}
	want := chain.ProcessOverdueLiabilityBatch(30)
	if sender.sends[0].Method != want.Method {
		t.Errorf("method: got %s, want %s", sender.sends[0].Method, want.Method)
	}
}

func TestOverdueBatchAlertsOnFailure(t *testing.T) {
	alerts := &captureAlerts{}
	h := New(Config{
		Vault:           testVault,
		Liabilities:     &fakeLiabilities{overdue: []*state.RedemptionRequest{{RequestID: 7}}},
		Sender:          &fakeSender{err: errors.New("nonce gap")},
		OverdueDaysBack: 30,
		Alerts:          alerts,
		Log:             zerolog.Nop(),
	})

	if err := h.HandleOverdueBatch(context.Background(), nil); err == nil {
		t.Fatal("send failure should propagate for retry")
	}
	if len(alerts.alerts) != 1 || alerts.alerts[0].Severity != alert.SeverityCritical {
		t.Fatalf("expected one critical alert, got %v", alerts.alerts)
	}
}

func TestCleanupPrunesByRetention(t *testing.T) {
	now := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	riskP := &fakePruner{}
	flowP := &fakePruner{}
	dedupP := &fakePruner{}

	h := New(Config{
		SnapshotPruners:   []Pruner{riskP},
		FlowPruners:       []Pruner{flowP},
		DedupPruner:       dedupP,
		SnapshotRetention: 90 * 24 * time.Hour,
		FlowRetention:     180 * 24 * time.Hour,
		DedupTTL:          7 * 24 * time.Hour,
		Log:               zerolog.Nop(),
		Clock:             fixedClock(now),
	})

	if err := h.HandleCleanup(context.Background(), nil); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if got, want := riskP.pruned[0], now.Add(-90*24*time.Hour); !got.Equal(want) {
		t.Errorf("risk cutoff: got %v, want %v", got, want)
	}
	if got, want := dedupP.pruned[0], now.Add(-7*24*time.Hour); !got.Equal(want) {
		t.Errorf("dedup cutoff: got %v, want %v", got, want)
	}
	if len(flowP.pruned) != 1 {
		t.Error("flow pruner should run once")
	}
}

func TestCleanupContinuesPastFailures(t *testing.T) {
	bad := &fakePruner{err: errors.New("lock timeout")}
	good := &fakePruner{}

	h := New(Config{
		SnapshotPruners:   []Pruner{bad},
		FlowPruners:       []Pruner{good},
		SnapshotRetention: time.Hour,
		FlowRetention:     time.Hour,
		Log:               zerolog.Nop(),
	})

	if err := h.HandleCleanup(context.Background(), nil); err == nil {
		t.Fatal("first prune error should surface for retry")
	}
	if len(good.pruned) != 1 {
		t.Error("later pruners should still run after a failure")
	}
}
