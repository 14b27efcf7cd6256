package query

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"PaimonControl/internal/observability"
	"PaimonControl/internal/projection"
	"PaimonControl/internal/risk"
	"PaimonControl/internal/state"
)

var testMetrics = observability.NewMetrics()

type countingFunds struct {
	calls int
	state *projection.FundState
}

func (c *countingFunds) Get(context.Context) (*projection.FundState, error) {
	c.calls++
	return c.state, nil
}

type nilRedemptions struct{}

func (nilRedemptions) Get(context.Context, uint64) (*state.RedemptionRequest, error) {
	return nil, nil
}

func testFundState() *projection.FundState {
	return &projection.FundState{
		VaultAddress:           common.HexToAddress("0xaa"),
		TotalAssets:            big.NewInt(2_000_000),
		TotalSupply:            big.NewInt(1_900_000),
		SharePrice:             big.NewInt(1_050_000),
		L1Cash:                 big.NewInt(150_000),
		L1Yield:                big.NewInt(50_000),
		L2Assets:               big.NewInt(600_000),
		L3Assets:               big.NewInt(1_200_000),
		BufferPool:             big.NewInt(20_000),
		PendingRedemptionGross: big.NewInt(80_000),
		PendingApprovalShares:  big.NewInt(0),
		EmergencyQuota:         big.NewInt(30_000),
		LastEventBlock:         4_210_000,
		UpdatedAt:              time.Now().UTC(),
	}
}

func TestFundViewRendersBaseUnits(t *testing.T) {
	v := fundView(testFundState())

	if v.TotalAssets != "2000000" {
		t.Errorf("total assets: got %s, want 2000000", v.TotalAssets)
	}
	if v.Tiers.L1Cash != "150000" || v.Tiers.L1Yield != "50000" {
		t.Errorf("l1 split: got %s/%s", v.Tiers.L1Cash, v.Tiers.L1Yield)
	}
	if v.Tiers.L2 != "600000" || v.Tiers.L3 != "1200000" {
		t.Errorf("tiers: got L2=%s L3=%s", v.Tiers.L2, v.Tiers.L3)
	}
}

func TestFundViewNilAmounts(t *testing.T) {
	f := &projection.FundState{VaultAddress: common.HexToAddress("0xaa")}
	v := fundView(f)
	if v.TotalAssets != "0" || v.Tiers.Buffer != "0" {
		t.Errorf("nil amounts should render as 0, got %s / %s", v.TotalAssets, v.Tiers.Buffer)
	}
}

func TestFundCaching(t *testing.T) {
	funds := &countingFunds{state: testFundState()}
	s := NewService(ServiceConfig{
		Funds:    funds,
		CacheTTL: time.Minute,
		Metrics:  testMetrics,
		Log:      zerolog.Nop(),
	})
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.Fund(ctx); err != nil {
			t.Fatalf("fund query failed: %v", err)
		}
	}
	if funds.calls != 1 {
		t.Errorf("store reads: got %d, want 1 (cache should absorb repeats)", funds.calls)
	}
}

func TestRedemptionUnknownIsNil(t *testing.T) {
	s := NewService(ServiceConfig{
		Redemptions: nilRedemptions{},
		Metrics:     testMetrics,
		Log:         zerolog.Nop(),
	})
	defer s.Close()

	v, err := s.Redemption(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != nil {
		t.Fatal("unknown redemption should yield nil, not a view")
	}
}

func TestRedemptionViewOptionalFields(t *testing.T) {
	now := time.Now().UTC()
	r := &state.RedemptionRequest{
		RequestID:     42,
		Owner:         common.HexToAddress("0xbb"),
		Receiver:      common.HexToAddress("0xcc"),
		Shares:        big.NewInt(1000),
		GrossAmount:   big.NewInt(1050),
		Status:        state.RedemptionStatusSettled,
		SettledAmount: big.NewInt(1000),
		SettledFee:    big.NewInt(50),
		SettledAt:     &now,
	}
	v := redemptionView(r)
	if v.SettledAmount != "1000" || v.SettledFee != "50" {
		t.Errorf("settlement: got %s/%s", v.SettledAmount, v.SettledFee)
	}
	if v.VoucherTokenID != "" {
		t.Error("absent voucher should render empty")
	}
}

func TestForecastViewPicksNewestTimestamp(t *testing.T) {
	older := time.Now().UTC().Add(-time.Hour)
	newer := time.Now().UTC()
	v := forecastView([]*risk.Forecast{
		{HorizonDays: 1, ShortfallProbability: 0.02, Recommendation: risk.RecommendNone, CreatedAt: older},
		{HorizonDays: 7, ShortfallProbability: 0.30, Recommendation: risk.RecommendPrepare,
			SuggestedAmount: big.NewInt(500), CreatedAt: newer},
	})
	if !v.GeneratedAt.Equal(newer) {
		t.Errorf("generated_at: got %v, want %v", v.GeneratedAt, newer)
	}
	if len(v.Horizons) != 2 {
		t.Fatalf("horizons: got %d, want 2", len(v.Horizons))
	}
	if v.Horizons[0].SuggestedAmount != "" {
		t.Error("NONE recommendation should omit suggested amount")
	}
	if v.Horizons[1].SuggestedAmount != "500" {
		t.Errorf("suggested amount: got %s, want 500", v.Horizons[1].SuggestedAmount)
	}
}

func TestRiskViewLevelString(t *testing.T) {
	v := riskView(&risk.Snapshot{Level: risk.LevelHigh, Score: 61, L1RatioBps: 420})
	if v.Level != "HIGH" {
		t.Errorf("level: got %s, want HIGH", v.Level)
	}
}
