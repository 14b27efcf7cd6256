package risk

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PaimonControl/internal/config"
	fpmath "PaimonControl/internal/math"
	"PaimonControl/internal/projection"
)

func inputsWith(l1Cash, l1Yield, l2, l3 int64) snapshotInputs {
	f := &projection.FundState{
		L1Cash:   fpmath.BaseUnits(l1Cash),
		L1Yield:  fpmath.BaseUnits(l1Yield),
		L2Assets: fpmath.BaseUnits(l2),
		L3Assets: fpmath.BaseUnits(l3),
	}
	f.TotalAssets = fpmath.Sum(f.L1Cash, f.L1Yield, f.L2Assets, f.L3Assets)
	return snapshotInputs{
		fund:      f,
		holdings:  map[common.Address]*projection.Holding{},
		stats:     &projection.LiabilityStats{OpenGross: new(big.Int), SettledGross24h: new(big.Int), SettledGross7d: new(big.Int)},
		outflow7d: new(big.Int),
		now:       time.Now(),
	}
}

func indicator(t *testing.T, inds []Indicator, name string) Indicator {
	t.Helper()
	for _, ind := range inds {
		if ind.Name == name {
			return ind
		}
	}
	t.Fatalf("indicator %s not computed", name)
	return Indicator{}
}

func TestComputeIndicatorsHealthyFund(t *testing.T) {
	pol := config.DefaultPolicy()
	in := inputsWith(50_000, 50_000, 300_000, 600_000)

	inds := computeIndicators(pol, in)

	l1 := indicator(t, inds, "l1_ratio")
	if l1.Value != 1000 {
		t.Errorf("l1_ratio = %d bps, want 1000", l1.Value)
	}
	if l1.Severity != 1 {
		t.Errorf("l1_ratio severity = %d, want 1", l1.Severity)
	}
	if got := levelOf(inds); got != LevelNormal {
		t.Errorf("level = %s, want NORMAL", got)
	}
}

func TestComputeIndicatorsCoverageCeiling(t *testing.T) {
	pol := config.DefaultPolicy()
	in := inputsWith(100_000, 0, 300_000, 600_000)

	// No outstanding liability: coverage reports the ceiling, never a breach.
	cov := indicator(t, computeIndicators(pol, in), "redemption_coverage")
	if cov.Value != coverageCeilingBps {
		t.Errorf("coverage = %d, want ceiling %d", cov.Value, coverageCeilingBps)
	}
	if cov.Severity != 1 {
		t.Errorf("coverage severity = %d, want 1", cov.Severity)
	}
}

func TestSeverityForDirections(t *testing.T) {
	below := config.IndicatorPolicy{Direction: "below", Warning: 800, Critical: 500, Emergency: 300}
	above := config.IndicatorPolicy{Direction: "above", Warning: 100, Critical: 300}

	cases := []struct {
		name  string
		pol   config.IndicatorPolicy
		value int64
		want  int
	}{
		{"below normal at bound", below, 800, 1},
		{"below warning", below, 799, 2},
		{"below critical", below, 499, 3},
		{"below emergency", below, 299, 4},
		{"above normal at bound", above, 100, 1},
		{"above warning", above, 101, 2},
		{"above critical", above, 301, 3},
		{"above no emergency bound", above, 1_000_000, 3},
	}
	for _, tc := range cases {
		if got := severityFor(tc.pol, tc.value); got != tc.want {
			t.Errorf("%s: severity = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestLevelIsWorstSeverity(t *testing.T) {
	inds := []Indicator{
		{Name: "a", Category: "liquidity", Severity: 1},
		{Name: "b", Category: "price", Severity: 3},
		{Name: "c", Category: "redemption", Severity: 2},
	}
	if got := levelOf(inds); got != LevelHigh {
		t.Errorf("level = %s, want HIGH", got)
	}
}

func TestScoreWeightsWorstPerCategory(t *testing.T) {
	weights := map[string]float64{
		"liquidity":     0.35,
		"price":         0.20,
		"concentration": 0.20,
		"redemption":    0.25,
	}
	inds := []Indicator{
		{Name: "l1_ratio", Category: "liquidity", Severity: 4},
		{Name: "l1_l2_ratio", Category: "liquidity", Severity: 2},
		{Name: "nav_volatility_24h", Category: "price", Severity: 1},
	}

	// liquidity contributes its worst severity (95), price its 20; absent
	// categories contribute nothing.
	wantScore := 0.35*95 + 0.20*20
	want := int(wantScore)
	if got := scoreOf(weights, inds); got != want {
		t.Errorf("score = %d, want %d", got, want)
	}
}

func TestScoreClamped(t *testing.T) {
	weights := map[string]float64{"liquidity": 2.0}
	inds := []Indicator{{Name: "l1_ratio", Category: "liquidity", Severity: 4}}
	if got := scoreOf(weights, inds); got != 100 {
		t.Errorf("score = %d, want clamp at 100", got)
	}
}

func TestGateSuspendResume(t *testing.T) {
	g := NewGate()
	if !g.AcceptingStandard() {
		t.Fatal("new gate should accept")
	}
	if !g.Suspend("risk HIGH") {
		t.Fatal("first suspend should report the close")
	}
	if g.Suspend("again") {
		t.Error("second suspend should be a no-op")
	}
	if g.AcceptingStandard() {
		t.Error("gate should be closed")
	}
	if g.Reason() != "risk HIGH" {
		t.Errorf("reason = %q, want first suspend's", g.Reason())
	}
	if !g.Resume() {
		t.Error("resume should report the open")
	}
	if g.Resume() {
		t.Error("second resume should be a no-op")
	}
}
