// Package risk grades fund health from projected state, drives the leveled
// response ladder, and runs the liquidity forecaster. It is the only
// component allowed to enter or leave emergency mode.
package risk

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PaimonControl/internal/config"
	fpmath "PaimonControl/internal/math"
	"PaimonControl/internal/projection"
)

// Level is the snapshot's overall grade, the worst severity across all
// indicators.
type Level int

const (
	LevelNormal   Level = 1
	LevelElevated Level = 2
	LevelHigh     Level = 3
	LevelCritical Level = 4
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelElevated:
		return "ELEVATED"
	case LevelHigh:
		return "HIGH"
	case LevelCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// Indicator is one graded measurement. Values are basis points except
// oracle_staleness, which is seconds.
type Indicator struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Value    int64  `json:"value"`
	Severity int    `json:"severity"`
}

// Reported when there is nothing outstanding to cover: effectively
// unbounded coverage, well clear of every threshold.
const coverageCeilingBps = 1_000_000

// snapshotInputs is everything one evaluation reads, gathered up front so
// the formulas below stay pure.
type snapshotInputs struct {
	fund      *projection.FundState
	holdings  map[common.Address]*projection.Holding
	nav       []*projection.NavPoint
	stats     *projection.LiabilityStats
	outflow7d *big.Int
	now       time.Time
}

// computeIndicators evaluates every policied indicator against the inputs.
// Indicators missing from the policy are skipped.
func computeIndicators(pol config.Policy, in snapshotInputs) []Indicator {
	f := in.fund
	liquid := fpmath.Sum(f.L1(), f.L2Assets)
	values := holdingValues(in.holdings)

	measured := []struct {
		name  string
		value int64
	}{
		{"l1_ratio", fpmath.RatioBps(f.L1(), f.TotalAssets)},
		{"l1_l2_ratio", fpmath.RatioBps(liquid, f.TotalAssets)},
		{"redemption_coverage", coverageBps(liquid, in.stats.OpenGross)},
		{"liquidity_gap_7d", gapBps(in.outflow7d, liquid, f.TotalAssets)},
		{"nav_volatility_24h", fpmath.RangeOverMeanBps(sharePrices(in.nav))},
		{"asset_price_deviation", priceDeviationBps(f, in.holdings)},
		{"oracle_staleness", stalenessSeconds(in.nav, in.now)},
		{"single_asset", fpmath.TopNShareBps(values, 1)},
		{"top3", fpmath.TopNShareBps(values, 3)},
		{"counterparty", fpmath.HerfindahlBps(values)},
		{"daily_redemption_rate", fpmath.RatioBps(in.stats.SettledGross24h, f.TotalAssets)},
		{"pending_approval_ratio", approvalBacklogBps(in.stats)},
		{"redemption_velocity_7d", fpmath.RatioBps(in.stats.SettledGross7d, f.TotalAssets)},
	}

	out := make([]Indicator, 0, len(measured))
	for _, m := range measured {
		ip, ok := pol.Indicator(m.name)
		if !ok {
			continue
		}
		out = append(out, Indicator{
			Name:     m.name,
			Category: ip.Category,
			Value:    m.value,
			Severity: severityFor(ip, m.value),
		})
	}
	return out
}

// severityFor grades a value against the policy bounds. A zero Emergency
// bound means the indicator cannot reach severity 4 on its own.
func severityFor(ip config.IndicatorPolicy, value int64) int {
	breached := func(bound int64) bool {
		if ip.Direction == "below" {
			return value < bound
		}
		return value > bound
	}
	switch {
	case ip.Emergency != 0 && breached(ip.Emergency):
		return 4
	case breached(ip.Critical):
		return 3
	case breached(ip.Warning):
		return 2
	}
	return 1
}

// levelOf is the worst severity across all indicators.
func levelOf(inds []Indicator) Level {
	worst := 1
	for _, ind := range inds {
		if ind.Severity > worst {
			worst = ind.Severity
		}
	}
	return Level(worst)
}

// severityScores maps a severity to its score contribution before
// weighting.
var severityScores = [...]int{0, 20, 45, 70, 95}

// scoreOf condenses the indicators into a 0..100 score: each category
// contributes its worst severity's score, scaled by the category weight.
func scoreOf(weights map[string]float64, inds []Indicator) int {
	worst := make(map[string]int)
	for _, ind := range inds {
		if ind.Severity > worst[ind.Category] {
			worst[ind.Category] = ind.Severity
		}
	}
	var score float64
	for category, sev := range worst {
		score += weights[category] * float64(severityScores[sev])
	}
	return int(fpmath.Clamp(int64(score), 0, 100))
}

func coverageBps(liquid, liability *big.Int) int64 {
	if liability == nil || liability.Sign() == 0 {
		return coverageCeilingBps
	}
	return fpmath.RatioBps(liquid, liability)
}

func gapBps(outflow7d, liquid, total *big.Int) int64 {
	if outflow7d == nil {
		return 0
	}
	gap := new(big.Int).Sub(outflow7d, liquid)
	if gap.Sign() <= 0 {
		return 0
	}
	return fpmath.RatioBps(gap, total)
}

// priceDeviationBps compares the vault's reported L2+L3 value against the
// holdings book. Disagreement means stale or drifting asset pricing.
func priceDeviationBps(f *projection.FundState, holdings map[common.Address]*projection.Holding) int64 {
	if len(holdings) == 0 {
		return 0
	}
	tiered := fpmath.Sum(f.L2Assets, f.L3Assets)
	if tiered.Sign() == 0 {
		return 0
	}
	book := new(big.Int)
	for _, h := range holdings {
		if h.UsdtValue != nil {
			book.Add(book, h.UsdtValue)
		}
	}
	dev := fpmath.ChangeBps(tiered, book)
	if dev < 0 {
		dev = -dev
	}
	return dev
}

func stalenessSeconds(nav []*projection.NavPoint, now time.Time) int64 {
	if len(nav) == 0 {
		return 0
	}
	last := nav[len(nav)-1].ObservedAt
	age := int64(now.Sub(last) / time.Second)
	if age < 0 {
		return 0
	}
	return age
}

// approvalBacklogBps is the share of open redemptions stuck waiting for a
// manual decision.
func approvalBacklogBps(stats *projection.LiabilityStats) int64 {
	if stats.OpenCount == 0 {
		return 0
	}
	return stats.PendingApprovalCount * fpmath.BpsDenominator / stats.OpenCount
}

func sharePrices(nav []*projection.NavPoint) []*big.Int {
	out := make([]*big.Int, 0, len(nav))
	for _, p := range nav {
		out = append(out, p.SharePrice)
	}
	return out
}

func holdingValues(holdings map[common.Address]*projection.Holding) []*big.Int {
	out := make([]*big.Int, 0, len(holdings))
	for _, h := range holdings {
		if h.UsdtValue != nil {
			out = append(out, h.UsdtValue)
		}
	}
	return out
}
