package math

import (
	"math/big"
	"sort"
)

// TierRatios holds the per-tier share of total assets in basis points.
type TierRatios struct {
	L1 int64
	L2 int64
	L3 int64
}

// ComputeTierRatios derives tier ratios from absolute tier values. L1 cash
// and L1 yield are a single tier for ratio purposes.
func ComputeTierRatios(l1Cash, l1Yield, l2, l3 *big.Int) TierRatios {
	total := Sum(l1Cash, l1Yield, l2, l3)
	if total.Sign() == 0 {
		return TierRatios{}
	}
	l1 := Sum(l1Cash, l1Yield)
	return TierRatios{
		L1: RatioBps(l1, total),
		L2: RatioBps(l2, total),
		L3: RatioBps(l3, total),
	}
}

// DeviationBps is the signed distance of a current ratio from its target.
func DeviationBps(currentBps, targetBps int64) int64 {
	return currentBps - targetBps
}

// WithinBounds reports whether a ratio sits inside [minBps, maxBps].
func WithinBounds(ratioBps, minBps, maxBps int64) bool {
	return ratioBps >= minBps && ratioBps <= maxBps
}

// ChangeBps returns the relative change from prior to current in basis
// points: (current − prior) / prior × 10,000. Zero prior yields zero.
func ChangeBps(prior, current *big.Int) int64 {
	if prior.Sign() == 0 {
		return 0
	}
	diff := new(big.Int).Sub(current, prior)
	return RatioBps(diff, prior)
}

// RangeOverMeanBps measures dispersion of a series as (max − min) / mean in
// basis points. Used for NAV volatility over a rolling window.
func RangeOverMeanBps(series []*big.Int) int64 {
	if len(series) < 2 {
		return 0
	}
	minV := new(big.Int).Set(series[0])
	maxV := new(big.Int).Set(series[0])
	total := new(big.Int)
	for _, v := range series {
		if v.Cmp(minV) < 0 {
			minV.Set(v)
		}
		if v.Cmp(maxV) > 0 {
			maxV.Set(v)
		}
		total.Add(total, v)
	}
	mean := DivideRound(total, big.NewInt(int64(len(series))), RoundHalfEven)
	spread := new(big.Int).Sub(maxV, minV)
	return RatioBps(spread, mean)
}

// HerfindahlBps computes the Herfindahl–Hirschman concentration index of the
// given holdings in basis points (10,000 = single-asset portfolio).
func HerfindahlBps(values []*big.Int) int64 {
	total := Sum(values...)
	if total.Sign() == 0 {
		return 0
	}
	var hhi int64
	for _, v := range values {
		share := RatioBps(v, total)
		hhi += share * share / BpsDenominator
	}
	return hhi
}

// TopNShareBps returns the combined share of the n largest values in basis
// points.
func TopNShareBps(values []*big.Int, n int) int64 {
	if len(values) == 0 || n <= 0 {
		return 0
	}
	sorted := make([]*big.Int, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Cmp(sorted[j]) > 0
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	top := Sum(sorted[:n]...)
	return RatioBps(top, Sum(sorted...))
}
