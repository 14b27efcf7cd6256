package rebalance

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"PaimonControl/internal/config"
	fpmath "PaimonControl/internal/math"
	"PaimonControl/internal/projection"
	"PaimonControl/internal/state"
)

// TriggerResult says why a plan should be generated now.
type TriggerResult struct {
	Trigger  state.PlanTrigger
	Reason   string
	Critical bool
}

type fundReader interface {
	Get(ctx context.Context) (*projection.FundState, error)
}

// Evaluator watches fund state for conditions that warrant a rebalance:
// tier ratios drifting past their per-tier thresholds, or the L1 ratio
// sinking below the liquidity floor. Liquidity findings outrank deviation
// findings, and a critical liquidity breach outranks everything.
type Evaluator struct {
	funds  fundReader
	policy config.Policy
	log    zerolog.Logger
}

func NewEvaluator(funds fundReader, policy config.Policy, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		funds:  funds,
		policy: policy,
		log:    log.With().Str("component", "rebalance_evaluator").Logger(),
	}
}

// Evaluate runs every trigger check and returns the strongest finding, or
// nil when the fund is inside all bounds. Nothing fires while the vault is
// in emergency mode; the risk engine owns the fund until stand-down.
func (e *Evaluator) Evaluate(ctx context.Context) (*TriggerResult, error) {
	fund, err := e.funds.Get(ctx)
	if err != nil {
		return nil, err
	}
	if fund.EmergencyMode || fund.TotalAssets.Sign() == 0 {
		return nil, nil
	}

	ratios := fpmath.ComputeTierRatios(fund.L1Cash, fund.L1Yield, fund.L2Assets, fund.L3Assets)

	if r := e.liquidity(ratios); r != nil {
		if r.Critical {
			return r, nil
		}
		// A non-critical liquidity breach still beats plain drift, but check
		// drift anyway so the reason names both when both hold.
		if d := e.deviation(ratios); d != nil {
			r.Reason = r.Reason + "; " + d.Reason
		}
		return r, nil
	}
	return e.deviation(ratios), nil
}

// CheckLiquidity runs only the liquidity floor check.
func (e *Evaluator) CheckLiquidity(ctx context.Context) (*TriggerResult, error) {
	fund, err := e.funds.Get(ctx)
	if err != nil {
		return nil, err
	}
	if fund.EmergencyMode || fund.TotalAssets.Sign() == 0 {
		return nil, nil
	}
	ratios := fpmath.ComputeTierRatios(fund.L1Cash, fund.L1Yield, fund.L2Assets, fund.L3Assets)
	return e.liquidity(ratios), nil
}

func (e *Evaluator) liquidity(ratios fpmath.TierRatios) *TriggerResult {
	ind, ok := e.policy.Indicator("l1_ratio")
	if !ok {
		return nil
	}
	switch {
	case ratios.L1 < ind.Critical:
		return &TriggerResult{
			Trigger:  state.TriggerLiquidity,
			Reason:   fmt.Sprintf("L1 ratio %dbps below critical floor %dbps", ratios.L1, ind.Critical),
			Critical: true,
		}
	case ratios.L1 < ind.Warning:
		return &TriggerResult{
			Trigger: state.TriggerLiquidity,
			Reason:  fmt.Sprintf("L1 ratio %dbps below floor %dbps", ratios.L1, ind.Warning),
		}
	}
	return nil
}

func (e *Evaluator) deviation(ratios fpmath.TierRatios) *TriggerResult {
	current := map[string]int64{"L1": ratios.L1, "L2": ratios.L2, "L3": ratios.L3}

	var (
		worstTier string
		worstDev  int64
	)
	for _, tier := range e.policy.Tiers {
		dev := fpmath.DeviationBps(current[tier.Tier], tier.TargetBps)
		abs := dev
		if abs < 0 {
			abs = -abs
		}
		if abs <= tier.ThresholdBps {
			continue
		}
		if worstTier == "" || abs > worstDev {
			worstTier, worstDev = tier.Tier, abs
		}
	}
	if worstTier == "" {
		return nil
	}
	return &TriggerResult{
		Trigger: state.TriggerDeviation,
		Reason:  fmt.Sprintf("%s ratio %dbps off target by %dbps", worstTier, current[worstTier], worstDev),
	}
}
