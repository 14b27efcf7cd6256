package rebalance

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"PaimonControl/internal/chain"
	"PaimonControl/internal/event"
	"PaimonControl/internal/fault"
	fpmath "PaimonControl/internal/math"
	"PaimonControl/internal/observability"
	"PaimonControl/internal/state"
)

// VaultGateway is the slice of the chain gateway plan execution needs.
type VaultGateway interface {
	Simulate(ctx context.Context, contract common.Address, signer chain.SignerID, call chain.Call) error
	Send(ctx context.Context, contract common.Address, signer chain.SignerID, call chain.Call) (*types.Receipt, error)
}

// callFor maps one action to its vault invocation. Tier-level redemptions
// (no asset) go through liquidateForL1; asset-level ones through
// redeemAsset.
func callFor(a *state.RebalanceAction) (chain.Call, error) {
	switch a.Type {
	case state.ActionTransfer:
		return chain.RebalanceSwap(a.FromTier, a.ToTier, a.Amount), nil
	case state.ActionPurchase:
		if a.Asset == nil {
			return chain.Call{}, fault.Newf(fault.KindValidation, "rebalance.callFor",
				"purchase action %d has no asset", a.Seq)
		}
		return chain.PurchaseAsset(*a.Asset, a.Amount), nil
	case state.ActionRedeem:
		if a.Asset != nil {
			return chain.RedeemAsset(*a.Asset, a.Amount), nil
		}
		return chain.LiquidateForL1(a.FromTier, a.Amount), nil
	case state.ActionWaterfall:
		return chain.ExecuteWaterfallLiquidation(a.Amount, a.MaxTier), nil
	case state.ActionBuffer:
		return chain.RebalanceBuffer(), nil
	}
	return chain.Call{}, fault.Newf(fault.KindValidation, "rebalance.callFor",
		"unknown action type %q", a.Type)
}

// Simulator gates a plan before anything is sent. Three checks, all of
// which must pass for the whole plan; there is no partial admission:
//
//  1. every action dry-runs clean via eth_call,
//  2. predicted slippage stays inside each action's budget,
//  3. the projected post-state lands within drift tolerance of the target.
//
// Transient RPC failures during the dry run bubble up without condemning
// the plan; only a revert is a verdict.
type Simulator struct {
	sender  VaultGateway
	vault   common.Address
	limits  Limits
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewSimulator(sender VaultGateway, vault common.Address, limits Limits, metrics *observability.Metrics, log zerolog.Logger) *Simulator {
	return &Simulator{
		sender:  sender,
		vault:   vault,
		limits:  limits,
		metrics: metrics,
		log:     log.With().Str("component", "rebalance_simulator").Logger(),
	}
}

// Gate validates the plan. A nil return admits it for execution. Terminal
// kinds (SimulationReverted, SlippageExceeded, Validation) mean the plan
// is unsound as constructed; retryable kinds mean the check itself could
// not run.
func (s *Simulator) Gate(ctx context.Context, plan *state.RebalancePlan) error {
	for _, a := range plan.Actions {
		call, err := callFor(a)
		if err != nil {
			return err
		}
		if err := s.sender.Simulate(ctx, s.vault, chain.SignerRebalancer, call); err != nil {
			if fault.Is(err, fault.KindSimulationReverted) {
				s.metrics.SimulationFailures.WithLabelValues("revert").Inc()
				s.log.Warn().Str("plan_id", plan.ID).Int("seq", a.Seq).
					Err(err).Msg("simulation reverted")
			}
			return err
		}
	}

	total := plan.PreState.TotalAssets
	for _, a := range plan.Actions {
		if a.MaxSlippageBps <= 0 || a.Type == state.ActionBuffer {
			continue
		}
		predicted := predictedSlippageBps(a.Amount, total)
		if predicted > a.MaxSlippageBps {
			s.metrics.SimulationFailures.WithLabelValues("slippage").Inc()
			return fault.Newf(fault.KindSlippageExceeded, "rebalance.Gate",
				"action %d predicted %dbps, budget %dbps", a.Seq, predicted, a.MaxSlippageBps)
		}
	}

	// A waterfall deliberately skews the fund toward cash ahead of
	// confirmed outflow; steady-state drift is meaningless for it.
	for _, a := range plan.Actions {
		if a.Type == state.ActionWaterfall {
			return nil
		}
	}

	post := projectPostState(plan)
	drift := maxDriftBps(post, plan.TargetState.Ratios)
	if drift > s.limits.DriftToleranceBps {
		s.metrics.SimulationFailures.WithLabelValues("drift").Inc()
		return fault.Newf(fault.KindValidation, "rebalance.Gate",
			"projected drift %dbps exceeds tolerance %dbps", drift, s.limits.DriftToleranceBps)
	}
	return nil
}

// predictedSlippageBps scales the 10bps full-book cost by the action's
// share of total assets. Deliberately coarse; the per-action budget is a
// guard rail against fat-fingered manual plans, not a market model.
func predictedSlippageBps(amount, total *big.Int) int64 {
	if total == nil || total.Sign() == 0 {
		return 0
	}
	return fpmath.RatioBps(amount, total) / 1_000
}

// projectPostState applies every action to the pre-state balances and
// returns the resulting tier ratios. Movements land in L1 cash; the yield
// position only changes through the vault's own sweep.
func projectPostState(plan *state.RebalancePlan) fpmath.TierRatios {
	b := plan.PreState.Balances
	bal := map[event.Tier]*big.Int{
		event.TierL1: new(big.Int).Set(nonNil(b.L1Cash)),
		event.TierL2: new(big.Int).Set(nonNil(b.L2)),
		event.TierL3: new(big.Int).Set(nonNil(b.L3)),
	}
	l1Yield := new(big.Int).Set(nonNil(b.L1Yield))

	for _, a := range plan.Actions {
		amt := nonNil(a.Amount)
		switch a.Type {
		case state.ActionTransfer, state.ActionPurchase, state.ActionRedeem:
			bal[a.FromTier].Sub(bal[a.FromTier], amt)
			bal[a.ToTier].Add(bal[a.ToTier], amt)
		case state.ActionWaterfall:
			// Raised into L1 by draining L2 first, then L3 up to MaxTier.
			bal[event.TierL1].Add(bal[event.TierL1], amt)
			remaining := new(big.Int).Set(amt)
			for _, t := range []event.Tier{event.TierL2, event.TierL3} {
				if t > a.MaxTier || remaining.Sign() == 0 {
					break
				}
				take := fpmath.Min(remaining, bal[t])
				bal[t].Sub(bal[t], take)
				remaining.Sub(remaining, take)
			}
		case state.ActionBuffer:
			bal[event.TierL1].Sub(bal[event.TierL1], amt)
		}
	}

	return fpmath.ComputeTierRatios(bal[event.TierL1], l1Yield, bal[event.TierL2], bal[event.TierL3])
}

func maxDriftBps(got, want fpmath.TierRatios) int64 {
	max := int64(0)
	for _, d := range []int64{got.L1 - want.L1, got.L2 - want.L2, got.L3 - want.L3} {
		if d < 0 {
			d = -d
		}
		if d > max {
			max = d
		}
	}
	return max
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
