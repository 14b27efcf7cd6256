// Package rebalance generates, gates and executes the plans that move fund
// liquidity between tiers. A plan is built from the current projection
// (deterministic: same inputs, same plan), simulated against the vault
// before anything is sent, and executed action by action with per-action
// retry. Plans above the approval threshold route through an approval
// ticket before execution.
package rebalance

import (
	"context"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"PaimonControl/internal/config"
	"PaimonControl/internal/event"
	fpmath "PaimonControl/internal/math"
	"PaimonControl/internal/projection"
	"PaimonControl/internal/state"
)

// Waterfall preparation fires when confirmed outflow over the lookahead
// window exceeds this share of combined L1+L2 liquidity.
const outflowCoverageBps = 8_000

const outflowLookahead = 7 * 24 * time.Hour

// Gas budgeted per action, in gas units. Rough figure for a vault call
// touching two tiers; only used for plan-level reporting.
const gasPerAction = 200_000

// Limits carries the amount thresholds the planner applies. Amounts are in
// base units.
type Limits struct {
	MinAmount          *big.Int // actions below this are dropped
	ApprovalThreshold  *big.Int // plan totals above this need a ticket
	DefaultSlippageBps int64
	BufferTargetBps    int64
	DriftToleranceBps  int64
}

// LimitsFromConfig scales the whole-token config amounts to base units.
func LimitsFromConfig(cfg *config.Config) Limits {
	return Limits{
		MinAmount:          fpmath.BaseUnits(cfg.Rebalance.MinAmount),
		ApprovalThreshold:  fpmath.BaseUnits(cfg.Rebalance.ApprovalThreshold),
		DefaultSlippageBps: cfg.Rebalance.DefaultSlippageBps,
		BufferTargetBps:    cfg.Rebalance.BufferTargetBps,
		DriftToleranceBps:  cfg.Rebalance.DriftToleranceBps,
	}
}

type assetReader interface {
	ListActive(ctx context.Context) ([]*projection.AssetConfig, error)
}

type outflowReader interface {
	OutstandingWithin(ctx context.Context, until time.Time) ([]*state.RedemptionRequest, error)
}

// Planner turns a trigger into a concrete action list. It only reads
// projections; nothing here touches the chain or the database beyond that.
type Planner struct {
	funds       fundReader
	assets      assetReader
	redemptions outflowReader
	policy      config.Policy
	limits      Limits
	log         zerolog.Logger
	now         func() time.Time
}

func NewPlanner(funds fundReader, assets assetReader, redemptions outflowReader, policy config.Policy, limits Limits, log zerolog.Logger) *Planner {
	return &Planner{
		funds:       funds,
		assets:      assets,
		redemptions: redemptions,
		policy:      policy,
		limits:      limits,
		log:         log.With().Str("component", "rebalance_planner").Logger(),
		now:         time.Now,
	}
}

// Generate builds a plan for the given trigger. A plan with no actions means
// the fund is already inside all bounds; callers decide whether that is an
// error. Actions are ordered by priority:
//
//	0: waterfall preparation ahead of confirmed outflow
//	1: refill L1 from L2 surplus, then from L3
//	2: drain excess L1 into L3, then L2
//	3: settlement buffer top-up
func (p *Planner) Generate(ctx context.Context, trigger state.PlanTrigger, reason, createdBy string) (*state.RebalancePlan, error) {
	fund, err := p.funds.Get(ctx)
	if err != nil {
		return nil, err
	}

	now := p.now()
	pre := snapshotOf(fund, now)
	total := pre.Balances.Total()

	plan := &state.RebalancePlan{
		ID:          state.NewID("RBL"),
		Trigger:     trigger,
		Reason:      reason,
		PreState:    pre,
		TargetState: p.targetOf(pre, now),
		Status:      state.PlanStatusDraft,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if total.Sign() == 0 {
		plan.EstimatedGas = new(big.Int)
		return plan, nil
	}

	var actions []*state.RebalanceAction

	wf, err := p.waterfallPrep(ctx, pre.Balances, now)
	if err != nil {
		return nil, err
	}
	if wf != nil {
		actions = append(actions, wf)
	}

	l1Pol, _ := p.policy.Tier("L1")
	switch {
	case pre.Ratios.L1 < l1Pol.MinBps:
		actions = append(actions, p.refillL1(pre.Balances, total)...)
	case pre.Ratios.L1 > l1Pol.MaxBps:
		deploy, err := p.drainL1(ctx, pre.Balances, total)
		if err != nil {
			return nil, err
		}
		actions = append(actions, deploy...)
	}

	if buf := p.bufferTopUp(pre.Balances, total); buf != nil {
		actions = append(actions, buf)
	}

	seq := 0
	for _, a := range actions {
		if a.Amount != nil && a.Amount.Cmp(p.limits.MinAmount) < 0 {
			continue
		}
		seq++
		a.PlanID = plan.ID
		a.Seq = seq
		a.Status = state.ActionStatusPending
		plan.Actions = append(plan.Actions, a)
	}

	plan.EstimatedGas = big.NewInt(gasPerAction * int64(len(plan.Actions)))
	plan.EstimatedSlipBps = estimateSlippageBps(plan.Actions, total)
	plan.RequiresApproval = trigger != state.TriggerEmergency &&
		plan.TotalAmount().Cmp(p.limits.ApprovalThreshold) > 0

	p.log.Debug().
		Str("plan_id", plan.ID).
		Str("trigger", string(trigger)).
		Int("actions", len(plan.Actions)).
		Bool("requires_approval", plan.RequiresApproval).
		Msg("plan generated")
	return plan, nil
}

// Waterfall builds a one-action emergency plan raising deficit into L1 by
// liquidating tiers up to L3. Approval is bypassed: the risk engine calls
// this when the shortfall is already confirmed.
func (p *Planner) Waterfall(ctx context.Context, deficit *big.Int, reason, createdBy string) (*state.RebalancePlan, error) {
	fund, err := p.funds.Get(ctx)
	if err != nil {
		return nil, err
	}

	now := p.now()
	pre := snapshotOf(fund, now)
	plan := &state.RebalancePlan{
		ID:           state.NewID("RBL"),
		Trigger:      state.TriggerEmergency,
		Reason:       reason,
		PreState:     pre,
		TargetState:  p.targetOf(pre, now),
		EstimatedGas: big.NewInt(gasPerAction),
		Status:       state.PlanStatusDraft,
		CreatedBy:    createdBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	plan.Actions = []*state.RebalanceAction{{
		PlanID:         plan.ID,
		Seq:            1,
		Priority:       0,
		Type:           state.ActionWaterfall,
		Amount:         new(big.Int).Set(deficit),
		MaxTier:        event.TierL3,
		MaxSlippageBps: p.limits.DefaultSlippageBps,
		Status:         state.ActionStatusPending,
	}}
	plan.EstimatedSlipBps = estimateSlippageBps(plan.Actions, pre.TotalAssets)
	return plan, nil
}

func snapshotOf(fund *projection.FundState, now time.Time) state.PlanSnapshot {
	balances := state.TierBalances{
		L1Cash:  new(big.Int).Set(fund.L1Cash),
		L1Yield: new(big.Int).Set(fund.L1Yield),
		L2:      new(big.Int).Set(fund.L2Assets),
		L3:      new(big.Int).Set(fund.L3Assets),
		Buffer:  new(big.Int).Set(fund.BufferPool),
	}
	return state.PlanSnapshot{
		Balances:    balances,
		Ratios:      fpmath.ComputeTierRatios(balances.L1Cash, balances.L1Yield, balances.L2, balances.L3),
		TotalAssets: balances.Total(),
		TakenAt:     now,
	}
}

// targetOf is the pre-state reshaped to policy targets. Tier balances are
// shares of the pool net of the buffer target; the L1 target keeps the
// current cash/yield split. Ratios are what the drift gate and the
// post-execution verification compare against.
func (p *Planner) targetOf(pre state.PlanSnapshot, now time.Time) state.PlanSnapshot {
	total := pre.TotalAssets
	bufferTarget := fpmath.ApplyBps(total, p.limits.BufferTargetBps)
	investable := new(big.Int).Sub(total, bufferTarget)

	l1Pol, _ := p.policy.Tier("L1")
	l2Pol, _ := p.policy.Tier("L2")
	l3Pol, _ := p.policy.Tier("L3")

	l1Target := fpmath.ApplyBps(investable, l1Pol.TargetBps)
	l1Now := pre.Balances.L1()
	var l1Cash, l1Yield *big.Int
	if l1Now.Sign() > 0 {
		yieldBps := fpmath.RatioBps(pre.Balances.L1Yield, l1Now)
		l1Yield = fpmath.ApplyBps(l1Target, yieldBps)
		l1Cash = new(big.Int).Sub(l1Target, l1Yield)
	} else {
		l1Cash, l1Yield = l1Target, new(big.Int)
	}

	return state.PlanSnapshot{
		Balances: state.TierBalances{
			L1Cash:  l1Cash,
			L1Yield: l1Yield,
			L2:      fpmath.ApplyBps(investable, l2Pol.TargetBps),
			L3:      fpmath.ApplyBps(investable, l3Pol.TargetBps),
			Buffer:  bufferTarget,
		},
		Ratios: fpmath.TierRatios{
			L1: l1Pol.TargetBps,
			L2: l2Pol.TargetBps,
			L3: l3Pol.TargetBps,
		},
		TotalAssets: new(big.Int).Set(total),
		TakenAt:     now,
	}
}

// waterfallPrep compares confirmed outflow over the lookahead window against
// liquid capacity (L1+L2). When outflow would consume more than
// outflowCoverageBps of it, one waterfall action raises the difference.
func (p *Planner) waterfallPrep(ctx context.Context, balances state.TierBalances, now time.Time) (*state.RebalanceAction, error) {
	outstanding, err := p.redemptions.OutstandingWithin(ctx, now.Add(outflowLookahead))
	if err != nil {
		return nil, err
	}

	outflow := new(big.Int)
	for _, r := range outstanding {
		outflow.Add(outflow, r.GrossAmount)
	}
	if outflow.Sign() == 0 {
		return nil, nil
	}

	liquid := new(big.Int).Add(balances.L1(), balances.L2)
	capacity := fpmath.ApplyBps(liquid, outflowCoverageBps)
	if outflow.Cmp(capacity) <= 0 {
		return nil, nil
	}

	return &state.RebalanceAction{
		Priority:       0,
		Type:           state.ActionWaterfall,
		Amount:         new(big.Int).Sub(outflow, capacity),
		MaxTier:        event.TierL3,
		MaxSlippageBps: p.limits.DefaultSlippageBps,
	}, nil
}

// refillL1 raises L1 back to target. L2 surplus above its own target moves
// first; the remainder liquidates L3 down to, at most, the L3 floor.
func (p *Planner) refillL1(balances state.TierBalances, total *big.Int) []*state.RebalanceAction {
	l1Pol, _ := p.policy.Tier("L1")
	l2Pol, _ := p.policy.Tier("L2")
	l3Pol, _ := p.policy.Tier("L3")

	needed := new(big.Int).Sub(fpmath.ApplyBps(total, l1Pol.TargetBps), balances.L1())
	if needed.Sign() <= 0 {
		return nil
	}

	var out []*state.RebalanceAction

	l2Surplus := new(big.Int).Sub(balances.L2, fpmath.ApplyBps(total, l2Pol.TargetBps))
	if l2Surplus.Sign() > 0 {
		take := fpmath.Min(needed, l2Surplus)
		out = append(out, &state.RebalanceAction{
			Priority:       1,
			Type:           state.ActionTransfer,
			FromTier:       event.TierL2,
			ToTier:         event.TierL1,
			Amount:         take,
			MaxSlippageBps: p.limits.DefaultSlippageBps,
		})
		needed.Sub(needed, take)
	}

	if needed.Sign() > 0 {
		l3Room := new(big.Int).Sub(balances.L3, fpmath.ApplyBps(total, l3Pol.MinBps))
		if l3Room.Sign() > 0 {
			out = append(out, &state.RebalanceAction{
				Priority:       1,
				Type:           state.ActionRedeem,
				FromTier:       event.TierL3,
				ToTier:         event.TierL1,
				Amount:         fpmath.Min(needed, l3Room),
				MaxSlippageBps: p.limits.DefaultSlippageBps,
			})
		}
	}
	return out
}

// drainL1 deploys excess L1 into underweight tiers, L3 before L2. Each
// tier's share splits across its active assets in proportion to their
// configured target ratios; a tier with no active assets falls back to a
// plain transfer.
func (p *Planner) drainL1(ctx context.Context, balances state.TierBalances, total *big.Int) ([]*state.RebalanceAction, error) {
	l1Pol, _ := p.policy.Tier("L1")
	excess := new(big.Int).Sub(balances.L1(), fpmath.ApplyBps(total, l1Pol.TargetBps))
	if excess.Sign() <= 0 {
		return nil, nil
	}

	active, err := p.assets.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	byTier := map[event.Tier][]*projection.AssetConfig{}
	for _, a := range active {
		byTier[a.Tier] = append(byTier[a.Tier], a)
	}

	targets := []struct {
		tier    event.Tier
		name    string
		balance *big.Int
	}{
		{event.TierL3, "L3", balances.L3},
		{event.TierL2, "L2", balances.L2},
	}

	var out []*state.RebalanceAction
	for _, t := range targets {
		if excess.Sign() <= 0 {
			break
		}
		pol, _ := p.policy.Tier(t.name)
		shortfall := new(big.Int).Sub(fpmath.ApplyBps(total, pol.TargetBps), t.balance)
		if shortfall.Sign() <= 0 {
			continue
		}
		deploy := fpmath.Min(excess, shortfall)
		excess.Sub(excess, deploy)

		assets := byTier[t.tier]
		if len(assets) == 0 {
			out = append(out, &state.RebalanceAction{
				Priority:       2,
				Type:           state.ActionTransfer,
				FromTier:       event.TierL1,
				ToTier:         t.tier,
				Amount:         deploy,
				MaxSlippageBps: p.limits.DefaultSlippageBps,
			})
			continue
		}
		out = append(out, p.splitPurchases(deploy, t.tier, assets)...)
	}
	return out, nil
}

// splitPurchases divides an amount across assets by target ratio, pushing
// rounding dust into the last slice so the parts sum exactly.
func (p *Planner) splitPurchases(deploy *big.Int, tier event.Tier, assets []*projection.AssetConfig) []*state.RebalanceAction {
	var sumTargets int64
	for _, a := range assets {
		sumTargets += a.TargetRatioBps
	}

	out := make([]*state.RebalanceAction, 0, len(assets))
	remaining := new(big.Int).Set(deploy)
	for i, a := range assets {
		var share *big.Int
		switch {
		case i == len(assets)-1:
			share = remaining
		case sumTargets > 0:
			share = fpmath.MulDiv(deploy, a.TargetRatioBps, sumTargets)
		default:
			share = fpmath.MulDiv(deploy, 1, int64(len(assets)))
		}
		if share.Cmp(remaining) > 0 {
			share = remaining
		}
		remaining = new(big.Int).Sub(remaining, share)

		addr := a.Asset
		out = append(out, &state.RebalanceAction{
			Priority:       2,
			Type:           state.ActionPurchase,
			FromTier:       event.TierL1,
			ToTier:         tier,
			Asset:          &addr,
			Amount:         share,
			MaxSlippageBps: p.limits.DefaultSlippageBps,
		})
	}
	return out
}

func (p *Planner) bufferTopUp(balances state.TierBalances, total *big.Int) *state.RebalanceAction {
	deficit := new(big.Int).Sub(fpmath.ApplyBps(total, p.limits.BufferTargetBps), balances.Buffer)
	if deficit.Sign() <= 0 {
		return nil
	}
	return &state.RebalanceAction{
		Priority: 3,
		Type:     state.ActionBuffer,
		Amount:   deficit,
	}
}

// estimateSlippageBps projects cost at 10bps of value swapped, prorated by
// the swapped share of total assets. Buffer top-ups are vault-internal and
// free.
func estimateSlippageBps(actions []*state.RebalanceAction, total *big.Int) int64 {
	if total.Sign() == 0 {
		return 0
	}
	swapped := new(big.Int)
	for _, a := range actions {
		if a.Type == state.ActionBuffer {
			continue
		}
		swapped.Add(swapped, a.Amount)
	}
	return fpmath.RatioBps(swapped, total) / 1_000
}
