package rebalance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"PaimonControl/internal/alert"
	"PaimonControl/internal/chain"
	"PaimonControl/internal/fault"
	fpmath "PaimonControl/internal/math"
	"PaimonControl/internal/observability"
	"PaimonControl/internal/state"
)

// DriftSink hears about post-execution drift beyond tolerance. The risk
// engine registers itself at wiring time.
type DriftSink interface {
	DriftExceeded(ctx context.Context, planID string, driftBps int64)
}

type NopDriftSink struct{}

func (NopDriftSink) DriftExceeded(context.Context, string, int64) {}

// Executor runs approved plans action by action. Priorities execute
// strictly in ascending order; within a priority, actions touching
// disjoint tiers run concurrently. A failed action is recorded and the
// rest of the plan continues, except at priority 0 where failure aborts
// everything still pending. Nothing is ever rolled back automatically:
// undoing a partial plan takes a separately approved inverse plan.
type Executor struct {
	plans      *PlanStore
	funds      fundReader
	sender     VaultGateway
	vault      common.Address
	limits     Limits
	alerts     alert.Publisher
	drift      DriftSink
	metrics    *observability.Metrics
	log        zerolog.Logger
	maxRetries int
	retryBase  time.Duration
}

type ExecutorConfig struct {
	Plans      *PlanStore
	Funds      fundReader
	Sender     VaultGateway
	Vault      common.Address
	Limits     Limits
	Alerts     alert.Publisher
	Drift      DriftSink
	Metrics    *observability.Metrics
	Log        zerolog.Logger
	MaxRetries int           // send attempts per action
	RetryBase  time.Duration // first backoff, doubled per attempt
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Drift == nil {
		cfg.Drift = NopDriftSink{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	return &Executor{
		plans:      cfg.Plans,
		funds:      cfg.Funds,
		sender:     cfg.Sender,
		vault:      cfg.Vault,
		limits:     cfg.Limits,
		alerts:     cfg.Alerts,
		drift:      cfg.Drift,
		metrics:    cfg.Metrics,
		log:        cfg.Log.With().Str("component", "rebalance_executor").Logger(),
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
	}
}

// Execute runs one approved plan to a terminal status. Replays of already
// terminal plans are no-ops. A plan found EXECUTING is refused: a crashed
// run may have left transactions in flight, and resuming blind could
// double-send; the operator decides.
func (x *Executor) Execute(ctx context.Context, planID string) error {
	const op = "rebalance.Execute"

	plan, err := x.plans.Get(ctx, planID)
	if err != nil {
		return err
	}
	if plan == nil {
		return fault.Newf(fault.KindValidation, op, "plan %s not found", planID)
	}
	if plan.Status.IsTerminal() {
		return nil
	}
	if plan.Status == state.PlanStatusExecuting {
		return fault.Newf(fault.KindValidation, op,
			"plan %s already executing, manual review required", planID)
	}
	if plan.Status != state.PlanStatusApproved {
		return fault.Newf(fault.KindValidation, op,
			"plan %s is %s, want APPROVED", planID, plan.Status)
	}

	ok, err := x.plans.Transition(ctx, planID, state.PlanStatusApproved, state.PlanStatusExecuting)
	if err != nil {
		return err
	}
	if !ok {
		// Raced with another worker; they own it now.
		return nil
	}

	x.log.Info().Str("plan_id", planID).Int("actions", len(plan.Actions)).Msg("executing plan")
	start := time.Now()

	var haltReason string
	for _, group := range groupByPriority(plan.Actions) {
		if haltReason != "" {
			x.skipAll(ctx, group)
			continue
		}
		for _, batch := range disjointBatches(group) {
			if haltReason != "" {
				x.skipAll(ctx, batch)
				continue
			}
			eg, egCtx := errgroup.WithContext(ctx)
			for _, a := range batch {
				a := a
				eg.Go(func() error { return x.runAction(egCtx, a) })
			}
			if err := eg.Wait(); err != nil {
				// Store or context failure mid-flight. The plan stays
				// EXECUTING; sent transactions cannot be unsent.
				return err
			}
			for _, a := range batch {
				if a.Status == state.ActionStatusFailed && a.Priority == 0 {
					haltReason = fmt.Sprintf("critical action %d failed: %s", a.Seq, a.FailureReason)
				}
			}
		}
	}

	var completed, failed int
	for _, a := range plan.Actions {
		switch a.Status {
		case state.ActionStatusCompleted:
			completed++
		case state.ActionStatusFailed:
			failed++
		}
	}

	final := state.PlanStatusCompleted
	reason := ""
	switch {
	case haltReason != "":
		final, reason = state.PlanStatusFailed, haltReason
	case completed == len(plan.Actions):
	case completed > 0:
		final = state.PlanStatusPartial
		reason = fmt.Sprintf("%d of %d actions failed", failed, len(plan.Actions))
	default:
		final, reason = state.PlanStatusFailed, "no actions completed"
	}

	if err := x.plans.Finish(ctx, planID, final, reason); err != nil {
		return err
	}
	x.metrics.PlansCompleted.WithLabelValues(final.String()).Inc()
	x.metrics.ExecutionDuration.Observe(time.Since(start).Seconds())
	x.log.Info().Str("plan_id", planID).Str("status", final.String()).
		Int("completed", completed).Int("failed", failed).
		Dur("took", time.Since(start)).Msg("plan finished")

	if final != state.PlanStatusFailed {
		x.verify(ctx, plan)
	}
	return nil
}

// runAction sends one action with per-action retry. Action-level failure
// is recorded on the row and returns nil; only store writes and context
// cancellation propagate an error.
func (x *Executor) runAction(ctx context.Context, a *state.RebalanceAction) error {
	call, err := callFor(a)
	if err != nil {
		return x.finishAction(ctx, a, state.ActionStatusFailed, err.Error(), nil, 0)
	}

	a.Status = state.ActionStatusExecuting
	if err := x.plans.UpdateAction(ctx, a); err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		a.Attempts = attempt + 1
		receipt, err := x.sender.Send(ctx, x.vault, chain.SignerRebalancer, call)
		if err == nil {
			h := receipt.TxHash
			return x.finishAction(ctx, a, state.ActionStatusCompleted, "", &h, receipt.GasUsed)
		}
		if !fault.Retryable(err) || attempt+1 >= x.maxRetries {
			x.log.Warn().Int("seq", a.Seq).Str("method", call.Method).
				Int("attempts", a.Attempts).Err(err).Msg("action failed")
			return x.finishAction(ctx, a, state.ActionStatusFailed, err.Error(), nil, 0)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(x.retryBase << attempt):
		}
	}
}

func (x *Executor) finishAction(ctx context.Context, a *state.RebalanceAction, st state.ActionStatus, reason string, txHash *common.Hash, gasUsed uint64) error {
	now := time.Now()
	a.Status = st
	a.FailureReason = reason
	a.TxHash = txHash
	a.GasUsed = gasUsed
	a.ExecutedAt = &now
	x.metrics.ActionsExecuted.WithLabelValues(string(a.Type), strings.ToLower(st.String())).Inc()
	return x.plans.UpdateAction(ctx, a)
}

// skipAll marks not-yet-run actions skipped. Best effort: the plan is
// already failing and a lost skip marker is recoverable from the plan row.
func (x *Executor) skipAll(ctx context.Context, actions []*state.RebalanceAction) {
	for _, a := range actions {
		if a.Status != state.ActionStatusPending {
			continue
		}
		if err := x.finishAction(ctx, a, state.ActionStatusSkipped, "", nil, 0); err != nil {
			x.log.Warn().Err(err).Int("seq", a.Seq).Msg("skip marker write failed")
		}
	}
}

// verify reads the fund back and compares tier ratios against the plan
// target. Drift beyond tolerance raises a warning; whether to correct is
// an operator call.
func (x *Executor) verify(ctx context.Context, plan *state.RebalancePlan) {
	fund, err := x.funds.Get(ctx)
	if err != nil {
		x.log.Warn().Err(err).Str("plan_id", plan.ID).Msg("verification read failed")
		return
	}

	got := fpmath.ComputeTierRatios(fund.L1Cash, fund.L1Yield, fund.L2Assets, fund.L3Assets)
	drift := maxDriftBps(got, plan.TargetState.Ratios)
	x.metrics.VerificationDrift.Set(float64(drift))
	if drift <= x.limits.DriftToleranceBps {
		return
	}

	x.log.Warn().Str("plan_id", plan.ID).Int64("drift_bps", drift).
		Msg("post-execution drift beyond tolerance")
	if err := x.alerts.Publish(ctx, alert.Alert{
		Severity: alert.SeverityWarning,
		Kind:     "rebalance.verification_drift",
		Title:    fmt.Sprintf("Plan %s landed %dbps off target", plan.ID, drift),
		Fields: map[string]string{
			"plan_id":   plan.ID,
			"drift_bps": fmt.Sprintf("%d", drift),
		},
		DedupKey: plan.ID,
	}); err != nil {
		x.log.Warn().Err(err).Msg("drift alert publish failed")
	}
	x.drift.DriftExceeded(ctx, plan.ID, drift)
}

func groupByPriority(actions []*state.RebalanceAction) [][]*state.RebalanceAction {
	byPriority := map[int][]*state.RebalanceAction{}
	for _, a := range actions {
		byPriority[a.Priority] = append(byPriority[a.Priority], a)
	}
	priorities := make([]int, 0, len(byPriority))
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)

	groups := make([][]*state.RebalanceAction, 0, len(priorities))
	for _, p := range priorities {
		groups = append(groups, byPriority[p])
	}
	return groups
}

// disjointBatches splits one priority group into waves of mutually
// non-overlapping actions, preserving seq order within each wave.
func disjointBatches(group []*state.RebalanceAction) [][]*state.RebalanceAction {
	var batches [][]*state.RebalanceAction
	remaining := group
	for len(remaining) > 0 {
		var batch, next []*state.RebalanceAction
		for _, a := range remaining {
			conflict := false
			for _, b := range batch {
				if a.Overlaps(b) {
					conflict = true
					break
				}
			}
			if conflict {
				next = append(next, a)
			} else {
				batch = append(batch, a)
			}
		}
		batches = append(batches, batch)
		remaining = next
	}
	return batches
}
