package risk

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"PaimonControl/internal/alert"
	"PaimonControl/internal/config"
	"PaimonControl/internal/fault"
	fpmath "PaimonControl/internal/math"
	"PaimonControl/internal/observability"
	"PaimonControl/internal/projection"
	"PaimonControl/internal/state"
	"PaimonControl/internal/tasks"
)

type fundReader interface {
	Get(ctx context.Context) (*projection.FundState, error)
}

type holdingsReader interface {
	Holdings(ctx context.Context) (map[common.Address]*projection.Holding, error)
}

type navReader interface {
	Window(ctx context.Context, since time.Time) ([]*projection.NavPoint, error)
}

type liabilityReader interface {
	Stats(ctx context.Context, now time.Time) (*projection.LiabilityStats, error)
	OutstandingWithin(ctx context.Context, until time.Time) ([]*state.RedemptionRequest, error)
}

type rebalancer interface {
	Trigger(ctx context.Context, trigger state.PlanTrigger, reason, createdBy string) (*state.RebalancePlan, error)
}

// Engine takes risk snapshots and drives the leveled response: resume or
// suspend redemption acceptance, raise liquidity rebalances, and hand
// critical snapshots to the emergency driver.
type Engine struct {
	funds       fundReader
	assets      holdingsReader
	nav         navReader
	redemptions liabilityReader
	snapshots   *SnapshotStore
	events      *EventStore
	policy      config.Policy
	gate        *Gate
	rebalance   rebalancer
	emergency   *Driver
	journal     *tasks.Journal
	alerts      alert.Publisher
	metrics     *observability.Metrics
	log         zerolog.Logger
}

type EngineConfig struct {
	Funds       fundReader
	Assets      holdingsReader
	Nav         navReader
	Redemptions liabilityReader
	Snapshots   *SnapshotStore
	Events      *EventStore
	Policy      config.Policy
	Gate        *Gate
	Rebalance   rebalancer
	Emergency   *Driver
	Journal     *tasks.Journal
	Alerts      alert.Publisher
	Metrics     *observability.Metrics
	Log         zerolog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		funds:       cfg.Funds,
		assets:      cfg.Assets,
		nav:         cfg.Nav,
		redemptions: cfg.Redemptions,
		snapshots:   cfg.Snapshots,
		events:      cfg.Events,
		policy:      cfg.Policy,
		gate:        cfg.Gate,
		rebalance:   cfg.Rebalance,
		emergency:   cfg.Emergency,
		journal:     cfg.Journal,
		alerts:      cfg.Alerts,
		metrics:     cfg.Metrics,
		log:         cfg.Log.With().Str("component", "risk").Logger(),
	}
}

// Snapshot evaluates every indicator, persists the result, and applies the
// leveled response against the previous snapshot. Returns nil without error
// when the fund projection is empty, before the first NAV update lands.
func (e *Engine) Snapshot(ctx context.Context) (*Snapshot, error) {
	now := time.Now().UTC()

	in, err := e.gather(ctx, now)
	if err != nil {
		return nil, err
	}
	if in == nil {
		e.log.Debug().Msg("fund projection empty, snapshot skipped")
		return nil, nil
	}

	inds := computeIndicators(e.policy, *in)
	snap := &Snapshot{
		Level:      levelOf(inds),
		Score:      scoreOf(e.policy.Weights, inds),
		Indicators: inds,
		TakenAt:    now,
	}
	if ind, ok := snap.Indicator("l1_ratio"); ok {
		snap.L1RatioBps = ind.Value
	}

	prev, err := e.snapshots.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.snapshots.Insert(ctx, snap); err != nil {
		return nil, err
	}

	e.metrics.RiskLevel.Set(float64(snap.Level))
	e.metrics.RiskScore.Set(float64(snap.Score))
	for _, ind := range inds {
		e.metrics.IndicatorSeverity.WithLabelValues(ind.Name).Set(float64(ind.Severity))
	}

	e.recordTransitions(ctx, snap, prev)
	e.respond(ctx, snap, prev, in)

	evt := e.log.Debug()
	if snap.Level > LevelNormal {
		evt = e.log.Info()
	}
	evt.Int64("snapshot_id", snap.ID).Stringer("level", snap.Level).
		Int("score", snap.Score).Int64("l1_ratio_bps", snap.L1RatioBps).
		Msg("risk snapshot taken")
	return snap, nil
}

// HandleSnapshotTask adapts Snapshot to the task runtime.
func (e *Engine) HandleSnapshotTask(ctx context.Context, _ *tasks.Task) error {
	_, err := e.Snapshot(ctx)
	return err
}

func (e *Engine) gather(ctx context.Context, now time.Time) (*snapshotInputs, error) {
	fund, err := e.funds.Get(ctx)
	if err != nil {
		return nil, err
	}
	if fund == nil || fund.TotalAssets.Sign() == 0 {
		return nil, nil
	}
	holdings, err := e.assets.Holdings(ctx)
	if err != nil {
		return nil, err
	}
	nav, err := e.nav.Window(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	stats, err := e.redemptions.Stats(ctx, now)
	if err != nil {
		return nil, err
	}
	due, err := e.redemptions.OutstandingWithin(ctx, now.AddDate(0, 0, 7))
	if err != nil {
		return nil, err
	}
	outflow := new(big.Int)
	for _, r := range due {
		outflow.Add(outflow, r.GrossAmount)
	}
	return &snapshotInputs{
		fund:      fund,
		holdings:  holdings,
		nav:       nav,
		stats:     stats,
		outflow7d: outflow,
		now:       now,
	}, nil
}

// recordTransitions writes trail events for level changes and for
// indicators newly reaching critical or worse.
func (e *Engine) recordTransitions(ctx context.Context, snap, prev *Snapshot) {
	prevLevel := LevelNormal
	if prev != nil {
		prevLevel = prev.Level
	}
	if snap.Level != prevLevel {
		e.writeEvent(ctx, &Event{
			Kind:     EventLevelChange,
			Severity: string(levelSeverity(snap.Level)),
			Details: map[string]string{
				"from":  prevLevel.String(),
				"to":    snap.Level.String(),
				"score": strconv.Itoa(snap.Score),
			},
		})
	}
	for _, ind := range snap.Indicators {
		if ind.Severity < 3 {
			continue
		}
		if prev != nil {
			if p, ok := prev.Indicator(ind.Name); ok && p.Severity >= ind.Severity {
				continue
			}
		}
		e.writeEvent(ctx, &Event{
			Kind:      EventIndicatorBreach,
			Severity:  string(severityName(ind.Severity)),
			Indicator: ind.Name,
			Details: map[string]string{
				"value":    strconv.FormatInt(ind.Value, 10),
				"severity": strconv.Itoa(ind.Severity),
			},
		})
	}
}

// respond applies the response ladder. NORMAL and ELEVATED reopen the
// acceptance gate; ELEVATED raises a liquidity rebalance when the L1 floor
// is breached; HIGH suspends standard acceptance and prepares liquidity;
// CRITICAL hands over to the emergency driver.
func (e *Engine) respond(ctx context.Context, snap, prev *Snapshot, in *snapshotInputs) {
	prevLevel := LevelNormal
	if prev != nil {
		prevLevel = prev.Level
	}
	if snap.Level > prevLevel && snap.Level >= LevelElevated {
		e.publishAlert(ctx, alert.Alert{
			Severity: levelSeverity(snap.Level),
			Kind:     "risk.level",
			Title:    fmt.Sprintf("Risk level %s, score %d", snap.Level, snap.Score),
			Fields: map[string]string{
				"from":         prevLevel.String(),
				"l1_ratio_bps": strconv.FormatInt(snap.L1RatioBps, 10),
			},
			DedupKey: snap.Level.String(),
		})
	}

	switch snap.Level {
	case LevelNormal, LevelElevated:
		if e.gate.Resume() {
			e.writeEvent(ctx, &Event{
				Kind:     EventAcceptanceGate,
				Severity: string(alert.SeverityInfo),
				Details:  map[string]string{"accepting": "true"},
			})
			e.log.Info().Msg("standard redemption acceptance resumed")
		}
		if snap.Level == LevelElevated {
			ind, ok := snap.Indicator("l1_ratio")
			ip, okp := e.policy.Indicator("l1_ratio")
			if ok && okp && ind.Value < ip.Warning {
				e.triggerLiquidity(ctx, fmt.Sprintf(
					"risk %s: L1 ratio %dbps below floor %dbps", snap.Level, ind.Value, ip.Warning))
			}
		}
	case LevelHigh:
		e.suspendAcceptance(ctx, fmt.Sprintf("risk level HIGH, score %d", snap.Score))
		e.triggerLiquidity(ctx, fmt.Sprintf("risk level HIGH, score %d", snap.Score))
	case LevelCritical:
		e.suspendAcceptance(ctx, fmt.Sprintf("risk level CRITICAL, score %d", snap.Score))
		if err := e.emergency.Activate(ctx, snap, liquidityGap(in)); err != nil {
			e.log.Error().Err(err).Msg("emergency activation incomplete")
		}
	}
}

// triggerLiquidity raises a LIQUIDITY rebalance. A quiet refusal, plan
// already in flight or nothing to move, is the common case and only worth
// a debug line.
func (e *Engine) triggerLiquidity(ctx context.Context, reason string) {
	plan, err := e.rebalance.Trigger(ctx, state.TriggerLiquidity, reason, "risk-engine")
	switch {
	case err == nil:
		e.log.Info().Str("plan_id", plan.ID).Str("reason", reason).Msg("liquidity rebalance triggered")
	case fault.Is(err, fault.KindValidation):
		e.log.Debug().Err(err).Msg("liquidity rebalance refused")
	default:
		e.log.Warn().Err(err).Msg("liquidity rebalance not triggered")
	}
}

func (e *Engine) suspendAcceptance(ctx context.Context, reason string) {
	if !e.gate.Suspend(reason) {
		return
	}
	e.writeEvent(ctx, &Event{
		Kind:     EventAcceptanceGate,
		Severity: string(alert.SeverityWarning),
		Details:  map[string]string{"accepting": "false", "reason": reason},
	})
	e.publishAlert(ctx, alert.Alert{
		Severity: alert.SeverityWarning,
		Kind:     "risk.acceptance_suspended",
		Title:    "Standard redemption acceptance suspended",
		Fields:   map[string]string{"reason": reason},
		DedupKey: "gate",
	})
	e.log.Warn().Str("reason", reason).Msg("standard redemption acceptance suspended")
}

// liquidityGap is the 7-day confirmed outflow not covered by L1+L2, the
// deficit an emergency waterfall has to raise. Negative means covered.
func liquidityGap(in *snapshotInputs) *big.Int {
	liquid := fpmath.Sum(in.fund.L1(), in.fund.L2Assets)
	return new(big.Int).Sub(in.outflow7d, liquid)
}

func (e *Engine) writeEvent(ctx context.Context, evt *Event) {
	if err := e.events.Insert(ctx, evt); err != nil {
		e.log.Error().Err(err).Str("kind", evt.Kind).Msg("risk event not recorded")
		return
	}
	e.metrics.RiskEventsRaised.WithLabelValues(evt.Severity, evt.Kind).Inc()
}

func (e *Engine) publishAlert(ctx context.Context, a alert.Alert) {
	if err := e.alerts.Publish(ctx, a); err != nil {
		e.log.Error().Err(err).Str("kind", a.Kind).Msg("alert publish failed")
	}
}

func severityName(sev int) alert.Severity {
	switch sev {
	case 4:
		return alert.SeverityEmergency
	case 3:
		return alert.SeverityCritical
	case 2:
		return alert.SeverityWarning
	}
	return alert.SeverityInfo
}

func levelSeverity(l Level) alert.Severity {
	return severityName(int(l))
}
