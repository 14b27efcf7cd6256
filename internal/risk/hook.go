package risk

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"PaimonControl/internal/alert"
	"PaimonControl/internal/tasks"
)

// Chain signals arrive here from the event dispatcher; each records a trail
// event and pulls the next snapshot forward instead of waiting out the
// minute cadence.

// NavTick fires on every NAV update.
func (e *Engine) NavTick(ctx context.Context) {
	e.enqueueSnapshot(tasks.PriorityHigh)
}

// LiquidityAlarm fires when the vault itself reports L1 below its on-chain
// thresholds.
func (e *Engine) LiquidityAlarm(ctx context.Context, critical bool, ratioBps int64, available *big.Int) {
	sev, kind, prio := alert.SeverityWarning, "risk.low_liquidity", tasks.PriorityHigh
	if critical {
		sev, kind, prio = alert.SeverityCritical, "risk.critical_liquidity", tasks.PriorityCritical
	}
	e.writeEvent(ctx, &Event{
		Kind:      EventLiquidityAlarm,
		Severity:  string(sev),
		Indicator: "l1_ratio",
		Details: map[string]string{
			"ratio_bps": strconv.FormatInt(ratioBps, 10),
			"available": available.String(),
		},
	})
	e.publishAlert(ctx, alert.Alert{
		Severity: sev,
		Kind:     kind,
		Title:    fmt.Sprintf("Vault liquidity alarm: L1 ratio %dbps", ratioBps),
		Fields: map[string]string{
			"ratio_bps": strconv.FormatInt(ratioBps, 10),
			"available": available.String(),
		},
		DedupKey: kind,
	})
	e.enqueueSnapshot(prio)
}

// EmergencySignal fires when the vault's emergency mode flips, whether we
// flipped it or an admin did on-chain. Enabling suspends acceptance right
// away; after a disable the snapshot loop reopens the gate once the level
// actually reads calm.
func (e *Engine) EmergencySignal(ctx context.Context, enabled bool, source common.Address) {
	sev := alert.SeverityInfo
	if enabled {
		sev = alert.SeverityEmergency
	}
	e.writeEvent(ctx, &Event{
		Kind:     EventEmergencySignal,
		Severity: string(sev),
		Details: map[string]string{
			"enabled": strconv.FormatBool(enabled),
			"source":  source.Hex(),
		},
	})
	e.publishAlert(ctx, alert.Alert{
		Severity: sev,
		Kind:     "risk.emergency_mode",
		Title:    fmt.Sprintf("Vault emergency mode %v", enabled),
		Fields:   map[string]string{"source": source.Hex()},
		DedupKey: strconv.FormatBool(enabled),
	})
	if enabled {
		e.suspendAcceptance(ctx, "on-chain emergency mode")
		if err := e.emergency.EnsureIncident(ctx, source.Hex()); err != nil {
			e.log.Error().Err(err).Msg("incident tracking for on-chain emergency failed")
		}
	}
	e.enqueueSnapshot(tasks.PriorityCritical)
}

// WaterfallObserved fires when the vault liquidates L3 to cover a
// redemption shortfall.
func (e *Engine) WaterfallObserved(ctx context.Context, requestID uint64, shortfall, liquidated *big.Int) {
	e.writeEvent(ctx, &Event{
		Kind:     EventWaterfallObserved,
		Severity: string(alert.SeverityWarning),
		Details: map[string]string{
			"request_id": strconv.FormatUint(requestID, 10),
			"shortfall":  shortfall.String(),
			"liquidated": liquidated.String(),
		},
	})
	e.publishAlert(ctx, alert.Alert{
		Severity: alert.SeverityWarning,
		Kind:     "risk.waterfall",
		Title:    fmt.Sprintf("Waterfall liquidation for request %d", requestID),
		Fields: map[string]string{
			"shortfall":  shortfall.String(),
			"liquidated": liquidated.String(),
		},
		DedupKey: strconv.FormatUint(requestID, 10),
	})
	e.enqueueSnapshot(tasks.PriorityHigh)
}

// DriftExceeded hears from the rebalance executor when post-execution
// verification drifts beyond tolerance.
func (e *Engine) DriftExceeded(ctx context.Context, planID string, driftBps int64) {
	e.writeEvent(ctx, &Event{
		Kind:     EventVerificationDrift,
		Severity: string(alert.SeverityWarning),
		Details: map[string]string{
			"plan_id":   planID,
			"drift_bps": strconv.FormatInt(driftBps, 10),
		},
	})
	e.enqueueSnapshot(tasks.PriorityHigh)
}

func (e *Engine) enqueueSnapshot(p tasks.Priority) {
	t, err := tasks.New(tasks.TypeRiskSnapshot, p, nil)
	if err == nil {
		err = e.journal.Enqueue(t)
	}
	if err != nil {
		e.log.Warn().Err(err).Msg("snapshot task enqueue failed, next scheduled run covers it")
	}
}
