package report

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"PaimonControl/internal/alert"
	"PaimonControl/internal/chain"
	"PaimonControl/internal/projection"
	"PaimonControl/internal/risk"
	"PaimonControl/internal/state"
	"PaimonControl/internal/tasks"
)

// Store slices consumed by the reporting and maintenance handlers.
type fundReader interface {
	Get(ctx context.Context) (*projection.FundState, error)
}

type liabilityReader interface {
	Stats(ctx context.Context, now time.Time) (*projection.LiabilityStats, error)
	OverdueAt(ctx context.Context, now time.Time, limit int) ([]*state.RedemptionRequest, error)
}

type ticketCounter interface {
	CountOpen(ctx context.Context) (int64, error)
}

type snapshotReader interface {
	Latest(ctx context.Context) (*risk.Snapshot, error)
}

type flowReader interface {
	SumSince(ctx context.Context, dir projection.FlowDirection, since time.Time) (*big.Int, error)
}

type navReader interface {
	Window(ctx context.Context, since time.Time) ([]*projection.NavPoint, error)
}

type txSender interface {
	Send(ctx context.Context, contract common.Address, signer chain.SignerID, call chain.Call) (*types.Receipt, error)
}

// Pruner deletes rows older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	Vault common.Address

	Funds       fundReader
	Liabilities liabilityReader
	Tickets     ticketCounter
	Snapshots   snapshotReader
	Flows       flowReader
	Navs        navReader
	Sender      txSender

	// Cleanup targets, pruned by age every night.
	SnapshotPruners []Pruner
	FlowPruners     []Pruner
	NavPruners      []Pruner
	DedupPruner     Pruner

	SnapshotRetention time.Duration
	FlowRetention     time.Duration
	NavRetention      time.Duration
	DedupTTL          time.Duration

	OverdueDaysBack int

	Alerts  alert.Publisher
	Log     zerolog.Logger
	Clock   func() time.Time
}

// Handlers owns the scheduled reporting and maintenance tasks: the
// daily, weekly, and monthly operations summaries, the on-chain
// overdue-liability sweep, and retention cleanup.
type Handlers struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time
}

func New(cfg Config) *Handlers {
	if cfg.Alerts == nil {
		cfg.Alerts = alert.Nop{}
	}
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Handlers{
		cfg: cfg,
		log: cfg.Log.With().Str("component", "report").Logger(),
		now: now,
	}
}

func (h *Handlers) Register(r *tasks.Runner) {
	r.Register(tasks.TypeDailyReport, h.HandleDaily)
	r.Register(tasks.TypeWeeklyReport, h.HandleWeekly)
	r.Register(tasks.TypeMonthlyReport, h.HandleMonthly)
	r.Register(tasks.TypeOverdueBatch, h.HandleOverdueBatch)
	r.Register(tasks.TypeCleanup, h.HandleCleanup)
}

// HandleDaily assembles the operations summary and publishes it on the
// alert stream, where the notification fan-out already lives.
func (h *Handlers) HandleDaily(ctx context.Context, _ *tasks.Task) error {
	now := h.now()

	fund, err := h.cfg.Funds.Get(ctx)
	if err != nil {
		return err
	}
	stats, err := h.cfg.Liabilities.Stats(ctx, now)
	if err != nil {
		return err
	}
	openTickets, err := h.cfg.Tickets.CountOpen(ctx)
	if err != nil {
		return err
	}

	fields := map[string]string{
		"total_assets":          amount(fund.TotalAssets),
		"share_price":           amount(fund.SharePrice),
		"l1":                    amount(fund.L1()),
		"l2":                    amount(fund.L2Assets),
		"l3":                    amount(fund.L3Assets),
		"buffer":                amount(fund.BufferPool),
		"open_redemptions":      strconv.FormatInt(stats.OpenCount, 10),
		"open_gross":            amount(stats.OpenGross),
		"settled_24h":           amount(stats.SettledGross24h),
		"settled_7d":            amount(stats.SettledGross7d),
		"open_tickets":          strconv.FormatInt(openTickets, 10),
		"emergency_mode":        strconv.FormatBool(fund.EmergencyMode),
	}
	if snap, err := h.cfg.Snapshots.Latest(ctx); err == nil && snap != nil {
		fields["risk_level"] = snap.Level.String()
		fields["risk_score"] = strconv.Itoa(snap.Score)
	}

	h.log.Info().Fields(toAny(fields)).Msg("daily operations report")
	return h.cfg.Alerts.Publish(ctx, alert.Alert{
		Severity: alert.SeverityInfo,
		Kind:     "report.daily",
		Title:    fmt.Sprintf("Daily report %s", now.Format("2006-01-02")),
		Fields:   fields,
		At:       now,
	})
}

// HandleWeekly publishes the trailing-week flow summary.
func (h *Handlers) HandleWeekly(ctx context.Context, _ *tasks.Task) error {
	return h.period(ctx, "weekly", "Weekly report", 7*24*time.Hour)
}

// HandleMonthly publishes the trailing-30-day flow summary.
func (h *Handlers) HandleMonthly(ctx context.Context, _ *tasks.Task) error {
	return h.period(ctx, "monthly", "Monthly report", 30*24*time.Hour)
}

// period aggregates fund flows and share price movement over a trailing
// window and publishes the summary the same way the daily report does.
func (h *Handlers) period(ctx context.Context, kind, title string, window time.Duration) error {
	now := h.now()
	since := now.Add(-window)

	fund, err := h.cfg.Funds.Get(ctx)
	if err != nil {
		return err
	}
	inflow, err := h.cfg.Flows.SumSince(ctx, projection.FlowInflow, since)
	if err != nil {
		return err
	}
	outflow, err := h.cfg.Flows.SumSince(ctx, projection.FlowOutflow, since)
	if err != nil {
		return err
	}
	stats, err := h.cfg.Liabilities.Stats(ctx, now)
	if err != nil {
		return err
	}

	fields := map[string]string{
		"window_days":      strconv.Itoa(int(window.Hours() / 24)),
		"total_assets":     amount(fund.TotalAssets),
		"share_price":      amount(fund.SharePrice),
		"inflow":           amount(inflow),
		"outflow":          amount(outflow),
		"net_flow":         amount(new(big.Int).Sub(inflow, outflow)),
		"open_redemptions": strconv.FormatInt(stats.OpenCount, 10),
		"open_gross":       amount(stats.OpenGross),
	}
	if points, err := h.cfg.Navs.Window(ctx, since); err == nil && len(points) >= 2 {
		first, last := points[0].SharePrice, points[len(points)-1].SharePrice
		fields["share_price_start"] = amount(first)
		fields["share_price_end"] = amount(last)
		if first != nil && first.Sign() > 0 && last != nil {
			delta := new(big.Int).Sub(last, first)
			bps := new(big.Int).Div(new(big.Int).Mul(delta, big.NewInt(10_000)), first)
			fields["share_price_change_bps"] = bps.String()
		}
	}
	if snap, err := h.cfg.Snapshots.Latest(ctx); err == nil && snap != nil {
		fields["risk_level"] = snap.Level.String()
	}

	h.log.Info().Str("period", kind).Fields(toAny(fields)).Msg("periodic operations report")
	return h.cfg.Alerts.Publish(ctx, alert.Alert{
		Severity: alert.SeverityInfo,
		Kind:     "report." + kind,
		Title:    fmt.Sprintf("%s %s", title, now.Format("2006-01-02")),
		Fields:   fields,
		At:       now,
	})
}

// HandleOverdueBatch sweeps liabilities past their settlement date into
// the emergency channel on-chain. One transaction covers the whole
// look-back window; the contract iterates internally.
func (h *Handlers) HandleOverdueBatch(ctx context.Context, _ *tasks.Task) error {
	now := h.now()

	overdue, err := h.cfg.Liabilities.OverdueAt(ctx, now, 1)
	if err != nil {
		return err
	}
	if len(overdue) == 0 {
		h.log.Debug().Msg("no overdue liabilities, sweep skipped")
		return nil
	}

	receipt, err := h.cfg.Sender.Send(ctx, h.cfg.Vault, chain.SignerAdmin,
		chain.ProcessOverdueLiabilityBatch(int64(h.cfg.OverdueDaysBack)))
	if err != nil {
		h.cfg.Alerts.Publish(ctx, alert.Alert{
			Severity: alert.SeverityCritical,
			Kind:     "report.overdue_batch",
			Title:    "overdue liability sweep failed",
			Fields:   map[string]string{"error": err.Error()},
			At:       now,
			DedupKey: "overdue_batch",
		})
		return err
	}

	h.log.Info().
		Str("tx", receipt.TxHash.Hex()).
		Int("days_back", h.cfg.OverdueDaysBack).
		Msg("overdue liability batch processed")
	return nil
}

// HandleCleanup enforces retention. Prune failures are logged per target
// and do not stop the rest; the task reports the first failure so the
// runner retries tonight's sweep.
func (h *Handlers) HandleCleanup(ctx context.Context, _ *tasks.Task) error {
	now := h.now()

	var firstErr error
	run := func(name string, p Pruner, retention time.Duration) {
		if p == nil || retention <= 0 {
			return
		}
		n, err := p.Prune(ctx, now.Add(-retention))
		if err != nil {
			h.log.Error().Err(err).Str("target", name).Msg("retention prune failed")
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		if n > 0 {
			h.log.Info().Str("target", name).Int64("rows", n).Msg("retention prune")
		}
	}

	for _, p := range h.cfg.SnapshotPruners {
		run("risk", p, h.cfg.SnapshotRetention)
	}
	for _, p := range h.cfg.FlowPruners {
		run("flows", p, h.cfg.FlowRetention)
	}
	for _, p := range h.cfg.NavPruners {
		run("nav", p, h.cfg.NavRetention)
	}
	run("dedup", h.cfg.DedupPruner, h.cfg.DedupTTL)

	return firstErr
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func toAny(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
