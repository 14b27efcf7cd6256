package risk

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"math/rand"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"PaimonControl/internal/alert"
	"PaimonControl/internal/fault"
	fpmath "PaimonControl/internal/math"
	"PaimonControl/internal/observability"
	"PaimonControl/internal/projection"
	"PaimonControl/internal/state"
	"PaimonControl/internal/tasks"
)

// Recommendation is the forecaster's verdict for one horizon.
type Recommendation string

const (
	RecommendNone    Recommendation = "NONE"
	RecommendMonitor Recommendation = "MONITOR"
	RecommendPrepare Recommendation = "PREPARE_LIQUIDITY"
	RecommendEmerg   Recommendation = "EMERGENCY"
)

// Forecast horizons in days.
var horizons = []int{1, 7, 30}

// Trailing window the historical redemption and deposit rates are measured
// over. probabilistic_outflow = total × rate × H/365 collapses to
// outflow30d × H/30 when the rate is measured over these 30 days, so the
// window doubles as the annualization base.
const historyDays = 30

// Monte-Carlo trial multipliers, uniform in basis points. Outflow swings
// ±20%, inflow ±50% around its conservative half-weighted expectation.
const (
	outflowLowBps  = 8_000
	outflowHighBps = 12_000
	inflowLowBps   = 5_000
	inflowHighBps  = 15_000
)

type flowsReader interface {
	SumSince(ctx context.Context, dir projection.FlowDirection, since time.Time) (*big.Int, error)
}

// Forecaster projects redemption outflow against available liquidity for
// each horizon and estimates the shortfall probability by Monte-Carlo.
type Forecaster struct {
	funds       fundReader
	redemptions liabilityReader
	flows       flowsReader
	store       *ForecastStore
	rebalance   rebalancer
	alerts      alert.Publisher
	trials      int
	seed        int64 // fixed seed for tests; 0 draws from crypto/rand
	metrics     *observability.Metrics
	log         zerolog.Logger
}

type ForecastConfig struct {
	Funds       fundReader
	Redemptions liabilityReader
	Flows       flowsReader
	Store       *ForecastStore
	Rebalance   rebalancer
	Alerts      alert.Publisher
	Trials      int
	Seed        int64
	Metrics     *observability.Metrics
	Log         zerolog.Logger
}

func NewForecaster(cfg ForecastConfig) *Forecaster {
	trials := cfg.Trials
	if trials <= 0 {
		trials = 1000
	}
	return &Forecaster{
		funds:       cfg.Funds,
		redemptions: cfg.Redemptions,
		flows:       cfg.Flows,
		store:       cfg.Store,
		rebalance:   cfg.Rebalance,
		alerts:      cfg.Alerts,
		trials:      trials,
		seed:        cfg.Seed,
		metrics:     cfg.Metrics,
		log:         cfg.Log.With().Str("component", "forecast").Logger(),
	}
}

// Run forecasts every horizon. Horizons are independent; the first failure
// stops the pass so the task retry replays all of them together.
func (f *Forecaster) Run(ctx context.Context) ([]*Forecast, error) {
	now := time.Now().UTC()

	fund, err := f.funds.Get(ctx)
	if err != nil {
		return nil, err
	}
	if fund == nil || fund.TotalAssets.Sign() == 0 {
		f.log.Debug().Msg("fund projection empty, forecast skipped")
		return nil, nil
	}

	out30, err := f.flows.SumSince(ctx, projection.FlowOutflow, now.AddDate(0, 0, -historyDays))
	if err != nil {
		return nil, err
	}
	in30, err := f.flows.SumSince(ctx, projection.FlowInflow, now.AddDate(0, 0, -historyDays))
	if err != nil {
		return nil, err
	}
	available := fpmath.Sum(fund.L1(), fund.L2Assets)

	rng := rand.New(rand.NewSource(f.seedValue()))
	results := make([]*Forecast, 0, len(horizons))
	for _, h := range horizons {
		fc, err := f.horizon(ctx, now, h, available, out30, in30)
		if err != nil {
			return nil, err
		}
		fc.ShortfallProbability = shortfallProbability(rng, f.trials, available,
			fpmath.Sum(fc.ConfirmedOutflow, fc.ProbabilisticOutflow), fc.ExpectedInflow)
		fc.Recommendation, fc.SuggestedAmount = recommend(fc.ShortfallProbability, liquidityShortfall(fc, available))

		if err := f.store.Insert(ctx, fc); err != nil {
			return nil, err
		}
		f.metrics.ForecastShortfallP.WithLabelValues(strconv.Itoa(h) + "d").Set(fc.ShortfallProbability)
		f.react(ctx, fc)
		results = append(results, fc)
	}
	return results, nil
}

// HandleForecastTask adapts Run to the task runtime.
func (f *Forecaster) HandleForecastTask(ctx context.Context, _ *tasks.Task) error {
	_, err := f.Run(ctx)
	return err
}

func (f *Forecaster) horizon(ctx context.Context, now time.Time, days int, available, out30, in30 *big.Int) (*Forecast, error) {
	due, err := f.redemptions.OutstandingWithin(ctx, now.AddDate(0, 0, days))
	if err != nil {
		return nil, err
	}
	confirmed := new(big.Int)
	for _, r := range due {
		confirmed.Add(confirmed, r.GrossAmount)
	}

	return &Forecast{
		HorizonDays:          days,
		ConfirmedOutflow:     confirmed,
		ProbabilisticOutflow: fpmath.MulDiv(out30, int64(days), historyDays),
		ExpectedInflow:       fpmath.MulDiv(in30, int64(days), 2*historyDays),
		AvailableLiquidity:   available,
		CreatedAt:            now,
	}, nil
}

// react alerts on PREPARE_LIQUIDITY and worse, and at EMERGENCY raises a
// forecast-triggered rebalance so liquidity starts moving before the
// indicators themselves breach.
func (f *Forecaster) react(ctx context.Context, fc *Forecast) {
	switch fc.Recommendation {
	case RecommendNone, RecommendMonitor:
		return
	}

	sev := alert.SeverityWarning
	if fc.Recommendation == RecommendEmerg {
		sev = alert.SeverityCritical
	}
	if err := f.alerts.Publish(ctx, alert.Alert{
		Severity: sev,
		Kind:     "risk.forecast",
		Title:    fmt.Sprintf("%dd liquidity forecast: %s", fc.HorizonDays, fc.Recommendation),
		Fields: map[string]string{
			"horizon":               strconv.Itoa(fc.HorizonDays) + "d",
			"shortfall_probability": strconv.FormatFloat(fc.ShortfallProbability, 'f', 3, 64),
			"suggested_amount":      fc.SuggestedAmount.String(),
		},
		DedupKey: strconv.Itoa(fc.HorizonDays),
	}); err != nil {
		f.log.Error().Err(err).Msg("forecast alert publish failed")
	}

	if fc.Recommendation != RecommendEmerg {
		return
	}
	reason := fmt.Sprintf("%dd forecast shortfall probability %.0f%%",
		fc.HorizonDays, fc.ShortfallProbability*100)
	plan, err := f.rebalance.Trigger(ctx, state.TriggerForecast, reason, "forecaster")
	switch {
	case err == nil:
		f.log.Warn().Str("plan_id", plan.ID).Str("reason", reason).Msg("forecast rebalance triggered")
	case fault.Is(err, fault.KindValidation):
		f.log.Debug().Err(err).Msg("forecast rebalance refused")
	default:
		f.log.Error().Err(err).Msg("forecast rebalance not triggered")
	}
}

func (f *Forecaster) seedValue() int64 {
	if f.seed != 0 {
		return f.seed
	}
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.BigEndian.Uint64(b[:]))
}

// shortfallProbability runs the Monte-Carlo: per trial the outflow is
// scaled by U(0.8, 1.2) and the inflow by U(0.5, 1.5); a trial is short
// when available + inflow' < outflow'.
func shortfallProbability(rng *rand.Rand, trials int, available, outflow, inflow *big.Int) float64 {
	if outflow.Sign() == 0 {
		return 0
	}
	short := 0
	for i := 0; i < trials; i++ {
		out := fpmath.ApplyBps(outflow, sampleBps(rng, outflowLowBps, outflowHighBps))
		in := fpmath.ApplyBps(inflow, sampleBps(rng, inflowLowBps, inflowHighBps))
		if fpmath.Sum(available, in).Cmp(out) < 0 {
			short++
		}
	}
	return float64(short) / float64(trials)
}

func sampleBps(rng *rand.Rand, lo, hi int64) int64 {
	return lo + rng.Int63n(hi-lo+1)
}

// liquidityShortfall is expected outflow minus expected cover; zero when
// covered.
func liquidityShortfall(fc *Forecast, available *big.Int) *big.Int {
	need := fpmath.Sum(fc.ConfirmedOutflow, fc.ProbabilisticOutflow)
	cover := fpmath.Sum(available, fc.ExpectedInflow)
	gap := new(big.Int).Sub(need, cover)
	if gap.Sign() < 0 {
		gap.SetInt64(0)
	}
	return gap
}

// recommend maps the shortfall probability to an action. EMERGENCY pads
// the suggested raise by 20% so the response overshoots the expected gap.
func recommend(probability float64, gap *big.Int) (Recommendation, *big.Int) {
	switch {
	case probability < 0.05:
		return RecommendNone, new(big.Int)
	case probability < 0.20:
		return RecommendMonitor, new(big.Int)
	case probability < 0.50:
		return RecommendPrepare, new(big.Int).Set(gap)
	default:
		return RecommendEmerg, fpmath.ApplyBps(gap, 12_000)
	}
}
