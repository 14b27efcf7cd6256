package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"PaimonControl/internal/alert"
	"PaimonControl/internal/chain"
	"PaimonControl/internal/checkpoint"
	"PaimonControl/internal/observability"
	"PaimonControl/internal/state"
	"PaimonControl/internal/tasks"
)

type watchPayload struct {
	IncidentID string `json:"incident_id"`
}

type txSender interface {
	Send(ctx context.Context, contract common.Address, signer chain.SignerID, call chain.Call) (*types.Receipt, error)
}

type waterfallRaiser interface {
	TriggerWaterfall(ctx context.Context, deficit *big.Int, reason string) (*state.RebalancePlan, error)
}

// Driver runs the emergency response: flip the vault into emergency mode,
// pause it, raise a waterfall plan for the liquidity gap, and watch for
// recovery. Incident creation is serialized on the emergency lease and each
// incident's watcher acts under an incident-scoped lease, so exactly one
// driver works an incident even across rolling restarts.
type Driver struct {
	incidents *IncidentStore
	snapshots *SnapshotStore
	events    *EventStore
	funds     fundReader
	sender    txSender
	vault     common.Address
	leases    *checkpoint.LeaseStore
	journal   *tasks.Journal
	rebalance waterfallRaiser
	alerts    alert.Publisher
	metrics   *observability.Metrics
	log       zerolog.Logger

	holder     string
	watchEvery time.Duration
	leaseTTL   time.Duration
}

type DriverConfig struct {
	Incidents  *IncidentStore
	Snapshots  *SnapshotStore
	Events     *EventStore
	Funds      fundReader
	Sender     txSender
	Vault      common.Address
	Leases     *checkpoint.LeaseStore
	Journal    *tasks.Journal
	Rebalance  waterfallRaiser
	Alerts     alert.Publisher
	Metrics    *observability.Metrics
	WatchEvery time.Duration
	LeaseTTL   time.Duration
	Log        zerolog.Logger
}

func NewDriver(cfg DriverConfig) *Driver {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	watchEvery := cfg.WatchEvery
	if watchEvery <= 0 {
		watchEvery = 5 * time.Minute
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Driver{
		incidents:  cfg.Incidents,
		snapshots:  cfg.Snapshots,
		events:     cfg.Events,
		funds:      cfg.Funds,
		sender:     cfg.Sender,
		vault:      cfg.Vault,
		leases:     cfg.Leases,
		journal:    cfg.Journal,
		rebalance:  cfg.Rebalance,
		alerts:     cfg.Alerts,
		metrics:    cfg.Metrics,
		holder:     fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		watchEvery: watchEvery,
		leaseTTL:   ttl,
		log:        cfg.Log.With().Str("component", "emergency").Logger(),
	}
}

// Activate opens an incident for a critical snapshot and runs the full
// response: emergency mode and pause committed concurrently, a critical
// alert, a waterfall plan for the uncovered gap, and the recovery watcher.
// A second critical snapshot while an incident is open is a no-op.
func (d *Driver) Activate(ctx context.Context, snap *Snapshot, gap *big.Int) error {
	inc, fresh, err := d.openIncident(ctx, snap.ID)
	if err != nil || !fresh {
		return err
	}

	var g errgroup.Group
	fund, ferr := d.funds.Get(ctx)
	alreadyOn := ferr == nil && fund != nil && fund.EmergencyMode
	if !alreadyOn {
		g.Go(func() error {
			_, err := d.sender.Send(ctx, d.vault, chain.SignerAdmin, chain.SetEmergencyMode(true))
			return err
		})
		g.Go(func() error {
			_, err := d.sender.Send(ctx, d.vault, chain.SignerAdmin, chain.Pause())
			return err
		})
	}
	g.Go(func() error {
		return d.alerts.Publish(ctx, alert.Alert{
			Severity: alert.SeverityEmergency,
			Kind:     "risk.emergency_activated",
			Title:    fmt.Sprintf("Emergency incident %s opened, risk score %d", inc.ID, snap.Score),
			Fields: map[string]string{
				"incident_id":   inc.ID,
				"liquidity_gap": gap.String(),
			},
			DedupKey: inc.ID,
		})
	})
	if gap.Sign() > 0 {
		deficit := new(big.Int).Set(gap)
		g.Go(func() error {
			plan, err := d.rebalance.TriggerWaterfall(ctx, deficit,
				fmt.Sprintf("emergency incident %s liquidity gap", inc.ID))
			if err != nil {
				return err
			}
			d.log.Warn().Str("incident_id", inc.ID).Str("plan_id", plan.ID).
				Msg("emergency waterfall plan raised")
			return nil
		})
	}
	respErr := g.Wait()

	d.scheduleWatch(inc.ID, time.Now().Add(d.watchEvery))
	d.writeEvent(ctx, &Event{
		Kind:       EventEmergencyResponse,
		Severity:   string(alert.SeverityEmergency),
		IncidentID: inc.ID,
		Details: map[string]string{
			"snapshot_id":   strconv.FormatInt(snap.ID, 10),
			"liquidity_gap": gap.String(),
			"already_on":    strconv.FormatBool(alreadyOn),
		},
	})
	return respErr
}

// EnsureIncident opens an incident and its watcher without touching the
// chain. The signal path uses it when the vault flips to emergency mode on
// its own: the fund is already paused, the control plane just has to track
// recovery.
func (d *Driver) EnsureIncident(ctx context.Context, source string) error {
	inc, fresh, err := d.openIncident(ctx, 0)
	if err != nil || !fresh {
		return err
	}
	d.scheduleWatch(inc.ID, time.Now().Add(d.watchEvery))
	d.writeEvent(ctx, &Event{
		Kind:       EventEmergencyResponse,
		Severity:   string(alert.SeverityEmergency),
		IncidentID: inc.ID,
		Details:    map[string]string{"source": source, "already_on": "true"},
	})
	return nil
}

// openIncident creates the next incident under the emergency lease.
// fresh is false when an incident is already open.
func (d *Driver) openIncident(ctx context.Context, snapshotID int64) (*Incident, bool, error) {
	if inc, err := d.incidents.Active(ctx); err != nil || inc != nil {
		return inc, false, err
	}

	ok, err := d.leases.TryAcquire(ctx, checkpoint.LeaseEmergency, d.holder, d.leaseTTL)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		d.log.Info().Msg("another driver is activating, standing by")
		return nil, false, nil
	}
	defer func() {
		if err := d.leases.Release(context.WithoutCancel(ctx), checkpoint.LeaseEmergency, d.holder); err != nil {
			d.log.Warn().Err(err).Msg("emergency lease release failed")
		}
	}()

	// The lease was contended a moment ago; whoever held it may have opened.
	if inc, err := d.incidents.Active(ctx); err != nil || inc != nil {
		return inc, false, err
	}

	inc := &Incident{
		ID:         state.NewID("INC"),
		SnapshotID: snapshotID,
		Status:     IncidentStatusOpen,
		OpenedAt:   time.Now().UTC(),
	}
	if err := d.incidents.Open(ctx, inc); err != nil {
		return nil, false, err
	}
	d.metrics.EmergencyIncidents.Inc()
	d.log.Error().Str("incident_id", inc.ID).Msg("emergency incident opened")
	return inc, true, nil
}

// HandleWatchTask is one recovery probe. The incident closes after two
// consecutive calm probes; until then the chain of deferred tasks renews
// itself every interval.
func (d *Driver) HandleWatchTask(ctx context.Context, t *tasks.Task) error {
	var p watchPayload
	if err := t.Bind(&p); err != nil {
		return err
	}
	inc, err := d.incidents.Get(ctx, p.IncidentID)
	if err != nil {
		return err
	}
	if inc == nil || inc.Status != IncidentStatusOpen {
		return nil
	}

	// Incident-scoped lease: replayed journals from a rolling restart all
	// carry watch tasks, but only the holder acts. Non-holders keep their
	// chain alive without probing so the incident survives a holder crash.
	ok, err := d.leases.TryAcquire(ctx, "emergency-"+inc.ID, d.holder, 2*d.watchEvery+d.leaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		d.scheduleWatch(inc.ID, time.Now().Add(d.watchEvery))
		return nil
	}

	snap, err := d.snapshots.Latest(ctx)
	if err != nil {
		return err
	}
	calm := snap != nil && snap.Level <= LevelElevated && snap.TakenAt.After(inc.OpenedAt)

	streak := 0
	if calm {
		streak = inc.CalmStreak + 1
	}
	if err := d.incidents.SetCalmStreak(ctx, inc.ID, streak); err != nil {
		return err
	}
	d.log.Info().Str("incident_id", inc.ID).Bool("calm", calm).Int("streak", streak).
		Msg("recovery probe")

	if streak < 2 {
		d.scheduleWatch(inc.ID, time.Now().Add(d.watchEvery))
		return nil
	}
	return d.standDown(ctx, inc)
}

// standDown unwinds the emergency: unset emergency mode, unpause, close
// the incident, queue the post-incident report. Send failures leave the
// incident open and the task retry unwinds again; the streak is already
// persisted so the next attempt goes straight here.
func (d *Driver) standDown(ctx context.Context, inc *Incident) error {
	if _, err := d.sender.Send(ctx, d.vault, chain.SignerAdmin, chain.SetEmergencyMode(false)); err != nil {
		return err
	}
	if _, err := d.sender.Send(ctx, d.vault, chain.SignerAdmin, chain.Unpause()); err != nil {
		return err
	}

	won, err := d.incidents.Close(ctx, inc.ID)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	d.writeEvent(ctx, &Event{
		Kind:       EventEmergencyStanddown,
		Severity:   string(alert.SeverityInfo),
		IncidentID: inc.ID,
		Details:    map[string]string{"open_for": time.Since(inc.OpenedAt).Round(time.Second).String()},
	})
	if err := d.alerts.Publish(ctx, alert.Alert{
		Severity: alert.SeverityInfo,
		Kind:     "risk.emergency_closed",
		Title:    fmt.Sprintf("Emergency incident %s closed", inc.ID),
		Fields:   map[string]string{"incident_id": inc.ID},
		DedupKey: inc.ID,
	}); err != nil {
		d.log.Error().Err(err).Msg("standdown alert publish failed")
	}

	report, err := tasks.New(tasks.TypeIncidentReport, tasks.PriorityLow, watchPayload{IncidentID: inc.ID})
	if err == nil {
		err = d.journal.Enqueue(report)
	}
	if err != nil {
		d.log.Error().Err(err).Str("incident_id", inc.ID).Msg("report task enqueue failed")
	}

	if err := d.leases.Release(ctx, "emergency-"+inc.ID, d.holder); err != nil {
		d.log.Warn().Err(err).Msg("incident lease release failed")
	}
	d.log.Info().Str("incident_id", inc.ID).Msg("emergency incident closed")
	return nil
}

// HandleReportTask builds the post-incident report and attaches it to the
// incident row.
func (d *Driver) HandleReportTask(ctx context.Context, t *tasks.Task) error {
	var p watchPayload
	if err := t.Bind(&p); err != nil {
		return err
	}
	inc, err := d.incidents.Get(ctx, p.IncidentID)
	if err != nil {
		return err
	}
	if inc == nil || len(inc.Report) > 0 {
		return nil
	}

	closedAt := time.Now().UTC()
	if inc.ClosedAt != nil {
		closedAt = *inc.ClosedAt
	}
	peakLevel, peakScore, err := d.snapshots.Peak(ctx, inc.OpenedAt, closedAt)
	if err != nil {
		return err
	}
	eventCount, err := d.events.CountByIncident(ctx, inc.ID)
	if err != nil {
		return err
	}

	report, err := json.Marshal(map[string]interface{}{
		"incident_id":      inc.ID,
		"opened_at":        inc.OpenedAt,
		"closed_at":        closedAt,
		"duration_seconds": int64(closedAt.Sub(inc.OpenedAt) / time.Second),
		"peak_level":       peakLevel.String(),
		"peak_score":       peakScore,
		"trail_events":     eventCount,
	})
	if err != nil {
		return err
	}
	if err := d.incidents.SetReport(ctx, inc.ID, report); err != nil {
		return err
	}
	d.log.Info().Str("incident_id", inc.ID).Msg("post-incident report recorded")
	return nil
}

// scheduleWatch queues the next recovery probe. On a journal failure the
// chain breaks; the alert points operators at the manual snapshot path.
func (d *Driver) scheduleWatch(incidentID string, at time.Time) {
	t, err := tasks.NewAt(tasks.TypeEmergencyWatch, tasks.PriorityCritical, watchPayload{IncidentID: incidentID}, at)
	if err == nil {
		err = d.journal.Enqueue(t)
	}
	if err != nil {
		d.log.Error().Err(err).Str("incident_id", incidentID).Msg("watch task enqueue failed")
	}
}

func (d *Driver) writeEvent(ctx context.Context, evt *Event) {
	if err := d.events.Insert(ctx, evt); err != nil {
		d.log.Error().Err(err).Str("kind", evt.Kind).Msg("risk event not recorded")
		return
	}
	d.metrics.RiskEventsRaised.WithLabelValues(evt.Severity, evt.Kind).Inc()
}
