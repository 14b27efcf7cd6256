package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"math/big"
	"time"

	"github.com/pkg/errors"
)

// Snapshot is one full indicator evaluation.
type Snapshot struct {
	ID         int64
	Level      Level
	Score      int
	L1RatioBps int64
	Indicators []Indicator
	TakenAt    time.Time
}

// Indicator returns the named indicator from the snapshot, or false when
// the evaluation did not produce it.
func (s *Snapshot) Indicator(name string) (Indicator, bool) {
	for _, ind := range s.Indicators {
		if ind.Name == name {
			return ind, true
		}
	}
	return Indicator{}, false
}

// Event kinds persisted to the risk trail.
const (
	EventLevelChange        = "level_change"
	EventIndicatorBreach    = "indicator_breach"
	EventLiquidityAlarm     = "liquidity_alarm"
	EventEmergencySignal    = "emergency_signal"
	EventWaterfallObserved  = "waterfall_liquidation"
	EventAcceptanceGate     = "acceptance_gate"
	EventVerificationDrift  = "verification_drift"
	EventEmergencyResponse  = "emergency_response"
	EventEmergencyStanddown = "emergency_standdown"
)

// Event is one occurrence worth a durable trail entry: a level transition,
// an indicator breach, a chain alarm, an emergency lifecycle step.
type Event struct {
	ID         int64
	Kind       string
	Severity   string
	Indicator  string
	IncidentID string
	Details    map[string]string
	CreatedAt  time.Time
}

// Emergency incident statuses.
const (
	IncidentStatusOpen   = "OPEN"
	IncidentStatusClosed = "CLOSED"
)

// Incident is one emergency episode: opened by a critical snapshot, closed
// by the recovery watcher after the calm streak.
type Incident struct {
	ID         string
	SnapshotID int64
	Status     string
	CalmStreak int
	OpenedAt   time.Time
	ClosedAt   *time.Time
	Report     json.RawMessage
}

// Forecast is one horizon's outflow projection.
type Forecast struct {
	ID                   int64
	HorizonDays          int
	ConfirmedOutflow     *big.Int
	ProbabilisticOutflow *big.Int
	ExpectedInflow       *big.Int
	AvailableLiquidity   *big.Int
	ShortfallProbability float64
	Recommendation       Recommendation
	SuggestedAmount      *big.Int
	CreatedAt            time.Time
}

// SnapshotStore persists indicator evaluations.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Insert writes one snapshot and fills in its assigned ID.
func (s *SnapshotStore) Insert(ctx context.Context, snap *Snapshot) error {
	raw, err := json.Marshal(snap.Indicators)
	if err != nil {
		return errors.Wrap(err, "encode indicators")
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO control.risk_snapshots (risk_level, risk_score, l1_ratio_bps, indicators, taken_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, int(snap.Level), snap.Score, snap.L1RatioBps, raw, snap.TakenAt).Scan(&snap.ID)
	return errors.Wrap(err, "insert risk snapshot")
}

const snapshotColumns = `
	SELECT id, risk_level, risk_score, l1_ratio_bps, indicators, taken_at
	FROM control.risk_snapshots
`

// Latest returns the newest snapshot, nil when none has been taken.
func (s *SnapshotStore) Latest(ctx context.Context) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, snapshotColumns+`ORDER BY taken_at DESC, id DESC LIMIT 1`)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return snap, err
}

// Recent returns snapshots newest first.
func (s *SnapshotStore) Recent(ctx context.Context, limit int) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, snapshotColumns+`ORDER BY taken_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list recent snapshots")
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Peak returns the worst level and score inside a window. A window with no
// snapshots reports normal.
func (s *SnapshotStore) Peak(ctx context.Context, from, to time.Time) (Level, int, error) {
	var level, score int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(risk_level), 1), COALESCE(MAX(risk_score), 0)
		FROM control.risk_snapshots
		WHERE taken_at BETWEEN $1 AND $2
	`, from, to).Scan(&level, &score)
	if err != nil {
		return LevelNormal, 0, errors.Wrap(err, "snapshot peak")
	}
	return Level(level), score, nil
}

// Prune deletes snapshots older than the cutoff; retention cleanup runs
// this daily.
func (s *SnapshotStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM control.risk_snapshots WHERE taken_at < $1
	`, before)
	if err != nil {
		return 0, errors.Wrap(err, "prune snapshots")
	}
	return res.RowsAffected()
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var (
		snap  Snapshot
		level int
		raw   []byte
	)
	err := row.Scan(&snap.ID, &level, &snap.Score, &snap.L1RatioBps, &raw, &snap.TakenAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan snapshot")
	}
	snap.Level = Level(level)
	if err := json.Unmarshal(raw, &snap.Indicators); err != nil {
		return nil, errors.Wrap(err, "decode indicators")
	}
	return &snap, nil
}

// EventStore persists the risk trail.
type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) Insert(ctx context.Context, e *Event) error {
	if e.Details == nil {
		e.Details = map[string]string{}
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return errors.Wrap(err, "encode event details")
	}

	var indicator, incident *string
	if e.Indicator != "" {
		indicator = &e.Indicator
	}
	if e.IncidentID != "" {
		incident = &e.IncidentID
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO control.risk_events (kind, severity, indicator, incident_id, details)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, e.Kind, e.Severity, indicator, incident, details).Scan(&e.ID, &e.CreatedAt)
	return errors.Wrap(err, "insert risk event")
}

// Recent returns events newest first.
func (s *EventStore) Recent(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, severity, indicator, incident_id, details, created_at
		FROM control.risk_events
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list risk events")
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			e                   Event
			indicator, incident sql.NullString
			details             []byte
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.Severity, &indicator, &incident, &details, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan risk event")
		}
		e.Indicator = indicator.String
		e.IncidentID = incident.String
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, errors.Wrap(err, "decode event details")
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CountByIncident totals the events attributed to one incident.
func (s *EventStore) CountByIncident(ctx context.Context, incidentID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM control.risk_events WHERE incident_id = $1
	`, incidentID).Scan(&n)
	return n, errors.Wrap(err, "count incident events")
}

// Prune deletes events older than the cutoff.
func (s *EventStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM control.risk_events WHERE created_at < $1
	`, before)
	if err != nil {
		return 0, errors.Wrap(err, "prune risk events")
	}
	return res.RowsAffected()
}

// IncidentStore persists emergency incidents.
type IncidentStore struct {
	db *sql.DB
}

func NewIncidentStore(db *sql.DB) *IncidentStore {
	return &IncidentStore{db: db}
}

func (s *IncidentStore) Open(ctx context.Context, inc *Incident) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO control.emergency_incidents (id, snapshot_id, status, opened_at)
		VALUES ($1, $2, $3, $4)
	`, inc.ID, inc.SnapshotID, inc.Status, inc.OpenedAt)
	return errors.Wrap(err, "open incident")
}

const incidentColumns = `
	SELECT id, snapshot_id, status, calm_streak, opened_at, closed_at, report
	FROM control.emergency_incidents
`

// Active returns the open incident, nil when the fund is not in an
// emergency episode.
func (s *IncidentStore) Active(ctx context.Context) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, incidentColumns+`
		WHERE status = $1
		ORDER BY opened_at DESC
		LIMIT 1
	`, IncidentStatusOpen)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return inc, err
}

// Get loads one incident, nil when absent.
func (s *IncidentStore) Get(ctx context.Context, id string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, incidentColumns+`WHERE id = $1`, id)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return inc, err
}

// SetCalmStreak records the watcher's consecutive-calm counter.
func (s *IncidentStore) SetCalmStreak(ctx context.Context, id string, streak int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE control.emergency_incidents SET calm_streak = $1 WHERE id = $2
	`, streak, id)
	return errors.Wrap(err, "set calm streak")
}

// Close moves an open incident to CLOSED, reporting whether this call won
// the transition.
func (s *IncidentStore) Close(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE control.emergency_incidents
		SET status = $1, closed_at = NOW()
		WHERE id = $2 AND status = $3
	`, IncidentStatusClosed, id, IncidentStatusOpen)
	if err != nil {
		return false, errors.Wrap(err, "close incident")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "close incident rows")
	}
	return n == 1, nil
}

// SetReport attaches the post-incident report.
func (s *IncidentStore) SetReport(ctx context.Context, id string, report []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE control.emergency_incidents SET report = $1 WHERE id = $2
	`, report, id)
	return errors.Wrap(err, "set incident report")
}

func scanIncident(row rowScanner) (*Incident, error) {
	var (
		inc      Incident
		closedAt sql.NullTime
		report   []byte
	)
	err := row.Scan(&inc.ID, &inc.SnapshotID, &inc.Status, &inc.CalmStreak,
		&inc.OpenedAt, &closedAt, &report)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan incident")
	}
	if closedAt.Valid {
		t := closedAt.Time
		inc.ClosedAt = &t
	}
	inc.Report = report
	return &inc, nil
}

// ForecastStore persists horizon forecasts.
type ForecastStore struct {
	db *sql.DB
}

func NewForecastStore(db *sql.DB) *ForecastStore {
	return &ForecastStore{db: db}
}

func (s *ForecastStore) Insert(ctx context.Context, f *Forecast) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO control.risk_forecasts
			(horizon_days, confirmed_outflow, probabilistic_outflow, expected_inflow,
			 available_liquidity, shortfall_probability, recommendation, suggested_amount, created_at)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8::numeric, $9)
		RETURNING id
	`,
		f.HorizonDays, numericArg(f.ConfirmedOutflow), numericArg(f.ProbabilisticOutflow),
		numericArg(f.ExpectedInflow), numericArg(f.AvailableLiquidity),
		f.ShortfallProbability, string(f.Recommendation), numericArg(f.SuggestedAmount), f.CreatedAt,
	).Scan(&f.ID)
	return errors.Wrap(err, "insert forecast")
}

// Latest returns the newest forecast per horizon, shortest horizon first.
func (s *ForecastStore) Latest(ctx context.Context) ([]*Forecast, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (horizon_days)
		       id, horizon_days, confirmed_outflow, probabilistic_outflow, expected_inflow,
		       available_liquidity, shortfall_probability, recommendation, suggested_amount, created_at
		FROM control.risk_forecasts
		ORDER BY horizon_days, created_at DESC, id DESC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "query latest forecasts")
	}
	defer rows.Close()

	var out []*Forecast
	for rows.Next() {
		var (
			f                         Forecast
			confirmed, prob, inflow   string
			available, suggested, rec string
		)
		err := rows.Scan(&f.ID, &f.HorizonDays, &confirmed, &prob, &inflow,
			&available, &f.ShortfallProbability, &rec, &suggested, &f.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scan forecast")
		}
		f.Recommendation = Recommendation(rec)
		fields := []struct {
			dst  **big.Int
			text string
		}{
			{&f.ConfirmedOutflow, confirmed},
			{&f.ProbabilisticOutflow, prob},
			{&f.ExpectedInflow, inflow},
			{&f.AvailableLiquidity, available},
			{&f.SuggestedAmount, suggested},
		}
		for _, fd := range fields {
			v, err := parseNumeric(fd.text)
			if err != nil {
				return nil, err
			}
			*fd.dst = v
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// Prune deletes forecasts older than the cutoff.
func (s *ForecastStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM control.risk_forecasts WHERE created_at < $1
	`, before)
	if err != nil {
		return 0, errors.Wrap(err, "prune forecasts")
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func parseNumeric(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.Errorf("malformed numeric %q", s)
	}
	return v, nil
}

// numericArg renders a big.Int for a NUMERIC placeholder; nil becomes 0.
func numericArg(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
