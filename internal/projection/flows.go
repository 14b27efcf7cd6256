package projection

import (
	"context"
	"database/sql"
	"math/big"
	"time"

	"github.com/pkg/errors"
)

// FlowDirection labels a fund flow row.
type FlowDirection string

const (
	FlowInflow  FlowDirection = "INFLOW"
	FlowOutflow FlowDirection = "OUTFLOW"
)

// DayFlow aggregates one UTC day of confirmed flows. The forecast engine
// consumes the series as its Monte-Carlo base rates.
type DayFlow struct {
	Day     time.Time
	Inflow  *big.Int
	Outflow *big.Int
}

// FlowStore records confirmed deposits and settlement payouts. Rows are
// written by the deposit and settlement handlers in the event transaction.
type FlowStore struct {
	db *sql.DB
}

func NewFlowStore(db *sql.DB) *FlowStore {
	return &FlowStore{db: db}
}

// Insert appends one flow observation.
func (s *FlowStore) Insert(ctx context.Context, tx *sql.Tx, dir FlowDirection, amount *big.Int, block uint64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO control.fund_flows (direction, amount, block_number, observed_at)
		VALUES ($1, $2::numeric, $3, $4)
	`, string(dir), numericArg(amount), int64(block), at)
	return errors.Wrap(err, "insert fund flow")
}

// DailySeries returns per-day inflow/outflow sums for the trailing window,
// oldest day first. Days without flows are absent from the result.
func (s *FlowStore) DailySeries(ctx context.Context, days int) ([]*DayFlow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date_trunc('day', observed_at) AS day,
		       COALESCE(SUM(amount) FILTER (WHERE direction = 'INFLOW'), 0),
		       COALESCE(SUM(amount) FILTER (WHERE direction = 'OUTFLOW'), 0)
		FROM control.fund_flows
		WHERE observed_at >= NOW() - make_interval(days => $1)
		GROUP BY day
		ORDER BY day
	`, days)
	if err != nil {
		return nil, errors.Wrap(err, "fund flow series")
	}
	defer rows.Close()

	var series []*DayFlow
	for rows.Next() {
		var (
			f        DayFlow
			in, outf string
		)
		if err := rows.Scan(&f.Day, &in, &outf); err != nil {
			return nil, errors.Wrap(err, "scan fund flow day")
		}
		if f.Inflow, err = parseNumeric(in); err != nil {
			return nil, err
		}
		if f.Outflow, err = parseNumeric(outf); err != nil {
			return nil, err
		}
		series = append(series, &f)
	}
	return series, rows.Err()
}

// SumSince totals one direction from the cutoff to now.
func (s *FlowStore) SumSince(ctx context.Context, dir FlowDirection, since time.Time) (*big.Int, error) {
	var sum string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM control.fund_flows
		WHERE direction = $1 AND observed_at >= $2
	`, string(dir), since).Scan(&sum)
	if err != nil {
		return nil, errors.Wrap(err, "sum fund flows")
	}
	return parseNumeric(sum)
}

// Prune deletes flow rows older than the cutoff.
func (s *FlowStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM control.fund_flows WHERE observed_at < $1
	`, before)
	if err != nil {
		return 0, errors.Wrap(err, "prune fund flows")
	}
	return res.RowsAffected()
}
