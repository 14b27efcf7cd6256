package projection

import (
	"context"
	"database/sql"
	"math/big"
	"time"

	"github.com/pkg/errors"
)

// NavPoint is one share price observation.
type NavPoint struct {
	SharePrice  *big.Int
	TotalAssets *big.Int
	TotalSupply *big.Int
	BlockNumber uint64
	ObservedAt  time.Time
}

// NavStore keeps the share price history behind volatility and deviation
// indicators.
type NavStore struct {
	db *sql.DB
}

func NewNavStore(db *sql.DB) *NavStore {
	return &NavStore{db: db}
}

// Insert appends one NavUpdated observation.
func (s *NavStore) Insert(ctx context.Context, tx *sql.Tx, p *NavPoint) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO control.nav_history (share_price, total_assets, total_supply, block_number, observed_at)
		VALUES ($1::numeric, $2::numeric, $3::numeric, $4, $5)
	`, numericArg(p.SharePrice), numericArg(p.TotalAssets), numericArg(p.TotalSupply),
		int64(p.BlockNumber), p.ObservedAt)
	return errors.Wrap(err, "insert nav point")
}

// Window returns observations since the cutoff, oldest first.
func (s *NavStore) Window(ctx context.Context, since time.Time) ([]*NavPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT share_price, total_assets, total_supply, block_number, observed_at
		FROM control.nav_history
		WHERE observed_at >= $1
		ORDER BY observed_at
	`, since)
	if err != nil {
		return nil, errors.Wrap(err, "query nav window")
	}
	defer rows.Close()

	var out []*NavPoint
	for rows.Next() {
		var (
			p                   NavPoint
			price, assets, supp string
			block               int64
		)
		if err := rows.Scan(&price, &assets, &supp, &block, &p.ObservedAt); err != nil {
			return nil, errors.Wrap(err, "scan nav point")
		}
		if p.SharePrice, err = parseNumeric(price); err != nil {
			return nil, err
		}
		if p.TotalAssets, err = parseNumeric(assets); err != nil {
			return nil, err
		}
		if p.TotalSupply, err = parseNumeric(supp); err != nil {
			return nil, err
		}
		p.BlockNumber = uint64(block)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Prune deletes observations older than the cutoff; retention cleanup
// runs this daily.
func (s *NavStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM control.nav_history WHERE observed_at < $1
	`, before)
	if err != nil {
		return 0, errors.Wrap(err, "prune nav history")
	}
	return res.RowsAffected()
}

// DailyLiabilityStore tracks scheduled settlement liability per day index.
type DailyLiabilityStore struct {
	db *sql.DB
}

func NewDailyLiabilityStore(db *sql.DB) *DailyLiabilityStore {
	return &DailyLiabilityStore{db: db}
}

// Add accumulates liability for a day after DailyLiabilityAdded.
func (s *DailyLiabilityStore) Add(ctx context.Context, tx *sql.Tx, dayIndex int64, amount *big.Int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO control.daily_liabilities (day_index, amount, updated_at)
		VALUES ($1, $2::numeric, NOW())
		ON CONFLICT (day_index) DO UPDATE
		SET amount = control.daily_liabilities.amount + $2::numeric, updated_at = NOW()
	`, dayIndex, numericArg(amount))
	return errors.Wrap(err, "add daily liability")
}

// Subtract releases liability after LiabilityRemoved, clamped at zero.
func (s *DailyLiabilityStore) Subtract(ctx context.Context, tx *sql.Tx, dayIndex int64, amount *big.Int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE control.daily_liabilities
		SET amount = GREATEST(amount - $1::numeric, 0), updated_at = NOW()
		WHERE day_index = $2
	`, numericArg(amount), dayIndex)
	return errors.Wrap(err, "subtract daily liability")
}

// Sum totals liability across a day range (inclusive).
func (s *DailyLiabilityStore) Sum(ctx context.Context, fromDay, toDay int64) (*big.Int, error) {
	var total string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM control.daily_liabilities
		WHERE day_index BETWEEN $1 AND $2
	`, fromDay, toDay).Scan(&total)
	if err != nil {
		return nil, errors.Wrap(err, "sum daily liabilities")
	}
	return parseNumeric(total)
}
