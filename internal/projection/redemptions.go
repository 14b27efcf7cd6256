package projection

import (
	"context"
	"database/sql"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"PaimonControl/internal/event"
	"PaimonControl/internal/state"
)

// RedemptionStore persists redemption requests and answers the liability
// queries the risk and rebalance engines run against them.
type RedemptionStore struct {
	db *sql.DB
}

func NewRedemptionStore(db *sql.DB) *RedemptionStore {
	return &RedemptionStore{db: db}
}

// Insert records a newly observed request. Replays are ignored: the
// first write wins because event fields are immutable on chain.
func (s *RedemptionStore) Insert(ctx context.Context, tx *sql.Tx, r *state.RedemptionRequest) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO control.redemption_requests
			(request_id, owner_addr, receiver_addr, shares, gross_amount, locked_nav,
			 estimated_fee, channel, requires_approval, window_id, status,
			 request_time, settlement_time, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric,
		        $7::numeric, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (request_id) DO NOTHING
	`,
		int64(r.RequestID), r.Owner.Hex(), r.Receiver.Hex(),
		numericArg(r.Shares), numericArg(r.GrossAmount), numericArg(r.LockedNav),
		numericArg(r.EstimatedFee), r.Channel.String(), r.RequiresApproval,
		r.WindowID, r.Status.String(), r.RequestTime, r.SettlementTime,
	)
	return errors.Wrap(err, "insert redemption request")
}

// Transition moves a request between statuses, guarded by the expected
// current status so replayed or out-of-order events cannot regress it.
func (s *RedemptionStore) Transition(ctx context.Context, tx *sql.Tx, requestID uint64, from, to state.RedemptionStatus) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE control.redemption_requests
		SET status = $1, updated_at = NOW(), version = version + 1
		WHERE request_id = $2 AND status = $3
	`, to.String(), int64(requestID), from.String())
	if err != nil {
		return false, errors.Wrap(err, "transition redemption")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "transition redemption rows")
	}
	return n == 1, nil
}

// MarkSettled finalizes a request with the on-chain settlement result.
func (s *RedemptionStore) MarkSettled(ctx context.Context, tx *sql.Tx, requestID uint64, netAmount, fee *big.Int, at time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE control.redemption_requests
		SET status = $1, settled_amount = $2::numeric, settled_fee = $3::numeric,
		    settled_at = $4, updated_at = NOW(), version = version + 1
		WHERE request_id = $5 AND status IN ($6, $7)
	`,
		state.RedemptionStatusSettled.String(), numericArg(netAmount), numericArg(fee),
		at, int64(requestID),
		state.RedemptionStatusPending.String(), state.RedemptionStatusApproved.String(),
	)
	if err != nil {
		return errors.Wrap(err, "mark redemption settled")
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return errors.Errorf("redemption %d not in a settleable status", requestID)
	}
	return nil
}

// LinkTicket attaches the approval ticket created for this request.
func (s *RedemptionStore) LinkTicket(ctx context.Context, tx *sql.Tx, requestID uint64, ticketID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE control.redemption_requests
		SET ticket_id = $1, updated_at = NOW()
		WHERE request_id = $2
	`, ticketID, int64(requestID))
	return errors.Wrap(err, "link redemption ticket")
}

// SetVoucher records the voucher token minted against a delayed request.
func (s *RedemptionStore) SetVoucher(ctx context.Context, tx *sql.Tx, requestID uint64, tokenID *big.Int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE control.redemption_requests
		SET voucher_token_id = $1::numeric, updated_at = NOW()
		WHERE request_id = $2
	`, numericArg(tokenID), int64(requestID))
	return errors.Wrap(err, "set redemption voucher")
}

// AddFee adjusts the estimated fee after a RedemptionFeeAdded/Reduced.
func (s *RedemptionStore) AddFee(ctx context.Context, tx *sql.Tx, requestID uint64, delta *big.Int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE control.redemption_requests
		SET estimated_fee = estimated_fee + $1::numeric, updated_at = NOW()
		WHERE request_id = $2
	`, numericArg(delta), int64(requestID))
	return errors.Wrap(err, "adjust redemption fee")
}

// Get loads one request.
func (s *RedemptionStore) Get(ctx context.Context, requestID uint64) (*state.RedemptionRequest, error) {
	row := s.db.QueryRowContext(ctx, redemptionColumns+`
		WHERE request_id = $1
	`, int64(requestID))
	r, err := scanRedemption(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// OutstandingWithin returns open requests settling before the horizon,
// the confirmed-outflow input to liquidity forecasts.
func (s *RedemptionStore) OutstandingWithin(ctx context.Context, until time.Time) ([]*state.RedemptionRequest, error) {
	rows, err := s.db.QueryContext(ctx, redemptionColumns+`
		WHERE settlement_time <= $1
		  AND status NOT IN ('SETTLED', 'REJECTED', 'EXPIRED', 'CANCELLED')
		ORDER BY settlement_time
	`, until)
	if err != nil {
		return nil, errors.Wrap(err, "query outstanding redemptions")
	}
	defer rows.Close()
	return scanRedemptions(rows)
}

// OverdueAt returns open requests whose settlement time already passed.
func (s *RedemptionStore) OverdueAt(ctx context.Context, now time.Time, limit int) ([]*state.RedemptionRequest, error) {
	rows, err := s.db.QueryContext(ctx, redemptionColumns+`
		WHERE settlement_time < $1
		  AND status NOT IN ('SETTLED', 'REJECTED', 'EXPIRED', 'CANCELLED')
		ORDER BY settlement_time
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query overdue redemptions")
	}
	defer rows.Close()
	return scanRedemptions(rows)
}

// ListUnticketed returns approval-gated requests that have no ticket
// attached yet, oldest first. The SLA sweep uses it to recover tickets
// whose creation failed after the request event committed.
func (s *RedemptionStore) ListUnticketed(ctx context.Context, limit int) ([]*state.RedemptionRequest, error) {
	rows, err := s.db.QueryContext(ctx, redemptionColumns+`
		WHERE status = 'PENDING_APPROVAL' AND ticket_id IS NULL
		ORDER BY request_time
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query unticketed redemptions")
	}
	defer rows.Close()
	return scanRedemptions(rows)
}

// LiabilityStats aggregates the open book for risk indicators.
type LiabilityStats struct {
	OpenCount            int64
	OpenGross            *big.Int
	PendingApprovalCount int64
	PendingApprovalGross *big.Int
	SettledGross24h      *big.Int
	SettledGross7d       *big.Int
}

// Stats computes liability aggregates in one round trip.
func (s *RedemptionStore) Stats(ctx context.Context, now time.Time) (*LiabilityStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status NOT IN ('SETTLED','REJECTED','EXPIRED','CANCELLED')),
			COALESCE(SUM(gross_amount) FILTER (WHERE status NOT IN ('SETTLED','REJECTED','EXPIRED','CANCELLED')), 0),
			COUNT(*) FILTER (WHERE status = 'PENDING_APPROVAL'),
			COALESCE(SUM(gross_amount) FILTER (WHERE status = 'PENDING_APPROVAL'), 0),
			COALESCE(SUM(settled_amount) FILTER (WHERE status = 'SETTLED' AND settled_at >= $1), 0),
			COALESCE(SUM(settled_amount) FILTER (WHERE status = 'SETTLED' AND settled_at >= $2), 0)
		FROM control.redemption_requests
	`, now.Add(-24*time.Hour), now.Add(-7*24*time.Hour))

	var (
		st           LiabilityStats
		open1, open2 string
		s24, s7      string
	)
	if err := row.Scan(&st.OpenCount, &open1, &st.PendingApprovalCount, &open2, &s24, &s7); err != nil {
		return nil, errors.Wrap(err, "redemption stats")
	}
	var err error
	if st.OpenGross, err = parseNumeric(open1); err != nil {
		return nil, err
	}
	if st.PendingApprovalGross, err = parseNumeric(open2); err != nil {
		return nil, err
	}
	if st.SettledGross24h, err = parseNumeric(s24); err != nil {
		return nil, err
	}
	if st.SettledGross7d, err = parseNumeric(s7); err != nil {
		return nil, err
	}
	return &st, nil
}

// ListByOwner returns an owner's requests newest first.
func (s *RedemptionStore) ListByOwner(ctx context.Context, owner common.Address, limit int) ([]*state.RedemptionRequest, error) {
	rows, err := s.db.QueryContext(ctx, redemptionColumns+`
		WHERE owner_addr = $1
		ORDER BY request_time DESC
		LIMIT $2
	`, owner.Hex(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "query redemptions by owner")
	}
	defer rows.Close()
	return scanRedemptions(rows)
}

const redemptionColumns = `
	SELECT request_id, owner_addr, receiver_addr, shares, gross_amount, locked_nav,
	       estimated_fee, channel, requires_approval, window_id, voucher_token_id,
	       status, ticket_id, settled_amount, settled_fee, settled_at,
	       request_time, settlement_time, updated_at, version
	FROM control.redemption_requests
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRedemption(row rowScanner) (*state.RedemptionRequest, error) {
	var (
		r                        state.RedemptionRequest
		requestID                int64
		ownerHex, receiverHex    string
		shares, gross, lockedNav string
		estimatedFee             string
		channel, status          string
		windowID                 sql.NullInt64
		voucherTokenID           sql.NullString
		ticketID                 sql.NullString
		settledAmount            sql.NullString
		settledFee               sql.NullString
		settledAt                sql.NullTime
	)

	err := row.Scan(
		&requestID, &ownerHex, &receiverHex, &shares, &gross, &lockedNav,
		&estimatedFee, &channel, &r.RequiresApproval, &windowID, &voucherTokenID,
		&status, &ticketID, &settledAmount, &settledFee, &settledAt,
		&r.RequestTime, &r.SettlementTime, &r.UpdatedAt, &r.Version,
	)
	if err != nil {
		return nil, err
	}

	r.RequestID = uint64(requestID)
	r.Owner = common.HexToAddress(ownerHex)
	r.Receiver = common.HexToAddress(receiverHex)
	if r.Shares, err = parseNumeric(shares); err != nil {
		return nil, err
	}
	if r.GrossAmount, err = parseNumeric(gross); err != nil {
		return nil, err
	}
	if r.LockedNav, err = parseNumeric(lockedNav); err != nil {
		return nil, err
	}
	if r.EstimatedFee, err = parseNumeric(estimatedFee); err != nil {
		return nil, err
	}

	ch, ok := event.ParseRedemptionChannel(channel)
	if !ok {
		return nil, errors.Errorf("unknown redemption channel %q", channel)
	}
	r.Channel = ch

	st, ok := state.ParseRedemptionStatus(status)
	if !ok {
		return nil, errors.Errorf("unknown redemption status %q", status)
	}
	r.Status = st

	if windowID.Valid {
		w := windowID.Int64
		r.WindowID = &w
	}
	if voucherTokenID.Valid {
		if r.VoucherTokenID, err = parseNumeric(voucherTokenID.String); err != nil {
			return nil, err
		}
	}
	if ticketID.Valid {
		t := ticketID.String
		r.TicketID = &t
	}
	if settledAmount.Valid {
		if r.SettledAmount, err = parseNumeric(settledAmount.String); err != nil {
			return nil, err
		}
	}
	if settledFee.Valid {
		if r.SettledFee, err = parseNumeric(settledFee.String); err != nil {
			return nil, err
		}
	}
	if settledAt.Valid {
		t := settledAt.Time
		r.SettledAt = &t
	}

	return &r, nil
}

func scanRedemptions(rows *sql.Rows) ([]*state.RedemptionRequest, error) {
	var out []*state.RedemptionRequest
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan redemption")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
