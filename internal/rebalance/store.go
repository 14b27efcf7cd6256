package rebalance

import (
	"context"
	"database/sql"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"PaimonControl/internal/event"
	fpmath "PaimonControl/internal/math"
	"PaimonControl/internal/state"
)

// PlanStore persists rebalance plans and their ordered actions.
type PlanStore struct {
	db *sql.DB
}

func NewPlanStore(db *sql.DB) *PlanStore {
	return &PlanStore{db: db}
}

// snapshotJSON is the persisted form of a PlanSnapshot. Balances travel as
// decimal strings so NUMERIC-sized values survive the JSONB round trip.
type snapshotJSON struct {
	L1Cash      string    `json:"l1_cash"`
	L1Yield     string    `json:"l1_yield"`
	L2          string    `json:"l2"`
	L3          string    `json:"l3"`
	Buffer      string    `json:"buffer"`
	L1Bps       int64     `json:"l1_bps"`
	L2Bps       int64     `json:"l2_bps"`
	L3Bps       int64     `json:"l3_bps"`
	TotalAssets string    `json:"total_assets"`
	TakenAt     time.Time `json:"taken_at"`
}

func encodeSnapshot(s state.PlanSnapshot) ([]byte, error) {
	j := snapshotJSON{
		L1Cash:      numericArg(s.Balances.L1Cash),
		L1Yield:     numericArg(s.Balances.L1Yield),
		L2:          numericArg(s.Balances.L2),
		L3:          numericArg(s.Balances.L3),
		Buffer:      numericArg(s.Balances.Buffer),
		L1Bps:       s.Ratios.L1,
		L2Bps:       s.Ratios.L2,
		L3Bps:       s.Ratios.L3,
		TotalAssets: numericArg(s.TotalAssets),
		TakenAt:     s.TakenAt,
	}
	raw, err := json.Marshal(j)
	return raw, errors.Wrap(err, "encode plan snapshot")
}

func decodeSnapshot(raw []byte) (state.PlanSnapshot, error) {
	var j snapshotJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return state.PlanSnapshot{}, errors.Wrap(err, "decode plan snapshot")
	}
	s := state.PlanSnapshot{
		Ratios:  fpmath.TierRatios{L1: j.L1Bps, L2: j.L2Bps, L3: j.L3Bps},
		TakenAt: j.TakenAt,
	}
	fields := []struct {
		dst  **big.Int
		text string
	}{
		{&s.Balances.L1Cash, j.L1Cash},
		{&s.Balances.L1Yield, j.L1Yield},
		{&s.Balances.L2, j.L2},
		{&s.Balances.L3, j.L3},
		{&s.Balances.Buffer, j.Buffer},
		{&s.TotalAssets, j.TotalAssets},
	}
	for _, f := range fields {
		v, err := parseNumeric(f.text)
		if err != nil {
			return state.PlanSnapshot{}, err
		}
		*f.dst = v
	}
	return s, nil
}

// Insert writes the plan row and all action rows in one transaction.
func (s *PlanStore) Insert(ctx context.Context, tx *sql.Tx, p *state.RebalancePlan) error {
	pre, err := encodeSnapshot(p.PreState)
	if err != nil {
		return err
	}
	target, err := encodeSnapshot(p.TargetState)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO control.rebalance_plans
			(id, trigger_kind, reason, pre_state, target_state, estimated_gas,
			 estimated_slippage_bps, requires_approval, ticket_id, status,
			 created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, $12)
	`,
		p.ID, string(p.Trigger), p.Reason, pre, target, numericArg(p.EstimatedGas),
		p.EstimatedSlipBps, p.RequiresApproval, p.TicketID, p.Status.String(),
		p.CreatedBy, p.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert rebalance plan")
	}

	for _, a := range p.Actions {
		var asset *string
		if a.Asset != nil {
			h := a.Asset.Hex()
			asset = &h
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO control.rebalance_actions
				(plan_id, seq, priority, action_type, from_tier, to_tier, asset_addr,
				 amount, max_tier, method, max_slippage_bps, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12)
		`,
			p.ID, a.Seq, a.Priority, string(a.Type), int16(a.FromTier), int16(a.ToTier),
			asset, numericArg(a.Amount), int16(a.MaxTier), a.Method, a.MaxSlippageBps,
			a.Status.String(),
		)
		if err != nil {
			return errors.Wrapf(err, "insert plan action %d", a.Seq)
		}
	}
	return nil
}

// Transition moves a plan between statuses, guarded by the expected current
// status. EXECUTING stamps executed_at; terminal statuses stamp completed_at.
func (s *PlanStore) Transition(ctx context.Context, planID string, from, to state.PlanStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE control.rebalance_plans
		SET status = $1,
		    executed_at = CASE WHEN $4 THEN NOW() ELSE executed_at END,
		    completed_at = CASE WHEN $5 THEN NOW() ELSE completed_at END,
		    updated_at = NOW(), version = version + 1
		WHERE id = $2 AND status = $3
	`, to.String(), planID, from.String(), to == state.PlanStatusExecuting, to.IsTerminal())
	if err != nil {
		return false, errors.Wrap(err, "transition plan")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "transition plan rows")
	}
	return n == 1, nil
}

// Fail marks a plan failed with a reason, from any non-terminal status.
func (s *PlanStore) Fail(ctx context.Context, planID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE control.rebalance_plans
		SET status = $1, failure_reason = $2, completed_at = NOW(),
		    updated_at = NOW(), version = version + 1
		WHERE id = $3 AND status NOT IN ($4, $5, $6, $7)
	`,
		state.PlanStatusFailed.String(), reason, planID,
		state.PlanStatusCompleted.String(), state.PlanStatusPartial.String(),
		state.PlanStatusFailed.String(), state.PlanStatusCancelled.String(),
	)
	return errors.Wrap(err, "fail plan")
}

// Finish records the terminal outcome of an execution run.
func (s *PlanStore) Finish(ctx context.Context, planID string, to state.PlanStatus, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE control.rebalance_plans
		SET status = $1, failure_reason = $2, completed_at = NOW(),
		    updated_at = NOW(), version = version + 1
		WHERE id = $3 AND status = $4
	`, to.String(), reason, planID, state.PlanStatusExecuting.String())
	return errors.Wrap(err, "finish plan")
}

// Cancel moves a plan to CANCELLED with a reason, guarded by the expected
// current status.
func (s *PlanStore) Cancel(ctx context.Context, planID string, from state.PlanStatus, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE control.rebalance_plans
		SET status = $1, failure_reason = $2, completed_at = NOW(),
		    updated_at = NOW(), version = version + 1
		WHERE id = $3 AND status = $4
	`, state.PlanStatusCancelled.String(), reason, planID, from.String())
	if err != nil {
		return false, errors.Wrap(err, "cancel plan")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "cancel plan rows")
	}
	return n == 1, nil
}

// LinkTicket attaches the approval ticket gating this plan.
func (s *PlanStore) LinkTicket(ctx context.Context, planID, ticketID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE control.rebalance_plans
		SET ticket_id = $1, updated_at = NOW()
		WHERE id = $2
	`, ticketID, planID)
	return errors.Wrap(err, "link plan ticket")
}

// UpdateAction writes one action's execution outcome.
func (s *PlanStore) UpdateAction(ctx context.Context, a *state.RebalanceAction) error {
	var txHash *string
	if a.TxHash != nil {
		h := a.TxHash.Hex()
		txHash = &h
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE control.rebalance_actions
		SET status = $1, attempts = $2, tx_hash = $3, gas_used = $4,
		    failure_reason = $5, executed_at = $6
		WHERE plan_id = $7 AND seq = $8
	`,
		a.Status.String(), a.Attempts, txHash, int64(a.GasUsed),
		a.FailureReason, a.ExecutedAt, a.PlanID, a.Seq,
	)
	return errors.Wrap(err, "update plan action")
}

const planColumns = `
	SELECT id, trigger_kind, reason, pre_state, target_state, estimated_gas,
	       estimated_slippage_bps, requires_approval, ticket_id, status,
	       failure_reason, created_by, created_at, updated_at, executed_at,
	       completed_at, version
	FROM control.rebalance_plans
`

// Get loads one plan with its actions, nil when absent.
func (s *PlanStore) Get(ctx context.Context, planID string) (*state.RebalancePlan, error) {
	row := s.db.QueryRowContext(ctx, planColumns+` WHERE id = $1`, planID)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if p.Actions, err = s.actions(ctx, planID); err != nil {
		return nil, err
	}
	return p, nil
}

// ListByStatus returns plans in one status, newest first, without actions.
func (s *PlanStore) ListByStatus(ctx context.Context, status state.PlanStatus, limit int) ([]*state.RebalancePlan, error) {
	rows, err := s.db.QueryContext(ctx, planColumns+`
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, status.String(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list plans by status")
	}
	defer rows.Close()
	return scanPlans(rows)
}

// Recent returns the latest plans regardless of status, without actions.
func (s *PlanStore) Recent(ctx context.Context, limit int) ([]*state.RebalancePlan, error) {
	rows, err := s.db.QueryContext(ctx, planColumns+`
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list recent plans")
	}
	defer rows.Close()
	return scanPlans(rows)
}

// Active returns the newest non-terminal plan, nil when none is in
// flight. Actions are not loaded.
func (s *PlanStore) Active(ctx context.Context) (*state.RebalancePlan, error) {
	row := s.db.QueryRowContext(ctx, planColumns+`
		WHERE status IN ($1, $2, $3, $4)
		ORDER BY created_at DESC
		LIMIT 1
	`,
		state.PlanStatusDraft.String(), state.PlanStatusPendingApproval.String(),
		state.PlanStatusApproved.String(), state.PlanStatusExecuting.String(),
	)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PlanStore) actions(ctx context.Context, planID string) ([]*state.RebalanceAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plan_id, seq, priority, action_type, from_tier, to_tier, asset_addr,
		       amount, max_tier, method, max_slippage_bps, status, attempts,
		       tx_hash, gas_used, failure_reason, executed_at
		FROM control.rebalance_actions
		WHERE plan_id = $1
		ORDER BY seq
	`, planID)
	if err != nil {
		return nil, errors.Wrap(err, "list plan actions")
	}
	defer rows.Close()

	var out []*state.RebalanceAction
	for rows.Next() {
		var (
			a          state.RebalanceAction
			actionType string
			fromTier   int16
			toTier     int16
			maxTier    int16
			asset      sql.NullString
			amount     string
			status     string
			txHash     sql.NullString
			gasUsed    int64
			executedAt sql.NullTime
		)
		err := rows.Scan(
			&a.PlanID, &a.Seq, &a.Priority, &actionType, &fromTier, &toTier, &asset,
			&amount, &maxTier, &a.Method, &a.MaxSlippageBps, &status, &a.Attempts,
			&txHash, &gasUsed, &a.FailureReason, &executedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scan plan action")
		}

		a.Type = state.ActionType(actionType)
		a.FromTier = event.Tier(fromTier)
		a.ToTier = event.Tier(toTier)
		a.MaxTier = event.Tier(maxTier)
		a.GasUsed = uint64(gasUsed)
		if asset.Valid {
			addr := common.HexToAddress(asset.String)
			a.Asset = &addr
		}
		if a.Amount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		st, ok := state.ParseActionStatus(status)
		if !ok {
			return nil, errors.Errorf("unknown action status %q", status)
		}
		a.Status = st
		if txHash.Valid {
			h := common.HexToHash(txHash.String)
			a.TxHash = &h
		}
		if executedAt.Valid {
			t := executedAt.Time
			a.ExecutedAt = &t
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row rowScanner) (*state.RebalancePlan, error) {
	var (
		p           state.RebalancePlan
		trigger     string
		pre         []byte
		target      []byte
		gas         sql.NullString
		ticketID    sql.NullString
		status      string
		executedAt  sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&p.ID, &trigger, &p.Reason, &pre, &target, &gas,
		&p.EstimatedSlipBps, &p.RequiresApproval, &ticketID, &status,
		&p.FailureReason, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt, &executedAt,
		&completedAt, &p.Version,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan rebalance plan")
	}

	p.Trigger = state.PlanTrigger(trigger)
	if p.PreState, err = decodeSnapshot(pre); err != nil {
		return nil, err
	}
	if p.TargetState, err = decodeSnapshot(target); err != nil {
		return nil, err
	}
	if gas.Valid {
		if p.EstimatedGas, err = parseNumeric(gas.String); err != nil {
			return nil, err
		}
	}
	if ticketID.Valid {
		t := ticketID.String
		p.TicketID = &t
	}
	st, ok := state.ParsePlanStatus(status)
	if !ok {
		return nil, errors.Errorf("unknown plan status %q", status)
	}
	p.Status = st
	if executedAt.Valid {
		t := executedAt.Time
		p.ExecutedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	return &p, nil
}

func scanPlans(rows *sql.Rows) ([]*state.RebalancePlan, error) {
	var out []*state.RebalancePlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
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
