package approval

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"PaimonControl/internal/state"
)

// TicketStore persists approval tickets and their append-only action
// records. All writers go through the engine, which locks the ticket row
// for the duration of a decision.
type TicketStore struct {
	db *sql.DB
}

func NewTicketStore(db *sql.DB) *TicketStore {
	return &TicketStore{db: db}
}

// Insert persists a freshly created ticket.
func (s *TicketStore) Insert(ctx context.Context, tx *sql.Tx, t *state.ApprovalTicket) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO control.approval_tickets
			(id, ticket_type, reference_type, reference_id, requester,
			 request_data, rule_name, rule_snapshot, required_role, required_approvals,
			 current_approvals, current_rejections, status, auto_approved, auto_reject,
			 sla_warning_at, sla_deadline_at, escalation_at,
			 resolved_by, resolved_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $21)
	`,
		t.ID, string(t.Type), string(t.ReferenceType), t.ReferenceID, t.Requester,
		[]byte(t.RequestData), t.RuleName, []byte(t.RuleSnapshot), string(t.RequiredRole), t.RequiredApprovals,
		t.CurrentApprovals, t.CurrentRejections, t.Status.String(), t.AutoApproved, t.AutoReject,
		t.SLAWarningAt, t.SLADeadlineAt, t.EscalationAt,
		t.ResolvedBy, t.ResolvedAt, t.CreatedAt,
	)
	return errors.Wrap(err, "insert approval ticket")
}

// Update writes back the mutable decision state. The caller holds the row
// lock, so this is a plain write; version still increments for readers.
func (s *TicketStore) Update(ctx context.Context, tx *sql.Tx, t *state.ApprovalTicket) error {
	var escalatedTo *string
	if t.EscalatedTo != nil {
		v := string(*t.EscalatedTo)
		escalatedTo = &v
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE control.approval_tickets
		SET current_approvals = $1, current_rejections = $2, status = $3,
		    escalated_at = $4, escalated_to = $5,
		    resolved_by = $6, resolved_at = $7,
		    updated_at = NOW(), version = version + 1
		WHERE id = $8
	`,
		t.CurrentApprovals, t.CurrentRejections, t.Status.String(),
		t.EscalatedAt, escalatedTo,
		t.ResolvedBy, t.ResolvedAt,
		t.ID,
	)
	return errors.Wrap(err, "update approval ticket")
}

// Get loads one ticket outside any transaction, or nil when absent.
func (s *TicketStore) Get(ctx context.Context, id string) (*state.ApprovalTicket, error) {
	t, err := scanTicket(s.db.QueryRowContext(ctx, ticketColumns+` WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// GetForUpdate loads and locks one ticket inside the caller's transaction.
func (s *TicketStore) GetForUpdate(ctx context.Context, tx *sql.Tx, id string) (*state.ApprovalTicket, error) {
	t, err := scanTicket(tx.QueryRowContext(ctx, ticketColumns+` WHERE id = $1 FOR UPDATE`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// GetByReference returns the newest ticket for a reference, locked when a
// transaction is supplied. Creation idempotency and chain-side resolution
// both key off this lookup.
func (s *TicketStore) GetByReference(ctx context.Context, tx *sql.Tx, ref state.ReferenceType, refID string) (*state.ApprovalTicket, error) {
	q := ticketColumns + `
		WHERE reference_type = $1 AND reference_id = $2
		ORDER BY created_at DESC
		LIMIT 1`
	var row rowScanner
	if tx != nil {
		row = tx.QueryRowContext(ctx, q+` FOR UPDATE`, string(ref), refID)
	} else {
		row = s.db.QueryRowContext(ctx, q, string(ref), refID)
	}
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// InsertRecord appends one approver action. Returns false when the actor
// already acted on this ticket.
func (s *TicketStore) InsertRecord(ctx context.Context, tx *sql.Tx, r *state.ApprovalRecord) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO control.approval_records (ticket_id, actor, actor_role, decision, comment)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ticket_id, actor) DO NOTHING
	`, r.TicketID, r.Actor, string(r.ActorRole), string(r.Decision), r.Comment)
	if err != nil {
		return false, errors.Wrap(err, "insert approval record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "insert approval record rows")
	}
	return n == 1, nil
}

// Records returns a ticket's actions oldest first.
func (s *TicketStore) Records(ctx context.Context, ticketID string) ([]*state.ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticket_id, actor, actor_role, decision, comment, created_at
		FROM control.approval_records
		WHERE ticket_id = $1
		ORDER BY id
	`, ticketID)
	if err != nil {
		return nil, errors.Wrap(err, "query approval records")
	}
	defer rows.Close()

	var out []*state.ApprovalRecord
	for rows.Next() {
		var (
			r    state.ApprovalRecord
			role string
			dec  string
		)
		if err := rows.Scan(&r.ID, &r.TicketID, &r.Actor, &role, &dec, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan approval record")
		}
		r.ActorRole = state.Role(role)
		r.Decision = state.Decision(dec)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// OpenPastDeadline returns open tickets whose deadline has passed.
func (s *TicketStore) OpenPastDeadline(ctx context.Context, now time.Time, limit int) ([]*state.ApprovalTicket, error) {
	return s.listOpen(ctx, `sla_deadline_at <= $1`, now, limit)
}

// OpenPastEscalation returns open tickets due for escalation that have
// not been escalated yet.
func (s *TicketStore) OpenPastEscalation(ctx context.Context, now time.Time, limit int) ([]*state.ApprovalTicket, error) {
	return s.listOpen(ctx, `escalation_at IS NOT NULL AND escalation_at <= $1 AND escalated_at IS NULL`, now, limit)
}

// OpenPastWarning returns open tickets past their warning mark but not
// yet past the deadline. The sweep re-fires these; the alert cooldown
// keeps repeats quiet.
func (s *TicketStore) OpenPastWarning(ctx context.Context, now time.Time, limit int) ([]*state.ApprovalTicket, error) {
	return s.listOpen(ctx, `sla_warning_at <= $1 AND sla_deadline_at > $1`, now, limit)
}

func (s *TicketStore) listOpen(ctx context.Context, cond string, now time.Time, limit int) ([]*state.ApprovalTicket, error) {
	rows, err := s.db.QueryContext(ctx, ticketColumns+`
		WHERE status IN ('PENDING', 'PARTIALLY_APPROVED') AND `+cond+`
		ORDER BY sla_deadline_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query open tickets")
	}
	defer rows.Close()
	return scanTickets(rows)
}

// ListByStatus returns tickets in one status, newest first.
func (s *TicketStore) ListByStatus(ctx context.Context, status state.TicketStatus, limit int) ([]*state.ApprovalTicket, error) {
	rows, err := s.db.QueryContext(ctx, ticketColumns+`
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, status.String(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "query tickets by status")
	}
	defer rows.Close()
	return scanTickets(rows)
}

// CountOpen reports tickets not yet terminal, for the open-tickets gauge.
func (s *TicketStore) CountOpen(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM control.approval_tickets
		WHERE status IN ('PENDING', 'PARTIALLY_APPROVED')
	`).Scan(&n)
	return n, errors.Wrap(err, "count open tickets")
}

const ticketColumns = `
	SELECT id, ticket_type, reference_type, reference_id, requester,
	       request_data, rule_name, rule_snapshot, required_role, required_approvals,
	       current_approvals, current_rejections, status, auto_approved, auto_reject,
	       sla_warning_at, sla_deadline_at, escalation_at, escalated_at, escalated_to,
	       resolved_by, resolved_at, created_at, updated_at, version
	FROM control.approval_tickets
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row rowScanner) (*state.ApprovalTicket, error) {
	var (
		t                       state.ApprovalTicket
		ticketType, refType     string
		requiredRole, status    string
		requestData, snapshot   []byte
		escalationAt            sql.NullTime
		escalatedAt             sql.NullTime
		escalatedTo, resolvedBy sql.NullString
		resolvedAt              sql.NullTime
	)

	err := row.Scan(
		&t.ID, &ticketType, &refType, &t.ReferenceID, &t.Requester,
		&requestData, &t.RuleName, &snapshot, &requiredRole, &t.RequiredApprovals,
		&t.CurrentApprovals, &t.CurrentRejections, &status, &t.AutoApproved, &t.AutoReject,
		&t.SLAWarningAt, &t.SLADeadlineAt, &escalationAt, &escalatedAt, &escalatedTo,
		&resolvedBy, &resolvedAt, &t.CreatedAt, &t.UpdatedAt, &t.Version,
	)
	if err != nil {
		return nil, err
	}

	t.Type = state.TicketType(ticketType)
	t.ReferenceType = state.ReferenceType(refType)
	t.RequiredRole = state.Role(requiredRole)
	t.RequestData = requestData
	t.RuleSnapshot = snapshot

	st, ok := state.ParseTicketStatus(status)
	if !ok {
		return nil, errors.Errorf("unknown ticket status %q", status)
	}
	t.Status = st

	if escalationAt.Valid {
		v := escalationAt.Time
		t.EscalationAt = &v
	}
	if escalatedAt.Valid {
		v := escalatedAt.Time
		t.EscalatedAt = &v
	}
	if escalatedTo.Valid {
		v := state.Role(escalatedTo.String)
		t.EscalatedTo = &v
	}
	if resolvedBy.Valid {
		v := resolvedBy.String
		t.ResolvedBy = &v
	}
	if resolvedAt.Valid {
		v := resolvedAt.Time
		t.ResolvedAt = &v
	}
	return &t, nil
}

func scanTickets(rows *sql.Rows) ([]*state.ApprovalTicket, error) {
	var out []*state.ApprovalTicket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan ticket")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
