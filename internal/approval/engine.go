package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"PaimonControl/internal/alert"
	"PaimonControl/internal/config"
	"PaimonControl/internal/dispatch"
	"PaimonControl/internal/event"
	"PaimonControl/internal/fault"
	"PaimonControl/internal/observability"
	"PaimonControl/internal/persistence"
	"PaimonControl/internal/state"
	"PaimonControl/internal/tasks"
)

// systemActor marks resolutions made by the engine itself: auto-approvals
// and SLA expiries.
const systemActor = "system"

// Directory maps approver wallets to roles. It is loaded from the policy
// file at startup; changing approvers means restarting with a new file.
type Directory struct {
	roles map[string]state.Role
}

func NewDirectory(entries []config.ApproverEntry) *Directory {
	d := &Directory{roles: make(map[string]state.Role, len(entries))}
	for _, e := range entries {
		d.roles[strings.ToLower(e.Address)] = state.Role(e.Role)
	}
	return d
}

// RoleOf resolves an actor address to its registered role.
func (d *Directory) RoleOf(actor string) (state.Role, bool) {
	r, ok := d.roles[strings.ToLower(actor)]
	return r, ok
}

// Engine owns the approval ticket lifecycle: creation from rule matching,
// approver actions, cancellation, SLA expiry, and handing terminal
// outcomes to the result processor.
type Engine struct {
	db          *sql.DB
	tickets     *TicketStore
	redemptions redemptionBook
	rules       *RuleSet
	directory   *Directory
	journal     *tasks.Journal
	results     *ResultProcessor
	audit       *dispatch.AuditWriter
	gate        acceptanceGate
	alerts      alert.Publisher
	metrics     *observability.Metrics
	log         zerolog.Logger
}

// acceptanceGate is the risk engine's standard-redemption switch. While
// it is closed, auto-approvable standard redemptions stay PENDING for a
// human instead of resolving on their own. Emergency redemptions are
// never gated.
type acceptanceGate interface {
	AcceptingStandard() bool
	Reason() string
}

// redemptionBook is the slice of the redemption projection the engine
// touches: linking tickets, cancelling requests, finding orphans.
type redemptionBook interface {
	LinkTicket(ctx context.Context, tx *sql.Tx, requestID uint64, ticketID string) error
	Transition(ctx context.Context, tx *sql.Tx, requestID uint64, from, to state.RedemptionStatus) (bool, error)
	ListUnticketed(ctx context.Context, limit int) ([]*state.RedemptionRequest, error)
}

type EngineConfig struct {
	DB          *sql.DB
	Tickets     *TicketStore
	Redemptions redemptionBook
	Rules       *RuleSet
	Directory   *Directory
	Journal     *tasks.Journal
	Results     *ResultProcessor
	Audit       *dispatch.AuditWriter
	Gate        acceptanceGate
	Alerts      alert.Publisher
	Metrics     *observability.Metrics
	Log         zerolog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Alerts == nil {
		cfg.Alerts = alert.Nop{}
	}
	return &Engine{
		db:          cfg.DB,
		tickets:     cfg.Tickets,
		redemptions: cfg.Redemptions,
		rules:       cfg.Rules,
		directory:   cfg.Directory,
		journal:     cfg.Journal,
		results:     cfg.Results,
		audit:       cfg.Audit,
		gate:        cfg.Gate,
		alerts:      cfg.Alerts,
		metrics:     cfg.Metrics,
		log:         cfg.Log,
	}
}

// CreateParams describes the operation a ticket should gate.
type CreateParams struct {
	Type          state.TicketType
	ReferenceType state.ReferenceType
	ReferenceID   string
	Requester     string
	Data          RequestData

	// AllowFallback substitutes a single-OPERATOR default rule when no
	// policy rule matches. Event-driven paths set it so a chain-flagged
	// request is never stranded; command paths leave it off and surface
	// the gap to the caller.
	AllowFallback bool
}

// CreateTicket matches the request against the rule table and persists a
// ticket. Creation is idempotent per reference: an open ticket for the
// same reference is returned as is. Auto-approved tickets are persisted
// terminal and their result applied in-line; everything else gets its SLA
// timers scheduled.
func (e *Engine) CreateTicket(ctx context.Context, p CreateParams) (*state.ApprovalTicket, error) {
	var (
		ticket  *state.ApprovalTicket
		created bool
		held    string
	)
	err := persistence.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		existing, err := e.tickets.GetByReference(ctx, tx, p.ReferenceType, p.ReferenceID)
		if err != nil {
			return err
		}
		if existing != nil && !existing.Status.IsTerminal() {
			ticket = existing
			return nil
		}

		rule, err := e.rules.Match(p.Type, p.Data)
		if err != nil {
			if !p.AllowFallback || !fault.Is(err, fault.KindRuleNotMatched) {
				return err
			}
			rule = fallbackRule()
			e.log.Warn().
				Str("type", string(p.Type)).
				Str("reference", p.ReferenceID).
				Msg("no approval rule matched, using fallback")
		}

		data, err := json.Marshal(p.Data)
		if err != nil {
			return errors.Wrap(err, "marshal request data")
		}

		now := time.Now().UTC()
		t := &state.ApprovalTicket{
			ID:                state.NewID("APR"),
			Type:              p.Type,
			ReferenceType:     p.ReferenceType,
			ReferenceID:       p.ReferenceID,
			Requester:         p.Requester,
			RequestData:       data,
			RuleName:          rule.Name,
			RuleSnapshot:      rule.Snapshot(),
			RequiredRole:      rule.RequiredRole,
			RequiredApprovals: rule.RequiredApprovals,
			Status:            state.TicketStatusPending,
			AutoReject:        rule.AutoReject,
			SLAWarningAt:      now.Add(rule.Warning),
			SLADeadlineAt:     now.Add(rule.Deadline),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if rule.Escalation > 0 {
			at := now.Add(rule.Escalation)
			t.EscalationAt = &at
		}
		if rule.AutoApprove {
			if reason := e.holdAutoApprove(t); reason != "" {
				held = reason
			} else {
				by := systemActor
				t.Status = state.TicketStatusApproved
				t.AutoApproved = true
				t.ResolvedBy = &by
				t.ResolvedAt = &now
			}
		}

		if err := e.tickets.Insert(ctx, tx, t); err != nil {
			return err
		}
		if p.ReferenceType == state.ReferenceRedemption {
			id, perr := strconv.ParseUint(p.ReferenceID, 10, 64)
			if perr != nil {
				return errors.Wrapf(perr, "redemption reference %q", p.ReferenceID)
			}
			if err := e.redemptions.LinkTicket(ctx, tx, id, t.ID); err != nil {
				return err
			}
		}

		if err := e.audit.Write(ctx, tx, &dispatch.AuditEntry{
			Actor:      p.Requester,
			Action:     "ticket.create",
			EntityType: "ticket",
			EntityID:   t.ID,
			Details: map[string]string{
				"type":               string(t.Type),
				"reference_type":     string(t.ReferenceType),
				"reference_id":       t.ReferenceID,
				"rule":               t.RuleName,
				"required_role":      string(t.RequiredRole),
				"required_approvals": strconv.Itoa(t.RequiredApprovals),
				"auto_approved":      strconv.FormatBool(t.AutoApproved),
			},
		}); err != nil {
			return err
		}

		ticket = t
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return ticket, nil
	}

	e.metrics.TicketsCreated.WithLabelValues(string(ticket.Type), strconv.FormatBool(ticket.AutoApproved)).Inc()
	e.log.Info().
		Str("ticket", ticket.ID).
		Str("type", string(ticket.Type)).
		Str("rule", ticket.RuleName).
		Str("reference", ticket.ReferenceID).
		Bool("auto", ticket.AutoApproved).
		Msg("approval ticket created")

	if ticket.AutoApproved {
		e.metrics.TicketsResolved.WithLabelValues(string(ticket.Type), ticket.Status.String()).Inc()
		if err := e.results.Apply(ctx, ticket.ID, "", time.Time{}); err != nil {
			e.log.Error().Err(err).Str("ticket", ticket.ID).
				Msg("auto-approve result failed in-line, queueing retry")
			e.queueResult(ctx, ticket, "", nil)
		}
		return ticket, nil
	}

	if held != "" {
		e.log.Warn().
			Str("ticket", ticket.ID).
			Str("reason", held).
			Msg("auto-approval held, ticket awaits a manual decision")
		if err := e.alerts.Publish(ctx, alert.Alert{
			Severity: alert.SeverityWarning,
			Kind:     "approval.gate_hold",
			Title:    "auto-approval held while standard redemptions are suspended",
			Fields: map[string]string{
				"ticket":    ticket.ID,
				"reference": ticket.ReferenceID,
				"rule":      ticket.RuleName,
				"reason":    held,
			},
			DedupKey: ticket.ID,
		}); err != nil {
			e.log.Warn().Err(err).Msg("gate hold alert publish failed")
		}
	}

	e.scheduleSLA(ticket)
	return ticket, nil
}

// holdAutoApprove reports why an auto-approvable ticket has to stay
// open, empty when it may resolve itself. Only standard redemptions are
// subject to the gate.
func (e *Engine) holdAutoApprove(t *state.ApprovalTicket) string {
	if e.gate == nil || t.Type != state.TicketTypeRedemption {
		return ""
	}
	if e.gate.AcceptingStandard() {
		return ""
	}
	if r := e.gate.Reason(); r != "" {
		return r
	}
	return "standard redemption acceptance suspended"
}

// fallbackRule mirrors the permissive default the rule table is seeded
// with: one OPERATOR sign-off on a standard SLA.
func fallbackRule() *Rule {
	p := config.RulePolicy{
		Name:      "fallback-default",
		Approvers: config.ApproverPolicy{Role: "OPERATOR", MinCount: 1, TotalRequired: 1},
		SLA:       config.SLAPolicy{Warning: 4 * time.Hour, Deadline: 24 * time.Hour},
	}
	snap, _ := json.Marshal(p)
	return &Rule{
		Name:              p.Name,
		RequiredRole:      state.RoleOperator,
		RequiredApprovals: 1,
		Warning:           p.SLA.Warning,
		Deadline:          p.SLA.Deadline,
		snapshot:          snap,
	}
}

// scheduleSLA enqueues the three deferred SLA jobs at their absolute
// timestamps. Enqueue failures are logged only: the minute sweep rescans
// open tickets and fires anything these jobs missed.
func (e *Engine) scheduleSLA(t *state.ApprovalTicket) {
	type slaJob struct {
		taskType string
		at       time.Time
	}
	jobs := []slaJob{
		{tasks.TypeSLAWarning, t.SLAWarningAt},
		{tasks.TypeSLADeadline, t.SLADeadlineAt},
	}
	if t.EscalationAt != nil {
		jobs = append(jobs, slaJob{tasks.TypeSLAEscalation, *t.EscalationAt})
	}
	for _, j := range jobs {
		task, err := tasks.NewAt(j.taskType, tasks.PriorityNormal, slaPayload{TicketID: t.ID}, j.at)
		if err == nil {
			err = e.journal.Enqueue(task)
		}
		if err != nil {
			e.log.Warn().Err(err).Str("ticket", t.ID).Str("job", j.taskType).
				Msg("sla job enqueue failed, sweep will cover it")
		}
	}
}

// ActionParams is one approver's decision on a ticket.
type ActionParams struct {
	TicketID string
	Actor    string
	Decision state.Decision
	Comment  string

	// Settlement overrides the on-chain settlement date when approving a
	// redemption. Nil keeps the contract default.
	Settlement *time.Time
}

// ProcessAction applies one approve/reject decision under a row lock.
// Terminal tickets, duplicate actors, and insufficient roles are refused
// with validation errors. A terminal outcome enqueues the result
// processor.
func (e *Engine) ProcessAction(ctx context.Context, p ActionParams) (*state.ApprovalTicket, error) {
	const op = "approval.ProcessAction"

	role, ok := e.directory.RoleOf(p.Actor)
	if !ok {
		e.metrics.TicketActionsRejected.WithLabelValues("unknown_actor").Inc()
		return nil, fault.Newf(fault.KindValidation, op, "actor %s is not a registered approver", p.Actor)
	}
	if p.Decision != state.DecisionApprove && p.Decision != state.DecisionReject {
		return nil, fault.Newf(fault.KindValidation, op, "unknown decision %q", p.Decision)
	}

	var ticket *state.ApprovalTicket
	err := persistence.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		t, err := e.tickets.GetForUpdate(ctx, tx, p.TicketID)
		if err != nil {
			return err
		}
		if t == nil {
			return fault.Newf(fault.KindValidation, op, "ticket %s not found", p.TicketID)
		}
		if t.Status.IsTerminal() {
			e.metrics.TicketActionsRejected.WithLabelValues("terminal").Inc()
			return fault.Newf(fault.KindValidation, op, "ticket %s is already %s", t.ID, t.Status)
		}
		if !role.AtLeast(t.RequiredRole) {
			e.metrics.TicketActionsRejected.WithLabelValues("role").Inc()
			return fault.Newf(fault.KindValidation, op, "role %s does not satisfy required role %s", role, t.RequiredRole)
		}

		inserted, err := e.tickets.InsertRecord(ctx, tx, &state.ApprovalRecord{
			TicketID:  t.ID,
			Actor:     p.Actor,
			ActorRole: role,
			Decision:  p.Decision,
			Comment:   p.Comment,
		})
		if err != nil {
			return err
		}
		if !inserted {
			e.metrics.TicketActionsRejected.WithLabelValues("duplicate").Inc()
			return fault.Newf(fault.KindValidation, op, "actor %s already acted on ticket %s", p.Actor, t.ID)
		}

		now := time.Now().UTC()
		actor := p.Actor
		if p.Decision == state.DecisionReject {
			t.CurrentRejections++
			t.Status = state.TicketStatusRejected
			t.ResolvedBy = &actor
			t.ResolvedAt = &now
		} else {
			t.CurrentApprovals++
			if t.CurrentApprovals >= t.RequiredApprovals {
				t.Status = state.TicketStatusApproved
				t.ResolvedBy = &actor
				t.ResolvedAt = &now
			} else {
				t.Status = state.TicketStatusPartiallyApproved
			}
		}
		if err := e.tickets.Update(ctx, tx, t); err != nil {
			return err
		}

		if err := e.audit.Write(ctx, tx, &dispatch.AuditEntry{
			Actor:      p.Actor,
			Action:     "ticket." + strings.ToLower(string(p.Decision)),
			EntityType: "ticket",
			EntityID:   t.ID,
			Details: map[string]string{
				"role":      string(role),
				"comment":   p.Comment,
				"status":    t.Status.String(),
				"approvals": strconv.Itoa(t.CurrentApprovals) + "/" + strconv.Itoa(t.RequiredApprovals),
			},
		}); err != nil {
			return err
		}

		ticket = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("ticket", ticket.ID).
		Str("actor", p.Actor).
		Str("decision", string(p.Decision)).
		Str("status", ticket.Status.String()).
		Msg("approval action applied")

	if ticket.Status.IsTerminal() {
		e.metrics.TicketsResolved.WithLabelValues(string(ticket.Type), ticket.Status.String()).Inc()
		e.queueResult(ctx, ticket, p.Comment, p.Settlement)
	}
	return ticket, nil
}

// Cancel withdraws an open ticket. Only the requester may cancel, and
// only before the ticket resolves. A redemption cancellation also parks
// the off-chain request; the on-chain side stays pending until an
// approver rejects it there.
func (e *Engine) Cancel(ctx context.Context, ticketID, actor, reason string) (*state.ApprovalTicket, error) {
	const op = "approval.Cancel"

	var ticket *state.ApprovalTicket
	err := persistence.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		t, err := e.tickets.GetForUpdate(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if t == nil {
			return fault.Newf(fault.KindValidation, op, "ticket %s not found", ticketID)
		}
		if !t.Status.CanCancel() {
			return fault.Newf(fault.KindValidation, op, "ticket %s is %s and cannot be cancelled", t.ID, t.Status)
		}
		if !strings.EqualFold(t.Requester, actor) {
			return fault.Newf(fault.KindValidation, op, "only the requester may cancel ticket %s", t.ID)
		}

		now := time.Now().UTC()
		by := actor
		t.Status = state.TicketStatusCancelled
		t.ResolvedBy = &by
		t.ResolvedAt = &now
		if err := e.tickets.Update(ctx, tx, t); err != nil {
			return err
		}

		if t.ReferenceType == state.ReferenceRedemption {
			id, perr := strconv.ParseUint(t.ReferenceID, 10, 64)
			if perr != nil {
				return errors.Wrapf(perr, "redemption reference %q", t.ReferenceID)
			}
			applied, err := e.redemptions.Transition(ctx, tx, id,
				state.RedemptionStatusPendingApproval, state.RedemptionStatusCancelled)
			if err != nil {
				return err
			}
			if !applied {
				return fault.Newf(fault.KindValidation, op, "request %d is no longer pending approval", id)
			}
		}

		ticket = t
		return e.audit.Write(ctx, tx, &dispatch.AuditEntry{
			Actor:      actor,
			Action:     "ticket.cancel",
			EntityType: "ticket",
			EntityID:   t.ID,
			Details:    map[string]string{"reason": reason},
		})
	})
	if err != nil {
		return nil, err
	}

	e.metrics.TicketsResolved.WithLabelValues(string(ticket.Type), ticket.Status.String()).Inc()
	e.log.Info().Str("ticket", ticket.ID).Str("actor", actor).Msg("approval ticket cancelled")
	return ticket, nil
}

// Escalate marks an open ticket escalated to the next role up. Returns
// false when the ticket is gone, terminal, or already escalated.
func (e *Engine) Escalate(ctx context.Context, ticketID string) (*state.ApprovalTicket, bool, error) {
	var (
		ticket    *state.ApprovalTicket
		escalated bool
	)
	err := persistence.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		t, err := e.tickets.GetForUpdate(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		ticket = t
		if t == nil || t.Status.IsTerminal() || t.EscalatedAt != nil {
			return nil
		}

		now := time.Now().UTC()
		target := t.RequiredRole.NextUp()
		t.EscalatedAt = &now
		t.EscalatedTo = &target
		if err := e.tickets.Update(ctx, tx, t); err != nil {
			return err
		}
		escalated = true
		return e.audit.Write(ctx, tx, &dispatch.AuditEntry{
			Actor:      systemActor,
			Action:     "ticket.escalate",
			EntityType: "ticket",
			EntityID:   t.ID,
			Details:    map[string]string{"escalated_to": string(target)},
		})
	})
	return ticket, escalated, err
}

// ExpireTicket applies the SLA deadline to one ticket. Any open ticket
// past its deadline moves to EXPIRED; the rule's auto-reject flag only
// decides whether the expiry is pushed on-chain. Returns the ticket and
// whether it expired.
func (e *Engine) ExpireTicket(ctx context.Context, ticketID string) (*state.ApprovalTicket, bool, error) {
	var (
		ticket  *state.ApprovalTicket
		expired bool
	)
	err := persistence.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		t, err := e.tickets.GetForUpdate(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		ticket = t
		if t == nil || t.Status.IsTerminal() {
			return nil
		}
		if time.Now().UTC().Before(t.SLADeadlineAt) {
			return nil
		}

		now := time.Now().UTC()
		by := systemActor
		t.Status = state.TicketStatusExpired
		t.ResolvedBy = &by
		t.ResolvedAt = &now
		if err := e.tickets.Update(ctx, tx, t); err != nil {
			return err
		}
		expired = true
		return e.audit.Write(ctx, tx, &dispatch.AuditEntry{
			Actor:      systemActor,
			Action:     "ticket.expire",
			EntityType: "ticket",
			EntityID:   t.ID,
			Details:    map[string]string{"deadline": t.SLADeadlineAt.Format(time.RFC3339)},
		})
	})
	if expired {
		e.metrics.TicketsResolved.WithLabelValues(string(ticket.Type), ticket.Status.String()).Inc()
	}
	return ticket, expired, err
}

// TicketForRedemption creates the approval ticket for a chain-flagged
// redemption request. Called by the event handlers after the request row
// commits, and by the sweep for any request the first attempt missed.
func (e *Engine) TicketForRedemption(ctx context.Context, req *state.RedemptionRequest) error {
	tt := state.TicketTypeRedemption
	if req.Channel == event.ChannelEmergency {
		tt = state.TicketTypeEmergencyRedemption
	}
	refID := strconv.FormatUint(req.RequestID, 10)

	_, err := e.CreateTicket(ctx, CreateParams{
		Type:          tt,
		ReferenceType: state.ReferenceRedemption,
		ReferenceID:   refID,
		Requester:     req.Owner.Hex(),
		Data: RequestData{
			"amount":     req.GrossAmount.String(),
			"shares":     req.Shares.String(),
			"request_id": refID,
			"owner":      req.Owner.Hex(),
			"channel":    req.Channel.String(),
		},
		AllowFallback: true,
	})
	return err
}

// ResolveReference closes the open ticket for a reference the chain
// already resolved, so tickets cannot outlive their request. No result
// task: the outcome is on chain.
func (e *Engine) ResolveReference(ctx context.Context, ref state.ReferenceType, refID string, approved bool, actor string) error {
	var resolved *state.ApprovalTicket
	err := persistence.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		t, err := e.tickets.GetByReference(ctx, tx, ref, refID)
		if err != nil {
			return err
		}
		if t == nil || t.Status.IsTerminal() {
			return nil
		}

		now := time.Now().UTC()
		by := actor
		if approved {
			t.Status = state.TicketStatusApproved
		} else {
			t.Status = state.TicketStatusRejected
		}
		t.ResolvedBy = &by
		t.ResolvedAt = &now
		if err := e.tickets.Update(ctx, tx, t); err != nil {
			return err
		}
		resolved = t
		return e.audit.Write(ctx, tx, &dispatch.AuditEntry{
			Actor:      actor,
			Action:     "ticket.resolve_onchain",
			EntityType: "ticket",
			EntityID:   t.ID,
			Details: map[string]string{
				"approved":     strconv.FormatBool(approved),
				"reference_id": refID,
			},
		})
	})
	if err != nil || resolved == nil {
		return err
	}

	e.metrics.TicketsResolved.WithLabelValues(string(resolved.Type), resolved.Status.String()).Inc()
	e.log.Info().
		Str("ticket", resolved.ID).
		Str("reference", refID).
		Bool("approved", approved).
		Msg("ticket resolved by chain event")
	return nil
}

// BackfillTickets creates tickets for approval-gated requests that have
// none, covering creations lost to crashes between the event commit and
// the follow-up.
func (e *Engine) BackfillTickets(ctx context.Context, limit int) (int, error) {
	reqs, err := e.redemptions.ListUnticketed(ctx, limit)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, req := range reqs {
		if err := e.TicketForRedemption(ctx, req); err != nil {
			e.log.Error().Err(err).Uint64("request", req.RequestID).
				Msg("ticket backfill failed")
			continue
		}
		created++
	}
	return created, nil
}

// queueResult hands a terminal ticket to the result processor. On a
// journal failure it applies the result in-line instead of dropping the
// decision.
func (e *Engine) queueResult(ctx context.Context, t *state.ApprovalTicket, reason string, settlement *time.Time) {
	pl := resultPayload{TicketID: t.ID, Reason: reason}
	if settlement != nil {
		pl.SettlementUnix = settlement.Unix()
	}
	task, err := tasks.New(tasks.TypeApprovalResult, tasks.PriorityHigh, pl)
	if err == nil {
		err = e.journal.Enqueue(task)
	}
	if err == nil {
		return
	}

	e.log.Error().Err(err).Str("ticket", t.ID).
		Msg("result task enqueue failed, applying in-line")
	var settleAt time.Time
	if settlement != nil {
		settleAt = *settlement
	}
	if aerr := e.results.Apply(ctx, t.ID, reason, settleAt); aerr != nil {
		e.log.Error().Err(aerr).Str("ticket", t.ID).Msg("in-line result apply failed")
	}
}
