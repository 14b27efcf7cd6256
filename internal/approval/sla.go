package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PaimonControl/internal/alert"
	"PaimonControl/internal/observability"
	"PaimonControl/internal/state"
	"PaimonControl/internal/tasks"
)

type slaPayload struct {
	TicketID string `json:"ticket_id"`
}

// sweepBatch bounds each sweep scan so a backlog cannot stall the runner.
const sweepBatch = 200

// SLAMonitor runs the deferred SLA jobs and the minute sweep that
// backstops them after restarts. Warnings and escalations produce
// alerts; the deadline expires auto-reject tickets and hands the
// rejection to the result processor.
type SLAMonitor struct {
	engine  *Engine
	tickets *TicketStore
	alerts  alert.Publisher
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewSLAMonitor(engine *Engine, tickets *TicketStore, alerts alert.Publisher, metrics *observability.Metrics, log zerolog.Logger) *SLAMonitor {
	return &SLAMonitor{
		engine:  engine,
		tickets: tickets,
		alerts:  alerts,
		metrics: metrics,
		log:     log.With().Str("component", "sla-monitor").Logger(),
	}
}

// RegisterHandlers binds the SLA task types to the runner.
func (m *SLAMonitor) RegisterHandlers(r *tasks.Runner) {
	r.Register(tasks.TypeSLAWarning, m.HandleWarning)
	r.Register(tasks.TypeSLAEscalation, m.HandleEscalation)
	r.Register(tasks.TypeSLADeadline, m.HandleDeadline)
	r.Register(tasks.TypeSLASweep, m.HandleSweep)
}

func (m *SLAMonitor) HandleWarning(ctx context.Context, t *tasks.Task) error {
	var pl slaPayload
	if err := t.Bind(&pl); err != nil {
		return err
	}
	ticket, err := m.tickets.Get(ctx, pl.TicketID)
	if err != nil {
		return err
	}
	if ticket == nil || ticket.Status.IsTerminal() {
		return nil
	}
	return m.warn(ctx, ticket)
}

func (m *SLAMonitor) HandleEscalation(ctx context.Context, t *tasks.Task) error {
	var pl slaPayload
	if err := t.Bind(&pl); err != nil {
		return err
	}
	return m.escalate(ctx, pl.TicketID)
}

func (m *SLAMonitor) HandleDeadline(ctx context.Context, t *tasks.Task) error {
	var pl slaPayload
	if err := t.Bind(&pl); err != nil {
		return err
	}
	return m.deadline(ctx, pl.TicketID)
}

// HandleSweep rescans open tickets for anything the deferred jobs missed
// and backfills tickets for requests that lost theirs. Per-item failures
// are logged and skipped so one bad ticket cannot wedge the sweep.
func (m *SLAMonitor) HandleSweep(ctx context.Context, _ *tasks.Task) error {
	now := time.Now().UTC()

	due, err := m.tickets.OpenPastDeadline(ctx, now, sweepBatch)
	if err != nil {
		return err
	}
	for _, t := range due {
		if err := m.deadline(ctx, t.ID); err != nil {
			m.log.Error().Err(err).Str("ticket", t.ID).Msg("sweep deadline failed")
		}
	}

	esc, err := m.tickets.OpenPastEscalation(ctx, now, sweepBatch)
	if err != nil {
		return err
	}
	for _, t := range esc {
		if err := m.escalate(ctx, t.ID); err != nil {
			m.log.Error().Err(err).Str("ticket", t.ID).Msg("sweep escalation failed")
		}
	}

	warnDue, err := m.tickets.OpenPastWarning(ctx, now, sweepBatch)
	if err != nil {
		return err
	}
	for _, t := range warnDue {
		if err := m.warn(ctx, t); err != nil {
			m.log.Error().Err(err).Str("ticket", t.ID).Msg("sweep warning failed")
		}
	}

	created, err := m.engine.BackfillTickets(ctx, sweepBatch)
	if err != nil {
		m.log.Error().Err(err).Msg("ticket backfill scan failed")
	} else if created > 0 {
		m.log.Warn().Int("created", created).Msg("backfilled tickets for unticketed requests")
	}

	if n, err := m.tickets.CountOpen(ctx); err == nil {
		m.metrics.OpenTickets.Set(float64(n))
	}
	return nil
}

func (m *SLAMonitor) warn(ctx context.Context, t *state.ApprovalTicket) error {
	m.metrics.SLAFired.WithLabelValues("warning").Inc()
	return m.alerts.Publish(ctx, alert.Alert{
		Severity: alert.SeverityWarning,
		Kind:     "approval.sla_warning",
		Title:    fmt.Sprintf("ticket %s is nearing its approval deadline", t.ID),
		Fields: map[string]string{
			"ticket":    t.ID,
			"type":      string(t.Type),
			"rule":      t.RuleName,
			"approvals": fmt.Sprintf("%d/%d", t.CurrentApprovals, t.RequiredApprovals),
			"deadline":  t.SLADeadlineAt.Format(time.RFC3339),
		},
		DedupKey: t.ID,
	})
}

func (m *SLAMonitor) escalate(ctx context.Context, ticketID string) error {
	ticket, escalated, err := m.engine.Escalate(ctx, ticketID)
	if err != nil {
		return err
	}
	if !escalated {
		return nil
	}
	m.metrics.SLAFired.WithLabelValues("escalation").Inc()
	return m.alerts.Publish(ctx, alert.Alert{
		Severity: alert.SeverityCritical,
		Kind:     "approval.sla_escalation",
		Title:    fmt.Sprintf("ticket %s escalated to %s", ticket.ID, *ticket.EscalatedTo),
		Fields: map[string]string{
			"ticket":       ticket.ID,
			"type":         string(ticket.Type),
			"escalated_to": string(*ticket.EscalatedTo),
			"deadline":     ticket.SLADeadlineAt.Format(time.RFC3339),
		},
		DedupKey: ticket.ID,
	})
}

func (m *SLAMonitor) deadline(ctx context.Context, ticketID string) error {
	ticket, expired, err := m.engine.ExpireTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket == nil || !expired {
		return nil
	}

	m.metrics.SLAFired.WithLabelValues("deadline").Inc()
	if ticket.AutoReject {
		m.engine.queueResult(ctx, ticket, "approval deadline exceeded", nil)
	}
	return m.alerts.Publish(ctx, alert.Alert{
		Severity: alert.SeverityCritical,
		Kind:     "approval.sla_expired",
		Title:    fmt.Sprintf("ticket %s expired unapproved", ticket.ID),
		Fields: map[string]string{
			"ticket":      ticket.ID,
			"type":        string(ticket.Type),
			"approvals":   fmt.Sprintf("%d/%d", ticket.CurrentApprovals, ticket.RequiredApprovals),
			"auto_reject": fmt.Sprintf("%t", ticket.AutoReject),
			"deadline":    ticket.SLADeadlineAt.Format(time.RFC3339),
		},
		DedupKey: ticket.ID,
	})
}
