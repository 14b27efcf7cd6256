package rebalance

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strconv"

	"github.com/rs/zerolog"

	"PaimonControl/internal/alert"
	"PaimonControl/internal/approval"
	"PaimonControl/internal/fault"
	"PaimonControl/internal/observability"
	"PaimonControl/internal/persistence"
	"PaimonControl/internal/state"
	"PaimonControl/internal/tasks"
)

type executePayload struct {
	PlanID string `json:"plan_id"`
}

type approvalGateway interface {
	CreateTicket(ctx context.Context, p approval.CreateParams) (*state.ApprovalTicket, error)
}

// Service ties the rebalance pipeline together: generate, persist, gate,
// route through approval when the total demands it, and hand execution to
// the task runtime. One plan is in flight at a time; the active-plan guard
// refuses a second until the first reaches a terminal status.
type Service struct {
	db        *sql.DB
	plans     *PlanStore
	planner   *Planner
	sim       *Simulator
	exec      *Executor
	eval      *Evaluator
	approvals approvalGateway
	journal   *tasks.Journal
	alerts    alert.Publisher
	metrics   *observability.Metrics
	log       zerolog.Logger
}

type ServiceConfig struct {
	DB        *sql.DB
	Plans     *PlanStore
	Planner   *Planner
	Simulator *Simulator
	Executor  *Executor
	Evaluator *Evaluator
	Approvals approvalGateway
	Journal   *tasks.Journal
	Alerts    alert.Publisher
	Metrics   *observability.Metrics
	Log       zerolog.Logger
}

func NewService(cfg ServiceConfig) *Service {
	return &Service{
		db:        cfg.DB,
		plans:     cfg.Plans,
		planner:   cfg.Planner,
		sim:       cfg.Simulator,
		exec:      cfg.Executor,
		eval:      cfg.Evaluator,
		approvals: cfg.Approvals,
		journal:   cfg.Journal,
		alerts:    cfg.Alerts,
		metrics:   cfg.Metrics,
		log:       cfg.Log.With().Str("component", "rebalance").Logger(),
	}
}

// Preview generates a plan without persisting, gating or executing it.
// What-if for operators; the returned plan has no durable identity.
func (s *Service) Preview(ctx context.Context, trigger state.PlanTrigger, reason, createdBy string) (*state.RebalancePlan, error) {
	return s.planner.Generate(ctx, trigger, reason, createdBy)
}

// Trigger generates a plan and takes it as far as it can go: persisted,
// simulation-gated, then either queued for execution or parked behind an
// approval ticket. Refused while another plan is in flight.
func (s *Service) Trigger(ctx context.Context, trigger state.PlanTrigger, reason, createdBy string) (*state.RebalancePlan, error) {
	const op = "rebalance.Trigger"

	active, err := s.plans.Active(ctx)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fault.Newf(fault.KindValidation, op,
			"plan %s is %s, one plan at a time", active.ID, active.Status)
	}

	plan, err := s.planner.Generate(ctx, trigger, reason, createdBy)
	if err != nil {
		return nil, err
	}
	if len(plan.Actions) == 0 {
		return nil, fault.Newf(fault.KindValidation, op, "no rebalancing needed")
	}
	return s.admit(ctx, plan)
}

// TriggerWaterfall raises an emergency liquidity plan for the risk engine.
// It skips the active-plan guard and the approval gate: a confirmed
// shortfall cannot wait on quorum, and any routine plan mid-flight will
// fail its remaining sends against the paused vault on its own.
func (s *Service) TriggerWaterfall(ctx context.Context, deficit *big.Int, reason string) (*state.RebalancePlan, error) {
	plan, err := s.planner.Waterfall(ctx, deficit, reason, "risk-engine")
	if err != nil {
		return nil, err
	}
	return s.admit(ctx, plan)
}

// Execute re-queues an approved plan. Operator recovery path for plans
// whose original enqueue failed; anything else is refused.
func (s *Service) Execute(ctx context.Context, planID string) (*state.RebalancePlan, error) {
	const op = "rebalance.Execute"

	plan, err := s.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fault.Newf(fault.KindValidation, op, "plan %s not found", planID)
	}
	if plan.Status != state.PlanStatusApproved {
		return nil, fault.Newf(fault.KindValidation, op,
			"plan %s is %s, only APPROVED plans can be queued", planID, plan.Status)
	}
	s.enqueueExecute(ctx, plan)
	return plan, nil
}

// admit persists a generated plan and routes it: failed gate marks it
// FAILED, approval-bound plans get a ticket, everything else is queued for
// execution.
func (s *Service) admit(ctx context.Context, plan *state.RebalancePlan) (*state.RebalancePlan, error) {
	s.metrics.PlansGenerated.WithLabelValues(string(plan.Trigger)).Inc()

	err := persistence.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.plans.Insert(ctx, tx, plan)
	})
	if err != nil {
		return nil, err
	}

	if err := s.sim.Gate(ctx, plan); err != nil {
		if fault.Retryable(err) {
			// The gate itself could not run. The plan stays DRAFT; the next
			// trigger starts fresh and the janitor expires this one.
			return plan, err
		}
		if ferr := s.plans.Fail(ctx, plan.ID, err.Error()); ferr != nil {
			s.log.Error().Err(ferr).Str("plan_id", plan.ID).Msg("marking gated plan failed")
		}
		plan.Status = state.PlanStatusFailed
		plan.FailureReason = err.Error()
		s.alertGateFailure(ctx, plan, err)
		return plan, err
	}

	if plan.RequiresApproval {
		return s.parkForApproval(ctx, plan)
	}

	if _, err := s.plans.Transition(ctx, plan.ID, state.PlanStatusDraft, state.PlanStatusApproved); err != nil {
		return nil, err
	}
	plan.Status = state.PlanStatusApproved
	s.enqueueExecute(ctx, plan)
	return plan, nil
}

func (s *Service) parkForApproval(ctx context.Context, plan *state.RebalancePlan) (*state.RebalancePlan, error) {
	ticket, err := s.approvals.CreateTicket(ctx, approval.CreateParams{
		Type:          state.TicketTypeRebalance,
		ReferenceType: state.ReferencePlan,
		ReferenceID:   plan.ID,
		Requester:     plan.CreatedBy,
		Data: approval.RequestData{
			"amount":       plan.TotalAmount().String(),
			"action_count": strconv.Itoa(len(plan.Actions)),
			"trigger":      string(plan.Trigger),
		},
	})
	if err != nil {
		if ferr := s.plans.Fail(ctx, plan.ID, "ticket creation failed: "+err.Error()); ferr != nil {
			s.log.Error().Err(ferr).Str("plan_id", plan.ID).Msg("marking unticketed plan failed")
		}
		return nil, err
	}

	if err := s.plans.LinkTicket(ctx, plan.ID, ticket.ID); err != nil {
		return nil, err
	}
	// An auto-approved ticket has already advanced the plan in-line; only
	// move it when it is still waiting.
	if _, err := s.plans.Transition(ctx, plan.ID, state.PlanStatusDraft, state.PlanStatusPendingApproval); err != nil {
		return nil, err
	}

	fresh, err := s.plans.Get(ctx, plan.ID)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("plan_id", plan.ID).Str("ticket_id", ticket.ID).
		Str("status", fresh.Status.String()).Msg("plan parked behind approval")
	return fresh, nil
}

// enqueueExecute queues the execution task. On a journal failure the plan
// stays APPROVED and an alert points the operator at the execute command.
func (s *Service) enqueueExecute(ctx context.Context, plan *state.RebalancePlan) {
	prio := tasks.PriorityHigh
	if plan.Trigger == state.TriggerEmergency {
		prio = tasks.PriorityCritical
	}
	task, err := tasks.New(tasks.TypeExecutePlan, prio, executePayload{PlanID: plan.ID})
	if err == nil {
		err = s.journal.Enqueue(task)
	}
	if err == nil {
		return
	}

	s.log.Error().Err(err).Str("plan_id", plan.ID).Msg("execute task enqueue failed")
	if aerr := s.alerts.Publish(ctx, alert.Alert{
		Severity: alert.SeverityCritical,
		Kind:     "rebalance.enqueue_failed",
		Title:    fmt.Sprintf("Plan %s approved but not queued", plan.ID),
		Fields:   map[string]string{"plan_id": plan.ID},
		DedupKey: plan.ID,
	}); aerr != nil {
		s.log.Error().Err(aerr).Msg("enqueue-failure alert publish failed")
	}
}

func (s *Service) alertGateFailure(ctx context.Context, plan *state.RebalancePlan, gateErr error) {
	if err := s.alerts.Publish(ctx, alert.Alert{
		Severity: alert.SeverityWarning,
		Kind:     "rebalance.gate_failed",
		Title:    fmt.Sprintf("Plan %s failed the simulation gate", plan.ID),
		Fields: map[string]string{
			"plan_id": plan.ID,
			"trigger": string(plan.Trigger),
			"reason":  gateErr.Error(),
		},
		DedupKey: string(plan.Trigger),
	}); err != nil {
		s.log.Warn().Err(err).Msg("gate-failure alert publish failed")
	}
}

// --- Task handlers ---

// HandleExecuteTask runs one queued plan execution.
func (s *Service) HandleExecuteTask(ctx context.Context, task *tasks.Task) error {
	var p executePayload
	if err := task.Bind(&p); err != nil {
		return err
	}
	return s.exec.Execute(ctx, p.PlanID)
}

// HandleDeviationCheck is the hourly full evaluation.
func (s *Service) HandleDeviationCheck(ctx context.Context, _ *tasks.Task) error {
	res, err := s.eval.Evaluate(ctx)
	if err != nil {
		return err
	}
	return s.runTriggered(ctx, res)
}

// HandleLiquidityCheck is the five-minute liquidity floor check.
func (s *Service) HandleLiquidityCheck(ctx context.Context, _ *tasks.Task) error {
	res, err := s.eval.CheckLiquidity(ctx)
	if err != nil {
		return err
	}
	return s.runTriggered(ctx, res)
}

// runTriggered fires a scheduled trigger. Validation refusals (nothing to
// do, a plan already in flight) and terminal gate verdicts are final for
// this cycle: the plan row or the log carries the story, and the next
// scheduled check starts fresh.
func (s *Service) runTriggered(ctx context.Context, res *TriggerResult) error {
	if res == nil {
		return nil
	}
	plan, err := s.Trigger(ctx, res.Trigger, res.Reason, "system")
	switch {
	case err == nil:
		s.log.Info().Str("plan_id", plan.ID).Str("reason", res.Reason).Msg("scheduled trigger produced a plan")
		return nil
	case fault.Retryable(err):
		return err
	case fault.Is(err, fault.KindValidation):
		s.log.Debug().Err(err).Msg("scheduled trigger refused")
		return nil
	default:
		s.log.Warn().Err(err).Str("reason", res.Reason).Msg("scheduled trigger produced no runnable plan")
		return nil
	}
}

// --- Approval bridge ---

// PlanExecutor commits rebalance ticket outcomes back onto the plan.
// Approval moves the plan to APPROVED and queues execution; rejection
// cancels it. Status transitions are CAS-guarded, so replayed result
// tasks and in-line auto-approvals racing the service are both harmless.
type PlanExecutor struct {
	svc *Service
	log zerolog.Logger
}

func NewPlanExecutor(svc *Service, log zerolog.Logger) *PlanExecutor {
	return &PlanExecutor{
		svc: svc,
		log: log.With().Str("component", "plan-executor").Logger(),
	}
}

func (px *PlanExecutor) Execute(ctx context.Context, t *state.ApprovalTicket, o approval.Outcome) error {
	const op = "rebalance.PlanExecutor"

	plan, err := px.svc.plans.Get(ctx, t.ReferenceID)
	if err != nil {
		return err
	}
	if plan == nil {
		return fault.Newf(fault.KindValidation, op, "plan %s not found", t.ReferenceID)
	}
	if plan.Status.IsTerminal() || plan.Status == state.PlanStatusExecuting {
		px.log.Info().Str("plan_id", plan.ID).Str("status", plan.Status.String()).
			Msg("plan already past approval, nothing to apply")
		return nil
	}

	// DRAFT happens when an auto-approved ticket resolves in-line before
	// the service parks the plan.
	from := plan.Status
	if from != state.PlanStatusDraft && from != state.PlanStatusPendingApproval {
		if from == state.PlanStatusApproved && o.Approved {
			px.svc.enqueueExecute(ctx, plan)
			return nil
		}
		return fault.Newf(fault.KindValidation, op, "plan %s is %s, cannot apply outcome", plan.ID, from)
	}

	if !o.Approved {
		ok, err := px.svc.plans.Cancel(ctx, plan.ID, from, o.Reason)
		if err != nil {
			return err
		}
		if ok {
			px.log.Info().Str("plan_id", plan.ID).Str("reason", o.Reason).Msg("plan rejected")
		}
		return nil
	}

	ok, err := px.svc.plans.Transition(ctx, plan.ID, from, state.PlanStatusApproved)
	if err != nil {
		return err
	}
	if !ok {
		// Raced with a replay; whoever won also queued it.
		return nil
	}
	plan.Status = state.PlanStatusApproved
	px.log.Info().Str("plan_id", plan.ID).Str("ticket_id", t.ID).Msg("plan approved")
	px.svc.enqueueExecute(ctx, plan)
	return nil
}
