// Package tasks is the durable background-work runtime: a pebble-journaled
// priority queue, a retrying worker pool, Redis-backed results, and the
// cron schedule that feeds recurring work into the queue.
package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Priority int32

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Task types. Recurring ones are enqueued by the scheduler; deferred ones
// (SLA jobs, emergency watches) by the components that own them.
const (
	TypeRiskSnapshot   = "risk.snapshot"
	TypeRiskForecast   = "risk.forecast"
	TypeEmergencyWatch = "risk.emergency_watch"
	TypeLiquidityCheck = "liquidity.check"
	TypeDeviationCheck = "rebalance.deviation_check"
	TypeSLAWarning     = "approval.sla_warning"
	TypeSLAEscalation  = "approval.sla_escalation"
	TypeSLADeadline    = "approval.sla_deadline"
	TypeSLASweep       = "approval.sla_sweep"
	TypeOverdueBatch   = "redemption.overdue_batch"
	TypeDailyReport    = "report.daily"
	TypeWeeklyReport   = "report.weekly"
	TypeMonthlyReport  = "report.monthly"
	TypeCleanup        = "maintenance.cleanup"
	TypeExecutePlan    = "rebalance.execute_plan"
	TypeApprovalResult = "approval.apply_result"
	TypeIncidentReport = "risk.incident_report"
)

// Task is one unit of background work. Delivery is at-least-once: a task
// survives restarts until a worker completes or exhausts it, so handlers
// must be idempotent.
type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Priority   Priority        `json:"priority"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RunAt      time.Time       `json:"run_at"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempt    int             `json:"attempt"`
}

// New builds an immediately-due task. payload may be nil.
func New(taskType string, priority Priority, payload interface{}) (*Task, error) {
	return NewAt(taskType, priority, payload, time.Now())
}

// NewAt builds a task deferred until runAt.
func NewAt(taskType string, priority Priority, payload interface{}, runAt time.Time) (*Task, error) {
	t := &Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		Priority:   priority,
		RunAt:      runAt,
		EnqueuedAt: time.Now(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", taskType, err)
		}
		t.Payload = raw
	}
	return t, nil
}

// Bind unmarshals the payload into dst.
func (t *Task) Bind(dst interface{}) error {
	if len(t.Payload) == 0 {
		return fmt.Errorf("task %s has no payload", t.Type)
	}
	if err := json.Unmarshal(t.Payload, dst); err != nil {
		return fmt.Errorf("decoding %s payload: %w", t.Type, err)
	}
	return nil
}
