package tasks

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Recurring work, enqueued rather than run inline so every execution gets
// the journal's retry and result machinery. Seconds-granularity specs; the
// sweeps are offset so the minute boundary is not a thundering herd.
var schedule = []struct {
	spec     string
	taskType string
	priority Priority
}{
	{"0 * * * * *", TypeRiskSnapshot, PriorityHigh},
	{"30 * * * * *", TypeSLASweep, PriorityHigh},
	{"0 */5 * * * *", TypeLiquidityCheck, PriorityHigh},
	{"0 10 * * * *", TypeDeviationCheck, PriorityNormal},
	{"0 20 * * * *", TypeRiskForecast, PriorityNormal},
	{"0 5 0 * * *", TypeOverdueBatch, PriorityNormal},
	{"0 0 8 * * *", TypeDailyReport, PriorityLow},
	{"0 15 8 * * 1", TypeWeeklyReport, PriorityLow},
	{"0 30 8 1 * *", TypeMonthlyReport, PriorityLow},
	{"0 0 2 * * *", TypeCleanup, PriorityLow},
}

// Scheduler feeds the recurring schedule into the journal. Exactly one
// instance runs cluster-wide, guarded by the scheduler lease.
type Scheduler struct {
	cron    *cron.Cron
	journal *Journal
	log     zerolog.Logger
}

func NewScheduler(journal *Journal, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		journal: journal,
		log:     log,
	}
}

func (s *Scheduler) RegisterAll() error {
	for _, e := range schedule {
		e := e
		if _, err := s.cron.AddFunc(e.spec, func() { s.enqueue(e.taskType, e.priority) }); err != nil {
			return fmt.Errorf("register %s: %w", e.taskType, err)
		}
	}
	return nil
}

func (s *Scheduler) enqueue(taskType string, p Priority) {
	t, err := New(taskType, p, nil)
	if err != nil {
		s.log.Error().Err(err).Str("task", taskType).Msg("building scheduled task failed")
		return
	}
	if err := s.journal.Enqueue(t); err != nil {
		s.log.Error().Err(err).Str("task", taskType).Msg("enqueueing scheduled task failed")
		return
	}
	s.log.Debug().Str("task", taskType).Msg("scheduled task enqueued")
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("entries", len(schedule)).Msg("scheduler started")
}

// Stop halts scheduling and waits for in-flight enqueues.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}
