package tasks

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"PaimonControl/internal/fault"
	"PaimonControl/internal/observability"
)

const (
	idlePoll      = 250 * time.Millisecond
	depthInterval = 15 * time.Second
)

type HandlerFunc func(ctx context.Context, t *Task) error

type RunnerConfig struct {
	Workers    int
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // first retry delay, doubled per attempt
	CapDelay   time.Duration
}

// Runner drains the journal with a fixed worker pool. Failed attempts with
// a transient (or unclassified) error are requeued with capped exponential
// backoff and jitter; terminal fault kinds and exhausted retries park the
// task as dead.
type Runner struct {
	journal  *Journal
	results  *ResultStore
	handlers map[string]HandlerFunc
	cfg      RunnerConfig
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewRunner(journal *Journal, results *ResultStore, cfg RunnerConfig, metrics *observability.Metrics, log zerolog.Logger) *Runner {
	return &Runner{
		journal:  journal,
		results:  results,
		handlers: make(map[string]HandlerFunc),
		cfg:      cfg,
		metrics:  metrics,
		log:      log,
	}
}

// Register binds a handler to a task type. Call before Run.
func (r *Runner) Register(taskType string, h HandlerFunc) {
	if _, dup := r.handlers[taskType]; dup {
		r.log.Warn().Str("task", taskType).Msg("handler registered twice, replacing")
	}
	r.handlers[taskType] = h
}

// Run blocks until the context ends.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		g.Go(func() error { return r.worker(ctx) })
	}
	g.Go(func() error { return r.reportDepth(ctx) })
	return g.Wait()
}

func (r *Runner) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		t, key, err := r.journal.NextDue(time.Now())
		if err != nil {
			r.log.Error().Err(err).Msg("journal scan failed")
			if !sleepCtx(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}
		if t == nil {
			if !sleepCtx(ctx, idlePoll) {
				return ctx.Err()
			}
			continue
		}
		r.execute(ctx, t, key)
	}
}

func (r *Runner) execute(ctx context.Context, t *Task, key []byte) {
	h, ok := r.handlers[t.Type]
	if !ok {
		r.log.Error().Str("task", t.Type).Str("task_id", t.ID).Msg("no handler registered, dropping")
		r.finish(ctx, t, key, time.Now(), fault.Newf(fault.KindValidation, "tasks.execute", "no handler for %s", t.Type))
		return
	}

	start := time.Now()
	err := r.runProtected(ctx, h, t)
	r.metrics.TaskDuration.WithLabelValues(t.Type).Observe(time.Since(start).Seconds())

	if err == nil {
		r.finish(ctx, t, key, start, nil)
		return
	}

	kind := fault.KindOf(err)
	retryable := kind == fault.KindUnknown || fault.Retryable(err)
	if retryable && t.Attempt < r.cfg.MaxRetries {
		delay := r.backoff(t.Attempt)
		t.Attempt++
		r.log.Warn().Err(err).
			Str("task", t.Type).
			Str("task_id", t.ID).
			Int("attempt", t.Attempt).
			Dur("delay", delay).
			Msg("task failed, retrying")
		if rqErr := r.journal.Requeue(t, key, time.Now().Add(delay)); rqErr != nil {
			r.log.Error().Err(rqErr).Str("task_id", t.ID).Msg("requeue failed, releasing claim")
			r.journal.Release(key)
			return
		}
		r.metrics.TasksRetried.WithLabelValues(t.Type).Inc()
		return
	}

	if retryable {
		r.metrics.TasksDead.WithLabelValues(t.Type).Inc()
	}
	r.finish(ctx, t, key, start, err)
}

// finish removes the entry and records the outcome.
func (r *Runner) finish(ctx context.Context, t *Task, key []byte, start time.Time, taskErr error) {
	if err := r.journal.Complete(key); err != nil {
		r.log.Error().Err(err).Str("task_id", t.ID).Msg("completing journal entry failed")
	}

	res := &Result{
		TaskID:     t.ID,
		Type:       t.Type,
		Status:     ResultCompleted,
		Attempts:   t.Attempt + 1,
		DurationMs: time.Since(start).Milliseconds(),
		FinishedAt: time.Now(),
	}
	outcome := "ok"
	if taskErr != nil {
		res.Status = ResultFailed
		res.Error = taskErr.Error()
		outcome = "failed"
		r.log.Error().Err(taskErr).
			Str("task", t.Type).
			Str("task_id", t.ID).
			Int("attempts", res.Attempts).
			Msg("task failed terminally")
	}
	r.results.Put(ctx, res)
	r.metrics.TasksCompleted.WithLabelValues(t.Type, outcome).Inc()
}

func (r *Runner) runProtected(ctx context.Context, h HandlerFunc, t *Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Type, p)
		}
	}()
	return h(ctx, t)
}

// backoff returns base×2^attempt capped, with jitter in [d/2, d] so retry
// storms spread out.
func (r *Runner) backoff(attempt int) time.Duration {
	d := r.cfg.BaseDelay << uint(attempt)
	if d <= 0 || d > r.cfg.CapDelay {
		d = r.cfg.CapDelay
	}
	half := int64(d) / 2
	return time.Duration(half + rand.Int63n(half+1))
}

func (r *Runner) reportDepth(ctx context.Context) error {
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			depth, err := r.journal.Depth()
			if err != nil {
				r.log.Warn().Err(err).Msg("journal depth scan failed")
				continue
			}
			for p, n := range depth {
				r.metrics.QueueDepth.WithLabelValues(p.String()).Set(float64(n))
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
