package tasks_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"PaimonControl/internal/fault"
	"PaimonControl/internal/observability"
	"PaimonControl/internal/tasks"
)

func newRunner(t *testing.T, j *tasks.Journal) *tasks.Runner {
	t.Helper()
	cfg := tasks.RunnerConfig{
		Workers:    2,
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		CapDelay:   5 * time.Millisecond,
	}
	results := tasks.NewResultStore(nil, time.Hour, observability.NewLogger("runner-test"))
	return tasks.NewRunner(j, results, cfg, testMetrics, observability.NewLogger("runner-test"))
}

func startRunner(t *testing.T, r *tasks.Runner) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestRunnerExecutesTask(t *testing.T) {
	j := openJournal(t)
	r := newRunner(t, j)

	var calls atomic.Int64
	r.Register("noop", func(ctx context.Context, task *tasks.Task) error {
		calls.Add(1)
		return nil
	})

	stop := startRunner(t, r)
	defer stop()

	enqueue(t, j, "noop", tasks.PriorityNormal)
	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 1 })

	// Completed entries leave the journal for good.
	time.Sleep(50 * time.Millisecond)
	depth, err := j.Depth()
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth[tasks.PriorityNormal] != 0 {
		t.Errorf("depth = %v, want drained", depth)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestRunnerRetriesTransientFailure(t *testing.T) {
	j := openJournal(t)
	r := newRunner(t, j)

	var calls atomic.Int64
	var lastAttempt atomic.Int64
	r.Register("flaky", func(ctx context.Context, task *tasks.Task) error {
		lastAttempt.Store(int64(task.Attempt))
		if calls.Add(1) < 3 {
			return fault.Wrap(fault.KindTransientRpc, "test.flaky", errors.New("rpc hiccup"))
		}
		return nil
	})

	stop := startRunner(t, r)
	defer stop()

	enqueue(t, j, "flaky", tasks.PriorityHigh)
	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 3 })

	if lastAttempt.Load() != 2 {
		t.Errorf("attempt on final try = %d, want 2", lastAttempt.Load())
	}
}

func TestRunnerExhaustsRetryBudget(t *testing.T) {
	j := openJournal(t)
	r := newRunner(t, j)

	var calls atomic.Int64
	r.Register("doomed", func(ctx context.Context, task *tasks.Task) error {
		calls.Add(1)
		return errors.New("still broken")
	})

	stop := startRunner(t, r)
	defer stop()

	enqueue(t, j, "doomed", tasks.PriorityNormal)

	// MaxRetries 3 allows 4 executions total, then the task is parked dead.
	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 4 })
	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 4 {
		t.Errorf("calls = %d, want 4", got)
	}
	depth, err := j.Depth()
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth[tasks.PriorityNormal] != 0 {
		t.Errorf("dead task still queued: %v", depth)
	}
}

func TestRunnerTerminalFaultNotRetried(t *testing.T) {
	j := openJournal(t)
	r := newRunner(t, j)

	var calls atomic.Int64
	r.Register("invalid", func(ctx context.Context, task *tasks.Task) error {
		calls.Add(1)
		return fault.Wrap(fault.KindValidation, "test.invalid", errors.New("bad payload"))
	})

	stop := startRunner(t, r)
	defer stop()

	enqueue(t, j, "invalid", tasks.PriorityNormal)
	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1 (terminal fault must not retry)", got)
	}
}

func TestRunnerRecoversFromPanic(t *testing.T) {
	j := openJournal(t)
	r := newRunner(t, j)

	var calls atomic.Int64
	r.Register("panicky", func(ctx context.Context, task *tasks.Task) error {
		if calls.Add(1) == 1 {
			panic("nil map write")
		}
		return nil
	})

	stop := startRunner(t, r)
	defer stop()

	enqueue(t, j, "panicky", tasks.PriorityCritical)

	// The panic counts as a retryable failure; the second attempt succeeds.
	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 2 })
}
