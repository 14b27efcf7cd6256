package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"PaimonControl/internal/dispatch"
	"PaimonControl/internal/event"
	fpmath "PaimonControl/internal/math"
	"PaimonControl/internal/observability"
	"PaimonControl/internal/testutil"
)

func TestDispatcherRejectsSubmitBeforeRun(t *testing.T) {
	d := dispatch.NewDispatcher(nil, dispatch.NewOrderValidator(testMetrics), testMetrics,
		observability.NewLogger("dispatcher-test"))

	env := envelope(1, 0, &event.ManagementFeeCollected{Amount: fpmath.BaseUnits(1)})
	if err := d.Submit(context.Background(), env); err == nil {
		t.Fatal("Submit before Run = nil, want error")
	}
}

func TestDispatcherHandlesInSubmissionOrder(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	te := newTestEnv(t, db)

	d := dispatch.NewDispatcher(te.handlers, dispatch.NewOrderValidator(testMetrics), testMetrics,
		observability.NewLogger("dispatcher-test"))

	var (
		mu      sync.Mutex
		handled []string
	)
	d.SetOnHandled(func(env *event.Envelope) {
		mu.Lock()
		handled = append(handled, env.Key())
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	// Give Run a moment to mark the dispatcher running.
	first := envelope(700, 0, &event.ManagementFeeCollected{Amount: fpmath.BaseUnits(1)})
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := d.Submit(ctx, first)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Submit never succeeded: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	want := []string{first.Key()}
	for i := uint(1); i <= 5; i++ {
		env := envelope(700, i, &event.ManagementFeeCollected{Amount: fpmath.BaseUnits(1)})
		if err := d.Submit(ctx, env); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		want = append(want, env.Key())
	}

	deadline = time.Now().Add(10 * time.Second)
	for {
		mu.Lock()
		n := len(handled)
		mu.Unlock()
		if n == len(want) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("handled %d of %d events before timeout", n, len(want))
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if handled[i] != want[i] {
			t.Fatalf("handled[%d] = %s, want %s", i, handled[i], want[i])
		}
	}
	if d.Inflight() != 0 {
		t.Errorf("Inflight = %d, want 0", d.Inflight())
	}

	fs, err := te.fund.Get(context.Background())
	if err != nil {
		t.Fatalf("fund Get: %v", err)
	}
	if want := fpmath.BaseUnits(6); fs.ManagementFees.Cmp(want) != 0 {
		t.Errorf("ManagementFees = %s, want %s", fs.ManagementFees, want)
	}

	cancel()
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDispatcherSkipsDuplicateSubmission(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	te := newTestEnv(t, db)

	d := dispatch.NewDispatcher(te.handlers, dispatch.NewOrderValidator(testMetrics), testMetrics,
		observability.NewLogger("dispatcher-test"))

	var handledCount int
	var mu sync.Mutex
	d.SetOnHandled(func(*event.Envelope) {
		mu.Lock()
		handledCount++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	env := envelope(800, 0, &event.PerformanceFeeCollected{Amount: fpmath.BaseUnits(3)})
	deadline := time.Now().Add(2 * time.Second)
	for d.Submit(ctx, env) != nil {
		if time.Now().After(deadline) {
			t.Fatal("Submit never succeeded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Same position again: the order validator drops it before the
	// handler runs, and the watermark callback still fires.
	if err := d.Submit(ctx, envelope(800, 0, &event.PerformanceFeeCollected{Amount: fpmath.BaseUnits(3)})); err != nil {
		t.Fatalf("Submit duplicate: %v", err)
	}

	deadline = time.Now().Add(10 * time.Second)
	for {
		mu.Lock()
		n := handledCount
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("handled %d of 2 submissions before timeout", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	fs, err := te.fund.Get(context.Background())
	if err != nil {
		t.Fatalf("fund Get: %v", err)
	}
	if want := fpmath.BaseUnits(3); fs.PerformanceFees.Cmp(want) != 0 {
		t.Errorf("PerformanceFees = %s, want %s (applied once)", fs.PerformanceFees, want)
	}
}
