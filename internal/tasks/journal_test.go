package tasks_test

import (
	"testing"
	"time"

	"PaimonControl/internal/observability"
	"PaimonControl/internal/tasks"
)

// Shared across the package's tests: prometheus collectors register once
// per process.
var testMetrics = observability.NewMetrics()

func openJournal(t *testing.T) *tasks.Journal {
	t.Helper()
	j, err := tasks.OpenJournal(t.TempDir(), testMetrics)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func enqueue(t *testing.T, j *tasks.Journal, taskType string, p tasks.Priority) *tasks.Task {
	t.Helper()
	task, err := tasks.New(taskType, p, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := j.Enqueue(task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return task
}

func TestJournalPriorityOrder(t *testing.T) {
	j := openJournal(t)

	enqueue(t, j, "low", tasks.PriorityLow)
	enqueue(t, j, "normal", tasks.PriorityNormal)
	enqueue(t, j, "critical", tasks.PriorityCritical)
	enqueue(t, j, "high", tasks.PriorityHigh)

	want := []string{"critical", "high", "normal", "low"}
	for _, wantType := range want {
		task, key, err := j.NextDue(time.Now())
		if err != nil {
			t.Fatalf("NextDue: %v", err)
		}
		if task == nil {
			t.Fatalf("NextDue = nil, want %s", wantType)
		}
		if task.Type != wantType {
			t.Fatalf("NextDue type = %s, want %s", task.Type, wantType)
		}
		if err := j.Complete(key); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}

	if task, _, _ := j.NextDue(time.Now()); task != nil {
		t.Fatalf("drained journal returned %s", task.Type)
	}
}

func TestJournalFIFOWithinPriority(t *testing.T) {
	j := openJournal(t)

	first := enqueue(t, j, "work", tasks.PriorityNormal)
	second := enqueue(t, j, "work", tasks.PriorityNormal)
	third := enqueue(t, j, "work", tasks.PriorityNormal)

	for i, want := range []*tasks.Task{first, second, third} {
		got, key, err := j.NextDue(time.Now())
		if err != nil || got == nil {
			t.Fatalf("NextDue %d = (%v, %v)", i, got, err)
		}
		if got.ID != want.ID {
			t.Fatalf("task %d = %s, want %s", i, got.ID, want.ID)
		}
		j.Complete(key)
	}
}

func TestJournalDeferredTask(t *testing.T) {
	j := openJournal(t)
	now := time.Now()

	task, err := tasks.NewAt("deferred", tasks.PriorityHigh, nil, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}
	if err := j.Enqueue(task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if got, _, _ := j.NextDue(now); got != nil {
		t.Fatal("deferred task delivered early")
	}
	got, _, err := j.NextDue(now.Add(2 * time.Hour))
	if err != nil || got == nil {
		t.Fatalf("NextDue past due = (%v, %v), want task", got, err)
	}
	if got.ID != task.ID {
		t.Errorf("task = %s, want %s", got.ID, task.ID)
	}
}

func TestJournalClaims(t *testing.T) {
	j := openJournal(t)
	enqueue(t, j, "once", tasks.PriorityNormal)

	first, key, err := j.NextDue(time.Now())
	if err != nil || first == nil {
		t.Fatalf("NextDue = (%v, %v)", first, err)
	}

	// Claimed entries are invisible to other workers.
	if dup, _, _ := j.NextDue(time.Now()); dup != nil {
		t.Fatal("claimed task delivered twice")
	}

	// A released claim becomes deliverable again.
	j.Release(key)
	again, _, err := j.NextDue(time.Now())
	if err != nil || again == nil {
		t.Fatalf("NextDue after release = (%v, %v)", again, err)
	}
	if again.ID != first.ID {
		t.Errorf("released task = %s, want %s", again.ID, first.ID)
	}
}

func TestJournalRequeue(t *testing.T) {
	j := openJournal(t)
	enqueue(t, j, "retry", tasks.PriorityHigh)
	now := time.Now()

	task, key, err := j.NextDue(now)
	if err != nil || task == nil {
		t.Fatalf("NextDue = (%v, %v)", task, err)
	}
	task.Attempt = 1
	if err := j.Requeue(task, key, now.Add(30*time.Second)); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	if got, _, _ := j.NextDue(now); got != nil {
		t.Fatal("requeued task due immediately")
	}
	got, _, err := j.NextDue(now.Add(time.Minute))
	if err != nil || got == nil {
		t.Fatalf("NextDue after delay = (%v, %v)", got, err)
	}
	if got.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", got.Attempt)
	}
}

func TestJournalSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	j, err := tasks.OpenJournal(dir, testMetrics)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	task, _ := tasks.New("durable", tasks.PriorityCritical, map[string]string{"plan_id": "RBL-1234ABCD"})
	if err := j.Enqueue(task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := tasks.OpenJournal(dir, testMetrics)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, _, err := reopened.NextDue(time.Now())
	if err != nil || got == nil {
		t.Fatalf("NextDue after reopen = (%v, %v)", got, err)
	}
	if got.ID != task.ID {
		t.Errorf("task = %s, want %s", got.ID, task.ID)
	}
	var payload map[string]string
	if err := got.Bind(&payload); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if payload["plan_id"] != "RBL-1234ABCD" {
		t.Errorf("payload = %v", payload)
	}
}

func TestJournalDepth(t *testing.T) {
	j := openJournal(t)
	enqueue(t, j, "a", tasks.PriorityCritical)
	enqueue(t, j, "b", tasks.PriorityNormal)
	enqueue(t, j, "c", tasks.PriorityNormal)

	depth, err := j.Depth()
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth[tasks.PriorityCritical] != 1 || depth[tasks.PriorityNormal] != 2 || depth[tasks.PriorityLow] != 0 {
		t.Errorf("Depth = %v", depth)
	}
}
