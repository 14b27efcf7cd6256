package tasks

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble/v2"

	"PaimonControl/internal/observability"
)

// Journal is the durable task queue. Keys order by (priority, run_at, seq)
// so an ascending scan yields the next due task: strict priority first,
// FIFO within a priority. Entries stay in pebble until completed, which is
// what makes delivery at-least-once across crashes; the claimed set only
// stops two live workers from picking the same entry.
type Journal struct {
	db      *pebble.DB
	metrics *observability.Metrics

	mu      sync.Mutex
	seq     uint64
	claimed map[string]struct{}
}

func OpenJournal(dir string, metrics *observability.Metrics) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening task journal: %w", err)
	}
	return &Journal{
		db:      db,
		metrics: metrics,
		// Seed past any sequence a previous process could have written.
		seq:     uint64(time.Now().UnixNano()),
		claimed: make(map[string]struct{}),
	}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Enqueue journals a task. Safe from any goroutine.
func (j *Journal) Enqueue(t *Task) error {
	value, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", t.Type, err)
	}

	j.mu.Lock()
	j.seq++
	seq := j.seq
	j.mu.Unlock()

	if err := j.db.Set(encodeKey(t.Priority, t.RunAt, seq), value, pebble.Sync); err != nil {
		return fmt.Errorf("journaling task %s: %w", t.Type, err)
	}
	j.metrics.TasksEnqueued.WithLabelValues(t.Type, t.Priority.String()).Inc()
	return nil
}

// NextDue claims and returns the highest-priority task due at now, or
// (nil, nil, nil) when nothing is due. The returned key must be passed back
// to Complete, Requeue or Release.
func (j *Journal) NextDue(now time.Time) (*Task, []byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for p := PriorityCritical; p <= PriorityLow; p++ {
		for {
			t, key, droppedPoison, err := j.scanLocked(p, now)
			if err != nil {
				return nil, nil, err
			}
			if droppedPoison {
				continue
			}
			if t != nil {
				j.claimed[string(key)] = struct{}{}
				return t, key, nil
			}
			break
		}
	}
	return nil, nil, nil
}

// scanLocked finds the first unclaimed due entry for one priority. An
// undecodable entry is deleted so it cannot wedge the queue; the caller
// rescans after a drop.
func (j *Journal) scanLocked(p Priority, now time.Time) (*Task, []byte, bool, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{byte(p)},
		UpperBound: encodeKey(p, now.Add(time.Nanosecond), 0),
	})
	if err != nil {
		return nil, nil, false, fmt.Errorf("creating journal iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if _, busy := j.claimed[string(iter.Key())]; busy {
			continue
		}
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, nil, false, fmt.Errorf("reading journal entry: %w", err)
		}

		var t Task
		if err := json.Unmarshal(value, &t); err != nil {
			key := append([]byte(nil), iter.Key()...)
			if derr := j.db.Delete(key, pebble.Sync); derr != nil {
				return nil, nil, false, fmt.Errorf("dropping poisoned journal entry: %w", derr)
			}
			return nil, nil, true, nil
		}

		key := append([]byte(nil), iter.Key()...)
		return &t, key, false, nil
	}
	return nil, nil, false, nil
}

// Complete removes a finished task from the journal.
func (j *Journal) Complete(key []byte) error {
	j.mu.Lock()
	delete(j.claimed, string(key))
	j.mu.Unlock()

	if err := j.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("completing task: %w", err)
	}
	return nil
}

// Requeue atomically replaces a claimed entry with a later-due copy.
func (j *Journal) Requeue(t *Task, oldKey []byte, runAt time.Time) error {
	t.RunAt = runAt
	value, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", t.Type, err)
	}

	j.mu.Lock()
	j.seq++
	seq := j.seq
	j.mu.Unlock()

	batch := j.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(oldKey, nil); err != nil {
		return fmt.Errorf("requeueing task %s: %w", t.Type, err)
	}
	if err := batch.Set(encodeKey(t.Priority, runAt, seq), value, nil); err != nil {
		return fmt.Errorf("requeueing task %s: %w", t.Type, err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("requeueing task %s: %w", t.Type, err)
	}

	j.mu.Lock()
	delete(j.claimed, string(oldKey))
	j.mu.Unlock()
	return nil
}

// Release drops the claim without removing the entry, e.g. on shutdown
// mid-task, so another worker can pick it up.
func (j *Journal) Release(key []byte) {
	j.mu.Lock()
	delete(j.claimed, string(key))
	j.mu.Unlock()
}

// Depth counts pending entries per priority, including deferred ones.
func (j *Journal) Depth() (map[Priority]int, error) {
	depth := make(map[Priority]int, 4)
	for p := PriorityCritical; p <= PriorityLow; p++ {
		iter, err := j.db.NewIter(&pebble.IterOptions{
			LowerBound: []byte{byte(p)},
			UpperBound: []byte{byte(p) + 1},
		})
		if err != nil {
			return nil, fmt.Errorf("creating journal iterator: %w", err)
		}
		n := 0
		for iter.First(); iter.Valid(); iter.Next() {
			n++
		}
		iter.Close()
		depth[p] = n
	}
	return depth, nil
}

// encodeKey lays out priority byte, big-endian run-at nanos, big-endian
// sequence. Big-endian keeps byte order equal to numeric order.
func encodeKey(p Priority, runAt time.Time, seq uint64) []byte {
	key := make([]byte, 0, 17)
	key = append(key, byte(p))
	nanos := runAt.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	key = binary.BigEndian.AppendUint64(key, uint64(nanos))
	key = binary.BigEndian.AppendUint64(key, seq)
	return key
}
