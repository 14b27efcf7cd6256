package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const resultKeyPrefix = "paimon:taskresult:"

const (
	ResultCompleted = "COMPLETED"
	ResultFailed    = "FAILED"
)

type Result struct {
	TaskID     string    `json:"task_id"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
	DurationMs int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// ResultStore keeps task outcomes in Redis for a day so operators and the
// command API can answer "what happened to task X". Results are telemetry:
// a write failure is logged, never propagated.
type ResultStore struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

func NewResultStore(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *ResultStore {
	return &ResultStore{rdb: rdb, ttl: ttl, log: log}
}

func (s *ResultStore) Put(ctx context.Context, r *Result) {
	if s.rdb == nil {
		return
	}
	raw, err := json.Marshal(r)
	if err != nil {
		s.log.Warn().Err(err).Str("task_id", r.TaskID).Msg("encoding task result failed")
		return
	}
	if err := s.rdb.Set(ctx, resultKeyPrefix+r.TaskID, raw, s.ttl).Err(); err != nil {
		s.log.Warn().Err(err).Str("task_id", r.TaskID).Msg("storing task result failed")
	}
}

// Get returns the stored result, or nil if unknown or expired.
func (s *ResultStore) Get(ctx context.Context, taskID string) (*Result, error) {
	if s.rdb == nil {
		return nil, nil
	}
	raw, err := s.rdb.Get(ctx, resultKeyPrefix+taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading task result %s: %w", taskID, err)
	}
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decoding task result %s: %w", taskID, err)
	}
	return &r, nil
}
