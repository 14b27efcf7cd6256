package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is one stored command outcome, replayed verbatim when the same
// requester retries the same Idempotency-Key.
type Record struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

type IdempotencyStore interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	Put(ctx context.Context, key string, rec Record) error
}

const idemKeyPrefix = "paimon:idem:"

// RedisIdempotency keeps command outcomes in Redis with a retention TTL.
// Lookup failures degrade to re-execution; every command handler is
// backed by a CAS transition, so a rare double run is refused downstream.
type RedisIdempotency struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisIdempotency(rdb *redis.Client, ttl time.Duration) *RedisIdempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotency{rdb: rdb, ttl: ttl}
}

func (s *RedisIdempotency) Get(ctx context.Context, key string) (Record, bool, error) {
	raw, err := s.rdb.Get(ctx, idemKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *RedisIdempotency) Put(ctx context.Context, key string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, idemKeyPrefix+key, raw, s.ttl).Err()
}
