// Package checkpoint tracks how far ingestion has progressed and which
// events have already been seen: a three-tier deduper keyed by
// (tx_hash, log_index), a per-contract confirmed-block checkpoint, and
// Postgres-backed leases for the singleton loops.
package checkpoint

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"PaimonControl/internal/observability"
)

const dedupKeyPrefix = "paimon:dedup:"

// DBChecker is the durable dedup tier, backed by the event_processed table
// the dispatcher writes inside each event transaction.
type DBChecker interface {
	IsProcessed(ctx context.Context, key string) (bool, error)
	RecentKeys(ctx context.Context, limit int) ([]string, error)
}

// Deduper answers "has this event been handled" across restarts. Lookups
// fall through memory, Redis and Postgres; hits backfill the faster tiers.
// A failing tier degrades to the next one rather than blocking ingestion,
// so a duplicate can slip through — the dispatcher's event_processed insert
// is the last line of defense.
type Deduper struct {
	mu  sync.Mutex
	lru *lruSet

	rdb     *redis.Client
	db      DBChecker
	ttl     time.Duration
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewDeduper(capacity int, rdb *redis.Client, db DBChecker, ttl time.Duration, metrics *observability.Metrics, log zerolog.Logger) *Deduper {
	return &Deduper{
		lru:     newLRUSet(capacity),
		rdb:     rdb,
		db:      db,
		ttl:     ttl,
		metrics: metrics,
		log:     log,
	}
}

// Seen reports whether the key was already marked. key is Envelope.Key():
// tx hash plus log index.
func (d *Deduper) Seen(ctx context.Context, key string) bool {
	d.mu.Lock()
	hit := d.lru.contains(key)
	d.mu.Unlock()
	if hit {
		d.metrics.DedupHits.WithLabelValues("memory").Inc()
		return true
	}

	if d.rdb != nil {
		n, err := d.rdb.Exists(ctx, dedupKeyPrefix+key).Result()
		if err != nil {
			d.log.Warn().Err(err).Msg("redis dedup lookup failed, falling through")
		} else if n > 0 {
			d.remember(key)
			d.metrics.DedupHits.WithLabelValues("redis").Inc()
			return true
		}
	}

	if d.db != nil {
		processed, err := d.db.IsProcessed(ctx, key)
		if err != nil {
			// Assume new rather than block ingestion; the dispatcher's
			// insert still catches the duplicate.
			d.log.Warn().Err(err).Msg("postgres dedup lookup failed, assuming new")
			return false
		}
		if processed {
			d.remember(key)
			d.backfillRedis(ctx, key)
			d.metrics.DedupHits.WithLabelValues("postgres").Inc()
			return true
		}
	}
	return false
}

// Mark records the key in the fast tiers. Called after the event is
// durably handled.
func (d *Deduper) Mark(ctx context.Context, key string) {
	d.remember(key)
	d.backfillRedis(ctx, key)
}

// Warm preloads recently processed keys so a restart does not pay a
// Postgres round trip per replayed log.
func (d *Deduper) Warm(ctx context.Context, limit int) {
	if d.db == nil {
		return
	}
	keys, err := d.db.RecentKeys(ctx, limit)
	if err != nil {
		d.log.Warn().Err(err).Msg("dedup warmup failed")
		return
	}

	d.mu.Lock()
	for _, k := range keys {
		d.lru.add(k)
	}
	size := d.lru.size()
	d.mu.Unlock()

	d.log.Info().Int("keys", len(keys)).Int("lru_size", size).Msg("dedup cache warmed")
}

// Size returns the in-memory tier's entry count.
func (d *Deduper) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lru.size()
}

func (d *Deduper) remember(key string) {
	d.mu.Lock()
	d.lru.add(key)
	d.mu.Unlock()
}

func (d *Deduper) backfillRedis(ctx context.Context, key string) {
	if d.rdb == nil {
		return
	}
	if err := d.rdb.Set(ctx, dedupKeyPrefix+key, "1", d.ttl).Err(); err != nil {
		d.log.Warn().Err(err).Msg("redis dedup write failed")
	}
}

// lruSet is a fixed-capacity recently-seen set. Callers hold the Deduper
// lock.
type lruSet struct {
	capacity int
	index    map[string]*list.Element
	order    *list.List
}

func newLRUSet(capacity int) *lruSet {
	return &lruSet{
		capacity: capacity,
		index:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (s *lruSet) contains(key string) bool {
	elem, ok := s.index[key]
	if ok {
		s.order.MoveToFront(elem)
	}
	return ok
}

func (s *lruSet) add(key string) {
	if elem, ok := s.index[key]; ok {
		s.order.MoveToFront(elem)
		return
	}
	s.index[key] = s.order.PushFront(key)
	if s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(string))
	}
}

func (s *lruSet) size() int {
	return s.order.Len()
}
