package ingest

import (
	"context"
	"math/big"
	"math/rand"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"PaimonControl/internal/alert"
	"PaimonControl/internal/checkpoint"
	"PaimonControl/internal/event"
	"PaimonControl/internal/fault"
	"PaimonControl/internal/observability"
)

// chainReader is the slice of the RPC client the poller needs.
type chainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

type checkpointStore interface {
	Load(ctx context.Context, contract common.Address) (*checkpoint.Checkpoint, error)
	Save(ctx context.Context, contract common.Address, block uint64, blockHash common.Hash) error
	Rewind(ctx context.Context, contract common.Address, block uint64) error
}

// deduper is the read side of the duplicate filter. Seen is a
// best-effort fast path; the authoritative claim is the
// event_processed insert inside the handler transaction. Keys are
// marked only after that commit, through the dispatcher's completion
// hook, never before Submit has succeeded.
type deduper interface {
	Seen(ctx context.Context, key string) bool
}

// sink is the dispatcher. Inflight gates checkpoint flushes: the
// checkpoint only advances once every submitted event has cleared its
// lane, so a crash never skips past unhandled work.
type sink interface {
	Submit(ctx context.Context, env *event.Envelope) error
	Inflight() int
}

type orderBook interface {
	Restore(contract common.Address, block uint64, logIndex uint)
	Rewind(contract common.Address)
}

type Config struct {
	Contracts     []common.Address
	GenesisBlock  uint64
	Confirmations uint64

	PollInterval   time.Duration
	BlockBatchSize uint64
	FlushEvents    int
	FlushInterval  time.Duration
	GetLogsRetries int

	Chain       chainReader
	Checkpoints checkpointStore
	Dedup       deduper
	Sink        sink
	Order       orderBook
	Lease       *checkpoint.Lease
	Alerts      alert.Publisher
	Metrics     *observability.Metrics
	Log         zerolog.Logger
}

// cursor is the in-memory scan state for one contract. lastHash is the
// block hash at next-1; the poller re-reads that header before every
// advance and halts the cursor on a mismatch.
type cursor struct {
	contract common.Address
	next     uint64
	lastHash common.Hash

	pending   int
	dirty     bool
	lastFlush time.Time
	halted    bool
}

type resyncReq struct {
	contract common.Address
	from     uint64
	done     chan error
}

// Ingestor polls confirmed logs for the configured contracts and feeds
// them through dedup into the dispatcher. It runs as a singleton under
// the ingestor lease; the WS subscriber only wakes it early.
type Ingestor struct {
	cfg     Config
	cursors []*cursor

	wake   chan struct{}
	resync chan resyncReq

	alerts  alert.Publisher
	metrics *observability.Metrics
	log     zerolog.Logger
}

func New(cfg Config) *Ingestor {
	if cfg.Alerts == nil {
		cfg.Alerts = alert.Nop{}
	}
	return &Ingestor{
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
		resync:  make(chan resyncReq),
		alerts:  cfg.Alerts,
		metrics: cfg.Metrics,
		log:     cfg.Log.With().Str("component", "ingest").Logger(),
	}
}

// Wake nudges the poll loop without waiting for the next tick. Safe to
// call from any goroutine; extra nudges coalesce.
func (in *Ingestor) Wake() {
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

// Run blocks until the lease is acquired, then polls until the context
// is cancelled or the lease is lost. A replacement instance resumes from
// the persisted checkpoints.
func (in *Ingestor) Run(ctx context.Context) error {
	if err := in.cfg.Lease.AcquireBlocking(ctx, in.cfg.PollInterval); err != nil {
		return err
	}
	in.log.Info().Str("holder", in.cfg.Lease.Holder()).Msg("ingestor lease acquired")

	if err := in.load(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return in.cfg.Lease.Keep(ctx) })
	g.Go(func() error { return in.loop(ctx) })
	return g.Wait()
}

func (in *Ingestor) load(ctx context.Context) error {
	in.cursors = in.cursors[:0]
	for _, contract := range in.cfg.Contracts {
		cp, err := in.cfg.Checkpoints.Load(ctx, contract)
		if err != nil {
			return err
		}
		cur := &cursor{contract: contract, next: in.cfg.GenesisBlock, lastFlush: time.Now()}
		if cp != nil {
			cur.next = cp.LastConfirmedBlock + 1
			cur.lastHash = cp.LastBlockHash
			in.cfg.Order.Restore(contract, cp.LastConfirmedBlock, ^uint(0))
		}
		in.cursors = append(in.cursors, cur)
		in.log.Info().
			Str("contract", contract.Hex()).
			Uint64("from_block", cur.next).
			Msg("ingestion cursor loaded")
	}
	return nil
}

func (in *Ingestor) loop(ctx context.Context) error {
	ticker := time.NewTicker(in.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-in.resync:
			req.done <- in.applyResync(ctx, req)
		case <-ticker.C:
			in.tick(ctx)
		case <-in.wake:
			in.tick(ctx)
		}
	}
}

func (in *Ingestor) tick(ctx context.Context) {
	timer := prometheus.NewTimer(in.metrics.PollBatchDuration)
	defer timer.ObserveDuration()

	head, err := in.cfg.Chain.BlockNumber(ctx)
	if err != nil {
		in.log.Warn().Err(err).Msg("head lookup failed, skipping poll")
		return
	}
	safe := safeHead(head, in.cfg.Confirmations)

	for _, cur := range in.cursors {
		in.advance(ctx, cur, safe)
		if cur.dirty && flushDue(cur.pending, in.cfg.FlushEvents, cur.lastFlush, in.cfg.FlushInterval, time.Now()) {
			in.flush(ctx, cur)
		}
		if cur.next > 0 && head >= cur.next-1 {
			in.metrics.CheckpointLag.Set(float64(head - (cur.next - 1)))
		}
	}
}

// advance scans at most one batch window of confirmed blocks for the
// cursor. It never moves past a failed RPC call, so every block is either
// fully scanned or retried on the next tick.
func (in *Ingestor) advance(ctx context.Context, cur *cursor, safe uint64) {
	if cur.halted {
		return
	}
	to, ok := pollWindow(cur.next, safe, in.cfg.BlockBatchSize)
	if !ok {
		return
	}

	// Reorg probe: the block under the checkpoint must still carry the
	// hash we recorded. Cleared after a resync, which skips the probe.
	if cur.lastHash != (common.Hash{}) {
		hdr, err := in.cfg.Chain.HeaderByNumber(ctx, new(big.Int).SetUint64(cur.next-1))
		if err != nil {
			in.log.Warn().Err(err).Msg("reorg probe header fetch failed")
			return
		}
		if hdr.Hash() != cur.lastHash {
			in.haltOnReorg(ctx, cur, hdr.Hash())
			return
		}
	}

	logs, err := in.getLogs(ctx, cur.contract, cur.next, to)
	if err != nil {
		in.log.Error().Err(err).
			Str("contract", cur.contract.Hex()).
			Uint64("from", cur.next).Uint64("to", to).
			Msg("get_logs exhausted retries, pausing advancement")
		in.alerts.Publish(ctx, alert.Alert{
			Severity: alert.SeverityCritical,
			Kind:     "ingest.getlogs",
			Title:    "log polling failing, ingestion paused",
			Fields: map[string]string{
				"contract": cur.contract.Hex(),
				"from":     formatUint(cur.next),
				"error":    err.Error(),
			},
			At:       time.Now().UTC(),
			DedupKey: cur.contract.Hex(),
		})
		return
	}

	blockTimes := make(map[uint64]time.Time)
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		env, err := event.DecodeLog(lg)
		if err != nil {
			reason := "decode_error"
			if fault.Is(err, fault.KindUnknownEvent) {
				reason = "unknown_event"
			}
			in.metrics.EventsSkipped.WithLabelValues(reason).Inc()
			in.log.Debug().Err(err).
				Str("tx", lg.TxHash.Hex()).Uint("log_index", lg.Index).
				Msg("log skipped")
			continue
		}

		bt, err := in.blockTime(ctx, blockTimes, lg.BlockNumber)
		if err != nil {
			in.log.Warn().Err(err).Uint64("block", lg.BlockNumber).
				Msg("block header fetch failed, window retried next tick")
			return
		}
		env.BlockTime = bt

		key := env.Key()
		if in.cfg.Dedup.Seen(ctx, key) {
			continue
		}
		if err := in.cfg.Sink.Submit(ctx, env); err != nil {
			in.log.Warn().Err(err).Str("key", key).Msg("dispatch submit failed")
			return
		}
		cur.pending++
		in.metrics.EventsIngested.
			WithLabelValues(env.Type.String(), event.PriorityFor(env.Type).String()).
			Inc()
	}

	cur.next = to + 1
	cur.dirty = true
}

func (in *Ingestor) getLogs(ctx context.Context, contract common.Address, from, to uint64) ([]types.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{contract},
	}

	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= in.cfg.GetLogsRetries; attempt++ {
		if attempt > 0 {
			jittered := backoff/2 + time.Duration(rand.Int63n(int64(backoff)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jittered):
			}
			if backoff *= 2; backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
		}
		logs, err := in.cfg.Chain.FilterLogs(ctx, q)
		if err == nil {
			return logs, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (in *Ingestor) blockTime(ctx context.Context, cache map[uint64]time.Time, block uint64) (time.Time, error) {
	if t, ok := cache[block]; ok {
		return t, nil
	}
	hdr, err := in.cfg.Chain.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return time.Time{}, err
	}
	t := time.Unix(int64(hdr.Time), 0).UTC()
	cache[block] = t
	return t, nil
}

// flush persists the checkpoint once the dispatcher has drained. The
// stored hash is re-read at that block so the next probe compares against
// what we actually advanced over.
func (in *Ingestor) flush(ctx context.Context, cur *cursor) {
	if in.cfg.Sink.Inflight() > 0 {
		return
	}
	block := cur.next - 1
	hdr, err := in.cfg.Chain.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		in.log.Warn().Err(err).Uint64("block", block).Msg("checkpoint header fetch failed")
		return
	}
	if err := in.cfg.Checkpoints.Save(ctx, cur.contract, block, hdr.Hash()); err != nil {
		in.log.Error().Err(err).Msg("checkpoint save failed")
		return
	}

	cur.lastHash = hdr.Hash()
	cur.pending = 0
	cur.dirty = false
	cur.lastFlush = time.Now()

	in.metrics.CheckpointFlushes.Inc()
	in.metrics.CheckpointBlock.WithLabelValues(cur.contract.Hex()).Set(float64(block))
}

// haltOnReorg stops the cursor permanently. There is no auto-heal: an
// operator inspects the fork and issues a resync from a block they trust.
func (in *Ingestor) haltOnReorg(ctx context.Context, cur *cursor, observed common.Hash) {
	cur.halted = true
	in.metrics.ReorgIncidents.Inc()

	err := fault.Newf(fault.KindReorgDetected, "ingest.probe",
		"block %d hash changed from %s to %s",
		cur.next-1, cur.lastHash.Hex(), observed.Hex())
	in.log.Error().Err(err).Str("contract", cur.contract.Hex()).Msg("reorg beneath checkpoint, ingestion halted")

	in.alerts.Publish(ctx, alert.Alert{
		Severity: alert.SeverityCritical,
		Kind:     "ingest.reorg",
		Title:    "chain reorg beneath confirmed checkpoint",
		Fields: map[string]string{
			"contract": cur.contract.Hex(),
			"block":    formatUint(cur.next - 1),
			"expected": cur.lastHash.Hex(),
			"observed": observed.Hex(),
		},
		At:       time.Now().UTC(),
		DedupKey: cur.contract.Hex(),
	})
}

// Resync rewinds one contract's checkpoint so the poller re-scans from
// the given block. Projection handlers are idempotent, so replayed events
// land as dedup hits. Blocks until the running loop applies the rewind.
func (in *Ingestor) Resync(ctx context.Context, contract common.Address, from uint64) error {
	if from == 0 {
		return fault.Newf(fault.KindValidation, "ingest.resync", "from block must be positive")
	}
	req := resyncReq{contract: contract, from: from, done: make(chan error, 1)}
	select {
	case in.resync <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *Ingestor) applyResync(ctx context.Context, req resyncReq) error {
	for _, cur := range in.cursors {
		if cur.contract != req.contract {
			continue
		}
		if err := in.cfg.Checkpoints.Rewind(ctx, req.contract, req.from-1); err != nil {
			return err
		}
		in.cfg.Order.Rewind(req.contract)
		cur.next = req.from
		cur.lastHash = common.Hash{}
		cur.pending = 0
		cur.dirty = false
		cur.halted = false
		in.log.Info().
			Str("contract", req.contract.Hex()).
			Uint64("from", req.from).
			Msg("checkpoint rewound for resync")
		return nil
	}
	return fault.Newf(fault.KindValidation, "ingest.resync",
		"contract %s is not ingested", req.contract.Hex())
}

// safeHead is the highest block old enough to treat as final.
func safeHead(head, confirmations uint64) uint64 {
	if head < confirmations {
		return 0
	}
	return head - confirmations
}

// pollWindow clamps the next scan range to the batch size and the
// confirmed head. ok is false when there is nothing confirmed to scan.
func pollWindow(next, safe, batch uint64) (to uint64, ok bool) {
	if safe == 0 || next > safe {
		return 0, false
	}
	to = safe
	if batch > 0 && next+batch-1 < safe {
		to = next + batch - 1
	}
	return to, true
}

// flushDue applies the size-or-age checkpoint policy.
func flushDue(pending, flushEvents int, lastFlush time.Time, flushInterval time.Duration, now time.Time) bool {
	if pending >= flushEvents {
		return true
	}
	return now.Sub(lastFlush) >= flushInterval
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
