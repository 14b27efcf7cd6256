package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"PaimonControl/internal/event"
	"PaimonControl/internal/fault"
	"PaimonControl/internal/observability"
)

const (
	laneBuffer    = 256
	laneRetryBase = time.Second
	laneRetryCeil = 30 * time.Second
)

// Dispatcher fans confirmed events out to one serial lane per contract.
// Within a lane events run strictly in submission order; lanes for
// different contracts run concurrently. A full lane blocks Submit, which
// backpressures the ingestor and, through it, the checkpoint.
type Dispatcher struct {
	handlers *Handlers
	order    *OrderValidator
	metrics  *observability.Metrics
	log      zerolog.Logger

	onHandled func(*event.Envelope)

	mu      sync.Mutex
	ctx     context.Context
	running bool
	lanes   map[common.Address]*lane
	wg      sync.WaitGroup

	inflight atomic.Int64
}

type lane struct {
	contract common.Address
	ch       chan *event.Envelope
}

func NewDispatcher(handlers *Handlers, order *OrderValidator, metrics *observability.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: handlers,
		order:    order,
		metrics:  metrics,
		log:      log.With().Str("component", "dispatcher").Logger(),
		lanes:    make(map[common.Address]*lane),
	}
}

// SetOnHandled registers a callback invoked after each event reaches its
// final outcome (applied, deduped, or skipped), in lane order. The wiring
// uses it to mark dedup keys once an event is durably handled. Must be
// called before Run.
func (d *Dispatcher) SetOnHandled(fn func(*event.Envelope)) {
	d.onHandled = fn
}

// Inflight reports events submitted but not yet finished. The ingestor
// checks it before advancing the checkpoint over an empty block range.
func (d *Dispatcher) Inflight() int {
	return int(d.inflight.Load())
}

// Run keeps lanes alive until ctx is cancelled, then waits for the lane
// goroutines to exit. Buffered events that have not started are dropped;
// the checkpoint has not advanced past them, so a restart re-ingests them.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	d.ctx = ctx
	d.running = true
	d.mu.Unlock()

	<-ctx.Done()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.wg.Wait()
	return ctx.Err()
}

// Submit queues one envelope on its contract lane, blocking while the
// lane is full. Safe for concurrent use, but events for one contract
// must be submitted in chain order.
func (d *Dispatcher) Submit(ctx context.Context, env *event.Envelope) error {
	ln, err := d.getLane(env.Contract)
	if err != nil {
		return err
	}

	d.inflight.Add(1)
	select {
	case ln.ch <- env:
		d.metrics.LaneDepth.WithLabelValues(env.Contract.Hex()).Inc()
		return nil
	case <-ctx.Done():
		d.inflight.Add(-1)
		return ctx.Err()
	}
}

func (d *Dispatcher) getLane(contract common.Address) (*lane, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil, errors.New("dispatcher is not running")
	}
	if ln, ok := d.lanes[contract]; ok {
		return ln, nil
	}
	ln := &lane{contract: contract, ch: make(chan *event.Envelope, laneBuffer)}
	d.lanes[contract] = ln
	d.wg.Add(1)
	go d.runLane(d.ctx, ln)
	return ln, nil
}

func (d *Dispatcher) runLane(ctx context.Context, ln *lane) {
	defer d.wg.Done()
	depth := d.metrics.LaneDepth.WithLabelValues(ln.contract.Hex())
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-ln.ch:
			d.handleOne(ctx, env)
			depth.Dec()
			if d.onHandled != nil {
				d.onHandled(env)
			}
			d.inflight.Add(-1)
		}
	}
}

// handleOne drives a single envelope to a final outcome. Classified
// faults are final: duplicates are silent, the rest are logged and
// skipped. Unclassified errors mean infrastructure trouble (database
// down, commit timeout) and are retried forever with capped backoff;
// the stalled lane is the backpressure signal.
func (d *Dispatcher) handleOne(ctx context.Context, env *event.Envelope) {
	if err := d.order.Validate(env.Contract, env.BlockNumber, env.LogIndex); err != nil {
		d.metrics.EventsFailed.WithLabelValues(env.Type.String(), fault.Code(err)).Inc()
		d.log.Warn().Err(err).
			Str("event", env.Type.String()).
			Str("key", env.Key()).
			Msg("event rejected by order validator")
		return
	}

	backoff := laneRetryBase
	for {
		err := d.handlers.Handle(ctx, env)
		if err == nil {
			return
		}

		kind := fault.KindOf(err)
		switch {
		case kind == fault.KindDedupHit:
			d.metrics.DedupHits.WithLabelValues("postgres").Inc()
			d.log.Debug().Str("key", env.Key()).Msg("duplicate event, already processed")
			return
		case kind != fault.KindUnknown && !fault.Retryable(err):
			d.metrics.EventsFailed.WithLabelValues(env.Type.String(), fault.Code(err)).Inc()
			d.log.Error().Err(err).
				Str("event", env.Type.String()).
				Str("key", env.Key()).
				Msg("event skipped, resync to reapply")
			return
		}

		d.metrics.EventsFailed.WithLabelValues(env.Type.String(), fault.Code(err)).Inc()
		d.log.Warn().Err(err).
			Str("event", env.Type.String()).
			Str("key", env.Key()).
			Dur("backoff", backoff).
			Msg("event handling failed, retrying")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > laneRetryCeil {
			backoff = laneRetryCeil
		}
	}
}
