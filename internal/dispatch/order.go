package dispatch

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"PaimonControl/internal/fault"
	"PaimonControl/internal/observability"
)

// chainPos orders events within one contract. Log indexes are unique per
// block, so (block, logIndex) is a strict total order.
type chainPos struct {
	block    uint64
	logIndex uint
}

func (p chainPos) after(o chainPos) bool {
	if p.block != o.block {
		return p.block > o.block
	}
	return p.logIndex > o.logIndex
}

// OrderValidator enforces monotonic (block, logIndex) delivery per
// contract. Chain logs are sparse, so gaps are normal; only regressions
// are rejected. Lanes consult it before handling, which makes it the
// last line of defense against duplicates that slipped past the dedup
// tiers after an LRU eviction.
type OrderValidator struct {
	mu      sync.Mutex
	last    map[common.Address]chainPos
	metrics *observability.Metrics
}

func NewOrderValidator(metrics *observability.Metrics) *OrderValidator {
	return &OrderValidator{
		last:    make(map[common.Address]chainPos),
		metrics: metrics,
	}
}

// Validate admits the position if it advances the contract's watermark.
func (v *OrderValidator) Validate(contract common.Address, block uint64, logIndex uint) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	pos := chainPos{block: block, logIndex: logIndex}
	if prev, ok := v.last[contract]; ok && !pos.after(prev) {
		v.metrics.OutOfOrderEvents.WithLabelValues(contract.Hex()).Inc()
		return fault.Newf(fault.KindValidation, "dispatch.order",
			"event at (%d,%d) does not advance contract %s past (%d,%d)",
			block, logIndex, contract.Hex(), prev.block, prev.logIndex)
	}
	v.last[contract] = pos
	return nil
}

// Restore seeds the watermark from a persisted checkpoint so replays
// below it are rejected instead of re-entering handlers whose dedup rows
// may already be pruned.
func (v *OrderValidator) Restore(contract common.Address, block uint64, logIndex uint) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.last[contract] = chainPos{block: block, logIndex: logIndex}
}

// Rewind clears the watermark ahead of an operator-requested resync.
func (v *OrderValidator) Rewind(contract common.Address) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.last, contract)
}

// Watermark returns the last admitted position for a contract.
func (v *OrderValidator) Watermark(contract common.Address) (uint64, uint, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pos, ok := v.last[contract]
	return pos.block, pos.logIndex, ok
}
