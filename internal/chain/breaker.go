// Package chain is the single gateway to the blockchain: a breaker-guarded
// RPC client, a keyring enforcing signer spend policy, a sender that
// serializes signed transactions per (contract, signer) lane, and calldata
// builders for every vault method the control plane invokes.
package chain

import (
	"sync"
	"time"

	"PaimonControl/internal/fault"
)

type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

const (
	breakerWindow      = 100
	breakerTripPercent = 20
	breakerMinSamples  = 20
	breakerCooldown    = 30 * time.Second
)

// Breaker tracks the outcome of the last breakerWindow calls against one
// endpoint. When failures exceed breakerTripPercent of the window it opens
// for breakerCooldown, then admits a single half-open probe whose outcome
// decides between closing and reopening.
type Breaker struct {
	mu       sync.Mutex
	name     string
	window   []bool // true = failure
	head     int
	size     int
	failures int

	state     BreakerState
	openUntil time.Time
	probing   bool

	now      func() time.Time
	onChange func(BreakerState)
}

func NewBreaker(name string) *Breaker {
	return &Breaker{
		name:   name,
		window: make([]bool, breakerWindow),
		now:    time.Now,
	}
}

// OnStateChange registers a hook invoked under the breaker lock on every
// state transition. Keep it cheap; it exists to drive the state gauge.
func (b *Breaker) OnStateChange(fn func(BreakerState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Allow reports whether a call may proceed. While open it fails fast; the
// first Allow after the cooldown becomes the half-open probe and any further
// callers are rejected until that probe is recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Before(b.openUntil) {
			return fault.Newf(fault.KindTransientRpc, "chain.breaker", "circuit %s open", b.name)
		}
		b.transition(BreakerHalfOpen)
		b.probing = true
		return nil
	default: // half-open
		if b.probing {
			return fault.Newf(fault.KindTransientRpc, "chain.breaker", "circuit %s half-open, probe in flight", b.name)
		}
		b.probing = true
		return nil
	}
}

// Record feeds one call outcome back. In half-open state the probe outcome
// decides the next state; in closed state the outcome enters the window and
// may trip the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.probing = false
		if success {
			b.reset()
			b.transition(BreakerClosed)
		} else {
			b.openUntil = b.now().Add(breakerCooldown)
			b.transition(BreakerOpen)
		}
	case BreakerOpen:
		// Stragglers from before the trip; the window restarts on close.
	default:
		b.push(!success)
		if b.size >= breakerMinSamples && b.failures*100 > b.size*breakerTripPercent {
			b.openUntil = b.now().Add(breakerCooldown)
			b.transition(BreakerOpen)
		}
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) push(failed bool) {
	if b.size == len(b.window) {
		if b.window[b.head] {
			b.failures--
		}
	} else {
		b.size++
	}
	b.window[b.head] = failed
	b.head = (b.head + 1) % len(b.window)
	if failed {
		b.failures++
	}
}

func (b *Breaker) reset() {
	b.head = 0
	b.size = 0
	b.failures = 0
}

func (b *Breaker) transition(to BreakerState) {
	b.state = to
	if b.onChange != nil {
		b.onChange(to)
	}
}
