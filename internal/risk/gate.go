package risk

import "sync"

// Gate controls whether standard redemptions may be auto-approved. The
// engine closes it at HIGH or worse and reopens it once the fund calms;
// on-chain requests keep projecting either way, only the off-chain
// acceptance pauses.
type Gate struct {
	mu        sync.Mutex
	accepting bool
	reason    string
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{accepting: true}
}

// AcceptingStandard reports whether standard redemptions are being
// accepted.
func (g *Gate) AcceptingStandard() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accepting
}

// Suspend closes the gate, reporting whether this call closed it.
func (g *Gate) Suspend(reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.accepting {
		return false
	}
	g.accepting = false
	g.reason = reason
	return true
}

// Resume reopens the gate, reporting whether this call opened it.
func (g *Gate) Resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.accepting {
		return false
	}
	g.accepting = true
	g.reason = ""
	return true
}

// Reason returns why the gate is closed, empty when open.
func (g *Gate) Reason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}
