// Package fault defines the closed set of error kinds shared across the
// control plane. Components classify failures by Kind so that retry loops,
// the task runtime and the command API all agree on what is transient, what
// is terminal, and what must halt a worker.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota

	// Chain RPC
	KindTransientRpc
	KindRpcTimeout
	KindRpcRateLimited

	// Ingestion
	KindDedupHit
	KindReorgDetected
	KindDecodeError
	KindUnknownEvent

	// Approval / commands
	KindRuleNotMatched
	KindUnsupportedReference
	KindValidation

	// Rebalance
	KindSimulationReverted
	KindSlippageExceeded

	// Signed sends
	KindSendTimeout
	KindReceiptFailed
	KindNonceExhausted

	// Coordination
	KindLeaseLost
	KindDeadlineExceeded
)

func (k Kind) String() string {
	switch k {
	case KindTransientRpc:
		return "TransientRpcError"
	case KindRpcTimeout:
		return "RpcTimeout"
	case KindRpcRateLimited:
		return "RpcRateLimited"
	case KindDedupHit:
		return "DedupHit"
	case KindReorgDetected:
		return "ReorgDetected"
	case KindDecodeError:
		return "DecodeError"
	case KindUnknownEvent:
		return "UnknownEvent"
	case KindRuleNotMatched:
		return "RuleNotMatched"
	case KindUnsupportedReference:
		return "UnsupportedReference"
	case KindValidation:
		return "ValidationError"
	case KindSimulationReverted:
		return "SimulationReverted"
	case KindSlippageExceeded:
		return "SlippageExceeded"
	case KindSendTimeout:
		return "SendTimeout"
	case KindReceiptFailed:
		return "ReceiptFailed"
	case KindNonceExhausted:
		return "NonceExhausted"
	case KindLeaseLost:
		return "LeaseLost"
	case KindDeadlineExceeded:
		return "DeadlineExceeded"
	default:
		return "Unknown"
	}
}

// Error carries a kind, the failing operation and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a kind-only error for the given operation.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Newf creates a kind error with a formatted cause.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind and operation to an existing error. A nil err returns
// nil so call sites can wrap unconditionally.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from an error chain; KindUnknown if absent.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a failure of this kind may succeed on retry.
// Terminal kinds (validation, dedup, reorg, simulation outcomes) never
// retry; halting kinds stop the owning worker instead.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientRpc, KindRpcTimeout, KindRpcRateLimited,
		KindSendTimeout, KindReceiptFailed, KindNonceExhausted,
		KindDeadlineExceeded:
		return true
	default:
		return false
	}
}

// Halting reports kinds that must stop the owning worker until an operator
// intervenes.
func Halting(err error) bool {
	switch KindOf(err) {
	case KindReorgDetected, KindLeaseLost:
		return true
	default:
		return false
	}
}

// Code returns the stable machine-readable code surfaced to command callers.
func Code(err error) string {
	return KindOf(err).String()
}
