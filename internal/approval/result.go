package approval

import (
	"context"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"PaimonControl/internal/chain"
	"PaimonControl/internal/fault"
	"PaimonControl/internal/projection"
	"PaimonControl/internal/state"
	"PaimonControl/internal/tasks"
)

type resultPayload struct {
	TicketID       string `json:"ticket_id"`
	Reason         string `json:"reason,omitempty"`
	SettlementUnix int64  `json:"settlement_unix,omitempty"`
}

// Outcome is the terminal decision handed to a reference executor.
type Outcome struct {
	Approved   bool
	Reason     string
	Settlement time.Time // zero = contract default settlement date
}

// ReferenceExecutor commits one reference type's terminal outcomes.
// Implementations must tolerate replays: the result task is delivered
// at least once.
type ReferenceExecutor interface {
	Execute(ctx context.Context, t *state.ApprovalTicket, o Outcome) error
}

// ResultProcessor routes terminal tickets to the executor registered for
// their reference type. Executors register at wiring time, which keeps
// this package ignorant of the engines it feeds back into.
type ResultProcessor struct {
	tickets   *TicketStore
	executors map[state.ReferenceType]ReferenceExecutor
	log       zerolog.Logger
}

func NewResultProcessor(tickets *TicketStore, log zerolog.Logger) *ResultProcessor {
	return &ResultProcessor{
		tickets:   tickets,
		executors: make(map[state.ReferenceType]ReferenceExecutor),
		log:       log.With().Str("component", "approval-results").Logger(),
	}
}

// RegisterExecutor binds an executor to a reference type. Call before
// the task runner starts.
func (p *ResultProcessor) RegisterExecutor(ref state.ReferenceType, exec ReferenceExecutor) {
	if _, dup := p.executors[ref]; dup {
		p.log.Warn().Str("reference", string(ref)).Msg("executor registered twice, replacing")
	}
	p.executors[ref] = exec
}

// Apply executes the outcome of one terminal ticket. Cancelled tickets
// have nothing to commit; open tickets are a caller bug.
func (p *ResultProcessor) Apply(ctx context.Context, ticketID, reason string, settlement time.Time) error {
	const op = "approval.ApplyResult"

	t, err := p.tickets.Get(ctx, ticketID)
	if err != nil {
		return err
	}
	if t == nil {
		return fault.Newf(fault.KindValidation, op, "ticket %s not found", ticketID)
	}
	switch t.Status {
	case state.TicketStatusApproved, state.TicketStatusRejected, state.TicketStatusExpired:
	case state.TicketStatusCancelled:
		return nil
	default:
		return fault.Newf(fault.KindValidation, op, "ticket %s is not terminal", t.ID)
	}

	exec, ok := p.executors[t.ReferenceType]
	if !ok {
		return fault.Newf(fault.KindUnsupportedReference, op, "no executor for reference type %s", t.ReferenceType)
	}

	o := Outcome{
		Approved:   t.Status == state.TicketStatusApproved,
		Reason:     reason,
		Settlement: settlement,
	}
	if !o.Approved && o.Reason == "" {
		if t.Status == state.TicketStatusExpired {
			o.Reason = "approval deadline exceeded"
		} else {
			o.Reason = "rejected"
		}
	}
	return exec.Execute(ctx, t, o)
}

// HandleResult is the journal-task entry point.
func (p *ResultProcessor) HandleResult(ctx context.Context, t *tasks.Task) error {
	var pl resultPayload
	if err := t.Bind(&pl); err != nil {
		return err
	}
	var settle time.Time
	if pl.SettlementUnix > 0 {
		settle = time.Unix(pl.SettlementUnix, 0).UTC()
	}
	return p.Apply(ctx, pl.TicketID, pl.Reason, settle)
}

// TxSender is the slice of the chain gateway the redemption executor
// needs.
type TxSender interface {
	Send(ctx context.Context, contract common.Address, signer chain.SignerID, call chain.Call) (*types.Receipt, error)
}

// RedemptionExecutor commits redemption decisions on chain with the VIP
// approver signer. The request status is checked first and the vault
// rejects duplicate decisions, so replayed result tasks are harmless.
type RedemptionExecutor struct {
	sender      TxSender
	vault       common.Address
	redemptions *projection.RedemptionStore
	log         zerolog.Logger
}

func NewRedemptionExecutor(sender TxSender, vault common.Address, redemptions *projection.RedemptionStore, log zerolog.Logger) *RedemptionExecutor {
	return &RedemptionExecutor{
		sender:      sender,
		vault:       vault,
		redemptions: redemptions,
		log:         log.With().Str("component", "redemption-executor").Logger(),
	}
}

func (x *RedemptionExecutor) Execute(ctx context.Context, t *state.ApprovalTicket, o Outcome) error {
	const op = "approval.RedemptionExecutor"

	requestID, err := strconv.ParseUint(t.ReferenceID, 10, 64)
	if err != nil {
		return fault.Newf(fault.KindValidation, op, "bad redemption reference %q", t.ReferenceID)
	}
	req, err := x.redemptions.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return fault.Newf(fault.KindValidation, op, "redemption request %d not found", requestID)
	}
	if req.Status != state.RedemptionStatusPendingApproval {
		x.log.Info().
			Uint64("request", requestID).
			Str("status", req.Status.String()).
			Msg("redemption already past approval, nothing to send")
		return nil
	}

	id := new(big.Int).SetUint64(requestID)
	var call chain.Call
	switch {
	case o.Approved && !o.Settlement.IsZero():
		call = chain.ApproveRedemptionWithDate(id, o.Settlement, req.GrossAmount)
	case o.Approved:
		call = chain.ApproveRedemption(id, req.GrossAmount)
	default:
		call = chain.RejectRedemption(id, o.Reason)
	}

	receipt, err := x.sender.Send(ctx, x.vault, chain.SignerVip, call)
	if err != nil {
		return err
	}
	x.log.Info().
		Uint64("request", requestID).
		Bool("approved", o.Approved).
		Str("tx", receipt.TxHash.Hex()).
		Msg("redemption decision committed on chain")
	return nil
}
