package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"PaimonControl/internal/fault"
	"PaimonControl/internal/observability"
)

const receiptPollInterval = 2 * time.Second

type laneKey struct {
	contract common.Address
	signer   SignerID
}

// lane serializes sends per (contract, signer) and caches the next nonce.
type lane struct {
	mu     sync.Mutex
	nonce  uint64
	primed bool
}

// Sender submits signed vault transactions and waits for the receipt to
// reach confirmation depth before reporting success. Sends sharing a
// (contract, signer) pair run strictly one at a time; independent pairs run
// concurrently.
type Sender struct {
	client        *Client
	keyring       *Keyring
	chainID       *big.Int
	confirmations uint64
	sendTimeout   time.Duration
	log           zerolog.Logger
	metrics       *observability.Metrics

	mu    sync.Mutex
	lanes map[laneKey]*lane
}

func NewSender(client *Client, keyring *Keyring, chainID int64, confirmations uint64, sendTimeout time.Duration, metrics *observability.Metrics, log zerolog.Logger) *Sender {
	return &Sender{
		client:        client,
		keyring:       keyring,
		chainID:       big.NewInt(chainID),
		confirmations: confirmations,
		sendTimeout:   sendTimeout,
		log:           log,
		metrics:       metrics,
		lanes:         make(map[laneKey]*lane),
	}
}

// Simulate dry-runs a call via eth_call from the signer's account. A revert
// comes back as a terminal error carrying the decoded reason.
func (s *Sender) Simulate(ctx context.Context, contract common.Address, signer SignerID, call Call) error {
	from, ok := s.keyring.Address(signer)
	if !ok {
		return fault.Newf(fault.KindValidation, "chain.Simulate", "no key configured for signer %s", signer)
	}

	msg := ethereum.CallMsg{From: from, To: &contract, Data: call.Data}
	if _, err := s.client.CallContract(ctx, msg, nil); err != nil {
		if fault.Is(err, fault.KindSimulationReverted) {
			return fault.Newf(fault.KindSimulationReverted, "chain.Simulate",
				"%s: %s", call.Method, RevertReason(err))
		}
		return err
	}
	return nil
}

// Send signs, submits and confirms one vault call. It returns the receipt
// once the inclusion block is s.confirmations deep; before that the send can
// fail with a policy refusal, a simulated revert, a timeout, a failed
// receipt status, or a reorg that dropped the transaction.
func (s *Sender) Send(ctx context.Context, contract common.Address, signer SignerID, call Call) (*types.Receipt, error) {
	from, ok := s.keyring.Address(signer)
	if !ok {
		return nil, s.fail(call.Method, fault.Newf(fault.KindValidation, "chain.Send",
			"no key configured for signer %s", signer))
	}
	if err := s.keyring.Authorize(signer, call.Amount, time.Now()); err != nil {
		return nil, s.fail(call.Method, err)
	}

	ln := s.lane(contract, signer)
	ln.mu.Lock()
	defer ln.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	signed, err := s.submit(ctx, ln, from, contract, signer, call)
	if err != nil {
		return nil, s.fail(call.Method, err)
	}

	s.keyring.RecordSpend(signer, call.Amount, time.Now())
	s.metrics.SendsSubmitted.WithLabelValues(call.Method, string(signer)).Inc()
	s.metrics.SignerDailySpend.WithLabelValues(string(signer)).
		Set(float64(s.keyring.SpentTodayWhole(signer, time.Now())))

	s.log.Info().
		Str("method", call.Method).
		Str("tx", signed.Hash().Hex()).
		Uint64("nonce", signed.Nonce()).
		Str("signer", string(signer)).
		Msg("transaction submitted")

	start := time.Now()
	rcpt, err := s.waitConfirmed(ctx, signed.Hash())
	s.metrics.ReceiptWaitDur.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, s.fail(call.Method, err)
	}

	s.log.Info().
		Str("method", call.Method).
		Str("tx", signed.Hash().Hex()).
		Uint64("block", rcpt.BlockNumber.Uint64()).
		Uint64("gas_used", rcpt.GasUsed).
		Msg("transaction confirmed")
	return rcpt, nil
}

func (s *Sender) submit(ctx context.Context, ln *lane, from, contract common.Address, signer SignerID, call Call) (*types.Transaction, error) {
	tip, err := s.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, err
	}
	head, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	// Double the base fee so the cap survives fee spikes while we wait.
	feeCap := new(big.Int).Add(new(big.Int).Lsh(baseFee, 1), tip)

	gas, err := s.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &contract, Data: call.Data})
	if err != nil {
		return nil, err
	}
	gas += gas / 5

	if !ln.primed {
		nonce, err := s.client.PendingNonceAt(ctx, from)
		if err != nil {
			return nil, err
		}
		ln.nonce = nonce
		ln.primed = true
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     ln.nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &contract,
		Value:     new(big.Int),
		Data:      call.Data,
	})
	signed, err := s.keyring.SignTx(signer, tx, s.chainID)
	if err != nil {
		return nil, err
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		if !isAlreadyKnown(err) {
			// Re-prime from the pool on the next send; the cached nonce
			// may be stale.
			ln.primed = false
			if isNonceConflict(err) {
				return nil, fault.Wrap(fault.KindNonceExhausted, "chain.Send", err)
			}
			return nil, err
		}
	}
	ln.nonce++
	return signed, nil
}

// waitConfirmed polls the receipt until the inclusion block is
// s.confirmations below head. A transaction that was seen included and then
// disappears was dropped by a reorg; one that moves blocks restarts the
// depth wait at its new inclusion.
func (s *Sender) waitConfirmed(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	seenIncluded := false
	for {
		rcpt, err := s.client.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil:
			seenIncluded = true
			head, herr := s.client.BlockNumber(ctx)
			if herr == nil && head >= rcpt.BlockNumber.Uint64()+s.confirmations {
				if rcpt.Status != types.ReceiptStatusSuccessful {
					return nil, fault.Newf(fault.KindReceiptFailed, "chain.Send",
						"transaction %s reverted on-chain in block %d", txHash, rcpt.BlockNumber)
				}
				return rcpt, nil
			}
		case errors.Is(err, ethereum.NotFound):
			if seenIncluded {
				return nil, fault.Newf(fault.KindReorgDetected, "chain.Send",
					"transaction %s dropped by reorg before confirmation", txHash)
			}
		default:
			// Transient read failure; the deadline bounds how long we retry.
			s.log.Debug().Err(err).Str("tx", txHash.Hex()).Msg("receipt poll failed")
		}

		select {
		case <-ctx.Done():
			return nil, fault.Newf(fault.KindSendTimeout, "chain.Send",
				"no confirmed receipt for %s within %s", txHash, s.sendTimeout)
		case <-ticker.C:
		}
	}
}

func (s *Sender) lane(contract common.Address, id SignerID) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := laneKey{contract: contract, signer: id}
	ln, ok := s.lanes[k]
	if !ok {
		ln = &lane{}
		s.lanes[k] = ln
	}
	return ln
}

func (s *Sender) fail(method string, err error) error {
	s.metrics.SendFailures.WithLabelValues(method, fault.Code(err)).Inc()
	return err
}

func isNonceConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "replacement transaction underpriced")
}

func isAlreadyKnown(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already known")
}
