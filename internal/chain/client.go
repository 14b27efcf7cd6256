package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"PaimonControl/internal/fault"
	"PaimonControl/internal/observability"
)

// Client wraps the HTTP RPC endpoint. Every call carries the configured
// deadline, passes through the circuit breaker, and comes back with a
// classified fault kind. Receipt-not-found and eth_call reverts are answers,
// not endpoint failures, and never count against the breaker.
type Client struct {
	eth     *ethclient.Client
	breaker *Breaker
	timeout time.Duration
	log     zerolog.Logger
	metrics *observability.Metrics
}

func Dial(ctx context.Context, rpcURL string, timeout time.Duration, metrics *observability.Metrics, log zerolog.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransientRpc, "chain.Dial", err)
	}

	breaker := NewBreaker("rpc")
	breaker.OnStateChange(func(s BreakerState) {
		metrics.BreakerState.WithLabelValues("rpc").Set(float64(s))
		log.Warn().Str("state", s.String()).Msg("rpc circuit breaker state changed")
	})

	return &Client{
		eth:     eth,
		breaker: breaker,
		timeout: timeout,
		log:     log,
		metrics: metrics,
	}, nil
}

func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.do(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var err error
		n, err = c.eth.BlockNumber(ctx)
		return err
	})
	return n, err
}

// HeaderByNumber fetches the header at the given height; nil means latest.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var h *types.Header
	err := c.do(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		var err error
		h, err = c.eth.HeaderByNumber(ctx, number)
		return err
	})
	return h, err
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.do(ctx, "eth_getLogs", func(ctx context.Context) error {
		var err error
		logs, err = c.eth.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := c.do(ctx, "eth_call", func(ctx context.Context) error {
		var err error
		out, err = c.eth.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.do(ctx, "eth_estimateGas", func(ctx context.Context) error {
		var err error
		gas, err = c.eth.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	var tip *big.Int
	err := c.do(ctx, "eth_maxPriorityFeePerGas", func(ctx context.Context) error {
		var err error
		tip, err = c.eth.SuggestGasTipCap(ctx)
		return err
	})
	return tip, err
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.do(ctx, "eth_getTransactionCount", func(ctx context.Context) error {
		var err error
		nonce, err = c.eth.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.do(ctx, "eth_sendRawTransaction", func(ctx context.Context) error {
		return c.eth.SendTransaction(ctx, tx)
	})
}

// TransactionReceipt returns ethereum.NotFound (unwrapped) while the
// transaction is pending so callers can poll with errors.Is.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var rcpt *types.Receipt
	err := c.do(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		var err error
		rcpt, err = c.eth.TransactionReceipt(ctx, txHash)
		return err
	})
	return rcpt, err
}

// do runs one RPC with the per-call deadline, records the outcome on the
// breaker and classifies the error.
func (c *Client) do(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if err := c.breaker.Allow(); err != nil {
		c.metrics.RpcCalls.WithLabelValues(method, "breaker_open").Inc()
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := fn(cctx)
	c.metrics.RpcDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		c.breaker.Record(true)
		c.metrics.RpcCalls.WithLabelValues(method, "ok").Inc()
		return nil

	case errors.Is(err, ethereum.NotFound):
		c.breaker.Record(true)
		c.metrics.RpcCalls.WithLabelValues(method, "not_found").Inc()
		return err

	case isReverted(err):
		// The node answered; the contract refused.
		c.breaker.Record(true)
		c.metrics.RpcCalls.WithLabelValues(method, "reverted").Inc()
		return fault.Wrap(fault.KindSimulationReverted, "chain."+method, err)

	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// Caller went away; not the endpoint's fault.
		c.metrics.RpcCalls.WithLabelValues(method, "canceled").Inc()
		return fault.Wrap(fault.KindTransientRpc, "chain."+method, err)

	default:
		c.breaker.Record(false)
		c.metrics.RpcCalls.WithLabelValues(method, "error").Inc()
		return classify(method, err)
	}
}

func classify(method string, err error) error {
	op := "chain." + method
	switch {
	case isTimeout(err):
		return fault.Wrap(fault.KindRpcTimeout, op, err)
	case isRateLimited(err):
		return fault.Wrap(fault.KindRpcRateLimited, op, err)
	default:
		return fault.Wrap(fault.KindTransientRpc, op, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Some transports stringify the context error instead of wrapping it.
	return strings.Contains(err.Error(), "context deadline exceeded")
}

func isRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "rate limit")
}

// isReverted recognizes eth_call / eth_estimateGas refusals, which arrive
// either as an rpc.DataError carrying the revert payload or as a message
// mentioning the revert.
func isReverted(err error) bool {
	var de rpc.DataError
	if errors.As(err, &de) && de.ErrorData() != nil {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

// RevertReason extracts the human-readable reason from a reverted call.
// Solidity encodes require messages as Error(string), selector 0x08c379a0.
func RevertReason(err error) string {
	var de rpc.DataError
	if errors.As(err, &de) {
		if hexData, ok := de.ErrorData().(string); ok {
			if reason, ok := decodeErrorString(common.FromHex(hexData)); ok {
				return reason
			}
		}
	}

	msg := err.Error()
	if i := strings.Index(msg, "execution reverted:"); i >= 0 {
		return strings.TrimSpace(msg[i+len("execution reverted:"):])
	}
	return "execution reverted"
}

var errorStringSelector = [4]byte{0x08, 0xc3, 0x79, 0xa0}

func decodeErrorString(data []byte) (string, bool) {
	if len(data) < 4+64 || [4]byte(data[:4]) != errorStringSelector {
		return "", false
	}
	body := data[4:]
	offset := new(big.Int).SetBytes(body[:32])
	if !offset.IsUint64() || offset.Uint64()+32 > uint64(len(body)) {
		return "", false
	}
	at := offset.Uint64()
	length := new(big.Int).SetBytes(body[at : at+32])
	if !length.IsUint64() || at+32+length.Uint64() > uint64(len(body)) {
		return "", false
	}
	return string(body[at+32 : at+32+length.Uint64()]), true
}
