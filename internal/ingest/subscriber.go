package ingest

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"PaimonControl/internal/observability"
)

const (
	reconnectCap = 30 * time.Second
)

// Subscriber holds a WebSocket log subscription and wakes the poller
// when anything lands at the watched contracts. It is an optimization
// only: the confirmed poll path stays the source of truth, so a dead
// subscription degrades latency, never correctness.
type Subscriber struct {
	wsURL     string
	contracts []common.Address
	initial   time.Duration
	wake      func()
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewSubscriber(wsURL string, contracts []common.Address, reconnect time.Duration, wake func(), metrics *observability.Metrics, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		wsURL:     wsURL,
		contracts: contracts,
		initial:   reconnect,
		wake:      wake,
		metrics:   metrics,
		log:       log.With().Str("component", "ingest.ws").Logger(),
	}
}

// Run reconnects forever with exponential backoff, capped at 30s. The
// backoff resets after any successfully delivered log.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := s.initial
	for {
		delivered, err := s.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.metrics.SubscriptionDrops.Inc()
		s.log.Warn().Err(err).Dur("reconnect_in", backoff).Msg("log subscription dropped")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if delivered {
			backoff = s.initial
		} else if backoff *= 2; backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
}

func (s *Subscriber) stream(ctx context.Context) (delivered bool, err error) {
	client, err := ethclient.DialContext(ctx, s.wsURL)
	if err != nil {
		return false, err
	}
	defer client.Close()

	logs := make(chan types.Log, 128)
	sub, err := client.SubscribeFilterLogs(ctx, ethereum.FilterQuery{Addresses: s.contracts}, logs)
	if err != nil {
		return false, err
	}
	defer sub.Unsubscribe()

	s.log.Info().Msg("log subscription established")
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case err := <-sub.Err():
			return delivered, err
		case <-logs:
			delivered = true
			s.wake()
		}
	}
}
