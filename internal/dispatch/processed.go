// Package dispatch applies confirmed chain events to the off-chain
// projection. Each contract gets a sequential lane; every event runs in
// one database transaction that also records the event_processed row, so
// replays after a crash or resync are no-ops.
package dispatch

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"PaimonControl/internal/event"
)

// ProcessedStore is the durable dedup tier: one row per handled event,
// written inside the handler transaction. It also backs the checkpoint
// deduper's Postgres fallback.
type ProcessedStore struct {
	db *sql.DB
}

func NewProcessedStore(db *sql.DB) *ProcessedStore {
	return &ProcessedStore{db: db}
}

// InsertTx claims the (tx_hash, log_index) identity inside the handler
// transaction. Returns false when the event was already handled.
func (s *ProcessedStore) InsertTx(ctx context.Context, tx *sql.Tx, env *event.Envelope) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO control.event_processed (tx_hash, log_index, event_type, contract, block_number)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tx_hash, log_index) DO NOTHING
	`, env.TxHash.Hex(), int64(env.LogIndex), env.Type.String(), env.Contract.Hex(), int64(env.BlockNumber))
	if err != nil {
		return false, errors.Wrap(err, "insert event_processed")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "event_processed rows")
	}
	return n == 1, nil
}

// IsProcessed answers the deduper's cold-path lookup for a
// "txHash:logIndex" key.
func (s *ProcessedStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	txHash, logIndex, err := splitKey(key)
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRowContext(ctx, `
		SELECT 1 FROM control.event_processed WHERE tx_hash = $1 AND log_index = $2
	`, txHash, logIndex).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "event_processed lookup")
	}
	return true, nil
}

// RecentKeys returns the most recently handled keys for LRU warmup.
func (s *ProcessedStore) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_hash, log_index
		FROM control.event_processed
		ORDER BY handled_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "recent event keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var (
			txHash   string
			logIndex int64
		)
		if err := rows.Scan(&txHash, &logIndex); err != nil {
			return nil, errors.Wrap(err, "scan event key")
		}
		keys = append(keys, txHash+":"+strconv.FormatInt(logIndex, 10))
	}
	return keys, rows.Err()
}

// Prune deletes rows older than the dedup retention window.
func (s *ProcessedStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM control.event_processed
		WHERE handled_at < $1
	`, before)
	if err != nil {
		return 0, errors.Wrap(err, "prune event_processed")
	}
	return res.RowsAffected()
}

func splitKey(key string) (string, int64, error) {
	i := strings.LastIndexByte(key, ':')
	if i <= 0 || i == len(key)-1 {
		return "", 0, errors.Errorf("malformed event key %q", key)
	}
	logIndex, err := strconv.ParseInt(key[i+1:], 10, 64)
	if err != nil {
		return "", 0, errors.Wrapf(err, "malformed event key %q", key)
	}
	return key[:i], logIndex, nil
}
