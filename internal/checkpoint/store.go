package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Checkpoint is the ingestion high-water mark for one contract. The block
// hash is kept so the poller can detect a reorg beneath the confirmed line.
type Checkpoint struct {
	Contract           common.Address
	LastConfirmedBlock uint64
	LastBlockHash      common.Hash
	UpdatedAt          time.Time
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Load returns the checkpoint for a contract, or nil if ingestion has never
// advanced past genesis.
func (s *Store) Load(ctx context.Context, contract common.Address) (*Checkpoint, error) {
	const q = `
		SELECT last_confirmed_block, last_block_hash, updated_at
		FROM control.checkpoints
		WHERE contract_addr = $1`

	var (
		cp      = Checkpoint{Contract: contract}
		rawHash string
	)
	err := s.db.QueryRowContext(ctx, q, contract.Hex()).
		Scan(&cp.LastConfirmedBlock, &rawHash, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for %s: %w", contract.Hex(), err)
	}
	if rawHash != "" {
		cp.LastBlockHash = common.HexToHash(rawHash)
	}
	return &cp, nil
}

// Save advances the checkpoint. The guard keeps the block monotonic: a save
// below the stored high-water mark is silently ignored, so concurrent or
// replayed flushes can never move ingestion backwards.
func (s *Store) Save(ctx context.Context, contract common.Address, block uint64, blockHash common.Hash) error {
	const q = `
		INSERT INTO control.checkpoints (contract_addr, last_confirmed_block, last_block_hash, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (contract_addr) DO UPDATE
		SET last_confirmed_block = EXCLUDED.last_confirmed_block,
		    last_block_hash      = EXCLUDED.last_block_hash,
		    updated_at           = NOW()
		WHERE control.checkpoints.last_confirmed_block <= EXCLUDED.last_confirmed_block`

	if _, err := s.db.ExecContext(ctx, q, contract.Hex(), block, blockHash.Hex()); err != nil {
		return fmt.Errorf("saving checkpoint for %s: %w", contract.Hex(), err)
	}
	return nil
}

// Rewind force-sets the checkpoint for a resync. The stored hash is cleared
// so the next poll skips the reorg probe.
func (s *Store) Rewind(ctx context.Context, contract common.Address, block uint64) error {
	const q = `
		INSERT INTO control.checkpoints (contract_addr, last_confirmed_block, last_block_hash, updated_at)
		VALUES ($1, $2, '', NOW())
		ON CONFLICT (contract_addr) DO UPDATE
		SET last_confirmed_block = EXCLUDED.last_confirmed_block,
		    last_block_hash      = '',
		    updated_at           = NOW()`

	if _, err := s.db.ExecContext(ctx, q, contract.Hex(), block); err != nil {
		return fmt.Errorf("rewinding checkpoint for %s: %w", contract.Hex(), err)
	}
	return nil
}
