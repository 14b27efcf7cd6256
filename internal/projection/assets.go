package projection

import (
	"context"
	"database/sql"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"PaimonControl/internal/event"
)

// AssetConfig is one registered tier asset.
type AssetConfig struct {
	Asset          common.Address
	Tier           event.Tier
	TargetRatioBps int64
	Active         bool
	AddedBlock     uint64
	UpdatedAt      time.Time
}

// Holding is the current position in one asset.
type Holding struct {
	Asset     common.Address
	Balance   *big.Int
	UsdtValue *big.Int
	UpdatedAt time.Time
}

// AssetStore maintains asset configs and holdings from chain events.
type AssetStore struct {
	db *sql.DB
}

func NewAssetStore(db *sql.DB) *AssetStore {
	return &AssetStore{db: db}
}

// UpsertAsset registers or reactivates an asset after AssetAdded.
func (s *AssetStore) UpsertAsset(ctx context.Context, tx *sql.Tx, asset common.Address, tier event.Tier, targetBps int64, block uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO control.asset_configs (asset_addr, tier, target_ratio_bps, active, added_block, updated_at)
		VALUES ($1, $2, $3, TRUE, $4, NOW())
		ON CONFLICT (asset_addr) DO UPDATE
		SET tier = $2, target_ratio_bps = $3, active = TRUE, removed_block = NULL, updated_at = NOW()
	`, asset.Hex(), int16(tier), targetBps, int64(block))
	return errors.Wrap(err, "upsert asset config")
}

// Deactivate marks an asset removed.
func (s *AssetStore) Deactivate(ctx context.Context, tx *sql.Tx, asset common.Address, block uint64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE control.asset_configs
		SET active = FALSE, removed_block = $1, updated_at = NOW()
		WHERE asset_addr = $2
	`, int64(block), asset.Hex())
	return errors.Wrap(err, "deactivate asset")
}

// UpdateAllocation applies AssetAllocationUpdated.
func (s *AssetStore) UpdateAllocation(ctx context.Context, tx *sql.Tx, asset common.Address, targetBps int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE control.asset_configs
		SET target_ratio_bps = $1, updated_at = NOW()
		WHERE asset_addr = $2
	`, targetBps, asset.Hex())
	return errors.Wrap(err, "update asset allocation")
}

// ApplyPurchase adds to the holding after AssetPurchased.
func (s *AssetStore) ApplyPurchase(ctx context.Context, tx *sql.Tx, asset common.Address, assetAmount, usdtAmount *big.Int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO control.holdings (asset_addr, balance, usdt_value, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, NOW())
		ON CONFLICT (asset_addr) DO UPDATE
		SET balance = control.holdings.balance + $2::numeric,
		    usdt_value = control.holdings.usdt_value + $3::numeric,
		    updated_at = NOW()
	`, asset.Hex(), numericArg(assetAmount), numericArg(usdtAmount))
	return errors.Wrap(err, "apply purchase")
}

// ApplyRedeem subtracts from the holding after AssetRedeemed.
func (s *AssetStore) ApplyRedeem(ctx context.Context, tx *sql.Tx, asset common.Address, assetAmount, usdtReceived *big.Int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE control.holdings
		SET balance = GREATEST(balance - $1::numeric, 0),
		    usdt_value = GREATEST(usdt_value - $2::numeric, 0),
		    updated_at = NOW()
		WHERE asset_addr = $3
	`, numericArg(assetAmount), numericArg(usdtReceived), asset.Hex())
	return errors.Wrap(err, "apply redeem")
}

// TierOf resolves the registered tier of an asset inside a handler
// transaction. Returns false when the asset was never added.
func (s *AssetStore) TierOf(ctx context.Context, tx *sql.Tx, asset common.Address) (event.Tier, bool, error) {
	var tier int16
	err := tx.QueryRowContext(ctx, `
		SELECT tier FROM control.asset_configs WHERE asset_addr = $1
	`, asset.Hex()).Scan(&tier)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "asset tier lookup")
	}
	return event.Tier(tier), true, nil
}

// ListActive returns active asset configs, largest target first.
func (s *AssetStore) ListActive(ctx context.Context) ([]*AssetConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset_addr, tier, target_ratio_bps, active, added_block, updated_at
		FROM control.asset_configs
		WHERE active
		ORDER BY target_ratio_bps DESC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list active assets")
	}
	defer rows.Close()

	var out []*AssetConfig
	for rows.Next() {
		var (
			c     AssetConfig
			addr  string
			tier  int16
			block int64
		)
		if err := rows.Scan(&addr, &tier, &c.TargetRatioBps, &c.Active, &block, &c.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan asset config")
		}
		c.Asset = common.HexToAddress(addr)
		c.Tier = event.Tier(tier)
		c.AddedBlock = uint64(block)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// Holdings returns current positions keyed by asset.
func (s *AssetStore) Holdings(ctx context.Context) (map[common.Address]*Holding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset_addr, balance, usdt_value, updated_at
		FROM control.holdings
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list holdings")
	}
	defer rows.Close()

	out := make(map[common.Address]*Holding)
	for rows.Next() {
		var (
			h             Holding
			addr          string
			balance, usdt string
		)
		if err := rows.Scan(&addr, &balance, &usdt, &h.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan holding")
		}
		h.Asset = common.HexToAddress(addr)
		if h.Balance, err = parseNumeric(balance); err != nil {
			return nil, err
		}
		if h.UsdtValue, err = parseNumeric(usdt); err != nil {
			return nil, err
		}
		out[h.Asset] = &h
	}
	return out, rows.Err()
}
