package projection

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// FundState is the off-chain mirror of the vault's aggregate state.
// Monetary fields are base units (18 fractional digits).
type FundState struct {
	VaultAddress           common.Address
	TotalAssets            *big.Int
	TotalSupply            *big.Int
	SharePrice             *big.Int
	L1Cash                 *big.Int
	L1Yield                *big.Int
	L2Assets               *big.Int
	L3Assets               *big.Int
	BufferPool             *big.Int
	PendingRedemptionGross *big.Int
	PendingApprovalShares  *big.Int
	LockedMintAssets       *big.Int
	EmergencyMode          bool
	StandardQuotaBps       int64
	EmergencyQuota         *big.Int
	EmergencyQuotaEpoch    int64
	BaseRedemptionFeeBps   int64
	EmergencyPenaltyFeeBps int64
	VoucherThreshold       *big.Int
	ManagementFees         *big.Int
	PerformanceFees        *big.Int
	RedemptionFees         *big.Int
	LastEventBlock         uint64
	LastEventIndex         uint
	UpdatedAt              time.Time
	Version                int64
}

// L1 returns instant plus same-day liquidity.
func (f *FundState) L1() *big.Int {
	return new(big.Int).Add(f.L1Cash, f.L1Yield)
}

// FundDelta is the projection change produced by one chain event. Add
// fields accumulate (signed); Set fields overwrite. Nil means untouched.
type FundDelta struct {
	AddTotalAssets            *big.Int
	AddTotalSupply            *big.Int
	AddL1Cash                 *big.Int
	AddL1Yield                *big.Int
	AddL2                     *big.Int
	AddL3                     *big.Int
	AddBuffer                 *big.Int
	AddPendingRedemptionGross *big.Int
	AddPendingApprovalShares  *big.Int
	AddEmergencyQuota         *big.Int
	AddManagementFees         *big.Int
	AddPerformanceFees        *big.Int
	AddRedemptionFees         *big.Int

	SetSharePrice          *big.Int
	SetTotalAssets         *big.Int
	SetTotalSupply         *big.Int
	SetBuffer              *big.Int
	SetLockedMintAssets    *big.Int
	SetEmergencyQuota      *big.Int
	SetVoucherThreshold    *big.Int
	SetEmergencyMode       *bool
	SetStandardQuotaBps    *int64
	SetEmergencyQuotaEpoch *int64
	SetBaseFeeBps          *int64
	SetPenaltyFeeBps       *int64
}

// FundStore persists the fund projection row.
type FundStore struct {
	db    *sql.DB
	vault common.Address
}

func NewFundStore(db *sql.DB, vault common.Address) *FundStore {
	return &FundStore{db: db, vault: vault}
}

// EnsureRow creates the projection row on first start.
func (s *FundStore) EnsureRow(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO control.fund_projection (vault_address)
		VALUES ($1)
		ON CONFLICT (vault_address) DO NOTHING
	`, s.vault.Hex())
	return errors.Wrap(err, "ensure fund projection row")
}

// Apply writes one event's delta inside the handler's transaction and
// advances the event watermark.
func (s *FundStore) Apply(ctx context.Context, tx *sql.Tx, d *FundDelta, block uint64, logIndex uint) error {
	sets := make([]string, 0, 16)
	args := make([]interface{}, 0, 16)

	add := func(col string, v *big.Int) {
		if v == nil {
			return
		}
		args = append(args, v.String())
		sets = append(sets, fmt.Sprintf("%s = %s + $%d::numeric", col, col, len(args)))
	}
	set := func(col string, v *big.Int) {
		if v == nil {
			return
		}
		args = append(args, v.String())
		sets = append(sets, fmt.Sprintf("%s = $%d::numeric", col, len(args)))
	}

	add("total_assets", d.AddTotalAssets)
	add("total_supply", d.AddTotalSupply)
	add("l1_cash", d.AddL1Cash)
	add("l1_yield", d.AddL1Yield)
	add("l2_assets", d.AddL2)
	add("l3_assets", d.AddL3)
	add("buffer_pool", d.AddBuffer)
	add("pending_redemption_gross", d.AddPendingRedemptionGross)
	add("pending_approval_shares", d.AddPendingApprovalShares)
	add("emergency_quota", d.AddEmergencyQuota)
	add("management_fees", d.AddManagementFees)
	add("performance_fees", d.AddPerformanceFees)
	add("redemption_fees", d.AddRedemptionFees)

	set("share_price", d.SetSharePrice)
	set("total_assets", d.SetTotalAssets)
	set("total_supply", d.SetTotalSupply)
	set("buffer_pool", d.SetBuffer)
	set("locked_mint_assets", d.SetLockedMintAssets)
	set("emergency_quota", d.SetEmergencyQuota)
	set("voucher_threshold", d.SetVoucherThreshold)

	if d.SetEmergencyMode != nil {
		args = append(args, *d.SetEmergencyMode)
		sets = append(sets, fmt.Sprintf("emergency_mode = $%d", len(args)))
	}
	if d.SetStandardQuotaBps != nil {
		args = append(args, *d.SetStandardQuotaBps)
		sets = append(sets, fmt.Sprintf("standard_quota_bps = $%d", len(args)))
	}
	if d.SetEmergencyQuotaEpoch != nil {
		args = append(args, *d.SetEmergencyQuotaEpoch)
		sets = append(sets, fmt.Sprintf("emergency_quota_epoch = $%d", len(args)))
	}
	if d.SetBaseFeeBps != nil {
		args = append(args, *d.SetBaseFeeBps)
		sets = append(sets, fmt.Sprintf("base_redemption_fee_bps = $%d", len(args)))
	}
	if d.SetPenaltyFeeBps != nil {
		args = append(args, *d.SetPenaltyFeeBps)
		sets = append(sets, fmt.Sprintf("emergency_penalty_fee_bps = $%d", len(args)))
	}

	args = append(args, int64(block))
	sets = append(sets, fmt.Sprintf("last_event_block = $%d", len(args)))
	args = append(args, int64(logIndex))
	sets = append(sets, fmt.Sprintf("last_event_index = $%d", len(args)))
	sets = append(sets, "updated_at = NOW()", "version = version + 1")

	args = append(args, s.vault.Hex())
	query := fmt.Sprintf(
		"UPDATE control.fund_projection SET %s WHERE vault_address = $%d",
		strings.Join(sets, ", "), len(args),
	)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "apply fund delta")
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return errors.Errorf("fund projection row missing for %s", s.vault.Hex())
	}
	return nil
}

// Get loads the projection row.
func (s *FundStore) Get(ctx context.Context) (*FundState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT vault_address, total_assets, total_supply, share_price,
		       l1_cash, l1_yield, l2_assets, l3_assets, buffer_pool,
		       pending_redemption_gross, pending_approval_shares, locked_mint_assets,
		       emergency_mode, standard_quota_bps, emergency_quota, emergency_quota_epoch,
		       base_redemption_fee_bps, emergency_penalty_fee_bps, voucher_threshold,
		       management_fees, performance_fees, redemption_fees,
		       last_event_block, last_event_index, updated_at, version
		FROM control.fund_projection
		WHERE vault_address = $1
	`, s.vault.Hex())

	var (
		f       FundState
		addr    string
		numeric [16]string
		block   int64
		index   int64
	)
	err := row.Scan(
		&addr, &numeric[0], &numeric[1], &numeric[2],
		&numeric[3], &numeric[4], &numeric[5], &numeric[6], &numeric[7],
		&numeric[8], &numeric[9], &numeric[10],
		&f.EmergencyMode, &f.StandardQuotaBps, &numeric[11], &f.EmergencyQuotaEpoch,
		&f.BaseRedemptionFeeBps, &f.EmergencyPenaltyFeeBps, &numeric[12],
		&numeric[13], &numeric[14], &numeric[15],
		&block, &index, &f.UpdatedAt, &f.Version,
	)
	if err == sql.ErrNoRows {
		return nil, errors.Errorf("fund projection row missing for %s", s.vault.Hex())
	}
	if err != nil {
		return nil, errors.Wrap(err, "load fund projection")
	}

	f.VaultAddress = common.HexToAddress(addr)
	f.LastEventBlock = uint64(block)
	f.LastEventIndex = uint(index)

	targets := []**big.Int{
		&f.TotalAssets, &f.TotalSupply, &f.SharePrice,
		&f.L1Cash, &f.L1Yield, &f.L2Assets, &f.L3Assets, &f.BufferPool,
		&f.PendingRedemptionGross, &f.PendingApprovalShares, &f.LockedMintAssets,
		&f.EmergencyQuota, &f.VoucherThreshold,
		&f.ManagementFees, &f.PerformanceFees, &f.RedemptionFees,
	}
	for i, t := range targets {
		v, err := parseNumeric(numeric[i])
		if err != nil {
			return nil, err
		}
		*t = v
	}

	return &f, nil
}

// parseNumeric converts a NUMERIC column's text form into a big.Int.
func parseNumeric(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.Errorf("malformed numeric %q", s)
	}
	return v, nil
}

// numericArg renders a big.Int for a NUMERIC placeholder; nil becomes 0.
func numericArg(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
