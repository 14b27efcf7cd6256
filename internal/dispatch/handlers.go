package dispatch

import (
	"context"
	"database/sql"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"PaimonControl/internal/event"
	"PaimonControl/internal/fault"
	fpmath "PaimonControl/internal/math"
	"PaimonControl/internal/observability"
	"PaimonControl/internal/persistence"
	"PaimonControl/internal/projection"
	"PaimonControl/internal/state"
)

// ApprovalHook is called after an event transaction commits. The approval
// engine implements it; ticket creation is idempotent by reference, and
// the SLA sweep re-creates tickets for requests a failed hook left bare.
type ApprovalHook interface {
	TicketForRedemption(ctx context.Context, req *state.RedemptionRequest) error
	ResolveReference(ctx context.Context, ref state.ReferenceType, refID string, approved bool, actor string) error
}

// RiskHook receives chain signals the risk engine reacts to.
type RiskHook interface {
	NavTick(ctx context.Context)
	LiquidityAlarm(ctx context.Context, critical bool, ratioBps int64, available *big.Int)
	EmergencySignal(ctx context.Context, enabled bool, source common.Address)
	WaterfallObserved(ctx context.Context, requestID uint64, shortfall, liquidated *big.Int)
}

// NopApprovalHook satisfies ApprovalHook without doing anything.
type NopApprovalHook struct{}

func (NopApprovalHook) TicketForRedemption(context.Context, *state.RedemptionRequest) error {
	return nil
}

func (NopApprovalHook) ResolveReference(context.Context, state.ReferenceType, string, bool, string) error {
	return nil
}

// NopRiskHook satisfies RiskHook without doing anything.
type NopRiskHook struct{}

func (NopRiskHook) NavTick(context.Context) {}

func (NopRiskHook) LiquidityAlarm(context.Context, bool, int64, *big.Int) {}

func (NopRiskHook) EmergencySignal(context.Context, bool, common.Address) {}

func (NopRiskHook) WaterfallObserved(context.Context, uint64, *big.Int, *big.Int) {}

// effects accumulates what one event does: the fund projection delta,
// extra audit details, and work to run after the transaction commits.
type effects struct {
	delta    *projection.FundDelta
	details  map[string]string
	followUp func(context.Context)
}

func (fx *effects) fund() *projection.FundDelta {
	if fx.delta == nil {
		fx.delta = &projection.FundDelta{}
	}
	return fx.delta
}

func (fx *effects) note(key, value string) {
	if fx.details == nil {
		fx.details = make(map[string]string)
	}
	fx.details[key] = value
}

// Handlers applies decoded events. One transaction per event carries the
// event_processed row, the projection writes, and the audit entry;
// follow-ups (ticket creation, risk signals) run after commit.
type Handlers struct {
	db          *sql.DB
	processed   *ProcessedStore
	audit       *AuditWriter
	fund        *projection.FundStore
	redemptions *projection.RedemptionStore
	nav         *projection.NavStore
	liabilities *projection.DailyLiabilityStore
	assets      *projection.AssetStore
	flows       *projection.FlowStore
	approval    ApprovalHook
	risk        RiskHook
	metrics     *observability.Metrics
	log         zerolog.Logger
}

type HandlersConfig struct {
	DB          *sql.DB
	Processed   *ProcessedStore
	Audit       *AuditWriter
	Fund        *projection.FundStore
	Redemptions *projection.RedemptionStore
	Nav         *projection.NavStore
	Liabilities *projection.DailyLiabilityStore
	Assets      *projection.AssetStore
	Flows       *projection.FlowStore
	Approval    ApprovalHook
	Risk        RiskHook
	Metrics     *observability.Metrics
	Log         zerolog.Logger
}

func NewHandlers(cfg HandlersConfig) *Handlers {
	h := &Handlers{
		db:          cfg.DB,
		processed:   cfg.Processed,
		audit:       cfg.Audit,
		fund:        cfg.Fund,
		redemptions: cfg.Redemptions,
		nav:         cfg.Nav,
		liabilities: cfg.Liabilities,
		assets:      cfg.Assets,
		flows:       cfg.Flows,
		approval:    cfg.Approval,
		risk:        cfg.Risk,
		metrics:     cfg.Metrics,
		log:         cfg.Log,
	}
	if h.approval == nil {
		h.approval = NopApprovalHook{}
	}
	if h.risk == nil {
		h.risk = NopRiskHook{}
	}
	return h
}

// Handle processes one envelope. A DedupHit fault means the event was
// already applied and the transaction rolled back without effect.
func (h *Handlers) Handle(ctx context.Context, env *event.Envelope) error {
	start := time.Now()
	fx := &effects{}

	err := persistence.WithTx(ctx, h.db, func(tx *sql.Tx) error {
		inserted, err := h.processed.InsertTx(ctx, tx, env)
		if err != nil {
			return err
		}
		if !inserted {
			return fault.Newf(fault.KindDedupHit, "dispatch.Handle",
				"event %s already processed", env.Key())
		}

		if err := h.apply(ctx, tx, env, fx); err != nil {
			return err
		}

		if fx.delta != nil {
			if err := h.fund.Apply(ctx, tx, fx.delta, env.BlockNumber, env.LogIndex); err != nil {
				return err
			}
		}
		return h.audit.Write(ctx, tx, h.auditEntry(env, fx))
	})
	if err != nil {
		return err
	}

	h.metrics.EventsProcessed.WithLabelValues(env.Type.String()).Inc()
	h.metrics.HandleDuration.WithLabelValues(env.Type.String()).Observe(time.Since(start).Seconds())

	if fx.followUp != nil {
		fx.followUp(ctx)
	}
	return nil
}

func (h *Handlers) apply(ctx context.Context, tx *sql.Tx, env *event.Envelope, fx *effects) error {
	switch e := env.Event.(type) {
	case *event.DepositProcessed:
		return h.applyDeposit(ctx, tx, env, e, fx)
	case *event.NavUpdated:
		return h.applyNavUpdated(ctx, tx, env, e, fx)
	case *event.EmergencyModeChanged:
		return h.applyEmergencyMode(e, fx)
	case *event.LowLiquidityAlert:
		h.applyLiquidityAlert(false, e.RatioBps, e.Available, fx)
		return nil
	case *event.CriticalLiquidityAlert:
		h.applyLiquidityAlert(true, e.RatioBps, e.Available, fx)
		return nil
	case *event.ManagementFeeCollected:
		fx.fund().AddManagementFees = e.Amount
		return nil
	case *event.PerformanceFeeCollected:
		fx.fund().AddPerformanceFees = e.Amount
		return nil
	case *event.LockedMintAssetsReset:
		fx.fund().SetLockedMintAssets = e.Amount
		return nil

	case *event.RedemptionRequested:
		return h.applyRedemptionRequested(ctx, tx, env, e, fx)
	case *event.RedemptionApproved:
		return h.applyRedemptionApproved(ctx, tx, e, fx)
	case *event.RedemptionRejected:
		return h.applyRedemptionRejected(ctx, tx, e, fx)
	case *event.RedemptionSettled:
		return h.applyRedemptionSettled(ctx, tx, env, e, fx)
	case *event.SharesLocked:
		fx.note("request_id", e.RequestID.String())
		fx.note("shares", e.Shares.String())
		return nil
	case *event.SharesUnlocked:
		fx.note("request_id", e.RequestID.String())
		fx.note("shares", e.Shares.String())
		return nil
	case *event.SharesBurned:
		fx.fund().AddTotalSupply = new(big.Int).Neg(e.Shares)
		fx.note("request_id", e.RequestID.String())
		return nil
	case *event.RedemptionFeeAdded:
		return h.redemptions.AddFee(ctx, tx, e.RequestID.Uint64(), e.Fee)
	case *event.RedemptionFeeReduced:
		return h.redemptions.AddFee(ctx, tx, e.RequestID.Uint64(), new(big.Int).Neg(e.Fee))
	case *event.VoucherMinted:
		fx.note("token_id", e.TokenID.String())
		return h.redemptions.SetVoucher(ctx, tx, e.RequestID.Uint64(), e.TokenID)
	case *event.DailyLiabilityAdded:
		return h.liabilities.Add(ctx, tx, e.DayIndex.Int64(), e.Amount)
	case *event.LiabilityRemoved:
		return h.applyLiabilityRemoved(ctx, tx, e, fx)
	case *event.SettlementWaterfallTriggered:
		requestID := e.RequestID.Uint64()
		shortfall, liquidated := e.Shortfall, e.Liquidated
		fx.note("shortfall", shortfall.String())
		fx.followUp = func(ctx context.Context) {
			h.risk.WaterfallObserved(ctx, requestID, shortfall, liquidated)
		}
		return nil
	case *event.PendingApprovalSharesAdded:
		fx.fund().AddPendingApprovalShares = e.Shares
		return nil
	case *event.PendingApprovalSharesRemoved:
		fx.fund().AddPendingApprovalShares = new(big.Int).Neg(e.Shares)
		return nil
	case *event.PendingApprovalSharesConverted:
		fx.fund().AddPendingApprovalShares = new(big.Int).Neg(e.Shares)
		fx.note("assets", e.Assets.String())
		return nil

	case *event.AssetAdded:
		return h.assets.UpsertAsset(ctx, tx, e.Asset, e.AssetTier, e.TargetRatioBps.Int64(), env.BlockNumber)
	case *event.AssetRemoved:
		return h.assets.Deactivate(ctx, tx, e.Asset, env.BlockNumber)
	case *event.AssetAllocationUpdated:
		return h.assets.UpdateAllocation(ctx, tx, e.Asset, e.TargetRatioBps.Int64())
	case *event.AssetPurchased:
		return h.applyAssetPurchased(ctx, tx, e, fx)
	case *event.AssetRedeemed:
		return h.applyAssetRedeemed(ctx, tx, e, fx)
	case *event.WaterfallLiquidation:
		// The per-asset AssetRedeemed events carry the balance moves;
		// this summary event is recorded for the audit trail only.
		fx.note("amount_needed", e.AmountNeeded.String())
		fx.note("amount_raised", e.AmountRaised.String())
		fx.note("max_tier", e.MaxTier.String())
		return nil
	case *event.BufferPoolRebalanced:
		fx.fund().SetBuffer = e.BufferAfter
		return nil

	case *event.BaseRedemptionFeeUpdated:
		bps := e.NewFeeBps.Int64()
		fx.fund().SetBaseFeeBps = &bps
		return nil
	case *event.EmergencyPenaltyFeeUpdated:
		bps := e.NewFeeBps.Int64()
		fx.fund().SetPenaltyFeeBps = &bps
		return nil
	case *event.VoucherThresholdUpdated:
		fx.fund().SetVoucherThreshold = e.NewThreshold
		return nil
	case *event.StandardQuotaRatioUpdated:
		bps := e.NewRatioBps.Int64()
		fx.fund().SetStandardQuotaBps = &bps
		return nil
	case *event.EmergencyQuotaRefreshed:
		epoch := e.Epoch.Int64()
		fx.fund().SetEmergencyQuota = e.NewQuota
		fx.fund().SetEmergencyQuotaEpoch = &epoch
		return nil
	case *event.EmergencyQuotaRestored:
		fx.fund().AddEmergencyQuota = e.Amount
		return nil

	default:
		return fault.Newf(fault.KindUnknownEvent, "dispatch.apply",
			"no handler for %s", env.Type)
	}
}

func (h *Handlers) applyDeposit(ctx context.Context, tx *sql.Tx, env *event.Envelope, e *event.DepositProcessed, fx *effects) error {
	d := fx.fund()
	d.AddTotalAssets = e.Assets
	d.AddTotalSupply = e.Shares
	d.AddL1Cash = e.Assets
	fx.note("receiver", e.Receiver.Hex())
	fx.note("assets", e.Assets.String())
	return h.flows.Insert(ctx, tx, projection.FlowInflow, e.Assets, env.BlockNumber, env.BlockTime)
}

func (h *Handlers) applyNavUpdated(ctx context.Context, tx *sql.Tx, env *event.Envelope, e *event.NavUpdated, fx *effects) error {
	d := fx.fund()
	d.SetSharePrice = e.SharePrice
	d.SetTotalAssets = e.TotalAssets
	d.SetTotalSupply = e.TotalSupply
	fx.note("share_price", e.SharePrice.String())
	fx.followUp = func(ctx context.Context) { h.risk.NavTick(ctx) }
	return h.nav.Insert(ctx, tx, &projection.NavPoint{
		SharePrice:  e.SharePrice,
		TotalAssets: e.TotalAssets,
		TotalSupply: e.TotalSupply,
		BlockNumber: env.BlockNumber,
		ObservedAt:  env.BlockTime,
	})
}

func (h *Handlers) applyEmergencyMode(e *event.EmergencyModeChanged, fx *effects) error {
	enabled := e.Enabled
	fx.fund().SetEmergencyMode = &enabled
	fx.note("enabled", strconv.FormatBool(enabled))
	fx.note("triggered_by", e.TriggeredBy.Hex())
	source := e.TriggeredBy
	fx.followUp = func(ctx context.Context) { h.risk.EmergencySignal(ctx, enabled, source) }
	return nil
}

func (h *Handlers) applyLiquidityAlert(critical bool, ratioBps, available *big.Int, fx *effects) {
	ratio := ratioBps.Int64()
	avail := available
	fx.note("ratio_bps", strconv.FormatInt(ratio, 10))
	fx.note("available", avail.String())
	fx.followUp = func(ctx context.Context) { h.risk.LiquidityAlarm(ctx, critical, ratio, avail) }
}

func (h *Handlers) applyRedemptionRequested(ctx context.Context, tx *sql.Tx, env *event.Envelope, e *event.RedemptionRequested, fx *effects) error {
	req := &state.RedemptionRequest{
		RequestID:        e.RequestID.Uint64(),
		Owner:            e.Owner,
		Receiver:         e.Receiver,
		Shares:           e.Shares,
		GrossAmount:      e.LockedAmount,
		LockedNav:        lockedNav(e.LockedAmount, e.Shares),
		EstimatedFee:     e.EstimatedFee,
		Channel:          e.Channel,
		RequiresApproval: e.RequiresApproval,
		Status:           state.StatusForRequest(e.RequiresApproval),
		RequestTime:      env.BlockTime,
		SettlementTime:   time.Unix(e.SettlementTime.Int64(), 0).UTC(),
	}
	if e.WindowID != nil && e.WindowID.Sign() > 0 {
		windowID := e.WindowID.Int64()
		req.WindowID = &windowID
	}

	if err := h.redemptions.Insert(ctx, tx, req); err != nil {
		return err
	}
	fx.fund().AddPendingRedemptionGross = e.LockedAmount
	fx.note("owner", e.Owner.Hex())
	fx.note("gross", e.LockedAmount.String())
	fx.note("channel", e.Channel.String())

	if e.RequiresApproval {
		fx.followUp = func(ctx context.Context) {
			if err := h.approval.TicketForRedemption(ctx, req); err != nil {
				h.log.Error().Err(err).
					Uint64("request_id", req.RequestID).
					Msg("approval ticket creation failed, sweep will retry")
			}
		}
	}
	return nil
}

func (h *Handlers) applyRedemptionApproved(ctx context.Context, tx *sql.Tx, e *event.RedemptionApproved, fx *effects) error {
	requestID := e.RequestID.Uint64()
	applied, err := h.redemptions.Transition(ctx, tx, requestID,
		state.RedemptionStatusPendingApproval, state.RedemptionStatusApproved)
	if err != nil {
		return err
	}
	if !applied {
		fx.note("transition", "skipped")
	}
	fx.note("approver", e.Approver.Hex())

	actor := e.Approver.Hex()
	fx.followUp = func(ctx context.Context) {
		h.resolveTicket(ctx, requestID, true, actor)
	}
	return nil
}

func (h *Handlers) applyRedemptionRejected(ctx context.Context, tx *sql.Tx, e *event.RedemptionRejected, fx *effects) error {
	requestID := e.RequestID.Uint64()
	req, err := h.redemptions.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return fault.Newf(fault.KindValidation, "dispatch.Handle",
			"rejection for unknown request %d", requestID)
	}

	applied, err := h.redemptions.Transition(ctx, tx, requestID,
		state.RedemptionStatusPendingApproval, state.RedemptionStatusRejected)
	if err != nil {
		return err
	}
	if applied {
		fx.fund().AddPendingRedemptionGross = new(big.Int).Neg(req.GrossAmount)
	} else {
		fx.note("transition", "skipped")
	}
	fx.note("rejector", e.Rejector.Hex())
	fx.note("reason", e.Reason)

	actor := e.Rejector.Hex()
	fx.followUp = func(ctx context.Context) {
		h.resolveTicket(ctx, requestID, false, actor)
	}
	return nil
}

func (h *Handlers) applyRedemptionSettled(ctx context.Context, tx *sql.Tx, env *event.Envelope, e *event.RedemptionSettled, fx *effects) error {
	requestID := e.RequestID.Uint64()
	req, err := h.redemptions.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return fault.Newf(fault.KindValidation, "dispatch.Handle",
			"settlement for unknown request %d", requestID)
	}
	if req.Status.IsTerminal() {
		return fault.Newf(fault.KindValidation, "dispatch.Handle",
			"settlement for request %d already %s", requestID, req.Status)
	}

	if err := h.redemptions.MarkSettled(ctx, tx, requestID, e.NetAmount, e.Fee, env.BlockTime); err != nil {
		return err
	}

	d := fx.fund()
	d.AddPendingRedemptionGross = new(big.Int).Neg(req.GrossAmount)
	d.AddTotalAssets = new(big.Int).Neg(e.NetAmount)
	d.AddL1Cash = new(big.Int).Neg(e.NetAmount)
	d.AddRedemptionFees = e.Fee
	fx.note("net_amount", e.NetAmount.String())
	fx.note("fee", e.Fee.String())

	fx.followUp = func(ctx context.Context) {
		h.resolveTicket(ctx, requestID, true, "chain")
	}
	return h.flows.Insert(ctx, tx, projection.FlowOutflow, e.NetAmount, env.BlockNumber, env.BlockTime)
}

func (h *Handlers) applyLiabilityRemoved(ctx context.Context, tx *sql.Tx, e *event.LiabilityRemoved, fx *effects) error {
	requestID := e.RequestID.Uint64()
	req, err := h.redemptions.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return fault.Newf(fault.KindValidation, "dispatch.Handle",
			"liability removal for unknown request %d", requestID)
	}
	dayIndex := req.SettlementTime.Unix() / 86400
	fx.note("day_index", strconv.FormatInt(dayIndex, 10))
	return h.liabilities.Subtract(ctx, tx, dayIndex, e.Amount)
}

func (h *Handlers) applyAssetPurchased(ctx context.Context, tx *sql.Tx, e *event.AssetPurchased, fx *effects) error {
	if err := h.assets.ApplyPurchase(ctx, tx, e.Asset, e.AssetAmount, e.UsdtAmount); err != nil {
		return err
	}
	tier, known, err := h.assets.TierOf(ctx, tx, e.Asset)
	if err != nil {
		return err
	}
	if !known {
		h.log.Warn().Str("asset", e.Asset.Hex()).Msg("purchase for unregistered asset, tier balances untouched")
		fx.note("tier", "unknown")
		return nil
	}
	d := fx.fund()
	d.AddL1Cash = new(big.Int).Neg(e.UsdtAmount)
	switch tier {
	case event.TierL1:
		d.AddL1Yield = e.UsdtAmount
	case event.TierL2:
		d.AddL2 = e.UsdtAmount
	case event.TierL3:
		d.AddL3 = e.UsdtAmount
	}
	fx.note("tier", tier.String())
	fx.note("usdt", e.UsdtAmount.String())
	return nil
}

func (h *Handlers) applyAssetRedeemed(ctx context.Context, tx *sql.Tx, e *event.AssetRedeemed, fx *effects) error {
	if err := h.assets.ApplyRedeem(ctx, tx, e.Asset, e.AssetAmount, e.UsdtReceived); err != nil {
		return err
	}
	tier, known, err := h.assets.TierOf(ctx, tx, e.Asset)
	if err != nil {
		return err
	}
	if !known {
		h.log.Warn().Str("asset", e.Asset.Hex()).Msg("redeem for unregistered asset, tier balances untouched")
		fx.note("tier", "unknown")
		return nil
	}
	d := fx.fund()
	d.AddL1Cash = e.UsdtReceived
	neg := new(big.Int).Neg(e.UsdtReceived)
	switch tier {
	case event.TierL1:
		d.AddL1Yield = neg
	case event.TierL2:
		d.AddL2 = neg
	case event.TierL3:
		d.AddL3 = neg
	}
	fx.note("tier", tier.String())
	fx.note("usdt", e.UsdtReceived.String())
	return nil
}

// resolveTicket closes any still-open ticket for a redemption whose
// outcome just landed on chain (e.g. approved by a direct contract call
// that bypassed the control plane).
func (h *Handlers) resolveTicket(ctx context.Context, requestID uint64, approved bool, actor string) {
	refID := strconv.FormatUint(requestID, 10)
	if err := h.approval.ResolveReference(ctx, state.ReferenceRedemption, refID, approved, actor); err != nil {
		h.log.Error().Err(err).
			Uint64("request_id", requestID).
			Msg("resolving linked approval ticket failed")
	}
}

func (h *Handlers) auditEntry(env *event.Envelope, fx *effects) *AuditEntry {
	entityType, entityID := auditEntity(env)
	details := map[string]string{
		"tx_hash": env.TxHash.Hex(),
		"block":   strconv.FormatUint(env.BlockNumber, 10),
		"log":     strconv.FormatUint(uint64(env.LogIndex), 10),
	}
	for k, v := range fx.details {
		details[k] = v
	}
	return &AuditEntry{
		Actor:      "chain",
		Action:     "event." + env.Type.String(),
		EntityType: entityType,
		EntityID:   entityID,
		Details:    details,
	}
}

func auditEntity(env *event.Envelope) (string, string) {
	switch e := env.Event.(type) {
	case *event.RedemptionRequested:
		return "redemption", e.RequestID.String()
	case *event.RedemptionApproved:
		return "redemption", e.RequestID.String()
	case *event.RedemptionRejected:
		return "redemption", e.RequestID.String()
	case *event.RedemptionSettled:
		return "redemption", e.RequestID.String()
	case *event.SharesLocked:
		return "redemption", e.RequestID.String()
	case *event.SharesUnlocked:
		return "redemption", e.RequestID.String()
	case *event.SharesBurned:
		return "redemption", e.RequestID.String()
	case *event.RedemptionFeeAdded:
		return "redemption", e.RequestID.String()
	case *event.RedemptionFeeReduced:
		return "redemption", e.RequestID.String()
	case *event.VoucherMinted:
		return "redemption", e.RequestID.String()
	case *event.LiabilityRemoved:
		return "redemption", e.RequestID.String()
	case *event.SettlementWaterfallTriggered:
		return "redemption", e.RequestID.String()
	case *event.AssetAdded:
		return "asset", e.Asset.Hex()
	case *event.AssetRemoved:
		return "asset", e.Asset.Hex()
	case *event.AssetAllocationUpdated:
		return "asset", e.Asset.Hex()
	case *event.AssetPurchased:
		return "asset", e.Asset.Hex()
	case *event.AssetRedeemed:
		return "asset", e.Asset.Hex()
	default:
		return "fund", env.Contract.Hex()
	}
}

// lockedNav recovers the share price the gross amount was computed at.
// The vault never emits zero-share requests, but a decode glitch should
// not crash the lane.
func lockedNav(gross, shares *big.Int) *big.Int {
	if shares == nil || shares.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(gross, fpmath.BaseUnitScale)
	return scaled.Quo(scaled, shares)
}
