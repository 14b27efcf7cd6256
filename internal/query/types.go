package query

import (
	"math/big"
	"time"

	"PaimonControl/internal/projection"
	"PaimonControl/internal/risk"
	"PaimonControl/internal/state"
)

// Views are the JSON read model. Base-unit amounts render as decimal
// strings so callers never lose precision to float parsing.

type FundView struct {
	Vault         string `json:"vault"`
	TotalAssets   string `json:"total_assets"`
	TotalSupply   string `json:"total_supply"`
	SharePrice    string `json:"share_price"`
	EmergencyMode bool   `json:"emergency_mode"`

	Tiers struct {
		L1Cash  string `json:"l1_cash"`
		L1Yield string `json:"l1_yield"`
		L2      string `json:"l2"`
		L3      string `json:"l3"`
		Buffer  string `json:"buffer"`
	} `json:"tiers"`

	PendingRedemptionGross string `json:"pending_redemption_gross"`
	PendingApprovalShares  string `json:"pending_approval_shares"`
	EmergencyQuota         string `json:"emergency_quota"`
	StandardQuotaBps       int64  `json:"standard_quota_bps"`
	BaseRedemptionFeeBps   int64  `json:"base_redemption_fee_bps"`
	EmergencyPenaltyBps    int64  `json:"emergency_penalty_fee_bps"`

	LastEventBlock uint64    `json:"last_event_block"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func fundView(f *projection.FundState) *FundView {
	v := &FundView{
		Vault:                  f.VaultAddress.Hex(),
		TotalAssets:            amount(f.TotalAssets),
		TotalSupply:            amount(f.TotalSupply),
		SharePrice:             amount(f.SharePrice),
		EmergencyMode:          f.EmergencyMode,
		PendingRedemptionGross: amount(f.PendingRedemptionGross),
		PendingApprovalShares:  amount(f.PendingApprovalShares),
		EmergencyQuota:         amount(f.EmergencyQuota),
		StandardQuotaBps:       f.StandardQuotaBps,
		BaseRedemptionFeeBps:   f.BaseRedemptionFeeBps,
		EmergencyPenaltyBps:    f.EmergencyPenaltyFeeBps,
		LastEventBlock:         f.LastEventBlock,
		UpdatedAt:              f.UpdatedAt,
	}
	v.Tiers.L1Cash = amount(f.L1Cash)
	v.Tiers.L1Yield = amount(f.L1Yield)
	v.Tiers.L2 = amount(f.L2Assets)
	v.Tiers.L3 = amount(f.L3Assets)
	v.Tiers.Buffer = amount(f.BufferPool)
	return v
}

type RedemptionView struct {
	RequestID        uint64     `json:"request_id"`
	Owner            string     `json:"owner"`
	Receiver         string     `json:"receiver"`
	Shares           string     `json:"shares"`
	GrossAmount      string     `json:"gross_amount"`
	LockedNav        string     `json:"locked_nav"`
	EstimatedFee     string     `json:"estimated_fee"`
	Channel          string     `json:"channel"`
	Status           string     `json:"status"`
	RequiresApproval bool       `json:"requires_approval"`
	TicketID         *string    `json:"ticket_id,omitempty"`
	VoucherTokenID   string     `json:"voucher_token_id,omitempty"`
	SettledAmount    string     `json:"settled_amount,omitempty"`
	SettledFee       string     `json:"settled_fee,omitempty"`
	SettledAt        *time.Time `json:"settled_at,omitempty"`
	RequestTime      time.Time  `json:"request_time"`
	SettlementTime   time.Time  `json:"settlement_time"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func redemptionView(r *state.RedemptionRequest) *RedemptionView {
	v := &RedemptionView{
		RequestID:        r.RequestID,
		Owner:            r.Owner.Hex(),
		Receiver:         r.Receiver.Hex(),
		Shares:           amount(r.Shares),
		GrossAmount:      amount(r.GrossAmount),
		LockedNav:        amount(r.LockedNav),
		EstimatedFee:     amount(r.EstimatedFee),
		Channel:          r.Channel.String(),
		Status:           r.Status.String(),
		RequiresApproval: r.RequiresApproval,
		TicketID:         r.TicketID,
		SettledAt:        r.SettledAt,
		RequestTime:      r.RequestTime,
		SettlementTime:   r.SettlementTime,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.VoucherTokenID != nil {
		v.VoucherTokenID = r.VoucherTokenID.String()
	}
	if r.SettledAmount != nil {
		v.SettledAmount = r.SettledAmount.String()
	}
	if r.SettledFee != nil {
		v.SettledFee = r.SettledFee.String()
	}
	return v
}

type ApprovalRecordView struct {
	Actor     string    `json:"actor"`
	Role      string    `json:"role"`
	Decision  string    `json:"decision"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type TicketView struct {
	ID                string               `json:"id"`
	Type              string               `json:"type"`
	ReferenceType     string               `json:"reference_type"`
	ReferenceID       string               `json:"reference_id"`
	Requester         string               `json:"requester"`
	RuleName          string               `json:"rule_name"`
	RequiredRole      string               `json:"required_role"`
	RequiredApprovals int                  `json:"required_approvals"`
	CurrentApprovals  int                  `json:"current_approvals"`
	CurrentRejections int                  `json:"current_rejections"`
	Status            string               `json:"status"`
	AutoApproved      bool                 `json:"auto_approved"`
	SLAWarningAt      time.Time            `json:"sla_warning_at"`
	SLADeadlineAt     time.Time            `json:"sla_deadline_at"`
	EscalatedAt       *time.Time           `json:"escalated_at,omitempty"`
	ResolvedBy        *string              `json:"resolved_by,omitempty"`
	ResolvedAt        *time.Time           `json:"resolved_at,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	Records           []ApprovalRecordView `json:"records"`
}

func ticketView(t *state.ApprovalTicket, records []*state.ApprovalRecord) *TicketView {
	v := &TicketView{
		ID:                t.ID,
		Type:              string(t.Type),
		ReferenceType:     string(t.ReferenceType),
		ReferenceID:       t.ReferenceID,
		Requester:         t.Requester,
		RuleName:          t.RuleName,
		RequiredRole:      string(t.RequiredRole),
		RequiredApprovals: t.RequiredApprovals,
		CurrentApprovals:  t.CurrentApprovals,
		CurrentRejections: t.CurrentRejections,
		Status:            t.Status.String(),
		AutoApproved:      t.AutoApproved,
		SLAWarningAt:      t.SLAWarningAt,
		SLADeadlineAt:     t.SLADeadlineAt,
		EscalatedAt:       t.EscalatedAt,
		ResolvedBy:        t.ResolvedBy,
		ResolvedAt:        t.ResolvedAt,
		CreatedAt:         t.CreatedAt,
		Records:           make([]ApprovalRecordView, 0, len(records)),
	}
	for _, r := range records {
		v.Records = append(v.Records, ApprovalRecordView{
			Actor:     r.Actor,
			Role:      string(r.ActorRole),
			Decision:  string(r.Decision),
			Comment:   r.Comment,
			CreatedAt: r.CreatedAt,
		})
	}
	return v
}

type ActionView struct {
	Seq            int        `json:"seq"`
	Priority       int        `json:"priority"`
	Type           string     `json:"type"`
	FromTier       string     `json:"from_tier,omitempty"`
	ToTier         string     `json:"to_tier,omitempty"`
	Asset          string     `json:"asset,omitempty"`
	Amount         string     `json:"amount"`
	Method         string     `json:"method"`
	MaxSlippageBps int64      `json:"max_slippage_bps"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	TxHash         string     `json:"tx_hash,omitempty"`
	GasUsed        uint64     `json:"gas_used,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty"`
}

type PlanView struct {
	ID               string     `json:"id"`
	Trigger          string     `json:"trigger"`
	Reason           string     `json:"reason"`
	Status           string     `json:"status"`
	RequiresApproval bool       `json:"requires_approval"`
	TicketID         *string    `json:"ticket_id,omitempty"`
	EstimatedGas     string     `json:"estimated_gas"`
	EstimatedSlipBps int64      `json:"estimated_slippage_bps"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	CreatedBy        string     `json:"created_by"`
	CreatedAt        time.Time  `json:"created_at"`
	ExecutedAt       *time.Time `json:"executed_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`

	Actions []ActionView `json:"actions"`
}

func planView(p *state.RebalancePlan) *PlanView {
	v := &PlanView{
		ID:               p.ID,
		Trigger:          string(p.Trigger),
		Reason:           p.Reason,
		Status:           p.Status.String(),
		RequiresApproval: p.RequiresApproval,
		TicketID:         p.TicketID,
		EstimatedGas:     amount(p.EstimatedGas),
		EstimatedSlipBps: p.EstimatedSlipBps,
		FailureReason:    p.FailureReason,
		CreatedBy:        p.CreatedBy,
		CreatedAt:        p.CreatedAt,
		ExecutedAt:       p.ExecutedAt,
		CompletedAt:      p.CompletedAt,
		Actions:          make([]ActionView, 0, len(p.Actions)),
	}
	for _, a := range p.Actions {
		av := ActionView{
			Seq:            a.Seq,
			Priority:       a.Priority,
			Type:           string(a.Type),
			Amount:         amount(a.Amount),
			Method:         a.Method,
			MaxSlippageBps: a.MaxSlippageBps,
			Status:         a.Status.String(),
			Attempts:       a.Attempts,
			GasUsed:        a.GasUsed,
			FailureReason:  a.FailureReason,
			ExecutedAt:     a.ExecutedAt,
		}
		if a.Type != state.ActionWaterfall {
			av.FromTier = a.FromTier.String()
			av.ToTier = a.ToTier.String()
		}
		if a.Asset != nil {
			av.Asset = a.Asset.Hex()
		}
		if a.TxHash != nil {
			av.TxHash = a.TxHash.Hex()
		}
		v.Actions = append(v.Actions, av)
	}
	return v
}

type RiskView struct {
	Level      string           `json:"level"`
	Score      int              `json:"score"`
	L1RatioBps int64            `json:"l1_ratio_bps"`
	Indicators []risk.Indicator `json:"indicators"`
	TakenAt    time.Time        `json:"taken_at"`
}

func riskView(s *risk.Snapshot) *RiskView {
	return &RiskView{
		Level:      s.Level.String(),
		Score:      s.Score,
		L1RatioBps: s.L1RatioBps,
		Indicators: s.Indicators,
		TakenAt:    s.TakenAt,
	}
}

type HorizonView struct {
	HorizonDays          int     `json:"horizon_days"`
	ConfirmedOutflow     string  `json:"confirmed_outflow"`
	ProbabilisticOutflow string  `json:"probabilistic_outflow"`
	ExpectedInflow       string  `json:"expected_inflow"`
	AvailableLiquidity   string  `json:"available_liquidity"`
	ShortfallProbability float64 `json:"shortfall_probability"`
	Recommendation       string  `json:"recommendation"`
	SuggestedAmount      string  `json:"suggested_amount,omitempty"`
}

type ForecastView struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Horizons    []HorizonView `json:"horizons"`
}

func forecastView(fs []*risk.Forecast) *ForecastView {
	v := &ForecastView{Horizons: make([]HorizonView, 0, len(fs))}
	for _, f := range fs {
		if f.CreatedAt.After(v.GeneratedAt) {
			v.GeneratedAt = f.CreatedAt
		}
		hv := HorizonView{
			HorizonDays:          f.HorizonDays,
			ConfirmedOutflow:     amount(f.ConfirmedOutflow),
			ProbabilisticOutflow: amount(f.ProbabilisticOutflow),
			ExpectedInflow:       amount(f.ExpectedInflow),
			AvailableLiquidity:   amount(f.AvailableLiquidity),
			ShortfallProbability: f.ShortfallProbability,
			Recommendation:       string(f.Recommendation),
		}
		if f.SuggestedAmount != nil && f.SuggestedAmount.Sign() > 0 {
			hv.SuggestedAmount = f.SuggestedAmount.String()
		}
		v.Horizons = append(v.Horizons, hv)
	}
	return v
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
