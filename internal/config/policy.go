package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Policy is the operator-editable half of configuration: tier targets, the
// approval rule table and risk indicator thresholds. Loaded from a YAML file;
// a missing file falls back to the compiled defaults below.
type Policy struct {
	Tiers      []TierPolicy       `yaml:"tiers"`
	Rules      []RulePolicy       `yaml:"rules"`
	Indicators []IndicatorPolicy  `yaml:"indicators"`
	Approvers  []ApproverEntry    `yaml:"approvers"`
	Weights    map[string]float64 `yaml:"weights"`
}

// ApproverEntry registers one operator wallet and its approval role.
// There are no compiled-in approvers; an empty list means every approval
// action is refused until the file names someone.
type ApproverEntry struct {
	Address string `yaml:"address"`
	Role    string `yaml:"role"`
}

// TierPolicy bounds one liquidity tier. All ratios in basis points.
type TierPolicy struct {
	Tier         string `yaml:"tier"`
	TargetBps    int64  `yaml:"target_bps"`
	MinBps       int64  `yaml:"min_bps"`
	MaxBps       int64  `yaml:"max_bps"`
	ThresholdBps int64  `yaml:"threshold_bps"`
}

// RulePolicy is one approval rule. Condition values are whole-token amounts
// for amount-like fields; the approval engine scales them to base units.
type RulePolicy struct {
	Name        string            `yaml:"name"`
	Type        string            `yaml:"type"`
	Conditions  []ConditionPolicy `yaml:"conditions"`
	Approvers   ApproverPolicy    `yaml:"approvers"`
	SLA         SLAPolicy         `yaml:"sla"`
	AutoApprove bool              `yaml:"auto_approve"`
}

type ConditionPolicy struct {
	Field string `yaml:"field"`
	Op    string `yaml:"op"` // GT, LT, GE, LE, EQ, NE
	Value string `yaml:"value"`
}

type ApproverPolicy struct {
	Role          string `yaml:"role"`
	MinCount      int    `yaml:"min_count"`
	TotalRequired int    `yaml:"total_required"`
}

type SLAPolicy struct {
	Warning    time.Duration `yaml:"warning"`
	Deadline   time.Duration `yaml:"deadline"`
	Escalation time.Duration `yaml:"escalation"`
	AutoReject bool          `yaml:"auto_reject"`
}

// IndicatorPolicy sets the severity boundaries for one risk indicator.
// Direction "below" means lower values are worse. The normal band is
// everything not past the warning boundary; the optional emergency boundary
// lifts severity to 4 (liquidity indicators carry one by default).
type IndicatorPolicy struct {
	Name      string `yaml:"name"`
	Category  string `yaml:"category"` // liquidity, price, concentration, redemption
	Direction string `yaml:"direction"` // below, above
	Warning   int64  `yaml:"warning"`
	Critical  int64  `yaml:"critical"`
	Emergency int64  `yaml:"emergency,omitempty"`
}

// LoadPolicy reads the policy file, falling back to defaults when the file
// does not exist.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return Policy{}, fmt.Errorf("read policy %s: %w", path, err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy %s: %w", path, err)
	}

	def := DefaultPolicy()
	if len(p.Tiers) == 0 {
		p.Tiers = def.Tiers
	}
	if len(p.Rules) == 0 {
		p.Rules = def.Rules
	}
	if len(p.Indicators) == 0 {
		p.Indicators = def.Indicators
	}
	if len(p.Weights) == 0 {
		p.Weights = def.Weights
	}

	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// Validate checks structural soundness of the policy tables.
func (p *Policy) Validate() error {
	seenTier := map[string]bool{}
	for _, t := range p.Tiers {
		if seenTier[t.Tier] {
			return fmt.Errorf("duplicate tier %q", t.Tier)
		}
		seenTier[t.Tier] = true
		if t.MinBps > t.TargetBps || t.TargetBps > t.MaxBps {
			return fmt.Errorf("tier %s: bounds must satisfy min <= target <= max", t.Tier)
		}
	}
	for _, r := range p.Rules {
		if r.Type == "" {
			return fmt.Errorf("rule %q: missing type", r.Name)
		}
		if r.Approvers.TotalRequired < 1 {
			return fmt.Errorf("rule %q: total_required must be >= 1", r.Name)
		}
		if r.SLA.Deadline <= 0 {
			return fmt.Errorf("rule %q: sla deadline must be positive", r.Name)
		}
		for _, c := range r.Conditions {
			switch c.Op {
			case "GT", "LT", "GE", "LE", "EQ", "NE":
			default:
				return fmt.Errorf("rule %q: unknown condition op %q", r.Name, c.Op)
			}
		}
	}
	for _, ind := range p.Indicators {
		switch ind.Direction {
		case "below", "above":
		default:
			return fmt.Errorf("indicator %s: direction must be below or above", ind.Name)
		}
	}
	for _, a := range p.Approvers {
		if !common.IsHexAddress(a.Address) {
			return fmt.Errorf("approver %q: not a hex address", a.Address)
		}
		switch a.Role {
		case "OPERATOR", "MANAGER", "VIP_APPROVER", "ADMIN", "EMERGENCY_APPROVER":
		default:
			return fmt.Errorf("approver %s: unknown role %q", a.Address, a.Role)
		}
	}
	return nil
}

// DefaultPolicy returns the compiled-in policy tables.
func DefaultPolicy() Policy {
	return Policy{
		Tiers: []TierPolicy{
			{Tier: "L1", TargetBps: 1000, MinBps: 800, MaxBps: 1500, ThresholdBps: 200},
			{Tier: "L2", TargetBps: 3000, MinBps: 2500, MaxBps: 3500, ThresholdBps: 300},
			{Tier: "L3", TargetBps: 6000, MinBps: 5500, MaxBps: 6500, ThresholdBps: 300},
		},
		Rules: []RulePolicy{
			{
				Name: "redemption-small-auto",
				Type: "REDEMPTION",
				Conditions: []ConditionPolicy{
					{Field: "amount", Op: "LT", Value: "30000"},
				},
				Approvers:   ApproverPolicy{Role: "OPERATOR", MinCount: 1, TotalRequired: 1},
				SLA:         SLAPolicy{Warning: 4 * time.Hour, Deadline: 24 * time.Hour},
				AutoApprove: true,
			},
			{
				Name: "redemption-standard",
				Type: "REDEMPTION",
				Conditions: []ConditionPolicy{
					{Field: "amount", Op: "GE", Value: "30000"},
					{Field: "amount", Op: "LT", Value: "100000"},
				},
				Approvers: ApproverPolicy{Role: "OPERATOR", MinCount: 1, TotalRequired: 1},
				SLA:       SLAPolicy{Warning: 4 * time.Hour, Deadline: 24 * time.Hour},
			},
			{
				Name: "redemption-large",
				Type: "REDEMPTION",
				Conditions: []ConditionPolicy{
					{Field: "amount", Op: "GE", Value: "100000"},
				},
				Approvers: ApproverPolicy{Role: "MANAGER", MinCount: 2, TotalRequired: 2},
				SLA:       SLAPolicy{Warning: 2 * time.Hour, Deadline: 12 * time.Hour},
			},
			{
				Name: "redemption-emergency",
				Type: "EMERGENCY_REDEMPTION",
				Conditions: []ConditionPolicy{
					{Field: "amount", Op: "GT", Value: "30000"},
				},
				Approvers: ApproverPolicy{Role: "EMERGENCY_APPROVER", MinCount: 1, TotalRequired: 1},
				SLA:       SLAPolicy{Warning: 30 * time.Minute, Deadline: 2 * time.Hour, Escalation: 30 * time.Minute, AutoReject: true},
			},
			{
				Name:      "rebalance",
				Type:      "REBALANCE",
				Approvers: ApproverPolicy{Role: "MANAGER", MinCount: 2, TotalRequired: 2},
				SLA:       SLAPolicy{Warning: 2 * time.Hour, Deadline: 12 * time.Hour},
			},
			{
				Name:      "asset-add",
				Type:      "ASSET_ADD",
				Approvers: ApproverPolicy{Role: "ADMIN", MinCount: 2, TotalRequired: 2},
				SLA:       SLAPolicy{Warning: 12 * time.Hour, Deadline: 48 * time.Hour},
			},
			{
				Name:      "asset-remove",
				Type:      "ASSET_REMOVE",
				Approvers: ApproverPolicy{Role: "ADMIN", MinCount: 3, TotalRequired: 3},
				SLA:       SLAPolicy{Warning: 12 * time.Hour, Deadline: 48 * time.Hour},
			},
			{
				Name:      "config-change",
				Type:      "CONFIG_CHANGE",
				Approvers: ApproverPolicy{Role: "ADMIN", MinCount: 2, TotalRequired: 2},
				SLA:       SLAPolicy{Warning: 4 * time.Hour, Deadline: 24 * time.Hour},
			},
		},
		Indicators: []IndicatorPolicy{
			{Name: "l1_ratio", Category: "liquidity", Direction: "below", Warning: 800, Critical: 500, Emergency: 300},
			{Name: "l1_l2_ratio", Category: "liquidity", Direction: "below", Warning: 3300, Critical: 2500, Emergency: 1500},
			{Name: "redemption_coverage", Category: "liquidity", Direction: "below", Warning: 15000, Critical: 11000, Emergency: 10000},
			{Name: "liquidity_gap_7d", Category: "liquidity", Direction: "above", Warning: 100, Critical: 500, Emergency: 1500},
			{Name: "nav_volatility_24h", Category: "price", Direction: "above", Warning: 100, Critical: 300},
			{Name: "asset_price_deviation", Category: "price", Direction: "above", Warning: 100, Critical: 300},
			{Name: "oracle_staleness", Category: "price", Direction: "above", Warning: 3600, Critical: 21600},
			{Name: "single_asset", Category: "concentration", Direction: "above", Warning: 3500, Critical: 5000},
			{Name: "top3", Category: "concentration", Direction: "above", Warning: 7000, Critical: 8500},
			{Name: "counterparty", Category: "concentration", Direction: "above", Warning: 4000, Critical: 6000},
			{Name: "daily_redemption_rate", Category: "redemption", Direction: "above", Warning: 500, Critical: 1000},
			{Name: "pending_approval_ratio", Category: "redemption", Direction: "above", Warning: 3000, Critical: 6000},
			{Name: "redemption_velocity_7d", Category: "redemption", Direction: "above", Warning: 1000, Critical: 2000},
		},
		Weights: map[string]float64{
			"liquidity":     0.35,
			"price":         0.20,
			"concentration": 0.20,
			"redemption":    0.25,
		},
	}
}

// Tier returns the policy row for a tier name, or false when absent.
func (p *Policy) Tier(name string) (TierPolicy, bool) {
	for _, t := range p.Tiers {
		if t.Tier == name {
			return t, true
		}
	}
	return TierPolicy{}, false
}

// Indicator returns the policy row for an indicator name, or false when absent.
func (p *Policy) Indicator(name string) (IndicatorPolicy, bool) {
	for _, ind := range p.Indicators {
		if ind.Name == name {
			return ind, true
		}
	}
	return IndicatorPolicy{}, false
}
