package approval_test

import (
	"testing"
	"time"

	"PaimonControl/internal/approval"
	"PaimonControl/internal/config"
	"PaimonControl/internal/fault"
	fpmath "PaimonControl/internal/math"
	"PaimonControl/internal/state"
)

func defaultRules(t *testing.T) *approval.RuleSet {
	t.Helper()
	rs, err := approval.CompileRules(config.DefaultPolicy().Rules)
	if err != nil {
		t.Fatalf("CompileRules: %v", err)
	}
	return rs
}

func amountData(whole int64) approval.RequestData {
	return approval.RequestData{"amount": fpmath.BaseUnits(whole).String()}
}

func TestRuleMatchPicksByAmountBand(t *testing.T) {
	rs := defaultRules(t)

	cases := []struct {
		whole    int64
		rule     string
		role     state.Role
		required int
		auto     bool
	}{
		{25_000, "redemption-small-auto", state.RoleOperator, 1, true},
		{30_000, "redemption-standard", state.RoleOperator, 1, false},
		{99_999, "redemption-standard", state.RoleOperator, 1, false},
		{100_000, "redemption-large", state.RoleManager, 2, false},
		{250_000, "redemption-large", state.RoleManager, 2, false},
	}
	for _, tc := range cases {
		rule, err := rs.Match(state.TicketTypeRedemption, amountData(tc.whole))
		if err != nil {
			t.Fatalf("Match(%d): %v", tc.whole, err)
		}
		if rule.Name != tc.rule {
			t.Errorf("amount %d matched %q, want %q", tc.whole, rule.Name, tc.rule)
		}
		if rule.RequiredRole != tc.role || rule.RequiredApprovals != tc.required {
			t.Errorf("amount %d: got %s x%d, want %s x%d",
				tc.whole, rule.RequiredRole, rule.RequiredApprovals, tc.role, tc.required)
		}
		if rule.AutoApprove != tc.auto {
			t.Errorf("amount %d: auto=%v, want %v", tc.whole, rule.AutoApprove, tc.auto)
		}
	}
}

func TestRuleMatchEmergencyChannel(t *testing.T) {
	rs := defaultRules(t)

	rule, err := rs.Match(state.TicketTypeEmergencyRedemption, amountData(40_000))
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if rule.Name != "redemption-emergency" {
		t.Fatalf("matched %q, want redemption-emergency", rule.Name)
	}
	if rule.RequiredRole != state.RoleEmergencyApprover {
		t.Errorf("required role = %s, want EMERGENCY_APPROVER", rule.RequiredRole)
	}
	if !rule.AutoReject {
		t.Error("emergency rule should auto-reject on deadline")
	}
	if rule.Deadline != 2*time.Hour || rule.Escalation != 30*time.Minute {
		t.Errorf("sla = (%s, esc %s), want (2h, esc 30m)", rule.Deadline, rule.Escalation)
	}
}

func TestRuleMatchNothingMatches(t *testing.T) {
	rs := defaultRules(t)

	// Small emergency redemptions fall below the only emergency rule.
	_, err := rs.Match(state.TicketTypeEmergencyRedemption, amountData(10_000))
	if err == nil {
		t.Fatal("expected no rule to match")
	}
	if !fault.Is(err, fault.KindRuleNotMatched) {
		t.Fatalf("kind = %s, want RuleNotMatched", fault.KindOf(err))
	}
}

func TestRuleMatchTypeWithoutConditions(t *testing.T) {
	rs := defaultRules(t)

	rule, err := rs.Match(state.TicketTypeRebalance, approval.RequestData{"plan_id": "RBL-00000001"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if rule.Name != "rebalance" || rule.RequiredApprovals != 2 {
		t.Fatalf("got %q x%d, want rebalance x2", rule.Name, rule.RequiredApprovals)
	}
}

func TestRuleTextConditions(t *testing.T) {
	rs, err := approval.CompileRules([]config.RulePolicy{
		{
			Name: "scheduled-only",
			Type: "REDEMPTION",
			Conditions: []config.ConditionPolicy{
				{Field: "channel", Op: "EQ", Value: "SCHEDULED"},
			},
			Approvers: config.ApproverPolicy{Role: "OPERATOR", TotalRequired: 1},
			SLA:       config.SLAPolicy{Warning: time.Hour, Deadline: 2 * time.Hour},
		},
	})
	if err != nil {
		t.Fatalf("CompileRules: %v", err)
	}

	if _, err := rs.Match(state.TicketTypeRedemption, approval.RequestData{"channel": "SCHEDULED"}); err != nil {
		t.Fatalf("scheduled channel should match: %v", err)
	}
	if _, err := rs.Match(state.TicketTypeRedemption, approval.RequestData{"channel": "STANDARD"}); !fault.Is(err, fault.KindRuleNotMatched) {
		t.Fatalf("standard channel should not match, got %v", err)
	}
}

func TestCompileRejectsBadPolicies(t *testing.T) {
	bad := []config.RulePolicy{
		{
			Name:      "unknown-role",
			Type:      "REDEMPTION",
			Approvers: config.ApproverPolicy{Role: "JANITOR", TotalRequired: 1},
		},
		{
			Name:      "zero-approvals",
			Type:      "REDEMPTION",
			Approvers: config.ApproverPolicy{Role: "OPERATOR"},
		},
		{
			Name:       "bad-op",
			Type:       "REDEMPTION",
			Conditions: []config.ConditionPolicy{{Field: "amount", Op: "LIKE", Value: "1"}},
			Approvers:  config.ApproverPolicy{Role: "OPERATOR", TotalRequired: 1},
		},
		{
			Name:       "ordered-op-on-text",
			Type:       "REDEMPTION",
			Conditions: []config.ConditionPolicy{{Field: "channel", Op: "GT", Value: "STANDARD"}},
			Approvers:  config.ApproverPolicy{Role: "OPERATOR", TotalRequired: 1},
		},
	}
	for _, p := range bad {
		if _, err := approval.CompileRules([]config.RulePolicy{p}); err == nil {
			t.Errorf("policy %q should not compile", p.Name)
		}
	}
}

func TestRuleAmountsScaleToBaseUnits(t *testing.T) {
	rs := defaultRules(t)

	// A raw "30000" without the 18-digit scale is far below every band
	// and must hit the small-amount rule, not redemption-standard.
	rule, err := rs.Match(state.TicketTypeRedemption, approval.RequestData{"amount": "30000"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if rule.Name != "redemption-small-auto" {
		t.Fatalf("unscaled amount matched %q, want redemption-small-auto", rule.Name)
	}
}
