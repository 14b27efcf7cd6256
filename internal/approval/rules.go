// Package approval gates privileged operations behind declarative,
// role-based human sign-off. Tickets are created from chain events
// (redemptions flagged requires_approval) or by other engines (rebalance
// plans, asset changes), matched against a first-match rule table, and
// resolved by operator actions or SLA expiry. Terminal outcomes feed a
// result processor that commits the decision back on chain or into the
// owning engine.
package approval

import (
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/pkg/errors"

	"PaimonControl/internal/config"
	"PaimonControl/internal/fault"
	fpmath "PaimonControl/internal/math"
	"PaimonControl/internal/state"
)

// RequestData is the flat request payload a ticket is matched and frozen
// with. Values are strings: amounts in base units (decimal), everything
// else verbatim.
type RequestData map[string]string

// amountFields are matched numerically with the policy value scaled from
// whole tokens to base units. Every other field compares as text.
var amountFields = map[string]bool{
	"amount": true,
}

type condition struct {
	field string
	op    string
	num   *big.Int // base units when the field is an amount
	str   string
}

func (c condition) eval(data RequestData) bool {
	raw, ok := data[c.field]
	if !ok {
		return false
	}
	if c.num != nil {
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return false
		}
		cmp := v.Cmp(c.num)
		switch c.op {
		case "GT":
			return cmp > 0
		case "LT":
			return cmp < 0
		case "GE":
			return cmp >= 0
		case "LE":
			return cmp <= 0
		case "EQ":
			return cmp == 0
		case "NE":
			return cmp != 0
		}
		return false
	}
	switch c.op {
	case "EQ":
		return raw == c.str
	case "NE":
		return raw != c.str
	}
	return false
}

// Rule is one compiled approval rule. Snapshot carries the source policy
// so tickets can freeze the rule as JSON at creation time.
type Rule struct {
	Name              string
	Type              state.TicketType
	RequiredRole      state.Role
	RequiredApprovals int
	Warning           time.Duration
	Deadline          time.Duration
	Escalation        time.Duration // zero = no escalation
	AutoReject        bool
	AutoApprove       bool

	conditions []condition
	snapshot   json.RawMessage
}

// Snapshot returns the frozen JSON form of the source policy.
func (r *Rule) Snapshot() json.RawMessage {
	return r.snapshot
}

func (r *Rule) matches(tt state.TicketType, data RequestData) bool {
	if r.Type != tt {
		return false
	}
	for _, c := range r.conditions {
		if !c.eval(data) {
			return false
		}
	}
	return true
}

// RuleSet holds the compiled rules in policy order.
type RuleSet struct {
	rules []Rule
}

// CompileRules validates and compiles the policy rule table. Order is
// preserved: matching is first-match, so specific rules must precede
// broad ones in the file.
func CompileRules(policies []config.RulePolicy) (*RuleSet, error) {
	rs := &RuleSet{rules: make([]Rule, 0, len(policies))}
	for i := range policies {
		r, err := compileRule(&policies[i])
		if err != nil {
			return nil, errors.Wrapf(err, "rule %q", policies[i].Name)
		}
		rs.rules = append(rs.rules, *r)
	}
	return rs, nil
}

func compileRule(p *config.RulePolicy) (*Rule, error) {
	role := state.Role(p.Approvers.Role)
	if !role.Known() {
		return nil, errors.Errorf("unknown approver role %q", p.Approvers.Role)
	}
	if p.Approvers.TotalRequired < 1 {
		return nil, errors.New("total_required must be at least 1")
	}

	r := &Rule{
		Name:              p.Name,
		Type:              state.TicketType(p.Type),
		RequiredRole:      role,
		RequiredApprovals: p.Approvers.TotalRequired,
		Warning:           p.SLA.Warning,
		Deadline:          p.SLA.Deadline,
		Escalation:        p.SLA.Escalation,
		AutoReject:        p.SLA.AutoReject,
		AutoApprove:       p.AutoApprove,
	}
	for _, c := range p.Conditions {
		cc, err := compileCondition(c)
		if err != nil {
			return nil, err
		}
		r.conditions = append(r.conditions, cc)
	}

	snap, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "marshal rule snapshot")
	}
	r.snapshot = snap
	return r, nil
}

func compileCondition(p config.ConditionPolicy) (condition, error) {
	op := strings.ToUpper(p.Op)
	switch op {
	case "GT", "LT", "GE", "LE", "EQ", "NE":
	default:
		return condition{}, errors.Errorf("unknown condition op %q", p.Op)
	}

	c := condition{field: p.Field, op: op, str: p.Value}
	if n, ok := new(big.Int).SetString(p.Value, 10); ok {
		if amountFields[p.Field] {
			n.Mul(n, fpmath.BaseUnitScale)
		}
		c.num = n
	} else if op != "EQ" && op != "NE" {
		return condition{}, errors.Errorf("op %s needs a numeric value, got %q", op, p.Value)
	}
	return c, nil
}

// Match returns the first rule whose type and conditions fit the request.
func (rs *RuleSet) Match(tt state.TicketType, data RequestData) (*Rule, error) {
	for i := range rs.rules {
		if rs.rules[i].matches(tt, data) {
			return &rs.rules[i], nil
		}
	}
	return nil, fault.Newf(fault.KindRuleNotMatched, "approval.Match", "no rule matches %s request", tt)
}
