// Package rules evaluates externally authored condition/action rule sets
// against transactions. The condition grammar is closed (equality, regex,
// numeric range, set membership, keyword containment, boolean combinators)
// so rule files can be fully validated at load time.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudflare/ahocorasick"
	"github.com/shopspring/decimal"

	"github.com/insightdelivered/statement-engine/internal/models"
)

// RuleSet is an ordered list of rules under a stable identifier.
type RuleSet struct {
	ID    string `yaml:"id"`
	Rules []Rule `yaml:"rules"`
}

// Rule pairs a condition with the actions that fire when it matches.
// Every matching rule in a set fires, in declared order, unless a matching
// rule is Terminal, which stops evaluation of the set after its actions.
type Rule struct {
	ID       string    `yaml:"id"`
	When     Condition `yaml:"when"`
	Then     []Action  `yaml:"then"`
	Terminal bool      `yaml:"terminal,omitempty"`
}

// Condition is a node of the boolean expression tree. Exactly one of the
// combinators (all/any/not) or a leaf (field+op) may be set.
type Condition struct {
	All []Condition `yaml:"all,omitempty"`
	Any []Condition `yaml:"any,omitempty"`
	Not *Condition  `yaml:"not,omitempty"`

	Field string `yaml:"field,omitempty"`
	Op    string `yaml:"op,omitempty"`
	Value any    `yaml:"value,omitempty"`

	re      *regexp.Regexp       // compiled for op: matches
	matcher *ahocorasick.Matcher // compiled for op: contains_any
	num     decimal.Decimal      // parsed for numeric ops
	list    []string             // normalized for op: in / contains_any
}

// Leaf operators.
const (
	OpEq          = "eq"
	OpNe          = "ne"
	OpMatches     = "matches"
	OpGt          = "gt"
	OpGte         = "gte"
	OpLt          = "lt"
	OpLte         = "lte"
	OpIn          = "in"
	OpContainsAny = "contains_any"
)

// Action mutates the record or records a context warning. Exactly one
// field may be set per action.
type Action struct {
	Category  string     `yaml:"category,omitempty"`
	AddTag    string     `yaml:"add_tag,omitempty"`
	FailField *FailField `yaml:"fail_field,omitempty"`
	Warn      string     `yaml:"warn,omitempty"`
}

// FailField marks a field-level validation failure on the record.
type FailField struct {
	Field  string `yaml:"field"`
	Reason string `yaml:"reason"`
}

// Applied reports what a rule set did to one record.
type Applied struct {
	Fired      []string // ids of rules whose condition matched
	Terminated bool     // a terminal rule stopped the set
}

// Compile validates the rule set against the closed grammar and prepares
// regexes, keyword matchers and numeric constants. A set that fails
// Compile is rejected at load time and never evaluated.
func (s *RuleSet) Compile() error {
	if s.ID == "" {
		return fmt.Errorf("rule set missing id")
	}
	for i := range s.Rules {
		r := &s.Rules[i]
		if r.ID == "" {
			r.ID = fmt.Sprintf("%s#%d", s.ID, i)
		}
		if err := r.When.compile(); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
		if len(r.Then) == 0 {
			return fmt.Errorf("rule %s: no actions", r.ID)
		}
		for j := range r.Then {
			if err := r.Then[j].validate(); err != nil {
				return fmt.Errorf("rule %s: %w", r.ID, err)
			}
		}
	}
	return nil
}

func (a *Action) validate() error {
	set := 0
	if a.Category != "" {
		set++
	}
	if a.AddTag != "" {
		set++
	}
	if a.FailField != nil {
		set++
		if a.FailField.Field == "" {
			return fmt.Errorf("fail_field action missing field")
		}
	}
	if a.Warn != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("action must set exactly one of category, add_tag, fail_field, warn")
	}
	return nil
}

func (c *Condition) compile() error {
	combinators := 0
	if len(c.All) > 0 {
		combinators++
	}
	if len(c.Any) > 0 {
		combinators++
	}
	if c.Not != nil {
		combinators++
	}

	if combinators > 0 {
		if combinators > 1 || c.Field != "" || c.Op != "" {
			return fmt.Errorf("condition mixes combinators and leaf fields")
		}
		for i := range c.All {
			if err := c.All[i].compile(); err != nil {
				return err
			}
		}
		for i := range c.Any {
			if err := c.Any[i].compile(); err != nil {
				return err
			}
		}
		if c.Not != nil {
			return c.Not.compile()
		}
		return nil
	}

	if c.Field == "" || c.Op == "" {
		return fmt.Errorf("empty condition")
	}

	switch c.Op {
	case OpEq, OpNe:
		// string or numeric compare, resolved at evaluation time
	case OpMatches:
		pattern, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("matches needs a string pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		c.re = re
	case OpGt, OpGte, OpLt, OpLte:
		num, err := decimalValue(c.Value)
		if err != nil {
			return fmt.Errorf("%s needs a numeric value: %w", c.Op, err)
		}
		c.num = num
	case OpIn, OpContainsAny:
		items, err := stringList(c.Value)
		if err != nil {
			return fmt.Errorf("%s needs a list of strings: %w", c.Op, err)
		}
		c.list = items
		if c.Op == OpContainsAny {
			upper := make([][]byte, len(items))
			for i, item := range items {
				upper[i] = []byte(strings.ToUpper(item))
			}
			c.matcher = ahocorasick.NewMatcher(upper)
		}
	default:
		return fmt.Errorf("unknown operator %q", c.Op)
	}
	return nil
}

func decimalValue(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		return decimal.NewFromString(n)
	default:
		return decimal.Zero, fmt.Errorf("not a number: %v", v)
	}
}

func stringList(v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("non-string list item: %v", item)
			}
			out = append(out, s)
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("empty list")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("not a list: %v", v)
	}
}

// Evaluate applies the rule set to one transaction. Actions mutate the
// transaction; warn actions and ambiguity warnings land on the context.
func (s *RuleSet) Evaluate(t *models.EnhancedTransaction, pc *models.Context) Applied {
	var applied Applied
	for i := range s.Rules {
		r := &s.Rules[i]
		if !r.When.eval(t) {
			continue
		}
		applied.Fired = append(applied.Fired, r.ID)

		categorySet := false
		for j := range r.Then {
			a := &r.Then[j]
			switch {
			case a.Category != "":
				if categorySet && t.Category != a.Category {
					// Two category actions inside one matched rule
					// disagree: first-declared wins, documented default.
					if pc != nil {
						pc.Warn(models.WarnAmbiguousRule,
							fmt.Sprintf("rule %s assigns both %q and %q; keeping %q", r.ID, t.Category, a.Category, t.Category))
					}
					continue
				}
				t.Category = a.Category
				categorySet = true
			case a.AddTag != "":
				t.AddTag(a.AddTag)
			case a.FailField != nil:
				t.FailField(a.FailField.Field, a.FailField.Reason)
			case a.Warn != "":
				if pc != nil {
					pc.Warn(models.WarnRule, a.Warn)
				}
			}
		}

		if r.Terminal {
			applied.Terminated = true
			break
		}
	}
	return applied
}

func (c *Condition) eval(t *models.EnhancedTransaction) bool {
	switch {
	case len(c.All) > 0:
		for i := range c.All {
			if !c.All[i].eval(t) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for i := range c.Any {
			if c.Any[i].eval(t) {
				return true
			}
		}
		return false
	case c.Not != nil:
		return !c.Not.eval(t)
	}

	str, num, isNum := fieldValue(t, c.Field)
	switch c.Op {
	case OpEq, OpNe:
		eq := false
		if want, err := decimalValue(c.Value); err == nil && isNum {
			eq = num.Equal(want)
		} else {
			eq = strings.EqualFold(str, fmt.Sprintf("%v", c.Value))
		}
		if c.Op == OpNe {
			return !eq
		}
		return eq
	case OpMatches:
		return c.re.MatchString(str)
	case OpGt:
		return isNum && num.GreaterThan(c.num)
	case OpGte:
		return isNum && num.GreaterThanOrEqual(c.num)
	case OpLt:
		return isNum && num.LessThan(c.num)
	case OpLte:
		return isNum && num.LessThanOrEqual(c.num)
	case OpIn:
		for _, item := range c.list {
			if strings.EqualFold(str, item) {
				return true
			}
		}
		return false
	case OpContainsAny:
		return len(c.matcher.Match([]byte(strings.ToUpper(str)))) > 0
	}
	return false
}

// fieldValue resolves a condition field against the transaction's typed
// fields first, then its raw field map.
func fieldValue(t *models.EnhancedTransaction, key string) (string, decimal.Decimal, bool) {
	switch key {
	case models.FieldAmount:
		return t.Amount.String(), t.Amount, true
	case models.FieldBalance:
		return t.Balance.String(), t.Balance, true
	case models.FieldDate:
		if t.Date.IsZero() {
			return "", decimal.Zero, false
		}
		return t.Date.Format("2006-01-02"), decimal.Zero, false
	case models.FieldCurrency:
		return t.Currency, decimal.Zero, false
	case models.FieldType:
		return t.Type, decimal.Zero, false
	case models.FieldCounterparty:
		return t.CounterpartyName, decimal.Zero, false
	case models.FieldCounterpartyAccount:
		return t.CounterpartyAccount, decimal.Zero, false
	case "direction":
		return t.Direction, decimal.Zero, false
	case "category":
		return t.Category, decimal.Zero, false
	}

	raw := t.Fields[key]
	if num, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", "")); err == nil && raw != "" {
		return raw, num, true
	}
	return raw, decimal.Zero, false
}
