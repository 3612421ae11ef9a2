package pipeline

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/insightdelivered/statement-engine/internal/config"
	"github.com/insightdelivered/statement-engine/internal/models"
	"github.com/insightdelivered/statement-engine/internal/registry"
	"github.com/insightdelivered/statement-engine/internal/rules"
)

// Built-in component ids referenced by template pipeline specs.
const (
	ComponentFieldCleaner   = "field_cleaner"
	ComponentFieldValidator = "field_validator"
	ComponentRuleClassifier = "rule_classifier"
)

// RegisterComponents wires the built-in processing units into the
// registry. Called once at startup, before any assembly.
func RegisterComponents(reg *registry.Registry, lib *rules.Library) {
	reg.MustRegister(ComponentFieldCleaner, func() registry.Component { return &FieldCleaner{} })
	reg.MustRegister(ComponentFieldValidator, func() registry.Component { return &FieldValidator{lib: lib} })
	reg.MustRegister(ComponentRuleClassifier, func() registry.Component { return &RuleClassifier{lib: lib} })
}

// dateFormats are tried in order when converting date fields. Templates
// may prepend their own via the date_formats parameter.
var dateFormats = []string{
	"20060102",
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"02/01/06",
	"2 Jan 2006",
	"2 Jan 06",
	"2-Jan-2006",
}

// FieldCleaner converts raw extracted strings into typed values: dates,
// decimal amounts, direction, and split counterparty name/account. Cast
// failures are recoverable: the offending field is marked and processing
// continues.
type FieldCleaner struct {
	cfg             *config.Effective
	formats         []string
	defaultCurrency string
}

func (c *FieldCleaner) Init(cfg *config.Effective, params map[string]any) error {
	c.cfg = cfg
	c.formats = dateFormats
	if v, ok := params["date_formats"]; ok {
		extra, err := toStringSlice(v)
		if err != nil {
			return fmt.Errorf("date_formats: %w", err)
		}
		c.formats = append(extra, dateFormats...)
	}
	if v, ok := params["default_currency"]; ok {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("default_currency must be a string")
		}
		c.defaultCurrency = s
	}
	return nil
}

func (c *FieldCleaner) Execute(pc *models.Context) (models.Outcome, error) {
	v, ok := pc.Snapshot(models.SnapshotRawRecords)
	if !ok {
		return models.OutcomeFailure, fmt.Errorf("field cleaner: no parsed records to clean")
	}
	raw := v.([]models.RawTransaction)

	cleaned := make([]models.EnhancedTransaction, 0, len(raw))
	for _, r := range raw {
		t := models.EnhancedTransaction{
			Fields:   r.Fields,
			Page:     r.Page,
			Line:     r.Line,
			Currency: c.defaultCurrency,
		}
		for _, key := range r.Missing {
			t.FailField(key, "not extracted")
		}

		if s := r.Field(models.FieldDate); s != "" {
			date, err := parseDate(s, c.formats)
			if err != nil {
				pc.WarnAt(models.WarnFieldCast, fmt.Sprintf("unparseable date %q", s), r.Page, r.Line)
				t.FailField(models.FieldDate, "unparseable date")
			} else {
				t.Date = date
			}
		}

		if s := r.Field(models.FieldAmount); s != "" {
			amount, err := ParseAmount(s)
			if err != nil {
				pc.WarnAt(models.WarnFieldCast, fmt.Sprintf("unparseable amount %q", s), r.Page, r.Line)
				t.FailField(models.FieldAmount, "unparseable amount")
			} else {
				if amount.IsNegative() {
					t.Direction = models.DirectionExpense
					amount = amount.Abs()
				} else {
					t.Direction = models.DirectionIncome
				}
				t.Amount = amount
			}
		}

		if s := r.Field(models.FieldBalance); s != "" {
			balance, err := ParseAmount(s)
			if err != nil {
				pc.WarnAt(models.WarnFieldCast, fmt.Sprintf("unparseable balance %q", s), r.Page, r.Line)
				t.FailField(models.FieldBalance, "unparseable balance")
			} else {
				t.Balance = balance
			}
		}

		if s := r.Field(models.FieldCurrency); s != "" {
			t.Currency = NormalizeCurrency(s)
		}
		t.Type = strings.TrimSpace(r.Field(models.FieldType))

		name, account := SplitCounterparty(r.Field(models.FieldCounterparty))
		t.CounterpartyName = name
		if explicit := strings.TrimSpace(r.Field(models.FieldCounterpartyAccount)); explicit != "" {
			t.CounterpartyAccount = explicit
		} else {
			t.CounterpartyAccount = account
		}

		cleaned = append(cleaned, t)
	}

	pc.SetSnapshot(models.SnapshotTransactions, cleaned)
	return models.OutcomeSuccess, nil
}

// FieldValidator checks required fields and runs the template's
// validation rule sets over every transaction.
type FieldValidator struct {
	lib  *rules.Library
	cfg  *config.Effective
	sets []*rules.RuleSet
}

func (v *FieldValidator) Init(cfg *config.Effective, params map[string]any) error {
	v.cfg = cfg
	ids := cfg.Rules.Validation
	if raw, ok := params["rule_sets"]; ok {
		override, err := toStringSlice(raw)
		if err != nil {
			return fmt.Errorf("rule_sets: %w", err)
		}
		ids = override
	}
	for _, id := range ids {
		set, err := v.lib.Get(id)
		if err != nil {
			return err
		}
		v.sets = append(v.sets, set)
	}
	return nil
}

func (v *FieldValidator) Execute(pc *models.Context) (models.Outcome, error) {
	snap, ok := pc.Snapshot(models.SnapshotTransactions)
	if !ok {
		return models.OutcomeFailure, fmt.Errorf("field validator: no cleaned transactions")
	}
	txns := snap.([]models.EnhancedTransaction)

	for i := range txns {
		t := &txns[i]
		for _, col := range v.cfg.Columns {
			if col.Required && t.Fields[col.Key] == "" {
				t.FailField(col.Key, "required field missing")
			}
		}
		for _, set := range v.sets {
			set.Evaluate(t, pc)
		}
	}

	pc.SetSnapshot(models.SnapshotTransactions, txns)
	return models.OutcomeSuccess, nil
}

// RuleClassifier assigns categories and tags by evaluating the template's
// classification rule set.
type RuleClassifier struct {
	lib *rules.Library
	set *rules.RuleSet
}

func (c *RuleClassifier) Init(cfg *config.Effective, params map[string]any) error {
	id := cfg.Rules.Classification
	if raw, ok := params["rule_set"]; ok {
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("rule_set must be a string")
		}
		id = s
	}
	if id == "" {
		return fmt.Errorf("no classification rule set configured")
	}
	set, err := c.lib.Get(id)
	if err != nil {
		return err
	}
	c.set = set
	return nil
}

func (c *RuleClassifier) Execute(pc *models.Context) (models.Outcome, error) {
	snap, ok := pc.Snapshot(models.SnapshotTransactions)
	if !ok {
		return models.OutcomeFailure, fmt.Errorf("rule classifier: no cleaned transactions")
	}
	txns := snap.([]models.EnhancedTransaction)

	for i := range txns {
		c.set.Evaluate(&txns[i], pc)
	}

	pc.SetSnapshot(models.SnapshotTransactions, txns)
	return models.OutcomeSuccess, nil
}

var (
	currencySymbols    = strings.NewReplacer("£", "", "$", "", "€", "", "¥", "", "￥", "", ",", "", " ", "", " ", "")
	counterpartyAccRE  = regexp.MustCompile(`^\d{8,19}$`)
	trailingCreditMark = regexp.MustCompile(`(?i)\s*CR$`)
)

// currencyNames maps the currency labels Chinese statements print to ISO
// 4217 codes.
var currencyNames = map[string]string{
	"人民币": "CNY",
	"美元":  "USD",
	"港币":  "HKD",
	"港元":  "HKD",
	"欧元":  "EUR",
	"英镑":  "GBP",
	"日元":  "JPY",
}

// NormalizeCurrency converts a statement currency label to an ISO code:
// Chinese names are translated, anything else is upper-cased as-is.
func NormalizeCurrency(s string) string {
	s = strings.TrimSpace(s)
	if code, ok := currencyNames[s]; ok {
		return code
	}
	return strings.ToUpper(s)
}

// ParseAmount converts strings like "1,234.56", "-£1,234.56", "(300.00)"
// or "1,234.56CR" into a decimal. Parentheses and a CR suffix mean
// negative, following common statement conventions.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	if trailingCreditMark.MatchString(s) {
		negative = true
		s = trailingCreditMark.ReplaceAllString(s, "")
	}
	s = currencySymbols.Replace(s)
	if s == "" || s == "-" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// SplitCounterparty separates "name account" counterparty text: a
// trailing 8-19 digit token is the account number, the rest the name.
func SplitCounterparty(s string) (name, account string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	parts := strings.Fields(s)
	if len(parts) >= 2 && counterpartyAccRE.MatchString(parts[len(parts)-1]) {
		return strings.Join(parts[:len(parts)-1], " "), parts[len(parts)-1]
	}
	return s, ""
}

func parseDate(s string, formats []string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range formats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("no date format matched %q", s)
}

func toStringSlice(v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("non-string item %v", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
}
