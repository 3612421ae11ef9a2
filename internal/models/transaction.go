package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Well-known field keys used by templates and processing components.
// Templates may declare additional keys; these are the ones the cleaning
// and validation stages know how to type.
const (
	FieldDate                = "date"
	FieldCurrency            = "currency"
	FieldAmount              = "amount"
	FieldBalance             = "balance"
	FieldType                = "type"
	FieldCounterparty        = "counterparty"
	FieldCounterpartyAccount = "counterparty_account"
)

// Direction of money movement from the account holder's perspective.
const (
	DirectionIncome  = "income"
	DirectionExpense = "expense"
)

// RawTransaction is one extracted table row before any cleaning: a flat
// mapping from internal field key to the raw string the extractor captured.
// Page and Line record where the row came from for traceability.
type RawTransaction struct {
	Fields  map[string]string `json:"fields"`
	Page    int               `json:"page"`
	Line    int               `json:"line"`
	Missing []string          `json:"missing,omitempty"` // columns that failed to extract
}

// Field returns the raw value for key, or "" when absent.
func (r RawTransaction) Field(key string) string {
	return r.Fields[key]
}

// EnhancedTransaction is a RawTransaction after cleaning, validation and
// classification. Typed values live in dedicated fields; everything else
// stays in Fields.
type EnhancedTransaction struct {
	Date                time.Time         `json:"date"`
	Currency            string            `json:"currency"`
	Amount              decimal.Decimal   `json:"amount"`
	Balance             decimal.Decimal   `json:"balance"`
	Direction           string            `json:"direction"`
	Type                string            `json:"type"`
	Category            string            `json:"category,omitempty"`
	Tags                []string          `json:"tags,omitempty"`
	CounterpartyName    string            `json:"counterpartyName,omitempty"`
	CounterpartyAccount string            `json:"counterpartyAccount,omitempty"`
	Fields              map[string]string `json:"fields,omitempty"`
	FieldErrors         map[string]string `json:"fieldErrors,omitempty"`
	Page                int               `json:"page"`
	Line                int               `json:"line"`
}

// Valid reports whether the transaction passed field-level validation.
func (t *EnhancedTransaction) Valid() bool {
	return len(t.FieldErrors) == 0
}

// FailField records a field-level validation failure. The first failure
// for a field wins; later rules cannot overwrite the recorded reason.
func (t *EnhancedTransaction) FailField(key, reason string) {
	if t.FieldErrors == nil {
		t.FieldErrors = make(map[string]string)
	}
	if _, ok := t.FieldErrors[key]; !ok {
		t.FieldErrors[key] = reason
	}
}

// AddTag appends a tag, skipping duplicates.
func (t *EnhancedTransaction) AddTag(tag string) {
	for _, existing := range t.Tags {
		if existing == tag {
			return
		}
	}
	t.Tags = append(t.Tags, tag)
}

// AccountInfo holds statement-level metadata extracted from the account
// region of the document.
type AccountInfo struct {
	Holder      string `json:"holder,omitempty"`
	Number      string `json:"number,omitempty"`
	AccountType string `json:"accountType,omitempty"`
	Branch      string `json:"branch,omitempty"`
	Period      string `json:"period,omitempty"`
}
