package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// QualityReport is the read-only summary computed once at the end of a
// successful or partially successful run.
type QualityReport struct {
	BankCode   string  `json:"bankCode"`
	Confidence float64 `json:"confidence"`

	RowsParsed   int `json:"rowsParsed"`
	RowsSkipped  int `json:"rowsSkipped"`
	RowsPartial  int `json:"rowsPartial"`
	WarningCount int `json:"warningCount"`
	InvalidCount int `json:"invalidCount"`

	// Completeness is parsed rows over parsed+skipped rows, 0..1.
	Completeness float64 `json:"completeness"`

	BalanceContinuous bool `json:"balanceContinuous"`
	DatesMonotonic    bool `json:"datesMonotonic"`

	TotalIncome  decimal.Decimal `json:"totalIncome"`
	TotalExpense decimal.Decimal `json:"totalExpense"`
	NetFlow      decimal.Decimal `json:"netFlow"`

	Duration     time.Duration `json:"duration"`
	RowsPerSecond float64      `json:"rowsPerSecond"`
}

// BuildReport derives the quality report from the finished transaction
// list and the context's accumulated counters. Only transactions that
// passed field-level validation for amount and balance participate in the
// balance continuity check.
func BuildReport(c *Context, txns []EnhancedTransaction, confidence float64) *QualityReport {
	r := &QualityReport{
		BankCode:          c.BankCode,
		Confidence:        confidence,
		RowsParsed:        len(txns),
		WarningCount:      len(c.Warnings),
		BalanceContinuous: true,
		DatesMonotonic:    true,
		TotalIncome:       decimal.Zero,
		TotalExpense:      decimal.Zero,
	}

	for _, w := range c.Warnings {
		switch w.Code {
		case WarnRowSkipped:
			r.RowsSkipped++
		case WarnRowPartial:
			r.RowsPartial++
		}
	}

	total := r.RowsParsed + r.RowsSkipped
	if total > 0 {
		r.Completeness = float64(r.RowsParsed) / float64(total)
	}

	var prevDate time.Time
	var prevBalance decimal.Decimal
	havePrev := false
	for i := range txns {
		t := &txns[i]
		if !t.Valid() {
			r.InvalidCount++
		}

		if !t.Date.IsZero() {
			if !prevDate.IsZero() && t.Date.Before(prevDate) {
				r.DatesMonotonic = false
			}
			prevDate = t.Date
		}

		signed := t.Amount
		if t.Direction == DirectionExpense {
			r.TotalExpense = r.TotalExpense.Add(t.Amount)
			signed = t.Amount.Neg()
		} else {
			r.TotalIncome = r.TotalIncome.Add(t.Amount)
		}

		// Balance continuity only holds between rows whose amount and
		// balance both survived validation.
		if t.Valid() {
			if havePrev && !prevBalance.Add(signed).Equal(t.Balance) {
				r.BalanceContinuous = false
			}
			prevBalance = t.Balance
			havePrev = true
		}
	}

	r.NetFlow = r.TotalIncome.Sub(r.TotalExpense)

	if !c.Started.IsZero() {
		end := c.Finished
		if end.IsZero() {
			end = time.Now()
		}
		r.Duration = end.Sub(c.Started)
		if secs := r.Duration.Seconds(); secs > 0 {
			r.RowsPerSecond = float64(r.RowsParsed) / secs
		}
	}

	return r
}
