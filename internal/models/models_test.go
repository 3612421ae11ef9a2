package models

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortFragmentsReadingOrder(t *testing.T) {
	frags := []TextFragment{
		{Text: "d", Page: 2, Top: 10, Left: 0},
		{Text: "b", Page: 1, Top: 10, Left: 50},
		{Text: "a", Page: 1, Top: 10, Left: 5},
		{Text: "c", Page: 1, Top: 30, Left: 5},
	}
	SortFragments(frags)

	var order []string
	for _, f := range frags {
		order = append(order, f.Text)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestContextSnapshots(t *testing.T) {
	pc := NewContext("t", "src")
	assert.Equal(t, StateIdle, pc.State)

	pc.SetSnapshot(SnapshotFragments, []TextFragment{{Text: "x"}})
	pc.SetSnapshot(SnapshotDetection, Detection{BankCode: "demo"})

	// Re-entering a stage overwrites only its own slot and keeps the
	// original ordering.
	pc.SetSnapshot(SnapshotFragments, []TextFragment{{Text: "y"}})

	assert.Equal(t, []string{SnapshotFragments, SnapshotDetection}, pc.SnapshotNames())
	assert.Equal(t, []TextFragment{{Text: "y"}}, pc.MustSnapshotFragments())

	_, ok := pc.Snapshot(SnapshotTransactions)
	assert.False(t, ok)
}

func TestContextWarningsAndErrors(t *testing.T) {
	pc := NewContext("t", "src")
	pc.State = StateParsingTransactions
	pc.WarnAt(WarnRowSkipped, "bad row", 3, 17)
	pc.Fail(errors.New("boom"))

	require.Len(t, pc.Warnings, 1)
	assert.Equal(t, StateParsingTransactions, pc.Warnings[0].Stage)
	assert.Equal(t, 3, pc.Warnings[0].Page)
	require.Len(t, pc.Errors, 1)
}

func TestFailFieldFirstReasonWins(t *testing.T) {
	var txn EnhancedTransaction
	assert.True(t, txn.Valid())

	txn.FailField("amount", "first")
	txn.FailField("amount", "second")
	assert.Equal(t, "first", txn.FieldErrors["amount"])
	assert.False(t, txn.Valid())
}

func TestAddTagDeduplicates(t *testing.T) {
	var txn EnhancedTransaction
	txn.AddTag("large")
	txn.AddTag("large")
	txn.AddTag("review")
	assert.Equal(t, []string{"large", "review"}, txn.Tags)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func reportTxns() []EnhancedTransaction {
	return []EnhancedTransaction{
		{
			Date: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), Direction: DirectionIncome,
			Amount: d("60000"), Balance: d("75000"),
		},
		{
			Date: time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC), Direction: DirectionExpense,
			Amount: d("250"), Balance: d("74750"),
		},
	}
}

func TestBuildReportTotalsAndContinuity(t *testing.T) {
	pc := NewContext("t", "src")
	pc.Started = time.Now().Add(-2 * time.Second)
	pc.Finished = time.Now()
	pc.BankCode = "demo"

	r := BuildReport(pc, reportTxns(), 0.9)

	assert.Equal(t, "demo", r.BankCode)
	assert.Equal(t, 0.9, r.Confidence)
	assert.Equal(t, 2, r.RowsParsed)
	assert.Equal(t, 1.0, r.Completeness)
	assert.True(t, r.BalanceContinuous)
	assert.True(t, r.DatesMonotonic)
	assert.True(t, d("60000").Equal(r.TotalIncome))
	assert.True(t, d("250").Equal(r.TotalExpense))
	assert.True(t, d("59750").Equal(r.NetFlow))
	assert.Greater(t, r.RowsPerSecond, 0.0)
}

func TestBuildReportDetectsGaps(t *testing.T) {
	txns := reportTxns()
	// A balance jump between valid rows breaks continuity.
	txns[1].Balance = d("99999")
	// An earlier date after a later one breaks monotonicity.
	txns[1].Date = time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)

	r := BuildReport(NewContext("t", "src"), txns, 0.8)
	assert.False(t, r.BalanceContinuous)
	assert.False(t, r.DatesMonotonic)
}

func TestBuildReportSkipsInvalidRowsInContinuity(t *testing.T) {
	txns := reportTxns()
	middle := EnhancedTransaction{
		Date: time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC), Direction: DirectionExpense,
		Amount: d("1"), Balance: d("0"),
	}
	middle.FailField("balance", "unparseable balance")
	txns = []EnhancedTransaction{txns[0], middle, txns[1]}

	r := BuildReport(NewContext("t", "src"), txns, 0.8)
	assert.Equal(t, 1, r.InvalidCount)
	// 75000 - 250 = 74750 holds across the invalid middle row.
	assert.True(t, r.BalanceContinuous)
}

func TestBuildReportCountsRowWarnings(t *testing.T) {
	pc := NewContext("t", "src")
	pc.State = StateParsingTransactions
	pc.Warn(WarnRowSkipped, "skipped")
	pc.Warn(WarnRowSkipped, "skipped")
	pc.Warn(WarnRowPartial, "partial")

	r := BuildReport(pc, reportTxns(), 0.8)
	assert.Equal(t, 2, r.RowsSkipped)
	assert.Equal(t, 1, r.RowsPartial)
	assert.Equal(t, 3, r.WarningCount)
	assert.InDelta(t, 0.5, r.Completeness, 1e-9)
}
