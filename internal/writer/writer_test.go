package writer

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/insightdelivered/statement-engine/internal/models"
)

func sampleContext() *models.Context {
	pc := models.NewContext("task-1", "statement.txt")
	pc.BankCode = "jjccb"
	pc.Account = models.AccountInfo{
		Holder: "张三",
		Number: "6222020200112233445",
		Period: "20240101-20240331",
	}
	pc.State = models.StateParsingTransactions
	pc.WarnAt(models.WarnRowSkipped, "no column matched", 1, 9)
	pc.Report = &models.QualityReport{
		BankCode:          "jjccb",
		Confidence:        0.92,
		RowsParsed:        2,
		RowsSkipped:       1,
		Completeness:      2.0 / 3.0,
		BalanceContinuous: true,
		DatesMonotonic:    true,
		TotalIncome:       decimal.RequireFromString("60000"),
		TotalExpense:      decimal.RequireFromString("250"),
		NetFlow:           decimal.RequireFromString("59750"),
		Duration:          1200 * time.Millisecond,
	}
	return pc
}

func sampleTransactions() []models.EnhancedTransaction {
	bad := models.EnhancedTransaction{
		Currency: "CNY", Direction: models.DirectionExpense,
		Amount: decimal.RequireFromString("250"), Balance: decimal.RequireFromString("74750"),
		Type: "消费", CounterpartyName: "某某超市", Page: 1, Line: 5,
	}
	bad.FailField("date", "unparseable date")
	return []models.EnhancedTransaction{
		{
			Date:     time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
			Currency: "CNY", Direction: models.DirectionIncome,
			Amount: decimal.RequireFromString("60000"), Balance: decimal.RequireFromString("75000"),
			Type: "代发工资", Category: "Salary",
			CounterpartyName: "某某科技有限公司", CounterpartyAccount: "12345678901",
			Page: 1, Line: 4,
		},
		bad,
	}
}

func TestCSVWriterOutput(t *testing.T) {
	var buf bytes.Buffer
	w := &CSVWriter{IncludeMetadata: true}
	require.NoError(t, w.WriteTo(&buf, sampleContext(), sampleTransactions()))

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")

	assert.Equal(t, "# Bank,jjccb", lines[0])
	assert.Contains(t, out, "# Account Holder,张三")
	assert.Contains(t, out, "Date,Currency,Amount,Direction,Balance,Type,Category,Tags,Counterparty,Counterparty Account,Field Errors")
	assert.Contains(t, out, "2024-01-05,CNY,60000.00,income,75000.00,代发工资,Salary,,某某科技有限公司,12345678901,")
	assert.Contains(t, out, "date: unparseable date")
	// The invalid row has no date.
	assert.Contains(t, out, ",CNY,250.00,expense,74750.00")
}

func TestCSVWriterWithoutMetadata(t *testing.T) {
	var buf bytes.Buffer
	w := &CSVWriter{}
	require.NoError(t, w.WriteTo(&buf, sampleContext(), sampleTransactions()))
	assert.True(t, strings.HasPrefix(buf.String(), "Date,"))
}

func TestCSVWriterCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	w := &CSVWriter{Path: path, IncludeMetadata: true}
	require.NoError(t, w.Write(sampleContext(), sampleTransactions()))
	assert.FileExists(t, path)
}

func TestExcelWriterSheets(t *testing.T) {
	var buf bytes.Buffer
	w := &ExcelWriter{}
	require.NoError(t, w.WriteTo(&buf, sampleContext(), sampleTransactions()))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.ElementsMatch(t,
		[]string{SheetAccount, SheetTransactions, SheetSummary, SheetLog},
		f.GetSheetList())

	holder, err := f.GetCellValue(SheetAccount, "B3")
	require.NoError(t, err)
	assert.Equal(t, "张三", holder)

	header, err := f.GetCellValue(SheetTransactions, "A1")
	require.NoError(t, err)
	assert.Equal(t, "Date", header)

	category, err := f.GetCellValue(SheetTransactions, "G2")
	require.NoError(t, err)
	assert.Equal(t, "Salary", category)

	counterparty, err := f.GetCellValue(SheetTransactions, "I2")
	require.NoError(t, err)
	assert.Equal(t, "某某科技有限公司", counterparty)

	fieldErr, err := f.GetCellValue(SheetTransactions, "M3")
	require.NoError(t, err)
	assert.Equal(t, "date: unparseable date", fieldErr)

	bank, err := f.GetCellValue(SheetSummary, "B1")
	require.NoError(t, err)
	assert.Equal(t, "jjccb", bank)

	logMsg, err := f.GetCellValue(SheetLog, "C2")
	require.NoError(t, err)
	assert.Equal(t, "no column matched", logMsg)
}

func TestExcelWriterSavesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xlsx")
	w := &ExcelWriter{Path: path}
	require.NoError(t, w.Write(sampleContext(), sampleTransactions()))
	assert.FileExists(t, path)
}

func TestFieldErrorTextDeterministic(t *testing.T) {
	errs := map[string]string{"b": "two", "a": "one"}
	assert.Equal(t, "a: one; b: two", fieldErrorText(errs))
	assert.Empty(t, fieldErrorText(nil))
}
