// Package writer renders finished conversions into deliverable files.
// The Excel writer produces the full multi-sheet report; the CSV writer
// is the lightweight alternative for downstream tooling.
package writer

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/insightdelivered/statement-engine/internal/models"
)

// Sheet names of the Excel report.
const (
	SheetAccount      = "Account Info"
	SheetTransactions = "Transactions"
	SheetSummary      = "Summary"
	SheetLog          = "Processing Log"
)

// ExcelWriter renders a four-sheet workbook: account metadata, the
// transaction table, the quality summary and the per-row warning log.
type ExcelWriter struct {
	Path string
}

// Write renders the workbook and saves it to the configured path.
func (w *ExcelWriter) Write(pc *models.Context, txns []models.EnhancedTransaction) error {
	f, err := w.render(pc, txns)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.SaveAs(w.Path); err != nil {
		return fmt.Errorf("save workbook %s: %w", w.Path, err)
	}
	return nil
}

// WriteTo renders the workbook into any writer, for in-memory delivery.
func (w *ExcelWriter) WriteTo(out io.Writer, pc *models.Context, txns []models.EnhancedTransaction) error {
	f, err := w.render(pc, txns)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Write(out); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func (w *ExcelWriter) render(pc *models.Context, txns []models.EnhancedTransaction) (*excelize.File, error) {
	f := excelize.NewFile()

	styles, err := newStyles(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("excel styles: %w", err)
	}

	steps := []func() error{
		func() error { return writeAccountSheet(f, styles, pc) },
		func() error { return writeTransactionSheet(f, styles, txns) },
		func() error { return writeSummarySheet(f, styles, pc) },
		func() error { return writeLogSheet(f, styles, pc) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			f.Close()
			return nil, err
		}
	}

	// The workbook opens on the transaction table; the default Sheet1 is
	// replaced by the account sheet.
	if idx, err := f.GetSheetIndex(SheetTransactions); err == nil {
		f.SetActiveSheet(idx)
	}
	return f, nil
}

type sheetStyles struct {
	header int
	money  int
	date   int
	bad    int
}

func newStyles(f *excelize.File) (sheetStyles, error) {
	var s sheetStyles
	var err error

	s.header, err = f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
	})
	if err != nil {
		return s, err
	}
	moneyFmt := "#,##0.00"
	s.money, err = f.NewStyle(&excelize.Style{CustomNumFmt: &moneyFmt})
	if err != nil {
		return s, err
	}
	dateFmt := "yyyy-mm-dd"
	s.date, err = f.NewStyle(&excelize.Style{CustomNumFmt: &dateFmt})
	if err != nil {
		return s, err
	}
	s.bad, err = f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#FCE4EC"}},
	})
	return s, err
}

func writeAccountSheet(f *excelize.File, styles sheetStyles, pc *models.Context) error {
	// Reuse the default sheet so the workbook never carries an empty one.
	if err := f.SetSheetName("Sheet1", SheetAccount); err != nil {
		return err
	}
	rows := [][]any{
		{"Source Document", pc.Source},
		{"Bank", pc.BankCode},
		{"Account Holder", pc.Account.Holder},
		{"Account Number", pc.Account.Number},
		{"Account Type", pc.Account.AccountType},
		{"Branch", pc.Account.Branch},
		{"Statement Period", pc.Account.Period},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(SheetAccount, cell, &row); err != nil {
			return err
		}
	}
	if err := f.SetCellStyle(SheetAccount, "A1", fmt.Sprintf("A%d", len(rows)), styles.header); err != nil {
		return err
	}
	f.SetColWidth(SheetAccount, "A", "A", 22)
	f.SetColWidth(SheetAccount, "B", "B", 40)
	return nil
}

var transactionHeader = []any{
	"Date", "Currency", "Amount", "Direction", "Balance",
	"Type", "Category", "Tags", "Counterparty", "Counterparty Account",
	"Page", "Line", "Field Errors",
}

func writeTransactionSheet(f *excelize.File, styles sheetStyles, txns []models.EnhancedTransaction) error {
	if _, err := f.NewSheet(SheetTransactions); err != nil {
		return err
	}
	if err := f.SetSheetRow(SheetTransactions, "A1", &transactionHeader); err != nil {
		return err
	}

	for i, t := range txns {
		rowNum := i + 2
		var date any
		if !t.Date.IsZero() {
			date = t.Date
		}
		row := []any{
			date,
			t.Currency,
			t.Amount.InexactFloat64(),
			t.Direction,
			t.Balance.InexactFloat64(),
			t.Type,
			t.Category,
			strings.Join(t.Tags, ", "),
			t.CounterpartyName,
			t.CounterpartyAccount,
			t.Page,
			t.Line,
			fieldErrorText(t.FieldErrors),
		}
		cell, _ := excelize.CoordinatesToCellName(1, rowNum)
		if err := f.SetSheetRow(SheetTransactions, cell, &row); err != nil {
			return err
		}
		if !t.Valid() {
			start, _ := excelize.CoordinatesToCellName(1, rowNum)
			end, _ := excelize.CoordinatesToCellName(len(row), rowNum)
			f.SetCellStyle(SheetTransactions, start, end, styles.bad)
		}
	}

	last := len(txns) + 1
	f.SetCellStyle(SheetTransactions, "A1", "M1", styles.header)
	if last > 1 {
		f.SetCellStyle(SheetTransactions, "A2", fmt.Sprintf("A%d", last), styles.date)
		f.SetCellStyle(SheetTransactions, "C2", fmt.Sprintf("C%d", last), styles.money)
		f.SetCellStyle(SheetTransactions, "E2", fmt.Sprintf("E%d", last), styles.money)
	}
	f.SetColWidth(SheetTransactions, "A", "A", 12)
	f.SetColWidth(SheetTransactions, "C", "C", 14)
	f.SetColWidth(SheetTransactions, "E", "E", 14)
	f.SetColWidth(SheetTransactions, "I", "J", 28)
	f.SetColWidth(SheetTransactions, "M", "M", 32)
	return nil
}

func writeSummarySheet(f *excelize.File, styles sheetStyles, pc *models.Context) error {
	if _, err := f.NewSheet(SheetSummary); err != nil {
		return err
	}
	r := pc.Report
	if r == nil {
		r = &models.QualityReport{}
	}
	rows := [][]any{
		{"Bank", r.BankCode},
		{"Detection Confidence", r.Confidence},
		{"Rows Parsed", r.RowsParsed},
		{"Rows Skipped", r.RowsSkipped},
		{"Rows Partial", r.RowsPartial},
		{"Completeness", r.Completeness},
		{"Invalid Transactions", r.InvalidCount},
		{"Warnings", r.WarningCount},
		{"Balance Continuous", r.BalanceContinuous},
		{"Dates Monotonic", r.DatesMonotonic},
		{"Total Income", r.TotalIncome.InexactFloat64()},
		{"Total Expense", r.TotalExpense.InexactFloat64()},
		{"Net Flow", r.NetFlow.InexactFloat64()},
		{"Duration", r.Duration.String()},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(SheetSummary, cell, &row); err != nil {
			return err
		}
	}
	f.SetCellStyle(SheetSummary, "A1", fmt.Sprintf("A%d", len(rows)), styles.header)
	f.SetCellStyle(SheetSummary, "B11", "B13", styles.money)
	f.SetColWidth(SheetSummary, "A", "A", 24)
	f.SetColWidth(SheetSummary, "B", "B", 18)
	return nil
}

func writeLogSheet(f *excelize.File, styles sheetStyles, pc *models.Context) error {
	if _, err := f.NewSheet(SheetLog); err != nil {
		return err
	}
	header := []any{"Stage", "Code", "Message", "Page", "Line"}
	if err := f.SetSheetRow(SheetLog, "A1", &header); err != nil {
		return err
	}
	for i, w := range pc.Warnings {
		row := []any{string(w.Stage), w.Code, w.Message, w.Page, w.Line}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(SheetLog, cell, &row); err != nil {
			return err
		}
	}
	f.SetCellStyle(SheetLog, "A1", "E1", styles.header)
	f.SetColWidth(SheetLog, "C", "C", 60)
	return nil
}

func fieldErrorText(errs map[string]string) string {
	if len(errs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(errs))
	for field, reason := range errs {
		parts = append(parts, field+": "+reason)
	}
	// Deterministic order matters for diffable output.
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}
