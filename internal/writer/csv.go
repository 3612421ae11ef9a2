package writer

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/insightdelivered/statement-engine/internal/models"
)

// csvRow is the flat CSV projection of a transaction.
type csvRow struct {
	Date                string `csv:"Date"`
	Currency            string `csv:"Currency"`
	Amount              string `csv:"Amount"`
	Direction           string `csv:"Direction"`
	Balance             string `csv:"Balance"`
	Type                string `csv:"Type"`
	Category            string `csv:"Category"`
	Tags                string `csv:"Tags"`
	CounterpartyName    string `csv:"Counterparty"`
	CounterpartyAccount string `csv:"Counterparty Account"`
	FieldErrors         string `csv:"Field Errors"`
}

// CSVWriter writes the transaction table as CSV. With IncludeMetadata
// set, account metadata is prepended as commented rows the way
// spreadsheet tools preserve them.
type CSVWriter struct {
	Path            string
	IncludeMetadata bool
}

// Write renders the CSV file at the configured path.
func (w *CSVWriter) Write(pc *models.Context, txns []models.EnhancedTransaction) error {
	f, err := os.Create(w.Path)
	if err != nil {
		return fmt.Errorf("create output file %q: %w", w.Path, err)
	}
	defer f.Close()

	return w.WriteTo(f, pc, txns)
}

// WriteTo renders the CSV into any writer. Used by the HTTP API to
// inline the result instead of touching disk.
func (w *CSVWriter) WriteTo(out io.Writer, pc *models.Context, txns []models.EnhancedTransaction) error {
	if w.IncludeMetadata {
		meta := [][2]string{
			{"Bank", pc.BankCode},
			{"Account Holder", pc.Account.Holder},
			{"Account Number", pc.Account.Number},
			{"Statement Period", pc.Account.Period},
		}
		for _, kv := range meta {
			if kv[1] == "" {
				continue
			}
			if _, err := fmt.Fprintf(out, "# %s,%s\n", kv[0], csvQuote(kv[1])); err != nil {
				return fmt.Errorf("write metadata row: %w", err)
			}
		}
	}

	rows := make([]csvRow, 0, len(txns))
	for _, t := range txns {
		date := ""
		if !t.Date.IsZero() {
			date = t.Date.Format("2006-01-02")
		}
		rows = append(rows, csvRow{
			Date:                date,
			Currency:            t.Currency,
			Amount:              t.Amount.StringFixed(2),
			Direction:           t.Direction,
			Balance:             t.Balance.StringFixed(2),
			Type:                t.Type,
			Category:            t.Category,
			Tags:                strings.Join(t.Tags, "|"),
			CounterpartyName:    t.CounterpartyName,
			CounterpartyAccount: t.CounterpartyAccount,
			FieldErrors:         fieldErrorText(t.FieldErrors),
		})
	}
	if err := gocsv.Marshal(&rows, out); err != nil {
		return fmt.Errorf("write CSV rows: %w", err)
	}
	return nil
}

func csvQuote(s string) string {
	if !strings.ContainsAny(s, ",\"\n") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
