// Package stparser implements the two-phase statement parse: locate the
// transaction table inside a document's text fragments, then extract one
// raw record per physical row using the template's column rules.
//
// Locate and extract are separate pure functions so boundary bugs and
// extraction bugs stay diagnosable independently. Parsing the same
// fragments with the same configuration always yields the same records.
package stparser

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/insightdelivered/statement-engine/internal/config"
	"github.com/insightdelivered/statement-engine/internal/models"
)

// ErrTableNotFound means the template's table start marker never matched.
// An absent end marker is not an error; the table runs to end of document.
var ErrTableNotFound = errors.New("transaction table not found")

// defaultRowTolerance groups fragments whose vertical positions differ by
// no more than this many points when the template does not say otherwise.
const defaultRowTolerance = 2.0

// Row is one physical line of the document, assembled from fragments.
type Row struct {
	Page int
	Line int
	Text string
}

// Parse runs both phases and returns the raw records plus the recoverable
// warnings the extraction produced.
func Parse(frags []models.TextFragment, cfg *config.Effective) ([]models.RawTransaction, []models.Warning, error) {
	rows := GroupRows(frags, cfg.Table.RowTolerance)
	region, err := Locate(rows, cfg)
	if err != nil {
		return nil, nil, err
	}
	records, warnings := Extract(region, cfg)
	return records, warnings, nil
}

// GroupRows assembles fragments into physical rows: fragments on the same
// page whose tops are within tolerance belong to one row, joined left to
// right. Line numbers are per-document, counting grouped rows.
func GroupRows(frags []models.TextFragment, tolerance float64) []Row {
	if tolerance <= 0 {
		tolerance = defaultRowTolerance
	}
	sorted := make([]models.TextFragment, len(frags))
	copy(sorted, frags)
	models.SortFragments(sorted)

	var rows []Row
	var parts []string
	page, line := -1, -1
	top := 0.0

	flush := func() {
		if len(parts) > 0 {
			rows = append(rows, Row{Page: page, Line: line, Text: strings.Join(parts, " ")})
			parts = nil
		}
	}

	for _, f := range sorted {
		text := strings.TrimSpace(f.Text)
		if text == "" {
			continue
		}
		if len(parts) == 0 || f.Page != page || f.Top-top > tolerance {
			flush()
			page = f.Page
			top = f.Top
			line++
		}
		parts = append(parts, text)
	}
	flush()
	return rows
}

// Locate finds the table region: all rows strictly between the start
// marker row (plus the header offset) and the end marker row. The marker
// rows themselves are excluded.
func Locate(rows []Row, cfg *config.Effective) ([]Row, error) {
	if cfg.Table.StartMarker == "" {
		return nil, fmt.Errorf("%w: template %s declares no table start marker", ErrTableNotFound, cfg.Code)
	}
	startRE := regexp.MustCompile(cfg.Table.StartMarker)

	start := -1
	for i, row := range rows {
		if startRE.MatchString(row.Text) {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("%w: start marker %q never matched", ErrTableNotFound, cfg.Table.StartMarker)
	}
	begin := start + 1 + cfg.Table.HeaderOffset
	if begin > len(rows) {
		begin = len(rows)
	}

	end := len(rows)
	if cfg.Table.EndMarker != "" {
		endRE := regexp.MustCompile(cfg.Table.EndMarker)
		for i := begin; i < len(rows); i++ {
			if endRE.MatchString(rows[i].Text) {
				end = i
				break
			}
		}
	}
	return rows[begin:end], nil
}

// Extract applies every column's extraction rule to each row in the
// region. A row where no column extracts is skipped with a warning (or
// merged into the previous record's counterparty when the template asks
// for continuation handling); a row where some columns extract is kept
// with its missing fields marked for validation to catch.
func Extract(region []Row, cfg *config.Effective) ([]models.RawTransaction, []models.Warning) {
	extractors := buildExtractors(cfg.Columns)

	var records []models.RawTransaction
	var warnings []models.Warning
	var last *models.RawTransaction

	for _, row := range region {
		text := strings.TrimSpace(row.Text)
		if text == "" {
			continue
		}

		fields := make(map[string]string, len(cfg.Columns))
		var missing []string
		for i, col := range cfg.Columns {
			value := extractors[i](text)
			if value == "" {
				missing = append(missing, col.Key)
				continue
			}
			fields[col.Key] = value
		}

		if len(fields) == 0 {
			if cfg.Table.MergeContinuation && last != nil {
				// Wrapped counterparty text continues on the next line.
				key := models.FieldCounterparty
				if last.Fields[key] != "" {
					last.Fields[key] += " " + text
				} else {
					last.Fields[key] = text
				}
				continue
			}
			warnings = append(warnings, models.Warning{
				Stage: models.StateParsingTransactions,
				Code:  models.WarnRowSkipped,
				Message: fmt.Sprintf("no column matched row %q",
					truncate(text, 60)),
				Page: row.Page,
				Line: row.Line,
			})
			last = nil
			continue
		}

		records = append(records, models.RawTransaction{
			Fields:  fields,
			Page:    row.Page,
			Line:    row.Line,
			Missing: missing,
		})
		last = &records[len(records)-1]

		if len(missing) > 0 {
			warnings = append(warnings, models.Warning{
				Stage:   models.StateParsingTransactions,
				Code:    models.WarnRowPartial,
				Message: fmt.Sprintf("columns %s missing", strings.Join(missing, ", ")),
				Page:    row.Page,
				Line:    row.Line,
			})
		}
	}
	return records, warnings
}

// ParseFallback is the lenient second attempt used when the located parse
// fails: it ignores table markers and keeps any document row where every
// column extracts. Partial rows are dropped silently; this pass trades
// recall for precision.
func ParseFallback(frags []models.TextFragment, cfg *config.Effective) []models.RawTransaction {
	rows := GroupRows(frags, cfg.Table.RowTolerance)
	extractors := buildExtractors(cfg.Columns)

	var records []models.RawTransaction
	for _, row := range rows {
		text := strings.TrimSpace(row.Text)
		if text == "" {
			continue
		}
		fields := make(map[string]string, len(cfg.Columns))
		complete := true
		for i, col := range cfg.Columns {
			value := extractors[i](text)
			if value == "" {
				complete = false
				break
			}
			fields[col.Key] = value
		}
		if !complete {
			continue
		}
		records = append(records, models.RawTransaction{Fields: fields, Page: row.Page, Line: row.Line})
	}
	return records
}

// buildExtractors compiles one extraction func per column. Patterns were
// validated at template load, so compilation here cannot fail.
func buildExtractors(columns []config.Column) []func(string) string {
	out := make([]func(string) string, len(columns))
	for i, col := range columns {
		if col.Extract.Pattern != "" {
			re := regexp.MustCompile(col.Extract.Pattern)
			group := groupIndex(re, col.Key)
			out[i] = func(text string) string {
				m := re.FindStringSubmatch(text)
				if m == nil || group >= len(m) {
					return ""
				}
				return strings.TrimSpace(m[group])
			}
			continue
		}

		token := *col.Extract.Token
		delim := col.Extract.Delimiter
		out[i] = func(text string) string {
			var parts []string
			if delim == "" {
				parts = strings.Fields(text)
			} else {
				parts = strings.Split(text, delim)
			}
			idx := token
			if idx < 0 {
				idx = len(parts) + idx
			}
			if idx < 0 || idx >= len(parts) {
				return ""
			}
			return strings.TrimSpace(parts[idx])
		}
	}
	return out
}

// groupIndex prefers the named capture group matching the column key,
// falling back to the first group.
func groupIndex(re *regexp.Regexp, key string) int {
	for i, name := range re.SubexpNames() {
		if name == key {
			return i
		}
	}
	return 1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
