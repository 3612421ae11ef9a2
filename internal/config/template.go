// Package config loads layered bank templates and merges them into one
// effective configuration per bank code. Templates are plain YAML data:
// per-bank behavior lives in template files, not in code.
package config

import (
	"fmt"
	"regexp"
)

// Template specificity levels, from most to least specific. Specificity
// breaks detection-score ties: a bank-level template outranks a
// region-level one, which outranks the shared base.
const (
	SpecificityBank   = "bank"
	SpecificityRegion = "region"
	SpecificityBase   = "base"
)

// Column value types the cleaning stage knows how to convert.
const (
	TypeDate   = "date"
	TypeAmount = "amount"
	TypeText   = "text"
)

// Effective is the fully merged result of resolving a template's
// inheritance chain root-to-leaf. It is immutable once computed and is
// cached by the store under (bank code, template-set version).
type Effective struct {
	Code        string `yaml:"code"`
	Name        string `yaml:"name"`
	Encoding    string `yaml:"encoding"`
	Specificity string `yaml:"specificity"`

	Detection   DetectionSpec   `yaml:"detection"`
	AccountInfo AccountInfoSpec `yaml:"account_info"`
	Table       TableSpec       `yaml:"table"`
	Columns     []Column        `yaml:"columns"`
	Pipeline    []PipelineStep  `yaml:"pipeline"`
	Rules       RuleRefs        `yaml:"rules"`

	// Version identifies the template set this configuration was merged
	// from. Set by the store, not by template authors.
	Version string `yaml:"-"`
}

// DetectionSpec declares how a document is recognized as this bank.
type DetectionSpec struct {
	// Keywords are bank name aliases scored against the document prefix.
	Keywords []string `yaml:"keywords"`
}

// AccountInfoSpec marks the account metadata region and its fields.
type AccountInfoSpec struct {
	StartMarker string            `yaml:"start_marker"`
	Window      int               `yaml:"window"` // lines scanned after the marker
	Fields      map[string]string `yaml:"fields"` // field key -> capture regex
}

// TableSpec marks the transaction table inside the document.
type TableSpec struct {
	StartMarker string `yaml:"start_marker"` // regex; required
	EndMarker   string `yaml:"end_marker"`   // regex; empty means end of document
	// HeaderOffset is the number of rows after the start marker that still
	// belong to the header and are excluded from extraction.
	HeaderOffset int `yaml:"header_offset"`
	// RowTolerance groups fragments into one physical row when their
	// vertical positions differ by no more than this many points.
	RowTolerance float64 `yaml:"row_tolerance"`
	// MergeContinuation appends a non-matching line directly after a parsed
	// row to that row's counterparty text instead of skipping it.
	MergeContinuation bool `yaml:"merge_continuation"`
}

// Column declares one transaction table column.
type Column struct {
	Key      string      `yaml:"key"`
	Headers  []string    `yaml:"headers"` // header-text aliases
	Type     string      `yaml:"type"`    // date, amount, text
	Extract  ExtractSpec `yaml:"extract"`
	Cleaner  string      `yaml:"cleaner,omitempty"`
	Required bool        `yaml:"required,omitempty"`
}

// ExtractSpec is a column's extraction rule: either a regex with a named
// capture group matching the column key, or a token index over a
// delimiter-split row.
type ExtractSpec struct {
	Pattern   string `yaml:"pattern,omitempty"`
	Token     *int   `yaml:"token,omitempty"`
	Delimiter string `yaml:"delimiter,omitempty"` // defaults to whitespace
}

// PipelineStep names one processing component and its parameters.
type PipelineStep struct {
	Component string         `yaml:"component"`
	Params    map[string]any `yaml:"params"`
}

// RuleRefs references externally defined rule sets.
type RuleRefs struct {
	Validation     []string `yaml:"validation"`
	Classification string   `yaml:"classification"`
}

// Validate checks the merged configuration for structural mistakes that
// should fail at load time rather than mid-parse.
func (e *Effective) Validate() error {
	if e.Code == "" {
		return fmt.Errorf("template missing code")
	}
	if e.Table.StartMarker != "" {
		if _, err := regexp.Compile(e.Table.StartMarker); err != nil {
			return fmt.Errorf("template %s: bad table start marker: %w", e.Code, err)
		}
	}
	if e.Table.EndMarker != "" {
		if _, err := regexp.Compile(e.Table.EndMarker); err != nil {
			return fmt.Errorf("template %s: bad table end marker: %w", e.Code, err)
		}
	}

	seenAlias := make(map[string]string)
	seenKey := make(map[string]bool)
	for _, col := range e.Columns {
		if col.Key == "" {
			return fmt.Errorf("template %s: column with empty key", e.Code)
		}
		if seenKey[col.Key] {
			return fmt.Errorf("template %s: duplicate column key %q", e.Code, col.Key)
		}
		seenKey[col.Key] = true

		switch col.Type {
		case TypeDate, TypeAmount, TypeText, "":
		default:
			return fmt.Errorf("template %s: column %s: unknown type %q", e.Code, col.Key, col.Type)
		}

		for _, alias := range col.Headers {
			if prev, dup := seenAlias[alias]; dup {
				return fmt.Errorf("template %s: header alias %q declared by both %s and %s", e.Code, alias, prev, col.Key)
			}
			seenAlias[alias] = col.Key
		}

		if col.Extract.Pattern != "" {
			if _, err := regexp.Compile(col.Extract.Pattern); err != nil {
				return fmt.Errorf("template %s: column %s: bad pattern: %w", e.Code, col.Key, err)
			}
		} else if col.Extract.Token == nil {
			return fmt.Errorf("template %s: column %s: extract rule needs a pattern or a token index", e.Code, col.Key)
		}
	}

	for _, spec := range e.AccountInfo.Fields {
		if _, err := regexp.Compile(spec); err != nil {
			return fmt.Errorf("template %s: bad account field regex %q: %w", e.Code, spec, err)
		}
	}
	return nil
}

// Column returns the column declaration for key, or nil.
func (e *Effective) Column(key string) *Column {
	for i := range e.Columns {
		if e.Columns[i].Key == key {
			return &e.Columns[i]
		}
	}
	return nil
}

// SpecificityRank maps a specificity label to its tie-break rank; lower is
// more specific. Unknown labels rank below base.
func SpecificityRank(s string) int {
	switch s {
	case SpecificityBank:
		return 0
	case SpecificityRegion:
		return 1
	case SpecificityBase:
		return 2
	default:
		return 3
	}
}
