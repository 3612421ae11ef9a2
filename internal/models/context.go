package models

import (
	"time"

	"github.com/insightdelivered/statement-engine/internal/config"
)

// State identifies one stage of the processing state machine.
type State string

const (
	StateIdle                State = "idle"
	StateValidatingInput     State = "validating_input"
	StateExtractingText      State = "extracting_text"
	StateDetectingBank       State = "detecting_bank"
	StatePromptForBank       State = "prompt_for_bank"
	StateParsingTransactions State = "parsing_transactions"
	StateEnhancingData       State = "enhancing_data"
	StateGeneratingOutput    State = "generating_output"
	StateCompleted           State = "completed"
	StateFailed              State = "failed"
)

// Outcome is the result tag a stage task returns to the engine.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialSuccess Outcome = "partial_success"
	OutcomeFailure        Outcome = "failure"
	OutcomeUnknownBank    Outcome = "unknown_bank"
)

// Snapshot names the stages publish their output under.
const (
	SnapshotFragments    = string(StateExtractingText)      // []TextFragment
	SnapshotDetection    = string(StateDetectingBank)       // Detection
	SnapshotRawRecords   = string(StateParsingTransactions) // []RawTransaction
	SnapshotTransactions = string(StateEnhancingData)       // []EnhancedTransaction
)

// Detection is the DetectingBank stage's snapshot payload.
type Detection struct {
	BankCode   string  `json:"bankCode"`
	Confidence float64 `json:"confidence"`
	Forced     bool    `json:"forced,omitempty"` // caller supplied the code
}

// Warning is a non-abort problem recorded on the context. Warnings are
// aggregated into the quality report and never stop processing.
type Warning struct {
	Stage   State  `json:"stage"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Page    int    `json:"page,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// Warning codes produced by the core stages.
const (
	WarnRowSkipped      = "row_skipped"
	WarnRowPartial      = "row_partial"
	WarnAmbiguousHeader = "ambiguous_header"
	WarnAmbiguousRule   = "ambiguous_rule"
	WarnRule            = "rule_warning"
	WarnFieldCast       = "field_cast_failed"
	WarnFallbackParse   = "fallback_parse"
)

// Context is the unit of work for one document conversion. It is owned by
// exactly one task for its whole lifetime; the engine threads it through
// the stages and nothing else may touch it while the task runs.
type Context struct {
	TaskID   string
	State    State
	Source   string // path or display name of the source document
	BankCode string
	BankHint string // caller-forced bank code, skips detection when set
	Config   *config.Effective

	snapshots map[string]any
	order     []string

	Errors   []error
	Warnings []Warning

	Account AccountInfo
	Report  *QualityReport

	Started  time.Time
	Finished time.Time
}

// NewContext returns a context in the Idle state for the given task id
// and source document.
func NewContext(taskID, source string) *Context {
	return &Context{
		TaskID:    taskID,
		State:     StateIdle,
		Source:    source,
		snapshots: make(map[string]any),
	}
}

// SetSnapshot stores a stage's output under its name. Re-entering a stage
// overwrites only that stage's slot; snapshots for other stages are never
// touched.
func (c *Context) SetSnapshot(name string, value any) {
	if _, ok := c.snapshots[name]; !ok {
		c.order = append(c.order, name)
	}
	c.snapshots[name] = value
}

// Snapshot returns the stored output for a stage name.
func (c *Context) Snapshot(name string) (any, bool) {
	v, ok := c.snapshots[name]
	return v, ok
}

// MustSnapshotFragments returns the text-extraction snapshot. Stages that
// run after ExtractingText may assume it exists; a nil return means the
// state machine was driven out of order.
func (c *Context) MustSnapshotFragments() []TextFragment {
	frags, _ := c.snapshots[SnapshotFragments].([]TextFragment)
	return frags
}

// SnapshotNames returns the stage names in the order they were first set.
func (c *Context) SnapshotNames() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Warn appends a warning for the context's current state.
func (c *Context) Warn(code, message string) {
	c.Warnings = append(c.Warnings, Warning{Stage: c.State, Code: code, Message: message})
}

// WarnAt appends a warning carrying a source position.
func (c *Context) WarnAt(code, message string, page, line int) {
	c.Warnings = append(c.Warnings, Warning{Stage: c.State, Code: code, Message: message, Page: page, Line: line})
}

// Fail appends an abort-worthy error.
func (c *Context) Fail(err error) {
	c.Errors = append(c.Errors, err)
}
