// Package engine drives a document conversion through its ordered stages:
// input validation, text extraction, bank detection, table parsing,
// enhancement and output. The engine itself is stateless — every piece of
// mutable task state lives in the models.Context it is handed — so one
// engine serves any number of concurrent tasks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/insightdelivered/statement-engine/internal/config"
	"github.com/insightdelivered/statement-engine/internal/detect"
	"github.com/insightdelivered/statement-engine/internal/models"
	"github.com/insightdelivered/statement-engine/internal/pipeline"
	"github.com/insightdelivered/statement-engine/internal/stparser"
)

// ErrCancelled marks a task that was cancelled cooperatively between
// stage transitions, as opposed to failing.
var ErrCancelled = errors.New("task cancelled")

// ErrUnknownBank marks a task whose bank could not be detected and for
// which no resolver was available.
var ErrUnknownBank = errors.New("bank could not be identified")

// Event is a progress notification. Percent is a coarse estimate and is
// monotonically non-decreasing within one task.
type Event struct {
	TaskID  string       `json:"taskId"`
	State   models.State `json:"state"`
	Percent int          `json:"percent"`
}

// TerminalEvent is emitted exactly once per task, after the run reached
// Completed or Failed.
type TerminalEvent struct {
	TaskID  string                `json:"taskId"`
	Outcome models.Outcome        `json:"outcome"`
	Report  *models.QualityReport `json:"report,omitempty"`
	Err     error                 `json:"-"`
}

// Extractor is the upstream text-extraction collaborator.
type Extractor interface {
	// Validate rejects sources the extractor cannot handle before any
	// work is spent on them.
	Validate(source string) error
	Extract(source string) ([]models.TextFragment, error)
}

// Sink consumes the finished transaction list, account info and quality
// report and writes the final deliverable.
type Sink interface {
	Write(pc *models.Context, txns []models.EnhancedTransaction) error
}

// BankResolver supplies a bank code when detection comes back UNKNOWN,
// typically by asking the user. Returning an error fails the task.
type BankResolver func(pc *models.Context) (string, error)

// Engine wires the collaborators together. All fields except OnProgress,
// OnTerminal and ResolveBank are required.
type Engine struct {
	Store     *config.Store
	Detector  *detect.Detector
	Assembler *pipeline.Assembler
	Extractor Extractor
	Sink      Sink

	ResolveBank BankResolver
	OnProgress  func(Event)
	OnTerminal  func(TerminalEvent)
	Logger      *slog.Logger
}

type taskFunc func(ctx context.Context, pc *models.Context) (models.Outcome, error)

type transition struct {
	state   models.State
	outcome models.Outcome
}

// transitions is the static next-state table. Failure transitions are
// resolved in Run: ParsingTransactions failure routes to the one-shot
// fallback parse, every other failure goes straight to Failed.
var transitions = map[transition]models.State{
	{models.StateIdle, models.OutcomeSuccess}:                          models.StateValidatingInput,
	{models.StateValidatingInput, models.OutcomeSuccess}:               models.StateExtractingText,
	{models.StateExtractingText, models.OutcomeSuccess}:                models.StateDetectingBank,
	{models.StateDetectingBank, models.OutcomeSuccess}:                 models.StateParsingTransactions,
	{models.StateDetectingBank, models.OutcomeUnknownBank}:             models.StatePromptForBank,
	{models.StatePromptForBank, models.OutcomeSuccess}:                 models.StateParsingTransactions,
	{models.StateParsingTransactions, models.OutcomeSuccess}:           models.StateEnhancingData,
	{models.StateParsingTransactions, models.OutcomePartialSuccess}:    models.StateEnhancingData,
	{models.StateEnhancingData, models.OutcomeSuccess}:                 models.StateGeneratingOutput,
	{models.StateEnhancingData, models.OutcomePartialSuccess}:          models.StateGeneratingOutput,
	{models.StateGeneratingOutput, models.OutcomeSuccess}:              models.StateCompleted,
	{models.StateGeneratingOutput, models.OutcomePartialSuccess}:       models.StateCompleted,
}

// percentFor is the coarse progress estimate per state.
var percentFor = map[models.State]int{
	models.StateValidatingInput:     5,
	models.StateExtractingText:      20,
	models.StateDetectingBank:       35,
	models.StatePromptForBank:       35,
	models.StateParsingTransactions: 60,
	models.StateEnhancingData:       80,
	models.StateGeneratingOutput:    95,
	models.StateCompleted:           100,
	models.StateFailed:              100,
}

// Run drives one context from Idle to a terminal state. It blocks until
// the task finishes; callers wanting asynchrony use Submit. The returned
// outcome mirrors the terminal event.
func (e *Engine) Run(ctx context.Context, pc *models.Context) models.Outcome {
	log := e.logger().With("task", pc.TaskID, "source", pc.Source)
	pc.Started = time.Now()

	tasks := map[models.State]taskFunc{
		models.StateValidatingInput:     e.validateInput,
		models.StateExtractingText:      e.extractText,
		models.StateDetectingBank:       e.detectBank,
		models.StatePromptForBank:       e.promptForBank,
		models.StateParsingTransactions: e.parseTransactions,
		models.StateEnhancingData:       e.enhanceData,
		models.StateGeneratingOutput:    e.generateOutput,
	}

	fallbackTried := false
	finalOutcome := models.OutcomeSuccess

	for pc.State != models.StateCompleted && pc.State != models.StateFailed {
		// Cancellation is cooperative: checked between transitions,
		// never mid-extraction, so completed snapshots stay intact.
		if err := ctx.Err(); err != nil {
			pc.Fail(fmt.Errorf("%w: %v", ErrCancelled, err))
			e.moveTo(pc, models.StateFailed)
			finalOutcome = models.OutcomeFailure
			break
		}

		if pc.State == models.StateIdle {
			e.moveTo(pc, models.StateValidatingInput)
			continue
		}

		task, ok := tasks[pc.State]
		if !ok {
			pc.Fail(fmt.Errorf("no task for state %s", pc.State))
			e.moveTo(pc, models.StateFailed)
			finalOutcome = models.OutcomeFailure
			break
		}

		outcome, err := task(ctx, pc)
		if outcome == models.OutcomeFailure && pc.State == models.StateParsingTransactions && !fallbackTried {
			fallbackTried = true
			if recovered := e.fallbackParse(pc, err); recovered != models.OutcomeFailure {
				// The structured-parse failure is now the fallback_parse
				// warning; a completed task carries no abort-worthy error.
				outcome, err = recovered, nil
			}
		}
		if err != nil {
			pc.Fail(err)
		}
		log.Debug("stage finished", "state", string(pc.State), "outcome", string(outcome))

		if outcome == models.OutcomeFailure {
			e.moveTo(pc, models.StateFailed)
			finalOutcome = models.OutcomeFailure
			break
		}
		if outcome == models.OutcomeUnknownBank && pc.State != models.StateDetectingBank {
			pc.Fail(fmt.Errorf("unexpected outcome %s in state %s", outcome, pc.State))
			e.moveTo(pc, models.StateFailed)
			finalOutcome = models.OutcomeFailure
			break
		}

		if outcome == models.OutcomePartialSuccess {
			finalOutcome = models.OutcomePartialSuccess
		}

		next, ok := transitions[transition{pc.State, outcome}]
		if !ok {
			pc.Fail(fmt.Errorf("no transition from %s on %s", pc.State, outcome))
			e.moveTo(pc, models.StateFailed)
			finalOutcome = models.OutcomeFailure
			break
		}
		e.moveTo(pc, next)
	}

	pc.Finished = time.Now()

	terminal := TerminalEvent{TaskID: pc.TaskID, Outcome: finalOutcome, Report: pc.Report}
	if pc.State == models.StateFailed {
		terminal.Outcome = models.OutcomeFailure
		terminal.Err = errors.Join(pc.Errors...)
		log.Error("task failed", "err", terminal.Err)
	} else {
		log.Info("task completed", "outcome", string(finalOutcome),
			"warnings", len(pc.Warnings))
	}
	if e.OnTerminal != nil {
		e.OnTerminal(terminal)
	}
	return terminal.Outcome
}

// Submit runs the task on its own goroutine; progress and completion
// arrive through the event callbacks.
func (e *Engine) Submit(ctx context.Context, pc *models.Context) {
	go e.Run(ctx, pc)
}

func (e *Engine) moveTo(pc *models.Context, next models.State) {
	pc.State = next
	if e.OnProgress != nil {
		e.OnProgress(Event{TaskID: pc.TaskID, State: next, Percent: percentFor[next]})
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) validateInput(_ context.Context, pc *models.Context) (models.Outcome, error) {
	if pc.Source == "" {
		return models.OutcomeFailure, fmt.Errorf("no source document")
	}
	if err := e.Extractor.Validate(pc.Source); err != nil {
		return models.OutcomeFailure, err
	}
	return models.OutcomeSuccess, nil
}

func (e *Engine) extractText(_ context.Context, pc *models.Context) (models.Outcome, error) {
	frags, err := e.Extractor.Extract(pc.Source)
	if err != nil {
		return models.OutcomeFailure, fmt.Errorf("text extraction: %w", err)
	}
	if len(frags) == 0 {
		return models.OutcomeFailure, fmt.Errorf("text extraction produced no fragments")
	}
	pc.SetSnapshot(models.SnapshotFragments, frags)
	return models.OutcomeSuccess, nil
}

func (e *Engine) detectBank(_ context.Context, pc *models.Context) (models.Outcome, error) {
	if pc.BankHint != "" {
		if err := e.adoptBank(pc, pc.BankHint, 1.0, true); err != nil {
			return models.OutcomeFailure, err
		}
		return models.OutcomeSuccess, nil
	}

	frags := pc.MustSnapshotFragments()
	code, confidence := e.Detector.Detect(frags)
	if code == detect.Unknown {
		pc.SetSnapshot(models.SnapshotDetection, models.Detection{BankCode: code, Confidence: confidence})
		return models.OutcomeUnknownBank, nil
	}
	if err := e.adoptBank(pc, code, confidence, false); err != nil {
		return models.OutcomeFailure, err
	}
	return models.OutcomeSuccess, nil
}

func (e *Engine) promptForBank(_ context.Context, pc *models.Context) (models.Outcome, error) {
	if e.ResolveBank == nil {
		return models.OutcomeFailure, ErrUnknownBank
	}
	code, err := e.ResolveBank(pc)
	if err != nil {
		return models.OutcomeFailure, fmt.Errorf("%w: %v", ErrUnknownBank, err)
	}
	if err := e.adoptBank(pc, code, 1.0, true); err != nil {
		return models.OutcomeFailure, err
	}
	return models.OutcomeSuccess, nil
}

func (e *Engine) adoptBank(pc *models.Context, code string, confidence float64, forced bool) error {
	eff, err := e.Store.Load(code)
	if err != nil {
		return fmt.Errorf("loading template for %q: %w", code, err)
	}
	pc.BankCode = code
	pc.Config = eff
	pc.SetSnapshot(models.SnapshotDetection, models.Detection{BankCode: code, Confidence: confidence, Forced: forced})
	return nil
}

func (e *Engine) parseTransactions(_ context.Context, pc *models.Context) (models.Outcome, error) {
	frags := pc.MustSnapshotFragments()
	rows := stparser.GroupRows(frags, pc.Config.Table.RowTolerance)
	pc.Account = stparser.ExtractAccountInfo(rows, pc.Config)

	records, warnings, err := stparser.Parse(frags, pc.Config)
	if err != nil {
		return models.OutcomeFailure, err
	}
	pc.Warnings = append(pc.Warnings, warnings...)
	if len(records) == 0 {
		return models.OutcomeFailure, fmt.Errorf("table located but no rows extracted")
	}

	pc.SetSnapshot(models.SnapshotRawRecords, records)
	for _, w := range warnings {
		if w.Code == models.WarnRowSkipped {
			return models.OutcomePartialSuccess, nil
		}
	}
	return models.OutcomeSuccess, nil
}

// fallbackParse is the single automatic retry in the engine: a lenient
// document-wide pass that ignores table markers.
func (e *Engine) fallbackParse(pc *models.Context, cause error) models.Outcome {
	if pc.Config == nil {
		return models.OutcomeFailure
	}
	frags := pc.MustSnapshotFragments()
	records := stparser.ParseFallback(frags, pc.Config)
	if len(records) == 0 {
		return models.OutcomeFailure
	}
	pc.Warn(models.WarnFallbackParse,
		fmt.Sprintf("structured parse failed (%v); fallback pass recovered %d rows", cause, len(records)))
	pc.SetSnapshot(models.SnapshotRawRecords, records)
	return models.OutcomePartialSuccess
}

func (e *Engine) enhanceData(_ context.Context, pc *models.Context) (models.Outcome, error) {
	seq, err := e.Assembler.Assemble(pc.Config.Pipeline, pc.Config)
	if err != nil {
		return models.OutcomeFailure, err
	}
	return seq.Run(pc)
}

func (e *Engine) generateOutput(_ context.Context, pc *models.Context) (models.Outcome, error) {
	snap, ok := pc.Snapshot(models.SnapshotTransactions)
	if !ok {
		return models.OutcomeFailure, fmt.Errorf("no enhanced transactions to output")
	}
	txns := snap.([]models.EnhancedTransaction)

	confidence := 0.0
	if det, ok := pc.Snapshot(models.SnapshotDetection); ok {
		confidence = det.(models.Detection).Confidence
	}
	pc.Finished = time.Now()
	pc.Report = models.BuildReport(pc, txns, confidence)

	if e.Sink != nil {
		if err := e.Sink.Write(pc, txns); err != nil {
			return models.OutcomeFailure, fmt.Errorf("writing output: %w", err)
		}
	}
	return models.OutcomeSuccess, nil
}
