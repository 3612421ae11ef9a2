// Package pipeline assembles executable sequences of processing units
// from a template's ordered pipeline specification, and provides the
// built-in cleaning, validation and classification components.
package pipeline

import (
	"fmt"

	"github.com/insightdelivered/statement-engine/internal/config"
	"github.com/insightdelivered/statement-engine/internal/models"
	"github.com/insightdelivered/statement-engine/internal/registry"
)

// ComponentInitError reports which pipeline entry failed to initialize.
type ComponentInitError struct {
	ID  string
	Err error
}

func (e *ComponentInitError) Error() string {
	return fmt.Sprintf("component %q failed to initialize: %v", e.ID, e.Err)
}

func (e *ComponentInitError) Unwrap() error { return e.Err }

// Sequence is an ordered, initialized pipeline ready to run against task
// contexts.
type Sequence []registry.Component

// Run executes the sequence in order. The first failure stops the run;
// otherwise the worst non-failure outcome is returned.
func (s Sequence) Run(pc *models.Context) (models.Outcome, error) {
	worst := models.OutcomeSuccess
	for _, c := range s {
		outcome, err := c.Execute(pc)
		if err != nil {
			return models.OutcomeFailure, err
		}
		if outcome == models.OutcomePartialSuccess {
			worst = models.OutcomePartialSuccess
		}
	}
	return worst, nil
}

// Assembler builds sequences by resolving component ids against the
// registry and initializing each unit with its bound parameters. Assembly
// is a pure read of configuration; it performs no document processing.
type Assembler struct {
	Registry *registry.Registry
}

// Assemble resolves and initializes every entry of the pipeline
// specification in order. An unknown component id or a failed component
// initialization aborts assembly.
func (a *Assembler) Assemble(steps []config.PipelineStep, cfg *config.Effective) (Sequence, error) {
	seq := make(Sequence, 0, len(steps))
	for _, step := range steps {
		factory, err := a.Registry.Resolve(step.Component)
		if err != nil {
			return nil, err
		}
		component := factory()
		if err := component.Init(cfg, step.Params); err != nil {
			return nil, &ComponentInitError{ID: step.Component, Err: err}
		}
		seq = append(seq, component)
	}
	return seq, nil
}
