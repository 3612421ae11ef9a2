// Package registry maps stable component identifiers to factories for
// processing units. The registry is populated once at startup, before any
// pipeline assembly, and is read-only afterwards.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/insightdelivered/statement-engine/internal/config"
	"github.com/insightdelivered/statement-engine/internal/models"
)

var (
	ErrDuplicateComponent = errors.New("component id already registered")
	ErrUnknownComponent   = errors.New("unknown component id")
)

// Component is the shared contract every processing unit implements.
// Init binds and checks the unit's parameters against the effective
// configuration; Execute runs the unit against a task context, reading the
// previous stage's snapshot and writing its own.
type Component interface {
	Init(cfg *config.Effective, params map[string]any) error
	Execute(pc *models.Context) (models.Outcome, error)
}

// Factory builds a fresh, uninitialized component instance.
type Factory func() Component

// Registry is a process-wide id -> factory mapping. Registration is
// guarded against duplicates; lookups after startup are read-only.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under id.
func (r *Registry) Register(id string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[id]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateComponent, id)
	}
	r.factories[id] = f
	return nil
}

// MustRegister is Register for startup wiring, where a duplicate id is a
// programming error.
func (r *Registry) MustRegister(id string, f Factory) {
	if err := r.Register(id, f); err != nil {
		panic(err)
	}
}

// Resolve returns the factory for id.
func (r *Registry) Resolve(id string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownComponent, id)
	}
	return f, nil
}

// IDs returns the registered component ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
