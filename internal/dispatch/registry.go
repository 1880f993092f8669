package dispatch

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ahrav/go-phaseflow/internal/domain"
	"github.com/ahrav/go-phaseflow/internal/executor"
)

var (
	errDuplicateEvent    = errors.New("event already routed to a workflow")
	errDuplicateWorkflow = errors.New("workflow name already registered")
)

// Registry routes each event name to exactly one workflow definition.
type Registry struct {
	byEvent    map[domain.EventName]*executor.Definition
	byWorkflow map[string]*executor.Definition
}

// NewRegistry validates defs and indexes them. Two definitions claiming the
// same event or the same name is an error.
func NewRegistry(defs ...*executor.Definition) (*Registry, error) {
	r := &Registry{
		byEvent:    make(map[domain.EventName]*executor.Definition, len(defs)),
		byWorkflow: make(map[string]*executor.Definition, len(defs)),
	}
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if prev, ok := r.byEvent[def.Event]; ok {
			return nil, fmt.Errorf("%s claimed by %s and %s: %w", def.Event, prev.Name, def.Name, errDuplicateEvent)
		}
		if _, ok := r.byWorkflow[def.Name]; ok {
			return nil, fmt.Errorf("%s: %w", def.Name, errDuplicateWorkflow)
		}
		r.byEvent[def.Event] = def
		r.byWorkflow[def.Name] = def
	}
	return r, nil
}

// ForEvent returns the definition triggered by name.
func (r *Registry) ForEvent(name domain.EventName) (*executor.Definition, bool) {
	def, ok := r.byEvent[name]
	return def, ok
}

// ForWorkflow returns the definition with the given workflow name.
func (r *Registry) ForWorkflow(name string) (*executor.Definition, bool) {
	def, ok := r.byWorkflow[name]
	return def, ok
}

// Definitions returns every definition ordered by name.
func (r *Registry) Definitions() []*executor.Definition {
	out := make([]*executor.Definition, 0, len(r.byWorkflow))
	for _, def := range r.byWorkflow {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
