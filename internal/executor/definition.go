package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ahrav/go-phaseflow/internal/domain"
	"github.com/ahrav/go-phaseflow/internal/retry"
)

// DefaultRetryLimit is the number of retries a step gets after its first
// attempt when a definition does not set one.
const DefaultRetryLimit = 3

var (
	errNoName         = errors.New("workflow definition needs a name")
	errNoEvent        = errors.New("workflow definition needs a trigger event")
	errNoSteps        = errors.New("workflow definition needs at least one step")
	errDuplicateStep  = errors.New("duplicate step name")
	errNegativeRetry  = errors.New("retry limit must be >= 0")
	errStepsMismatch  = errors.New("run checkpoints do not match workflow steps")
	errMissingStepRun = errors.New("step has no function")
	errAttemptsSpent  = errors.New("attempt budget spent without a recorded outcome")
)

// StepFunc performs one step. It must be idempotent: a step may run again
// after a crash between its side effect and its checkpoint. The run is a
// copy; mutations are discarded.
type StepFunc func(ctx context.Context, run *domain.WorkflowRun) error

// Step is one named unit of work.
type Step struct {
	Name string
	Run  StepFunc
}

// PrepareFunc validates a raw event payload and returns the id of the
// entity the run will act on.
type PrepareFunc func(payload json.RawMessage) (subjectID string, err error)

// Definition is a named, ordered list of steps triggered by one event.
type Definition struct {
	Name       string
	Event      domain.EventName
	Steps      []Step
	RetryLimit int
	Backoff    retry.Policy
	Prepare    PrepareFunc
}

// Validate checks the definition is executable.
func (d *Definition) Validate() error {
	switch {
	case d.Name == "":
		return errNoName
	case d.Event == "":
		return fmt.Errorf("%s: %w", d.Name, errNoEvent)
	case len(d.Steps) == 0:
		return fmt.Errorf("%s: %w", d.Name, errNoSteps)
	case d.RetryLimit < 0:
		return fmt.Errorf("%s: %w", d.Name, errNegativeRetry)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for _, s := range d.Steps {
		if s.Run == nil {
			return fmt.Errorf("%s/%s: %w", d.Name, s.Name, errMissingStepRun)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%s/%s: %w", d.Name, s.Name, errDuplicateStep)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// Checkpoints returns the initial pending checkpoints for a new run.
func (d *Definition) Checkpoints() []domain.StepCheckpoint {
	out := make([]domain.StepCheckpoint, len(d.Steps))
	for i, s := range d.Steps {
		out[i] = domain.StepCheckpoint{Name: s.Name, Status: domain.CheckpointPending}
	}
	return out
}

// matches reports whether the run's checkpoints line up with the steps.
func (d *Definition) matches(run *domain.WorkflowRun) bool {
	if len(run.Steps) != len(d.Steps) {
		return false
	}
	for i := range d.Steps {
		if run.Steps[i].Name != d.Steps[i].Name {
			return false
		}
	}
	return true
}

func (d *Definition) backoff() retry.Policy {
	p := d.Backoff
	if p.InitialInterval <= 0 {
		def := retry.DefaultPolicy()
		p.InitialInterval, p.MaxInterval, p.Multiplier, p.UseJitter = def.InitialInterval, def.MaxInterval, def.Multiplier, def.UseJitter
	}
	return p
}
