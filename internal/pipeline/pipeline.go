// Package pipeline defines the document-production workflows: advancing a
// project past an approved phase, enqueueing a compile, and running a
// statistical analysis under admission control. Each workflow is an
// executor.Definition whose steps re-read recorded state and check it
// before writing, so replays and overlapping runs are harmless.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahrav/go-phaseflow/internal/domain"
	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
	"github.com/ahrav/go-phaseflow/internal/executor"
	"github.com/ahrav/go-phaseflow/internal/gate"
	"github.com/ahrav/go-phaseflow/internal/retry"
	"github.com/ahrav/go-phaseflow/internal/semaphore"
	"github.com/ahrav/go-phaseflow/pkg/events"
)

// Workflow names.
const (
	WorkflowThesisPhase   = "thesis-phase-workflow"
	WorkflowThesisCompile = "thesis-compile-workflow"
	WorkflowAnalysis      = "analysis-runner"
)

// Store is the persistence the workflows need.
type Store interface {
	gate.Reader
	UpdateProject(ctx context.Context, p domain.Project) (domain.Project, error)
	GetPhase(ctx context.Context, projectID string, ordinal int) (domain.Phase, error)
	CreatePhase(ctx context.Context, ph domain.Phase) (bool, error)
	UpdatePhase(ctx context.Context, ph domain.Phase) (domain.Phase, error)
	GetLicence(ctx context.Context, id string) (domain.Licence, error)
	UpdateLicence(ctx context.Context, l domain.Licence) (domain.Licence, error)
	GetJob(ctx context.Context, id string) (domain.AnalysisJob, error)
	CreateJob(ctx context.Context, j domain.AnalysisJob) (domain.AnalysisJob, bool, error)
	UpdateJob(ctx context.Context, j domain.AnalysisJob) (domain.AnalysisJob, error)
}

// Admission is the semaphore surface the analysis workflow uses.
type Admission interface {
	Acquire(ctx context.Context, owner string) (semaphore.Ticket, error)
	ReleaseByOwner(ctx context.Context, owner string) (bool, error)
}

// JobRunner executes one analysis job.
type JobRunner interface {
	Run(ctx context.Context, jobID string) (domain.JobStatus, error)
}

// Deps wires the workflows to their collaborators.
type Deps struct {
	Store     Store
	Admission Admission
	Runner    JobRunner
	Sink      events.Sink
	Now       func() time.Time
}

// Options carries the retry settings applied to every workflow.
type Options struct {
	RetryLimit int          `json:"retry_limit" mapstructure:"retry_limit" yaml:"retry_limit" validate:"min=0"`
	Backoff    retry.Policy `json:"backoff" mapstructure:"backoff" yaml:"backoff"`
}

// DefaultOptions returns the production retry settings.
func DefaultOptions() Options {
	return Options{RetryLimit: executor.DefaultRetryLimit, Backoff: retry.DefaultPolicy()}
}

// Workflows builds the step functions over deps.
type Workflows struct {
	store     Store
	admission Admission
	runner    JobRunner
	sink      events.Sink
	gate      *gate.Checker
	now       func() time.Time
	opts      Options
	logger    *slog.Logger
}

// New creates the workflow set.
func New(deps Deps, opts Options) *Workflows {
	sink := deps.Sink
	if sink == nil {
		sink = events.NewNoOpSink()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Workflows{
		store:     deps.Store,
		admission: deps.Admission,
		runner:    deps.Runner,
		sink:      sink,
		gate:      gate.NewChecker(deps.Store),
		now:       now,
		opts:      opts,
		logger:    slog.Default().With("component", "pipeline"),
	}
}

// Definitions returns every workflow definition, one per trigger event.
func (w *Workflows) Definitions() []*executor.Definition {
	return []*executor.Definition{
		w.ThesisPhase(),
		w.ThesisCompile(),
		w.Analysis(),
	}
}

// Gate exposes the checker the workflows use.
func (w *Workflows) Gate() *gate.Checker { return w.gate }

// prepare builds a PrepareFunc that decodes and validates payload type T
// and extracts the run subject.
func prepare[T any, PT interface {
	*T
	Validate() error
}](subject func(*T) string) executor.PrepareFunc {
	return func(raw json.RawMessage) (string, error) {
		p, err := events.Decode[T](raw)
		if err != nil {
			return "", fmt.Errorf("%w: %w", pipeerrors.ErrInvalidPayload, err)
		}
		if err := PT(&p).Validate(); err != nil {
			return "", fmt.Errorf("%w: %w", pipeerrors.ErrInvalidPayload, err)
		}
		return subject(&p), nil
	}
}

// payload decodes the run payload inside a step. A payload that no longer
// decodes is not worth retrying.
func payload[T any](run *domain.WorkflowRun) (T, error) {
	p, err := events.Decode[T](run.Payload)
	if err != nil {
		return p, fmt.Errorf("%w: %w", pipeerrors.ErrInvalidPayload, err)
	}
	return p, nil
}

// emit appends a notification. Delivery failures are retried as transient
// since emitting is the step's whole effect.
func (w *Workflows) emit(ctx context.Context, name domain.EventName, key string, data any) error {
	env, err := events.New(string(name), "pipeline", data)
	if err != nil {
		return err
	}
	env.IdempotencyKey = key
	if err := w.sink.Append(ctx, env); err != nil {
		return pipeerrors.Transient("SINK", fmt.Errorf("emit %s: %w", name, err))
	}
	return nil
}

func (w *Workflows) definition(name string, event domain.EventName, prep executor.PrepareFunc, steps ...executor.Step) *executor.Definition {
	return &executor.Definition{
		Name:       name,
		Event:      event,
		Steps:      steps,
		RetryLimit: w.opts.RetryLimit,
		Backoff:    w.opts.Backoff,
		Prepare:    prep,
	}
}
