package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-phaseflow/internal/activity"
	"github.com/ahrav/go-phaseflow/internal/domain"
	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
	"github.com/ahrav/go-phaseflow/internal/executor"
	"github.com/ahrav/go-phaseflow/internal/sweep"
	base "github.com/ahrav/go-phaseflow/pkg/activity"
	"github.com/ahrav/go-phaseflow/pkg/events"
)

// scriptedRuns returns its outcomes in order and repeats the last one.
type scriptedRuns struct {
	mu       sync.Mutex
	outcomes []executor.Outcome
	err      error
	calls    int
}

func (s *scriptedRuns) Run(_ context.Context, _ string) (executor.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	i := min(s.calls-1, len(s.outcomes)-1)
	return s.outcomes[i], nil
}

type fixedSweeps struct{ err error }

func (f fixedSweeps) Run(_ context.Context, name string) (domain.SweepResult, error) {
	if f.err != nil {
		return domain.SweepResult{}, f.err
	}
	return domain.SweepResult{ID: 1, Name: name, Scanned: 4, Affected: 1}, nil
}

func newEnv(t *testing.T, runs activity.RunExecutor, sweeps activity.SweepRunner) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	acts := activity.NewActivities(base.NewBaseActivities(events.NewMemorySink()), runs, sweeps, 0)
	env.RegisterActivity(acts.ExecuteRun)
	env.RegisterActivity(acts.Sweep)
	return env
}

func TestRunWorkflowCompletes(t *testing.T) {
	runs := &scriptedRuns{outcomes: []executor.Outcome{executor.OutcomeSucceeded}}
	env := newEnv(t, runs, nil)

	env.ExecuteWorkflow(RunWorkflow, RunInput{RunID: "run-1"})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var res RunResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, RunResult{RunID: "run-1", Outcome: executor.OutcomeSucceeded}, res)
	assert.Equal(t, 1, runs.calls)
}

func TestRunWorkflowRetriesDeferredRuns(t *testing.T) {
	runs := &scriptedRuns{outcomes: []executor.Outcome{
		executor.OutcomeDeferred, executor.OutcomeDeferred, executor.OutcomeFailed,
	}}
	env := newEnv(t, runs, nil)

	env.ExecuteWorkflow(RunWorkflow, RunInput{RunID: "run-1", Defer: DeferPolicy{Delay: time.Minute}})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var res RunResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, executor.OutcomeFailed, res.Outcome)
	assert.Equal(t, 2, res.Deferrals)
	assert.Equal(t, 3, runs.calls)

	value, err := env.QueryWorkflow(QueryProgress)
	require.NoError(t, err)
	var snapshot RunResult
	require.NoError(t, value.Get(&snapshot))
	assert.Equal(t, res, snapshot)
}

func TestRunWorkflowStopsAtDeferralLimit(t *testing.T) {
	runs := &scriptedRuns{outcomes: []executor.Outcome{executor.OutcomeDeferred}}
	env := newEnv(t, runs, nil)

	env.ExecuteWorkflow(RunWorkflow, RunInput{RunID: "run-1", Defer: DeferPolicy{MaxDeferrals: 3}})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var res RunResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, executor.OutcomeDeferred, res.Outcome)
	assert.Equal(t, 3, res.Deferrals)
	assert.Equal(t, 3, runs.calls)
}

func TestRunWorkflowContinuesAsNew(t *testing.T) {
	runs := &scriptedRuns{outcomes: []executor.Outcome{executor.OutcomeDeferred}}
	env := newEnv(t, runs, nil)

	env.ExecuteWorkflow(RunWorkflow, RunInput{
		RunID: "run-1",
		Defer: DeferPolicy{MaxDeferrals: 10, ContinueAsNewAfter: 2},
	})
	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.True(t, workflow.IsContinueAsNewError(err))
	assert.Equal(t, 2, runs.calls)
}

func TestRunWorkflowSuperseded(t *testing.T) {
	runs := &scriptedRuns{err: fmt.Errorf("update run: %w", pipeerrors.ErrConflict)}
	env := newEnv(t, runs, nil)

	env.ExecuteWorkflow(RunWorkflow, RunInput{RunID: "run-1"})
	require.NoError(t, env.GetWorkflowError())
	var res RunResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.True(t, res.Superseded)
	assert.Equal(t, 1, runs.calls)
}

func TestRunWorkflowMissingRunIsNotRetried(t *testing.T) {
	runs := &scriptedRuns{err: fmt.Errorf("load run: %w", pipeerrors.ErrNotFound)}
	env := newEnv(t, runs, nil)

	env.ExecuteWorkflow(RunWorkflow, RunInput{RunID: "gone"})
	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, activity.ErrTypeRunNotFound, appErr.Type())
	assert.Equal(t, 1, runs.calls)
}

func TestRunWorkflowRequiresRunID(t *testing.T) {
	env := newEnv(t, &scriptedRuns{}, nil)

	env.ExecuteWorkflow(RunWorkflow, RunInput{})
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, env.GetWorkflowError(), &appErr)
	assert.Equal(t, activity.ErrTypeInvalidInput, appErr.Type())
}

func TestDeferDelayDoublesAndCaps(t *testing.T) {
	p := RunInput{Defer: DeferPolicy{Delay: time.Second, MaxDelay: 5 * time.Second}}.withDefaults().Defer
	assert.Equal(t, time.Second, p.delay(1))
	assert.Equal(t, 2*time.Second, p.delay(2))
	assert.Equal(t, 4*time.Second, p.delay(3))
	assert.Equal(t, 5*time.Second, p.delay(4))
	assert.Equal(t, 5*time.Second, p.delay(60))
}

func TestSweepWorkflow(t *testing.T) {
	env := newEnv(t, nil, fixedSweeps{})

	env.ExecuteWorkflow(SweepWorkflow, SweepInput{Name: sweep.StaleRuns})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var res domain.SweepResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, sweep.StaleRuns, res.Name)
	assert.Equal(t, 1, res.Affected)
}

func TestSweepWorkflowUnknownSweep(t *testing.T) {
	env := newEnv(t, nil, fixedSweeps{err: sweep.ErrUnknownSweep})

	env.ExecuteWorkflow(SweepWorkflow, SweepInput{Name: "vacuum"})
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, env.GetWorkflowError(), &appErr)
	assert.Equal(t, activity.ErrTypeUnknownSweep, appErr.Type())
}
