package activity

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"

	"github.com/ahrav/go-phaseflow/internal/domain"
	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
	"github.com/ahrav/go-phaseflow/internal/executor"
	"github.com/ahrav/go-phaseflow/internal/sweep"
	base "github.com/ahrav/go-phaseflow/pkg/activity"
	"github.com/ahrav/go-phaseflow/pkg/events"
)

type mockRuns struct{ mock.Mock }

func (m *mockRuns) Run(ctx context.Context, runID string) (executor.Outcome, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).(executor.Outcome), args.Error(1)
}

type mockSweeps struct{ mock.Mock }

func (m *mockSweeps) Run(ctx context.Context, name string) (domain.SweepResult, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(domain.SweepResult), args.Error(1)
}

func newActivities(sink events.Sink) (*Activities, *mockRuns, *mockSweeps) {
	runs, sweeps := &mockRuns{}, &mockSweeps{}
	return NewActivities(base.NewBaseActivities(sink), runs, sweeps, 0), runs, sweeps
}

func TestExecuteRunReturnsOutcome(t *testing.T) {
	acts, runs, _ := newActivities(nil)
	runs.On("Run", mock.Anything, "run-1").Return(executor.OutcomeDeferred, nil).Once()

	out, err := acts.ExecuteRun(context.Background(), ExecuteRunInput{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, ExecuteRunOutput{RunID: "run-1", Outcome: executor.OutcomeDeferred}, out)
	runs.AssertExpectations(t)
}

func TestExecuteRunConflictIsSuperseded(t *testing.T) {
	acts, runs, _ := newActivities(nil)
	runs.On("Run", mock.Anything, "run-1").
		Return(executor.Outcome(""), fmt.Errorf("update run run-1: %w", pipeerrors.ErrConflict))

	out, err := acts.ExecuteRun(context.Background(), ExecuteRunInput{RunID: "run-1"})
	require.NoError(t, err)
	assert.True(t, out.Superseded)
	assert.Empty(t, out.Outcome)
}

func TestExecuteRunErrorClassification(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantType     string
		nonRetryable bool
	}{
		{"missing run", fmt.Errorf("load run: %w", pipeerrors.ErrNotFound), ErrTypeRunNotFound, true},
		{"unregistered workflow", pipeerrors.ErrUnknownEvent, ErrTypeUnknownWorkflow, true},
		{"store hiccup", errors.New("database is locked"), ErrTypeTransient, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acts, runs, _ := newActivities(nil)
			runs.On("Run", mock.Anything, "run-1").Return(executor.Outcome(""), tt.err)

			_, err := acts.ExecuteRun(context.Background(), ExecuteRunInput{RunID: "run-1"})
			var appErr *temporal.ApplicationError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.wantType, appErr.Type())
			assert.Equal(t, tt.nonRetryable, appErr.NonRetryable())
		})
	}
}

func TestExecuteRunCancellationPassesThrough(t *testing.T) {
	acts, runs, _ := newActivities(nil)
	runs.On("Run", mock.Anything, "run-1").Return(executor.Outcome(""), context.Canceled)

	_, err := acts.ExecuteRun(context.Background(), ExecuteRunInput{RunID: "run-1"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestExecuteRunRequiresID(t *testing.T) {
	acts, runs, _ := newActivities(nil)

	_, err := acts.ExecuteRun(context.Background(), ExecuteRunInput{})
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, ErrTypeInvalidInput, appErr.Type())
	runs.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestSweepEmitsCompletion(t *testing.T) {
	sink := events.NewMemorySink()
	acts, _, sweeps := newActivities(sink)
	result := domain.SweepResult{ID: 7, Name: sweep.LicenceExpiry, Scanned: 3, Affected: 2}
	sweeps.On("Run", mock.Anything, sweep.LicenceExpiry).Return(result, nil)

	got, err := acts.Sweep(context.Background(), SweepInput{Name: sweep.LicenceExpiry})
	require.NoError(t, err)
	assert.Equal(t, result, got)

	emitted := sink.Named(string(domain.EventSweepCompleted))
	require.Len(t, emitted, 1)
	assert.Equal(t, "sweep:licence-expiry:7", emitted[0].IdempotencyKey)
	decoded, err := events.Decode[domain.SweepResult](emitted[0].Data)
	require.NoError(t, err)
	assert.Equal(t, 2, decoded.Affected)
}

func TestSweepUnknownNameIsNonRetryable(t *testing.T) {
	acts, _, sweeps := newActivities(nil)
	sweeps.On("Run", mock.Anything, "vacuum").
		Return(domain.SweepResult{}, fmt.Errorf("%q: %w", "vacuum", sweep.ErrUnknownSweep))

	_, err := acts.Sweep(context.Background(), SweepInput{Name: "vacuum"})
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, ErrTypeUnknownSweep, appErr.Type())
	assert.True(t, appErr.NonRetryable())
}

func TestNonRetryableTypesExcludeTransient(t *testing.T) {
	assert.NotContains(t, NonRetryableTypes(), ErrTypeTransient)
	assert.Contains(t, NonRetryableTypes(), ErrTypeRunNotFound)
}
