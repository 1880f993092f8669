package executor_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-phaseflow/internal/domain"
	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
	"github.com/ahrav/go-phaseflow/internal/executor"
	"github.com/ahrav/go-phaseflow/pkg/events"
)

// memStore keeps runs in memory with version-conditional updates.
type memStore struct {
	mu      sync.Mutex
	runs    map[string]domain.WorkflowRun
	touches int
	// conflictAt, when set, makes UpdateRun conflict once the stored
	// version reaches it.
	conflictAt int64
}

func newMemStore(runs ...domain.WorkflowRun) *memStore {
	m := &memStore{runs: make(map[string]domain.WorkflowRun)}
	for _, r := range runs {
		if r.Version == 0 {
			r.Version = 1
		}
		m.runs[r.ID] = r.Clone()
	}
	return m
}

func (m *memStore) UpdateRun(_ context.Context, r domain.WorkflowRun) (domain.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[r.ID]
	if !ok {
		return domain.WorkflowRun{}, pipeerrors.ErrNotFound
	}
	if cur.Version != r.Version || (m.conflictAt > 0 && cur.Version >= m.conflictAt) {
		return domain.WorkflowRun{}, fmt.Errorf("update run %s: %w", r.ID, pipeerrors.ErrConflict)
	}
	r.Version++
	m.runs[r.ID] = r.Clone()
	return r, nil
}

func (m *memStore) TouchRun(_ context.Context, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touches++
	return nil
}

func (m *memStore) get(id string) domain.WorkflowRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id].Clone()
}

func noSleep(context.Context, time.Duration) error { return nil }

func newRun(id string) domain.WorkflowRun {
	return domain.WorkflowRun{ID: id, EventID: "evt-" + id, EventName: "test/event", Workflow: "test-workflow", Status: domain.RunPending}
}

// stepLog records step invocations.
type stepLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *stepLog) record(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *stepLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func okStep(log *stepLog, name string) executor.Step {
	return executor.Step{Name: name, Run: func(context.Context, *domain.WorkflowRun) error {
		log.record(name)
		return nil
	}}
}

func definition(retryLimit int, steps ...executor.Step) *executor.Definition {
	return &executor.Definition{Name: "test-workflow", Event: "test/event", Steps: steps, RetryLimit: retryLimit}
}

func TestDefinitionValidate(t *testing.T) {
	log := &stepLog{}
	require.NoError(t, definition(3, okStep(log, "a"), okStep(log, "b")).Validate())
	assert.Error(t, definition(3).Validate())
	assert.Error(t, definition(3, okStep(log, "a"), okStep(log, "a")).Validate())
	assert.Error(t, definition(-1, okStep(log, "a")).Validate())
	assert.Error(t, (&executor.Definition{Name: "x", Steps: []executor.Step{okStep(log, "a")}}).Validate())
	assert.Error(t, definition(1, executor.Step{Name: "nil"}).Validate())
}

func TestExecuteAllStepsSucceed(t *testing.T) {
	log := &stepLog{}
	store := newMemStore(newRun("r1"))
	exec := executor.New(store, nil, executor.Config{}, executor.WithSleep(noSleep))

	outcome, err := exec.Execute(context.Background(), definition(3, okStep(log, "a"), okStep(log, "b")), store.get("r1"))
	require.NoError(t, err)
	assert.Equal(t, executor.OutcomeSucceeded, outcome)
	assert.Equal(t, []string{"a", "b"}, log.names())

	run := store.get("r1")
	assert.Equal(t, domain.RunSucceeded, run.Status)
	for _, cp := range run.Steps {
		assert.Equal(t, domain.CheckpointDone, cp.Status)
		assert.Equal(t, 1, cp.Attempts)
		assert.NotNil(t, cp.CompletedAt)
	}
}

// TestExecuteFailTwiceThenSucceed is the retry scenario: a step failing
// transiently twice under retry limit 3 succeeds with retry count 2.
func TestExecuteFailTwiceThenSucceed(t *testing.T) {
	store := newMemStore(newRun("r1"))
	var delays []time.Duration
	exec := executor.New(store, nil, executor.Config{}, executor.WithSleep(func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}))

	calls := 0
	flaky := executor.Step{Name: "flaky", Run: func(context.Context, *domain.WorkflowRun) error {
		calls++
		if calls <= 2 {
			return fmt.Errorf("write phase: %w", pipeerrors.ErrConflict)
		}
		return nil
	}}

	outcome, err := exec.Execute(context.Background(), definition(3, flaky), store.get("r1"))
	require.NoError(t, err)
	assert.Equal(t, executor.OutcomeSucceeded, outcome)

	run := store.get("r1")
	assert.Equal(t, domain.RunSucceeded, run.Status)
	assert.Equal(t, 2, run.RetryCount)
	assert.Equal(t, 3, run.Steps[0].Attempts)
	assert.Empty(t, run.LastError)
	assert.Len(t, delays, 2)
}

func TestExecuteDeadLettersAfterRetryLimit(t *testing.T) {
	sink := events.NewMemorySink()
	store := newMemStore(newRun("r1"))
	exec := executor.New(store, sink, executor.Config{}, executor.WithSleep(noSleep))

	calls := 0
	always := executor.Step{Name: "always", Run: func(context.Context, *domain.WorkflowRun) error {
		calls++
		return context.DeadlineExceeded
	}}

	outcome, err := exec.Execute(context.Background(), definition(2, always), store.get("r1"))
	require.NoError(t, err)
	assert.Equal(t, executor.OutcomeDeadLettered, outcome)
	assert.Equal(t, 3, calls, "first attempt plus two retries")

	run := store.get("r1")
	assert.Equal(t, domain.RunDeadLettered, run.Status)
	assert.Equal(t, domain.CheckpointFailed, run.Steps[0].Status)
	assert.Equal(t, 2, run.RetryCount)
	assert.NotEmpty(t, run.LastError)
	require.Len(t, sink.Named(string(domain.EventRunDeadLettered)), 1)
}

func TestExecuteNonTransientFailsImmediately(t *testing.T) {
	log := &stepLog{}
	sink := events.NewMemorySink()
	store := newMemStore(newRun("r1"))
	exec := executor.New(store, sink, executor.Config{}, executor.WithSleep(noSleep))

	calls := 0
	bad := executor.Step{Name: "bad", Run: func(context.Context, *domain.WorkflowRun) error {
		calls++
		return pipeerrors.NewPreconditionError("phase", "p1/0", "review", "draft")
	}}

	outcome, err := exec.Execute(context.Background(), definition(5, bad, okStep(log, "after")), store.get("r1"))
	require.NoError(t, err)
	assert.Equal(t, executor.OutcomeFailed, outcome)
	assert.Equal(t, 1, calls)
	assert.Empty(t, log.names())

	run := store.get("r1")
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, 0, run.RetryCount)
	assert.Contains(t, run.LastError, "precondition failed")
	assert.Equal(t, domain.CheckpointPending, run.Steps[1].Status)
	assert.Len(t, sink.Named(string(domain.EventRunFailed)), 1)
}

func TestExecutePanicBecomesFault(t *testing.T) {
	store := newMemStore(newRun("r1"))
	exec := executor.New(store, nil, executor.Config{}, executor.WithSleep(noSleep))

	boom := executor.Step{Name: "boom", Run: func(context.Context, *domain.WorkflowRun) error {
		var m map[string]int
		m["x"] = 1
		return nil
	}}

	outcome, err := exec.Execute(context.Background(), definition(3, boom), store.get("r1"))
	require.NoError(t, err)
	assert.Equal(t, executor.OutcomeFailed, outcome)

	run := store.get("r1")
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, run.LastError, "unexpected fault in step boom")
	assert.Equal(t, 1, run.Steps[0].Attempts)
}

func TestExecuteBusyDefersWithoutSpendingBudget(t *testing.T) {
	log := &stepLog{}
	store := newMemStore(newRun("r1"))
	exec := executor.New(store, nil, executor.Config{}, executor.WithSleep(noSleep))

	busy := true
	gated := executor.Step{Name: "acquire", Run: func(context.Context, *domain.WorkflowRun) error {
		if busy {
			return pipeerrors.ErrBusy
		}
		log.record("acquire")
		return nil
	}}
	def := definition(0, okStep(log, "before"), gated, okStep(log, "after"))

	outcome, err := exec.Execute(context.Background(), def, store.get("r1"))
	require.NoError(t, err)
	assert.Equal(t, executor.OutcomeDeferred, outcome)

	run := store.get("r1")
	assert.Equal(t, domain.RunPending, run.Status)
	assert.Equal(t, 1, run.Deferrals)
	assert.Equal(t, 0, run.RetryCount)
	assert.Equal(t, 0, run.Steps[1].Attempts)
	assert.Equal(t, domain.CheckpointDone, run.Steps[0].Status)

	// Deferred twice more, still no budget spent even with retry limit 0.
	for range 2 {
		outcome, err = exec.Execute(context.Background(), def, store.get("r1"))
		require.NoError(t, err)
		assert.Equal(t, executor.OutcomeDeferred, outcome)
	}

	busy = false
	outcome, err = exec.Execute(context.Background(), def, store.get("r1"))
	require.NoError(t, err)
	assert.Equal(t, executor.OutcomeSucceeded, outcome)
	assert.Equal(t, []string{"before", "acquire", "after"}, log.names())

	run = store.get("r1")
	assert.Equal(t, 3, run.Deferrals)
	assert.Equal(t, 1, run.Steps[1].Attempts)
}

// TestExecuteResumesFromFirstPendingStep simulates a crash after step "a"
// was checkpointed: a fresh executor only runs the remaining steps.
func TestExecuteResumesFromFirstPendingStep(t *testing.T) {
	log := &stepLog{}
	run := newRun("r1")
	run.Status = domain.RunRunning
	run.Steps = []domain.StepCheckpoint{
		{Name: "a", Status: domain.CheckpointDone, Attempts: 1},
		{Name: "b", Status: domain.CheckpointPending, Attempts: 1},
		{Name: "c", Status: domain.CheckpointPending},
	}
	store := newMemStore(run)
	exec := executor.New(store, nil, executor.Config{}, executor.WithSleep(noSleep))

	outcome, err := exec.Execute(context.Background(),
		definition(3, okStep(log, "a"), okStep(log, "b"), okStep(log, "c")), store.get("r1"))
	require.NoError(t, err)
	assert.Equal(t, executor.OutcomeSucceeded, outcome)
	assert.Equal(t, []string{"b", "c"}, log.names())

	got := store.get("r1")
	assert.Equal(t, 2, got.Steps[1].Attempts, "attempts spent before the crash carry over")
}

func TestExecutePersistedAttemptsLimitRetriesAcrossRestarts(t *testing.T) {
	run := newRun("r1")
	run.Status = domain.RunRunning
	run.Steps = []domain.StepCheckpoint{{Name: "flaky", Status: domain.CheckpointPending, Attempts: 3}}
	store := newMemStore(run)
	exec := executor.New(store, nil, executor.Config{}, executor.WithSleep(noSleep))

	flaky := executor.Step{Name: "flaky", Run: func(context.Context, *domain.WorkflowRun) error {
		return pipeerrors.ErrConflict
	}}
	outcome, err := exec.Execute(context.Background(), definition(3, flaky), store.get("r1"))
	require.NoError(t, err)
	assert.Equal(t, executor.OutcomeDeadLettered, outcome)
	assert.Equal(t, 4, store.get("r1").Steps[0].Attempts)
}

func TestExecuteDeadLettersStepThatKeepsCrashing(t *testing.T) {
	log := &stepLog{}
	run := newRun("r1")
	run.Status = domain.RunRunning
	// Four recorded attempts with no outcome: every one died with its worker.
	run.Steps = []domain.StepCheckpoint{{Name: "a", Status: domain.CheckpointPending, Attempts: 4}}
	store := newMemStore(run)
	exec := executor.New(store, nil, executor.Config{}, executor.WithSleep(noSleep))

	outcome, err := exec.Execute(context.Background(), definition(3, okStep(log, "a")), store.get("r1"))
	require.NoError(t, err)
	assert.Equal(t, executor.OutcomeDeadLettered, outcome)
	assert.Empty(t, log.names(), "the step is not attempted again")
	stored := store.get("r1")
	assert.Equal(t, domain.CheckpointFailed, stored.Steps[0].Status)
	assert.Equal(t, 4, stored.Steps[0].Attempts)
}

func TestExecuteTerminalRunIsNoOp(t *testing.T) {
	log := &stepLog{}
	run := newRun("r1")
	run.Status = domain.RunDeadLettered
	store := newMemStore(run)
	exec := executor.New(store, nil, executor.Config{})

	outcome, err := exec.Execute(context.Background(), definition(3, okStep(log, "a")), store.get("r1"))
	require.NoError(t, err)
	assert.Equal(t, executor.OutcomeDeadLettered, outcome)
	assert.Empty(t, log.names())
}

func TestExecuteStopsOnConflict(t *testing.T) {
	log := &stepLog{}
	store := newMemStore(newRun("r1"))
	store.conflictAt = 3 // claim and first attempt succeed, checkpoint conflicts
	exec := executor.New(store, nil, executor.Config{}, executor.WithSleep(noSleep))

	_, err := exec.Execute(context.Background(), definition(3, okStep(log, "a"), okStep(log, "b")), store.get("r1"))
	require.ErrorIs(t, err, pipeerrors.ErrConflict)
	assert.Equal(t, []string{"a"}, log.names())
}

func TestExecuteCancelledLeavesRunRunning(t *testing.T) {
	store := newMemStore(newRun("r1"))
	exec := executor.New(store, nil, executor.Config{}, executor.WithSleep(noSleep))

	ctx, cancel := context.WithCancel(context.Background())
	step := executor.Step{Name: "slow", Run: func(ctx context.Context, _ *domain.WorkflowRun) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}}

	_, err := exec.Execute(ctx, definition(3, step), store.get("r1"))
	require.ErrorIs(t, err, context.Canceled)

	run := store.get("r1")
	assert.Equal(t, domain.RunRunning, run.Status)
	assert.Equal(t, 1, run.Steps[0].Attempts)
}

func TestExecuteStepsMismatch(t *testing.T) {
	log := &stepLog{}
	run := newRun("r1")
	run.Steps = []domain.StepCheckpoint{{Name: "old", Status: domain.CheckpointPending}}
	store := newMemStore(run)
	exec := executor.New(store, nil, executor.Config{})

	_, err := exec.Execute(context.Background(), definition(3, okStep(log, "new")), store.get("r1"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, pipeerrors.ErrConflict))
}

func TestExecuteHeartbeats(t *testing.T) {
	store := newMemStore(newRun("r1"))
	exec := executor.New(store, nil, executor.Config{HeartbeatInterval: 5 * time.Millisecond}, executor.WithSleep(noSleep))

	slow := executor.Step{Name: "slow", Run: func(context.Context, *domain.WorkflowRun) error {
		time.Sleep(40 * time.Millisecond)
		return nil
	}}
	_, err := exec.Execute(context.Background(), definition(0, slow), store.get("r1"))
	require.NoError(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Positive(t, store.touches)
}

func TestStepsReceiveACopy(t *testing.T) {
	store := newMemStore(newRun("r1"))
	exec := executor.New(store, nil, executor.Config{}, executor.WithSleep(noSleep))

	mutate := executor.Step{Name: "mutate", Run: func(_ context.Context, run *domain.WorkflowRun) error {
		run.Status = domain.RunFailed
		run.Steps[0].Status = domain.CheckpointFailed
		return nil
	}}
	outcome, err := exec.Execute(context.Background(), definition(0, mutate), store.get("r1"))
	require.NoError(t, err)
	assert.Equal(t, executor.OutcomeSucceeded, outcome)
	assert.Equal(t, domain.CheckpointDone, store.get("r1").Steps[0].Status)
}
