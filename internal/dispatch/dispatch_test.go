package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-phaseflow/internal/dispatch"
	"github.com/ahrav/go-phaseflow/internal/domain"
	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
	"github.com/ahrav/go-phaseflow/internal/executor"
	"github.com/ahrav/go-phaseflow/internal/store"
	"github.com/ahrav/go-phaseflow/pkg/events"
)

const (
	eventPing domain.EventName = "test/ping"
	eventPong domain.EventName = "test/pong"
)

type pingPayload struct {
	Target string `json:"target"`
}

func preparePing(raw json.RawMessage) (string, error) {
	p, err := events.Decode[pingPayload](raw)
	if err != nil {
		return "", err
	}
	if p.Target == "" {
		return "", pipeerrors.ErrInvalidPayload
	}
	return p.Target, nil
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{Path: filepath.Join(t.TempDir(), "dispatch.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func noSleep(context.Context, time.Duration) error { return nil }

func pingDefinition(step executor.StepFunc) *executor.Definition {
	return &executor.Definition{
		Name:       "ping-workflow",
		Event:      eventPing,
		RetryLimit: 1,
		Prepare:    preparePing,
		Steps: []executor.Step{
			{Name: "one", Run: func(context.Context, *domain.WorkflowRun) error { return nil }},
			{Name: "two", Run: step},
		},
	}
}

func newDispatcher(t *testing.T, st *store.Store, defs ...*executor.Definition) *dispatch.Dispatcher {
	t.Helper()
	reg, err := dispatch.NewRegistry(defs...)
	require.NoError(t, err)
	exec := executor.New(st, nil, executor.Config{}, executor.WithSleep(noSleep))
	return dispatch.New(reg, st, exec)
}

func ping(t *testing.T, id, target string) events.Envelope {
	t.Helper()
	env, err := events.New(string(eventPing), "test", pingPayload{Target: target})
	require.NoError(t, err)
	env.ID = id
	return env
}

func TestRegistryRejectsDuplicateEvent(t *testing.T) {
	ok := func(context.Context, *domain.WorkflowRun) error { return nil }
	a := pingDefinition(ok)
	b := pingDefinition(ok)
	b.Name = "other"

	_, err := dispatch.NewRegistry(a, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping-workflow")

	b.Event = eventPong
	reg, err := dispatch.NewRegistry(a, b)
	require.NoError(t, err)
	def, found := reg.ForEvent(eventPong)
	require.True(t, found)
	assert.Equal(t, "other", def.Name)
	assert.Len(t, reg.Definitions(), 2)
}

func TestRegistryRejectsInvalidDefinition(t *testing.T) {
	_, err := dispatch.NewRegistry(&executor.Definition{Name: "empty", Event: eventPing})
	require.Error(t, err)
}

func TestDispatchIsIdempotentPerEvent(t *testing.T) {
	st := newStore(t)
	var launches atomic.Int32
	d := newDispatcher(t, st, pingDefinition(func(context.Context, *domain.WorkflowRun) error { return nil }))
	d.SetLauncher(dispatch.LauncherFunc(func(context.Context, string) error {
		launches.Add(1)
		return nil
	}))
	ctx := context.Background()

	first, created, err := d.Dispatch(ctx, ping(t, "evt-1", "alpha"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.RunPending, first.Status)
	assert.Equal(t, "alpha", first.SubjectID)
	assert.Equal(t, "ping-workflow", first.Workflow)
	require.Len(t, first.Steps, 2)

	again, created, err := d.Dispatch(ctx, ping(t, "evt-1", "alpha"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, int32(1), launches.Load(), "a duplicate event is not launched again")

	_, created, err = d.Dispatch(ctx, ping(t, "evt-2", "alpha"))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestDispatchRejectsUnknownAndInvalid(t *testing.T) {
	st := newStore(t)
	d := newDispatcher(t, st, pingDefinition(func(context.Context, *domain.WorkflowRun) error { return nil }))
	ctx := context.Background()

	_, _, err := d.Dispatch(ctx, events.Envelope{ID: "x", Name: "test/unknown"})
	require.ErrorIs(t, err, pipeerrors.ErrUnknownEvent)

	_, _, err = d.Dispatch(ctx, ping(t, "bad", ""))
	require.ErrorIs(t, err, pipeerrors.ErrInvalidPayload)

	_, _, err = d.Dispatch(ctx, events.Envelope{ID: "nameless"})
	require.ErrorIs(t, err, pipeerrors.ErrInvalidPayload)

	_, err = st.GetRunByEvent(ctx, "bad")
	require.ErrorIs(t, err, pipeerrors.ErrNotFound, "rejected events create no run")
}

func TestLaunchFailureLeavesRunPending(t *testing.T) {
	st := newStore(t)
	d := newDispatcher(t, st, pingDefinition(func(context.Context, *domain.WorkflowRun) error { return nil }))
	d.SetLauncher(dispatch.LauncherFunc(func(context.Context, string) error { return errors.New("queue down") }))

	run, created, err := d.Dispatch(context.Background(), ping(t, "evt-1", "alpha"))
	require.NoError(t, err)
	assert.True(t, created)

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPending, stored.Status)
}

func TestRunAndRedrive(t *testing.T) {
	st := newStore(t)
	var healthy atomic.Bool
	var calls atomic.Int32
	d := newDispatcher(t, st, pingDefinition(func(context.Context, *domain.WorkflowRun) error {
		calls.Add(1)
		if healthy.Load() {
			return nil
		}
		return pipeerrors.ErrConflict
	}))
	ctx := context.Background()

	run, _, err := d.Dispatch(ctx, ping(t, "evt-1", "alpha"))
	require.NoError(t, err)

	outcome, err := d.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, executor.OutcomeDeadLettered, outcome)
	assert.Equal(t, int32(2), calls.Load())

	// Unknown runs cannot be redriven.
	_, err = d.Redrive(ctx, "missing")
	require.ErrorIs(t, err, pipeerrors.ErrNotFound)

	healthy.Store(true)
	var relaunched []string
	d.SetLauncher(dispatch.LauncherFunc(func(_ context.Context, id string) error {
		relaunched = append(relaunched, id)
		return nil
	}))
	reset, err := d.Redrive(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPending, reset.Status)
	assert.Equal(t, domain.CheckpointDone, reset.Steps[0].Status, "finished steps stay finished")
	assert.Equal(t, domain.CheckpointPending, reset.Steps[1].Status)
	assert.Zero(t, reset.Steps[1].Attempts)
	assert.Equal(t, 1, reset.RetryCount, "cumulative retry count survives redrive")
	assert.Equal(t, []string{run.ID}, relaunched)

	outcome, err = d.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, executor.OutcomeSucceeded, outcome)

	_, err = d.Redrive(ctx, run.ID)
	require.Error(t, err, "a succeeded run cannot be redriven")
}

func TestLocalLauncherBoundsConcurrency(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight int
		peak     int
		done     sync.WaitGroup
	)
	const runs = 12
	done.Add(runs)
	l := dispatch.NewLocalLauncher(func(context.Context, string) (executor.Outcome, error) {
		defer done.Done()
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return executor.OutcomeSucceeded, nil
	}, dispatch.LocalConfig{Workers: 3})

	for range runs {
		require.NoError(t, l.Launch(context.Background(), "run"))
	}
	done.Wait()
	require.NoError(t, l.Close(context.Background()))
	assert.LessOrEqual(t, peak, 3)
	assert.ErrorIs(t, l.Launch(context.Background(), "late"), dispatch.ErrLauncherClosed)
}

func TestLocalLauncherRelaunchesDeferredRuns(t *testing.T) {
	var attempts atomic.Int32
	finished := make(chan struct{})
	l := dispatch.NewLocalLauncher(func(context.Context, string) (executor.Outcome, error) {
		if attempts.Add(1) < 3 {
			return executor.OutcomeDeferred, nil
		}
		close(finished)
		return executor.OutcomeSucceeded, nil
	}, dispatch.LocalConfig{Workers: 1, DeferDelay: time.Millisecond, MaxDeferDelay: 4 * time.Millisecond})

	require.NoError(t, l.Launch(context.Background(), "run"))
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("deferred run was not relaunched")
	}
	require.NoError(t, l.Close(context.Background()))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestLocalLauncherEndToEnd(t *testing.T) {
	st := newStore(t)
	finished := make(chan struct{}, 1)
	d := newDispatcher(t, st, pingDefinition(func(context.Context, *domain.WorkflowRun) error {
		finished <- struct{}{}
		return nil
	}))
	l := dispatch.NewLocalLauncher(d.Run, dispatch.LocalConfig{Workers: 2})
	d.SetLauncher(l)

	run, _, err := d.Dispatch(context.Background(), ping(t, "evt-1", "alpha"))
	require.NoError(t, err)
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("run was not executed")
	}
	require.NoError(t, l.Close(context.Background()))

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, stored.Status)
}
