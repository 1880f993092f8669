package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ahrav/go-phaseflow/internal/executor"
	"github.com/ahrav/go-phaseflow/internal/retry"
)

// ErrLauncherClosed is returned by Launch after Close.
var ErrLauncherClosed = errors.New("launcher closed")

// Default local launcher settings.
const (
	DefaultLocalWorkers  = 8
	DefaultDeferDelay    = 2 * time.Second
	DefaultMaxDeferDelay = time.Minute
	DefaultDeferJitter   = 0.2
)

// RunFunc executes a run to an outcome; Dispatcher.Run satisfies it.
type RunFunc func(ctx context.Context, runID string) (executor.Outcome, error)

// LocalConfig tunes the in-process launcher.
type LocalConfig struct {
	Workers       int           `json:"workers" mapstructure:"workers" yaml:"workers"`
	DeferDelay    time.Duration `json:"defer_delay" mapstructure:"defer_delay" yaml:"defer_delay"`
	MaxDeferDelay time.Duration `json:"max_defer_delay" mapstructure:"max_defer_delay" yaml:"max_defer_delay"`
	// DeferJitter spreads relaunches of runs deferred together. It is a
	// fraction of the delay in [0, 1]; zero disables it.
	DeferJitter float64 `json:"defer_jitter" mapstructure:"defer_jitter" yaml:"defer_jitter"`
}

// LocalLauncher executes runs on goroutines, at most Workers at a time.
// A deferred run is relaunched after a delay that doubles with each
// deferral, capped at MaxDeferDelay, plus up to DeferJitter of it again.
type LocalLauncher struct {
	run    RunFunc
	cfg    LocalConfig
	slots  *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc

	// idle ends deferral waits, which hold no work in flight.
	idle     context.Context
	stopIdle context.CancelFunc

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	logger *slog.Logger
}

// NewLocalLauncher creates a launcher that calls run.
func NewLocalLauncher(run RunFunc, cfg LocalConfig) *LocalLauncher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultLocalWorkers
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = DefaultDeferDelay
	}
	if cfg.MaxDeferDelay < cfg.DeferDelay {
		cfg.MaxDeferDelay = max(DefaultMaxDeferDelay, cfg.DeferDelay)
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle, stopIdle := context.WithCancel(ctx)
	return &LocalLauncher{
		run:      run,
		cfg:      cfg,
		slots:    semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:      ctx,
		cancel:   cancel,
		idle:     idle,
		stopIdle: stopIdle,
		logger:   slog.Default().With("component", "local-launcher"),
	}
}

// Launch schedules the run. It does not wait for it; the caller's context
// only bounds the hand-off.
func (l *LocalLauncher) Launch(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLauncherClosed
	}
	l.wg.Add(1)
	go l.execute(runID)
	return nil
}

func (l *LocalLauncher) execute(runID string) {
	defer l.wg.Done()
	logger := l.logger.With("run_id", runID)
	for deferrals := 0; ; deferrals++ {
		outcome, err := l.runOnce(runID)
		if err != nil {
			if l.ctx.Err() == nil {
				logger.Error("run stopped without outcome", "error", err)
			}
			return
		}
		if outcome != executor.OutcomeDeferred {
			logger.Debug("run finished", "outcome", outcome)
			return
		}

		delay := l.deferDelay(deferrals)
		logger.Debug("run deferred, relaunching later", "delay", delay, "deferrals", deferrals+1)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-l.idle.Done():
			timer.Stop()
			return
		}
	}
}

func (l *LocalLauncher) runOnce(runID string) (executor.Outcome, error) {
	if err := l.slots.Acquire(l.ctx, 1); err != nil {
		return "", err
	}
	defer l.slots.Release(1)
	return l.run(l.ctx, runID)
}

func (l *LocalLauncher) deferDelay(deferrals int) time.Duration {
	d := l.cfg.DeferDelay << min(deferrals, 10)
	if d <= 0 || d > l.cfg.MaxDeferDelay {
		d = l.cfg.MaxDeferDelay
	}
	return retry.CalculateJitter(d, l.cfg.DeferJitter)
}

// Close stops accepting launches, drops pending deferral waits and waits
// for in-flight runs until ctx is done, then cancels them. Dropped and
// cancelled runs stay pending or running and are recovered by the stale-run
// sweeper.
func (l *LocalLauncher) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.stopIdle()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.cancel()
		return nil
	case <-ctx.Done():
		l.cancel()
		<-done
		return ctx.Err()
	}
}
