package sweep

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultSchedules are the five-field cron expressions each sweep runs on.
func DefaultSchedules() map[string]string {
	return map[string]string{
		LicenceExpiry:   "*/5 * * * *",
		StaleRuns:       "* * * * *",
		AccountDeletion: "17 * * * *",
		TicketReaper:    "* * * * *",
	}
}

// ValidateSchedules checks every expression parses and names a sweep. An
// empty expression is valid and disables the sweep.
func ValidateSchedules(schedules map[string]string) error {
	known := make(map[string]bool, len(Names()))
	for _, n := range Names() {
		known[n] = true
	}
	for name, spec := range schedules {
		if !known[name] {
			return fmt.Errorf("schedule %q: %w", name, ErrUnknownSweep)
		}
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
	}
	return nil
}

// Scheduler runs sweeps on their cron schedules in-process. A sweep whose
// previous pass is still running is skipped rather than stacked.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
}

// NewScheduler registers every sweep. Sweeps missing from schedules use
// DefaultSchedules; an empty expression disables a sweep.
func NewScheduler(sweeper *Sweeper, schedules map[string]string) (*Scheduler, error) {
	logger := slog.Default().With("component", "sweep-scheduler")
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		sweeper: sweeper,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}

	defaults := DefaultSchedules()
	for _, name := range Names() {
		spec, ok := schedules[name]
		if !ok {
			spec = defaults[name]
		}
		if spec == "" {
			logger.Info("sweep disabled", "sweep", name)
			continue
		}
		if _, err := s.cron.AddFunc(spec, s.job(name)); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
	}
	return s, nil
}

func (s *Scheduler) job(name string) func() {
	return func() {
		if _, err := s.sweeper.Run(s.ctx, name); err != nil {
			s.logger.Error("scheduled sweep failed", "sweep", name, "error", err)
		}
	}
}

// Start begins firing sweeps in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop prevents new passes, cancels running ones and waits for them until
// ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ logger *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
