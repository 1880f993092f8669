package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"

	"github.com/ahrav/go-phaseflow/internal/analysis"
	"github.com/ahrav/go-phaseflow/internal/compute"
	"github.com/ahrav/go-phaseflow/internal/config"
	"github.com/ahrav/go-phaseflow/internal/dispatch"
	"github.com/ahrav/go-phaseflow/internal/executor"
	"github.com/ahrav/go-phaseflow/internal/pipeline"
	"github.com/ahrav/go-phaseflow/internal/semaphore"
	"github.com/ahrav/go-phaseflow/internal/store"
	"github.com/ahrav/go-phaseflow/internal/sweep"
	"github.com/ahrav/go-phaseflow/internal/worker"
	"github.com/ahrav/go-phaseflow/pkg/events"
)

// app holds the wired process. Fields are nil for components the command
// did not ask for.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *store.Store
	redis      *redis.Client
	semaphore  *semaphore.Semaphore
	sink       events.Sink
	engine     *compute.Client
	dispatcher *dispatch.Dispatcher
	service    *pipeline.Service
	sweeper    *sweep.Sweeper

	temporal client.Client
	local    *dispatch.LocalLauncher
}

// launchMode picks how newly created runs are started.
type launchMode int

const (
	// launchNone persists runs without starting them.
	launchNone launchMode = iota
	// launchConfigured starts runs with the configured launcher.
	launchConfigured
)

// newApp wires every component from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, mode launchMode) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
		}
	}()

	if a.store, err = store.Open(ctx, cfg.Store); err != nil {
		return nil, err
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if a.semaphore, err = semaphore.New(a.redis, cfg.Semaphore, semaphore.WithLogger(logger)); err != nil {
		return nil, err
	}

	switch cfg.Events.Sink {
	case config.SinkRedis:
		a.sink = events.NewRedisStreamSink(a.redis, cfg.Events.Stream)
	default:
		a.sink = events.NewNoOpSink()
	}

	if a.engine, err = compute.NewClient(cfg.Compute, nil); err != nil {
		return nil, err
	}
	runner := analysis.NewRunner(a.store, a.engine, a.semaphore, cfg.Analysis)

	workflows := pipeline.New(pipeline.Deps{
		Store:     a.store,
		Admission: a.semaphore,
		Runner:    runner,
		Sink:      a.sink,
	}, cfg.Pipeline)
	registry, err := dispatch.NewRegistry(workflows.Definitions()...)
	if err != nil {
		return nil, err
	}
	exec := executor.New(a.store, a.sink, cfg.Executor)
	a.dispatcher = dispatch.New(registry, a.store, exec)
	a.service = pipeline.NewService(a.store, a.dispatcher)
	a.sweeper = sweep.New(a.store, a.semaphore, cfg.Sweep, sweep.WithRelauncher(a.dispatcher))

	if mode == launchConfigured {
		if err := a.attachLauncher(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) attachLauncher() error {
	switch a.cfg.Launcher {
	case config.LauncherTemporal:
		c, err := a.dialTemporal()
		if err != nil {
			return err
		}
		a.dispatcher.SetLauncher(worker.NewLauncher(c, a.cfg.Temporal))
	default:
		a.local = dispatch.NewLocalLauncher(a.dispatcher.Run, a.cfg.Local)
		a.dispatcher.SetLauncher(a.local)
	}
	return nil
}

func (a *app) dialTemporal() (client.Client, error) {
	if a.temporal != nil {
		return a.temporal, nil
	}
	c, err := worker.Dial(a.cfg.Temporal, a.logger)
	if err != nil {
		return nil, err
	}
	a.temporal = c
	return c, nil
}

// close drains the local launcher, then releases connections.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.local != nil {
		drainCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
		if err := a.local.Close(drainCtx); err != nil {
			errs = append(errs, fmt.Errorf("drain local launcher: %w", err))
		}
		cancel()
	}
	if a.temporal != nil {
		a.temporal.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// withStore opens only the database.
func withStore(ctx context.Context, cfg *config.Config, fn func(context.Context, *store.Store) error) error {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

// withApp wires the process for the duration of fn.
func withApp(ctx context.Context, mode launchMode, fn func(context.Context, *app) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger, mode)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	return errors.Join(runErr, a.close(context.WithoutCancel(ctx)))
}
