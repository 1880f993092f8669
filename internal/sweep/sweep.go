// Package sweep implements the scheduled maintenance passes: licence expiry,
// stale-run recovery, account deletion and ticket reaping.
//
// A pass pages its rows by key so each row is visited at most once, applies
// one conditional transition per row under the shared retry policy, counts
// failed rows instead of aborting, and stops early once its wall-clock
// budget is spent. Every pass records a domain.SweepResult. Passes may
// overlap with each other and with themselves: selection predicates skip
// rows that already moved and every write is version-conditional.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/go-phaseflow/internal/domain"
	"github.com/ahrav/go-phaseflow/internal/retry"
	"github.com/ahrav/go-phaseflow/internal/store"
)

// Sweep names.
const (
	LicenceExpiry   = "licence-expiry"
	StaleRuns       = "stale-runs"
	AccountDeletion = "account-deletion"
	TicketReaper    = "ticket-reaper"
)

// Names lists every sweep in the order a full pass runs them.
func Names() []string {
	return []string{LicenceExpiry, StaleRuns, AccountDeletion, TicketReaper}
}

// ErrUnknownSweep is returned for a name that is not a sweep.
var ErrUnknownSweep = errors.New("unknown sweep")

// StalePolicy says what the stale-run sweep does with an abandoned run.
type StalePolicy string

const (
	// PolicyRequeue returns the run to pending and relaunches it. Attempt
	// counts are persisted, so a run that keeps dying still dead-letters.
	PolicyRequeue StalePolicy = "requeue"
	// PolicyFail marks the run failed.
	PolicyFail StalePolicy = "fail"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config tunes the sweepers.
type Config struct {
	BatchSize     int           `json:"batch_size" mapstructure:"batch_size" yaml:"batch_size" validate:"min=1,max=10000"`
	Budget        time.Duration `json:"budget" mapstructure:"budget" yaml:"budget" validate:"min=1s"`
	StaleAfter    time.Duration `json:"stale_after" mapstructure:"stale_after" yaml:"stale_after" validate:"min=1s"`
	StalePolicy   StalePolicy   `json:"stale_policy" mapstructure:"stale_policy" yaml:"stale_policy" validate:"oneof=requeue fail"`
	DeletionGrace time.Duration `json:"deletion_grace" mapstructure:"deletion_grace" yaml:"deletion_grace" validate:"min=0"`
	Retry         retry.Policy  `json:"retry" mapstructure:"retry" yaml:"retry"`
}

// DefaultConfig returns production sweep settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     200,
		Budget:        2 * time.Minute,
		StaleAfter:    10 * time.Minute,
		StalePolicy:   PolicyRequeue,
		DeletionGrace: 30 * 24 * time.Hour,
		Retry:         retry.DefaultPolicy(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("sweep config: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("sweep retry policy: %w", err)
	}
	return nil
}

// Store is the persistence the sweepers need.
type Store interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
	UpdateProject(ctx context.Context, p domain.Project) (domain.Project, error)
	DeleteProjectsByOwner(ctx context.Context, ownerID string) (int, error)

	GetLicence(ctx context.Context, id string) (domain.Licence, error)
	GetLicenceForProject(ctx context.Context, projectID string) (domain.Licence, error)
	ListExpiredLicences(ctx context.Context, now time.Time, page store.Page) ([]domain.Licence, error)
	ListLicencesByOwner(ctx context.Context, ownerID string) ([]domain.Licence, error)
	UpdateLicence(ctx context.Context, l domain.Licence) (domain.Licence, error)

	GetRun(ctx context.Context, id string) (domain.WorkflowRun, error)
	ListStaleRuns(ctx context.Context, before time.Time, page store.Page) ([]domain.WorkflowRun, error)
	UpdateStaleRun(ctx context.Context, r domain.WorkflowRun, staleBefore time.Time) (domain.WorkflowRun, error)

	GetJob(ctx context.Context, id string) (domain.AnalysisJob, error)
	UpdateJob(ctx context.Context, j domain.AnalysisJob) (domain.AnalysisJob, error)

	GetAccount(ctx context.Context, id string) (domain.Account, error)
	ListAccountsPendingDeletion(ctx context.Context, cutoff time.Time, page store.Page) ([]domain.Account, error)
	UpdateAccount(ctx context.Context, a domain.Account) (domain.Account, error)

	RecordSweep(ctx context.Context, r domain.SweepResult) (domain.SweepResult, error)
}

// Admission is the semaphore surface the sweepers use.
type Admission interface {
	ReleaseByOwner(ctx context.Context, owner string) (bool, error)
	Reap(ctx context.Context) (int, error)
}

// Relauncher restarts a requeued run.
type Relauncher interface {
	Relaunch(ctx context.Context, runID string) error
}

// Sweeper runs the maintenance passes.
type Sweeper struct {
	store      Store
	admission  Admission
	relauncher Relauncher
	cfg        Config
	now        func() time.Time
	logger     *slog.Logger
}

// Option customizes a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithRelauncher sets where requeued runs are relaunched.
func WithRelauncher(r Relauncher) Option {
	return func(s *Sweeper) { s.relauncher = r }
}

// New creates a Sweeper.
func New(st Store, admission Admission, cfg Config, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     st,
		admission: admission,
		cfg:       cfg,
		now:       time.Now,
		logger:    slog.Default().With("component", "sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes the named sweep once and records its result. The returned
// error is reserved for unknown names and failures to record; row failures
// are counted in the result.
func (s *Sweeper) Run(ctx context.Context, name string) (domain.SweepResult, error) {
	var body func(context.Context, *pass) error
	switch name {
	case LicenceExpiry:
		body = s.expireLicences
	case StaleRuns:
		body = s.recoverStaleRuns
	case AccountDeletion:
		body = s.deleteAccounts
	case TicketReaper:
		body = s.reapTickets
	default:
		return domain.SweepResult{}, fmt.Errorf("%q: %w", name, ErrUnknownSweep)
	}

	start := s.now()
	p := &pass{
		sweeper:  s,
		result:   domain.SweepResult{Name: name, StartedAt: start.UTC()},
		deadline: start.Add(s.cfg.Budget),
		logger:   s.logger.With("sweep", name),
	}
	if err := body(ctx, p); err != nil {
		p.result.Error = err.Error()
		p.logger.Error("sweep aborted", "error", err, "affected", p.result.Affected)
		if p.zeroOnAbort {
			p.result.Affected = 0
		}
	}
	p.result.Duration = s.now().Sub(start)

	recorded, err := s.store.RecordSweep(context.WithoutCancel(ctx), p.result)
	if err != nil {
		return p.result, fmt.Errorf("record %s result: %w", name, err)
	}
	p.logger.Info("sweep finished",
		"scanned", recorded.Scanned,
		"affected", recorded.Affected,
		"failed", recorded.Failed,
		"truncated", recorded.Truncated,
		"duration", recorded.Duration)
	return recorded, nil
}

// RunAll executes every sweep in order.
func (s *Sweeper) RunAll(ctx context.Context) ([]domain.SweepResult, error) {
	out := make([]domain.SweepResult, 0, len(Names()))
	for _, name := range Names() {
		res, err := s.Run(ctx, name)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// pass is the state of one sweep execution.
type pass struct {
	sweeper  *Sweeper
	result   domain.SweepResult
	deadline time.Time
	logger   *slog.Logger

	// zeroOnAbort reports an aborted pass as having affected nothing.
	zeroOnAbort bool
}

func (p *pass) expired() bool {
	if p.sweeper.now().Before(p.deadline) {
		return false
	}
	p.result.Truncated = true
	return true
}

// each pages through rows returned by list and applies handle to each with
// retries. handle reports whether it changed anything. A listing failure
// ends the pass with the counts gathered so far.
func each[T any](ctx context.Context, p *pass,
	list func(ctx context.Context, page store.Page) ([]T, error),
	key func(T) string,
	handle func(ctx context.Context, row T) (bool, error),
) error {
	s := p.sweeper
	page := store.Page{Limit: s.cfg.BatchSize}
	for {
		if p.expired() {
			return nil
		}
		var rows []T
		err := retry.DoWithLogger(ctx, s.cfg.Retry, p.logger, func(ctx context.Context) error {
			var err error
			rows, err = list(ctx, page)
			return err
		})
		if err != nil {
			return fmt.Errorf("list rows after %q: %w", page.After, err)
		}

		for _, row := range rows {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p.expired() {
				return nil
			}
			p.result.Scanned++
			page.After = key(row)

			// An attempt that wrote before failing still counts: the retry
			// sees the row already moved and reports no change.
			var changed bool
			err := retry.DoWithLogger(ctx, s.cfg.Retry, p.logger, func(ctx context.Context) error {
				c, err := handle(ctx, row)
				changed = changed || c
				return err
			})
			switch {
			case err != nil:
				p.result.Failed++
				p.logger.Warn("row failed", "key", page.After, "error", err)
			case changed:
				p.result.Affected++
			}
		}
		if len(rows) < s.cfg.BatchSize {
			return nil
		}
	}
}
