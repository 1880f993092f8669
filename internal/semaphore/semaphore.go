// Package semaphore implements the admission semaphore: a distributed
// counting gate that caps how many analysis jobs may be in flight against
// the compute engine at once.
//
// State lives in Redis and every mutation is one Lua script, so the bound
// holds across any number of worker processes without a global lock.
// Tickets carry a lease; a holder that crashes without releasing loses its
// ticket when the lease ends (reaped inline on the next Acquire or by the
// ticket-reaper sweeper).
package semaphore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
)

// Default configuration values.
const (
	DefaultName          = "compute-engine"
	DefaultMaxConcurrent = 4
	DefaultLeaseTTL      = 10 * time.Minute
)

var (
	errInvalidScriptReply = errors.New("invalid semaphore script reply")
	validate              = validator.New()
)

// Config scopes and sizes one semaphore. Name is part of every key, so
// distinct names give independent semaphores (e.g. one per tenant).
type Config struct {
	Name          string        `json:"name" mapstructure:"name" yaml:"name" validate:"required"`
	MaxConcurrent int           `json:"max_concurrent" mapstructure:"max_concurrent" yaml:"max_concurrent" validate:"min=1"`
	LeaseTTL      time.Duration `json:"lease_ttl" mapstructure:"lease_ttl" yaml:"lease_ttl" validate:"min=1s"`
}

// DefaultConfig returns the production semaphore configuration.
func DefaultConfig() Config {
	return Config{
		Name:          DefaultName,
		MaxConcurrent: DefaultMaxConcurrent,
		LeaseTTL:      DefaultLeaseTTL,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	return validate.Struct(c)
}

// Ticket is one admission slot held by an owner until released or expired.
type Ticket struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Stats is a point-in-time view of the semaphore.
type Stats struct {
	Name     string `json:"name"`
	Max      int    `json:"max"`
	InFlight int    `json:"in_flight"`
	Expired  int    `json:"expired"` // leases ended but not yet reaped
}

// Semaphore is the Redis-backed admission gate.
type Semaphore struct {
	client redis.UniversalClient
	cfg    Config
	keys   []string
	now    func() time.Time
	logger *slog.Logger
}

// Option customizes a Semaphore.
type Option func(*Semaphore)

// WithClock overrides the time source used for lease arithmetic.
func WithClock(now func() time.Time) Option {
	return func(s *Semaphore) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Semaphore) { s.logger = logger }
}

// New creates a semaphore over client.
func New(client redis.UniversalClient, cfg Config, opts ...Option) (*Semaphore, error) {
	if client == nil {
		return nil, errors.New("semaphore: redis client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("semaphore config: %w", err)
	}
	prefix := "sem:{" + cfg.Name + "}:"
	s := &Semaphore{
		client: client,
		cfg:    cfg,
		keys:   []string{prefix + "leases", prefix + "owners", prefix + "tickets"},
		now:    time.Now,
		logger: slog.Default().With("component", "semaphore", "semaphore", cfg.Name),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name returns the semaphore scope name.
func (s *Semaphore) Name() string { return s.cfg.Name }

// Max returns the configured capacity.
func (s *Semaphore) Max() int { return s.cfg.MaxConcurrent }

// Acquire grants a ticket to owner or returns pipeerrors.ErrBusy when the
// semaphore is at capacity. It never blocks. An owner that already holds a
// live ticket gets the same ticket back with a refreshed lease.
func (s *Semaphore) Acquire(ctx context.Context, owner string) (Ticket, error) {
	if owner == "" {
		return Ticket{}, errors.New("semaphore: owner is required")
	}
	now := s.now().UnixMilli()
	res, err := acquireScript.Run(ctx, s.client, s.keys,
		now, s.cfg.LeaseTTL.Milliseconds(), s.cfg.MaxConcurrent, owner, uuid.NewString()).Result()
	if err != nil {
		return Ticket{}, fmt.Errorf("acquire %s: %w", s.cfg.Name, err)
	}

	reply, ok := res.([]any)
	if !ok || len(reply) < 4 {
		return Ticket{}, fmt.Errorf("%w: %v", errInvalidScriptReply, res)
	}
	granted, _ := reply[0].(int64)
	ticketID, _ := reply[1].(string)
	expiresMs, _ := reply[2].(int64)
	if reaped, _ := reply[3].(int64); reaped > 0 {
		s.logger.Info("reaped expired tickets", "count", reaped)
	}

	if granted != 1 {
		return Ticket{}, pipeerrors.ErrBusy
	}
	if ticketID == "" {
		return Ticket{}, fmt.Errorf("%w: empty ticket", errInvalidScriptReply)
	}
	return Ticket{ID: ticketID, Owner: owner, ExpiresAt: time.UnixMilli(expiresMs)}, nil
}

// Release frees ticket. Releasing an already-released ticket is a no-op;
// the bool reports whether this call did the release.
func (s *Semaphore) Release(ctx context.Context, ticket Ticket) (bool, error) {
	removed, err := releaseScript.Run(ctx, s.client, s.keys, ticket.ID).Int64()
	if err != nil {
		return false, fmt.Errorf("release ticket %s: %w", ticket.ID, err)
	}
	return removed == 1, nil
}

// ReleaseByOwner frees whatever ticket owner holds. It is the form the
// runner and the sweepers use, since they know the job id but not the
// ticket id.
func (s *Semaphore) ReleaseByOwner(ctx context.Context, owner string) (bool, error) {
	removed, err := releaseByOwnerScript.Run(ctx, s.client, s.keys, owner).Int64()
	if err != nil {
		return false, fmt.Errorf("release owner %s: %w", owner, err)
	}
	if removed == 1 {
		s.logger.Debug("released ticket", "owner", owner)
	}
	return removed == 1, nil
}

// Renew extends the lease of a live ticket. It returns false if the ticket
// was already released or its lease ended.
func (s *Semaphore) Renew(ctx context.Context, ticket Ticket) (bool, error) {
	expires, err := renewScript.Run(ctx, s.client, s.keys,
		s.now().UnixMilli(), s.cfg.LeaseTTL.Milliseconds(), ticket.ID).Int64()
	if err != nil {
		return false, fmt.Errorf("renew ticket %s: %w", ticket.ID, err)
	}
	return expires > 0, nil
}

// RenewByOwner extends the lease of the ticket owner holds.
func (s *Semaphore) RenewByOwner(ctx context.Context, owner string) (bool, error) {
	ticketID, err := s.client.HGet(ctx, s.keys[2], owner).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup owner %s: %w", owner, err)
	}
	return s.Renew(ctx, Ticket{ID: ticketID, Owner: owner})
}

// Reap releases every ticket whose lease has ended and returns the count.
func (s *Semaphore) Reap(ctx context.Context) (int, error) {
	n, err := reapScript.Run(ctx, s.client, s.keys, s.now().UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("reap %s: %w", s.cfg.Name, err)
	}
	if n > 0 {
		s.logger.Info("reaped expired tickets", "count", n)
	}
	return int(n), nil
}

// Stats reports live and expired-but-unreaped tickets.
func (s *Semaphore) Stats(ctx context.Context) (Stats, error) {
	now := s.now().UnixMilli()
	pipe := s.client.Pipeline()
	live := pipe.ZCount(ctx, s.keys[0], fmt.Sprintf("(%d", now), "+inf")
	total := pipe.ZCard(ctx, s.keys[0])
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("stats %s: %w", s.cfg.Name, err)
	}
	return Stats{
		Name:     s.cfg.Name,
		Max:      s.cfg.MaxConcurrent,
		InFlight: int(live.Val()),
		Expired:  int(total.Val() - live.Val()),
	}, nil
}
