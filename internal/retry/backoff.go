// Package retry provides the single retry policy shared by the step
// executor, the sweepers and the compute engine client. A Policy bounds
// attempts, computes exponential backoff with optional full jitter, and
// defers to internal/errors for the transient-versus-fatal decision.
package retry

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

var (
	errMaxAttemptsInvalid     = errors.New("maxAttempts must be greater than 0")
	errInitialIntervalInvalid = errors.New("initialInterval must be greater than 0")
	errMaxIntervalInvalid     = errors.New("maxInterval must be >= initialInterval")
	errMultiplierInvalid      = errors.New("multiplier must be >= 1.0")
	errMaxElapsedTimeInvalid  = errors.New("maxElapsedTime must be >= 0")
)

// Default policy values.
const (
	DefaultMaxAttempts       = 3
	DefaultInitialInterval   = 250 * time.Millisecond
	DefaultMaxInterval       = 5 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultMaxElapsedTime    = 45 * time.Second
)

// Policy controls retry behavior for transient failures.
type Policy struct {
	MaxAttempts     int           `json:"max_attempts" mapstructure:"max_attempts" yaml:"max_attempts"`             // Total attempts including the first
	InitialInterval time.Duration `json:"initial_interval" mapstructure:"initial_interval" yaml:"initial_interval"` // Starting backoff duration
	MaxInterval     time.Duration `json:"max_interval" mapstructure:"max_interval" yaml:"max_interval"`             // Backoff cap
	Multiplier      float64       `json:"multiplier" mapstructure:"multiplier" yaml:"multiplier"`                   // Exponential growth factor
	UseJitter       bool          `json:"use_jitter" mapstructure:"use_jitter" yaml:"use_jitter"`                   // Full jitter randomization
	MaxElapsedTime  time.Duration `json:"max_elapsed_time" mapstructure:"max_elapsed_time" yaml:"max_elapsed_time"` // Total time budget (0 = unbounded)
}

// DefaultPolicy returns the production retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     DefaultMaxAttempts,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		Multiplier:      DefaultBackoffMultiplier,
		UseJitter:       true,
		MaxElapsedTime:  DefaultMaxElapsedTime,
	}
}

// Validate checks the policy for values that would loop hot or shrink backoff.
func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("%w, got %d", errMaxAttemptsInvalid, p.MaxAttempts)
	}
	if p.InitialInterval <= 0 {
		return fmt.Errorf("%w, got %v", errInitialIntervalInvalid, p.InitialInterval)
	}
	if p.MaxInterval < p.InitialInterval {
		return fmt.Errorf("%w, MaxInterval: %v, InitialInterval: %v", errMaxIntervalInvalid, p.MaxInterval, p.InitialInterval)
	}
	if p.Multiplier < 1.0 {
		return fmt.Errorf("%w, got %f", errMultiplierInvalid, p.Multiplier)
	}
	if p.MaxElapsedTime < 0 {
		return fmt.Errorf("%w, got %v", errMaxElapsedTimeInvalid, p.MaxElapsedTime)
	}
	return nil
}

// Backoff returns the delay to wait after the given failed attempt (1-based).
// Returns zero for non-positive attempts.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	backoff := p.InitialInterval
	if backoff <= 0 {
		backoff = time.Millisecond // Minimum 1ms to prevent hot loop.
	}
	multiplier := p.Multiplier
	if multiplier < 1.0 {
		multiplier = 1.0
	}

	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * multiplier)
		if p.MaxInterval > 0 && backoff > p.MaxInterval {
			backoff = p.MaxInterval
			break
		}
	}

	if p.UseJitter {
		jitterMs := rand.Int64N(backoff.Milliseconds() + 1) // #nosec G404 -- non-cryptographic jitter is appropriate here
		return time.Duration(jitterMs) * time.Millisecond
	}

	return backoff
}

// CalculateJitter adds proportional jitter to a base duration.
// Factor is clamped to [0, 1].
func CalculateJitter(base time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return base
	}
	if factor > 1 {
		factor = 1
	}

	jitter := rand.Float64() * float64(base) * factor // #nosec G404 -- non-cryptographic jitter is appropriate here
	return base + time.Duration(jitter)
}
