// Package config assembles the phaseflow configuration from defaults, an
// optional YAML file and PHASEFLOW_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-phaseflow/internal/analysis"
	"github.com/ahrav/go-phaseflow/internal/compute"
	"github.com/ahrav/go-phaseflow/internal/dispatch"
	"github.com/ahrav/go-phaseflow/internal/executor"
	"github.com/ahrav/go-phaseflow/internal/pipeline"
	"github.com/ahrav/go-phaseflow/internal/semaphore"
	"github.com/ahrav/go-phaseflow/internal/store"
	"github.com/ahrav/go-phaseflow/internal/sweep"
	"github.com/ahrav/go-phaseflow/internal/worker"
)

// EnvPrefix prefixes every environment override, e.g.
// PHASEFLOW_SEMAPHORE_MAX_CONCURRENT.
const EnvPrefix = "PHASEFLOW"

// Launcher modes.
const (
	LauncherLocal    = "local"
	LauncherTemporal = "temporal"
)

// Sink kinds.
const (
	SinkRedis = "redis"
	SinkNoop  = "noop"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the complete process configuration.
type Config struct {
	Log       LogConfig            `json:"log" mapstructure:"log" yaml:"log"`
	Server    ServerConfig         `json:"server" mapstructure:"server" yaml:"server"`
	Redis     RedisConfig          `json:"redis" mapstructure:"redis" yaml:"redis"`
	Events    EventsConfig         `json:"events" mapstructure:"events" yaml:"events"`
	Store     store.Config         `json:"store" mapstructure:"store" yaml:"store"`
	Semaphore semaphore.Config     `json:"semaphore" mapstructure:"semaphore" yaml:"semaphore"`
	Compute   compute.Config       `json:"compute" mapstructure:"compute" yaml:"compute"`
	Analysis  analysis.Config      `json:"analysis" mapstructure:"analysis" yaml:"analysis"`
	Executor  executor.Config      `json:"executor" mapstructure:"executor" yaml:"executor"`
	Pipeline  pipeline.Options     `json:"pipeline" mapstructure:"pipeline" yaml:"pipeline"`
	Launcher  string               `json:"launcher" mapstructure:"launcher" yaml:"launcher" validate:"oneof=local temporal"`
	Local     dispatch.LocalConfig `json:"local" mapstructure:"local" yaml:"local"`
	Temporal  worker.Config        `json:"temporal" mapstructure:"temporal" yaml:"temporal"`
	Sweep     sweep.Config         `json:"sweep" mapstructure:"sweep" yaml:"sweep"`
	// Schedules maps sweep names to five-field cron expressions. Missing
	// sweeps use their defaults; an empty expression disables one.
	Schedules map[string]string `json:"schedules" mapstructure:"schedules" yaml:"schedules"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" mapstructure:"format" yaml:"format" validate:"oneof=json text"`
}

// ServerConfig tunes the HTTP status surface.
type ServerConfig struct {
	Addr            string        `json:"addr" mapstructure:"addr" yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `json:"read_timeout" mapstructure:"read_timeout" yaml:"read_timeout" validate:"min=1s"`
	WriteTimeout    time.Duration `json:"write_timeout" mapstructure:"write_timeout" yaml:"write_timeout" validate:"min=1s"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"min=1s"`
}

// RedisConfig locates the Redis server backing the semaphore and the
// notification stream.
type RedisConfig struct {
	Addr     string `json:"addr" mapstructure:"addr" yaml:"addr" validate:"required"`
	Password string `json:"-" mapstructure:"password" yaml:"-"`
	DB       int    `json:"db" mapstructure:"db" yaml:"db" validate:"min=0"`
}

// EventsConfig selects where outbound notifications go.
type EventsConfig struct {
	Sink   string `json:"sink" mapstructure:"sink" yaml:"sink" validate:"oneof=redis noop"`
	Stream string `json:"stream" mapstructure:"stream" yaml:"stream" validate:"required_if=Sink redis"`
}

// DefaultConfig returns a configuration for a local single-node setup.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Events:    EventsConfig{Sink: SinkRedis, Stream: "phaseflow:events"},
		Store:     store.Config{Path: "phaseflow.db", BusyTimeout: 5 * time.Second},
		Semaphore: semaphore.DefaultConfig(),
		Compute:   compute.DefaultConfig(),
		Analysis:  analysis.DefaultConfig(),
		Executor:  executor.Config{HeartbeatInterval: executor.DefaultHeartbeatInterval},
		Pipeline:  pipeline.DefaultOptions(),
		Launcher:  LauncherLocal,
		Local: dispatch.LocalConfig{
			Workers:       dispatch.DefaultLocalWorkers,
			DeferDelay:    dispatch.DefaultDeferDelay,
			MaxDeferDelay: dispatch.DefaultMaxDeferDelay,
			DeferJitter:   dispatch.DefaultDeferJitter,
		},
		Temporal:  worker.DefaultConfig(),
		Sweep:     sweep.DefaultConfig(),
		Schedules: sweep.DefaultSchedules(),
	}
}

// Validate checks field constraints, nested policies, schedules and the
// relationships between sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	var errs []error
	if err := c.Compute.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Sweep.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Pipeline.Backoff.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline backoff: %w", err))
	}
	if err := sweep.ValidateSchedules(c.Schedules); err != nil {
		errs = append(errs, err)
	}
	if c.Analysis.RenewInterval >= c.Semaphore.LeaseTTL {
		errs = append(errs, fmt.Errorf("analysis.renew_interval %s must be below semaphore.lease_ttl %s",
			c.Analysis.RenewInterval, c.Semaphore.LeaseTTL))
	}
	if c.Launcher == LauncherTemporal && c.Temporal.HeartbeatInterval >= c.Temporal.HeartbeatTimeout {
		errs = append(errs, fmt.Errorf("temporal.heartbeat_interval %s must be below temporal.heartbeat_timeout %s",
			c.Temporal.HeartbeatInterval, c.Temporal.HeartbeatTimeout))
	}
	return errors.Join(errs...)
}

// Load layers path (if non-empty) and the environment over the defaults,
// then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := DefaultConfig().YAML()
	if err != nil {
		return nil, err
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("seed defaults: %w", err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("redis.password")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// YAML renders the configuration. Secrets are omitted.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NewLogger builds the slog logger described by the log section.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
