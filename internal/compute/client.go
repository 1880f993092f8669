// Package compute is the HTTP client for the external statistical compute
// engine. Calls carry an explicit per-attempt timeout, pass through a local
// token-bucket limiter, and retry transient failures with the shared retry
// policy. Admission (how many jobs may run at once) is not this package's
// concern; see internal/semaphore.
package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
	"github.com/ahrav/go-phaseflow/internal/retry"
)

// Default client settings.
const (
	DefaultTimeout           = 2 * time.Minute
	DefaultHealthTimeout     = 5 * time.Second
	DefaultRequestsPerSecond = 2.0
	DefaultBurst             = 2

	maxErrorBody = 4 << 10
)

// ErrAnalysisFailed indicates the engine ran the analysis and reported a
// failure. It is not retried: the same input fails the same way.
var ErrAnalysisFailed = errors.New("analysis failed")

var validate = validator.New()

// Config configures the engine client.
type Config struct {
	BaseURL           string        `json:"base_url" mapstructure:"base_url" yaml:"base_url" validate:"required,url"`
	Timeout           time.Duration `json:"timeout" mapstructure:"timeout" yaml:"timeout" validate:"min=1s"`
	RequestsPerSecond float64       `json:"requests_per_second" mapstructure:"requests_per_second" yaml:"requests_per_second" validate:"min=0"`
	Burst             int           `json:"burst" mapstructure:"burst" yaml:"burst" validate:"min=1"`
	Retry             retry.Policy  `json:"retry" mapstructure:"retry" yaml:"retry"`
}

// DefaultConfig returns client defaults pointing at a local engine.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "http://localhost:8000",
		Timeout:           DefaultTimeout,
		RequestsPerSecond: DefaultRequestsPerSecond,
		Burst:             DefaultBurst,
		Retry:             retry.DefaultPolicy(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	return c.Retry.Validate()
}

// Status is the engine's verdict for one analysis.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result is the decoded engine response.
type Result struct {
	Status    Status `json:"status"`
	ResultRef string `json:"result_ref,omitempty"`
	Error     string `json:"error,omitempty"`
}

// EngineError is a non-2xx response from the engine.
type EngineError struct {
	Op     string
	Status int
	Body   string
}

// Error describes the failed call.
func (e *EngineError) Error() string {
	return fmt.Sprintf("compute engine %s: HTTP %d: %s", e.Op, e.Status, e.Body)
}

// StatusCode exposes the HTTP status to the error classifier.
func (e *EngineError) StatusCode() int { return e.Status }

// IsRetryable reports whether the status denotes a transient failure.
func (e *EngineError) IsRetryable() bool { return pipeerrors.IsRetryableStatus(e.Status) }

// Client calls the compute engine.
type Client struct {
	http    *http.Client
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient builds a client. A nil httpClient uses a fresh http.Client;
// per-call timeouts come from cfg.Timeout either way.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("compute config: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		http:    httpClient,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  slog.Default().With("component", "compute"),
	}, nil
}

type runRequest struct {
	AnalysisID string `json:"analysis_id"`
}

// RunAnalysis asks the engine to run one analysis and waits for the
// verdict. An engine-reported failure is returned as ErrAnalysisFailed;
// transport errors and 5xx/429 responses are retried first.
func (c *Client) RunAnalysis(ctx context.Context, analysisID string) (Result, error) {
	body, err := json.Marshal(runRequest{AnalysisID: analysisID})
	if err != nil {
		return Result{}, err
	}

	var result Result
	err = retry.DoWithLogger(ctx, c.cfg.Retry, c.logger.With("analysis_id", analysisID), func(ctx context.Context) error {
		res, err := c.runOnce(ctx, body)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	switch result.Status {
	case StatusCompleted:
		return result, nil
	case StatusFailed:
		return result, fmt.Errorf("%w: %s", ErrAnalysisFailed, result.Error)
	default:
		return result, fmt.Errorf("compute engine returned unknown status %q", result.Status)
	}
}

func (c *Client) runOnce(ctx context.Context, body []byte) (Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit wait: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+"/run-analysis", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("compute engine request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Result{}, &EngineError{Op: "run-analysis", Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decode engine response: %w", err)
	}
	c.logger.Debug("engine call finished", "status", result.Status, "latency", time.Since(start))
	return result, nil
}

// Health checks the engine's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, DefaultHealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("compute engine health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &EngineError{Op: "health", Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return nil
}
