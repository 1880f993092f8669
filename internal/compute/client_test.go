package compute_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-phaseflow/internal/compute"
	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
	"github.com/ahrav/go-phaseflow/internal/retry"
)

func testConfig(url string) compute.Config {
	cfg := compute.DefaultConfig()
	cfg.BaseURL = url
	cfg.Timeout = time.Second
	cfg.RequestsPerSecond = 0
	cfg.Retry = retry.Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
	return cfg
}

func TestRunAnalysisCompleted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/run-analysis", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a1", body["analysis_id"])
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "completed", "result_ref": "results/a1.json"})
	}))
	defer srv.Close()

	client, err := compute.NewClient(testConfig(srv.URL), srv.Client())
	require.NoError(t, err)

	res, err := client.RunAnalysis(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, compute.StatusCompleted, res.Status)
	assert.Equal(t, "results/a1.json", res.ResultRef)
}

func TestRunAnalysisEngineReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "failed", "error": "singular matrix"})
	}))
	defer srv.Close()

	client, err := compute.NewClient(testConfig(srv.URL), srv.Client())
	require.NoError(t, err)

	_, err = client.RunAnalysis(context.Background(), "a1")
	require.ErrorIs(t, err, compute.ErrAnalysisFailed)
	assert.Contains(t, err.Error(), "singular matrix")
	assert.False(t, pipeerrors.IsRetryable(err))
}

func TestRunAnalysisRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "completed", "result_ref": "r"})
	}))
	defer srv.Close()

	client, err := compute.NewClient(testConfig(srv.URL), srv.Client())
	require.NoError(t, err)

	_, err = client.RunAnalysis(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRunAnalysisDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown analysis", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := compute.NewClient(testConfig(srv.URL), srv.Client())
	require.NoError(t, err)

	_, err = client.RunAnalysis(context.Background(), "a1")
	var engineErr *compute.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, http.StatusBadRequest, engineErr.StatusCode())
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunAnalysisExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := compute.NewClient(testConfig(srv.URL), srv.Client())
	require.NoError(t, err)

	_, err = client.RunAnalysis(context.Background(), "a1")
	require.ErrorIs(t, err, pipeerrors.ErrRetriesExhausted)
	assert.False(t, pipeerrors.IsRetryable(err))
}

func TestRunAnalysisPerAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig(srv.URL)
	cfg.Retry.MaxAttempts = 1
	client, err := compute.NewClient(cfg, srv.Client())
	require.NoError(t, err)

	start := time.Now()
	_, err = client.RunAnalysis(context.Background(), "a1")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestHealth(t *testing.T) {
	healthy := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	client, err := compute.NewClient(testConfig(srv.URL), srv.Client())
	require.NoError(t, err)

	var engineErr *compute.EngineError
	require.ErrorAs(t, client.Health(context.Background()), &engineErr)

	healthy.Store(true)
	require.NoError(t, client.Health(context.Background()))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, compute.DefaultConfig().Validate())

	cfg := compute.DefaultConfig()
	cfg.BaseURL = ""
	assert.Error(t, cfg.Validate())

	cfg = compute.DefaultConfig()
	cfg.Retry.MaxAttempts = 0
	assert.Error(t, cfg.Validate())
}
