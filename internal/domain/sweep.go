package domain

import "time"

// SweepResult is the outcome of one sweeper pass. Results are persisted so
// operators can query failure counts after the fact.
type SweepResult struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Scanned   int           `json:"scanned"`
	Affected  int           `json:"affected"`
	Failed    int           `json:"failed"`
	Truncated bool          `json:"truncated"`
	Error     string        `json:"error,omitempty"`
}
