package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ahrav/go-phaseflow/internal/domain"
)

const runColumns = `id,event_id,event_name,workflow,subject_id,payload,steps,retry_count,deferrals,status,last_error,created_at,updated_at,heartbeat_at,version`

func scanRun(row scanner) (domain.WorkflowRun, error) {
	var (
		r                                 domain.WorkflowRun
		payload, steps                    string
		createdAt, updatedAt, heartbeatAt int64
	)
	err := row.Scan(&r.ID, &r.EventID, &r.EventName, &r.Workflow, &r.SubjectID, &payload, &steps,
		&r.RetryCount, &r.Deferrals, &r.Status, &r.LastError, &createdAt, &updatedAt, &heartbeatAt, &r.Version)
	if err != nil {
		return domain.WorkflowRun{}, notFound(err)
	}
	r.Payload = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(steps), &r.Steps); err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("decode steps of run %s: %w", r.ID, err)
	}
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	r.HeartbeatAt = fromMillis(heartbeatAt)
	return r, nil
}

func encodeSteps(steps []domain.StepCheckpoint) (string, error) {
	if steps == nil {
		steps = []domain.StepCheckpoint{}
	}
	b, err := json.Marshal(steps)
	return string(b), err
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]domain.WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateRun inserts a run unless one exists for the same event id. It
// returns the stored run and whether this call created it, which is how
// the dispatcher deduplicates redelivered events.
func (s *Store) CreateRun(ctx context.Context, r domain.WorkflowRun) (domain.WorkflowRun, bool, error) {
	steps, err := encodeSteps(r.Steps)
	if err != nil {
		return domain.WorkflowRun{}, false, err
	}
	payload := string(r.Payload)
	if payload == "" {
		payload = "{}"
	}
	now := s.stamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,1) ON CONFLICT(event_id) DO NOTHING`,
		r.ID, r.EventID, r.EventName, r.Workflow, r.SubjectID, payload, steps,
		r.RetryCount, r.Deferrals, string(r.Status), r.LastError, toMillis(now), toMillis(now), toMillis(now))
	if err != nil {
		return domain.WorkflowRun{}, false, fmt.Errorf("insert run for event %s: %w", r.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.WorkflowRun{}, false, err
	}
	stored, err := s.GetRunByEvent(ctx, r.EventID)
	if err != nil {
		return domain.WorkflowRun{}, false, err
	}
	return stored, n == 1, nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (domain.WorkflowRun, error) {
	return scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id=?`, id))
}

// GetRunByEvent loads the run created for an event id.
func (s *Store) GetRunByEvent(ctx context.Context, eventID string) (domain.WorkflowRun, error) {
	return scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE event_id=?`, eventID))
}

// RunFilter selects runs for operator listings.
type RunFilter struct {
	Status   domain.RunStatus
	Workflow string
	Limit    int
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]domain.WorkflowRun, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Workflow != "" {
		clauses = append(clauses, "workflow=?")
		args = append(args, f.Workflow)
	}
	query := `SELECT ` + runColumns + ` FROM workflow_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)
	return s.queryRuns(ctx, query, args...)
}

// CountRuns returns the number of runs per status.
func (s *Store) CountRuns(ctx context.Context) (map[domain.RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflow_runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[domain.RunStatus]int)
	for rows.Next() {
		var (
			st domain.RunStatus
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// ListStaleRuns pages through pending or running runs whose heartbeat is
// older than before, keyed by id.
func (s *Store) ListStaleRuns(ctx context.Context, before time.Time, page Page) ([]domain.WorkflowRun, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM workflow_runs
		 WHERE status IN ('pending','running') AND heartbeat_at < ? AND id > ? ORDER BY id LIMIT ?`,
		toMillis(before), page.After, page.limit())
}

// UpdateRun writes the run's progress if r.Version is still current and
// stamps heartbeat_at.
func (s *Store) UpdateRun(ctx context.Context, r domain.WorkflowRun) (domain.WorkflowRun, error) {
	return s.updateRun(ctx, r, "", nil)
}

// UpdateStaleRun is UpdateRun that additionally requires the stored
// heartbeat to be older than staleBefore, so a run whose executor
// heartbeated after it was selected is left alone (reported as a conflict).
func (s *Store) UpdateStaleRun(ctx context.Context, r domain.WorkflowRun, staleBefore time.Time) (domain.WorkflowRun, error) {
	return s.updateRun(ctx, r, " AND heartbeat_at < ?", []any{toMillis(staleBefore)})
}

func (s *Store) updateRun(ctx context.Context, r domain.WorkflowRun, extra string, extraArgs []any) (domain.WorkflowRun, error) {
	steps, err := encodeSteps(r.Steps)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	now := s.stamp()
	r.UpdatedAt, r.HeartbeatAt = now, now
	args := []any{steps, r.RetryCount, r.Deferrals, string(r.Status), r.LastError,
		toMillis(r.UpdatedAt), toMillis(r.HeartbeatAt), r.ID, r.Version}
	args = append(args, extraArgs...)
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET steps=?, retry_count=?, deferrals=?, status=?, last_error=?, updated_at=?, heartbeat_at=?,
		 version=version+1 WHERE id=? AND version=?`+extra, args...)
	if err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("update run %s: %w", r.ID, err)
	}
	if err := s.checkConditional(ctx, res, `SELECT 1 FROM workflow_runs WHERE id=?`, r.ID); err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("update run %s: %w", r.ID, err)
	}
	r.Version++
	return r, nil
}

// TouchRun refreshes heartbeat_at of a live run without bumping its
// version, so heartbeats never make the owner's next write conflict.
func (s *Store) TouchRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET heartbeat_at=? WHERE id=? AND status IN ('pending','running')`,
		toMillis(s.stamp()), id)
	if err != nil {
		return fmt.Errorf("touch run %s: %w", id, err)
	}
	return nil
}
