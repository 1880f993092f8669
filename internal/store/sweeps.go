package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ahrav/go-phaseflow/internal/domain"
)

// RecordSweep persists a sweep result and returns it with its id.
func (s *Store) RecordSweep(ctx context.Context, r domain.SweepResult) (domain.SweepResult, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sweep_results(name,started_at,duration_ms,scanned,affected,failed,truncated,error) VALUES (?,?,?,?,?,?,?,?)`,
		r.Name, toMillis(r.StartedAt), r.Duration.Milliseconds(), r.Scanned, r.Affected, r.Failed, boolInt(r.Truncated), r.Error)
	if err != nil {
		return domain.SweepResult{}, fmt.Errorf("record sweep %s: %w", r.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.SweepResult{}, err
	}
	r.ID = id
	return r, nil
}

// ListSweeps returns the most recent sweep results, optionally for one
// sweeper name.
func (s *Store) ListSweeps(ctx context.Context, name string, limit int) ([]domain.SweepResult, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id,name,started_at,duration_ms,scanned,affected,failed,truncated,error FROM sweep_results`
	args := []any{}
	if name != "" {
		query += ` WHERE name=?`
		args = append(args, name)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SweepResult
	for rows.Next() {
		var (
			r                     domain.SweepResult
			startedAt, durationMs int64
		)
		if err := rows.Scan(&r.ID, &r.Name, &startedAt, &durationMs, &r.Scanned, &r.Affected, &r.Failed, &r.Truncated, &r.Error); err != nil {
			return nil, err
		}
		r.StartedAt = fromMillis(startedAt)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
