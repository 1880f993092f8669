package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ahrav/go-phaseflow/internal/domain"
)

const jobColumns = `id,project_id,run_id,status,retryable,result_ref,error,acknowledged_at,created_at,updated_at,version`

func scanJob(row scanner) (domain.AnalysisJob, error) {
	var (
		j                    domain.AnalysisJob
		ackAt                sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&j.ID, &j.ProjectID, &j.RunID, &j.Status, &j.Retryable, &j.ResultRef, &j.Error, &ackAt, &createdAt, &updatedAt, &j.Version); err != nil {
		return domain.AnalysisJob{}, notFound(err)
	}
	j.AcknowledgedAt = fromNullMillis(ackAt)
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	return j, nil
}

// CreateJob inserts an analysis job unless one with the id exists. It
// returns the stored job and whether this call created it. The stored job's
// RunID tells a caller that lost the insert which run owns the job.
func (s *Store) CreateJob(ctx context.Context, j domain.AnalysisJob) (domain.AnalysisJob, bool, error) {
	if err := j.Validate(); err != nil {
		return domain.AnalysisJob{}, false, fmt.Errorf("invalid job: %w", err)
	}
	now := s.stamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,1) ON CONFLICT(id) DO NOTHING`,
		j.ID, j.ProjectID, j.RunID, string(j.Status), j.Retryable, j.ResultRef, j.Error, nullMillis(j.AcknowledgedAt), toMillis(now), toMillis(now))
	if err != nil {
		return domain.AnalysisJob{}, false, fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.AnalysisJob{}, false, err
	}
	stored, err := s.GetJob(ctx, j.ID)
	if err != nil {
		return domain.AnalysisJob{}, false, err
	}
	return stored, n == 1, nil
}

// GetJob loads an analysis job by id.
func (s *Store) GetJob(ctx context.Context, id string) (domain.AnalysisJob, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM analysis_jobs WHERE id=?`, id))
}

// UpdateJob writes the job's mutable fields if j.Version is still current.
// The owning run is fixed at creation and never rewritten.
func (s *Store) UpdateJob(ctx context.Context, j domain.AnalysisJob) (domain.AnalysisJob, error) {
	j.UpdatedAt = s.stamp()
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_jobs SET status=?, retryable=?, result_ref=?, error=?, acknowledged_at=?, updated_at=?, version=version+1
		 WHERE id=? AND version=?`,
		string(j.Status), j.Retryable, j.ResultRef, j.Error, nullMillis(j.AcknowledgedAt), toMillis(j.UpdatedAt), j.ID, j.Version)
	if err != nil {
		return domain.AnalysisJob{}, fmt.Errorf("update job %s: %w", j.ID, err)
	}
	if err := s.checkConditional(ctx, res, `SELECT 1 FROM analysis_jobs WHERE id=?`, j.ID); err != nil {
		return domain.AnalysisJob{}, fmt.Errorf("update job %s: %w", j.ID, err)
	}
	j.Version++
	return j, nil
}
