package store

import (
	"context"
	"fmt"

	"github.com/ahrav/go-phaseflow/internal/domain"
	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
)

const projectColumns = `id,owner_id,current_phase,status,created_at,updated_at,version`

func scanProject(row scanner) (domain.Project, error) {
	var (
		p                    domain.Project
		createdAt, updatedAt int64
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &p.CurrentPhase, &p.Status, &createdAt, &updatedAt, &p.Version); err != nil {
		return domain.Project{}, notFound(err)
	}
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return p, nil
}

// CreateProject inserts the project at version 1 together with its draft
// phase 0.
func (s *Store) CreateProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	if err := p.Validate(); err != nil {
		return domain.Project{}, fmt.Errorf("invalid project: %w", err)
	}
	now := s.stamp()
	p.CreatedAt, p.UpdatedAt, p.Version = now, now, 1
	_, err := s.db.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.OwnerID, p.CurrentPhase, string(p.Status), toMillis(p.CreatedAt), toMillis(p.UpdatedAt), p.Version)
	if err != nil {
		return domain.Project{}, fmt.Errorf("insert project %s: %w", p.ID, err)
	}
	if _, err := s.CreatePhase(ctx, domain.Phase{ProjectID: p.ID, Ordinal: 0, Status: domain.PhaseDraft}); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// GetProject loads a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

// ListProjectsByOwner returns an owner's projects.
func (s *Store) ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE owner_id=? ORDER BY id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProject writes status and current_phase if p.Version is still the
// stored version, returning the project at its new version. A status change
// the lifecycle does not allow is rejected with a *pipeerrors.PreconditionError.
// The check reads the version it writes against, so a concurrent change
// surfaces as pipeerrors.ErrConflict rather than slipping past it.
func (s *Store) UpdateProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	current, err := s.GetProject(ctx, p.ID)
	if err != nil {
		return domain.Project{}, fmt.Errorf("update project %s: %w", p.ID, err)
	}
	if current.Version == p.Version && !current.Status.CanTransition(p.Status) {
		return domain.Project{}, pipeerrors.NewPreconditionError("project", p.ID,
			"status reachable from "+string(current.Status), string(p.Status))
	}

	p.UpdatedAt = s.stamp()
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET current_phase=?, status=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		p.CurrentPhase, string(p.Status), toMillis(p.UpdatedAt), p.ID, p.Version)
	if err != nil {
		return domain.Project{}, fmt.Errorf("update project %s: %w", p.ID, err)
	}
	if err := s.checkConditional(ctx, res, `SELECT 1 FROM projects WHERE id=?`, p.ID); err != nil {
		return domain.Project{}, fmt.Errorf("update project %s: %w", p.ID, err)
	}
	p.Version++
	return p, nil
}

// DeleteProjectsByOwner deletes every project of an owner. Phases and
// analysis jobs go with them through ON DELETE CASCADE.
func (s *Store) DeleteProjectsByOwner(ctx context.Context, ownerID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE owner_id=?`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("delete projects of %s: %w", ownerID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const phaseColumns = `project_id,ordinal,status,created_at,updated_at,version`

func scanPhase(row scanner) (domain.Phase, error) {
	var (
		ph                   domain.Phase
		createdAt, updatedAt int64
	)
	if err := row.Scan(&ph.ProjectID, &ph.Ordinal, &ph.Status, &createdAt, &updatedAt, &ph.Version); err != nil {
		return domain.Phase{}, notFound(err)
	}
	ph.CreatedAt = fromMillis(createdAt)
	ph.UpdatedAt = fromMillis(updatedAt)
	return ph, nil
}

// CreatePhase inserts a phase unless one with the same key exists. The bool
// reports whether this call created it, so replays are harmless.
func (s *Store) CreatePhase(ctx context.Context, ph domain.Phase) (bool, error) {
	now := s.stamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO phases(`+phaseColumns+`) VALUES (?,?,?,?,?,1) ON CONFLICT(project_id, ordinal) DO NOTHING`,
		ph.ProjectID, ph.Ordinal, string(ph.Status), toMillis(now), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("insert phase %s: %w", ph.Key(), err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// GetPhase loads one phase.
func (s *Store) GetPhase(ctx context.Context, projectID string, ordinal int) (domain.Phase, error) {
	return scanPhase(s.db.QueryRowContext(ctx,
		`SELECT `+phaseColumns+` FROM phases WHERE project_id=? AND ordinal=?`, projectID, ordinal))
}

// ListPhases returns a project's phases in ordinal order.
func (s *Store) ListPhases(ctx context.Context, projectID string) ([]domain.Phase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+phaseColumns+` FROM phases WHERE project_id=? ORDER BY ordinal`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Phase
	for rows.Next() {
		ph, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ph)
	}
	return out, rows.Err()
}

// UpdatePhase writes the phase status if ph.Version is still current.
func (s *Store) UpdatePhase(ctx context.Context, ph domain.Phase) (domain.Phase, error) {
	ph.UpdatedAt = s.stamp()
	res, err := s.db.ExecContext(ctx,
		`UPDATE phases SET status=?, updated_at=?, version=version+1 WHERE project_id=? AND ordinal=? AND version=?`,
		string(ph.Status), toMillis(ph.UpdatedAt), ph.ProjectID, ph.Ordinal, ph.Version)
	if err != nil {
		return domain.Phase{}, fmt.Errorf("update phase %s: %w", ph.Key(), err)
	}
	if err := s.checkConditional(ctx, res,
		`SELECT 1 FROM phases WHERE project_id=? AND ordinal=?`, ph.ProjectID, ph.Ordinal); err != nil {
		return domain.Phase{}, fmt.Errorf("update phase %s: %w", ph.Key(), err)
	}
	ph.Version++
	return ph, nil
}
