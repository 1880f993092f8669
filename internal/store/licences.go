package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ahrav/go-phaseflow/internal/domain"
)

const licenceColumns = `id,owner_id,project_id,status,expires_at,created_at,updated_at,version`

func scanLicence(row scanner) (domain.Licence, error) {
	var (
		l                               domain.Licence
		expiresAt, createdAt, updatedAt int64
	)
	if err := row.Scan(&l.ID, &l.OwnerID, &l.ProjectID, &l.Status, &expiresAt, &createdAt, &updatedAt, &l.Version); err != nil {
		return domain.Licence{}, notFound(err)
	}
	l.ExpiresAt = fromMillis(expiresAt)
	l.CreatedAt = fromMillis(createdAt)
	l.UpdatedAt = fromMillis(updatedAt)
	return l, nil
}

func (s *Store) queryLicences(ctx context.Context, query string, args ...any) ([]domain.Licence, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Licence
	for rows.Next() {
		l, err := scanLicence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CreateLicence inserts a licence at version 1.
func (s *Store) CreateLicence(ctx context.Context, l domain.Licence) (domain.Licence, error) {
	if err := l.Validate(); err != nil {
		return domain.Licence{}, fmt.Errorf("invalid licence: %w", err)
	}
	now := s.stamp()
	l.CreatedAt, l.UpdatedAt, l.Version = now, now, 1
	_, err := s.db.ExecContext(ctx, `INSERT INTO licences(`+licenceColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		l.ID, l.OwnerID, l.ProjectID, string(l.Status), toMillis(l.ExpiresAt), toMillis(l.CreatedAt), toMillis(l.UpdatedAt), l.Version)
	if err != nil {
		return domain.Licence{}, fmt.Errorf("insert licence %s: %w", l.ID, err)
	}
	return l, nil
}

// GetLicence loads a licence by id.
func (s *Store) GetLicence(ctx context.Context, id string) (domain.Licence, error) {
	return scanLicence(s.db.QueryRowContext(ctx, `SELECT `+licenceColumns+` FROM licences WHERE id=?`, id))
}

// GetLicenceForProject returns the licence attached to a project, preferring
// an active one, then the latest expiry.
func (s *Store) GetLicenceForProject(ctx context.Context, projectID string) (domain.Licence, error) {
	return scanLicence(s.db.QueryRowContext(ctx,
		`SELECT `+licenceColumns+` FROM licences WHERE project_id=?
		 ORDER BY (status='active') DESC, expires_at DESC LIMIT 1`, projectID))
}

// ListLicencesByOwner returns an owner's licences that are not yet revoked.
func (s *Store) ListLicencesByOwner(ctx context.Context, ownerID string) ([]domain.Licence, error) {
	return s.queryLicences(ctx,
		`SELECT `+licenceColumns+` FROM licences WHERE owner_id=? AND status<>'revoked' ORDER BY id`, ownerID)
}

// ListExpiredLicences pages through active licences whose expires_at is
// before now, keyed by id.
func (s *Store) ListExpiredLicences(ctx context.Context, now time.Time, page Page) ([]domain.Licence, error) {
	return s.queryLicences(ctx,
		`SELECT `+licenceColumns+` FROM licences
		 WHERE status='active' AND expires_at < ? AND id > ? ORDER BY id LIMIT ?`,
		toMillis(now), page.After, page.limit())
}

// UpdateLicence writes status, project attachment and expiry if l.Version
// is still current.
func (s *Store) UpdateLicence(ctx context.Context, l domain.Licence) (domain.Licence, error) {
	l.UpdatedAt = s.stamp()
	res, err := s.db.ExecContext(ctx,
		`UPDATE licences SET project_id=?, status=?, expires_at=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		l.ProjectID, string(l.Status), toMillis(l.ExpiresAt), toMillis(l.UpdatedAt), l.ID, l.Version)
	if err != nil {
		return domain.Licence{}, fmt.Errorf("update licence %s: %w", l.ID, err)
	}
	if err := s.checkConditional(ctx, res, `SELECT 1 FROM licences WHERE id=?`, l.ID); err != nil {
		return domain.Licence{}, fmt.Errorf("update licence %s: %w", l.ID, err)
	}
	l.Version++
	return l, nil
}
