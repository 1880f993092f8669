package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ahrav/go-phaseflow/internal/domain"
)

const accountColumns = `id,email,status,deletion_requested_at,created_at,updated_at,version`

func scanAccount(row scanner) (domain.Account, error) {
	var (
		a                    domain.Account
		requestedAt          sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&a.ID, &a.Email, &a.Status, &requestedAt, &createdAt, &updatedAt, &a.Version); err != nil {
		return domain.Account{}, notFound(err)
	}
	a.DeletionRequestedAt = fromNullMillis(requestedAt)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return a, nil
}

// CreateAccount inserts an account at version 1.
func (s *Store) CreateAccount(ctx context.Context, a domain.Account) (domain.Account, error) {
	if err := a.Validate(); err != nil {
		return domain.Account{}, fmt.Errorf("invalid account: %w", err)
	}
	now := s.stamp()
	a.CreatedAt, a.UpdatedAt, a.Version = now, now, 1
	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts(`+accountColumns+`) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.Email, string(a.Status), nullMillis(a.DeletionRequestedAt), toMillis(a.CreatedAt), toMillis(a.UpdatedAt), a.Version)
	if err != nil {
		return domain.Account{}, fmt.Errorf("insert account %s: %w", a.ID, err)
	}
	return a, nil
}

// GetAccount loads an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=?`, id))
}

// ListAccountsPendingDeletion pages through accounts whose deletion was
// requested before cutoff, keyed by id.
func (s *Store) ListAccountsPendingDeletion(ctx context.Context, cutoff time.Time, page Page) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE status='pending_deletion' AND deletion_requested_at < ? AND id > ? ORDER BY id LIMIT ?`,
		toMillis(cutoff), page.After, page.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAccount writes the account's mutable fields if a.Version is still
// current.
func (s *Store) UpdateAccount(ctx context.Context, a domain.Account) (domain.Account, error) {
	a.UpdatedAt = s.stamp()
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET email=?, status=?, deletion_requested_at=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		a.Email, string(a.Status), nullMillis(a.DeletionRequestedAt), toMillis(a.UpdatedAt), a.ID, a.Version)
	if err != nil {
		return domain.Account{}, fmt.Errorf("update account %s: %w", a.ID, err)
	}
	if err := s.checkConditional(ctx, res, `SELECT 1 FROM accounts WHERE id=?`, a.ID); err != nil {
		return domain.Account{}, fmt.Errorf("update account %s: %w", a.ID, err)
	}
	a.Version++
	return a, nil
}
