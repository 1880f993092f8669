package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahrav/go-phaseflow/internal/domain"
	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
	"github.com/ahrav/go-phaseflow/internal/store"
)

// expireLicences moves active licences past their expiry to expired, and
// their project from licensed to expired. A pass that cannot list its rows
// reports zero affected rows.
func (s *Sweeper) expireLicences(ctx context.Context, p *pass) error {
	p.zeroOnAbort = true
	now := s.now()
	return each(ctx, p,
		func(ctx context.Context, page store.Page) ([]domain.Licence, error) {
			return s.store.ListExpiredLicences(ctx, now, page)
		},
		func(l domain.Licence) string { return l.ID },
		func(ctx context.Context, row domain.Licence) (bool, error) {
			l, err := s.store.GetLicence(ctx, row.ID)
			if err != nil {
				return false, err
			}
			changed := false
			if l.ExpiredAt(now) {
				l.Status = domain.LicenceExpired
				if l, err = s.store.UpdateLicence(ctx, l); err != nil {
					return false, err
				}
				changed = true
			}
			// Reconcile the project even if the licence moved on an earlier
			// attempt whose project write lost a race.
			if l.Status == domain.LicenceExpired && l.ProjectID != "" {
				if err := s.expireProject(ctx, l.ProjectID); err != nil {
					return changed, err
				}
			}
			return changed, nil
		})
}

func (s *Sweeper) expireProject(ctx context.Context, projectID string) error {
	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, pipeerrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if project.Status != domain.ProjectLicensed {
		return nil
	}
	// Another active licence keeps the project licensed.
	current, err := s.store.GetLicenceForProject(ctx, projectID)
	if err == nil && current.Status == domain.LicenceActive {
		return nil
	}
	if err != nil && !errors.Is(err, pipeerrors.ErrNotFound) {
		return err
	}
	project.Status = domain.ProjectExpired
	if _, err := s.store.UpdateProject(ctx, project); err != nil {
		return fmt.Errorf("expire project %s: %w", projectID, err)
	}
	return nil
}

// recoverStaleRuns takes over runs whose executor stopped heartbeating.
func (s *Sweeper) recoverStaleRuns(ctx context.Context, p *pass) error {
	staleBefore := s.now().Add(-s.cfg.StaleAfter)
	return each(ctx, p,
		func(ctx context.Context, page store.Page) ([]domain.WorkflowRun, error) {
			return s.store.ListStaleRuns(ctx, staleBefore, page)
		},
		func(r domain.WorkflowRun) string { return r.ID },
		func(ctx context.Context, row domain.WorkflowRun) (bool, error) {
			run, err := s.store.GetRun(ctx, row.ID)
			if err != nil {
				return false, err
			}
			if run.Status.Terminal() || !run.HeartbeatAt.Before(staleBefore) {
				return false, nil
			}
			run = run.Clone()
			reason := fmt.Sprintf("no heartbeat since %s", run.HeartbeatAt.UTC().Format(time.RFC3339))

			if s.cfg.StalePolicy == PolicyFail {
				run.Status = domain.RunFailed
				run.LastError = "stale: " + reason
				if _, err := s.store.UpdateStaleRun(ctx, run, staleBefore); err != nil {
					return false, skipLostRace(err)
				}
				if err := s.releaseTicket(ctx, run.SubjectID); err != nil {
					return true, err
				}
				if err := s.failJob(ctx, run, reason); err != nil {
					return true, err
				}
				p.logger.Warn("stale run failed", "run_id", run.ID, "workflow", run.Workflow)
				return true, nil
			}

			run.Status = domain.RunPending
			run.LastError = "requeued: " + reason
			if _, err := s.store.UpdateStaleRun(ctx, run, staleBefore); err != nil {
				return false, skipLostRace(err)
			}
			// The relaunched run re-acquires its ticket before calling the
			// engine again.
			if err := s.releaseTicket(ctx, run.SubjectID); err != nil {
				return true, err
			}
			p.logger.Info("stale run requeued", "run_id", run.ID, "workflow", run.Workflow)
			if s.relauncher != nil {
				if err := s.relauncher.Relaunch(ctx, run.ID); err != nil {
					// Still pending; the next pass tries again.
					p.logger.Warn("relaunch failed", "run_id", run.ID, "error", err)
				}
			}
			return true, nil
		})
}

// skipLostRace treats a conflict as "someone else handled it": the
// executor heartbeated or finished after the row was selected.
func skipLostRace(err error) error {
	if errors.Is(err, pipeerrors.ErrConflict) {
		return nil
	}
	return err
}

// releaseTicket frees the semaphore ticket held on behalf of a stale
// run's subject. Releasing an owner with no ticket is a no-op.
func (s *Sweeper) releaseTicket(ctx context.Context, subjectID string) error {
	if subjectID == "" || s.admission == nil {
		return nil
	}
	if _, err := s.admission.ReleaseByOwner(ctx, subjectID); err != nil {
		return fmt.Errorf("release ticket of %s: %w", subjectID, err)
	}
	return nil
}

// failJob fails the unfinished analysis job of a failed stale run. A job
// that belongs to another run is left alone.
func (s *Sweeper) failJob(ctx context.Context, run domain.WorkflowRun, reason string) error {
	if run.SubjectID == "" {
		return nil
	}
	job, err := s.store.GetJob(ctx, run.SubjectID)
	if errors.Is(err, pipeerrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.Terminal() || job.RunID != run.ID {
		return nil
	}
	job.Status = domain.JobFailed
	job.Retryable = false
	job.Error = "abandoned: " + reason
	if _, err := s.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	return nil
}

// deleteAccounts finalises deletions whose grace period has passed.
func (s *Sweeper) deleteAccounts(ctx context.Context, p *pass) error {
	cutoff := s.now().Add(-s.cfg.DeletionGrace)
	return each(ctx, p,
		func(ctx context.Context, page store.Page) ([]domain.Account, error) {
			return s.store.ListAccountsPendingDeletion(ctx, cutoff, page)
		},
		func(a domain.Account) string { return a.ID },
		func(ctx context.Context, row domain.Account) (bool, error) {
			account, err := s.store.GetAccount(ctx, row.ID)
			if err != nil {
				return false, err
			}
			if account.Status != domain.AccountPendingDeletion ||
				account.DeletionRequestedAt == nil || !account.DeletionRequestedAt.Before(cutoff) {
				return false, nil
			}

			licences, err := s.store.ListLicencesByOwner(ctx, account.ID)
			if err != nil {
				return false, err
			}
			for _, l := range licences {
				if l.Status != domain.LicenceActive {
					continue
				}
				l.Status = domain.LicenceRevoked
				if _, err := s.store.UpdateLicence(ctx, l); err != nil {
					return false, fmt.Errorf("revoke licence %s: %w", l.ID, err)
				}
			}
			removed, err := s.store.DeleteProjectsByOwner(ctx, account.ID)
			if err != nil {
				return false, err
			}

			account.Status = domain.AccountDeleted
			account.Email = domain.AnonymisedEmail(account.ID)
			if _, err := s.store.UpdateAccount(ctx, account); err != nil {
				return false, fmt.Errorf("mark account %s deleted: %w", account.ID, err)
			}
			p.logger.Info("account deleted", "account_id", account.ID, "projects", removed)
			return true, nil
		})
}

// reapTickets releases semaphore tickets whose lease ended.
func (s *Sweeper) reapTickets(ctx context.Context, p *pass) error {
	if s.admission == nil {
		return nil
	}
	n, err := s.admission.Reap(ctx)
	if err != nil {
		return err
	}
	p.result.Scanned += n
	p.result.Affected += n
	return nil
}
