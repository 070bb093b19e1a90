// Package worker runs the background loops: the reconciliation poller, the
// retention sweeper, and the auto-sync scheduler. All loops share a common
// shape: a constructor with injected dependencies, Start blocking until the
// context is done, and Stop waiting for the loop to drain.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/crpaas/repo-manager/internal/jobs"
	"github.com/crpaas/repo-manager/internal/lifecycle"
	"github.com/crpaas/repo-manager/internal/models"
	"github.com/crpaas/repo-manager/internal/reindex"
	"github.com/crpaas/repo-manager/internal/service"
	"github.com/crpaas/repo-manager/internal/telemetry"
)

// missingJobGrace is how long after the last row update a missing Job is
// tolerated before it counts as externally deleted. Freshly created Jobs
// are not always visible to the next poll.
const missingJobGrace = time.Minute

// Poller reconciles repository state with observed Job state.
type Poller struct {
	store   service.Store
	driver  jobs.JobDriver
	reindex reindex.Trigger
	metrics *telemetry.Metrics

	interval time.Duration
	now      func() time.Time

	cancelFunc context.CancelFunc
	done       chan struct{}
}

// NewPoller creates a Poller with injected dependencies.
func NewPoller(
	st service.Store,
	driver jobs.JobDriver,
	trigger reindex.Trigger,
	metrics *telemetry.Metrics,
	interval time.Duration,
) *Poller {
	return &Poller{
		store:    st,
		driver:   driver,
		reindex:  trigger,
		metrics:  metrics,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start runs the reconciliation loop until the context is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	slog.Info("Starting reconciliation poller", "interval", p.interval)

	pollCtx, cancel := context.WithCancel(ctx)
	p.cancelFunc = cancel
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.reconcile(pollCtx)

	for {
		select {
		case <-ticker.C:
			p.reconcile(pollCtx)
		case <-pollCtx.Done():
			slog.Info("Reconciliation poller stopping")
			return nil
		}
	}
}

// Stop cancels the loop and waits for it to finish.
func (p *Poller) Stop() error {
	if p.cancelFunc != nil {
		p.cancelFunc()
		<-p.done
	}
	return nil
}

// reconcile advances every repository with an outstanding Job.
func (p *Poller) reconcile(ctx context.Context) {
	repos, err := p.store.ListByStatus(ctx,
		models.StatusPending, models.StatusRunning, models.StatusDeleting)
	if err != nil {
		slog.Error("Failed to list repositories for reconciliation", "error", err)
		return
	}

	for _, repo := range repos {
		if ctx.Err() != nil {
			return
		}
		if repo.Status == models.StatusDeleting {
			p.reconcileDeleting(ctx, repo)
		} else {
			p.reconcileSync(ctx, repo)
		}
	}
}

// reconcileSync moves a pending/running repository along the state machine
// based on the observed Job phase.
func (p *Poller) reconcileSync(ctx context.Context, repo *models.Repository) {
	status, err := p.jobStatus(ctx, repo)
	if err != nil {
		// Transient platform error: leave the row alone, retry next tick.
		slog.Warn("Failed to read job status",
			"repository_id", repo.ID, "job", repo.JobName, "error", err)
		return
	}

	event, ok := p.eventFor(repo, status)
	if !ok {
		return
	}

	var effects []lifecycle.Effect
	updated, changed, err := p.store.UpdateAtomically(ctx, repo.ID, func(r *models.Repository) (bool, error) {
		// Status may have moved since the list; transition from what the
		// locked row says, not from the snapshot.
		newStatus, fx, err := lifecycle.Transition(r.Status, event)
		if err != nil || newStatus == r.Status {
			return false, err
		}

		r.Status = newStatus
		if newStatus == models.StatusFailed {
			r.StatusReason = lifecycle.FailureReason(event)
		} else {
			r.StatusReason = ""
		}
		for _, effect := range fx {
			if effect == lifecycle.EffectRecordSynced {
				syncedAt := p.now().UTC()
				r.LastSyncedAt = &syncedAt
			}
		}
		effects = fx
		return true, nil
	})
	if err != nil {
		slog.Error("Failed to apply transition",
			"repository_id", repo.ID, "event", event.Type, "error", err)
		return
	}
	if !changed {
		return
	}

	p.metrics.RecordTransition(string(updated.Status))
	slog.Info("Repository transitioned",
		"repository_id", updated.ID, "status", updated.Status, "job", updated.JobName)

	for _, effect := range effects {
		if effect == lifecycle.EffectTriggerReindex {
			err := p.reindex.Reindex(ctx, updated.ProjectName)
			p.metrics.RecordReindex(err)
			if err != nil {
				// Reindex failures never touch lifecycle state.
				slog.Error("Reindex trigger failed",
					"repository_id", updated.ID, "project", updated.ProjectName, "error", err)
			}
		}
	}
}

// reconcileDeleting finishes a teardown once its cleanup Job is done. The
// row only disappears after cleanup success is observed; a failed cleanup
// leaves a reason for the sweeper to retry on, and a cleanup Job that went
// missing is recreated.
func (p *Poller) reconcileDeleting(ctx context.Context, repo *models.Repository) {
	status, err := p.jobStatus(ctx, repo)
	if err != nil {
		slog.Warn("Failed to read cleanup job status",
			"repository_id", repo.ID, "job", repo.JobName, "error", err)
		return
	}

	switch status.Phase {
	case jobs.PhaseSucceeded:
		if err := p.store.Delete(ctx, repo.ID); err != nil {
			slog.Error("Failed to delete repository record",
				"repository_id", repo.ID, "error", err)
			return
		}
		slog.Info("Repository deleted",
			"repository_id", repo.ID, "project", repo.ProjectName)

	case jobs.PhaseFailed:
		reason := "cleanup failed"
		if status.Reason != "" {
			reason = "cleanup failed: " + status.Reason
		}
		_, _, err := p.store.UpdateAtomically(ctx, repo.ID, func(r *models.Repository) (bool, error) {
			if r.Status != models.StatusDeleting || r.StatusReason == reason {
				return false, nil
			}
			r.StatusReason = reason
			return true, nil
		})
		if err != nil {
			slog.Error("Failed to record cleanup failure",
				"repository_id", repo.ID, "error", err)
		}

	case jobs.PhaseNotFound:
		if p.now().Sub(repo.UpdatedAt) < missingJobGrace {
			return
		}
		_, _, err := p.store.UpdateAtomically(ctx, repo.ID, func(r *models.Repository) (bool, error) {
			if r.Status != models.StatusDeleting {
				return false, nil
			}
			jobName, err := p.driver.StartCleanup(ctx, r)
			if err != nil {
				return false, err
			}
			r.JobName = jobName
			r.StatusReason = ""
			return true, nil
		})
		if err != nil {
			slog.Error("Failed to recreate cleanup job",
				"repository_id", repo.ID, "error", err)
			return
		}
		p.metrics.RecordJobStarted("cleanup")
	}
}

// jobStatus reads the repository's Job phase. A row with no Job name (a
// crash between Job creation and the name write leaves one) reports
// not-found, so the missing-Job path terminates it instead of erroring on
// every tick.
func (p *Poller) jobStatus(ctx context.Context, repo *models.Repository) (jobs.Status, error) {
	if repo.JobName == "" {
		return jobs.Status{Phase: jobs.PhaseNotFound}, nil
	}
	return p.driver.GetStatus(ctx, repo.JobName)
}

// eventFor maps an observed Job phase to a lifecycle event. The second
// return is false when no event applies yet.
func (p *Poller) eventFor(repo *models.Repository, status jobs.Status) (lifecycle.Event, bool) {
	switch status.Phase {
	case jobs.PhaseActive:
		return lifecycle.Event{Type: lifecycle.EventJobActive}, true
	case jobs.PhaseSucceeded:
		return lifecycle.Event{Type: lifecycle.EventJobSucceeded}, true
	case jobs.PhaseFailed:
		return lifecycle.Event{Type: lifecycle.EventJobFailed, Reason: status.Reason}, true
	case jobs.PhaseNotFound:
		if p.now().Sub(repo.UpdatedAt) < missingJobGrace {
			// The Job was created moments ago; give the cluster a beat.
			return lifecycle.Event{}, false
		}
		return lifecycle.Event{Type: lifecycle.EventJobMissing}, true
	default:
		return lifecycle.Event{}, false
	}
}
