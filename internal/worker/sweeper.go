package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crpaas/repo-manager/internal/models"
	"github.com/crpaas/repo-manager/internal/service"
	"github.com/crpaas/repo-manager/internal/telemetry"
)

// Commands is the subset of service operations the background loops issue.
type Commands interface {
	Sync(ctx context.Context, id int64) (*models.Repository, error)
	Delete(ctx context.Context, id int64) (*models.Repository, error)
}

// Sweeper tears down repositories past their retention deadline on a cron
// schedule, and retries teardowns that previously failed.
type Sweeper struct {
	store    service.Store
	commands Commands
	metrics  *telemetry.Metrics

	schedule string
	now      func() time.Time

	cancelFunc context.CancelFunc
	done       chan struct{}
}

// NewSweeper creates a Sweeper. schedule is a cron expression, e.g.
// "@hourly".
func NewSweeper(st service.Store, commands Commands, metrics *telemetry.Metrics, schedule string) *Sweeper {
	return &Sweeper{
		store:    st,
		commands: commands,
		metrics:  metrics,
		schedule: schedule,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start runs the sweep schedule until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	slog.Info("Starting retention sweeper", "schedule", s.schedule)

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel
	defer close(s.done)

	runner := cron.New()
	if _, err := runner.AddFunc(s.schedule, func() { s.Sweep(sweepCtx) }); err != nil {
		return err
	}
	runner.Start()

	<-sweepCtx.Done()
	slog.Info("Retention sweeper stopping")

	stopCtx := runner.Stop()
	<-stopCtx.Done()
	return nil
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() error {
	if s.cancelFunc != nil {
		s.cancelFunc()
		<-s.done
	}
	return nil
}

// Sweep performs one pass: expired repositories are torn down, and stuck
// teardowns (deleting rows whose cleanup failed) are retried. A failing
// step leaves the row in place for the next pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.store.ListExpired(ctx, s.now().UTC())
	if err != nil {
		slog.Error("Failed to list expired repositories", "error", err)
		return
	}

	for _, repo := range expired {
		if ctx.Err() != nil {
			return
		}
		if repo.Status == models.StatusDeleting && repo.StatusReason == "" {
			continue
		}

		slog.Info("Sweeping expired repository",
			"repository_id", repo.ID, "project", repo.ProjectName, "expired_at", repo.ExpiredAt)
		if _, err := s.commands.Delete(ctx, repo.ID); err != nil {
			slog.Error("Failed to sweep repository",
				"repository_id", repo.ID, "error", err)
			continue
		}
		s.metrics.RecordSweep()
	}

	s.retryStuckTeardowns(ctx)
}

func (s *Sweeper) retryStuckTeardowns(ctx context.Context) {
	deleting, err := s.store.ListByStatus(ctx, models.StatusDeleting)
	if err != nil {
		slog.Error("Failed to list deleting repositories", "error", err)
		return
	}

	for _, repo := range deleting {
		if ctx.Err() != nil {
			return
		}
		if repo.StatusReason == "" {
			continue
		}

		slog.Info("Retrying failed teardown",
			"repository_id", repo.ID, "reason", repo.StatusReason)
		if _, err := s.commands.Delete(ctx, repo.ID); err != nil {
			slog.Error("Failed to retry teardown",
				"repository_id", repo.ID, "error", err)
		}
	}
}
