package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/crpaas/repo-manager/internal/models"
	"github.com/crpaas/repo-manager/internal/service"
	"github.com/crpaas/repo-manager/internal/telemetry"
)

// Scheduler starts syncs for auto-sync repositories when their daily HH:MM
// (UTC) time is reached. Ticks are minute-granular; a missed tick is not
// replayed.
type Scheduler struct {
	store    service.Store
	commands Commands
	metrics  *telemetry.Metrics

	interval time.Duration
	now      func() time.Time

	cancelFunc context.CancelFunc
	done       chan struct{}
}

// NewScheduler creates a Scheduler checking every interval.
func NewScheduler(st service.Store, commands Commands, metrics *telemetry.Metrics, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:    st,
		commands: commands,
		metrics:  metrics,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start runs the scheduler loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	slog.Info("Starting auto-sync scheduler", "interval", s.interval)

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(schedCtx)
		case <-schedCtx.Done():
			slog.Info("Auto-sync scheduler stopping")
			return nil
		}
	}
}

// Stop cancels the loop and waits for it to finish.
func (s *Scheduler) Stop() error {
	if s.cancelFunc != nil {
		s.cancelFunc()
		<-s.done
	}
	return nil
}

// Tick starts a sync for every auto-sync repository whose schedule matches
// the current UTC minute and that has not already synced today.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()

	repos, err := s.store.ListAutoSync(ctx)
	if err != nil {
		slog.Error("Failed to list auto-sync repositories", "error", err)
		return
	}

	for _, repo := range repos {
		if ctx.Err() != nil {
			return
		}
		if !s.due(repo, now) {
			continue
		}

		_, err := s.commands.Sync(ctx, repo.ID)
		if err != nil {
			if errors.Is(err, service.ErrSyncInProgress) {
				// A Job is already in flight; the exclusivity guard wins.
				slog.Debug("Skipping scheduled sync, job in flight", "repository_id", repo.ID)
				continue
			}
			slog.Error("Scheduled sync failed",
				"repository_id", repo.ID, "project", repo.ProjectName, "error", err)
			continue
		}

		s.metrics.RecordScheduledSync()
		slog.Info("Started scheduled sync",
			"repository_id", repo.ID, "project", repo.ProjectName)
	}
}

// due reports whether the repository's schedule matches now's UTC minute
// and it has not already synced on now's UTC date.
func (s *Scheduler) due(repo *models.Repository, now time.Time) bool {
	if repo.AutoSyncSchedule == nil || !repo.Status.IsTerminal() {
		return false
	}

	hour, minute, ok := parseSchedule(*repo.AutoSyncSchedule)
	if !ok {
		return false
	}
	if hour != now.Hour() || minute != now.Minute() {
		return false
	}

	if repo.LastSyncedAt != nil {
		last := repo.LastSyncedAt.UTC()
		if last.Year() == now.Year() && last.YearDay() == now.YearDay() {
			return false
		}
	}
	return true
}

// parseSchedule splits "HH:MM" (leading zero optional on the hour) into its
// parts.
func parseSchedule(schedule string) (hour, minute int, ok bool) {
	parts := strings.SplitN(schedule, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, false
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}
