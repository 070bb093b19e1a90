// Package service provides the business logic for the repository manager API.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/crpaas/repo-manager/internal/jobs"
	"github.com/crpaas/repo-manager/internal/lifecycle"
	"github.com/crpaas/repo-manager/internal/models"
	"github.com/crpaas/repo-manager/internal/store"
	"github.com/crpaas/repo-manager/internal/telemetry"
)

var (
	// ErrNotFound is returned when a repository does not exist.
	ErrNotFound = errors.New("repository not found")
	// ErrDuplicateProject is returned when the project name is taken.
	ErrDuplicateProject = errors.New("project name already in use")
	// ErrSyncInProgress is returned when a command needs a terminal
	// repository but a Job is still in flight.
	ErrSyncInProgress = errors.New("repository has a sync in progress")
	// ErrValidation is wrapped around request validation failures.
	ErrValidation = errors.New("validation failed")
)

// gitURLPattern accepts http(s), git, and ssh-style Git URLs ending in .git.
var gitURLPattern = regexp.MustCompile(`^((https?|git)://.+?|git@.+?:.+?)\.git$`)

// RepositoryService defines the operations the API layer drives.
type RepositoryService interface {
	Create(ctx context.Context, req CreateRequest) (*models.Repository, error)
	Get(ctx context.Context, id int64) (*models.Repository, error)
	List(ctx context.Context) ([]*models.Repository, error)
	Sync(ctx context.Context, id int64) (*models.Repository, error)
	Delete(ctx context.Context, id int64) (*models.Repository, error)
	UpdateExpiration(ctx context.Context, id int64, retentionDays int) (*models.Repository, error)
	UpdateAutoSync(ctx context.Context, id int64, enabled bool, schedule *string) (*models.Repository, error)
	Logs(ctx context.Context, id int64, tailLines int64) (string, error)
	Export(ctx context.Context) (*ExportResponse, error)
	Import(ctx context.Context, records []ExportRecord) (*ImportResponse, error)
}

// Store is the persistence surface the service needs.
type Store interface {
	Create(ctx context.Context, repo *models.Repository) error
	GetByID(ctx context.Context, id int64) (*models.Repository, error)
	GetByProjectName(ctx context.Context, name string) (*models.Repository, error)
	List(ctx context.Context) ([]*models.Repository, error)
	ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Repository, error)
	ListExpired(ctx context.Context, now time.Time) ([]*models.Repository, error)
	ListAutoSync(ctx context.Context) ([]*models.Repository, error)
	Delete(ctx context.Context, id int64) error
	UpdateAtomically(ctx context.Context, id int64,
		fn func(repo *models.Repository) (bool, error)) (*models.Repository, bool, error)
}

// LogReader fetches logs for a repository's Job.
type LogReader interface {
	JobLogs(ctx context.Context, jobName string, tailLines int64) (string, error)
}

// Service orchestrates repository registration, sync, and teardown.
type Service struct {
	store   Store
	driver  jobs.JobDriver
	logs    LogReader
	metrics *telemetry.Metrics
	now     func() time.Time
}

// New creates a Service. logs may be nil if log retrieval is not wired.
func New(st Store, driver jobs.JobDriver, logs LogReader, metrics *telemetry.Metrics) *Service {
	return &Service{
		store:   st,
		driver:  driver,
		logs:    logs,
		metrics: metrics,
		now:     time.Now,
	}
}

var _ RepositoryService = (*Service)(nil)

// CreateRequest carries the fields for registering a repository.
type CreateRequest struct {
	RepoURL           string
	CommitID          string
	ProjectName       string
	RetentionDays     int
	CloneSingleBranch bool
	CloneRecursive    bool
	AutoSyncEnabled   bool
	AutoSyncSchedule  *string
}

// Create registers a repository and starts its clone Job. The record is
// written first so a Job-creation failure leaves a failed row the operator
// can retry with a sync.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Repository, error) {
	projectName, err := s.resolveProjectName(req)
	if err != nil {
		return nil, err
	}
	schedule, err := normalizeSchedule(req.AutoSyncEnabled, req.AutoSyncSchedule)
	if err != nil {
		return nil, err
	}
	if req.RetentionDays < 0 {
		return nil, fmt.Errorf("%w: retention_days must not be negative", ErrValidation)
	}

	repo := &models.Repository{
		ProjectName:       projectName,
		RepoURL:           req.RepoURL,
		CommitID:          req.CommitID,
		Status:            models.StatusPending,
		PVCPath:           projectName,
		CloneSingleBranch: req.CloneSingleBranch,
		CloneRecursive:    req.CloneRecursive,
		RetentionDays:     req.RetentionDays,
		ExpiredAt:         s.expiration(req.RetentionDays),
		AutoSyncEnabled:   req.AutoSyncEnabled,
		AutoSyncSchedule:  schedule,
	}

	if err := s.store.Create(ctx, repo); err != nil {
		if errors.Is(err, store.ErrDuplicateProject) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProject, projectName)
		}
		return nil, err
	}

	jobName, err := s.driver.StartClone(ctx, repo)
	if err != nil {
		slog.Error("Failed to start clone job",
			"repository_id", repo.ID, "project", projectName, "error", err)
		repo, _, _ = s.store.UpdateAtomically(ctx, repo.ID, func(r *models.Repository) (bool, error) {
			r.Status = models.StatusFailed
			r.StatusReason = "failed to create clone job"
			return true, nil
		})
		return repo, fmt.Errorf("failed to start clone for %s: %w", projectName, err)
	}
	s.metrics.RecordJobStarted("clone")

	repo, _, err = s.store.UpdateAtomically(ctx, repo.ID, func(r *models.Repository) (bool, error) {
		r.JobName = jobName
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Registered repository",
		"repository_id", repo.ID, "project", projectName, "job", jobName)
	return repo, nil
}

// Get returns one repository.
func (s *Service) Get(ctx context.Context, id int64) (*models.Repository, error) {
	repo, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return repo, nil
}

// List returns all repositories, newest first.
func (s *Service) List(ctx context.Context) ([]*models.Repository, error) {
	return s.store.List(ctx)
}

// Sync starts a new sync Job for a terminal repository. The Job is created
// while the row lock is held, so concurrent commands against the same
// repository serialize and the second one sees the pending state.
func (s *Service) Sync(ctx context.Context, id int64) (*models.Repository, error) {
	repo, _, err := s.store.UpdateAtomically(ctx, id, func(r *models.Repository) (bool, error) {
		newStatus, effects, err := lifecycle.Transition(r.Status, lifecycle.Event{Type: lifecycle.EventSyncRequested})
		if err != nil {
			return false, err
		}

		r.Status = newStatus
		r.StatusReason = ""
		for _, effect := range effects {
			if effect != lifecycle.EffectCreateJob {
				continue
			}
			jobName, err := s.driver.StartSync(ctx, r)
			if err != nil {
				return false, fmt.Errorf("failed to start sync job: %w", err)
			}
			r.JobName = jobName
		}
		return true, nil
	})
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotTerminal) {
			return nil, ErrSyncInProgress
		}
		return nil, mapStoreErr(err)
	}

	s.metrics.RecordJobStarted("sync")
	s.metrics.RecordTransition(string(models.StatusPending))
	slog.Info("Started sync", "repository_id", repo.ID, "job", repo.JobName)
	return repo, nil
}

// Delete tears a repository down: the live Job is removed first, then the
// row is marked deleting and a cleanup Job erases the on-disk clone. The
// poller drops the row once cleanup succeeds; the record is never removed
// while disk state is unverified. The whole teardown runs under the row
// lock, so a sync committing concurrently cannot install a Job this method
// never sees.
func (s *Service) Delete(ctx context.Context, id int64) (*models.Repository, error) {
	repo, started, err := s.store.UpdateAtomically(ctx, id, func(r *models.Repository) (bool, error) {
		// A reason on a deleting row means a previous cleanup failed;
		// fall through and issue a fresh cleanup Job. Without one,
		// teardown is already in flight.
		if r.Status == models.StatusDeleting && r.StatusReason == "" {
			return false, nil
		}

		if r.JobName != "" {
			if err := s.driver.DeleteJob(ctx, r.JobName); err != nil {
				return false, fmt.Errorf("failed to delete job %s: %w", r.JobName, err)
			}
		}

		cleanupJob, err := s.driver.StartCleanup(ctx, r)
		if err != nil {
			return false, fmt.Errorf("failed to start cleanup job: %w", err)
		}
		r.Status = models.StatusDeleting
		r.StatusReason = ""
		r.JobName = cleanupJob
		return true, nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !started {
		return repo, nil
	}

	s.metrics.RecordJobStarted("cleanup")
	s.metrics.RecordTransition(string(models.StatusDeleting))
	slog.Info("Started teardown", "repository_id", repo.ID, "job", repo.JobName)
	return repo, nil
}

// UpdateExpiration renews the retention window from now.
func (s *Service) UpdateExpiration(ctx context.Context, id int64, retentionDays int) (*models.Repository, error) {
	if retentionDays < 0 {
		return nil, fmt.Errorf("%w: retention_days must not be negative", ErrValidation)
	}

	repo, _, err := s.store.UpdateAtomically(ctx, id, func(r *models.Repository) (bool, error) {
		r.RetentionDays = retentionDays
		r.ExpiredAt = s.expiration(retentionDays)
		return true, nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return repo, nil
}

// UpdateAutoSync changes the auto-sync policy.
func (s *Service) UpdateAutoSync(ctx context.Context, id int64, enabled bool, rawSchedule *string) (*models.Repository, error) {
	schedule, err := normalizeSchedule(enabled, rawSchedule)
	if err != nil {
		return nil, err
	}

	repo, _, err := s.store.UpdateAtomically(ctx, id, func(r *models.Repository) (bool, error) {
		r.AutoSyncEnabled = enabled
		r.AutoSyncSchedule = schedule
		return true, nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return repo, nil
}

// Logs returns the log tail of the repository's current Job.
func (s *Service) Logs(ctx context.Context, id int64, tailLines int64) (string, error) {
	repo, err := s.store.GetByID(ctx, id)
	if err != nil {
		return "", mapStoreErr(err)
	}
	if repo.JobName == "" {
		return "", fmt.Errorf("%w: repository has no job", ErrValidation)
	}
	return s.logs.JobLogs(ctx, repo.JobName, tailLines)
}

func (s *Service) resolveProjectName(req CreateRequest) (string, error) {
	if !gitURLPattern.MatchString(req.RepoURL) {
		return "", fmt.Errorf("%w: repo_url must be a Git URL ending in .git", ErrValidation)
	}

	if req.ProjectName != "" {
		if jobs.SanitizeDNS(req.ProjectName) != req.ProjectName {
			return "", fmt.Errorf(
				"%w: project_name must be lowercase alphanumerics or '-', starting and ending alphanumeric",
				ErrValidation)
		}
		return req.ProjectName, nil
	}

	name := jobs.ProjectNameFromURL(req.RepoURL)
	if name == "" {
		return "", fmt.Errorf("%w: could not derive project name from repo_url", ErrValidation)
	}
	return name, nil
}

// expiration computes the retention deadline. Zero days means indefinite
// retention and no deadline.
func (s *Service) expiration(retentionDays int) *time.Time {
	if retentionDays <= 0 {
		return nil
	}
	t := s.now().UTC().Add(time.Duration(retentionDays) * 24 * time.Hour)
	return &t
}

func normalizeSchedule(enabled bool, schedule *string) (*string, error) {
	if !enabled {
		return nil, nil
	}
	if schedule == nil || !models.ValidSchedule(*schedule) {
		return nil, fmt.Errorf("%w: auto_sync_schedule must be HH:MM when auto-sync is enabled", ErrValidation)
	}
	return schedule, nil
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
