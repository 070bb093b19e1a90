package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/crpaas/repo-manager/internal/models"
)

// ExportRecord is one repository's configuration in a backup snapshot.
// Runtime state (status, job name, logs) is deliberately absent.
type ExportRecord struct {
	RepoURL           string  `json:"repo_url"`
	CommitID          string  `json:"commit_id"`
	ProjectName       string  `json:"project_name"`
	CloneSingleBranch bool    `json:"clone_single_branch"`
	CloneRecursive    bool    `json:"clone_recursive"`
	RetentionDays     int     `json:"retention_days"`
	AutoSyncEnabled   bool    `json:"auto_sync_enabled"`
	AutoSyncSchedule  *string `json:"auto_sync_schedule,omitempty"`
}

// ExportResponse is the full backup snapshot.
type ExportResponse struct {
	ExportedAt   time.Time      `json:"exported_at"`
	Repositories []ExportRecord `json:"repositories"`
}

// ImportResult reports the outcome for one imported record.
type ImportResult struct {
	ProjectName string `json:"project_name"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

// ImportResponse summarizes a bulk import.
type ImportResponse struct {
	Created int            `json:"created"`
	Skipped int            `json:"skipped"`
	Errors  int            `json:"errors"`
	Results []ImportResult `json:"results"`
}

// Export snapshots all repository configurations. Retention is exported as
// the days remaining until the deadline so a later import renews from its
// own import time.
func (s *Service) Export(ctx context.Context) (*ExportResponse, error) {
	repos, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	records := make([]ExportRecord, 0, len(repos))
	for _, repo := range repos {
		retentionDays := 0
		if repo.ExpiredAt != nil {
			remaining := int(repo.ExpiredAt.Sub(now).Hours() / 24)
			if remaining < 0 {
				remaining = 0
			}
			retentionDays = remaining
		}

		records = append(records, ExportRecord{
			RepoURL:           repo.RepoURL,
			CommitID:          repo.CommitID,
			ProjectName:       repo.ProjectName,
			CloneSingleBranch: repo.CloneSingleBranch,
			CloneRecursive:    repo.CloneRecursive,
			RetentionDays:     retentionDays,
			AutoSyncEnabled:   repo.AutoSyncEnabled,
			AutoSyncSchedule:  repo.AutoSyncSchedule,
		})
	}

	return &ExportResponse{ExportedAt: now, Repositories: records}, nil
}

// Import restores repository records from a snapshot. Existing project
// names are skipped. Created rows are metadata only: no clone Job is
// started, so they land in failed with a reason telling the operator a sync
// restores the clone. Failed is terminal, which means both manual sync and
// the auto-sync scheduler can pick the repository up.
func (s *Service) Import(ctx context.Context, records []ExportRecord) (*ImportResponse, error) {
	resp := &ImportResponse{Results: []ImportResult{}}

	for _, record := range records {
		result := s.importOne(ctx, record)
		switch result.Status {
		case "created":
			resp.Created++
		case "skipped":
			resp.Skipped++
		default:
			resp.Errors++
		}
		resp.Results = append(resp.Results, result)
	}

	slog.Info("Imported repositories",
		"created", resp.Created, "skipped", resp.Skipped, "errors", resp.Errors)
	return resp, nil
}

func (s *Service) importOne(ctx context.Context, record ExportRecord) ImportResult {
	if record.ProjectName == "" || !gitURLPattern.MatchString(record.RepoURL) {
		return ImportResult{
			ProjectName: record.ProjectName,
			Status:      "error",
			Message:     "invalid project_name or repo_url",
		}
	}

	existing, err := s.store.GetByProjectName(ctx, record.ProjectName)
	if err == nil {
		return ImportResult{
			ProjectName: record.ProjectName,
			Status:      "skipped",
			Message:     fmt.Sprintf("already exists (id %d, url %s)", existing.ID, existing.RepoURL),
		}
	}

	schedule, err := normalizeSchedule(record.AutoSyncEnabled, record.AutoSyncSchedule)
	if err != nil {
		return ImportResult{ProjectName: record.ProjectName, Status: "error", Message: err.Error()}
	}
	if record.RetentionDays < 0 {
		return ImportResult{ProjectName: record.ProjectName, Status: "error", Message: "negative retention_days"}
	}

	repo := &models.Repository{
		ProjectName:       record.ProjectName,
		RepoURL:           record.RepoURL,
		CommitID:          record.CommitID,
		Status:            models.StatusFailed,
		StatusReason:      "imported, sync required",
		PVCPath:           record.ProjectName,
		CloneSingleBranch: record.CloneSingleBranch,
		CloneRecursive:    record.CloneRecursive,
		RetentionDays:     record.RetentionDays,
		ExpiredAt:         s.expiration(record.RetentionDays),
		AutoSyncEnabled:   record.AutoSyncEnabled,
		AutoSyncSchedule:  schedule,
	}
	if err := s.store.Create(ctx, repo); err != nil {
		return ImportResult{ProjectName: record.ProjectName, Status: "error", Message: err.Error()}
	}

	return ImportResult{
		ProjectName: record.ProjectName,
		Status:      "created",
		Message:     fmt.Sprintf("imported (id %d)", repo.ID),
	}
}
