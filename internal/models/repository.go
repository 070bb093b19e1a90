// Package models defines the core entities managed by the repository manager.
package models

import (
	"regexp"
	"time"
)

// scheduleRe matches a daily "HH:MM" schedule.
var scheduleRe = regexp.MustCompile(`^(2[0-3]|[01]?[0-9]):([0-5][0-9])$`)

// ValidSchedule reports whether s is a valid "HH:MM" daily sync schedule.
func ValidSchedule(s string) bool {
	return scheduleRe.MatchString(s)
}

// Status represents the lifecycle status of a managed repository.
type Status string

const (
	// StatusPending means a clone/sync Job has been requested but not yet
	// observed running.
	StatusPending Status = "pending"

	// StatusRunning means the Job has at least one active attempt.
	StatusRunning Status = "running"

	// StatusCompleted means the Job succeeded.
	StatusCompleted Status = "completed"

	// StatusFailed means the Job exhausted its retry budget or was
	// otherwise terminally failed.
	StatusFailed Status = "failed"

	// StatusDeleting means teardown is in progress: the on-disk clone is
	// being removed by a cleanup Job before the record is dropped.
	StatusDeleting Status = "deleting"
)

// IsTerminal reports whether the status accepts a new sync command.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Repository is the central entity: a registered Git repository cloned onto
// the shared cluster volume and kept in sync by one-shot Jobs.
type Repository struct {
	ID          int64  `json:"id"`
	ProjectName string `json:"project_name"`
	RepoURL     string `json:"repo_url"`

	// CommitID pins the revision to check out. Empty means the default
	// branch.
	CommitID string `json:"commit_id"`

	Status Status `json:"status"`

	// StatusReason carries a human-readable explanation for failed or
	// deleting states, e.g. "job not found".
	StatusReason string `json:"status_reason,omitempty"`

	// JobName is the name of the currently or most recently associated
	// cluster Job. At most one Job is active per repository.
	JobName string `json:"job_name"`

	// PVCPath is the directory of the clone relative to the shared
	// volume's source root.
	PVCPath string `json:"pvc_path"`

	CloneSingleBranch bool `json:"clone_single_branch"`
	CloneRecursive    bool `json:"clone_recursive"`

	// RetentionDays is the retention window used to compute ExpiredAt.
	// Zero means indefinite retention.
	RetentionDays int        `json:"retention_days"`
	ExpiredAt     *time.Time `json:"expired_at,omitempty"`

	AutoSyncEnabled bool `json:"auto_sync_enabled"`

	// AutoSyncSchedule is the daily sync time in "HH:MM" (UTC). Present
	// if and only if AutoSyncEnabled is true.
	AutoSyncSchedule *string `json:"auto_sync_schedule,omitempty"`

	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Expired reports whether the repository's retention deadline has passed.
func (r *Repository) Expired(now time.Time) bool {
	return r.ExpiredAt != nil && r.ExpiredAt.Before(now)
}
