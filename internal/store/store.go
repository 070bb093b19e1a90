// Package store persists repository records in PostgreSQL.
//
// All mutations of a single record go through UpdateAtomically, which holds a
// row lock for the duration of the read-modify-write. This is what keeps a
// user-issued sync command from interleaving with a concurrent poller
// transition on the same row.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crpaas/repo-manager/internal/models"
)

// ErrNotFound is returned when a repository can't be found.
var ErrNotFound = errors.New("repository not found")

// ErrDuplicateProject is returned when a project name is already in use.
var ErrDuplicateProject = errors.New("project name already in use")

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

const repositoryColumns = `
	id, project_name, repo_url, commit_id, status, status_reason, job_name,
	pvc_path, clone_single_branch, clone_recursive, retention_days, expired_at,
	auto_sync_enabled, auto_sync_schedule, last_synced_at, created_at, updated_at`

// Store provides access to repository records.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store backed by the given connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// row abstracts pgx.Row for scanning from both pool and tx queries.
type row interface {
	Scan(dest ...any) error
}

func scanRepository(r row) (*models.Repository, error) {
	var repo models.Repository
	err := r.Scan(
		&repo.ID, &repo.ProjectName, &repo.RepoURL, &repo.CommitID,
		&repo.Status, &repo.StatusReason, &repo.JobName, &repo.PVCPath,
		&repo.CloneSingleBranch, &repo.CloneRecursive, &repo.RetentionDays,
		&repo.ExpiredAt, &repo.AutoSyncEnabled, &repo.AutoSyncSchedule,
		&repo.LastSyncedAt, &repo.CreatedAt, &repo.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &repo, nil
}

// Create inserts a new repository record and fills in the generated id and
// timestamps. A project name collision returns ErrDuplicateProject.
func (s *Store) Create(ctx context.Context, repo *models.Repository) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO repositories (
			project_name, repo_url, commit_id, status, status_reason, job_name,
			pvc_path, clone_single_branch, clone_recursive, retention_days,
			expired_at, auto_sync_enabled, auto_sync_schedule, last_synced_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`,
		repo.ProjectName, repo.RepoURL, repo.CommitID, repo.Status,
		repo.StatusReason, repo.JobName, repo.PVCPath, repo.CloneSingleBranch,
		repo.CloneRecursive, repo.RetentionDays, repo.ExpiredAt,
		repo.AutoSyncEnabled, repo.AutoSyncSchedule, repo.LastSyncedAt,
	).Scan(&repo.ID, &repo.CreatedAt, &repo.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateProject
		}
		return fmt.Errorf("failed to insert repository: %w", err)
	}
	return nil
}

// GetByID returns the repository with the given id.
func (s *Store) GetByID(ctx context.Context, id int64) (*models.Repository, error) {
	return scanRepository(s.pool.QueryRow(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE id = $1`, id))
}

// GetByProjectName returns the repository with the given project name.
func (s *Store) GetByProjectName(ctx context.Context, name string) (*models.Repository, error) {
	return scanRepository(s.pool.QueryRow(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE project_name = $1`, name))
}

// List returns all repositories, newest first.
func (s *Store) List(ctx context.Context) ([]*models.Repository, error) {
	return s.listWhere(ctx,
		`SELECT `+repositoryColumns+` FROM repositories ORDER BY created_at DESC`)
}

// ListByStatus returns all repositories in any of the given statuses.
func (s *Store) ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Repository, error) {
	return s.listWhere(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE status = ANY($1) ORDER BY id`,
		statuses)
}

// ListExpired returns repositories whose retention deadline has passed.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]*models.Repository, error) {
	return s.listWhere(ctx,
		`SELECT `+repositoryColumns+` FROM repositories
		 WHERE expired_at IS NOT NULL AND expired_at < $1 ORDER BY id`,
		now)
}

// ListAutoSync returns repositories with auto-sync enabled.
func (s *Store) ListAutoSync(ctx context.Context) ([]*models.Repository, error) {
	return s.listWhere(ctx,
		`SELECT `+repositoryColumns+` FROM repositories
		 WHERE auto_sync_enabled AND auto_sync_schedule IS NOT NULL ORDER BY id`)
}

func (s *Store) listWhere(ctx context.Context, query string, args ...any) ([]*models.Repository, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query repositories: %w", err)
	}
	defer rows.Close()

	var repos []*models.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// Delete removes the repository record.
func (s *Store) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM repositories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete repository: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAtomically loads the repository under a row lock, applies fn, and
// persists the mutated record if fn returns true. The lock is held for the
// whole read-modify-write, serializing concurrent commands and poller
// transitions on the same row. Returns whether an update was written and the
// record as fn left it.
func (s *Store) UpdateAtomically(
	ctx context.Context,
	id int64,
	fn func(repo *models.Repository) (bool, error),
) (*models.Repository, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	repo, err := scanRepository(tx.QueryRow(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, false, err
	}

	update, err := fn(repo)
	if err != nil {
		return repo, false, err
	}
	if !update {
		return repo, false, tx.Commit(ctx)
	}

	err = tx.QueryRow(ctx, `
		UPDATE repositories SET
			commit_id = $2, status = $3, status_reason = $4, job_name = $5,
			retention_days = $6, expired_at = $7, auto_sync_enabled = $8,
			auto_sync_schedule = $9, last_synced_at = $10, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		repo.ID, repo.CommitID, repo.Status, repo.StatusReason, repo.JobName,
		repo.RetentionDays, repo.ExpiredAt, repo.AutoSyncEnabled,
		repo.AutoSyncSchedule, repo.LastSyncedAt,
	).Scan(&repo.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update repository: %w", err)
	}

	return repo, true, tx.Commit(ctx)
}
