package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/crpaas/repo-manager/internal/jobs"
	"github.com/crpaas/repo-manager/internal/models"
	"github.com/crpaas/repo-manager/internal/service"
	"github.com/crpaas/repo-manager/internal/store"
)

// memStore is an in-memory service.Store for loop tests.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	repos  map[int64]*models.Repository

	listErr error
}

func newMemStore(repos ...*models.Repository) *memStore {
	m := &memStore{repos: map[int64]*models.Repository{}}
	for _, repo := range repos {
		m.nextID++
		repo.ID = m.nextID
		if repo.UpdatedAt.IsZero() {
			repo.UpdatedAt = time.Now().Add(-time.Hour)
		}
		clone := *repo
		m.repos[repo.ID] = &clone
	}
	return m
}

func (m *memStore) get(id int64) *models.Repository {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, ok := m.repos[id]
	if !ok {
		return nil
	}
	clone := *repo
	return &clone
}

func (m *memStore) Create(_ context.Context, repo *models.Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	repo.ID = m.nextID
	clone := *repo
	m.repos[repo.ID] = &clone
	return nil
}

func (m *memStore) GetByID(_ context.Context, id int64) (*models.Repository, error) {
	repo := m.get(id)
	if repo == nil {
		return nil, store.ErrNotFound
	}
	return repo, nil
}

func (m *memStore) GetByProjectName(_ context.Context, name string) (*models.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, repo := range m.repos {
		if repo.ProjectName == name {
			clone := *repo
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) List(_ context.Context) ([]*models.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Repository{}
	for _, repo := range m.repos {
		clone := *repo
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memStore) ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Repository, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	all, _ := m.List(ctx)
	out := []*models.Repository{}
	for _, repo := range all {
		for _, status := range statuses {
			if repo.Status == status {
				out = append(out, repo)
			}
		}
	}
	return out, nil
}

func (m *memStore) ListExpired(ctx context.Context, now time.Time) ([]*models.Repository, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	all, _ := m.List(ctx)
	out := []*models.Repository{}
	for _, repo := range all {
		if repo.Expired(now) {
			out = append(out, repo)
		}
	}
	return out, nil
}

func (m *memStore) ListAutoSync(ctx context.Context) ([]*models.Repository, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	all, _ := m.List(ctx)
	out := []*models.Repository{}
	for _, repo := range all {
		if repo.AutoSyncEnabled {
			out = append(out, repo)
		}
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.repos[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.repos, id)
	return nil
}

func (m *memStore) UpdateAtomically(
	_ context.Context,
	id int64,
	fn func(repo *models.Repository) (bool, error),
) (*models.Repository, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	repo, ok := m.repos[id]
	if !ok {
		return nil, false, store.ErrNotFound
	}

	working := *repo
	update, err := fn(&working)
	if err != nil {
		return &working, false, err
	}
	if !update {
		return &working, false, nil
	}
	working.UpdatedAt = time.Now()
	m.repos[id] = &working
	clone := working
	return &clone, true, nil
}

var _ service.Store = (*memStore)(nil)

// stubDriver serves canned Job statuses.
type stubDriver struct {
	mu         sync.Mutex
	statuses   map[string]jobs.Status
	statusErr  error
	cleanupErr error
	started    []string
}

func newStubDriver() *stubDriver {
	return &stubDriver{statuses: map[string]jobs.Status{}}
}

func (d *stubDriver) setStatus(jobName string, status jobs.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses[jobName] = status
}

func (d *stubDriver) StartClone(_ context.Context, _ *models.Repository) (string, error) {
	return "clone-job", nil
}

func (d *stubDriver) StartSync(_ context.Context, _ *models.Repository) (string, error) {
	return "sync-job", nil
}

func (d *stubDriver) StartCleanup(_ context.Context, repo *models.Repository) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cleanupErr != nil {
		return "", d.cleanupErr
	}
	name := "cleanup-" + repo.ProjectName
	d.started = append(d.started, name)
	return name, nil
}

func (d *stubDriver) DeleteJob(_ context.Context, _ string) error { return nil }

func (d *stubDriver) GetStatus(_ context.Context, jobName string) (jobs.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.statusErr != nil {
		return jobs.Status{}, d.statusErr
	}
	status, ok := d.statuses[jobName]
	if !ok {
		return jobs.Status{Phase: jobs.PhaseNotFound}, nil
	}
	return status, nil
}

var _ jobs.JobDriver = (*stubDriver)(nil)

// stubTrigger records reindex calls.
type stubTrigger struct {
	mu       sync.Mutex
	err      error
	projects []string
}

func (t *stubTrigger) Reindex(_ context.Context, projectName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.projects = append(t.projects, projectName)
	return t.err
}

func (t *stubTrigger) calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.projects...)
}

// stubCommands records service commands issued by the loops.
type stubCommands struct {
	mu        sync.Mutex
	syncErr   error
	deleteErr error
	synced    []int64
	deleted   []int64
}

func (c *stubCommands) Sync(_ context.Context, id int64) (*models.Repository, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.syncErr != nil {
		return nil, c.syncErr
	}
	c.synced = append(c.synced, id)
	return &models.Repository{ID: id, Status: models.StatusPending}, nil
}

func (c *stubCommands) Delete(_ context.Context, id int64) (*models.Repository, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleteErr != nil {
		return nil, c.deleteErr
	}
	c.deleted = append(c.deleted, id)
	return &models.Repository{ID: id, Status: models.StatusDeleting}, nil
}

var errStub = errors.New("stub failure")
