package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crpaas/repo-manager/internal/jobs"
	"github.com/crpaas/repo-manager/internal/models"
	"github.com/crpaas/repo-manager/internal/telemetry"
)

func newTestPoller(st *memStore, driver *stubDriver, trigger *stubTrigger) *Poller {
	return NewPoller(st, driver, trigger, telemetry.NewMetrics(), time.Second)
}

func TestPollerPendingToRunning(t *testing.T) {
	t.Parallel()

	st := newMemStore(&models.Repository{
		ProjectName: "linux", Status: models.StatusPending, JobName: "j1",
	})
	driver := newStubDriver()
	driver.setStatus("j1", jobs.Status{Phase: jobs.PhaseActive})

	newTestPoller(st, driver, &stubTrigger{}).reconcile(context.Background())

	assert.Equal(t, models.StatusRunning, st.get(1).Status)
}

func TestPollerSuccessCompletesAndReindexes(t *testing.T) {
	t.Parallel()

	st := newMemStore(&models.Repository{
		ProjectName: "linux", Status: models.StatusRunning, JobName: "j1",
	})
	driver := newStubDriver()
	driver.setStatus("j1", jobs.Status{Phase: jobs.PhaseSucceeded})
	trigger := &stubTrigger{}

	newTestPoller(st, driver, trigger).reconcile(context.Background())

	repo := st.get(1)
	assert.Equal(t, models.StatusCompleted, repo.Status)
	require.NotNil(t, repo.LastSyncedAt)
	assert.Equal(t, []string{"linux"}, trigger.calls())
}

func TestPollerReindexFailureDoesNotChangeStatus(t *testing.T) {
	t.Parallel()

	st := newMemStore(&models.Repository{
		ProjectName: "linux", Status: models.StatusRunning, JobName: "j1",
	})
	driver := newStubDriver()
	driver.setStatus("j1", jobs.Status{Phase: jobs.PhaseSucceeded})
	trigger := &stubTrigger{err: errStub}

	newTestPoller(st, driver, trigger).reconcile(context.Background())

	assert.Equal(t, models.StatusCompleted, st.get(1).Status)
}

func TestPollerFailureCarriesReason(t *testing.T) {
	t.Parallel()

	st := newMemStore(&models.Repository{
		ProjectName: "linux", Status: models.StatusRunning, JobName: "j1",
	})
	driver := newStubDriver()
	driver.setStatus("j1", jobs.Status{Phase: jobs.PhaseFailed, Reason: "BackoffLimitExceeded"})

	newTestPoller(st, driver, &stubTrigger{}).reconcile(context.Background())

	repo := st.get(1)
	assert.Equal(t, models.StatusFailed, repo.Status)
	assert.Equal(t, "BackoffLimitExceeded", repo.StatusReason)
}

func TestPollerMissingJobGraceWindow(t *testing.T) {
	t.Parallel()

	st := newMemStore(&models.Repository{
		ProjectName: "linux", Status: models.StatusPending, JobName: "j1",
		UpdatedAt: time.Now(),
	})
	driver := newStubDriver()
	poller := newTestPoller(st, driver, &stubTrigger{})

	// Within the grace window the missing Job is tolerated.
	poller.reconcile(context.Background())
	assert.Equal(t, models.StatusPending, st.get(1).Status)

	// Past the window it counts as externally deleted.
	poller.now = func() time.Time { return time.Now().Add(2 * missingJobGrace) }
	poller.reconcile(context.Background())

	repo := st.get(1)
	assert.Equal(t, models.StatusFailed, repo.Status)
	assert.Equal(t, "job not found", repo.StatusReason)
}

func TestPollerEmptyJobNameFailsAfterGrace(t *testing.T) {
	t.Parallel()

	// A crash between Job creation and the job-name write leaves a
	// pending row with no Job. It must terminate, not error every tick.
	st := newMemStore(&models.Repository{
		ProjectName: "linux", Status: models.StatusPending,
	})
	driver := newStubDriver()
	driver.statusErr = errStub

	newTestPoller(st, driver, &stubTrigger{}).reconcile(context.Background())

	repo := st.get(1)
	assert.Equal(t, models.StatusFailed, repo.Status)
	assert.Equal(t, "job not found", repo.StatusReason)
}

func TestPollerTransientStatusErrorLeavesRow(t *testing.T) {
	t.Parallel()

	st := newMemStore(&models.Repository{
		ProjectName: "linux", Status: models.StatusRunning, JobName: "j1",
	})
	driver := newStubDriver()
	driver.statusErr = errStub

	newTestPoller(st, driver, &stubTrigger{}).reconcile(context.Background())

	assert.Equal(t, models.StatusRunning, st.get(1).Status)
}

func TestPollerCleanupSuccessDeletesRow(t *testing.T) {
	t.Parallel()

	st := newMemStore(&models.Repository{
		ProjectName: "linux", Status: models.StatusDeleting, JobName: "c1",
	})
	driver := newStubDriver()
	driver.setStatus("c1", jobs.Status{Phase: jobs.PhaseSucceeded})

	newTestPoller(st, driver, &stubTrigger{}).reconcile(context.Background())

	assert.Nil(t, st.get(1), "row removed after verified cleanup")
}

func TestPollerCleanupFailureKeepsRow(t *testing.T) {
	t.Parallel()

	st := newMemStore(&models.Repository{
		ProjectName: "linux", Status: models.StatusDeleting, JobName: "c1",
	})
	driver := newStubDriver()
	driver.setStatus("c1", jobs.Status{Phase: jobs.PhaseFailed, Reason: "BackoffLimitExceeded"})

	newTestPoller(st, driver, &stubTrigger{}).reconcile(context.Background())

	repo := st.get(1)
	require.NotNil(t, repo)
	assert.Equal(t, models.StatusDeleting, repo.Status)
	assert.Equal(t, "cleanup failed: BackoffLimitExceeded", repo.StatusReason)
}

func TestPollerCleanupMissingIsRecreated(t *testing.T) {
	t.Parallel()

	st := newMemStore(&models.Repository{
		ProjectName: "linux", Status: models.StatusDeleting, JobName: "gone",
	})
	driver := newStubDriver()

	newTestPoller(st, driver, &stubTrigger{}).reconcile(context.Background())

	repo := st.get(1)
	require.NotNil(t, repo)
	assert.Equal(t, models.StatusDeleting, repo.Status)
	assert.Equal(t, "cleanup-linux", repo.JobName)
	assert.Equal(t, []string{"cleanup-linux"}, driver.started)
}

func TestPollerCleanupWithoutJobNameIsStarted(t *testing.T) {
	t.Parallel()

	st := newMemStore(&models.Repository{
		ProjectName: "linux", Status: models.StatusDeleting,
	})
	driver := newStubDriver()
	driver.statusErr = errStub

	newTestPoller(st, driver, &stubTrigger{}).reconcile(context.Background())

	repo := st.get(1)
	require.NotNil(t, repo)
	assert.Equal(t, "cleanup-linux", repo.JobName)
	assert.Equal(t, []string{"cleanup-linux"}, driver.started)
}

func TestPollerStartStop(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	poller := newTestPoller(st, newStubDriver(), &stubTrigger{})

	errCh := make(chan error, 1)
	go func() { errCh <- poller.Start(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, poller.Stop())
	require.NoError(t, <-errCh)
}
