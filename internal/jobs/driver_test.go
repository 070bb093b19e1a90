package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/crpaas/repo-manager/internal/config"
	"github.com/crpaas/repo-manager/internal/models"
)

func newTestDriver(t *testing.T, cloner config.ClonerConfig, objs ...client.Object) *Driver {
	t.Helper()

	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))

	c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).Build()
	return NewDriver(c, config.KubernetesConfig{Namespace: "codesearch", PVCName: "source-pvc"}, cloner)
}

func testRepo() *models.Repository {
	return &models.Repository{
		ID:                7,
		ProjectName:       "linux",
		RepoURL:           "https://github.com/torvalds/linux.git",
		CommitID:          "v6.6",
		PVCPath:           "linux",
		CloneSingleBranch: true,
	}
}

func TestStartCloneCreatesJob(t *testing.T) {
	t.Parallel()

	d := newTestDriver(t, config.ClonerConfig{Image: "git-cloner:1", ScriptConfigMap: "cloner-script"})

	jobName, err := d.StartClone(context.Background(), testRepo())
	require.NoError(t, err)
	require.NotEmpty(t, jobName)

	var job batchv1.Job
	require.NoError(t, d.client.Get(context.Background(),
		client.ObjectKey{Name: jobName, Namespace: "codesearch"}, &job))

	require.Len(t, job.Spec.Template.Spec.Containers, 1)
	container := job.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "git-cloner:1", container.Image)
	assert.Equal(t, []string{cloneScript}, container.Command)
	assert.Equal(t, []string{
		"https://github.com/torvalds/linux.git",
		"/pvc/src/linux",
		"v6.6",
		"true",
		"false",
	}, container.Args)

	require.NotNil(t, job.Spec.BackoffLimit)
	assert.Equal(t, int32(3), *job.Spec.BackoffLimit)
	require.NotNil(t, job.Spec.TTLSecondsAfterFinished)
	assert.Equal(t, corev1.RestartPolicyNever, job.Spec.Template.Spec.RestartPolicy)

	// No SSH volume for an HTTPS clone.
	for _, v := range job.Spec.Template.Spec.Volumes {
		assert.NotEqual(t, sshVolumeName, v.Name)
	}
}

func TestStartCloneMountsSSHCredentials(t *testing.T) {
	t.Parallel()

	d := newTestDriver(t, config.ClonerConfig{
		Image:           "git-cloner:1",
		ScriptConfigMap: "cloner-script",
		SSHSecretName:   "git-ssh-key",
		SSHKeyFileKey:   "id_rsa",
		SSHConfigMap:    "git-ssh-config",
	})

	repo := testRepo()
	repo.RepoURL = "git@github.com:torvalds/linux.git"

	jobName, err := d.StartClone(context.Background(), repo)
	require.NoError(t, err)

	var job batchv1.Job
	require.NoError(t, d.client.Get(context.Background(),
		client.ObjectKey{Name: jobName, Namespace: "codesearch"}, &job))

	var sshVolume *corev1.Volume
	for i, v := range job.Spec.Template.Spec.Volumes {
		if v.Name == sshVolumeName {
			sshVolume = &job.Spec.Template.Spec.Volumes[i]
		}
	}
	require.NotNil(t, sshVolume, "expected projected ssh volume")
	require.NotNil(t, sshVolume.Projected)
	require.Len(t, sshVolume.Projected.Sources, 2)
	assert.Equal(t, "git-ssh-key", sshVolume.Projected.Sources[0].Secret.Name)

	var sshMount *corev1.VolumeMount
	for i, m := range job.Spec.Template.Spec.Containers[0].VolumeMounts {
		if m.Name == sshVolumeName {
			sshMount = &job.Spec.Template.Spec.Containers[0].VolumeMounts[i]
		}
	}
	require.NotNil(t, sshMount)
	assert.Equal(t, "/root/.ssh", sshMount.MountPath)
	assert.True(t, sshMount.ReadOnly)
}

func TestStartCleanup(t *testing.T) {
	t.Parallel()

	d := newTestDriver(t, config.ClonerConfig{Image: "git-cloner:1", ScriptConfigMap: "cloner-script"})

	jobName, err := d.StartCleanup(context.Background(), testRepo())
	require.NoError(t, err)

	var job batchv1.Job
	require.NoError(t, d.client.Get(context.Background(),
		client.ObjectKey{Name: jobName, Namespace: "codesearch"}, &job))

	container := job.Spec.Template.Spec.Containers[0]
	assert.Equal(t, []string{"/bin/sh", "-c"}, container.Command)
	require.Len(t, container.Args, 1)
	assert.Contains(t, container.Args[0], "/pvc/src/linux")
	assert.Contains(t, container.Args[0], "rm -rf")
}

func TestDeleteJobMissingIsNoError(t *testing.T) {
	t.Parallel()

	d := newTestDriver(t, config.ClonerConfig{Image: "img", ScriptConfigMap: "cm"})
	assert.NoError(t, d.DeleteJob(context.Background(), "no-such-job"))
}

func TestGetStatus(t *testing.T) {
	t.Parallel()

	makeJob := func(status batchv1.JobStatus) *batchv1.Job {
		return &batchv1.Job{
			ObjectMeta: metav1.ObjectMeta{Name: "j", Namespace: "codesearch"},
			Status:     status,
		}
	}

	tests := []struct {
		name       string
		job        *batchv1.Job
		wantPhase  Phase
		wantReason string
	}{
		{
			name:      "missing job",
			job:       nil,
			wantPhase: PhaseNotFound,
		},
		{
			name:      "no attempts yet",
			job:       makeJob(batchv1.JobStatus{}),
			wantPhase: PhasePending,
		},
		{
			name:      "active attempt",
			job:       makeJob(batchv1.JobStatus{Active: 1}),
			wantPhase: PhaseActive,
		},
		{
			name: "complete condition",
			job: makeJob(batchv1.JobStatus{
				Conditions: []batchv1.JobCondition{
					{Type: batchv1.JobComplete, Status: corev1.ConditionTrue},
				},
			}),
			wantPhase: PhaseSucceeded,
		},
		{
			name: "failed condition carries reason",
			job: makeJob(batchv1.JobStatus{
				Conditions: []batchv1.JobCondition{
					{Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Reason: "BackoffLimitExceeded"},
				},
			}),
			wantPhase:  PhaseFailed,
			wantReason: "BackoffLimitExceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var objs []client.Object
			if tt.job != nil {
				objs = append(objs, tt.job)
			}
			d := newTestDriver(t, config.ClonerConfig{Image: "img", ScriptConfigMap: "cm"}, objs...)

			status, err := d.GetStatus(context.Background(), "j")
			require.NoError(t, err)
			assert.Equal(t, tt.wantPhase, status.Phase)
			if tt.wantReason != "" {
				assert.Contains(t, status.Reason, tt.wantReason)
			}
		})
	}
}

func TestIsSSHURL(t *testing.T) {
	t.Parallel()

	assert.True(t, IsSSHURL("git@github.com:x/y.git"))
	assert.True(t, IsSSHURL("ssh://git@host/x.git"))
	assert.False(t, IsSSHURL("https://github.com/x/y.git"))
	assert.False(t, IsSSHURL("git://host/x.git"))
}
