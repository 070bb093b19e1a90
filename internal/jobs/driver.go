// Package jobs builds and manages the one-shot cluster Jobs that clone,
// sync, and clean up repositories on the shared source volume.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/crpaas/repo-manager/internal/config"
	"github.com/crpaas/repo-manager/internal/models"
)

const (
	// sourceMountPath is where the shared volume is mounted inside Jobs.
	sourceMountPath = "/pvc/src"

	scriptMountPath = "/scripts"
	cloneScript     = "/scripts/git-clone-or-pull.sh"

	sourceVolumeName = "source-code-storage"
	scriptVolumeName = "cloner-script"
	sshVolumeName    = "ssh-volume"

	syncJobLabel    = "repo-manager/git-sync"
	cleanupJobLabel = "repo-manager/git-cleanup"

	// syncJobTTL removes finished sync Jobs after an hour; cleanup Jobs
	// are short-lived and reaped faster.
	syncJobTTL    int32 = 3600
	cleanupJobTTL int32 = 300
)

// Phase is the observed phase of a cluster Job.
type Phase string

const (
	// PhaseNotFound means the Job does not exist on the cluster.
	PhaseNotFound Phase = "not-found"

	// PhasePending means the Job exists but has no active, succeeded, or
	// failed attempts yet.
	PhasePending Phase = "pending"

	// PhaseActive means the Job has at least one running attempt.
	PhaseActive Phase = "active"

	// PhaseSucceeded means the Job completed successfully.
	PhaseSucceeded Phase = "succeeded"

	// PhaseFailed means the Job exhausted its retry budget.
	PhaseFailed Phase = "failed"
)

// Status is the observed state of a Job, with a reason for failures.
type Status struct {
	Phase  Phase
	Reason string
}

// JobDriver creates, observes, and deletes cloner Jobs.
type JobDriver interface {
	// StartClone creates a Job that clones the repository onto the shared
	// volume and returns the Job name.
	StartClone(ctx context.Context, repo *models.Repository) (string, error)

	// StartSync creates a Job that fetches and re-checks-out an existing
	// clone. The Job shape matches StartClone; the worker script detects
	// the existing path and pulls instead of cloning.
	StartSync(ctx context.Context, repo *models.Repository) (string, error)

	// StartCleanup creates a Job that removes the repository's directory
	// from the shared volume.
	StartCleanup(ctx context.Context, repo *models.Repository) (string, error)

	// DeleteJob removes a Job and its pods. Deleting a missing Job is not
	// an error.
	DeleteJob(ctx context.Context, jobName string) error

	// GetStatus reads the Job's current phase.
	GetStatus(ctx context.Context, jobName string) (Status, error)
}

// Driver is the cluster-backed JobDriver implementation.
type Driver struct {
	client    client.Client
	namespace string
	pvcName   string
	cloner    config.ClonerConfig
}

// NewDriver creates a Driver using the given controller-runtime client.
func NewDriver(c client.Client, k8s config.KubernetesConfig, cloner config.ClonerConfig) *Driver {
	return &Driver{
		client:    c,
		namespace: k8s.Namespace,
		pvcName:   k8s.PVCName,
		cloner:    cloner,
	}
}

// IsSSHURL reports whether a repository URL uses SSH transport.
func IsSSHURL(repoURL string) bool {
	return strings.HasPrefix(repoURL, "ssh://") || strings.HasPrefix(repoURL, "git@")
}

// StartClone creates a clone Job for the repository.
func (d *Driver) StartClone(ctx context.Context, repo *models.Repository) (string, error) {
	return d.startSyncJob(ctx, repo)
}

// StartSync creates a sync Job for the repository. The revision pin is
// re-applied so sync can also move the clone to a new commit.
func (d *Driver) StartSync(ctx context.Context, repo *models.Repository) (string, error) {
	return d.startSyncJob(ctx, repo)
}

func (d *Driver) startSyncJob(ctx context.Context, repo *models.Repository) (string, error) {
	jobName := SyncJobName(repo.ProjectName, repo.RepoURL, repo.CommitID, time.Now())
	job := d.buildSyncJob(jobName, repo)

	if err := d.client.Create(ctx, job); err != nil {
		return "", fmt.Errorf("failed to create sync job %s: %w", jobName, err)
	}

	slog.Info("Created sync job",
		"repository_id", repo.ID, "job", jobName, "url", repo.RepoURL)
	return jobName, nil
}

// StartCleanup creates a Job that deletes the repository's clone directory.
// The manager pod does not mount the source volume, so removal has to run as
// a Job with the same PVC mount the cloner uses.
func (d *Driver) StartCleanup(ctx context.Context, repo *models.Repository) (string, error) {
	jobName := CleanupJobName(repo.ProjectName, repo.PVCPath, time.Now())
	job := d.buildCleanupJob(jobName, repo.PVCPath)

	if err := d.client.Create(ctx, job); err != nil {
		return "", fmt.Errorf("failed to create cleanup job %s: %w", jobName, err)
	}

	slog.Info("Created cleanup job",
		"repository_id", repo.ID, "job", jobName, "pvc_path", repo.PVCPath)
	return jobName, nil
}

// DeleteJob removes a Job and propagates deletion to its pods.
func (d *Driver) DeleteJob(ctx context.Context, jobName string) error {
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: jobName, Namespace: d.namespace},
	}
	propagation := metav1.DeletePropagationBackground
	err := d.client.Delete(ctx, job, &client.DeleteOptions{PropagationPolicy: &propagation})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete job %s: %w", jobName, err)
	}
	return nil
}

// GetStatus reads the referenced Job and maps its conditions to a Phase.
func (d *Driver) GetStatus(ctx context.Context, jobName string) (Status, error) {
	var job batchv1.Job
	key := types.NamespacedName{Name: jobName, Namespace: d.namespace}
	if err := d.client.Get(ctx, key, &job); err != nil {
		if apierrors.IsNotFound(err) {
			return Status{Phase: PhaseNotFound}, nil
		}
		return Status{}, fmt.Errorf("failed to get job %s: %w", jobName, err)
	}

	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete, batchv1.JobSuccessCriteriaMet:
			return Status{Phase: PhaseSucceeded}, nil
		case batchv1.JobFailed:
			reason := cond.Reason
			if cond.Message != "" {
				reason = fmt.Sprintf("%s: %s", cond.Reason, cond.Message)
			}
			return Status{Phase: PhaseFailed, Reason: reason}, nil
		}
	}

	if job.Status.Succeeded > 0 {
		return Status{Phase: PhaseSucceeded}, nil
	}
	if job.Status.Active > 0 {
		return Status{Phase: PhaseActive}, nil
	}
	return Status{Phase: PhasePending}, nil
}

func (d *Driver) buildSyncJob(jobName string, repo *models.Repository) *batchv1.Job {
	scriptMode := int32(0o755)

	volumes := []corev1.Volume{
		{
			Name: sourceVolumeName,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: d.pvcName,
				},
			},
		},
		{
			Name: scriptVolumeName,
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{
						Name: d.cloner.ScriptConfigMap,
					},
					DefaultMode: &scriptMode,
				},
			},
		},
	}
	mounts := []corev1.VolumeMount{
		{Name: sourceVolumeName, MountPath: sourceMountPath},
		{Name: scriptVolumeName, MountPath: scriptMountPath},
	}

	if d.cloner.SSHEnabled() && IsSSHURL(repo.RepoURL) {
		volumes = append(volumes, d.sshVolume())
		mounts = append(mounts, corev1.VolumeMount{
			Name:      sshVolumeName,
			MountPath: d.cloner.GetSSHMountPath(),
			ReadOnly:  true,
		})
	}

	backoffLimit := d.cloner.GetBackoffLimit()
	ttl := syncJobTTL

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: d.namespace,
			Labels:    map[string]string{"app": syncJobLabel},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"app": syncJobLabel},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:    "git-cloner",
							Image:   d.cloner.Image,
							Command: []string{cloneScript},
							Args: []string{
								repo.RepoURL,
								fmt.Sprintf("%s/%s", sourceMountPath, repo.PVCPath),
								repo.CommitID,
								strconv.FormatBool(repo.CloneSingleBranch),
								strconv.FormatBool(repo.CloneRecursive),
							},
							VolumeMounts: mounts,
						},
					},
					Volumes: volumes,
				},
			},
		},
	}
}

func (d *Driver) sshVolume() corev1.Volume {
	keyMode := int32(0o400)
	defaultMode := int32(0o644)

	sources := []corev1.VolumeProjection{
		{
			Secret: &corev1.SecretProjection{
				LocalObjectReference: corev1.LocalObjectReference{
					Name: d.cloner.SSHSecretName,
				},
				Items: []corev1.KeyToPath{
					{Key: d.cloner.SSHKeyFileKey, Path: "id_rsa", Mode: &keyMode},
				},
			},
		},
	}
	if d.cloner.SSHConfigMap != "" {
		sources = append(sources, corev1.VolumeProjection{
			ConfigMap: &corev1.ConfigMapProjection{
				LocalObjectReference: corev1.LocalObjectReference{
					Name: d.cloner.SSHConfigMap,
				},
				Items: []corev1.KeyToPath{
					{Key: "config", Path: "config", Mode: &keyMode},
				},
			},
		})
	}

	return corev1.Volume{
		Name: sshVolumeName,
		VolumeSource: corev1.VolumeSource{
			Projected: &corev1.ProjectedVolumeSource{
				DefaultMode: &defaultMode,
				Sources:     sources,
			},
		},
	}
}

func (d *Driver) buildCleanupJob(jobName, pvcPath string) *batchv1.Job {
	targetDir := fmt.Sprintf("%s/%s", sourceMountPath, pvcPath)
	script := fmt.Sprintf(`set -eu
TARGET_DIR=%q
if [ -d "$TARGET_DIR" ]; then
    rm -rf "$TARGET_DIR"
    echo "deleted $TARGET_DIR"
else
    echo "not found $TARGET_DIR, skipping"
fi
`, targetDir)

	ttl := cleanupJobTTL

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: d.namespace,
			Labels:    map[string]string{"app": cleanupJobLabel},
		},
		Spec: batchv1.JobSpec{
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"app": cleanupJobLabel},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:    "git-cleaner",
							Image:   d.cloner.Image,
							Command: []string{"/bin/sh", "-c"},
							Args:    []string{script},
							VolumeMounts: []corev1.VolumeMount{
								{Name: sourceVolumeName, MountPath: sourceMountPath},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: sourceVolumeName,
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
									ClaimName: d.pvcName,
								},
							},
						},
					},
				},
			},
		},
	}
}
