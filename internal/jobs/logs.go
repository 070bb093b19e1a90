package jobs

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// jobNameLabel is the label the Job controller puts on pods it creates.
const jobNameLabel = "job-name"

// LogReader retrieves logs from the pods a Job creates. Log streaming is not
// part of the typed controller-runtime client, so this goes through a
// client-go clientset.
type LogReader struct {
	clientset kubernetes.Interface
	namespace string
}

// NewLogReader creates a LogReader for the given namespace.
func NewLogReader(clientset kubernetes.Interface, namespace string) *LogReader {
	return &LogReader{clientset: clientset, namespace: namespace}
}

// JobLogs returns the last tailLines lines of the newest pod belonging to
// the named Job.
func (l *LogReader) JobLogs(ctx context.Context, jobName string, tailLines int64) (string, error) {
	pods, err := l.clientset.CoreV1().Pods(l.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", jobNameLabel, jobName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list pods for job %s: %w", jobName, err)
	}
	if len(pods.Items) == 0 {
		return "", fmt.Errorf("no pods found for job %s", jobName)
	}

	// With retries a Job can have several pods; the newest one holds the
	// most recent attempt.
	newest := pods.Items[0]
	for _, pod := range pods.Items[1:] {
		if pod.CreationTimestamp.After(newest.CreationTimestamp.Time) {
			newest = pod
		}
	}

	return l.PodLogs(ctx, newest.Name, tailLines)
}

// PodLogs returns the last tailLines lines of the named pod's logs.
func (l *LogReader) PodLogs(ctx context.Context, podName string, tailLines int64) (string, error) {
	opts := &corev1.PodLogOptions{}
	if tailLines > 0 {
		opts.TailLines = &tailLines
	}

	raw, err := l.clientset.CoreV1().Pods(l.namespace).GetLogs(podName, opts).Do(ctx).Raw()
	if err != nil {
		return "", fmt.Errorf("failed to fetch logs for pod %s: %w", podName, err)
	}
	return string(raw), nil
}
