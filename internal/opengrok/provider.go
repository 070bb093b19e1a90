// Package opengrok reports the health of the OpenGrok deployment the
// repository clones feed into.
package opengrok

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/crpaas/repo-manager/internal/config"
)

// dfCommand reports usage of the two OpenGrok volumes. The -P flag forces
// POSIX output with one line per filesystem.
var dfCommand = []string{"/bin/sh", "-c", "df -Pk /opengrok/src /opengrok/data"}

// PodExecutor runs a command inside a pod and returns its stdout.
type PodExecutor interface {
	Exec(ctx context.Context, podName string, command []string) (string, error)
}

// DeploymentStatus summarizes the OpenGrok Deployment's replica counts.
type DeploymentStatus struct {
	Name                string `json:"name"`
	Replicas            int32  `json:"replicas"`
	ReadyReplicas       int32  `json:"ready_replicas"`
	AvailableReplicas   int32  `json:"available_replicas"`
	UnavailableReplicas int32  `json:"unavailable_replicas"`
	UpdatedReplicas     int32  `json:"updated_replicas"`
}

// StorageUsage is one filesystem line from df, sizes in kilobytes.
type StorageUsage struct {
	Filesystem  string `json:"filesystem"`
	SizeKB      int64  `json:"size_kb"`
	UsedKB      int64  `json:"used_kb"`
	AvailableKB int64  `json:"available_kb"`
	UsePercent  string `json:"use_percent"`
	Mountpoint  string `json:"mountpoint"`
}

// PodStatus describes one running OpenGrok pod.
type PodStatus struct {
	PodName      string         `json:"pod_name"`
	PodStatus    string         `json:"pod_status"`
	PodIP        string         `json:"pod_ip"`
	NodeName     string         `json:"node_name"`
	StorageUsage []StorageUsage `json:"storage_usage"`
}

// StatusResponse is the full OpenGrok health report.
type StatusResponse struct {
	DeploymentStatus *DeploymentStatus `json:"deployment_status"`
	PodStatuses      []PodStatus       `json:"pod_statuses"`
}

// Provider reads OpenGrok state from the cluster.
type Provider struct {
	clientset      kubernetes.Interface
	exec           PodExecutor
	namespace      string
	labelSelector  string
	deploymentName string
}

// NewProvider creates a Provider. exec may be nil, in which case storage
// usage is omitted from pod statuses.
func NewProvider(clientset kubernetes.Interface, exec PodExecutor, namespace string, cfg config.OpenGrokConfig) *Provider {
	return &Provider{
		clientset:      clientset,
		exec:           exec,
		namespace:      namespace,
		labelSelector:  cfg.GetLabelSelector(),
		deploymentName: cfg.GetDeploymentName(),
	}
}

// Status reports the Deployment replica counts and per-pod state for all
// running OpenGrok pods. A missing Deployment leaves DeploymentStatus nil
// rather than failing the whole report.
func (p *Provider) Status(ctx context.Context) (*StatusResponse, error) {
	resp := &StatusResponse{PodStatuses: []PodStatus{}}

	deployment, err := p.clientset.AppsV1().Deployments(p.namespace).Get(ctx, p.deploymentName, metav1.GetOptions{})
	if err != nil {
		slog.Warn("Failed to read OpenGrok deployment", "deployment", p.deploymentName, "error", err)
	} else {
		resp.DeploymentStatus = &DeploymentStatus{
			Name:                deployment.Name,
			Replicas:            deployment.Status.Replicas,
			ReadyReplicas:       deployment.Status.ReadyReplicas,
			AvailableReplicas:   deployment.Status.AvailableReplicas,
			UnavailableReplicas: deployment.Status.UnavailableReplicas,
			UpdatedReplicas:     deployment.Status.UpdatedReplicas,
		}
	}

	pods, err := p.clientset.CoreV1().Pods(p.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: p.labelSelector,
		FieldSelector: "status.phase=Running",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list opengrok pods: %w", err)
	}

	for _, pod := range pods.Items {
		status := PodStatus{
			PodName:      pod.Name,
			PodStatus:    string(pod.Status.Phase),
			PodIP:        pod.Status.PodIP,
			NodeName:     pod.Spec.NodeName,
			StorageUsage: []StorageUsage{},
		}
		if p.exec != nil {
			out, err := p.exec.Exec(ctx, pod.Name, dfCommand)
			if err != nil {
				slog.Warn("Failed to read storage usage", "pod", pod.Name, "error", err)
			} else {
				status.StorageUsage = ParseDF(out)
			}
		}
		resp.PodStatuses = append(resp.PodStatuses, status)
	}

	return resp, nil
}

// Logs returns the last tailLines lines from the named pod.
func (p *Provider) Logs(ctx context.Context, podName string, tailLines int64) (string, error) {
	opts := &corev1.PodLogOptions{}
	if tailLines > 0 {
		opts.TailLines = &tailLines
	}

	raw, err := p.clientset.CoreV1().Pods(p.namespace).GetLogs(podName, opts).Do(ctx).Raw()
	if err != nil {
		return "", fmt.Errorf("failed to fetch logs for pod %s: %w", podName, err)
	}
	return string(raw), nil
}

// ParseDF parses POSIX df -Pk output into storage entries, skipping the
// header and anything that does not look like a data line.
func ParseDF(output string) []StorageUsage {
	usage := []StorageUsage{}

	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Filesystem") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 6 {
			continue
		}

		size, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		used, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			continue
		}
		available, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			continue
		}

		usage = append(usage, StorageUsage{
			Filesystem:  parts[0],
			SizeKB:      size,
			UsedKB:      used,
			AvailableKB: available,
			UsePercent:  parts[4],
			Mountpoint:  parts[5],
		})
	}

	return usage
}
