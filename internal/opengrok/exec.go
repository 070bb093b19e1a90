package opengrok

import (
	"bytes"
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

// SPDYExecutor runs commands in pods through the API server's exec
// subresource.
type SPDYExecutor struct {
	clientset  kubernetes.Interface
	restConfig *rest.Config
	namespace  string
}

// NewSPDYExecutor creates a PodExecutor backed by the given cluster config.
func NewSPDYExecutor(clientset kubernetes.Interface, restConfig *rest.Config, namespace string) *SPDYExecutor {
	return &SPDYExecutor{clientset: clientset, restConfig: restConfig, namespace: namespace}
}

// Exec runs the command in the pod and returns its stdout. Stderr is folded
// into the returned error on failure.
func (e *SPDYExecutor) Exec(ctx context.Context, podName string, command []string) (string, error) {
	req := e.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(e.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Command: command,
			Stdout:  true,
			Stderr:  true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(e.restConfig, "POST", req.URL())
	if err != nil {
		return "", fmt.Errorf("failed to create executor for pod %s: %w", podName, err)
	}

	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		return "", fmt.Errorf("exec in pod %s failed: %w (stderr: %s)", podName, err, stderr.String())
	}

	return stdout.String(), nil
}
