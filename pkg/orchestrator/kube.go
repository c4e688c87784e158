// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/archestra/gateway/pkg/logging"
)

// pollInterval paces the readiness checks in RunningPod.
const pollInterval = 500 * time.Millisecond

// Kube is the client-go implementation of Orchestrator.
type Kube struct {
	client     kubernetes.Interface
	restConfig *rest.Config
	namespace  string
}

// NewKube connects to the cluster. With a kubeconfig path it loads the file
// the way kubectl does; otherwise it assumes an in-cluster service account.
func NewKube(namespace, kubeconfigPath string) (*Kube, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfigPath != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}

	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	return &Kube{client: client, restConfig: cfg, namespace: namespace}, nil
}

func serverSelector(serverID string) metav1.ListOptions {
	return metav1.ListOptions{LabelSelector: LabelServerID + "=" + serverID}
}

// EnsureDeployment scales the server's deployment to one replica when it is
// parked at zero. The deployment itself is created by the control plane; a
// missing one is a configuration error, not something the gateway repairs.
func (o *Kube) EnsureDeployment(ctx context.Context, serverID string) error {
	deployments, err := o.client.AppsV1().Deployments(o.namespace).List(ctx, serverSelector(serverID))
	if err != nil {
		return fmt.Errorf("failed to list deployments for server %s: %w", serverID, err)
	}
	if len(deployments.Items) == 0 {
		return fmt.Errorf("no deployment found for server %s in namespace %s", serverID, o.namespace)
	}

	deployment := &deployments.Items[0]
	if deployment.Spec.Replicas != nil && *deployment.Spec.Replicas > 0 {
		return nil
	}

	replicas := int32(1)
	deployment.Spec.Replicas = &replicas
	if _, err := o.client.AppsV1().Deployments(o.namespace).Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to scale up deployment %s: %w", deployment.Name, err)
	}
	logging.GetLogger().Info("Scaled up MCP server deployment", "server_id", serverID, "deployment", deployment.Name)
	return nil
}

// RunningPod polls for a ready pod backing the server. The caller bounds the
// wait through ctx.
func (o *Kube) RunningPod(ctx context.Context, serverID string) (*Pod, error) {
	var found *Pod
	err := wait.PollUntilContextCancel(ctx, pollInterval, true, func(ctx context.Context) (bool, error) {
		pods, err := o.client.CoreV1().Pods(o.namespace).List(ctx, serverSelector(serverID))
		if err != nil {
			return false, err
		}
		for i := range pods.Items {
			pod := &pods.Items[i]
			if !isPodReady(pod) {
				continue
			}
			found = &Pod{
				Namespace: pod.Namespace,
				Name:      pod.Name,
				Container: pod.Spec.Containers[0].Name,
			}
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("no running pod for server %s: %w", serverID, err)
	}
	return found, nil
}

func isPodReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning || pod.DeletionTimestamp != nil {
		return false
	}
	if len(pod.Spec.Containers) == 0 {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// Attach streams stdio to the pod's container over the attach subresource.
func (o *Kube) Attach(ctx context.Context, pod *Pod, stdin io.Reader, stdout io.Writer) error {
	req := o.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(pod.Namespace).
		Name(pod.Name).
		SubResource("attach").
		VersionedParams(&corev1.PodAttachOptions{
			Container: pod.Container,
			Stdin:     true,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(o.restConfig, http.MethodPost, req.URL())
	if err != nil {
		return fmt.Errorf("failed to create attach executor for pod %s: %w", pod.Name, err)
	}
	return exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: &stderrLogger{pod: pod.Name},
	})
}

// HTTPEndpoint resolves the cluster DNS URL of the server's service.
func (o *Kube) HTTPEndpoint(ctx context.Context, serverID string) (string, error) {
	services, err := o.client.CoreV1().Services(o.namespace).List(ctx, serverSelector(serverID))
	if err != nil {
		return "", fmt.Errorf("failed to list services for server %s: %w", serverID, err)
	}
	if len(services.Items) == 0 {
		return "", fmt.Errorf("no service found for server %s in namespace %s", serverID, o.namespace)
	}
	svc := &services.Items[0]
	if len(svc.Spec.Ports) == 0 {
		return "", fmt.Errorf("service %s for server %s exposes no ports", svc.Name, serverID)
	}
	return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d/mcp", svc.Name, svc.Namespace, svc.Spec.Ports[0].Port), nil
}

// stderrLogger forwards container stderr to the application log so crashed
// tool servers leave a trace.
type stderrLogger struct {
	pod string
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	if msg := strings.TrimSpace(string(p)); msg != "" {
		logging.GetLogger().Warn("MCP server stderr", "pod", w.pod, "output", msg)
	}
	return len(p), nil
}
