// Package kube applies remediation actions to a Kubernetes cluster through client-go.
package kube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/miradorstack/mirador-remediator/internal/executor"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

// RestartAnnotation is the pod template annotation kubectl uses for rollout restarts.
const RestartAnnotation = "kubectl.kubernetes.io/restartedAt"

// Backend implements executor.Backend against the Kubernetes API.
type Backend struct {
	client           kubernetes.Interface
	defaultNamespace string
	logger           *slog.Logger
	now              func() time.Time
}

// New wraps an existing clientset.
func New(client kubernetes.Interface, defaultNamespace string, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultNamespace == "" {
		defaultNamespace = metav1.NamespaceDefault
	}
	return &Backend{client: client, defaultNamespace: defaultNamespace, logger: logger, now: time.Now}
}

// NewFromKubeconfig builds a clientset from a kubeconfig path, falling back to
// the in-cluster service account when the path is empty.
func NewFromKubeconfig(kubeconfig, defaultNamespace string, logger *slog.Logger) (*Backend, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return New(client, defaultNamespace, logger), nil
}

// Apply dispatches req by action type.
func (b *Backend) Apply(ctx context.Context, req executor.Request) (executor.Response, error) {
	ns := req.Namespace
	if ns == "" {
		ns = b.defaultNamespace
	}
	logger := b.logger.With(
		slog.String("action", string(req.Type)),
		slog.String("namespace", ns),
		slog.String("target", req.Target),
		slog.String("idempotency_key", req.IdempotencyKey))

	var (
		resp executor.Response
		err  error
	)
	switch req.Type {
	case models.ActionRolloutRestart:
		resp, err = b.rolloutRestart(ctx, ns, req.Target)
	case models.ActionScaleDeployment:
		resp, err = b.scale(ctx, ns, req.Target, req.Parameters)
	case models.ActionDeletePod:
		resp, err = b.deletePod(ctx, ns, req.Target)
	case models.ActionCleanupLogs:
		err = executor.Fatal(fmt.Errorf("%s is not supported by the kubernetes backend", req.Type))
	default:
		err = executor.Fatal(fmt.Errorf("unknown action type %q", req.Type))
	}
	if err != nil {
		logger.Warn("kubernetes action failed", slog.Any("error", err))
		return executor.Response{}, err
	}
	logger.Info("kubernetes action applied", slog.String("message", resp.Message))
	return resp, nil
}

func (b *Backend) rolloutRestart(ctx context.Context, ns, target string) (executor.Response, error) {
	name, err := b.deploymentFor(ctx, ns, target)
	if err != nil {
		return executor.Response{}, err
	}
	patch := map[string]any{
		"spec": map[string]any{
			"template": map[string]any{
				"metadata": map[string]any{
					"annotations": map[string]string{RestartAnnotation: b.now().UTC().Format(time.RFC3339)},
				},
			},
		},
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return executor.Response{}, executor.Fatal(err)
	}
	if _, err := b.client.AppsV1().Deployments(ns).Patch(ctx, name, types.StrategicMergePatchType, raw, metav1.PatchOptions{}); err != nil {
		return executor.Response{}, classify(err)
	}
	return executor.Response{Success: true, Message: fmt.Sprintf("restarted deployment %s/%s", ns, name), Raw: raw}, nil
}

func (b *Backend) scale(ctx context.Context, ns, target string, params map[string]string) (executor.Response, error) {
	replicas, err := strconv.Atoi(params["replicas"])
	if err != nil || replicas < 0 {
		return executor.Response{}, executor.Fatal(fmt.Errorf("invalid replicas parameter %q", params["replicas"]))
	}
	name, err := b.deploymentFor(ctx, ns, target)
	if err != nil {
		return executor.Response{}, err
	}
	raw, err := json.Marshal(map[string]any{"spec": map[string]any{"replicas": replicas}})
	if err != nil {
		return executor.Response{}, executor.Fatal(err)
	}
	if _, err := b.client.AppsV1().Deployments(ns).Patch(ctx, name, types.MergePatchType, raw, metav1.PatchOptions{}); err != nil {
		return executor.Response{}, classify(err)
	}
	return executor.Response{Success: true, Message: fmt.Sprintf("scaled deployment %s/%s to %d replicas", ns, name, replicas), Raw: raw}, nil
}

func (b *Backend) deletePod(ctx context.Context, ns, pod string) (executor.Response, error) {
	err := b.client.CoreV1().Pods(ns).Delete(ctx, pod, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		// Already gone.
		return executor.Response{Success: true, Message: fmt.Sprintf("pod %s/%s already deleted", ns, pod)}, nil
	}
	if err != nil {
		return executor.Response{}, classify(err)
	}
	return executor.Response{Success: true, Message: fmt.Sprintf("deleted pod %s/%s", ns, pod)}, nil
}

// deploymentFor resolves target to a deployment name. A pod name such as
// "checkout-7d9f8b6c4-x2x9q" resolves to "checkout".
func (b *Backend) deploymentFor(ctx context.Context, ns, target string) (string, error) {
	_, err := b.client.AppsV1().Deployments(ns).Get(ctx, target, metav1.GetOptions{})
	if err == nil {
		return target, nil
	}
	if !apierrors.IsNotFound(err) {
		return "", classify(err)
	}
	owner := DeploymentFromPod(target)
	if owner == target {
		return "", classify(err)
	}
	if _, err := b.client.AppsV1().Deployments(ns).Get(ctx, owner, metav1.GetOptions{}); err != nil {
		return "", classify(err)
	}
	return owner, nil
}

// DeploymentFromPod strips the replicaset hash and pod suffix from a pod name.
func DeploymentFromPod(pod string) string {
	parts := strings.Split(pod, "-")
	if len(parts) < 3 {
		return pod
	}
	return strings.Join(parts[:len(parts)-2], "-")
}

// classify maps API errors onto retryable or fatal execution errors.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err), apierrors.IsTooManyRequests(err),
		apierrors.IsConflict(err), apierrors.IsInternalError(err), apierrors.IsServiceUnavailable(err),
		apierrors.IsUnexpectedServerError(err):
		return executor.Retryable(err)
	case errors.Is(err, context.DeadlineExceeded):
		return executor.Retryable(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return executor.Retryable(err)
	}
	return executor.Fatal(err)
}
