package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilnet "k8s.io/apimachinery/pkg/util/net"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	workerContainerName = "worker"
	managedByLabel      = "app.kubernetes.io/managed-by"
	managedByValue      = "deckplane"
)

// imagePullReasons are container waiting reasons that mean the image cannot be resolved.
var imagePullReasons = map[string]bool{
	"ErrImagePull":     true,
	"ImagePullBackOff": true,
	"InvalidImageName": true,
}

// KubernetesConfig holds configuration for the Kubernetes runtime.
type KubernetesConfig struct {
	// Namespace where worker pods will be created
	Namespace string
	// ServiceAccount for worker pods (optional)
	ServiceAccount string
	// Default resource limits for workers
	DefaultCPULimit    string
	DefaultMemoryLimit string
}

// KubernetesRuntime implements the Runtime interface with one Pod per stage.
// The shared data directory must exist on the node and is mounted with a hostPath volume.
type KubernetesRuntime struct {
	clientset kubernetes.Interface
	config    KubernetesConfig
	log       *slog.Logger
	seq       atomic.Uint64
}

// KubernetesHandle represents a worker Pod.
type KubernetesHandle struct {
	clientset kubernetes.Interface
	namespace string
	podName   string
	log       *slog.Logger
}

// homeDir returns the user's home directory.
func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // Windows
}

// NewKubernetesRuntime creates a new Kubernetes-based runtime.
// Tries in-cluster configuration first, falls back to kubeconfig for local development.
func NewKubernetesRuntime(cfg KubernetesConfig, log *slog.Logger) (*KubernetesRuntime, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("runtime", "kubernetes")

	config, err := rest.InClusterConfig()
	if err != nil {
		log.Info("in-cluster config not available, trying kubeconfig", "error", err)
		kubeconfig := filepath.Join(homeDir(), ".kube", "config")
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
		log.Info("using kubeconfig", "path", kubeconfig)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}

	return newKubernetesRuntime(clientset, cfg, log), nil
}

func newKubernetesRuntime(clientset kubernetes.Interface, cfg KubernetesConfig, log *slog.Logger) *KubernetesRuntime {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.DefaultCPULimit == "" {
		cfg.DefaultCPULimit = "1"
	}
	if cfg.DefaultMemoryLimit == "" {
		cfg.DefaultMemoryLimit = "1Gi"
	}
	if log == nil {
		log = slog.Default()
	}
	return &KubernetesRuntime{clientset: clientset, config: cfg, log: log}
}

// CreateAndStart implements Runtime.CreateAndStart by creating a Pod.
// The kubelet starts the container; there is no separate start call.
func (k *KubernetesRuntime) CreateAndStart(ctx context.Context, opts StartOptions) (Handle, error) {
	pod, err := k.podSpec(opts)
	if err != nil {
		return nil, err
	}

	created, err := k.clientset.CoreV1().Pods(k.config.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, classifyKubernetesError(fmt.Sprintf("create pod for %s", opts.Image), err)
	}

	k.log.Info("pod created", "image", opts.Image, "pod", created.Name, "namespace", k.config.Namespace)

	return &KubernetesHandle{
		clientset: k.clientset,
		namespace: k.config.Namespace,
		podName:   created.Name,
		log:       k.log,
	}, nil
}

func (k *KubernetesRuntime) podSpec(opts StartOptions) (*corev1.Pod, error) {
	podName := fmt.Sprintf("deckplane-%d-%d", time.Now().UnixNano(), k.seq.Add(1))

	var envVars []corev1.EnvVar
	for _, pair := range opts.Env {
		key, value, _ := strings.Cut(pair, "=")
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: value})
	}

	limits := corev1.ResourceList{
		corev1.ResourceCPU:    resource.MustParse(k.config.DefaultCPULimit),
		corev1.ResourceMemory: resource.MustParse(k.config.DefaultMemoryLimit),
	}
	if opts.Resources.MemoryBytes > 0 {
		limits[corev1.ResourceMemory] = *resource.NewQuantity(opts.Resources.MemoryBytes, resource.BinarySI)
	}
	if opts.Resources.MemorySwapBytes > 0 {
		// Pods have no per-container swap limit; the node's swap behavior applies.
		k.log.Warn("memory swap limit ignored on kubernetes", "image", opts.Image, "memory_swap_bytes", opts.Resources.MemorySwapBytes)
	}

	var ports []corev1.ContainerPort
	for _, p := range opts.Ports {
		proto := corev1.ProtocolTCP
		if strings.EqualFold(p.Protocol, "udp") {
			proto = corev1.ProtocolUDP
		}
		ports = append(ports, corev1.ContainerPort{
			ContainerPort: int32(p.ContainerPort),
			HostPort:      int32(p.HostPort),
			Protocol:      proto,
		})
	}

	labels := map[string]string{managedByLabel: managedByValue}
	for key, value := range opts.Labels {
		labels[key] = value
	}

	worker := corev1.Container{
		Name:      workerContainerName,
		Image:     opts.Image,
		Command:   opts.Command,
		Env:       envVars,
		Ports:     ports,
		Resources: corev1.ResourceRequirements{Limits: limits},
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName,
			Namespace: k.config.Namespace,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
		},
	}

	if opts.DataDir != "" {
		hostPathType := corev1.HostPathDirectoryOrCreate
		pod.Spec.Volumes = []corev1.Volume{{
			Name: "data",
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: opts.DataDir, Type: &hostPathType},
			},
		}}
		worker.VolumeMounts = []corev1.VolumeMount{{Name: "data", MountPath: ContainerDataDir}}
	}
	pod.Spec.Containers = []corev1.Container{worker}

	if k.config.ServiceAccount != "" {
		pod.Spec.ServiceAccountName = k.config.ServiceAccount
	}

	return pod, nil
}

// Delete implements Runtime.Delete. id is the pod name.
func (k *KubernetesRuntime) Delete(ctx context.Context, id string) error {
	h := &KubernetesHandle{clientset: k.clientset, namespace: k.config.Namespace, podName: id, log: k.log}
	return h.ForceDelete(ctx)
}

// Ping implements Runtime.Ping.
func (k *KubernetesRuntime) Ping(ctx context.Context) error {
	if _, err := k.clientset.Discovery().ServerVersion(); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return nil
}

// Close implements Runtime.Close. The clientset holds no long-lived connection.
func (k *KubernetesRuntime) Close() error {
	return nil
}

// ID implements Handle.ID.
func (h *KubernetesHandle) ID() string {
	return h.podName
}

// Wait blocks until the worker pod terminates and returns its exit code.
func (h *KubernetesHandle) Wait(ctx context.Context) (ExitResult, error) {
	pods := h.clientset.CoreV1().Pods(h.namespace)

	for {
		pod, err := pods.Get(ctx, h.podName, metav1.GetOptions{})
		if err != nil {
			if ctx.Err() != nil {
				err = waitError(ctx, h.podName)
				return ExitResult{ExitCode: -1, Error: err}, err
			}
			err = classifyKubernetesError(fmt.Sprintf("get pod %s", h.podName), err)
			return ExitResult{ExitCode: -1, Error: err}, err
		}
		if result, done, err := podResult(pod); done {
			return result, err
		}

		watcher, err := pods.Watch(ctx, metav1.ListOptions{
			FieldSelector:   fmt.Sprintf("metadata.name=%s", h.podName),
			ResourceVersion: pod.ResourceVersion,
		})
		if err != nil {
			if ctx.Err() != nil {
				err = waitError(ctx, h.podName)
				return ExitResult{ExitCode: -1, Error: err}, err
			}
			err = classifyKubernetesError(fmt.Sprintf("watch pod %s", h.podName), err)
			return ExitResult{ExitCode: -1, Error: err}, err
		}

		result, done, err := h.consume(ctx, watcher)
		watcher.Stop()
		if done {
			return result, err
		}
		// Watch closed by the server; re-read state and watch again.
	}
}

func (h *KubernetesHandle) consume(ctx context.Context, watcher watch.Interface) (ExitResult, bool, error) {
	for {
		select {
		case <-ctx.Done():
			err := waitError(ctx, h.podName)
			return ExitResult{ExitCode: -1, Error: err}, true, err
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return ExitResult{}, false, nil
			}
			switch event.Type {
			case watch.Error:
				err := fmt.Errorf("watch pod %s: %w", h.podName, apierrors.FromObject(event.Object))
				return ExitResult{ExitCode: -1, Error: err}, true, err
			case watch.Deleted:
				err := fmt.Errorf("pod %s was deleted before it finished", h.podName)
				return ExitResult{ExitCode: -1, Error: err}, true, err
			}
			pod, ok := event.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			if result, done, err := podResult(pod); done {
				return result, true, err
			}
		}
	}
}

// podResult reports whether the pod reached a terminal state.
func podResult(pod *corev1.Pod) (ExitResult, bool, error) {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting != nil && imagePullReasons[cs.State.Waiting.Reason] {
			err := fmt.Errorf("pod %s: %w: %s", pod.Name, ErrImageNotFound, cs.State.Waiting.Message)
			return ExitResult{ExitCode: -1, Error: err}, true, err
		}
	}

	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		return ExitResult{ExitCode: 0}, true, nil
	case corev1.PodFailed:
		exitCode := -1
		var reason error
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name == workerContainerName && cs.State.Terminated != nil {
				exitCode = int(cs.State.Terminated.ExitCode)
				if cs.State.Terminated.Reason != "" {
					reason = fmt.Errorf("%s", cs.State.Terminated.Reason)
				}
			}
		}
		return ExitResult{ExitCode: exitCode, Error: reason}, true, nil
	}
	return ExitResult{}, false, nil
}

// StreamLogs returns a reader for the worker pod logs.
func (h *KubernetesHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	if err := h.waitForContainerStarted(ctx); err != nil {
		return nil, err
	}

	req := h.clientset.CoreV1().Pods(h.namespace).GetLogs(h.podName, &corev1.PodLogOptions{
		Container: workerContainerName,
		Follow:    true,
	})
	return req.Stream(ctx)
}

// waitForContainerStarted waits for the worker to run (or finish) so logs are available.
func (h *KubernetesHandle) waitForContainerStarted(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		pod, err := h.clientset.CoreV1().Pods(h.namespace).Get(ctx, h.podName, metav1.GetOptions{})
		if err != nil {
			return err
		}
		switch pod.Status.Phase {
		case corev1.PodRunning, corev1.PodSucceeded, corev1.PodFailed:
			return nil
		}
		if _, done, _ := podResult(pod); done {
			return fmt.Errorf("pod %s will not start", h.podName)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ForceDelete deletes the worker pod immediately.
func (h *KubernetesHandle) ForceDelete(ctx context.Context) error {
	grace := int64(0)
	err := h.clientset.CoreV1().Pods(h.namespace).Delete(ctx, h.podName, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
	})
	if err != nil {
		if apierrors.IsNotFound(err) {
			h.log.Info("pod already removed", "pod", h.podName)
			return nil
		}
		return classifyKubernetesError(fmt.Sprintf("delete pod %s", h.podName), err)
	}
	h.log.Info("pod deleted", "pod", h.podName)
	return nil
}

func classifyKubernetesError(op string, err error) error {
	switch {
	case utilnet.IsConnectionRefused(err),
		utilnet.IsConnectionReset(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %v", op, ErrRuntimeUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
