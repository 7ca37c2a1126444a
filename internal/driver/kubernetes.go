package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

const kubectlOpTimeout = 60 * time.Second

// Kubernetes drives sandboxes as single pods through kubectl. Like the
// Docker driver it shells out, inheriting the user's kubeconfig,
// contexts, and auth plugins instead of linking a cluster client.
//
// The reserved host port is exposed as a hostPort on the pod, so the
// node's address plus the reserved port reaches the sandbox the same
// way the Docker port mapping does.
type Kubernetes struct {
	namespace  string
	kubeconfig string // Empty = kubectl's own resolution order.
	logger     *slog.Logger
}

// KubernetesConfig configures the Kubernetes driver.
type KubernetesConfig struct {
	Namespace  string // Default: "default".
	Kubeconfig string // Path to kubeconfig; empty uses kubectl defaults.
}

// NewKubernetes creates the Kubernetes driver.
func NewKubernetes(cfg KubernetesConfig, logger *slog.Logger) *Kubernetes {
	ns := cfg.Namespace
	if ns == "" {
		ns = "default"
	}
	return &Kubernetes{namespace: ns, kubeconfig: cfg.Kubeconfig, logger: logger}
}

func (k *Kubernetes) kubectl(args ...string) []string {
	base := []string{"--namespace", k.namespace}
	if k.kubeconfig != "" {
		base = append(base, "--kubeconfig", k.kubeconfig)
	}
	return append(base, args...)
}

// Create applies a pod manifest. Kubernetes has no create-without-start
// phase; the pod starts scheduling immediately and Start waits for
// readiness instead.
func (k *Kubernetes) Create(ctx context.Context, spec CreateSpec) (Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, kubectlOpTimeout)
	defer cancel()

	manifest, err := json.Marshal(podManifest(spec))
	if err != nil {
		return Handle{}, fmt.Errorf("encoding pod manifest: %w", err)
	}

	cmd := exec.CommandContext(ctx, "kubectl", k.kubectl("apply", "-f", "-")...)
	cmd.Stdin = bytes.NewReader(manifest)
	if out, err := cmd.CombinedOutput(); err != nil {
		return Handle{}, fmt.Errorf("kubectl apply %s: %w: %s", spec.Name, err, bytes.TrimSpace(out))
	}

	k.logger.Debug("sandbox pod applied",
		slog.String("pod", spec.Name),
		slog.String("namespace", k.namespace),
		slog.Int("host_port", spec.HostPort),
	)
	return Handle{ID: spec.Name, Name: spec.Name}, nil
}

// Start waits for the pod to report Ready.
func (k *Kubernetes) Start(ctx context.Context, h Handle) error {
	ctx, cancel := context.WithTimeout(ctx, kubectlOpTimeout)
	defer cancel()

	args := k.kubectl("wait", "--for=condition=Ready", "pod/"+h.ID, "--timeout=45s")
	if out, err := exec.CommandContext(ctx, "kubectl", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("kubectl wait %s: %w: %s", h.Name, err, bytes.TrimSpace(out))
	}
	return nil
}

// Stop deletes the pod with a grace period. Pods are not resumable;
// a stopped instance can only be destroyed or recreated.
func (k *Kubernetes) Stop(ctx context.Context, h Handle) error {
	return k.delete(ctx, h, 10)
}

// Destroy removes the pod immediately. A missing pod is success.
func (k *Kubernetes) Destroy(ctx context.Context, h Handle) error {
	return k.delete(ctx, h, 0)
}

func (k *Kubernetes) delete(ctx context.Context, h Handle, graceSeconds int) error {
	ctx, cancel := context.WithTimeout(ctx, kubectlOpTimeout)
	defer cancel()

	args := k.kubectl("delete", "pod", h.ID,
		"--grace-period="+strconv.Itoa(graceSeconds), "--ignore-not-found")
	if out, err := exec.CommandContext(ctx, "kubectl", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("kubectl delete %s: %w: %s", h.Name, err, bytes.TrimSpace(out))
	}
	return nil
}

// IsAlive checks the pod phase. Missing pods are not alive.
func (k *Kubernetes) IsAlive(ctx context.Context, h Handle) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, kubectlOpTimeout)
	defer cancel()

	args := k.kubectl("get", "pod", h.ID, "-o", "jsonpath={.status.phase}", "--ignore-not-found")
	out, err := exec.CommandContext(ctx, "kubectl", args...).Output()
	if err != nil {
		return false, fmt.Errorf("kubectl get %s: %w", h.Name, err)
	}
	return string(bytes.TrimSpace(out)) == "Running", nil
}

// Ping verifies the API server is reachable.
func (k *Kubernetes) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, kubectlOpTimeout)
	defer cancel()

	if err := exec.CommandContext(ctx, "kubectl", k.kubectl("version", "--output=json")...).Run(); err != nil {
		return fmt.Errorf("kubernetes api unreachable: %w", err)
	}
	return nil
}

// Logs returns the pod's captured output.
func (k *Kubernetes) Logs(ctx context.Context, h Handle) (io.ReadCloser, error) {
	out, err := exec.CommandContext(ctx, "kubectl", k.kubectl("logs", h.ID)...).Output()
	if err != nil {
		return nil, fmt.Errorf("kubectl logs %s: %w", h.Name, err)
	}
	return io.NopCloser(bytes.NewReader(out)), nil
}

// podManifest builds a minimal hardened pod for one sandbox instance.
func podManifest(spec CreateSpec) map[string]any {
	containerPort := spec.ContainerPort
	if containerPort == 0 {
		containerPort = DefaultContainerPort
	}

	env := []map[string]any{
		{"name": "SANDBOX_PORT", "value": strconv.Itoa(containerPort)},
	}
	for k, v := range spec.Env {
		env = append(env, map[string]any{"name": k, "value": v})
	}

	container := map[string]any{
		"name":  "sandbox",
		"image": spec.Image,
		"ports": []map[string]any{
			{"containerPort": containerPort, "hostPort": spec.HostPort},
		},
		"env": env,
		"resources": map[string]any{
			"limits": map[string]any{
				"memory": strconv.Itoa(spec.MemoryMB) + "Mi",
				"cpu":    strconv.FormatFloat(spec.CPUCores, 'f', 2, 64),
			},
		},
		"securityContext": map[string]any{
			"runAsNonRoot":             true,
			"runAsUser":                65534,
			"readOnlyRootFilesystem":   true,
			"allowPrivilegeEscalation": false,
			"capabilities":             map[string]any{"drop": []string{"ALL"}},
		},
	}

	return map[string]any{
		"apiVersion": "v1",
		"kind":       "Pod",
		"metadata": map[string]any{
			"name":   spec.Name,
			"labels": map[string]any{"managed-by": "sanduku"},
		},
		"spec": map[string]any{
			"restartPolicy": "Never",
			"containers":    []map[string]any{container},
		},
	}
}
