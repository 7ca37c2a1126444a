package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	dockerOpTimeout   = 30 * time.Second
	dockerStopSeconds = 5
)

// Docker drives sandboxes through the docker CLI. Shelling out keeps
// the dependency surface to the docker binary itself and inherits the
// user's configured context, credentials, and daemon selection.
//
// Every container gets the full hardening set:
//   - all capabilities dropped, no privilege escalation
//   - read-only rootfs with tmpfs for writable paths
//   - non-root user, no host PID namespace
//   - hard memory limit (swap disabled), CPU and PIDs limits
//   - network disabled unless the type allows it
type Docker struct {
	logger *slog.Logger
}

// NewDocker creates the Docker driver.
func NewDocker(logger *slog.Logger) *Docker {
	return &Docker{logger: logger}
}

// Create builds the container without starting it. The host port
// mapping is fixed here — it cannot be changed after create, which is
// why port reservation happens before instance creation.
func (d *Docker) Create(ctx context.Context, spec CreateSpec) (Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, dockerOpTimeout)
	defer cancel()

	args := buildDockerCreateArgs(spec)
	out, err := exec.CommandContext(ctx, "docker", args...).Output()
	if err != nil {
		return Handle{}, fmt.Errorf("docker create: %w: %s", err, exitStderr(err))
	}

	id := strings.TrimSpace(string(out))
	d.logger.Debug("docker container created",
		slog.String("name", spec.Name),
		slog.String("container_id", id),
		slog.String("image", spec.Image),
		slog.Int("host_port", spec.HostPort),
	)
	return Handle{ID: id, Name: spec.Name}, nil
}

// Start runs a created or stopped container.
func (d *Docker) Start(ctx context.Context, h Handle) error {
	ctx, cancel := context.WithTimeout(ctx, dockerOpTimeout)
	defer cancel()

	if out, err := exec.CommandContext(ctx, "docker", "start", h.ID).CombinedOutput(); err != nil {
		return fmt.Errorf("docker start %s: %w: %s", h.Name, err, bytes.TrimSpace(out))
	}
	return nil
}

// Stop halts the container with a short grace period.
func (d *Docker) Stop(ctx context.Context, h Handle) error {
	ctx, cancel := context.WithTimeout(ctx, dockerOpTimeout)
	defer cancel()

	args := []string{"stop", "-t", strconv.Itoa(dockerStopSeconds), h.ID}
	if out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("docker stop %s: %w: %s", h.Name, err, bytes.TrimSpace(out))
	}
	return nil
}

// Destroy force-removes the container. "No such container" means a
// previous removal already won — treated as success.
func (d *Docker) Destroy(ctx context.Context, h Handle) error {
	ctx, cancel := context.WithTimeout(ctx, dockerOpTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", h.ID).CombinedOutput()
	if err != nil {
		if bytes.Contains(out, []byte("No such container")) {
			return nil
		}
		return fmt.Errorf("docker rm -f %s: %w: %s", h.Name, err, bytes.TrimSpace(out))
	}
	return nil
}

// IsAlive inspects the container's running state. A missing container
// is reported as not alive, not as an error.
func (d *Docker) IsAlive(ctx context.Context, h Handle) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dockerOpTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", h.ID).Output()
	if err != nil {
		if bytes.Contains([]byte(exitStderr(err)), []byte("No such object")) {
			return false, nil
		}
		return false, fmt.Errorf("docker inspect %s: %w", h.Name, err)
	}
	return strings.TrimSpace(string(out)) == "true", nil
}

// Ping verifies the daemon is reachable.
func (d *Docker) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, dockerOpTimeout)
	defer cancel()

	if err := exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}").Run(); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// Logs returns the container's captured stdout/stderr.
func (d *Docker) Logs(ctx context.Context, h Handle) (io.ReadCloser, error) {
	out, err := exec.CommandContext(ctx, "docker", "logs", h.ID).Output()
	if err != nil {
		return nil, fmt.Errorf("docker logs %s: %w", h.Name, err)
	}
	return io.NopCloser(bytes.NewReader(out)), nil
}

// buildDockerCreateArgs constructs the docker create argument list with
// the full hardening set. The image comes last.
func buildDockerCreateArgs(spec CreateSpec) []string {
	memoryFlag := strconv.Itoa(spec.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(spec.CPUCores, 'f', 2, 64)
	containerPort := spec.ContainerPort
	if containerPort == 0 {
		containerPort = DefaultContainerPort
	}

	args := []string{
		"create",
		"--name", spec.Name,
		"--label", "managed-by=sanduku",

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // same as memory = no swap
		"--cpus=" + cpuFlag,
		"--pids-limit=" + strconv.Itoa(spec.PIDsLimit),

		// --- Writable tmpfs for working directories ---
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--tmpfs", "/home/sandbox:rw,nosuid,size=128m",

		// --- Port mapping for the in-sandbox tool server ---
		"--publish", fmt.Sprintf("%d:%d", spec.HostPort, containerPort),

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=/home/sandbox",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "SANDBOX_PORT=" + strconv.Itoa(containerPort),
	}

	if spec.Network {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	if spec.MountDir != "" {
		args = append(args, "--volume", spec.MountDir+":/workspace:rw")
	}

	for k, v := range spec.Env {
		args = append(args, "--env", k+"="+v)
	}

	return append(args, spec.Image)
}

// exitStderr extracts captured stderr from an exec error, if any.
func exitStderr(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return string(bytes.TrimSpace(exitErr.Stderr))
	}
	return ""
}
