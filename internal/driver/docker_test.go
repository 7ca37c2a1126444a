package driver

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"testing"
)

// skipIfNoDocker skips the test if the Docker daemon is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildDockerCreateArgs_Hardening(t *testing.T) {
	args := buildDockerCreateArgs(CreateSpec{
		Name:      "sanduku-test",
		Image:     "alpine:3",
		HostPort:  49200,
		MemoryMB:  256,
		CPUCores:  0.5,
		PIDsLimit: 64,
	})
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",
		"--memory=256m",
		"--memory-swap=256m",
		"--pids-limit=64",
		"--network=none",
		"49200:8080",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q:\n%s", want, joined)
		}
	}
	if args[len(args)-1] != "alpine:3" {
		t.Errorf("image must come last, got %q", args[len(args)-1])
	}
}

func TestBuildDockerCreateArgs_NetworkAndMount(t *testing.T) {
	args := buildDockerCreateArgs(CreateSpec{
		Name:      "sanduku-test",
		Image:     "alpine:3",
		HostPort:  49201,
		Network:   true,
		MountDir:  "/srv/agent",
		MemoryMB:  128,
		CPUCores:  1,
		PIDsLimit: 32,
	})
	joined := strings.Join(args, " ")

	if !strings.Contains(joined, "--network=bridge") {
		t.Error("network-enabled spec did not produce --network=bridge")
	}
	if strings.Contains(joined, "--network=none") {
		t.Error("network-enabled spec still disables networking")
	}
	if !strings.Contains(joined, "/srv/agent:/workspace:rw") {
		t.Error("mount dir not mapped to /workspace")
	}
}

func TestDocker_CreateDestroyCycle(t *testing.T) {
	skipIfNoDocker(t)
	d := NewDocker(testLogger())
	ctx := context.Background()

	h, err := d.Create(ctx, CreateSpec{
		Name:      "sanduku-it-cycle",
		Image:     "alpine:3",
		HostPort:  49299,
		MemoryMB:  64,
		CPUCores:  0.25,
		PIDsLimit: 16,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Destroy(ctx, h)

	alive, err := d.IsAlive(ctx, h)
	if err != nil {
		t.Fatalf("IsAlive: %v", err)
	}
	if alive {
		t.Error("created (not started) container reported alive")
	}

	if err := d.Destroy(ctx, h); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	// Destroy of a destroyed instance is success.
	if err := d.Destroy(ctx, h); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
}

func TestDocker_IsAliveMissingContainer(t *testing.T) {
	skipIfNoDocker(t)
	d := NewDocker(testLogger())

	alive, err := d.IsAlive(context.Background(), Handle{ID: "sanduku-does-not-exist", Name: "ghost"})
	if err != nil {
		t.Fatalf("IsAlive on missing container: %v", err)
	}
	if alive {
		t.Error("missing container reported alive")
	}
}

func TestPodManifest_Shape(t *testing.T) {
	m := podManifest(CreateSpec{
		Name:      "sanduku-pod",
		Image:     "img:v1",
		HostPort:  49300,
		MemoryMB:  512,
		CPUCores:  1,
		PIDsLimit: 64,
		Env:       map[string]string{"FOO": "bar"},
	})

	if m["kind"] != "Pod" {
		t.Fatalf("kind = %v", m["kind"])
	}
	spec := m["spec"].(map[string]any)
	containers := spec["containers"].([]map[string]any)
	if len(containers) != 1 {
		t.Fatalf("containers = %d, want 1", len(containers))
	}
	ports := containers[0]["ports"].([]map[string]any)
	if ports[0]["hostPort"] != 49300 {
		t.Errorf("hostPort = %v, want 49300", ports[0]["hostPort"])
	}
	sc := containers[0]["securityContext"].(map[string]any)
	if sc["readOnlyRootFilesystem"] != true {
		t.Error("pod missing read-only rootfs")
	}
}
