// Package driver abstracts the container substrate a sandbox runs on.
// Two implementations exist: Docker (engine-local) and Kubernetes
// (cluster-orchestrated). The pool and manager depend only on the
// Driver interface; adding a substrate means implementing it, nothing
// upstream changes.
//
// Drivers never retry — retry policy belongs to the pool and manager,
// which know whether a caller is waiting synchronously.
package driver

import (
	"context"
	"io"
)

// Handle identifies a single backend object (container or pod).
type Handle struct {
	ID   string // Backend identifier: container ID or pod name.
	Name string // Human-readable name (container/pod name).
}

// CreateSpec is everything a driver needs to create one instance.
type CreateSpec struct {
	Name          string            // Container/pod name, already unique.
	Image         string            // Image reference.
	Env           map[string]string // Extra environment variables.
	HostPort      int               // Host-visible port, pre-reserved.
	ContainerPort int               // Port the in-sandbox server listens on.
	MountDir      string            // Host dir mounted at /workspace; empty = none.
	Network       bool              // Outbound networking allowed.

	MemoryMB  int
	CPUCores  float64
	PIDsLimit int
}

// Driver is the substrate-specific lifecycle capability.
type Driver interface {
	// Create builds the instance without starting it.
	Create(ctx context.Context, spec CreateSpec) (Handle, error)
	// Start runs a created (or stopped) instance.
	Start(ctx context.Context, h Handle) error
	// Stop halts a running instance, keeping it resumable.
	Stop(ctx context.Context, h Handle) error
	// Destroy removes the instance entirely. Destroying an instance
	// that is already gone is not an error.
	Destroy(ctx context.Context, h Handle) error
	// IsAlive reports whether the instance is currently running.
	IsAlive(ctx context.Context, h Handle) (bool, error)
	// Ping checks that the substrate itself is reachable.
	Ping(ctx context.Context) error
}

// LogSource is implemented by drivers that can produce an instance's
// captured output, used for archival before destruction.
type LogSource interface {
	Logs(ctx context.Context, h Handle) (io.ReadCloser, error)
}

// DefaultContainerPort is the port the in-sandbox tool server listens
// on; the driver maps the reserved host port onto it.
const DefaultContainerPort = 8080
