// Package sandbox defines the domain model for container-backed sandboxes:
// type descriptors, live instances, and the caller-facing handle.
// All lifecycle orchestration lives in internal/manager; this package
// holds only types shared across the system.
package sandbox

import (
	"time"
)

// SecurityLevel tags a sandbox type with its isolation posture.
type SecurityLevel string

const (
	// SecurityStrict disables networking and drops all capabilities.
	SecurityStrict SecurityLevel = "strict"
	// SecurityStandard allows outbound networking but keeps the rest of
	// the hardening (read-only rootfs, non-root, no capabilities).
	SecurityStandard SecurityLevel = "standard"
)

// Type describes a registered sandbox type. Immutable once registered —
// the registry hands out copies, never pointers into its own map.
type Type struct {
	Name           string            // Identifier, e.g. "base", "browser".
	Image          string            // Container image reference.
	Security       SecurityLevel     // Isolation posture.
	DefaultTimeout time.Duration     // Lease duration when the caller gives none.
	Env            map[string]string // Environment the instance is started with.
	Description    string

	// Resource limits applied at container create time.
	MemoryMB  int
	CPUCores  float64
	PIDsLimit int

	// MountWorkdir mounts the configured host directory into the
	// container at /workspace (filesystem-type sandboxes).
	MountWorkdir bool
}

// State is the lifecycle state of a single instance.
//
//	Warm → Assigned → (Warm | Destroyed)
type State string

const (
	StateWarm      State = "warm"      // Pre-created, waiting in the pool.
	StateAssigned  State = "assigned"  // Handed to a caller.
	StateDestroyed State = "destroyed" // Terminal.
)

// Instance is a live sandbox owned by one worker process. The instance
// struct itself is process-local; its existence is mirrored into the
// shared state store so peer workers can see it.
type Instance struct {
	ID        string // Globally unique (UUID).
	Type      string // Registered type name.
	BackendID string // Container ID or pod name, backend-specific.
	Name      string // Container/pod name, prefix + random suffix.
	Port      int    // Host-visible port reserved for this instance.
	Token     string // Bearer token callers use against the instance.
	State     State

	CreatedAt  time.Time
	LastActive time.Time
	ExpiresAt  time.Time // Zero until assigned.
}

// Handle is what acquire returns to callers. Subsequent calls go
// directly to BaseURL, authenticated with Token.
type Handle struct {
	ID        string    `json:"id"`
	BaseURL   string    `json:"base_url"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Status is the inspect view of an instance, local or peer-owned.
// The management API owns its wire shape; this is the domain view.
type Status struct {
	ID         string
	Type       string
	State      State
	Owner      string
	Port       int
	CreatedAt  time.Time
	LastActive time.Time
	Age        time.Duration
	Idle       time.Duration
}
