// Package state implements the shared state store: the occupied-ports
// set and the cross-process view of live instances. Multi-worker
// deployments use the SQL backends (PostgreSQL, or SQLite for workers
// sharing one host); single-worker deployments use the in-process
// memory store behind the same interface, so the allocator and manager
// code is identical in both modes.
//
// Keys are namespaced per deployment so independent deployments can
// share one database without colliding.
package state

import (
	"context"
	"time"
)

// InstanceRecord mirrors a live instance's existence into the store so
// peer workers can see it and it survives a controller restart (for
// inspection, not for resuming in-flight work).
type InstanceRecord struct {
	ID         string
	Type       string
	Owner      string // Worker identity that created the instance.
	BackendID  string // Container ID / pod name.
	Name       string
	Port       int
	State      string
	CreatedAt  time.Time
	LastActive time.Time
	ExpiresAt  time.Time
}

// Store is the shared state interface.
//
// TryReservePort is the single cross-process atomic operation in the
// system: it must check-and-mark in one step so two workers can never
// both observe a port as free. Everything else is plain reads/writes.
type Store interface {
	// TryReservePort atomically reserves the port for this deployment's
	// namespace. Returns false (no error) if it is already taken.
	TryReservePort(ctx context.Context, port int) (bool, error)

	// ReleasePort frees the port. Releasing a free port is a no-op.
	ReleasePort(ctx context.Context, port int) error

	// ReservedPorts returns the ports currently reserved in this namespace.
	ReservedPorts(ctx context.Context) ([]int, error)

	// PutInstance inserts or updates an instance record.
	PutInstance(ctx context.Context, rec InstanceRecord) error

	// GetInstance returns the record, or (nil, nil) when absent.
	GetInstance(ctx context.Context, id string) (*InstanceRecord, error)

	// DeleteInstance removes the record. Deleting an absent record is a no-op.
	DeleteInstance(ctx context.Context, id string) error

	// ListInstances returns every record in this namespace, all owners.
	ListInstances(ctx context.Context) ([]InstanceRecord, error)

	Close() error
}
