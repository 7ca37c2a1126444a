// Package manager implements the sandbox lifecycle controller: the
// façade over the pool, port allocator, and shared state store that
// serves acquire/release/inspect, runs the idle sweep, and owns the
// shutdown policy.
//
// A deployment may run many worker processes. Each has its own manager
// and pool; only ports and instance existence are coordinated through
// the shared state store. No lock is ever held across a call into the
// backend driver.
package manager

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sanduku/internal/driver"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/pool"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/state"
)

// Config configures the lifecycle controller.
type Config struct {
	WorkerID      string        // Identity recorded as instance owner. Default: hostname-pid.
	BaseHost      string        // Host used in handle base URLs. Default: "127.0.0.1".
	DefaultType   string        // Type used when a request names none. Default: "base".
	AutoCleanup   bool          // Recycle on release; destroy everything on shutdown.
	MaxIdle       time.Duration // Idle threshold for the sweep. Default: 15m.
	ShutdownGrace time.Duration // Deadline for shutdown cleanup. Default: 30s.
	TokenSecret   string        // HMAC secret for bearer tokens; empty = random tokens.
}

func (c *Config) applyDefaults() {
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		c.WorkerID = host + "-" + strconv.Itoa(os.Getpid())
	}
	if c.BaseHost == "" {
		c.BaseHost = "127.0.0.1"
	}
	if c.DefaultType == "" {
		c.DefaultType = "base"
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 15 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

// Manager is the lifecycle controller.
type Manager struct {
	cfg     Config
	reg     *sandbox.Registry
	pool    *pool.Pool
	store   state.Store
	drv     driver.Driver
	metrics *observability.MetricsCollector // nil = no metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	// Archiver, when set, receives a destroyed instance's log bundle.
	archiver Archiver

	mu    sync.Mutex
	owned map[string]*sandbox.Instance // assigned instances owned by this worker
}

// Archiver stores a destroyed sandbox's captured output.
type Archiver interface {
	ArchiveLogs(ctx context.Context, inst *sandbox.Instance, drv driver.Driver) error
}

// New creates a Manager. tracer may be nil (no spans), metrics may be
// nil (no metrics), archiver may be nil (no log archival).
func New(cfg Config, reg *sandbox.Registry, p *pool.Pool, store state.Store, drv driver.Driver,
	metrics *observability.MetricsCollector, tracer trace.Tracer, archiver Archiver, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("")
	}
	return &Manager{
		cfg:      cfg,
		reg:      reg,
		pool:     p,
		store:    store,
		drv:      drv,
		metrics:  metrics,
		tracer:   tracer,
		archiver: archiver,
		logger:   logger,
		owned:    make(map[string]*sandbox.Instance),
	}
}

// WorkerID returns this controller's owner identity.
func (m *Manager) WorkerID() string { return m.cfg.WorkerID }

// Registry returns the type registry (for the management API).
func (m *Manager) Registry() *sandbox.Registry { return m.reg }

// Acquire hands out a sandbox of the given type. Empty type uses the
// configured default; zero timeout uses the type's default. The
// instance's existence and expiry are recorded in the shared state
// store before the handle is returned, so peer workers can see it.
func (m *Manager) Acquire(ctx context.Context, typeName string, timeout time.Duration) (*sandbox.Handle, error) {
	if typeName == "" {
		typeName = m.cfg.DefaultType
	}
	ctx, span := m.tracer.Start(ctx, "sandbox.acquire",
		trace.WithAttributes(attribute.String("sandbox.type", typeName)))
	defer span.End()

	start := time.Now()
	typ, err := m.reg.Get(typeName)
	if err != nil {
		m.countAcquire(typeName, "error")
		return nil, err
	}
	if timeout <= 0 {
		timeout = typ.DefaultTimeout
	}

	inst, err := m.pool.Take(ctx, typeName)
	if err != nil {
		m.countAcquire(typeName, "error")
		return nil, err
	}

	token, err := m.newToken(inst.ID)
	if err != nil {
		_ = m.pool.Destroy(ctx, inst)
		m.countAcquire(typeName, "error")
		return nil, err
	}
	now := time.Now().UTC()
	inst.Token = token
	inst.ExpiresAt = now.Add(timeout)
	inst.LastActive = now

	// Existence must be visible before the caller holds the handle.
	// A failed write aborts the acquire; a handle the rest of the
	// deployment cannot see is worse than a retried request.
	if err := m.store.PutInstance(ctx, recordOf(inst, m.cfg.WorkerID)); err != nil {
		_ = m.pool.Destroy(ctx, inst)
		m.countAcquire(typeName, "error")
		return nil, fmt.Errorf("recording instance: %w", err)
	}

	m.mu.Lock()
	m.owned[inst.ID] = inst
	m.mu.Unlock()
	m.observePorts(ctx)

	if m.metrics != nil {
		m.metrics.AcquireDuration.WithLabelValues(typeName).Observe(time.Since(start).Seconds())
	}
	m.countAcquire(typeName, "ok")
	span.SetAttributes(attribute.String("sandbox.id", inst.ID))

	m.logger.Info("sandbox acquired",
		slog.String("type", typeName),
		slog.String("id", inst.ID),
		slog.Int("port", inst.Port),
		slog.Time("expires_at", inst.ExpiresAt),
	)
	return &sandbox.Handle{
		ID:        inst.ID,
		BaseURL:   fmt.Sprintf("http://%s:%d", m.cfg.BaseHost, inst.Port),
		Token:     token,
		ExpiresAt: inst.ExpiresAt,
	}, nil
}

// Release returns an instance. Idempotent: unknown or already-released
// IDs are a successful no-op — callers release defensively. Instances
// owned by a peer worker are destroyed directly through the driver.
func (m *Manager) Release(ctx context.Context, id string) error {
	ctx, span := m.tracer.Start(ctx, "sandbox.release",
		trace.WithAttributes(attribute.String("sandbox.id", id)))
	defer span.End()

	m.mu.Lock()
	inst, ok := m.owned[id]
	if ok {
		delete(m.owned, id)
	}
	m.mu.Unlock()

	if ok {
		return m.giveBack(ctx, inst, m.cfg.AutoCleanup, "released")
	}

	// Not ours. The shared store may know it (peer-owned, or an
	// orphan from a crashed worker).
	rec, err := m.store.GetInstance(ctx, id)
	if err != nil {
		// Degraded read: treat as unknown, release stays a no-op.
		m.logger.Warn("state store read failed during release",
			slog.String("id", id), slog.String("error", err.Error()))
		m.countRelease("noop")
		return nil
	}
	if rec == nil {
		m.countRelease("noop")
		return nil
	}

	if err := m.drv.Destroy(ctx, driver.Handle{ID: rec.BackendID, Name: rec.Name}); err != nil {
		return fmt.Errorf("destroying peer instance %s: %w", id, err)
	}
	if err := m.store.ReleasePort(ctx, rec.Port); err != nil {
		return err
	}
	if err := m.store.DeleteInstance(ctx, id); err != nil {
		return err
	}
	m.observePorts(ctx)
	m.countRelease("destroyed")
	m.logger.Info("peer-owned sandbox released", slog.String("id", id), slog.String("owner", rec.Owner))
	return nil
}

// giveBack hands an owned instance to the pool and syncs the store.
func (m *Manager) giveBack(ctx context.Context, inst *sandbox.Instance, recycle bool, reason string) error {
	recycled, err := m.pool.GiveBack(ctx, inst, recycle)
	if err != nil {
		return err
	}

	if recycled {
		// Warm again: rotate the token out and keep the record visible.
		inst.Token = ""
		if err := m.store.PutInstance(ctx, recordOf(inst, m.cfg.WorkerID)); err != nil {
			m.logger.Warn("state store update failed after recycle",
				slog.String("id", inst.ID), slog.String("error", err.Error()))
		}
		m.countRelease("recycled")
	} else {
		m.archive(ctx, inst)
		if err := m.store.DeleteInstance(ctx, inst.ID); err != nil {
			m.logger.Warn("state store delete failed after destroy",
				slog.String("id", inst.ID), slog.String("error", err.Error()))
		}
		m.countRelease("destroyed")
	}
	m.observePorts(ctx)

	m.logger.Info("sandbox released",
		slog.String("id", inst.ID),
		slog.String("reason", reason),
		slog.Bool("recycled", recycled),
	)
	return nil
}

// Inspect reports the current state of an instance, local or
// peer-owned. A failing store read degrades to not-found rather than
// failing the operation.
func (m *Manager) Inspect(ctx context.Context, id string) (*sandbox.Status, error) {
	m.mu.Lock()
	if inst, ok := m.owned[id]; ok {
		st := statusOf(inst, m.cfg.WorkerID)
		m.mu.Unlock()
		return st, nil
	}
	m.mu.Unlock()

	rec, err := m.store.GetInstance(ctx, id)
	if err != nil {
		m.logger.Warn("state store read failed during inspect",
			slog.String("id", id), slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	now := time.Now().UTC()
	return &sandbox.Status{
		ID:         rec.ID,
		Type:       rec.Type,
		State:      sandbox.State(rec.State),
		Owner:      rec.Owner,
		Port:       rec.Port,
		CreatedAt:  rec.CreatedAt,
		LastActive: rec.LastActive,
		Age:        now.Sub(rec.CreatedAt),
		Idle:       now.Sub(rec.LastActive),
	}, nil
}

// List returns every instance visible in the shared store.
func (m *Manager) List(ctx context.Context) ([]sandbox.Status, error) {
	recs, err := m.store.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	now := time.Now().UTC()
	out := make([]sandbox.Status, len(recs))
	for i, rec := range recs {
		out[i] = sandbox.Status{
			ID:         rec.ID,
			Type:       rec.Type,
			State:      sandbox.State(rec.State),
			Owner:      rec.Owner,
			Port:       rec.Port,
			CreatedAt:  rec.CreatedAt,
			LastActive: rec.LastActive,
			Age:        now.Sub(rec.CreatedAt),
			Idle:       now.Sub(rec.LastActive),
		}
	}
	return out, nil
}

// Touch refreshes an owned instance's last-activity timestamp.
func (m *Manager) Touch(ctx context.Context, id string) {
	m.mu.Lock()
	inst, ok := m.owned[id]
	if ok {
		inst.LastActive = time.Now().UTC()
	}
	m.mu.Unlock()
	if ok {
		if err := m.store.PutInstance(ctx, recordOf(inst, m.cfg.WorkerID)); err != nil {
			m.logger.Warn("state store update failed during touch",
				slog.String("id", id), slog.String("error", err.Error()))
		}
	}
}

// Sweep force-releases owned instances idle beyond maxIdle or past
// their expiry. This is the expired-timeout path, not a caller
// release: swept instances are always destroyed, never recycled.
// Duplicate sweeps across workers are safe — release is idempotent
// and each worker only sweeps its own instances.
func (m *Manager) Sweep(ctx context.Context, maxIdle time.Duration) int {
	if maxIdle <= 0 {
		maxIdle = m.cfg.MaxIdle
	}
	now := time.Now().UTC()

	m.mu.Lock()
	var expired []*sandbox.Instance
	for id, inst := range m.owned {
		if inst.State != sandbox.StateAssigned {
			continue
		}
		if now.Sub(inst.LastActive) > maxIdle || (!inst.ExpiresAt.IsZero() && now.After(inst.ExpiresAt)) {
			expired = append(expired, inst)
			delete(m.owned, id)
		}
	}
	m.mu.Unlock()

	for _, inst := range expired {
		m.logger.Info("sweeping idle sandbox",
			slog.String("id", inst.ID),
			slog.Duration("idle", now.Sub(inst.LastActive)),
		)
		if err := m.giveBack(ctx, inst, false, "swept"); err != nil {
			m.logger.Warn("sweep release failed",
				slog.String("id", inst.ID), slog.String("error", err.Error()))
			continue
		}
		if m.metrics != nil {
			m.metrics.SweepReclaimedTotal.Inc()
		}
	}
	return len(expired)
}

// Shutdown runs the auto-cleanup policy within the grace deadline:
// drain the warm pool and destroy every instance this worker owns.
// Peer workers' instances are left alone. Instances that cannot be
// destroyed in time are logged and abandoned — shutdown never blocks
// indefinitely on a slow container operation.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.cfg.AutoCleanup {
		m.logger.Info("auto-cleanup disabled, leaving instances running")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownGrace)
	defer cancel()

	for _, inst := range m.pool.Drain(ctx) {
		if err := m.store.DeleteInstance(ctx, inst.ID); err != nil {
			m.logger.Warn("state store delete failed during drain",
				slog.String("id", inst.ID), slog.String("error", err.Error()))
		}
	}

	m.mu.Lock()
	var instances []*sandbox.Instance
	for id, inst := range m.owned {
		instances = append(instances, inst)
		delete(m.owned, id)
	}
	m.mu.Unlock()

	var abandoned int
	for _, inst := range instances {
		if ctx.Err() != nil {
			abandoned++
			m.logger.Warn("shutdown grace expired, abandoning instance",
				slog.String("id", inst.ID))
			continue
		}
		if err := m.pool.Destroy(ctx, inst); err != nil {
			abandoned++
			m.logger.Warn("shutdown destroy failed",
				slog.String("id", inst.ID), slog.String("error", err.Error()))
			continue
		}
		if err := m.store.DeleteInstance(ctx, inst.ID); err != nil {
			m.logger.Warn("state store delete failed during shutdown",
				slog.String("id", inst.ID), slog.String("error", err.Error()))
		}
	}

	m.logger.Info("shutdown cleanup finished",
		slog.Int("destroyed", len(instances)-abandoned),
		slog.Int("abandoned", abandoned),
	)
	if abandoned > 0 {
		return fmt.Errorf("shutdown abandoned %d instances", abandoned)
	}
	return nil
}

// Ready checks the manager's dependencies for the readiness probe.
func (m *Manager) Ready(ctx context.Context) error {
	if err := m.drv.Ping(ctx); err != nil {
		return errors.Join(sandbox.ErrBackendUnavailable, err)
	}
	if _, err := m.store.ReservedPorts(ctx); err != nil {
		return fmt.Errorf("state store: %w", err)
	}
	return nil
}

func (m *Manager) archive(ctx context.Context, inst *sandbox.Instance) {
	if m.archiver == nil {
		return
	}
	if err := m.archiver.ArchiveLogs(ctx, inst, m.drv); err != nil {
		m.logger.Warn("log archive failed",
			slog.String("id", inst.ID), slog.String("error", err.Error()))
	}
}

func (m *Manager) countAcquire(typeName, status string) {
	if m.metrics != nil {
		m.metrics.AcquiresTotal.WithLabelValues(typeName, status).Inc()
	}
}

func (m *Manager) countRelease(mode string) {
	if m.metrics != nil {
		m.metrics.ReleasesTotal.WithLabelValues(mode).Inc()
	}
}

func (m *Manager) observePorts(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	if reserved, err := m.store.ReservedPorts(ctx); err == nil {
		m.metrics.PortsOccupied.Set(float64(len(reserved)))
	}
}

// newToken derives the instance bearer token: HMAC of the instance ID
// under the configured secret, or 32 random hex chars when no secret
// is set.
func (m *Manager) newToken(id string) (string, error) {
	if m.cfg.TokenSecret != "" {
		mac := hmac.New(sha256.New, []byte(m.cfg.TokenSecret))
		mac.Write([]byte(id))
		return hex.EncodeToString(mac.Sum(nil)), nil
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func recordOf(inst *sandbox.Instance, owner string) state.InstanceRecord {
	return state.InstanceRecord{
		ID:         inst.ID,
		Type:       inst.Type,
		Owner:      owner,
		BackendID:  inst.BackendID,
		Name:       inst.Name,
		Port:       inst.Port,
		State:      string(inst.State),
		CreatedAt:  inst.CreatedAt,
		LastActive: inst.LastActive,
		ExpiresAt:  inst.ExpiresAt,
	}
}

func statusOf(inst *sandbox.Instance, owner string) *sandbox.Status {
	now := time.Now().UTC()
	return &sandbox.Status{
		ID:         inst.ID,
		Type:       inst.Type,
		State:      inst.State,
		Owner:      owner,
		Port:       inst.Port,
		CreatedAt:  inst.CreatedAt,
		LastActive: inst.LastActive,
		Age:        now.Sub(inst.CreatedAt),
		Idle:       now.Sub(inst.LastActive),
	}
}
