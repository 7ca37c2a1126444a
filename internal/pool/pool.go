// Package pool maintains pre-created warm sandbox instances per type,
// so steady-state acquires are served by handoff instead of container
// startup. The pool is process-local: each worker fills and drains its
// own pool, while ports and instance existence go through the shared
// state store.
package pool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/sanduku/internal/driver"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/ports"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

const fillConcurrency = 4

// Config configures pool sizing and instance naming.
type Config struct {
	DefaultSize int            // Warm target per type. 0 = pooling disabled.
	Sizes       map[string]int // Per-type overrides of DefaultSize.
	NamePrefix  string         // Container/pod name prefix. Default: "sanduku".
	MountDir    string         // Host dir for MountWorkdir types.
}

// Pool holds warm instances per type, FIFO. Oldest instance out first.
type Pool struct {
	cfg     Config
	reg     *sandbox.Registry
	drv     driver.Driver
	alloc   *ports.Allocator
	metrics *observability.MetricsCollector // nil = no metrics
	logger  *slog.Logger

	mu   sync.Mutex
	warm map[string][]*sandbox.Instance
}

// New creates an empty pool.
func New(cfg Config, reg *sandbox.Registry, drv driver.Driver, alloc *ports.Allocator, metrics *observability.MetricsCollector, logger *slog.Logger) *Pool {
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "sanduku"
	}
	return &Pool{
		cfg:     cfg,
		reg:     reg,
		drv:     drv,
		alloc:   alloc,
		metrics: metrics,
		logger:  logger,
		warm:    make(map[string][]*sandbox.Instance),
	}
}

// SizeFor returns the warm target for a type.
func (p *Pool) SizeFor(typeName string) int {
	if n, ok := p.cfg.Sizes[typeName]; ok {
		return n
	}
	return p.cfg.DefaultSize
}

// WarmCount returns the number of warm instances currently pooled.
func (p *Pool) WarmCount(typeName string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.warm[typeName])
}

// Take pops the oldest warm instance for the type, or on a pool miss
// synchronously creates one. Either way the instance comes back in
// Assigned state. A miss that fails creation surfaces the error — the
// caller is waiting, retrying silently would just stack latency.
func (p *Pool) Take(ctx context.Context, typeName string) (*sandbox.Instance, error) {
	typ, err := p.reg.Get(typeName)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if q := p.warm[typeName]; len(q) > 0 {
		inst := q[0]
		p.warm[typeName] = q[1:]
		p.mu.Unlock()

		inst.State = sandbox.StateAssigned
		inst.LastActive = time.Now().UTC()
		p.observeWarm(typeName)
		p.logger.Debug("pool hit",
			slog.String("type", typeName),
			slog.String("id", inst.ID),
		)
		return inst, nil
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.PoolMissesTotal.WithLabelValues(typeName).Inc()
	}
	inst, err := p.create(ctx, typ)
	if err != nil {
		return nil, err
	}
	inst.State = sandbox.StateAssigned
	inst.LastActive = time.Now().UTC()
	return inst, nil
}

// GiveBack returns an instance to the pool or destroys it. Recycling
// only happens when asked for and the type's pool has room; a full
// pool means warm capacity is already met, so the instance is
// destroyed. Returns true when the instance went back to Warm.
func (p *Pool) GiveBack(ctx context.Context, inst *sandbox.Instance, recycle bool) (bool, error) {
	if recycle && p.WarmCount(inst.Type) < p.SizeFor(inst.Type) {
		if err := p.reset(ctx, inst); err != nil {
			p.logger.Warn("recycle reset failed, destroying",
				slog.String("id", inst.ID),
				slog.String("error", err.Error()),
			)
		} else {
			inst.State = sandbox.StateWarm
			inst.ExpiresAt = time.Time{}
			inst.LastActive = time.Now().UTC()

			p.mu.Lock()
			// Re-check under the lock; a concurrent give-back may have
			// filled the last slot.
			if len(p.warm[inst.Type]) < p.SizeFor(inst.Type) {
				p.warm[inst.Type] = append(p.warm[inst.Type], inst)
				p.mu.Unlock()
				p.observeWarm(inst.Type)
				return true, nil
			}
			p.mu.Unlock()
		}
	}

	return false, p.Destroy(ctx, inst)
}

// Destroy removes the instance's container and reclaims its port.
func (p *Pool) Destroy(ctx context.Context, inst *sandbox.Instance) error {
	if err := p.drv.Destroy(ctx, driver.Handle{ID: inst.BackendID, Name: inst.Name}); err != nil {
		return fmt.Errorf("destroying %s: %w", inst.ID, err)
	}
	inst.State = sandbox.StateDestroyed
	if err := p.alloc.Release(ctx, inst.Port); err != nil {
		return err
	}
	return nil
}

// Fill tops every registered type up to its warm target. Runs off the
// request path on the maintenance tick; creates in parallel with
// bounded concurrency. Failures are logged and counted — the next tick
// retries.
func (p *Pool) Fill(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fillConcurrency)

	for _, typ := range p.reg.List() {
		missing := p.SizeFor(typ.Name) - p.WarmCount(typ.Name)
		for i := 0; i < missing; i++ {
			typ := typ
			g.Go(func() error {
				inst, err := p.create(ctx, typ)
				if err != nil {
					if p.metrics != nil {
						p.metrics.FillFailures.WithLabelValues(typ.Name).Inc()
					}
					p.logger.Warn("pool fill failed",
						slog.String("type", typ.Name),
						slog.String("error", err.Error()),
					)
					return nil // keep filling other slots
				}

				p.mu.Lock()
				if len(p.warm[typ.Name]) < p.SizeFor(typ.Name) {
					p.warm[typ.Name] = append(p.warm[typ.Name], inst)
					p.mu.Unlock()
					p.observeWarm(typ.Name)
					return nil
				}
				p.mu.Unlock()
				// Target already met by a concurrent give-back.
				return p.Destroy(ctx, inst)
			})
		}
	}
	_ = g.Wait()
}

// Drain destroys every warm instance and returns them so the caller
// can drop their shared-store records. Called on shutdown.
func (p *Pool) Drain(ctx context.Context) []*sandbox.Instance {
	p.mu.Lock()
	var all []*sandbox.Instance
	for typeName, q := range p.warm {
		all = append(all, q...)
		p.warm[typeName] = nil
	}
	p.mu.Unlock()

	for _, inst := range all {
		if err := p.Destroy(ctx, inst); err != nil {
			p.logger.Warn("drain destroy failed",
				slog.String("id", inst.ID),
				slog.String("error", err.Error()),
			)
		}
		p.observeWarm(inst.Type)
	}
	return all
}

// create reserves a port, creates and starts a container, and returns
// a Warm instance. Partial failures roll back the reservation. Create
// itself is never retried here; that is the maintenance loop's call.
func (p *Pool) create(ctx context.Context, typ sandbox.Type) (*sandbox.Instance, error) {
	port, err := p.alloc.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	name, err := instanceName(p.cfg.NamePrefix)
	if err != nil {
		_ = p.alloc.Release(ctx, port)
		return nil, err
	}

	spec := driver.CreateSpec{
		Name:      name,
		Image:     typ.Image,
		Env:       typ.Env,
		HostPort:  port,
		Network:   typ.Security == sandbox.SecurityStandard,
		MemoryMB:  typ.MemoryMB,
		CPUCores:  typ.CPUCores,
		PIDsLimit: typ.PIDsLimit,
	}
	if typ.MountWorkdir {
		spec.MountDir = p.cfg.MountDir
	}

	start := time.Now()
	h, err := p.drv.Create(ctx, spec)
	if err != nil {
		_ = p.alloc.Release(ctx, port)
		if pingErr := p.drv.Ping(ctx); pingErr != nil {
			return nil, fmt.Errorf("%w: %v", sandbox.ErrBackendUnavailable, pingErr)
		}
		return nil, &sandbox.ProvisionError{Type: typ.Name, Err: err}
	}
	if err := p.drv.Start(ctx, h); err != nil {
		_ = p.drv.Destroy(ctx, h)
		_ = p.alloc.Release(ctx, port)
		return nil, &sandbox.ProvisionError{Type: typ.Name, Err: err}
	}
	if p.metrics != nil {
		p.metrics.ProvisionDuration.WithLabelValues(typ.Name).Observe(time.Since(start).Seconds())
	}

	now := time.Now().UTC()
	inst := &sandbox.Instance{
		ID:         uuid.New().String(),
		Type:       typ.Name,
		BackendID:  h.ID,
		Name:       name,
		Port:       port,
		State:      sandbox.StateWarm,
		CreatedAt:  now,
		LastActive: now,
	}
	p.logger.Info("sandbox instance created",
		slog.String("type", typ.Name),
		slog.String("id", inst.ID),
		slog.String("name", name),
		slog.Int("port", port),
	)
	return inst, nil
}

// reset returns a used container to a clean state: stop then start,
// which clears the tmpfs-backed writable paths.
func (p *Pool) reset(ctx context.Context, inst *sandbox.Instance) error {
	h := driver.Handle{ID: inst.BackendID, Name: inst.Name}
	if err := p.drv.Stop(ctx, h); err != nil {
		return err
	}
	return p.drv.Start(ctx, h)
}

func (p *Pool) observeWarm(typeName string) {
	if p.metrics != nil {
		p.metrics.PoolWarm.WithLabelValues(typeName).Set(float64(p.WarmCount(typeName)))
	}
}

// instanceName returns prefix-sbx-<16 hex chars>.
func instanceName(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "-sbx-" + hex.EncodeToString(b), nil
}
