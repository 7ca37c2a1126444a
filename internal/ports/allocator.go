// Package ports assigns host-visible ports from a configured range.
// The allocator itself holds no state: every reservation goes through
// the shared state store's atomic check-and-mark, which is what keeps
// concurrent workers from handing out the same port.
package ports

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/state"
)

// Range is the inclusive [Low, High] port interval.
type Range struct {
	Low  int
	High int
}

// Size returns the number of ports in the range.
func (r Range) Size() int { return r.High - r.Low + 1 }

// Validate checks the range is usable.
func (r Range) Validate() error {
	if r.Low < 1024 || r.High > 65535 || r.Low > r.High {
		return fmt.Errorf("invalid port range [%d, %d]", r.Low, r.High)
	}
	return nil
}

// Allocator reserves and reclaims ports against the shared state store.
type Allocator struct {
	store  state.Store
	rng    Range
	logger *slog.Logger
}

// NewAllocator creates an allocator for the given range.
func NewAllocator(store state.Store, rng Range, logger *slog.Logger) (*Allocator, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	return &Allocator{store: store, rng: rng, logger: logger}, nil
}

// Acquire reserves the first free port in the range. Each candidate is
// claimed with a single atomic conditional set; losing a claim race
// just moves on to the next candidate. Returns ErrPortsExhausted when
// every port is taken. Store errors abort — a reservation that may or
// may not have happened must never be silently ignored.
func (a *Allocator) Acquire(ctx context.Context) (int, error) {
	for port := a.rng.Low; port <= a.rng.High; port++ {
		ok, err := a.store.TryReservePort(ctx, port)
		if err != nil {
			return 0, fmt.Errorf("port reservation: %w", err)
		}
		if ok {
			a.logger.Debug("port reserved", slog.Int("port", port))
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: [%d, %d]", sandbox.ErrPortsExhausted, a.rng.Low, a.rng.High)
}

// Release reclaims a port. Idempotent; releasing a free port or one
// outside the range is a no-op.
func (a *Allocator) Release(ctx context.Context, port int) error {
	if port < a.rng.Low || port > a.rng.High {
		return nil
	}
	if err := a.store.ReleasePort(ctx, port); err != nil {
		return fmt.Errorf("port release: %w", err)
	}
	a.logger.Debug("port released", slog.Int("port", port))
	return nil
}

// Range returns the configured range.
func (a *Allocator) Range() Range { return a.rng }
