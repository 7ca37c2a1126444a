package manager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// MaintenanceConfig schedules the background loops. Intervals use cron
// descriptors ("@every 30s") or standard five-field cron expressions.
type MaintenanceConfig struct {
	FillSchedule  string // Default: "@every 30s".
	SweepSchedule string // Default: "@every 1m".
}

func (c *MaintenanceConfig) applyDefaults() {
	if c.FillSchedule == "" {
		c.FillSchedule = "@every 30s"
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 1m"
	}
}

// RunMaintenance starts the pool-fill and sweep loops and blocks until
// ctx is canceled. Maintenance shares no state with request handling
// beyond the manager's own thread-safe operations, so requests never
// wait on a maintenance tick.
func (m *Manager) RunMaintenance(ctx context.Context, cfg MaintenanceConfig) error {
	cfg.applyDefaults()

	c := cron.New()
	if _, err := c.AddFunc(cfg.FillSchedule, func() {
		m.pool.Fill(ctx)
	}); err != nil {
		return fmt.Errorf("invalid fill schedule %q: %w", cfg.FillSchedule, err)
	}
	if _, err := c.AddFunc(cfg.SweepSchedule, func() {
		if n := m.Sweep(ctx, 0); n > 0 {
			m.logger.Info("sweep reclaimed instances", slog.Int("count", n))
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
	}

	// Prime the pool before the first tick so early acquires hit warm
	// capacity instead of cold-starting.
	m.pool.Fill(ctx)

	m.logger.Info("maintenance started",
		slog.String("fill", cfg.FillSchedule),
		slog.String("sweep", cfg.SweepSchedule),
	)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
