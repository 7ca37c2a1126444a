package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sanduku/internal/archive"
	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/driver"
	"github.com/jkaninda/sanduku/internal/httpapi"
	"github.com/jkaninda/sanduku/internal/manager"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/pool"
	"github.com/jkaninda/sanduku/internal/ports"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/state"
)

var (
	serveConfigPath string
	servePort       int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbox manager",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `sanduku --config path` and `sanduku serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().IntVar(&servePort, "port", 0, "override HTTP listen port")
	}
}

// runServe wires the full stack: state store, backend driver, type
// registry, port allocator, warm pool, lifecycle manager, and the HTTP
// management gateway. Blocks until SIGINT/SIGTERM.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("SANDUKU_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	logger.Info("starting sandbox manager",
		slog.String("config", serveConfigPath),
		slog.String("backend", cfg.Backend.BackendDriver()),
		slog.String("state", cfg.State.StateDriver()),
	)

	// Observability.
	var metrics *observability.MetricsCollector
	if cfg.Observability.MetricsEnabled() {
		metrics = observability.NewMetricsCollector()
	}
	tracing, err := observability.NewTracerSetup(cfg.Observability.TracingConfig())
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	// Shared state store.
	store, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// Container backend.
	drv := buildDriver(cfg, logger)

	// Type registry: built-ins plus config-declared custom types.
	reg := sandbox.NewRegistry()
	for _, t := range cfg.Types {
		typ := sandbox.Type{
			Name:           t.Name,
			Image:          t.Image,
			Security:       sandbox.SecurityLevel(t.Security),
			DefaultTimeout: time.Duration(t.TimeoutS) * time.Second,
			Env:            t.Env,
			Description:    t.Description,
			MemoryMB:       t.MemoryMB,
			CPUCores:       t.CPUCores,
			PIDsLimit:      t.PIDsLimit,
			MountWorkdir:   t.MountWorkdir,
		}
		if err := reg.Register(typ); err != nil {
			return fmt.Errorf("registering type %q: %w", t.Name, err)
		}
	}

	low, high := cfg.Ports.Range()
	alloc, err := ports.NewAllocator(store, ports.Range{Low: low, High: high}, logger)
	if err != nil {
		return err
	}

	p := pool.New(pool.Config{
		DefaultSize: cfg.Pool.DefaultSize,
		Sizes:       cfg.Pool.Sizes,
		NamePrefix:  cfg.Pool.NamePrefix,
		MountDir:    cfg.Pool.MountDir,
	}, reg, drv, alloc, metrics, logger)

	// Log archival (optional).
	var archiver manager.Archiver
	if cfg.Archive != nil {
		uploader, err := archive.NewUploader(archive.Config{
			Enabled:   cfg.Archive.Enabled,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			Prefix:    cfg.Archive.Prefix,
		}, logger)
		if err != nil {
			return err
		}
		if uploader != nil {
			archiver = uploader
			logger.Info("log archival enabled", slog.String("bucket", cfg.Archive.Bucket))
		}
	}

	mgr := manager.New(manager.Config{
		WorkerID:      cfg.Worker.ID,
		BaseHost:      cfg.Worker.BaseHost,
		DefaultType:   cfg.Manager.DefaultType,
		AutoCleanup:   cfg.Manager.CleanupEnabled(),
		MaxIdle:       cfg.Manager.MaxIdle(),
		ShutdownGrace: cfg.Manager.ShutdownGrace(),
		TokenSecret:   cfg.Manager.TokenSecret,
	}, reg, p, store, drv, metrics, tracing.Tracer(), archiver, logger)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background fill and sweep loops.
	go func() {
		if err := mgr.RunMaintenance(ctx, manager.MaintenanceConfig{
			FillSchedule:  cfg.Maintenance.FillSchedule,
			SweepSchedule: cfg.Maintenance.SweepSchedule,
		}); err != nil {
			logger.Error("maintenance failed", slog.String("error", err.Error()))
		}
	}()

	// Readiness checks for /readyz.
	health := observability.NewHealthChecker(logger)
	health.AddCheck("backend", drv.Ping)
	health.AddCheck("state", func(ctx context.Context) error {
		_, err := store.ReservedPorts(ctx)
		return err
	})

	if len(cfg.Server.APIKeys) == 0 {
		logger.Warn("no API keys configured; /v1 endpoints will reject every request")
	}
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		BurstSize:         cfg.Server.BurstSize,
	})

	gwCfg := httpapi.Config{
		ListenAddr:    cfg.Server.ListenAddr(),
		EnableDocs:    cfg.Server.EnableDocs,
		APIKeys:       cfg.Server.APIKeys,
		HealthChecker: health,
		Metrics:       metrics,
	}
	if metrics != nil {
		gwCfg.MetricsRegistry = metrics.Registry
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	if tracing != nil {
		gwCfg.Tracer = tracing.Tracer()
	}
	gw := httpapi.NewGateway(gwCfg, mgr, limiter, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or gateway exit.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown: stop accepting requests, then run the
	// auto-cleanup policy within its grace deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}

	if err := mgr.Shutdown(context.Background()); err != nil {
		logger.Error("shutdown cleanup incomplete", slog.String("error", err.Error()))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Error("flushing traces", slog.String("error", err.Error()))
	}
	return nil
}

// buildStore opens the configured shared state backend.
func buildStore(cfg *config.Config, logger *slog.Logger) (state.Store, error) {
	switch cfg.State.StateDriver() {
	case "memory":
		return state.NewMemory(), nil
	case "sqlite":
		return state.OpenSQLite(state.SQLConfig{
			Namespace:  cfg.State.Namespace,
			SQLitePath: cfg.State.SQLite.Path,
		}, logger)
	case "postgres":
		return state.OpenPostgres(state.SQLConfig{
			Namespace:    cfg.State.Namespace,
			DSN:          cfg.State.Postgres.DSN,
			MaxOpenConns: cfg.State.Postgres.MaxOpenConns,
			MaxIdleConns: cfg.State.Postgres.MaxIdleConns,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported state driver %q", cfg.State.Driver)
	}
}

// buildDriver selects the container backend.
func buildDriver(cfg *config.Config, logger *slog.Logger) driver.Driver {
	if cfg.Backend.BackendDriver() == "k8s" {
		var k8s driver.KubernetesConfig
		if cfg.Backend.Kubernetes != nil {
			k8s = driver.KubernetesConfig{
				Namespace:  cfg.Backend.Kubernetes.Namespace,
				Kubeconfig: cfg.Backend.Kubernetes.Kubeconfig,
			}
		}
		return driver.NewKubernetes(k8s, logger)
	}
	return driver.NewDocker(logger)
}
