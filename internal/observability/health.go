package observability

import (
	"context"
	"log/slog"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker aggregates readiness from the manager's dependencies
// (state store, container backend).
type HealthChecker struct {
	checks []healthCheck
	logger *slog.Logger
}

type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of one dependency check.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewHealthChecker creates a checker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named dependency check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.checks = append(h.checks, healthCheck{name: name, check: check})
}

// CheckReady runs every registered check. "ok" only when all pass.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if h == nil || len(h.checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status := HealthStatus{Status: "ok", Checks: make(map[string]CheckResult, len(h.checks))}
	for _, hc := range h.checks {
		if err := hc.check(checkCtx); err != nil {
			status.Status = "degraded"
			status.Checks[hc.name] = CheckResult{Status: "fail", Message: err.Error()}
			h.logger.Warn("readiness check failed",
				slog.String("check", hc.name),
				slog.String("error", err.Error()),
			)
			continue
		}
		status.Checks[hc.name] = CheckResult{Status: "ok"}
	}
	return status
}
