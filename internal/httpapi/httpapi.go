// Package httpapi implements the HTTP management gateway for sanduku.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Per-caller rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/manager"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP management gateway.
type Config struct {
	ListenAddr string // e.g., ":8090"
	EnableDocs bool
	APIKeys    map[string]string // API key → caller ID mapping. Keys from env.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP management gateway.
type Gateway struct {
	config  Config
	mgr     *manager.Manager
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP management gateway.
func NewGateway(cfg Config, mgr *manager.Manager, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		mgr:     mgr,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sanduku",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/sandboxes", g.handleAcquire,
		okapi.DocSummary("Acquire a sandbox instance"),
		okapi.DocTags("Sandboxes"),
		okapi.DocRequestBody(AcquireRequest{}),
		okapi.DocResponse(http.StatusCreated, sandbox.Handle{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/sandboxes", g.handleList,
		okapi.DocSummary("List visible sandbox instances"),
		okapi.DocTags("Sandboxes"),
		okapi.DocResponse([]StatusResponse{}),
	)
	g.group.Get("/sandboxes/{id}", g.handleInspect,
		okapi.DocSummary("Inspect a sandbox instance"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Instance ID (UUID)"),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sandboxes/{id}", g.handleRelease,
		okapi.DocSummary("Release a sandbox instance"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Instance ID (UUID)"),
		okapi.DocResponse(http.StatusNoContent, map[string]string{}),
	)
	g.group.Post("/sandboxes/{id}/touch", g.handleTouch,
		okapi.DocSummary("Refresh a sandbox instance's activity timestamp"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Instance ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
	)

	g.group.Post("/types", g.handleTypeRegister,
		okapi.DocSummary("Register a custom sandbox type"),
		okapi.DocTags("Types"),
		okapi.DocRequestBody(TypeRequest{}),
		okapi.DocResponse(http.StatusCreated, TypeResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/types", g.handleTypeList,
		okapi.DocSummary("List registered sandbox types"),
		okapi.DocTags("Types"),
		okapi.DocResponse([]TypeResponse{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("management gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("management gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// AcquireRequest is the JSON body for POST /v1/sandboxes.
type AcquireRequest struct {
	Type     string `json:"type,omitempty"`      // Empty = configured default type.
	TimeoutS int    `json:"timeout_s,omitempty"` // Lease seconds. 0 = type default.
}

func (g *Gateway) handleAcquire(c *okapi.Context) error {
	callerID := c.GetString("callerID")
	if g.limiter != nil {
		if err := g.limiter.Allow(callerID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req AcquireRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.TimeoutS < 0 {
		return c.AbortBadRequest("timeout_s must not be negative")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http acquire",
		slog.String("caller_id", callerID),
		slog.String("correlation_id", correlationID),
		slog.String("type", req.Type),
	)

	handle, err := g.mgr.Acquire(c.Context(), req.Type, time.Duration(req.TimeoutS)*time.Second)
	if err != nil {
		return g.acquireError(c, correlationID, err)
	}
	return c.JSON(http.StatusCreated, handle)
}

// acquireError maps lifecycle errors to HTTP responses.
func (g *Gateway) acquireError(c *okapi.Context, correlationID string, err error) error {
	var provisionErr *sandbox.ProvisionError
	switch {
	case errors.Is(err, sandbox.ErrUnknownType):
		return c.AbortBadRequest(err.Error())
	case errors.Is(err, sandbox.ErrPortsExhausted):
		return c.AbortTooManyRequests("no free ports in the configured range")
	case errors.Is(err, sandbox.ErrBackendUnavailable):
		return c.AbortServiceUnavailable("container backend unavailable")
	case errors.As(err, &provisionErr):
		g.logger.Error("provisioning failed",
			slog.String("correlation_id", correlationID),
			slog.String("type", provisionErr.Type),
			slog.String("error", err.Error()),
		)
		return c.AbortServiceUnavailable("sandbox provisioning failed")
	default:
		g.logger.Error("acquire failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("acquire failed")
	}
}

func (g *Gateway) handleRelease(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.mgr.Release(c.Context(), id); err != nil {
		// Release is idempotent for unknown IDs; an error here means the
		// backend genuinely failed mid-destroy.
		g.logger.Error("release failed",
			slog.String("id", id), slog.String("error", err.Error()))
		return c.AbortInternalServerError("release failed")
	}
	return c.JSON(http.StatusNoContent, nil)
}

// StatusResponse is the JSON view of an instance for inspect and list.
type StatusResponse struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	State      string    `json:"state"`
	Owner      string    `json:"owner"`
	Port       int       `json:"port"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	AgeS       float64   `json:"age_s"`
	IdleS      float64   `json:"idle_s"`
}

func statusResponse(st sandbox.Status) StatusResponse {
	return StatusResponse{
		ID:         st.ID,
		Type:       st.Type,
		State:      string(st.State),
		Owner:      st.Owner,
		Port:       st.Port,
		CreatedAt:  st.CreatedAt,
		LastActive: st.LastActive,
		AgeS:       st.Age.Seconds(),
		IdleS:      st.Idle.Seconds(),
	}
}

func (g *Gateway) handleInspect(c *okapi.Context) error {
	id := c.Param("id")
	st, err := g.mgr.Inspect(c.Context(), id)
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "sandbox not found"})
		}
		return c.AbortInternalServerError("inspect failed")
	}
	return c.OK(statusResponse(*st))
}

func (g *Gateway) handleList(c *okapi.Context) error {
	statuses, err := g.mgr.List(c.Context())
	if err != nil {
		g.logger.Error("list failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("list failed")
	}
	resp := make([]StatusResponse, len(statuses))
	for i, st := range statuses {
		resp[i] = statusResponse(st)
	}
	return c.OK(resp)
}

func (g *Gateway) handleTouch(c *okapi.Context) error {
	g.mgr.Touch(c.Context(), c.Param("id"))
	return c.OK(okapi.M{"status": "ok"})
}

// TypeRequest is the JSON body for POST /v1/types.
type TypeRequest struct {
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	Security     string            `json:"security,omitempty"` // "strict" (default) or "standard".
	TimeoutS     int               `json:"timeout_s,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Description  string            `json:"description,omitempty"`
	MemoryMB     int               `json:"memory_mb,omitempty"`
	CPUCores     float64           `json:"cpu_cores,omitempty"`
	PIDsLimit    int               `json:"pids_limit,omitempty"`
	MountWorkdir bool              `json:"mount_workdir,omitempty"`
}

// TypeResponse is the JSON view of a registered type.
type TypeResponse struct {
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	Security     string            `json:"security"`
	TimeoutS     int               `json:"timeout_s"`
	Env          map[string]string `json:"env,omitempty"`
	Description  string            `json:"description,omitempty"`
	MemoryMB     int               `json:"memory_mb,omitempty"`
	CPUCores     float64           `json:"cpu_cores,omitempty"`
	PIDsLimit    int               `json:"pids_limit,omitempty"`
	MountWorkdir bool              `json:"mount_workdir,omitempty"`
}

func typeResponse(t sandbox.Type) TypeResponse {
	return TypeResponse{
		Name:         t.Name,
		Image:        t.Image,
		Security:     string(t.Security),
		TimeoutS:     int(t.DefaultTimeout.Seconds()),
		Env:          t.Env,
		Description:  t.Description,
		MemoryMB:     t.MemoryMB,
		CPUCores:     t.CPUCores,
		PIDsLimit:    t.PIDsLimit,
		MountWorkdir: t.MountWorkdir,
	}
}

func (g *Gateway) handleTypeRegister(c *okapi.Context) error {
	callerID := c.GetString("callerID")
	if g.limiter != nil {
		if err := g.limiter.Allow(callerID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req TypeRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Security != "" && req.Security != string(sandbox.SecurityStrict) && req.Security != string(sandbox.SecurityStandard) {
		return c.AbortBadRequest("security must be \"strict\" or \"standard\"")
	}

	typ := sandbox.Type{
		Name:           req.Name,
		Image:          req.Image,
		Security:       sandbox.SecurityLevel(req.Security),
		DefaultTimeout: time.Duration(req.TimeoutS) * time.Second,
		Env:            req.Env,
		Description:    req.Description,
		MemoryMB:       req.MemoryMB,
		CPUCores:       req.CPUCores,
		PIDsLimit:      req.PIDsLimit,
		MountWorkdir:   req.MountWorkdir,
	}
	if err := g.mgr.Registry().Register(typ); err != nil {
		return c.AbortBadRequest(err.Error())
	}

	g.logger.Info("sandbox type registered",
		slog.String("caller_id", callerID),
		slog.String("name", req.Name),
	)
	registered, err := g.mgr.Registry().Get(req.Name)
	if err != nil {
		return c.AbortInternalServerError("type registration failed")
	}
	return c.JSON(http.StatusCreated, typeResponse(registered))
}

func (g *Gateway) handleTypeList(c *okapi.Context) error {
	types := g.mgr.Registry().List()
	resp := make([]TypeResponse, len(types))
	for i, t := range types {
		resp[i] = typeResponse(t)
	}
	return c.OK(resp)
}

// HealthResponse is the JSON response for the health probes.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped caller ID on
// the request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		callerID := ""
		for key, caller := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				callerID = caller
			}
		}
		if callerID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("callerID", callerID)
		return next(c)
	}
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
