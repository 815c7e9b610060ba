package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/devrev/settingsd/internal/inflight"
	"github.com/devrev/settingsd/internal/model"
	"github.com/devrev/settingsd/internal/store"
	"github.com/devrev/settingsd/internal/util/workerpool"
	"go.uber.org/zap"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Check statuses
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// ServiceName is the gRPC health service name settingsd reports under
const ServiceName = "settingsd"

// PoolStats reports reconcile pool statistics
type PoolStats interface {
	Stats() workerpool.Stats
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID      string
	Interval    time.Duration
	PingTimeout time.Duration
}

// HealthChecker periodically checks the flag store and the reconcile pool and
// publishes the result to the HTTP health endpoints and the gRPC health service
type HealthChecker struct {
	nodeID      string
	interval    time.Duration
	pingTimeout time.Duration
	store       store.FlagStore
	pool        PoolStats
	inflight    *inflight.Tracker
	grpcHealth  *grpchealth.Server
	logger      *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]model.CheckResult
	readinessOK bool
	draining    bool
}

// NewHealthChecker creates a new health checker. grpcHealth may be nil.
func NewHealthChecker(
	cfg *HealthCheckConfig,
	flagStore store.FlagStore,
	pool PoolStats,
	tracker *inflight.Tracker,
	grpcHealth *grpchealth.Server,
	logger *zap.Logger,
) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	return &HealthChecker{
		nodeID:      cfg.NodeID,
		interval:    interval,
		pingTimeout: pingTimeout,
		store:       flagStore,
		pool:        pool,
		inflight:    tracker,
		grpcHealth:  grpcHealth,
		logger:      logger,
		status:      model.NodeStatusHealthy,
		checks:      make(map[string]model.CheckResult),
		readinessOK: true,
	}
}

// Start runs checks until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			h.RunChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every check once and updates the published status
func (h *HealthChecker) RunChecks(ctx context.Context) {
	results := []model.CheckResult{
		h.checkStore(ctx),
		h.checkReconcilePool(),
		h.checkInFlight(),
	}

	allHealthy, allReady := true, true
	for _, r := range results {
		if r.Status != StatusHealthy {
			allHealthy = false
			if r.Status == StatusCritical {
				allReady = false
			}
		}
	}

	h.mu.Lock()
	h.lastCheck = time.Now()
	for _, r := range results {
		h.checks[r.Name] = r
	}
	switch {
	case allHealthy:
		h.status = model.NodeStatusHealthy
	case allReady:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusUnhealthy
	}
	h.readinessOK = allReady && !h.draining
	ready := h.readinessOK
	status := h.status
	h.mu.Unlock()

	h.publish(ready)

	h.logger.Debug("Health check completed",
		zap.String("status", string(status)),
		zap.Bool("readiness", ready))
}

func (h *HealthChecker) checkStore(ctx context.Context) model.CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.pingTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		return model.CheckResult{
			Name:    "flag_store",
			Status:  StatusCritical,
			Message: fmt.Sprintf("Flag store unreachable: %v", err),
		}
	}
	return model.CheckResult{Name: "flag_store", Status: StatusHealthy}
}

func (h *HealthChecker) checkReconcilePool() model.CheckResult {
	if h.pool == nil {
		return model.CheckResult{Name: "reconcile_pool", Status: StatusHealthy}
	}
	stats := h.pool.Stats()
	utilization := stats.QueueUtilization()
	if utilization > 90 {
		return model.CheckResult{
			Name:    "reconcile_pool",
			Status:  StatusWarning,
			Message: fmt.Sprintf("Reconcile queue usage high: %.2f%% (%d/%d)", utilization, stats.QueuedTasks, stats.QueueSize),
		}
	}
	return model.CheckResult{
		Name:    "reconcile_pool",
		Status:  StatusHealthy,
		Message: fmt.Sprintf("Reconcile queue usage: %.2f%%", utilization),
	}
}

func (h *HealthChecker) checkInFlight() model.CheckResult {
	n := 0
	if h.inflight != nil {
		n = h.inflight.Count()
	}
	return model.CheckResult{
		Name:    "in_flight",
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d operations in flight", n),
	}
}

func (h *HealthChecker) publish(ready bool) {
	if h.grpcHealth == nil {
		return
	}
	status := healthpb.HealthCheckResponse_SERVING
	if !ready {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.grpcHealth.SetServingStatus(ServiceName, status)
	h.grpcHealth.SetServingStatus("", status)
}

// IsReady returns whether the node can serve traffic
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// SetDraining marks the node as shutting down so readiness fails from now on
func (h *HealthChecker) SetDraining() {
	h.mu.Lock()
	h.draining = true
	h.readinessOK = false
	h.mu.Unlock()

	h.publish(false)
}

// GetStatus returns the last computed health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]model.CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return model.HealthStatus{
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Checks:    checks,
	}
}

// LivenessHandler handles GET /health
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  StatusHealthy,
		"node_id": h.nodeID,
	})
}

// ReadinessHandler handles GET /ready
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	if !h.IsReady() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h.GetStatus())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
