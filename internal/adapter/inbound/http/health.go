package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/nexusgate/mcpbroker/internal/adapter/outbound/memory"
	"github.com/nexusgate/mcpbroker/internal/domain/upstream"
	"github.com/nexusgate/mcpbroker/internal/service"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// HealthChecker verifies component health.
type HealthChecker struct {
	sessionStore *memory.MemorySessionStore
	rateLimiter  *memory.MemoryRateLimiter
	auditService *service.AuditService
	version      string
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't available.
func NewHealthChecker(
	sessionStore *memory.MemorySessionStore,
	rateLimiter *memory.MemoryRateLimiter,
	auditService *service.AuditService,
	version string,
) *HealthChecker {
	return &HealthChecker{
		sessionStore: sessionStore,
		rateLimiter:  rateLimiter,
		auditService: auditService,
		version:      version,
	}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	// Check session store accessibility
	if h.sessionStore != nil {
		// Size() acquires lock - if this hangs, we have a problem
		_ = h.sessionStore.Size()
		checks["session_store"] = "ok"
	} else {
		checks["session_store"] = "not configured"
	}

	// Check rate limiter accessibility
	if h.rateLimiter != nil {
		_ = h.rateLimiter.Size()
		checks["rate_limiter"] = "ok"
	} else {
		checks["rate_limiter"] = "not configured"
	}

	// Check audit service channel depth
	if h.auditService != nil {
		depth := h.auditService.ChannelDepth()
		capacity := h.auditService.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}

		if percentFull > 90 {
			// >90% full is unhealthy - system is under backpressure
			checks["audit"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["audit"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}

		// Also check dropped records (warning indicator)
		drops := h.auditService.DroppedRecords()
		if drops > 0 {
			checks["audit_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["audit"] = "not configured"
	}

	// Add Go runtime info
	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable) // 503
		} else {
			w.WriteHeader(http.StatusOK) // 200
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}

// BrokerServersHealth summarizes the fleet of configured upstreams for the
// broker's /health contract: how many are configured, how many are
// currently connected, and each one's individual connection status.
type BrokerServersHealth struct {
	Total    int               `json:"total"`
	Running  int               `json:"running"`
	Statuses map[string]string `json:"statuses"`
}

// BrokerHealthResponse is the JSON response from the broker's /health
// endpoint: upstream fleet status plus the deployment's auth posture and
// tenant identity, so an operator can tell at a glance whether auth
// enforcement is active and which tenant a given broker instance serves.
type BrokerHealthResponse struct {
	Status      string              `json:"status"`
	Servers     BrokerServersHealth `json:"servers"`
	AuthEnabled bool                `json:"auth_enabled"`
	TenantID    string              `json:"tenant_id"`
}

// BrokerHealthChecker implements the broker's /health contract: aggregate
// provider connection status, whether auth enforcement is active, and
// the deployment's tenant id.
type BrokerHealthChecker struct {
	upstreams   *service.UpstreamService
	manager     *service.UpstreamManager
	authEnabled bool
	tenantID    string
}

// NewBrokerHealthChecker creates a BrokerHealthChecker. authEnabled should
// reflect whether the broker enforces real authentication (false in dev
// mode); tenantID comes from the broker's static deployment config.
func NewBrokerHealthChecker(upstreams *service.UpstreamService, manager *service.UpstreamManager, authEnabled bool, tenantID string) *BrokerHealthChecker {
	return &BrokerHealthChecker{
		upstreams:   upstreams,
		manager:     manager,
		authEnabled: authEnabled,
		tenantID:    tenantID,
	}
}

// Check aggregates upstream fleet status into the broker health contract.
func (h *BrokerHealthChecker) Check(ctx context.Context) BrokerHealthResponse {
	resp := BrokerHealthResponse{
		Status:      "healthy",
		AuthEnabled: h.authEnabled,
		TenantID:    h.tenantID,
	}

	all, err := h.upstreams.List(ctx)
	if err != nil {
		resp.Status = "unhealthy"
		resp.Servers.Statuses = map[string]string{}
		return resp
	}

	statusAll := h.manager.StatusAll()
	statuses := make(map[string]string, len(all))
	running := 0
	for _, u := range all {
		st := statusAll[u.ID]
		if st == "" {
			st = upstream.StatusDisconnected
		}
		statuses[u.Name] = string(st)
		if st == upstream.StatusConnected {
			running++
		}
	}

	resp.Servers = BrokerServersHealth{
		Total:    len(all),
		Running:  running,
		Statuses: statuses,
	}
	return resp
}

// Handler returns an HTTP handler for the broker /health endpoint.
func (h *BrokerHealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
