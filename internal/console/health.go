package console

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// ComponentStatus represents the health status of a component
type ComponentStatus string

const (
	StatusOK          ComponentStatus = "ok"
	StatusError       ComponentStatus = "error"
	StatusUnavailable ComponentStatus = "unavailable"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth holds the health status of a single component
type ComponentHealth struct {
	Status ComponentStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

// HealthCheckResult holds the result of a health check
type HealthCheckResult struct {
	Status     HealthStatus               `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// HealthChecker performs health checks on console components
type HealthChecker struct {
	db         *sql.DB
	hub        *Hub
	poller     *StatusPoller
	dispatcher *CommandDispatcher
	mu         sync.RWMutex
}

func NewHealthChecker(db *sql.DB, hub *Hub, poller *StatusPoller, dispatcher *CommandDispatcher) *HealthChecker {
	return &HealthChecker{
		db:         db,
		hub:        hub,
		poller:     poller,
		dispatcher: dispatcher,
	}
}

// CheckLiveness always reports healthy while the process is serving.
func (hc *HealthChecker) CheckLiveness(ctx context.Context) HealthCheckResult {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	return HealthCheckResult{
		Status:     HealthHealthy,
		Components: map[string]ComponentHealth{},
		Timestamp:  time.Now().UTC(),
	}
}

// CheckReadiness checks every wired component.
func (hc *HealthChecker) CheckReadiness(ctx context.Context) HealthCheckResult {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	components := map[string]ComponentHealth{
		"database":           hc.checkDatabase(ctx),
		"websocket_hub":      hc.checkHub(),
		"status_poller":      hc.checkPoller(),
		"command_dispatcher": hc.checkDispatcher(),
	}

	overallStatus := HealthHealthy
	for _, comp := range components {
		if comp.Status == StatusError {
			overallStatus = HealthUnhealthy
			break
		}
		if comp.Status == StatusUnavailable {
			overallStatus = HealthDegraded
		}
	}

	return HealthCheckResult{
		Status:     overallStatus,
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentHealth {
	if hc.db == nil {
		return ComponentHealth{Status: StatusUnavailable, Error: "database not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := hc.db.PingContext(ctx); err != nil {
		return ComponentHealth{Status: StatusError, Error: err.Error()}
	}
	return ComponentHealth{Status: StatusOK}
}

func (hc *HealthChecker) checkHub() ComponentHealth {
	if hc.hub == nil {
		return ComponentHealth{Status: StatusUnavailable, Error: "websocket hub not configured"}
	}
	return ComponentHealth{Status: StatusOK}
}

func (hc *HealthChecker) checkPoller() ComponentHealth {
	if hc.poller == nil {
		return ComponentHealth{Status: StatusUnavailable, Error: "status poller not configured"}
	}
	return ComponentHealth{Status: StatusOK}
}

func (hc *HealthChecker) checkDispatcher() ComponentHealth {
	if hc.dispatcher == nil {
		return ComponentHealth{Status: StatusUnavailable, Error: "command dispatcher not configured"}
	}
	return ComponentHealth{Status: StatusOK}
}
