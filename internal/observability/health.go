package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusOK        HealthStatus = "ok"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LatencyMS int64        `json:"latency_ms,omitempty"`
}

// HealthCheckResponse represents the overall health check response.
type HealthCheckResponse struct {
	Status        HealthStatus               `json:"status"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Timestamp     string                     `json:"timestamp"`
	Checks        map[string]ComponentHealth `json:"checks"`
}

// HealthChecker performs health checks on system components.
type HealthChecker struct {
	version   string
	startTime time.Time
	checks    map[string]HealthCheckFunc
}

// HealthCheckFunc defines a function that checks component health.
type HealthCheckFunc func(ctx context.Context) ComponentHealth

// NewHealthChecker creates a new health checker.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{version: version, startTime: time.Now(), checks: make(map[string]HealthCheckFunc)}
}

// RegisterCheck registers a health check for a component.
func (hc *HealthChecker) RegisterCheck(name string, checkFunc HealthCheckFunc) {
	hc.checks[name] = checkFunc
}

// Check performs all health checks.
func (hc *HealthChecker) Check(ctx context.Context) HealthCheckResponse {
	response := HealthCheckResponse{
		Status:        HealthStatusOK,
		Version:       hc.version,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Timestamp:     time.Now().Format(time.RFC3339),
		Checks:        make(map[string]ComponentHealth),
	}

	for name, checkFunc := range hc.checks {
		health := checkFunc(ctx)
		response.Checks[name] = health

		if health.Status == HealthStatusUnhealthy {
			response.Status = HealthStatusUnhealthy
		} else if health.Status == HealthStatusDegraded && response.Status != HealthStatusUnhealthy {
			response.Status = HealthStatusDegraded
		}
	}

	return response
}

// Handler returns an HTTP handler for health checks.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		response := hc.Check(ctx)

		w.Header().Set("Content-Type", "application/json")
		switch response.Status {
		case HealthStatusOK:
			w.WriteHeader(http.StatusOK)
		case HealthStatusDegraded:
			w.WriteHeader(http.StatusOK)
		case HealthStatusUnhealthy:
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}

// Common health check functions, adapted from the teacher's transport/
// keystore/database checks to this core's collaborators.

// ObjectStoreCheck checks that the content-addressed object store
// accepts a small probe write; the probe is not read back.
func ObjectStoreCheck(put func(ctx context.Context, data []byte) (string, error)) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		_, err := put(ctx, []byte("healthcheck"))
		latency := time.Since(start).Milliseconds()
		if err != nil {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: err.Error(), LatencyMS: latency}
		}
		return ComponentHealth{Status: HealthStatusOK, Message: "object store reachable", LatencyMS: latency}
	}
}

// AnchorLogCheck checks that the anchor log is open and
// serving reads.
func AnchorLogCheck(probe func() error) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := probe()
		latency := time.Since(start).Milliseconds()
		if err != nil {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: err.Error(), LatencyMS: latency}
		}
		return ComponentHealth{Status: HealthStatusOK, Message: "anchor log reachable", LatencyMS: latency}
	}
}

// DatabaseCheck checks the durable chunk store's responsiveness.
func DatabaseCheck(quota func() (usedBytes, quotaBytes int64, err error)) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		_, _, err := quota()
		latency := time.Since(start).Milliseconds()
		if err != nil {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: err.Error(), LatencyMS: latency}
		}
		return ComponentHealth{Status: HealthStatusOK, Message: "durable store responsive", LatencyMS: latency}
	}
}

// QuotaCheck reports degraded/unhealthy status as the durable store
// approaches its configured quota (spec.md §5's storageLow/
// storageCritical thresholds).
func QuotaCheck(quota func() (usedBytes, quotaBytes int64, err error), warnFraction, rejectFraction float64) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		used, total, err := quota()
		if err != nil {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: err.Error()}
		}
		if total == 0 {
			return ComponentHealth{Status: HealthStatusOK, Message: "no quota configured"}
		}
		frac := float64(used) / float64(total)
		switch {
		case frac >= rejectFraction:
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("store at %.1f%% of quota", frac*100)}
		case frac >= warnFraction:
			return ComponentHealth{Status: HealthStatusDegraded, Message: fmt.Sprintf("store at %.1f%% of quota", frac*100)}
		default:
			return ComponentHealth{Status: HealthStatusOK, Message: fmt.Sprintf("store at %.1f%% of quota", frac*100)}
		}
	}
}
