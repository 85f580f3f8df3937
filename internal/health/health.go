package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/calvadev/nostrpow/internal/metrics"
	"github.com/calvadev/nostrpow/internal/models"
	"go.uber.org/zap"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the status of a specific component
type ComponentStatus struct {
	Name    string         `json:"name"`
	Status  HealthStatus   `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus       `json:"status"`
	Timestamp  time.Time          `json:"timestamp"`
	Version    string             `json:"version"`
	Uptime     string             `json:"uptime"`
	Components []*ComponentStatus `json:"components"`
	Summary    map[string]any     `json:"summary"`
}

// RelaySource reports upstream relay state.
type RelaySource interface {
	Statuses() []models.RelayStatusSnapshot
}

// Sources are the live components a health check reads from.
type Sources struct {
	Relays        RelaySource
	NoteCount     func() int
	ClientCount   func() int
	QueueLen      func() int
	QueueCapacity int
}

// HealthChecker performs health checks over the relay pool, the ingestion
// queue and the process.
type HealthChecker struct {
	src       Sources
	logger    *zap.Logger
	startTime time.Time
	version   string
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(src Sources, logger *zap.Logger, version string) *HealthChecker {
	return &HealthChecker{
		src:       src,
		logger:    logger.Named("health"),
		startTime: time.Now(),
		version:   version,
	}
}

// CheckHealth runs every component check.
func (h *HealthChecker) CheckHealth() *HealthResponse {
	startTime := time.Now()

	components := []*ComponentStatus{
		h.checkRelays(),
		h.checkIngest(),
		h.checkMemory(),
		h.checkSystemResources(),
	}

	return &HealthResponse{
		Status:     h.determineOverallStatus(components),
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     h.formatUptime(time.Since(h.startTime)),
		Components: components,
		Summary: map[string]any{
			"total_components":     len(components),
			"healthy_components":   h.countComponentsByStatus(components, StatusHealthy),
			"degraded_components":  h.countComponentsByStatus(components, StatusDegraded),
			"unhealthy_components": h.countComponentsByStatus(components, StatusUnhealthy),
			"client_sessions":      callOr(h.src.ClientCount, 0),
			"check_duration_ms":    time.Since(startTime).Milliseconds(),
		},
	}
}

// checkRelays is unhealthy when relays are configured but none is
// connected, degraded when only some are.
func (h *HealthChecker) checkRelays() *ComponentStatus {
	status := &ComponentStatus{
		Name:    "relays",
		Details: make(map[string]any),
	}

	var statuses []models.RelayStatusSnapshot
	if h.src.Relays != nil {
		statuses = h.src.Relays.Statuses()
	}
	byStatus := make(map[models.RelayStatus]int)
	for _, s := range statuses {
		byStatus[s.Status]++
	}
	connected := byStatus[models.StatusConnected]

	status.Details["total"] = len(statuses)
	status.Details["connected"] = connected
	status.Details["connecting"] = byStatus[models.StatusConnecting]
	status.Details["disconnected"] = byStatus[models.StatusDisconnected]
	status.Details["error"] = byStatus[models.StatusError]

	switch {
	case len(statuses) == 0:
		status.Status = StatusDegraded
		status.Message = "No relays configured"
	case connected == 0:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("No relay connected (0/%d)", len(statuses))
	case connected < len(statuses):
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Some relays unavailable: %d/%d connected", connected, len(statuses))
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("All relays connected: %d", connected)
	}
	return status
}

// checkIngest reports queue pressure and throughput.
func (h *HealthChecker) checkIngest() *ComponentStatus {
	status := &ComponentStatus{
		Name:    "ingest",
		Details: make(map[string]any),
	}

	queued := callOr(h.src.QueueLen, 0)
	status.Details["queued"] = queued
	status.Details["queue_capacity"] = h.src.QueueCapacity
	status.Details["notes_stored"] = callOr(h.src.NoteCount, 0)
	status.Details["notes_ingested"] = metrics.GetNotesIngestedCount()
	status.Details["notes_per_second"] = metrics.GetNotesPerSecond()
	status.Details["broadcast_drops"] = metrics.GetBroadcastDroppedCount()

	utilization := 0.0
	if h.src.QueueCapacity > 0 {
		utilization = float64(queued) / float64(h.src.QueueCapacity) * 100
	}
	status.Details["queue_utilization_percent"] = utilization

	switch {
	case utilization > 95:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("Ingest queue saturated: %.1f%%", utilization)
	case utilization > 75:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Ingest queue under pressure: %.1f%%", utilization)
	default:
		status.Status = StatusHealthy
		status.Message = "Ingest queue normal"
	}
	return status
}

// checkMemory checks memory usage
func (h *HealthChecker) checkMemory() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := &ComponentStatus{
		Name:    "memory",
		Details: make(map[string]any),
	}

	allocMB := float64(m.Alloc) / 1024 / 1024
	status.Details["alloc_mb"] = allocMB
	status.Details["sys_mb"] = float64(m.Sys) / 1024 / 1024
	status.Details["heap_mb"] = float64(m.HeapAlloc) / 1024 / 1024
	status.Details["num_gc"] = m.NumGC

	// the note store is the main consumer
	const (
		memoryWarningMB  = 1024
		memoryCriticalMB = 2048
	)

	switch {
	case allocMB > memoryCriticalMB:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High memory usage: %.1f MB", allocMB)
	case allocMB > memoryWarningMB:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated memory usage: %.1f MB", allocMB)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Memory usage normal: %.1f MB", allocMB)
	}
	return status
}

// checkSystemResources checks system-level resources
func (h *HealthChecker) checkSystemResources() *ComponentStatus {
	goroutineCount := runtime.NumGoroutine()
	status := &ComponentStatus{
		Name: "system",
		Details: map[string]any{
			"goroutines": goroutineCount,
			"cpus":       runtime.NumCPU(),
		},
	}

	const (
		goroutineWarning  = 5000
		goroutineCritical = 20000
	)

	switch {
	case goroutineCount > goroutineCritical:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High goroutine count: %d", goroutineCount)
	case goroutineCount > goroutineWarning:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated goroutine count: %d", goroutineCount)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("System resources normal: %d goroutines", goroutineCount)
	}
	return status
}

// determineOverallStatus determines the overall health status from components
func (h *HealthChecker) determineOverallStatus(components []*ComponentStatus) HealthStatus {
	if h.countComponentsByStatus(components, StatusUnhealthy) > 0 {
		return StatusUnhealthy
	}
	if h.countComponentsByStatus(components, StatusDegraded) > 0 {
		return StatusDegraded
	}
	return StatusHealthy
}

// countComponentsByStatus counts components with a specific status
func (h *HealthChecker) countComponentsByStatus(components []*ComponentStatus, status HealthStatus) int {
	count := 0
	for _, comp := range components {
		if comp.Status == status {
			count++
		}
	}
	return count
}

// formatUptime formats uptime duration as a human-readable string
func (h *HealthChecker) formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// HandleHealth is the HTTP handler for health checks. Liveness (the default)
// answers 200 unless the process is unhealthy; ?ready=1 additionally
// requires at least one connected relay.
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := h.CheckHealth()

	statusCode := http.StatusOK
	if r.URL.Query().Get("ready") == "1" {
		for _, c := range resp.Components {
			if c.Name == "relays" && c.Status == StatusUnhealthy {
				statusCode = http.StatusServiceUnavailable
			}
		}
	}
	for _, c := range resp.Components {
		if c.Name != "relays" && c.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
		return
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(resp.Status)),
		zap.Int("status_code", statusCode),
		zap.String("client_ip", r.RemoteAddr))
}

func callOr(f func() int, fallback int) int {
	if f == nil {
		return fallback
	}
	return f()
}
