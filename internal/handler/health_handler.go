// internal/handler/health_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"validator-service/internal/config"
	"validator-service/internal/device"
	"validator-service/internal/utils"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	manager   *device.Manager
	config    *config.Config
	logger    *utils.ServiceLogger
	startedAt time.Time
}

// HealthResponse is the overall health report.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Devices   map[string]CheckResult `json:"devices"`
}

// CheckResult is one device's health entry.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(manager *device.Manager, config *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		manager:   manager,
		config:    config,
		logger:    utils.NewServiceLogger(logger, "health-handler"),
		startedAt: time.Now(),
	}
}

// HealthCheck performs general health check
// @Summary Health check
// @Description Get overall service health including per-device session state
// @Tags Health
// @Accept json
// @Produce json
// @Success 200 {object} HealthResponse "Service is healthy"
// @Failure 503 {object} HealthResponse "Service is degraded"
// @Router /health [get]
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startedAt).String(),
		Devices:   make(map[string]CheckResult),
	}

	for _, status := range h.manager.List() {
		entry := CheckResult{Status: "healthy"}
		switch status.State {
		case device.StateOffline:
			entry = CheckResult{Status: "unhealthy", Message: "device offline"}
			health.Status = "degraded"
		case device.StateFailed:
			entry = CheckResult{Status: "unhealthy", Message: "session failed"}
			health.Status = "degraded"
		case device.StateUninitialized, device.StateResetting:
			entry = CheckResult{Status: "initializing"}
		}
		health.Devices[status.DeviceID] = entry
	}

	statusCode := http.StatusOK
	if health.Status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, health)
}

// ReadinessCheck checks if the service can take traffic
// @Summary Readiness check
// @Description Ready once every configured device session is registered
// @Tags Health
// @Accept json
// @Produce json
// @Success 200 {object} utils.APIResponse "Service is ready"
// @Failure 503 {object} utils.APIResponse "Service is not ready"
// @Router /ready [get]
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	registered := len(h.manager.List())
	configured := len(h.config.Devices)
	if registered < configured {
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Device sessions still starting", nil)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Service is ready", gin.H{
		"devices": registered,
	})
}

// LivenessCheck checks if the process is alive
// @Summary Liveness check
// @Description Plain liveness probe
// @Tags Health
// @Accept json
// @Produce json
// @Success 200 {object} utils.APIResponse "Service is alive"
// @Router /live [get]
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Service is alive", gin.H{
		"uptime": time.Since(h.startedAt).String(),
	})
}
