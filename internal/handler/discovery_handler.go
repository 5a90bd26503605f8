// internal/handler/discovery_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"validator-service/internal/transport"
	"validator-service/internal/utils"
)

// DiscoveryHandler exposes serial port discovery
type DiscoveryHandler struct {
	logger *utils.ServiceLogger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		logger: utils.NewServiceLogger(logger, "discovery-handler"),
	}
}

// ListPorts lists candidate serial ports
// @Summary List serial ports
// @Description Enumerate the serial ports present on the host, as candidates for attaching a validator
// @Tags Discovery
// @Accept json
// @Produce json
// @Success 200 {object} utils.APIResponse{data=object{ports=[]string}} "Ports retrieved successfully"
// @Failure 500 {object} utils.APIResponse "Port enumeration failed"
// @Router /discovery/ports [get]
func (h *DiscoveryHandler) ListPorts(c *gin.Context) {
	ports, err := transport.ListPorts()
	if err != nil {
		h.logger.Error("Port enumeration failed", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Port enumeration failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Ports retrieved successfully", gin.H{
		"ports": ports,
	})
}
