// internal/handler/device_handler.go
package handler

import (
	"encoding/binary"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"validator-service/internal/device"
	"validator-service/internal/utils"
)

// DeviceHandler handles validator HTTP requests
type DeviceHandler struct {
	manager *device.Manager
	logger  *utils.ServiceLogger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(manager *device.Manager, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		manager: manager,
		logger:  utils.NewServiceLogger(logger, "device-handler"),
	}
}

// CommandResponse is the command outcome returned to API callers.
type CommandResponse struct {
	CommandID string             `json:"command_id"`
	State     device.DeviceState `json:"state"`
}

// SetInhibitsRequest selects which channels accept notes. Either an explicit
// bit mask or a channel list; the list wins when both are present.
type SetInhibitsRequest struct {
	Mask     *uint16 `json:"mask,omitempty"`
	Channels []int   `json:"channels,omitempty"`
}

// DisplayRequest switches the bezel illumination.
type DisplayRequest struct {
	On bool `json:"on"`
}

// ListDevices lists all configured validators
// @Summary List devices
// @Description Get a status snapshot for every configured validator
// @Tags Devices
// @Accept json
// @Produce json
// @Success 200 {object} utils.APIResponse{data=[]device.Status} "Devices retrieved successfully"
// @Router /devices [get]
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Devices retrieved successfully", h.manager.List())
}

// GetDevice returns one validator's status
// @Summary Get device status
// @Description Get the status snapshot of a single validator. Served in every state, offline included, without touching the wire.
// @Tags Devices
// @Accept json
// @Produce json
// @Param device_id path string true "Device ID"
// @Success 200 {object} utils.APIResponse{data=device.Status} "Device retrieved successfully"
// @Failure 503 {object} utils.APIResponse "Device not registered"
// @Router /devices/{device_id} [get]
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	session, err := h.manager.Get(c.Param("device_id"))
	if err != nil {
		utils.DeviceErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device retrieved successfully", session.Snapshot())
}

// GetChannels returns the denomination table
// @Summary Get channel table
// @Description Get the channel/denomination table learned from the device at initialization
// @Tags Devices
// @Accept json
// @Produce json
// @Param device_id path string true "Device ID"
// @Success 200 {object} utils.APIResponse{data=[]device.Channel} "Channels retrieved successfully"
// @Failure 503 {object} utils.APIResponse "Device not registered"
// @Router /devices/{device_id}/channels [get]
func (h *DeviceHandler) GetChannels(c *gin.Context) {
	session, err := h.manager.Get(c.Param("device_id"))
	if err != nil {
		utils.DeviceErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Channels retrieved successfully", session.Channels())
}

// EnableDevice starts note acceptance
// @Summary Enable device
// @Description Enable note acceptance. Idempotent: enabling an enabled device succeeds without effect.
// @Tags Commands
// @Accept json
// @Produce json
// @Param device_id path string true "Device ID"
// @Param timeout query string false "Queue deadline, e.g. 5s"
// @Success 200 {object} utils.APIResponse{data=CommandResponse} "Device enabled"
// @Failure 409 {object} utils.APIResponse "Command not valid in current state"
// @Failure 503 {object} utils.APIResponse "Device unavailable"
// @Failure 504 {object} utils.APIResponse "Device did not respond"
// @Router /devices/{device_id}/enable [post]
func (h *DeviceHandler) EnableDevice(c *gin.Context) {
	h.submit(c, device.NewCommand(device.OpEnable), "Device enabled")
}

// DisableDevice stops note acceptance
// @Summary Disable device
// @Description Disable note acceptance. Idempotent.
// @Tags Commands
// @Accept json
// @Produce json
// @Param device_id path string true "Device ID"
// @Param timeout query string false "Queue deadline, e.g. 5s"
// @Success 200 {object} utils.APIResponse{data=CommandResponse} "Device disabled"
// @Failure 409 {object} utils.APIResponse "Command not valid in current state"
// @Failure 503 {object} utils.APIResponse "Device unavailable"
// @Failure 504 {object} utils.APIResponse "Device did not respond"
// @Router /devices/{device_id}/disable [post]
func (h *DeviceHandler) DisableDevice(c *gin.Context) {
	h.submit(c, device.NewCommand(device.OpDisable), "Device disabled")
}

// StackNote stacks the escrowed note
// @Summary Stack note
// @Description Move the note held in escrow into the cashbox
// @Tags Commands
// @Accept json
// @Produce json
// @Param device_id path string true "Device ID"
// @Param timeout query string false "Queue deadline, e.g. 5s"
// @Success 200 {object} utils.APIResponse{data=CommandResponse} "Note stacking"
// @Failure 409 {object} utils.APIResponse "No note in escrow"
// @Failure 503 {object} utils.APIResponse "Device unavailable"
// @Failure 504 {object} utils.APIResponse "Device did not respond"
// @Router /devices/{device_id}/stack [post]
func (h *DeviceHandler) StackNote(c *gin.Context) {
	h.submit(c, device.NewCommand(device.OpStack), "Note stacking")
}

// RejectNote returns the escrowed note
// @Summary Reject note
// @Description Return the note held in escrow to the customer
// @Tags Commands
// @Accept json
// @Produce json
// @Param device_id path string true "Device ID"
// @Param timeout query string false "Queue deadline, e.g. 5s"
// @Success 200 {object} utils.APIResponse{data=CommandResponse} "Note returning"
// @Failure 409 {object} utils.APIResponse "No note in escrow"
// @Failure 503 {object} utils.APIResponse "Device unavailable"
// @Failure 504 {object} utils.APIResponse "Device did not respond"
// @Router /devices/{device_id}/reject [post]
func (h *DeviceHandler) RejectNote(c *gin.Context) {
	h.submit(c, device.NewCommand(device.OpReject), "Note returning")
}

// HoldNote keeps the escrowed note in escrow
// @Summary Hold note
// @Description Extend the escrow timeout, keeping the note held
// @Tags Commands
// @Accept json
// @Produce json
// @Param device_id path string true "Device ID"
// @Param timeout query string false "Queue deadline, e.g. 5s"
// @Success 200 {object} utils.APIResponse{data=CommandResponse} "Note held"
// @Failure 409 {object} utils.APIResponse "No note in escrow"
// @Failure 503 {object} utils.APIResponse "Device unavailable"
// @Failure 504 {object} utils.APIResponse "Device did not respond"
// @Router /devices/{device_id}/hold [post]
func (h *DeviceHandler) HoldNote(c *gin.Context) {
	h.submit(c, device.NewCommand(device.OpHold), "Note held")
}

// ResetDevice restarts the validator
// @Summary Reset device
// @Description Restart the validator. This is the only command accepted while the device is offline.
// @Tags Commands
// @Accept json
// @Produce json
// @Param device_id path string true "Device ID"
// @Param timeout query string false "Queue deadline, e.g. 5s"
// @Success 200 {object} utils.APIResponse{data=CommandResponse} "Device resetting"
// @Failure 503 {object} utils.APIResponse "Device unavailable"
// @Failure 504 {object} utils.APIResponse "Device did not respond"
// @Router /devices/{device_id}/reset [post]
func (h *DeviceHandler) ResetDevice(c *gin.Context) {
	h.submit(c, device.NewCommand(device.OpReset), "Device resetting")
}

// SetInhibits updates the acceptance mask
// @Summary Set channel inhibits
// @Description Select which channels accept notes, by bit mask or channel list
// @Tags Commands
// @Accept json
// @Produce json
// @Param device_id path string true "Device ID"
// @Param request body SetInhibitsRequest true "Inhibit selection"
// @Success 200 {object} utils.APIResponse{data=CommandResponse} "Inhibits updated"
// @Failure 400 {object} utils.APIResponse "Invalid request"
// @Failure 409 {object} utils.APIResponse "Command not valid in current state"
// @Failure 503 {object} utils.APIResponse "Device unavailable"
// @Router /devices/{device_id}/inhibits [put]
func (h *DeviceHandler) SetInhibits(c *gin.Context) {
	var req SetInhibitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var mask uint16
	switch {
	case len(req.Channels) > 0:
		for _, ch := range req.Channels {
			if ch < 1 || ch > 16 {
				utils.ErrorResponse(c, http.StatusBadRequest, "Channel out of range", nil)
				return
			}
			mask |= 1 << (ch - 1)
		}
	case req.Mask != nil:
		mask = *req.Mask
	default:
		utils.ErrorResponse(c, http.StatusBadRequest, "Either mask or channels is required", nil)
		return
	}

	cmd := device.NewCommand(device.OpSetInhibits)
	cmd.Inhibits = mask
	h.submit(c, cmd, "Inhibits updated")
}

// SyncKeys renegotiates the encryption session
// @Summary Renegotiate encryption keys
// @Description Run a fresh Diffie-Hellman key exchange with the device
// @Tags Commands
// @Accept json
// @Produce json
// @Param device_id path string true "Device ID"
// @Success 200 {object} utils.APIResponse{data=CommandResponse} "Keys negotiated"
// @Failure 409 {object} utils.APIResponse "Command not valid in current state"
// @Failure 503 {object} utils.APIResponse "Device unavailable"
// @Failure 500 {object} utils.APIResponse "Key exchange failed"
// @Router /devices/{device_id}/sync-keys [post]
func (h *DeviceHandler) SyncKeys(c *gin.Context) {
	h.submit(c, device.NewCommand(device.OpSyncKeys), "Keys negotiated")
}

// SetDisplay switches the bezel illumination
// @Summary Set display
// @Description Turn the bezel illumination on or off
// @Tags Commands
// @Accept json
// @Produce json
// @Param device_id path string true "Device ID"
// @Param request body DisplayRequest true "Display state"
// @Success 200 {object} utils.APIResponse{data=CommandResponse} "Display updated"
// @Failure 400 {object} utils.APIResponse "Invalid request"
// @Failure 503 {object} utils.APIResponse "Device unavailable"
// @Router /devices/{device_id}/display [put]
func (h *DeviceHandler) SetDisplay(c *gin.Context) {
	var req DisplayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	op := device.OpDisplayOff
	if req.On {
		op = device.OpDisplayOn
	}
	h.submit(c, device.NewCommand(op), "Display updated")
}

// GetLastRejectCode explains the most recent rejection
// @Summary Get last reject code
// @Description Query why the device last rejected a note
// @Tags Devices
// @Accept json
// @Produce json
// @Param device_id path string true "Device ID"
// @Success 200 {object} utils.APIResponse "Reject code retrieved"
// @Failure 503 {object} utils.APIResponse "Device unavailable"
// @Router /devices/{device_id}/last-reject [get]
func (h *DeviceHandler) GetLastRejectCode(c *gin.Context) {
	cmd := device.NewCommand(device.OpLastRejectCode)
	res, err := h.manager.Submit(c.Request.Context(), c.Param("device_id"), cmd)
	if err != nil {
		utils.DeviceErrorResponse(c, err)
		return
	}

	var code byte
	if len(res.Data) > 0 {
		code = res.Data[0]
	}
	utils.SuccessResponse(c, http.StatusOK, "Reject code retrieved", gin.H{
		"code":   code,
		"reason": rejectReason(code),
	})
}

// GetSerialNumber reads the device serial number
// @Summary Get serial number
// @Description Read the factory serial number from the device
// @Tags Devices
// @Accept json
// @Produce json
// @Param device_id path string true "Device ID"
// @Success 200 {object} utils.APIResponse "Serial number retrieved"
// @Failure 503 {object} utils.APIResponse "Device unavailable"
// @Router /devices/{device_id}/serial-number [get]
func (h *DeviceHandler) GetSerialNumber(c *gin.Context) {
	cmd := device.NewCommand(device.OpSerialNumber)
	res, err := h.manager.Submit(c.Request.Context(), c.Param("device_id"), cmd)
	if err != nil {
		utils.DeviceErrorResponse(c, err)
		return
	}

	var serial uint32
	if len(res.Data) >= 4 {
		serial = binary.BigEndian.Uint32(res.Data[:4])
	}
	utils.SuccessResponse(c, http.StatusOK, "Serial number retrieved", gin.H{
		"serial_number": serial,
	})
}

// submit queues the command, applying an optional ?timeout= queue deadline,
// and renders the outcome.
func (h *DeviceHandler) submit(c *gin.Context, cmd *device.Command, message string) {
	if t := c.Query("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil || d <= 0 {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid timeout", err)
			return
		}
		cmd.Deadline = time.Now().Add(d)
	}

	deviceID := c.Param("device_id")
	res, err := h.manager.Submit(c.Request.Context(), deviceID, cmd)
	if err != nil {
		h.logger.Warn("Command failed",
			zap.String("device_id", deviceID),
			zap.String("op", string(cmd.Op)),
			zap.Error(err),
		)
		utils.DeviceErrorResponse(c, err)
		return
	}

	h.logger.Info("Command completed",
		zap.String("device_id", deviceID),
		zap.String("op", string(cmd.Op)),
		zap.String("state", string(res.State)),
	)
	utils.SuccessResponse(c, http.StatusOK, message, CommandResponse{
		CommandID: cmd.ID.String(),
		State:     res.State,
	})
}

// rejectReason translates the firmware reject codes that appear in the field.
func rejectReason(code byte) string {
	reasons := map[byte]string{
		0x00: "note accepted",
		0x01: "note length incorrect",
		0x02: "invalid note",
		0x05: "channel inhibited",
		0x06: "second note inserted during read",
		0x08: "note recognised in more than one channel",
		0x0A: "invalid note read",
		0x0B: "note too long",
		0x0C: "validator disabled",
		0x0D: "mechanism slow or stalled",
		0x10: "invalid note read",
	}
	if reason, ok := reasons[code]; ok {
		return reason
	}
	return "unknown"
}
