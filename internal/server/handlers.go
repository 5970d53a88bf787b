// internal/server/handlers.go
package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rogovsky/openhantek-1/internal/config"
	"github.com/rogovsky/openhantek-1/internal/dso"
	"github.com/rogovsky/openhantek-1/internal/logging"
	"github.com/rogovsky/openhantek-1/internal/usb"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	config  *config.Config
	service *dso.Service
	logger  *logging.ServiceLogger
	started time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(service *dso.Service, config *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		config:  config,
		service: service,
		logger:  logging.NewServiceLogger(logger, "health-handler"),
		started: time.Now(),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.HealthCheck)
}

// HealthCheck reports daemon liveness and build information
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   h.config.App.Name,
		"version":   h.config.App.Version,
		"uptime":    time.Since(h.started).String(),
		"devices":   len(h.service.List()),
	})
}

// DeviceHandler handles oscilloscope management requests
type DeviceHandler struct {
	service *dso.Service
	logger  *logging.ServiceLogger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(service *dso.Service, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		service: service,
		logger:  logging.NewServiceLogger(logger, "device-handler"),
	}
}

// RegisterRoutes registers device management routes
func (h *DeviceHandler) RegisterRoutes(router *gin.RouterGroup) {
	devices := router.Group("/devices")
	{
		devices.GET("", h.ListDevices)

		device := devices.Group("/:id")
		{
			device.GET("", h.GetDevice)
			device.POST("/connect", h.ConnectDevice)
			device.POST("/disconnect", h.DisconnectDevice)
			device.PUT("/channels/:channel", h.ConfigureChannel)
			device.PUT("/trigger", h.ConfigureTrigger)
			device.PUT("/acquisition", h.ConfigureAcquisition)
			device.POST("/sampling/start", h.StartSampling)
			device.POST("/sampling/stop", h.StopSampling)
			device.POST("/trigger/force", h.ForceTrigger)
		}
	}
}

// respondServiceError maps service errors onto HTTP status codes
func respondServiceError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, dso.ErrDeviceNotFound):
		ErrorResponse(c, http.StatusNotFound, message, err)
	case errors.Is(err, dso.ErrAlreadyConnected), errors.Is(err, dso.ErrNotConnected):
		ErrorResponse(c, http.StatusConflict, message, err)
	case errors.Is(err, dso.ErrParameter):
		ErrorResponse(c, http.StatusBadRequest, message, err)
	case errors.Is(err, dso.ErrUnsupported):
		ErrorResponse(c, http.StatusUnprocessableEntity, message, err)
	case errors.Is(err, usb.ErrNoDevice):
		ErrorResponse(c, http.StatusServiceUnavailable, message, err)
	default:
		ErrorResponse(c, http.StatusInternalServerError, message, err)
	}
}

// ListDevices scans the bus and lists the tracked devices
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	if err := h.service.Refresh(); err != nil {
		h.logger.Error("Bus scan failed", zap.Error(err))
		ErrorResponse(c, http.StatusServiceUnavailable, "USB bus scan failed", err)
		return
	}

	devices := h.service.List()
	SuccessResponse(c, http.StatusOK, "Devices retrieved successfully", gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// GetDevice returns the state of one device
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	state, err := h.service.Get(c.Param("id"))
	if err != nil {
		respondServiceError(c, err, "Failed to retrieve device")
		return
	}

	SuccessResponse(c, http.StatusOK, "Device retrieved successfully", state)
}

// ConnectDevice opens a device and starts its acquisition loop
func (h *DeviceHandler) ConnectDevice(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.Connect(id); err != nil {
		if errors.Is(err, dso.ErrFirmwareUploaded) {
			h.logger.Info("Firmware uploaded", zap.String("device_id", id))
			SuccessResponse(c, http.StatusAccepted, "Firmware uploaded, device renumerating", nil)
			return
		}
		h.logger.Error("Failed to connect device", zap.String("device_id", id), zap.Error(err))
		respondServiceError(c, err, "Failed to connect device")
		return
	}

	state, err := h.service.Get(id)
	if err != nil {
		respondServiceError(c, err, "Failed to connect device")
		return
	}

	h.logger.Info("Device connected", zap.String("device_id", id))
	SuccessResponse(c, http.StatusOK, "Device connected successfully", state)
}

// DisconnectDevice stops the acquisition loop and closes the device
func (h *DeviceHandler) DisconnectDevice(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.Disconnect(id); err != nil {
		respondServiceError(c, err, "Failed to disconnect device")
		return
	}

	h.logger.Info("Device disconnected", zap.String("device_id", id))
	SuccessResponse(c, http.StatusOK, "Device disconnected successfully", nil)
}

// control resolves the acquisition control of the addressed device,
// answering the request itself when the device is unavailable
func (h *DeviceHandler) control(c *gin.Context) (*dso.Control, bool) {
	control, err := h.service.Control(c.Param("id"))
	if err != nil {
		respondServiceError(c, err, "Device control unavailable")
		return nil, false
	}
	return control, true
}

// StartSampling enables capture delivery
func (h *DeviceHandler) StartSampling(c *gin.Context) {
	control, ok := h.control(c)
	if !ok {
		return
	}

	if err := control.StartSampling(); err != nil {
		respondServiceError(c, err, "Failed to start sampling")
		return
	}

	h.logger.Info("Sampling started", zap.String("device_id", c.Param("id")))
	SuccessResponse(c, http.StatusOK, "Sampling started", nil)
}

// StopSampling disables capture delivery
func (h *DeviceHandler) StopSampling(c *gin.Context) {
	control, ok := h.control(c)
	if !ok {
		return
	}

	control.StopSampling()
	h.logger.Info("Sampling stopped", zap.String("device_id", c.Param("id")))
	SuccessResponse(c, http.StatusOK, "Sampling stopped", nil)
}

// ForceTrigger starts a capture regardless of the trigger condition
func (h *DeviceHandler) ForceTrigger(c *gin.Context) {
	control, ok := h.control(c)
	if !ok {
		return
	}

	if err := control.ForceTrigger(); err != nil {
		respondServiceError(c, err, "Failed to force trigger")
		return
	}

	SuccessResponse(c, http.StatusOK, "Trigger forced", nil)
}

// channelRequest configures one input channel; absent fields keep their
// current value
type channelRequest struct {
	Used     *bool    `json:"used"`
	Coupling *string  `json:"coupling"`
	Gain     *float64 `json:"gain"`
	Offset   *float64 `json:"offset"`
}

// ConfigureChannel applies channel settings
func (h *DeviceHandler) ConfigureChannel(c *gin.Context) {
	channel, err := strconv.Atoi(c.Param("channel"))
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid channel index", err)
		return
	}

	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	control, ok := h.control(c)
	if !ok {
		return
	}

	if req.Used != nil {
		if err := control.SetChannelUsed(channel, *req.Used); err != nil {
			respondServiceError(c, err, "Failed to set channel usage")
			return
		}
	}
	if req.Coupling != nil {
		coupling, err := parseCoupling(*req.Coupling)
		if err != nil {
			ErrorResponse(c, http.StatusBadRequest, "Invalid coupling", err)
			return
		}
		if err := control.SetCoupling(channel, coupling); err != nil {
			respondServiceError(c, err, "Failed to set coupling")
			return
		}
	}
	if req.Gain != nil {
		if err := control.SetGain(channel, *req.Gain); err != nil {
			respondServiceError(c, err, "Failed to set gain")
			return
		}
	}
	if req.Offset != nil {
		if err := control.SetOffset(channel, *req.Offset); err != nil {
			respondServiceError(c, err, "Failed to set offset")
			return
		}
	}

	SuccessResponse(c, http.StatusOK, "Channel configured successfully", nil)
}

// triggerRequest configures triggering; absent fields keep their current
// value. Level applies to the channel given in Channel.
type triggerRequest struct {
	Mode     *string  `json:"mode"`
	Special  bool     `json:"special"`
	Source   *int     `json:"source"`
	Slope    *string  `json:"slope"`
	Channel  int      `json:"channel"`
	Level    *float64 `json:"level"`
	Position *float64 `json:"position"`
}

// ConfigureTrigger applies trigger settings
func (h *DeviceHandler) ConfigureTrigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	control, ok := h.control(c)
	if !ok {
		return
	}

	if req.Mode != nil {
		mode, err := parseTriggerMode(*req.Mode)
		if err != nil {
			ErrorResponse(c, http.StatusBadRequest, "Invalid trigger mode", err)
			return
		}
		if err := control.SetTriggerMode(mode); err != nil {
			respondServiceError(c, err, "Failed to set trigger mode")
			return
		}
	}
	if req.Source != nil {
		if err := control.SetTriggerSource(req.Special, *req.Source); err != nil {
			respondServiceError(c, err, "Failed to set trigger source")
			return
		}
	}
	if req.Slope != nil {
		slope, err := parseSlope(*req.Slope)
		if err != nil {
			ErrorResponse(c, http.StatusBadRequest, "Invalid trigger slope", err)
			return
		}
		if err := control.SetTriggerSlope(slope); err != nil {
			respondServiceError(c, err, "Failed to set trigger slope")
			return
		}
	}
	if req.Level != nil {
		if err := control.SetTriggerLevel(req.Channel, *req.Level); err != nil {
			respondServiceError(c, err, "Failed to set trigger level")
			return
		}
	}
	if req.Position != nil {
		if err := control.SetPretriggerPosition(*req.Position); err != nil {
			respondServiceError(c, err, "Failed to set pretrigger position")
			return
		}
	}

	SuccessResponse(c, http.StatusOK, "Trigger configured successfully", nil)
}

// acquisitionRequest configures the sample clock; samplerate and
// record_time are mutually exclusive ways to pick it
type acquisitionRequest struct {
	Samplerate   *float64 `json:"samplerate"`
	RecordTime   *float64 `json:"record_time"`
	RecordLength *int     `json:"record_length"`
}

// ConfigureAcquisition applies record length and sample clock settings
func (h *DeviceHandler) ConfigureAcquisition(c *gin.Context) {
	var req acquisitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Samplerate != nil && req.RecordTime != nil {
		ErrorResponse(c, http.StatusBadRequest,
			"samplerate and record_time are mutually exclusive", nil)
		return
	}

	control, ok := h.control(c)
	if !ok {
		return
	}

	if req.RecordLength != nil {
		if err := control.SetRecordLength(*req.RecordLength); err != nil {
			respondServiceError(c, err, "Failed to set record length")
			return
		}
	}
	if req.Samplerate != nil {
		if err := control.SetSamplerate(*req.Samplerate); err != nil {
			respondServiceError(c, err, "Failed to set samplerate")
			return
		}
	}
	if req.RecordTime != nil {
		if err := control.SetRecordTime(*req.RecordTime); err != nil {
			respondServiceError(c, err, "Failed to set record time")
			return
		}
	}

	state, err := h.service.Get(c.Param("id"))
	if err != nil {
		respondServiceError(c, err, "Failed to retrieve device")
		return
	}
	SuccessResponse(c, http.StatusOK, "Acquisition configured successfully", state)
}

func parseCoupling(value string) (dso.Coupling, error) {
	switch value {
	case "ac":
		return dso.CouplingAC, nil
	case "dc":
		return dso.CouplingDC, nil
	case "gnd":
		return dso.CouplingGND, nil
	}
	return 0, fmt.Errorf("unknown coupling %q", value)
}

func parseTriggerMode(value string) (dso.TriggerMode, error) {
	switch value {
	case "auto":
		return dso.TriggerAuto, nil
	case "normal":
		return dso.TriggerNormal, nil
	case "single":
		return dso.TriggerSingle, nil
	}
	return 0, fmt.Errorf("unknown trigger mode %q", value)
}

func parseSlope(value string) (dso.Slope, error) {
	switch value {
	case "positive":
		return dso.SlopePositive, nil
	case "negative":
		return dso.SlopeNegative, nil
	}
	return 0, fmt.Errorf("unknown trigger slope %q", value)
}
