// internal/handler/discovery_handler.go
package handler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"grbl-service/internal/discovery"
	"grbl-service/internal/model"
	"grbl-service/internal/service"
	"grbl-service/internal/utils"
)

const maxScanTimeout = 5 * time.Minute

// DiscoveryHandler handles controller discovery requests
type DiscoveryHandler struct {
	scanners    *discovery.ScannerManager
	linkService *service.LinkService
	scanning    sync.Mutex
	logger      *utils.ServiceLogger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(scanners *discovery.ScannerManager, linkService *service.LinkService, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		scanners:    scanners,
		linkService: linkService,
		logger:      utils.NewServiceLogger(logger, "discovery-handler"),
	}
}

// RegisterRoutes registers discovery routes
func (h *DiscoveryHandler) RegisterRoutes(router *gin.RouterGroup) {
	group := router.Group("/discovery")
	{
		group.GET("/scan", h.ScanControllers)
		group.GET("/scanners", h.ListScanners)
		group.POST("/auto-connect", h.AutoConnect)
	}
}

// ScanControllers probes ports for controllers. Ports held by the live
// session are never probed.
func (h *DiscoveryHandler) ScanControllers(c *gin.Context) {
	controllers, ok := h.scan(c)
	if !ok {
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Controller scan completed", gin.H{
		"controllers_found": len(controllers),
		"controllers":       controllers,
	})
}

// ListScanners returns the available scanner types
func (h *DiscoveryHandler) ListScanners(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Scanners retrieved", h.scanners.GetAvailableScanners())
}

// AutoConnect scans and opens a session on the first controller found
func (h *DiscoveryHandler) AutoConnect(c *gin.Context) {
	controllers, ok := h.scan(c)
	if !ok {
		return
	}
	if len(controllers) == 0 {
		utils.ErrorResponse(c, http.StatusNotFound, "No controller found", discovery.ErrNoController)
		return
	}

	found := controllers[0]
	snapshot, err := h.linkService.Connect(c.Request.Context(), &model.ConnectRequest{
		Port:     found.Port,
		BaudRate: found.BaudRate,
		Dialect:  found.Dialect,
	})
	if err != nil {
		h.logger.Error("Auto connect failed", zap.String("port", found.Port), zap.Error(err))
		respondError(c, "Failed to connect", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Connected", gin.H{
		"controller": found,
		"session":    snapshot,
	})
}

// scan runs the scanners named by the type query. It writes the error
// response itself and reports false on failure.
func (h *DiscoveryHandler) scan(c *gin.Context) ([]*discovery.DiscoveredController, bool) {
	timeout, err := time.ParseDuration(c.DefaultQuery("timeout", "30s"))
	if err != nil || timeout <= 0 || timeout > maxScanTimeout {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid scan timeout", err)
		return nil, false
	}

	if !h.scanning.TryLock() {
		utils.ErrorResponse(c, http.StatusConflict, "Scan already in progress", nil)
		return nil, false
	}
	defer h.scanning.Unlock()

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	var controllers []*discovery.DiscoveredController
	scanType := c.DefaultQuery("type", "all")
	if scanType == "all" {
		controllers, err = h.scanners.ScanAll(ctx, h.linkService.PortInUse)
	} else {
		controllers, err = h.scanners.ScanByType(ctx, scanType, h.linkService.PortInUse)
	}

	switch {
	case errors.Is(err, discovery.ErrUnknownScanner):
		utils.ErrorResponse(c, http.StatusBadRequest, "Unknown scanner type", err)
		return nil, false
	case errors.Is(err, context.DeadlineExceeded):
		utils.ErrorResponse(c, http.StatusGatewayTimeout, "Controller scan timed out", err)
		return nil, false
	case err != nil:
		h.logger.Error("Failed to scan controllers", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to scan controllers", err)
		return nil, false
	}
	return controllers, true
}
