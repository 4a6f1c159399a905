// internal/handler/health_handler.go
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"grbl-service/internal/config"
	"grbl-service/internal/database"
	"grbl-service/internal/service"
	"grbl-service/internal/utils"
)

const healthCheckTimeout = 2 * time.Second

// HealthHandler handles health check requests
type HealthHandler struct {
	db          *database.DB
	linkService *service.LinkService
	config      *config.Config
	startedAt   time.Time
	logger      *utils.ServiceLogger
}

// NewHealthHandler creates a new health handler. db is nil unless the
// journal is kept in PostgreSQL.
func NewHealthHandler(db *database.DB, linkService *service.LinkService, config *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:          db,
		linkService: linkService,
		config:      config,
		startedAt:   time.Now(),
		logger:      utils.NewServiceLogger(logger, "health-handler"),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.HealthCheck)
	router.GET("/health/db", h.DatabaseHealthCheck)
	router.GET("/ready", h.ReadinessCheck)
	router.GET("/live", h.LivenessCheck)
}

// HealthCheck reports the journal, database and link state
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Checks:    make(map[string]CheckResult),
	}

	stats, err := h.linkService.JournalStats(ctx)
	if err != nil {
		health.Status = "unhealthy"
		health.Checks["journal"] = CheckResult{Status: "unhealthy", Message: err.Error()}
	} else {
		health.Checks["journal"] = CheckResult{
			Status:  "healthy",
			Message: h.config.Journal.Driver,
			Data: map[string]interface{}{
				"sessions":           stats.Sessions,
				"commands":           stats.Commands,
				"commands_by_status": stats.CommandsByStatus,
			},
		}
	}

	if h.db != nil {
		if err := h.db.HealthCheck(ctx); err != nil {
			health.Status = "unhealthy"
			health.Checks["database"] = CheckResult{Status: "unhealthy", Message: err.Error()}
		} else {
			dbStats := h.db.GetStats()
			health.Checks["database"] = CheckResult{
				Status:  "healthy",
				Message: "Database connection OK",
				Data: map[string]interface{}{
					"open_connections": dbStats.OpenConnections,
					"in_use":           dbStats.InUse,
					"idle":             dbStats.Idle,
				},
			}
		}
	}

	health.Checks["link"] = h.linkCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, health)
}

// linkCheck describes the current session. A failed or missing session
// does not make the service unhealthy.
func (h *HealthHandler) linkCheck() CheckResult {
	snapshot, err := h.linkService.Snapshot()
	if err != nil {
		return CheckResult{Status: "idle", Message: "no session"}
	}

	result := CheckResult{
		Status: "healthy",
		Data: map[string]interface{}{
			"session_id":   snapshot.ID.String(),
			"port":         snapshot.Port,
			"state":        snapshot.State,
			"reconnecting": h.linkService.IsReconnecting(),
		},
	}
	if info, ok := h.linkService.TransportInfo(); ok {
		result.Data["transport"] = info.Kind
		result.Data["bytes_written"] = info.Stats.BytesWritten
		result.Data["bytes_read"] = info.Stats.BytesRead
		result.Data["transport_errors"] = info.Stats.ErrorCount
	}
	if snapshot.Failure != "" {
		result.Status = "degraded"
		result.Message = snapshot.Failure
	}
	return result
}

// DatabaseHealthCheck checks database connectivity
func (h *HealthHandler) DatabaseHealthCheck(c *gin.Context) {
	if h.db == nil {
		utils.ErrorResponse(c, http.StatusNotFound, "Database journal not configured", nil)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	startTime := time.Now()
	if err := h.db.HealthCheck(ctx); err != nil {
		h.logger.Error("Database health check failed", zap.Error(err))
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Database unhealthy", err)
		return
	}

	elapsed := time.Since(startTime)

	version, dirty, err := database.NewMigrator(h.db, h.logger.Logger).Version()
	if err != nil {
		h.logger.Warn("Failed to read schema version", zap.Error(err))
	}

	utils.SuccessResponse(c, http.StatusOK, "Database is healthy", gin.H{
		"status":           "healthy",
		"response_time_ms": elapsed.Milliseconds(),
		"schema_version":   version,
		"schema_dirty":     dirty,
		"stats":            h.db.GetStats(),
	})
}

// ReadinessCheck reports whether the journal can be reached
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	if _, err := h.linkService.JournalStats(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "journal not available",
		})
		return
	}
	if h.db != nil {
		if err := h.db.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"reason": "database not available",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}

// LivenessCheck for Kubernetes liveness probe
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
