// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"grbl-service/internal/config"
	"grbl-service/internal/database"
	"grbl-service/internal/discovery"
	"grbl-service/internal/events"
	"grbl-service/internal/handler"
	"grbl-service/internal/middleware"
	"grbl-service/internal/service"
	"grbl-service/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config      *config.Config
	logger      *zap.Logger
	db          *database.DB
	linkService *service.LinkService
	bus         *events.Bus
	scanners    *discovery.ScannerManager
	wsHandler   *handler.WebSocketHandler
}

// NewRouter creates a new router instance. db may be nil.
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	db *database.DB,
	linkService *service.LinkService,
	bus *events.Bus,
	scanners *discovery.ScannerManager,
) *Router {
	return &Router{
		config:      config,
		logger:      logger,
		db:          db,
		linkService: linkService,
		bus:         bus,
		scanners:    scanners,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	r.addMiddleware(router)
	r.addRoutes(router)
	return router
}

// Close disconnects WebSocket clients
func (r *Router) Close() {
	if r.wsHandler != nil {
		r.wsHandler.Close()
	}
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger, middleware.PollingRoutes...))

	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.db, r.linkService, r.config, r.logger)
	linkHandler := handler.NewLinkHandler(r.linkService, r.logger)
	discoveryHandler := handler.NewDiscoveryHandler(r.scanners, r.linkService, r.logger)
	r.wsHandler = handler.NewWebSocketHandler(r.linkService, r.bus, r.config.Security.AllowedOrigins, r.logger)

	healthHandler.RegisterRoutes(router.Group(""))
	apiV1 := router.Group("/api/v1")
	linkHandler.RegisterRoutes(apiV1)
	discoveryHandler.RegisterRoutes(apiV1)
	r.wsHandler.RegisterRoutes(router.Group("/ws"))

	r.logger.Info("All routes configured successfully")
}
