// internal/routes/routes.go
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"validator-service/internal/config"
	"validator-service/internal/device"
	"validator-service/internal/handler"
	"validator-service/internal/middleware"
	"validator-service/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config  *config.Config
	logger  *zap.Logger
	manager *device.Manager
}

// NewRouter creates a new router instance
func NewRouter(config *config.Config, logger *zap.Logger, manager *device.Manager) *Router {
	return &Router{
		config:  config,
		logger:  logger,
		manager: manager,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	// Set Gin mode
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Create Gin engine
	router := gin.New()

	// Add middleware
	r.addMiddleware(router)

	// Add routes
	r.addRoutes(router)

	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	// Recovery middleware
	router.Use(middleware.RecoveryMiddleware(r.logger))

	// Request ID middleware
	router.Use(middleware.RequestIDMiddleware())

	// Logging middleware
	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	// CORS middleware
	router.Use(middleware.CORSMiddleware(&r.config.Server))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	// Create handlers
	healthHandler := handler.NewHealthHandler(r.manager, r.config, r.logger)
	deviceHandler := handler.NewDeviceHandler(r.manager, r.logger)
	discoveryHandler := handler.NewDiscoveryHandler(r.logger)
	wsHandler := handler.NewWebSocketHandler(r.manager, r.config.Events.SubscriberBuffer, r.logger)

	// Health check routes
	r.addHealthRoutes(router, healthHandler)

	// API v1 routes
	apiV1 := router.Group("/api/v1")
	r.addDeviceRoutes(apiV1, deviceHandler)
	r.addDiscoveryRoutes(apiV1, discoveryHandler)

	// WebSocket routes
	r.addWebSocketRoutes(router, wsHandler)

	// Documentation routes
	r.addDocumentationRoutes(router)

	r.logger.Info("All routes configured successfully")
}

// addHealthRoutes sets up health check routes
func (r *Router) addHealthRoutes(router *gin.Engine, handler *handler.HealthHandler) {
	health := router.Group("")
	{
		health.GET("/health", handler.HealthCheck)
		health.GET("/ready", handler.ReadinessCheck)
		health.GET("/live", handler.LivenessCheck)
	}
}

// addDeviceRoutes sets up validator routes
func (r *Router) addDeviceRoutes(api *gin.RouterGroup, deviceHandler *handler.DeviceHandler) {
	devices := api.Group("/devices")
	{
		devices.GET("", deviceHandler.ListDevices)

		device := devices.Group("/:device_id")
		{
			// Status surface: never touches the wire
			device.GET("", deviceHandler.GetDevice)
			device.GET("/channels", deviceHandler.GetChannels)

			// Command gateway
			device.POST("/enable", deviceHandler.EnableDevice)
			device.POST("/disable", deviceHandler.DisableDevice)
			device.POST("/stack", deviceHandler.StackNote)
			device.POST("/reject", deviceHandler.RejectNote)
			device.POST("/hold", deviceHandler.HoldNote)
			device.POST("/reset", deviceHandler.ResetDevice)
			device.POST("/sync-keys", deviceHandler.SyncKeys)
			device.PUT("/inhibits", deviceHandler.SetInhibits)
			device.PUT("/display", deviceHandler.SetDisplay)

			// Info queries
			device.GET("/serial-number", deviceHandler.GetSerialNumber)
			device.GET("/last-reject", deviceHandler.GetLastRejectCode)
		}
	}
}

// addDiscoveryRoutes sets up serial port discovery routes
func (r *Router) addDiscoveryRoutes(api *gin.RouterGroup, handler *handler.DiscoveryHandler) {
	discovery := api.Group("/discovery")
	{
		discovery.GET("/ports", handler.ListPorts)
	}
}

// addWebSocketRoutes sets up WebSocket routes
func (r *Router) addWebSocketRoutes(router *gin.Engine, handler *handler.WebSocketHandler) {
	ws := router.Group("/ws")
	{
		ws.GET("/events", handler.HandleEventConnection)
		ws.GET("/devices/:device_id", handler.HandleDeviceConnection)
	}
}

// addDocumentationRoutes sets up documentation routes
func (r *Router) addDocumentationRoutes(router *gin.Engine) {
	// Swagger documentation
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))

	// Swagger redirect for convenience
	router.GET("/docs", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/swagger/index.html")
	})
}
