// internal/server/router.go
package server

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rogovsky/openhantek-1/internal/config"
	"github.com/rogovsky/openhantek-1/internal/dso"
	"github.com/rogovsky/openhantek-1/internal/logging"
)

// Server holds all dependencies for routing
type Server struct {
	config  *config.Config
	logger  *zap.Logger
	service *dso.Service
}

// NewServer creates a new server instance
func NewServer(config *config.Config, logger *zap.Logger, service *dso.Service) *Server {
	return &Server{
		config:  config,
		logger:  logger,
		service: service,
	}
}

// SetupRouter creates and configures the Gin router
func (s *Server) SetupRouter() *gin.Engine {
	switch {
	case s.config.IsProduction():
		gin.SetMode(gin.ReleaseMode)
	case s.config.App.Environment == "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	s.addMiddleware(router)
	s.addRoutes(router)

	return router
}

// addMiddleware adds middleware to the router
func (s *Server) addMiddleware(router *gin.Engine) {
	router.Use(RecoveryMiddleware(s.logger))
	router.Use(RequestIDMiddleware())

	serviceLogger := logging.NewServiceLogger(s.logger, "http-server")
	router.Use(LoggingMiddleware(serviceLogger))

	router.Use(CORSMiddleware(&s.config.Server))
}

// addRoutes sets up all application routes
func (s *Server) addRoutes(router *gin.Engine) {
	healthHandler := NewHealthHandler(s.service, s.config, s.logger)
	deviceHandler := NewDeviceHandler(s.service, s.logger)
	streamHandler := NewStreamHandler(s.service, s.logger)

	apiV1 := router.Group("/api/v1")
	healthHandler.RegisterRoutes(apiV1)
	deviceHandler.RegisterRoutes(apiV1)
	streamHandler.RegisterRoutes(apiV1)

	s.logger.Info("All routes configured")
}
