package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog/log"

	"example.com/backstage/plm/config"
	"example.com/backstage/plm/handlers"
	"example.com/backstage/plm/internal/metrics"
)

// Handlers are the command and query handlers served over HTTP
type Handlers struct {
	Lifecycle  *handlers.LifecycleHandler
	Queries    *handlers.QueryHandler
	WorkOrders *handlers.WorkOrderHandler
	ECNs       *handlers.ECNHandler
}

// Server is the HTTP server for the API
type Server struct {
	cfg        config.Config
	router     *gin.Engine
	httpServer *http.Server
	handlers   Handlers
	auth       *Authenticator
	metrics    *metrics.Metrics
	newRelic   *newrelic.Application
}

// NewServer creates a new API server. Metrics and the New Relic application may be nil.
func NewServer(cfg config.Config, h Handlers, m *metrics.Metrics, app *newrelic.Application) *Server {
	server := &Server{
		cfg:      cfg,
		router:   gin.New(),
		handlers: h,
		auth:     NewAuthenticator(cfg.Auth),
		metrics:  m,
		newRelic: app,
	}

	server.setupMiddleware()
	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	return server
}

// Router exposes the gin engine, mainly for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

// setupMiddleware adds middleware to the router
func (s *Server) setupMiddleware() {
	s.router.Use(RequestIDMiddleware())

	if s.cfg.Server.CorsEnabled {
		s.router.Use(CORSMiddleware(s.cfg.Server.CorsOrigins))
	}

	s.router.Use(gin.Recovery())

	if s.newRelic != nil {
		s.router.Use(NewRelicMiddleware(s.newRelic))
	}

	s.router.Use(LoggingMiddleware(s.metrics))
}

// setupRoutes defines the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	if s.metrics != nil && s.cfg.Server.MetricsEnabled {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	v1.Use(s.auth.Middleware())

	workOrders := v1.Group("/work-orders")
	{
		workOrders.POST("", s.createWorkOrder)
		workOrders.GET("/:id", s.getWorkOrder)
		workOrders.GET("/:id/bom-status", s.checkBOMStatus)
		workOrders.GET("/:id/items", s.getWorkOrderItems)
		workOrders.POST("/:id/validate-operation", s.validateOperation)
	}

	ecns := v1.Group("/ecns")
	{
		ecns.POST("", s.createECN)
		ecns.GET("", s.listECNs)
		ecns.GET("/:id", s.getECN)
		ecns.GET("/:id/versions", s.getLinkedVersions)
	}

	v1.GET("/versions/:kind/:name", s.getVersionByName)

	entities := v1.Group("/:kind")
	{
		entities.POST("", s.registerEntity)
		entities.GET("", s.listEntities)
		entities.POST("/bulk-delete", s.bulkDelete)
		entities.GET("/:id", s.getEntity)
		entities.PUT("/:id", s.updateEntity)
		entities.DELETE("/:id", s.deleteEntity)
		entities.POST("/:id/publish", s.transition(opPublish))
		entities.POST("/:id/draft", s.transition(opDraft))
		entities.POST("/:id/block", s.transition(opBlock))
		entities.POST("/:id/unblock", s.transition(opUnblock))
		entities.POST("/:id/restore", s.transition(opRestore))
		entities.GET("/:id/history", s.getHistory)
		entities.GET("/:id/versions/:version", s.getVersion)
		entities.GET("/:id/versions/:version/export", s.exportVersion)
		entities.GET("/:id/compare", s.compareVersions)
		entities.GET("/:id/current-ecn", s.getCurrentECN)
		entities.GET("/:id/can-download", s.canDownload)
		entities.GET("/:id/downloadable-versions", s.downloadableVersions)
		entities.GET("/:id/documents", s.versionDocuments)
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Msgf("HTTP server starting on %s", s.cfg.Server.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server. It is safe to call from
// another goroutine before or while Start runs; Start then returns nil.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
