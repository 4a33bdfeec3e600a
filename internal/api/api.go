package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/avfleet/device-sync-agent/internal/config"
	"github.com/avfleet/device-sync-agent/internal/progress"
	"github.com/avfleet/device-sync-agent/internal/reconcile"
	"github.com/avfleet/device-sync-agent/internal/store"
	"github.com/avfleet/device-sync-agent/internal/vendor"
)

// Server represents the HTTP API server.
type Server struct {
	config      config.ServerConfig
	adapters    map[string]vendor.Adapter
	reconcilers map[string]*reconcile.Reconciler
	defaults    map[string]reconcile.Options
	tracker     *progress.Tracker
	logger      *zap.SugaredLogger
	router      *gin.Engine

	mu      sync.Mutex
	running map[string]bool
}

// New creates a new API server. defaults carries each vendor's configured
// scan sources, applied when a sync request has no overrides.
func New(cfg config.ServerConfig, adapters map[string]vendor.Adapter, reconcilers map[string]*reconcile.Reconciler, defaults map[string]reconcile.Options, tracker *progress.Tracker, logger *zap.SugaredLogger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config:      cfg,
		adapters:    adapters,
		reconcilers: reconcilers,
		defaults:    defaults,
		tracker:     tracker,
		logger:      logger,
		router:      gin.New(),
		running:     make(map[string]bool),
	}

	s.setupRoutes()
	return s
}

// Router returns the gin router.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())

	// Health endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/ready", s.readyHandler)

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/vendors", s.listVendorsHandler)
		v1.GET("/vendors/:vendor/health", s.vendorHealthHandler)
		v1.GET("/vendors/:vendor/devices", s.vendorDevicesHandler)

		v1.POST("/sync/:vendor/start", s.startSyncHandler)
		v1.GET("/sync/:vendor/status", s.syncStatusHandler)
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		c.Next()

		s.logger.Debugw("Request completed",
			"path", path,
			"status", c.Writer.Status(),
			"method", c.Request.Method,
		)
	}
}

// Health check handler
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "device-sync-agent",
	})
}

// Readiness check handler
func (s *Server) readyHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ready",
		"vendors": len(s.adapters),
	})
}

func (s *Server) listVendorsHandler(c *gin.Context) {
	vendors := make([]VendorInfo, 0, len(s.adapters))
	for id, adapter := range s.adapters {
		vendors = append(vendors, VendorInfo{ID: id, Healthy: adapter.IsHealthy()})
	}
	c.JSON(http.StatusOK, gin.H{"vendors": vendors})
}

func (s *Server) vendorHealthHandler(c *gin.Context) {
	adapter, ok := s.adapters[c.Param("vendor")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown vendor"})
		return
	}

	c.JSON(http.StatusOK, adapter.CheckHealth(c.Request.Context()))
}

func (s *Server) vendorDevicesHandler(c *gin.Context) {
	adapter, ok := s.adapters[c.Param("vendor")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown vendor"})
		return
	}

	devices, err := adapter.ListDevices(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// Start sync handler - dispatches one reconcile pass for the vendor
func (s *Server) startSyncHandler(c *gin.Context) {
	vendorID := c.Param("vendor")
	rec, ok := s.reconcilers[vendorID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown vendor"})
		return
	}

	opts := s.defaults[vendorID]
	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err == nil {
		if len(req.ScanCIDRs) > 0 {
			opts.ScanCIDRs = req.ScanCIDRs
		}
		if len(req.ScanFQDNs) > 0 {
			opts.ScanFQDNs = req.ScanFQDNs
		}
		if req.MaxHosts > 0 {
			opts.MaxHosts = req.MaxHosts
		}
	}

	s.mu.Lock()
	if s.running[vendorID] {
		s.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "sync already running for vendor"})
		return
	}
	s.running[vendorID] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.running[vendorID] = false
			s.mu.Unlock()
		}()

		summary, err := rec.Run(context.Background(), opts)
		if err != nil {
			s.logger.Errorw("Sync pass failed", "vendor", vendorID, "error", err)
			return
		}
		s.logger.Infow("Sync pass complete",
			"vendor", vendorID,
			"added", summary.Added,
			"removed", summary.Removed,
			"skipped", summary.Skipped,
			"failed", summary.Failed,
		)
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"status": "started",
		"vendor": vendorID,
	})
}

// Sync status handler - reads the scan progress from the shared store
func (s *Server) syncStatusHandler(c *gin.Context) {
	vendorID := c.Param("vendor")
	if _, ok := s.reconcilers[vendorID]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown vendor"})
		return
	}

	p, err := s.tracker.Get(c.Request.Context(), vendorID)
	if err == store.ErrNotFound {
		c.JSON(http.StatusOK, gin.H{"status": "idle"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, p)
}
