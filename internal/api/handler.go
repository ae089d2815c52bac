package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trading-pipeline/internal/events"
	"trading-pipeline/internal/monitor"
	"trading-pipeline/internal/pipeline"
)

// Server wires HTTP endpoints around the pipeline command surface.
type Server struct {
	Router    *gin.Engine
	Pipeline  pipeline.Service
	Bus       *events.Bus
	Metrics   *monitor.SystemMetrics
	JWTSecret string
	Meta      SystemMeta

	logger *zap.Logger
}

// SystemMeta describes the runtime exposed on /health.
type SystemMeta struct {
	DryRun  bool   `json:"dry_run"`
	Venue   string `json:"venue"`
	Version string `json:"version"`
}

// NewServer builds the router. An empty jwtSecret leaves the command
// routes open, which is only sensible on a private network.
func NewServer(svc pipeline.Service, bus *events.Bus, metrics *monitor.SystemMetrics, meta SystemMeta, jwtSecret string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	r := gin.New()

	limiter := NewIPLimiter(20, 50)

	// Middleware stack (order matters!)
	r.Use(RecoveryMiddleware(logger))           // Panic recovery (first)
	r.Use(RequestIDMiddleware())                // Request ID tracking
	r.Use(RequestLogger(logger, metrics))       // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(limiter, logger)) // Rate limiting
	r.Use(TimeoutMiddleware(30 * time.Second))  // Request deadline
	r.Use(CORSMiddleware())                     // CORS (last before routes)

	s := &Server{
		Router:    r,
		Pipeline:  svc,
		Bus:       bus,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
		Meta:      meta,
		logger:    logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/ledger", s.getLedger)
		api.GET("/ledger/history", s.getLedgerHistory)
		api.GET("/handlers", s.getHandlers)

		protected := api.Group("")
		if s.JWTSecret != "" {
			protected.Use(AuthMiddleware(s.JWTSecret))
		} else {
			s.logger.Warn("JWT secret not set; command routes are unauthenticated")
		}
		{
			protected.POST("/intents", s.submitIntent)
			protected.POST("/positions/close", s.closePosition)
			protected.POST("/leverage", s.setLeverage)
			protected.POST("/orders/cancel-all", s.cancelAll)
			protected.PUT("/handler", s.reloadHandler)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"running": s.Pipeline.Status().Running,
		"meta":    s.Meta,
	})
}

// HTTPServer returns a server for addr so the caller can shut it down.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
