package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"digit-trader/internal/engine"
	"digit-trader/internal/events"
	"digit-trader/internal/monitor"
	"digit-trader/pkg/cache"
	"digit-trader/pkg/i18n"
)

// Server wires HTTP endpoints around the trading engine.
type Server struct {
	Router     *gin.Engine
	Engine     engine.Service
	Bus        *events.Bus
	Quotes     *cache.ShardedQuoteCache
	Metrics    *monitor.SystemMetrics
	Collectors *monitor.Collectors
	JWTSecret  string
	Language   i18n.Language
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Bus        *events.Bus
	Quotes     *cache.ShardedQuoteCache
	Metrics    *monitor.SystemMetrics
	Collectors *monitor.Collectors
	Language   i18n.Language
	Timeout    time.Duration
	RateLimit  float64
	RateBurst  int
}

func NewServer(svc engine.Service, jwtSecret string, opts Options) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                                      // Panic recovery (first)
	r.Use(RequestIDMiddleware())                               // Request ID tracking
	r.Use(RequestLogger(opts.Metrics, opts.Collectors))        // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(opts.RateLimit, opts.RateBurst)) // Rate limiting
	r.Use(CORSMiddleware())                                    // CORS (last before routes)

	s := &Server{
		Router:     r,
		Engine:     svc,
		Bus:        opts.Bus,
		Quotes:     opts.Quotes,
		Metrics:    opts.Metrics,
		Collectors: opts.Collectors,
		JWTSecret:  jwtSecret,
		Language:   opts.Language,
	}
	s.routes(opts.Timeout)
	return s
}

func (s *Server) routes(timeout time.Duration) {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.Collectors != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Collectors.Handler()))
	}

	api := s.Router.Group("/api")
	api.Use(TimeoutMiddleware(timeout))
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/system/metrics", s.getMetrics)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			trading := protected.Group("/trading")
			trading.POST("/start", s.startTrading)
			trading.POST("/stop", s.stopTrading)
			trading.POST("/pause", s.pauseTrading)
			trading.POST("/resume", s.resumeTrading)
			trading.GET("/status", s.tradingStatus)
			trading.GET("/active", s.activeTrades)
			trading.GET("/history", s.tradingHistory)

			protected.POST("/account/deposit", s.deposit)
			protected.POST("/account/withdraw", s.withdraw)
			protected.PUT("/credentials", s.saveCredentials)
			protected.GET("/trades", s.listTrades)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Handler exposes the router for an http.Server owned by the caller.
func (s *Server) Handler() http.Handler { return s.Router }
