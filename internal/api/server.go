package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/uniport-net/uniport/internal/config"
	"github.com/uniport-net/uniport/internal/events"
	"github.com/uniport-net/uniport/internal/health"
	intnet "github.com/uniport-net/uniport/internal/network"
	"github.com/uniport-net/uniport/internal/server"
	"github.com/uniport-net/uniport/internal/util"
)

// Server is the admin REST API server.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	manager  *server.Manager
	logger   zerolog.Logger

	// Optional dependencies
	health   *health.Manager
	gatherer prometheus.Gatherer

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, eventBus *events.EventBus, manager *server.Manager) *Server {
	// Set Gin mode based on log level
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:      cfg,
		eventBus: eventBus,
		manager:  manager,
		logger:   log.With().Str("component", "api").Logger(),
	}
}

// SetDependencies injects the optional components (called after all
// components are initialized). Either may be nil.
func (s *Server) SetDependencies(hm *health.Manager, gatherer prometheus.Gatherer) {
	s.health = hm
	s.gatherer = gatherer
}

// Handler builds the router on first use and returns it.
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Start serves the API until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetApplicationData().API
	addr := net.JoinHostPort(s.cfg.GetServer().BindAddress, strconv.Itoa(apiCfg.Port))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var tlsConfig *tls.Config
	if apiCfg.UseTLS {
		created, err := util.EnsureSelfSignedCert(apiCfg.CertFile, apiCfg.KeyFile, "localhost", "127.0.0.1")
		if err != nil {
			return fmt.Errorf("failed to prepare API certificate: %w", err)
		}
		if created {
			s.logger.Warn().Str("cert", apiCfg.CertFile).Msg("generated self-signed API certificate")
		}
		cert, err := tls.LoadX509KeyPair(apiCfg.CertFile, apiCfg.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load API certificate: %w", err)
		}
		tlsConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	// SO_REUSEADDR for immediate rebinding after restart
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	s.logger.Info().Str("addr", addr).Bool("tls", tlsConfig != nil).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetApplicationData().API
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(apiCfg.RateLimitRPS).Middleware())

	auth := NewAuthMiddleware(s.cfg)

	// ---- Public endpoints (no auth required) ----
	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/server_info", s.handleGetServerInfo)
	}

	// ---- Protected endpoints ----
	protected := router.Group("/api")
	protected.Use(auth.RequireAuth())
	{
		protected.GET("/sessions", s.handleGetSessions)
		protected.GET("/sessions/:id", s.handleGetSession)
		protected.DELETE("/sessions/:id", s.handleKickSession)
		protected.POST("/broadcast", s.handleBroadcast)

		protected.GET("/history", s.handleGetHistory)
		protected.GET("/bans", s.handleGetBans)
		protected.POST("/bans", s.handleAddBan)
		protected.DELETE("/bans/:ip", s.handleRemoveBan)

		protected.GET("/system", s.handleGetSystem)
		protected.GET("/health", s.handleGetHealth)
		protected.GET("/logs", s.handleGetLogEntries)

		protected.GET("/config", s.handleGetConfig)
		protected.POST("/config", s.handleSetConfig)
	}

	if s.gatherer != nil {
		metricsHandler := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
		router.GET("/metrics", auth.RequireAuth(), gin.WrapH(metricsHandler))
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
