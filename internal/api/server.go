package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/teebridge/internal/bridge"
	"github.com/energizer-project/teebridge/internal/config"
	"github.com/energizer-project/teebridge/internal/db"
	"github.com/energizer-project/teebridge/internal/events"
	intnet "github.com/energizer-project/teebridge/internal/network"
	"github.com/energizer-project/teebridge/internal/util"
)

// Version is reported by the public endpoints.
var Version = "dev"

// Bridge is the view of the running bridge the API needs. All methods must
// be safe to call from HTTP handler goroutines.
type Bridge interface {
	Sessions() []bridge.SessionInfo
	Session(fakeID int64) (bridge.SessionInfo, bool)
	Stats() bridge.Stats
	Kick(realID int, reason string) error
}

// ChatJournal serves journaled history. It is optional.
type ChatJournal interface {
	RecentChat(ctx context.Context, limit int) ([]db.ChatEntry, error)
	RecentSessions(ctx context.Context, limit int) ([]db.SessionEntry, error)
}

// Server is the admin REST API of the bridge.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	bridge   Bridge
	journal  ChatJournal
	metrics  http.Handler

	// HTTP server
	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, eventBus *events.EventBus, b Bridge) *Server {
	// Set Gin mode based on log level
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:      cfg,
		eventBus: eventBus,
		bridge:   b,
	}
}

// SetDependencies injects optional components (called after they are initialized).
func (s *Server) SetDependencies(journal ChatJournal, metrics http.Handler) {
	s.journal = journal
	s.metrics = metrics
}

// Handler builds the router. Start calls it; tests use it directly.
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Start initializes and starts the API server. It blocks until ctx is
// cancelled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetApplicationData().API
	security := s.cfg.GetApplicationData().Security

	addr := net.JoinHostPort(apiCfg.Address, strconv.Itoa(apiCfg.Port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// TLS configuration
	if security.TLSEnabled {
		cert, err := loadOrCreateCert(security.TLSCertFile, security.TLSKeyFile)
		if err != nil {
			return err
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
			CipherSuites: []uint16{
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	// Create listener with SO_REUSEADDR for immediate rebinding after restart
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", security.TLSEnabled).Msg("REST API server starting")

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if security.TLSEnabled {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}

	return nil
}

func loadOrCreateCert(certFile, keyFile string) (tls.Certificate, error) {
	if !util.FileExists(certFile) || !util.FileExists(keyFile) {
		log.Warn().Str("cert", certFile).Msg("TLS certificate not found, generating self-signed certificate")
		if err := util.GenerateSelfSignedCert(certFile, keyFile); err != nil {
			return tls.Certificate{}, err
		}
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return cert, nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	security := s.cfg.GetApplicationData().Security

	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	// CORS
	allowedOrigins := security.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(IPWhitelist(security.IPWhitelist))

	// Rate limiting
	rateLimiter := NewRateLimiter(security.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	auth := NewAuthMiddleware(s.cfg)

	// ---- Public endpoints (no auth required) ----
	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/info", s.handleGetInfo)
	}

	// ---- Protected endpoints ----
	protected := router.Group("/api")
	protected.Use(auth.RequireAuth())

	monitor := protected.Group("/monitor")
	{
		monitor.GET("/sessions", s.handleGetSessions)
		monitor.GET("/sessions/:fake_id", s.handleGetSession)
		monitor.GET("/stats", s.handleGetStats)
		monitor.GET("/cpu", s.handleGetCPUUsage)
		monitor.GET("/memory", s.handleGetMemoryUsage)
		monitor.GET("/chat", s.handleGetChat)
		monitor.GET("/history", s.handleGetHistory)
		monitor.GET("/logs", s.handleGetLogEntries)
	}

	control := protected.Group("/control")
	{
		control.POST("/kick/:real_id", s.handleKick)
	}

	configure := protected.Group("/configure")
	{
		configure.GET("/config", s.handleGetConfig)
		configure.POST("/bridge", s.handleSetBridgeField)
	}

	if s.metrics != nil {
		router.GET("/metrics", auth.RequireAuth(), gin.WrapH(s.metrics))
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "TeeBridge API is running"})
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
