package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/sorenmh/infrastructure-shared/appd/config"
	"github.com/sorenmh/infrastructure-shared/appd/lifecycle"
	"github.com/sorenmh/infrastructure-shared/appd/metrics"
	"github.com/sorenmh/infrastructure-shared/appd/models"
	"github.com/sorenmh/infrastructure-shared/appd/telemetry"
)

const Version = "1.0.0"

// Lifecycle is the part of the lifecycle manager the server uses.
type Lifecycle interface {
	Dispatcher
	List() lifecycle.Result
	Get(id string) (lifecycle.Result, error)
	Status(ctx context.Context, id string) (lifecycle.Result, error)
	Services(ctx context.Context) (lifecycle.Result, error)
}

// History is the read side of the operation log.
type History interface {
	ListOperations(appID string, limit int) ([]models.Operation, error)
	Ping() error
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status             string `json:"status"`
	Version            string `json:"version"`
	RegistryAccessible bool   `json:"registry_accessible"`
	DatabaseAccessible bool   `json:"database_accessible"`
}

// ErrorResponse is the body of every failed REST call.
type ErrorResponse struct {
	Error string           `json:"error"`
	Kind  models.ErrorKind `json:"kind,omitempty"`
}

type Server struct {
	config         *config.Config
	lifecycle      Lifecycle
	history        History
	sampler        telemetry.Sampler
	registryPath   string
	metricsReg     *prometheus.Registry
	sessionMetrics *metrics.SessionMetrics
	clock          clockwork.Clock
	upgrader       websocket.Upgrader
	log            zerolog.Logger
	router         *gin.Engine
}

// Option customizes a Server.
type Option func(*Server)

// WithClock replaces the clock driving the telemetry cadence.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

func NewServer(cfg *config.Config, lc Lifecycle, history History, sampler telemetry.Sampler, reg *prometheus.Registry, log zerolog.Logger, opts ...Option) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:         cfg,
		lifecycle:      lc,
		history:        history,
		sampler:        sampler,
		registryPath:   cfg.Paths.RegistryFile,
		metricsReg:     reg,
		sessionMetrics: metrics.NewSessionMetrics(reg),
		clock:          clockwork.NewRealClock(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The master key is the only access control.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:    log,
		router: gin.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Control session
	s.router.GET("/", s.handleSession)

	// Health check and metrics (no auth)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler(s.metricsReg)))

	api := s.router.Group("/api/v1")
	api.Use(s.authMiddleware())
	{
		api.GET("/stats", s.handleStats)
		api.GET("/apps", s.handleListApps)
		api.GET("/apps/*id", s.handleGetApp)
		api.GET("/services", s.handleListServices)
		api.GET("/history", s.handleHistory)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "missing authorization header", Kind: models.KindAuth})
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(auth, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid authorization format", Kind: models.KindAuth})
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.config.MasterKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid master key", Kind: models.KindAuth})
			return
		}

		c.Next()
	}
}

func (s *Server) handleSession(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	sc := s.config.Session
	session := NewSession(conn, SessionConfig{
		MasterKey:         s.config.MasterKey,
		AuthTimeout:       sc.AuthTimeout,
		IdleTimeout:       sc.IdleTimeout,
		WriteTimeout:      sc.WriteTimeout,
		TelemetryInterval: sc.TelemetryInterval,
		OutboundBuffer:    sc.OutboundBuffer,
	}, s.lifecycle, s.sampler, s.clock, s.sessionMetrics, s.log)

	if err := session.Run(c.Request.Context()); err != nil && !errors.Is(err, models.ErrAuth) {
		s.log.Warn().Err(err).Str("session_id", session.ID()).Msg("session ended with error")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	registryOK := true
	if _, err := os.Stat(s.registryPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		registryOK = false
	}
	dbOK := s.history.Ping() == nil

	status := "healthy"
	if !registryOK || !dbOK {
		status = "degraded"
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:             status,
		Version:            Version,
		RegistryAccessible: registryOK,
		DatabaseAccessible: dbOK,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	sample, err := s.sampler.Sample(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sample)
}

func (s *Server) handleListApps(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"apps": s.lifecycle.List().Data})
}

func (s *Server) handleGetApp(c *gin.Context) {
	id := strings.Trim(c.Param("id"), "/")
	if id == "" {
		s.respondError(c, models.NotFound(id))
		return
	}

	var (
		res lifecycle.Result
		err error
	)
	if withStatus, _ := strconv.ParseBool(c.DefaultQuery("status", "false")); withStatus {
		res, err = s.lifecycle.Status(c.Request.Context(), id)
	} else {
		res, err = s.lifecycle.Get(id)
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res.Data)
}

func (s *Server) handleListServices(c *gin.Context) {
	res, err := s.lifecycle.Services(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": res.Data})
}

func (s *Server) handleHistory(c *gin.Context) {
	appID := c.Query("app")
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer", Kind: models.KindValidation})
		return
	}

	ops, err := s.history.ListOperations(appID, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list operations")
		s.respondError(c, err)
		return
	}
	if ops == nil {
		ops = []models.Operation{}
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

func (s *Server) respondError(c *gin.Context, err error) {
	c.JSON(models.StatusOf(err), ErrorResponse{Error: err.Error(), Kind: models.KindOf(err)})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Address(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// Sessions hijack their connection; deriving request contexts from
		// ctx is what stops them on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", srv.Addr).Msg("starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
