// Package hostapi exposes a Controller to a local host application over
// HTTP, with notifications streamed on a WebSocket.
package hostapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/martinemde/warden/agentloop"
	"github.com/martinemde/warden/approval"
	"github.com/martinemde/warden/backend"
	"github.com/martinemde/warden/checkpoint"
)

// Controller is the part of agentloop.Controller the API drives.
type Controller interface {
	Start(ctx context.Context, h *backend.Handshake) error
	StartTask(ctx context.Context, prompt string, opts agentloop.TaskOptions) (string, error)
	CancelTask() error
	Resume(ctx context.Context, cp *checkpoint.Checkpoint) error
	Shutdown(ctx context.Context) error
	Status() agentloop.Status
	PendingChanges() []approval.Request
	DecideApproval(id string, approved bool, reason string) error
	Subscribe() (<-chan agentloop.Notification, func())
}

var _ Controller = (*agentloop.Controller)(nil)

// Server routes host commands to a Controller.
type Server struct {
	ctl           Controller
	registrar     backend.Registrar
	logger        *slog.Logger
	clientVersion string
	hostname      string
	metricsPath   string
	metrics       http.Handler
	writeTimeout  time.Duration
	pingInterval  time.Duration
	origins       []string

	engine   *gin.Engine
	upgrader websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithClientVersion is reported to the registrar during the handshake.
func WithClientVersion(v string) Option {
	return func(s *Server) { s.clientVersion = v }
}

// WithHostname is reported to the registrar during the handshake.
func WithHostname(name string) Option {
	return func(s *Server) { s.hostname = name }
}

// WithMetrics mounts h (usually promhttp.Handler) at path.
func WithMetrics(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metrics = h
	}
}

// WithAllowedOrigins lets browser apps served from origins call the API
// and open the event stream.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, origins...) }
}

// WithPingInterval sets the WebSocket keepalive interval.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// New returns a Server. The registrar performs the handshake for
// POST /v1/session.
func New(ctl Controller, registrar backend.Registrar, opts ...Option) *Server {
	s := &Server{
		ctl:          ctl,
		registrar:    registrar,
		logger:       slog.New(slog.DiscardHandler),
		writeTimeout: 10 * time.Second,
		pingInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(s.requestLogger(), gin.CustomRecovery(s.recovered))
	if len(s.origins) > 0 {
		cfg := cors.DefaultConfig()
		cfg.AllowOrigins = s.origins
		cfg.AllowWebSockets = true
		engine.Use(cors.New(cfg))
	}
	s.engine = engine
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve listens on addr until ctx ends, then shuts the HTTP server down.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("host api listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("host api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("host api shutdown: %w", err)
	}
	return nil
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.metrics != nil {
		s.engine.GET(s.metricsPath, gin.WrapH(s.metrics))
	}

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/session", s.startSession)
		v1.POST("/tasks", s.startTask)
		v1.POST("/tasks/cancel", s.cancelTask)
		v1.POST("/resume", s.resume)
		v1.GET("/status", s.status)
		v1.GET("/changes", s.changes)
		v1.POST("/approvals/:id", s.decide)
		v1.POST("/shutdown", s.shutdown)
		v1.GET("/events", s.events)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(c.Request.Context(), level, "host api request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) recovered(c *gin.Context, r any) {
	s.logger.Error("host api handler panicked", "path", c.FullPath(), "panic", r)
	writeError(c, errors.New("internal error"))
}

// checkOrigin admits non-browser clients, same-origin pages and the
// configured origins. Everything else is refused.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	return slices.Contains(s.origins, origin)
}
