// Package http is the transport edge: request parsing, auth, status code
// mapping and the WebSocket upgrade live here and nowhere else.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/internal/executor"
	"conductor/internal/hub"
	"conductor/internal/logging"
	"conductor/internal/ports"
)

// Server wires the HTTP surface over the core components.
type Server struct {
	engine   *gin.Engine
	logger   logging.Logger
	sessions ports.SessionStore
	ledger   ports.TaskLedger
	executor *executor.Executor
	registry ports.ServiceRegistry
	hub      *hub.Hub

	startedAt time.Time
	httpSrv   *http.Server
}

// Options carries the collaborators and knobs for a Server.
type Options struct {
	Sessions       ports.SessionStore
	Ledger         ports.TaskLedger
	Executor       *executor.Executor
	Registry       ports.ServiceRegistry
	Hub            *hub.Hub
	Logger         logging.Logger
	RequestsPerMin int
}

// NewServer builds the router. Call Run to serve.
func NewServer(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
		MaxAge:          12 * time.Hour,
	}))

	s := &Server{
		engine:    engine,
		logger:    logging.OrNop(opts.Logger),
		sessions:  opts.Sessions,
		ledger:    opts.Ledger,
		executor:  opts.Executor,
		registry:  opts.Registry,
		hub:       opts.Hub,
		startedAt: time.Now(),
	}
	s.routes(opts.RequestsPerMin)
	return s
}

func (s *Server) routes(requestsPerMin int) {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Token auth for the realtime channel happens in-band after the
	// upgrade, inside the hub's grace window.
	if s.hub != nil {
		s.engine.GET("/ws", gin.WrapF(s.hub.ServeWS))
	}

	limited := s.engine.Group("/", rateLimit(requestsPerMin))
	limited.POST("/sessions", s.handleCreateSession)

	authed := limited.Group("/", authRequired(s.sessions))
	authed.POST("/tasks", s.handleCreateTask)
	authed.GET("/tasks", s.handleListTasks)
	authed.GET("/tasks/:id", s.handleGetTask)
	authed.POST("/tasks/:id/cancel", s.handleCancelTask)
	authed.GET("/services", s.handleListServices)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully within
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http listening on %s", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}
