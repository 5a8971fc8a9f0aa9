package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/prochost/internal/control"
	"github.com/GriffinCanCode/prochost/internal/host"
	"github.com/GriffinCanCode/prochost/internal/infrastructure/config"
	"github.com/GriffinCanCode/prochost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/prochost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/prochost/internal/infrastructure/tracing"
)

const (
	callTimeout     = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Caller runs a task on the control loop and waits for it.
type Caller interface {
	Call(ctx context.Context, fn control.Task) error
}

// Deps are the components the server exposes. Loop and Registry are
// required; nil optional parts disable their routes.
type Deps struct {
	Loop     Caller
	Registry *host.Registry
	Metrics  *monitoring.Metrics
	Gatherer prometheus.Gatherer
	Guard    *resilience.LaunchGuard
	Tracer   *tracing.Tracer
	Events   *EventHub
	Logger   *zap.Logger
}

// Server is the introspection HTTP server.
type Server struct {
	router *gin.Engine
	deps   Deps
	cfg    config.ServerConfig
	logger *zap.Logger

	// contexts are named browsing contexts created through the API. Only
	// touched on the control loop.
	contexts map[string]*host.BrowsingContext
}

// New builds the router.
func New(cfg config.ServerConfig, deps Deps, development bool) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if !development {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:   gin.New(),
		deps:     deps,
		cfg:      cfg,
		logger:   deps.Logger.Named("server"),
		contexts: make(map[string]*host.BrowsingContext),
	}

	s.router.Use(gin.Recovery())
	if deps.Tracer != nil {
		s.router.Use(tracing.HTTPMiddleware(deps.Tracer))
	}
	if deps.Metrics != nil {
		s.router.Use(monitoring.Middleware(deps.Metrics))
	}
	s.router.Use(CORS(cfg.CORSOrigins))
	s.router.Use(RateLimit(cfg.RateLimit, cfg.Burst))

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.GET("/health", s.health)

	r.GET("/hosts", s.listHosts)
	r.GET("/hosts/:id", s.getHost)
	r.POST("/hosts/:id/fast-shutdown", s.fastShutdown)
	r.POST("/hosts/:id/cleanup", s.cleanup)
	r.POST("/hosts/:id/terminate", s.terminate)

	r.POST("/contexts/:name/sites", s.placeSite)
	r.GET("/process-limit", s.processLimit)
	r.PUT("/process-limit", s.setProcessLimit)

	if s.deps.Guard != nil {
		r.GET("/launch-guard", s.launchGuard)
	}

	if s.deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}
	if s.deps.Metrics != nil {
		r.GET("/metrics/json", s.metricsJSON)
	}

	if s.deps.Events != nil {
		r.GET("/events", s.deps.Events.HandleConnection)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	if s.deps.Events != nil {
		s.deps.Events.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// onLoop runs fn on the control loop bounded by the request context.
func (s *Server) onLoop(c *gin.Context, fn control.Task) error {
	ctx, cancel := context.WithTimeout(c.Request.Context(), callTimeout)
	defer cancel()
	return s.deps.Loop.Call(ctx, fn)
}
