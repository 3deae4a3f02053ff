package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"podforge/internal/config"
	"podforge/internal/identity"
	"podforge/internal/jobs"
	"podforge/internal/logging"
	"podforge/internal/progress"
	"podforge/internal/workflow"
)

// Server is the authenticated HTTP surface over the job system.
type Server struct {
	cfg          *config.Config
	logger       *slog.Logger
	store        *jobs.Store
	orchestrator *workflow.Orchestrator
	notifier     *progress.Notifier

	engine *gin.Engine
	http   *http.Server
}

// NewServer assembles the router. Everything under /v1 requires a bearer
// credential; /healthz does not.
func NewServer(
	cfg *config.Config,
	logger *slog.Logger,
	resolver *identity.Resolver,
	store *jobs.Store,
	orchestrator *workflow.Orchestrator,
	notifier *progress.Notifier,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(logging.String(logging.FieldComponent, "httpapi"))

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		orchestrator: orchestrator,
		notifier:     notifier,
		engine:       engine,
	}

	engine.GET("/healthz", s.healthz)

	v1 := engine.Group("/v1", authMiddleware(resolver))
	{
		v1.POST("/jobs", s.createJob)
		v1.GET("/jobs", s.listJobs)
		v1.GET("/jobs/stats", s.jobStats)
		v1.GET("/jobs/:id", s.getJob)
		v1.PUT("/jobs/:id/inputs", s.updateInputs)
		v1.POST("/jobs/:id/submit", s.submitJob)
		v1.POST("/jobs/:id/regenerate", s.regenerateJob)
		v1.GET("/jobs/:id/progress", s.streamProgress)
	}

	s.http = &http.Server{
		Addr:              cfg.Server.Bind,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until ctx is cancelled, then shuts down gracefully within the
// configured timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "http listening", logging.String("bind", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := time.Duration(s.cfg.Server.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
