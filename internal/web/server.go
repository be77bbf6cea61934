package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/services/resilience"
	"github.com/vadiminshakov/ladder/internal/services/workflow"
	"github.com/vadiminshakov/ladder/pkg/circuit"
)

const eventPollInterval = 2 * time.Second

// Workflow is the engine surface served over HTTP.
type Workflow interface {
	HandleSignal(ctx context.Context, raw []byte) (workflow.SignalResponse, error)
	HandleOutcome(ctx context.Context, raw []byte) (workflow.OutcomeResponse, error)

	Rename(ctx context.Context, id, name string) (workflow.AdminResult, error)
	Annotate(ctx context.Context, id, text string) (workflow.AdminResult, error)
	Pause(ctx context.Context, id string) (workflow.AdminResult, error)
	Resume(ctx context.Context, id string) (workflow.AdminResult, error)
	Confirm(ctx context.Context, id, note string) (workflow.AdminResult, error)
	Delete(ctx context.Context, id string) error

	Session(ctx context.Context, id string) (*domain.Session, error)
	Sessions(ctx context.Context, f domain.SessionFilter) ([]*domain.Session, error)
	Executions(ctx context.Context, id string) ([]domain.ExecutionRecord, error)
	GraphNodes() []domain.DecisionNode
}

type sessionEventReader interface {
	EventsAfter(index uint64) ([]domain.SessionEventRecord, error)
}

type cacheReader interface {
	Entries() []domain.CachedMutation
}

type reconciler interface {
	Reconcile(ctx context.Context) resilience.ReconcileReport
}

type registrationReader interface {
	ListActiveRegistrations(ctx context.Context) ([]domain.OvernightRegistration, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type breakerState interface {
	State() circuit.State
}

// Config lists the collaborators of the HTTP server. Only Workflow is required.
type Config struct {
	Addr          string
	Workflow      Workflow
	Events        sessionEventReader
	Cache         cacheReader
	Reconciler    reconciler
	Registrations registrationReader
	Store         pinger
	Breaker       breakerState
	Metrics       http.Handler
}

// Server exposes the webhooks, the admin API and the session event stream.
type Server struct {
	cfg    Config
	router *gin.Engine
	l      *zap.Logger
}

// NewServer builds the gin router.
func NewServer(l *zap.Logger, cfg Config) (*Server, error) {
	if cfg.Workflow == nil {
		return nil, errors.New("web: workflow is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(l))

	s := &Server{cfg: cfg, router: router, l: l}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	hooks := s.router.Group("/webhook")
	hooks.POST("/signal", s.handleSignal)
	hooks.POST("/outcome", s.handleOutcome)

	api := s.router.Group("/api")
	api.GET("/sessions", s.handleListSessions)
	api.GET("/sessions/stream", s.handleSessionStream)
	api.GET("/sessions/:id", s.handleGetSession)
	api.PATCH("/sessions/:id", s.handleRename)
	api.DELETE("/sessions/:id", s.handleDelete)
	api.POST("/sessions/:id/pause", s.handlePause)
	api.POST("/sessions/:id/resume", s.handleResume)
	api.POST("/sessions/:id/confirm", s.handleConfirm)
	api.POST("/sessions/:id/notes", s.handleAnnotate)
	api.GET("/graph", s.handleGraph)
	api.GET("/cache", s.handleCache)
	api.POST("/cache/reconcile", s.handleReconcile)
	api.GET("/overnight", s.handleOvernight)

	if s.cfg.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.cfg.Metrics))
	}
	s.router.GET("/healthz", s.handleHealth)
}

// Handler returns the underlying router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.cfg.Addr
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("http server listening", zap.String("addr", s.cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}

	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Store.Ping(ctx); err != nil {
			// the resilience cache keeps writes alive while the store is down
			body["status"] = "degraded"
			body["store"] = err.Error()
		} else {
			body["store"] = "ok"
		}
	}
	if s.cfg.Breaker != nil {
		state := s.cfg.Breaker.State()
		body["venue"] = state.String()
		if state == circuit.StateOpen {
			body["status"] = "degraded"
		}
	}
	if s.cfg.Cache != nil {
		body["cached_mutations"] = len(s.cfg.Cache.Entries())
	}

	c.JSON(status, body)
}

func requestLogger(l *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		l.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
			zap.Duration("dur", time.Since(start)))
	}
}
