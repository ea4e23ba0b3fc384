package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/koushal2018/ai-trade-matching-system/internal/matching"
	"github.com/koushal2018/ai-trade-matching-system/internal/registry"
	"github.com/koushal2018/ai-trade-matching-system/internal/storage"
	"github.com/koushal2018/ai-trade-matching-system/internal/triage"
	apierr "github.com/koushal2018/ai-trade-matching-system/pkg/errors"
	"github.com/koushal2018/ai-trade-matching-system/pkg/models"
)

// Config holds the HTTP listener settings.
type Config struct {
	ListenAddr      string        `json:"listen_addr" mapstructure:"listen_addr"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// DefaultConfig returns the standard listener settings.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server is the management API: decision submission for the human-review
// backend, exception lookups, the live report and stage health.
type Server struct {
	cfg      Config
	router   *gin.Engine
	triage   *triage.Stage
	reporter *matching.Reporter
	registry *registry.Registry
	logger   *zap.Logger
}

// New builds the HTTP server and its routes.
func New(
	cfg Config,
	triageStage *triage.Stage,
	reporter *matching.Reporter,
	reg *registry.Registry,
	logger *zap.Logger,
) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s := &Server{
		cfg:      cfg,
		router:   router,
		triage:   triageStage,
		reporter: reporter,
		registry: reg,
		logger:   logger.Named("api"),
	}
	s.registerRoutes()
	return s
}

// Router exposes the engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.healthz)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/decisions", s.submitDecision)
		v1.GET("/exceptions", s.listExceptions)
		v1.GET("/exceptions/:id", s.getException)
		v1.GET("/report", s.getReport)
		v1.GET("/report/markdown", s.getReportMarkdown)
		v1.GET("/agents", s.listAgents)
	}
}

// Run serves until the context ends, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.ListenAddr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", s.cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if apierr.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// problem writes an RFC 7807 response tagged with the request path.
func problem(c *gin.Context, p *apierr.Problem) {
	c.Header("Content-Type", apierr.ContentType)
	c.JSON(p.Status, p.WithInstance(c.Request.URL.Path))
}

// decisionRequest is the human-review callback body.
type decisionRequest struct {
	ExceptionID string                 `json:"exception_id" binding:"required"`
	Outcome     models.ExceptionStatus `json:"outcome" binding:"required"`
	ResolvedBy  string                 `json:"resolved_by" binding:"required"`
	FinalTarget models.RoutingTarget   `json:"final_target"`
	Notes       string                 `json:"notes"`
}

func (s *Server) submitDecision(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		problem(c, apierr.BadRequest(err.Error()))
		return
	}

	err := s.triage.SubmitDecision(c.Request.Context(), req.ExceptionID, models.Resolution{
		Outcome:     req.Outcome,
		ResolvedBy:  req.ResolvedBy,
		FinalTarget: req.FinalTarget,
		Notes:       req.Notes,
	})
	switch {
	case apierr.Is(err, storage.ErrNotFound):
		problem(c, apierr.NotFound("exception not found"))
	case err != nil:
		problem(c, apierr.Conflict(err.Error()))
	default:
		c.JSON(http.StatusAccepted, gin.H{"exception_id": req.ExceptionID, "status": "accepted"})
	}
}

func (s *Server) getException(c *gin.Context) {
	exc, err := s.triage.GetException(c.Request.Context(), c.Param("id"))
	switch {
	case apierr.Is(err, storage.ErrNotFound):
		problem(c, apierr.NotFound("exception not found"))
	case err != nil:
		s.logger.Error("exception lookup failed", zap.String("id", c.Param("id")), zap.Error(err))
		problem(c, apierr.Internal("lookup failed"))
	default:
		c.JSON(http.StatusOK, exc)
	}
}

func (s *Server) listExceptions(c *gin.Context) {
	open, err := s.triage.OpenExceptions(c.Request.Context())
	if err != nil {
		s.logger.Error("exception scan failed", zap.Error(err))
		problem(c, apierr.Internal("scan failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"exceptions": open, "count": len(open)})
}

func (s *Server) getReport(c *gin.Context) {
	c.JSON(http.StatusOK, s.reporter.Snapshot())
}

func (s *Server) getReportMarkdown(c *gin.Context) {
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(s.reporter.Snapshot().Markdown()))
}

func (s *Server) listAgents(c *gin.Context) {
	if capability := c.Query("capability"); capability != "" {
		entries, err := s.registry.Query(c.Request.Context(), capability)
		if err != nil {
			problem(c, apierr.Internal("registry query failed"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"agents": entries})
		return
	}
	entries, err := s.registry.List(c.Request.Context())
	if err != nil {
		problem(c, apierr.Internal("registry scan failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": entries})
}
