// Package server exposes the upload pipeline over HTTP. Authentication is an
// external concern: the caller's identity arrives in trusted headers set by
// the fronting proxy.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/southbooks/invoiceflow/internal/common"
	"github.com/southbooks/invoiceflow/internal/pipeline"
	"github.com/southbooks/invoiceflow/internal/repository"
)

type Server struct {
	cfg     *common.Config
	manager *pipeline.Manager
	db      *gorm.DB
	log     *zap.SugaredLogger
	http    *http.Server
}

func New(cfg *common.Config, manager *pipeline.Manager, db *gorm.DB, log *zap.SugaredLogger) *Server {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	s := &Server{cfg: cfg, manager: manager, db: db, log: log}
	s.http = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api")
	{
		api.POST("/uploads", s.handleSubmit)
		api.GET("/uploads", s.handleRecentJobs)
		api.GET("/uploads/:id", s.handleGetJob)
	}

	admin := r.Group("/api/admin")
	{
		admin.GET("/uploads", s.handleAllJobs)
		admin.DELETE("/uploads/:id", s.handleDeleteJob)
		admin.POST("/uploads/:id/retry", s.handleRetryJob)
		admin.POST("/uploads/:id/quarantine", s.handleQuarantineJob)
	}

	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Infow("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := repository.HealthCheck(c.Request.Context(), s.db, 2*time.Second); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.Infow("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
