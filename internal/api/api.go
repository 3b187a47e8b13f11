// Package api provides the HTTP API server for Flowline.
//
// The server exposes the pipeline definition store, the transition engine,
// and the dashboard queries under /api/v1. Callers identify themselves with
// the X-User-ID header; in local mode unauthenticated requests run as the
// admin user.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	v1 "flowline/internal/api/v1"
	internalconfig "flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/db/repositories"
	"flowline/internal/logging"
)

type Server struct {
	cfg        *internalconfig.Config
	db         db.Database
	httpServer *http.Server
	repos      *repositories.Repositories
	handlers   *v1.APIHandlers
}

func New(cfg *internalconfig.Config, database db.Database, deps v1.Services) *Server {
	repos := repositories.New(database)
	return &Server{
		cfg:      cfg,
		db:       database,
		repos:    repos,
		handlers: v1.NewAPIHandlers(repos, deps, cfg.LocalMode, cfg.AdminUsername),
	}
}

func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(func(c *gin.Context) {
		if !strings.HasPrefix(c.Request.URL.Path, "/health") {
			start := time.Now()
			c.Next()
			logging.Debug("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path,
				c.Writer.Status(), time.Since(start))
			return
		}
		c.Next()
	})

	router.GET("/health", s.healthCheck)

	v1Group := router.Group("/api/v1")
	s.handlers.RegisterRoutes(v1Group)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.APIPort),
		Handler: router,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("API server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "flowline-api",
	})
}
