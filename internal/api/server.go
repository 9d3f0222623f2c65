package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Kota1609/data-sync-ingestion-coding-challenge/config"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/metrics"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/models"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/ratelimit"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server exposes the run's health and progress over HTTP while the
// ingestion is active
type Server struct {
	config     *config.Config
	router     *gin.Engine
	httpServer *http.Server
	tracker    *metrics.Tracker
	limiter    *ratelimit.Limiter
	tracer     tracing.Tracer
	startedAt  time.Time
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, tracker *metrics.Tracker, limiter *ratelimit.Limiter, tracer tracing.Tracer) *Server {
	server := &Server{
		config:    cfg,
		tracker:   tracker,
		limiter:   limiter,
		tracer:    tracer,
		startedAt: time.Now(),
	}

	server.router = server.setupRouter()
	server.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HealthPort),
		Handler: server.router,
	}

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	if s.tracer != nil {
		if app := s.tracer.Application(); app != nil {
			router.Use(nrgin.Middleware(app))
		}
	}

	router.GET("/health", func(c *gin.Context) {
		snap := s.tracker.Peek()
		active := 0
		for _, ws := range snap.Workers {
			if ws.Status == models.StatusRunning {
				active++
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"uptime":        time.Since(s.startedAt).Round(time.Second).String(),
			"totalInserted": snap.TotalInserted,
			"throughputEps": snap.EventsPerSec,
			"activeWorkers": active,
		})
	})

	router.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"target":       metrics.Target,
			"progress":     s.tracker.Peek(),
			"rate_limiter": s.limiter.State(),
		})
	})

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.httpServer.Addr).Msg("Starting health server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "health server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "health server shutdown error")
	}

	log.Info().Msg("Health server shut down")
	return nil
}
