// Package api serves the management HTTP interface: rule and access-rule
// administration, connection and listener views, stats and Prometheus
// metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/portrelay/portrelay/internal/api/handlers"
	"github.com/portrelay/portrelay/internal/api/middleware"
	"github.com/portrelay/portrelay/internal/config"
	"github.com/portrelay/portrelay/internal/database"
	"github.com/portrelay/portrelay/internal/metrics"
	"github.com/portrelay/portrelay/internal/relay"
)

// Server is the management HTTP server.
type Server struct {
	cfg    config.APIConfig
	logger *slog.Logger
	http   *http.Server
}

// New builds the server and its route table.
func New(cfg config.APIConfig, store *database.Store, engine *relay.Engine,
	m *metrics.Metrics, logger *slog.Logger) *Server {

	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(logger))

	h := handlers.New(store, engine, m, logger)
	registerRoutes(router, h, m, cfg.APIKey)

	return &Server{
		cfg:    cfg,
		logger: logger,
		http: &http.Server{
			Addr:         net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func registerRoutes(router *gin.Engine, h *handlers.Handler, m *metrics.Metrics, apiKey string) {
	router.GET("/healthz", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry(),
		promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1", middleware.RequireAPIKey(apiKey))
	{
		rules := v1.Group("/rules")
		{
			rules.GET("", h.ListRules)
			rules.POST("", h.CreateRule)
			rules.GET("/:id", h.GetRule)
			rules.PUT("/:id", h.UpdateRule)
			rules.DELETE("/:id", h.DeleteRule)
			rules.POST("/:id/activate", h.ActivateRule)
			rules.POST("/:id/deactivate", h.DeactivateRule)
		}

		acl := v1.Group("/access-rules")
		{
			acl.GET("", h.ListAccessRules)
			acl.POST("", h.CreateAccessRule)
			acl.DELETE("/:id", h.DeleteAccessRule)
		}

		v1.GET("/connections", h.ListConnections)
		v1.GET("/listeners", h.ListListeners)
		v1.GET("/audit", h.ListAudit)
		v1.GET("/stats", h.Stats)
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	s.logger.Info("management api listening", "addr", s.http.Addr)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("management api failed", "error", err)
		}
	}()
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }
