// Package handlers implements the management API endpoints.
package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/portrelay/portrelay/internal/api/models"
	"github.com/portrelay/portrelay/internal/database"
	"github.com/portrelay/portrelay/internal/metrics"
	"github.com/portrelay/portrelay/internal/relay"
)

// Handler carries the dependencies shared by all endpoints.
type Handler struct {
	Store   *database.Store
	Engine  *relay.Engine
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func New(store *database.Store, engine *relay.Engine, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Store: store, Engine: engine, Metrics: m, Logger: logger}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, models.OK(gin.H{"status": "up"}))
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest,
			models.Error(http.StatusBadRequest, "invalid id"))
		return 0, false
	}
	return id, true
}
