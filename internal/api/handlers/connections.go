package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/portrelay/portrelay/internal/api/models"
)

// ListConnections returns persisted connection records, optionally filtered
// by rule_id, newest first.
func (h *Handler) ListConnections(c *gin.Context) {
	ruleID, _ := strconv.ParseInt(c.Query("rule_id"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))
	recs, err := h.Store.ListConnections(c.Request.Context(), ruleID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OK(recs))
}

// ListListeners returns the listener status table.
func (h *Handler) ListListeners(c *gin.Context) {
	list, err := h.Store.ListListenerStatus(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OK(list))
}

// ListAudit returns the newest audit entries.
func (h *Handler) ListAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.Store.ListAudit(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OK(entries))
}
