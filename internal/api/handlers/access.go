package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/portrelay/portrelay/internal/access"
	"github.com/portrelay/portrelay/internal/api/models"
	"github.com/portrelay/portrelay/internal/database"
)

// ListAccessRules returns every access entry.
func (h *Handler) ListAccessRules(c *gin.Context) {
	rules, err := h.Store.ListAccessRules(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OK(rules))
}

// CreateAccessRule stores a new access entry. It takes effect on the next
// connection attempt; established connections are not re-evaluated.
func (h *Handler) CreateAccessRule(c *gin.Context) {
	var req models.AccessRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Error(http.StatusBadRequest, err.Error()))
		return
	}
	a := &access.Rule{
		RuleID:   req.RuleID,
		CIDR:     req.CIDR,
		Action:   access.Action(req.Action),
		Priority: req.Priority,
		Enabled:  true,
		Remark:   req.Remark,
	}
	if req.Enabled != nil {
		a.Enabled = *req.Enabled
	}
	if err := h.Store.CreateAccessRule(c.Request.Context(), a); err != nil {
		c.JSON(http.StatusBadRequest, models.Error(http.StatusBadRequest, err.Error()))
		return
	}
	h.audit(c, database.AuditCreate, database.EntityAccessRule, a.ID, a.CIDR)
	c.JSON(http.StatusCreated, models.OK(a))
}

// DeleteAccessRule removes an access entry.
func (h *Handler) DeleteAccessRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.Store.DeleteAccessRule(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	h.audit(c, database.AuditDelete, database.EntityAccessRule, id, "")
	c.JSON(http.StatusOK, models.OK(nil))
}
