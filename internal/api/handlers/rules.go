package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/portrelay/portrelay/internal/api/models"
	"github.com/portrelay/portrelay/internal/database"
)

// ListRules returns every rule with its live engine state.
func (h *Handler) ListRules(c *gin.Context) {
	rules, err := h.Store.ListRules(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	views := make([]models.RuleView, 0, len(rules))
	for _, r := range rules {
		views = append(views, models.NewRuleView(r, string(h.Engine.State(r.ID))))
	}
	c.JSON(http.StatusOK, models.OK(views))
}

// GetRule returns one rule.
func (h *Handler) GetRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	r, err := h.Store.GetRule(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OK(models.NewRuleView(r, string(h.Engine.State(r.ID)))))
}

// CreateRule stores a rule and activates it when enabled.
func (h *Handler) CreateRule(c *gin.Context) {
	var req models.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Error(http.StatusBadRequest, err.Error()))
		return
	}
	r, err := req.ToRule()
	if err != nil {
		c.JSON(http.StatusBadRequest, models.Error(http.StatusBadRequest, err.Error()))
		return
	}
	ctx := c.Request.Context()
	if err := h.Store.CreateRule(ctx, r); err != nil {
		h.fail(c, err)
		return
	}
	h.audit(c, database.AuditCreate, database.EntityRule, r.ID, r.Name)

	if r.Enabled {
		if err := h.Engine.Activate(r); err != nil {
			// The rule is stored but could not start; surface both facts.
			c.JSON(http.StatusConflict, models.Error(http.StatusConflict,
				fmt.Sprintf("rule %d saved but failed to start: %v", r.ID, err)))
			return
		}
	}
	c.JSON(http.StatusCreated, models.OK(models.NewRuleView(r, string(h.Engine.State(r.ID)))))
}

// UpdateRule edits a stopped rule. Running rules must be deactivated first
// so in-flight connections are never reconfigured under their feet.
func (h *Handler) UpdateRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if h.Engine.IsRunning(id) {
		c.JSON(http.StatusConflict, models.Error(http.StatusConflict,
			"rule is running; deactivate it before editing"))
		return
	}
	var req models.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Error(http.StatusBadRequest, err.Error()))
		return
	}
	r, err := req.ToRule()
	if err != nil {
		c.JSON(http.StatusBadRequest, models.Error(http.StatusBadRequest, err.Error()))
		return
	}
	r.ID = id
	ctx := c.Request.Context()
	if err := h.Store.UpdateRule(ctx, r); err != nil {
		h.fail(c, err)
		return
	}
	h.audit(c, database.AuditUpdate, database.EntityRule, id, r.Name)

	if r.Enabled {
		if err := h.Engine.Activate(r); err != nil {
			c.JSON(http.StatusConflict, models.Error(http.StatusConflict,
				fmt.Sprintf("rule %d updated but failed to start: %v", id, err)))
			return
		}
	}
	c.JSON(http.StatusOK, models.OK(models.NewRuleView(r, string(h.Engine.State(id)))))
}

// DeleteRule deactivates and removes a rule.
func (h *Handler) DeleteRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	h.Engine.Deactivate(id)
	if err := h.Store.DeleteRule(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	h.audit(c, database.AuditDelete, database.EntityRule, id, "")
	c.JSON(http.StatusOK, models.OK(nil))
}

// ActivateRule enables and starts a rule.
func (h *Handler) ActivateRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	r, err := h.Store.GetRule(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !r.Enabled {
		if err := h.Store.SetRuleEnabled(ctx, id, true); err != nil {
			h.fail(c, err)
			return
		}
		r.Enabled = true
	}
	if err := h.Engine.Activate(r); err != nil {
		c.JSON(http.StatusConflict, models.Error(http.StatusConflict, err.Error()))
		return
	}
	h.audit(c, database.AuditActivate, database.EntityRule, id, r.Name)
	c.JSON(http.StatusOK, models.OK(models.NewRuleView(r, string(h.Engine.State(id)))))
}

// DeactivateRule stops a rule and marks it disabled.
func (h *Handler) DeactivateRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	r, err := h.Store.GetRule(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.Engine.Deactivate(id)
	if r.Enabled {
		if err := h.Store.SetRuleEnabled(ctx, id, false); err != nil {
			h.fail(c, err)
			return
		}
		r.Enabled = false
	}
	h.audit(c, database.AuditDeactivate, database.EntityRule, id, r.Name)
	c.JSON(http.StatusOK, models.OK(models.NewRuleView(r, string(h.Engine.State(id)))))
}

func (h *Handler) fail(c *gin.Context, err error) {
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, models.Error(http.StatusNotFound, "not found"))
		return
	}
	h.Logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusInternalServerError,
		models.Error(http.StatusInternalServerError, err.Error()))
}

func (h *Handler) audit(c *gin.Context, action, entity string, id int64, detail string) {
	if err := h.Store.RecordAudit(c.Request.Context(), action, entity, id, detail); err != nil {
		h.Logger.Warn("audit write failed", "action", action, "error", err)
	}
}
