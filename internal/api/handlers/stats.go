package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/portrelay/portrelay/internal/api/models"
)

var startedAt = time.Now()

// Stats returns the global counters, the per-rule data-plane views and a
// short system summary.
func (h *Handler) Stats(c *gin.Context) {
	type ruleStats struct {
		RuleID    int64 `json:"ruleId"`
		Pool      any   `json:"pool,omitempty"`
		Clients   any   `json:"clients,omitempty"`
		Sessions  any   `json:"sessions,omitempty"`
		Broadcast any   `json:"broadcast,omitempty"`
	}

	var perRule []ruleStats
	for _, id := range h.Engine.ActiveRuleIDs() {
		rs := ruleStats{RuleID: id}
		if ps, ok := h.Engine.PoolStatus(id); ok {
			rs.Pool = ps
			rs.Clients = h.Engine.ClientStats(id)
		}
		if ss, ok := h.Engine.SessionStats(id); ok {
			rs.Sessions = ss
		}
		if bs, ok := h.Engine.BroadcastStats(id); ok {
			rs.Broadcast = bs
		}
		perRule = append(perRule, rs)
	}

	c.JSON(http.StatusOK, models.OK(gin.H{
		"counters":      h.Metrics.Snapshot(),
		"activeServers": h.Engine.ActiveServerCount(),
		"rules":         perRule,
		"system":        systemStats(),
	}))
}

// systemStats is best effort; a probe error leaves its field nil rather than
// failing the endpoint.
func systemStats() gin.H {
	out := gin.H{"uptimeSeconds": int64(time.Since(startedAt).Seconds())}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		out["cpuPercent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["memoryUsedPercent"] = vm.UsedPercent
		out["memoryTotalBytes"] = vm.Total
	}
	if info, err := host.Info(); err == nil {
		out["hostname"] = info.Hostname
		out["os"] = info.OS
	}
	return out
}
