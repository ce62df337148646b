// Package models defines the request and response shapes of the management
// API.
package models

import (
	"time"

	"github.com/portrelay/portrelay/internal/rule"
)

// Response is the envelope every endpoint returns.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// OK wraps data in a success envelope.
func OK(data any) Response {
	return Response{Code: 0, Message: "ok", Data: data}
}

// Error builds a failure envelope.
func Error(code int, message string) Response {
	return Response{Code: code, Message: message}
}

// RuleRequest is the create/update payload for a forwarding rule.
type RuleRequest struct {
	Name                 string `json:"name" binding:"required"`
	SourceIP             string `json:"sourceIp"`
	SourcePort           int    `json:"sourcePort" binding:"required"`
	TargetIP             string `json:"targetIp" binding:"required"`
	TargetPort           int    `json:"targetPort" binding:"required"`
	Protocol             string `json:"protocol" binding:"required"`
	Enabled              *bool  `json:"enabled"`
	AutoReconnect        *bool  `json:"autoReconnect"`
	ReconnectIntervalMS  int64  `json:"reconnectIntervalMs"`
	MaxReconnectAttempts int    `json:"maxReconnectAttempts"`
	PoolSize             int    `json:"poolSize"`
	Remark               string `json:"remark"`
}

// ToRule converts the request to the domain model, applying defaults.
func (req *RuleRequest) ToRule() (*rule.Rule, error) {
	proto, err := rule.ParseProtocol(req.Protocol)
	if err != nil {
		return nil, err
	}
	r := &rule.Rule{
		Name:                 req.Name,
		SourceIP:             req.SourceIP,
		SourcePort:           req.SourcePort,
		TargetIP:             req.TargetIP,
		TargetPort:           req.TargetPort,
		Protocol:             proto,
		Enabled:              true,
		AutoReconnect:        true,
		ReconnectInterval:    5 * time.Second,
		MaxReconnectAttempts: 10,
		PoolSize:             1,
		Remark:               req.Remark,
	}
	if req.Enabled != nil {
		r.Enabled = *req.Enabled
	}
	if req.AutoReconnect != nil {
		r.AutoReconnect = *req.AutoReconnect
	}
	if req.ReconnectIntervalMS > 0 {
		r.ReconnectInterval = time.Duration(req.ReconnectIntervalMS) * time.Millisecond
	}
	if req.MaxReconnectAttempts > 0 {
		r.MaxReconnectAttempts = req.MaxReconnectAttempts
	}
	if req.PoolSize > 0 {
		r.PoolSize = req.PoolSize
	}
	return r, nil
}

// RuleView is a rule plus its live engine state.
type RuleView struct {
	ID                   int64     `json:"id"`
	Name                 string    `json:"name"`
	SourceIP             string    `json:"sourceIp"`
	SourcePort           int       `json:"sourcePort"`
	TargetIP             string    `json:"targetIp"`
	TargetPort           int       `json:"targetPort"`
	Protocol             string    `json:"protocol"`
	Enabled              bool      `json:"enabled"`
	AutoReconnect        bool      `json:"autoReconnect"`
	ReconnectIntervalMS  int64     `json:"reconnectIntervalMs"`
	MaxReconnectAttempts int       `json:"maxReconnectAttempts"`
	PoolSize             int       `json:"poolSize"`
	Remark               string    `json:"remark"`
	State                string    `json:"state"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// NewRuleView flattens a rule and its engine state for JSON.
func NewRuleView(r *rule.Rule, state string) RuleView {
	return RuleView{
		ID:                   r.ID,
		Name:                 r.Name,
		SourceIP:             r.SourceIP,
		SourcePort:           r.SourcePort,
		TargetIP:             r.TargetIP,
		TargetPort:           r.TargetPort,
		Protocol:             string(r.Protocol),
		Enabled:              r.Enabled,
		AutoReconnect:        r.AutoReconnect,
		ReconnectIntervalMS:  r.ReconnectInterval.Milliseconds(),
		MaxReconnectAttempts: r.MaxReconnectAttempts,
		PoolSize:             r.PoolSize,
		Remark:               r.Remark,
		State:                state,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

// AccessRuleRequest is the create payload for an access entry.
type AccessRuleRequest struct {
	RuleID   int64  `json:"ruleId"`
	CIDR     string `json:"cidr" binding:"required"`
	Action   string `json:"action" binding:"required"`
	Priority int    `json:"priority"`
	Enabled  *bool  `json:"enabled"`
	Remark   string `json:"remark"`
}
