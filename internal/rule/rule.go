// Package rule defines the forwarding rule model shared by the relay engine,
// the persistence layer and the management API.
//
// A rule declares a listener endpoint (source), an upstream endpoint (target)
// and the transport protocol to relay between them. Rules are immutable while
// active: the engine holds a copy for the lifetime of an activation, and the
// API refuses edits to transport-defining fields until the rule is stopped.
package rule

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Protocol selects the transport(s) a rule forwards.
type Protocol string

const (
	TCP    Protocol = "TCP"
	UDP    Protocol = "UDP"
	TCPUDP Protocol = "TCP_UDP"
)

// ParseProtocol converts a string to a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToUpper(strings.TrimSpace(s))) {
	case TCP:
		return TCP, nil
	case UDP:
		return UDP, nil
	case TCPUDP:
		return TCPUDP, nil
	default:
		return "", fmt.Errorf("unknown protocol %q", s)
	}
}

// HasTCP reports whether the protocol includes a TCP half.
func (p Protocol) HasTCP() bool { return p == TCP || p == TCPUDP }

// HasUDP reports whether the protocol includes a UDP half.
func (p Protocol) HasUDP() bool { return p == UDP || p == TCPUDP }

// Overlaps reports whether two protocols share a transport.
// TCP_UDP counts as both for conflict detection.
func (p Protocol) Overlaps(other Protocol) bool {
	return (p.HasTCP() && other.HasTCP()) || (p.HasUDP() && other.HasUDP())
}

// Rule is a declarative forwarding rule.
//
// SourceIP may be empty, which means listen on all interfaces (0.0.0.0).
// ReconnectInterval and MaxReconnectAttempts drive the upstream pool's
// reconnect machine; PoolSize caps the number of outbound upstream sockets.
type Rule struct {
	ID                   int64
	Name                 string
	SourceIP             string
	SourcePort           int
	TargetIP             string
	TargetPort           int
	Protocol             Protocol
	Enabled              bool
	AutoReconnect        bool
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	PoolSize             int
	Remark               string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// BindIP returns the listener IP, defaulting to 0.0.0.0 when unset.
func (r *Rule) BindIP() string {
	if r.SourceIP == "" {
		return "0.0.0.0"
	}
	return r.SourceIP
}

// BindKey identifies the listener endpoint a rule occupies. Two enabled rules
// with the same key and overlapping protocols conflict.
func (r *Rule) BindKey() string {
	return fmt.Sprintf("%s_%d", r.BindIP(), r.SourcePort)
}

// SourceAddr returns the listener address in host:port form.
func (r *Rule) SourceAddr() string {
	return net.JoinHostPort(r.BindIP(), fmt.Sprintf("%d", r.SourcePort))
}

// TargetAddr returns the upstream address in host:port form.
func (r *Rule) TargetAddr() string {
	return net.JoinHostPort(r.TargetIP, fmt.Sprintf("%d", r.TargetPort))
}

// ConflictsWith reports whether two rules cannot be enabled at the same time
// because they would bind the same listener endpoint on the same transport.
func (r *Rule) ConflictsWith(other *Rule) bool {
	if r.ID != 0 && r.ID == other.ID {
		return false
	}
	return r.BindKey() == other.BindKey() && r.Protocol.Overlaps(other.Protocol)
}

// Validate checks the fields the engine depends on. It returns the first
// problem found; a rule that fails validation must never reach activation.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("rule name must not be empty")
	}
	if r.SourcePort < 1 || r.SourcePort > 65535 {
		return fmt.Errorf("source port %d out of range 1..65535", r.SourcePort)
	}
	if r.TargetPort < 1 || r.TargetPort > 65535 {
		return fmt.Errorf("target port %d out of range 1..65535", r.TargetPort)
	}
	if strings.TrimSpace(r.TargetIP) == "" {
		return errors.New("target IP must not be empty")
	}
	if net.ParseIP(r.TargetIP) == nil {
		return fmt.Errorf("target IP %q is not a valid IP address", r.TargetIP)
	}
	if r.SourceIP != "" && net.ParseIP(r.SourceIP) == nil {
		return fmt.Errorf("source IP %q is not a valid IP address", r.SourceIP)
	}
	switch r.Protocol {
	case TCP, UDP, TCPUDP:
	default:
		return fmt.Errorf("unknown protocol %q", r.Protocol)
	}
	if r.PoolSize < 1 {
		return fmt.Errorf("pool size %d must be at least 1", r.PoolSize)
	}
	if r.AutoReconnect {
		if r.ReconnectInterval <= 0 {
			return errors.New("reconnect interval must be positive when auto-reconnect is enabled")
		}
		if r.MaxReconnectAttempts < 1 {
			return errors.New("max reconnect attempts must be at least 1 when auto-reconnect is enabled")
		}
	}
	return nil
}
