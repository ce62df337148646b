// Package access implements the IP access-control decision placed on the
// relay's hot path.
//
// Decision semantics:
//   - The effective rule set for a forwarding rule is the union of global
//     rules (no rule ID) and rules bound to that rule, ordered by ascending
//     priority. Disabled rules are skipped.
//   - The first rule whose CIDR contains the client IP decides.
//   - If nothing matches and the effective set contains at least one ALLOW
//     rule, the verdict is deny (whitelist semantics). With only DENY rules
//     the verdict is allow (blacklist semantics).
//   - A store or parse failure fails open: the client is admitted and a
//     policy-error counter is bumped. Denying on a broken policy store would
//     turn a database outage into a full self-inflicted outage.
package access

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
)

// Action is the verdict a matching rule produces.
type Action string

const (
	Allow Action = "ALLOW"
	Deny  Action = "DENY"
)

// Rule is one IP access-control entry. RuleID of zero makes it global.
type Rule struct {
	ID       int64  `json:"id"`
	RuleID   int64  `json:"ruleId"` // 0 = applies to every forwarding rule
	CIDR     string `json:"cidr"`
	Action   Action `json:"action"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
	Remark   string `json:"remark"`
}

// Matches reports whether clientIP falls inside the rule's CIDR. The CIDR
// field accepts a bare IPv4 address (exact match) or a.b.c.d/N with
// 0 <= N <= 32. IPv4 only; comparison is done on masked 32-bit values.
func (r *Rule) Matches(clientIP string) (bool, error) {
	ip, err := parseIPv4(clientIP)
	if err != nil {
		return false, err
	}

	cidr := strings.TrimSpace(r.CIDR)
	base := cidr
	bits := 32
	if idx := strings.IndexByte(cidr, '/'); idx >= 0 {
		base = cidr[:idx]
		bits, err = strconv.Atoi(cidr[idx+1:])
		if err != nil || bits < 0 || bits > 32 {
			return false, fmt.Errorf("invalid prefix length in %q", cidr)
		}
	}

	network, err := parseIPv4(base)
	if err != nil {
		return false, err
	}

	mask := uint32(0)
	if bits > 0 {
		mask = ^uint32(0) << (32 - bits)
	}
	return ip&mask == network&mask, nil
}

// ValidateCIDR checks that s parses as a single IPv4 address or an IPv4 CIDR.
func ValidateCIDR(s string) error {
	r := Rule{CIDR: s}
	_, err := r.Matches("127.0.0.1")
	return err
}

func parseIPv4(s string) (uint32, error) {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return 0, fmt.Errorf("invalid IP address %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("not an IPv4 address: %q", s)
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]), nil
}

// PolicyStore supplies the effective rule list for a forwarding rule,
// already sorted by ascending priority. The returned slice is a snapshot;
// the decider never retains it.
type PolicyStore interface {
	EffectiveRules(ruleID int64) ([]Rule, error)
}

// Decider answers allow/deny for a (client IP, forwarding rule) pair.
// Safe for concurrent use.
type Decider struct {
	Store  PolicyStore
	Logger *slog.Logger

	policyErrors atomic.Uint64
}

// NewDecider creates a Decider backed by the given store.
func NewDecider(store PolicyStore, logger *slog.Logger) *Decider {
	return &Decider{Store: store, Logger: logger}
}

// Allowed returns true when clientIP may use the forwarding rule.
func (d *Decider) Allowed(clientIP string, ruleID int64) bool {
	rules, err := d.Store.EffectiveRules(ruleID)
	if err != nil {
		d.failOpen(clientIP, ruleID, err)
		return true
	}

	hasAllow := false
	for i := range rules {
		r := &rules[i]
		if !r.Enabled {
			continue
		}
		if r.Action == Allow {
			hasAllow = true
		}
		matched, err := r.Matches(clientIP)
		if err != nil {
			d.failOpen(clientIP, ruleID, err)
			return true
		}
		if matched {
			allowed := r.Action == Allow
			if d.Logger != nil {
				d.Logger.Debug("access rule matched",
					"client_ip", clientIP, "rule_id", ruleID,
					"cidr", r.CIDR, "allowed", allowed)
			}
			return allowed
		}
	}

	// No match. With at least one ALLOW rule configured the set is a
	// whitelist and unmatched clients are denied.
	if hasAllow {
		if d.Logger != nil {
			d.Logger.Debug("whitelist present but no match, denying",
				"client_ip", clientIP, "rule_id", ruleID)
		}
		return false
	}
	return true
}

// PolicyErrors returns the number of fail-open decisions taken so far.
func (d *Decider) PolicyErrors() uint64 {
	return d.policyErrors.Load()
}

func (d *Decider) failOpen(clientIP string, ruleID int64, err error) {
	d.policyErrors.Add(1)
	if d.Logger != nil {
		d.Logger.Warn("access policy evaluation failed, failing open",
			"client_ip", clientIP, "rule_id", ruleID, "err", err)
	}
}
