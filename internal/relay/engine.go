package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/portrelay/portrelay/internal/config"
	"github.com/portrelay/portrelay/internal/rule"
)

// RuleState is the activation state of a rule inside the engine.
type RuleState string

const (
	RuleInactive RuleState = "INACTIVE"
	RuleStarting RuleState = "STARTING"
	RuleRunning  RuleState = "RUNNING"
	RuleStopping RuleState = "STOPPING"
	RuleError    RuleState = "ERROR"
)

// Server-key suffixes. A rule may own up to two keys, one per protocol;
// broadcast rules use a distinct key because they bind the target port too.
const (
	suffixTCP          = "_TCP"
	suffixUDP          = "_UDP"
	suffixUDPBroadcast = "_UDP_BROADCAST"
)

var (
	ErrEngineStopped = errors.New("engine is shut down")
	ErrRuleDisabled  = errors.New("rule is disabled")
)

// ruleServers bundles everything the engine started for one rule.
type ruleServers struct {
	rule  *rule.Rule
	keys  []string
	pool  *UpstreamPool
	tcp   *TCPListener
	udp   *UDPForwarder
	bcast *BroadcastRelay
}

// Engine owns the data plane: it turns rules into running listeners, pools
// and session tables, and tears them down again. All methods are safe for
// concurrent use.
type Engine struct {
	cfg     *config.Config
	decider AccessDecider
	conns   ConnectionSink
	metrics MetricsSink
	status  ListenerStatusSink
	logger  *slog.Logger
	clock   clockwork.Clock

	registry *ClientRegistry

	mu      sync.Mutex
	servers map[int64]*ruleServers
	keys    map[string]int64 // server key -> owning rule
	states  map[int64]RuleState
	stopped bool
}

// NewEngine wires an engine. Nil sinks default to no-ops, a nil decider
// admits everyone and a nil clock uses wall time.
func NewEngine(cfg *config.Config, decider AccessDecider, conns ConnectionSink,
	metrics MetricsSink, status ListenerStatusSink, logger *slog.Logger,
	clock clockwork.Clock) *Engine {

	if cfg == nil {
		cfg = config.Default()
	}
	if decider == nil {
		decider = AllowAllDecider{}
	}
	if conns == nil {
		conns = NopConnectionSink{}
	}
	if metrics == nil {
		metrics = NopMetricsSink{}
	}
	if status == nil {
		status = NopListenerStatusSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		cfg:      cfg,
		decider:  decider,
		conns:    conns,
		metrics:  metrics,
		status:   status,
		logger:   logger,
		clock:    clock,
		registry: NewClientRegistry(logger, metrics),
		servers:  make(map[int64]*ruleServers),
		keys:     make(map[string]int64),
		states:   make(map[int64]RuleState),
	}
}

// Registry exposes the shared client registry, mainly for stats views.
func (e *Engine) Registry() *ClientRegistry { return e.registry }

// Activate brings up listeners for r. Activating an already-running rule is
// a no-op. A partial failure rolls back everything the call started and the
// rule lands in ERROR.
func (e *Engine) Activate(r *rule.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if !r.Enabled {
		return ErrRuleDisabled
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	if e.states[r.ID] == RuleRunning || e.states[r.ID] == RuleStarting {
		e.mu.Unlock()
		return nil
	}
	wantKeys := e.serverKeys(r)
	for _, k := range wantKeys {
		if owner, taken := e.keys[k]; taken && owner != r.ID {
			e.mu.Unlock()
			return fmt.Errorf("bind %s already owned by rule %d", k, owner)
		}
	}
	e.states[r.ID] = RuleStarting
	for _, k := range wantKeys {
		e.keys[k] = r.ID
	}
	e.mu.Unlock()

	srv := &ruleServers{rule: r, keys: wantKeys}
	if err := e.startServers(r, srv); err != nil {
		e.teardown(srv)
		e.mu.Lock()
		for _, k := range wantKeys {
			delete(e.keys, k)
		}
		e.states[r.ID] = RuleError
		e.mu.Unlock()
		e.logger.Error("rule activation failed", "rule_id", r.ID, "error", err)
		return err
	}

	e.mu.Lock()
	e.servers[r.ID] = srv
	e.states[r.ID] = RuleRunning
	e.mu.Unlock()
	e.metrics.IncForwardingRules()
	e.logger.Info("rule activated", "rule_id", r.ID, "name", r.Name,
		"protocol", string(r.Protocol), "listen", r.SourceAddr())
	return nil
}

func (e *Engine) serverKeys(r *rule.Rule) []string {
	var keys []string
	if r.Protocol.HasTCP() {
		keys = append(keys, r.BindKey()+suffixTCP)
	}
	if r.Protocol.HasUDP() {
		if e.cfg.Forwarding.UDP.Mode == config.UDPModeBroadcast {
			keys = append(keys, r.BindKey()+suffixUDPBroadcast)
		} else {
			keys = append(keys, r.BindKey()+suffixUDP)
		}
	}
	return keys
}

func (e *Engine) startServers(r *rule.Rule, srv *ruleServers) error {
	fwd := e.cfg.Forwarding

	if r.Protocol.HasTCP() {
		ruleID := r.ID
		pool := NewUpstreamPool(r, PoolOptions{
			DialTimeout: config.Duration(fwd.TCP.DialTimeout, config.DefaultDialTimeout),
			KeepAlive:   fwd.TCP.KeepAlive,
			NoDelay:     fwd.TCP.NoDelay,
			Clock:       e.clock,
			Logger:      e.logger,
		},
			func(up net.Conn, data []byte) {
				e.registry.RouteFromUpstream(up, ruleID, data)
			},
			func(up net.Conn) {
				e.registry.FlushBuffered(ruleID, up)
			},
			func(up net.Conn) {
				e.registry.UnmapUpstream(up)
			},
		)
		pool.Start()
		srv.pool = pool

		tcp := NewTCPListener(r, pool, e.registry, e.decider, e.conns,
			e.metrics, e.status, TCPListenerOptions{
				IdleTimeout: config.Duration(fwd.TCP.IdleTimeout, config.DefaultIdleTimeout),
				ReusePort:   fwd.TCP.ReusePort,
				Logger:      e.logger,
			})
		if err := tcp.Start(); err != nil {
			return err
		}
		srv.tcp = tcp
	}

	if r.Protocol.HasUDP() {
		if e.cfg.Forwarding.UDP.Mode == config.UDPModeBroadcast {
			// Broadcast mode needs no upstream pool; producers push to us.
			bcast := NewBroadcastRelay(r, e.decider, e.metrics, e.status,
				BroadcastOptions{
					SweepInterval:    config.Duration(fwd.UDP.SweepInterval, config.DefaultSweepInterval),
					HeartbeatTimeout: config.Duration(fwd.UDP.SessionTimeout, config.DefaultSessionTimeout),
					RcvBuf:           fwd.UDP.RcvBuf,
					SndBuf:           fwd.UDP.SndBuf,
					Clock:            e.clock,
					Logger:           e.logger,
				})
			if err := bcast.Start(); err != nil {
				return err
			}
			srv.bcast = bcast
		} else {
			udp := NewUDPForwarder(r, e.decider, e.conns, e.metrics, e.status,
				UDPSessionOptions{
					SessionTimeout: config.Duration(fwd.UDP.SessionTimeout, config.DefaultSessionTimeout),
					RcvBuf:         fwd.UDP.RcvBuf,
					SndBuf:         fwd.UDP.SndBuf,
					Logger:         e.logger,
				})
			if err := udp.Start(); err != nil {
				return err
			}
			srv.udp = udp
		}
	}
	return nil
}

func (e *Engine) teardown(srv *ruleServers) {
	if srv.tcp != nil {
		srv.tcp.Stop()
	}
	if srv.udp != nil {
		srv.udp.Stop()
	}
	if srv.bcast != nil {
		srv.bcast.Stop()
	}
	if srv.pool != nil {
		srv.pool.Shutdown()
	}
}

// Deactivate stops every server the rule owns. Deactivating a rule that is
// not running is a no-op.
func (e *Engine) Deactivate(ruleID int64) {
	e.mu.Lock()
	srv, ok := e.servers[ruleID]
	if !ok {
		e.states[ruleID] = RuleInactive
		e.mu.Unlock()
		return
	}
	e.states[ruleID] = RuleStopping
	delete(e.servers, ruleID)
	for _, k := range srv.keys {
		delete(e.keys, k)
	}
	e.mu.Unlock()

	e.teardown(srv)

	e.mu.Lock()
	e.states[ruleID] = RuleInactive
	e.mu.Unlock()
	e.metrics.DecForwardingRules()
	e.logger.Info("rule deactivated", "rule_id", ruleID)
}

// IsRunning reports whether the rule is actively serving.
func (e *Engine) IsRunning(ruleID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[ruleID] == RuleRunning
}

// State returns the rule's activation state; unknown rules are INACTIVE.
func (e *Engine) State(ruleID int64) RuleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[ruleID]; ok {
		return s
	}
	return RuleInactive
}

// ActiveServerCount reports the number of bound server keys.
func (e *Engine) ActiveServerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.keys)
}

// ActiveRuleIDs lists the rules currently in RUNNING state.
func (e *Engine) ActiveRuleIDs() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int64, 0, len(e.servers))
	for id := range e.servers {
		ids = append(ids, id)
	}
	return ids
}

// PoolStatus returns the upstream pool view for a rule, or false when the
// rule has no TCP pool.
func (e *Engine) PoolStatus(ruleID int64) (PoolStatus, bool) {
	e.mu.Lock()
	srv, ok := e.servers[ruleID]
	e.mu.Unlock()
	if !ok || srv.pool == nil {
		return PoolStatus{}, false
	}
	return srv.pool.Status(), true
}

// ClientStats returns the downstream TCP client view for a rule.
func (e *Engine) ClientStats(ruleID int64) ClientStats {
	return e.registry.Stats(ruleID)
}

// SessionStats returns the UDP session view for a rule, or false when the
// rule has no point-to-point forwarder.
func (e *Engine) SessionStats(ruleID int64) (UDPSessionStats, bool) {
	e.mu.Lock()
	srv, ok := e.servers[ruleID]
	e.mu.Unlock()
	if !ok || srv.udp == nil {
		return UDPSessionStats{}, false
	}
	return srv.udp.Stats(), true
}

// BroadcastStats returns the broadcast view for a rule, or false when the
// rule is not in broadcast mode.
func (e *Engine) BroadcastStats(ruleID int64) (BroadcastStats, bool) {
	e.mu.Lock()
	srv, ok := e.servers[ruleID]
	e.mu.Unlock()
	if !ok || srv.bcast == nil {
		return BroadcastStats{}, false
	}
	return srv.bcast.Stats(), true
}

// Shutdown deactivates every rule and refuses further activations.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	ids := make([]int64, 0, len(e.servers))
	for id := range e.servers {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.Deactivate(id)
	}
	e.logger.Info("forwarding engine shut down")
}
