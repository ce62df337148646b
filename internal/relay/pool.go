package relay

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/portrelay/portrelay/internal/rule"
)

// maxReconnectDelay caps the linear backoff between reconnect attempts.
const maxReconnectDelay = 60 * time.Second

// upstreamReadBuf is the per-connection read buffer for upstream traffic.
const upstreamReadBuf = 32 * 1024

// SlotState is the lifecycle state of one pool slot.
type SlotState int32

const (
	SlotIdle SlotState = iota
	SlotConnecting
	SlotConnected
	SlotBackoff
	SlotGiveUp
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "IDLE"
	case SlotConnecting:
		return "CONNECTING"
	case SlotConnected:
		return "CONNECTED"
	case SlotBackoff:
		return "BACKOFF"
	case SlotGiveUp:
		return "GIVEUP"
	default:
		return "UNKNOWN"
	}
}

// PoolOptions tunes dialing behavior for every slot of a pool.
type PoolOptions struct {
	DialTimeout time.Duration
	KeepAlive   bool
	NoDelay     bool
	Clock       clockwork.Clock
	Logger      *slog.Logger
}

// PoolStatus is a point-in-time view of a pool, safe to serialize.
type PoolStatus struct {
	RuleID            int64  `json:"ruleId"`
	RuleName          string `json:"ruleName"`
	Target            string `json:"target"`
	ActiveConnections int    `json:"activeConnections"`
	TotalSlots        int    `json:"totalSlots"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	State             string `json:"state"`
}

type poolSlot struct {
	mu       sync.Mutex
	conn     net.Conn
	state    SlotState
	attempts int
	timer    clockwork.Timer
}

// UpstreamPool maintains up to PoolSize TCP connections to a rule's target.
// Slot 0 is dialed eagerly on Start; further slots are dialed on demand by
// Get. A slot whose connection drops reconnects on its own with a linear
// backoff of min(interval*attempt, 60s) until MaxReconnectAttempts is
// exhausted, at which point the slot gives up until the pool is restarted.
type UpstreamPool struct {
	rule   *rule.Rule
	opts   PoolOptions
	logger *slog.Logger
	clock  clockwork.Clock

	slots  []*poolSlot
	rr     atomic.Uint32
	active atomic.Int32
	closed atomic.Bool
	wg     sync.WaitGroup

	// onInbound is invoked for every chunk read from an upstream
	// connection; data is only valid for the duration of the call.
	onInbound func(upstream net.Conn, data []byte)
	// onConnected fires after a slot (re)establishes its connection,
	// before the reader starts. Used to flush buffered client data.
	onConnected func(upstream net.Conn)
	// onDropped fires when a slot's connection is lost.
	onDropped func(upstream net.Conn)
}

// NewUpstreamPool creates a pool for r. Callbacks may be nil.
func NewUpstreamPool(r *rule.Rule, opts PoolOptions, onInbound func(net.Conn, []byte), onConnected, onDropped func(net.Conn)) *UpstreamPool {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	n := r.PoolSize
	if n <= 0 {
		n = 1
	}
	p := &UpstreamPool{
		rule:        r,
		opts:        opts,
		logger:      opts.Logger.With("rule_id", r.ID, "target", r.TargetAddr()),
		clock:       opts.Clock,
		slots:       make([]*poolSlot, n),
		onInbound:   onInbound,
		onConnected: onConnected,
		onDropped:   onDropped,
	}
	for i := range p.slots {
		p.slots[i] = &poolSlot{}
	}
	return p
}

// Start seeds the first slot. A failed initial dial is not fatal: the slot
// falls into the reconnect cycle and the listener keeps accepting clients,
// buffering their data until the target comes up.
func (p *UpstreamPool) Start() {
	if err := p.dialSlot(0); err != nil {
		p.logger.Warn("initial upstream dial failed", "error", err)
		p.scheduleReconnect(0)
	}
}

// Get returns an established upstream connection, preferring round-robin
// over already-connected slots. If none is connected it attempts one
// synchronous dial of an idle slot. Returns nil when nothing is reachable.
func (p *UpstreamPool) Get() net.Conn {
	if p.closed.Load() {
		return nil
	}
	n := len(p.slots)
	start := int(p.rr.Add(1)) % n
	for i := 0; i < n; i++ {
		s := p.slots[(start+i)%n]
		s.mu.Lock()
		if s.state == SlotConnected && s.conn != nil {
			c := s.conn
			s.mu.Unlock()
			return c
		}
		s.mu.Unlock()
	}

	// Nothing live. Grow into the first idle slot on demand.
	for i := range p.slots {
		s := p.slots[i]
		s.mu.Lock()
		idle := s.state == SlotIdle
		s.mu.Unlock()
		if !idle {
			continue
		}
		if err := p.dialSlot(i); err != nil {
			p.logger.Warn("on-demand upstream dial failed", "slot", i, "error", err)
			p.scheduleReconnect(i)
			return nil
		}
		s.mu.Lock()
		c := s.conn
		s.mu.Unlock()
		return c
	}
	return nil
}

// dialSlot synchronously connects slot i and starts its reader.
func (p *UpstreamPool) dialSlot(i int) error {
	s := p.slots[i]
	s.mu.Lock()
	if s.state == SlotConnected || s.state == SlotConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = SlotConnecting
	s.mu.Unlock()

	d := net.Dialer{Timeout: p.opts.DialTimeout}
	conn, err := d.Dial("tcp", p.rule.TargetAddr())
	if err != nil {
		s.mu.Lock()
		s.state = SlotBackoff
		s.mu.Unlock()
		return err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(p.opts.KeepAlive)
		_ = tc.SetNoDelay(p.opts.NoDelay)
	}

	s.mu.Lock()
	if p.closed.Load() {
		s.state = SlotIdle
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.state = SlotConnected
	s.attempts = 0
	s.mu.Unlock()

	p.active.Add(1)
	p.logger.Info("upstream connected", "slot", i, "local", conn.LocalAddr().String())
	if p.onConnected != nil {
		p.onConnected(conn)
	}

	p.wg.Add(1)
	go p.readLoop(i, conn)
	return nil
}

// readLoop pumps upstream data into onInbound until the connection drops.
func (p *UpstreamPool) readLoop(i int, conn net.Conn) {
	defer p.wg.Done()
	buf := make([]byte, upstreamReadBuf)
	for {
		n, err := conn.Read(buf)
		if n > 0 && p.onInbound != nil {
			p.onInbound(conn, buf[:n])
		}
		if err != nil {
			break
		}
	}
	p.slotDropped(i, conn)
}

func (p *UpstreamPool) slotDropped(i int, conn net.Conn) {
	s := p.slots[i]
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = SlotBackoff
	s.mu.Unlock()

	conn.Close()
	p.active.Add(-1)
	if p.onDropped != nil {
		p.onDropped(conn)
	}
	if p.closed.Load() {
		return
	}
	p.logger.Warn("upstream connection lost", "slot", i)
	if p.rule.AutoReconnect {
		p.scheduleReconnect(i)
	} else {
		s.mu.Lock()
		s.state = SlotIdle
		s.mu.Unlock()
	}
}

// scheduleReconnect arms the slot's backoff timer. Delay grows linearly with
// the attempt count and is capped at maxReconnectDelay.
func (p *UpstreamPool) scheduleReconnect(i int) {
	if p.closed.Load() || !p.rule.AutoReconnect {
		return
	}
	s := p.slots[i]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SlotConnected || s.state == SlotGiveUp {
		return
	}
	if p.rule.MaxReconnectAttempts > 0 && s.attempts >= p.rule.MaxReconnectAttempts {
		s.state = SlotGiveUp
		p.logger.Error("giving up on upstream", "slot", i, "attempts", s.attempts)
		return
	}
	s.attempts++
	delay := time.Duration(s.attempts) * p.rule.ReconnectInterval
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	s.state = SlotBackoff
	p.logger.Info("scheduling upstream reconnect", "slot", i, "attempt", s.attempts, "delay", delay)
	s.timer = p.clock.AfterFunc(delay, func() {
		if p.closed.Load() {
			return
		}
		if err := p.dialSlot(i); err != nil {
			p.logger.Warn("upstream reconnect failed", "slot", i, "error", err)
			p.scheduleReconnect(i)
		}
	})
}

// Active reports the number of currently established connections.
func (p *UpstreamPool) Active() int { return int(p.active.Load()) }

// Status returns a snapshot for the management API.
func (p *UpstreamPool) Status() PoolStatus {
	attempts := 0
	state := SlotIdle
	for _, s := range p.slots {
		s.mu.Lock()
		if s.attempts > attempts {
			attempts = s.attempts
		}
		if s.state > state {
			state = s.state
		}
		s.mu.Unlock()
	}
	// A single connected slot makes the pool CONNECTED regardless of the
	// state of the others.
	if p.active.Load() > 0 {
		state = SlotConnected
	}
	return PoolStatus{
		RuleID:            p.rule.ID,
		RuleName:          p.rule.Name,
		Target:            p.rule.TargetAddr(),
		ActiveConnections: int(p.active.Load()),
		TotalSlots:        len(p.slots),
		ReconnectAttempts: attempts,
		State:             state.String(),
	}
}

// Shutdown stops reconnect timers, closes all connections and waits for the
// readers to exit.
func (p *UpstreamPool) Shutdown() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	for _, s := range p.slots {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	}
	p.wg.Wait()
	p.logger.Info("upstream pool shut down")
}
