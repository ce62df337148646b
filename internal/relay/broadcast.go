package relay

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/portrelay/portrelay/internal/rule"
)

// Control words understood on the subscriber socket, and the replies sent
// back. Comparison ignores surrounding whitespace; anything else is data.
const (
	ctlSubscribe   = "SUBSCRIBE"
	ctlUnsubscribe = "UNSUBSCRIBE"
	ctlHeartbeat   = "HEARTBEAT"

	replySubscribed     = "SUBSCRIBED"
	replyUnsubscribed   = "UNSUBSCRIBED"
	replyHeartbeatAck   = "HEARTBEAT_ACK"
	replyAutoSubscribed = "AUTO_SUBSCRIBED"
)

// BroadcastOptions tunes a broadcast relay.
type BroadcastOptions struct {
	// SweepInterval is how often stale clients are scanned for.
	SweepInterval time.Duration
	// HeartbeatTimeout evicts clients silent for this long. Eviction is
	// driven purely by this timeout, never by traffic direction.
	HeartbeatTimeout time.Duration
	RcvBuf           int
	SndBuf           int
	Clock            clockwork.Clock
	Logger           *slog.Logger
}

// BroadcastStats is a snapshot of one broadcast relay.
type BroadcastStats struct {
	RuleID          int64 `json:"ruleId"`
	Subscribers     int   `json:"subscribers"`
	UpstreamSenders int   `json:"upstreamSenders"`
	BytesRx         int64 `json:"bytesRx"`
	BytesTx         int64 `json:"bytesTx"`
}

type broadcastClient struct {
	addr          *net.UDPAddr
	registeredAt  time.Time
	lastHeartbeat time.Time
}

// BroadcastRelay fans upstream datagrams out to every subscribed downstream
// client. It binds two sockets: the subscriber socket on the rule's source
// port, where clients SUBSCRIBE and send heartbeats, and the sender socket
// on the rule's target port, where upstream producers inject data. Producers
// need no handshake; their first datagram registers them.
type BroadcastRelay struct {
	rule    *rule.Rule
	opts    BroadcastOptions
	decider AccessDecider
	metrics MetricsSink
	status  ListenerStatusSink
	logger  *slog.Logger
	clock   clockwork.Clock

	down *net.UDPConn // subscriber side
	up   *net.UDPConn // producer side

	mu      sync.Mutex
	subs    map[string]*broadcastClient
	senders map[string]*broadcastClient

	bytesRx   atomic.Int64
	bytesTx   atomic.Int64
	wg        sync.WaitGroup
	closed    atomic.Bool
	stopSweep chan struct{}
}

func NewBroadcastRelay(r *rule.Rule, decider AccessDecider, metrics MetricsSink,
	status ListenerStatusSink, opts BroadcastOptions) *BroadcastRelay {

	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 60 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if decider == nil {
		decider = AllowAllDecider{}
	}
	if metrics == nil {
		metrics = NopMetricsSink{}
	}
	if status == nil {
		status = NopListenerStatusSink{}
	}
	return &BroadcastRelay{
		rule:      r,
		opts:      opts,
		decider:   decider,
		metrics:   metrics,
		status:    status,
		logger:    opts.Logger.With("rule_id", r.ID),
		clock:     opts.Clock,
		subs:      make(map[string]*broadcastClient),
		senders:   make(map[string]*broadcastClient),
		stopSweep: make(chan struct{}),
	}
}

// Start binds both sockets and launches the read loops and the sweeper.
func (b *BroadcastRelay) Start() error {
	down, err := b.bind(b.rule.BindIP(), b.rule.SourcePort)
	if err != nil {
		return fmt.Errorf("bind subscriber socket: %w", err)
	}
	up, err := b.bind(b.rule.BindIP(), b.rule.TargetPort)
	if err != nil {
		down.Close()
		return fmt.Errorf("bind sender socket: %w", err)
	}
	b.down, b.up = down, up

	b.status.CreateListener(b.rule.ID, b.rule.SourcePort, rule.UDP)
	b.status.SetWaitingForClients(b.rule.ID, rule.UDP)
	b.logger.Info("broadcast relay started",
		"subscriber_port", b.rule.SourcePort, "sender_port", b.rule.TargetPort)

	b.wg.Add(3)
	go b.subscriberLoop()
	go b.senderLoop()
	go b.sweepLoop()
	return nil
}

func (b *BroadcastRelay) bind(ip string, port int) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ip, fmt.Sprint(port)))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	if b.opts.RcvBuf > 0 {
		_ = conn.SetReadBuffer(b.opts.RcvBuf)
	}
	if b.opts.SndBuf > 0 {
		_ = conn.SetWriteBuffer(b.opts.SndBuf)
	}
	return conn, nil
}

// SubscriberAddr returns the bound subscriber-side address, nil before Start.
func (b *BroadcastRelay) SubscriberAddr() net.Addr {
	if b.down == nil {
		return nil
	}
	return b.down.LocalAddr()
}

// SenderAddr returns the bound producer-side address, nil before Start.
func (b *BroadcastRelay) SenderAddr() net.Addr {
	if b.up == nil {
		return nil
	}
	return b.up.LocalAddr()
}

// subscriberLoop services the downstream socket: control words manage the
// subscription, any other payload auto-subscribes the sender and is relayed
// to the upstream producers.
func (b *BroadcastRelay) subscriberLoop() {
	defer b.wg.Done()
	buf := make([]byte, udpDatagramBuf)
	for {
		n, addr, err := b.down.ReadFromUDP(buf)
		if err != nil {
			if !b.closed.Load() {
				b.logger.Error("subscriber socket read failed", "error", err)
			}
			return
		}
		b.bytesRx.Add(int64(n))
		switch strings.TrimSpace(string(buf[:n])) {
		case ctlSubscribe:
			if ok, _ := b.subscribe(addr, false); ok {
				b.reply(addr, replySubscribed)
			}
		case ctlUnsubscribe:
			b.unsubscribe(addr)
			b.reply(addr, replyUnsubscribed)
		case ctlHeartbeat:
			// Heartbeats never create a subscription; an unknown client
			// gets no reply and must SUBSCRIBE again.
			if b.heartbeat(addr) {
				b.reply(addr, replyHeartbeatAck)
			}
		default:
			// Data from an unknown client subscribes it implicitly; a
			// known client just gets its heartbeat refreshed.
			ok, created := b.subscribe(addr, true)
			if ok && created {
				b.reply(addr, replyAutoSubscribed)
			}
			if ok {
				b.forwardToSenders(buf[:n])
			}
		}
	}
}

// senderLoop services the producer socket: every datagram registers its
// source and is fanned out to all current subscribers.
func (b *BroadcastRelay) senderLoop() {
	defer b.wg.Done()
	buf := make([]byte, udpDatagramBuf)
	for {
		n, addr, err := b.up.ReadFromUDP(buf)
		if err != nil {
			if !b.closed.Load() {
				b.logger.Error("sender socket read failed", "error", err)
			}
			return
		}
		b.bytesRx.Add(int64(n))
		b.registerSender(addr)
		b.fanOut(buf[:n])
	}
}

// subscribe registers addr, refreshing the heartbeat if already known.
// ok is false when the access policy denies the client; created reports
// whether this call added the subscription.
func (b *BroadcastRelay) subscribe(addr *net.UDPAddr, auto bool) (ok, created bool) {
	key := addr.String()
	now := b.clock.Now()
	b.mu.Lock()
	c, known := b.subs[key]
	if known {
		c.lastHeartbeat = now
		b.mu.Unlock()
		return true, false
	}
	b.mu.Unlock()

	if !b.decider.Allowed(addr.IP.String(), b.rule.ID) {
		b.metrics.IncConnectionErrors()
		b.logger.Warn("subscriber denied by access policy", "client", key)
		return false, false
	}
	b.mu.Lock()
	b.subs[key] = &broadcastClient{addr: addr, registeredAt: now, lastHeartbeat: now}
	b.mu.Unlock()
	b.metrics.IncActiveConnections()
	b.metrics.IncTotalConnections()
	b.status.ClientConnected(b.rule.ID, rule.UDP)
	b.logger.Info("subscriber registered", "client", key, "auto", auto)
	return true, true
}

func (b *BroadcastRelay) unsubscribe(addr *net.UDPAddr) {
	key := addr.String()
	b.mu.Lock()
	_, known := b.subs[key]
	delete(b.subs, key)
	b.mu.Unlock()
	if known {
		b.metrics.DecActiveConnections()
		b.status.ClientDisconnected(b.rule.ID, rule.UDP)
		b.logger.Info("subscriber unregistered", "client", key)
	}
}

// heartbeat refreshes a known subscriber, reporting whether it was known.
func (b *BroadcastRelay) heartbeat(addr *net.UDPAddr) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, known := b.subs[addr.String()]
	if known {
		c.lastHeartbeat = b.clock.Now()
	}
	return known
}

func (b *BroadcastRelay) registerSender(addr *net.UDPAddr) {
	key := addr.String()
	now := b.clock.Now()
	b.mu.Lock()
	if c, ok := b.senders[key]; ok {
		c.lastHeartbeat = now
	} else {
		b.senders[key] = &broadcastClient{addr: addr, registeredAt: now, lastHeartbeat: now}
		b.logger.Info("upstream sender registered", "sender", key)
	}
	b.mu.Unlock()
}

func (b *BroadcastRelay) reply(addr *net.UDPAddr, msg string) {
	if _, err := b.down.WriteToUDP([]byte(msg), addr); err != nil {
		b.metrics.IncTransferErrors()
	}
}

// fanOut replicates one upstream datagram to every subscriber.
func (b *BroadcastRelay) fanOut(data []byte) {
	b.mu.Lock()
	targets := make([]*net.UDPAddr, 0, len(b.subs))
	for _, c := range b.subs {
		targets = append(targets, c.addr)
	}
	b.mu.Unlock()

	for _, addr := range targets {
		if _, err := b.down.WriteToUDP(data, addr); err != nil {
			b.metrics.IncTransferErrors()
			continue
		}
		b.bytesTx.Add(int64(len(data)))
	}
	if n := len(targets); n > 0 {
		b.metrics.AddBytesTransferred(int64(len(data) * n))
	}
}

// forwardToSenders relays a subscriber payload to every known producer,
// making the channel bidirectional for producers that listen.
func (b *BroadcastRelay) forwardToSenders(data []byte) {
	b.mu.Lock()
	targets := make([]*net.UDPAddr, 0, len(b.senders))
	for _, c := range b.senders {
		targets = append(targets, c.addr)
	}
	b.mu.Unlock()

	for _, addr := range targets {
		if _, err := b.up.WriteToUDP(data, addr); err != nil {
			b.metrics.IncTransferErrors()
			continue
		}
		b.bytesTx.Add(int64(len(data)))
	}
}

// sweepLoop evicts subscribers and senders whose heartbeat is older than the
// timeout.
func (b *BroadcastRelay) sweepLoop() {
	defer b.wg.Done()
	ticker := b.clock.NewTicker(b.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopSweep:
			return
		case <-ticker.Chan():
			b.sweep()
		}
	}
}

func (b *BroadcastRelay) sweep() {
	now := b.clock.Now()
	var evicted []string
	b.mu.Lock()
	for key, c := range b.subs {
		if now.Sub(c.lastHeartbeat) > b.opts.HeartbeatTimeout {
			delete(b.subs, key)
			evicted = append(evicted, key)
		}
	}
	for key, c := range b.senders {
		if now.Sub(c.lastHeartbeat) > b.opts.HeartbeatTimeout {
			delete(b.senders, key)
		}
	}
	b.mu.Unlock()
	for _, key := range evicted {
		b.metrics.DecActiveConnections()
		b.status.ClientDisconnected(b.rule.ID, rule.UDP)
		b.logger.Info("subscriber evicted after heartbeat timeout", "client", key)
	}
}

// Stats returns a snapshot of the relay.
func (b *BroadcastRelay) Stats() BroadcastStats {
	b.mu.Lock()
	subs, senders := len(b.subs), len(b.senders)
	b.mu.Unlock()
	return BroadcastStats{
		RuleID:          b.rule.ID,
		Subscribers:     subs,
		UpstreamSenders: senders,
		BytesRx:         b.bytesRx.Load(),
		BytesTx:         b.bytesTx.Load(),
	}
}

// Stop closes both sockets and waits for the loops to exit.
func (b *BroadcastRelay) Stop() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	close(b.stopSweep)
	if b.down != nil {
		b.down.Close()
	}
	if b.up != nil {
		b.up.Close()
	}
	b.wg.Wait()
	b.status.StopListener(b.rule.ID)
	b.logger.Info("broadcast relay stopped")
}
