package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/portrelay/portrelay/internal/rule"
)

const udpDatagramBuf = 64 * 1024

// UDPSessionOptions tunes a point-to-point UDP forwarder.
type UDPSessionOptions struct {
	// SessionTimeout evicts sessions idle for this long.
	SessionTimeout time.Duration
	RcvBuf         int
	SndBuf         int
	Logger         *slog.Logger
}

// UDPSessionStats is a snapshot of the session table.
type UDPSessionStats struct {
	RuleID  int64 `json:"ruleId"`
	Current int   `json:"current"`
	Total   int64 `json:"total"`
	Expired int64 `json:"expired"`
}

// udpSession pairs one downstream (clientAddr, rule) flow with a dedicated
// upstream socket so replies can be routed back to the right client.
type udpSession struct {
	key        string
	clientAddr *net.UDPAddr
	upstream   *net.UDPConn
	connID     string
	closeOnce  sync.Once

	bytesRx   atomic.Int64
	bytesTx   atomic.Int64
	packetsRx atomic.Int64
	packetsTx atomic.Int64
}

// UDPForwarder relays datagrams for one rule in point-to-point mode.
// Sessions are keyed "host:port@ruleID" and expire after SessionTimeout of
// silence; expiry closes the upstream socket and marks the connection record
// DISCONNECTED. UDP records are retained for inspection, unlike TCP records
// which are deleted on disconnect.
type UDPForwarder struct {
	rule    *rule.Rule
	opts    UDPSessionOptions
	decider AccessDecider
	conns   ConnectionSink
	metrics MetricsSink
	status  ListenerStatusSink
	logger  *slog.Logger

	inbound  *net.UDPConn
	sessions *ttlcache.Cache[string, *udpSession]

	total   atomic.Int64
	expired atomic.Int64
	wg      sync.WaitGroup
	closed  atomic.Bool
}

func NewUDPForwarder(r *rule.Rule, decider AccessDecider, conns ConnectionSink,
	metrics MetricsSink, status ListenerStatusSink, opts UDPSessionOptions) *UDPForwarder {

	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
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
	f := &UDPForwarder{
		rule:    r,
		opts:    opts,
		decider: decider,
		conns:   conns,
		metrics: metrics,
		status:  status,
		logger:  opts.Logger.With("rule_id", r.ID, "listen", r.SourceAddr()),
	}
	// Touch-on-hit is on by default, so every datagram extends the TTL.
	f.sessions = ttlcache.New(
		ttlcache.WithTTL[string, *udpSession](opts.SessionTimeout),
	)
	f.sessions.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *udpSession]) {
		if reason == ttlcache.EvictionReasonExpired {
			f.expired.Add(1)
		}
		f.teardown(item.Value())
	})
	return f
}

// Start binds the inbound socket and launches the datagram loop plus the
// cache janitor that expires idle sessions.
func (f *UDPForwarder) Start() error {
	addr, err := net.ResolveUDPAddr("udp", f.rule.SourceAddr())
	if err != nil {
		return fmt.Errorf("resolve udp %s: %w", f.rule.SourceAddr(), err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", f.rule.SourceAddr(), err)
	}
	if f.opts.RcvBuf > 0 {
		_ = conn.SetReadBuffer(f.opts.RcvBuf)
	}
	if f.opts.SndBuf > 0 {
		_ = conn.SetWriteBuffer(f.opts.SndBuf)
	}
	f.inbound = conn
	f.status.CreateListener(f.rule.ID, f.rule.SourcePort, rule.UDP)
	f.status.SetWaitingForClients(f.rule.ID, rule.UDP)
	f.logger.Info("udp forwarder started", "mode", "pointtopoint")

	go f.sessions.Start()
	f.wg.Add(1)
	go f.readLoop()
	return nil
}

// LocalAddr returns the bound inbound address, nil before Start.
func (f *UDPForwarder) LocalAddr() net.Addr {
	if f.inbound == nil {
		return nil
	}
	return f.inbound.LocalAddr()
}

func (f *UDPForwarder) readLoop() {
	defer f.wg.Done()
	buf := make([]byte, udpDatagramBuf)
	for {
		n, clientAddr, err := f.inbound.ReadFromUDP(buf)
		if err != nil {
			if !f.closed.Load() {
				f.logger.Error("udp read failed", "error", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		key := sessionKey(clientAddr, f.rule.ID)
		var sess *udpSession
		if item := f.sessions.Get(key); item != nil {
			sess = item.Value()
		} else {
			sess = f.newSession(key, clientAddr)
			if sess == nil {
				continue
			}
		}
		if _, err := sess.upstream.Write(buf[:n]); err != nil {
			// Per-datagram failure (a closed target surfaces as ICMP
			// unreachable here). The session stays; the idle sweeper
			// owns teardown.
			f.metrics.IncTransferErrors()
			f.logger.Warn("upstream datagram write failed", "session", key, "error", err)
			continue
		}
		sess.bytesRx.Add(int64(n))
		sess.packetsRx.Add(1)
		f.conns.AddTraffic(sess.connID, int64(n), 0, 1, 0)
		f.metrics.AddBytesTransferred(int64(n))
	}
}

// sessionKey identifies one downstream flow: "host:port@ruleID".
func sessionKey(addr *net.UDPAddr, ruleID int64) string {
	return fmt.Sprintf("%s@%d", addr.String(), ruleID)
}

// newSession is only called from the single readLoop goroutine, so session
// creation for a key never races with itself.
func (f *UDPForwarder) newSession(key string, clientAddr *net.UDPAddr) *udpSession {
	if !f.decider.Allowed(clientAddr.IP.String(), f.rule.ID) {
		f.metrics.IncConnectionErrors()
		f.logger.Warn("udp client denied by access policy", "client", clientAddr.String())
		return nil
	}
	target, err := net.ResolveUDPAddr("udp", f.rule.TargetAddr())
	if err != nil {
		f.metrics.IncConnectionErrors()
		f.logger.Error("resolve target failed", "error", err)
		return nil
	}
	up, err := net.DialUDP("udp", nil, target)
	if err != nil {
		f.metrics.IncConnectionErrors()
		f.logger.Error("upstream udp dial failed", "error", err)
		return nil
	}

	sess := &udpSession{
		key:        key,
		clientAddr: clientAddr,
		upstream:   up,
		connID:     uuid.NewString(),
	}
	now := time.Now()
	f.conns.Save(ConnectionRecord{
		ConnectionID:  sess.connID,
		RuleID:        f.rule.ID,
		Protocol:      rule.UDP,
		LocalPort:     f.rule.SourcePort,
		RemoteAddress: clientAddr.IP.String(),
		RemotePort:    clientAddr.Port,
		Status:        StatusConnected,
		ConnectedAt:   now,
		LastActiveAt:  now,
	})
	f.total.Add(1)
	f.metrics.IncActiveConnections()
	f.metrics.IncTotalConnections()
	f.status.ClientConnected(f.rule.ID, rule.UDP)
	f.sessions.Set(key, sess, ttlcache.DefaultTTL)
	f.logger.Info("udp session created", "session", key)

	f.wg.Add(1)
	go f.replyLoop(sess)
	return sess
}

// replyLoop pumps target replies back to the downstream client.
func (f *UDPForwarder) replyLoop(sess *udpSession) {
	defer f.wg.Done()
	buf := make([]byte, udpDatagramBuf)
	for {
		n, err := sess.upstream.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// Socket closed by eviction or Stop; the session is done.
				f.sessions.Delete(sess.key)
				return
			}
			// Queued ICMP errors pop out of Read one at a time; count
			// and keep waiting for real replies.
			f.metrics.IncTransferErrors()
			continue
		}
		if n == 0 {
			continue
		}
		if _, err := f.inbound.WriteToUDP(buf[:n], sess.clientAddr); err != nil {
			f.metrics.IncTransferErrors()
			continue
		}
		sess.bytesTx.Add(int64(n))
		sess.packetsTx.Add(1)
		f.conns.AddTraffic(sess.connID, 0, int64(n), 0, 1)
		f.metrics.AddBytesTransferred(int64(n))
	}
}

// teardown closes the upstream socket and finalizes the connection record.
// Safe to call more than once per session.
func (f *UDPForwarder) teardown(sess *udpSession) {
	sess.closeOnce.Do(func() {
		sess.upstream.Close()
		f.metrics.DecActiveConnections()
		f.status.ClientDisconnected(f.rule.ID, rule.UDP)
		f.conns.Update(ConnectionRecord{
			ConnectionID:   sess.connID,
			RuleID:         f.rule.ID,
			Protocol:       rule.UDP,
			LocalPort:      f.rule.SourcePort,
			RemoteAddress:  sess.clientAddr.IP.String(),
			RemotePort:     sess.clientAddr.Port,
			Status:         StatusDisconnected,
			DisconnectedAt: time.Now(),
			BytesRx:        sess.bytesRx.Load(),
			BytesTx:        sess.bytesTx.Load(),
			PacketsRx:      sess.packetsRx.Load(),
			PacketsTx:      sess.packetsTx.Load(),
		})
		f.logger.Info("udp session closed", "session", sess.key)
	})
}

// Stats returns session counters. Current reflects the live table; Expired
// counts only idle-timeout evictions.
func (f *UDPForwarder) Stats() UDPSessionStats {
	return UDPSessionStats{
		RuleID:  f.rule.ID,
		Current: f.sessions.Len(),
		Total:   f.total.Load(),
		Expired: f.expired.Load(),
	}
}

// Stop closes the inbound socket, evicts every session and waits for the
// reply loops to drain.
func (f *UDPForwarder) Stop() {
	if !f.closed.CompareAndSwap(false, true) {
		return
	}
	if f.inbound != nil {
		f.inbound.Close()
	}
	f.sessions.Stop()
	f.sessions.DeleteAll()
	f.wg.Wait()
	f.status.StopListener(f.rule.ID)
	f.logger.Info("udp forwarder stopped")
}
