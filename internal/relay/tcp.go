package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/portrelay/portrelay/internal/rule"
)

const clientReadBuf = 32 * 1024

// TCPListenerOptions tunes a TCP listener.
type TCPListenerOptions struct {
	// IdleTimeout closes clients that stay silent for this long.
	IdleTimeout time.Duration
	ReusePort   bool
	Logger      *slog.Logger
}

// TCPListener accepts downstream clients for one rule and shovels their data
// into the rule's upstream pool. One goroutine per accepted connection.
type TCPListener struct {
	rule     *rule.Rule
	pool     *UpstreamPool
	registry *ClientRegistry
	decider  AccessDecider
	conns    ConnectionSink
	metrics  MetricsSink
	status   ListenerStatusSink
	opts     TCPListenerOptions
	logger   *slog.Logger

	ln     net.Listener
	wg     sync.WaitGroup
	closed atomic.Bool
}

func NewTCPListener(r *rule.Rule, pool *UpstreamPool, registry *ClientRegistry,
	decider AccessDecider, conns ConnectionSink, metrics MetricsSink,
	status ListenerStatusSink, opts TCPListenerOptions) *TCPListener {

	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 300 * time.Second
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
	return &TCPListener{
		rule:     r,
		pool:     pool,
		registry: registry,
		decider:  decider,
		conns:    conns,
		metrics:  metrics,
		status:   status,
		opts:     opts,
		logger:   opts.Logger.With("rule_id", r.ID, "listen", r.SourceAddr()),
	}
}

// Start binds the listen socket and launches the accept loop.
func (l *TCPListener) Start() error {
	lc := net.ListenConfig{}
	if l.opts.ReusePort {
		lc.Control = reusePortControl
	}
	ln, err := lc.Listen(context.Background(), "tcp", l.rule.SourceAddr())
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", l.rule.SourceAddr(), err)
	}
	l.ln = ln
	l.status.CreateListener(l.rule.ID, l.rule.SourcePort, rule.TCP)
	l.status.SetWaitingForClients(l.rule.ID, rule.TCP)
	l.logger.Info("tcp listener started")

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

// Addr returns the bound address, nil before Start.
func (l *TCPListener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *TCPListener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.closed.Load() {
				return
			}
			l.logger.Error("accept failed", "error", err)
			return
		}
		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

func (l *TCPListener) handleConn(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	host, portStr, err := net.SplitHostPort(remote)
	if err != nil {
		host, portStr = remote, "0"
	}

	if !l.decider.Allowed(host, l.rule.ID) {
		l.metrics.IncConnectionErrors()
		l.logger.Warn("client denied by access policy", "client", remote)
		return
	}

	connID := uuid.NewString()
	now := time.Now()
	rec := ConnectionRecord{
		ConnectionID:  connID,
		RuleID:        l.rule.ID,
		Protocol:      rule.TCP,
		LocalPort:     l.rule.SourcePort,
		RemoteAddress: host,
		RemotePort:    atoiPort(portStr),
		Status:        StatusConnected,
		ConnectedAt:   now,
		LastActiveAt:  now,
	}
	l.conns.Save(rec)

	entry := l.registry.Register(l.rule.ID, connID, conn)
	l.status.ClientConnected(l.rule.ID, rule.TCP)
	l.metrics.IncActiveConnections()
	l.metrics.IncTotalConnections()
	l.logger.Info("client connected", "client", remote, "connection_id", connID)

	buf := make([]byte, clientReadBuf)
	for {
		// The deadline tracks activity in either direction: upstream
		// pushes delivered by the registry touch the entry too.
		_ = conn.SetReadDeadline(entry.LastActive().Add(l.opts.IdleTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			entry.touch()
			if l.registry.ForwardToUpstream(entry, buf[:n], l.pool) {
				l.conns.AddTraffic(connID, int64(n), 0, 1, 0)
				l.metrics.AddBytesTransferred(int64(n))
			}
		}
		if err == nil {
			continue
		}
		var ne net.Error
		switch {
		case errors.As(err, &ne) && ne.Timeout():
			if time.Since(entry.LastActive()) < l.opts.IdleTimeout {
				// A downstream push moved the deadline; keep reading.
				continue
			}
			rec.Status = StatusTimeout
			rec.DisconnectedAt = time.Now()
			l.conns.Update(rec)
			l.logger.Info("client idle timeout", "client", remote, "connection_id", connID)
		case errors.Is(err, io.EOF), l.closed.Load():
			// normal close
		default:
			rec.Status = StatusError
			rec.ErrorMessage = err.Error()
			rec.DisconnectedAt = time.Now()
			l.conns.Update(rec)
			l.logger.Warn("client read failed", "client", remote, "error", err)
		}
		break
	}

	l.registry.Unregister(l.rule.ID, connID)
	l.status.ClientDisconnected(l.rule.ID, rule.TCP)
	l.metrics.DecActiveConnections()
	// TCP records do not outlive their connection; history lives in the
	// audit log, not the connections table.
	l.conns.Delete(connID)
	l.logger.Info("client disconnected", "client", remote, "connection_id", connID)
}

// Stop closes the listen socket and waits for in-flight handlers.
func (l *TCPListener) Stop() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	if l.ln != nil {
		l.ln.Close()
	}
	l.wg.Wait()
	l.status.StopListener(l.rule.ID)
	l.logger.Info("tcp listener stopped")
}

func atoiPort(s string) int {
	p := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		p = p*10 + int(c-'0')
	}
	if p > 65535 {
		return 0
	}
	return p
}

// reusePortControl sets SO_REUSEPORT so multiple processes can share the
// bind during zero-downtime restarts.
func reusePortControl(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
