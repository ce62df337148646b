package relay

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portrelay/portrelay/internal/config"
	"github.com/portrelay/portrelay/internal/rule"
)

// freePort reserves an ephemeral TCP port and releases it for the test to
// bind. Mildly racy, fine for loopback tests.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func tcpRelayRule(t *testing.T, target *net.TCPAddr) *rule.Rule {
	return &rule.Rule{
		ID:                   1,
		Name:                 "relay",
		SourceIP:             "127.0.0.1",
		SourcePort:           freePort(t),
		TargetIP:             "127.0.0.1",
		TargetPort:           target.Port,
		Protocol:             rule.TCP,
		Enabled:              true,
		AutoReconnect:        true,
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectAttempts: 100,
		PoolSize:             1,
	}
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	require.NoError(t, cfg.Validate())
	e := NewEngine(cfg, nil, nil, nil, nil, nil, nil)
	t.Cleanup(e.Shutdown)
	return e
}

func TestEngine_TCPEndToEnd(t *testing.T) {
	target, stop := echoServer(t)
	defer stop()

	e := newTestEngine(t, nil)
	r := tcpRelayRule(t, target)
	require.NoError(t, e.Activate(r))
	assert.True(t, e.IsRunning(r.ID))
	assert.Equal(t, 1, e.ActiveServerCount())

	client, err := net.Dial("tcp", r.SourceAddr())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	require.Eventually(t, func() bool {
		return e.ClientStats(r.ID).Clients == 1
	}, time.Second, 5*time.Millisecond)

	ps, ok := e.PoolStatus(r.ID)
	require.True(t, ok)
	assert.Equal(t, "CONNECTED", ps.State)
}

func TestEngine_BuffersAcrossUpstreamFlap(t *testing.T) {
	target, stop := echoServer(t)

	e := newTestEngine(t, nil)
	r := tcpRelayRule(t, target)
	require.NoError(t, e.Activate(r))

	client, err := net.Dial("tcp", r.SourceAddr())
	require.NoError(t, err)
	defer client.Close()

	// Prime the path so the client is registered and mapped.
	client.Write([]byte("a"))
	buf := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = client.Read(buf)
	require.NoError(t, err)

	// Take the upstream down; client data must be buffered, not lost.
	stop()
	require.Eventually(t, func() bool {
		ps, _ := e.PoolStatus(r.ID)
		return ps.ActiveConnections == 0
	}, 2*time.Second, 5*time.Millisecond)

	client.Write([]byte("queued"))
	require.Eventually(t, func() bool {
		return e.ClientStats(r.ID).BufferedBytes > 0
	}, time.Second, 5*time.Millisecond)

	// Bring a new echo server up on the same port and expect the buffered
	// chunk to flush through and echo back.
	ln, err := net.Listen("tcp", target.String())
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		b := make([]byte, 64)
		for {
			n, err := c.Read(b)
			if n > 0 {
				c.Write(b[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "queued", string(buf[:n]))
	assert.Equal(t, 0, e.ClientStats(r.ID).BufferedBytes)
}

func TestEngine_AccessDenialClosesClient(t *testing.T) {
	target, stop := echoServer(t)
	defer stop()

	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	e := NewEngine(cfg, denyAll{}, nil, nil, nil, nil, nil)
	t.Cleanup(e.Shutdown)

	r := tcpRelayRule(t, target)
	require.NoError(t, e.Activate(r))

	client, err := net.Dial("tcp", r.SourceAddr())
	require.NoError(t, err)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = client.Read(make([]byte, 1))
	assert.Error(t, err, "denied client must be closed without data")
	assert.Equal(t, 0, e.ClientStats(r.ID).Clients)
}

func TestEngine_IdleClientTimesOut(t *testing.T) {
	target, stop := echoServer(t)
	defer stop()

	cfg := config.Default()
	cfg.Forwarding.TCP.IdleTimeout = "100ms"
	e := newTestEngine(t, cfg)

	r := tcpRelayRule(t, target)
	require.NoError(t, e.Activate(r))

	client, err := net.Dial("tcp", r.SourceAddr())
	require.NoError(t, err)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = client.Read(make([]byte, 1))
	assert.Error(t, err, "idle client must be disconnected")
}

func TestEngine_DownstreamPushKeepsClientAlive(t *testing.T) {
	// Upstream pushes unsolicited data; a client that only reads must not
	// be cut off by the idle timeout.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		for {
			if _, err := c.Write([]byte("tick")); err != nil {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	cfg := config.Default()
	cfg.Forwarding.TCP.IdleTimeout = "300ms"
	e := newTestEngine(t, cfg)

	r := tcpRelayRule(t, ln.Addr().(*net.TCPAddr))
	require.NoError(t, e.Activate(r))

	client, err := net.Dial("tcp", r.SourceAddr())
	require.NoError(t, err)
	defer client.Close()

	// Read pushes for well past the idle timeout without ever writing.
	deadline := time.Now().Add(time.Second)
	buf := make([]byte, 64)
	total := 0
	for time.Now().Before(deadline) {
		client.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := client.Read(buf)
		require.NoError(t, err, "receiving client must not hit the idle timeout")
		total += n
	}
	assert.Greater(t, total, 0)
	assert.Equal(t, 1, e.ClientStats(r.ID).Clients)
}

func TestEngine_RejectsDisabledRule(t *testing.T) {
	target, stop := echoServer(t)
	defer stop()

	e := newTestEngine(t, nil)
	r := tcpRelayRule(t, target)
	r.Enabled = false
	assert.ErrorIs(t, e.Activate(r), ErrRuleDisabled)
}

func TestEngine_ActivateIsIdempotent(t *testing.T) {
	target, stop := echoServer(t)
	defer stop()

	e := newTestEngine(t, nil)
	r := tcpRelayRule(t, target)
	require.NoError(t, e.Activate(r))
	require.NoError(t, e.Activate(r))
	assert.Equal(t, 1, e.ActiveServerCount())
}

func TestEngine_BindConflictIsRejected(t *testing.T) {
	target, stop := echoServer(t)
	defer stop()

	e := newTestEngine(t, nil)
	r1 := tcpRelayRule(t, target)
	require.NoError(t, e.Activate(r1))

	r2 := tcpRelayRule(t, target)
	r2.ID = 2
	r2.SourcePort = r1.SourcePort
	assert.Error(t, e.Activate(r2))
	assert.Equal(t, RuleInactive, e.State(r2.ID))
}

func TestEngine_DeactivateReleasesBind(t *testing.T) {
	target, stop := echoServer(t)
	defer stop()

	e := newTestEngine(t, nil)
	r := tcpRelayRule(t, target)
	require.NoError(t, e.Activate(r))

	e.Deactivate(r.ID)
	assert.False(t, e.IsRunning(r.ID))
	assert.Equal(t, 0, e.ActiveServerCount())
	// Deactivating again is a no-op.
	e.Deactivate(r.ID)

	// The port is free for a new activation.
	require.NoError(t, e.Activate(r))
}

func TestEngine_ActivationFailureRollsBack(t *testing.T) {
	target, stop := echoServer(t)
	defer stop()

	// Occupy the source port so the listener bind fails.
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()

	cfg := config.Default()
	cfg.Forwarding.TCP.ReusePort = false
	e := newTestEngine(t, cfg)

	r := tcpRelayRule(t, target)
	r.SourcePort = blocker.Addr().(*net.TCPAddr).Port
	require.Error(t, e.Activate(r))
	assert.Equal(t, RuleError, e.State(r.ID))
	assert.Equal(t, 0, e.ActiveServerCount())
}

func TestEngine_UDPPointToPointThroughEngine(t *testing.T) {
	target := udpEcho(t)

	e := newTestEngine(t, nil)
	r := &rule.Rule{
		ID:         9,
		Name:       "udp",
		SourceIP:   "127.0.0.1",
		SourcePort: freePort(t),
		TargetIP:   "127.0.0.1",
		TargetPort: target.Port,
		Protocol:   rule.UDP,
		Enabled:    true,
		PoolSize:   1,
	}
	require.NoError(t, e.Activate(r))

	client, err := net.Dial("udp", r.SourceAddr())
	require.NoError(t, err)
	defer client.Close()

	client.Write([]byte("dgram"))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "dgram", string(buf[:n]))

	st, ok := e.SessionStats(r.ID)
	require.True(t, ok)
	assert.Equal(t, int64(1), st.Total)
}

func TestEngine_BroadcastModeSkipsPool(t *testing.T) {
	cfg := config.Default()
	cfg.Forwarding.UDP.Mode = config.UDPModeBroadcast
	e := newTestEngine(t, cfg)

	r := &rule.Rule{
		ID:         11,
		Name:       "bcast",
		SourceIP:   "127.0.0.1",
		SourcePort: freePort(t),
		TargetIP:   "127.0.0.1",
		TargetPort: freePort(t),
		Protocol:   rule.UDP,
		Enabled:    true,
		PoolSize:   1,
	}
	require.NoError(t, e.Activate(r))

	_, hasPool := e.PoolStatus(r.ID)
	assert.False(t, hasPool, "broadcast rules have no upstream pool")
	_, hasBcast := e.BroadcastStats(r.ID)
	assert.True(t, hasBcast)
}

func TestEngine_ShutdownStopsEverythingAndRefusesMore(t *testing.T) {
	target, stop := echoServer(t)
	defer stop()

	e := newTestEngine(t, nil)
	r := tcpRelayRule(t, target)
	require.NoError(t, e.Activate(r))

	e.Shutdown()
	assert.Equal(t, 0, e.ActiveServerCount())
	assert.ErrorIs(t, e.Activate(r), ErrEngineStopped)
}
