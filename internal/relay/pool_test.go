package relay

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portrelay/portrelay/internal/rule"
)

// echoServer accepts TCP connections and echoes everything back. Returned
// stop() closes the listener and every live connection.
func echoServer(t *testing.T) (addr *net.TCPAddr, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	done := make(chan struct{})

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				close(done)
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()

	return ln.Addr().(*net.TCPAddr), func() {
		ln.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
		<-done
	}
}

func poolRule(target *net.TCPAddr, size int) *rule.Rule {
	return &rule.Rule{
		ID:                   1,
		Name:                 "test",
		SourceIP:             "127.0.0.1",
		SourcePort:           9999,
		TargetIP:             "127.0.0.1",
		TargetPort:           target.Port,
		Protocol:             rule.TCP,
		Enabled:              true,
		AutoReconnect:        true,
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectAttempts: 50,
		PoolSize:             size,
	}
}

func TestUpstreamPool_StartSeedsFirstSlot(t *testing.T) {
	addr, stop := echoServer(t)
	defer stop()

	p := NewUpstreamPool(poolRule(addr, 2), PoolOptions{}, nil, nil, nil)
	p.Start()
	defer p.Shutdown()

	require.Eventually(t, func() bool { return p.Active() == 1 },
		time.Second, 5*time.Millisecond)
	assert.NotNil(t, p.Get())

	st := p.Status()
	assert.Equal(t, "CONNECTED", st.State)
	assert.Equal(t, 2, st.TotalSlots)
	assert.Equal(t, 1, st.ActiveConnections)
}

func TestUpstreamPool_GetDialsOnDemandWhenIdle(t *testing.T) {
	addr, stop := echoServer(t)
	defer stop()

	// No Start: every slot is idle, so Get must dial synchronously.
	p := NewUpstreamPool(poolRule(addr, 1), PoolOptions{}, nil, nil, nil)
	defer p.Shutdown()

	conn := p.Get()
	require.NotNil(t, conn)
	assert.Equal(t, 1, p.Active())
}

func TestUpstreamPool_InboundCallback(t *testing.T) {
	addr, stop := echoServer(t)
	defer stop()

	got := make(chan []byte, 1)
	p := NewUpstreamPool(poolRule(addr, 1), PoolOptions{},
		func(_ net.Conn, data []byte) {
			cp := make([]byte, len(data))
			copy(cp, data)
			got <- cp
		}, nil, nil)
	p.Start()
	defer p.Shutdown()

	require.Eventually(t, func() bool { return p.Get() != nil },
		time.Second, 5*time.Millisecond)

	_, err := p.Get().Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case data := <-got:
		assert.Equal(t, []byte("ping"), data)
	case <-time.After(time.Second):
		t.Fatal("no inbound data")
	}
}

func TestUpstreamPool_ReconnectsAfterDrop(t *testing.T) {
	addr, stop := echoServer(t)
	defer stop()

	seen := make(chan struct{}, 8)
	p := NewUpstreamPool(poolRule(addr, 1), PoolOptions{}, nil,
		func(net.Conn) { seen <- struct{}{} }, nil)
	p.Start()
	defer p.Shutdown()

	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("initial connect did not happen")
	}

	// Kill the upstream side; the slot must come back on its own.
	p.Get().Close()

	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not reconnect")
	}
	require.Eventually(t, func() bool { return p.Active() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestUpstreamPool_GivesUpAfterMaxAttempts(t *testing.T) {
	// Grab a port nobody listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	r := poolRule(deadAddr, 1)
	r.ReconnectInterval = time.Millisecond
	r.MaxReconnectAttempts = 2

	p := NewUpstreamPool(r, PoolOptions{}, nil, nil, nil)
	p.Start()
	defer p.Shutdown()

	require.Eventually(t, func() bool {
		return p.Status().State == "GIVEUP"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Nil(t, p.Get())
}

func TestUpstreamPool_ReconnectDelayIsLinearAndCapped(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	clock := clockwork.NewFakeClock()
	r := poolRule(deadAddr, 1)
	r.ReconnectInterval = 45 * time.Second
	r.MaxReconnectAttempts = 10

	p := NewUpstreamPool(r, PoolOptions{Clock: clock}, nil, nil, nil)
	p.Start() // fails, schedules attempt 1 at 45s
	defer p.Shutdown()

	// Attempt 1: 45s out. Advancing 44s must not fire it.
	clock.Advance(44 * time.Second)
	assert.Equal(t, 1, p.Status().ReconnectAttempts)

	clock.Advance(time.Second)
	// Attempt 2 would be 90s, capped at 60s.
	require.Eventually(t, func() bool {
		return p.Status().ReconnectAttempts == 2
	}, time.Second, 5*time.Millisecond)

	clock.Advance(59 * time.Second)
	assert.Equal(t, 2, p.Status().ReconnectAttempts)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return p.Status().ReconnectAttempts == 3
	}, time.Second, 5*time.Millisecond)
}

func TestUpstreamPool_ShutdownStopsEverything(t *testing.T) {
	addr, stop := echoServer(t)
	defer stop()

	p := NewUpstreamPool(poolRule(addr, 1), PoolOptions{}, nil, nil, nil)
	p.Start()
	require.Eventually(t, func() bool { return p.Active() == 1 },
		time.Second, 5*time.Millisecond)

	p.Shutdown()
	assert.Nil(t, p.Get())
	// Second shutdown is a no-op.
	p.Shutdown()
}
