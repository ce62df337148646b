package relay

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portrelay/portrelay/internal/rule"
)

// deadPool returns a pool whose target never answers and that never
// reconnects, so Get always yields nil.
func deadPool(t *testing.T) *UpstreamPool {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	r := &rule.Rule{
		ID:         7,
		Name:       "dead",
		SourceIP:   "127.0.0.1",
		SourcePort: 9998,
		TargetIP:   "127.0.0.1",
		TargetPort: addr.Port,
		Protocol:   rule.TCP,
		Enabled:    true,
		PoolSize:   1,
	}
	p := NewUpstreamPool(r, PoolOptions{DialTimeout: 100 * time.Millisecond}, nil, nil, nil)
	p.Start()
	t.Cleanup(p.Shutdown)
	return p
}

func TestClientRegistry_RegisterUnregister(t *testing.T) {
	reg := NewClientRegistry(nil, nil)
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	reg.Register(7, "a", c1)
	assert.Equal(t, 1, reg.ClientCount(7))

	reg.Unregister(7, "a")
	assert.Equal(t, 0, reg.ClientCount(7))
	// Unregistering twice is harmless.
	reg.Unregister(7, "a")
}

func TestClientRegistry_BuffersWhileUpstreamDown(t *testing.T) {
	reg := NewClientRegistry(nil, nil)
	pool := deadPool(t)

	client, _ := net.Pipe()
	defer client.Close()
	e := reg.Register(7, "a", client)

	assert.True(t, reg.ForwardToUpstream(e, []byte("one"), pool))
	assert.True(t, reg.ForwardToUpstream(e, []byte("two"), pool))
	assert.Equal(t, 6, reg.Stats(7).BufferedBytes)

	// Replay in order over a fresh upstream.
	up, peer := net.Pipe()
	defer up.Close()
	defer peer.Close()

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		var out []byte
		for len(out) < 6 {
			n, err := peer.Read(buf)
			out = append(out, buf[:n]...)
			if err != nil {
				break
			}
		}
		got <- out
	}()

	reg.FlushBuffered(7, up)
	select {
	case out := <-got:
		assert.True(t, bytes.Equal(out, []byte("onetwo")), "chunks must replay oldest first")
	case <-time.After(time.Second):
		t.Fatal("flush never reached upstream")
	}
	assert.Equal(t, 0, reg.Stats(7).BufferedBytes)
}

func TestClientRegistry_FreshChunkNeverOvertakesBuffered(t *testing.T) {
	reg := NewClientRegistry(nil, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	r := &rule.Rule{
		ID:         7,
		Name:       "live",
		SourceIP:   "127.0.0.1",
		SourcePort: 9997,
		TargetIP:   "127.0.0.1",
		TargetPort: ln.Addr().(*net.TCPAddr).Port,
		Protocol:   rule.TCP,
		Enabled:    true,
		PoolSize:   1,
	}
	pool := NewUpstreamPool(r, PoolOptions{DialTimeout: time.Second}, nil, nil, nil)
	pool.Start()
	t.Cleanup(pool.Shutdown)

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("pool never dialed the upstream")
	}
	defer server.Close()

	client, _ := net.Pipe()
	defer client.Close()
	e := reg.Register(7, "a", client)

	// "A" arrived during an outage and sits in the buffer. The pool is
	// healthy again but not flushed yet: "B" must queue behind "A" rather
	// than go straight to the upstream.
	require.True(t, reg.enqueue(e, []byte("A")))
	require.True(t, reg.ForwardToUpstream(e, []byte("B"), pool))
	assert.Equal(t, 2, reg.Stats(7).BufferedBytes)

	up := pool.Get()
	require.NotNil(t, up)
	reg.FlushBuffered(7, up)

	buf := make([]byte, 2)
	server.SetReadDeadline(time.Now().Add(time.Second))
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "AB", string(buf), "per-client order must survive reconnect")
	assert.Equal(t, 0, reg.Stats(7).BufferedBytes)
}

func TestClientRegistry_BufferOverflowDropsNewest(t *testing.T) {
	reg := NewClientRegistry(nil, nil)
	pool := deadPool(t)

	client, _ := net.Pipe()
	defer client.Close()
	e := reg.Register(7, "a", client)

	half := make([]byte, maxClientBuffer/2)
	assert.True(t, reg.ForwardToUpstream(e, half, pool))
	assert.True(t, reg.ForwardToUpstream(e, half, pool))
	// The buffer is full now; the next chunk must be tail-dropped.
	assert.False(t, reg.ForwardToUpstream(e, []byte("x"), pool))
	assert.Equal(t, uint64(1), reg.DroppedChunks())
	assert.Equal(t, maxClientBuffer, reg.Stats(7).BufferedBytes)
}

func TestClientRegistry_RouteFromUpstreamFansOutWithoutMapping(t *testing.T) {
	reg := NewClientRegistry(nil, nil)

	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()
	defer a1.Close()
	defer a2.Close()
	defer b1.Close()
	defer b2.Close()

	reg.Register(7, "a", a1)
	reg.Register(7, "b", b1)

	read := func(c net.Conn, out chan<- []byte) {
		buf := make([]byte, 16)
		n, err := c.Read(buf)
		if err != nil && err != io.EOF {
			out <- nil
			return
		}
		out <- buf[:n]
	}
	gotA := make(chan []byte, 1)
	gotB := make(chan []byte, 1)
	go read(a2, gotA)
	go read(b2, gotB)

	up, _ := net.Pipe() // never mapped
	n := reg.RouteFromUpstream(up, 7, []byte("hi"))
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte("hi"), <-gotA)
	assert.Equal(t, []byte("hi"), <-gotB)
}

func TestClientRegistry_RouteFromUpstreamPrefersMappedClients(t *testing.T) {
	reg := NewClientRegistry(nil, nil)

	a1, a2 := net.Pipe()
	b1, _ := net.Pipe()
	defer a1.Close()
	defer a2.Close()
	defer b1.Close()

	ea := reg.Register(7, "a", a1)
	reg.Register(7, "b", b1)

	up, _ := net.Pipe()
	reg.mapUpstream(up, ea)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := a2.Read(buf)
		got <- buf[:n]
	}()

	// Only the mapped client receives; "b" would block its pipe forever
	// if it were written to.
	n := reg.RouteFromUpstream(up, 7, []byte("yo"))
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte("yo"), <-got)

	reg.UnmapUpstream(up)
}
