package relay

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// maxClientBuffer bounds the per-client FIFO that absorbs data while the
// upstream is down. Overflow drops the newest chunk (tail drop).
const maxClientBuffer = 1 << 20

// ClientEntry is one registered downstream TCP client.
type ClientEntry struct {
	RuleID       int64
	ConnectionID string
	Conn         net.Conn

	bytesRx   atomic.Int64 // client -> upstream
	bytesTx   atomic.Int64 // upstream -> client
	packetsRx atomic.Int64
	packetsTx atomic.Int64

	lastActive atomic.Int64 // unix nanos, touched by either direction

	mu       sync.Mutex
	buffered [][]byte
	bufBytes int
	flushing bool
}

// Counters returns the entry's traffic counters.
func (e *ClientEntry) Counters() (rxBytes, txBytes, rxPackets, txPackets int64) {
	return e.bytesRx.Load(), e.bytesTx.Load(), e.packetsRx.Load(), e.packetsTx.Load()
}

func (e *ClientEntry) touch() { e.lastActive.Store(time.Now().UnixNano()) }

// LastActive reports when the entry last moved data in either direction.
func (e *ClientEntry) LastActive() time.Time {
	return time.Unix(0, e.lastActive.Load())
}

// ClientStats summarizes one rule's registered clients for the API.
type ClientStats struct {
	RuleID        int64 `json:"ruleId"`
	Clients       int   `json:"clients"`
	BufferedBytes int   `json:"bufferedBytes"`
	BytesRx       int64 `json:"bytesRx"`
	BytesTx       int64 `json:"bytesTx"`
}

// ClientRegistry tracks downstream clients per rule and the association
// between upstream connections and the clients whose data they carry.
//
// The upstream mapping is best effort: when a pool connection has served
// several clients, replies fan out to all of the rule's clients. Protocols
// that multiplex clients over one upstream must be tolerant of that.
type ClientRegistry struct {
	logger  *slog.Logger
	metrics MetricsSink

	mu       sync.RWMutex
	byRule   map[int64]map[string]*ClientEntry
	upstream map[net.Conn]map[string]*ClientEntry

	dropped atomic.Uint64 // chunks discarded on buffer overflow
}

func NewClientRegistry(logger *slog.Logger, metrics MetricsSink) *ClientRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NopMetricsSink{}
	}
	return &ClientRegistry{
		logger:   logger,
		metrics:  metrics,
		byRule:   make(map[int64]map[string]*ClientEntry),
		upstream: make(map[net.Conn]map[string]*ClientEntry),
	}
}

// Register adds a client connection under its rule.
func (r *ClientRegistry) Register(ruleID int64, connectionID string, conn net.Conn) *ClientEntry {
	e := &ClientEntry{RuleID: ruleID, ConnectionID: connectionID, Conn: conn}
	e.touch()
	r.mu.Lock()
	m := r.byRule[ruleID]
	if m == nil {
		m = make(map[string]*ClientEntry)
		r.byRule[ruleID] = m
	}
	m[connectionID] = e
	r.mu.Unlock()
	return e
}

// Unregister removes a client and any upstream mappings pointing at it.
func (r *ClientRegistry) Unregister(ruleID int64, connectionID string) {
	r.mu.Lock()
	if m := r.byRule[ruleID]; m != nil {
		delete(m, connectionID)
		if len(m) == 0 {
			delete(r.byRule, ruleID)
		}
	}
	for up, clients := range r.upstream {
		delete(clients, connectionID)
		if len(clients) == 0 {
			delete(r.upstream, up)
		}
	}
	r.mu.Unlock()
}

// ClientCount reports the number of registered clients for a rule.
func (r *ClientRegistry) ClientCount(ruleID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRule[ruleID])
}

// ForwardToUpstream sends a chunk from a client toward the rule's target.
// When no upstream connection is available the chunk is buffered on the
// client entry and replayed by FlushBuffered once the pool reconnects.
// The data slice is copied; callers may reuse it. Returns false only when
// the chunk was dropped.
func (r *ClientRegistry) ForwardToUpstream(e *ClientEntry, data []byte, pool *UpstreamPool) bool {
	// A fresh chunk must never overtake buffered predecessors: while the
	// entry still holds data from an outage, or a flush is replaying it,
	// new chunks join the queue instead of going straight to the upstream.
	e.mu.Lock()
	if e.flushing || len(e.buffered) > 0 {
		ok := r.enqueueLocked(e, data)
		e.mu.Unlock()
		return ok
	}
	e.mu.Unlock()

	up := pool.Get()
	if up == nil {
		return r.enqueue(e, data)
	}
	if _, err := up.Write(data); err != nil {
		r.logger.Warn("upstream write failed, buffering",
			"rule_id", e.RuleID, "connection_id", e.ConnectionID, "error", err)
		return r.enqueue(e, data)
	}
	e.bytesRx.Add(int64(len(data)))
	e.packetsRx.Add(1)
	e.touch()
	r.mapUpstream(up, e)
	return true
}

func (r *ClientRegistry) enqueue(e *ClientEntry, data []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.enqueueLocked(e, data)
}

func (r *ClientRegistry) enqueueLocked(e *ClientEntry, data []byte) bool {
	if e.bufBytes+len(data) > maxClientBuffer {
		r.dropped.Add(1)
		r.metrics.IncTransferErrors()
		r.logger.Warn("client buffer full, dropping chunk",
			"rule_id", e.RuleID, "connection_id", e.ConnectionID, "size", len(data))
		return false
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	e.buffered = append(e.buffered, cp)
	e.bufBytes += len(cp)
	return true
}

// FlushBuffered replays every client's buffered chunks, oldest first, over
// the freshly connected upstream. Chunks arriving mid-flush queue behind the
// replay so per-client order holds; chunks that fail to write are re-buffered.
func (r *ClientRegistry) FlushBuffered(ruleID int64, up net.Conn) {
	r.mu.RLock()
	entries := make([]*ClientEntry, 0, len(r.byRule[ruleID]))
	for _, e := range r.byRule[ruleID] {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		if !r.flushEntry(ruleID, e, up) {
			return
		}
	}
}

func (r *ClientRegistry) flushEntry(ruleID int64, e *ClientEntry, up net.Conn) bool {
	e.mu.Lock()
	if e.flushing || len(e.buffered) == 0 {
		e.mu.Unlock()
		return true
	}
	e.flushing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.flushing = false
		e.mu.Unlock()
	}()

	sent := 0
	for {
		e.mu.Lock()
		pending := e.buffered
		e.buffered = nil
		e.bufBytes = 0
		e.mu.Unlock()
		if len(pending) == 0 {
			break
		}
		for i, chunk := range pending {
			if _, err := up.Write(chunk); err != nil {
				e.mu.Lock()
				e.buffered = append(pending[i:], e.buffered...)
				e.bufBytes = 0
				for _, c := range e.buffered {
					e.bufBytes += len(c)
				}
				e.mu.Unlock()
				r.logger.Warn("flush interrupted", "rule_id", ruleID,
					"connection_id", e.ConnectionID, "flushed", sent)
				return false
			}
			e.bytesRx.Add(int64(len(chunk)))
			e.packetsRx.Add(1)
			sent++
		}
	}
	e.touch()
	r.mapUpstream(up, e)
	r.logger.Info("flushed buffered client data",
		"rule_id", ruleID, "connection_id", e.ConnectionID, "chunks", sent)
	return true
}

func (r *ClientRegistry) mapUpstream(up net.Conn, e *ClientEntry) {
	r.mu.Lock()
	m := r.upstream[up]
	if m == nil {
		m = make(map[string]*ClientEntry)
		r.upstream[up] = m
	}
	m[e.ConnectionID] = e
	r.mu.Unlock()
}

// UnmapUpstream forgets a dropped upstream connection.
func (r *ClientRegistry) UnmapUpstream(up net.Conn) {
	r.mu.Lock()
	delete(r.upstream, up)
	r.mu.Unlock()
}

// RouteFromUpstream delivers an upstream reply downstream. Clients mapped to
// the specific upstream connection get it; with no mapping it fans out to
// every client of the rule. Returns the number of clients written to.
func (r *ClientRegistry) RouteFromUpstream(up net.Conn, ruleID int64, data []byte) int {
	r.mu.RLock()
	var targets []*ClientEntry
	if m := r.upstream[up]; len(m) > 0 {
		targets = make([]*ClientEntry, 0, len(m))
		for _, e := range m {
			targets = append(targets, e)
		}
	} else {
		targets = make([]*ClientEntry, 0, len(r.byRule[ruleID]))
		for _, e := range r.byRule[ruleID] {
			targets = append(targets, e)
		}
	}
	r.mu.RUnlock()

	written := 0
	for _, e := range targets {
		if _, err := e.Conn.Write(data); err != nil {
			r.metrics.IncTransferErrors()
			continue
		}
		e.bytesTx.Add(int64(len(data)))
		e.packetsTx.Add(1)
		e.touch()
		written++
	}
	if written > 0 {
		r.metrics.AddBytesTransferred(int64(len(data) * written))
	}
	return written
}

// DroppedChunks reports how many chunks were discarded on buffer overflow.
func (r *ClientRegistry) DroppedChunks() uint64 { return r.dropped.Load() }

// Stats aggregates the registered clients of one rule.
func (r *ClientRegistry) Stats(ruleID int64) ClientStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := ClientStats{RuleID: ruleID}
	for _, e := range r.byRule[ruleID] {
		st.Clients++
		e.mu.Lock()
		st.BufferedBytes += e.bufBytes
		e.mu.Unlock()
		st.BytesRx += e.bytesRx.Load()
		st.BytesTx += e.bytesTx.Load()
	}
	return st
}
