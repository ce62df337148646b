// Package relay implements the forwarding data plane: per-rule TCP and UDP
// listeners, the upstream connection pool with automatic reconnection, the
// downstream client registry with outage buffering, the UDP point-to-point
// session table and the UDP broadcast fan-out.
//
// The package has no knowledge of persistence or HTTP. It consumes four
// narrow collaborator interfaces (access decider, connection sink, metrics
// sink, listener-status sink) which callers wire in; everything is
// instantiable with in-memory fakes.
package relay

import (
	"time"

	"github.com/portrelay/portrelay/internal/rule"
)

// ConnStatus is the lifecycle state of a relayed connection.
// Transitions are one-way: CONNECTING -> CONNECTED -> terminal.
type ConnStatus string

const (
	StatusConnecting   ConnStatus = "CONNECTING"
	StatusConnected    ConnStatus = "CONNECTED"
	StatusDisconnected ConnStatus = "DISCONNECTED"
	StatusError        ConnStatus = "ERROR"
	StatusTimeout      ConnStatus = "TIMEOUT"
)

// ConnectionRecord describes one relayed connection for persistence and the
// UI. The record itself is a value; live traffic counters are kept in atomics
// by the owning component and copied in before the record is handed to the
// sink.
type ConnectionRecord struct {
	ConnectionID   string
	RuleID         int64
	Protocol       rule.Protocol
	LocalPort      int
	RemoteAddress  string
	RemotePort     int
	Status         ConnStatus
	ConnectedAt    time.Time
	DisconnectedAt time.Time // zero until the connection ends
	BytesRx        int64
	BytesTx        int64
	PacketsRx      int64
	PacketsTx      int64
	LastActiveAt   time.Time
	ErrorMessage   string
}

// ConnectionSink persists connection records. Every call is fire-and-forget
// from the data plane's perspective; implementations must never block the
// caller on I/O (see AsyncConnectionSink).
type ConnectionSink interface {
	Save(rec ConnectionRecord)
	Update(rec ConnectionRecord)
	// AddTraffic adds deltas to the persisted counters for a connection.
	AddTraffic(connectionID string, rxBytes, txBytes, rxPackets, txPackets int64)
	Delete(connectionID string)
}

// MetricsSink receives data-plane counters.
type MetricsSink interface {
	IncActiveConnections()
	DecActiveConnections()
	IncTotalConnections()
	IncConnectionErrors()
	IncTransferErrors()
	AddBytesTransferred(n int64)
	IncForwardingRules()
	DecForwardingRules()
}

// ListenerStatusSink is notified of listener lifecycle and client churn.
// It is how external observers learn whether a listener is waiting for
// clients or actively serving them.
type ListenerStatusSink interface {
	CreateListener(ruleID int64, port int, proto rule.Protocol)
	SetWaitingForClients(ruleID int64, proto rule.Protocol)
	ClientConnected(ruleID int64, proto rule.Protocol)
	ClientDisconnected(ruleID int64, proto rule.Protocol)
	StopListener(ruleID int64)
}

// AccessDecider answers whether a client IP may use a forwarding rule.
type AccessDecider interface {
	Allowed(clientIP string, ruleID int64) bool
}

// NopConnectionSink discards all records.
type NopConnectionSink struct{}

func (NopConnectionSink) Save(ConnectionRecord)                        {}
func (NopConnectionSink) Update(ConnectionRecord)                      {}
func (NopConnectionSink) AddTraffic(string, int64, int64, int64, int64) {}
func (NopConnectionSink) Delete(string)                                {}

// NopMetricsSink discards all counters.
type NopMetricsSink struct{}

func (NopMetricsSink) IncActiveConnections()    {}
func (NopMetricsSink) DecActiveConnections()    {}
func (NopMetricsSink) IncTotalConnections()     {}
func (NopMetricsSink) IncConnectionErrors()     {}
func (NopMetricsSink) IncTransferErrors()       {}
func (NopMetricsSink) AddBytesTransferred(int64) {}
func (NopMetricsSink) IncForwardingRules()      {}
func (NopMetricsSink) DecForwardingRules()      {}

// NopListenerStatusSink discards all notifications.
type NopListenerStatusSink struct{}

func (NopListenerStatusSink) CreateListener(int64, int, rule.Protocol)      {}
func (NopListenerStatusSink) SetWaitingForClients(int64, rule.Protocol)     {}
func (NopListenerStatusSink) ClientConnected(int64, rule.Protocol)          {}
func (NopListenerStatusSink) ClientDisconnected(int64, rule.Protocol)       {}
func (NopListenerStatusSink) StopListener(int64)                            {}

// AllowAllDecider admits every client. Used when no access policy is wired.
type AllowAllDecider struct{}

func (AllowAllDecider) Allowed(string, int64) bool { return true }
