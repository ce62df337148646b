package config

// Config is the root configuration for the relay daemon.
type Config struct {
	Database   DatabaseConfig   `json:"database"`
	Forwarding ForwardingConfig `json:"forwarding"`
	API        APIConfig        `json:"api"`
	Logging    LoggingConfig    `json:"logging"`
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// ForwardingConfig tunes the data plane. The reconnect and pool settings are
// defaults applied when a rule leaves the corresponding field unset.
type ForwardingConfig struct {
	TCP TCPConfig `json:"tcp"`
	UDP UDPConfig `json:"udp"`

	Reconnect ReconnectConfig `json:"reconnect"`

	// DefaultPoolSize caps outbound upstream connections per rule when the
	// rule does not set its own pool size.
	DefaultPoolSize int `json:"default_pool_size"`
}

// TCPConfig tunes TCP listeners and upstream dials.
type TCPConfig struct {
	KeepAlive   bool   `json:"keep_alive"`   // SO_KEEPALIVE on upstream sockets
	NoDelay     bool   `json:"no_delay"`     // TCP_NODELAY on upstream sockets
	IdleTimeout string `json:"idle_timeout"` // close idle downstream clients (e.g. "300s")
	DialTimeout string `json:"dial_timeout"` // upstream connect timeout (e.g. "10s")
	ReusePort   bool   `json:"reuse_port"`   // SO_REUSEPORT on listeners
}

// UDPMode selects how UDP rules forward datagrams.
type UDPMode string

const (
	// UDPModePointToPoint relays each downstream address through its own
	// outbound ephemeral socket.
	UDPModePointToPoint UDPMode = "pointtopoint"
	// UDPModeBroadcast fans upstream datagrams out to subscribed downstream
	// clients.
	UDPModeBroadcast UDPMode = "broadcast"
)

// UDPConfig tunes UDP sockets and selects the forwarding mode.
type UDPConfig struct {
	Mode           UDPMode `json:"mode"`
	RcvBuf         int     `json:"rcvbuf"`
	SndBuf         int     `json:"sndbuf"`
	SessionTimeout string  `json:"session_timeout"` // idle eviction (e.g. "5m")
	SweepInterval  string  `json:"sweep_interval"`  // eviction cadence (e.g. "60s")
}

// ReconnectConfig defaults the upstream pool's reconnect machine.
type ReconnectConfig struct {
	Enabled     bool   `json:"enabled"`
	Interval    string `json:"interval"` // base delay, scaled linearly per attempt
	MaxAttempts int    `json:"max_attempts"`
}

// APIConfig configures the management REST server.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	APIKey  string `json:"api_key"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level       string            `json:"level"`
	Format      string            `json:"format"` // "json", "text" or "console"
	IncludePID  bool              `json:"include_pid"`
	ExtraFields map[string]string `json:"extra_fields,omitempty"`
}
