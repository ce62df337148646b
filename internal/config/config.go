// Package config provides configuration types and validation for portrelay.
//
// Rule and access-rule state lives in the SQLite database
// (internal/database); this package only covers process-level settings:
// the data-plane tuning knobs, the management API and logging. Defaults
// mirror the values the engine was tuned with in production.
package config

import (
	"errors"
	"strings"
	"time"
)

// Durations the data plane falls back to when the config leaves them unset.
const (
	DefaultIdleTimeout    = 300 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultSessionTimeout = 5 * time.Minute
	DefaultSweepInterval  = 60 * time.Second
	DefaultReconnectEvery = 5 * time.Second
)

// Default returns a configuration with production defaults applied.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "portrelay.db"},
		Forwarding: ForwardingConfig{
			TCP: TCPConfig{
				KeepAlive:   true,
				NoDelay:     true,
				IdleTimeout: "300s",
				DialTimeout: "10s",
				ReusePort:   true,
			},
			UDP: UDPConfig{
				Mode:           UDPModePointToPoint,
				RcvBuf:         65536,
				SndBuf:         65536,
				SessionTimeout: "5m",
				SweepInterval:  "60s",
			},
			Reconnect: ReconnectConfig{
				Enabled:     true,
				Interval:    "5s",
				MaxAttempts: 10,
			},
			DefaultPoolSize: 1,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// Validate validates and normalizes the configuration.
func (cfg *Config) Validate() error {
	if cfg.Database.Path == "" {
		cfg.Database.Path = "portrelay.db"
	}

	// Normalize UDP mode
	switch UDPMode(strings.ToLower(string(cfg.Forwarding.UDP.Mode))) {
	case UDPModePointToPoint, "":
		cfg.Forwarding.UDP.Mode = UDPModePointToPoint
	case UDPModeBroadcast:
		cfg.Forwarding.UDP.Mode = UDPModeBroadcast
	default:
		return errors.New("forwarding.udp.mode must be \"pointtopoint\" or \"broadcast\"")
	}

	if cfg.Forwarding.UDP.RcvBuf <= 0 {
		cfg.Forwarding.UDP.RcvBuf = 65536
	}
	if cfg.Forwarding.UDP.SndBuf <= 0 {
		cfg.Forwarding.UDP.SndBuf = 65536
	}
	if cfg.Forwarding.DefaultPoolSize <= 0 {
		cfg.Forwarding.DefaultPoolSize = 1
	}
	if cfg.Forwarding.Reconnect.MaxAttempts <= 0 {
		cfg.Forwarding.Reconnect.MaxAttempts = 10
	}

	// Durations must parse if set.
	for _, d := range []struct {
		name  string
		value string
	}{
		{"forwarding.tcp.idle_timeout", cfg.Forwarding.TCP.IdleTimeout},
		{"forwarding.tcp.dial_timeout", cfg.Forwarding.TCP.DialTimeout},
		{"forwarding.udp.session_timeout", cfg.Forwarding.UDP.SessionTimeout},
		{"forwarding.udp.sweep_interval", cfg.Forwarding.UDP.SweepInterval},
		{"forwarding.reconnect.interval", cfg.Forwarding.Reconnect.Interval},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return errors.New(d.name + ": invalid duration " + d.value)
		}
	}

	// Normalize logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.ExtraFields == nil {
		cfg.Logging.ExtraFields = map[string]string{}
	}

	// Normalize management API
	if cfg.API.Host == "" {
		cfg.API.Host = "127.0.0.1"
	}
	if cfg.API.Enabled {
		if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
			return errors.New("api.port must be 1..65535")
		}
	}

	return nil
}

// Duration parses s, returning fallback when s is empty or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
