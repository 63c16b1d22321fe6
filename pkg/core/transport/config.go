package transport

import "time"

// Config holds all tunables for the duplex channel.
type Config struct {
	// URL is the ws:// or wss:// endpoint of the dialogue service.
	URL string `json:"url"`

	// HandshakeTimeout bounds the websocket dial. Default: 10s.
	HandshakeTimeout time.Duration `json:"handshake_timeout"`

	// HeartbeatInterval is how often a liveness probe is sent while open.
	// Default: 20s.
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`

	// HeartbeatTimeout is how long to wait for the liveness reply. Must be
	// shorter than the interval. Default: 15s.
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout"`

	// ReconnectBase is the first reconnect delay; each attempt doubles it.
	// Default: 1s.
	ReconnectBase time.Duration `json:"reconnect_base"`

	// ReconnectCeiling caps the backoff delay. Default: 30s.
	ReconnectCeiling time.Duration `json:"reconnect_ceiling"`

	// MaxReconnectAttempts bounds the backoff schedule; once reached the
	// channel stops retrying and reports OnReconnectFailed. Default: 5.
	MaxReconnectAttempts int `json:"max_reconnect_attempts"`

	// QueueCapacity bounds the outbound queue; overflow drops the oldest
	// entry. Default: 100.
	QueueCapacity int `json:"queue_capacity"`

	// SendSpacing is the minimum gap between consecutive sends while open.
	// Default: 100ms.
	SendSpacing time.Duration `json:"send_spacing"`

	// FlushBatch is how many queued messages are written per flush pass, so
	// a long queue never monopolizes the write path. Default: 10.
	FlushBatch int `json:"flush_batch"`
}

// DefaultConfig returns a Config with the standard timeouts.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		HandshakeTimeout:     10 * time.Second,
		HeartbeatInterval:    20 * time.Second,
		HeartbeatTimeout:     15 * time.Second,
		ReconnectBase:        time.Second,
		ReconnectCeiling:     30 * time.Second,
		MaxReconnectAttempts: 5,
		QueueCapacity:        100,
		SendSpacing:          100 * time.Millisecond,
		FlushBatch:           10,
	}
}

// withDefaults fills zero values so a partially-populated Config still
// behaves sanely.
func (c Config) withDefaults() Config {
	def := DefaultConfig(c.URL)
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 || c.HeartbeatTimeout >= c.HeartbeatInterval {
		c.HeartbeatTimeout = c.HeartbeatInterval * 3 / 4
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = def.ReconnectBase
	}
	if c.ReconnectCeiling <= 0 {
		c.ReconnectCeiling = def.ReconnectCeiling
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.SendSpacing <= 0 {
		c.SendSpacing = def.SendSpacing
	}
	if c.FlushBatch <= 0 {
		c.FlushBatch = def.FlushBatch
	}
	return c
}
