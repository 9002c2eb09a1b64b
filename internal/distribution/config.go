package distribution

import (
	"fmt"
	"time"
)

type Config struct {
	MaxConnections       int
	MaxMessagesPerSecond int
	// MaxMessageSize caps inbound client messages in bytes. Larger messages
	// are dropped; the connection stays open.
	MaxMessageSize    int
	HeartbeatInterval time.Duration
	// SendBuffer is the per-subscriber outbound queue length. A full queue
	// drops broadcasts for that subscriber only.
	SendBuffer     int
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		MaxConnections:       100,
		MaxMessagesPerSecond: 10,
		MaxMessageSize:       64 << 10,
		HeartbeatInterval:    30 * time.Second,
		SendBuffer:           256,
		WriteTimeout:         10 * time.Second,
	}
}

// Validate rejects caps that would disable enforcement.
func (c Config) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive, got %d", c.MaxConnections)
	}
	if c.MaxMessagesPerSecond <= 0 {
		return fmt.Errorf("max messages per second must be positive, got %d", c.MaxMessagesPerSecond)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max message size must be positive, got %d", c.MaxMessageSize)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}
