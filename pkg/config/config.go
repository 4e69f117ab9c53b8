// Package config loads and validates the dgate configuration from YAML files
// with environment variable expansion and built-in defaults.
package config

import (
	"time"

	"github.com/codeready-toolchain/dgate/pkg/models"
)

// Config is the root configuration for a dgate process.
type Config struct {
	HTTP       *HTTPConfig       `yaml:"http"`
	Actor      *ActorConfig      `yaml:"actor"`
	Streaming  *StreamingConfig  `yaml:"streaming"`
	Security   *SecurityConfig   `yaml:"security"`
	Transports *TransportsConfig `yaml:"transports"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port           int           `yaml:"port"`
	WSWriteTimeout time.Duration `yaml:"ws_write_timeout"`
}

// ActorConfig controls the handler supervisor pool.
type ActorConfig struct {
	// MinPoolSize is the number of workers kept alive when idle.
	MinPoolSize int `yaml:"min_pool_size"`

	// MaxPoolSize is the maximum number of concurrently running handlers.
	MaxPoolSize int `yaml:"max_pool_size"`

	// MailboxCapacity bounds the pending queue. Admission beyond
	// MaxPoolSize + MailboxCapacity fails with backpressure.
	MailboxCapacity int `yaml:"mailbox_capacity"`

	// HandlerTimeoutSeconds is the default TTL applied when a handler
	// config does not carry its own ttl_minutes.
	HandlerTimeoutSeconds int `yaml:"handler_timeout_seconds"`

	// CancelGracePeriod is how long a cancelled handler may take to
	// acknowledge before it is abandoned and logged.
	CancelGracePeriod time.Duration `yaml:"cancel_grace_period"`

	// DrainTimeout bounds how long Shutdown waits for active invocations.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// DefaultTTL returns the fallback handler TTL.
func (c *ActorConfig) DefaultTTL() time.Duration {
	return time.Duration(c.HandlerTimeoutSeconds) * time.Second
}

// StreamingConfig controls streaming session management.
type StreamingConfig struct {
	Enabled               *bool                `yaml:"enabled"`
	DefaultTTLMinutes     int                  `yaml:"default_ttl_minutes"`
	MaxTTLMinutes         int                  `yaml:"max_ttl_minutes"`
	MaxConcurrentSessions int                  `yaml:"max_concurrent_sessions"`
	DefaultChannels       []models.ChannelType `yaml:"default_response_channels"`
	MaxPublishRetries     int                  `yaml:"max_publish_retries"`
}

// IsEnabled reports whether streaming is on (default true).
func (c *StreamingConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// DefaultTTL returns the default session TTL.
func (c *StreamingConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLMinutes) * time.Minute
}

// SweepInterval is the cadence of the session TTL sweeper: one fifth of the
// default TTL, floored at one second.
func (c *StreamingConfig) SweepInterval() time.Duration {
	interval := c.DefaultTTL() / 5
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// SecurityConfig points at the read-only user and handler binding files.
type SecurityConfig struct {
	UsersFile    string `yaml:"users_file"`
	APIKeysFile  string `yaml:"api_keys_file"`
	HandlersFile string `yaml:"handlers_file"`
}
