package config

import (
	"time"

	"github.com/codeready-toolchain/dgate/pkg/models"
)

// DefaultConfig returns the built-in defaults, merged under user-provided
// values at load time.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Port:           8080,
			WSWriteTimeout: 10 * time.Second,
		},
		Actor: &ActorConfig{
			MinPoolSize:           2,
			MaxPoolSize:           16,
			MailboxCapacity:       64,
			HandlerTimeoutSeconds: 300,
			CancelGracePeriod:     10 * time.Second,
			DrainTimeout:          30 * time.Second,
		},
		Streaming: &StreamingConfig{
			DefaultTTLMinutes:     15,
			MaxTTLMinutes:         120,
			MaxConcurrentSessions: 100,
			DefaultChannels:       []models.ChannelType{models.ChannelWebSocket},
			MaxPublishRetries:     3,
		},
		Security: &SecurityConfig{
			UsersFile:    "users.yaml",
			APIKeysFile:  "api-keys.yaml",
			HandlersFile: "handlers.yaml",
		},
		Transports: &TransportsConfig{},
	}
}

// defaultReconnect fills in the reconnect knobs for a transport block.
func defaultReconnect(r *ReconnectConfig) {
	if r.InitialMs == 0 {
		r.InitialMs = 1000
	}
	if r.MaxMs == 0 {
		r.MaxMs = 60000
	}
}

// applyTransportDefaults fills per-transport defaults that mergo cannot reach
// because the blocks are optional pointers.
func applyTransportDefaults(t *TransportsConfig) {
	if t == nil {
		return
	}
	if t.Kafka != nil {
		k := t.Kafka
		if k.ClientID == "" {
			k.ClientID = "dgate"
		}
		if k.Acks == "" {
			k.Acks = "all"
		}
		if k.Compression == "" {
			k.Compression = "none"
		}
		defaultReconnect(&k.Reconnect)
	}
	if t.AMQP != nil {
		a := t.AMQP
		if a.Port == 0 {
			a.Port = 5672
		}
		if a.VirtualHost == "" {
			a.VirtualHost = "/"
		}
		if a.ConnectionTimeoutMs == 0 {
			a.ConnectionTimeoutMs = 30000
		}
		if a.HeartbeatS == 0 {
			a.HeartbeatS = 10
		}
		if a.NetworkRecoveryIntervalMs == 0 {
			a.NetworkRecoveryIntervalMs = 10000
		}
		defaultReconnect(&a.Reconnect)
	}
	if t.ActiveMQ != nil {
		m := t.ActiveMQ
		if m.ClientID == "" {
			m.ClientID = "dgate"
		}
		defaultReconnect(&m.Reconnect)
	}
}
