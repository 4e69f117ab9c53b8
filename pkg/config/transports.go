package config

import "time"

// TransportsConfig enables and configures the broker transports. A nil block
// disables that transport.
type TransportsConfig struct {
	Kafka    *KafkaConfig    `yaml:"kafka"`
	AMQP     *AMQPConfig     `yaml:"amqp"`
	ActiveMQ *ActiveMQConfig `yaml:"activemq"`
}

// ReconnectConfig holds the shared reconnect backoff knobs.
type ReconnectConfig struct {
	// InitialMs is the first backoff interval in milliseconds.
	InitialMs int `yaml:"reconnect_initial_ms"`
	// MaxMs caps the doubled backoff in milliseconds.
	MaxMs int `yaml:"reconnect_max_ms"`
}

// Initial returns the starting backoff interval.
func (r *ReconnectConfig) Initial() time.Duration {
	return time.Duration(r.InitialMs) * time.Millisecond
}

// Max returns the backoff ceiling.
func (r *ReconnectConfig) Max() time.Duration {
	return time.Duration(r.MaxMs) * time.Millisecond
}

// TLSConfig accepts either a PEM cert/key/CA triple or a packaged keystore
// with password. Empty means plaintext.
type TLSConfig struct {
	Enabled          bool   `yaml:"enabled"`
	CAFile           string `yaml:"ca_file"`
	CertFile         string `yaml:"cert_file"`
	KeyFile          string `yaml:"key_file"`
	KeystoreFile     string `yaml:"keystore_file"`
	KeystorePassword string `yaml:"keystore_password"`
	InsecureSkipTLS  bool   `yaml:"insecure_skip_verify"`
}

// KafkaConfig configures the Kafka publisher and subscriber.
type KafkaConfig struct {
	BootstrapServers []string        `yaml:"bootstrap_servers"`
	ClientID         string          `yaml:"client_id"`
	Acks             string          `yaml:"acks"`        // 0, 1, all
	Compression      string          `yaml:"compression"` // none, gzip, snappy, lz4, zstd
	BatchSize        int             `yaml:"batch_size"`
	LingerMs         int             `yaml:"linger_ms"`
	ConsumerGroup    string          `yaml:"consumer_group"`
	RequestsTopic    string          `yaml:"requests_topic"`
	ResponsesTopic   string          `yaml:"responses_topic"`
	SSL              *TLSConfig      `yaml:"ssl"`
	Reconnect        ReconnectConfig `yaml:",inline"`
}

// AMQPConfig configures the RabbitMQ publisher and subscriber.
type AMQPConfig struct {
	Host                      string          `yaml:"host"`
	Port                      int             `yaml:"port"`
	VirtualHost               string          `yaml:"virtual_host"`
	Username                  string          `yaml:"username"`
	Password                  string          `yaml:"password"`
	ConnectionTimeoutMs       int             `yaml:"connection_timeout_ms"`
	HeartbeatS                int             `yaml:"heartbeat_s"`
	NetworkRecoveryIntervalMs int             `yaml:"network_recovery_interval_ms"`
	Exchange                  string          `yaml:"exchange"`
	ConfirmPublish            bool            `yaml:"confirm_publish"`
	RequestsQueue             string          `yaml:"requests_queue"`
	ResponsesQueue            string          `yaml:"responses_queue"`
	SSL                       *TLSConfig      `yaml:"ssl"`
	Reconnect                 ReconnectConfig `yaml:",inline"`
}

// NetworkRecoveryInterval returns the AMQP-specific redial interval.
func (c *AMQPConfig) NetworkRecoveryInterval() time.Duration {
	return time.Duration(c.NetworkRecoveryIntervalMs) * time.Millisecond
}

// ActiveMQConfig configures the STOMP publisher and subscriber for ActiveMQ.
type ActiveMQConfig struct {
	BrokerURL      string          `yaml:"broker_url"`
	Username       string          `yaml:"username"`
	Password       string          `yaml:"password"`
	ClientID       string          `yaml:"client_id"`
	RequestsQueue  string          `yaml:"requests_queue"`
	ResponsesQueue string          `yaml:"responses_queue"`
	SSL            *TLSConfig      `yaml:"ssl"`
	Reconnect      ReconnectConfig `yaml:",inline"`
}
