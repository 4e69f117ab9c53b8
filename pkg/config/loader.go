package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// configFileName is the main configuration file inside the config directory.
const configFileName = "dgate.yaml"

// Initialize loads, defaults, and validates the configuration. It is the
// primary entry point for configuration loading; a returned error is fatal.
//
// Steps performed:
//  1. Read dgate.yaml from configDir (absent file falls back to defaults)
//  2. Expand environment variables
//  3. Parse YAML
//  4. Merge built-in defaults under user values
//  5. Validate
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"http_port", cfg.HTTP.Port,
		"max_pool_size", cfg.Actor.MaxPoolSize,
		"streaming_enabled", cfg.Streaming.IsEnabled(),
		"kafka", cfg.Transports.Kafka != nil,
		"amqp", cfg.Transports.AMQP != nil,
		"activemq", cfg.Transports.ActiveMQ != nil)

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	cfg := &Config{}

	path := filepath.Join(configDir, configFileName)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Warn("Config file not found, using defaults", "path", path)
	case err != nil:
		return nil, NewLoadError(configFileName, err)
	default:
		expanded := ExpandEnv(data)
		if err := yaml.Unmarshal(expanded, cfg); err != nil {
			return nil, NewLoadError(configFileName, err)
		}
	}

	// User values win; defaults fill the gaps.
	if err := mergo.Merge(cfg, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("merging defaults: %w", err)
	}
	applyTransportDefaults(cfg.Transports)

	// Security file paths are relative to the config directory.
	cfg.Security.UsersFile = resolvePath(configDir, cfg.Security.UsersFile)
	cfg.Security.APIKeysFile = resolvePath(configDir, cfg.Security.APIKeysFile)
	cfg.Security.HandlersFile = resolvePath(configDir, cfg.Security.HandlersFile)

	return cfg, nil
}

func resolvePath(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func validate(cfg *Config) error {
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return &ValidationError{Field: "http.port", Message: fmt.Sprintf("must be 1..65535, got %d", cfg.HTTP.Port)}
	}
	if cfg.Actor.MinPoolSize < 0 {
		return &ValidationError{Field: "actor.min_pool_size", Message: "must be >= 0"}
	}
	if cfg.Actor.MaxPoolSize < 1 {
		return &ValidationError{Field: "actor.max_pool_size", Message: "must be >= 1"}
	}
	if cfg.Actor.MinPoolSize > cfg.Actor.MaxPoolSize {
		return &ValidationError{Field: "actor.min_pool_size", Message: "must not exceed actor.max_pool_size"}
	}
	if cfg.Actor.MailboxCapacity < 0 {
		return &ValidationError{Field: "actor.mailbox_capacity", Message: "must be >= 0"}
	}
	if cfg.Actor.HandlerTimeoutSeconds < 1 {
		return &ValidationError{Field: "actor.handler_timeout_seconds", Message: "must be >= 1"}
	}
	if cfg.Streaming.DefaultTTLMinutes < 1 {
		return &ValidationError{Field: "streaming.default_ttl_minutes", Message: "must be >= 1"}
	}
	if cfg.Streaming.MaxTTLMinutes < cfg.Streaming.DefaultTTLMinutes {
		return &ValidationError{Field: "streaming.max_ttl_minutes", Message: "must be >= streaming.default_ttl_minutes"}
	}
	if cfg.Streaming.MaxConcurrentSessions < 1 {
		return &ValidationError{Field: "streaming.max_concurrent_sessions", Message: "must be >= 1"}
	}
	if k := cfg.Transports.Kafka; k != nil {
		if len(k.BootstrapServers) == 0 {
			return &ValidationError{Field: "transports.kafka.bootstrap_servers", Message: "must not be empty"}
		}
		switch k.Acks {
		case "0", "1", "all":
		default:
			return &ValidationError{Field: "transports.kafka.acks", Message: fmt.Sprintf("must be 0, 1, or all, got %q", k.Acks)}
		}
		switch k.Compression {
		case "none", "gzip", "snappy", "lz4", "zstd":
		default:
			return &ValidationError{Field: "transports.kafka.compression", Message: fmt.Sprintf("unsupported codec %q", k.Compression)}
		}
	}
	if a := cfg.Transports.AMQP; a != nil && a.Host == "" {
		return &ValidationError{Field: "transports.amqp.host", Message: "must not be empty"}
	}
	if m := cfg.Transports.ActiveMQ; m != nil && m.BrokerURL == "" {
		return &ValidationError{Field: "transports.activemq.broker_url", Message: "must not be empty"}
	}
	return nil
}
