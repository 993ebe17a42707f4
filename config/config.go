// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Consume modes.
const (
	ModeConcurrent = "concurrent"
	ModeOrderly    = "orderly"
)

// Subscription expression types.
const (
	ExpressionTag = "tag"
	ExpressionSQL = "sql92"
)

// Config holds all configuration for a push consumer process.
type Config struct {
	Client        ClientConfig         `yaml:"client"`
	Consumer      ConsumerConfig       `yaml:"consumer"`
	Schedule      ScheduleConfig       `yaml:"schedule"`
	Breaker       CircuitBreakerConfig `yaml:"breaker"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Log           LogConfig            `yaml:"log"`
	Otel          OtelConfig           `yaml:"otel"`
}

// ClientConfig holds the connection settings shared by every consumer of a client instance.
type ClientConfig struct {
	Endpoints      []string          `yaml:"endpoints"`
	Namespace      string            `yaml:"namespace"`
	InstanceName   string            `yaml:"instance_name"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	Credentials    CredentialsConfig `yaml:"credentials"`
}

// TLSConfig holds transport security settings of an outgoing connection.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	ServerName string `yaml:"server_name"`
}

// CredentialsConfig holds static access credentials sent with every broker request.
type CredentialsConfig struct {
	AccessKey     string `yaml:"access_key"`
	AccessSecret  string `yaml:"access_secret"`
	SecurityToken string `yaml:"security_token"`
}

// ConsumerConfig holds the push consumer settings.
type ConsumerConfig struct {
	Group             string        `yaml:"group"`
	Mode              string        `yaml:"mode"` // "concurrent" or "orderly"
	ConsumeWorkers    int           `yaml:"consume_workers"`
	ConsumeBatchSize  int           `yaml:"consume_batch_size"`
	PopBatchSize      int           `yaml:"pop_batch_size"`
	InvisibleDuration time.Duration `yaml:"invisible_duration"`
	PollTime          time.Duration `yaml:"poll_time"`
	PopExpiry         time.Duration `yaml:"pop_expiry"`
	PopRetryDelay     time.Duration `yaml:"pop_retry_delay"`
	MaxCachedMessages int           `yaml:"max_cached_messages"`
	PopRate           float64       `yaml:"pop_rate"` // pops per second per queue, 0 = unlimited
	MaxReconsumeTimes int           `yaml:"max_reconsume_times"`
	SuspendInterval   time.Duration `yaml:"suspend_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// ScheduleConfig holds the periods of the client instance background tasks.
type ScheduleConfig struct {
	ScanInterval         time.Duration `yaml:"scan_interval"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	StatsInterval        time.Duration `yaml:"stats_interval"`
	RouteRefreshInterval time.Duration `yaml:"route_refresh_interval"`
}

// CircuitBreakerConfig holds per-broker circuit breaker configuration.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// SubscriptionConfig is one topic subscription.
type SubscriptionConfig struct {
	Topic      string `yaml:"topic"`
	Expression string `yaml:"expression"`
	Type       string `yaml:"type"` // "tag" or "sql92"
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// OtelConfig holds OpenTelemetry configuration.
type OtelConfig struct {
	Endpoint        string    `yaml:"endpoint"`
	ServiceName     string    `yaml:"service_name"`
	ServiceVersion  string    `yaml:"service_version"`
	MetricsEnabled  bool      `yaml:"metrics_enabled"`
	TracesEnabled   bool      `yaml:"traces_enabled"`
	TraceSampleRate float64   `yaml:"trace_sample_rate"` // 0.0 to 1.0
	TLS             TLSConfig `yaml:"tls"`               // collector connection, plaintext when disabled
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Endpoints:      []string{"127.0.0.1:8081"},
			InstanceName:   "DEFAULT",
			RequestTimeout: 3 * time.Second,
		},
		Consumer: ConsumerConfig{
			Group:             "DEFAULT_CONSUMER",
			Mode:              ModeConcurrent,
			ConsumeWorkers:    20,
			ConsumeBatchSize:  1,
			PopBatchSize:      32,
			InvisibleDuration: 60 * time.Second,
			PollTime:          5 * time.Second,
			PopExpiry:         120 * time.Second,
			PopRetryDelay:     time.Second,
			MaxCachedMessages: 1024,
			MaxReconsumeTimes: 16,
			SuspendInterval:   time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Schedule: ScheduleConfig{
			ScanInterval:         5 * time.Second,
			HeartbeatInterval:    10 * time.Second,
			StatsInterval:        60 * time.Second,
			RouteRefreshInterval: 30 * time.Second,
		},
		Breaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		Subscriptions: []SubscriptionConfig{},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Otel: OtelConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "mqpush",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  false,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Client.Endpoints) == 0 {
		return fmt.Errorf("client.endpoints cannot be empty")
	}
	for _, ep := range c.Client.Endpoints {
		if strings.TrimSpace(ep) == "" {
			return fmt.Errorf("client.endpoints cannot contain empty entries")
		}
	}
	if strings.Contains(c.Client.Namespace, "%") {
		return fmt.Errorf("client.namespace cannot contain '%%'")
	}
	if c.Client.RequestTimeout <= 0 {
		return fmt.Errorf("client.request_timeout must be positive")
	}
	if (c.Client.Credentials.AccessKey == "") != (c.Client.Credentials.AccessSecret == "") {
		return fmt.Errorf("client.credentials.access_key and access_secret must be set together")
	}

	if err := c.Consumer.validate(); err != nil {
		return err
	}

	if c.Schedule.ScanInterval <= 0 {
		return fmt.Errorf("schedule.scan_interval must be positive")
	}
	if c.Schedule.HeartbeatInterval <= 0 {
		return fmt.Errorf("schedule.heartbeat_interval must be positive")
	}
	if c.Schedule.StatsInterval <= 0 {
		return fmt.Errorf("schedule.stats_interval must be positive")
	}
	if c.Schedule.RouteRefreshInterval <= 0 {
		return fmt.Errorf("schedule.route_refresh_interval must be positive")
	}

	if c.Breaker.Enabled {
		if c.Breaker.FailureThreshold < 1 {
			return fmt.Errorf("breaker.failure_threshold must be at least 1")
		}
		if c.Breaker.ResetTimeout <= 0 {
			return fmt.Errorf("breaker.reset_timeout must be positive")
		}
	}

	seen := make(map[string]bool, len(c.Subscriptions))
	for i, s := range c.Subscriptions {
		if s.Topic == "" {
			return fmt.Errorf("subscriptions[%d].topic cannot be empty", i)
		}
		if seen[s.Topic] {
			return fmt.Errorf("subscriptions[%d]: duplicate topic %q", i, s.Topic)
		}
		seen[s.Topic] = true
		switch s.Type {
		case "", ExpressionTag, ExpressionSQL:
		default:
			return fmt.Errorf("subscriptions[%d].type must be one of: tag, sql92", i)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Otel.MetricsEnabled || c.Otel.TracesEnabled {
		if c.Otel.Endpoint == "" {
			return fmt.Errorf("otel.endpoint required when metrics or traces are enabled")
		}
		if c.Otel.ServiceName == "" {
			return fmt.Errorf("otel.service_name cannot be empty")
		}
	}
	if c.Otel.TraceSampleRate < 0 || c.Otel.TraceSampleRate > 1 {
		return fmt.Errorf("otel.trace_sample_rate must be between 0.0 and 1.0")
	}
	if c.Otel.TLS.Enabled && (c.Otel.TLS.CertFile == "") != (c.Otel.TLS.KeyFile == "") {
		return fmt.Errorf("otel.tls.cert_file and otel.tls.key_file must be set together")
	}

	return nil
}

func (c ConsumerConfig) validate() error {
	if c.Group == "" {
		return fmt.Errorf("consumer.group cannot be empty")
	}
	if c.Mode != ModeConcurrent && c.Mode != ModeOrderly {
		return fmt.Errorf("consumer.mode must be one of: concurrent, orderly")
	}
	if c.ConsumeWorkers < 1 {
		return fmt.Errorf("consumer.consume_workers must be at least 1")
	}
	if c.ConsumeBatchSize < 1 {
		return fmt.Errorf("consumer.consume_batch_size must be at least 1")
	}
	if c.PopBatchSize < 1 || c.PopBatchSize > 32 {
		return fmt.Errorf("consumer.pop_batch_size must be between 1 and 32")
	}
	if c.InvisibleDuration < time.Second {
		return fmt.Errorf("consumer.invisible_duration must be at least 1s")
	}
	if c.PollTime < 0 {
		return fmt.Errorf("consumer.poll_time cannot be negative")
	}
	if c.PopExpiry <= c.PollTime {
		return fmt.Errorf("consumer.pop_expiry must be greater than consumer.poll_time")
	}
	if c.PopRetryDelay <= 0 {
		return fmt.Errorf("consumer.pop_retry_delay must be positive")
	}
	if c.MaxCachedMessages < 1 {
		return fmt.Errorf("consumer.max_cached_messages must be at least 1")
	}
	if c.PopRate < 0 {
		return fmt.Errorf("consumer.pop_rate cannot be negative")
	}
	if c.MaxReconsumeTimes < 1 {
		return fmt.Errorf("consumer.max_reconsume_times must be at least 1")
	}
	if c.SuspendInterval <= 0 {
		return fmt.Errorf("consumer.suspend_interval must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("consumer.shutdown_timeout must be positive")
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
