// Package config loads listener configuration from TOML and the environment
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings like "10m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full process configuration.
type Config struct {
	LogLevel string         `toml:"log_level"`
	HTTP     HTTPConfig     `toml:"http"`
	Queue    QueueConfig    `toml:"queue"`
	Listener ListenerConfig `toml:"listener"`
	Target   TargetConfig   `toml:"target"`
}

// HTTPConfig configures the ops HTTP server.
type HTTPConfig struct {
	Addr string `toml:"addr"`
}

// QueueConfig names the queues and carries the storage credentials.
type QueueConfig struct {
	ConnectionString string `toml:"connection_string"`
	QueueName        string `toml:"queue_name"`
	PoisonQueueName  string `toml:"poison_queue_name"`
}

// ListenerConfig carries the per-queue listener tuning.
type ListenerConfig struct {
	FunctionID                       string   `toml:"function_id"`
	BatchSize                        int32    `toml:"batch_size"`
	NewBatchThreshold                int32    `toml:"new_batch_threshold"`
	MaxDequeueCount                  int64    `toml:"max_dequeue_count"`
	MaxPollingInterval               Duration `toml:"max_polling_interval"`
	VisibilityTimeout                Duration `toml:"visibility_timeout"`
	MinimumVisibilityRenewalInterval Duration `toml:"minimum_visibility_renewal_interval"`
}

// TargetConfig configures the HTTP delivery target.
type TargetConfig struct {
	URL         string   `toml:"url"`
	ContentType string   `toml:"content_type"`
	Timeout     Duration `toml:"timeout"`
	MaxRetries  int      `toml:"max_retries"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Listener: ListenerConfig{
			FunctionID:                       "default",
			BatchSize:                        16,
			NewBatchThreshold:                -1,
			MaxDequeueCount:                  5,
			MaxPollingInterval:               Duration(time.Minute),
			VisibilityTimeout:                Duration(10 * time.Minute),
			MinimumVisibilityRenewalInterval: Duration(time.Minute),
		},
		Target: TargetConfig{
			ContentType: "application/json",
			Timeout:     Duration(30 * time.Second),
			MaxRetries:  3,
		},
	}
}

// Load reads configuration from the given TOML file (skipped when path is
// empty or missing), then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("QUEUEFLOW_CONNECTION_STRING"); v != "" {
		cfg.Queue.ConnectionString = v
	}
	if v := os.Getenv("QUEUEFLOW_QUEUE_NAME"); v != "" {
		cfg.Queue.QueueName = v
	}
	if v := os.Getenv("QUEUEFLOW_POISON_QUEUE_NAME"); v != "" {
		cfg.Queue.PoisonQueueName = v
	}
	if v := os.Getenv("QUEUEFLOW_TARGET_URL"); v != "" {
		cfg.Target.URL = v
	}
	if v := os.Getenv("QUEUEFLOW_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("QUEUEFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate enforces the option constraints.
func (c *Config) Validate() error {
	if c.Queue.ConnectionString == "" {
		return fmt.Errorf("queue.connection_string is required")
	}
	if c.Queue.QueueName == "" {
		return fmt.Errorf("queue.queue_name is required")
	}
	if c.Listener.BatchSize <= 0 {
		return fmt.Errorf("listener.batch_size must be greater than zero")
	}
	if c.Listener.MaxDequeueCount <= 0 {
		return fmt.Errorf("listener.max_dequeue_count must be greater than zero")
	}
	if c.Target.URL == "" {
		return fmt.Errorf("target.url is required")
	}
	return nil
}
