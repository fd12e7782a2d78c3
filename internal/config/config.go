package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SchedulerConfig holds configuration for the dispatchd scheduler daemon.
type SchedulerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json
	DBPath    string `yaml:"db_path"`    // SQLite database path (":memory:" for testing)

	// Registry timing. Workers that stay silent past LostTimeout are
	// presumed dead; InitialWait bounds the post-restart dispatch freeze.
	InitialWait        time.Duration `yaml:"initial_wait"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HealthcheckTimeout time.Duration `yaml:"healthcheck_timeout"`
	LostTimeout        time.Duration `yaml:"lost_timeout"`
	RemoveTimeout      time.Duration `yaml:"remove_timeout"`

	PollInterval time.Duration `yaml:"poll_interval"` // dispatch loop tick
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Addr:               ":8080",
		LogLevel:           "info",
		LogFormat:          "text",
		InitialWait:        2 * time.Minute,
		HeartbeatInterval:  10 * time.Second,
		HealthcheckTimeout: 30 * time.Second,
		LostTimeout:        2 * time.Minute,
		RemoveTimeout:      5 * time.Minute,
		PollInterval:       2 * time.Second,
	}
}

// LoadSchedulerConfig reads a YAML config file over the defaults.
// Fields absent from the file keep their default values.
func LoadSchedulerConfig(path string) (SchedulerConfig, error) {
	cfg := DefaultSchedulerConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects timing settings that would break the heartbeat
// contract (e.g. marking workers unhealthy faster than they heartbeat).
func (c SchedulerConfig) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.HealthcheckTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("healthcheck_timeout (%s) must exceed heartbeat_interval (%s)",
			c.HealthcheckTimeout, c.HeartbeatInterval)
	}
	if c.LostTimeout <= c.HealthcheckTimeout {
		return fmt.Errorf("lost_timeout (%s) must exceed healthcheck_timeout (%s)",
			c.LostTimeout, c.HealthcheckTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	return nil
}

// WorkerConfig holds configuration for the dispatchd worker agent.
type WorkerConfig struct {
	SchedulerURL string        `yaml:"scheduler_url"`
	Shard        string        `yaml:"shard"`    // unique, stable across restarts (default: hostname)
	Hostname     string        `yaml:"hostname"` // default: os.Hostname
	Addr         string        `yaml:"addr"`     // task listener address (default ":8090")
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
	Heartbeat    time.Duration `yaml:"heartbeat"` // overridden by the scheduler's advertised interval
	// SuicideAfter is how long the agent tolerates an unreachable
	// scheduler before killing its tasks and exiting. Must not exceed
	// the scheduler's lost_timeout, or the scheduler may double-start
	// tasks this worker is still running.
	SuicideAfter time.Duration `yaml:"suicide_after"`
}

// DefaultWorkerConfig returns sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		SchedulerURL: "http://localhost:8080",
		Addr:         ":8090",
		LogLevel:     "info",
		LogFormat:    "text",
		Heartbeat:    10 * time.Second,
		SuicideAfter: 90 * time.Second,
	}
}
