// Package config provides environment-based configuration for the fleet control plane.
//
// Values come from built-in defaults, then an optional YAML file named by FLEET_CONFIG_FILE,
// then environment variables. Later sources win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the control plane.
type Config struct {
	// DatabaseDSN selects the store. "memory://" runs without PostgreSQL.
	DatabaseDSN string `yaml:"database_url"`

	// Server configuration
	APIPort  int    `yaml:"api_port"`
	GRPCPort int    `yaml:"grpc_port"`
	APIHost  string `yaml:"api_host"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Leader    LeaderConfig    `yaml:"leader"`

	// EventBuffer is the per-subscriber buffer of the event feed.
	EventBuffer int `yaml:"event_buffer"`

	// Bootstrap is only read from the config file.
	Bootstrap Bootstrap `yaml:"bootstrap"`
}

// SchedulerConfig holds scheduling and reconciliation timing.
type SchedulerConfig struct {
	// HeartbeatInterval is how often nodes are expected to report.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// StalenessThreshold excludes nodes from placement once they have been silent this long.
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`
	// DriftGracePeriod is how long an assignment may go unconfirmed before it is taken back.
	DriftGracePeriod time.Duration `yaml:"drift_grace_period"`
	// PassInterval is the period of scheduling passes and drift sweeps.
	PassInterval time.Duration `yaml:"pass_interval"`
	// MaxClockSkew is how far ahead of the server clock a heartbeat may be dated.
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`
}

// GRPCConfig holds heartbeat server tuning.
type GRPCConfig struct {
	MaxConcurrentStreams uint32        `yaml:"max_concurrent_streams"`
	KeepaliveTime        time.Duration `yaml:"keepalive_time"`
	KeepaliveTimeout     time.Duration `yaml:"keepalive_timeout"`
	MaxRecvMsgSize       int           `yaml:"max_recv_msg_size"`
}

// LeaderConfig enables etcd leader election for scheduling passes. Empty endpoints disable it.
type LeaderConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	SessionTTL  int           `yaml:"session_ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Enabled reports whether leader election is configured.
func (l LeaderConfig) Enabled() bool {
	return len(l.Endpoints) > 0
}

// Bootstrap lists entities created at startup when missing.
type Bootstrap struct {
	Clusters      []BootstrapCluster `yaml:"clusters"`
	InstancePools []BootstrapPool    `yaml:"instance_pools"`
}

// BootstrapCluster seeds a cluster by name.
type BootstrapCluster struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// BootstrapPool seeds an instance pool by name.
type BootstrapPool struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Provider     string `yaml:"provider"`
	Region       string `yaml:"region"`
	InstanceType string `yaml:"instance_type"`
	MinInstances int    `yaml:"min_instances"`
	MaxInstances int    `yaml:"max_instances"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		DatabaseDSN:     "postgres://localhost:5432/fleet?sslmode=disable",
		APIPort:         8080,
		GRPCPort:        9090,
		APIHost:         "0.0.0.0",
		LogLevel:        "info",
		LogJSON:         true,
		ShutdownTimeout: 30 * time.Second,
		Scheduler: SchedulerConfig{
			HeartbeatInterval:  10 * time.Second,
			StalenessThreshold: 30 * time.Second,
			DriftGracePeriod:   60 * time.Second,
			PassInterval:       5 * time.Second,
			MaxClockSkew:       30 * time.Second,
		},
		GRPC: GRPCConfig{
			MaxConcurrentStreams: 1000,
			KeepaliveTime:        30 * time.Second,
			KeepaliveTimeout:     10 * time.Second,
			MaxRecvMsgSize:       4 * 1024 * 1024,
		},
		Leader: LeaderConfig{
			Prefix:      "/fleet/scheduler-leader",
			SessionTTL:  10,
			DialTimeout: 5 * time.Second,
		},
		EventBuffer: 100,
	}
}

// Load reads configuration from the optional file and environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("FLEET_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithDefaults loads configuration without validation, useful for testing.
func LoadWithDefaults() *Config {
	cfg := Defaults()
	cfg.applyEnv()
	return cfg
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	return c.parse(data)
}

func (c *Config) parse(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.DatabaseDSN = getEnv("DATABASE_URL", c.DatabaseDSN)
	c.APIPort = getIntEnv("API_PORT", c.APIPort)
	c.GRPCPort = getIntEnv("GRPC_PORT", c.GRPCPort)
	c.APIHost = getEnv("API_HOST", c.APIHost)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogJSON = getBoolEnv("LOG_JSON", c.LogJSON)
	c.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.EventBuffer = getIntEnv("EVENT_BUFFER", c.EventBuffer)

	c.Scheduler.HeartbeatInterval = getDurationEnv("SCHEDULER_HEARTBEAT_INTERVAL", c.Scheduler.HeartbeatInterval)
	c.Scheduler.StalenessThreshold = getDurationEnv("SCHEDULER_STALENESS_THRESHOLD", c.Scheduler.StalenessThreshold)
	c.Scheduler.DriftGracePeriod = getDurationEnv("SCHEDULER_DRIFT_GRACE_PERIOD", c.Scheduler.DriftGracePeriod)
	c.Scheduler.PassInterval = getDurationEnv("SCHEDULER_PASS_INTERVAL", c.Scheduler.PassInterval)
	c.Scheduler.MaxClockSkew = getDurationEnv("SCHEDULER_MAX_CLOCK_SKEW", c.Scheduler.MaxClockSkew)

	c.GRPC.KeepaliveTime = getDurationEnv("GRPC_KEEPALIVE_TIME", c.GRPC.KeepaliveTime)
	c.GRPC.KeepaliveTimeout = getDurationEnv("GRPC_KEEPALIVE_TIMEOUT", c.GRPC.KeepaliveTimeout)

	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		c.Leader.Endpoints = splitList(v)
	}
	c.Leader.Prefix = getEnv("LEADER_ELECTION_PREFIX", c.Leader.Prefix)
	c.Leader.SessionTTL = getIntEnv("LEADER_SESSION_TTL", c.Leader.SessionTTL)
}

// Validate checks that configuration values are usable together.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseDSN == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	s := c.Scheduler
	if s.HeartbeatInterval <= 0 || s.StalenessThreshold <= 0 || s.DriftGracePeriod <= 0 || s.PassInterval <= 0 || s.MaxClockSkew <= 0 {
		errs = append(errs, errors.New("scheduler durations must be positive"))
	}
	if s.StalenessThreshold < s.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("staleness threshold %s is shorter than the heartbeat interval %s",
			s.StalenessThreshold, s.HeartbeatInterval))
	}
	if s.DriftGracePeriod < s.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("drift grace period %s is shorter than the heartbeat interval %s",
			s.DriftGracePeriod, s.HeartbeatInterval))
	}
	if c.Leader.Enabled() && c.Leader.SessionTTL <= 0 {
		errs = append(errs, errors.New("LEADER_SESSION_TTL must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
