// Package config handles loading and validating pool and coordinator
// configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joao-brasil/connpool/internal/kind"
	"gopkg.in/yaml.v3"
)

// PoolConfig holds the main pool configuration.
type PoolConfig struct {
	InstanceID          string        `yaml:"instance_id"`
	SessionTimeout      time.Duration `yaml:"session_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	QueueTimeout        time.Duration `yaml:"queue_timeout"`
	MaxQueueSize        int           `yaml:"max_queue_size"`
	PinningMode         string        `yaml:"pinning_mode"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckPort     int           `yaml:"health_check_port"`
	MetricsPort         int           `yaml:"metrics_port"`
}

// RedisConfig holds the Redis connection configuration used by the
// cross-instance wakeup coordinator.
type RedisConfig struct {
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	PoolSize          int           `yaml:"pool_size"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
}

// FallbackConfig holds configuration for fallback mode when Redis is
// unavailable: every instance keeps serving out of its own self-contained
// pool, just without cross-instance wakeup notifications.
type FallbackConfig struct {
	Enabled           bool `yaml:"enabled"`
	LocalLimitDivisor int  `yaml:"local_limit_divisor"`
}

// Config is the root configuration structure.
type Config struct {
	Pool     PoolConfig     `yaml:"pool"`
	Redis    RedisConfig    `yaml:"redis"`
	Fallback FallbackConfig `yaml:"fallback"`
	Kinds    []kind.Kind
}

// poolFileConfig mirrors the YAML structure for the pool config file.
type poolFileConfig struct {
	Pool     PoolConfig     `yaml:"pool"`
	Redis    RedisConfig    `yaml:"redis"`
	Fallback FallbackConfig `yaml:"fallback"`
}

// kindsFileConfig mirrors the YAML structure for the kinds config file.
type kindsFileConfig struct {
	Kinds []kind.Kind `yaml:"kinds"`
}

// Load reads and parses both the pool config file and the kinds config
// file.
func Load(poolConfigPath, kindsConfigPath string) (*Config, error) {
	poolData, err := os.ReadFile(poolConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading pool config %s: %w", poolConfigPath, err)
	}

	var poolFile poolFileConfig
	if err := yaml.Unmarshal(poolData, &poolFile); err != nil {
		return nil, fmt.Errorf("parsing pool config %s: %w", poolConfigPath, err)
	}

	kindsData, err := os.ReadFile(kindsConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading kinds config %s: %w", kindsConfigPath, err)
	}

	var kindsFile kindsFileConfig
	if err := yaml.Unmarshal(kindsData, &kindsFile); err != nil {
		return nil, fmt.Errorf("parsing kinds config %s: %w", kindsConfigPath, err)
	}

	cfg := &Config{
		Pool:     poolFile.Pool,
		Redis:    poolFile.Redis,
		Fallback: poolFile.Fallback,
		Kinds:    kindsFile.Kinds,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if len(c.Kinds) == 0 {
		return fmt.Errorf("at least one kind must be configured")
	}
	for i, k := range c.Kinds {
		if k.ID == "" {
			return fmt.Errorf("kinds[%d].id is required", i)
		}
		if k.Host == "" {
			return fmt.Errorf("kinds[%d].host is required", i)
		}
		if k.Port == 0 {
			return fmt.Errorf("kinds[%d].port is required", i)
		}
		if k.MaxWeight == 0 {
			return fmt.Errorf("kinds[%d].max_weight is required", i)
		}
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Pool.SessionTimeout == 0 {
		c.Pool.SessionTimeout = 5 * time.Minute
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = 60 * time.Second
	}
	if c.Pool.QueueTimeout == 0 {
		c.Pool.QueueTimeout = 30 * time.Second
	}
	if c.Pool.MaxQueueSize == 0 {
		c.Pool.MaxQueueSize = 1000
	}
	if c.Pool.PinningMode == "" {
		c.Pool.PinningMode = "transaction"
	}
	if c.Pool.HealthCheckInterval == 0 {
		c.Pool.HealthCheckInterval = 15 * time.Second
	}
	if c.Pool.HealthCheckPort == 0 {
		c.Pool.HealthCheckPort = 8080
	}
	if c.Pool.MetricsPort == 0 {
		c.Pool.MetricsPort = 9090
	}
	if c.Pool.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Pool.InstanceID = hostname
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "redis:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.HeartbeatInterval == 0 {
		c.Redis.HeartbeatInterval = 10 * time.Second
	}
	if c.Redis.HeartbeatTTL == 0 {
		c.Redis.HeartbeatTTL = 30 * time.Second
	}
	if c.Fallback.LocalLimitDivisor == 0 {
		c.Fallback.LocalLimitDivisor = 3
	}

	for i := range c.Kinds {
		if c.Kinds[i].MinIdle == 0 {
			c.Kinds[i].MinIdle = 2
		}
		if c.Kinds[i].MaxIdleTime == 0 {
			c.Kinds[i].MaxIdleTime = 5 * time.Minute
		}
		if c.Kinds[i].ConnectionTimeout == 0 {
			c.Kinds[i].ConnectionTimeout = 30 * time.Second
		}
		if c.Kinds[i].QueueTimeout == 0 {
			c.Kinds[i].QueueTimeout = c.Pool.QueueTimeout
		}
		if c.Kinds[i].MaxWaiters == 0 {
			c.Kinds[i].MaxWaiters = c.Kinds[i].MaxWeight
		}
	}
}

// KindByID returns the kind configuration for a given kind ID.
func (c *Config) KindByID(id string) (*kind.Kind, bool) {
	for i := range c.Kinds {
		if c.Kinds[i].ID == id {
			return &c.Kinds[i], true
		}
	}
	return nil, false
}

// Weights returns the capacity vector Acquire callers address by index,
// in the order kinds were configured.
func (c *Config) Weights() []int {
	weights := make([]int, len(c.Kinds))
	for i, k := range c.Kinds {
		weights[i] = k.MaxWeight
	}
	return weights
}
