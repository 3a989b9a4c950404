// Package config loads node and backend settings from a YAML file with
// RILL_-prefixed environment overrides. Fields omitted from the file keep
// the values from DefaultConfig, so a minimal deployment ships an empty
// file and pins everything through the environment.
//
// Durations are written as Go duration strings ("100ms", "30s"). Validate
// rejects malformed values up front so the typed accessors never fail.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rillflow/rill/runtime/flow"
	"github.com/rillflow/rill/runtime/result"
)

// Config is the root configuration document.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Redis     RedisConfig     `yaml:"redis"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Flow      FlowConfig      `yaml:"flow"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// NodeConfig identifies this process within a cluster. Endpoint is the
// address peers use to forward leader-only requests; when empty the node
// id doubles as the endpoint.
type NodeConfig struct {
	ID       string `yaml:"id"`
	Endpoint string `yaml:"endpoint"`
}

// RedisConfig addresses the Redis instance backing the Redis feature
// stores.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// MongoConfig addresses the MongoDB deployment backing the Mongo feature
// stores.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// EtcdConfig lists the etcd endpoints used for distributed locks and
// leader election.
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
}

// OutboxConfig tunes the outbox processor cadence.
type OutboxConfig struct {
	PollInterval string `yaml:"poll_interval"`
	BatchSize    int    `yaml:"batch_size"`
	MaxAttempts  int    `yaml:"max_attempts"`
}

// PollIntervalDuration returns the parsed poll interval. It is safe only
// after Validate accepted the config.
func (c OutboxConfig) PollIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.PollInterval)
	return d
}

// FlowConfig carries the flow engine defaults applied when a definition
// does not tune its own steps.
type FlowConfig struct {
	DefaultStepTimeout string      `yaml:"default_step_timeout"`
	DefaultRetry       RetryConfig `yaml:"default_retry"`
}

// DefaultStepTimeoutDuration returns the parsed step timeout. It is safe
// only after Validate accepted the config.
func (c FlowConfig) DefaultStepTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.DefaultStepTimeout)
	return d
}

// RetryConfig mirrors flow.RetryPolicy with string durations.
type RetryConfig struct {
	MaxAttempts        int     `yaml:"max_attempts"`
	InitialInterval    string  `yaml:"initial_interval"`
	MaxInterval        string  `yaml:"max_interval"`
	BackoffCoefficient float64 `yaml:"backoff_coefficient"`
}

// Policy converts the section into the flow engine's retry policy. It is
// safe only after Validate accepted the config.
func (c RetryConfig) Policy() flow.RetryPolicy {
	initial, _ := time.ParseDuration(c.InitialInterval)
	max, _ := time.ParseDuration(c.MaxInterval)
	return flow.RetryPolicy{
		MaxAttempts:        c.MaxAttempts,
		InitialInterval:    initial,
		MaxInterval:        max,
		BackoffCoefficient: c.BackoffCoefficient,
	}
}

// RateLimitConfig seeds the adaptive dispatch limiter.
type RateLimitConfig struct {
	InitialPerMinute float64 `yaml:"initial_per_minute"`
	MaxPerMinute     float64 `yaml:"max_per_minute"`
}

// DefaultConfig returns a config suitable for a single node talking to
// local backends. The node id is stamped fresh on every call; set
// node.id or RILL_NODE_ID to pin it across restarts.
func DefaultConfig() *Config {
	stock := flow.DefaultRetryPolicy()
	return &Config{
		Node: NodeConfig{
			ID: uuid.NewString(),
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "rill",
		},
		Etcd: EtcdConfig{
			Endpoints: []string{"localhost:2379"},
		},
		Outbox: OutboxConfig{
			PollInterval: "100ms",
			BatchSize:    64,
			MaxAttempts:  5,
		},
		Flow: FlowConfig{
			DefaultStepTimeout: "30s",
			DefaultRetry: RetryConfig{
				MaxAttempts:        stock.MaxAttempts,
				InitialInterval:    stock.InitialInterval.String(),
				MaxInterval:        stock.MaxInterval.String(),
				BackoffCoefficient: stock.BackoffCoefficient,
			},
		},
		RateLimit: RateLimitConfig{
			InitialPerMinute: 600,
			MaxPerMinute:     6000,
		},
	}
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result. File fields override defaults, environment
// variables override both.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, result.Wrapf(result.KindConfiguration, err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, result.Wrapf(result.KindConfiguration, err, "parse config %s", path)
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides replaces individual fields from RILL_-prefixed
// environment variables. Unset variables leave the field alone.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("RILL_NODE_ID"); v != "" {
		c.Node.ID = v
	}
	if v := os.Getenv("RILL_NODE_ENDPOINT"); v != "" {
		c.Node.Endpoint = v
	}
	if v := os.Getenv("RILL_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("RILL_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return result.Configurationf("RILL_REDIS_DB: %q is not an integer", v)
		}
		c.Redis.DB = db
	}
	if v := os.Getenv("RILL_MONGO_URI"); v != "" {
		c.Mongo.URI = v
	}
	if v := os.Getenv("RILL_MONGO_DATABASE"); v != "" {
		c.Mongo.Database = v
	}
	if v := os.Getenv("RILL_ETCD_ENDPOINTS"); v != "" {
		parts := strings.Split(v, ",")
		endpoints := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				endpoints = append(endpoints, p)
			}
		}
		c.Etcd.Endpoints = endpoints
	}
	if v := os.Getenv("RILL_OUTBOX_POLL_INTERVAL"); v != "" {
		c.Outbox.PollInterval = v
	}
	if v := os.Getenv("RILL_OUTBOX_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return result.Configurationf("RILL_OUTBOX_BATCH_SIZE: %q is not an integer", v)
		}
		c.Outbox.BatchSize = n
	}
	if v := os.Getenv("RILL_OUTBOX_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return result.Configurationf("RILL_OUTBOX_MAX_ATTEMPTS: %q is not an integer", v)
		}
		c.Outbox.MaxAttempts = n
	}
	if v := os.Getenv("RILL_FLOW_STEP_TIMEOUT"); v != "" {
		c.Flow.DefaultStepTimeout = v
	}
	if v := os.Getenv("RILL_RATE_LIMIT_INITIAL"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return result.Configurationf("RILL_RATE_LIMIT_INITIAL: %q is not a number", v)
		}
		c.RateLimit.InitialPerMinute = f
	}
	if v := os.Getenv("RILL_RATE_LIMIT_MAX"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return result.Configurationf("RILL_RATE_LIMIT_MAX: %q is not a number", v)
		}
		c.RateLimit.MaxPerMinute = f
	}
	return nil
}

// Validate checks field ranges and duration formats. A config that
// passes Validate never fails in the typed accessors.
func (c *Config) Validate() error {
	if c.Redis.DB < 0 {
		return result.Configurationf("redis.db must not be negative, got %d", c.Redis.DB)
	}
	for _, ep := range c.Etcd.Endpoints {
		if strings.TrimSpace(ep) == "" {
			return result.Configurationf("etcd.endpoints must not contain empty entries")
		}
	}
	if err := requirePositiveDuration("outbox.poll_interval", c.Outbox.PollInterval); err != nil {
		return err
	}
	if c.Outbox.BatchSize <= 0 {
		return result.Configurationf("outbox.batch_size must be positive, got %d", c.Outbox.BatchSize)
	}
	if c.Outbox.MaxAttempts <= 0 {
		return result.Configurationf("outbox.max_attempts must be positive, got %d", c.Outbox.MaxAttempts)
	}
	if err := requirePositiveDuration("flow.default_step_timeout", c.Flow.DefaultStepTimeout); err != nil {
		return err
	}
	if c.Flow.DefaultRetry.MaxAttempts < 1 {
		return result.Configurationf("flow.default_retry.max_attempts must be at least 1, got %d", c.Flow.DefaultRetry.MaxAttempts)
	}
	if err := requireDuration("flow.default_retry.initial_interval", c.Flow.DefaultRetry.InitialInterval); err != nil {
		return err
	}
	if err := requireDuration("flow.default_retry.max_interval", c.Flow.DefaultRetry.MaxInterval); err != nil {
		return err
	}
	if c.Flow.DefaultRetry.BackoffCoefficient < 1 {
		return result.Configurationf("flow.default_retry.backoff_coefficient must be at least 1, got %g", c.Flow.DefaultRetry.BackoffCoefficient)
	}
	if c.RateLimit.InitialPerMinute <= 0 {
		return result.Configurationf("rate_limit.initial_per_minute must be positive, got %g", c.RateLimit.InitialPerMinute)
	}
	if c.RateLimit.MaxPerMinute < c.RateLimit.InitialPerMinute {
		return result.Configurationf("rate_limit.max_per_minute %g is below initial_per_minute %g", c.RateLimit.MaxPerMinute, c.RateLimit.InitialPerMinute)
	}
	return nil
}

func requirePositiveDuration(field, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return result.Configurationf("%s: %q is not a duration", field, value)
	}
	if d <= 0 {
		return result.Configurationf("%s must be positive, got %s", field, value)
	}
	return nil
}

func requireDuration(field, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return result.Configurationf("%s: %q is not a duration", field, value)
	}
	if d < 0 {
		return result.Configurationf("%s must not be negative, got %s", field, value)
	}
	return nil
}
