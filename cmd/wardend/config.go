package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mirkobrombin/go-warden/v1/ids"
	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/presets"
	"github.com/mirkobrombin/go-warden/v1/throttle"
)

// Backends understood by the daemon.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendRedisNATS = "redis-nats"
	BackendPostgres  = "postgres"
)

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LockConfig struct {
	KeyPrefix      string        `yaml:"key_prefix"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	// IDGenerator is "ordered" (UUIDv7, the default) or "random".
	IDGenerator string `yaml:"id_generator"`
}

type ThrottleConfig struct {
	KeyPrefix        string        `yaml:"key_prefix"`
	MaxHitsPerPeriod int64         `yaml:"max_hits_per_period"`
	Period           time.Duration `yaml:"period"`
}

// Config is the daemon configuration file.
type Config struct {
	Listen      string         `yaml:"listen"`
	Backend     string         `yaml:"backend"`
	LogLevel    string         `yaml:"log_level"`
	Redis       RedisConfig    `yaml:"redis"`
	NATSURL     string         `yaml:"nats_url"`
	PostgresDSN string         `yaml:"postgres_dsn"`
	Lock        LockConfig     `yaml:"lock"`
	Throttle    ThrottleConfig `yaml:"throttle"`
	TraceStdout bool           `yaml:"trace_stdout"`
}

func defaultConfig() *Config {
	return &Config{
		Listen:   ":8420",
		Backend:  BackendMemory,
		LogLevel: "info",
		Redis:    RedisConfig{Addr: "127.0.0.1:6379"},
		Lock: LockConfig{
			KeyPrefix:      lock.DefaultKeyPrefix,
			DefaultTTL:     lock.DefaultTTL,
			AcquireTimeout: lock.DefaultAcquireTimeout,
		},
		Throttle: ThrottleConfig{
			KeyPrefix:        throttle.DefaultKeyPrefix,
			MaxHitsPerPeriod: throttle.DefaultMaxHitsPerPeriod,
			Period:           throttle.DefaultPeriod,
		},
	}
}

// LoadConfig reads path, applies environment overrides and validates the
// result. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	var data []byte
	if path != "" {
		// #nosec G304 -- config path is operator-provided.
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = b
	}
	return ParseConfig(data, os.Getenv)
}

// ParseConfig parses YAML data on top of the defaults and applies overrides
// looked up through getenv.
func ParseConfig(data []byte, getenv func(string) string) (*Config, error) {
	cfg := defaultConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	for name, dst := range map[string]*string{
		"WARDEN_LISTEN":         &c.Listen,
		"WARDEN_BACKEND":        &c.Backend,
		"WARDEN_LOG_LEVEL":      &c.LogLevel,
		"WARDEN_REDIS_ADDR":     &c.Redis.Addr,
		"WARDEN_REDIS_PASSWORD": &c.Redis.Password,
		"WARDEN_NATS_URL":       &c.NATSURL,
		"WARDEN_POSTGRES_DSN":   &c.PostgresDSN,
	} {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	if v := getenv("WARDEN_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WARDEN_REDIS_DB: %w", err)
		}
		c.Redis.DB = db
	}
	if v := getenv("WARDEN_TRACE_STDOUT"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("WARDEN_TRACE_STDOUT: %w", err)
		}
		c.TraceStdout = on
	}
	return nil
}

// Validate checks that the selected backend has what it needs.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("backend %s: redis.addr is required", c.Backend)
		}
	case BackendRedisNATS:
		if c.Redis.Addr == "" || c.NATSURL == "" {
			return fmt.Errorf("backend %s: redis.addr and nats_url are required", c.Backend)
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("backend %s: postgres_dsn is required", c.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Throttle.MaxHitsPerPeriod <= 0 || c.Throttle.Period <= 0 {
		return fmt.Errorf("throttle: max_hits_per_period and period must be positive")
	}
	return nil
}

func (c *Config) presetOptions() presets.Options {
	return presets.Options{
		Lock: []lock.Option{
			lock.WithKeyPrefix(c.Lock.KeyPrefix),
			lock.WithDefaultTTL(c.Lock.DefaultTTL),
			lock.WithDefaultAcquireTimeout(c.Lock.AcquireTimeout),
			lock.WithIDGenerator(ids.ByName(c.Lock.IDGenerator)),
		},
		Throttle: []throttle.Option{
			throttle.WithKeyPrefix(c.Throttle.KeyPrefix),
			throttle.WithMaxHitsPerPeriod(c.Throttle.MaxHitsPerPeriod),
			throttle.WithPeriod(c.Throttle.Period),
		},
	}
}
