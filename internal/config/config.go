// Package config loads the replica configuration: embedded defaults, an
// optional YAML file and EMR_* environment overrides, in that order.
package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// EnvPrefix prefixes environment overrides: esi.user_agent is read from
// EMR_ESI_USER_AGENT.
const EnvPrefix = "EMR"

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// ---- Root ----

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	ESI       ESIConfig       `mapstructure:"esi"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Store     StoreConfig     `mapstructure:"store"`
	Universe  UniverseConfig  `mapstructure:"universe"`
	Market    MarketConfig    `mapstructure:"market"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type ESIConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	UserAgent         string        `mapstructure:"user_agent"`
	MaxConnections    int           `mapstructure:"max_connections"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	Timeout           time.Duration `mapstructure:"timeout"`
	PageConcurrency   int           `mapstructure:"page_concurrency"`
}

type RateLimitConfig struct {
	ErrorThreshold int           `mapstructure:"error_threshold"`
	ErrorWindow    time.Duration `mapstructure:"error_window"`
}

// RedisConfig is optional; an empty Addr disables the gate mirror.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type UniverseConfig struct {
	IDConcurrency int `mapstructure:"id_concurrency"`
	BatchSize     int `mapstructure:"batch_size"`
}

type RetryConfig struct {
	MaxRetries      uint64        `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

type MarketConfig struct {
	RegionConcurrency  int         `mapstructure:"region_concurrency"`
	PromoteConcurrency int         `mapstructure:"promote_concurrency"`
	BatchSize          int         `mapstructure:"batch_size"`
	Promotion          string      `mapstructure:"promotion"`
	StageRetry         RetryConfig `mapstructure:"stage_retry"`
	PromoteRetry       RetryConfig `mapstructure:"promote_retry"`
}

// KafkaConfig is optional; no brokers disables refresh events.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads embedded defaults, merges the YAML file at path (if given) and
// applies EMR_* environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, fmt.Errorf("read defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the pipelines cannot run with.
func (c Config) Validate() error {
	if c.ESI.UserAgent == "" {
		return fmt.Errorf("esi.user_agent is required (set %s_ESI_USER_AGENT)", EnvPrefix)
	}
	if c.ESI.MaxConnections <= 0 {
		return fmt.Errorf("esi.max_connections must be > 0 (got %d)", c.ESI.MaxConnections)
	}
	if c.ESI.MaxRetries < 0 {
		return fmt.Errorf("esi.max_retries must be >= 0 (got %d)", c.ESI.MaxRetries)
	}

	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	positive := map[string]int{
		"universe.id_concurrency":    c.Universe.IDConcurrency,
		"universe.batch_size":        c.Universe.BatchSize,
		"market.region_concurrency":  c.Market.RegionConcurrency,
		"market.promote_concurrency": c.Market.PromoteConcurrency,
		"market.batch_size":          c.Market.BatchSize,
	}
	for key, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be > 0 (got %d)", key, value)
		}
	}

	switch c.Market.Promotion {
	case "per_region", "global":
	default:
		return fmt.Errorf("unknown market.promotion %q (want per_region or global)", c.Market.Promotion)
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when brokers are set")
	}
	return nil
}
