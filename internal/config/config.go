package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Holds     HoldsConfig     `yaml:"holds"`
	Identity  IdentityConfig  `yaml:"identity"`
	FX        FXConfig        `yaml:"fx"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// HoldsConfig bounds the TTL of reservations. A request without a TTL gets
// DefaultTTLSec; out-of-range requests are clamped, not rejected.
type HoldsConfig struct {
	DefaultTTLSec int `yaml:"default_ttl_sec"`
	MinTTLSec     int `yaml:"min_ttl_sec"`
	MaxTTLSec     int `yaml:"max_ttl_sec"`
}

// IdentityConfig controls sync-code expiry. CodeTTLSec 0 means codes never
// expire.
type IdentityConfig struct {
	CodeTTLSec int `yaml:"code_ttl_sec"`
}

type FXConfig struct {
	NativeCurrency string   `yaml:"native_currency"`
	QuoteURL       string   `yaml:"quote_url"`
	CacheTTLSec    int      `yaml:"cache_ttl_sec"`
	TimeoutSec     int      `yaml:"timeout_sec"`
	Supported      []string `yaml:"supported"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Holds.DefaultTTLSec == 0 {
		c.Holds.DefaultTTLSec = 900
	}
	if c.Holds.MinTTLSec == 0 {
		c.Holds.MinTTLSec = 60
	}
	if c.Holds.MaxTTLSec == 0 {
		c.Holds.MaxTTLSec = 3600
	}
	if c.FX.CacheTTLSec == 0 {
		c.FX.CacheTTLSec = 300
	}
	if c.FX.TimeoutSec == 0 {
		c.FX.TimeoutSec = 5
	}
	if c.FX.NativeCurrency == "" {
		c.FX.NativeCurrency = "GBP"
	}
}

// HoldTTL clamps a requested TTL in seconds to the configured range,
// substituting the default when the request carries none.
func (h HoldsConfig) HoldTTL(requestedSec int) time.Duration {
	sec := requestedSec
	if sec <= 0 {
		sec = h.DefaultTTLSec
	}
	if sec < h.MinTTLSec {
		sec = h.MinTTLSec
	}
	if sec > h.MaxTTLSec {
		sec = h.MaxTTLSec
	}
	return time.Duration(sec) * time.Second
}

// CodeTTL returns the expiry horizon for newly minted sync codes, or false
// when codes are configured as non-expiring.
func (i IdentityConfig) CodeTTL() (time.Duration, bool) {
	if i.CodeTTLSec <= 0 {
		return 0, false
	}
	return time.Duration(i.CodeTTLSec) * time.Second, true
}
