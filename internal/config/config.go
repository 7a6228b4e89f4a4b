// Package config loads the adapter's cold-start configuration: Redis
// connection options, the GraphQL schema/operations bundle, optional
// hook scripts, and JWT verification settings. A YAML file (if given)
// is loaded first, then overlaid with environment variables, mirroring
// cmd/server/main.go's getEnvString/getEnvInt/getEnvBool layering.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/redisstore"
)

// Config is the full cold-start configuration for one adapter instance.
type Config struct {
	KeyPrefix  string        `yaml:"keyPrefix"`
	Redis      RedisConfig   `yaml:"redis"`
	SchemaFile string        `yaml:"schemaFile"`
	Auth       AuthConfig    `yaml:"auth"`
	Hooks      HooksConfig   `yaml:"hooks"`
	Log        LogConfig     `yaml:"log"`
	Gateway    GatewayConfig `yaml:"gateway"`
}

// RedisConfig configures the Redis connection backing every store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	UseTLS   bool   `yaml:"useTls"`
}

// ToOptions converts RedisConfig into redisstore.Options.
func (c RedisConfig) ToOptions() redisstore.Options {
	return redisstore.Options{
		Addr:     c.Addr,
		Username: c.Username,
		Password: c.Password,
		DB:       c.DB,
		UseTLS:   c.UseTLS,
	}
}

// AuthConfig configures the default JWT-verifying onConnect hook
// (internal/authhook). Disabled by default: a deployment with no auth
// section accepts every connection, suited to local/dev use.
type AuthConfig struct {
	Enabled    bool   `yaml:"enabled"`
	HMACSecret string `yaml:"hmacSecret"`
	Issuer     string `yaml:"issuer"`
	Audience   string `yaml:"audience"`
}

// HooksConfig names optional JavaScript snippet files evaluated by
// internal/scripthook in place of a compiled Go hook. Empty fields mean
// "no hook of this kind".
type HooksConfig struct {
	OnConnectFile   string `yaml:"onConnectFile"`
	OnSubscribeFile string `yaml:"onSubscribeFile"`
	OnNextFile      string `yaml:"onNextFile"`
	OnCompleteFile  string `yaml:"onCompleteFile"`
}

// LogConfig configures the zap logger passed to observability.InitLogger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// GatewayConfig configures the local development harness
// (internal/devgateway); unused when the adapter runs behind a real
// managed WebSocket gateway.
type GatewayConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// Default returns the baseline configuration applied before any YAML
// file or environment override.
func Default() *Config {
	return &Config{
		KeyPrefix: "pubsub",
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Log:       LogConfig{Level: "info"},
		Gateway:   GatewayConfig{ListenAddr: ":8080"},
	}
}

// Load reads path (if non-empty) as YAML into a Default config, then
// applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.KeyPrefix = getEnvString("PUBSUB_KEY_PREFIX", c.KeyPrefix)
	c.SchemaFile = getEnvString("SCHEMA_FILE", c.SchemaFile)

	c.Redis.Addr = getEnvString("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Username = getEnvString("REDIS_USERNAME", c.Redis.Username)
	c.Redis.Password = getEnvString("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.UseTLS = getEnvBool("REDIS_USE_TLS", c.Redis.UseTLS)

	c.Auth.Enabled = getEnvBool("AUTH_ENABLED", c.Auth.Enabled)
	c.Auth.HMACSecret = getEnvString("AUTH_HMAC_SECRET", c.Auth.HMACSecret)
	c.Auth.Issuer = getEnvString("AUTH_ISSUER", c.Auth.Issuer)
	c.Auth.Audience = getEnvString("AUTH_AUDIENCE", c.Auth.Audience)

	c.Log.Level = getEnvString("LOG_LEVEL", c.Log.Level)
	c.Log.Development = getEnvBool("LOG_DEVELOPMENT", c.Log.Development)

	c.Gateway.ListenAddr = getEnvString("LISTEN_ADDR", c.Gateway.ListenAddr)
}

func getEnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
