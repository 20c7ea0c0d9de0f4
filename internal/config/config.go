// Package config loads tessera's configuration from an optional YAML file
// overlaid with TESSERA_<SECTION>__<FIELD> environment variables.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	sessionhttp "github.com/aretw0/tessera/pkg/adapters/http"
	"github.com/aretw0/tessera/pkg/adapters/dynamodb"
	"github.com/aretw0/tessera/pkg/codec"
	"github.com/aretw0/tessera/pkg/ports"
	"github.com/aretw0/tessera/pkg/session"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// EnvPrefix starts every environment override. Nested fields are separated
// by a double underscore: TESSERA_REDIS__ADDR sets redis.addr.
const (
	EnvPrefix    = "TESSERA_"
	EnvSeparator = "__"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
)

type Config struct {
	Backend  string          `mapstructure:"backend"`
	Schema   ports.Schema    `mapstructure:"schema"`
	Session  SessionConfig   `mapstructure:"session"`
	Memory   MemoryConfig    `mapstructure:"memory"`
	Redis    RedisConfig     `mapstructure:"redis"`
	Postgres PostgresConfig  `mapstructure:"postgres"`
	DynamoDB dynamodb.Config `mapstructure:"dynamodb"`
	HTTP     HTTPConfig      `mapstructure:"http"`
	Log      LogConfig       `mapstructure:"log"`
}

type SessionConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	MaxSaveAttempts int           `mapstructure:"max_save_attempts"`
	// Namespace is prepended to every key before it reaches the backend.
	Namespace string `mapstructure:"namespace"`
	// EncryptionKeys are base64 AES-256 keys. The first encrypts, the rest
	// only decrypt. Empty disables encryption.
	EncryptionKeys []string `mapstructure:"encryption_keys"`
}

type MemoryConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PostgresConfig struct {
	DSN           string        `mapstructure:"dsn"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// EnsureSchema creates the session table on startup.
	EnsureSchema bool `mapstructure:"ensure_schema"`
}

type HTTPConfig struct {
	Addr            string                   `mapstructure:"addr"`
	ShutdownTimeout time.Duration            `mapstructure:"shutdown_timeout"`
	Cookie          sessionhttp.CookieConfig `mapstructure:"cookie"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Backend: BackendMemory,
		Schema:  ports.DefaultSchema(),
		Session: SessionConfig{
			TTL:             24 * time.Hour,
			MaxSaveAttempts: session.DefaultMaxSaveAttempts,
		},
		Memory:   MemoryConfig{SweepInterval: time.Minute},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Postgres: PostgresConfig{SweepInterval: time.Minute, EnsureSchema: true},
		DynamoDB: dynamodb.Config{Region: dynamodb.DefaultRegion},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			Cookie:          sessionhttp.DefaultCookieConfig(),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	raw := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
	}
	overlayEnv(raw, os.Environ())

	cfg := Default()
	if err := decode(raw, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(raw map[string]any, cfg *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           cfg,
	})
	if err != nil {
		return fmt.Errorf("failed to create config decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// sections lists the top-level keys an environment variable may address.
var sections = func() map[string]bool {
	keys := map[string]bool{}
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		if tag := t.Field(i).Tag.Get("mapstructure"); tag != "" {
			keys[tag] = true
		}
	}
	return keys
}()

// overlayEnv writes TESSERA_ variables into raw. Later sections win over the
// file because they are applied after it. Variables whose first segment is
// not a configuration key, such as TESSERA_POSTGRES_DSN used by the test
// suite, are ignored.
func overlayEnv(raw map[string]any, environ []string) {
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		path := strings.Split(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), EnvSeparator)
		if !sections[path[0]] {
			continue
		}

		node := raw
		for _, part := range path[:len(path)-1] {
			next, ok := node[part].(map[string]any)
			if !ok {
				next = map[string]any{}
				node[part] = next
			}
			node = next
		}
		node[path[len(path)-1]] = value
	}
}

// Validate checks the configuration for values no backend can work with.
func (c *Config) Validate() error {
	if err := c.Schema.Validate(); err != nil {
		return err
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive, got %s", c.Session.TTL)
	}
	if c.Session.MaxSaveAttempts < 1 {
		return fmt.Errorf("session.max_save_attempts must be at least 1, got %d", c.Session.MaxSaveAttempts)
	}
	if _, err := c.Encryption(); err != nil {
		return err
	}

	switch c.Backend {
	case BackendMemory:
		if c.Memory.SweepInterval <= 0 {
			return fmt.Errorf("memory.sweep_interval must be positive")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis backend")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for the postgres backend")
		}
		if c.Postgres.SweepInterval <= 0 {
			return fmt.Errorf("postgres.sweep_interval must be positive")
		}
	case BackendDynamoDB:
	default:
		return fmt.Errorf("unknown backend %q (expected %s, %s, %s or %s)",
			c.Backend, BackendMemory, BackendRedis, BackendPostgres, BackendDynamoDB)
	}

	if c.HTTP.Cookie.Name == "" {
		return fmt.Errorf("http.cookie.name must not be empty")
	}
	if c.HTTP.Cookie.TTL <= 0 {
		return fmt.Errorf("http.cookie.ttl must be positive, got %s", c.HTTP.Cookie.TTL)
	}
	return nil
}

// Encryption decodes the configured keys. It returns nil when encryption is
// disabled.
func (c *Config) Encryption() (*codec.EncryptionConfig, error) {
	if len(c.Session.EncryptionKeys) == 0 {
		return nil, nil
	}
	keys := make([][]byte, 0, len(c.Session.EncryptionKeys))
	for i, k := range c.Session.EncryptionKeys {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("session.encryption_keys[%d] is not valid base64: %w", i, err)
		}
		if len(key) != codec.KeySize {
			return nil, fmt.Errorf("session.encryption_keys[%d] must decode to %d bytes, got %d", i, codec.KeySize, len(key))
		}
		keys = append(keys, key)
	}
	return &codec.EncryptionConfig{ActiveKey: keys[0], FallbackKeys: keys[1:]}, nil
}
