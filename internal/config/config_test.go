package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tessera.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, "sessions", cfg.Schema.Collection)
	assert.Equal(t, "SessionId", cfg.Schema.KeyField)
	assert.Equal(t, "ttl", cfg.Schema.TTLField)
	assert.Equal(t, "session_data", cfg.Schema.PayloadField)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 3, cfg.Session.MaxSaveAttempts)
	assert.Equal(t, "id", cfg.HTTP.Cookie.Name)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
backend: redis
schema:
  collection: web_sessions
session:
  ttl: 30m
  namespace: "app:"
redis:
  addr: cache:6379
  db: 2
http:
  cookie:
    name: sid
    renew_on_request: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Backend)
	assert.Equal(t, "web_sessions", cfg.Schema.Collection)
	assert.Equal(t, "SessionId", cfg.Schema.KeyField, "unset fields keep their defaults")
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, "app:", cfg.Session.Namespace)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "sid", cfg.HTTP.Cookie.Name)
	assert.True(t, cfg.HTTP.Cookie.RenewOnRequest)
	assert.True(t, cfg.HTTP.Cookie.Secure)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "backend: redis\nredis:\n  addr: cache:6379\n")
	t.Setenv("TESSERA_REDIS__ADDR", "override:6380")
	t.Setenv("TESSERA_SESSION__TTL", "2h")
	t.Setenv("TESSERA_SESSION__MAX_SAVE_ATTEMPTS", "5")
	t.Setenv("TESSERA_DYNAMODB__USE_LOCAL", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "override:6380", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 5, cfg.Session.MaxSaveAttempts)
	assert.True(t, cfg.DynamoDB.UseLocal)
}

func TestLoad_EncryptionKeysFromEnv(t *testing.T) {
	k1 := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("a", 32)))
	k2 := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("b", 32)))
	t.Setenv("TESSERA_SESSION__ENCRYPTION_KEYS", k1+","+k2)

	cfg, err := Load("")
	require.NoError(t, err)

	enc, err := cfg.Encryption()
	require.NoError(t, err)
	require.NotNil(t, enc)
	assert.Equal(t, []byte(strings.Repeat("a", 32)), enc.ActiveKey)
	assert.Len(t, enc.FallbackKeys, 1)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		want string
	}{
		{"unknown backend", "backend: etcd", "unknown backend"},
		{"unknown key", "bakend: redis", "invalid configuration"},
		{"bad duration", "session:\n  ttl: soon", "invalid configuration"},
		{"zero ttl", "session:\n  ttl: 0s", "session.ttl must be positive"},
		{"zero cookie ttl", "http:\n  cookie:\n    ttl: 0s", "http.cookie.ttl must be positive"},
		{"negative cookie ttl", "http:\n  cookie:\n    ttl: -1m", "http.cookie.ttl must be positive"},
		{"postgres without dsn", "backend: postgres", "postgres.dsn is required"},
		{"duplicate fields", "schema:\n  ttl_field: SessionId", "distinct"},
		{"short key", "session:\n  encryption_keys: [c2hvcnQ=]", "must decode to 32 bytes"},
		{"malformed yaml", "backend: [", "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestOverlayEnv(t *testing.T) {
	raw := map[string]any{"redis": map[string]any{"db": 1}}
	overlayEnv(raw, []string{
		"TESSERA_REDIS__ADDR=x:1",
		"TESSERA_BACKEND=redis",
		"OTHER_VAR=ignored",
		"TESSERA_POSTGRES_DSN=postgres://localhost/test",
		"TESSERA_UNKNOWN__FIELD=x",
	})

	assert.Equal(t, map[string]any{
		"backend": "redis",
		"redis":   map[string]any{"db": 1, "addr": "x:1"},
	}, raw)
}

func TestLoad_IgnoresForeignTesseraVariables(t *testing.T) {
	t.Setenv("TESSERA_POSTGRES_DSN", "postgres://localhost/tessera_test?sslmode=disable")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Postgres.DSN)
}

func TestLoad_CookieTTLFromEnv(t *testing.T) {
	t.Setenv("TESSERA_HTTP__COOKIE__TTL", "0s")

	_, err := Load("")
	assert.ErrorContains(t, err, "http.cookie.ttl must be positive")
}
