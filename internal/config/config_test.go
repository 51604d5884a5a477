package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultsFromEnv(t *testing.T) {
	t.Setenv("NATIVEBRIDGE_HOST_URL", "")
	t.Setenv("NATIVEBRIDGE_HOST_TOKEN", "secret")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, TransportStdio, cfg.Host.Transport)
	assert.Equal(t, "secret", cfg.Host.AuthToken)
	assert.Equal(t, "localhost:6379", cfg.Store.RedisAddr)
	assert.Equal(t, 60*time.Second, cfg.Host.RequestTimeout())
	assert.Equal(t, 10*time.Second, cfg.Host.DialTimeout())
	assert.Equal(t, 5, cfg.Host.MaxRetries)
	assert.Equal(t, 40*time.Millisecond, cfg.Client.NotifyWindow())
}

func TestHostURLFromEnvSelectsWebsocket(t *testing.T) {
	t.Setenv("NATIVEBRIDGE_HOST_URL", "ws://127.0.0.1:8080/ws/host")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, TransportWebsocket, cfg.Host.Transport)
	assert.Equal(t, "ws://127.0.0.1:8080/ws/host", cfg.Host.URL)
}

func TestLoadHuJSON(t *testing.T) {
	t.Setenv("NATIVEBRIDGE_HOST_URL", "")
	path := writeFile(t, "bridge.json", `{
		// launched by the browser normally
		"host": {
			"transport": "STDIO",
			"command": ["/opt/app/host", "--native"],
			"codec": "cbor",
			"request_timeout_seconds": 5,
		},
		"client": {"version": "4.2.1", "api_version": 4},
		"log": {"level": "debug", "development": true},
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, TransportStdio, cfg.Host.Transport)
	assert.Equal(t, []string{"/opt/app/host", "--native"}, cfg.Host.Command)
	assert.Equal(t, "cbor", cfg.Host.Codec)
	assert.Equal(t, 5*time.Second, cfg.Host.RequestTimeout())
	assert.Equal(t, 10*time.Second, cfg.Host.DialTimeout())
	assert.Equal(t, "4.2.1", cfg.Client.Version)
	assert.Equal(t, 4, cfg.Client.APIVersion)
	assert.Equal(t, "nativebridge", cfg.Client.UserAgent)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Development)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "bridge.yaml", `
host:
  transport: websocket
  url: ws://host.local/ws/host
  auth_token: abc
  max_retries: 3
store:
  redis_addr: redis:6379
  settled_ttl_seconds: 60
stub_host:
  listen_addr: 127.0.0.1:9000
  is_validated_on_host: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, TransportWebsocket, cfg.Host.Transport)
	assert.Equal(t, "abc", cfg.Host.AuthToken)
	assert.Equal(t, 3, cfg.Host.MaxRetries)
	assert.Equal(t, "redis:6379", cfg.Store.RedisAddr)
	assert.Equal(t, time.Minute, cfg.Store.SettledTTL())
	assert.Equal(t, 24*time.Hour, cfg.Store.SnapshotTTL())
	assert.Equal(t, "127.0.0.1:9000", cfg.StubHost.ListenAddr)
	assert.Equal(t, "/ws/host", cfg.StubHost.Path)
	require.NotNil(t, cfg.StubHost.IsValidatedOnHost)
	assert.False(t, *cfg.StubHost.IsValidatedOnHost)
}

func TestLoadRejectsBadInput(t *testing.T) {
	t.Setenv("NATIVEBRIDGE_HOST_URL", "")

	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "read config failed")

	_, err = Load(writeFile(t, "bad.json", `{"host": `))
	assert.ErrorContains(t, err, "parse config failed")

	_, err = Load(writeFile(t, "bad.yaml", "host: [unterminated"))
	assert.ErrorContains(t, err, "parse config failed")

	_, err = Load(writeFile(t, "pigeon.json", `{"host": {"transport": "pigeon"}}`))
	assert.ErrorContains(t, err, `unknown host.transport "pigeon"`)

	_, err = Load(writeFile(t, "ws.json", `{"host": {"transport": "websocket"}}`))
	assert.ErrorContains(t, err, "host.url is required")
}
