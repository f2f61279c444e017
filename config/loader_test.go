package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTemp writes a config file under the working directory, which
// readFile requires for relative paths.
func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	dir, err := os.MkdirTemp(".", "cfgtest")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func noEnv(string) string { return "" }

func TestLoader_JSONLayer(t *testing.T) {
	path := writeTemp(t, "router.json", `{
		"server": {"port": 9100, "max_connections_per_tenant": 50},
		"tenancy": {"path_mapping": {"/acme": "acme"}},
		"nats": {"publish_retry": {"max_retries": 2, "initial_delay": "10ms", "max_delay": "1s", "backoff": 3}}
	}`)

	cfg, err := NewLoader().WithEnv(noEnv).LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Server.MaxConnectionsPerTenant)
	assert.Equal(t, 60, cfg.Server.PingIntervalSeconds, "unset keys keep defaults")
	assert.Equal(t, map[string]string{"/acme": "acme"}, cfg.Tenancy.PathMapping, "mapping replaced, not merged")
	assert.Equal(t, 2, cfg.NATS.PublishRetry.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.NATS.PublishRetry.InitialDelay)
	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.NATS.URLs)
}

func TestLoader_YAMLLayer(t *testing.T) {
	path := writeTemp(t, "router.yaml", `
server:
  ping_interval_seconds: 30
  protocols: [ocpp2.0.1]
auth:
  mode: static
  stations:
    - tenant_id: default
      station_id: CP001
      password: secret
routes:
  DataTransfer: vendor
`)

	loader := NewLoader().WithEnv(noEnv)
	loader.EnableValidation(true)
	loader.AddLayer(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Server.PingIntervalSeconds)
	assert.Equal(t, []string{"ocpp2.0.1"}, cfg.Server.Protocols)
	assert.Equal(t, AuthModeStatic, cfg.Auth.Mode)
	require.Len(t, cfg.Auth.Stations, 1)
	assert.Equal(t, "CP001", cfg.Auth.Stations[0].StationID)
	assert.Equal(t, "vendor", cfg.Routes["DataTransfer"])
}

func TestLoader_LaterLayerWins(t *testing.T) {
	base := writeTemp(t, "base.json", `{"server": {"port": 9000, "host": "127.0.0.1"}}`)
	prod := writeTemp(t, "prod.json", `{"server": {"port": 9443}}`)

	loader := NewLoader().WithEnv(noEnv)
	loader.AddLayer(base)
	loader.AddLayer(prod)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 9443, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestLoader_EnvOverrides(t *testing.T) {
	env := map[string]string{
		"OCPPROUTER_SERVER_PORT":                "9200",
		"OCPPROUTER_NATS_URLS":                  "nats://a:4222, nats://b:4222",
		"OCPPROUTER_TENANCY_DYNAMIC_RESOLUTION": "true",
		"OCPPROUTER_POSTGRES_URL":               "postgres://localhost/csms",
		"OCPPROUTER_MAX_CONNECTIONS_PER_TENANT": "10",
	}

	cfg, err := NewLoader().WithEnv(func(k string) string { return env[k] }).Load()
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.True(t, cfg.Tenancy.DynamicResolution)
	assert.Equal(t, 10, cfg.Server.MaxConnectionsPerTenant)
	require.NoError(t, cfg.Validate())
}

func TestLoader_EnvOverrideBadValue(t *testing.T) {
	env := map[string]string{"OCPPROUTER_SERVER_PORT": "eighty"}
	_, err := NewLoader().WithEnv(func(k string) string { return env[k] }).Load()
	assert.ErrorContains(t, err, "OCPPROUTER_SERVER_PORT")
}

func TestLoader_Rejects(t *testing.T) {
	_, err := NewLoader().WithEnv(noEnv).LoadFile("../outside.json")
	assert.Error(t, err)

	txt := writeTemp(t, "router.toml", `port = 1`)
	_, err = NewLoader().WithEnv(noEnv).LoadFile(txt)
	assert.Error(t, err)

	broken := writeTemp(t, "broken.json", `{"server": {`)
	_, err = NewLoader().WithEnv(noEnv).LoadFile(broken)
	assert.Error(t, err)

	badDuration := writeTemp(t, "d.json", `{"nats": {"publish_retry": {"initial_delay": "soon"}}}`)
	_, err = NewLoader().WithEnv(noEnv).LoadFile(badDuration)
	assert.Error(t, err)
}

func TestLoader_ShippedConfig(t *testing.T) {
	path, err := filepath.Abs(filepath.Join("..", "configs", "ocpprouter.yaml"))
	require.NoError(t, err)

	cfg, err := NewLoader().WithEnv(func(string) string { return "" }).LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, AuthModeStatic, cfg.Auth.Mode)
	assert.Len(t, cfg.Auth.Stations, 2)
	assert.Equal(t, "acme", cfg.Tenancy.PathMapping["/acme"])
	assert.Equal(t, "configuration", cfg.Routes["DataTransfer"])
	assert.Equal(t, 50*time.Millisecond, cfg.NATS.PublishRetry.InitialDelay)
	assert.Equal(t, "OCPP_WEBHOOKS", cfg.Webhooks.KVBucket)
	assert.True(t, cfg.Management.Enabled)
}
