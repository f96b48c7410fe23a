package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SUPERVISOR_TOKEN", "HA_URL", "HA_TOKEN",
		"EVOLUTION_API_URL", "EVOLUTION_API_KEY", "EVOLUTION_INSTANCE",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8099", cfg.Listen)
	assert.Equal(t, "data/bridge.db", cfg.Database)
	assert.Equal(t, "http://supervisor/core", cfg.HomeAssistant.URL)
	assert.Equal(t, "default", cfg.WhatsApp.Instance)
	assert.Equal(t, 10*time.Second, cfg.HATimeout())
	assert.Equal(t, 10*time.Second, cfg.WATimeout())
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
database: /data/test.db
rules_file: /data/rules.yaml
home_assistant:
  url: http://ha.local:8123
  token: file-token
  allowed_services:
    - script.goodnight
    - light.turn_off
  timeout_seconds: 3
whatsapp:
  url: http://evolution:8080
  api_key: file-key
  instance: home
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "/data/test.db", cfg.Database)
	assert.Equal(t, "/data/rules.yaml", cfg.RulesFile)
	assert.Equal(t, "http://ha.local:8123", cfg.HomeAssistant.URL)
	assert.Equal(t, "file-token", cfg.HomeAssistant.Token)
	assert.Equal(t, []string{"script.goodnight", "light.turn_off"}, cfg.HomeAssistant.AllowedServices)
	assert.Equal(t, 3*time.Second, cfg.HATimeout())
	assert.Equal(t, "home", cfg.WhatsApp.Instance)
	assert.Equal(t, "file-key", cfg.WhatsApp.APIKey)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HA_URL", "http://override:8123")
	t.Setenv("HA_TOKEN", "env-token")
	t.Setenv("EVOLUTION_API_KEY", "env-key")
	t.Setenv("EVOLUTION_INSTANCE", "env-instance")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://override:8123", cfg.HomeAssistant.URL)
	assert.Equal(t, "env-token", cfg.HomeAssistant.Token)
	assert.Equal(t, "env-key", cfg.WhatsApp.APIKey)
	assert.Equal(t, "env-instance", cfg.WhatsApp.Instance)
}

func TestLoad_SupervisorTokenIsFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("SUPERVISOR_TOKEN", "supervisor-token")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "supervisor-token", cfg.HomeAssistant.Token)

	// An explicit token from the config file wins over the supervisor's.
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("home_assistant:\n  token: explicit\n"), 0o600))

	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "explicit", cfg.HomeAssistant.Token)
}

func TestLoad_MalformedFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unclosed"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}
