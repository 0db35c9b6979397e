package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nestd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults only", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, "https://home.nest.com", cfg.Nest.Host)
		assert.Equal(t, time.Second, cfg.Stream.BackoffInitial.Std())
		assert.Equal(t, 60*time.Second, cfg.Stream.BackoffMax.Std())
		assert.Equal(t, 5*time.Minute, cfg.Stream.IdleTimeout.Std())
		assert.Equal(t, ":8080", cfg.HTTP.Addr)
		assert.False(t, cfg.MQTT.Enabled)
		assert.Equal(t, "info", cfg.Log.Level)
	})

	t.Run("yaml overrides defaults", func(t *testing.T) {
		path := writeConfig(t, `
nest:
  refresh_token: rt-from-file
  request_timeout: 10s
stream:
  backoff_initial: 2s
  backoff_max: 30s
  idle_timeout: 90s
mqtt:
  enabled: true
  broker: tcp://broker:1883
http:
  addr: ":9090"
log:
  level: debug
  format: json
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "rt-from-file", cfg.Nest.RefreshToken)
		assert.Equal(t, 10*time.Second, cfg.Nest.RequestTimeout.Std())
		assert.Equal(t, 2*time.Second, cfg.Stream.BackoffInitial.Std())
		assert.Equal(t, 30*time.Second, cfg.Stream.BackoffMax.Std())
		assert.Equal(t, 90*time.Second, cfg.Stream.IdleTimeout.Std())
		assert.True(t, cfg.MQTT.Enabled)
		assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
		assert.Equal(t, ":9090", cfg.HTTP.Addr)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, "json", cfg.Log.Format)

		// Untouched values keep their defaults.
		assert.Equal(t, "https://home.nest.com", cfg.Nest.Host)
	})

	t.Run("environment overrides yaml", func(t *testing.T) {
		path := writeConfig(t, `
nest:
  refresh_token: rt-from-file
`)
		t.Setenv("NESTD_REFRESH_TOKEN", "rt-from-env")
		t.Setenv("NESTD_HTTP_ADDR", ":7070")
		t.Setenv("NESTD_MQTT_ENABLED", "true")
		t.Setenv("NESTD_STREAM_IDLE_TIMEOUT", "45s")

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "rt-from-env", cfg.Nest.RefreshToken)
		assert.Equal(t, ":7070", cfg.HTTP.Addr)
		assert.True(t, cfg.MQTT.Enabled)
		assert.Equal(t, 45*time.Second, cfg.Stream.IdleTimeout.Std())
	})

	t.Run("missing file falls back to defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "https://home.nest.com", cfg.Nest.Host)
	})

	t.Run("malformed yaml fails", func(t *testing.T) {
		path := writeConfig(t, "nest: [not a mapping")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("invalid backoff bounds fail validation", func(t *testing.T) {
		path := writeConfig(t, `
stream:
  backoff_initial: 10s
  backoff_max: 1s
`)
		_, err := Load(path)
		assert.ErrorContains(t, err, "backoff_max")
	})

	t.Run("jitter out of range fails validation", func(t *testing.T) {
		path := writeConfig(t, `
stream:
  backoff_jitter: 1.5
`)
		_, err := Load(path)
		assert.ErrorContains(t, err, "backoff_jitter")
	})
}
