package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderCommand(t *testing.T) {
	camera := &Device{ID: "c1", Type: TypeCamera}
	thermostat := &Device{ID: "t1", Type: TypeThermostat}
	protect := &Device{ID: "p1", Type: TypeProtect}
	sensor := &Device{ID: "k1", Type: TypeTemperatureSensor}

	t.Run("camera streaming on", func(t *testing.T) {
		obj, err := RenderCommand(camera, "set_streaming", map[string]any{"enabled": true})
		require.NoError(t, err)
		assert.Equal(t, "quartz.c1", obj.ObjectKey)
		assert.Equal(t, "MERGE", obj.Op)
		assert.Equal(t, map[string]any{"streaming_state": "streaming-enabled"}, obj.Value)
	})

	t.Run("camera streaming off", func(t *testing.T) {
		obj, err := RenderCommand(camera, "set_streaming", map[string]any{"enabled": false})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"streaming_state": "streaming-disabled"}, obj.Value)
	})

	t.Run("camera audio input", func(t *testing.T) {
		obj, err := RenderCommand(camera, "set_audio_input", map[string]any{"enabled": true})
		require.NoError(t, err)
		assert.Equal(t, "quartz.c1", obj.ObjectKey)
		assert.Equal(t, map[string]any{"audio_input_enabled": true}, obj.Value)
	})

	t.Run("thermostat setpoint writes the shared bucket", func(t *testing.T) {
		obj, err := RenderCommand(thermostat, "set_target_temperature", map[string]any{"temperature": 21.5})
		require.NoError(t, err)
		assert.Equal(t, "shared.t1", obj.ObjectKey)
		assert.Equal(t, 21.5, obj.Value["target_temperature"])
		assert.Equal(t, true, obj.Value["target_change_pending"])
	})

	t.Run("thermostat range setpoint", func(t *testing.T) {
		obj, err := RenderCommand(thermostat, "set_target_temperature_range", map[string]any{"low": 18.0, "high": 24.0})
		require.NoError(t, err)
		assert.Equal(t, 18.0, obj.Value["target_temperature_low"])
		assert.Equal(t, 24.0, obj.Value["target_temperature_high"])
	})

	t.Run("inverted range is rejected", func(t *testing.T) {
		_, err := RenderCommand(thermostat, "set_target_temperature_range", map[string]any{"low": 24.0, "high": 18.0})
		assert.ErrorIs(t, err, ErrBadPayload)
	})

	t.Run("hvac modes", func(t *testing.T) {
		for _, mode := range []string{"heat", "cool", "range", "off"} {
			obj, err := RenderCommand(thermostat, "set_hvac_mode", map[string]any{"mode": mode})
			require.NoError(t, err)
			assert.Equal(t, mode, obj.Value["target_temperature_type"])
		}

		_, err := RenderCommand(thermostat, "set_hvac_mode", map[string]any{"mode": "turbo"})
		assert.ErrorIs(t, err, ErrBadPayload)
	})

	t.Run("protect night light writes the topaz bucket", func(t *testing.T) {
		obj, err := RenderCommand(protect, "set_night_light", map[string]any{"enabled": false})
		require.NoError(t, err)
		assert.Equal(t, "topaz.p1", obj.ObjectKey)
		assert.Equal(t, map[string]any{"night_light_enable": false}, obj.Value)
	})

	t.Run("temperature sensors take no commands", func(t *testing.T) {
		_, err := RenderCommand(sensor, "set_streaming", map[string]any{"enabled": true})
		assert.ErrorIs(t, err, ErrUnsupportedCommand)
	})

	t.Run("command from the wrong family is rejected", func(t *testing.T) {
		_, err := RenderCommand(camera, "set_target_temperature", map[string]any{"temperature": 21.0})
		assert.ErrorIs(t, err, ErrUnsupportedCommand)
	})

	t.Run("missing payload field is rejected", func(t *testing.T) {
		_, err := RenderCommand(camera, "set_streaming", map[string]any{})
		assert.ErrorIs(t, err, ErrBadPayload)
	})
}
