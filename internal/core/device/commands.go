package device

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/veldhuis/nestd/internal/core/nest"
)

// Command errors. Both mean the request can never succeed as issued, so the
// sender reports them as rejected, not retried.
var (
	ErrUnsupportedCommand = errors.New("device: unsupported command for device type")
	ErrBadPayload         = errors.New("device: bad command payload")
)

// commandRenderer turns a command invocation into the MERGE object the
// transport understands.
type commandRenderer func(d *Device, payload map[string]any) (nest.Object, error)

// commandTables declares, per product family, the commands it accepts and
// how they render onto the wire. Like the trait schemas, device behavior is
// a table, not a type hierarchy.
var commandTables = map[Type]map[string]commandRenderer{
	TypeThermostat: {
		"set_target_temperature":       setTargetTemperature,
		"set_target_temperature_range": setTargetTemperatureRange,
		"set_hvac_mode":                setHVACMode,
		"set_fan_timer":                setFanTimer,
	},
	TypeCamera: {
		"set_streaming":   setStreaming,
		"set_audio_input": setAudioInput,
	},
	TypeDoorbell: {
		"set_streaming":   setStreaming,
		"set_audio_input": setAudioInput,
	},
	TypeCameraIQ: {
		"set_streaming":   setStreaming,
		"set_audio_input": setAudioInput,
	},
	TypeProtect: {
		"set_night_light": setNightLight,
		"set_status_led":  setStatusLED,
	},
	// Temperature sensors accept no commands.
	TypeTemperatureSensor: {},
}

// RenderCommand produces the transport object for a named command against a
// device, or ErrUnsupportedCommand / ErrBadPayload.
func RenderCommand(d *Device, command string, payload map[string]any) (nest.Object, error) {
	table, ok := commandTables[d.Type]
	if !ok {
		return nest.Object{}, fmt.Errorf("%w: %s", ErrUnsupportedCommand, d.Type)
	}
	render, ok := table[command]
	if !ok {
		return nest.Object{}, fmt.Errorf("%w: %q on %s", ErrUnsupportedCommand, command, d.Type)
	}
	return render(d, payload)
}

// Commands lists the command names a device type accepts, sorted.
func Commands(t Type) []string {
	names := make([]string, 0, len(commandTables[t]))
	for name := range commandTables[t] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// --- Thermostat ---

func setTargetTemperature(d *Device, payload map[string]any) (nest.Object, error) {
	v, ok := payload["temperature"].(float64)
	if !ok {
		return nest.Object{}, fmt.Errorf("%w: missing numeric temperature", ErrBadPayload)
	}
	return nest.Object{
		ObjectKey: "shared." + d.ID,
		Op:        "MERGE",
		Value: map[string]any{
			"target_temperature":    v,
			"target_change_pending": true,
		},
	}, nil
}

func setTargetTemperatureRange(d *Device, payload map[string]any) (nest.Object, error) {
	low, okLow := payload["low"].(float64)
	high, okHigh := payload["high"].(float64)
	if !okLow || !okHigh {
		return nest.Object{}, fmt.Errorf("%w: missing numeric low/high", ErrBadPayload)
	}
	if low > high {
		return nest.Object{}, fmt.Errorf("%w: low above high", ErrBadPayload)
	}
	return nest.Object{
		ObjectKey: "shared." + d.ID,
		Op:        "MERGE",
		Value: map[string]any{
			"target_temperature_low":  low,
			"target_temperature_high": high,
			"target_change_pending":   true,
		},
	}, nil
}

func setHVACMode(d *Device, payload map[string]any) (nest.Object, error) {
	mode, ok := payload["mode"].(string)
	if !ok {
		return nest.Object{}, fmt.Errorf("%w: missing mode", ErrBadPayload)
	}
	switch mode {
	case "heat", "cool", "range", "off":
	default:
		return nest.Object{}, fmt.Errorf("%w: unknown hvac mode %q", ErrBadPayload, mode)
	}
	return nest.Object{
		ObjectKey: "shared." + d.ID,
		Op:        "MERGE",
		Value:     map[string]any{"target_temperature_type": mode},
	}, nil
}

func setFanTimer(d *Device, payload map[string]any) (nest.Object, error) {
	secs, ok := payload["duration_seconds"].(float64)
	if !ok || secs < 0 {
		return nest.Object{}, fmt.Errorf("%w: missing duration_seconds", ErrBadPayload)
	}
	timeout := int64(0)
	if secs > 0 {
		timeout = time.Now().Add(time.Duration(secs) * time.Second).Unix()
	}
	return nest.Object{
		ObjectKey: "device." + d.ID,
		Op:        "MERGE",
		Value:     map[string]any{"fan_timer_timeout": timeout},
	}, nil
}

// --- Cameras ---

func setStreaming(d *Device, payload map[string]any) (nest.Object, error) {
	enabled, ok := payload["enabled"].(bool)
	if !ok {
		return nest.Object{}, fmt.Errorf("%w: missing enabled flag", ErrBadPayload)
	}
	streamingState := "streaming-disabled"
	if enabled {
		streamingState = "streaming-enabled"
	}
	return nest.Object{
		ObjectKey: "quartz." + d.ID,
		Op:        "MERGE",
		Value:     map[string]any{"streaming_state": streamingState},
	}, nil
}

func setAudioInput(d *Device, payload map[string]any) (nest.Object, error) {
	enabled, ok := payload["enabled"].(bool)
	if !ok {
		return nest.Object{}, fmt.Errorf("%w: missing enabled flag", ErrBadPayload)
	}
	return nest.Object{
		ObjectKey: "quartz." + d.ID,
		Op:        "MERGE",
		Value:     map[string]any{"audio_input_enabled": enabled},
	}, nil
}

// --- Protect ---

func setNightLight(d *Device, payload map[string]any) (nest.Object, error) {
	enabled, ok := payload["enabled"].(bool)
	if !ok {
		return nest.Object{}, fmt.Errorf("%w: missing enabled flag", ErrBadPayload)
	}
	return nest.Object{
		ObjectKey: "topaz." + d.ID,
		Op:        "MERGE",
		Value:     map[string]any{"night_light_enable": enabled},
	}, nil
}

func setStatusLED(d *Device, payload map[string]any) (nest.Object, error) {
	enabled, ok := payload["enabled"].(bool)
	if !ok {
		return nest.Object{}, fmt.Errorf("%w: missing enabled flag", ErrBadPayload)
	}
	return nest.Object{
		ObjectKey: "topaz." + d.ID,
		Op:        "MERGE",
		Value:     map[string]any{"ntp_green_led_enable": enabled},
	}, nil
}
