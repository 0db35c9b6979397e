package device

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veldhuis/nestd/internal/core/nest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func bucket(key string, rev int64, value map[string]any) nest.Bucket {
	return nest.Bucket{ObjectKey: key, ObjectRevision: rev, ObjectTimestamp: rev * 1000, Value: value}
}

func structureBucket(id string, name string, deviceRefs ...string) nest.Bucket {
	refs := make([]any, 0, len(deviceRefs))
	for _, r := range deviceRefs {
		refs = append(refs, r)
	}
	return bucket("structure."+id, 1, map[string]any{"name": name, "devices": refs})
}

func TestMapSnapshotThermostat(t *testing.T) {
	buckets := []nest.Bucket{
		structureBucket("s1", "Home", "device.t1"),
		bucket("device.t1", 10, map[string]any{
			"current_humidity": 41.0,
			"has_fan":          true,
			"serial_number":    "09AA01AC",
		}),
		bucket("shared.t1", 12, map[string]any{
			"name":                    "Living Room",
			"current_temperature":     21.5,
			"target_temperature":      22.0,
			"target_temperature_type": "heat",
			"hvac_heater_state":       true,
		}),
	}

	g := MapSnapshot(buckets, testLogger())

	require.Len(t, g.Devices, 1, "device and shared buckets collapse into one thermostat")
	d := g.Devices["t1"]
	require.NotNil(t, d)

	assert.Equal(t, TypeThermostat, d.Type)
	assert.Equal(t, "Living Room", d.Name)
	assert.Equal(t, "s1", d.StructureID)
	assert.Equal(t, int64(12), d.Cursor, "cursor is the max applied revision")

	assert.Equal(t, Number(21.5), d.Traits["currentTempC"])
	assert.Equal(t, Number(22.0), d.Traits["targetTempC"])
	assert.Equal(t, Text("heat"), d.Traits["hvacMode"])
	assert.Equal(t, Flag(true), d.Traits["heating"])
	assert.Equal(t, Number(41.0), d.Traits["currentHumidity"])
	assert.Equal(t, Flag(true), d.Traits["hasFan"])

	require.Len(t, g.Structures, 1)
	assert.Equal(t, []string{"t1"}, g.Structures["s1"].DeviceIDs)
}

func TestMapSnapshotCameraTypes(t *testing.T) {
	cases := []struct {
		name       string
		cameraType any
		want       Type
	}{
		{"indoor IQ", 5.0, TypeCameraIQ},
		{"outdoor IQ", 6.0, TypeCameraIQ},
		{"hello doorbell", 8.0, TypeDoorbell},
		{"battery doorbell", 12.0, TypeDoorbell},
		{"plain camera", 1.0, TypeCamera},
		{"unknown model still maps", 99.0, TypeCamera},
		{"missing camera_type", nil, TypeCamera},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			value := map[string]any{"structure_id": "s1", "streaming_state": "streaming-enabled"}
			if tc.cameraType != nil {
				value["camera_type"] = tc.cameraType
			}
			g := MapSnapshot([]nest.Bucket{
				structureBucket("s1", "Home"),
				bucket("quartz.c1", 3, value),
			}, testLogger())

			require.Len(t, g.Devices, 1)
			assert.Equal(t, tc.want, g.Devices["c1"].Type)
		})
	}
}

func TestMapSnapshotStructureBinding(t *testing.T) {
	t.Run("link bucket binds thermostats", func(t *testing.T) {
		g := MapSnapshot([]nest.Bucket{
			structureBucket("s1", "Home"),
			structureBucket("s2", "Cabin"),
			bucket("shared.t1", 2, map[string]any{"current_temperature": 20.0}),
			bucket("link.t1", 1, map[string]any{"structure": "structure.s2"}),
		}, testLogger())

		require.Contains(t, g.Devices, "t1")
		assert.Equal(t, "s2", g.Devices["t1"].StructureID)
	})

	t.Run("single structure adopts unbound devices", func(t *testing.T) {
		g := MapSnapshot([]nest.Bucket{
			structureBucket("s1", "Home"),
			bucket("kryptonite.k1", 2, map[string]any{"current_temperature": 19.0}),
		}, testLogger())

		require.Contains(t, g.Devices, "k1")
		assert.Equal(t, "s1", g.Devices["k1"].StructureID)
		assert.Zero(t, g.Orphans)
	})

	t.Run("dangling structure reference rebinds to the single structure", func(t *testing.T) {
		g := MapSnapshot([]nest.Bucket{
			structureBucket("s1", "Home"),
			bucket("quartz.c1", 2, map[string]any{
				"structure_id":    "ghost",
				"streaming_state": "streaming-enabled",
			}),
		}, testLogger())

		require.Contains(t, g.Devices, "c1")
		assert.Equal(t, "s1", g.Devices["c1"].StructureID)
		assert.Equal(t, []string{"c1"}, g.Structures["s1"].DeviceIDs)
	})

	t.Run("dangling reference among several structures drops the device", func(t *testing.T) {
		g := MapSnapshot([]nest.Bucket{
			structureBucket("s1", "Home"),
			structureBucket("s2", "Cabin"),
			bucket("quartz.c1", 2, map[string]any{
				"structure_id":    "ghost",
				"streaming_state": "streaming-enabled",
			}),
		}, testLogger())

		assert.NotContains(t, g.Devices, "c1")
		assert.Equal(t, 1, g.Orphans)
	})

	t.Run("unresolvable device is dropped and counted", func(t *testing.T) {
		g := MapSnapshot([]nest.Bucket{
			structureBucket("s1", "Home"),
			structureBucket("s2", "Cabin"),
			bucket("kryptonite.k1", 2, map[string]any{"current_temperature": 19.0}),
		}, testLogger())

		assert.NotContains(t, g.Devices, "k1")
		assert.Equal(t, 1, g.Orphans)
	})
}

func TestMapSnapshotRobustness(t *testing.T) {
	t.Run("malformed field never drops the device", func(t *testing.T) {
		g := MapSnapshot([]nest.Bucket{
			structureBucket("s1", "Home"),
			bucket("topaz.p1", 4, map[string]any{
				"structure_id":  "s1",
				"smoke_status":  "not-a-number",
				"battery_level": 98.0,
			}),
		}, testLogger())

		require.Contains(t, g.Devices, "p1")
		d := g.Devices["p1"]
		assert.Equal(t, TypeProtect, d.Type)
		_, present := d.Traits["smokeStatus"]
		assert.False(t, present, "malformed value leaves the trait absent")
		assert.Equal(t, Number(98.0), d.Traits["batteryLevel"])
	})

	t.Run("unknown bucket kinds are skipped but cursored", func(t *testing.T) {
		g := MapSnapshot([]nest.Bucket{
			structureBucket("s1", "Home"),
			bucket("where.s1", 9, map[string]any{"wheres": []any{}}),
		}, testLogger())

		assert.Empty(t, g.Devices)
		assert.Equal(t, int64(9), g.Cursors["where.s1"], "every bucket contributes a resume cursor")
	})

	t.Run("mapping is deterministic regardless of input order", func(t *testing.T) {
		forward := []nest.Bucket{
			structureBucket("s1", "Home"),
			bucket("device.t1", 10, map[string]any{"current_humidity": 40.0}),
			bucket("shared.t1", 11, map[string]any{"name": "Hall", "current_temperature": 20.0}),
		}
		reversed := []nest.Bucket{forward[2], forward[1], forward[0]}

		a := MapSnapshot(forward, testLogger())
		b := MapSnapshot(reversed, testLogger())

		require.Contains(t, a.Devices, "t1")
		require.Contains(t, b.Devices, "t1")
		assert.Equal(t, a.Devices["t1"].Traits, b.Devices["t1"].Traits)
		assert.Equal(t, a.Devices["t1"].Name, b.Devices["t1"].Name)
		assert.Equal(t, a.Cursors, b.Cursors)
	})
}
