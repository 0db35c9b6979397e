package device

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/veldhuis/nestd/internal/core/nest"
)

// converter turns a raw, loosely typed bucket field into a Trait. A false
// return means the field was malformed; the trait is simply left absent.
type converter func(any) (Trait, bool)

func asNumber(v any) (Trait, bool) {
	f, ok := v.(float64)
	if !ok {
		return Trait{}, false
	}
	return Number(f), true
}

func asText(v any) (Trait, bool) {
	s, ok := v.(string)
	if !ok {
		return Trait{}, false
	}
	return Text(s), true
}

func asFlag(v any) (Trait, bool) {
	b, ok := v.(bool)
	if !ok {
		return Trait{}, false
	}
	return Flag(b), true
}

// traitSpec binds one raw bucket field to one typed trait.
type traitSpec struct {
	raw  string
	name string
	conv converter
}

func num(raw, name string) traitSpec  { return traitSpec{raw: raw, name: name, conv: asNumber} }
func text(raw, name string) traitSpec { return traitSpec{raw: raw, name: name, conv: asText} }
func flag(raw, name string) traitSpec { return traitSpec{raw: raw, name: name, conv: asFlag} }

// bucketTraits declares, per bucket kind, which raw fields each product
// family consumes and how they convert. This is the whole of the type
// specific read behavior; adding a trait is one table line.
var bucketTraits = map[string][]traitSpec{
	// Cameras, doorbells and IQ cameras.
	"quartz": {
		text("streaming_state", "streamingState"),
		flag("audio_input_enabled", "audioInputEnabled"),
		flag("preview_streaming_enabled", "previewStreamingEnabled"),
		text("ip_address", "ipAddress"),
		text("model", "model"),
		text("serial_number", "serialNumber"),
		text("software_version", "softwareVersion"),
		text("live_stream_host", "liveStreamHost"),
		num("camera_type", "cameraType"),
		num("last_connect_time", "lastConnectTime"),
		text("where_id", "whereID"),
	},
	// Protect smoke/CO detectors.
	"topaz": {
		num("smoke_status", "smokeStatus"),
		num("co_status", "coStatus"),
		num("co_previous_peak", "coPreviousPeak"),
		num("battery_level", "batteryLevel"),
		num("battery_health_state", "batteryHealthState"),
		flag("line_power_present", "linePowerPresent"),
		flag("hushed_state", "hushedState"),
		flag("night_light_enable", "nightLightEnabled"),
		flag("ntp_green_led_enable", "statusLEDEnabled"),
		num("replace_by_date_utc_secs", "replaceByDate"),
		text("model", "model"),
		text("serial_number", "serialNumber"),
		text("software_version", "softwareVersion"),
		text("where_id", "whereID"),
	},
	// Thermostat hardware-side bucket.
	"device": {
		num("current_humidity", "currentHumidity"),
		num("battery_level", "batteryLevel"),
		num("backplate_temperature", "backplateTempC"),
		text("current_schedule_mode", "scheduleMode"),
		text("temperature_scale", "temperatureScale"),
		flag("has_fan", "hasFan"),
		flag("fan_control_state", "fanRunning"),
		num("fan_timer_timeout", "fanTimerTimeout"),
		flag("leaf", "leaf"),
		text("current_version", "softwareVersion"),
		text("serial_number", "serialNumber"),
		text("where_id", "whereID"),
	},
	// Thermostat shared bucket: the live setpoints and HVAC state.
	"shared": {
		num("current_temperature", "currentTempC"),
		num("target_temperature", "targetTempC"),
		num("target_temperature_high", "targetTempHighC"),
		num("target_temperature_low", "targetTempLowC"),
		text("target_temperature_type", "hvacMode"),
		flag("hvac_heater_state", "heating"),
		flag("hvac_ac_state", "cooling"),
		flag("hvac_fan_state", "fanOn"),
		flag("can_heat", "canHeat"),
		flag("can_cool", "canCool"),
	},
	// Kryptonite remote temperature sensors.
	"kryptonite": {
		num("current_temperature", "currentTempC"),
		num("battery_level", "batteryLevel"),
		text("model", "model"),
		text("serial_number", "serialNumber"),
		text("where_id", "whereID"),
	},
}

// deviceBucketKinds maps a bucket kind to the device id and product family
// it contributes to. Thermostats are assembled from two kinds.
func bucketDeviceType(kind string, value map[string]any) (Type, bool) {
	switch kind {
	case "quartz":
		return cameraType(value), true
	case "topaz":
		return TypeProtect, true
	case "device", "shared":
		return TypeThermostat, true
	case "kryptonite":
		return TypeTemperatureSensor, true
	default:
		return "", false
	}
}

// cameraType splits the quartz family on the numeric camera_type field.
// 5/6 are the IQ models, 8/12 the doorbells; anything unrecognized is a
// plain camera so new hardware still maps.
func cameraType(value map[string]any) Type {
	ct, ok := value["camera_type"].(float64)
	if !ok {
		return TypeCamera
	}
	switch int(ct) {
	case 5, 6:
		return TypeCameraIQ
	case 8, 12:
		return TypeDoorbell
	default:
		return TypeCamera
	}
}

// applyBucketTraits merges the recognized fields of one bucket into the
// device's trait bag. Only fields present in the payload overwrite; a field
// that fails conversion is skipped. Returns whether any trait changed.
func applyBucketTraits(d *Device, kind string, value map[string]any, log *slog.Logger) bool {
	specs, ok := bucketTraits[kind]
	if !ok {
		return false
	}

	changed := false
	for _, spec := range specs {
		raw, present := value[spec.raw]
		if !present {
			continue
		}
		t, ok := spec.conv(raw)
		if !ok {
			log.Debug("malformed trait value skipped", "device_id", d.ID, "field", spec.raw)
			continue
		}
		if old, exists := d.Traits[spec.name]; !exists || !old.Equal(t) {
			d.Traits[spec.name] = t
			changed = true
		}
	}

	if name := displayName(kind, value); name != "" && name != d.Name {
		d.Name = name
		changed = true
	}
	return changed
}

func displayName(kind string, value map[string]any) string {
	switch kind {
	case "quartz":
		if s, ok := value["description"].(string); ok && s != "" {
			return s
		}
	case "shared":
		if s, ok := value["name"].(string); ok && s != "" {
			return s
		}
	case "topaz":
		if s, ok := value["description"].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Graph is the owned, acyclic result of mapping a snapshot: devices and
// structures keyed by id, plus the resume cursors for every bucket the
// server sent (mapped or not).
type Graph struct {
	Structures map[string]*Structure
	Devices    map[string]*Device
	Cursors    map[string]int64
	// Orphans counts structure device references that resolved to nothing.
	Orphans int
}

// MapSnapshot converts raw buckets into the typed graph. The mapping is
// deterministic (buckets are processed in object-key order), unknown bucket
// kinds are skipped, and a malformed field never takes down an otherwise
// healthy device.
func MapSnapshot(buckets []nest.Bucket, log *slog.Logger) *Graph {
	sorted := append([]nest.Bucket(nil), buckets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ObjectKey < sorted[j].ObjectKey })

	g := &Graph{
		Structures: make(map[string]*Structure),
		Devices:    make(map[string]*Device),
		Cursors:    make(map[string]int64),
	}

	// Thermostat link buckets bind device id -> structure id.
	links := make(map[string]string)

	for _, b := range sorted {
		g.Cursors[b.ObjectKey] = b.ObjectRevision

		kind, id := b.Kind(), b.ID()
		if id == "" || b.Value == nil {
			continue
		}

		switch kind {
		case "structure":
			s := &Structure{ID: id}
			if name, ok := b.Value["name"].(string); ok {
				s.Name = name
			}
			g.Structures[id] = s

		case "link":
			if ref, ok := b.Value["structure"].(string); ok {
				links[id] = nest.Bucket{ObjectKey: ref}.ID()
			}

		default:
			typ, known := bucketDeviceType(kind, b.Value)
			if !known {
				continue
			}
			d, exists := g.Devices[id]
			if !exists {
				d = &Device{
					ID:     id,
					Type:   typ,
					Name:   fmt.Sprintf("%s %s", typ, shortID(id)),
					Traits: make(map[string]Trait),
				}
				g.Devices[id] = d
			}
			applyBucketTraits(d, kind, b.Value, log)
			if sid, ok := b.Value["structure_id"].(string); ok && sid != "" {
				d.StructureID = sid
			}
			if b.ObjectRevision > d.Cursor {
				d.Cursor = b.ObjectRevision
			}
			d.UpdatedAt = time.Unix(0, b.ObjectTimestamp*int64(time.Millisecond))
		}
	}

	resolveStructures(g, sorted, links, log)
	return g
}

// resolveStructures binds every device to exactly one structure and fills
// the structures' device id sets. Unresolvable references are dropped and
// counted rather than failing the mapping.
func resolveStructures(g *Graph, buckets []nest.Bucket, links map[string]string, log *slog.Logger) {
	for id, d := range g.Devices {
		if d.StructureID == "" {
			if sid, ok := links[id]; ok {
				d.StructureID = sid
			}
		}
	}

	// Structure bucket device lists ("device.X" refs) as a fallback binding,
	// and the source of the membership sets.
	for _, b := range buckets {
		if b.Kind() != "structure" || b.Value == nil {
			continue
		}
		sid := b.ID()
		_, ok := g.Structures[sid]
		if !ok {
			continue
		}
		refs, _ := b.Value["devices"].([]any)
		for _, r := range refs {
			ref, ok := r.(string)
			if !ok {
				continue
			}
			did := nest.Bucket{ObjectKey: ref}.ID()
			d, found := g.Devices[did]
			if !found {
				g.Orphans++
				continue
			}
			if d.StructureID == "" {
				d.StructureID = sid
			}
		}
	}

	// Devices that still have no home: adopt the only structure when the
	// account has exactly one, otherwise drop them.
	var only string
	if len(g.Structures) == 1 {
		for id := range g.Structures {
			only = id
		}
	}
	for id, d := range g.Devices {
		if d.StructureID != "" {
			if _, ok := g.Structures[d.StructureID]; !ok {
				// Dangling reference: the snapshot never sent that structure.
				// Rebind like any other unbound device.
				d.StructureID = ""
			}
		}
		if d.StructureID == "" {
			if only != "" {
				d.StructureID = only
			} else {
				log.Warn("device has no resolvable structure, dropping", "device_id", id, "type", d.Type)
				g.Orphans++
				delete(g.Devices, id)
				continue
			}
		}
		if s, ok := g.Structures[d.StructureID]; ok {
			s.DeviceIDs = append(s.DeviceIDs, id)
		}
	}

	for _, s := range g.Structures {
		sort.Strings(s.DeviceIDs)
	}

	if g.Orphans > 0 {
		log.Info("snapshot mapped with orphaned references dropped", "orphans", g.Orphans)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
