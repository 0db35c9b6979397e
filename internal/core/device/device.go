// Package device holds the typed device model: the mapper that turns raw
// Nest buckets into Devices, the id-indexed registry that owns them, and the
// per-type command tables. The raw cloud graph is nested, loosely typed and
// full of redundant cross-references; everything here is flat, owned and
// keyed by id.
package device

import (
	"encoding/json"
	"time"
)

// Type is the product family of a device. Each type is data: a trait schema
// plus a command table, not a subclass.
type Type string

const (
	TypeCamera            Type = "camera"
	TypeDoorbell          Type = "doorbell"
	TypeCameraIQ          Type = "camera_iq"
	TypeProtect           Type = "protect"
	TypeThermostat        Type = "thermostat"
	TypeTemperatureSensor Type = "temperature_sensor"
)

// TraitKind discriminates the value held by a Trait.
type TraitKind uint8

const (
	TraitNumber TraitKind = iota
	TraitText
	TraitFlag
)

// Trait is one typed capability value. Not every device exposes every trait;
// absence is normal, not an error.
type Trait struct {
	Kind   TraitKind
	Number float64
	Text   string
	Flag   bool
}

// Number makes a numeric trait.
func Number(v float64) Trait { return Trait{Kind: TraitNumber, Number: v} }

// Text makes a string trait.
func Text(s string) Trait { return Trait{Kind: TraitText, Text: s} }

// Flag makes a boolean trait.
func Flag(b bool) Trait { return Trait{Kind: TraitFlag, Flag: b} }

// Equal reports whether two traits hold the same value.
func (t Trait) Equal(o Trait) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case TraitNumber:
		return t.Number == o.Number
	case TraitText:
		return t.Text == o.Text
	default:
		return t.Flag == o.Flag
	}
}

// Value returns the bare dynamic value, for JSON output and templating.
func (t Trait) Value() any {
	switch t.Kind {
	case TraitNumber:
		return t.Number
	case TraitText:
		return t.Text
	default:
		return t.Flag
	}
}

// MarshalJSON renders the bare value.
func (t Trait) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Value())
}

// Device is one Nest product instance. Trait values are mutated only by the
// registry's merge path; everything handed out of the registry is a copy.
type Device struct {
	ID          string           `json:"id"`
	Type        Type             `json:"type"`
	Name        string           `json:"name"`
	StructureID string           `json:"structure_id"`
	Traits      map[string]Trait `json:"traits"`
	// Cursor is the highest object revision applied to this device.
	Cursor    int64     `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to readers.
func (d *Device) Clone() *Device {
	cp := *d
	cp.Traits = make(map[string]Trait, len(d.Traits))
	for k, v := range d.Traits {
		cp.Traits[k] = v
	}
	return &cp
}

// Trait returns the named trait and whether it is present.
func (d *Device) Trait(name string) (Trait, bool) {
	t, ok := d.Traits[name]
	return t, ok
}

// Structure is a Nest "home": a named grouping of devices.
type Structure struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	DeviceIDs []string `json:"device_ids"`
}

// Clone returns a deep copy safe to hand to readers.
func (s *Structure) Clone() *Structure {
	cp := *s
	cp.DeviceIDs = append([]string(nil), s.DeviceIDs...)
	return &cp
}
