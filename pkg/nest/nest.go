// Package nest provides a public facade re-exporting core types
// for external consumers of this module.
package nest

import (
	"github.com/veldhuis/nestd/internal/core/auth"
	"github.com/veldhuis/nestd/internal/core/device"
	"github.com/veldhuis/nestd/internal/core/state"
	"github.com/veldhuis/nestd/internal/core/stream"
)

// Re-export core types for external use.
type (
	// Credential holds the account login material.
	Credential = auth.Credential
	// Session is an authenticated API session.
	Session = auth.Session
	// Device is one Nest product instance.
	Device = device.Device
	// Structure is a Nest home grouping devices.
	Structure = device.Structure
	// Trait is one typed capability value.
	Trait = device.Trait
	// DeviceType is the product family of a device.
	DeviceType = device.Type
	// Event represents a state change event.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// Phase is the lifecycle state of the delta subscription.
	Phase = stream.Phase
)

// Device type constants.
const (
	TypeCamera            = device.TypeCamera
	TypeDoorbell          = device.TypeDoorbell
	TypeCameraIQ          = device.TypeCameraIQ
	TypeProtect           = device.TypeProtect
	TypeThermostat        = device.TypeThermostat
	TypeTemperatureSensor = device.TypeTemperatureSensor
)

// Event type constants.
const (
	EventDeviceChanged      = state.EventDeviceChanged
	EventStructureChanged   = state.EventStructureChanged
	EventStreamConnected    = state.EventStreamConnected
	EventStreamDisconnected = state.EventStreamDisconnected
	EventAuthRequired       = state.EventAuthRequired
)

// Subscription phase constants.
const (
	PhaseDisconnected = stream.PhaseDisconnected
	PhaseConnecting   = stream.PhaseConnecting
	PhaseStreaming    = stream.PhaseStreaming
	PhaseReconnecting = stream.PhaseReconnecting
	PhaseAuthRequired = stream.PhaseAuthRequired
)
