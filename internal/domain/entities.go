// Package domain defines the entities that flow through the sdhome
// pipeline: raw signal events from the broker, the sensor readings and
// trigger events projected from them, the device and zone registry, and
// the automation rule model. Entities are plain structs; persistence
// and wire concerns live in their own packages.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeviceKind classifies the physical device a signal originated from.
type DeviceKind string

const (
	KindUnknown     DeviceKind = "Unknown"
	KindButton      DeviceKind = "Button"
	KindMotion      DeviceKind = "Motion"
	KindContact     DeviceKind = "Contact"
	KindThermometer DeviceKind = "Thermometer"
	KindLight       DeviceKind = "Light"
	KindSwitch      DeviceKind = "Switch"
	KindOutlet      DeviceKind = "Outlet"
)

// EventCategory buckets signals for downstream filtering.
type EventCategory string

const (
	CategoryTelemetry EventCategory = "Telemetry"
	CategoryCommand   EventCategory = "Command"
	CategoryState     EventCategory = "State"
)

// SignalEvent is the normalized form of one accepted broker message.
// It is immutable once persisted and is the causal anchor for every
// derived row and for end-to-end latency tracking.
type SignalEvent struct {
	ID            uuid.UUID
	Timestamp     time.Time
	Source        string
	DeviceID      string
	Capability    string
	EventType     string
	EventSubType  string
	Value         *float64
	RawTopic      string
	RawPayload    json.RawMessage
	DeviceKind    DeviceKind
	EventCategory EventCategory
}

// SensorReading is a single numeric measurement projected from a
// SignalEvent. Metric is a lowercase token (temperature, humidity,
// pressure, illuminance, battery, voltage, linkquality, brightness,
// power, energy). Value carries any unit normalization already applied
// (voltage is stored in volts, not millivolts).
type SensorReading struct {
	ID            uuid.UUID
	SignalEventID uuid.UUID
	Timestamp     time.Time
	DeviceID      string
	Metric        string
	Value         float64
	Unit          string
}

// TriggerEvent is a discrete occurrence projected from a SignalEvent
// (motion detected, button pressed, contact opened). Type and SubType
// together form the fingerprint the automation engine matches on.
type TriggerEvent struct {
	ID            uuid.UUID
	SignalEventID uuid.UUID
	Timestamp     time.Time
	DeviceID      string
	Capability    string
	Type          string
	SubType       string
	Value         *bool
}

// DeviceType is the operator-assigned classification of a device.
type DeviceType string

const (
	DeviceLight   DeviceType = "Light"
	DeviceSwitch  DeviceType = "Switch"
	DeviceSensor  DeviceType = "Sensor"
	DeviceClimate DeviceType = "Climate"
	DeviceLock    DeviceType = "Lock"
	DeviceCover   DeviceType = "Cover"
	DeviceFan     DeviceType = "Fan"
	DeviceOther   DeviceType = "Other"
)

// Device is the registry entry for one physical device. Attributes is
// last-writer-wins per property; Capabilities accumulate idempotently.
// Devices are created on first sight (state sync or pairing) and never
// auto-deleted.
type Device struct {
	DeviceID     string
	FriendlyName string
	DisplayName  string
	IEEEAddress  string
	ModelID      string
	Manufacturer string
	Description  string
	PowerSource  bool
	DeviceType   DeviceType
	ZoneID       *int64
	Capabilities []string
	Attributes   map[string]any
	LastSeen     *time.Time
	IsAvailable  bool
	LinkQuality  *int
}

// Label returns the display name, falling back to the friendly name.
func (d *Device) Label() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.FriendlyName
}

// Zone is a node in the operator-defined location tree. The tree has
// no cycles; a zone can never be its own ancestor.
type Zone struct {
	ID           int64
	Name         string
	ParentZoneID *int64
	Icon         string
	Color        string
	SortOrder    int
}

// Scene is a named snapshot of desired device states: deviceId to a
// map of property to value.
type Scene struct {
	ID           uuid.UUID
	Name         string
	DeviceStates map[string]map[string]any
}
