// Package projection derives sensor readings and trigger events from
// normalized signal events, by capability.
package projection

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/sdhome/sdhome/internal/domain"
)

// Service is stateless; each signal event is projected independently.
type Service struct{}

func New() *Service {
	return &Service{}
}

// Derive produces zero or more sensor readings and at most one trigger
// event from a signal event. All derived entities share the parent's
// signal event ID and timestamp. Field parsing is lenient: missing or
// mistyped payload fields are skipped.
func (s *Service) Derive(ev *domain.SignalEvent) (*domain.TriggerEvent, []domain.SensorReading) {
	var attrs map[string]any
	if err := json.Unmarshal(ev.RawPayload, &attrs); err != nil || attrs == nil {
		return nil, nil
	}

	b := &builder{ev: ev, attrs: attrs}

	switch ev.Capability {
	case "motion":
		value := ev.EventSubType == "active"
		if occupancy, ok := attrs["occupancy"].(bool); ok {
			value = occupancy
		}
		b.trigger("motion", ev.EventSubType, &value)
		b.reading("temperature", "°C", "device_temperature", 1)
		b.reading("illuminance", "lx", "illuminance", 1)
		b.common()

	case "button":
		value := true
		b.trigger("button", ev.EventSubType, &value)
		b.common()

	case "temperature":
		b.reading("temperature", "°C", "temperature", 1)
		b.reading("humidity", "%", "humidity", 1)
		b.reading("pressure", "hPa", "pressure", 1)
		b.common()

	case "contact":
		if contact, ok := attrs["contact"].(bool); ok {
			subType := "open"
			if contact {
				subType = "closed"
			}
			b.trigger("contact", subType, &contact)
		}
		b.common()

	case "state":
		on := ev.EventSubType == "on"
		b.trigger("state", ev.EventSubType, &on)
		b.reading("brightness", "", "brightness", 1)
		b.reading("power", "W", "power", 1)
		b.reading("energy", "kWh", "energy", 1)

	default:
		b.common()
	}

	return b.triggerEvent, b.readings
}

type builder struct {
	ev           *domain.SignalEvent
	attrs        map[string]any
	triggerEvent *domain.TriggerEvent
	readings     []domain.SensorReading
}

func (b *builder) trigger(triggerType, subType string, value *bool) {
	b.triggerEvent = &domain.TriggerEvent{
		ID:            uuid.New(),
		SignalEventID: b.ev.ID,
		Timestamp:     b.ev.Timestamp,
		DeviceID:      b.ev.DeviceID,
		Capability:    b.ev.Capability,
		Type:          triggerType,
		SubType:       subType,
		Value:         value,
	}
}

// reading appends one sensor reading when the payload field is present
// and numeric. scale converts payload units to stored units.
func (b *builder) reading(metric, unit, field string, scale float64) {
	raw, ok := b.attrs[field].(float64)
	if !ok {
		return
	}
	b.readings = append(b.readings, domain.SensorReading{
		ID:            uuid.New(),
		SignalEventID: b.ev.ID,
		Timestamp:     b.ev.Timestamp,
		DeviceID:      b.ev.DeviceID,
		Metric:        metric,
		Value:         raw * scale,
		Unit:          unit,
	})
}

// common covers the health telemetry most devices attach to any
// payload. Voltage arrives in millivolts and is stored in volts.
func (b *builder) common() {
	b.reading("battery", "%", "battery", 1)
	b.reading("linkquality", "", "linkquality", 1)
	b.reading("voltage", "V", "voltage", 0.001)
}
