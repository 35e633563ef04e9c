package signals

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sdhome/sdhome/internal/domain"
	"github.com/sdhome/sdhome/internal/mqtt"
)

// Mapper converts raw broker messages into normalized signal events.
// Classification looks at payload shape, not device registration, so
// unknown devices still produce usable events.
type Mapper struct {
	topics mqtt.Topics
}

func NewMapper(baseTopic string) *Mapper {
	return &Mapper{topics: mqtt.Topics{Base: baseTopic}}
}

// Map normalizes one message. Returns nil for management topics and
// for payloads that are not JSON objects; those are not signals.
func (m *Mapper) Map(topic string, payload []byte, now time.Time) *domain.SignalEvent {
	if m.topics.IsManagement(topic) {
		return nil
	}
	deviceID := m.topics.DeviceID(topic)
	if deviceID == "" {
		return nil
	}

	var attrs map[string]any
	if err := json.Unmarshal(payload, &attrs); err != nil || attrs == nil {
		return nil
	}

	ev := &domain.SignalEvent{
		ID:            uuid.New(),
		Timestamp:     now.UTC(),
		Source:        "mqtt",
		DeviceID:      deviceID,
		RawTopic:      topic,
		RawPayload:    json.RawMessage(payload),
		EventCategory: domain.CategoryTelemetry,
	}
	classify(ev, attrs)
	return ev
}

// classify fills capability, event type/subtype, device kind, and the
// representative numeric value from the payload attributes. Precedence
// matters: a motion sensor reports occupancy alongside ambient
// telemetry and must stay a motion event.
func classify(ev *domain.SignalEvent, attrs map[string]any) {
	if occupancy, ok := boolField(attrs, "occupancy"); ok {
		ev.Capability = "motion"
		ev.EventType = "detection"
		ev.DeviceKind = domain.KindMotion
		if occupancy {
			ev.EventSubType = "active"
		} else {
			ev.EventSubType = "inactive"
		}
		return
	}

	if action, ok := stringField(attrs, "action"); ok && action != "" {
		ev.Capability = "button"
		ev.EventType = "press"
		ev.EventSubType = action
		ev.DeviceKind = domain.KindButton
		return
	}

	if contact, ok := boolField(attrs, "contact"); ok {
		ev.Capability = "contact"
		ev.EventType = "contact"
		ev.DeviceKind = domain.KindContact
		if contact {
			ev.EventSubType = "closed"
		} else {
			ev.EventSubType = "open"
		}
		return
	}

	if state, ok := stringField(attrs, "state"); ok && (state == "ON" || state == "OFF") {
		ev.Capability = "state"
		ev.EventType = "state"
		ev.EventSubType = map[string]string{"ON": "on", "OFF": "off"}[state]
		ev.EventCategory = domain.CategoryState
		if _, hasBrightness := attrs["brightness"]; hasBrightness {
			ev.DeviceKind = domain.KindLight
		} else {
			ev.DeviceKind = domain.KindSwitch
		}
		return
	}

	if temp, ok := numberField(attrs, "temperature"); ok {
		ev.Capability = "temperature"
		ev.EventType = "measurement"
		ev.DeviceKind = domain.KindThermometer
		ev.Value = &temp
		return
	}

	ev.Capability = "generic"
	ev.EventType = "telemetry"
	ev.DeviceKind = domain.KindUnknown
}

func boolField(attrs map[string]any, key string) (bool, bool) {
	v, ok := attrs[key].(bool)
	return v, ok
}

func stringField(attrs map[string]any, key string) (string, bool) {
	v, ok := attrs[key].(string)
	return v, ok
}

func numberField(attrs map[string]any, key string) (float64, bool) {
	v, ok := attrs[key].(float64)
	return v, ok
}
