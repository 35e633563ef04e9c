package signals

import (
	"testing"
	"time"

	"github.com/sdhome/sdhome/internal/domain"
)

func TestMapper_Classification(t *testing.T) {
	m := NewMapper("sdhome")
	now := time.Date(2026, 8, 25, 7, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		topic       string
		payload     string
		capability  string
		eventType   string
		subType     string
		deviceKind  domain.DeviceKind
		category    domain.EventCategory
	}{
		{
			name: "motion active", topic: "sdhome/hallway_motion",
			payload:    `{"occupancy":true,"battery":78}`,
			capability: "motion", eventType: "detection", subType: "active",
			deviceKind: domain.KindMotion, category: domain.CategoryTelemetry,
		},
		{
			name: "motion cleared", topic: "sdhome/hallway_motion",
			payload:    `{"occupancy":false}`,
			capability: "motion", eventType: "detection", subType: "inactive",
			deviceKind: domain.KindMotion, category: domain.CategoryTelemetry,
		},
		{
			name: "button press", topic: "sdhome/remote",
			payload:    `{"action":"double","battery":95}`,
			capability: "button", eventType: "press", subType: "double",
			deviceKind: domain.KindButton, category: domain.CategoryTelemetry,
		},
		{
			name: "contact closed", topic: "sdhome/front_door",
			payload:    `{"contact":true}`,
			capability: "contact", eventType: "contact", subType: "closed",
			deviceKind: domain.KindContact, category: domain.CategoryTelemetry,
		},
		{
			name: "light state", topic: "sdhome/hallway_light",
			payload:    `{"state":"ON","brightness":254}`,
			capability: "state", eventType: "state", subType: "on",
			deviceKind: domain.KindLight, category: domain.CategoryState,
		},
		{
			name: "switch state", topic: "sdhome/outlet",
			payload:    `{"state":"OFF"}`,
			capability: "state", eventType: "state", subType: "off",
			deviceKind: domain.KindSwitch, category: domain.CategoryState,
		},
		{
			name: "thermometer", topic: "sdhome/bedroom_climate",
			payload:    `{"temperature":21.3,"humidity":48}`,
			capability: "temperature", eventType: "measurement", subType: "",
			deviceKind: domain.KindThermometer, category: domain.CategoryTelemetry,
		},
		{
			name: "generic", topic: "sdhome/mystery",
			payload:    `{"custom_field":42}`,
			capability: "generic", eventType: "telemetry", subType: "",
			deviceKind: domain.KindUnknown, category: domain.CategoryTelemetry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := m.Map(tt.topic, []byte(tt.payload), now)
			if ev == nil {
				t.Fatal("Map() returned nil for a device payload")
			}
			if ev.Capability != tt.capability {
				t.Errorf("capability = %q, want %q", ev.Capability, tt.capability)
			}
			if ev.EventType != tt.eventType {
				t.Errorf("eventType = %q, want %q", ev.EventType, tt.eventType)
			}
			if ev.EventSubType != tt.subType {
				t.Errorf("eventSubType = %q, want %q", ev.EventSubType, tt.subType)
			}
			if ev.DeviceKind != tt.deviceKind {
				t.Errorf("deviceKind = %q, want %q", ev.DeviceKind, tt.deviceKind)
			}
			if ev.EventCategory != tt.category {
				t.Errorf("eventCategory = %q, want %q", ev.EventCategory, tt.category)
			}
			if ev.RawTopic != tt.topic || string(ev.RawPayload) != tt.payload {
				t.Error("raw topic/payload must be preserved verbatim")
			}
			if !ev.Timestamp.Equal(now) {
				t.Errorf("timestamp = %v, want %v", ev.Timestamp, now)
			}
		})
	}
}

func TestMapper_TemperatureRepresentativeValue(t *testing.T) {
	m := NewMapper("sdhome")
	ev := m.Map("sdhome/climate", []byte(`{"temperature":19.5}`), time.Now())
	if ev == nil || ev.Value == nil {
		t.Fatal("temperature event should carry a representative value")
	}
	if *ev.Value != 19.5 {
		t.Errorf("value = %v, want 19.5", *ev.Value)
	}
}

func TestMapper_Discards(t *testing.T) {
	m := NewMapper("sdhome")
	now := time.Now()

	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"bridge topic", "sdhome/bridge/event", `{"type":"device_joined"}`},
		{"set echo", "sdhome/hallway_light/set", `{"state":"ON"}`},
		{"get request", "sdhome/hallway_light/get", `{"state":""}`},
		{"availability", "sdhome/hallway_light/availability", `online`},
		{"foreign base", "zigbee2mqtt/device", `{"state":"ON"}`},
		{"non-object payload", "sdhome/device", `42`},
		{"array payload", "sdhome/device", `[1,2]`},
		{"invalid json", "sdhome/device", `{not json`},
		{"null payload", "sdhome/device", `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ev := m.Map(tt.topic, []byte(tt.payload), now); ev != nil {
				t.Errorf("Map(%q) = %+v, want nil", tt.topic, ev)
			}
		})
	}
}
