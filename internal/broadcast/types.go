// Package broadcast defines the one-way push port between the event
// pipeline and the UI layer, plus the non-blocking bus that implements
// it. Components publish into the bus and never hear back; the
// WebSocket handler (internal/web) is a subscriber. The bus must never
// call back into its producers.
package broadcast

import (
	"time"

	"github.com/sdhome/sdhome/internal/domain"
)

// Kind constants describe the payload type of a bus event.
const (
	KindSignalEvent     = "signal_event"
	KindSensorReading   = "sensor_reading"
	KindTriggerEvent    = "trigger_event"
	KindDeviceState     = "device_state"
	KindAutomationLog   = "automation_log"
	KindTimeline        = "pipeline_timeline"
	KindSyncProgress    = "device_sync_progress"
	KindPairingProgress = "device_pairing_progress"
)

// Event is one bus message: a kind tag plus its payload.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	Payload   any       `json:"payload"`
}

// Broadcaster is the port the pipeline pushes through. All methods are
// fire-and-forget: failures are logged by the implementation and never
// propagate back to the event path.
type Broadcaster interface {
	BroadcastSignalEvent(ev domain.SignalEvent)
	BroadcastSensorReading(r domain.SensorReading)
	BroadcastTriggerEvent(te domain.TriggerEvent)
	BroadcastDeviceStateUpdate(u DeviceStateUpdate)
	BroadcastAutomationLog(entry AutomationLogEntry)
	BroadcastPipelineTimeline(tl PipelineTimeline)
	BroadcastDeviceSyncProgress(p DeviceSyncProgress)
	BroadcastDevicePairingProgress(p DevicePairingProgress)
}

// DeviceStateUpdate reports one changed device property.
type DeviceStateUpdate struct {
	DeviceID  string    `json:"device_id"`
	Property  string    `json:"property"`
	OldValue  any       `json:"old_value,omitempty"`
	NewValue  any       `json:"new_value"`
	Timestamp time.Time `json:"timestamp"`
}

// Log phase constants for AutomationLogEntry.
const (
	PhaseTriggerMatched     = "TriggerMatched"
	PhaseTriggerSkipped     = "TriggerSkipped"
	PhaseCooldownActive     = "CooldownActive"
	PhaseConditionEvaluating = "ConditionEvaluating"
	PhaseConditionPassed    = "ConditionPassed"
	PhaseConditionFailed    = "ConditionFailed"
	PhaseActionExecuting    = "ActionExecuting"
	PhaseActionCompleted    = "ActionCompleted"
	PhaseActionFailed       = "ActionFailed"
	PhaseExecutionCompleted = "ExecutionCompleted"
	PhaseExecutionFailed    = "ExecutionFailed"
)

// Log level constants for AutomationLogEntry.
const (
	LevelDebug   = "Debug"
	LevelInfo    = "Info"
	LevelWarning = "Warning"
	LevelSuccess = "Success"
	LevelError   = "Error"
)

// AutomationLogEntry is one live-log line emitted by the automation
// engine during rule evaluation, for UI consumption.
type AutomationLogEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	RuleID     string         `json:"rule_id,omitempty"`
	RuleName   string         `json:"rule_name,omitempty"`
	Phase      string         `json:"phase"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	DurationMs *float64       `json:"duration_ms,omitempty"`
}

// Stage category constants for TimelineStage.
const (
	StageSignal     = "signal"
	StageDatabase   = "db"
	StageBroadcast  = "broadcast"
	StageAutomation = "automation"
	StageMQTT       = "mqtt"
	StageZigbee     = "zigbee"
)

// TimelineStage is one measured segment of an end-to-end timeline.
type TimelineStage struct {
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	DurationMs float64 `json:"duration_ms"`
}

// PipelineTimeline is the completed causal chain from an inbound signal
// through automation to (optionally) the target device's confirmation.
type PipelineTimeline struct {
	TrackingID      string          `json:"tracking_id"`
	TriggerDeviceID string          `json:"trigger_device_id"`
	TargetDeviceID  string          `json:"target_device_id,omitempty"`
	RuleName        string          `json:"rule_name,omitempty"`
	Stages          []TimelineStage `json:"stages"`
	TotalMs         float64         `json:"total_ms"`
	TimedOut        bool            `json:"timed_out,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     time.Time       `json:"completed_at"`
}

// PipelineSnapshot records elapsed times for the parse, persist, and
// broadcast stages of one signal. It rides along into the automation
// engine and the latency tracker for end-to-end accounting.
type PipelineSnapshot struct {
	ParseMs     float64 `json:"parse_ms"`
	DatabaseMs  float64 `json:"db_ms"`
	BroadcastMs float64 `json:"broadcast_ms"`
}

// DeviceSyncProgress reports state-sync activity for one device.
type DeviceSyncProgress struct {
	DeviceID    string    `json:"device_id"`
	Changed     []string  `json:"changed,omitempty"`
	LinkQuality *int      `json:"link_quality,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Pairing status constants for DevicePairingProgress.
const (
	PairingStarting      = "Starting"
	PairingActive        = "Active"
	PairingInterviewing  = "Interviewing"
	PairingDevicePaired  = "DevicePaired"
	PairingCountdownTick = "CountdownTick"
	PairingStopping      = "Stopping"
	PairingEnded         = "Ended"
	PairingFailed        = "Failed"
)

// Discovered-device status constants.
const (
	DiscoveredJoined       = "Joined"
	DiscoveredInterviewing = "Interviewing"
	DiscoveredReady        = "Ready"
	DiscoveredFailed       = "Failed"
)

// DiscoveredDevice is one device seen during a pairing window.
type DiscoveredDevice struct {
	IEEEAddress  string `json:"ieee_address"`
	FriendlyName string `json:"friendly_name,omitempty"`
	ModelID      string `json:"model_id,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Status       string `json:"status"`
}

// DevicePairingProgress is one snapshot of the pairing state machine.
// DiscoveredDevices accumulates for the duration of the window.
type DevicePairingProgress struct {
	ID                string             `json:"id"`
	Status            string             `json:"status"`
	Message           string             `json:"message,omitempty"`
	RemainingSeconds  int                `json:"remaining_seconds"`
	TotalSeconds      int                `json:"total_seconds"`
	CurrentDevice     *DiscoveredDevice  `json:"current_device,omitempty"`
	DiscoveredDevices []DiscoveredDevice `json:"discovered_devices,omitempty"`
	Timestamp         time.Time          `json:"timestamp"`
}
