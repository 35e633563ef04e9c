package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Operator is a comparison operator usable in triggers and conditions.
type Operator string

const (
	OpEquals             Operator = "Equals"
	OpNotEquals          Operator = "NotEquals"
	OpGreaterThan        Operator = "GreaterThan"
	OpGreaterThanOrEqual Operator = "GreaterThanOrEqual"
	OpLessThan           Operator = "LessThan"
	OpLessThanOrEqual    Operator = "LessThanOrEqual"
	OpBetween            Operator = "Between"
	OpContains           Operator = "Contains"
	OpStartsWith         Operator = "StartsWith"
	OpEndsWith           Operator = "EndsWith"
	OpChangesTo          Operator = "ChangesTo"
	OpChangesFrom        Operator = "ChangesFrom"
	OpAnyChange          Operator = "AnyChange"
)

// TriggerType identifies what kind of stimulus starts rule evaluation.
type TriggerType string

const (
	TriggerDeviceState     TriggerType = "DeviceState"
	TriggerTime            TriggerType = "Time"
	TriggerSunrise         TriggerType = "Sunrise"
	TriggerSunset          TriggerType = "Sunset"
	TriggerSensorThreshold TriggerType = "SensorThreshold"
	TriggerManual          TriggerType = "Manual"
	TriggerTriggerEvent    TriggerType = "TriggerEvent"
	TriggerSensorReading   TriggerType = "SensorReading"
)

// ConditionType identifies what ambient state a condition inspects.
type ConditionType string

const (
	ConditionDeviceState ConditionType = "DeviceState"
	ConditionTimeRange   ConditionType = "TimeRange"
	ConditionDayOfWeek   ConditionType = "DayOfWeek"
	ConditionSunPosition ConditionType = "SunPosition"
	ConditionAnd         ConditionType = "And"
	ConditionOr          ConditionType = "Or"
)

// ActionType identifies a rule side effect.
type ActionType string

const (
	ActionSetDeviceState ActionType = "SetDeviceState"
	ActionToggleDevice   ActionType = "ToggleDevice"
	ActionDelay          ActionType = "Delay"
	ActionWebhook        ActionType = "Webhook"
	ActionNotification   ActionType = "Notification"
	ActionActivateScene  ActionType = "ActivateScene"
	ActionRunAutomation  ActionType = "RunAutomation"
)

// TriggerMode controls how multiple matching triggers combine.
type TriggerMode string

const (
	TriggerAny TriggerMode = "Any"
	TriggerAll TriggerMode = "All"
)

// ConditionMode controls how top-level conditions combine.
type ConditionMode string

const (
	ConditionAllMode ConditionMode = "All"
	ConditionAnyMode ConditionMode = "Any"
)

// ExecutionStatus is the aggregate outcome of one rule evaluation that
// passed trigger matching.
type ExecutionStatus string

const (
	StatusSuccess          ExecutionStatus = "Success"
	StatusPartialFailure   ExecutionStatus = "PartialFailure"
	StatusFailure          ExecutionStatus = "Failure"
	StatusSkippedCooldown  ExecutionStatus = "SkippedCooldown"
	StatusSkippedCondition ExecutionStatus = "SkippedCondition"
)

// AutomationRule is a user-defined automation: ordered triggers start
// evaluation, ordered conditions gate execution, ordered actions run on
// execution. A rule with no triggers never fires automatically.
type AutomationRule struct {
	ID              uuid.UUID
	Name            string
	IsEnabled       bool
	TriggerMode     TriggerMode
	ConditionMode   ConditionMode
	CooldownSeconds int
	LastTriggeredAt *time.Time
	ExecutionCount  int64
	Triggers        []AutomationTrigger
	Conditions      []AutomationCondition
	Actions         []AutomationAction
}

// AutomationTrigger describes one stimulus the rule reacts to. Exactly
// one modality group is populated per Type: device/property/operator/
// value for state-shaped triggers, TimeExpression for Time, SunEvent
// and OffsetMinutes for sun triggers.
type AutomationTrigger struct {
	ID             uuid.UUID
	RuleID         uuid.UUID
	Type           TriggerType
	DeviceID       string
	Property       string
	Operator       Operator
	Value          json.RawMessage
	TimeExpression string
	SunEvent       string
	OffsetMinutes  int
	SortOrder      int
}

// AutomationCondition is evaluated against ambient state, not the
// stimulus. And/Or composites carry nested children.
type AutomationCondition struct {
	ID         uuid.UUID
	RuleID     uuid.UUID
	Type       ConditionType
	DeviceID   string
	Property   string
	Operator   Operator
	Value      json.RawMessage
	Value2     json.RawMessage
	TimeStart  string
	TimeEnd    string
	DaysOfWeek []time.Weekday
	Children   []AutomationCondition
	SortOrder  int
}

// AutomationAction is one side effect of a firing rule. Actions run in
// SortOrder; a failing action does not abort the rest.
type AutomationAction struct {
	ID                  uuid.UUID
	RuleID              uuid.UUID
	Type                ActionType
	DeviceID            string
	Property            string
	Value               json.RawMessage
	DelaySeconds        int
	WebhookURL          string
	WebhookMethod       string
	WebhookBody         string
	NotificationTitle   string
	NotificationMessage string
	SceneID             *uuid.UUID
	SortOrder           int
}

// ActionResult records one action's outcome within an execution.
type ActionResult struct {
	ActionID   uuid.UUID `json:"action_id"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// ExecutionLog is the append-only record of one evaluation attempt
// that passed the trigger stage.
type ExecutionLog struct {
	ID            uuid.UUID
	RuleID        uuid.UUID
	ExecutedAt    time.Time
	Status        ExecutionStatus
	TriggerSource json.RawMessage
	ActionResults []ActionResult
	DurationMs    int64
	ErrorMessage  string
}
