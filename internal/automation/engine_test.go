package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sdhome/sdhome/internal/broadcast"
	"github.com/sdhome/sdhome/internal/domain"
	"github.com/sdhome/sdhome/internal/metrics"
	"github.com/sdhome/sdhome/internal/store"
)

type command struct {
	deviceID string
	property string
	value    any
}

type fakePublisher struct {
	mu       sync.Mutex
	commands []command
	err      error
}

func (f *fakePublisher) SetDeviceProperty(_ context.Context, deviceID, property string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.commands = append(f.commands, command{deviceID, property, value})
	return nil
}

func (f *fakePublisher) all() []command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]command(nil), f.commands...)
}

type trackerCall struct {
	method string
	target string
}

type fakeTracker struct {
	mu    sync.Mutex
	calls []trackerCall
}

func (f *fakeTracker) StartTracking(triggerDeviceID, ruleName, targetDeviceID string, _ broadcast.PipelineSnapshot) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, trackerCall{method: "start", target: triggerDeviceID})
	return "tid-1"
}

func (f *fakeTracker) RecordAutomationLookup(string, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, trackerCall{method: "lookup"})
}

func (f *fakeTracker) RecordActionExecution(_ string, _ float64, target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, trackerCall{method: "action", target: target})
}

func (f *fakeTracker) Discard(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, trackerCall{method: "discard"})
}

func (f *fakeTracker) byMethod(method string) []trackerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []trackerCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

type testEngine struct {
	engine    *Engine
	store     *store.Store
	publisher *fakePublisher
	tracker   *fakeTracker
	clock     *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "automation.db"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	pub := &fakePublisher{}
	tr := &fakeTracker{}
	clock := &fakeClock{t: time.Date(2026, 8, 25, 12, 0, 0, 0, time.Local)}
	e := NewEngine(st, pub, broadcast.NewBus(), tr, metrics.New(), slog.Default())
	e.now = clock.now
	return &testEngine{engine: e, store: st, publisher: pub, tracker: tr, clock: clock}
}

func motionRule(t *testing.T, st *store.Store, cooldownSeconds int) *domain.AutomationRule {
	t.Helper()
	rule := &domain.AutomationRule{
		Name:            "Motion light",
		IsEnabled:       true,
		TriggerMode:     domain.TriggerAny,
		ConditionMode:   domain.ConditionAllMode,
		CooldownSeconds: cooldownSeconds,
		Triggers: []domain.AutomationTrigger{{
			Type:     domain.TriggerDeviceState,
			DeviceID: "hallway_motion",
			Property: "occupancy",
			Operator: domain.OpChangesTo,
			Value:    json.RawMessage(`true`),
		}},
		Actions: []domain.AutomationAction{{
			Type:     domain.ActionSetDeviceState,
			DeviceID: "hallway_light",
			Property: "state",
			Value:    json.RawMessage(`"ON"`),
		}},
	}
	if err := st.CreateRule(rule); err != nil {
		t.Fatal(err)
	}
	return rule
}

func TestEngine_MotionTurnsOnLight(t *testing.T) {
	te := newTestEngine(t)
	rule := motionRule(t, te.store, 60)

	te.engine.ProcessDeviceState("hallway_motion",
		[]byte(`{"occupancy":true,"battery":78,"linkquality":200}`),
		broadcast.PipelineSnapshot{ParseMs: 1})

	commands := te.publisher.all()
	if len(commands) != 1 {
		t.Fatalf("got %d commands, want 1: %+v", len(commands), commands)
	}
	if commands[0].deviceID != "hallway_light" || commands[0].property != "state" || commands[0].value != "ON" {
		t.Errorf("command = %+v, want hallway_light state ON", commands[0])
	}

	logs, err := te.store.ListExecutionLogs(rule.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].Status != domain.StatusSuccess {
		t.Fatalf("logs = %+v, want one Success", logs)
	}
	if len(logs[0].ActionResults) != 1 || !logs[0].ActionResults[0].Success {
		t.Errorf("action results = %+v", logs[0].ActionResults)
	}

	updated, err := te.store.GetRule(rule.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.ExecutionCount != 1 {
		t.Errorf("ExecutionCount = %d, want 1", updated.ExecutionCount)
	}

	if starts := te.tracker.byMethod("start"); len(starts) != 1 || starts[0].target != "hallway_motion" {
		t.Errorf("tracker starts = %+v", starts)
	}
	if actions := te.tracker.byMethod("action"); len(actions) != 1 || actions[0].target != "hallway_light" {
		t.Errorf("tracker action records = %+v", actions)
	}
}

func TestEngine_CooldownSkipsAndRecovers(t *testing.T) {
	te := newTestEngine(t)
	rule := motionRule(t, te.store, 60)
	payload := []byte(`{"occupancy":true}`)

	te.engine.ProcessDeviceState("hallway_motion", payload, broadcast.PipelineSnapshot{})
	te.clock.advance(30 * time.Second)
	te.engine.ProcessDeviceState("hallway_motion", payload, broadcast.PipelineSnapshot{})

	if got := len(te.publisher.all()); got != 1 {
		t.Fatalf("got %d commands, want 1 (second fire inside cooldown)", got)
	}
	logs, err := te.store.ListExecutionLogs(rule.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("got %d log rows, want 2 (Success + SkippedCooldown)", len(logs))
	}
	statuses := map[domain.ExecutionStatus]int{}
	for _, l := range logs {
		statuses[l.Status]++
	}
	if statuses[domain.StatusSuccess] != 1 || statuses[domain.StatusSkippedCooldown] != 1 {
		t.Errorf("statuses = %v", statuses)
	}

	// Once the cooldown lapses the rule fires again.
	te.clock.advance(31 * time.Second)
	te.engine.ProcessDeviceState("hallway_motion", payload, broadcast.PipelineSnapshot{})
	if got := len(te.publisher.all()); got != 2 {
		t.Errorf("got %d commands after cooldown lapse, want 2", got)
	}
}

func TestEngine_ButtonTogglesCachedState(t *testing.T) {
	te := newTestEngine(t)
	rule := &domain.AutomationRule{
		Name:          "Kitchen toggle",
		IsEnabled:     true,
		TriggerMode:   domain.TriggerAny,
		ConditionMode: domain.ConditionAllMode,
		Triggers: []domain.AutomationTrigger{{
			Type:     domain.TriggerTriggerEvent,
			DeviceID: "kitchen_button",
			Property: "button",
			Value:    json.RawMessage(`"double"`),
		}},
		Actions: []domain.AutomationAction{{
			Type:     domain.ActionToggleDevice,
			DeviceID: "kitchen_light",
			Property: "state",
		}},
	}
	if err := te.store.CreateRule(rule); err != nil {
		t.Fatal(err)
	}

	// Seed the cache with the light reporting ON.
	te.engine.ProcessDeviceState("kitchen_light", []byte(`{"state":"ON"}`), broadcast.PipelineSnapshot{})

	te.engine.ProcessTriggerEvent(domain.TriggerEvent{
		DeviceID: "kitchen_button", Type: "button", SubType: "double",
	}, broadcast.PipelineSnapshot{})

	commands := te.publisher.all()
	if len(commands) != 1 {
		t.Fatalf("commands = %+v, want one", commands)
	}
	if commands[0].value != "OFF" {
		t.Errorf("toggle sent %v, want OFF (cached ON)", commands[0].value)
	}

	// A single press does not match the double-press fingerprint.
	te.engine.ProcessTriggerEvent(domain.TriggerEvent{
		DeviceID: "kitchen_button", Type: "button", SubType: "single",
	}, broadcast.PipelineSnapshot{})
	if got := len(te.publisher.all()); got != 1 {
		t.Errorf("single press fired the rule: %d commands", got)
	}
}

func TestEngine_ToggleDefaultsToOn(t *testing.T) {
	te := newTestEngine(t)
	rule := &domain.AutomationRule{
		Name: "Cold toggle", IsEnabled: true,
		TriggerMode: domain.TriggerAny, ConditionMode: domain.ConditionAllMode,
		Triggers: []domain.AutomationTrigger{{
			Type: domain.TriggerTriggerEvent, DeviceID: "button",
		}},
		Actions: []domain.AutomationAction{{
			Type: domain.ActionToggleDevice, DeviceID: "lamp", Property: "state",
		}},
	}
	if err := te.store.CreateRule(rule); err != nil {
		t.Fatal(err)
	}

	te.engine.ProcessTriggerEvent(domain.TriggerEvent{
		DeviceID: "button", Type: "button", SubType: "single",
	}, broadcast.PipelineSnapshot{})

	commands := te.publisher.all()
	if len(commands) != 1 || commands[0].value != "ON" {
		t.Errorf("commands = %+v, want lamp ON by default", commands)
	}
}

func TestEngine_TimeTriggerWithDayOfWeek(t *testing.T) {
	te := newTestEngine(t)
	scene := &domain.Scene{
		Name: "Morning",
		DeviceStates: map[string]map[string]any{
			"kitchen_light": {"state": "ON", "brightness": float64(254)},
			"hallway_light": {"state": "ON"},
		},
	}
	if err := te.store.CreateScene(scene); err != nil {
		t.Fatal(err)
	}
	rule := &domain.AutomationRule{
		Name: "Weekday morning", IsEnabled: true,
		TriggerMode: domain.TriggerAny, ConditionMode: domain.ConditionAllMode,
		Triggers: []domain.AutomationTrigger{{
			Type:           domain.TriggerTime,
			TimeExpression: "07:00",
		}},
		Conditions: []domain.AutomationCondition{{
			Type: domain.ConditionDayOfWeek,
			DaysOfWeek: []time.Weekday{
				time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
			},
		}},
		Actions: []domain.AutomationAction{{
			Type:    domain.ActionActivateScene,
			SceneID: &scene.ID,
		}},
	}
	if err := te.store.CreateRule(rule); err != nil {
		t.Fatal(err)
	}

	// Saturday 07:00:15: trigger matches, condition blocks.
	te.clock.set(time.Date(2026, 8, 29, 7, 0, 15, 0, time.Local))
	te.engine.processTimeTick()
	if got := len(te.publisher.all()); got != 0 {
		t.Fatalf("rule fired on Saturday: %d commands", got)
	}

	// Tuesday 07:00:15: the scene fans out to every device pair.
	te.clock.set(time.Date(2026, 9, 1, 7, 0, 15, 0, time.Local))
	te.engine.processTimeTick()
	commands := te.publisher.all()
	if len(commands) != 3 {
		t.Fatalf("got %d commands, want 3 scene pairs: %+v", len(commands), commands)
	}

	// The same minute must not fire twice even if the tick repeats.
	te.clock.advance(20 * time.Second)
	te.engine.processTimeTick()
	if got := len(te.publisher.all()); got != 3 {
		t.Errorf("minute fired twice: %d commands", got)
	}
}

func TestEngine_TimeTriggerAtMidnight(t *testing.T) {
	te := newTestEngine(t)
	rule := &domain.AutomationRule{
		Name: "Midnight", IsEnabled: true,
		TriggerMode: domain.TriggerAny, ConditionMode: domain.ConditionAllMode,
		Triggers: []domain.AutomationTrigger{{
			Type: domain.TriggerTime, TimeExpression: "00:00",
		}},
		Actions: []domain.AutomationAction{{
			Type: domain.ActionSetDeviceState, DeviceID: "lamp",
			Property: "state", Value: json.RawMessage(`"OFF"`),
		}},
	}
	if err := te.store.CreateRule(rule); err != nil {
		t.Fatal(err)
	}

	// 23:59:45 is within one tick of the next day's 00:00.
	te.clock.set(time.Date(2026, 8, 25, 23, 59, 45, 0, time.Local))
	te.engine.processTimeTick()
	if got := len(te.publisher.all()); got != 1 {
		t.Errorf("midnight trigger before the hour: %d commands, want 1", got)
	}
}

func TestEngine_TimeRangeOvernight(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"before midnight", time.Date(2026, 8, 25, 23, 30, 0, 0, time.Local), true},
		{"after midnight", time.Date(2026, 8, 26, 5, 30, 0, 0, time.Local), true},
		{"midday", time.Date(2026, 8, 25, 12, 0, 0, 0, time.Local), false},
		{"at start", time.Date(2026, 8, 25, 22, 0, 0, 0, time.Local), true},
		{"at end", time.Date(2026, 8, 26, 6, 0, 0, 0, time.Local), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := timeInRange("22:00", "06:00", tt.now); got != tt.want {
				t.Errorf("timeInRange(22:00, 06:00, %v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestEngine_SensorThreshold(t *testing.T) {
	te := newTestEngine(t)
	rule := &domain.AutomationRule{
		Name: "Too warm", IsEnabled: true,
		TriggerMode: domain.TriggerAny, ConditionMode: domain.ConditionAllMode,
		Triggers: []domain.AutomationTrigger{{
			Type:     domain.TriggerSensorReading,
			DeviceID: "climate",
			Property: "temperature",
			Operator: domain.OpGreaterThan,
			Value:    json.RawMessage(`25`),
		}},
		Actions: []domain.AutomationAction{{
			Type: domain.ActionSetDeviceState, DeviceID: "fan",
			Property: "state", Value: json.RawMessage(`"ON"`),
		}},
	}
	if err := te.store.CreateRule(rule); err != nil {
		t.Fatal(err)
	}

	te.engine.ProcessSensorReading(domain.SensorReading{
		DeviceID: "climate", Metric: "temperature", Value: 24.0,
	}, broadcast.PipelineSnapshot{})
	if got := len(te.publisher.all()); got != 0 {
		t.Fatalf("fired below threshold: %d commands", got)
	}

	te.engine.ProcessSensorReading(domain.SensorReading{
		DeviceID: "climate", Metric: "temperature", Value: 26.5,
	}, broadcast.PipelineSnapshot{})
	if got := len(te.publisher.all()); got != 1 {
		t.Errorf("got %d commands above threshold, want 1", got)
	}
}

func TestEngine_SensorAnyChangeNeedsHistory(t *testing.T) {
	te := newTestEngine(t)
	rule := &domain.AutomationRule{
		Name: "Humidity watch", IsEnabled: true,
		TriggerMode: domain.TriggerAny, ConditionMode: domain.ConditionAllMode,
		Triggers: []domain.AutomationTrigger{{
			Type:     domain.TriggerSensorReading,
			DeviceID: "climate",
			Property: "humidity",
			Operator: domain.OpAnyChange,
		}},
		Actions: []domain.AutomationAction{{
			Type: domain.ActionNotification, NotificationTitle: "humidity",
		}},
	}
	if err := te.store.CreateRule(rule); err != nil {
		t.Fatal(err)
	}

	reading := func(v float64) domain.SensorReading {
		return domain.SensorReading{DeviceID: "climate", Metric: "humidity", Value: v}
	}

	// First reading has no history and must not fire.
	te.engine.ProcessSensorReading(reading(50), broadcast.PipelineSnapshot{})
	logs, _ := te.store.ListExecutionLogs(rule.ID, 10)
	if len(logs) != 0 {
		t.Fatalf("fired without history: %+v", logs)
	}

	// An identical re-report is not a change.
	te.engine.ProcessSensorReading(reading(50), broadcast.PipelineSnapshot{})
	logs, _ = te.store.ListExecutionLogs(rule.ID, 10)
	if len(logs) != 0 {
		t.Fatalf("fired on identical value: %+v", logs)
	}

	te.engine.ProcessSensorReading(reading(51), broadcast.PipelineSnapshot{})
	logs, _ = te.store.ListExecutionLogs(rule.ID, 10)
	if len(logs) != 1 || logs[0].Status != domain.StatusSuccess {
		t.Errorf("logs = %+v, want one Success after a real change", logs)
	}
}

func TestEngine_DeviceStateConditionBlocksRule(t *testing.T) {
	te := newTestEngine(t)
	rule := motionRule(t, te.store, 0)
	rule.Conditions = []domain.AutomationCondition{{
		Type:     domain.ConditionDeviceState,
		DeviceID: "hallway_light",
		Property: "state",
		Operator: domain.OpEquals,
		Value:    json.RawMessage(`"OFF"`),
	}}
	if err := te.store.UpdateRule(rule); err != nil {
		t.Fatal(err)
	}

	// Light already ON: the guard condition fails.
	te.engine.ProcessDeviceState("hallway_light", []byte(`{"state":"ON"}`), broadcast.PipelineSnapshot{})
	te.engine.ProcessDeviceState("hallway_motion", []byte(`{"occupancy":true}`), broadcast.PipelineSnapshot{})
	if got := len(te.publisher.all()); got != 0 {
		t.Fatalf("fired with failing condition: %d commands", got)
	}
	logs, _ := te.store.ListExecutionLogs(rule.ID, 10)
	if len(logs) != 1 || logs[0].Status != domain.StatusSkippedCondition {
		t.Fatalf("logs = %+v, want one SkippedCondition", logs)
	}

	// Condition skips must not arm the cooldown.
	te.engine.ProcessDeviceState("hallway_light", []byte(`{"state":"OFF"}`), broadcast.PipelineSnapshot{})
	te.engine.ProcessDeviceState("hallway_motion", []byte(`{"occupancy":true}`), broadcast.PipelineSnapshot{})
	if got := len(te.publisher.all()); got != 1 {
		t.Errorf("got %d commands after condition clears, want 1", got)
	}
}

func TestEngine_PartialFailureStatus(t *testing.T) {
	te := newTestEngine(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	rule := &domain.AutomationRule{
		Name: "Mixed", IsEnabled: true,
		TriggerMode: domain.TriggerAny, ConditionMode: domain.ConditionAllMode,
		Triggers: []domain.AutomationTrigger{{
			Type: domain.TriggerTriggerEvent, DeviceID: "button",
		}},
		Actions: []domain.AutomationAction{
			{
				Type: domain.ActionSetDeviceState, DeviceID: "lamp",
				Property: "state", Value: json.RawMessage(`"ON"`), SortOrder: 0,
			},
			{
				Type: domain.ActionWebhook, WebhookURL: server.URL,
				WebhookMethod: http.MethodPost, WebhookBody: `{"k":"v"}`, SortOrder: 1,
			},
		},
	}
	if err := te.store.CreateRule(rule); err != nil {
		t.Fatal(err)
	}

	te.engine.ProcessTriggerEvent(domain.TriggerEvent{
		DeviceID: "button", Type: "button", SubType: "single",
	}, broadcast.PipelineSnapshot{})

	logs, err := te.store.ListExecutionLogs(rule.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].Status != domain.StatusPartialFailure {
		t.Fatalf("logs = %+v, want one PartialFailure", logs)
	}
	if len(logs[0].ActionResults) != 2 {
		t.Fatalf("action results = %+v, want 2", logs[0].ActionResults)
	}
	if !logs[0].ActionResults[0].Success || logs[0].ActionResults[1].Success {
		t.Errorf("results = %+v, want first success then failure", logs[0].ActionResults)
	}
}

func TestEngine_WebhookSuccess(t *testing.T) {
	te := newTestEngine(t)
	var gotMethod, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	rule := &domain.AutomationRule{
		Name: "Webhook", IsEnabled: true,
		TriggerMode: domain.TriggerAny, ConditionMode: domain.ConditionAllMode,
		Triggers: []domain.AutomationTrigger{{
			Type: domain.TriggerTriggerEvent, DeviceID: "button",
		}},
		Actions: []domain.AutomationAction{{
			Type: domain.ActionWebhook, WebhookURL: server.URL, WebhookBody: `{"event":"pressed"}`,
		}},
	}
	if err := te.store.CreateRule(rule); err != nil {
		t.Fatal(err)
	}

	te.engine.ProcessTriggerEvent(domain.TriggerEvent{
		DeviceID: "button", Type: "button", SubType: "single",
	}, broadcast.PipelineSnapshot{})

	logs, _ := te.store.ListExecutionLogs(rule.ID, 10)
	if len(logs) != 1 || logs[0].Status != domain.StatusSuccess {
		t.Fatalf("logs = %+v, want Success", logs)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST default", gotMethod)
	}
	if gotBody != `{"event":"pressed"}` {
		t.Errorf("body = %q", gotBody)
	}
}

func TestEngine_DisabledRuleNeverLogs(t *testing.T) {
	te := newTestEngine(t)
	rule := motionRule(t, te.store, 0)
	if err := te.store.SetRuleEnabled(rule.ID, false); err != nil {
		t.Fatal(err)
	}

	te.engine.ProcessDeviceState("hallway_motion", []byte(`{"occupancy":true}`), broadcast.PipelineSnapshot{})

	if got := len(te.publisher.all()); got != 0 {
		t.Errorf("disabled rule published %d commands", got)
	}
	logs, _ := te.store.ListExecutionLogs(rule.ID, 10)
	if len(logs) != 0 {
		t.Errorf("disabled rule wrote logs: %+v", logs)
	}
}

func TestEngine_WarmCachesSeedsToggle(t *testing.T) {
	te := newTestEngine(t)

	// A persisted state report from an hour ago.
	ev := &domain.SignalEvent{
		ID:            uuid.New(),
		Timestamp:     te.clock.now().Add(-time.Hour),
		Source:        "mqtt",
		DeviceID:      "lamp",
		Capability:    "state",
		EventType:     "state",
		EventSubType:  "on",
		RawTopic:      "sdhome/lamp",
		RawPayload:    json.RawMessage(`{"state":"ON","brightness":200}`),
		DeviceKind:    domain.KindLight,
		EventCategory: domain.CategoryState,
	}
	if err := te.store.InsertSignalEvent(ev); err != nil {
		t.Fatal(err)
	}
	if err := te.engine.WarmCaches(); err != nil {
		t.Fatalf("WarmCaches() error = %v", err)
	}

	rule := &domain.AutomationRule{
		Name: "Toggle warm", IsEnabled: true,
		TriggerMode: domain.TriggerAny, ConditionMode: domain.ConditionAllMode,
		Triggers: []domain.AutomationTrigger{{
			Type: domain.TriggerTriggerEvent, DeviceID: "button",
		}},
		Actions: []domain.AutomationAction{{
			Type: domain.ActionToggleDevice, DeviceID: "lamp", Property: "state",
		}},
	}
	if err := te.store.CreateRule(rule); err != nil {
		t.Fatal(err)
	}

	te.engine.ProcessTriggerEvent(domain.TriggerEvent{
		DeviceID: "button", Type: "button", SubType: "single",
	}, broadcast.PipelineSnapshot{})

	commands := te.publisher.all()
	if len(commands) != 1 || commands[0].value != "OFF" {
		t.Errorf("commands = %+v, want OFF from warmed ON cache", commands)
	}
}

func TestEngine_SkippedEvaluationsOpenNoTimelines(t *testing.T) {
	te := newTestEngine(t)
	motionRule(t, te.store, 60)
	payload := []byte(`{"occupancy":true}`)

	te.engine.ProcessDeviceState("hallway_motion", payload, broadcast.PipelineSnapshot{})
	te.clock.advance(10 * time.Second)
	te.engine.ProcessDeviceState("hallway_motion", payload, broadcast.PipelineSnapshot{})
	te.clock.advance(10 * time.Second)
	te.engine.ProcessDeviceState("hallway_motion", payload, broadcast.PipelineSnapshot{})

	// Only the execution that actually ran may hold tracker state; the
	// two cooldown skips must leave nothing behind.
	if starts := te.tracker.byMethod("start"); len(starts) != 1 {
		t.Errorf("tracker starts = %d, want 1 (skips must not open timelines)", len(starts))
	}
}

func TestEngine_TimelineDiscardedWithoutTargetDevice(t *testing.T) {
	te := newTestEngine(t)
	rule := &domain.AutomationRule{
		Name: "Notify only", IsEnabled: true,
		TriggerMode: domain.TriggerAny, ConditionMode: domain.ConditionAllMode,
		Triggers: []domain.AutomationTrigger{{
			Type: domain.TriggerTriggerEvent, DeviceID: "button",
		}},
		Actions: []domain.AutomationAction{{
			Type: domain.ActionNotification, NotificationTitle: "pressed",
		}},
	}
	if err := te.store.CreateRule(rule); err != nil {
		t.Fatal(err)
	}

	te.engine.ProcessTriggerEvent(domain.TriggerEvent{
		DeviceID: "button", Type: "button", SubType: "single",
	}, broadcast.PipelineSnapshot{})

	if starts := te.tracker.byMethod("start"); len(starts) != 1 {
		t.Fatalf("tracker starts = %d, want 1", len(starts))
	}
	if actions := te.tracker.byMethod("action"); len(actions) != 0 {
		t.Errorf("tracker action records = %+v, want none without a target device", actions)
	}
	if discards := te.tracker.byMethod("discard"); len(discards) != 1 {
		t.Errorf("tracker discards = %d, want 1", len(discards))
	}
}

func TestEngine_ActionDeadlineCoversDelay(t *testing.T) {
	tests := []struct {
		name   string
		action domain.AutomationAction
		want   time.Duration
	}{
		{
			"long delay outlives the io timeout",
			domain.AutomationAction{Type: domain.ActionDelay, DelaySeconds: 35},
			35*time.Second + actionTimeout,
		},
		{
			"zero delay",
			domain.AutomationAction{Type: domain.ActionDelay},
			actionTimeout,
		},
		{
			"device command",
			domain.AutomationAction{Type: domain.ActionSetDeviceState},
			actionTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := actionDeadline(&tt.action); got != tt.want {
				t.Errorf("actionDeadline() = %v, want %v", got, tt.want)
			}
		})
	}
}

// flakyTransport refuses the first fails connections, then succeeds.
type flakyTransport struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func (f *flakyTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestEngine_WebhookRetriesTransientFailure(t *testing.T) {
	te := newTestEngine(t)
	transport := &flakyTransport{fails: 2}
	te.engine.webhooks = &http.Client{Transport: transport}
	te.engine.webhookRetryWait = time.Millisecond

	rule := &domain.AutomationRule{
		Name: "Retry webhook", IsEnabled: true,
		TriggerMode: domain.TriggerAny, ConditionMode: domain.ConditionAllMode,
		Triggers: []domain.AutomationTrigger{{
			Type: domain.TriggerTriggerEvent, DeviceID: "button",
		}},
		Actions: []domain.AutomationAction{{
			Type: domain.ActionWebhook, WebhookURL: "http://127.0.0.1:9/hook",
		}},
	}
	if err := te.store.CreateRule(rule); err != nil {
		t.Fatal(err)
	}

	te.engine.ProcessTriggerEvent(domain.TriggerEvent{
		DeviceID: "button", Type: "button", SubType: "single",
	}, broadcast.PipelineSnapshot{})

	logs, _ := te.store.ListExecutionLogs(rule.ID, 10)
	if len(logs) != 1 || logs[0].Status != domain.StatusSuccess {
		t.Fatalf("logs = %+v, want Success after retries", logs)
	}
	if got := transport.count(); got != 3 {
		t.Errorf("delivery attempts = %d, want 3 (two refused, one ok)", got)
	}
}

func TestEngine_WebhookFailureIncludesResponseBody(t *testing.T) {
	te := newTestEngine(t)
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "scene service down")
	}))
	defer server.Close()
	te.engine.webhookRetryWait = time.Millisecond

	rule := &domain.AutomationRule{
		Name: "Failing webhook", IsEnabled: true,
		TriggerMode: domain.TriggerAny, ConditionMode: domain.ConditionAllMode,
		Triggers: []domain.AutomationTrigger{{
			Type: domain.TriggerTriggerEvent, DeviceID: "button",
		}},
		Actions: []domain.AutomationAction{{
			Type: domain.ActionWebhook, WebhookURL: server.URL,
		}},
	}
	if err := te.store.CreateRule(rule); err != nil {
		t.Fatal(err)
	}

	te.engine.ProcessTriggerEvent(domain.TriggerEvent{
		DeviceID: "button", Type: "button", SubType: "single",
	}, broadcast.PipelineSnapshot{})

	logs, _ := te.store.ListExecutionLogs(rule.ID, 10)
	if len(logs) != 1 || logs[0].Status != domain.StatusFailure {
		t.Fatalf("logs = %+v, want Failure", logs)
	}
	if len(logs[0].ActionResults) != 1 || !strings.Contains(logs[0].ActionResults[0].Error, "scene service down") {
		t.Errorf("action error = %+v, want the response body excerpt", logs[0].ActionResults)
	}
	// A definitive HTTP status is not retried.
	if requests != 1 {
		t.Errorf("requests = %d, want 1", requests)
	}
}

func TestEngine_StateChangeNormalization(t *testing.T) {
	te := newTestEngine(t)
	// Trigger value stored as bare ON (no JSON quoting) still matches
	// the quoted payload string.
	rule := &domain.AutomationRule{
		Name: "Normalize", IsEnabled: true,
		TriggerMode: domain.TriggerAny, ConditionMode: domain.ConditionAllMode,
		Triggers: []domain.AutomationTrigger{{
			Type:     domain.TriggerDeviceState,
			DeviceID: "lamp",
			Property: "state",
			Operator: domain.OpChangesTo,
			Value:    json.RawMessage(`ON`),
		}},
		Actions: []domain.AutomationAction{{
			Type: domain.ActionNotification, NotificationTitle: "lamp on",
		}},
	}
	if err := te.store.CreateRule(rule); err != nil {
		t.Fatal(err)
	}

	te.engine.ProcessDeviceState("lamp", []byte(`{"state":"ON"}`), broadcast.PipelineSnapshot{})

	logs, _ := te.store.ListExecutionLogs(rule.ID, 10)
	if len(logs) != 1 || logs[0].Status != domain.StatusSuccess {
		t.Errorf("logs = %+v, want Success for normalized match", logs)
	}
}
