// Package automation evaluates rules against device-state changes,
// trigger events, sensor readings, and a periodic time tick, and
// executes the actions of rules that fire.
package automation

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sdhome/sdhome/internal/broadcast"
	"github.com/sdhome/sdhome/internal/domain"
	"github.com/sdhome/sdhome/internal/httpkit"
	"github.com/sdhome/sdhome/internal/metrics"
	"github.com/sdhome/sdhome/internal/projection"
)

const (
	// tickInterval drives time-based triggers; a Time trigger may fire
	// up to one tick away from its declared moment.
	tickInterval = 30 * time.Second

	// warmupWindow is how far back persisted signals are scanned to
	// seed the in-memory caches on startup.
	warmupWindow = 24 * time.Hour
)

// RuleStore is the persistence slice the engine reads and writes.
type RuleStore interface {
	ListRules(enabledOnly bool) ([]domain.AutomationRule, error)
	GetScene(id uuid.UUID) (*domain.Scene, error)
	RecordRuleExecution(id uuid.UUID, at time.Time) error
	AppendExecutionLog(l *domain.ExecutionLog) error
	SignalEventsSince(cutoff time.Time) ([]domain.SignalEvent, error)
}

// CommandPublisher is the device command path.
type CommandPublisher interface {
	SetDeviceProperty(ctx context.Context, deviceID, property string, value any) error
}

// LatencyTracker correlates rule executions with device confirmations.
// Every timeline opened with StartTracking must be handed off with
// RecordActionExecution or released with Discard; the tracker keeps no
// other expiry for open timelines.
type LatencyTracker interface {
	StartTracking(triggerDeviceID, ruleName, targetDeviceID string, snap broadcast.PipelineSnapshot) string
	RecordAutomationLookup(trackingID string, durationMs float64)
	RecordActionExecution(trackingID string, durationMs float64, targetDeviceID string)
	Discard(trackingID string)
}

// Engine owns two caches: device state (deviceId → property → value)
// and sensor readings (deviceId → metric → last value). Both sit
// behind one mutex whose critical sections only touch the maps; all
// I/O happens outside the lock.
type Engine struct {
	store      RuleStore
	publisher  CommandPublisher
	bus        broadcast.Broadcaster
	tracker    LatencyTracker
	projection *projection.Service
	metrics    *metrics.Metrics
	webhooks   *http.Client
	// webhookDefault is the target for Webhook actions that carry no
	// URL of their own. Empty means such actions fail.
	webhookDefault string
	// webhookRetryWait is the initial backoff between webhook delivery
	// attempts; it doubles per retry.
	webhookRetryWait time.Duration
	logger           *slog.Logger
	now              func() time.Time

	mu          sync.Mutex
	deviceState map[string]map[string]domain.Value
	sensors     map[string]map[string]float64
	lastFired   map[uuid.UUID]time.Time
	// lastTimeMatch remembers the last wall-clock minute a Time
	// trigger fired for, so the ±30 s window cannot fire a rule twice.
	lastTimeMatch map[uuid.UUID]string
}

func NewEngine(
	store RuleStore,
	publisher CommandPublisher,
	bus broadcast.Broadcaster,
	tracker LatencyTracker,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:            store,
		publisher:        publisher,
		bus:              bus,
		tracker:          tracker,
		projection:       projection.New(),
		metrics:          m,
		webhooks:         httpkit.NewClient(httpkit.WithTimeout(10 * time.Second)),
		webhookRetryWait: 500 * time.Millisecond,
		logger:           logger,
		now:              time.Now,
		deviceState:      make(map[string]map[string]domain.Value),
		sensors:          make(map[string]map[string]float64),
		lastFired:        make(map[uuid.UUID]time.Time),
		lastTimeMatch:    make(map[uuid.UUID]string),
	}
}

// SetWebhookDefault sets the fallback URL for Webhook actions without
// an explicit target.
func (e *Engine) SetWebhookDefault(url string) {
	e.webhookDefault = url
}

// WarmCaches seeds the device-state and sensor caches from recent
// persisted signals so rules evaluate against real state right after
// a restart. Events arrive oldest first; later payloads win.
func (e *Engine) WarmCaches() error {
	cutoff := e.now().Add(-warmupWindow)
	events, err := e.store.SignalEventsSince(cutoff)
	if err != nil {
		return err
	}

	type seeded struct {
		deviceID string
		attrs    map[string]domain.Value
		readings []domain.SensorReading
	}
	batch := make([]seeded, 0, len(events))
	for i := range events {
		ev := &events[i]
		var attrs map[string]any
		if err := json.Unmarshal(ev.RawPayload, &attrs); err != nil || attrs == nil {
			continue
		}
		values := make(map[string]domain.Value, len(attrs))
		for key, raw := range attrs {
			values[key] = domain.FromAny(raw)
		}
		_, readings := e.projection.Derive(ev)
		batch = append(batch, seeded{deviceID: ev.DeviceID, attrs: values, readings: readings})
	}

	e.mu.Lock()
	for _, s := range batch {
		state := e.deviceState[s.deviceID]
		if state == nil {
			state = make(map[string]domain.Value)
			e.deviceState[s.deviceID] = state
		}
		for key, v := range s.attrs {
			state[key] = v
		}
		for _, r := range s.readings {
			byMetric := e.sensors[r.DeviceID]
			if byMetric == nil {
				byMetric = make(map[string]float64)
				e.sensors[r.DeviceID] = byMetric
			}
			byMetric[r.Metric] = r.Value
		}
	}
	e.mu.Unlock()

	e.logger.Info("automation caches warmed",
		"signals", len(events), "devices", len(e.deviceState))
	return nil
}

// Run drives time-based triggers until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.processTimeTick()
		}
	}
}

// ProcessDeviceState merges a raw device payload into the state cache
// and evaluates device-state triggers for every reported property.
func (e *Engine) ProcessDeviceState(deviceID string, payload []byte, snap broadcast.PipelineSnapshot) {
	var attrs map[string]any
	if err := json.Unmarshal(payload, &attrs); err != nil || attrs == nil {
		return
	}

	type change struct {
		property string
		old      domain.Value
		oldOK    bool
		new      domain.Value
	}
	changes := make([]change, 0, len(attrs))

	e.mu.Lock()
	state := e.deviceState[deviceID]
	if state == nil {
		state = make(map[string]domain.Value)
		e.deviceState[deviceID] = state
	}
	for key, raw := range attrs {
		newValue := domain.FromAny(raw)
		oldValue, oldOK := state[key]
		state[key] = newValue
		changes = append(changes, change{property: key, old: oldValue, oldOK: oldOK, new: newValue})
	}
	e.mu.Unlock()

	for _, c := range changes {
		e.evaluate(stimulus{
			kind:     stimulusStateChange,
			deviceID: deviceID,
			property: c.property,
			oldValue: c.old,
			oldOK:    c.oldOK,
			newValue: c.new,
			snap:     snap,
		})
	}
}

// ProcessDeviceStateChange evaluates one explicit property transition.
// The cache is updated to the new value.
func (e *Engine) ProcessDeviceStateChange(deviceID, property string, oldValue, newValue domain.Value, snap broadcast.PipelineSnapshot) {
	e.mu.Lock()
	state := e.deviceState[deviceID]
	if state == nil {
		state = make(map[string]domain.Value)
		e.deviceState[deviceID] = state
	}
	state[property] = newValue
	e.mu.Unlock()

	e.evaluate(stimulus{
		kind:     stimulusStateChange,
		deviceID: deviceID,
		property: property,
		oldValue: oldValue,
		oldOK:    !oldValue.IsNull(),
		newValue: newValue,
		snap:     snap,
	})
}

// ProcessTriggerEvent evaluates trigger-event rules for one projected
// event (button press, motion, contact, state flip).
func (e *Engine) ProcessTriggerEvent(ev domain.TriggerEvent, snap broadcast.PipelineSnapshot) {
	e.evaluate(stimulus{
		kind:     stimulusTriggerEvent,
		deviceID: ev.DeviceID,
		property: ev.Type,
		subType:  ev.SubType,
		snap:     snap,
	})
}

// ProcessSensorReading updates the sensor cache and evaluates
// sensor-reading rules against the old/new pair.
func (e *Engine) ProcessSensorReading(r domain.SensorReading, snap broadcast.PipelineSnapshot) {
	e.mu.Lock()
	byMetric := e.sensors[r.DeviceID]
	if byMetric == nil {
		byMetric = make(map[string]float64)
		e.sensors[r.DeviceID] = byMetric
	}
	oldValue, oldOK := byMetric[r.Metric]
	byMetric[r.Metric] = r.Value
	e.mu.Unlock()

	e.evaluate(stimulus{
		kind:      stimulusSensorReading,
		deviceID:  r.DeviceID,
		property:  r.Metric,
		oldNum:    oldValue,
		oldOK:     oldOK,
		newNum:    r.Value,
		newValue:  domain.Number(r.Value),
		snap:      snap,
	})
}

// processTimeTick fires rules whose Time triggers match the current
// wall clock within one tick.
func (e *Engine) processTimeTick() {
	e.evaluate(stimulus{kind: stimulusTimeTick, at: e.now()})
}

// cachedValue returns the cached device-state value for a property.
func (e *Engine) cachedValue(deviceID, property string) (domain.Value, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.deviceState[deviceID]
	if !ok {
		return domain.Value{}, false
	}
	v, ok := state[property]
	return v, ok
}
