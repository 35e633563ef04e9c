// Package tracker correlates an inbound trigger signal with the
// eventual device-reported confirmation and emits a per-stage latency
// breakdown.
package tracker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sdhome/sdhome/internal/broadcast"
)

const (
	// responseTimeout bounds how long a timeline waits for the target
	// device to report back before being closed as timed out.
	responseTimeout = 5 * time.Second

	// ringSize bounds the completed-timeline history.
	ringSize = 100
)

type timeline struct {
	id              string
	triggerDeviceID string
	targetDeviceID  string
	ruleName        string
	startedAt       time.Time
	snapshot        broadcast.PipelineSnapshot

	lookupMs float64
	actionMs float64

	// waitingSince is set when the timeline starts waiting for the
	// target device's confirmation.
	waitingSince time.Time
	watchdog     *time.Timer
}

// Tracker maintains active and waiting timelines. Resolution follows
// FIFO per target device: a confirmation always completes the oldest
// timeline waiting on that device.
type Tracker struct {
	bus     broadcast.Broadcaster
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration

	mu        sync.Mutex
	active    map[string]*timeline
	waiting   map[string][]*timeline
	completed []broadcast.PipelineTimeline
}

func New(bus broadcast.Broadcaster, logger *slog.Logger) *Tracker {
	return &Tracker{
		bus:     bus,
		logger:  logger,
		now:     time.Now,
		timeout: responseTimeout,
		active:  make(map[string]*timeline),
		waiting: make(map[string][]*timeline),
	}
}

// StartTracking opens a timeline for one trigger signal and returns
// its tracking ID. The pipeline snapshot carries the ingestion-stage
// timings already measured upstream.
func (t *Tracker) StartTracking(triggerDeviceID, ruleName, targetDeviceID string, snap broadcast.PipelineSnapshot) string {
	tl := &timeline{
		id:              uuid.NewString(),
		triggerDeviceID: triggerDeviceID,
		targetDeviceID:  targetDeviceID,
		ruleName:        ruleName,
		startedAt:       t.now(),
		snapshot:        snap,
	}
	t.mu.Lock()
	t.active[tl.id] = tl
	t.mu.Unlock()
	return tl.id
}

// Discard drops an open timeline that will never wait on a device,
// such as a rule whose actions target no device. Discarded timelines
// are not broadcast and do not enter the history.
func (t *Tracker) Discard(trackingID string) {
	t.mu.Lock()
	delete(t.active, trackingID)
	t.mu.Unlock()
}

// RecordAutomationLookup stores the rule-matching duration.
func (t *Tracker) RecordAutomationLookup(trackingID string, durationMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tl, ok := t.active[trackingID]; ok {
		tl.lookupMs = durationMs
	}
}

// RecordActionExecution stores the action duration and moves the
// timeline into the waiting set for targetDeviceID, armed with a
// watchdog. If the device never reports back, the timeline closes as
// timed out.
func (t *Tracker) RecordActionExecution(trackingID string, durationMs float64, targetDeviceID string) {
	t.mu.Lock()
	tl, ok := t.active[trackingID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.active, trackingID)
	tl.actionMs = durationMs
	tl.targetDeviceID = targetDeviceID
	tl.waitingSince = t.now()
	t.waiting[targetDeviceID] = append(t.waiting[targetDeviceID], tl)
	tl.watchdog = time.AfterFunc(t.timeout, func() { t.expire(tl) })
	t.mu.Unlock()
}

// RecordTargetDeviceResponse resolves the oldest timeline waiting on
// deviceID, if any. Devices that are not awaited are a no-op, so the
// ingestion path can call this for every inbound signal.
func (t *Tracker) RecordTargetDeviceResponse(deviceID string) {
	t.mu.Lock()
	queue := t.waiting[deviceID]
	if len(queue) == 0 {
		t.mu.Unlock()
		return
	}
	tl := queue[0]
	if len(queue) == 1 {
		delete(t.waiting, deviceID)
	} else {
		t.waiting[deviceID] = queue[1:]
	}
	tl.watchdog.Stop()
	responseMs := float64(t.now().Sub(tl.waitingSince).Microseconds()) / 1000
	done := t.finishLocked(tl, &responseMs)
	t.mu.Unlock()

	t.bus.BroadcastPipelineTimeline(done)
	t.logger.Debug("pipeline timeline completed",
		"tracking_id", tl.id, "target", deviceID, "response_ms", responseMs)
}

// expire closes a timed-out timeline if it is still waiting.
func (t *Tracker) expire(tl *timeline) {
	t.mu.Lock()
	queue := t.waiting[tl.targetDeviceID]
	found := false
	for i, waiting := range queue {
		if waiting == tl {
			t.waiting[tl.targetDeviceID] = append(queue[:i:i], queue[i+1:]...)
			if len(t.waiting[tl.targetDeviceID]) == 0 {
				delete(t.waiting, tl.targetDeviceID)
			}
			found = true
			break
		}
	}
	if !found {
		t.mu.Unlock()
		return
	}
	done := t.finishLocked(tl, nil)
	t.mu.Unlock()

	t.bus.BroadcastPipelineTimeline(done)
	t.logger.Debug("pipeline timeline timed out",
		"tracking_id", tl.id, "target", tl.targetDeviceID)
}

// finishLocked assembles the completed timeline and appends it to the
// bounded history. Caller holds the mutex.
func (t *Tracker) finishLocked(tl *timeline, responseMs *float64) broadcast.PipelineTimeline {
	stages := []broadcast.TimelineStage{
		{Name: "SignalParse", Category: broadcast.StageSignal, DurationMs: tl.snapshot.ParseMs},
		{Name: "Persistence", Category: broadcast.StageDatabase, DurationMs: tl.snapshot.DatabaseMs},
		{Name: "Broadcast", Category: broadcast.StageBroadcast, DurationMs: tl.snapshot.BroadcastMs},
		{Name: "AutomationLookup", Category: broadcast.StageAutomation, DurationMs: tl.lookupMs},
		{Name: "ActionExecution", Category: broadcast.StageMQTT, DurationMs: tl.actionMs},
	}
	if responseMs != nil {
		stages = append(stages, broadcast.TimelineStage{
			Name: "TargetDeviceResponse", Category: broadcast.StageZigbee, DurationMs: *responseMs,
		})
	}
	var total float64
	for _, st := range stages {
		total += st.DurationMs
	}

	done := broadcast.PipelineTimeline{
		TrackingID:      tl.id,
		TriggerDeviceID: tl.triggerDeviceID,
		TargetDeviceID:  tl.targetDeviceID,
		RuleName:        tl.ruleName,
		Stages:          stages,
		TotalMs:         total,
		TimedOut:        responseMs == nil,
		StartedAt:       tl.startedAt,
		CompletedAt:     t.now(),
	}

	t.completed = append(t.completed, done)
	if len(t.completed) > ringSize {
		t.completed = t.completed[len(t.completed)-ringSize:]
	}
	return done
}

// Completed returns a copy of the recent timeline history, oldest
// first.
func (t *Tracker) Completed() []broadcast.PipelineTimeline {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]broadcast.PipelineTimeline, len(t.completed))
	copy(out, t.completed)
	return out
}
