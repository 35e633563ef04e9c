package tracker

import (
	"log/slog"
	"testing"
	"time"

	"github.com/sdhome/sdhome/internal/broadcast"
)

func collect(bus *broadcast.Bus) <-chan broadcast.Event {
	return bus.Subscribe(16)
}

func receiveTimeline(t *testing.T, sub <-chan broadcast.Event) broadcast.PipelineTimeline {
	t.Helper()
	select {
	case ev := <-sub:
		tl, ok := ev.Payload.(broadcast.PipelineTimeline)
		if !ok {
			t.Fatalf("unexpected bus payload %T", ev.Payload)
		}
		return tl
	case <-time.After(7 * time.Second):
		t.Fatal("no timeline broadcast")
		return broadcast.PipelineTimeline{}
	}
}

func TestTracker_CompletesOnResponse(t *testing.T) {
	bus := broadcast.NewBus()
	sub := collect(bus)
	tr := New(bus, slog.Default())

	snap := broadcast.PipelineSnapshot{ParseMs: 1, DatabaseMs: 2, BroadcastMs: 3}
	id := tr.StartTracking("hallway_motion", "Motion light", "", snap)
	tr.RecordAutomationLookup(id, 4)
	tr.RecordActionExecution(id, 5, "hallway_light")
	tr.RecordTargetDeviceResponse("hallway_light")

	tl := receiveTimeline(t, sub)
	if tl.TimedOut {
		t.Error("resolved timeline must not be marked timed out")
	}
	if tl.TriggerDeviceID != "hallway_motion" || tl.TargetDeviceID != "hallway_light" {
		t.Errorf("devices = %s → %s", tl.TriggerDeviceID, tl.TargetDeviceID)
	}
	if len(tl.Stages) != 6 {
		t.Fatalf("got %d stages, want 6 (including device response)", len(tl.Stages))
	}
	last := tl.Stages[len(tl.Stages)-1]
	if last.Category != broadcast.StageZigbee {
		t.Errorf("final stage category = %s, want %s", last.Category, broadcast.StageZigbee)
	}
	if got := tr.Completed(); len(got) != 1 {
		t.Errorf("history length = %d, want 1", len(got))
	}
}

func TestTracker_ResponseResolvesOldestFirst(t *testing.T) {
	bus := broadcast.NewBus()
	sub := collect(bus)
	tr := New(bus, slog.Default())

	first := tr.StartTracking("motion_a", "rule a", "", broadcast.PipelineSnapshot{})
	second := tr.StartTracking("motion_b", "rule b", "", broadcast.PipelineSnapshot{})
	tr.RecordActionExecution(first, 1, "lamp")
	tr.RecordActionExecution(second, 1, "lamp")

	tr.RecordTargetDeviceResponse("lamp")
	got := receiveTimeline(t, sub)
	if got.TrackingID != first {
		t.Errorf("first response resolved %s, want oldest %s", got.TrackingID, first)
	}

	tr.RecordTargetDeviceResponse("lamp")
	got = receiveTimeline(t, sub)
	if got.TrackingID != second {
		t.Errorf("second response resolved %s, want %s", got.TrackingID, second)
	}
}

func TestTracker_WatchdogTimesOut(t *testing.T) {
	bus := broadcast.NewBus()
	sub := collect(bus)
	tr := New(bus, slog.Default())

	tr.timeout = 50 * time.Millisecond

	id := tr.StartTracking("motion", "rule", "", broadcast.PipelineSnapshot{})
	tr.RecordActionExecution(id, 1, "silent_device")

	tl := receiveTimeline(t, sub)
	if !tl.TimedOut {
		t.Error("timeline should be marked timed out")
	}
	for _, st := range tl.Stages {
		if st.Category == broadcast.StageZigbee {
			t.Error("timed-out timeline must not carry a device response stage")
		}
	}

	// A late response has nothing left to resolve.
	tr.RecordTargetDeviceResponse("silent_device")
	select {
	case ev := <-sub:
		t.Errorf("unexpected broadcast after timeout: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTracker_ResponseForUnknownDeviceIsNoop(t *testing.T) {
	bus := broadcast.NewBus()
	sub := collect(bus)
	tr := New(bus, slog.Default())

	tr.RecordTargetDeviceResponse("random_sensor")
	select {
	case ev := <-sub:
		t.Errorf("unexpected broadcast: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTracker_DiscardReleasesOpenTimeline(t *testing.T) {
	bus := broadcast.NewBus()
	sub := collect(bus)
	tr := New(bus, slog.Default())

	// Rules without a device target open and release a timeline on
	// every execution; none may stay resident.
	for range 200 {
		id := tr.StartTracking("button", "notify only", "", broadcast.PipelineSnapshot{})
		tr.RecordAutomationLookup(id, 1)
		tr.Discard(id)
	}
	tr.mu.Lock()
	open := len(tr.active)
	tr.mu.Unlock()
	if open != 0 {
		t.Fatalf("open timelines = %d, want 0 after discard", open)
	}

	// Late records on a discarded timeline are no-ops.
	id := tr.StartTracking("button", "notify only", "", broadcast.PipelineSnapshot{})
	tr.Discard(id)
	tr.RecordActionExecution(id, 1, "lamp")
	tr.RecordTargetDeviceResponse("lamp")
	select {
	case ev := <-sub:
		t.Errorf("unexpected broadcast: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	if got := len(tr.Completed()); got != 0 {
		t.Errorf("history length = %d, want 0", got)
	}
}

func TestTracker_HistoryIsBounded(t *testing.T) {
	bus := broadcast.NewBus()
	tr := New(bus, slog.Default())

	for range ringSize + 20 {
		id := tr.StartTracking("src", "", "", broadcast.PipelineSnapshot{})
		tr.RecordActionExecution(id, 1, "dst")
		tr.RecordTargetDeviceResponse("dst")
	}
	if got := len(tr.Completed()); got != ringSize {
		t.Errorf("history length = %d, want %d", got, ringSize)
	}
}
