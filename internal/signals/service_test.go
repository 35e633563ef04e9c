package signals

import (
	"log/slog"
	"testing"
	"time"

	"github.com/sdhome/sdhome/internal/broadcast"
	"github.com/sdhome/sdhome/internal/domain"
	"github.com/sdhome/sdhome/internal/metrics"
	"github.com/sdhome/sdhome/internal/projection"
)

type fakeStore struct {
	events   []domain.SignalEvent
	readings []domain.SensorReading
	triggers []domain.TriggerEvent
}

func (f *fakeStore) InsertSignalEvent(ev *domain.SignalEvent) error {
	f.events = append(f.events, *ev)
	return nil
}

func (f *fakeStore) InsertSensorReading(r *domain.SensorReading) error {
	f.readings = append(f.readings, *r)
	return nil
}

func (f *fakeStore) InsertTriggerEvent(ev *domain.TriggerEvent) error {
	f.triggers = append(f.triggers, *ev)
	return nil
}

type dispatched struct {
	deviceStates int
	triggers     []domain.TriggerEvent
	readings     []domain.SensorReading
}

type fakeDispatcher struct {
	done chan dispatched
	got  dispatched
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{done: make(chan dispatched, 8)}
}

func (f *fakeDispatcher) ProcessDeviceState(_ string, _ []byte, _ broadcast.PipelineSnapshot) {
	f.got.deviceStates++
}

func (f *fakeDispatcher) ProcessTriggerEvent(ev domain.TriggerEvent, _ broadcast.PipelineSnapshot) {
	f.got.triggers = append(f.got.triggers, ev)
}

func (f *fakeDispatcher) ProcessSensorReading(r domain.SensorReading, snap broadcast.PipelineSnapshot) {
	f.got.readings = append(f.got.readings, r)
	// Readings are dispatched last; signal completion once the final
	// one arrives.
	f.done <- f.got
}

type fakeTracker struct {
	responses []string
}

func (f *fakeTracker) RecordTargetDeviceResponse(deviceID string) {
	f.responses = append(f.responses, deviceID)
}

func newTestService(store *fakeStore, engine Dispatcher, tracker ResponseTracker) (*Service, *broadcast.Bus) {
	bus := broadcast.NewBus()
	return NewService(
		NewMapper("sdhome"), store, bus, projection.New(),
		engine, tracker, metrics.New(), slog.Default(),
	), bus
}

func TestService_PipelinePersistsBeforeBroadcast(t *testing.T) {
	store := &fakeStore{}
	engine := newFakeDispatcher()
	tracker := &fakeTracker{}
	svc, bus := newTestService(store, engine, tracker)

	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	svc.HandleDeviceMessage("sdhome/hallway_motion",
		[]byte(`{"occupancy":true,"battery":78,"linkquality":200}`))

	if len(store.events) != 1 {
		t.Fatalf("persisted %d signal events, want 1", len(store.events))
	}
	if len(store.triggers) != 1 {
		t.Fatalf("persisted %d trigger events, want 1", len(store.triggers))
	}
	if len(store.readings) != 2 {
		t.Fatalf("persisted %d readings, want 2", len(store.readings))
	}
	if store.triggers[0].SignalEventID != store.events[0].ID {
		t.Error("trigger event must reference the persisted signal event")
	}

	// 1 signal event + 1 trigger + 2 readings on the bus.
	kinds := map[string]int{}
	for range 4 {
		select {
		case ev := <-sub:
			kinds[ev.Kind]++
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for bus events, got %v", kinds)
		}
	}
	if kinds[broadcast.KindSignalEvent] != 1 || kinds[broadcast.KindTriggerEvent] != 1 ||
		kinds[broadcast.KindSensorReading] != 2 {
		t.Errorf("bus kinds = %v", kinds)
	}

	// A snapshot arrives per dispatched reading; wait for the last one.
	var got dispatched
	for len(got.readings) < 2 {
		select {
		case got = <-engine.done:
		case <-time.After(time.Second):
			t.Fatalf("automation dispatch incomplete: %+v", got)
		}
	}
	if got.deviceStates != 1 {
		t.Errorf("device state dispatches = %d, want 1", got.deviceStates)
	}
	if len(got.triggers) != 1 || got.triggers[0].Type != "motion" {
		t.Errorf("dispatched triggers = %+v", got.triggers)
	}

	if len(tracker.responses) != 1 || tracker.responses[0] != "hallway_motion" {
		t.Errorf("tracker responses = %v, want [hallway_motion]", tracker.responses)
	}
}

func TestService_DroppedMessageTouchesNothing(t *testing.T) {
	store := &fakeStore{}
	tracker := &fakeTracker{}
	svc, _ := newTestService(store, nil, tracker)

	svc.HandleDeviceMessage("sdhome/bridge/event", []byte(`{"type":"x"}`))
	svc.HandleDeviceMessage("sdhome/device", []byte(`not json`))

	if len(store.events)+len(store.triggers)+len(store.readings) != 0 {
		t.Error("dropped messages must not be persisted")
	}
	if len(tracker.responses) != 0 {
		t.Error("dropped messages must not resolve tracker timelines")
	}
}

func TestService_NilEngine(t *testing.T) {
	store := &fakeStore{}
	svc, _ := newTestService(store, nil, nil)

	// Must not panic without an engine or tracker wired.
	svc.HandleDeviceMessage("sdhome/lamp", []byte(`{"state":"ON"}`))
	if len(store.events) != 1 {
		t.Fatalf("persisted %d events, want 1", len(store.events))
	}
}
