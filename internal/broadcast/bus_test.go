package broadcast

import (
	"testing"
	"time"

	"github.com/sdhome/sdhome/internal/domain"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.BroadcastSignalEvent(domain.SignalEvent{DeviceID: "hallway_motion"})

	select {
	case e := <-ch:
		if e.Kind != KindSignalEvent {
			t.Errorf("Kind = %q, want %q", e.Kind, KindSignalEvent)
		}
		ev, ok := e.Payload.(domain.SignalEvent)
		if !ok {
			t.Fatalf("Payload type = %T, want domain.SignalEvent", e.Payload)
		}
		if ev.DeviceID != "hallway_motion" {
			t.Errorf("DeviceID = %q", ev.DeviceID)
		}
		if e.Timestamp.IsZero() {
			t.Error("Timestamp should be stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_SlowSubscriberDropsEvents(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	// Fill the buffer, then publish more. Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Kind: KindAutomationLog})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	// Exactly one event fit the buffer.
	if got := len(ch); got != 1 {
		t.Errorf("buffered events = %d, want 1", got)
	}
}

func TestBus_NilSafe(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(Event{Kind: KindSignalEvent})
	b.BroadcastAutomationLog(AutomationLogEntry{})
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil = %d, want 0", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
	// Double unsubscribe is a no-op.
	b.Unsubscribe(ch)

	// Channel is closed after unsubscribe.
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
}
