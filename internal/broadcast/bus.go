package broadcast

import (
	"sync"
	"time"

	"github.com/sdhome/sdhome/internal/domain"
)

// Bus is a non-blocking broadcast event bus implementing [Broadcaster].
// Subscribers receive events on buffered channels; slow subscribers
// miss events rather than blocking the pipeline. The bus is nil-safe:
// calling any Broadcast method on a nil *Bus is a no-op, so components
// do not need guard checks.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// NewBus creates a new event bus ready for use.
func NewBus() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full, drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// --- Broadcaster port ---

// BroadcastSignalEvent publishes a persisted signal event.
func (b *Bus) BroadcastSignalEvent(ev domain.SignalEvent) {
	b.Publish(Event{Kind: KindSignalEvent, Payload: ev})
}

// BroadcastSensorReading publishes a projected sensor reading.
func (b *Bus) BroadcastSensorReading(r domain.SensorReading) {
	b.Publish(Event{Kind: KindSensorReading, Payload: r})
}

// BroadcastTriggerEvent publishes a projected trigger event.
func (b *Bus) BroadcastTriggerEvent(te domain.TriggerEvent) {
	b.Publish(Event{Kind: KindTriggerEvent, Payload: te})
}

// BroadcastDeviceStateUpdate publishes a device property change.
func (b *Bus) BroadcastDeviceStateUpdate(u DeviceStateUpdate) {
	b.Publish(Event{Kind: KindDeviceState, Payload: u})
}

// BroadcastAutomationLog publishes a live automation log entry.
func (b *Bus) BroadcastAutomationLog(entry AutomationLogEntry) {
	b.Publish(Event{Kind: KindAutomationLog, Payload: entry})
}

// BroadcastPipelineTimeline publishes a completed end-to-end timeline.
func (b *Bus) BroadcastPipelineTimeline(tl PipelineTimeline) {
	b.Publish(Event{Kind: KindTimeline, Payload: tl})
}

// BroadcastDeviceSyncProgress publishes state-sync activity.
func (b *Bus) BroadcastDeviceSyncProgress(p DeviceSyncProgress) {
	b.Publish(Event{Kind: KindSyncProgress, Payload: p})
}

// BroadcastDevicePairingProgress publishes a pairing snapshot.
func (b *Bus) BroadcastDevicePairingProgress(p DevicePairingProgress) {
	b.Publish(Event{Kind: KindPairingProgress, Payload: p})
}
