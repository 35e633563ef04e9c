// Package statesync maintains the per-device attribute cache from live
// broker traffic and issues periodic state-refresh polls.
package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sdhome/sdhome/internal/broadcast"
	"github.com/sdhome/sdhome/internal/config"
	"github.com/sdhome/sdhome/internal/domain"
	"github.com/sdhome/sdhome/internal/mqtt"
	"github.com/sdhome/sdhome/internal/store"
)

// pollSpacing keeps refresh requests from saturating the radio.
const pollSpacing = 50 * time.Millisecond

// DeviceStore is the persistence slice the worker needs.
type DeviceStore interface {
	GetDevice(idOrName string) (*domain.Device, error)
	ListDevices() ([]domain.Device, error)
	UpsertDevice(d *domain.Device) error
}

// Poller requests a fresh state report from one device.
type Poller interface {
	RequestDeviceState(ctx context.Context, deviceID string) error
}

type queueItem struct {
	deviceID string
	attrs    map[string]any
}

// Worker consumes device payloads, merges them into the stored device
// attributes, and polls devices for state at a fixed interval. Items
// are queued without bound and drained by at most one goroutine at a
// time; DB access is serialized through the drainer.
type Worker struct {
	cfg    config.MQTTConfig
	poll   time.Duration
	topics mqtt.Topics
	store  DeviceStore
	poller Poller
	bus    broadcast.Broadcaster
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	queue []queueItem
	// draining is a binary semaphore: holding the token means being
	// the single active drainer.
	draining chan struct{}
}

func NewWorker(cfg config.MQTTConfig, pollInterval time.Duration, st DeviceStore, poller Poller, bus broadcast.Broadcaster, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		poll:     pollInterval,
		topics:   mqtt.Topics{Base: cfg.BaseTopic},
		store:    st,
		poller:   poller,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
		draining: make(chan struct{}, 1),
	}
}

// Run subscribes to device topics and starts the poll loop, blocking
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if !w.cfg.Enabled {
		w.logger.Info("mqtt disabled, state sync idle")
		<-ctx.Done()
		return nil
	}

	if w.poll > 0 {
		go w.pollLoop(ctx)
	} else {
		w.logger.Info("state polling disabled")
	}

	filter := w.cfg.BaseTopic + "/+"
	return mqtt.Listen(ctx, w.cfg, filter, "sdhome-sync", func(topic string, payload []byte) {
		w.HandleMessage(topic, payload)
	}, w.logger)
}

// HandleMessage filters and enqueues one broker message, then kicks a
// drain. Non-device topics and non-object payloads are ignored.
func (w *Worker) HandleMessage(topic string, payload []byte) {
	if w.ignoreTopic(topic) {
		return
	}
	deviceID := w.topics.DeviceID(topic)
	if deviceID == "" {
		return
	}
	var attrs map[string]any
	if err := json.Unmarshal(payload, &attrs); err != nil || attrs == nil {
		return
	}

	w.mu.Lock()
	w.queue = append(w.queue, queueItem{deviceID: deviceID, attrs: attrs})
	w.mu.Unlock()

	go w.drain()
}

func (w *Worker) ignoreTopic(topic string) bool {
	if strings.Contains(topic, "/bridge/") {
		return true
	}
	return strings.HasSuffix(topic, "/availability") ||
		strings.HasSuffix(topic, "/get") ||
		strings.HasSuffix(topic, "/set")
}

// drain processes queued items until the queue is empty. Only one
// drainer runs at a time; extra calls return immediately.
func (w *Worker) drain() {
	select {
	case w.draining <- struct{}{}:
	default:
		return
	}
	defer func() { <-w.draining }()

	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		item := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.apply(item)
	}
}

// apply merges one payload into the stored device. The row is written
// only when at least one attribute actually changed.
func (w *Worker) apply(item queueItem) {
	device, err := w.store.GetDevice(item.deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.logger.Debug("state sync for unknown device", "device", item.deviceID)
		} else {
			w.logger.Error("state sync load device", "device", item.deviceID, "error", err)
		}
		return
	}

	if device.Attributes == nil {
		device.Attributes = make(map[string]any, len(item.attrs))
	}
	var changed []string
	for key, value := range item.attrs {
		if old, ok := device.Attributes[key]; ok && attrEqual(old, value) {
			continue
		}
		device.Attributes[key] = value
		changed = append(changed, key)
	}
	if len(changed) == 0 {
		return
	}

	if lq, ok := item.attrs["linkquality"].(float64); ok {
		v := int(lq)
		device.LinkQuality = &v
	}
	now := w.now().UTC()
	device.LastSeen = &now
	device.IsAvailable = true

	if err := w.store.UpsertDevice(device); err != nil {
		w.logger.Error("state sync persist device", "device", device.DeviceID, "error", err)
		return
	}

	for _, key := range changed {
		w.bus.BroadcastDeviceStateUpdate(broadcast.DeviceStateUpdate{
			DeviceID:  device.DeviceID,
			Property:  key,
			NewValue:  device.Attributes[key],
			Timestamp: now,
		})
	}
	w.bus.BroadcastDeviceSyncProgress(broadcast.DeviceSyncProgress{
		DeviceID:    device.DeviceID,
		Changed:     changed,
		LinkQuality: device.LinkQuality,
		Timestamp:   now,
	})
	w.logger.Debug("device state synced", "device", device.DeviceID, "changed", changed)
}

// attrEqual compares attribute values leniently: numbers within a
// small tolerance, strings ignoring case, so re-reports of the same
// state do not count as changes.
func attrEqual(a, b any) bool {
	return domain.FromAny(a).Equal(domain.FromAny(b))
}

// pollLoop publishes a state request to every known device at each
// interval, spaced out to avoid radio congestion.
func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	devices, err := w.store.ListDevices()
	if err != nil {
		w.logger.Error("state poll list devices", "error", err)
		return
	}
	for _, d := range devices {
		if err := w.poller.RequestDeviceState(ctx, d.DeviceID); err != nil {
			w.logger.Warn("state poll request failed", "device", d.DeviceID, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollSpacing):
		}
	}
	w.logger.Debug("state poll cycle complete", "devices", len(devices))
}
