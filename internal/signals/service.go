// Package signals runs the inbound message pipeline: map, persist,
// broadcast, project, and hand off to the automation engine.
package signals

import (
	"log/slog"
	"time"

	"github.com/sdhome/sdhome/internal/broadcast"
	"github.com/sdhome/sdhome/internal/domain"
	"github.com/sdhome/sdhome/internal/metrics"
	"github.com/sdhome/sdhome/internal/projection"
)

// EventStore is the slice of persistence the pipeline writes to.
type EventStore interface {
	InsertSignalEvent(ev *domain.SignalEvent) error
	InsertSensorReading(r *domain.SensorReading) error
	InsertTriggerEvent(ev *domain.TriggerEvent) error
}

// Dispatcher receives the pipeline's outputs for rule evaluation.
// Implementations must not block; evaluation runs detached from
// ingestion.
type Dispatcher interface {
	ProcessDeviceState(deviceID string, payload []byte, snap broadcast.PipelineSnapshot)
	ProcessTriggerEvent(ev domain.TriggerEvent, snap broadcast.PipelineSnapshot)
	ProcessSensorReading(r domain.SensorReading, snap broadcast.PipelineSnapshot)
}

// ResponseTracker closes the latency loop: every inbound signal may be
// the confirmation a pending timeline is waiting for.
type ResponseTracker interface {
	RecordTargetDeviceResponse(deviceID string)
}

// Service is the signal ingestion pipeline. One instance handles all
// inbound device traffic; calls arrive sequentially from the broker
// dispatch goroutine.
type Service struct {
	mapper     *Mapper
	store      EventStore
	bus        broadcast.Broadcaster
	projection *projection.Service
	engine     Dispatcher
	tracker    ResponseTracker
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(
	mapper *Mapper,
	store EventStore,
	bus broadcast.Broadcaster,
	proj *projection.Service,
	engine Dispatcher,
	tracker ResponseTracker,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Service {
	return &Service{
		mapper:     mapper,
		store:      store,
		bus:        bus,
		projection: proj,
		engine:     engine,
		tracker:    tracker,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// HandleDeviceMessage runs one message through the pipeline. The
// persisted signal event is the causal anchor for everything derived
// from it; persistence happens before broadcast, and projection
// outputs are stored before the automation engine sees the stimulus.
func (s *Service) HandleDeviceMessage(topic string, payload []byte) {
	started := s.now()

	ev := s.mapper.Map(topic, payload, started)
	parseMs := msSince(s.now, started)
	if ev == nil {
		s.metrics.SignalsDropped.Inc()
		s.logger.Debug("signal dropped by mapper", "topic", topic, "payload_size", len(payload))
		return
	}

	if s.tracker != nil {
		s.tracker.RecordTargetDeviceResponse(ev.DeviceID)
	}

	dbStart := s.now()
	if err := s.store.InsertSignalEvent(ev); err != nil {
		s.logger.Error("persist signal event", "device", ev.DeviceID, "error", err)
		return
	}
	trigger, readings := s.projection.Derive(ev)
	if trigger != nil {
		if err := s.store.InsertTriggerEvent(trigger); err != nil {
			s.logger.Error("persist trigger event", "device", ev.DeviceID, "error", err)
			trigger = nil
		}
	}
	persisted := readings[:0]
	for i := range readings {
		if err := s.store.InsertSensorReading(&readings[i]); err != nil {
			s.logger.Error("persist sensor reading",
				"device", ev.DeviceID, "metric", readings[i].Metric, "error", err)
			continue
		}
		persisted = append(persisted, readings[i])
	}
	readings = persisted
	dbMs := msSince(s.now, dbStart)

	broadcastStart := s.now()
	s.bus.BroadcastSignalEvent(*ev)
	if trigger != nil {
		s.bus.BroadcastTriggerEvent(*trigger)
	}
	for _, r := range readings {
		s.bus.BroadcastSensorReading(r)
	}
	broadcastMs := msSince(s.now, broadcastStart)

	s.metrics.SignalsIngested.Inc()
	s.metrics.PipelineDuration.Observe(float64(parseMs+dbMs+broadcastMs) / 1000)

	s.logger.Debug("signal processed",
		"device", ev.DeviceID,
		"capability", ev.Capability,
		"trigger", trigger != nil,
		"readings", len(readings),
		"parse_ms", parseMs,
		"db_ms", dbMs,
		"broadcast_ms", broadcastMs,
	)

	if s.engine == nil {
		return
	}
	snap := broadcast.PipelineSnapshot{
		ParseMs:     parseMs,
		DatabaseMs:  dbMs,
		BroadcastMs: broadcastMs,
	}
	// Rule evaluation must not hold up the next inbound message.
	go func(ev domain.SignalEvent, trigger *domain.TriggerEvent, readings []domain.SensorReading) {
		s.engine.ProcessDeviceState(ev.DeviceID, ev.RawPayload, snap)
		if trigger != nil {
			s.engine.ProcessTriggerEvent(*trigger, snap)
		}
		for _, r := range readings {
			s.engine.ProcessSensorReading(r, snap)
		}
	}(*ev, trigger, readings)
}

func msSince(now func() time.Time, start time.Time) float64 {
	return float64(now().Sub(start).Microseconds()) / 1000
}
