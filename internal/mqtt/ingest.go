package mqtt

import (
	"context"
	"log/slog"

	"github.com/sdhome/sdhome/internal/config"
)

// SignalHandler receives every device-facing message from the broker.
// Calls arrive from a single goroutine in arrival order.
type SignalHandler interface {
	HandleDeviceMessage(topic string, payload []byte)
}

// BridgeHandler receives coordinator lifecycle traffic: bridge events
// and permit-join acknowledgements.
type BridgeHandler interface {
	HandleBridgeEvent(payload []byte)
	HandlePermitJoinResponse(payload []byte)
}

// Ingestor subscribes to the configured topic filter and routes each
// message either to the bridge handler (pairing lifecycle) or to the
// signal handler (everything else). Messages are dispatched
// sequentially so downstream pipelines see broker order.
type Ingestor struct {
	cfg     config.MQTTConfig
	topics  Topics
	signals SignalHandler
	bridge  BridgeHandler
	logger  *slog.Logger
}

// NewIngestor creates an Ingestor. The bridge handler may be nil, in
// which case bridge traffic is dropped.
func NewIngestor(cfg config.MQTTConfig, signals SignalHandler, bridge BridgeHandler, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		cfg:     cfg,
		topics:  Topics{Base: cfg.BaseTopic},
		signals: signals,
		bridge:  bridge,
		logger:  logger,
	}
}

// Run connects to the broker, subscribes, and dispatches messages
// until ctx is cancelled. When MQTT is disabled it idles so the rest
// of the process keeps serving.
func (in *Ingestor) Run(ctx context.Context) error {
	if !in.cfg.Enabled {
		in.logger.Info("mqtt disabled, ingestion idle")
		<-ctx.Done()
		return nil
	}
	return Listen(ctx, in.cfg, in.cfg.TopicFilter, "sdhome-ingest", in.dispatch, in.logger)
}

func (in *Ingestor) dispatch(topic string, payload []byte) {
	switch topic {
	case in.topics.BridgeEvent():
		if in.bridge != nil {
			in.bridge.HandleBridgeEvent(payload)
		}
	case in.topics.PermitJoinResponse():
		if in.bridge != nil {
			in.bridge.HandlePermitJoinResponse(payload)
		}
	default:
		in.signals.HandleDeviceMessage(topic, payload)
	}
}
