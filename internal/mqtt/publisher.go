package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/sdhome/sdhome/internal/config"
)

const connectTimeout = 10 * time.Second

// Publisher sends device commands to the broker. The connection is
// established lazily on the first publish and kept alive by autopaho
// afterwards; concurrent first publishes share one connection attempt.
type Publisher struct {
	cfg    config.MQTTConfig
	topics Topics
	logger *slog.Logger

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// NewPublisher creates a Publisher but does not connect.
func NewPublisher(cfg config.MQTTConfig, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:    cfg,
		topics: Topics{Base: cfg.BaseTopic},
		logger: logger,
	}
}

// Publish sends payload to topic at QoS 1, connecting first if needed.
// String, []byte, and json.RawMessage payloads go out verbatim; other
// values are JSON-encoded. A publish that fails on a stale connection
// is retried once after a reconnect.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) error {
	if !p.cfg.Enabled {
		return fmt.Errorf("publish %s: mqtt is disabled", topic)
	}

	body, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	cm, err := p.connection(ctx)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	if err := p.publishOnce(ctx, cm, topic, body); err != nil {
		p.logger.Warn("mqtt publish failed, reconnecting", "topic", topic, "error", err)
		p.dropConnection(ctx, cm)
		cm, err = p.connection(ctx)
		if err != nil {
			return fmt.Errorf("publish %s: reconnect: %w", topic, err)
		}
		if err := p.publishOnce(ctx, cm, topic, body); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
	}

	p.logger.Debug("mqtt published", "topic", topic, "payload_size", len(body))
	return nil
}

// SetDeviceProperty publishes a single-property command to the
// device's set topic, e.g. {"state":"ON"}.
func (p *Publisher) SetDeviceProperty(ctx context.Context, deviceID, property string, value any) error {
	return p.Publish(ctx, p.topics.DeviceSet(deviceID), map[string]any{property: value})
}

// RequestDeviceState asks a device to report its current state.
func (p *Publisher) RequestDeviceState(ctx context.Context, deviceID string) error {
	return p.Publish(ctx, p.topics.DeviceGet(deviceID), map[string]any{"state": ""})
}

// Close disconnects from the broker if a connection was established.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.cm = nil
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	return cm.Disconnect(ctx)
}

// connection returns the live connection manager, dialing under the
// mutex so only one caller connects while the rest wait for its result.
func (p *Publisher) connection(ctx context.Context) (*autopaho.ConnectionManager, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cm != nil {
		return p.cm, nil
	}

	brokerURL, err := url.Parse(p.cfg.BrokerURL())
	if err != nil {
		return nil, fmt.Errorf("parse broker URL: %w", err)
	}

	clientID := "sdhome-pub-" + shortID()
	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt publisher connected", "broker", p.cfg.BrokerURL(), "client_id", clientID)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt publisher connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		cm.Disconnect(ctx)
		return nil, fmt.Errorf("await mqtt connection: %w", err)
	}

	p.cm = cm
	return cm, nil
}

func (p *Publisher) publishOnce(ctx context.Context, cm *autopaho.ConnectionManager, topic string, body []byte) error {
	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: body,
		QoS:     1,
	})
	return err
}

// dropConnection discards cm so the next publish dials fresh, unless
// another caller already replaced it.
func (p *Publisher) dropConnection(ctx context.Context, cm *autopaho.ConnectionManager) {
	p.mu.Lock()
	if p.cm == cm {
		p.cm = nil
	}
	p.mu.Unlock()
	cm.Disconnect(ctx)
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return body, nil
	}
}

func shortID() string {
	return uuid.NewString()[:8]
}
