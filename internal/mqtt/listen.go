package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/sdhome/sdhome/internal/config"
)

// Listen connects to the broker, subscribes to filter, and calls
// handler for every message until ctx is cancelled. The subscription
// is restored on every reconnect. Handler calls arrive from a single
// goroutine in arrival order.
func Listen(ctx context.Context, cfg config.MQTTConfig, filter, clientPrefix string, handler func(topic string, payload []byte), logger *slog.Logger) error {
	brokerURL, err := url.Parse(cfg.BrokerURL())
	if err != nil {
		return fmt.Errorf("parse broker URL: %w", err)
	}

	clientID := clientPrefix + "-" + shortID()
	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("mqtt subscriber connected",
				"broker", cfg.BrokerURL(), "filter", filter, "client_id", clientID)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: filter, QoS: 1},
				},
			}); err != nil {
				logger.Error("mqtt subscribe failed", "filter", filter, "error", err)
			}
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt subscriber connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					handler(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cm.Disconnect(stopCtx)
}
