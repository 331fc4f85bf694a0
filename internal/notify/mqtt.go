package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient is the subset of the paho client the notifier uses.
// Tests substitute a fake.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// MQTTNotifier publishes retained status messages to
// <prefix>/<namespace>/status. Retained so a dashboard that connects
// late still sees the current state.
type MQTTNotifier struct {
	client      MQTTClient
	topicPrefix string
	logger      *slog.Logger
}

// NewMQTT connects to the broker and returns a notifier.
func NewMQTT(brokerURL, clientID, topicPrefix string, logger *slog.Logger) (*MQTTNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	n := NewMQTTWithClient(client, topicPrefix, logger)

	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout: %s", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return n, nil
}

// NewMQTTWithClient wires a notifier onto an existing client.
func NewMQTTWithClient(client MQTTClient, topicPrefix string, logger *slog.Logger) *MQTTNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if topicPrefix == "" {
		topicPrefix = "glassy/sync"
	}
	return &MQTTNotifier{
		client:      client,
		topicPrefix: topicPrefix,
		logger:      logger.With("component", "notify"),
	}
}

// PublishStatus publishes the event. Delivery is best-effort; status
// eventing must never stall a drain cycle.
func (n *MQTTNotifier) PublishStatus(ctx context.Context, ev Event) error {
	if !n.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := marshalEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	topic := fmt.Sprintf("%s/%s/status", n.topicPrefix, ev.Namespace)
	token := n.client.Publish(topic, 0, true, payload)

	deadline := 5 * time.Second
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}
	if !token.WaitTimeout(deadline) {
		return fmt.Errorf("publish timeout: %s", topic)
	}
	return token.Error()
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() {
	n.client.Disconnect(250)
}
