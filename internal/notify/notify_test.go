package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken satisfies mqtt.Token and completes immediately.
type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

// fakeMQTT records published messages.
type fakeMQTT struct {
	mu        sync.Mutex
	connected bool
	published []publishedMsg
}

type publishedMsg struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

func (c *fakeMQTT) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeMQTT) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishedMsg{
		topic: topic, qos: qos, retained: retained, payload: payload.([]byte),
	})
	return &fakeToken{}
}

func (c *fakeMQTT) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func TestMQTTNotifier_PublishStatus(t *testing.T) {
	client := &fakeMQTT{connected: true}
	n := NewMQTTWithClient(client, "", nil)

	ev := Event{
		Namespace:  "lesson-1",
		Connection: "online",
		QueueSize:  3,
		Failed:     1,
		IsSyncing:  true,
	}
	if err := n.PublishStatus(context.Background(), ev); err != nil {
		t.Fatalf("PublishStatus failed: %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(client.published))
	}
	msg := client.published[0]
	if msg.topic != "glassy/sync/lesson-1/status" {
		t.Errorf("unexpected topic %q", msg.topic)
	}
	if !msg.retained {
		t.Error("status message must be retained for late subscribers")
	}
	if msg.qos != 0 {
		t.Errorf("expected qos 0, got %d", msg.qos)
	}

	var got Event
	if err := json.Unmarshal(msg.payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.Namespace != "lesson-1" || got.QueueSize != 3 || got.Failed != 1 || !got.IsSyncing {
		t.Errorf("payload mismatch: %+v", got)
	}
	if got.Timestamp == 0 {
		t.Error("expected timestamp to be filled in")
	}
}

func TestMQTTNotifier_CustomTopicPrefix(t *testing.T) {
	client := &fakeMQTT{connected: true}
	n := NewMQTTWithClient(client, "school/dev", nil)

	if err := n.PublishStatus(context.Background(), Event{Namespace: "lesson-9"}); err != nil {
		t.Fatalf("PublishStatus failed: %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if got := client.published[0].topic; got != "school/dev/lesson-9/status" {
		t.Errorf("unexpected topic %q", got)
	}
}

func TestMQTTNotifier_DisconnectedFailsFast(t *testing.T) {
	client := &fakeMQTT{connected: false}
	n := NewMQTTWithClient(client, "", nil)

	if err := n.PublishStatus(context.Background(), Event{Namespace: "lesson-1"}); err == nil {
		t.Fatal("expected error while disconnected")
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.published) != 0 {
		t.Errorf("published while disconnected: %d messages", len(client.published))
	}
}

func TestNoopNotifier(t *testing.T) {
	var n Notifier = Noop{}
	if err := n.PublishStatus(context.Background(), Event{Namespace: "lesson-1"}); err != nil {
		t.Errorf("noop must never fail: %v", err)
	}
	n.Close()
}
