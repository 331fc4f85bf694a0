// Package notify publishes queue and sync status transitions so
// dashboard badges update without polling the daemon. The production
// notifier publishes retained MQTT messages per namespace; a no-op
// notifier stands in when eventing is disabled.
package notify

import (
	"context"
	"encoding/json"
	"time"
)

// Event is one status snapshot for a namespace.
type Event struct {
	Namespace  string    `json:"namespace"`
	Connection string    `json:"connection"`
	QueueSize  int       `json:"queueSize"`
	Failed     int       `json:"failed"`
	IsSyncing  bool      `json:"isSyncing"`
	LastSyncAt time.Time `json:"lastSyncAt,omitempty"`
	Timestamp  int64     `json:"timestamp"`
}

// Notifier receives status snapshots from the sync engine.
type Notifier interface {
	PublishStatus(ctx context.Context, ev Event) error
	Close()
}

// Noop discards all events.
type Noop struct{}

func (Noop) PublishStatus(context.Context, Event) error { return nil }
func (Noop) Close()                                     {}

func marshalEvent(ev Event) ([]byte, error) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	return json.Marshal(ev)
}
