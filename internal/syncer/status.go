package syncer

import "time"

// Status is the read-only aggregation the dashboard consumes: queue
// size, offline flag, drain-in-progress flag, and the last time at
// least one mutation was confirmed. It carries no state of its own;
// every query recomputes from the queue and engine.
type Status struct {
	Namespace  string    `json:"namespace"`
	QueueSize  int       `json:"queueSize"`
	Pending    int       `json:"pending"`
	Sending    int       `json:"sending"`
	Failed     int       `json:"failed"`
	IsSyncing  bool      `json:"isSyncing"`
	Offline    bool      `json:"offline"`
	LastSyncAt time.Time `json:"lastSyncAt,omitempty"`
}
