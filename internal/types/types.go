// Package types holds the data model shared by the offline sync core:
// queued mutations, their lifecycle states, and per-item apply results.
package types

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation queued against an entity.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the three supported operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ItemStatus is the lifecycle state of a queued mutation.
type ItemStatus string

const (
	// StatusPending means the item is waiting to be sent.
	StatusPending ItemStatus = "pending"
	// StatusSending means the item is part of an in-flight batch.
	StatusSending ItemStatus = "sending"
	// StatusFailed is terminal: retries exhausted or the server rejected
	// the mutation. Failed items are never offered to the sync engine again.
	StatusFailed ItemStatus = "failed"
)

// Item is a single pending mutation. IDs are monotonically increasing
// within a namespace and give the queue its total order.
type Item struct {
	ID             int64           `json:"id"`
	EntityID       string          `json:"entityId"`
	Operation      Operation       `json:"operation"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	RetryCount     int             `json:"retryCount"`
	Status         ItemStatus      `json:"status"`
	// LastAttemptAt is the time of the most recent failed send attempt.
	// Zero until the item has failed at least once.
	LastAttemptAt time.Time `json:"lastAttemptAt,omitempty"`
	// LastError is the most recent failure message, kept for the
	// dashboard's "failed — retry" affordance.
	LastError string `json:"lastError,omitempty"`
}

// Clone returns a deep copy of the item.
func (it *Item) Clone() *Item {
	cp := *it
	if it.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), it.Payload...)
	}
	return &cp
}

// ResultClass classifies the outcome of applying one mutation.
type ResultClass string

const (
	// ResultOK means the backend confirmed the mutation.
	ResultOK ResultClass = "ok"
	// ResultTransient means the mutation should be retried with backoff
	// (timeout, 5xx, backend overload).
	ResultTransient ResultClass = "transient"
	// ResultPermanent means the mutation itself was rejected (validation,
	// missing entity). It must not be retried automatically.
	ResultPermanent ResultClass = "permanent"
)

// Result is the per-item outcome of an apply batch call.
type Result struct {
	ItemID  int64
	Class   ResultClass
	Message string
}
