// Package queue implements the ordered, bounded, per-namespace mutation
// queue that backs offline editing in the teacher dashboard: attendance
// marks, homework status, and comment edits are queued here while the
// device has no network and drained by the sync engine later.
//
// Every mutating call persists the queue through the durable store
// before returning, so a crash or reload never loses an accepted write.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/store"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/types"
)

// Config holds the per-queue tunables.
type Config struct {
	// MaxQueueSize bounds the number of stored items. When full, the
	// oldest pending item is evicted rather than rejecting the write:
	// the most recent user intent is more valuable than a stale one.
	MaxQueueSize int
	// MaxRetries is the number of retries after the first failed attempt
	// before an item becomes terminal failed.
	MaxRetries int
	// BaseDelay and MaxDelay shape the retry cool-down:
	// min(BaseDelay * 2^retryCount, MaxDelay).
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 500
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
}

// Counts is a snapshot of item counts by status.
type Counts struct {
	Pending int
	Sending int
	Failed  int
}

// Total returns the number of stored items.
func (c Counts) Total() int { return c.Pending + c.Sending + c.Failed }

// Queue is an ordered list of pending mutations for one namespace
// (one queue per lesson). It owns persistence for that namespace: no
// other component writes the namespace through the store.
type Queue struct {
	mu        sync.Mutex
	namespace string
	store     store.Store
	cfg       Config
	logger    *slog.Logger

	items     []*types.Item
	nextID    int64
	evictions int64
}

// New loads any persisted items for the namespace and returns the queue.
func New(namespace string, st store.Store, cfg Config, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	items, err := st.Load(namespace)
	if err != nil {
		return nil, fmt.Errorf("load queue %q: %w", namespace, err)
	}

	q := &Queue{
		namespace: namespace,
		store:     st,
		cfg:       cfg,
		logger:    logger.With("component", "queue", "namespace", namespace),
		items:     items,
		nextID:    1,
	}

	for _, it := range q.items {
		if it.ID >= q.nextID {
			q.nextID = it.ID + 1
		}
		// A crash mid-drain can leave items stuck in "sending"; the send
		// was never confirmed, so they go back to pending on load.
		if it.Status == types.StatusSending {
			it.Status = types.StatusPending
		}
	}
	return q, nil
}

// Namespace returns the queue's namespace.
func (q *Queue) Namespace() string { return q.namespace }

// MaxRetries returns the configured retry ceiling.
func (q *Queue) MaxRetries() int { return q.cfg.MaxRetries }

// Enqueue accepts a mutation for the given entity. It never fails for
// capacity or persistence reasons; the only error is an invalid
// operation kind. The returned item is the stored item after
// coalescing, so the caller can show optimistic UI. A nil item with a
// nil error means the operation annihilated against an unsent create
// (delete of an entity the server has never seen) and nothing remains
// queued.
func (q *Queue) Enqueue(op types.Operation, entityID string, payload json.RawMessage) (*types.Item, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("invalid operation %q", op)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	switch op {
	case types.OpUpdate:
		if it := q.coalesceUpdate(entityID, payload); it != nil {
			q.persist()
			return it.Clone(), nil
		}
	case types.OpDelete:
		if annihilated := q.supersedeForDelete(entityID); annihilated {
			q.persist()
			return nil, nil
		}
	}

	if len(q.items) >= q.cfg.MaxQueueSize {
		q.evictOldest()
	}

	it := &types.Item{
		ID:             q.nextID,
		EntityID:       entityID,
		Operation:      op,
		Payload:        append(json.RawMessage(nil), payload...),
		IdempotencyKey: uuid.New().String(),
		EnqueuedAt:     time.Now().UTC(),
		Status:         types.StatusPending,
	}
	q.nextID++
	q.items = append(q.items, it)
	q.persist()
	return it.Clone(), nil
}

// coalesceUpdate merges the payload into the newest un-sent update for
// the entity, provided no structural operation was queued after it.
// The existing item keeps its id and enqueuedAt for ordering; only the
// payload changes. Returns nil when no merge target exists.
func (q *Queue) coalesceUpdate(entityID string, payload json.RawMessage) *types.Item {
	for i := len(q.items) - 1; i >= 0; i-- {
		it := q.items[i]
		if it.EntityID != entityID {
			continue
		}
		// The newest queued operation for this entity decides: only a
		// pending update is a merge target. A create is never replaced
		// by a later update, and anything sending or failed is frozen.
		if it.Operation == types.OpUpdate && it.Status == types.StatusPending {
			it.Payload = mergePayloads(it.Payload, payload)
			return it
		}
		return nil
	}
	return nil
}

// supersedeForDelete drops all pending create/update items for the
// entity; they are superseded by the delete. Reports true when a
// pending create was among them, in which case the delete itself must
// not be queued: the server never saw the entity.
func (q *Queue) supersedeForDelete(entityID string) bool {
	sawCreate := false
	kept := q.items[:0]
	for _, it := range q.items {
		if it.EntityID == entityID && it.Status == types.StatusPending &&
			(it.Operation == types.OpCreate || it.Operation == types.OpUpdate) {
			if it.Operation == types.OpCreate {
				sawCreate = true
			}
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	return sawCreate
}

// mergePayloads shallow-merges two JSON objects, the newer winning per
// field. If either side is not an object the newer payload replaces the
// older wholesale (last-write-wins).
func mergePayloads(older, newer json.RawMessage) json.RawMessage {
	var base, overlay map[string]json.RawMessage
	if err := json.Unmarshal(older, &base); err != nil {
		return append(json.RawMessage(nil), newer...)
	}
	if err := json.Unmarshal(newer, &overlay); err != nil {
		return append(json.RawMessage(nil), newer...)
	}
	for k, v := range overlay {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return append(json.RawMessage(nil), newer...)
	}
	return merged
}

// evictOldest removes the oldest pending item. Items mid-send or
// terminal failed are skipped if any pending item exists; with nothing
// pending the oldest item goes regardless. Caller holds the lock.
func (q *Queue) evictOldest() {
	idx := -1
	for i, it := range q.items {
		if it.Status == types.StatusPending {
			idx = i
			break
		}
	}
	if idx < 0 {
		if len(q.items) == 0 {
			return
		}
		idx = 0
	}

	evicted := q.items[idx]
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	q.evictions++
	q.logger.Warn("queue full, evicted oldest item",
		"item_id", evicted.ID,
		"entity_id", evicted.EntityID,
		"operation", evicted.Operation,
		"evictions", q.evictions)
}

// PeekBatch returns clones of the oldest eligible pending items, up to
// limit, without mutating state. An item is eligible when its retry
// cool-down has elapsed.
func (q *Queue) PeekBatch(limit int, now time.Time) []*types.Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []*types.Item
	for _, it := range q.items {
		if len(batch) >= limit {
			break
		}
		if it.Status != types.StatusPending {
			continue
		}
		if it.RetryCount > 0 && now.Before(it.LastAttemptAt.Add(q.backoff(it.RetryCount))) {
			continue
		}
		batch = append(batch, it.Clone())
	}
	return batch
}

// backoff returns the cool-down after retryCount failed attempts.
func (q *Queue) backoff(retryCount int) time.Duration {
	d := q.cfg.BaseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= q.cfg.MaxDelay {
			return q.cfg.MaxDelay
		}
	}
	return d
}

// ClaimBatch selects the oldest eligible pending items, up to limit,
// marks them sending, and returns clones of what was claimed. Selection
// and the sending transition happen under one lock: an enqueue arriving
// while a batch is on the wire therefore appends a fresh item instead
// of coalescing into one whose stale clone is already in flight.
func (q *Queue) ClaimBatch(limit int, now time.Time) []*types.Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []*types.Item
	for _, it := range q.items {
		if len(batch) >= limit {
			break
		}
		if it.Status != types.StatusPending {
			continue
		}
		if it.RetryCount > 0 && now.Before(it.LastAttemptAt.Add(q.backoff(it.RetryCount))) {
			continue
		}
		it.Status = types.StatusSending
		batch = append(batch, it.Clone())
	}
	if len(batch) > 0 {
		q.persist()
	}
	return batch
}

// MarkPending rolls in-flight items back to pending without touching
// their retry count. Used when a drain aborts on a connection-level
// failure: connectivity loss does not consume retry budget.
func (q *Queue) MarkPending(ids []int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.byIDs(ids) {
		if it.Status == types.StatusSending {
			it.Status = types.StatusPending
		}
	}
	q.persist()
}

// MarkSent removes items after the backend confirmed them.
func (q *Queue) MarkSent(ids []int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := q.items[:0]
	for _, it := range q.items {
		if !drop[it.ID] {
			kept = append(kept, it)
		}
	}
	q.items = kept
	q.persist()
}

// MarkFailed records a transient failure: the retry count is bumped and
// the item returns to pending behind its cool-down, or becomes terminal
// failed once the ceiling is exceeded.
func (q *Queue) MarkFailed(id int64, msg string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it := q.byID(id)
	if it == nil {
		return
	}
	it.RetryCount++
	it.LastAttemptAt = time.Now().UTC()
	it.LastError = msg
	if it.RetryCount > q.cfg.MaxRetries {
		it.Status = types.StatusFailed
		q.logger.Warn("item exhausted retries",
			"item_id", it.ID, "entity_id", it.EntityID, "retries", it.RetryCount-1)
	} else {
		it.Status = types.StatusPending
	}
	q.persist()
}

// MarkTerminal records a permanent failure: the item goes straight to
// terminal failed without consuming retry budget. The dashboard surfaces
// these for manual resolution; they are never retried blindly.
func (q *Queue) MarkTerminal(id int64, msg string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it := q.byID(id)
	if it == nil {
		return
	}
	it.Status = types.StatusFailed
	it.LastAttemptAt = time.Now().UTC()
	it.LastError = msg
	q.logger.Warn("item rejected by backend",
		"item_id", it.ID, "entity_id", it.EntityID, "error", msg)
	q.persist()
}

// Clear drops every item, including terminal failures. This backs the
// explicit "discard pending changes" action and nothing else.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	q.persist()
}

// PurgeFailed removes terminal failed items older than the retention
// window and returns how many were dropped.
func (q *Queue) PurgeFailed(olderThan time.Duration, now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := now.Add(-olderThan)
	kept := q.items[:0]
	purged := 0
	for _, it := range q.items {
		if it.Status == types.StatusFailed && it.LastAttemptAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	if purged > 0 {
		q.persist()
	}
	return purged
}

// Counts returns item counts by status.
func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()

	var c Counts
	for _, it := range q.items {
		switch it.Status {
		case types.StatusPending:
			c.Pending++
		case types.StatusSending:
			c.Sending++
		case types.StatusFailed:
			c.Failed++
		}
	}
	return c
}

// HasPendingFor reports whether any non-terminal item exists for the
// entity. Drives the per-row "pending sync" indicator.
func (q *Queue) HasPendingFor(entityID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.items {
		if it.EntityID == entityID && it.Status != types.StatusFailed {
			return true
		}
	}
	return false
}

// Items returns a clone of every stored item in queue order.
func (q *Queue) Items() []*types.Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*types.Item, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.Clone())
	}
	return out
}

// Evictions returns how many items have been evicted since load.
func (q *Queue) Evictions() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evictions
}

func (q *Queue) byID(id int64) *types.Item {
	for _, it := range q.items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

func (q *Queue) byIDs(ids []int64) []*types.Item {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*types.Item
	for _, it := range q.items {
		if want[it.ID] {
			out = append(out, it)
		}
	}
	return out
}

// persist writes the queue through the store. On a quota failure it
// evicts oldest pending items until the write succeeds; data loss is
// logged, never thrown into UI code. Caller holds the lock.
func (q *Queue) persist() {
	for {
		err := q.store.Save(q.namespace, q.items)
		if err == nil {
			return
		}
		if !errors.Is(err, store.ErrQuotaExceeded) || len(q.items) == 0 {
			q.logger.Error("persist queue failed", "error", err)
			return
		}
		q.logger.Error("persist quota exceeded, evicting oldest item", "items", len(q.items))
		q.evictOldest()
	}
}
