// Package syncer drains mutation queues against the school backend.
// The engine owns the drain cycle: batching, retry classification,
// mutual exclusion, and the status fields the dashboard reads. A
// manager composes one engine per namespace (one per lesson).
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/netmon"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/notify"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/queue"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/types"
)

// ApplyFunc sends a batch of mutations to the backend in queue order
// and returns one classified result per item. A non-nil error means the
// batch never reached the backend (connection-level failure).
type ApplyFunc func(ctx context.Context, namespace string, items []*types.Item) ([]types.Result, error)

// Connectivity is the slice of the connection monitor the engine needs.
type Connectivity interface {
	State() netmon.State
	ReportSuspect()
}

// Config holds the per-engine tunables.
type Config struct {
	SyncInterval time.Duration
	BatchSize    int
	ApplyTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 20 * time.Second
	}
}

// Engine drains one namespace's queue.
type Engine struct {
	q        *queue.Queue
	apply    ApplyFunc
	conn     Connectivity
	notifier notify.Notifier
	cfg      Config
	logger   *slog.Logger

	mu         sync.Mutex
	isSyncing  bool
	lastSyncAt time.Time
	running    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates an engine for the queue. conn may be nil (always
// treated as online) and notifier may be nil (no eventing).
func NewEngine(q *queue.Queue, apply ApplyFunc, conn Connectivity, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	cfg.applyDefaults()
	return &Engine{
		q:        q,
		apply:    apply,
		conn:     conn,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "syncer", "namespace", q.Namespace()),
		stopCh:   make(chan struct{}),
	}
}

// Queue returns the engine's queue.
func (e *Engine) Queue() *queue.Queue { return e.q }

// Start launches the recurring drain timer.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop(ctx)
}

// Stop terminates the drain timer. An in-flight cycle finishes.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.SyncNow(ctx); err != nil {
				e.logger.Warn("scheduled drain failed", "error", err)
			}
		}
	}
}

// SyncNow runs one drain cycle. It is a no-op while another cycle is in
// flight or while the connection monitor says we are not online; both
// return nil, matching the optimistic-first design where callers never
// handle sync errors inline.
func (e *Engine) SyncNow(ctx context.Context) error {
	e.mu.Lock()
	if e.isSyncing {
		e.mu.Unlock()
		return nil
	}
	if e.conn != nil && e.conn.State() != netmon.StateOnline {
		e.mu.Unlock()
		return nil
	}
	e.isSyncing = true
	e.mu.Unlock()

	e.publishStatus()
	anySuccess := false

	defer func() {
		e.mu.Lock()
		e.isSyncing = false
		if anySuccess {
			e.lastSyncAt = time.Now().UTC()
		}
		e.mu.Unlock()
		e.publishStatus()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Claiming selects and flips items to sending atomically, so
		// edits arriving while the batch is on the wire queue as new
		// items rather than merging into one we are about to remove.
		batch := e.q.ClaimBatch(e.cfg.BatchSize, time.Now())
		if len(batch) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(batch))
		for _, it := range batch {
			ids = append(ids, it.ID)
		}

		applyCtx, cancel := context.WithTimeout(ctx, e.cfg.ApplyTimeout)
		results, err := e.apply(applyCtx, e.q.Namespace(), batch)
		cancel()

		if err != nil {
			// The batch never reached the backend. Items return to
			// pending untouched; the monitor decides whether we are
			// actually offline.
			e.q.MarkPending(ids)
			if e.conn != nil {
				e.conn.ReportSuspect()
			}
			e.logger.Warn("drain aborted", "error", err, "items", len(batch))
			return err
		}

		byID := make(map[int64]types.Result, len(results))
		for _, r := range results {
			byID[r.ItemID] = r
		}

		var sent []int64
		for _, it := range batch {
			r, ok := byID[it.ID]
			if !ok {
				e.q.MarkFailed(it.ID, "no result for item")
				continue
			}
			switch r.Class {
			case types.ResultOK:
				sent = append(sent, it.ID)
			case types.ResultPermanent:
				e.q.MarkTerminal(it.ID, r.Message)
			default:
				e.q.MarkFailed(it.ID, r.Message)
			}
		}

		if len(sent) > 0 {
			e.q.MarkSent(sent)
			anySuccess = true
			e.logger.Debug("batch applied", "sent", len(sent), "batch", len(batch))
		}
	}
}

// Status returns the engine's current status snapshot.
func (e *Engine) Status() Status {
	counts := e.q.Counts()

	e.mu.Lock()
	syncing := e.isSyncing
	lastSync := e.lastSyncAt
	e.mu.Unlock()

	offline := false
	if e.conn != nil {
		offline = e.conn.State() != netmon.StateOnline
	}

	return Status{
		Namespace:  e.q.Namespace(),
		QueueSize:  counts.Total(),
		Pending:    counts.Pending,
		Sending:    counts.Sending,
		Failed:     counts.Failed,
		IsSyncing:  syncing,
		Offline:    offline,
		LastSyncAt: lastSync,
	}
}

// HasPendingFor reports whether the entity has un-synced edits.
func (e *Engine) HasPendingFor(entityID string) bool {
	return e.q.HasPendingFor(entityID)
}

func (e *Engine) publishStatus() {
	st := e.Status()
	conn := string(netmon.StateOnline)
	if st.Offline {
		conn = string(netmon.StateOffline)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := e.notifier.PublishStatus(ctx, notify.Event{
		Namespace:  st.Namespace,
		Connection: conn,
		QueueSize:  st.QueueSize,
		Failed:     st.Failed,
		IsSyncing:  st.IsSyncing,
		LastSyncAt: st.LastSyncAt,
	})
	if err != nil {
		e.logger.Debug("status publish failed", "error", err)
	}
}
