package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/netmon"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/notify"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/queue"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/store"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/types"
)

// maxConcurrentDrains bounds how many namespaces sync at once when the
// connection comes back; a teacher with many lessons open should not
// stampede the backend.
const maxConcurrentDrains = 4

// ManagerOptions wires a manager.
type ManagerOptions struct {
	Store    store.Store
	Apply    ApplyFunc
	Monitor  *netmon.Monitor
	Notifier notify.Notifier
	Queue    queue.Config
	Engine   Config
	DeviceID string
	Logger   *slog.Logger
}

// Manager owns one queue and engine per namespace and fans triggers out
// to them: the recurring timer lives in each engine, the connectivity
// restored event and the scheduler land here.
type Manager struct {
	opts   ManagerOptions
	logger *slog.Logger

	mu      sync.Mutex
	engines map[string]*Engine
	running bool
	runCtx  context.Context
}

// NewManager creates a manager. Store and Apply are required.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Apply == nil {
		return nil, fmt.Errorf("apply function is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Noop{}
	}
	if opts.DeviceID == "" {
		opts.DeviceID = uuid.New().String()
	}

	m := &Manager{
		opts:    opts,
		logger:  opts.Logger.With("component", "manager"),
		engines: make(map[string]*Engine),
	}

	if opts.Monitor != nil {
		opts.Monitor.OnRestored(func() {
			go func() {
				if err := m.SyncAll(m.runContext()); err != nil {
					m.logger.Warn("post-reconnect drain failed", "error", err)
				}
			}()
		})
	}
	return m, nil
}

// DeviceID returns this installation's identifier, sent to the backend
// for multi-device bookkeeping.
func (m *Manager) DeviceID() string { return m.opts.DeviceID }

// Start begins background operation: the connection monitor and every
// known engine's drain timer. Engines created later auto-start.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.runCtx = ctx
	engines := m.engineList()
	m.mu.Unlock()

	if m.opts.Monitor != nil {
		m.opts.Monitor.Start(ctx)
	}
	for _, e := range engines {
		e.Start(ctx)
	}
	m.logger.Info("sync manager started", "device_id", m.opts.DeviceID, "namespaces", len(engines))
}

// Stop shuts everything down. In-flight drain cycles finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	engines := m.engineList()
	m.mu.Unlock()

	for _, e := range engines {
		e.Stop()
	}
	if m.opts.Monitor != nil {
		m.opts.Monitor.Stop()
	}
	m.logger.Info("sync manager stopped")
}

// QueueOperation queues a mutation for the namespace, creating its
// queue on first use. Mirrors the queue contract: never fails for
// capacity or persistence reasons, and a nil item means the operation
// annihilated against an unsent create.
func (m *Manager) QueueOperation(namespace string, op types.Operation, entityID string, payload json.RawMessage) (*types.Item, error) {
	e, err := m.engine(namespace)
	if err != nil {
		return nil, err
	}
	return e.Queue().Enqueue(op, entityID, payload)
}

// SyncNow triggers an immediate drain for one namespace.
func (m *Manager) SyncNow(ctx context.Context, namespace string) error {
	e, err := m.engine(namespace)
	if err != nil {
		return err
	}
	return e.SyncNow(ctx)
}

// SyncAll drains every namespace, a bounded number at a time.
func (m *Manager) SyncAll(ctx context.Context) error {
	m.mu.Lock()
	engines := m.engineList()
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDrains)
	for _, e := range engines {
		g.Go(func() error {
			return e.SyncNow(gctx)
		})
	}
	return g.Wait()
}

// ClearQueue discards all pending changes for the namespace. This is
// the destructive, explicit escape hatch; it is never called as part of
// normal draining.
func (m *Manager) ClearQueue(namespace string) error {
	e, err := m.engine(namespace)
	if err != nil {
		return err
	}
	e.Queue().Clear()
	m.logger.Info("queue cleared", "namespace", namespace)
	return nil
}

// ConnectionState reports the monitor's current assessment. Without a
// monitor the manager assumes online.
func (m *Manager) ConnectionState() netmon.State {
	if m.opts.Monitor == nil {
		return netmon.StateOnline
	}
	return m.opts.Monitor.State()
}

// HasPendingFor reports whether the entity has un-synced edits.
func (m *Manager) HasPendingFor(namespace, entityID string) bool {
	m.mu.Lock()
	e, ok := m.engines[namespace]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return e.HasPendingFor(entityID)
}

// Status returns the status snapshot for one namespace.
func (m *Manager) Status(namespace string) (Status, error) {
	e, err := m.engine(namespace)
	if err != nil {
		return Status{}, err
	}
	return e.Status(), nil
}

// StatusAll returns a snapshot per known namespace, ordered by name.
func (m *Manager) StatusAll() []Status {
	m.mu.Lock()
	engines := m.engineList()
	m.mu.Unlock()

	statuses := make([]Status, 0, len(engines))
	for _, e := range engines {
		statuses = append(statuses, e.Status())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Namespace < statuses[j].Namespace
	})
	return statuses
}

// PurgeFailed drops terminal failed items older than the retention
// window across all namespaces.
func (m *Manager) PurgeFailed(ctx context.Context, olderThan time.Duration) int {
	m.mu.Lock()
	engines := m.engineList()
	m.mu.Unlock()

	purged := 0
	now := time.Now()
	for _, e := range engines {
		purged += e.Queue().PurgeFailed(olderThan, now)
	}
	if purged > 0 {
		m.logger.Info("purged failed items", "count", purged)
	}
	return purged
}

// engine returns the namespace's engine, creating it (and loading its
// persisted queue) on first use.
func (m *Manager) engine(namespace string) (*Engine, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.engines[namespace]; ok {
		return e, nil
	}

	q, err := queue.New(namespace, m.opts.Store, m.opts.Queue, m.opts.Logger)
	if err != nil {
		return nil, err
	}

	var conn Connectivity
	if m.opts.Monitor != nil {
		conn = m.opts.Monitor
	}
	e := NewEngine(q, m.opts.Apply, conn, m.opts.Notifier, m.opts.Engine, m.opts.Logger)
	m.engines[namespace] = e

	if m.running {
		e.Start(m.runCtx)
	}
	return e, nil
}

func (m *Manager) engineList() []*Engine {
	engines := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	return engines
}

func (m *Manager) runContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx != nil {
		return m.runCtx
	}
	return context.Background()
}
