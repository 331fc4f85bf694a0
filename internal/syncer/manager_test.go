package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/netmon"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/queue"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/store"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/types"
)

func newTestManager(t *testing.T, apply ApplyFunc) *Manager {
	t.Helper()
	if apply == nil {
		apply = okApply
	}
	m, err := NewManager(ManagerOptions{
		Store: store.NewMemStore(),
		Apply: apply,
		Queue: queue.Config{BaseDelay: time.Minute, MaxDelay: time.Hour},
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestManager_RequiresStoreAndApply(t *testing.T) {
	if _, err := NewManager(ManagerOptions{Apply: okApply}); err == nil {
		t.Error("expected error without store")
	}
	if _, err := NewManager(ManagerOptions{Store: store.NewMemStore()}); err == nil {
		t.Error("expected error without apply function")
	}
}

func TestManager_GeneratesDeviceID(t *testing.T) {
	m := newTestManager(t, nil)
	if m.DeviceID() == "" {
		t.Error("expected a generated device id")
	}
}

func TestManager_QueueOperationCreatesNamespace(t *testing.T) {
	m := newTestManager(t, nil)

	it, err := m.QueueOperation("lesson-1", types.OpCreate, "att-1", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("QueueOperation failed: %v", err)
	}
	if it == nil {
		t.Fatal("expected the queued item back")
	}

	st, err := m.Status("lesson-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Pending != 1 {
		t.Errorf("expected 1 pending, got %+v", st)
	}
}

func TestManager_QueueOperationRejectsEmptyNamespace(t *testing.T) {
	m := newTestManager(t, nil)
	if _, err := m.QueueOperation("", types.OpCreate, "att-1", nil); err == nil {
		t.Error("expected error for empty namespace")
	}
}

func TestManager_NamespacesAreIsolated(t *testing.T) {
	m := newTestManager(t, nil)

	m.QueueOperation("lesson-1", types.OpCreate, "att-1", nil)
	m.QueueOperation("lesson-2", types.OpCreate, "att-1", nil)
	m.QueueOperation("lesson-2", types.OpCreate, "att-2", nil)

	st1, _ := m.Status("lesson-1")
	st2, _ := m.Status("lesson-2")
	if st1.QueueSize != 1 {
		t.Errorf("lesson-1: expected 1 item, got %d", st1.QueueSize)
	}
	if st2.QueueSize != 2 {
		t.Errorf("lesson-2: expected 2 items, got %d", st2.QueueSize)
	}

	if !m.HasPendingFor("lesson-2", "att-2") {
		t.Error("expected pending edits in lesson-2")
	}
	if m.HasPendingFor("lesson-1", "att-2") {
		t.Error("pending edits leaked across namespaces")
	}
}

func TestManager_SyncAllDrainsEveryNamespace(t *testing.T) {
	var mu sync.Mutex
	drained := make(map[string]bool)
	apply := func(ctx context.Context, ns string, items []*types.Item) ([]types.Result, error) {
		mu.Lock()
		drained[ns] = true
		mu.Unlock()
		return okApply(ctx, ns, items)
	}

	m := newTestManager(t, apply)
	for _, ns := range []string{"lesson-1", "lesson-2", "lesson-3"} {
		m.QueueOperation(ns, types.OpCreate, "att-1", nil)
	}

	if err := m.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(drained) != 3 {
		t.Errorf("expected all 3 namespaces drained, got %v", drained)
	}
	for _, st := range m.StatusAll() {
		if st.QueueSize != 0 {
			t.Errorf("namespace %s not drained: %d items", st.Namespace, st.QueueSize)
		}
	}
}

func TestManager_StatusAllSorted(t *testing.T) {
	m := newTestManager(t, nil)
	for _, ns := range []string{"zeta", "alpha", "mid"} {
		m.QueueOperation(ns, types.OpCreate, "x", nil)
	}

	statuses := m.StatusAll()
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	for i := 1; i < len(statuses); i++ {
		if statuses[i].Namespace < statuses[i-1].Namespace {
			t.Errorf("statuses not sorted: %s before %s",
				statuses[i-1].Namespace, statuses[i].Namespace)
		}
	}
}

func TestManager_ClearQueue(t *testing.T) {
	m := newTestManager(t, nil)
	m.QueueOperation("lesson-1", types.OpCreate, "att-1", nil)
	m.QueueOperation("lesson-1", types.OpUpdate, "att-2", json.RawMessage(`{}`))

	if err := m.ClearQueue("lesson-1"); err != nil {
		t.Fatalf("ClearQueue failed: %v", err)
	}
	st, _ := m.Status("lesson-1")
	if st.QueueSize != 0 {
		t.Errorf("expected empty queue, got %d", st.QueueSize)
	}
}

func TestManager_PurgeFailedAcrossNamespaces(t *testing.T) {
	rejectAll := func(ctx context.Context, ns string, items []*types.Item) ([]types.Result, error) {
		results := make([]types.Result, 0, len(items))
		for _, it := range items {
			results = append(results, types.Result{ItemID: it.ID, Class: types.ResultPermanent, Message: "rejected"})
		}
		return results, nil
	}

	m := newTestManager(t, rejectAll)
	m.QueueOperation("lesson-1", types.OpCreate, "a", nil)
	m.QueueOperation("lesson-2", types.OpCreate, "b", nil)

	if err := m.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}

	// Everything is terminal failed now; with a zero retention window
	// all of it is stale.
	purged := m.PurgeFailed(context.Background(), 0)
	if purged != 2 {
		t.Errorf("expected 2 purged items, got %d", purged)
	}
}

// switchProber is a netmon.Prober whose outcome can be flipped.
type switchProber struct {
	mu sync.Mutex
	ok bool
}

func (p *switchProber) Probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ok {
		return nil
	}
	return errors.New("unreachable")
}

func (p *switchProber) setOK(ok bool) {
	p.mu.Lock()
	p.ok = ok
	p.mu.Unlock()
}

func TestManager_ReconnectDrainsWithoutManualTrigger(t *testing.T) {
	prober := &switchProber{}
	monitor := netmon.New(prober, netmon.Config{
		BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond,
	}, nil)

	var mu sync.Mutex
	applies := 0
	apply := func(ctx context.Context, ns string, items []*types.Item) ([]types.Result, error) {
		mu.Lock()
		applies++
		mu.Unlock()
		return okApply(ctx, ns, items)
	}

	m, err := NewManager(ManagerOptions{
		Store:   store.NewMemStore(),
		Apply:   apply,
		Monitor: monitor,
		Queue:   queue.Config{BaseDelay: time.Minute, MaxDelay: time.Hour},
		// A long interval keeps the recurring timer out of the test;
		// only the restored event may trigger the drain.
		Engine: Config{SyncInterval: time.Hour},
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	m.Start(context.Background())
	defer m.Stop()

	monitor.ReportDown()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && m.ConnectionState() != netmon.StateOffline {
		time.Sleep(5 * time.Millisecond)
	}
	if m.ConnectionState() != netmon.StateOffline {
		t.Fatalf("monitor never went offline, state %s", m.ConnectionState())
	}

	// Edits queue up while offline; nothing may hit the wire.
	m.QueueOperation("lesson-1", types.OpCreate, "att-1", json.RawMessage(`{"status":"present"}`))
	m.QueueOperation("lesson-1", types.OpUpdate, "att-2", json.RawMessage(`{"status":"late"}`))
	mu.Lock()
	sent := applies
	mu.Unlock()
	if sent != 0 {
		t.Fatalf("apply called while offline: %d", sent)
	}

	// Connectivity returns; the restored event alone must drain the
	// queue, with no manual SyncNow.
	prober.setOK(true)
	monitor.ReportUp()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := m.Status("lesson-1")
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if st.QueueSize == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	st, _ := m.Status("lesson-1")
	if st.QueueSize != 0 {
		t.Fatalf("queue not drained after reconnect: %d items", st.QueueSize)
	}
	mu.Lock()
	defer mu.Unlock()
	if applies == 0 {
		t.Fatal("apply never called after reconnect")
	}
}

func TestManager_QueueSurvivesRestart(t *testing.T) {
	st := store.NewMemStore()
	m, err := NewManager(ManagerOptions{Store: st, Apply: okApply})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	m.QueueOperation("lesson-1", types.OpCreate, "att-1", json.RawMessage(`{"v":1}`))

	// A fresh manager over the same store sees the persisted queue.
	m2, err := NewManager(ManagerOptions{Store: st, Apply: okApply})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	status, err := m2.Status("lesson-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.QueueSize != 1 {
		t.Errorf("persisted queue lost across restart: %d items", status.QueueSize)
	}
}
