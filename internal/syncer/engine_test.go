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

// fakeConn is a Connectivity stub with a settable state.
type fakeConn struct {
	mu       sync.Mutex
	state    netmon.State
	suspects int
}

func (c *fakeConn) State() netmon.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == "" {
		return netmon.StateOnline
	}
	return c.state
}

func (c *fakeConn) ReportSuspect() {
	c.mu.Lock()
	c.suspects++
	c.mu.Unlock()
}

func (c *fakeConn) suspectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspects
}

func newTestEngine(t *testing.T, apply ApplyFunc, conn Connectivity) *Engine {
	t.Helper()
	// A long cool-down keeps transiently failed items out of subsequent
	// batches within one test.
	q, err := queue.New("lesson-1", store.NewMemStore(), queue.Config{
		BaseDelay: time.Minute, MaxDelay: time.Hour,
	}, nil)
	if err != nil {
		t.Fatalf("queue.New failed: %v", err)
	}
	return NewEngine(q, apply, conn, nil, Config{BatchSize: 2}, nil)
}

func okApply(ctx context.Context, namespace string, items []*types.Item) ([]types.Result, error) {
	results := make([]types.Result, 0, len(items))
	for _, it := range items {
		results = append(results, types.Result{ItemID: it.ID, Class: types.ResultOK})
	}
	return results, nil
}

func TestEngine_DrainsQueueInOrder(t *testing.T) {
	var mu sync.Mutex
	var sent []int64
	apply := func(ctx context.Context, ns string, items []*types.Item) ([]types.Result, error) {
		mu.Lock()
		for _, it := range items {
			sent = append(sent, it.ID)
		}
		mu.Unlock()
		return okApply(ctx, ns, items)
	}

	e := newTestEngine(t, apply, nil)
	for _, entity := range []string{"a", "b", "c", "d", "e"} {
		e.Queue().Enqueue(types.OpCreate, entity, json.RawMessage(`{}`))
	}

	if err := e.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	if got := e.Queue().Counts().Total(); got != 0 {
		t.Errorf("expected drained queue, got %d items", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 5 {
		t.Fatalf("expected 5 sends, got %d", len(sent))
	}
	for i := 1; i < len(sent); i++ {
		if sent[i] <= sent[i-1] {
			t.Errorf("batch order violated: %v", sent)
		}
	}
}

func TestEngine_SetsLastSyncAtOnSuccess(t *testing.T) {
	e := newTestEngine(t, okApply, nil)
	e.Queue().Enqueue(types.OpCreate, "a", nil)

	before := e.Status().LastSyncAt
	if !before.IsZero() {
		t.Fatal("lastSyncAt set before any sync")
	}

	if err := e.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if e.Status().LastSyncAt.IsZero() {
		t.Error("lastSyncAt not set after a confirmed drain")
	}
}

func TestEngine_NoSuccessLeavesLastSyncAt(t *testing.T) {
	apply := func(ctx context.Context, ns string, items []*types.Item) ([]types.Result, error) {
		results := make([]types.Result, 0, len(items))
		for _, it := range items {
			results = append(results, types.Result{ItemID: it.ID, Class: types.ResultTransient, Message: "http 503"})
		}
		return results, nil
	}
	e := newTestEngine(t, apply, nil)
	e.Queue().Enqueue(types.OpCreate, "a", nil)

	if err := e.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if !e.Status().LastSyncAt.IsZero() {
		t.Error("lastSyncAt set although nothing was confirmed")
	}
}

func TestEngine_ConnectionFailureAbortsAndRollsBack(t *testing.T) {
	connErr := errors.New("connection refused")
	calls := 0
	apply := func(ctx context.Context, ns string, items []*types.Item) ([]types.Result, error) {
		calls++
		return nil, connErr
	}

	conn := &fakeConn{}
	e := newTestEngine(t, apply, conn)
	e.Queue().Enqueue(types.OpCreate, "a", nil)
	e.Queue().Enqueue(types.OpCreate, "b", nil)
	e.Queue().Enqueue(types.OpCreate, "c", nil)

	err := e.SyncNow(context.Background())
	if !errors.Is(err, connErr) {
		t.Fatalf("expected the connection error back, got %v", err)
	}

	// Only the first batch was attempted; the cycle aborted.
	if calls != 1 {
		t.Errorf("expected 1 apply call, got %d", calls)
	}
	if conn.suspectCount() != 1 {
		t.Errorf("expected one suspect report, got %d", conn.suspectCount())
	}

	// Items are back to pending with retry budget untouched.
	for _, it := range e.Queue().Items() {
		if it.Status != types.StatusPending {
			t.Errorf("item %d not rolled back: %s", it.ID, it.Status)
		}
		if it.RetryCount != 0 {
			t.Errorf("item %d lost retry budget: %d", it.ID, it.RetryCount)
		}
	}
}

func TestEngine_PermanentFailureIsTerminal(t *testing.T) {
	apply := func(ctx context.Context, ns string, items []*types.Item) ([]types.Result, error) {
		results := make([]types.Result, 0, len(items))
		for _, it := range items {
			results = append(results, types.Result{ItemID: it.ID, Class: types.ResultPermanent, Message: "validation"})
		}
		return results, nil
	}
	e := newTestEngine(t, apply, nil)
	e.Queue().Enqueue(types.OpCreate, "a", nil)

	if err := e.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	counts := e.Queue().Counts()
	if counts.Failed != 1 || counts.Pending != 0 {
		t.Fatalf("expected terminal failed, got %+v", counts)
	}

	items := e.Queue().Items()
	if items[0].RetryCount != 0 {
		t.Errorf("permanent failure consumed retry budget: %d", items[0].RetryCount)
	}

	// A second cycle must not offer the terminal item again.
	if batch := e.Queue().PeekBatch(10, time.Now().Add(time.Hour)); len(batch) != 0 {
		t.Errorf("terminal item offered again: %d items", len(batch))
	}
}

func TestEngine_SkipsWhileOffline(t *testing.T) {
	calls := 0
	apply := func(ctx context.Context, ns string, items []*types.Item) ([]types.Result, error) {
		calls++
		return okApply(ctx, ns, items)
	}

	conn := &fakeConn{state: netmon.StateOffline}
	e := newTestEngine(t, apply, conn)
	e.Queue().Enqueue(types.OpCreate, "a", nil)

	if err := e.SyncNow(context.Background()); err != nil {
		t.Fatalf("offline SyncNow must be a silent no-op: %v", err)
	}
	if calls != 0 {
		t.Errorf("apply called while offline: %d", calls)
	}
	if got := e.Queue().Counts().Total(); got != 1 {
		t.Errorf("queue touched while offline, %d items", got)
	}
}

func TestEngine_ConcurrentSyncNowIsNoOp(t *testing.T) {
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	apply := func(ctx context.Context, ns string, items []*types.Item) ([]types.Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return okApply(ctx, ns, items)
	}

	e := newTestEngine(t, apply, nil)
	e.Queue().Enqueue(types.OpCreate, "a", nil)

	done := make(chan error, 1)
	go func() { done <- e.SyncNow(context.Background()) }()

	// Wait for the first cycle to be mid-flight.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		c := calls
		mu.Unlock()
		if c > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first cycle never started")
		}
		time.Sleep(time.Millisecond)
	}

	// Second trigger while one is in flight: silent no-op.
	if err := e.SyncNow(context.Background()); err != nil {
		t.Fatalf("concurrent SyncNow errored: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first SyncNow failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("expected exactly 1 apply call, got %d", calls)
	}
}

func TestEngine_TransientFailureBumpsRetryCount(t *testing.T) {
	apply := func(ctx context.Context, ns string, items []*types.Item) ([]types.Result, error) {
		results := make([]types.Result, 0, len(items))
		for _, it := range items {
			results = append(results, types.Result{ItemID: it.ID, Class: types.ResultTransient, Message: "timeout"})
		}
		return results, nil
	}
	e := newTestEngine(t, apply, nil)
	e.Queue().Enqueue(types.OpCreate, "a", nil)

	if err := e.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	items := e.Queue().Items()
	if items[0].RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", items[0].RetryCount)
	}
	if items[0].Status != types.StatusPending {
		t.Errorf("expected pending behind cool-down, got %s", items[0].Status)
	}
	if items[0].LastError != "timeout" {
		t.Errorf("failure message not recorded: %q", items[0].LastError)
	}
}
