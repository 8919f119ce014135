package reconcile

import (
	"context"
	"testing"
	"time"

	"proxyfleet/internal/connector"
	"proxyfleet/internal/connector/localtest"
	"proxyfleet/internal/shared/types"
	"proxyfleet/internal/state"
	"proxyfleet/internal/state/membroker"
	"proxyfleet/internal/store/filestore"
	"proxyfleet/internal/task"
)

// harness pumps submitted orders through the writer into the cache
// synchronously, so each assertion sees the exact post-tick state.
type harness struct {
	broker *membroker.Broker
	writer *state.Writer
	cache  *state.Cache
	sub    *state.Submitter
	orders <-chan state.Order
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("opening filestore: %v", err)
	}
	b := membroker.New(64)
	t.Cleanup(func() {
		b.Close()
		st.Close()
	})
	orders, err := b.Orders(context.Background())
	if err != nil {
		t.Fatalf("orders channel: %v", err)
	}
	return &harness{
		broker: b,
		writer: state.NewWriter(st, b),
		cache:  state.NewCache(),
		sub:    state.NewSubmitter(b),
		orders: orders,
	}
}

func (h *harness) pump(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		select {
		case o := <-h.orders:
			ev, applied, err := h.writer.Apply(ctx, o)
			if err != nil {
				t.Fatalf("applying order %s: %v", o.IdempotencyKey, err)
			}
			if applied {
				h.cache.Apply(*ev)
			}
		default:
			return
		}
	}
}

func (h *harness) seedConnector(t *testing.T, c *types.Connector) {
	t.Helper()
	if err := h.sub.PutConnector(context.Background(), c); err != nil {
		t.Fatalf("seeding connector: %v", err)
	}
	h.pump(t)
}

func (h *harness) seedProxy(t *testing.T, p *types.Proxy) {
	t.Helper()
	if err := h.sub.PutProxy(context.Background(), p); err != nil {
		t.Fatalf("seeding proxy: %v", err)
	}
	h.pump(t)
}

func TestConvergesToDesiredCount(t *testing.T) {
	h := newHarness(t)
	reg := connector.NewRegistry()
	reg.Register(localtest.New())

	h.seedConnector(t, &types.Connector{
		ID:           "pool-a",
		Provider:     "localtest",
		DesiredCount: 5,
		Status:       types.ConnectorCreated,
	})

	r := New(h.cache, h.sub, reg, 10, 3, time.Minute)
	e := task.NewEngine(h.cache, h.sub, reg, 3, 0)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		r.Tick(ctx)
		h.pump(t)
		e.Tick(ctx)
		e.Wait()
		h.pump(t)

		// The pool never overshoots while converging.
		if live := len(h.cache.Proxies("pool-a")); live > 5 {
			t.Fatalf("iteration %d: pool overshot to %d", i, live)
		}
	}

	proxies := h.cache.Proxies("pool-a")
	if len(proxies) != 5 {
		t.Fatalf("expected 5 proxies, got %d", len(proxies))
	}
	tasks := h.cache.Tasks("pool-a")
	if len(tasks) != 1 {
		t.Fatalf("expected a single create task end to end, got %d", len(tasks))
	}
	if tasks[0].Status != types.TaskSucceeded || tasks[0].Count != 5 {
		t.Errorf("unexpected task outcome: %+v", tasks[0])
	}

	c, _ := h.cache.Connector("pool-a")
	if c.Status != types.ConnectorStarted {
		t.Errorf("expected connector STARTED after convergence, got %s", c.Status)
	}
}

func TestStaleSnapshotDoesNotDoubleBook(t *testing.T) {
	h := newHarness(t)
	reg := connector.NewRegistry()
	reg.Register(localtest.New())

	h.seedConnector(t, &types.Connector{
		ID:           "pool-a",
		Provider:     "localtest",
		DesiredCount: 3,
		Status:       types.ConnectorStarting,
	})

	r := New(h.cache, h.sub, reg, 10, 3, time.Minute)
	ctx := context.Background()

	// Two passes over the same stale snapshot: the submitted task has not
	// round-tripped through the writer between them.
	r.Tick(ctx)
	r.Tick(ctx)
	h.pump(t)

	if tasks := h.cache.Tasks("pool-a"); len(tasks) != 1 {
		t.Fatalf("expected 1 create task, got %d", len(tasks))
	}
}

func TestBatchCapLimitsCreate(t *testing.T) {
	h := newHarness(t)
	reg := connector.NewRegistry()
	reg.Register(localtest.New())

	h.seedConnector(t, &types.Connector{
		ID:           "pool-a",
		Provider:     "localtest",
		DesiredCount: 50,
		MaxBatch:     8,
		Status:       types.ConnectorStarting,
	})

	r := New(h.cache, h.sub, reg, 20, 3, time.Minute)
	r.Tick(context.Background())
	h.pump(t)

	tasks := h.cache.Tasks("pool-a")
	if len(tasks) != 1 || tasks[0].Count != 8 {
		t.Fatalf("expected one task capped at the connector batch of 8, got %+v", tasks)
	}
}

func TestKickedProxyIsReplacedExactly(t *testing.T) {
	h := newHarness(t)
	reg := connector.NewRegistry()
	reg.Register(localtest.New())
	now := time.Now()

	h.seedConnector(t, &types.Connector{
		ID:                  "pool-a",
		Provider:            "localtest",
		DesiredCount:        2,
		KickDurationSeconds: 60,
		Status:              types.ConnectorStarted,
	})
	h.seedProxy(t, &types.Proxy{
		ID: "p-idle", ConnectorID: "pool-a", Key: "127.0.0.1#20000",
		Host: "127.0.0.1", Port: 20000, Type: "http",
		Status: types.ProxyStarted, CreatedAt: now.Add(-3 * time.Hour),
		StatusChangedAt: now.Add(-3 * time.Hour), LastConnectionAt: now.Add(-2 * time.Hour),
	})
	h.seedProxy(t, &types.Proxy{
		ID: "p-warm", ConnectorID: "pool-a", Key: "127.0.0.1#20001",
		Host: "127.0.0.1", Port: 20001, Type: "http",
		Status: types.ProxyStarted, CreatedAt: now.Add(-3 * time.Hour),
		StatusChangedAt: now.Add(-3 * time.Hour), LastConnectionAt: now,
	})

	r := New(h.cache, h.sub, reg, 10, 3, time.Minute)
	e := task.NewEngine(h.cache, h.sub, reg, 3, 0)
	ctx := context.Background()

	r.HealthTick(ctx)
	h.pump(t)

	idle, _ := h.cache.ProxyByKey("pool-a", "127.0.0.1#20000")
	if !idle.ForceRemoval {
		t.Fatal("idle proxy not marked for removal")
	}
	warm, _ := h.cache.ProxyByKey("pool-a", "127.0.0.1#20001")
	if warm.ForceRemoval {
		t.Fatal("warm proxy marked for removal")
	}

	// Despite a zero deficit, the kicked proxy gets its own remove task.
	r.Tick(ctx)
	h.pump(t)

	var removeTask *types.Task
	for _, tk := range h.cache.Tasks("pool-a") {
		if tk.Op == types.OpRemove {
			removeTask = tk
		}
	}
	if removeTask == nil {
		t.Fatal("no remove task issued")
	}
	if len(removeTask.TargetKeys) != 1 || removeTask.TargetKeys[0] != "127.0.0.1#20000" {
		t.Fatalf("remove task targets %v, expected exactly the kicked proxy", removeTask.TargetKeys)
	}
	idle, _ = h.cache.ProxyByKey("pool-a", "127.0.0.1#20000")
	if idle.Status != types.ProxyStopping {
		t.Errorf("targeted proxy not marked STOPPING: %s", idle.Status)
	}

	e.Tick(ctx)
	e.Wait()
	h.pump(t)

	if _, ok := h.cache.ProxyByKey("pool-a", "127.0.0.1#20000"); ok {
		t.Fatal("kicked proxy still present after teardown")
	}

	// The next pass sees the deficit and replaces the evicted endpoint.
	r.Tick(ctx)
	h.pump(t)

	var createTask *types.Task
	for _, tk := range h.cache.Tasks("pool-a") {
		if tk.Op == types.OpCreate && tk.Active() {
			createTask = tk
		}
	}
	if createTask == nil || createTask.Count != 1 {
		t.Fatalf("expected a replacement create task of 1, got %+v", createTask)
	}
}

func TestSurplusRemovalPrefersErrorThenLRU(t *testing.T) {
	h := newHarness(t)
	reg := connector.NewRegistry()
	reg.Register(localtest.New())
	now := time.Now()

	h.seedConnector(t, &types.Connector{
		ID:           "pool-a",
		Provider:     "localtest",
		DesiredCount: 1,
		Status:       types.ConnectorStarted,
	})
	// ERROR within its grace period: only eligible as surplus, but then first.
	h.seedProxy(t, &types.Proxy{
		ID: "p-err", ConnectorID: "pool-a", Key: "10.0.0.1#1080",
		Host: "10.0.0.1", Port: 1080, Type: "http",
		Status: types.ProxyError, CreatedAt: now.Add(-time.Hour), StatusChangedAt: now,
	})
	h.seedProxy(t, &types.Proxy{
		ID: "p-old", ConnectorID: "pool-a", Key: "10.0.0.2#1080",
		Host: "10.0.0.2", Port: 1080, Type: "http",
		Status: types.ProxyStarted, CreatedAt: now.Add(-time.Hour),
		StatusChangedAt: now.Add(-time.Hour), LastConnectionAt: now.Add(-3 * time.Hour),
	})
	h.seedProxy(t, &types.Proxy{
		ID: "p-new", ConnectorID: "pool-a", Key: "10.0.0.3#1080",
		Host: "10.0.0.3", Port: 1080, Type: "http",
		Status: types.ProxyStarted, CreatedAt: now.Add(-time.Hour),
		StatusChangedAt: now.Add(-time.Hour), LastConnectionAt: now,
	})

	r := New(h.cache, h.sub, reg, 10, 3, time.Hour)
	r.Tick(context.Background())
	h.pump(t)

	var removeTask *types.Task
	for _, tk := range h.cache.Tasks("pool-a") {
		if tk.Op == types.OpRemove {
			removeTask = tk
		}
	}
	if removeTask == nil {
		t.Fatal("no remove task issued for the surplus")
	}
	got := map[string]bool{}
	for _, k := range removeTask.TargetKeys {
		got[k] = true
	}
	if len(got) != 2 || !got["10.0.0.1#1080"] || !got["10.0.0.2#1080"] {
		t.Errorf("surplus selection picked %v; expected the errored and least recently used proxies", removeTask.TargetKeys)
	}
}

func TestConnectorErrorAfterRepeatedTaskFailures(t *testing.T) {
	h := newHarness(t)
	prov := localtest.New()
	prov.FatalOn = localtest.StepAllocate
	reg := connector.NewRegistry()
	reg.Register(prov)

	h.seedConnector(t, &types.Connector{
		ID:           "pool-a",
		Provider:     "localtest",
		DesiredCount: 2,
		Status:       types.ConnectorStarting,
	})

	r := New(h.cache, h.sub, reg, 10, 2, time.Minute)
	e := task.NewEngine(h.cache, h.sub, reg, 3, 0)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		r.Tick(ctx)
		h.pump(t)
		e.Tick(ctx)
		e.Wait()
		h.pump(t)
	}

	c, _ := h.cache.Connector("pool-a")
	if c.Status != types.ConnectorError {
		t.Fatalf("expected connector ERROR after 2 consecutive failures, got %s", c.Status)
	}
	if c.TaskFailures != 2 {
		t.Errorf("expected 2 recorded failures, got %d", c.TaskFailures)
	}
	if c.LastError == "" {
		t.Error("errored connector carries no error message")
	}

	// An errored connector gets no further tasks.
	before := len(h.cache.Tasks("pool-a"))
	r.Tick(ctx)
	h.pump(t)
	if after := len(h.cache.Tasks("pool-a")); after != before {
		t.Errorf("errored connector was issued a new task (%d -> %d)", before, after)
	}
	if before != 2 {
		t.Errorf("expected exactly 2 failed tasks, got %d", before)
	}
}

func TestStoppingConnectorDrainsToStopped(t *testing.T) {
	h := newHarness(t)
	reg := connector.NewRegistry()
	reg.Register(localtest.New())
	now := time.Now()

	h.seedConnector(t, &types.Connector{
		ID:           "pool-a",
		Provider:     "localtest",
		DesiredCount: 2,
		Status:       types.ConnectorStopping,
	})
	for i, key := range []string{"127.0.0.1#20000", "127.0.0.1#20001"} {
		h.seedProxy(t, &types.Proxy{
			ID: key, ConnectorID: "pool-a", Key: key,
			Host: "127.0.0.1", Port: 20000 + i, Type: "http",
			Status: types.ProxyStarted, CreatedAt: now, StatusChangedAt: now,
		})
	}

	r := New(h.cache, h.sub, reg, 10, 3, time.Minute)
	e := task.NewEngine(h.cache, h.sub, reg, 3, 0)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		r.Tick(ctx)
		h.pump(t)
		e.Tick(ctx)
		e.Wait()
		h.pump(t)
	}

	if proxies := h.cache.Proxies("pool-a"); len(proxies) != 0 {
		t.Fatalf("pool not drained: %d proxies remain", len(proxies))
	}
	c, _ := h.cache.Connector("pool-a")
	if c.Status != types.ConnectorStopped {
		t.Errorf("expected STOPPED after drain, got %s", c.Status)
	}
	// A stopped connector never restarts its pool.
	r.Tick(ctx)
	h.pump(t)
	for _, tk := range h.cache.Tasks("pool-a") {
		if tk.Active() {
			t.Errorf("stopped connector has an active task: %+v", tk)
		}
	}
}

func TestStartTimeoutMarksProxyError(t *testing.T) {
	h := newHarness(t)
	reg := connector.NewRegistry()
	reg.Register(localtest.New())
	now := time.Now()

	h.seedConnector(t, &types.Connector{
		ID:                  "pool-a",
		Provider:            "localtest",
		DesiredCount:        1,
		StartTimeoutSeconds: 60,
		Status:              types.ConnectorStarted,
	})
	h.seedProxy(t, &types.Proxy{
		ID: "p-slow", ConnectorID: "pool-a", Key: "10.0.0.9#1080",
		Host: "10.0.0.9", Port: 1080, Type: "http",
		Status: types.ProxyStarting, CreatedAt: now.Add(-10 * time.Minute),
		StatusChangedAt: now.Add(-10 * time.Minute),
	})

	r := New(h.cache, h.sub, reg, 10, 3, time.Minute)
	r.HealthTick(context.Background())
	h.pump(t)

	p, _ := h.cache.ProxyByKey("pool-a", "10.0.0.9#1080")
	if p.Status != types.ProxyError {
		t.Fatalf("expected ERROR after start timeout, got %s", p.Status)
	}
}
