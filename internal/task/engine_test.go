package task

import (
	"context"
	"strconv"
	"testing"
	"time"

	"proxyfleet/internal/connector"
	"proxyfleet/internal/connector/localtest"
	"proxyfleet/internal/shared/types"
	"proxyfleet/internal/state"
	"proxyfleet/internal/state/membroker"
	"proxyfleet/internal/store/filestore"
)

// harness wires a submitter, writer and cache around an in-process broker
// and pumps orders through synchronously, so each test observes the exact
// state after a tick.
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

// pump drains submitted orders through the writer into the cache.
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

func (h *harness) seedCreateTask(t *testing.T, prov connector.Provider, c *types.Connector, count int) *types.Task {
	t.Helper()
	task := &types.Task{
		ID:          "task-create",
		ConnectorID: c.ID,
		Op:          types.OpCreate,
		Status:      types.TaskCreated,
		Steps:       prov.PlanCreate(c, count),
		Count:       count,
		StepState:   map[string]string{"count": strconv.Itoa(count), "known": ""},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := h.sub.PutTask(context.Background(), task); err != nil {
		t.Fatalf("seeding task: %v", err)
	}
	h.pump(t)
	return task
}

func tick(t *testing.T, h *harness, e *Engine) {
	t.Helper()
	e.Tick(context.Background())
	e.Wait()
	h.pump(t)
}

func testConnector() *types.Connector {
	return &types.Connector{
		ID:           "pool-a",
		Provider:     "localtest",
		DesiredCount: 2,
		Status:       types.ConnectorStarting,
	}
}

func TestCreateTaskRunsOneStepPerTick(t *testing.T) {
	h := newHarness(t)
	prov := localtest.New()
	reg := connector.NewRegistry()
	reg.Register(prov)

	c := testConnector()
	h.seedConnector(t, c)
	h.seedCreateTask(t, prov, c, 2)

	e := NewEngine(h.cache, h.sub, reg, 3, 0)

	// Three steps in the create plan, one tick each.
	tick(t, h, e)
	got, _ := h.cache.Task("task-create")
	if got.Status != types.TaskRunning || got.StepIndex != 1 {
		t.Fatalf("after tick 1: status=%s step=%d", got.Status, got.StepIndex)
	}
	if len(h.cache.Proxies(c.ID)) != 0 {
		t.Fatal("proxies appeared before the expose step")
	}

	tick(t, h, e)
	tick(t, h, e)

	got, _ = h.cache.Task("task-create")
	if got.Status != types.TaskSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (step %d, err %q)", got.Status, got.StepIndex, got.LastError)
	}
	proxies := h.cache.Proxies(c.ID)
	if len(proxies) != 2 {
		t.Fatalf("expected 2 proxies, got %d", len(proxies))
	}
	for _, p := range proxies {
		if p.Host != "127.0.0.1" || p.Status != types.ProxyStarted {
			t.Errorf("unexpected proxy %+v", p)
		}
	}
	// A finished task is left alone by further ticks.
	tick(t, h, e)
	if again, _ := h.cache.Task("task-create"); !again.UpdatedAt.Equal(got.UpdatedAt) {
		t.Error("terminal task was touched again")
	}
}

func TestRetryExhaustionFailsTask(t *testing.T) {
	h := newHarness(t)
	prov := localtest.New()
	prov.FailOn = map[string]int{localtest.StepAllocate: 10}
	reg := connector.NewRegistry()
	reg.Register(prov)

	c := testConnector()
	h.seedConnector(t, c)
	h.seedCreateTask(t, prov, c, 2)

	e := NewEngine(h.cache, h.sub, reg, 3, 0)

	for i := 0; i < 5; i++ {
		tick(t, h, e)
	}

	got, _ := h.cache.Task("task-create")
	if got.Status != types.TaskFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.Retries != 3 {
		t.Errorf("expected exactly 3 attempts counted, got %d", got.Retries)
	}
	if got.LastError == "" {
		t.Error("failed task carries no error")
	}
	if got.StepIndex != 0 {
		t.Errorf("failed task advanced to step %d", got.StepIndex)
	}
}

func TestRetryBackoffDelaysNextAttempt(t *testing.T) {
	h := newHarness(t)
	prov := localtest.New()
	prov.FailOn = map[string]int{localtest.StepAllocate: 1}
	reg := connector.NewRegistry()
	reg.Register(prov)

	c := testConnector()
	h.seedConnector(t, c)
	h.seedCreateTask(t, prov, c, 2)

	e := NewEngine(h.cache, h.sub, reg, 5, time.Hour)

	tick(t, h, e)
	got, _ := h.cache.Task("task-create")
	if got.Retries != 1 || got.NextAttemptAt.IsZero() {
		t.Fatalf("expected a scheduled retry, got retries=%d next=%v", got.Retries, got.NextAttemptAt)
	}

	// The backoff window holds the task back on subsequent ticks.
	tick(t, h, e)
	again, _ := h.cache.Task("task-create")
	if again.Retries != 1 || again.StepIndex != 0 {
		t.Errorf("task executed inside its backoff window: %+v", again)
	}
}

func TestFatalErrorFailsImmediately(t *testing.T) {
	h := newHarness(t)
	prov := localtest.New()
	prov.FatalOn = localtest.StepConfigure
	reg := connector.NewRegistry()
	reg.Register(prov)

	c := testConnector()
	h.seedConnector(t, c)
	h.seedCreateTask(t, prov, c, 2)

	e := NewEngine(h.cache, h.sub, reg, 3, 0)

	tick(t, h, e) // allocate succeeds
	tick(t, h, e) // configure fails fatally

	got, _ := h.cache.Task("task-create")
	if got.Status != types.TaskFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.Retries != 0 {
		t.Errorf("fatal failure must not consume the retry budget, got %d", got.Retries)
	}
}

func TestUnknownProviderFailsTask(t *testing.T) {
	h := newHarness(t)
	reg := connector.NewRegistry()

	c := testConnector()
	h.seedConnector(t, c)

	task := &types.Task{
		ID:          "task-create",
		ConnectorID: c.ID,
		Op:          types.OpCreate,
		Status:      types.TaskCreated,
		Steps:       []string{"allocate"},
		CreatedAt:   time.Now(),
	}
	if err := h.sub.PutTask(context.Background(), task); err != nil {
		t.Fatalf("seeding task: %v", err)
	}
	h.pump(t)

	e := NewEngine(h.cache, h.sub, reg, 3, 0)
	tick(t, h, e)

	got, _ := h.cache.Task("task-create")
	if got.Status != types.TaskFailed || got.LastError == "" {
		t.Fatalf("expected FAILED with an error, got %+v", got)
	}
}

func TestCancelledTaskDiscardsInFlightResult(t *testing.T) {
	h := newHarness(t)
	prov := localtest.New()
	reg := connector.NewRegistry()
	reg.Register(prov)

	c := testConnector()
	h.seedConnector(t, c)
	running := h.seedCreateTask(t, prov, c, 2)

	e := NewEngine(h.cache, h.sub, reg, 3, 0)

	// The cancellation lands while the step is in flight: the cache already
	// holds the CANCELLED record when the step result comes back.
	if err := e.Cancel(context.Background(), running.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.pump(t)

	stale := running.Clone()
	stale.Status = types.TaskRunning
	e.executeStep(context.Background(), c, stale)
	h.pump(t)

	got, _ := h.cache.Task(running.ID)
	if got.Status != types.TaskCancelled {
		t.Fatalf("cancelled task was overwritten: %s", got.Status)
	}
	if len(h.cache.Proxies(c.ID)) != 0 {
		t.Error("discarded step result still produced proxies")
	}

	// Further ticks skip the terminal task entirely.
	tick(t, h, e)
	if len(h.cache.Proxies(c.ID)) != 0 {
		t.Error("terminal task was executed by a tick")
	}
}

func TestFailedTaskNotResurrectedByInFlightResult(t *testing.T) {
	h := newHarness(t)
	prov := localtest.New()
	reg := connector.NewRegistry()
	reg.Register(prov)

	c := testConnector()
	h.seedConnector(t, c)
	running := h.seedCreateTask(t, prov, c, 2)

	e := NewEngine(h.cache, h.sub, reg, 3, 0)

	// The reconciler fails the task for lack of progress while a step is
	// still in flight. The step result must not flip it back to RUNNING.
	failed := running.Clone()
	failed.Status = types.TaskFailed
	failed.LastError = "no progress within start timeout"
	if err := h.sub.PutTask(context.Background(), failed); err != nil {
		t.Fatalf("failing task: %v", err)
	}
	h.pump(t)

	stale := running.Clone()
	stale.Status = types.TaskRunning
	e.executeStep(context.Background(), c, stale)
	h.pump(t)

	got, _ := h.cache.Task(running.ID)
	if got.Status != types.TaskFailed {
		t.Fatalf("failed task was resurrected to %s", got.Status)
	}
	if got.LastError != failed.LastError {
		t.Errorf("failure reason was overwritten: %q", got.LastError)
	}
	if got.StepIndex != 0 {
		t.Errorf("failed task advanced to step %d", got.StepIndex)
	}
	if len(h.cache.Proxies(c.ID)) != 0 {
		t.Error("discarded step result still produced proxies")
	}
}

// stagedProvider produces an endpoint from an intermediate step, verifying
// that pool records appear only once the task has succeeded.
type stagedProvider struct{}

func (stagedProvider) Type() string { return "staged" }

func (stagedProvider) ListLiveInstances(context.Context, *types.Connector) ([]connector.Instance, error) {
	return nil, nil
}

func (stagedProvider) PlanCreate(*types.Connector, int) []string {
	return []string{"prepare", "publish"}
}

func (stagedProvider) PlanRemove(*types.Connector, []*types.Proxy) []string { return nil }

func (stagedProvider) ExecuteStep(_ context.Context, c *types.Connector, step string, state map[string]string) connector.StepResult {
	res := connector.Done(state)
	p := &types.Proxy{
		ID:          "p-" + c.ID,
		ConnectorID: c.ID,
		Key:         "203.0.113.50#1080",
		Host:        "203.0.113.50",
		Port:        1080,
		Type:        "socks5",
	}
	switch step {
	case "prepare":
		res.Produced = []*types.Proxy{p}
	case "publish":
		res.Produced = []*types.Proxy{p}
	}
	return res
}

func TestResultsEmittedOnlyOnSuccess(t *testing.T) {
	h := newHarness(t)
	reg := connector.NewRegistry()
	reg.Register(stagedProvider{})

	c := &types.Connector{ID: "pool-a", Provider: "staged", DesiredCount: 1, Status: types.ConnectorStarted}
	h.seedConnector(t, c)

	task := &types.Task{
		ID:          "task-create",
		ConnectorID: c.ID,
		Op:          types.OpCreate,
		Status:      types.TaskCreated,
		Steps:       stagedProvider{}.PlanCreate(c, 1),
		CreatedAt:   time.Now(),
	}
	if err := h.sub.PutTask(context.Background(), task); err != nil {
		t.Fatalf("seeding task: %v", err)
	}
	h.pump(t)

	e := NewEngine(h.cache, h.sub, reg, 3, 0)

	tick(t, h, e)
	got, _ := h.cache.Task("task-create")
	if got.Status != types.TaskRunning || got.StepIndex != 1 {
		t.Fatalf("after tick 1: status=%s step=%d", got.Status, got.StepIndex)
	}
	if len(h.cache.Proxies(c.ID)) != 0 {
		t.Fatal("intermediate step published pool records before the task succeeded")
	}

	tick(t, h, e)
	got, _ = h.cache.Task("task-create")
	if got.Status != types.TaskSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", got.Status)
	}
	if proxies := h.cache.Proxies(c.ID); len(proxies) != 1 {
		t.Fatalf("expected 1 proxy after success, got %d", len(proxies))
	}
}

// fixedKeyProvider always produces the same identity key, exercising the
// produced-endpoint deduplication in the engine.
type fixedKeyProvider struct{}

func (fixedKeyProvider) Type() string { return "fixedkey" }

func (fixedKeyProvider) ListLiveInstances(context.Context, *types.Connector) ([]connector.Instance, error) {
	return nil, nil
}

func (fixedKeyProvider) PlanCreate(*types.Connector, int) []string { return []string{"emit"} }

func (fixedKeyProvider) PlanRemove(*types.Connector, []*types.Proxy) []string {
	return []string{"drop"}
}

func (fixedKeyProvider) ExecuteStep(_ context.Context, c *types.Connector, step string, state map[string]string) connector.StepResult {
	res := connector.Done(state)
	switch step {
	case "emit":
		res.Produced = []*types.Proxy{{
			ID:          "p-" + c.ID,
			ConnectorID: c.ID,
			Key:         "203.0.113.7#8080",
			Host:        "203.0.113.7",
			Port:        8080,
			Type:        "http",
		}}
	case "drop":
		res.Removed = []string{"203.0.113.7#8080"}
	}
	return res
}

func TestProducedEndpointsDeduplicateByKey(t *testing.T) {
	h := newHarness(t)
	reg := connector.NewRegistry()
	reg.Register(fixedKeyProvider{})

	c := &types.Connector{ID: "pool-a", Provider: "fixedkey", DesiredCount: 1, Status: types.ConnectorStarted}
	h.seedConnector(t, c)

	e := NewEngine(h.cache, h.sub, reg, 3, 0)

	for i, id := range []string{"t1", "t2"} {
		task := &types.Task{
			ID:          id,
			ConnectorID: c.ID,
			Op:          types.OpCreate,
			Status:      types.TaskCreated,
			Steps:       []string{"emit"},
			CreatedAt:   time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		if err := h.sub.PutTask(context.Background(), task); err != nil {
			t.Fatalf("seeding task %s: %v", id, err)
		}
		h.pump(t)
		tick(t, h, e)
	}

	proxies := h.cache.Proxies(c.ID)
	if len(proxies) != 1 {
		t.Fatalf("expected the duplicate key to be dropped, got %d proxies", len(proxies))
	}
	if got, _ := h.cache.Task("t2"); got.Status != types.TaskSucceeded {
		t.Errorf("second task should still succeed, got %s", got.Status)
	}
	if proxies[0].Status != types.ProxyStarting {
		t.Errorf("produced proxy without a status should default to STARTING, got %s", proxies[0].Status)
	}
}
