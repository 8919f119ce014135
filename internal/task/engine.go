// Package task drives asynchronous multi-step operations against a
// connector's provider: one step per eligible task per tick, with
// retry/backoff on transient failures. Step execution is strictly
// sequential per connector and parallel across connectors.
package task

import (
	"context"
	"sync"
	"time"

	"proxyfleet/internal/connector"
	"proxyfleet/internal/shared/logger"
	"proxyfleet/internal/shared/types"
	"proxyfleet/internal/state"
)

type Engine struct {
	cache    *state.Cache
	sub      *state.Submitter
	registry *connector.Registry

	retryLimit int
	backoff    time.Duration
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]bool // connector id -> step executing
	wg       sync.WaitGroup
}

func NewEngine(cache *state.Cache, sub *state.Submitter, registry *connector.Registry, retryLimit int, backoff time.Duration) *Engine {
	return &Engine{
		cache:      cache,
		sub:        sub,
		registry:   registry,
		retryLimit: retryLimit,
		backoff:    backoff,
		now:        time.Now,
		inflight:   make(map[string]bool),
	}
}

// Tick starts step execution for every connector that has an eligible
// task and no step already in flight. It never blocks on provider calls.
func (e *Engine) Tick(ctx context.Context) {
	for _, conn := range e.cache.Connectors() {
		for _, t := range e.cache.Tasks(conn.ID) {
			if t.Status != types.TaskCreated && t.Status != types.TaskRunning {
				continue
			}
			if e.now().Before(t.NextAttemptAt) {
				continue
			}
			if !e.begin(conn.ID) {
				break
			}
			e.wg.Add(1)
			go func(c *types.Connector, t *types.Task) {
				defer e.wg.Done()
				defer e.end(c.ID)
				e.executeStep(ctx, c, t)
			}(conn, t)
			break // one step per connector per tick
		}
	}
}

// Wait blocks until in-flight step executions have finished. Abandoned
// steps are safe to retry on restart because ExecuteStep is idempotent.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Cancel transitions a non-terminal task to CANCELLED. A step already in
// flight is allowed to finish; its result is discarded.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	t, ok := e.cache.Task(taskID)
	if !ok || t.Status.Terminal() {
		return nil
	}
	t.Status = types.TaskCancelled
	t.UpdatedAt = e.now()
	return e.sub.PutTask(ctx, t)
}

func (e *Engine) begin(connectorID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[connectorID] {
		return false
	}
	e.inflight[connectorID] = true
	return true
}

func (e *Engine) end(connectorID string) {
	e.mu.Lock()
	delete(e.inflight, connectorID)
	e.mu.Unlock()
}

func (e *Engine) executeStep(ctx context.Context, c *types.Connector, t *types.Task) {
	l := logger.WithComponent("Task/Engine")

	prov, err := e.registry.Lookup(c.Provider)
	if err != nil {
		t.Status = types.TaskFailed
		t.LastError = err.Error()
		t.UpdatedAt = e.now()
		if err := e.sub.PutTask(ctx, t); err != nil {
			l.Error().Err(err).Str("task_id", t.ID).Msg("Failed to submit task update.")
		}
		return
	}

	step := t.CurrentStep()
	l.Debug().Str("task_id", t.ID).Str("connector_id", c.ID).Str("step", step).Int("retries", t.Retries).Msg("Executing step.")

	res := prov.ExecuteStep(ctx, c, step, cloneState(t.StepState))

	// A terminal transition that landed while the step was in flight wins
	// and the result is discarded. Covers explicit cancellation as well as
	// tasks the reconciler failed for lack of progress.
	if cur, ok := e.cache.Task(t.ID); ok && cur.Status.Terminal() {
		l.Info().Str("task_id", t.ID).Str("step", step).Str("status", string(cur.Status)).Msg("Task reached a terminal state mid-step, discarding result.")
		return
	}

	now := e.now()
	t.Status = types.TaskRunning

	switch {
	case res.Class == connector.ErrFatal:
		t.Status = types.TaskFailed
		t.LastError = res.Err
		l.Warn().Str("task_id", t.ID).Str("step", step).Str("error", res.Err).Msg("Step failed permanently.")

	case res.Class == connector.ErrRetryable:
		t.Retries++
		t.LastError = res.Err
		if t.Retries >= e.retryLimit {
			t.Status = types.TaskFailed
			l.Warn().Str("task_id", t.ID).Str("step", step).Int("retries", t.Retries).Msg("Step exhausted its retry budget.")
		} else {
			backoff := e.backoff
			if res.RetryAfter > 0 {
				backoff = res.RetryAfter
			}
			t.NextAttemptAt = now.Add(backoff)
			l.Debug().Str("task_id", t.ID).Str("step", step).Int("retries", t.Retries).Dur("backoff", backoff).Msg("Step failed, will retry.")
		}

	case res.Completed:
		t.StepState = res.State
		t.StepIndex++
		t.Retries = 0
		t.LastError = ""
		t.NextAttemptAt = time.Time{}
		if t.StepIndex >= len(t.Steps) {
			t.Status = types.TaskSucceeded
			l.Info().Str("task_id", t.ID).Str("connector_id", c.ID).Str("op", string(t.Op)).Msg("Task succeeded.")
			// Pool records only change once the task outcome is known; a
			// completed intermediate step carries its endpoints forward in
			// step state rather than publishing them early.
			e.emitResults(ctx, c, res)
		}

	default:
		// Step made progress but isn't done; persist state and come back.
		t.StepState = res.State
	}

	t.UpdatedAt = now
	if err := e.sub.PutTask(ctx, t); err != nil {
		l.Error().Err(err).Str("task_id", t.ID).Msg("Failed to submit task update.")
	}
}

// emitResults turns a step's produced and removed endpoints into orders.
// Produced records whose identity key already exists in the connector's
// pool are idempotent no-ops.
func (e *Engine) emitResults(ctx context.Context, c *types.Connector, res connector.StepResult) {
	l := logger.WithComponent("Task/Engine")

	for _, p := range res.Produced {
		if _, exists := e.cache.ProxyByKey(c.ID, p.Key); exists {
			continue
		}
		if p.Status == "" {
			p.Status = types.ProxyStarting
		}
		if err := e.sub.PutProxy(ctx, p); err != nil {
			l.Error().Err(err).Str("proxy_key", p.Key).Msg("Failed to submit produced proxy.")
		}
	}

	for _, key := range res.Removed {
		p, ok := e.cache.ProxyByKey(c.ID, key)
		if !ok {
			continue
		}
		if err := e.sub.DeleteProxy(ctx, c.ID, p.ID); err != nil {
			l.Error().Err(err).Str("proxy_key", key).Msg("Failed to submit proxy removal.")
		}
	}
}

func cloneState(state map[string]string) map[string]string {
	if state == nil {
		return nil
	}
	cp := make(map[string]string, len(state))
	for k, v := range state {
		cp[k] = v
	}
	return cp
}
