// Package reconcile drives each connector toward its desired proxy count
// and enforces health policy. Every mutation is submitted as an order;
// the loop acts on a slightly-stale but internally consistent snapshot
// and re-evaluates on the next tick.
package reconcile

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"proxyfleet/internal/connector"
	"proxyfleet/internal/shared/logger"
	"proxyfleet/internal/shared/types"
	"proxyfleet/internal/state"
)

type Reconciler struct {
	cache    *state.Cache
	sub      *state.Submitter
	registry *connector.Registry

	batchCap        int
	maxTaskFailures int
	errorGrace      time.Duration
	now             func() time.Time

	// pending holds task IDs submitted but not yet observed in the cache,
	// so one stale snapshot cannot double-book a (connector, op) slot.
	pending map[string]map[types.OpClass]string
}

func New(cache *state.Cache, sub *state.Submitter, registry *connector.Registry, batchCap, maxTaskFailures int, errorGrace time.Duration) *Reconciler {
	return &Reconciler{
		cache:           cache,
		sub:             sub,
		registry:        registry,
		batchCap:        batchCap,
		maxTaskFailures: maxTaskFailures,
		errorGrace:      errorGrace,
		now:             time.Now,
		pending:         make(map[string]map[types.OpClass]string),
	}
}

// Tick runs one reconciliation pass over every connector.
func (r *Reconciler) Tick(ctx context.Context) {
	for _, c := range r.cache.Connectors() {
		r.reconcile(ctx, c)
	}
}

func (r *Reconciler) reconcile(ctx context.Context, c *types.Connector) {
	l := logger.WithComponent("Reconciler")

	switch c.Status {
	case types.ConnectorStopped:
		return
	case types.ConnectorError:
		// Operator intervention required; no automatic retry storm.
		return
	case types.ConnectorCreated:
		c.Status = types.ConnectorStarting
		c.LastError = ""
		if err := r.sub.PutConnector(ctx, c); err != nil {
			l.Error().Err(err).Str("connector_id", c.ID).Msg("Failed to submit connector update.")
			return
		}
	}

	if stop := r.accountTaskOutcomes(ctx, c); stop {
		return
	}
	r.failStuckTasks(ctx, c)

	proxies := r.cache.Proxies(c.ID)
	now := r.now()

	desired := c.DesiredCount
	if c.Status == types.ConnectorStopping {
		// A stopping connector drains to empty before going terminal.
		desired = 0
	}

	live := 0
	for _, p := range proxies {
		if p.Status != types.ProxyStopping && p.Status != types.ProxyStopped {
			live++
		}
	}
	deficit := desired - live

	if deficit > 0 && !r.hasActiveTask(c.ID, types.OpCreate) {
		r.issueCreateTask(ctx, c, proxies, deficit)
	}

	removals := r.selectRemovals(c, proxies, deficit, now)
	if len(removals) > 0 && !r.hasActiveTask(c.ID, types.OpRemove) {
		r.issueRemoveTask(ctx, c, removals)
	}

	// Lifecycle: STARTING settles into STARTED once the pool converged;
	// STOPPING goes terminal once the last proxy is torn down.
	if c.Status == types.ConnectorStarting && deficit <= 0 && !r.hasActiveTask(c.ID, types.OpCreate) {
		c.Status = types.ConnectorStarted
		if err := r.sub.PutConnector(ctx, c); err != nil {
			l.Error().Err(err).Str("connector_id", c.ID).Msg("Failed to submit connector update.")
		}
	}
	if c.Status == types.ConnectorStopping && len(proxies) == 0 {
		if !r.hasActiveTask(c.ID, types.OpCreate) && !r.hasActiveTask(c.ID, types.OpRemove) {
			c.Status = types.ConnectorStopped
			if err := r.sub.PutConnector(ctx, c); err != nil {
				l.Error().Err(err).Str("connector_id", c.ID).Msg("Failed to submit connector update.")
			} else {
				l.Info().Str("connector_id", c.ID).Msg("Connector drained and stopped.")
			}
		}
	}
}

// HealthTick runs the proxy health/eviction pass, independent of the
// deficit computation.
func (r *Reconciler) HealthTick(ctx context.Context) {
	l := logger.WithComponent("Reconciler/Health")
	now := r.now()

	for _, c := range r.cache.Connectors() {
		if c.Status == types.ConnectorStopped || c.Status == types.ConnectorError {
			continue
		}

		var prober connector.HealthProber
		if prov, err := r.registry.Lookup(c.Provider); err == nil {
			prober, _ = prov.(connector.HealthProber)
		}

		for _, p := range r.cache.Proxies(c.ID) {
			switch p.Status {
			case types.ProxyStarting:
				if c.StartTimeout() > 0 && now.Sub(p.StatusChangedAt) > c.StartTimeout() {
					p.Status = types.ProxyError
					p.StatusChangedAt = now
					if err := r.sub.PutProxy(ctx, p); err != nil {
						l.Error().Err(err).Str("proxy_key", p.Key).Msg("Failed to submit proxy update.")
					}
					l.Warn().Str("proxy_key", p.Key).Str("connector_id", c.ID).Msg("Proxy exceeded start timeout.")
				}

			case types.ProxyStarted:
				// Pure least-recently-used eviction by wall-clock age.
				idleSince := p.LastConnectionAt
				if idleSince.IsZero() {
					idleSince = p.StatusChangedAt
				}
				if c.KickEnabled() && now.Sub(idleSince) > c.KickDuration() && !p.ForceRemoval {
					p.ForceRemoval = true
					if err := r.sub.PutProxy(ctx, p); err != nil {
						l.Error().Err(err).Str("proxy_key", p.Key).Msg("Failed to submit proxy update.")
					}
					l.Info().Str("proxy_key", p.Key).Str("connector_id", c.ID).Msg("Proxy idle beyond kick duration, marked for removal.")
					continue
				}
				if prober != nil {
					if prober.ProbeProxy(ctx, c, p) == connector.HealthUnreachable {
						p.Status = types.ProxyError
						p.StatusChangedAt = now
						if err := r.sub.PutProxy(ctx, p); err != nil {
							l.Error().Err(err).Str("proxy_key", p.Key).Msg("Failed to submit proxy update.")
						}
						l.Warn().Str("proxy_key", p.Key).Str("connector_id", c.ID).Msg("Proxy probe failed.")
					}
				}
			}
		}
	}
}

// accountTaskOutcomes folds unacknowledged terminal create-task outcomes
// into the connector's consecutive-failure count. Returns true when the
// connector was just moved to ERROR and reconciliation must stop.
func (r *Reconciler) accountTaskOutcomes(ctx context.Context, c *types.Connector) bool {
	l := logger.WithComponent("Reconciler")

	for _, t := range r.cache.Tasks(c.ID) {
		if t.Acked || !t.Status.Terminal() {
			continue
		}
		t.Acked = true
		if err := r.sub.PutTask(ctx, t); err != nil {
			l.Error().Err(err).Str("task_id", t.ID).Msg("Failed to submit task ack.")
			continue
		}

		if t.Op != types.OpCreate {
			continue
		}
		switch t.Status {
		case types.TaskSucceeded:
			if c.TaskFailures != 0 {
				c.TaskFailures = 0
				if err := r.sub.PutConnector(ctx, c); err != nil {
					l.Error().Err(err).Str("connector_id", c.ID).Msg("Failed to submit connector update.")
				}
			}
		case types.TaskFailed:
			c.TaskFailures++
			c.LastError = t.LastError
			if c.TaskFailures >= r.maxTaskFailures {
				c.Status = types.ConnectorError
				l.Error().Str("connector_id", c.ID).Int("failures", c.TaskFailures).Msg("Connector moved to ERROR after repeated task failures.")
			}
			if err := r.sub.PutConnector(ctx, c); err != nil {
				l.Error().Err(err).Str("connector_id", c.ID).Msg("Failed to submit connector update.")
			}
			if c.Status == types.ConnectorError {
				return true
			}
		}
	}
	return false
}

// failStuckTasks treats a running task with no recorded progress beyond
// the connector's start timeout as failed; the next tick compensates.
func (r *Reconciler) failStuckTasks(ctx context.Context, c *types.Connector) {
	if c.StartTimeout() <= 0 {
		return
	}
	l := logger.WithComponent("Reconciler")
	now := r.now()
	for _, t := range r.cache.Tasks(c.ID) {
		if t.Status != types.TaskRunning || now.Sub(t.UpdatedAt) <= c.StartTimeout() {
			continue
		}
		t.Status = types.TaskFailed
		t.LastError = "no progress within start timeout"
		t.UpdatedAt = now
		if err := r.sub.PutTask(ctx, t); err != nil {
			l.Error().Err(err).Str("task_id", t.ID).Msg("Failed to submit task update.")
		} else {
			l.Warn().Str("task_id", t.ID).Str("connector_id", c.ID).Msg("Task stuck beyond start timeout, failing.")
		}
	}
}

func (r *Reconciler) issueCreateTask(ctx context.Context, c *types.Connector, proxies []*types.Proxy, deficit int) {
	l := logger.WithComponent("Reconciler")

	count := deficit
	if count > r.batchCap {
		count = r.batchCap
	}
	if c.MaxBatch > 0 && count > c.MaxBatch {
		count = c.MaxBatch
	}

	prov, err := r.registry.Lookup(c.Provider)
	if err != nil {
		l.Error().Err(err).Str("connector_id", c.ID).Msg("Cannot plan create task.")
		return
	}

	known := make([]string, 0, len(proxies))
	for _, p := range proxies {
		known = append(known, p.Key)
	}

	now := r.now()
	t := &types.Task{
		ID:          uuid.NewString(),
		ConnectorID: c.ID,
		Op:          types.OpCreate,
		Status:      types.TaskCreated,
		Steps:       prov.PlanCreate(c, count),
		Count:       count,
		StepState: map[string]string{
			"count": strconv.Itoa(count),
			"known": strings.Join(known, ","),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.sub.PutTask(ctx, t); err != nil {
		l.Error().Err(err).Str("connector_id", c.ID).Msg("Failed to submit create task.")
		return
	}
	r.markPending(c.ID, types.OpCreate, t.ID)
	l.Info().Str("connector_id", c.ID).Str("task_id", t.ID).Int("count", count).Msg("Create task issued.")
}

func (r *Reconciler) issueRemoveTask(ctx context.Context, c *types.Connector, targets []*types.Proxy) {
	l := logger.WithComponent("Reconciler")

	prov, err := r.registry.Lookup(c.Provider)
	if err != nil {
		l.Error().Err(err).Str("connector_id", c.ID).Msg("Cannot plan remove task.")
		return
	}

	keys := make([]string, 0, len(targets))
	for _, p := range targets {
		keys = append(keys, p.Key)
	}

	now := r.now()
	t := &types.Task{
		ID:          uuid.NewString(),
		ConnectorID: c.ID,
		Op:          types.OpRemove,
		Status:      types.TaskCreated,
		Steps:       prov.PlanRemove(c, targets),
		TargetKeys:  keys,
		StepState: map[string]string{
			"targets": strings.Join(keys, ","),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.sub.PutTask(ctx, t); err != nil {
		l.Error().Err(err).Str("connector_id", c.ID).Msg("Failed to submit remove task.")
		return
	}
	r.markPending(c.ID, types.OpRemove, t.ID)

	for _, p := range targets {
		p.Status = types.ProxyStopping
		p.StatusChangedAt = now
		if err := r.sub.PutProxy(ctx, p); err != nil {
			l.Error().Err(err).Str("proxy_key", p.Key).Msg("Failed to submit proxy update.")
		}
	}
	l.Info().Str("connector_id", c.ID).Str("task_id", t.ID).Int("targets", len(keys)).Msg("Remove task issued.")
}

// selectRemovals assembles the removal set: forced (kicked) proxies and
// errored proxies past their grace period always; surplus proxies only
// when the pool overshoots the desired count. Surplus selection prefers
// ERROR status, then oldest last traffic, then oldest creation, with the
// ID as a deterministic tie-break to avoid flapping.
func (r *Reconciler) selectRemovals(c *types.Connector, proxies []*types.Proxy, deficit int, now time.Time) []*types.Proxy {
	selected := make(map[string]*types.Proxy)
	var candidates []*types.Proxy

	for _, p := range proxies {
		if p.Status == types.ProxyStopping || p.Status == types.ProxyStopped {
			continue
		}
		if p.ForceRemoval {
			selected[p.ID] = p
			continue
		}
		if p.Status == types.ProxyError && now.Sub(p.StatusChangedAt) > r.errorGrace {
			selected[p.ID] = p
			continue
		}
		candidates = append(candidates, p)
	}

	if surplus := -deficit; surplus > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			pi, pj := candidates[i], candidates[j]
			ei, ej := pi.Status == types.ProxyError, pj.Status == types.ProxyError
			if ei != ej {
				return ei
			}
			if !pi.LastConnectionAt.Equal(pj.LastConnectionAt) {
				return pi.LastConnectionAt.Before(pj.LastConnectionAt)
			}
			if !pi.CreatedAt.Equal(pj.CreatedAt) {
				return pi.CreatedAt.Before(pj.CreatedAt)
			}
			return pi.ID < pj.ID
		})
		for i := 0; i < surplus && i < len(candidates); i++ {
			selected[candidates[i].ID] = candidates[i]
		}
	}

	out := make([]*types.Proxy, 0, len(selected))
	for _, p := range selected {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Reconciler) hasActiveTask(connectorID string, op types.OpClass) bool {
	if _, ok := r.cache.ActiveTask(connectorID, op); ok {
		r.clearPending(connectorID, op)
		return true
	}
	// A freshly submitted task may not have round-tripped yet.
	if id, ok := r.pending[connectorID][op]; ok {
		if t, found := r.cache.Task(id); !found || t.Active() {
			return true
		}
		r.clearPending(connectorID, op)
	}
	return false
}

func (r *Reconciler) markPending(connectorID string, op types.OpClass, taskID string) {
	if r.pending[connectorID] == nil {
		r.pending[connectorID] = make(map[types.OpClass]string)
	}
	r.pending[connectorID][op] = taskID
}

func (r *Reconciler) clearPending(connectorID string, op types.OpClass) {
	delete(r.pending[connectorID], op)
}
