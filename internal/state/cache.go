package state

import (
	"context"
	"sort"
	"sync"

	"proxyfleet/internal/shared/logger"
	"proxyfleet/internal/shared/types"
)

// Cache is the replicated read view of one process instance. It is
// mutated exclusively by applying events in stream order; two caches fed
// the same event prefix report identical snapshots.
type Cache struct {
	mu         sync.RWMutex
	connectors map[string]*types.Connector
	proxies    map[string]map[string]*types.Proxy // connector id -> proxy id -> proxy
	tasks      map[string]*types.Task
	lastSeq    uint64
}

func NewCache() *Cache {
	return &Cache{
		connectors: make(map[string]*types.Connector),
		proxies:    make(map[string]map[string]*types.Proxy),
		tasks:      make(map[string]*types.Task),
	}
}

// Run consumes the event stream until the context is cancelled or the
// channel closes.
func (c *Cache) Run(ctx context.Context, events <-chan Event) {
	l := logger.WithComponent("State/Cache")
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			c.Apply(e)
		case <-ctx.Done():
			l.Debug().Msg("Cache consumer stopping.")
			return
		}
	}
}

// Apply folds one event into the view. Deterministic: the outcome depends
// only on the current view and the event.
func (c *Cache) Apply(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastSeq = e.Sequence

	switch e.Operation {
	case OpConnectorPut:
		if e.Connector != nil {
			c.connectors[e.Connector.ID] = e.Connector.Clone()
		}
	case OpProxyPut:
		if e.Proxy != nil {
			byID := c.proxies[e.Proxy.ConnectorID]
			if byID == nil {
				byID = make(map[string]*types.Proxy)
				c.proxies[e.Proxy.ConnectorID] = byID
			}
			byID[e.Proxy.ID] = e.Proxy.Clone()
		}
	case OpProxyDelete:
		delete(c.proxies[e.ConnectorID], e.EntityID)
	case OpTaskPut:
		if e.Task != nil {
			c.tasks[e.Task.ID] = e.Task.Clone()
		}
	}
}

func (c *Cache) LastSequence() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeq
}

// Connectors returns all connectors sorted by ID.
func (c *Cache) Connectors() []*types.Connector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Connector, 0, len(c.connectors))
	for _, conn := range c.connectors {
		out = append(out, conn.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Cache) Connector(id string) (*types.Connector, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.connectors[id]
	if !ok {
		return nil, false
	}
	return conn.Clone(), true
}

// Proxies returns a connector's proxies sorted by creation time, then ID
// for a deterministic order.
func (c *Cache) Proxies(connectorID string) []*types.Proxy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Proxy, 0, len(c.proxies[connectorID]))
	for _, p := range c.proxies[connectorID] {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ProxyByKey looks up a connector's proxy by identity key.
func (c *Cache) ProxyByKey(connectorID, key string) (*types.Proxy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.proxies[connectorID] {
		if p.Key == key {
			return p.Clone(), true
		}
	}
	return nil, false
}

// Task looks up a task by ID.
func (c *Cache) Task(id string) (*types.Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns a connector's tasks sorted by creation time.
func (c *Cache) Tasks(connectorID string) []*types.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*types.Task
	for _, t := range c.tasks {
		if t.ConnectorID == connectorID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveTask returns the non-terminal task of the given class, if any. At
// most one exists per (connector, class); the reconciler enforces that
// before creation.
func (c *Cache) ActiveTask(connectorID string, op types.OpClass) (*types.Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tasks {
		if t.ConnectorID == connectorID && t.Op == op && t.Active() {
			return t.Clone(), true
		}
	}
	return nil, false
}

// ListHealthyProxies is the read-only query consumed by the traffic
// router. An empty connectorID selects across all connectors.
func (c *Cache) ListHealthyProxies(connectorID string) []types.ProxyEndpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []types.ProxyEndpoint
	for cid, byID := range c.proxies {
		if connectorID != "" && cid != connectorID {
			continue
		}
		for _, p := range byID {
			if p.Status != types.ProxyStarted {
				continue
			}
			out = append(out, types.ProxyEndpoint{
				Key:         p.Key,
				ConnectorID: p.ConnectorID,
				Host:        p.Host,
				Port:        p.Port,
				Type:        p.Type,
				Auth:        p.Auth,
				Status:      p.Status,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
