// Package localtest provides a deterministic in-memory provider used by
// tests and local runs. Steps touch nothing outside the process.
package localtest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"proxyfleet/internal/connector"
	"proxyfleet/internal/freeproxy"
	"proxyfleet/internal/shared/types"
)

const (
	StepAllocate  = "allocate"
	StepConfigure = "configure"
	StepExpose    = "expose"
	StepTeardown  = "teardown"
)

// Provider implements connector.Provider with loopback endpoints.
// FailOn injects N retryable failures for a step name; FatalOn makes a
// step fail permanently on first execution.
type Provider struct {
	FailOn  map[string]int
	FatalOn string

	mu        sync.Mutex
	nextPort  int
	instances map[string]map[string]connector.Instance // connector id -> provider id -> instance
	failures  map[string]int
}

func New() *Provider {
	return &Provider{
		nextPort:  20000,
		instances: make(map[string]map[string]connector.Instance),
		failures:  make(map[string]int),
	}
}

func (p *Provider) Type() string { return "localtest" }

func (p *Provider) ListLiveInstances(_ context.Context, c *types.Connector) ([]connector.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]connector.Instance, 0, len(p.instances[c.ID]))
	for _, inst := range p.instances[c.ID] {
		out = append(out, inst)
	}
	return out, nil
}

func (p *Provider) PlanCreate(_ *types.Connector, _ int) []string {
	return []string{StepAllocate, StepConfigure, StepExpose}
}

func (p *Provider) PlanRemove(_ *types.Connector, _ []*types.Proxy) []string {
	return []string{StepTeardown}
}

func (p *Provider) ExecuteStep(_ context.Context, c *types.Connector, step string, state map[string]string) connector.StepResult {
	if res, failed := p.injectFailure(step); failed {
		return res
	}
	if state == nil {
		state = make(map[string]string)
	}

	switch step {
	case StepAllocate:
		// Idempotent: a lost result re-runs with ports already reserved.
		if state["ports"] == "" {
			count, _ := strconv.Atoi(state["count"])
			if count <= 0 {
				return connector.Fatal("allocate: missing batch count")
			}
			ports := make([]string, count)
			p.mu.Lock()
			for i := range ports {
				ports[i] = strconv.Itoa(p.nextPort)
				p.nextPort++
			}
			p.mu.Unlock()
			state["ports"] = strings.Join(ports, ",")
		}
		return connector.Done(state)

	case StepConfigure:
		return connector.Done(state)

	case StepExpose:
		res := connector.Done(state)
		for _, portStr := range strings.Split(state["ports"], ",") {
			port, err := strconv.Atoi(portStr)
			if err != nil {
				continue
			}
			now := time.Now()
			proxy := &types.Proxy{
				ID:              uuid.NewString(),
				ConnectorID:     c.ID,
				Key:             freeproxy.IdentityKey("127.0.0.1", port, nil),
				Host:            "127.0.0.1",
				Port:            port,
				Type:            freeproxy.TypeHTTP,
				Status:          types.ProxyStarted,
				CreatedAt:       now,
				StatusChangedAt: now,
			}
			res.Produced = append(res.Produced, proxy)
			p.mu.Lock()
			if p.instances[c.ID] == nil {
				p.instances[c.ID] = make(map[string]connector.Instance)
			}
			p.instances[c.ID][proxy.Key] = connector.Instance{
				ProviderID: proxy.Key,
				Name:       fmt.Sprintf("%s-%d", c.Prefix, port),
				Host:       proxy.Host,
				Port:       proxy.Port,
			}
			p.mu.Unlock()
		}
		return res

	case StepTeardown:
		res := connector.Done(state)
		for _, key := range strings.Split(state["targets"], ",") {
			if key == "" {
				continue
			}
			p.mu.Lock()
			delete(p.instances[c.ID], key)
			p.mu.Unlock()
			res.Removed = append(res.Removed, key)
		}
		return res

	default:
		return connector.Fatal("unknown step %q", step)
	}
}

func (p *Provider) injectFailure(step string) (connector.StepResult, bool) {
	if p.FatalOn == step {
		return connector.Fatal("injected fatal failure at %s", step), true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if remaining := p.FailOn[step] - p.failures[step]; remaining > 0 {
		p.failures[step]++
		return connector.Retryable("injected transient failure at %s (%d)", step, p.failures[step]), true
	}
	return connector.StepResult{}, false
}
