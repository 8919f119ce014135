// Package freeproxysrc implements the connector.Provider contract on top
// of externally supplied free-proxy lists. "Creating" an instance means
// fetching and normalizing list entries; there are no provider-side
// resources to tear down.
package freeproxysrc

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/proxy"

	"proxyfleet/internal/connector"
	"proxyfleet/internal/freeproxy"
	"proxyfleet/internal/shared/logger"
	"proxyfleet/internal/shared/types"
)

const (
	StepFetch   = "fetch"
	StepIngest  = "ingest"
	StepRelease = "release"

	// probeTarget 需要一个支持 TLS 的目标。
	probeTarget  = "www.baidu.com:443"
	probeTimeout = 10 * time.Second
)

type Provider struct {
	sources []freeproxy.Source
}

// New builds a provider over the given list sources. A connector may
// further narrow the set through its Sources URLs (matched by name).
func New(sources ...freeproxy.Source) *Provider {
	return &Provider{sources: sources}
}

func (p *Provider) Type() string { return "freeproxy" }

// ListLiveInstances: free-proxy lists own no provider-side resources, so
// the live set is always empty. Not an error.
func (p *Provider) ListLiveInstances(_ context.Context, _ *types.Connector) ([]connector.Instance, error) {
	return nil, nil
}

func (p *Provider) PlanCreate(_ *types.Connector, _ int) []string {
	return []string{StepFetch, StepIngest}
}

func (p *Provider) PlanRemove(_ *types.Connector, _ []*types.Proxy) []string {
	return []string{StepRelease}
}

func (p *Provider) ExecuteStep(ctx context.Context, c *types.Connector, step string, state map[string]string) connector.StepResult {
	if state == nil {
		state = make(map[string]string)
	}

	switch step {
	case StepFetch:
		lines, err := p.fetchAll(ctx, c)
		if err != nil {
			return connector.Retryable("fetch: %v", err)
		}
		if len(lines) == 0 {
			return connector.Retryable("fetch: all sources returned empty lists")
		}
		state["lines"] = strings.Join(lines, "\n")
		return connector.Done(state)

	case StepIngest:
		count, _ := strconv.Atoi(state["count"])
		if count <= 0 {
			return connector.Fatal("ingest: missing batch count")
		}
		known := make(map[string]struct{})
		for _, key := range strings.Split(state["known"], ",") {
			if key != "" {
				known[key] = struct{}{}
			}
		}

		res := connector.Done(state)
		now := time.Now()
		for _, rec := range freeproxy.Normalize(strings.Split(state["lines"], "\n")) {
			if len(res.Produced) >= count {
				break
			}
			// Duplicates of already-tracked endpoints are idempotent no-ops.
			if _, dup := known[rec.Key]; dup {
				continue
			}
			res.Produced = append(res.Produced, &types.Proxy{
				ID:              uuid.NewString(),
				ConnectorID:     c.ID,
				Key:             rec.Key,
				Host:            rec.Host,
				Port:            rec.Port,
				Type:            rec.Type,
				Auth:            rec.Auth,
				Status:          types.ProxyStarting,
				CreatedAt:       now,
				StatusChangedAt: now,
			})
		}
		if len(res.Produced) == 0 {
			return connector.Retryable("ingest: no new endpoints in fetched lists")
		}
		delete(state, "lines")
		return res

	case StepRelease:
		// Nothing to deprovision; report the targets as removed.
		res := connector.Done(state)
		for _, key := range strings.Split(state["targets"], ",") {
			if key != "" {
				res.Removed = append(res.Removed, key)
			}
		}
		return res

	default:
		return connector.Fatal("unknown step %q", step)
	}
}

func (p *Provider) fetchAll(ctx context.Context, c *types.Connector) ([]string, error) {
	l := logger.WithComponent("FreeProxy/Provider")
	var lines []string
	var lastErr error
	for _, src := range p.selectSources(c) {
		got, err := src.Fetch(ctx)
		if err != nil {
			l.Warn().Err(err).Str("source", src.Name()).Msg("Source fetch failed.")
			lastErr = err
			continue
		}
		lines = append(lines, got...)
	}
	if len(lines) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return lines, nil
}

func (p *Provider) selectSources(c *types.Connector) []freeproxy.Source {
	if len(c.Sources) == 0 {
		return p.sources
	}
	wanted := make(map[string]struct{}, len(c.Sources))
	for _, name := range c.Sources {
		wanted[name] = struct{}{}
	}
	selected := make([]freeproxy.Source, 0, len(wanted))
	for _, src := range p.sources {
		if _, ok := wanted[src.Name()]; ok {
			selected = append(selected, src)
		}
	}
	return selected
}

// ProbeProxy implements the optional connector.HealthProber capability by
// dialing through the endpoint.
func (p *Provider) ProbeProxy(ctx context.Context, _ *types.Connector, px *types.Proxy) connector.Health {
	addr := net.JoinHostPort(px.Host, strconv.Itoa(px.Port))

	switch px.Type {
	case "socks5":
		var auth *proxy.Auth
		if px.Auth != nil {
			auth = &proxy.Auth{User: px.Auth.Username, Password: px.Auth.Password}
		}
		dialer, err := proxy.SOCKS5("tcp", addr, auth, &net.Dialer{Timeout: probeTimeout})
		if err != nil {
			return connector.HealthUnknown
		}
		conn, err := dialContext(ctx, dialer, probeTarget)
		if err != nil {
			return connector.HealthUnreachable
		}
		conn.Close()
		return connector.HealthAlive

	case freeproxy.TypeHTTP, "https":
		conn, err := (&net.Dialer{Timeout: probeTimeout}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return connector.HealthUnreachable
		}
		defer conn.Close()
		// Minimal CONNECT handshake; any HTTP response counts as alive.
		_ = conn.SetDeadline(time.Now().Add(probeTimeout))
		fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", probeTarget, probeTarget)
		buf := make([]byte, 12)
		if _, err := conn.Read(buf); err != nil {
			return connector.HealthUnreachable
		}
		if !strings.HasPrefix(string(buf), "HTTP/") {
			return connector.HealthUnreachable
		}
		return connector.HealthAlive

	default:
		return connector.HealthUnknown
	}
}

func dialContext(ctx context.Context, d proxy.Dialer, addr string) (net.Conn, error) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return d.Dial("tcp", addr)
}

// DefaultSources returns the list sources wired in at assembly time.
func DefaultSources() []freeproxy.Source {
	return []freeproxy.Source{
		freeproxy.NewTextListSource("proxy-list.download", "https://www.proxy-list.download/api/v1/get?type=http"),
		freeproxy.NewTableSource("ip3366.net", "http://www.ip3366.net/?stype=1&page=1", "table tbody tr"),
		freeproxy.NewCollectorSource("proxydb.net", "https://proxydb.net/?protocol=http", "table tbody tr"),
	}
}
