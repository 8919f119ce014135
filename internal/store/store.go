// Package store defines the durable storage contract consumed by the
// single writer. Each operation is atomic at single-entity granularity;
// no cross-entity transactions are required.
package store

import (
	"context"
	"errors"

	"proxyfleet/internal/shared/types"
)

var ErrNotFound = errors.New("store: entity not found")

type Store interface {
	ReadConnector(ctx context.Context, id string) (*types.Connector, error)
	WriteConnector(ctx context.Context, c *types.Connector) error
	ReadConnectors(ctx context.Context) ([]*types.Connector, error)

	ReadProxies(ctx context.Context, connectorID string) ([]*types.Proxy, error)
	WriteProxy(ctx context.Context, p *types.Proxy) error
	DeleteProxy(ctx context.Context, connectorID, proxyID string) error

	ReadTasks(ctx context.Context, connectorID string) ([]*types.Task, error)
	WriteTask(ctx context.Context, t *types.Task) error

	Close() error
}
