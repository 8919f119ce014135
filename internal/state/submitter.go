package state

import (
	"context"

	"github.com/google/uuid"

	"proxyfleet/internal/shared/types"
)

// Submitter is the write path of every component. Each method wraps one
// mutation into an order with a fresh idempotency key; the caller's view
// changes only when the corresponding event comes back.
type Submitter struct {
	broker Broker
}

func NewSubmitter(b Broker) *Submitter {
	return &Submitter{broker: b}
}

func (s *Submitter) PutConnector(ctx context.Context, c *types.Connector) error {
	return s.broker.SubmitOrder(ctx, Order{
		IdempotencyKey: uuid.NewString(),
		EntityKind:     KindConnector,
		EntityID:       c.ID,
		ConnectorID:    c.ID,
		Operation:      OpConnectorPut,
		Connector:      c,
	})
}

func (s *Submitter) PutProxy(ctx context.Context, p *types.Proxy) error {
	return s.broker.SubmitOrder(ctx, Order{
		IdempotencyKey: uuid.NewString(),
		EntityKind:     KindProxy,
		EntityID:       p.ID,
		ConnectorID:    p.ConnectorID,
		Operation:      OpProxyPut,
		Proxy:          p,
	})
}

func (s *Submitter) DeleteProxy(ctx context.Context, connectorID, proxyID string) error {
	return s.broker.SubmitOrder(ctx, Order{
		IdempotencyKey: uuid.NewString(),
		EntityKind:     KindProxy,
		EntityID:       proxyID,
		ConnectorID:    connectorID,
		Operation:      OpProxyDelete,
	})
}

func (s *Submitter) PutTask(ctx context.Context, t *types.Task) error {
	return s.broker.SubmitOrder(ctx, Order{
		IdempotencyKey: uuid.NewString(),
		EntityKind:     KindTask,
		EntityID:       t.ID,
		ConnectorID:    t.ConnectorID,
		Operation:      OpTaskPut,
		Task:           t,
	})
}
