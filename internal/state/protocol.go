// Package state implements the distributed state protocol: a single
// elected writer applies Orders to durable storage and re-broadcasts each
// applied mutation as an Event; every instance derives its in-memory view
// solely from the ordered event stream, never from its own submissions.
package state

import (
	"context"

	"proxyfleet/internal/shared/types"
)

// Operation identifies the mutation an order proposes.
type Operation string

const (
	OpConnectorPut Operation = "connector.put"
	OpProxyPut     Operation = "proxy.put"
	OpProxyDelete  Operation = "proxy.delete"
	OpTaskPut      Operation = "task.put"
)

const (
	KindConnector = "connector"
	KindProxy     = "proxy"
	KindTask      = "task"
)

// Order is a proposed mutation. Orders are transient and write-only; a
// redelivered or duplicated order is applied at most once thanks to the
// caller-assigned idempotency key.
type Order struct {
	IdempotencyKey string    `json:"idempotency_key"`
	EntityKind     string    `json:"entity_kind"`
	EntityID       string    `json:"entity_id"`
	ConnectorID    string    `json:"connector_id"`
	Operation      Operation `json:"operation"`

	Connector *types.Connector `json:"connector,omitempty"`
	Proxy     *types.Proxy     `json:"proxy,omitempty"`
	Task      *types.Task      `json:"task,omitempty"`
}

// Event is the durable, sequenced outcome of an applied order. Sequence is
// global to the writer; ConnectorSeq orders events within one connector's
// scope, the only ordering the protocol guarantees.
type Event struct {
	Sequence     uint64    `json:"sequence"`
	ConnectorSeq uint64    `json:"connector_seq"`
	EntityKind   string    `json:"entity_kind"`
	EntityID     string    `json:"entity_id"`
	ConnectorID  string    `json:"connector_id"`
	Operation    Operation `json:"operation"`

	Connector *types.Connector `json:"connector,omitempty"`
	Proxy     *types.Proxy     `json:"proxy,omitempty"`
	Task      *types.Task      `json:"task,omitempty"`
}

// Broker is the durable message transport: an orders channel with
// competing-consumer semantics (exactly one logical consumer, the writer)
// and an events channel with fan-out semantics (every instance its own
// consumer group). Both are at-least-once.
type Broker interface {
	// SubmitOrder enqueues an order for the writer. Any instance may call it.
	SubmitOrder(ctx context.Context, o Order) error

	// Orders returns the order stream. Only the elected writer consumes it.
	Orders(ctx context.Context) (<-chan Order, error)

	// PublishEvent broadcasts an applied mutation. Only the writer calls it.
	PublishEvent(ctx context.Context, e Event) error

	// Events returns a fan-out subscription, preceded by a bounded replay
	// of recent history so late joiners can rebuild their cache.
	Events(ctx context.Context) (<-chan Event, error)

	Close() error
}
