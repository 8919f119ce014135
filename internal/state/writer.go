package state

import (
	"context"
	"fmt"

	"proxyfleet/internal/shared/logger"
	"proxyfleet/internal/store"
)

// dedupWindow bounds the idempotency-key memory of the writer. A key
// redelivered after falling out of the window would be applied again; the
// window is sized well beyond broker redelivery horizons.
const dedupWindow = 8192

// Writer is the single elected consumer of the orders channel. It applies
// each order to durable storage in arrival order, then publishes exactly
// one event per applied order. It never touches any instance's cache
// directly; its own instance learns about the write the same way every
// other instance does, by consuming the event.
type Writer struct {
	store  store.Store
	broker Broker

	seen     map[string]struct{}
	seenFIFO []string
	seq      uint64
	connSeq  map[string]uint64
}

func NewWriter(st store.Store, br Broker) *Writer {
	return &Writer{
		store:   st,
		broker:  br,
		seen:    make(map[string]struct{}),
		connSeq: make(map[string]uint64),
	}
}

// Bootstrap republishes every stored entity as an event so that caches —
// including late joiners served from the broker's replay ring — can be
// rebuilt from the event stream alone.
func (w *Writer) Bootstrap(ctx context.Context) error {
	l := logger.WithComponent("State/Writer")

	connectors, err := w.store.ReadConnectors(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: reading connectors: %w", err)
	}
	for _, c := range connectors {
		ev := w.nextEvent(c.ID, KindConnector, c.ID, OpConnectorPut)
		ev.Connector = c
		if err := w.broker.PublishEvent(ctx, ev); err != nil {
			return err
		}

		proxies, err := w.store.ReadProxies(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("bootstrap: reading proxies of %s: %w", c.ID, err)
		}
		for _, p := range proxies {
			ev := w.nextEvent(c.ID, KindProxy, p.ID, OpProxyPut)
			ev.Proxy = p
			if err := w.broker.PublishEvent(ctx, ev); err != nil {
				return err
			}
		}

		tasks, err := w.store.ReadTasks(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("bootstrap: reading tasks of %s: %w", c.ID, err)
		}
		for _, t := range tasks {
			ev := w.nextEvent(c.ID, KindTask, t.ID, OpTaskPut)
			ev.Task = t
			if err := w.broker.PublishEvent(ctx, ev); err != nil {
				return err
			}
		}
	}

	l.Info().Int("connectors", len(connectors)).Msg("Bootstrap replay published.")
	return nil
}

// Run drains the orders channel until the context is cancelled.
func (w *Writer) Run(ctx context.Context) error {
	l := logger.WithComponent("State/Writer")

	orders, err := w.broker.Orders(ctx)
	if err != nil {
		return err
	}
	l.Info().Msg("Writer consuming orders.")

	for {
		select {
		case o, ok := <-orders:
			if !ok {
				return nil
			}
			ev, applied, err := w.Apply(ctx, o)
			if err != nil {
				// Storage unreachable: the order is lost from this delivery,
				// but submitters re-derive intent on their next tick.
				l.Error().Err(err).Str("operation", string(o.Operation)).Str("entity_id", o.EntityID).Msg("Failed to apply order.")
				continue
			}
			if !applied {
				continue
			}
			if err := w.broker.PublishEvent(ctx, *ev); err != nil {
				l.Error().Err(err).Uint64("sequence", ev.Sequence).Msg("Failed to publish event.")
			}
		case <-ctx.Done():
			l.Info().Msg("Writer stopping.")
			return nil
		}
	}
}

// Apply applies one order and returns the resulting event. A duplicate
// idempotency key is a silent no-op (applied=false, no error).
func (w *Writer) Apply(ctx context.Context, o Order) (*Event, bool, error) {
	if o.IdempotencyKey != "" {
		if _, dup := w.seen[o.IdempotencyKey]; dup {
			return nil, false, nil
		}
	}

	var ev Event
	switch o.Operation {
	case OpConnectorPut:
		if o.Connector == nil {
			return nil, false, fmt.Errorf("order %s carries no connector payload", o.IdempotencyKey)
		}
		if err := w.store.WriteConnector(ctx, o.Connector); err != nil {
			return nil, false, err
		}
		ev = w.nextEvent(o.Connector.ID, KindConnector, o.Connector.ID, o.Operation)
		ev.Connector = o.Connector

	case OpProxyPut:
		if o.Proxy == nil {
			return nil, false, fmt.Errorf("order %s carries no proxy payload", o.IdempotencyKey)
		}
		if err := w.store.WriteProxy(ctx, o.Proxy); err != nil {
			return nil, false, err
		}
		ev = w.nextEvent(o.Proxy.ConnectorID, KindProxy, o.Proxy.ID, o.Operation)
		ev.Proxy = o.Proxy

	case OpProxyDelete:
		if err := w.store.DeleteProxy(ctx, o.ConnectorID, o.EntityID); err != nil {
			return nil, false, err
		}
		ev = w.nextEvent(o.ConnectorID, KindProxy, o.EntityID, o.Operation)

	case OpTaskPut:
		if o.Task == nil {
			return nil, false, fmt.Errorf("order %s carries no task payload", o.IdempotencyKey)
		}
		if err := w.store.WriteTask(ctx, o.Task); err != nil {
			return nil, false, err
		}
		ev = w.nextEvent(o.Task.ConnectorID, KindTask, o.Task.ID, o.Operation)
		ev.Task = o.Task

	default:
		return nil, false, fmt.Errorf("unknown operation %q", o.Operation)
	}

	w.remember(o.IdempotencyKey)
	return &ev, true, nil
}

func (w *Writer) nextEvent(connectorID, kind, entityID string, op Operation) Event {
	w.seq++
	w.connSeq[connectorID]++
	return Event{
		Sequence:     w.seq,
		ConnectorSeq: w.connSeq[connectorID],
		EntityKind:   kind,
		EntityID:     entityID,
		ConnectorID:  connectorID,
		Operation:    op,
	}
}

func (w *Writer) remember(key string) {
	if key == "" {
		return
	}
	w.seen[key] = struct{}{}
	w.seenFIFO = append(w.seenFIFO, key)
	if len(w.seenFIFO) > dedupWindow {
		delete(w.seen, w.seenFIFO[0])
		w.seenFIFO = w.seenFIFO[1:]
	}
}
