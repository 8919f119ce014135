// Package membroker is the in-process broker used by single-instance
// deployments and tests. Events are retained in a bounded ring replayed to
// every new subscriber.
package membroker

import (
	"context"
	"errors"
	"sync"

	"proxyfleet/internal/shared/logger"
	"proxyfleet/internal/state"
)

const orderQueueDepth = 1024

type Broker struct {
	mu          sync.Mutex
	orders      chan state.Order
	subscribers []chan state.Event
	ring        []state.Event
	ringLimit   int
	closed      bool
}

func New(replayLimit int) *Broker {
	if replayLimit <= 0 {
		replayLimit = 1024
	}
	return &Broker{
		orders:    make(chan state.Order, orderQueueDepth),
		ringLimit: replayLimit,
	}
}

func (b *Broker) SubmitOrder(ctx context.Context, o state.Order) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("membroker: closed")
	}
	b.mu.Unlock()

	select {
	case b.orders <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) Orders(_ context.Context) (<-chan state.Order, error) {
	return b.orders, nil
}

func (b *Broker) PublishEvent(_ context.Context, e state.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("membroker: closed")
	}

	b.ring = append(b.ring, e)
	if len(b.ring) > b.ringLimit {
		b.ring = b.ring[len(b.ring)-b.ringLimit:]
	}

	for _, sub := range b.subscribers {
		select {
		case sub <- e:
		default:
			// A slow consumer loses events rather than stalling the writer.
			logger.Warn().Uint64("sequence", e.Sequence).Msg("Dropping event for slow subscriber.")
		}
	}
	return nil
}

func (b *Broker) Events(_ context.Context) (<-chan state.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("membroker: closed")
	}

	sub := make(chan state.Event, b.ringLimit+orderQueueDepth)
	for _, e := range b.ring {
		sub <- e
	}
	b.subscribers = append(b.subscribers, sub)
	return sub, nil
}

// Replay returns a copy of the retained event history.
func (b *Broker) Replay() []state.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]state.Event(nil), b.ring...)
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = nil
	return nil
}
