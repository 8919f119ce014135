package membroker

import (
	"context"
	"testing"

	"proxyfleet/internal/state"
)

func TestOrdersSingleConsumer(t *testing.T) {
	ctx := context.Background()
	b := New(16)
	defer b.Close()

	if err := b.SubmitOrder(ctx, state.Order{IdempotencyKey: "a"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := b.SubmitOrder(ctx, state.Order{IdempotencyKey: "b"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	orders, err := b.Orders(ctx)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if o := <-orders; o.IdempotencyKey != "a" {
		t.Errorf("expected order a first, got %q", o.IdempotencyKey)
	}
	if o := <-orders; o.IdempotencyKey != "b" {
		t.Errorf("expected order b second, got %q", o.IdempotencyKey)
	}
}

func TestEventsFanOut(t *testing.T) {
	ctx := context.Background()
	b := New(16)
	defer b.Close()

	first, err := b.Events(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := b.Events(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.PublishEvent(ctx, state.Event{Sequence: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i, sub := range []<-chan state.Event{first, second} {
		e := <-sub
		if e.Sequence != 1 {
			t.Errorf("subscriber %d: expected sequence 1, got %d", i, e.Sequence)
		}
	}
}

func TestLateSubscriberReplay(t *testing.T) {
	ctx := context.Background()
	b := New(16)
	defer b.Close()

	for seq := uint64(1); seq <= 3; seq++ {
		if err := b.PublishEvent(ctx, state.Event{Sequence: seq}); err != nil {
			t.Fatalf("publish %d: %v", seq, err)
		}
	}

	late, err := b.Events(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for want := uint64(1); want <= 3; want++ {
		e := <-late
		if e.Sequence != want {
			t.Errorf("replay: expected sequence %d, got %d", want, e.Sequence)
		}
	}
}

func TestReplayRingBounded(t *testing.T) {
	ctx := context.Background()
	b := New(2)
	defer b.Close()

	for seq := uint64(1); seq <= 5; seq++ {
		if err := b.PublishEvent(ctx, state.Event{Sequence: seq}); err != nil {
			t.Fatalf("publish %d: %v", seq, err)
		}
	}

	ring := b.Replay()
	if len(ring) != 2 {
		t.Fatalf("expected ring of 2, got %d", len(ring))
	}
	if ring[0].Sequence != 4 || ring[1].Sequence != 5 {
		t.Errorf("ring holds %d, %d; expected the newest two", ring[0].Sequence, ring[1].Sequence)
	}
}

func TestClosedBrokerRejects(t *testing.T) {
	ctx := context.Background()
	b := New(16)
	sub, err := b.Events(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, open := <-sub; open {
		t.Error("subscriber channel left open after close")
	}
	if err := b.SubmitOrder(ctx, state.Order{}); err == nil {
		t.Error("submit on closed broker should fail")
	}
	if err := b.PublishEvent(ctx, state.Event{}); err == nil {
		t.Error("publish on closed broker should fail")
	}
}
