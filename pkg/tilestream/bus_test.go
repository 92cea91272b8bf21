package tilestream

import (
	"context"
	"testing"
	"time"

	"explorer-tile-map/pkg/database"
)

// TestBusDeliversToSubscriber publishes after subscribing and expects the
// record to arrive on the listener channel.
func TestBusDeliversToSubscriber(t *testing.T) {
	t.Parallel()

	bus := NewBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := bus.Subscribe(ctx, 8)

	rec := database.TileRecord{X: 8800, Y: 5370, Z: 14, FirstVisitedAt: 1000, ActivityID: "11"}
	bus.Publish(rec)

	select {
	case got := <-sub:
		if got != rec {
			t.Errorf("delivered %+v, want %+v", got, rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tile delivered")
	}
}

// TestBusSubscriptionClosesOnCancel checks the pruning path: once the
// subscriber context ends its channel must close instead of leaking.
func TestBusSubscriptionClosesOnCancel(t *testing.T) {
	t.Parallel()

	bus := NewBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	sub := bus.Subscribe(ctx, 8)
	cancel()

	select {
	case _, open := <-sub:
		if open {
			t.Error("expected closed channel, got a record")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not close")
	}
}

// TestBusPublishNeverBlocks fills the bus with nobody listening; Publish
// must drop on the floor rather than stall the caller.
func TestBusPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	bus := NewBus(1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(database.TileRecord{X: uint32(i), Y: 0, Z: 14})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked with no subscribers")
	}
}
