// Package tilestream fans newly visited tiles out to live map clients.
package tilestream

import (
	"context"

	"explorer-tile-map/pkg/database"
)

// Bus broadcasts tile visits to subscribers without locks.  Channels keep
// producers and consumers decoupled, so a long import never blocks on a
// slow map client.
type Bus struct {
	publish     chan database.TileRecord
	subscribe   chan subscription
	unsubscribe chan subscription
}

type subscription struct {
	ch chan database.TileRecord
}

// NewBus constructs the broadcaster.  The goroutine never stops because it
// is tied to the process lifetime; subscriber contexts handle pruning.
func NewBus(buffer int) *Bus {
	b := &Bus{
		publish:     make(chan database.TileRecord, buffer),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
	}

	go b.run()
	return b
}

// Publish forwards one tile to every listener.  Non-blocking sends keep
// imports moving when clients are slow or absent.
func (b *Bus) Publish(rec database.TileRecord) {
	select {
	case b.publish <- rec:
	default:
	}
}

// Subscribe registers a listener.  The returned channel closes when the
// provided context ends.
func (b *Bus) Subscribe(ctx context.Context, buffer int) <-chan database.TileRecord {
	req := subscription{ch: make(chan database.TileRecord, buffer)}
	b.subscribe <- req

	go func() {
		<-ctx.Done()
		b.unsubscribe <- req
		close(req.ch)
	}()

	return req.ch
}

func (b *Bus) run() {
	var listeners []chan database.TileRecord

	for {
		select {
		case req := <-b.subscribe:
			listeners = append(listeners, req.ch)
		case req := <-b.unsubscribe:
			filtered := listeners[:0]
			for _, existing := range listeners {
				if existing != req.ch {
					filtered = append(filtered, existing)
				}
			}
			listeners = filtered
		case rec := <-b.publish:
			for _, ch := range listeners {
				select {
				case ch <- rec:
				default:
				}
			}
		}
	}
}
