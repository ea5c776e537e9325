// Package eventbus implements the publisher/subscriber substrate described
// in spec §4.2: append to the durable eventstore, then broadcast the
// now-cursored event to in-process subscribers over a bounded channel. A
// slow subscriber lags rather than blocking the publisher; it recovers by
// re-polling the store from its last observed cursor.
package eventbus

import (
	"context"
	"sync"

	"github.com/kandev/relay/internal/eventstore"
	"github.com/kandev/relay/pkg/events"
)

// Bus is the full publisher+subscriber contract used by every other
// component. Implementations must guarantee that Emit assigns a strictly
// increasing cursor and that Subscribe delivers events no earlier than the
// point of subscription without skipping any cursor the subscriber doesn't
// explicitly lag past.
type Bus interface {
	// Emit appends event to the store and broadcasts it to live subscribers.
	// The event's Cursor field is populated before Emit returns.
	Emit(ctx context.Context, event *events.Event) (int64, error)

	// Poll is a thin wrapper around the store's range query.
	Poll(ctx context.Context, q eventstore.Query) ([]*events.Event, error)

	// LatestCursor reports the highest cursor currently appended.
	LatestCursor(ctx context.Context) (int64, error)

	// Subscribe registers a new live listener. The returned Subscription
	// must be closed by the caller via Subscription.Close when done.
	Subscribe() *Subscription

	// Store exposes the underlying durable log for components (the
	// gateway's replay path, prune maintenance) that need direct query
	// access beyond what Poll offers.
	Store() eventstore.Store
}

// Subscription is a single live listener's view of the broadcast stream.
type Subscription struct {
	C      <-chan *events.Event
	Lagged <-chan int // receives 1 when an event is dropped because C is full; drops while a signal is pending are not counted separately, so the value is not the number of events skipped
	cancel func()
}

// Close unregisters the subscription and releases its channels.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// memoryBus is the default in-process Bus: a single-producer broadcaster
// fanning out to many bounded per-subscriber channels. Grounded on
// apps/backend/internal/events/bus/memory.go's subscription bookkeeping
// (RWMutex-protected subscriber map), adapted here to carry
// eventstore-backed cursors instead of NATS subjects. There is no
// per-subscriber delivery goroutine: Emit itself does a non-blocking send
// into each subscriber's channel.
type memoryBus struct {
	store eventstore.Store

	mu          sync.RWMutex
	subscribers map[int64]*subscriberChan
	nextID      int64

	broadcastCapacity int
}

type subscriberChan struct {
	events chan *events.Event
	lagged chan int
}

// NewMemoryBus constructs a Bus backed by store with the given per-subscriber
// broadcast channel capacity (spec suggests 1024).
func NewMemoryBus(store eventstore.Store, broadcastCapacity int) Bus {
	if broadcastCapacity <= 0 {
		broadcastCapacity = 1024
	}
	return &memoryBus{
		store:             store,
		subscribers:       make(map[int64]*subscriberChan),
		broadcastCapacity: broadcastCapacity,
	}
}

func (b *memoryBus) Emit(ctx context.Context, event *events.Event) (int64, error) {
	cursor, err := b.store.Append(ctx, event)
	if err != nil {
		return 0, err
	}

	// Clone subscriber list under the lock, then release before sending so
	// a slow consumer never blocks the publisher or other subscribers.
	b.mu.RLock()
	subs := make([]*subscriberChan, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.events <- event:
		default:
			// Broadcast is best-effort: signal lag, drop the event. The
			// subscriber recovers by polling from its last cursor.
			select {
			case s.lagged <- 1:
			default:
			}
		}
	}
	return cursor, nil
}

func (b *memoryBus) Poll(ctx context.Context, q eventstore.Query) ([]*events.Event, error) {
	return b.store.Query(ctx, q)
}

func (b *memoryBus) LatestCursor(ctx context.Context) (int64, error) {
	return b.store.LatestCursor(ctx)
}

func (b *memoryBus) Store() eventstore.Store { return b.store }

func (b *memoryBus) Subscribe() *Subscription {
	sub := &subscriberChan{
		events: make(chan *events.Event, b.broadcastCapacity),
		lagged: make(chan int, 1),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = sub
	b.mu.Unlock()

	return &Subscription{
		C:      sub.events,
		Lagged: sub.lagged,
		cancel: func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		},
	}
}
