package eventbus

import "github.com/kandev/relay/pkg/events"

// FilteredSubscription narrows a raw Subscription to only the events whose
// kind matches one of patterns, per the wildcard rule in pkg/events.MatchAny.
// Wildcard resolution happens here, above the store/bus layer, which only
// ever deals in exact-match kind filters.
type FilteredSubscription struct {
	C      <-chan *events.Event
	Lagged <-chan int // forwards the bus's lag signal (not a count of skipped events); signals arriving while one is pending are dropped; caller recovers by re-polling from its last cursor
	done   chan struct{}
	sub    *Subscription
}

// Subscribe wraps bus.Subscribe with client-side wildcard filtering. The
// returned channel only ever emits events whose kind matches one of
// patterns; a lone "*" or empty pattern list matches everything.
func Subscribe(bus Bus, patterns []string) *FilteredSubscription {
	sub := bus.Subscribe()
	out := make(chan *events.Event, cap(sub.C))
	lagged := make(chan int, 1)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				if len(patterns) == 0 || events.MatchAny(patterns, event.Kind) {
					select {
					case out <- event:
					case <-done:
						return
					}
				}
			case n := <-sub.Lagged:
				select {
				case lagged <- n:
				default:
					// a lag warning is already pending delivery; the caller
					// will re-poll and catch up regardless of the count.
				}
			}
		}
	}()

	return &FilteredSubscription{C: out, Lagged: lagged, done: done, sub: sub}
}

// Close stops the filtering goroutine and releases the underlying subscription.
func (f *FilteredSubscription) Close() {
	close(f.done)
	f.sub.Close()
}
