package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/eventstore"
	"github.com/kandev/relay/pkg/events"
)

// eventsSubject is the single NATS subject all instances publish appended
// events to; cursor ordering is still owned by the durable store, NATS only
// carries the fan-out notification to sibling instances.
const eventsSubject = "relay.events"

// natsBus is the multi-instance Bus: every instance appends to the shared
// store, then publishes the cursored event over NATS so sibling instances'
// local subscribers observe it too. Grounded on
// apps/backend/internal/events/bus/nats.go's connection-option set
// (reconnect wait, handlers, buffered reconnect) adapted from a
// subject-per-topic pub/sub into this package's single broadcast subject
// plus cursor-driven replay (the store, not NATS, is the durable log).
type natsBus struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	store  eventstore.Store
	logger *logger.Logger

	mu          sync.RWMutex
	subscribers map[int64]*subscriberChan
	nextID      int64

	broadcastCapacity int
}

// NewNATSBus connects to the configured NATS server and returns a Bus that
// fans broadcast events out across every connected instance.
func NewNATSBus(cfg config.EventBusConfig, store eventstore.Store, log *logger.Logger) (Bus, error) {
	b := &natsBus{
		store:             store,
		logger:            log,
		subscribers:       make(map[int64]*subscriberChan),
		broadcastCapacity: cfg.BroadcastCapacity,
	}
	if b.broadcastCapacity <= 0 {
		b.broadcastCapacity = 1024
	}

	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name("relay-eventbus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectBufSize(5*1024*1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("nats error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	b.conn = conn

	sub, err := conn.Subscribe(eventsSubject, b.handleMessage)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", eventsSubject, err)
	}
	b.sub = sub

	return b, nil
}

func (b *natsBus) handleMessage(msg *nats.Msg) {
	var event events.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		b.logger.Error("failed to unmarshal broadcast event", zap.Error(err))
		return
	}

	b.mu.RLock()
	subs := make([]*subscriberChan, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.events <- &event:
		default:
			select {
			case s.lagged <- 1:
			default:
			}
		}
	}
}

func (b *natsBus) Emit(ctx context.Context, event *events.Event) (int64, error) {
	cursor, err := b.store.Append(ctx, event)
	if err != nil {
		return 0, err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return cursor, fmt.Errorf("marshaling event for broadcast: %w", err)
	}
	if err := b.conn.Publish(eventsSubject, data); err != nil {
		b.logger.Error("failed to publish event", zap.Error(err), zap.String("kind", event.Kind))
	}
	return cursor, nil
}

func (b *natsBus) Poll(ctx context.Context, q eventstore.Query) ([]*events.Event, error) {
	return b.store.Query(ctx, q)
}

func (b *natsBus) LatestCursor(ctx context.Context) (int64, error) {
	return b.store.LatestCursor(ctx)
}

func (b *natsBus) Store() eventstore.Store { return b.store }

func (b *natsBus) Subscribe() *Subscription {
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

// Close drains the NATS connection, giving buffered publishes a chance to
// flush before the connection tears down.
func (b *natsBus) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("error draining nats connection", zap.Error(err))
			b.conn.Close()
		}
	}
}

var _ Bus = (*natsBus)(nil)
