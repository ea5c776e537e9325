package relay

import (
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
)

// outboundEvent is a queued {kind, data} pair awaiting transmission to the
// gateway, matching the EmitEvent envelope's payload shape.
type outboundEvent struct {
	kind string
	data map[string]interface{}
}

// OutboundBuffer is the persistent bounded queue described in spec §4.4:
// events survive reconnects because the buffer lives for the lifetime of
// the relay process, outside any single connection attempt.
type OutboundBuffer struct {
	ch     chan outboundEvent
	logger *logger.Logger
}

// NewOutboundBuffer creates a buffer with the given capacity (spec: 4096).
func NewOutboundBuffer(capacity int, log *logger.Logger) *OutboundBuffer {
	return &OutboundBuffer{
		ch:     make(chan outboundEvent, capacity),
		logger: log,
	}
}

// EmitEvent implements Emitter. A full buffer drops the oldest event with a
// warning rather than blocking the caller — the supervisor and bridge must
// never stall waiting on network backpressure.
func (b *OutboundBuffer) EmitEvent(kind string, data map[string]interface{}) {
	select {
	case b.ch <- outboundEvent{kind: kind, data: data}:
	default:
		select {
		case dropped := <-b.ch:
			b.logger.Warn("outbound buffer full, dropping oldest event", zap.String("kind", dropped.kind))
		default:
		}
		select {
		case b.ch <- outboundEvent{kind: kind, data: data}:
		default:
			b.logger.Warn("outbound buffer full, dropping event", zap.String("kind", kind))
		}
	}
}

// C exposes the channel for the forwarder goroutine to drain.
func (b *OutboundBuffer) C() <-chan outboundEvent { return b.ch }
