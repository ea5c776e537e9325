package eventbus

import (
	"fmt"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/eventstore"
)

// New selects a Bus implementation from cfg.Backend ("memory" or "nats").
func New(cfg config.EventBusConfig, store eventstore.Store, log *logger.Logger) (Bus, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryBus(store, cfg.BroadcastCapacity), nil
	case "nats":
		return NewNATSBus(cfg, store, log)
	default:
		return nil, fmt.Errorf("unknown event bus backend %q", cfg.Backend)
	}
}
