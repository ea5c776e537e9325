package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/eventbus"
	"github.com/kandev/relay/internal/extcollab"
	"github.com/kandev/relay/internal/permission"
	"github.com/kandev/relay/pkg/events"
)

// commandKinds is the small allow-list of kinds that are forwarded to a
// relay by targeted delivery even though they did not originate from that
// relay (spec §4.3 relay-mode outbound).
var commandKinds = map[string]bool{
	events.RelaySpawnRequested: true,
	events.RelayStopRequested:  true,
	events.RelayInputRequested: true,
	events.PermissionResponded: true,
}

// Gateway bundles the Event Bus with the external collaborators and
// Permission Review pipeline the relay-mode side-effect table (§4.3)
// dispatches into, plus the Hub tracking live duplex connections.
type Gateway struct {
	cfg    config.GatewayConfig
	bus    eventbus.Bus
	hub    *Hub
	logger *logger.Logger

	tasks     extcollab.TaskStore
	sessions  extcollab.SessionStore
	artifacts extcollab.ArtifactStore
	reviewer  *permission.Reviewer

	streams *StreamStore

	pendingMu sync.Mutex
	pending   map[string]string // permission request_id -> relay_id
}

// Deps bundles the Gateway's external collaborators so New doesn't need a
// long positional parameter list.
type Deps struct {
	Tasks     extcollab.TaskStore
	Sessions  extcollab.SessionStore
	Artifacts extcollab.ArtifactStore
	Reviewer  *permission.Reviewer
}

// New constructs a Gateway. Call Run in a goroutine before accepting
// connections.
func New(cfg config.GatewayConfig, bus eventbus.Bus, deps Deps, log *logger.Logger) *Gateway {
	return &Gateway{
		cfg:       cfg,
		bus:       bus,
		hub:       NewHub(log),
		logger:    log.WithFields(zap.String("component", "gateway")),
		tasks:     deps.Tasks,
		sessions:  deps.Sessions,
		artifacts: deps.Artifacts,
		reviewer:  deps.Reviewer,
		streams:   NewStreamStore(1000),
		pending:   make(map[string]string),
	}
}

// Run starts the hub's connection bookkeeping loop. Blocks until ctx ends.
func (g *Gateway) Run(ctx context.Context) {
	g.hub.Run(ctx)
}

// RelayConnected reports whether relayID currently has a live duplex
// connection, satisfying orchestrator.RelayConnectivity.
func (g *Gateway) RelayConnected(relayID string) bool {
	return g.hub.RelayConnected(relayID)
}

// authenticate checks a bearer token against the configured user/relay
// secrets and returns which scope it belongs to, or an error if neither
// matches (spec §4.3 step 1 / §6).
func (g *Gateway) authenticate(token string) (scope string, err error) {
	switch {
	case token == "":
		return "", fmt.Errorf("missing bearer token")
	case g.cfg.RelayToken != "" && token == g.cfg.RelayToken:
		return "relay", nil
	case g.cfg.UserToken != "" && token == g.cfg.UserToken:
		return "user", nil
	default:
		return "", fmt.Errorf("invalid bearer token")
	}
}

// recordPending associates a permission request with the relay that raised
// it, so the Permission Review outcome can be tagged with the right
// relay_id for outbound routing.
func (g *Gateway) recordPending(requestID, relayID string) {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()
	g.pending[requestID] = relayID
}

func (g *Gateway) takePending(requestID string) (string, bool) {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()
	relayID, ok := g.pending[requestID]
	delete(g.pending, requestID)
	return relayID, ok
}

// emitSystem appends a core-originated event (no emitting agent) to the bus.
func (g *Gateway) emitSystem(ctx context.Context, kind string, data map[string]interface{}) {
	if _, err := g.bus.Emit(ctx, events.New(kind, data)); err != nil {
		g.logger.Error("failed to emit event", zap.String("kind", kind), zap.Error(err))
	}
}

func parseUUID(s string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}
