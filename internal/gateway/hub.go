// Package gateway implements the Relay Gateway (spec §4.3): the duplex
// WebSocket endpoint relays and client-mode UIs connect to, sitting on top
// of the Event Bus.
//
// Grounded on
// apps/backend/internal/gateway/websocket/hub.go's client bookkeeping
// (RWMutex-protected client map, register/unregister channels, a
// subscription index keyed by a correlation id), generalized here from
// per-task subscriber sets to the kind+relay_id filtering spec §4.3
// describes.
package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
)

// Hub tracks every live duplex connection and the set of currently
// registered relays (by relay_id), so the gateway can look up "is this
// relay currently connected" for disconnect bookkeeping and outbound
// command routing.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	relays     map[string]*Client // relay_id -> its connection, once registered
	agentRelay map[string]string  // agent_id -> relay_id currently hosting it

	register   chan *Client
	unregister chan *Client

	logger *logger.Logger
}

// NewHub constructs an empty Hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		relays:     make(map[string]*Client),
		agentRelay: make(map[string]string),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     log.WithFields(zap.String("component", "gateway_hub")),
	}
}

// Run processes register/unregister events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("gateway hub started")
	defer h.logger.Info("gateway hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.closeConn()
	}
	h.clients = make(map[*Client]bool)
	h.relays = make(map[string]*Client)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	if c.relayID != "" {
		if current, ok := h.relays[c.relayID]; ok && current == c {
			delete(h.relays, c.relayID)
			for agentID, relayID := range h.agentRelay {
				if relayID == c.relayID {
					delete(h.agentRelay, agentID)
				}
			}
		}
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(c *Client) { h.register <- c }

// Unregister removes a connection from the hub.
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

// markRegistered records c as the live connection for relayID, replacing
// any prior connection (spec §4.3: relay.up "register or replace"). The
// prior connection's active session set is preserved across the swap, and
// the prior connection is torn down so its own disconnect handling never
// fires for a relay that is, via c, actually still up.
func (h *Hub) markRegistered(relayID string, c *Client) {
	h.mu.Lock()
	old, hadPrior := h.relays[relayID]
	h.relays[relayID] = c
	h.mu.Unlock()

	c.relayID = relayID

	if !hadPrior || old == c {
		return
	}

	old.mu.Lock()
	sessions := make([]string, 0, len(old.activeSessions))
	for sessionID := range old.activeSessions {
		sessions = append(sessions, sessionID)
	}
	old.superseded = true
	old.mu.Unlock()

	c.mu.Lock()
	for _, sessionID := range sessions {
		c.activeSessions[sessionID] = true
	}
	c.mu.Unlock()

	old.closeConn()
}

// RelayConnected reports whether relayID currently has a live connection.
func (h *Hub) RelayConnected(relayID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.relays[relayID]
	return ok
}

// BindAgentRelay records which relay is currently hosting agentID, learned
// opportunistically the first time one of its output lines arrives. This
// lets the agent-stream endpoint (§6), which only knows the agent id, target
// relay.input_requested at the right relay.
func (h *Hub) BindAgentRelay(agentID, relayID string) {
	if agentID == "" || relayID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.agentRelay[agentID] = relayID
}

// RelayForAgent looks up the relay currently bound to agentID, if any.
func (h *Hub) RelayForAgent(agentID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	relayID, ok := h.agentRelay[agentID]
	return relayID, ok
}

// snapshot returns every currently registered client, for broadcast fan-out.
func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}
