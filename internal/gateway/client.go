// Per-connection duplex handling (spec §4.3 handshake, keep-alive, and
// relay-mode inbound/outbound rules).
//
// Grounded on apps/backend/internal/gateway/websocket/client.go's read/write
// pump structure (buffered send channel, SetReadDeadline/SetPongHandler
// keep-alive, ReadPump running inline while WritePump runs in its own
// goroutine) and its writeWait/pongWait/pingPeriod constants, generalized
// here to the relay-gateway's tagged envelope set instead of the UI
// dispatcher's action/response messages.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/eventbus"
	"github.com/kandev/relay/internal/eventstore"
	"github.com/kandev/relay/pkg/events"
	"github.com/kandev/relay/pkg/protocol"
)

const (
	writeWait           = 10 * time.Second
	pongWait            = 60 * time.Second
	pingPeriod          = 30 * time.Second
	maxMessageSize      = 1 << 20
	registrationTimeout = 30 * time.Second
)

// Client is one live duplex connection, either a relay or a client-mode UI.
type Client struct {
	id     string
	conn   *websocket.Conn
	gw     *Gateway
	hub    *Hub
	send   chan []byte
	logger *logger.Logger

	// subscribedRelayID is set from the subscribe query parameters at
	// connect time; its presence alone puts the connection in relay mode,
	// before relay.up has been received.
	subscribedRelayID string
	relayID           string // confirmed identity, set once relay.up registers
	registered        bool
	registeredCh      chan struct{}
	registeredOnce    sync.Once
	kinds             []string
	agentIDFilter     string
	taskIDFilter      string

	mu             sync.Mutex
	activeSessions map[string]bool
	replayedUpTo   int64
	superseded     bool // set by Hub.markRegistered when a newer connection replaces this one

	sub *eventbus.FilteredSubscription

	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, gw *Gateway, params protocol.SubscribeParams, log *logger.Logger) *Client {
	return &Client{
		id:                id,
		conn:              conn,
		gw:                gw,
		hub:               gw.hub,
		send:              make(chan []byte, 256),
		logger:            log.WithFields(zap.String("client_id", id)),
		subscribedRelayID: params.RelayID,
		kinds:             params.Kinds,
		agentIDFilter:     params.AgentID,
		taskIDFilter:      params.TaskID,
		activeSessions:    make(map[string]bool),
		registeredCh:      make(chan struct{}),
	}
}

func (c *Client) isRelayMode() bool { return c.subscribedRelayID != "" }

// closeConn tears down the subscription and socket. It deliberately does
// not close c.send: other goroutines may still attempt a non-blocking send
// on it after this runs, and a send on a closed channel panics. The write
// pump and forwarder both exit on ctx cancellation instead.
func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		if c.sub != nil {
			c.sub.Close()
		}
		_ = c.conn.Close()
	})
}

// serve runs the connection's handshake, then both pumps until either side
// closes. It blocks until the connection ends.
func (c *Client) serve(ctx context.Context, cursor int64) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.hub.Register(c)
	defer c.hub.Unregister(c)

	c.sendSubscribed(cursor)
	// Subscribe before replaying the backlog so no event appended between
	// the replay query and "replay_complete" is missed; overlap is
	// resolved by replayedUpTo in forwardBusEvents.
	c.sub = eventbus.Subscribe(c.gw.bus, c.outboundPatterns())

	go c.writePump(connCtx)
	c.replayBacklog(ctx, cursor)
	go c.forwardBusEvents(connCtx)
	if c.isRelayMode() {
		go c.enforceRegistrationDeadline(connCtx)
	}

	c.readPump(connCtx)

	c.mu.Lock()
	superseded := c.superseded
	c.mu.Unlock()

	if c.isRelayMode() && c.relayID != "" && !superseded {
		c.handleDisconnect(ctx)
	}
}

// outboundPatterns is what this connection subscribes to on the bus; the
// relay_id targeting rule (§4.3) is applied separately in shouldDeliver,
// since FilteredSubscription only matches on kind.
func (c *Client) outboundPatterns() []string {
	return c.kinds
}

// replayBacklog sends every persisted event after cursor (filtered the
// same way live events are) as "event" frames, then "replay_complete".
// Events with a cursor at or below the highest one replayed are skipped by
// forwardBusEvents, so the live subscription registered just before this
// call can safely overlap with the backlog.
func (c *Client) replayBacklog(ctx context.Context, cursor int64) {
	// Kind patterns may carry a trailing "*", which the store's exact-match
	// filter cannot express, so they are applied per event below instead.
	q := eventstore.Query{FromCursor: cursor}
	if id, ok := parseUUID(c.agentIDFilter); ok {
		q.AgentID = &id
	}
	if id, ok := parseUUID(c.taskIDFilter); ok {
		q.TaskID = &id
	}

	backlog, err := c.gw.bus.Poll(ctx, q)
	if err != nil {
		c.logger.Warn("replay query failed", zap.Error(err))
		return
	}

	count := 0
	var highest int64
	for _, evt := range backlog {
		if len(c.kinds) > 0 && !events.MatchAny(c.kinds, evt.Kind) {
			continue
		}
		if !c.shouldDeliver(evt) {
			continue
		}
		c.sendEventFrame(evt)
		count++
		if evt.Cursor > highest {
			highest = evt.Cursor
		}
	}

	c.mu.Lock()
	c.replayedUpTo = highest
	c.mu.Unlock()

	_ = c.writeJSON(protocol.ReplayComplete{Type: protocol.TypeReplayComplete, Cursor: highest, Count: count})
}

// enforceRegistrationDeadline closes the connection if the relay never sends
// relay.up within registrationTimeout of connecting (spec boundary: a
// subscribed-but-unregistered relay socket is not allowed to linger).
func (c *Client) enforceRegistrationDeadline(ctx context.Context) {
	select {
	case <-c.registeredCh:
	case <-ctx.Done():
	case <-time.After(registrationTimeout):
		c.logger.Warn("relay did not send relay.up within deadline, closing connection")
		c.closeConn()
	}
}

func (c *Client) handleDisconnect(ctx context.Context) {
	c.mu.Lock()
	sessions := make([]string, 0, len(c.activeSessions))
	for s := range c.activeSessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	c.gw.markRelaySessionsFailed(ctx, sessions)
	c.gw.emitSystem(ctx, events.RelayDown, map[string]interface{}{"relay_id": c.relayID})
	c.logger.Info("relay disconnected", zap.String("relay_id", c.relayID))
}

func (c *Client) readPump(ctx context.Context) {
	defer c.closeConn()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleInbound(ctx, raw)
	}
}

func (c *Client) handleInbound(ctx context.Context, raw []byte) {
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		c.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case *protocol.Pong:
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	case *protocol.EmitEvent:
		c.handleEmitEvent(ctx, m)
	case *protocol.SendInput:
		// Client-mode UIs send input via a dedicated agent-stream
		// connection (§6); on the duplex channel this is a no-op.
	}
}

// handleEmitEvent implements relay-mode inbound (§4.3): relay.up must be
// the first accepted event; everything else is forwarded to the bus, with
// relay_id injected, after applying the side-effect table.
func (c *Client) handleEmitEvent(ctx context.Context, m *protocol.EmitEvent) {
	if !c.isRelayMode() {
		c.forwardToBus(ctx, m.Kind, m.Data)
		return
	}

	if m.Kind == events.RelayUp {
		c.relayID = c.subscribedRelayID
		if m.Data == nil {
			m.Data = map[string]interface{}{}
		}
		m.Data["relay_id"] = c.relayID
		c.registered = true
		c.registeredOnce.Do(func() { close(c.registeredCh) })
		c.gw.handleRelayUp(c, m.Data)
		c.forwardToBus(ctx, m.Kind, m.Data)
		return
	}

	if !c.registered {
		c.logger.Warn("dropping event from unregistered relay", zap.String("kind", m.Kind))
		return
	}

	if m.Data == nil {
		m.Data = map[string]interface{}{}
	}
	m.Data["relay_id"] = c.relayID
	c.applySideEffects(ctx, m.Kind, m.Data)
	c.forwardToBus(ctx, m.Kind, m.Data)
}

func (c *Client) applySideEffects(ctx context.Context, kind string, data map[string]interface{}) {
	switch kind {
	case events.RelayAgentOutput:
		c.gw.handleAgentOutput(ctx, data)
	case events.RelaySessionStatus:
		c.gw.handleSessionStatus(ctx, data)
		if sessionID, ok := data["session_id"].(string); ok {
			c.mu.Lock()
			delete(c.activeSessions, sessionID)
			c.mu.Unlock()
		}
	case events.RelayPermissionReq:
		c.gw.handlePermissionRequest(ctx, c.relayID, data)
	case events.RelayArtifact:
		c.gw.handleArtifact(ctx, data)
	case events.RelaySpawnCompleted:
		if sessionID, ok := data["session_id"].(string); ok {
			c.mu.Lock()
			c.activeSessions[sessionID] = true
			c.mu.Unlock()
		}
	case events.RelayPromptCompleted, events.RelaySpawnFailed:
		// Informational / resolved by the pending-command waiter that
		// issued the original spawn; no gateway-side state change.
	}
}

func (c *Client) forwardToBus(ctx context.Context, kind string, data map[string]interface{}) {
	if _, err := c.gw.bus.Emit(ctx, events.New(kind, data)); err != nil {
		c.logger.Error("failed to append event", zap.String("kind", kind), zap.Error(err))
	}
}

// forwardBusEvents implements relay-mode outbound (§4.3): the bus fan-out
// is filtered by kind (already applied by FilteredSubscription) and, for
// relay connections, by data.relay_id matching this relay (or the command
// allow-list's explicit targeting).
func (c *Client) forwardBusEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.sub.C:
			if !ok {
				return
			}
			c.mu.Lock()
			alreadyReplayed := evt.Cursor <= c.replayedUpTo
			c.mu.Unlock()
			if alreadyReplayed || !c.shouldDeliver(evt) {
				continue
			}
			c.sendEventFrame(evt)
		case n := <-c.sub.Lagged:
			_ = c.writeJSON(protocol.ErrorFrame{
				Type:    protocol.TypeError,
				Message: fmt.Sprintf("lagged by %d events, reconnect with your last cursor to catch up", n),
			})
		}
	}
}

func (c *Client) shouldDeliver(evt *events.Event) bool {
	if c.agentIDFilter != "" && evt.AgentID.String() != c.agentIDFilter {
		return false
	}
	if c.taskIDFilter != "" && (evt.TaskID == nil || evt.TaskID.String() != c.taskIDFilter) {
		return false
	}
	if !c.isRelayMode() {
		return true
	}
	// Relays only ever receive the command kinds targeted at them; every
	// other relay-originated kind (agent_output, session_status, ...) only
	// flows to client-mode subscribers, which avoids echoing a relay's own
	// events back to itself.
	targetRelay, _ := evt.Data["relay_id"].(string)
	return commandKinds[evt.Kind] && targetRelay == c.relayID
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(protocol.Ping{Type: protocol.TypePing})
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// writeJSON enqueues a frame for the write pump. All socket writes happen
// on that single goroutine; enqueuing (rather than writing inline) avoids
// concurrent writers on the same gorilla connection, which is not
// goroutine-safe. A full send buffer drops the frame with a warning.
func (c *Client) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("send buffer full, dropping frame")
		return nil
	}
}

func (c *Client) sendSubscribed(cursor int64) {
	_ = c.writeJSON(protocol.Subscribed{Type: protocol.TypeSubscribed, Kinds: c.kinds, Cursor: cursor})
}

func (c *Client) sendRegistered(relayID string) {
	_ = c.writeJSON(protocol.Registered{Type: protocol.TypeRegistered, RelayID: relayID})
}

func (c *Client) sendEventFrame(evt *events.Event) {
	frame := protocol.EventFrame{
		Type:    protocol.TypeEvent,
		Cursor:  evt.Cursor,
		Kind:    evt.Kind,
		Time:    evt.Time.Format(time.RFC3339Nano),
		AgentID: evt.AgentID.String(),
		Data:    evt.Data,
	}
	if evt.SessionID != nil {
		s := evt.SessionID.String()
		frame.SessionID = &s
	}
	if evt.TaskID != nil {
		t := evt.TaskID.String()
		frame.TaskID = &t
	}
	_ = c.writeJSON(frame)
}
