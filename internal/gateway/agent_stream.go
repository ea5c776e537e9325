// Agent-side stream WebSocket (spec §6): /ws/agent-stream/{agent_id}
// replays buffered history then tails live output, and accepts
// {"type":"send_input"} from the client to forward text into the active
// session's Session Supervisor via the relay's input_requested command.
package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/relay/pkg/events"
	"github.com/kandev/relay/pkg/protocol"
)

var agentStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// AgentStreamHandler upgrades and serves one agent-stream connection.
func (g *Gateway) AgentStreamHandler(c *gin.Context) {
	agentID := c.Param("agent_id")
	if agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id required"})
		return
	}

	if _, err := g.authenticate(protocol.BearerToken(c.Request)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	afterID := int64(0)
	if raw := c.Query("after_id"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			afterID = v
		}
	}

	conn, err := agentStreamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("agent-stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	history, live, cancel := g.streams.SubscribeSince(agentID, afterID)
	defer cancel()

	lastID := afterID
	for _, entry := range history {
		if err := conn.WriteJSON(historyEventFrame(entry)); err != nil {
			return
		}
		lastID = entry.ID
	}
	if err := conn.WriteJSON(map[string]interface{}{"type": protocol.TypeHistoryEnd, "last_id": lastID}); err != nil {
		return
	}

	ctx, stop := context.WithCancel(c.Request.Context())
	defer stop()
	go g.readAgentStreamInput(ctx, conn, agentID)

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-live:
			if !ok {
				return
			}
			if err := conn.WriteJSON(liveEventFrame(entry)); err != nil {
				return
			}
		}
	}
}

func historyEventFrame(e StreamEntry) map[string]interface{} {
	return map[string]interface{}{
		"type":    protocol.TypeHistoryEvent,
		"id":      e.ID,
		"stream":  e.Stream,
		"message": e.Message,
	}
}

func liveEventFrame(e StreamEntry) map[string]interface{} {
	return map[string]interface{}{
		"type":    protocol.TypeLiveEvent,
		"id":      e.ID,
		"stream":  e.Stream,
		"message": e.Message,
	}
}

// readAgentStreamInput handles the client's {"type":"send_input"} frames by
// emitting relay.input_requested onto the bus, targeted by the relay_id the
// hub has bound to agentID; the relay owning the active session picks it up
// via the outbound command allow-list. Input for an agent with no known
// relay binding is dropped with a warning.
func (g *Gateway) readAgentStreamInput(ctx context.Context, conn *websocket.Conn, agentID string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.ParseClientMessage(raw)
		if err != nil {
			continue
		}
		input, ok := msg.(*protocol.SendInput)
		if !ok {
			continue
		}
		relayID, ok := g.hub.RelayForAgent(agentID)
		if !ok {
			g.logger.Warn("send_input for agent with no known relay", zap.String("agent_id", agentID))
			continue
		}
		g.emitSystem(ctx, events.RelayInputRequested, map[string]interface{}{
			"request_id": uuid.New().String(),
			"agent_id":   agentID,
			"relay_id":   relayID,
			"input":      input.Input,
			"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		})
	}
}

